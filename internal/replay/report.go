package replay

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// FieldResult is one expected-field comparison for a single case.
type FieldResult struct {
	Match     bool `json:"match"`
	Baseline  any  `json:"baseline"`
	Candidate any  `json:"candidate"`
	Expected  any  `json:"expected"`
}

// CaseResult is one case's scored outcome.
type CaseResult struct {
	ID                string                 `json:"id"`
	BaselineAccuracy  float64                `json:"baseline_accuracy"`
	CandidateAccuracy float64                `json:"candidate_accuracy"`
	FieldResults      map[string]FieldResult `json:"field_results"`
	BaselineError     string                 `json:"baseline_error,omitempty"`
	CandidateError    string                 `json:"candidate_error,omitempty"`
}

// DriftAlert flags a meaningful accuracy regression against the last
// stored report for the same replay name.
type DriftAlert struct {
	Type               string  `json:"type"`
	Level              string  `json:"level"`
	ReplayName         string  `json:"replay_name"`
	PreviousAccuracy   float64 `json:"previous_accuracy"`
	CandidateAccuracy  float64 `json:"candidate_accuracy"`
	Message            string  `json:"message"`
}

// Report is one immutable replay run, addressable by ReplayID and (for the
// most recent run under a name) by ReplayName.
type Report struct {
	ReplayID          string       `json:"replay_id"`
	ReplayName        string       `json:"replay_name"`
	BaselineModel     string       `json:"baseline_model"`
	CandidateModel    string       `json:"candidate_model"`
	Cases             []CaseResult `json:"cases"`
	BaselineAccuracy  float64      `json:"baseline_accuracy"`
	CandidateAccuracy float64      `json:"candidate_accuracy"`
	AccuracyDelta     float64      `json:"accuracy_delta"`
	DriftAlerts       []DriftAlert `json:"drift_alerts"`
	CreatedAtMs       int64        `json:"created_at_ms"`
}

var unsafeNameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName replaces any run of characters outside [A-Za-z0-9._-] with '_'.
func SafeName(name string) string {
	if name == "" {
		name = "default"
	}
	return unsafeNameRe.ReplaceAllString(name, "_")
}

// Store persists reports as JSON files in a directory: one per replay id,
// plus a "latest-<safe_name>.json" pointer per replay name used for drift
// comparison. A zero-value Store (empty Dir) is valid and every method is
// a no-op -- persistence is optional.
type Store struct {
	mu  sync.Mutex
	Dir string
}

// NewStore constructs a Store rooted at dir. An empty dir disables
// persistence entirely.
func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) enabled() bool { return s != nil && s.Dir != "" }

// LoadLatest reads the latest report stored for name. A missing or
// malformed file is treated as "no prior report", never an error.
func (s *Store) LoadLatest(name string) (*Report, bool) {
	if !s.enabled() {
		return nil, false
	}
	path := filepath.Join(s.Dir, "latest-"+SafeName(name)+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, false
	}
	return &report, true
}

// LoadByID reads a single persisted report by its replay id.
func (s *Store) LoadByID(replayID string) (*Report, bool) {
	if !s.enabled() {
		return nil, false
	}
	path := filepath.Join(s.Dir, replayID+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, false
	}
	return &report, true
}

// Save persists report under both its replay id and its name's latest
// pointer. A no-op when persistence is disabled.
func (s *Store) Save(report Report) error {
	if !s.enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create replay reports directory: %w", err)
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode replay report: %w", err)
	}

	idPath := filepath.Join(s.Dir, report.ReplayID+".json")
	if err := os.WriteFile(idPath, body, 0o644); err != nil {
		return fmt.Errorf("write replay report: %w", err)
	}

	latestPath := filepath.Join(s.Dir, "latest-"+SafeName(report.ReplayName)+".json")
	if err := os.WriteFile(latestPath, body, 0o644); err != nil {
		return fmt.Errorf("write latest replay report pointer: %w", err)
	}
	return nil
}

// driftThreshold is the candidate-accuracy regression, versus the prior
// latest report for the same name, that triggers an accuracy_drop alert.
const driftThreshold = -0.05

// computeDriftAlerts compares candidateAccuracy against the previous
// report's candidate accuracy, if any and finite.
func computeDriftAlerts(name string, candidateAccuracy float64, previous *Report) []DriftAlert {
	if previous == nil || !isFinite(previous.CandidateAccuracy) {
		return nil
	}
	delta := candidateAccuracy - previous.CandidateAccuracy
	if delta <= driftThreshold {
		return []DriftAlert{{
			Type:              "accuracy_drop",
			Level:             "warn",
			ReplayName:        name,
			PreviousAccuracy:  previous.CandidateAccuracy,
			CandidateAccuracy: candidateAccuracy,
			Message:           fmt.Sprintf("candidate accuracy dropped %.4f for replay %q", -delta, name),
		}}
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

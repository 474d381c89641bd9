// Package metrics holds the sidecar's in-process counters and latency
// reservoirs. It is a single-writer store: the queue manager is the only
// caller that records into it, which keeps every recording operation O(1)
// under one mutex.
package metrics

import (
	"math"
	"sort"
	"sync"
)

const (
	// DefaultSampleCap is the default size of each latency reservoir.
	DefaultSampleCap = 500
	// MinSampleCap is the floor enforced regardless of what a caller passes.
	MinSampleCap = 50
)

// Summary is the nearest-rank latency summary returned for a reservoir.
type Summary struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	Mean  float64 `json:"mean"`
}

type modelStats struct {
	success int64
	failure int64
}

type aggressiveStats struct {
	triggered int64
	improved  int64
}

// Store is the process-local metrics singleton for one queue manager
// instance. Construct a fresh Store per manager; never share across tests.
type Store struct {
	mu sync.Mutex

	sampleCap int
	queueWait []float64
	modelTime []float64
	total     []float64

	completed int64
	failed    int64

	perModel     map[string]*modelStats
	perErrorKind map[string]int64
	aggressive   map[string]*aggressiveStats
}

// NewStore creates a Store whose latency reservoirs are capped at
// sampleCap samples, with a hard floor of MinSampleCap regardless of what is
// requested (the floor is documented but not self-enforcing in the source
// this was ported from; we enforce it explicitly here).
func NewStore(sampleCap int) *Store {
	if sampleCap < MinSampleCap {
		sampleCap = MinSampleCap
	}
	return &Store{
		sampleCap:    sampleCap,
		perModel:     make(map[string]*modelStats),
		perErrorKind: make(map[string]int64),
		aggressive:   make(map[string]*aggressiveStats),
	}
}

func appendBounded(buf []float64, v float64, cap int) []float64 {
	buf = append(buf, v)
	if len(buf) > cap {
		buf = buf[len(buf)-cap:]
	}
	return buf
}

// RecordSubmitted records a job admission. When aggressive mode is enabled
// on the submitted request, it also records a "triggered" event for the
// given fallback reason, feeding the win-rate computation at completion.
func (s *Store) RecordSubmitted(aggressiveEnabled bool, fallbackReason string) {
	if !aggressiveEnabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggressiveFor(fallbackReason).triggered++
}

// RecordCompleted records a successful terminal outcome and its timings.
func (s *Store) RecordCompleted(model string, queueWaitMs, modelMs, totalMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	s.queueWait = appendBounded(s.queueWait, queueWaitMs, s.sampleCap)
	s.modelTime = appendBounded(s.modelTime, modelMs, s.sampleCap)
	s.total = appendBounded(s.total, totalMs, s.sampleCap)
	if model != "" {
		s.modelFor(model).success++
	}
}

// RecordFailed records a terminal failure outcome for the given classified
// error code and model.
func (s *Store) RecordFailed(model, errorCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	if model != "" {
		s.modelFor(model).failure++
	}
	if errorCode != "" {
		s.perErrorKind[errorCode]++
	}
}

// RecordConfidenceImprovement records an "improved" event for a fallback
// reason when confidence_delta > 0 at completion.
func (s *Store) RecordConfidenceImprovement(fallbackReason string, confidenceDelta float64) {
	if confidenceDelta <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggressiveFor(fallbackReason).improved++
}

func (s *Store) modelFor(model string) *modelStats {
	m, ok := s.perModel[model]
	if !ok {
		m = &modelStats{}
		s.perModel[model] = m
	}
	return m
}

func (s *Store) aggressiveFor(reason string) *aggressiveStats {
	if reason == "" {
		reason = "unspecified"
	}
	a, ok := s.aggressive[reason]
	if !ok {
		a = &aggressiveStats{}
		s.aggressive[reason] = a
	}
	return a
}

// ModelSuccessRate is the per-model {success, failure, success_rate} block.
type ModelSuccessRate struct {
	Success     int64   `json:"success"`
	Failure     int64   `json:"failure"`
	SuccessRate float64 `json:"success_rate"`
}

// FallbackWinRate is the per-fallback-reason aggressive win-rate block.
type FallbackWinRate struct {
	Triggered int64   `json:"triggered"`
	Improved  int64   `json:"improved"`
	WinRate   float64 `json:"win_rate"`
}

// Snapshot is the full point-in-time view of the metrics store.
type Snapshot struct {
	Completed         int64                        `json:"completed"`
	Failed            int64                        `json:"failed"`
	ErrorRate         float64                       `json:"error_rate"`
	QueueWait         Summary                       `json:"queue_wait_ms"`
	ModelTime         Summary                       `json:"model_ms"`
	Total             Summary                       `json:"total_ms"`
	PerModel          map[string]ModelSuccessRate    `json:"per_model"`
	PerErrorKind      map[string]int64               `json:"per_error_kind"`
	AggressiveByReason map[string]FallbackWinRate    `json:"aggressive_by_fallback_reason"`
}

// Snapshot computes a consistent point-in-time view of every counter and
// reservoir. It never mutates the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	perModel := make(map[string]ModelSuccessRate, len(s.perModel))
	for model, st := range s.perModel {
		total := st.success + st.failure
		rate := 0.0
		if total > 0 {
			rate = round3(float64(st.success) / float64(total))
		}
		perModel[model] = ModelSuccessRate{Success: st.success, Failure: st.failure, SuccessRate: rate}
	}

	perErrorKind := make(map[string]int64, len(s.perErrorKind))
	for k, v := range s.perErrorKind {
		perErrorKind[k] = v
	}

	byReason := make(map[string]FallbackWinRate, len(s.aggressive))
	for reason, st := range s.aggressive {
		rate := 0.0
		if st.triggered > 0 {
			rate = round3(float64(st.improved) / float64(st.triggered))
		}
		byReason[reason] = FallbackWinRate{Triggered: st.triggered, Improved: st.improved, WinRate: rate}
	}

	return Snapshot{
		Completed:          s.completed,
		Failed:             s.failed,
		ErrorRate:          s.errorRateLocked(),
		QueueWait:          summarize(s.queueWait),
		ModelTime:          summarize(s.modelTime),
		Total:              summarize(s.total),
		PerModel:           perModel,
		PerErrorKind:       perErrorKind,
		AggressiveByReason: byReason,
	}
}

// ErrorRate returns failed/(failed+completed), 0 when no finished jobs.
func (s *Store) ErrorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorRateLocked()
}

func (s *Store) errorRateLocked() float64 {
	finished := s.completed + s.failed
	if finished == 0 {
		return 0
	}
	return round3(float64(s.failed) / float64(finished))
}

// AggressiveReport is the shape served at GET /async/aggressive/report.
type AggressiveReport struct {
	Triggered      int64                      `json:"triggered"`
	Improved       int64                      `json:"improved"`
	WinRate        float64                    `json:"win_rate"`
	ByFallbackReason map[string]FallbackWinRate `json:"by_fallback_reason"`
}

// AggressiveReport aggregates the per-reason win-rate counters into the
// overall totals plus the per-reason breakdown.
func (s *Store) AggressiveReport() AggressiveReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	var triggered, improved int64
	byReason := make(map[string]FallbackWinRate, len(s.aggressive))
	for reason, st := range s.aggressive {
		triggered += st.triggered
		improved += st.improved
		rate := 0.0
		if st.triggered > 0 {
			rate = round3(float64(st.improved) / float64(st.triggered))
		}
		byReason[reason] = FallbackWinRate{Triggered: st.triggered, Improved: st.improved, WinRate: rate}
	}

	rate := 0.0
	if triggered > 0 {
		rate = round3(float64(improved) / float64(triggered))
	}

	return AggressiveReport{
		Triggered:        triggered,
		Improved:         improved,
		WinRate:          rate,
		ByFallbackReason: byReason,
	}
}

func summarize(samples []float64) Summary {
	n := len(samples)
	if n == 0 {
		return Summary{}
	}
	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	return Summary{
		Count: n,
		P50:   nearestRank(sorted, 0.50),
		P95:   nearestRank(sorted, 0.95),
		Mean:  round3(sum / float64(n)),
	}
}

// nearestRank returns the sample at floor((n-1)*p), the nearest-rank method
// specified for latency summaries.
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor(float64(n-1) * p))
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

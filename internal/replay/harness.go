package replay

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/relaylabs/async-sidecar/internal/envelope"
	"github.com/relaylabs/async-sidecar/internal/queue"
	"github.com/relaylabs/async-sidecar/internal/queue/domain"
)

// inlineTimeout is the per-case inline-run timeout: generous, since a
// replay case is an offline evaluation run, not an interactive request.
const inlineTimeout = 900 * time.Second

// Runner is the subset of the queue manager the harness needs: submit a
// job and block for its terminal envelope. queue.Manager satisfies this.
type Runner interface {
	RunInline(ctx context.Context, req queue.SubmitRequest, timeout time.Duration) (envelope.Envelope, error)
}

// Case is one replay evaluation input: a payload to run against both
// models, and the expected field values to score the parsed result
// against.
type Case struct {
	ID       string
	Payload  map[string]any
	Expected map[string]any
}

// RunRequest is everything Harness.Run needs for one replay.
type RunRequest struct {
	ReplayName     string
	BaselineModel  string
	CandidateModel string
	Cases          []Case
}

// Harness is the replay evaluation orchestrator (C6): it runs baseline and
// candidate models per case via the queue manager's inline-run API, scores
// field-level accuracy, and raises a drift alert against the most recent
// prior report for the same replay name.
type Harness struct {
	runner Runner
	store  *Store
}

// NewHarness constructs a Harness. store may be a zero-Dir Store (or nil),
// in which case persistence and drift comparison are both disabled.
func NewHarness(runner Runner, store *Store) *Harness {
	if store == nil {
		store = NewStore("")
	}
	return &Harness{runner: runner, store: store}
}

// ReportStore exposes the harness's backing report store so callers can
// look up a report by id directly.
func (h *Harness) ReportStore() *Store { return h.store }

// nowFn is overridden in tests that need a deterministic replay id.
var nowFn = time.Now

// Run executes one replay: every case is submitted twice, once per model,
// at batch priority with aggressive mode disabled, then scored against its
// expected fields.
func (h *Harness) Run(ctx context.Context, req RunRequest) (Report, error) {
	report := Report{
		ReplayID:       fmt.Sprintf("replay-%d", nowFn().UnixMilli()),
		ReplayName:     req.ReplayName,
		BaselineModel:  req.BaselineModel,
		CandidateModel: req.CandidateModel,
		CreatedAtMs:    nowFn().UnixMilli(),
	}

	cases := make([]CaseResult, 0, len(req.Cases))
	var baselineSum, candidateSum float64

	for _, c := range req.Cases {
		baselineEnv, baselineErr := h.runOne(ctx, req.BaselineModel, c.Payload)
		candidateEnv, candidateErr := h.runOne(ctx, req.CandidateModel, c.Payload)

		cr := CaseResult{ID: c.ID}
		if baselineErr != nil {
			cr.BaselineError = baselineErr.Error()
		}
		if candidateErr != nil {
			cr.CandidateError = candidateErr.Error()
		}

		var baselineParsed, candidateParsed any
		if baselineErr == nil {
			baselineParsed = baselineEnv.Result.ParsedJSON
		}
		if candidateErr == nil {
			candidateParsed = candidateEnv.Result.ParsedJSON
		}

		cr.FieldResults = scoreFields(c.Expected, baselineParsed, candidateParsed)
		cr.BaselineAccuracy = baselineAccuracy(cr.FieldResults)
		cr.CandidateAccuracy = candidateAccuracy(cr.FieldResults)

		baselineSum += cr.BaselineAccuracy
		candidateSum += cr.CandidateAccuracy
		cases = append(cases, cr)
	}

	report.Cases = cases
	n := float64(len(cases))
	if n > 0 {
		report.BaselineAccuracy = round4(baselineSum / n)
		report.CandidateAccuracy = round4(candidateSum / n)
	}
	report.AccuracyDelta = round4(report.CandidateAccuracy - report.BaselineAccuracy)

	if previous, ok := h.store.LoadLatest(req.ReplayName); ok {
		report.DriftAlerts = computeDriftAlerts(req.ReplayName, report.CandidateAccuracy, previous)
	}

	if err := h.store.Save(report); err != nil {
		return report, fmt.Errorf("persist replay report: %w", err)
	}

	return report, nil
}

func (h *Harness) runOne(ctx context.Context, model string, payload map[string]any) (envelope.Envelope, error) {
	cloned := make(map[string]any, len(payload))
	for k, v := range payload {
		cloned[k] = v
	}
	cloned["model"] = model

	return h.runner.RunInline(ctx, queue.SubmitRequest{
		Payload:  cloned,
		Priority: domain.PriorityBatch,
	}, inlineTimeout)
}

// scoreFields compares the baseline and candidate parsed JSON against each
// expected field, normalizing both sides before comparison.
func scoreFields(expected map[string]any, baselineParsed, candidateParsed any) map[string]FieldResult {
	results := make(map[string]FieldResult, len(expected))
	for key, expectedVal := range expected {
		baselineVal, _ := fieldAt(baselineParsed, key)
		candidateVal, _ := fieldAt(candidateParsed, key)
		results[key] = FieldResult{
			Match:     valuesMatch(candidateVal, expectedVal),
			Baseline:  baselineVal,
			Candidate: candidateVal,
			Expected:  expectedVal,
		}
	}
	return results
}

// baselineAccuracy is matched/total for the baseline side against
// expected, computed independently of the candidate's Match flag.
func baselineAccuracy(fields map[string]FieldResult) float64 {
	if len(fields) == 0 {
		return 0
	}
	var matched int
	for _, fr := range fields {
		if valuesMatch(fr.Baseline, fr.Expected) {
			matched++
		}
	}
	return float64(matched) / float64(len(fields))
}

// candidateAccuracy is matched/total for the candidate side, reusing the
// Match flag already computed against expected.
func candidateAccuracy(fields map[string]FieldResult) float64 {
	if len(fields) == 0 {
		return 0
	}
	var matched int
	for _, fr := range fields {
		if fr.Match {
			matched++
		}
	}
	return float64(matched) / float64(len(fields))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Package facade is the control plane (C7): it composes the error
// classifier, metrics store, envelope builder, state resolver, queue
// manager, and replay harness behind the operations the HTTP surface
// calls -- submit, status, result, cancel, queue, state, metrics, review,
// and replay.
package facade

import (
	"context"
	"sync"
	"time"

	"github.com/relaylabs/async-sidecar/internal/aggressive"
	"github.com/relaylabs/async-sidecar/internal/envelope"
	"github.com/relaylabs/async-sidecar/internal/metrics"
	"github.com/relaylabs/async-sidecar/internal/queue"
	"github.com/relaylabs/async-sidecar/internal/queue/domain"
	"github.com/relaylabs/async-sidecar/internal/replay"
	"github.com/relaylabs/async-sidecar/internal/state"
)

// HealthProber is the liveness check the state resolver needs; the
// upstream chat client implements it.
type HealthProber interface {
	Health(ctx context.Context) error
}

// HistoryRecorder is the optional Postgres enrichment; a nil value (the
// typed-nil *persistence.HistoryStore) is accepted and treated as
// disabled. Declared as an interface here so this package never imports
// database/sql machinery it doesn't otherwise need.
type HistoryRecorder interface {
	Record(ctx context.Context, report replay.Report) error
}

// Facade is the process-local control plane for one queue manager
// instance.
type Facade struct {
	queue    *queue.Manager
	upstream HealthProber
	harness  *replay.Harness
	history  HistoryRecorder

	mu           sync.Mutex
	latestByName map[string]replay.Report
}

// New constructs a Facade over an already-configured queue manager,
// upstream health prober, and replay harness. history may be nil.
func New(q *queue.Manager, upstream HealthProber, harness *replay.Harness, history HistoryRecorder) *Facade {
	return &Facade{
		queue:        q,
		upstream:     upstream,
		harness:      harness,
		history:      history,
		latestByName: make(map[string]replay.Report),
	}
}

// SubmitRequest is the facade-level submit shape: it carries the same
// fields as queue.SubmitRequest, but aggressive-mode payload shaping
// happens here, before the queue manager ever sees the payload.
type SubmitRequest = queue.SubmitRequest

// Submit applies aggressive-mode payload shaping (DOM minification) when
// requested, then admits the job into the queue manager.
func (f *Facade) Submit(ctx context.Context, req SubmitRequest) (queue.SubmitResult, error) {
	if req.RequestMeta.AggressiveEnabled {
		req.Payload = aggressive.ApplyToPayload(req.Payload)
	}
	return f.queue.Submit(ctx, req)
}

// Status returns the status snapshot for a job.
func (f *Facade) Status(jobID string) (queue.StatusSnapshot, error) {
	return f.queue.Status(jobID)
}

// Result returns the terminal envelope for a job, if any, plus whether the
// job is known at all and whether it has finalized.
func (f *Facade) Result(jobID string) (envelope.Envelope, bool, bool) {
	return f.queue.Result(jobID)
}

// Cancel cancels a job.
func (f *Facade) Cancel(jobID string) (queue.CancelResult, error) {
	return f.queue.Cancel(jobID)
}

// QueueSnapshot returns the current scheduler state.
func (f *Facade) QueueSnapshot() queue.Snapshot {
	return f.queue.QueueSnapshot()
}

// GetState probes upstream connectivity and resolves the single
// operational state from it plus the queue manager's signals and
// metrics.
func (f *Facade) GetState(ctx context.Context) state.Result {
	connectivityOK := f.probeConnectivity(ctx)
	snap := f.queue.QueueSnapshot()
	errorRate := f.queue.Metrics().ErrorRate()
	return state.Resolve(time.Now(), connectivityOK, snap.Signals, snap.Depth.Total, errorRate)
}

func (f *Facade) probeConnectivity(ctx context.Context) bool {
	if f.upstream == nil {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return f.upstream.Health(probeCtx) == nil
}

// MetricsView is the shape served at GET /async/metrics.
type MetricsView struct {
	Queue             queue.Snapshot        `json:"queue"`
	Metrics           metrics.Snapshot      `json:"metrics"`
	ReplayDriftAlerts []replay.DriftAlert   `json:"replay_drift_alerts"`
}

// GetMetrics returns the queue snapshot, the metrics store snapshot, and
// the drift alerts from the latest report of every replay name run in
// this process's lifetime.
func (f *Facade) GetMetrics() MetricsView {
	f.mu.Lock()
	alerts := make([]replay.DriftAlert, 0)
	for _, report := range f.latestByName {
		alerts = append(alerts, report.DriftAlerts...)
	}
	f.mu.Unlock()

	return MetricsView{
		Queue:             f.queue.QueueSnapshot(),
		Metrics:           f.queue.Metrics().Snapshot(),
		ReplayDriftAlerts: alerts,
	}
}

// AggressiveReport returns the aggressive-mode win-rate rollup.
func (f *Facade) AggressiveReport() metrics.AggressiveReport {
	return f.queue.Metrics().AggressiveReport()
}

// GetReviewPayload derives the review projection for a finished job, or
// returns ok=false when the envelope is not (yet, or ever) in the result
// cache.
func (f *Facade) GetReviewPayload(jobID string) (envelope.ReviewPayload, bool) {
	env, known, final := f.queue.Result(jobID)
	if !known || !final {
		return envelope.ReviewPayload{}, false
	}
	return envelope.BuildReviewPayload(env), true
}

// RunReplay runs one replay via the harness, tracks it as the latest
// report for its name for future drift-alert aggregation, and
// best-effort records it to the optional history store.
func (f *Facade) RunReplay(ctx context.Context, req replay.RunRequest) (replay.Report, error) {
	report, err := f.harness.Run(ctx, req)
	if err != nil {
		return report, err
	}

	f.mu.Lock()
	f.latestByName[req.ReplayName] = report
	f.mu.Unlock()

	if f.history != nil {
		_ = f.history.Record(ctx, report)
	}

	return report, nil
}

// GetReplayReport looks up a persisted report by its replay id.
func (f *Facade) GetReplayReport(replayID string) (replay.Report, bool) {
	report, ok := f.harness.ReportStore().LoadByID(replayID)
	if !ok {
		return replay.Report{}, false
	}
	return *report, true
}

// NormalizePriority is re-exported for the HTTP surface's request binding.
func NormalizePriority(p string) string { return domain.NormalizePriority(p) }

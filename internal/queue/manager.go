// Package queue implements the scheduler core (C5): a priority queue with
// bounded concurrency, cancellation, retry, and upstream-health cooldowns.
// Every mutation to lanes, the running set, the job map, the result cache,
// the cooldown signals, and the metrics store happens while holding the
// manager's single mutex -- the "one logical lock" the design allows a
// parallel-thread implementation to use in place of single-threaded
// cooperative dispatch.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaylabs/async-sidecar/internal/classifier"
	"github.com/relaylabs/async-sidecar/internal/envelope"
	"github.com/relaylabs/async-sidecar/internal/metrics"
	"github.com/relaylabs/async-sidecar/internal/queue/domain"
	"github.com/relaylabs/async-sidecar/internal/state"
)

// UpstreamClient is the only collaborator the queue manager consumes. It is
// a thin interface so the manager never depends on how chat completions are
// actually transported.
type UpstreamClient interface {
	ChatCompletions(ctx context.Context, payload map[string]any) (map[string]any, error)
	Health(ctx context.Context) error
}

// FinalListener is invoked once per job after it reaches a terminal state.
// Listeners are called from their own goroutine and must never block the
// manager.
type FinalListener func(envelope.Envelope)

// SubmitRequest is the caller-supplied shape for Submit and RunInline.
type SubmitRequest struct {
	Payload     map[string]any
	Priority    string
	RequestMeta domain.RequestMeta
}

// Links are the self-referential URLs returned alongside a submitted job.
type Links struct {
	Status string `json:"status"`
	Result string `json:"result"`
	Cancel string `json:"cancel"`
}

// SubmitResult is returned synchronously from Submit.
type SubmitResult struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Links  Links  `json:"links"`
}

// StatusSnapshot is the read path served at GET /async/status/:jobId.
type StatusSnapshot struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

// LaneDepths breaks the queue depth down per priority lane.
type LaneDepths struct {
	Interactive int `json:"interactive"`
	Retry       int `json:"retry"`
	Batch       int `json:"batch"`
}

// Depth is the total queue depth plus its per-lane breakdown.
type Depth struct {
	Total int        `json:"total"`
	ByPriority LaneDepths `json:"by_priority"`
}

// Snapshot is the read path served at GET /async/queue.
type Snapshot struct {
	MaxInFlight   int            `json:"max_in_flight"`
	MaxQueueDepth int            `json:"max_queue_depth"`
	Running       int            `json:"running"`
	Depth         Depth          `json:"depth"`
	Signals       state.Signals  `json:"signals"`
}

// CancelResult is returned from Cancel.
type CancelResult struct {
	Cancelled bool   `json:"cancelled"`
	Running   bool   `json:"running"`
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
}

// Manager is the scheduler core. Construct a fresh Manager per test or per
// process; it owns no process-wide global state.
type Manager struct {
	mu sync.Mutex

	cfg      Config
	upstream UpstreamClient
	metrics  *metrics.Store
	logger   *slog.Logger
	now      func() time.Time

	jobs    map[string]*domain.Job
	running map[string]*domain.Job
	results map[string]envelope.Envelope
	lanes   map[string][]string

	signals state.Signals

	seq uint64

	drainScheduled bool
	drainTimer     *time.Timer

	finalListeners []FinalListener
}

// New constructs a Manager. cfg is normalized with its documented defaults
// and floors before use.
func New(cfg Config, upstream UpstreamClient, store *metrics.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = metrics.NewStore(metrics.DefaultSampleCap)
	}
	return &Manager{
		cfg:      cfg.normalize(),
		upstream: upstream,
		metrics:  store,
		logger:   logger,
		now:      time.Now,
		jobs:     make(map[string]*domain.Job),
		running:  make(map[string]*domain.Job),
		results:  make(map[string]envelope.Envelope),
		lanes: map[string][]string{
			domain.PriorityInteractive: nil,
			domain.PriorityRetry:       nil,
			domain.PriorityBatch:       nil,
		},
	}
}

// Metrics exposes the manager's metrics store for the facade and HTTP
// surface to read.
func (m *Manager) Metrics() *metrics.Store { return m.metrics }

// OnFinal registers a listener invoked once per job after it finalizes.
func (m *Manager) OnFinal(fn FinalListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalListeners = append(m.finalListeners, fn)
}

func validatePayload(payload map[string]any) error {
	if payload == nil {
		return domain.ErrInvalidRequest
	}
	model, ok := payload["model"].(string)
	if !ok || model == "" {
		return domain.ErrInvalidRequest
	}
	switch messages := payload["messages"].(type) {
	case []any:
		if len(messages) == 0 {
			return domain.ErrInvalidRequest
		}
	default:
		return domain.ErrInvalidRequest
	}
	return nil
}

func modelFromPayload(payload map[string]any) string {
	if model, ok := payload["model"].(string); ok {
		return model
	}
	return ""
}

// Submit admits a job. It validates the payload, enforces the queue depth
// budget, assigns a monotonically-growing job id, appends to the chosen
// lane, records submission metrics, and schedules a drain tick
// asynchronously -- Submit itself never calls upstream.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if err := validatePayload(req.Payload); err != nil {
		return SubmitResult{}, err
	}

	m.mu.Lock()
	if m.totalDepthLocked() >= m.cfg.MaxQueueDepth {
		m.mu.Unlock()
		return SubmitResult{}, domain.ErrQueueBackpressure
	}

	priority := domain.NormalizePriority(req.Priority)
	jobID := m.nextJobIDLocked()

	job := &domain.Job{
		JobID:       jobID,
		Payload:     req.Payload,
		Priority:    priority,
		Status:      domain.StatusQueued,
		QueuedAt:    m.now(),
		RequestMeta: req.RequestMeta,
	}
	m.jobs[jobID] = job
	m.lanes[priority] = append(m.lanes[priority], jobID)
	m.metrics.RecordSubmitted(req.RequestMeta.AggressiveEnabled, req.RequestMeta.FallbackReason)
	m.mu.Unlock()

	m.scheduleDrain()

	return SubmitResult{
		JobID:  jobID,
		Status: domain.StatusQueued,
		Links: Links{
			Status: "/api/async/status/" + jobID,
			Result: "/api/async/result/" + jobID,
			Cancel: "/api/async/cancel/" + jobID,
		},
	}, nil
}

func (m *Manager) nextJobIDLocked() string {
	n := atomic.AddUint64(&m.seq, 1)
	return fmt.Sprintf("job-%d-%d", m.now().UnixMilli(), n)
}

func (m *Manager) totalDepthLocked() int {
	return len(m.running) + m.laneDepthLocked()
}

func (m *Manager) laneDepthLocked() int {
	return len(m.lanes[domain.PriorityInteractive]) + len(m.lanes[domain.PriorityRetry]) + len(m.lanes[domain.PriorityBatch])
}

// Status returns the current status snapshot for a job, active or
// terminal.
func (m *Manager) Status(jobID string) (StatusSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, ok := m.jobs[jobID]; ok {
		return StatusSnapshot{JobID: jobID, Status: job.Status, Attempts: job.Attempts}, nil
	}
	if env, ok := m.results[jobID]; ok {
		return StatusSnapshot{JobID: jobID, Status: env.Status, Attempts: env.Result.Diagnostics.Attempts}, nil
	}
	return StatusSnapshot{}, domain.ErrJobNotFound
}

// Result returns the terminal envelope when available. The second return
// value reports whether the job is known at all (active or terminal); the
// third reports whether it has already finalized.
func (m *Manager) Result(jobID string) (envelope.Envelope, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if env, ok := m.results[jobID]; ok {
		return env, true, true
	}
	if _, ok := m.jobs[jobID]; ok {
		return envelope.Envelope{}, true, false
	}
	return envelope.Envelope{}, false, false
}

// QueueSnapshot returns the current scheduler state.
func (m *Manager) QueueSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		MaxInFlight:   m.cfg.MaxInFlight,
		MaxQueueDepth: m.cfg.MaxQueueDepth,
		Running:       len(m.running),
		Depth: Depth{
			Total: m.laneDepthLocked(),
			ByPriority: LaneDepths{
				Interactive: len(m.lanes[domain.PriorityInteractive]),
				Retry:       len(m.lanes[domain.PriorityRetry]),
				Batch:       len(m.lanes[domain.PriorityBatch]),
			},
		},
		Signals: m.signals,
	}
}

// Signals returns a copy of the current cooldown signals.
func (m *Manager) Signals() state.Signals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signals
}

// Cancel implements the four cancel outcomes from §4.5.
func (m *Manager) Cancel(jobID string) (CancelResult, error) {
	m.mu.Lock()

	job, active := m.jobs[jobID]
	if !active {
		if _, ok := m.results[jobID]; ok {
			m.mu.Unlock()
			return CancelResult{Cancelled: false, Code: "ALREADY_FINAL"}, domain.ErrAlreadyFinal
		}
		m.mu.Unlock()
		return CancelResult{Cancelled: false, Code: classifier.CodeJobNotFound}, domain.ErrJobNotFound
	}

	switch job.Status {
	case domain.StatusRunning:
		job.CancelRequested = true
		job.Abort()
		m.mu.Unlock()
		return CancelResult{Cancelled: true, Running: true, Status: "cancel_requested"}, nil

	case domain.StatusQueued, domain.StatusRetrying:
		m.removeFromLanesLocked(jobID)
		job.StopRetryTimer()
		now := m.now()
		job.CompletedAt = now
		cancelled := classifier.Classified{Code: classifier.CodeJobCancelled, Message: "job was cancelled before dispatch", Status: 409, Retryable: false}
		env := m.buildEnvelopeLocked(job, domain.StatusCancelled, nil, nil, &cancelled)
		waiters := m.finalizeLocked(job, env)
		m.mu.Unlock()
		m.fireFinal(env, waiters)
		m.scheduleDrain()
		return CancelResult{Cancelled: true, Running: false, Status: domain.StatusCancelled}, nil

	default:
		// Defensive: job map should never hold a terminal job, but guard
		// against it anyway.
		m.mu.Unlock()
		return CancelResult{Cancelled: false, Code: "ALREADY_FINAL"}, domain.ErrAlreadyFinal
	}
}

// RunInline submits a job and blocks until it reaches a terminal state or
// the waiter timer fires, whichever comes first. A timeout does not cancel
// the underlying job: it only abandons the wait, freeing the caller while
// the job keeps occupying its queue slot.
func (m *Manager) RunInline(ctx context.Context, req SubmitRequest, timeout time.Duration) (envelope.Envelope, error) {
	result, err := m.Submit(ctx, req)
	if err != nil {
		return envelope.Envelope{}, err
	}

	waiter := make(domain.Waiter, 1)
	m.mu.Lock()
	job, ok := m.jobs[result.JobID]
	if !ok {
		if env, ok := m.results[result.JobID]; ok {
			m.mu.Unlock()
			return env, nil
		}
		m.mu.Unlock()
		return envelope.Envelope{}, domain.ErrJobNotFound
	}
	job.Waiters = append(job.Waiters, waiter)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-waiter:
		return env, nil
	case <-timer.C:
		return envelope.Envelope{}, domain.ErrInlineRunTimeout
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
}

func (m *Manager) removeFromLanesLocked(jobID string) {
	for priority, lane := range m.lanes {
		for i, id := range lane {
			if id == jobID {
				m.lanes[priority] = append(lane[:i], lane[i+1:]...)
				return
			}
		}
	}
}

// finalizeLocked moves a job from the active maps into the result cache
// and records terminal metrics. It must be called while holding m.mu. It
// returns the job's waiters for the caller to fire after releasing the
// lock.
func (m *Manager) finalizeLocked(job *domain.Job, env envelope.Envelope) []domain.Waiter {
	delete(m.jobs, job.JobID)
	delete(m.running, job.JobID)
	m.results[job.JobID] = env
	waiters := job.Waiters
	job.Waiters = nil

	switch env.Status {
	case domain.StatusCompleted:
		model := modelFromPayload(job.Payload)
		lat := env.Result.Diagnostics.Latency
		m.metrics.RecordCompleted(model, derefF(lat.QueueWaitMs), derefF(lat.ModelMs), derefF(lat.TotalMs))
		if delta := env.Result.Diagnostics.Aggressive.ConfidenceDelta; delta != nil {
			m.metrics.RecordConfidenceImprovement(job.RequestMeta.FallbackReason, *delta)
		}
	case domain.StatusFailed, domain.StatusCancelled:
		model := modelFromPayload(job.Payload)
		code := ""
		if env.Error != nil {
			code = env.Error.Code
		}
		m.metrics.RecordFailed(model, code)
	}

	return waiters
}

func derefF(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// fireFinal sends the envelope to every registered waiter (buffered,
// non-blocking) and invokes every final listener on its own goroutine.
func (m *Manager) fireFinal(env envelope.Envelope, waiters []domain.Waiter) {
	for _, w := range waiters {
		select {
		case w <- env:
		default:
		}
	}

	m.mu.Lock()
	listeners := append([]FinalListener(nil), m.finalListeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		go fn(env)
	}
}

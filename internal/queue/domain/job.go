package domain

import (
	"context"
	"time"

	"github.com/relaylabs/async-sidecar/internal/envelope"
)

// RequestMeta is the caller-declared metadata attached at submission time:
// aggressive-mode flags and evidence hints later consumed by the envelope
// builder.
type RequestMeta struct {
	AggressiveEnabled bool
	FallbackReason    string
	ConfidenceBefore  *float64
	DomAnchor         string
	ScreenshotRegion  string
	ReasoningNote     string
}

// Waiter is a one-shot notifier registered by an inline-run caller. It is
// buffered with capacity 1 so finalize can send without blocking even if
// nobody is listening any more (e.g. after a waiter-level timeout).
type Waiter chan envelope.Envelope

// Job is the queue manager's internal record for one admitted request. It
// is mutated only by the manager, under its single mutex, and is moved to
// the result cache the instant it reaches a terminal status.
type Job struct {
	JobID    string
	Payload  map[string]any
	Priority string
	Status   string
	Attempts int

	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	CancelRequested bool
	RequestMeta     RequestMeta

	Waiters []Waiter

	// cancel aborts the in-flight upstream call for a running job. nil
	// until the job is first dispatched; each dispatch replaces it.
	cancel context.CancelFunc

	// retryTimer is armed while Status == retrying, so Cancel can stop it
	// before it fires.
	retryTimer interface{ Stop() bool }
}

// SetAbortHandle records the cancel function for the in-flight upstream
// call started for this dispatch attempt.
func (j *Job) SetAbortHandle(cancel context.CancelFunc) { j.cancel = cancel }

// Abort triggers the abort handle, if any. Safe to call on a job that never
// had one armed.
func (j *Job) Abort() {
	if j.cancel != nil {
		j.cancel()
	}
}

// SetRetryTimer records the pending retry timer so a cancel arriving while
// the job is waiting out its backoff can stop it.
func (j *Job) SetRetryTimer(t interface{ Stop() bool }) { j.retryTimer = t }

// StopRetryTimer stops the pending retry timer, if any.
func (j *Job) StopRetryTimer() {
	if j.retryTimer != nil {
		j.retryTimer.Stop()
		j.retryTimer = nil
	}
}

package queue

import (
	"context"
	"time"

	"github.com/relaylabs/async-sidecar/internal/classifier"
	"github.com/relaylabs/async-sidecar/internal/envelope"
	"github.com/relaylabs/async-sidecar/internal/queue/domain"
)

// drainFloor is the minimum delay used when rescheduling a drain tick
// because the cooldown gate is still in the future.
const drainFloor = 50 * time.Millisecond

// scheduleDrain coalesces drain requests: at most one drain timer is ever
// armed at a time.
func (m *Manager) scheduleDrain() {
	m.scheduleDrainAfter(0)
}

func (m *Manager) scheduleDrainAfter(delay time.Duration) {
	m.mu.Lock()
	if m.drainScheduled {
		m.mu.Unlock()
		return
	}
	m.drainScheduled = true
	m.mu.Unlock()

	if delay <= 0 {
		go m.drainTick()
		return
	}
	m.drainTimer = time.AfterFunc(delay, m.drainTick)
}

// drainTick is the dispatcher's single entry point. It honors the cooldown
// gate, then starts as many jobs as the in-flight budget allows, in
// interactive > retry > batch precedence.
func (m *Manager) drainTick() {
	m.mu.Lock()
	m.drainScheduled = false

	now := m.now()
	gate := m.signals.Gate()
	if gate > now.UnixMilli() {
		delay := time.Duration(gate-now.UnixMilli()) * time.Millisecond
		if delay < drainFloor {
			delay = drainFloor
		}
		m.mu.Unlock()
		m.scheduleDrainAfter(delay)
		return
	}

	var started []*domain.Job
	for len(m.running) < m.cfg.MaxInFlight {
		jobID, ok := m.popNextLaneLocked()
		if !ok {
			break
		}
		job, ok := m.jobs[jobID]
		if !ok || domain.IsTerminal(job.Status) {
			// Defensive: a popped id should never be missing or terminal,
			// but skip it and keep draining if it happens.
			continue
		}

		job.Status = domain.StatusRunning
		job.StartedAt = now
		job.Attempts++

		jobCtx, cancel := context.WithCancel(context.Background())
		job.SetAbortHandle(cancel)
		m.running[jobID] = job
		started = append(started, job)

		go m.executeJob(jobCtx, job)
	}
	m.mu.Unlock()
	_ = started
}

func (m *Manager) popNextLaneLocked() (string, bool) {
	for _, priority := range []string{domain.PriorityInteractive, domain.PriorityRetry, domain.PriorityBatch} {
		lane := m.lanes[priority]
		if len(lane) > 0 {
			m.lanes[priority] = lane[1:]
			return lane[0], true
		}
	}
	return "", false
}

// executeJob performs the upstream call for one dispatched job and routes
// the outcome to completion or failure handling. It runs outside the
// manager's mutex; all state mutation happens in finalizeDispatch.
func (m *Manager) executeJob(ctx context.Context, job *domain.Job) {
	raw, err := m.upstream.ChatCompletions(ctx, job.Payload)
	m.finalizeDispatch(job, raw, err)
}

func (m *Manager) finalizeDispatch(job *domain.Job, raw map[string]any, err error) {
	m.mu.Lock()
	now := m.now()

	if err == nil {
		job.CompletedAt = now
		formatted := formatUpstreamResponse(raw)
		env := m.buildEnvelopeLocked(job, domain.StatusCompleted, raw, formatted, nil)
		waiters := m.finalizeLocked(job, env)
		m.mu.Unlock()
		m.fireFinal(env, waiters)
		m.scheduleDrain()
		return
	}

	classified := classifier.Classify(err)
	m.applyCooldownLocked(classified.Code, now)

	if job.CancelRequested {
		job.CompletedAt = now
		cancelled := classifier.Classified{Code: classifier.CodeJobCancelled, Message: "job was cancelled while running", Status: 409, Retryable: false}
		env := m.buildEnvelopeLocked(job, domain.StatusCancelled, nil, nil, &cancelled)
		waiters := m.finalizeLocked(job, env)
		m.mu.Unlock()
		m.fireFinal(env, waiters)
		m.scheduleDrain()
		return
	}

	if classified.Retryable && job.Attempts < m.cfg.Retry.MaxAttempts {
		job.Status = domain.StatusRetrying
		delete(m.running, job.JobID)
		delay := backoffDelay(job.Attempts, m.cfg.Retry)
		jobID := job.JobID
		timer := time.AfterFunc(delay, func() { m.retryFire(jobID) })
		job.SetRetryTimer(timer)
		m.mu.Unlock()
		return
	}

	job.CompletedAt = now
	env := m.buildEnvelopeLocked(job, domain.StatusFailed, nil, nil, &classified)
	waiters := m.finalizeLocked(job, env)
	m.mu.Unlock()
	m.fireFinal(env, waiters)
	m.scheduleDrain()
}

// retryFire moves a job that finished its backoff wait back onto the retry
// lane. If the job was cancelled while waiting, it will already have been
// removed from m.jobs and this is a no-op.
func (m *Manager) retryFire(jobID string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != domain.StatusRetrying {
		m.mu.Unlock()
		return
	}
	job.Status = domain.StatusQueued
	job.StopRetryTimer()
	m.lanes[domain.PriorityRetry] = append(m.lanes[domain.PriorityRetry], jobID)
	m.mu.Unlock()
	m.scheduleDrain()
}

// backoffDelay implements min(max_delay, base*2^(attempts-1)).
func backoffDelay(attempts int, policy RetryPolicy) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.BaseDelay << (attempts - 1)
	if delay > policy.MaxDelay || (delay <= 0 && policy.BaseDelay > 0) {
		delay = policy.MaxDelay
	}
	return delay
}

// applyCooldownLocked advances the signal deadline associated with a
// classified error code, if any. Must be called while holding m.mu.
func (m *Manager) applyCooldownLocked(code string, now time.Time) {
	switch code {
	case classifier.CodeUpstreamLoginReq:
		m.signals.AuthRequiredUntil = now.Add(m.cfg.Cooldown.AuthRequired).UnixMilli()
	case classifier.CodeUpstreamChallenge:
		m.signals.ChallengeUntil = now.Add(m.cfg.Cooldown.Challenge).UnixMilli()
	case classifier.CodeUpstreamRateLimited:
		m.signals.RateLimitedUntil = now.Add(m.cfg.Cooldown.RateLimited).UnixMilli()
	case classifier.CodeUpstreamUnavailable:
		m.signals.DegradedUntil = now.Add(m.cfg.Cooldown.Degraded).UnixMilli()
	}
}

// buildEnvelopeLocked assembles the envelope.BuildInput from a job's
// current state. Must be called while holding m.mu.
func (m *Manager) buildEnvelopeLocked(job *domain.Job, status string, raw map[string]any, formatted *envelope.Formatted, classified *classifier.Classified) envelope.Envelope {
	in := envelope.BuildInput{
		JobID:  job.JobID,
		Status: status,
		RequestMeta: envelope.RequestMeta{
			Model:             modelFromPayload(job.Payload),
			Priority:          job.Priority,
			AggressiveEnabled: job.RequestMeta.AggressiveEnabled,
			FallbackReason:    job.RequestMeta.FallbackReason,
			ConfidenceBefore:  job.RequestMeta.ConfidenceBefore,
			DomAnchor:         job.RequestMeta.DomAnchor,
			ScreenshotRegion:  job.RequestMeta.ScreenshotRegion,
			ReasoningNote:     job.RequestMeta.ReasoningNote,
		},
		RawResponse:   anyFromRaw(raw),
		Formatted:     formatted,
		Classified:    classified,
		QueuedAtMs:    job.QueuedAt.UnixMilli(),
		StartedAtMs:   msPtr(job.StartedAt),
		CompletedAtMs: msPtr(job.CompletedAt),
		Attempts:      job.Attempts,
	}
	return envelope.Build(in)
}

func msPtr(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func anyFromRaw(raw map[string]any) any {
	if raw == nil {
		return nil
	}
	return raw
}

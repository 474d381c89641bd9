package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylabs/async-sidecar/internal/classifier"
	"github.com/relaylabs/async-sidecar/internal/envelope"
	"github.com/relaylabs/async-sidecar/internal/queue/domain"
)

// fakeUpstream is a scripted UpstreamClient: each call pops the next
// response/error pair and records the payload it was given, optionally
// blocking until released so tests can control interleaving.
type fakeUpstream struct {
	mu       sync.Mutex
	attempts []map[string]any
	script   []fakeCall
	idx      int
	release  chan struct{}
}

type fakeCall struct {
	resp  map[string]any
	err   error
	block bool
}

func (f *fakeUpstream) ChatCompletions(ctx context.Context, payload map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.attempts = append(f.attempts, payload)
	var call fakeCall
	if f.idx < len(f.script) {
		call = f.script[f.idx]
		f.idx++
	} else {
		call = fakeCall{resp: map[string]any{"model": "m", "choices": []any{}}}
	}
	f.mu.Unlock()

	if call.block {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return call.resp, call.err
}

func (f *fakeUpstream) Health(ctx context.Context) error { return nil }

func (f *fakeUpstream) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func testPayload(model string) map[string]any {
	return map[string]any{
		"model":    model,
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}
}

func waitForStatus(t *testing.T, m *Manager, jobID, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, err := m.Status(jobID)
		if err == nil && snap.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %q", jobID, want)
}

func waitForResult(t *testing.T, m *Manager, jobID string, timeout time.Duration) envelope.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		env, known, final := m.Result(jobID)
		if known && final {
			return env
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never produced a result", jobID)
	return envelope.Envelope{}
}

func TestSubmitPriorityPrecedence(t *testing.T) {
	up := &fakeUpstream{release: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.MaxInFlight = 1
	m := New(cfg, up, nil, nil)

	// Occupy the single slot so nothing dispatches while we queue up.
	up.script = []fakeCall{{block: true}}
	batchResult, err := m.Submit(context.Background(), SubmitRequest{Payload: testPayload("m"), Priority: domain.PriorityBatch})
	require.NoError(t, err)
	waitForStatus(t, m, batchResult.JobID, domain.StatusRunning, time.Second)

	interactiveResult, err := m.Submit(context.Background(), SubmitRequest{Payload: testPayload("m-interactive"), Priority: domain.PriorityInteractive})
	require.NoError(t, err)
	secondBatchResult, err := m.Submit(context.Background(), SubmitRequest{Payload: testPayload("m"), Priority: domain.PriorityBatch})
	require.NoError(t, err)

	close(up.release)
	waitForStatus(t, m, interactiveResult.JobID, domain.StatusCompleted, time.Second)
	waitForStatus(t, m, secondBatchResult.JobID, domain.StatusCompleted, time.Second)

	// The interactive job, submitted after the second batch job was queued
	// behind it, must be the next one started once the slot frees up.
	up.mu.Lock()
	require.Len(t, up.attempts, 3)
	assert.Equal(t, "m-interactive", up.attempts[1]["model"])
	up.mu.Unlock()

	snap := m.QueueSnapshot()
	assert.Equal(t, 0, snap.Depth.Total)
}

func TestSubmitBackpressure(t *testing.T) {
	up := &fakeUpstream{release: make(chan struct{}), script: []fakeCall{{block: true}}}
	cfg := DefaultConfig()
	cfg.MaxInFlight = 1
	cfg.MaxQueueDepth = 1
	m := New(cfg, up, nil, nil)

	first, err := m.Submit(context.Background(), SubmitRequest{Payload: testPayload("m"), Priority: domain.PriorityBatch})
	require.NoError(t, err)
	waitForStatus(t, m, first.JobID, domain.StatusRunning, time.Second)

	_, err = m.Submit(context.Background(), SubmitRequest{Payload: testPayload("m"), Priority: domain.PriorityBatch})
	require.ErrorIs(t, err, domain.ErrQueueBackpressure)

	_, err = m.Submit(context.Background(), SubmitRequest{Payload: testPayload("m"), Priority: domain.PriorityBatch})
	require.ErrorIs(t, err, domain.ErrQueueBackpressure)

	close(up.release)
}

func TestRetryThenSucceed(t *testing.T) {
	up := &fakeUpstream{
		script: []fakeCall{
			{err: &classifier.UpstreamError{StatusCode: 503, Message: "upstream down"}},
			{resp: map[string]any{"model": "m", "choices": []any{
				map[string]any{"message": map[string]any{"content": "ok"}},
			}}},
		},
	}
	cfg := DefaultConfig()
	cfg.MaxInFlight = 1
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 10 * time.Millisecond
	cfg.Cooldown.Degraded = time.Second
	m := New(cfg, up, nil, nil)

	res, err := m.Submit(context.Background(), SubmitRequest{Payload: testPayload("m"), Priority: domain.PriorityBatch})
	require.NoError(t, err)

	env := waitForResult(t, m, res.JobID, 2*time.Second)
	assert.Equal(t, domain.StatusCompleted, env.Status)
	assert.Equal(t, 2, env.Result.Diagnostics.Attempts)
	assert.Equal(t, 2, up.attemptCount())
}

func TestCancelBeforeDispatch(t *testing.T) {
	up := &fakeUpstream{release: make(chan struct{}), script: []fakeCall{{block: true}}}
	cfg := DefaultConfig()
	cfg.MaxInFlight = 1
	m := New(cfg, up, nil, nil)

	running, err := m.Submit(context.Background(), SubmitRequest{Payload: testPayload("m"), Priority: domain.PriorityBatch})
	require.NoError(t, err)
	waitForStatus(t, m, running.JobID, domain.StatusRunning, time.Second)

	queued, err := m.Submit(context.Background(), SubmitRequest{Payload: testPayload("m"), Priority: domain.PriorityBatch})
	require.NoError(t, err)

	cancelResult, err := m.Cancel(queued.JobID)
	require.NoError(t, err)
	assert.True(t, cancelResult.Cancelled)
	assert.False(t, cancelResult.Running)

	env := waitForResult(t, m, queued.JobID, time.Second)
	assert.Equal(t, domain.StatusCancelled, env.Status)
	require.NotNil(t, env.Error)
	assert.Equal(t, classifier.CodeJobCancelled, env.Error.Code)

	close(up.release)
	assert.Equal(t, 1, up.attemptCount())
}

func TestCancelIdempotentOnTerminalJob(t *testing.T) {
	up := &fakeUpstream{script: []fakeCall{{resp: map[string]any{"model": "m", "choices": []any{}}}}}
	m := New(DefaultConfig(), up, nil, nil)

	res, err := m.Submit(context.Background(), SubmitRequest{Payload: testPayload("m"), Priority: domain.PriorityBatch})
	require.NoError(t, err)
	waitForResult(t, m, res.JobID, time.Second)

	_, err = m.Cancel(res.JobID)
	require.ErrorIs(t, err, domain.ErrAlreadyFinal)
}

func TestCooldownAdvancesOnClassifiedError(t *testing.T) {
	up := &fakeUpstream{script: []fakeCall{{err: &classifier.UpstreamError{StatusCode: 429, Message: "rate limited"}}}}
	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Cooldown.RateLimited = time.Hour
	m := New(cfg, up, nil, nil)

	res, err := m.Submit(context.Background(), SubmitRequest{Payload: testPayload("m"), Priority: domain.PriorityBatch})
	require.NoError(t, err)
	waitForResult(t, m, res.JobID, time.Second)

	signals := m.Signals()
	assert.Greater(t, signals.RateLimitedUntil, time.Now().UnixMilli())
}

func TestSequentialBatchJobsCompleteInOrder(t *testing.T) {
	up := &fakeUpstream{}
	cfg := DefaultConfig()
	cfg.MaxInFlight = 1
	m := New(cfg, up, nil, nil)

	var order []string
	var mu sync.Mutex
	m.OnFinal(func(env envelope.Envelope) {
		mu.Lock()
		order = append(order, env.JobID)
		mu.Unlock()
	})

	var ids []string
	for i := 0; i < 5; i++ {
		res, err := m.Submit(context.Background(), SubmitRequest{Payload: testPayload("m"), Priority: domain.PriorityBatch})
		require.NoError(t, err)
		ids = append(ids, res.JobID)
	}

	for _, id := range ids {
		waitForResult(t, m, id, time.Second)
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 5)
	assert.Equal(t, ids, order)
}

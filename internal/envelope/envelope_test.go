package envelope

import (
	"errors"
	"testing"

	"github.com/relaylabs/async-sidecar/internal/classifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 { return &f }
func i64(v int64) *int64     { return &v }

func TestBuild_CompletedEnvelope_FixedShape(t *testing.T) {
	before := ptr(0.4)
	in := BuildInput{
		JobID: "job-1-1",
		Status: "completed",
		RequestMeta: RequestMeta{
			Model:             "gpt-5-high",
			Priority:          "interactive",
			AggressiveEnabled: true,
			FallbackReason:    "low_confidence",
			ConfidenceBefore:  before,
		},
		Formatted: &Formatted{
			AssistantText: "the answer is 42",
			ParsedJSON:    map[string]any{"confidence": 0.91, "evidence": []any{}},
			RenderMode:    "markdown",
			ModelPath:     "gpt-5-high",
		},
		QueuedAtMs:    1000,
		StartedAtMs:   i64(1100),
		CompletedAtMs: i64(1300),
		Attempts:      1,
	}

	env := Build(in)

	assert.Equal(t, "job-1-1", env.JobID)
	assert.Equal(t, "completed", env.Status)
	assert.Nil(t, env.Error)
	require.NotNil(t, env.Result.AssistantText)
	assert.Equal(t, "the answer is 42", *env.Result.AssistantText)
	require.NotNil(t, env.Result.Diagnostics.Latency.QueueWaitMs)
	assert.Equal(t, 100.0, *env.Result.Diagnostics.Latency.QueueWaitMs)
	assert.Equal(t, 200.0, *env.Result.Diagnostics.Latency.ModelMs)
	assert.Equal(t, 300.0, *env.Result.Diagnostics.Latency.TotalMs)

	require.NotNil(t, env.Result.Diagnostics.Aggressive.ConfidenceAfter)
	assert.Equal(t, 0.91, *env.Result.Diagnostics.Aggressive.ConfidenceAfter)
	require.NotNil(t, env.Result.Diagnostics.Aggressive.ConfidenceDelta)
	assert.InDelta(t, 0.51, *env.Result.Diagnostics.Aggressive.ConfidenceDelta, 1e-9)

	// Evidence must be present even though parsed_json.evidence was an empty
	// array -- falls back to the synthesized placeholder.
	require.Len(t, env.Result.Evidence, 1)
	require.NotNil(t, env.Result.Evidence[0].Quote)
	assert.Equal(t, "the answer is 42", *env.Result.Evidence[0].Quote)
}

func TestBuild_EvidenceFromParsedJSON(t *testing.T) {
	in := BuildInput{
		JobID:  "job-2",
		Status: "completed",
		Formatted: &Formatted{
			ParsedJSON: map[string]any{
				"evidence": []any{
					map[string]any{"snippet_id": "s1", "quote": "hello", "dom_anchor": "#x"},
				},
			},
		},
		QueuedAtMs: 0,
	}
	env := Build(in)
	require.Len(t, env.Result.Evidence, 1)
	require.NotNil(t, env.Result.Evidence[0].SnippetID)
	assert.Equal(t, "s1", *env.Result.Evidence[0].SnippetID)
}

func TestBuild_ConfidenceAfterFallbackToMeta(t *testing.T) {
	in := BuildInput{
		JobID:  "job-3",
		Status: "completed",
		Formatted: &Formatted{
			ParsedJSON: map[string]any{"meta": map[string]any{"confidence": 0.33}},
		},
		QueuedAtMs: 0,
	}
	env := Build(in)
	require.NotNil(t, env.Result.Diagnostics.Aggressive.ConfidenceAfter)
	assert.Equal(t, 0.33, *env.Result.Diagnostics.Aggressive.ConfidenceAfter)
}

func TestBuild_ConfidenceAfterDefaultFromAssistantText(t *testing.T) {
	in := BuildInput{
		JobID:  "job-4",
		Status: "completed",
		Formatted: &Formatted{
			AssistantText: "some prose",
		},
		QueuedAtMs: 0,
	}
	env := Build(in)
	require.NotNil(t, env.Result.Diagnostics.Aggressive.ConfidenceAfter)
	assert.Equal(t, 0.7, *env.Result.Diagnostics.Aggressive.ConfidenceAfter)
}

func TestBuild_ConfidenceAfterNullWhenNothingAvailable(t *testing.T) {
	in := BuildInput{JobID: "job-5", Status: "failed", QueuedAtMs: 0}
	env := Build(in)
	assert.Nil(t, env.Result.Diagnostics.Aggressive.ConfidenceAfter)
	assert.Nil(t, env.Result.Diagnostics.Aggressive.ConfidenceDelta)
}

func TestBuild_FailedEnvelope_CarriesClassifiedError(t *testing.T) {
	in := BuildInput{
		JobID:      "job-6",
		Status:     "failed",
		QueuedAtMs: 500,
		StartedAtMs: i64(600),
		CompletedAtMs: i64(700),
		Attempts:   2,
		Err:        &classifier.UpstreamError{StatusCode: 401, Message: "Missing credentials"},
	}
	env := Build(in)
	require.NotNil(t, env.Error)
	assert.Equal(t, classifier.CodeUpstreamLoginReq, env.Error.Code)
	assert.False(t, env.Error.Retryable)
	assert.Equal(t, 2, env.Result.Diagnostics.Attempts)
}

func TestBuild_CancelledEnvelope(t *testing.T) {
	in := BuildInput{
		JobID:      "job-7",
		Status:     "cancelled",
		QueuedAtMs: 100,
		Err:        errors.New("job cancelled"),
	}
	env := Build(in)
	assert.Equal(t, "cancelled", env.Status)
	require.NotNil(t, env.Timings.QueuedAt)
	assert.Nil(t, env.Timings.StartedAt)
}

func TestBuildReviewPayload_RationaleDefault(t *testing.T) {
	env := Build(BuildInput{JobID: "job-8", Status: "completed", QueuedAtMs: 0})
	rp := BuildReviewPayload(env)
	assert.Equal(t, "No fallback reason provided.", rp.Rationale)
}

func TestBuildReviewPayload_RationaleFromFallbackReason(t *testing.T) {
	env := Build(BuildInput{
		JobID:       "job-9",
		Status:      "completed",
		RequestMeta: RequestMeta{AggressiveEnabled: true, FallbackReason: "ambiguous_dom"},
		QueuedAtMs:  0,
	})
	rp := BuildReviewPayload(env)
	assert.Equal(t, "ambiguous_dom", rp.Rationale)
}

package classifier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
		wantRetry  bool
	}{
		{
			name:       "timeout by message",
			err:        errors.New("context deadline exceeded while waiting for upstream"),
			wantCode:   CodeUpstreamTimeout,
			wantStatus: 504,
			wantRetry:  true,
		},
		{
			name:       "401 login required",
			err:        &UpstreamError{StatusCode: 401, Message: "Missing credentials"},
			wantCode:   CodeUpstreamLoginReq,
			wantStatus: 401,
			wantRetry:  false,
		},
		{
			name:       "login required code without status",
			err:        &UpstreamError{Code: "login_required", Message: "please sign in"},
			wantCode:   CodeUpstreamLoginReq,
			wantStatus: 401,
			wantRetry:  false,
		},
		{
			name:       "429 rate limited",
			err:        &UpstreamError{StatusCode: 429, Message: "too many requests"},
			wantCode:   CodeUpstreamRateLimited,
			wantStatus: 429,
			wantRetry:  true,
		},
		{
			name:       "rate limit by message only",
			err:        errors.New("upstream replied: Rate limit exceeded, slow down"),
			wantCode:   CodeUpstreamRateLimited,
			wantStatus: 429,
			wantRetry:  true,
		},
		{
			name:       "challenge marker",
			err:        &UpstreamError{StatusCode: 403, Message: "Just a moment... checking your browser"},
			wantCode:   CodeUpstreamChallenge,
			wantStatus: 503,
			wantRetry:  true,
		},
		{
			name:       "500 normalizes to 503",
			err:        &UpstreamError{StatusCode: 502, Message: "bad gateway"},
			wantCode:   CodeUpstreamUnavailable,
			wantStatus: 503,
			wantRetry:  true,
		},
		{
			name:       "400 normalizes to 424",
			err:        &UpstreamError{StatusCode: 400, Message: "malformed payload"},
			wantCode:   CodeUpstreamBadResponse,
			wantStatus: 424,
			wantRetry:  false,
		},
		{
			name:       "unclassifiable error",
			err:        errors.New("boom"),
			wantCode:   CodeInternalError,
			wantStatus: 500,
			wantRetry:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantRetry, got.Retryable)
			assert.NotEmpty(t, got.Message)
		})
	}
}

func TestClassify_RuleOrderTimeoutBeatsStatus(t *testing.T) {
	// A 500 that also mentions "timeout" must classify as a timeout, since
	// the timeout rule is evaluated first.
	err := &UpstreamError{StatusCode: 500, Message: "request timeout while generating"}
	got := Classify(err)
	assert.Equal(t, CodeUpstreamTimeout, got.Code)
	assert.Equal(t, 504, got.Status)
}

func TestBuildAPIError(t *testing.T) {
	apiErr := BuildAPIError(429, CodeQueueBackpressure, "queue is full", true, map[string]int{"depth": 120})
	require.Equal(t, 429, apiErr.Status)
	assert.Equal(t, CodeQueueBackpressure, apiErr.Error.Code)
	assert.True(t, apiErr.Error.Retryable)
	assert.NotNil(t, apiErr.Error.Details)
}

func TestStatusFromCode(t *testing.T) {
	assert.Equal(t, 400, StatusFromCode(CodeInvalidRequest))
	assert.Equal(t, 404, StatusFromCode(CodeJobNotFound))
	assert.Equal(t, 409, StatusFromCode(CodeJobCancelled))
	assert.Equal(t, 429, StatusFromCode(CodeQueueBackpressure))
	assert.Equal(t, 500, StatusFromCode("SOMETHING_ELSE"))
}

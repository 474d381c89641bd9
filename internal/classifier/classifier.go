// Package classifier maps upstream and transport errors onto a stable error
// taxonomy the rest of the sidecar can reason about: a code, an HTTP status,
// a human message, and whether the queue manager should retry.
package classifier

import (
	"errors"
	"strings"
)

// Error codes. The UPSTREAM_* codes are produced by Classify. The admission
// level codes are raised by the queue manager itself and never by Classify.
const (
	CodeUpstreamTimeout      = "UPSTREAM_TIMEOUT"
	CodeUpstreamLoginReq     = "UPSTREAM_LOGIN_REQUIRED"
	CodeUpstreamRateLimited  = "UPSTREAM_RATE_LIMITED"
	CodeUpstreamChallenge    = "UPSTREAM_CHALLENGE"
	CodeUpstreamUnavailable  = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamBadResponse  = "UPSTREAM_BAD_RESPONSE"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeJobNotFound          = "JOB_NOT_FOUND"
	CodeJobCancelled         = "JOB_CANCELLED"
	CodeQueueBackpressure    = "QUEUE_BACKPRESSURE"
	CodeQueueCooldownActive  = "QUEUE_COOLDOWN_ACTIVE" // reserved, never emitted
)

// Classified is the public, stable shape of a classified error. It is what
// ends up in a JobEnvelope's error block and in HTTP error bodies.
type Classified struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	Retryable bool   `json:"retryable"`
}

// UpstreamError is the error shape the upstream chat client raises. Any of
// Name, Code or StatusCode may be zero-valued; Classify degrades gracefully.
type UpstreamError struct {
	Name       string
	Code       string
	StatusCode int
	Message    string
	Details    any
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Name != "" {
		return e.Name
	}
	return "upstream error"
}

var challengeMarkers = []string{"just a moment", "challenge", "verify you are human"}

// Classify implements the ordered rule table from the error taxonomy: the
// first matching rule wins.
func Classify(err error) Classified {
	if err == nil {
		return Classified{Code: CodeInternalError, Message: "unknown error", Status: 500}
	}

	var ue *UpstreamError
	var status int
	var code, name, message string
	if errors.As(err, &ue) {
		status = ue.StatusCode
		code = strings.ToUpper(strings.TrimSpace(ue.Code))
		name = ue.Name
		message = ue.Message
	}
	if message == "" {
		message = err.Error()
	}
	haystack := strings.ToLower(message + " " + name)

	switch {
	case strings.Contains(haystack, "timeout") || strings.Contains(haystack, "timed out") || strings.Contains(haystack, "deadline exceeded"):
		return Classified{Code: CodeUpstreamTimeout, Message: orDefault(message, "upstream request timed out"), Status: 504, Retryable: true}

	case status == 401 || code == "LOGIN_REQUIRED":
		return Classified{Code: CodeUpstreamLoginReq, Message: orDefault(message, "upstream requires authentication"), Status: 401, Retryable: false}

	case status == 429 || strings.Contains(haystack, "rate limit"):
		return Classified{Code: CodeUpstreamRateLimited, Message: orDefault(message, "upstream is rate limiting requests"), Status: 429, Retryable: true}

	case containsAny(haystack, challengeMarkers):
		return Classified{Code: CodeUpstreamChallenge, Message: orDefault(message, "upstream issued an interactive challenge"), Status: 503, Retryable: true}

	case status >= 500 && status <= 599:
		return Classified{Code: CodeUpstreamUnavailable, Message: orDefault(message, "upstream is unavailable"), Status: 503, Retryable: true}

	case status >= 400 && status <= 499:
		return Classified{Code: CodeUpstreamBadResponse, Message: orDefault(message, "upstream rejected the request"), Status: 424, Retryable: false}

	default:
		return Classified{Code: CodeInternalError, Message: orDefault(message, "internal error"), Status: 500, Retryable: false}
	}
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// APIError is the stable {status, error:{...}} shape the HTTP surface
// serializes for every non-2xx response.
type APIError struct {
	Status int       `json:"-"`
	Error  ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
}

// BuildAPIError assembles the stable error envelope used across the HTTP
// surface, admission errors, and classified upstream failures alike.
func BuildAPIError(status int, code, message string, retryable bool, details any) APIError {
	return APIError{
		Status: status,
		Error: ErrorBody{
			Code:      code,
			Message:   message,
			Retryable: retryable,
			Details:   details,
		},
	}
}

// FromClassified turns a Classified error into the stable API error shape.
func FromClassified(c Classified) APIError {
	return BuildAPIError(c.Status, c.Code, c.Message, c.Retryable, nil)
}

// statusFromCode is used by callers (e.g. admission errors) that only know
// the stable code and need to recover a default HTTP status for it.
func statusFromCode(code string) int {
	switch code {
	case CodeInvalidRequest:
		return 400
	case CodeJobNotFound:
		return 404
	case CodeJobCancelled:
		return 409
	case CodeQueueBackpressure, CodeQueueCooldownActive:
		return 429
	default:
		return 500
	}
}

// StatusFromCode exposes statusFromCode for packages outside classifier that
// need to translate an admission-level code without constructing an error.
func StatusFromCode(code string) int { return statusFromCode(code) }

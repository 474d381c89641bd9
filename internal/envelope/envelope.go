// Package envelope builds the sidecar's canonical per-job outcome record.
// Its shape is fixed across success, failure, and cancellation: every key
// is always present, with explicit nulls for values that do not apply
// rather than omitted fields.
package envelope

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/relaylabs/async-sidecar/internal/classifier"
)

// Aggressive carries the caller-declared aggressive-mode signal, echoed in
// both the request block and the result diagnostics.
type Aggressive struct {
	Enabled        bool    `json:"enabled"`
	FallbackReason *string `json:"fallback_reason"`
}

// Request is the request echo block of the envelope.
type Request struct {
	Model      string     `json:"model"`
	Priority   string     `json:"priority"`
	Aggressive Aggressive `json:"aggressive"`
}

// Latency is the diagnostics.latency block, each leg nullable.
type Latency struct {
	QueueWaitMs *float64 `json:"queue_wait_ms"`
	ModelMs     *float64 `json:"model_ms"`
	TotalMs     *float64 `json:"total_ms"`
}

// DiagnosticsAggressive is the diagnostics.aggressive block.
type DiagnosticsAggressive struct {
	Enabled          bool     `json:"enabled"`
	FallbackReason   *string  `json:"fallback_reason"`
	ConfidenceBefore *float64 `json:"confidence_before"`
	ConfidenceAfter  *float64 `json:"confidence_after"`
	ConfidenceDelta  *float64 `json:"confidence_delta"`
}

// Diagnostics is the result.diagnostics block.
type Diagnostics struct {
	Attempts   int                   `json:"attempts"`
	ModelPath  *string               `json:"model_path"`
	Latency    Latency               `json:"latency"`
	Aggressive DiagnosticsAggressive `json:"aggressive"`
}

// EvidenceItem is one normalized entry of result.evidence.
type EvidenceItem struct {
	SnippetID        *string `json:"snippet_id"`
	Quote            *string `json:"quote"`
	DomAnchor        *string `json:"dom_anchor"`
	ScreenshotRegion *string `json:"screenshot_region"`
	ModelPath        *string `json:"model_path"`
	ReasoningNote    *string `json:"reasoning_note"`
}

// Result is the result block of the envelope.
type Result struct {
	AssistantText *string        `json:"assistant_text"`
	ParsedJSON    any            `json:"parsed_json"`
	RenderMode    *string        `json:"render_mode"`
	RenderedHTML  *string        `json:"rendered_html"`
	RawResponse   any            `json:"raw_response"`
	Evidence      []EvidenceItem `json:"evidence"`
	Diagnostics   Diagnostics    `json:"diagnostics"`
}

// Timings is the timings block, unix milliseconds, nullable until reached.
type Timings struct {
	QueuedAt    *int64 `json:"queued_at"`
	StartedAt   *int64 `json:"started_at"`
	CompletedAt *int64 `json:"completed_at"`
}

// Envelope is the fixed-shape outcome record for one job.
type Envelope struct {
	JobID   string                 `json:"job_id"`
	Status  string                 `json:"status"`
	Request Request                `json:"request"`
	Result  Result                 `json:"result"`
	Error   *classifier.Classified `json:"error"`
	Timings Timings                `json:"timings"`
}

// RequestMeta is the caller-supplied metadata the builder needs beyond the
// raw upstream result: what mode the request ran in and how confident the
// caller was before submitting.
type RequestMeta struct {
	Model            string
	Priority         string
	AggressiveEnabled bool
	FallbackReason   string
	ConfidenceBefore *float64
	DomAnchor        string
	ScreenshotRegion string
	ReasoningNote    string
}

// Formatted is the upstream response already split into its renderable
// parts, produced by the caller (typically the queue manager after a
// successful upstream call) before the envelope is built.
type Formatted struct {
	AssistantText string
	ParsedJSON    any
	RenderMode    string
	RenderedHTML  string
	ModelPath     string
}

// BuildInput is everything the builder needs to produce one Envelope.
type BuildInput struct {
	JobID       string
	Status      string
	RequestMeta RequestMeta
	RawResponse any
	Formatted   *Formatted
	// Err, when set, is classified via classifier.Classify to produce the
	// envelope's error block. Use Classified instead for admission-level
	// and cancellation outcomes, whose codes the classifier never assigns.
	Err        error
	Classified *classifier.Classified
	QueuedAtMs int64
	StartedAtMs *int64
	CompletedAtMs *int64
	Attempts    int
}

// Build produces the fixed-shape envelope for one outcome.
func Build(in BuildInput) Envelope {
	env := Envelope{
		JobID:  in.JobID,
		Status: in.Status,
		Request: Request{
			Model:    in.RequestMeta.Model,
			Priority: in.RequestMeta.Priority,
			Aggressive: Aggressive{
				Enabled:        in.RequestMeta.AggressiveEnabled,
				FallbackReason: nonEmptyPtr(in.RequestMeta.FallbackReason),
			},
		},
		Timings: Timings{
			QueuedAt:    &in.QueuedAtMs,
			StartedAt:   in.StartedAtMs,
			CompletedAt: in.CompletedAtMs,
		},
	}

	var latency Latency
	if in.StartedAtMs != nil {
		v := float64(*in.StartedAtMs - in.QueuedAtMs)
		latency.QueueWaitMs = &v
	}
	if in.StartedAtMs != nil && in.CompletedAtMs != nil {
		v := float64(*in.CompletedAtMs - *in.StartedAtMs)
		latency.ModelMs = &v
	}
	if in.CompletedAtMs != nil {
		v := float64(*in.CompletedAtMs - in.QueuedAtMs)
		latency.TotalMs = &v
	}

	var assistantText *string
	var parsedJSON any
	var renderMode, renderedHTML, modelPath *string
	if in.Formatted != nil {
		assistantText = nonEmptyPtr(in.Formatted.AssistantText)
		parsedJSON = in.Formatted.ParsedJSON
		renderMode = nonEmptyPtr(in.Formatted.RenderMode)
		renderedHTML = nonEmptyPtr(in.Formatted.RenderedHTML)
		modelPath = nonEmptyPtr(in.Formatted.ModelPath)
	}

	confidenceAfter := deriveConfidenceAfter(parsedJSON, assistantText)
	confidenceDelta := deriveConfidenceDelta(in.RequestMeta.ConfidenceBefore, confidenceAfter)

	env.Result = Result{
		AssistantText: assistantText,
		ParsedJSON:    parsedJSON,
		RenderMode:    renderMode,
		RenderedHTML:  renderedHTML,
		RawResponse:   in.RawResponse,
		Evidence:      buildEvidence(parsedJSON, assistantText, in.RequestMeta),
		Diagnostics: Diagnostics{
			Attempts:  in.Attempts,
			ModelPath: modelPath,
			Latency:   latency,
			Aggressive: DiagnosticsAggressive{
				Enabled:          in.RequestMeta.AggressiveEnabled,
				FallbackReason:   nonEmptyPtr(in.RequestMeta.FallbackReason),
				ConfidenceBefore: in.RequestMeta.ConfidenceBefore,
				ConfidenceAfter:  confidenceAfter,
				ConfidenceDelta:  confidenceDelta,
			},
		},
	}

	switch {
	case in.Classified != nil:
		c := *in.Classified
		env.Error = &c
	case in.Err != nil:
		c := classifier.Classify(in.Err)
		env.Error = &c
	}

	return env
}

// deriveConfidenceAfter implements the confidence derivation rule: prefer
// parsed_json.confidence, fall back to parsed_json.meta.confidence, then
// 0.7 when assistant text is non-empty, else null.
func deriveConfidenceAfter(parsedJSON any, assistantText *string) *float64 {
	if v, ok := numericField(parsedJSON, "confidence"); ok {
		return &v
	}
	if meta, ok := objectField(parsedJSON, "meta"); ok {
		if v, ok := numericField(meta, "confidence"); ok {
			return &v
		}
	}
	if assistantText != nil && strings.TrimSpace(*assistantText) != "" {
		v := 0.7
		return &v
	}
	return nil
}

func deriveConfidenceDelta(before, after *float64) *float64 {
	if before == nil || after == nil {
		return nil
	}
	if !isFinite(*before) || !isFinite(*after) {
		return nil
	}
	delta := round6(*after - *before)
	return &delta
}

// buildEvidence normalizes parsed_json.evidence when present and non-empty,
// otherwise synthesizes a single placeholder entry from the assistant text
// and request metadata.
func buildEvidence(parsedJSON any, assistantText *string, meta RequestMeta) []EvidenceItem {
	if arr, ok := arrayField(parsedJSON, "evidence"); ok && len(arr) > 0 {
		items := make([]EvidenceItem, 0, len(arr))
		for _, raw := range arr {
			obj, _ := raw.(map[string]any)
			items = append(items, EvidenceItem{
				SnippetID:        stringFieldPtr(obj, "snippet_id"),
				Quote:            stringFieldPtr(obj, "quote"),
				DomAnchor:        stringFieldPtr(obj, "dom_anchor"),
				ScreenshotRegion: stringFieldPtr(obj, "screenshot_region"),
				ModelPath:        stringFieldPtr(obj, "model_path"),
				ReasoningNote:    stringFieldPtr(obj, "reasoning_note"),
			})
		}
		return items
	}

	snippet := truncate(derefOr(assistantText, ""), 240)
	item := EvidenceItem{
		Quote:            nonEmptyPtr(snippet),
		DomAnchor:        nonEmptyPtr(meta.DomAnchor),
		ScreenshotRegion: nonEmptyPtr(meta.ScreenshotRegion),
		ReasoningNote:    nonEmptyPtr(meta.FallbackReason),
	}
	return []EvidenceItem{item}
}

// ReviewPayload is the derived projection served at GET /async/review/:jobId.
type ReviewPayload struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Before struct {
		Confidence *float64 `json:"confidence"`
	} `json:"before"`
	After struct {
		Confidence *float64 `json:"confidence"`
		ModelPath  *string  `json:"model_path"`
	} `json:"after"`
	EvidenceLinks []string `json:"evidence_links"`
	Rationale     string   `json:"rationale"`
	ParsedJSON    any      `json:"parsed_json"`
	AssistantText *string  `json:"assistant_text"`
}

// BuildReviewPayload derives the review projection from a finished envelope.
func BuildReviewPayload(env Envelope) ReviewPayload {
	rp := ReviewPayload{
		JobID:         env.JobID,
		Status:        env.Status,
		ParsedJSON:    env.Result.ParsedJSON,
		AssistantText: env.Result.AssistantText,
	}
	rp.Before.Confidence = env.Result.Diagnostics.Aggressive.ConfidenceBefore
	rp.After.Confidence = env.Result.Diagnostics.Aggressive.ConfidenceAfter
	rp.After.ModelPath = env.Result.Diagnostics.ModelPath

	links := make([]string, 0, len(env.Result.Evidence))
	for _, ev := range env.Result.Evidence {
		if ev.SnippetID != nil && *ev.SnippetID != "" {
			links = append(links, *ev.SnippetID)
		}
	}
	rp.EvidenceLinks = links

	if reason := env.Result.Diagnostics.Aggressive.FallbackReason; reason != nil && *reason != "" {
		rp.Rationale = *reason
	} else {
		rp.Rationale = "No fallback reason provided."
	}

	return rp
}

// --- small JSON-bag helpers --------------------------------------------

func numericField(v any, key string) (float64, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return 0, false
	}
	raw, ok := obj[key]
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
	case float64:
		if isFinite(n) {
			return n, true
		}
	case json.Number:
		f, err := n.Float64()
		if err == nil && isFinite(f) {
			return f, true
		}
	}
	return 0, false
}

func objectField(v any, key string) (map[string]any, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	nested, ok := obj[key].(map[string]any)
	return nested, ok
}

func arrayField(v any, key string) ([]any, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	arr, ok := obj[key].([]any)
	return arr, ok
}

func stringFieldPtr(obj map[string]any, key string) *string {
	if obj == nil {
		return nil
	}
	s, ok := obj[key].(string)
	if !ok {
		return nil
	}
	return nonEmptyPtr(s)
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

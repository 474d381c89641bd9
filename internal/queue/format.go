package queue

import (
	"encoding/json"
	"strings"

	"github.com/relaylabs/async-sidecar/internal/envelope"
)

// formatUpstreamResponse splits a raw chat-completion response into the
// renderable parts the envelope builder needs. It tolerates any upstream
// shape that resembles the OpenAI chat-completions response: it only ever
// reads, never requires, the fields it looks at.
func formatUpstreamResponse(raw map[string]any) *envelope.Formatted {
	f := &envelope.Formatted{RenderMode: "text"}
	if raw == nil {
		return f
	}

	f.ModelPath = stringAt(raw, "model")

	content := firstChoiceContent(raw)
	f.AssistantText = content

	if parsed, ok := tryParseJSON(content); ok {
		f.ParsedJSON = parsed
		f.RenderMode = "json"
		return f
	}

	if looksLikeMarkdown(content) {
		f.RenderMode = "markdown"
		f.RenderedHTML = renderMarkdownish(content)
	}

	return f
}

func firstChoiceContent(raw map[string]any) string {
	choices, ok := raw["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	msg, ok := choice["message"].(map[string]any)
	if !ok {
		return ""
	}
	switch content := msg["content"].(type) {
	case string:
		return content
	case []any:
		var sb strings.Builder
		for _, part := range content {
			obj, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := obj["text"].(string); ok {
				sb.WriteString(text)
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func tryParseJSON(content string) (any, bool) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	var v any
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return normalizeNumbers(v), true
}

// normalizeNumbers converts json.Number leaves to float64 so downstream
// confidence derivation can treat parsed_json uniformly with any other
// decoded JSON value in the codebase.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

func looksLikeMarkdown(content string) bool {
	for _, marker := range []string{"```", "##", "- ", "* ", "1. "} {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

// renderMarkdownish produces a minimal, safe HTML rendering of markdown-ish
// content: escape first, then wrap fenced code blocks and paragraphs. It is
// deliberately not a full markdown renderer -- the sidecar only needs
// enough structure for a reviewer to read the result inline.
func renderMarkdownish(content string) string {
	escaped := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(content)
	var sb strings.Builder
	inCode := false
	for _, line := range strings.Split(escaped, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inCode {
				sb.WriteString("</pre>")
			} else {
				sb.WriteString("<pre>")
			}
			inCode = !inCode
			continue
		}
		if inCode {
			sb.WriteString(line)
			sb.WriteString("\n")
			continue
		}
		sb.WriteString("<p>")
		sb.WriteString(line)
		sb.WriteString("</p>")
	}
	return sb.String()
}

func stringAt(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

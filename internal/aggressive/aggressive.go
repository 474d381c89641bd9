// Package aggressive shapes outbound chat payloads when a caller opts into
// aggressive mode: large message bodies are minified before they are
// forwarded upstream. It is pure request shaping -- it never touches queue
// admission, retry, or envelope semantics.
package aggressive

import (
	"regexp"
	"strings"
)

// LargeTextThreshold is the content length, in bytes, above which
// minification is applied; content of exactly this length is left as is.
const LargeTextThreshold = 1000

var (
	stripTagsRe      = regexp.MustCompile(`(?is)<(script|style|svg)\b[^>]*>.*?</(script|style|svg)>`)
	htmlCommentRe    = regexp.MustCompile(`(?s)<!--.*?-->`)
	multiBlankLineRe = regexp.MustCompile(`\n{3,}`)
)

// MinifyDOMText strips script/style/svg blocks and HTML comments from
// HTML-ish text and collapses runs of blank lines. Text without both a
// '<' and a '>' is returned unchanged -- it is not markup.
func MinifyDOMText(text string) string {
	if text == "" || !strings.Contains(text, "<") || !strings.Contains(text, ">") {
		return text
	}

	cleaned := stripTagsRe.ReplaceAllString(text, "")
	cleaned = htmlCommentRe.ReplaceAllString(cleaned, "")
	cleaned = strings.ReplaceAll(cleaned, "\r\n", "\n")
	cleaned = strings.ReplaceAll(cleaned, "\r", "\n")
	cleaned = multiBlankLineRe.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}

// PrepareMessages minifies any message content over LargeTextThreshold
// bytes, in both the plain-string and multi-part content shapes a chat
// payload's "messages" array may carry. The input slice is not mutated;
// a new slice of cloned messages is returned.
func PrepareMessages(messages []any) []any {
	prepared := make([]any, len(messages))
	for i, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			prepared[i] = raw
			continue
		}

		cloned := make(map[string]any, len(msg))
		for k, v := range msg {
			cloned[k] = v
		}

		switch content := cloned["content"].(type) {
		case string:
			if len(content) > LargeTextThreshold {
				cloned["content"] = MinifyDOMText(content)
			}
		case []any:
			cloned["content"] = preparePartsLocked(content)
		}

		prepared[i] = cloned
	}
	return prepared
}

func preparePartsLocked(parts []any) []any {
	out := make([]any, len(parts))
	for i, raw := range parts {
		part, ok := raw.(map[string]any)
		if !ok {
			out[i] = raw
			continue
		}
		cloned := make(map[string]any, len(part))
		for k, v := range part {
			cloned[k] = v
		}
		ptype := strings.ToLower(strings.TrimSpace(stringField(cloned, "type")))
		if ptype == "text" {
			if text, ok := cloned["text"].(string); ok && len(text) > LargeTextThreshold {
				cloned["text"] = MinifyDOMText(text)
			}
		}
		out[i] = cloned
	}
	return out
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// ApplyToPayload minifies the "messages" field of a chat-completion payload,
// returning a new payload map; the input map is not modified. Payloads
// without a "messages" array are returned unchanged.
func ApplyToPayload(payload map[string]any) map[string]any {
	messages, ok := payload["messages"].([]any)
	if !ok {
		return payload
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	out["messages"] = PrepareMessages(messages)
	return out
}

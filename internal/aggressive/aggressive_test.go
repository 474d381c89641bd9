package aggressive

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinifyDOMText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain text unchanged", in: "just some plain text", want: "just some plain text"},
		{
			name: "strips script and style blocks",
			in:   "<div>keep<script>alert(1)</script><style>.x{}</style>done</div>",
			want: "<div>keepdone</div>",
		},
		{
			name: "strips html comments",
			in:   "<p>a</p><!-- drop me --><p>b</p>",
			want: "<p>a</p><p>b</p>",
		},
		{
			name: "collapses three or more blank lines",
			in:   "<p>a</p>\n\n\n\n<p>b</p>",
			want: "<p>a</p>\n\n<p>b</p>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MinifyDOMText(tt.in))
		})
	}
}

func TestPrepareMessagesStringContent(t *testing.T) {
	large := "<div>" + strings.Repeat("x", LargeTextThreshold+1) + "<script>bad()</script></div>"
	messages := []any{
		map[string]any{"role": "user", "content": large},
		map[string]any{"role": "user", "content": "short"},
	}

	out := PrepareMessages(messages)
	first := out[0].(map[string]any)
	assert.NotContains(t, first["content"].(string), "<script>")

	second := out[1].(map[string]any)
	assert.Equal(t, "short", second["content"])
}

func TestPrepareMessagesMultiPartContent(t *testing.T) {
	large := "<div>" + strings.Repeat("y", LargeTextThreshold+1) + "<style>bad{}</style></div>"
	messages := []any{
		map[string]any{
			"role": "user",
			"content": []any{
				map[string]any{"type": "text", "text": large},
				map[string]any{"type": "image_url", "image_url": map[string]any{"url": "http://x"}},
			},
		},
	}

	out := PrepareMessages(messages)
	parts := out[0].(map[string]any)["content"].([]any)
	textPart := parts[0].(map[string]any)
	assert.NotContains(t, textPart["text"].(string), "<style>")

	imagePart := parts[1].(map[string]any)
	assert.Equal(t, "image_url", imagePart["type"])
}

func TestApplyToPayloadLeavesOriginalUntouched(t *testing.T) {
	payload := map[string]any{
		"model":    "m",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}
	out := ApplyToPayload(payload)
	assert.Equal(t, payload["model"], out["model"])
	assert.Equal(t, "hi", out["messages"].([]any)[0].(map[string]any)["content"])
}

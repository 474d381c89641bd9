package traffic

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeHeadersRedactsAuthorizationAndDropsUnlisted(t *testing.T) {
	raw := map[string][]string{
		"Authorization": {"Bearer secret"},
		"Content-Type":  {"application/json"},
		"X-Internal":    {"should-not-appear"},
	}
	out := SafeHeaders(raw)
	assert.Equal(t, "<redacted>", out["Authorization"])
	assert.Equal(t, "application/json", out["Content-Type"])
	assert.NotContains(t, out, "X-Internal")
}

func TestLogEvictsOldestBeyondBound(t *testing.T) {
	log := NewLog(3)
	for i := 0; i < 5; i++ {
		log.RecordRequest(&Entry{RequestID: fmt.Sprintf("req-%d", i)})
	}

	recent := log.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "req-2", recent[0].RequestID)
	assert.Equal(t, "req-4", recent[2].RequestID)
}

func TestRecordResponseAttachesToKnownRequest(t *testing.T) {
	log := NewLog(10)
	log.RecordRequest(&Entry{RequestID: "req-1"})
	log.RecordResponse("req-1", &ResponseMeta{StatusCode: 200})
	log.RecordResponse("missing", &ResponseMeta{StatusCode: 500})

	recent := log.Recent(10)
	require.Len(t, recent, 1)
	require.NotNil(t, recent[0].Response)
	assert.Equal(t, 200, recent[0].Response.StatusCode)
}

func TestClearEmptiesLog(t *testing.T) {
	log := NewLog(10)
	log.RecordRequest(&Entry{RequestID: "req-1"})
	log.Clear()
	assert.Empty(t, log.Recent(10))
}

func TestRecentCapsAtConfiguredBound(t *testing.T) {
	log := NewLog(2)
	log.RecordRequest(&Entry{RequestID: "a"})
	log.RecordRequest(&Entry{RequestID: "b"})
	assert.Len(t, log.Recent(100), 2)
}

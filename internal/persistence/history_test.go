package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylabs/async-sidecar/internal/replay"
)

func TestNilHistoryStoreIsNoOp(t *testing.T) {
	var s *HistoryStore

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, s.Record(context.Background(), replay.Report{ReplayID: "replay-1"}))

	rows, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, rows)
}

func TestNewHistoryStoreNilClient(t *testing.T) {
	assert.Nil(t, NewHistoryStore(nil))
}

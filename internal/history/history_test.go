package history

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/chat-bridge/internal/storage"
)

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	r := NewLogRecorder(slog.New(slog.NewTextHandler(&buf, nil)))

	err := r.Record(context.Background(), "req-9", Summary{
		Provider:     "vendor",
		Model:        "vendor-max",
		Status:       200,
		FinishReason: "tool_calls",
		ToolCalls:    2,
		Duration:     1500 * time.Millisecond,
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "history_id=req-9")
	assert.Contains(t, out, "finish_reason=tool_calls")
	assert.Contains(t, out, "tool_calls=2")
	assert.NotContains(t, out, "error=")
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop.Record(context.Background(), "x", Summary{}))
}

func TestBoltRecorder(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "history.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r, err := NewBoltRecorder(db, 3)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, r.Record(context.Background(), id, Summary{Model: "m-" + id, Status: 200}))
	}

	recent, err := r.Recent(0)
	require.NoError(t, err)
	require.Len(t, recent, 3, "older summaries are trimmed")
	assert.Equal(t, "e", recent[0].RequestID)
	assert.Equal(t, "m-c", recent[2].Model)

	two, err := r.Recent(2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestBoltRecorder_Unlimited(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "history.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r, err := NewBoltRecorder(db, 0)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, r.Record(context.Background(), "r", Summary{}))
	}

	all, err := r.Recent(0)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

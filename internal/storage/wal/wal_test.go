package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

func openTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "handles.wal")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func pendingHandle(id string) *types.TaskHandle {
	return &types.TaskHandle{
		ID:        id,
		Name:      "income_analysis_AAPL",
		Class:     types.ClassCoordinator,
		Status:    types.StatusPending,
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func collect(t *testing.T, w *WAL) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := openTestWAL(t)

	h := pendingHandle("h1")
	require.NoError(t, w.Append(EventCreate, h, false))

	h.Status = types.StatusSuccess
	h.Artifact = &types.Artifact{Key: types.NewKey("AAPL", types.KindIncome), Narrative: "<ok> & done", TokenUsage: 150}
	require.NoError(t, w.Append(EventResolve, h, true))

	events := collect(t, w)
	require.Len(t, events, 2)
	assert.Equal(t, EventCreate, events[0].Type)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, EventResolve, events[1].Type)
	assert.Equal(t, uint64(2), events[1].Seq)

	got, err := events[1].Handle()
	require.NoError(t, err)
	assert.Equal(t, "h1", got.ID)
	assert.Equal(t, types.StatusSuccess, got.Status)
	require.NotNil(t, got.Artifact)
	assert.Equal(t, 150, got.Artifact.TokenUsage)
	assert.Equal(t, "<ok> & done", got.Artifact.Narrative)
}

func TestReplayFlushesBufferedEvents(t *testing.T) {
	w, path := openTestWAL(t)
	require.NoError(t, w.Append(EventCreate, pendingHandle("h1"), false))

	// 未強制寫入的事件仍在緩衝區
	last, err := LastEvent(path)
	require.NoError(t, err)
	assert.Nil(t, last)

	assert.Len(t, collect(t, w), 1)
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handles.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(EventCreate, pendingHandle("h1"), false))
	require.NoError(t, w.Append(EventCreate, pendingHandle("h2"), false))
	require.NoError(t, w.Close())

	w2, err := NewWAL(path, true)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(2), w2.GetLastSeq())

	require.NoError(t, w2.Append(EventCreate, pendingHandle("h3"), false))
	events := collect(t, w2)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[2].Seq)
	assert.Equal(t, "h3", events[2].HandleID)
}

func TestRotateEmptiesLog(t *testing.T) {
	w, path := openTestWAL(t)
	require.NoError(t, w.Append(EventCreate, pendingHandle("h1"), true))
	require.NoError(t, w.Rotate())

	assert.Empty(t, collect(t, w))
	assert.Equal(t, uint64(1), w.GetLastSeq(), "sequence keeps growing across rotations")

	require.NoError(t, w.Append(EventCreate, pendingHandle("h2"), true))
	last, err := LastEvent(path)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "h2", last.HandleID)
	assert.Equal(t, uint64(2), last.Seq)
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handles.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(EventCreate, pendingHandle("h1"), false))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(string(raw[:len(raw)-1]))
	for i := range tampered {
		if tampered[i] == 'h' && i+1 < len(tampered) && tampered[i+1] == '1' {
			tampered[i+1] = '9'
		}
	}
	require.NoError(t, os.WriteFile(path, append(tampered, '\n'), 0o644))

	err = replayFile(path, func(Event) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var ce *ChecksumError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(1), ce.Seq)
	assert.Contains(t, ce.Error(), "seq=1")
}

func TestReplayStopsAtTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handles.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(EventCreate, pendingHandle("h1"), false))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"CREA`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var seen []string
	err = replayFile(path, func(e Event) error {
		seen = append(seen, e.HandleID)
		return nil
	})
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	assert.Equal(t, []string{"h1"}, seen)

	// 重新開啟時序號從最後一筆完整記錄延續
	w2, err := NewWAL(path, false)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(1), w2.GetLastSeq())
}

func TestClosedWAL(t *testing.T) {
	w, _ := openTestWAL(t)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.Append(EventCreate, pendingHandle("h1"), false), ErrWALClosed)
	assert.ErrorIs(t, w.Flush(), ErrWALClosed)
	assert.ErrorIs(t, w.Rotate(), ErrWALClosed)
}

func TestAppendRejectsNilHandle(t *testing.T) {
	w, _ := openTestWAL(t)
	assert.Error(t, w.Append(EventCreate, nil, false))
}

package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() types.HandleSnapshot {
	finished := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return types.HandleSnapshot{
		Handles: map[string]*types.TaskHandle{
			"h-001": {
				ID:     "h-001",
				Name:   "income_analysis_AAPL",
				Class:  types.ClassCoordinator,
				Status: types.StatusSuccess,
				Artifact: &types.Artifact{
					Key:        types.NewKey("AAPL", types.KindIncome),
					Narrative:  "steady growth",
					TokenUsage: 150,
				},
				FinishedAt: &finished,
			},
			"h-002": {
				ID:         "h-002",
				Name:       "cash_flow_analysis_AAPL",
				Class:      types.ClassCoordinator,
				Status:     types.StatusFailed,
				Error:      &types.ErrorInfo{Code: types.CodeUpstream, Message: "boom"},
				FinishedAt: &finished,
			},
		},
		TakenAt: finished,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "handles.json"))

	original := sampleSnapshot()
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	require.Len(t, loaded.Handles, 2)

	ok := loaded.Handles["h-001"]
	require.NotNil(t, ok.Artifact)
	assert.Equal(t, types.StatusSuccess, ok.Status)
	assert.Equal(t, "steady growth", ok.Artifact.Narrative)
	assert.Equal(t, 150, ok.Artifact.TokenUsage)

	failed := loaded.Handles["h-002"]
	require.NotNil(t, failed.Error)
	assert.Equal(t, types.CodeUpstream, failed.Error.Code)
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handles.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleSnapshot()))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
	assert.True(t, manager.Exists())
}

func TestWriteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state", "handles.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleSnapshot()))
	assert.True(t, manager.Exists())
}

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	assert.False(t, manager.Exists())
	data, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Handles)
	assert.Empty(t, data.Handles)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v2.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"handles":{},"schema_ver":2}`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"handles": [`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// ============================================================================
// 並發測試
// ============================================================================

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "handles.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap := types.HandleSnapshot{Handles: map[string]*types.TaskHandle{
				fmt.Sprintf("h-%d", i): {ID: fmt.Sprintf("h-%d", i), Status: types.StatusSuccess},
			}}
			assert.NoError(t, manager.Write(snap))
		}(i)
	}
	wg.Wait()

	data, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, data.Handles, 1)
}

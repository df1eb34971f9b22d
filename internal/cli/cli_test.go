package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fin-analysis/internal/config"
	"github.com/ChuLiYu/fin-analysis/internal/httpserver"
	"github.com/ChuLiYu/fin-analysis/internal/poller"
	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

const fixtures = `
companies:
  ACME:
    name: Acme Corp
    statements:
      income:
        - date: "2023-12-31"
          fields: {revenue: 1000, costOfRevenue: 600, netIncome: 120}
        - date: "2022-12-31"
          fields: {revenue: 900, costOfRevenue: 560, netIncome: 100}
      balance_sheet:
        - date: "2023-12-31"
          fields: {totalAssets: 5000, totalDebt: 1200}
      cash_flow:
        - date: "2023-12-31"
          fields: {freeCashFlow: 300, netChangeInCash: 40}
`

// writeConfig 建立使用 fake 補全服務與 sqlite 的配置
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	fixturesPath := filepath.Join(dir, "fixtures.yaml")
	require.NoError(t, os.WriteFile(fixturesPath, []byte(fixtures), 0o644))

	content := fmt.Sprintf(`
worker:
  aggregate_workers: 1
  coordinator_workers: 1
  leaf_workers: 2
store:
  driver: sqlite
  dsn: %s
completion:
  provider: fake
source:
  fixtures: %s
snapshot:
  path: %s
log:
  level: error
`, filepath.Join(dir, "artifacts.db"), fixturesPath, filepath.Join(dir, "handles.json"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "analyst", cmd.Use)
	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Use] = true
		assert.NotNil(t, c.RunE, c.Use)
	}
	assert.True(t, names["serve"])
	assert.True(t, names["analyze"])
	assert.True(t, names["poll"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildAnalyzeCommand(t *testing.T) {
	cmd := buildAnalyzeCommand()

	symbol := cmd.Flags().Lookup("symbol")
	require.NotNil(t, symbol)
	assert.Equal(t, "s", symbol.Shorthand)
	assert.Equal(t, "company", cmd.Flags().Lookup("kind").DefValue)
	assert.Equal(t, "true", cmd.Flags().Lookup("wait").DefValue)
}

func TestAnalyzeStatement(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, "-c", path, "analyze", "-s", "acme", "-k", "income")
	require.NoError(t, err)

	var got poller.ArtifactSummary
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "ACME", got.EntityID)
	assert.Equal(t, types.KindIncome, got.Kind)
	// 5 個分段 + 1 次彙總，fake 每次回報 10 tokens
	assert.Equal(t, 60, got.TokenUsage)
	assert.NotEmpty(t, got.Narrative)
}

func TestAnalyzeCompanyThenCached(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, "-c", path, "analyze", "-s", "ACME")
	require.NoError(t, err)
	var first poller.ArtifactSummary
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.Equal(t, types.KindComposite, first.Kind)
	assert.Equal(t, 10, first.TokenUsage)

	// 第二次執行直接命中 sqlite 中的產物
	out, err = run(t, "-c", path, "analyze", "-s", "ACME", "--wait=false")
	require.NoError(t, err)
	var res types.Resolution
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, types.StateCached, res.State)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, first.Narrative, res.Artifact.Narrative)
}

func TestAnalyzeNoData(t *testing.T) {
	path := writeConfig(t)
	dir := filepath.Dir(path)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fixtures.yaml"), []byte(`
companies:
  EMPTY:
    name: Empty Inc
`), 0o644))

	out, err := run(t, "-c", path, "analyze", "-s", "EMPTY", "-k", "cash_flow")
	require.NoError(t, err)
	var got poller.ArtifactSummary
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.NoData)
	assert.Equal(t, 0, got.TokenUsage)
}

func TestAnalyzeRejectsInvalidInput(t *testing.T) {
	path := writeConfig(t)

	_, err := run(t, "-c", path, "analyze", "-s", "ACME", "-k", "dividends")
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = run(t, "-c", path, "analyze", "-s", "TOOLONG")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestAnalyzeUnknownSymbolFails(t *testing.T) {
	path := writeConfig(t)

	_, err := run(t, "-c", path, "analyze", "-s", "NOPE", "-k", "income")
	require.Error(t, err)
	assert.Contains(t, err.Error(), types.CodeNotFound)
}

func TestAnalyzeMissingConfig(t *testing.T) {
	_, err := run(t, "-c", filepath.Join(t.TempDir(), "missing.yaml"), "analyze", "-s", "ACME")
	assert.Error(t, err)
}

type handleTable map[string]*types.TaskHandle

func (h handleTable) Get(id string) (*types.TaskHandle, error) {
	if th, ok := h[id]; ok {
		return th, nil
	}
	return nil, fmt.Errorf("%w: %s", types.ErrHandleNotFound, id)
}

func TestPollCommand(t *testing.T) {
	id := uuid.NewString()
	table := handleTable{id: {ID: id, Status: types.StatusPending}}
	srv := httptest.NewServer(httpserver.New(nil, poller.New(table)).Handler())
	defer srv.Close()

	out, err := run(t, "poll", "--addr", srv.URL, "--id", id)
	require.NoError(t, err)
	var report poller.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, id, report.TaskID)
	assert.Equal(t, types.StatusPending, report.Status)

	_, err = run(t, "poll", "--addr", srv.URL, "--id", uuid.NewString())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestNewAppMemoryBackends(t *testing.T) {
	cfg := config.Default()
	cfg.Completion.Provider = "fake"

	app, err := NewApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, app.Start())
	defer app.Close()

	assert.Empty(t, app.HealthChecks())
	res, err := app.Orchestrator.Resolve(context.Background(), types.NewKey("ZZZ", types.KindIncome))
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, res.State)
}

func TestNewAppRequiresOpenAIKey(t *testing.T) {
	cfg := config.Default()
	cfg.Completion.APIKeyEnv = "FIN_ANALYSIS_TEST_UNSET_KEY"

	_, err := NewApp(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FIN_ANALYSIS_TEST_UNSET_KEY")
}

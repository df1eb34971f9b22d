package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

const fixture = `
companies:
  aapl:
    name: Apple Inc.
    statements:
      income:
        - date: "2023-09-30"
          fields: {revenue: 383285000000, grossProfit: 169148000000}
        - date: "2022-09-24"
          fields: {revenue: 394328000000}
      cashflow:
        - date: "2023-09-30"
          fields: {freeCashFlow: 99584000000}
  EMPTY:
    statements: {}
`

func TestParseAndFetch(t *testing.T) {
	s, err := Parse([]byte(fixture))
	require.NoError(t, err)
	ctx := context.Background()

	periods, err := s.FetchPeriods(ctx, "AAPL", types.KindIncome)
	require.NoError(t, err)
	require.Len(t, periods, 2)
	assert.Equal(t, "2023-09-30", periods[0].Date)
	assert.Equal(t, 169148000000.0, periods[0].Fields["grossProfit"])

	// cashflow alias lands on the canonical kind
	cf, err := s.FetchPeriods(ctx, "aapl", types.KindCashFlow)
	require.NoError(t, err)
	assert.Len(t, cf, 1)

	bs, err := s.FetchPeriods(ctx, "AAPL", types.KindBalanceSheet)
	require.NoError(t, err)
	assert.Empty(t, bs)
}

func TestUnknownEntity(t *testing.T) {
	s, err := Parse([]byte(fixture))
	require.NoError(t, err)

	_, err = s.FetchPeriods(context.Background(), "ZZZZ", types.KindIncome)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = s.Profile(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestProfileFallsBackToSymbol(t *testing.T) {
	s, err := Parse([]byte(fixture))
	require.NoError(t, err)

	p, err := s.Profile(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, types.CompanyProfile{Symbol: "AAPL", Name: "Apple Inc."}, p)

	p, err = s.Profile(context.Background(), "empty")
	require.NoError(t, err)
	assert.Equal(t, "EMPTY", p.Name)
}

func TestParseRejectsUnknownKind(t *testing.T) {
	_, err := Parse([]byte("companies:\n  X:\n    statements:\n      dividends: []\n"))
	assert.Error(t, err)
}

func TestLoadFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"companies":{"IBM":{"name":"IBM","statements":{"balance_sheet":[{"date":"2023-12-31","fields":{"totalDebt":5}}]}}}}`), 0o644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	periods, err := s.FetchPeriods(context.Background(), "IBM", types.KindBalanceSheet)
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, 5.0, periods[0].Fields["totalDebt"])
}

func TestFetchReturnsCopy(t *testing.T) {
	s := NewMemorySource()
	s.Put("ACME", "Acme", map[types.Kind][]types.PeriodRecord{
		types.KindIncome: {{Date: "2024-01-01"}},
	})

	periods, err := s.FetchPeriods(context.Background(), "ACME", types.KindIncome)
	require.NoError(t, err)
	periods[0].Date = "mutated"

	again, _ := s.FetchPeriods(context.Background(), "ACME", types.KindIncome)
	assert.Equal(t, "2024-01-01", again[0].Date)
}

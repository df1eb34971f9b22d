package analysis

import (
	"sort"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// MaxPeriods is how many of the most recent periods feed one analysis.
const MaxPeriods = 4

// Bucket is a named subset of statement fields analysed as one segment.
type Bucket struct {
	Name   string
	Fields []string
	Prompt string
}

var incomeBuckets = []Bucket{
	{Name: "revenue", Prompt: promptRevenue, Fields: []string{
		"revenue", "costOfRevenue", "grossProfit", "grossProfitRatio",
	}},
	{Name: "operating_expenses", Prompt: promptOperatingExpenses, Fields: []string{
		"researchAndDevelopmentExpenses", "generalAndAdministrativeExpenses", "sellingAndMarketingExpenses",
		"sellingGeneralAndAdministrativeExpenses", "otherExpenses", "operatingExpenses", "depreciationAndAmortization",
	}},
	{Name: "operating_income", Prompt: promptOperatingIncome, Fields: []string{
		"ebitda", "ebitdaratio", "operatingIncome", "operatingIncomeRatio",
	}},
	{Name: "other_income", Prompt: promptOtherIncome, Fields: []string{
		"interestIncome", "interestExpense", "totalOtherIncomeExpensesNet", "incomeBeforeTax", "incomeBeforeTaxRatio",
	}},
	{Name: "net_income", Prompt: promptNetIncome, Fields: []string{
		"incomeTaxExpense", "netIncome", "netIncomeRatio", "eps", "epsdiluted",
		"weightedAverageShsOut", "weightedAverageShsOutDil",
	}},
}

var balanceSheetBuckets = []Bucket{
	{Name: "liquidity", Prompt: promptLiquidity, Fields: []string{
		"cashAndCashEquivalents", "shortTermInvestments", "netReceivables", "inventory", "otherCurrentAssets",
		"totalCurrentAssets", "accountPayables", "shortTermDebt", "otherCurrentLiabilities", "totalCurrentLiabilities",
	}},
	{Name: "capital_structure", Prompt: promptCapitalStructure, Fields: []string{
		"longTermInvestments", "propertyPlantEquipmentNet", "goodwill", "intangibleAssets", "otherNonCurrentAssets",
		"totalNonCurrentAssets", "longTermDebt", "otherNonCurrentLiabilities", "totalNonCurrentLiabilities",
		"commonStock", "retainedEarnings", "accumulatedOtherComprehensiveIncomeLoss", "totalStockholdersEquity",
	}},
	{Name: "asset_management", Prompt: promptAssetManagement, Fields: []string{
		"propertyPlantEquipmentNet", "goodwill", "intangibleAssets", "longTermInvestments", "totalAssets",
	}},
	{Name: "financial_risk", Prompt: promptFinancialRisk, Fields: []string{
		"shortTermDebt", "longTermDebt", "totalDebt", "netDebt",
	}},
	{Name: "shareholder_value", Prompt: promptShareholderValue, Fields: []string{
		"commonStock", "retainedEarnings", "accumulatedOtherComprehensiveIncomeLoss", "totalStockholdersEquity",
	}},
}

var cashFlowBuckets = []Bucket{
	{Name: "operating_activities", Prompt: promptOperatingActivities, Fields: []string{
		"netIncome", "depreciationAndAmortization", "changeInWorkingCapital", "accountsReceivables",
		"inventory", "accountsPayables", "netCashProvidedByOperatingActivities",
	}},
	{Name: "investing_activities", Prompt: promptInvestingActivities, Fields: []string{
		"investmentsInPropertyPlantAndEquipment", "acquisitionsNet", "purchasesOfInvestments",
		"salesMaturitiesOfInvestments", "otherInvestingActivites", "netCashUsedForInvestingActivites",
	}},
	{Name: "financing_activities", Prompt: promptFinancingActivities, Fields: []string{
		"debtRepayment", "commonStockIssued", "commonStockRepurchased", "dividendsPaid",
		"otherFinancingActivites", "netCashUsedProvidedByFinancingActivities",
	}},
	{Name: "cash_position", Prompt: promptCashPosition, Fields: []string{
		"cashAtEndOfPeriod", "cashAtBeginningOfPeriod", "netChangeInCash", "freeCashFlow",
	}},
}

// BucketsFor returns the fixed bucket schema of a statement kind, or nil for
// kinds that are not single statements.
func BucketsFor(kind types.Kind) []Bucket {
	switch kind {
	case types.KindIncome:
		return incomeBuckets
	case types.KindBalanceSheet:
		return balanceSheetBuckets
	case types.KindCashFlow:
		return cashFlowBuckets
	}
	return nil
}

// LatestPeriods sorts periods by date descending and keeps at most MaxPeriods.
// Dates are ISO-8601, so lexical order is chronological.
func LatestPeriods(periods []types.PeriodRecord) []types.PeriodRecord {
	sorted := append([]types.PeriodRecord(nil), periods...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date > sorted[j].Date })
	if len(sorted) > MaxPeriods {
		sorted = sorted[:MaxPeriods]
	}
	return sorted
}

// Extract builds one row per period holding the bucket's fields plus the
// period date. Fields missing from a record are omitted from its row.
func (b Bucket) Extract(periods []types.PeriodRecord) []map[string]any {
	rows := make([]map[string]any, 0, len(periods))
	for _, p := range periods {
		row := map[string]any{"date": p.Date}
		for _, f := range b.Fields {
			if v, ok := p.Fields[f]; ok {
				row[f] = v
			}
		}
		rows = append(rows, row)
	}
	return rows
}

package analysis

import (
	"fmt"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

const segmentStyle = " Give a short high-level overview without figures, as plain prose with no bullet points." +
	" It will be combined with other segment summaries, so stay within about 100 tokens."

const (
	promptRevenue = "Analyse revenue, cost of revenue and the resulting gross profit over the periods." +
		" Judge how efficiently revenue is generated and costs are managed, and assess overall gross profitability." + segmentStyle
	promptOperatingExpenses = "Review the operating expenses by category and their effect on operational efficiency." +
		" Point out notable trends or anomalies." + segmentStyle
	promptOperatingIncome = "Evaluate operating income and EBITDA to gauge operational performance." +
		" Comment on the sustainability and growth prospects of operations." + segmentStyle
	promptOtherIncome = "Analyse other income and expenses and pre-tax income, focusing on non-operational activity" +
		" and its effect on financial health before taxes." + segmentStyle
	promptNetIncome = "Examine net income, earnings per share and shares outstanding to understand profitability," +
		" earnings distribution and equity structure, and what they mean for shareholders." + segmentStyle

	promptLiquidity = "Analyse the trend in liquidity and working capital and what it says about short-term financial health." + segmentStyle
	promptCapitalStructure = "Examine non-current assets and liabilities together with shareholders' equity." +
		" Evaluate the capital structure and long-term solvency, including leverage trends." + segmentStyle
	promptAssetManagement = "Assess how efficiently the asset base is used, considering total assets, property, plant and equipment" +
		" and intangible assets." + segmentStyle
	promptFinancialRisk = "Examine short-term and long-term debt, the trend in debt levels and the overall financial risk profile," +
		" and give a view on the sustainability of the debt strategy." + segmentStyle
	promptShareholderValue = "Using common stock, retained earnings and comprehensive income, assess the trend in equity" +
		" and shareholder value and what it implies for investors." + segmentStyle

	promptOperatingActivities = "Analyse operating cash flow drivers including net income, depreciation and working capital changes." + segmentStyle
	promptInvestingActivities = "Examine investing activity such as capital expenditure, acquisitions and investment purchases and sales," +
		" and its effect on long-term asset growth and cash outflows." + segmentStyle
	promptFinancingActivities = "Review financing activity including debt repayment, share issuance and buybacks and dividends," +
		" and what it shows about how operations and growth are funded." + segmentStyle
	promptCashPosition = "Assess the cash position over the periods using the net change in cash, opening and closing cash" +
		" and free cash flow, and its implications for liquidity and flexibility." + segmentStyle
)

var synthesisPrompts = map[types.Kind]string{
	types.KindIncome: "Consolidate the segment analyses into one cohesive, well-structured report on the company's" +
		" financial performance over the periods. Never use bullet points.",
	types.KindBalanceSheet: "Using the segment analyses of the balance sheet across periods, write a comprehensive assessment" +
		" of overall financial health and stability, covering trends, strengths, weaknesses and concerns. Never use bullet points.",
	types.KindCashFlow: "Using the segment analyses of the cash flow statement, write a holistic report on cash generation" +
		" and use, and how operating, investing and financing activity affect liquidity. Never use bullet points.",
}

// SynthesisPrompt returns the fan-in prompt of a statement kind.
func SynthesisPrompt(kind types.Kind) string {
	return synthesisPrompts[kind]
}

// CompanyPrompt returns the composite prompt for a company.
func CompanyPrompt(companyName string) string {
	return fmt.Sprintf("Write a comprehensive financial analysis of %s by integrating the provided income statement,"+
		" balance sheet and cash flow analyses. Highlight key trends, strengths and weaknesses, covering profitability,"+
		" asset efficiency, liquidity, solvency and cash flow stability, and assess overall health and future risks"+
		" and opportunities. Keep it qualitative without figures, never suggest further analysis, and never use bullet points.",
		companyName)
}

// NoDataNarrative is the narrative of an artifact produced without source data.
func NoDataNarrative(kind types.Kind) string {
	return fmt.Sprintf("No %s data available", kindLabel(kind))
}

func kindLabel(kind types.Kind) string {
	switch kind {
	case types.KindIncome:
		return "income statement"
	case types.KindBalanceSheet:
		return "balance sheet"
	case types.KindCashFlow:
		return "cash flow statement"
	}
	return string(kind)
}

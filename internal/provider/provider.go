// Package provider defines the market-data collaborator consumed by
// backtests: the tradeable universe, daily bars and raw fundamental fields.
package provider

import (
	"context"
	"strings"
	"time"

	"quantdesk/internal/domain"
)

// Raw fundamental field names. Providers key FundamentalFields results by
// these names; values are numbers or unit-suffixed strings.
const (
	FieldPE                = "市盈率-动态"
	FieldPB                = "市净率"
	FieldROE               = "净资产收益率"
	FieldRetainedEarnings  = "每股未分配利润"
	FieldDebtRatio         = "资产负债率"
	FieldGrossMargin       = "销售毛利率"
	FieldNetProfitGrowth   = "净利润同比增长率"
	FieldOperatingCashFlow = "每股经营现金流"
	FieldInventoryTurnover = "存货周转率"
	FieldReceivableDays    = "应收账款周转天数"
	FieldCurrentRatio      = "流动比率"
	FieldQuickRatio        = "速动比率"
)

// UniverseFilter selects which listed stocks are tradeable.
type UniverseFilter struct {
	IncludeGrowthBoard  bool // 300xxx / 301xxx
	IncludeSciTechBoard bool // 688xxx / 689xxx
	ExcludeST           bool // names containing "ST" or "退"
}

// Provider supplies market data. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Universe returns the stock list as of asOf, filtered by f.
	Universe(ctx context.Context, asOf time.Time, f UniverseFilter) ([]domain.StockInfo, error)

	// DailyBars returns bars for symbol in [start, end] sorted ascending by
	// date. An empty slice is a valid "no data" answer.
	DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// FundamentalFields returns the latest raw fundamental fields for symbol.
	FundamentalFields(ctx context.Context, symbol string) (map[string]any, error)
}

// ApplyFilter returns the stocks in list that pass f, preserving order.
func ApplyFilter(list []domain.StockInfo, f UniverseFilter) []domain.StockInfo {
	out := make([]domain.StockInfo, 0, len(list))
	for _, s := range list {
		switch domain.BoardOf(s.Symbol) {
		case domain.BoardGrowth:
			if !f.IncludeGrowthBoard {
				continue
			}
		case domain.BoardSciTech:
			if !f.IncludeSciTechBoard {
				continue
			}
		}
		if f.ExcludeST && (strings.Contains(s.Name, "ST") || strings.Contains(s.Name, "退")) {
			continue
		}
		out = append(out, s)
	}
	return out
}

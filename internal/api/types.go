package api

import (
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/performance"
	"quantdesk/internal/store"
)

// BacktestRequest is the body of POST /api/backtest/{strategy}. Dates are
// YYYY-MM-DD or YYYYMMDD.
type BacktestRequest struct {
	StartDate      string         `json:"start_date"`
	EndDate        string         `json:"end_date"`
	InitialCapital float64        `json:"initial_capital"`
	Params         map[string]any `json:"params,omitempty"`
}

// RunSummary describes a stored run.
type RunSummary struct {
	ID             string             `json:"id"`
	Strategy       string             `json:"strategy"`
	Params         map[string]any     `json:"params,omitempty"`
	StartDate      string             `json:"start_date"`
	EndDate        string             `json:"end_date"`
	InitialCapital float64            `json:"initial_capital"`
	Report         performance.Report `json:"report"`
	CreatedAt      time.Time          `json:"created_at"`
}

// RunDetail is a stored run with its transaction log and value series.
type RunDetail struct {
	RunSummary
	Transactions []domain.Transaction `json:"transactions"`
	DailyValues  []domain.DailyValue  `json:"daily_values"`
	Trades       []domain.TradeRecord `json:"trades"`
}

// RunsResponse is the body of GET /api/runs.
type RunsResponse struct {
	Runs []RunSummary `json:"runs"`
}

// StrategiesResponse is the body of GET /api/strategies.
type StrategiesResponse struct {
	Strategies []string `json:"strategies"`
}

// BarsResponse is the body of GET /api/stocks/{symbol}/bars.
type BarsResponse struct {
	Symbol string    `json:"symbol"`
	Bars   []BarJSON `json:"bars"`
}

// BarJSON is one daily bar on the wire.
type BarJSON struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
	Amount float64 `json:"amount"`
}

// UniverseResponse is the body of GET /api/universe.
type UniverseResponse struct {
	Count  int                `json:"count"`
	Stocks []domain.StockInfo `json:"stocks"`
}

// ScanRequest is the optional body of POST /api/signals/{strategy}. Date is
// YYYY-MM-DD or YYYYMMDD; empty means today.
type ScanRequest struct {
	Date   string         `json:"date,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// SignalsResponse is the body of the signal listing endpoints.
type SignalsResponse struct {
	Strategy string                `json:"strategy"`
	Count    int                   `json:"count"`
	Signals  []domain.SignalRecord `json:"signals"`
}

// SignalPerformanceResponse is the body of
// GET /api/signals/{strategy}/performance.
type SignalPerformanceResponse struct {
	Strategy string `json:"strategy"`
	domain.SignalStats
}

func summaryOf(r store.Run) RunSummary {
	return RunSummary{
		ID:             r.ID,
		Strategy:       r.Strategy,
		Params:         r.Params,
		StartDate:      r.Start.Format(dateLayout),
		EndDate:        r.End.Format(dateLayout),
		InitialCapital: r.InitialCapital,
		Report:         r.Report,
		CreatedAt:      r.CreatedAt,
	}
}

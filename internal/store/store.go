// Package store defines storage interfaces for persisting and retrieving
// daily bars, backtest runs, screener signals and the exchange holiday
// calendar.
package store

import (
	"context"
	"errors"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/performance"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// Run is a persisted, completed backtest.
type Run struct {
	ID             string
	Strategy       string
	Params         map[string]any
	Start          time.Time
	End            time.Time
	InitialCapital float64
	Report         performance.Report
	CreatedAt      time.Time
}

// RunStore persists completed backtest runs with their transaction logs and
// daily performance rows.
type RunStore interface {
	// SaveRun stores a run, its transactions and its daily values atomically.
	SaveRun(ctx context.Context, run *Run, txs []domain.Transaction, values []domain.DailyValue) error

	// GetRun retrieves a run by ID. Returns ErrNotFound when absent.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns the most recent runs, newest first, up to limit.
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// ListTransactions returns the transaction log of a run in fill order.
	ListTransactions(ctx context.Context, runID string) ([]domain.Transaction, error)

	// ListDailyValues returns the daily valuation series of a run.
	ListDailyValues(ctx context.Context, runID string) ([]domain.DailyValue, error)
}

// HolidayStore persists exchange holidays.
type HolidayStore interface {
	// ReplaceHolidays deletes holidays on or after from and inserts the given
	// date -> name entries.
	ReplaceHolidays(ctx context.Context, from time.Time, holidays map[string]string) error

	// Holidays returns every stored holiday as date (YYYY-MM-DD) -> name.
	Holidays(ctx context.Context) (map[string]string, error)
}

// SignalStore persists the positions opened and closed by screener scans.
type SignalStore interface {
	// RecordSignals applies the hits of one scan of strategy on date in a
	// single transaction. A sell closes every holding row of that symbol; a
	// buy opens a holding row unless one is already open. It returns the
	// number of rows opened and closed.
	RecordSignals(ctx context.Context, strategy string, date time.Time, hits []domain.SignalHit) (opened, closed int, err error)

	// LatestSignals returns the rows opened or closed on the most recent
	// date the strategy recorded anything, ordered by symbol.
	LatestSignals(ctx context.Context, strategy string) ([]domain.SignalRecord, error)

	// ListSignals returns the most recent rows for a strategy, newest first,
	// up to limit. An empty status matches every row.
	ListSignals(ctx context.Context, strategy string, status domain.TradeStatus, limit int) ([]domain.SignalRecord, error)
}

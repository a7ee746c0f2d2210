// Package cn gathers China A-share data into the local stores: daily bars
// into Parquet and exchange holidays into SQLite.
package cn

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/gather"
	"quantdesk/internal/provider"
	"quantdesk/internal/store"
	"quantdesk/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var (
	_ gather.Gatherer = (*DailyBarGatherer)(nil)
	_ gather.Gatherer = (*CalendarSync)(nil)
)

// shanghai is China Standard Time. The mainland has no daylight saving.
var shanghai = time.FixedZone("CST", 8*3600)

// LatestFinishedTradingDay returns the most recent trading day whose session
// has closed as of now. Daily bars are treated as final from 15:30 CST.
func LatestFinishedTradingDay(cal *util.TradingCalendar, now time.Time) time.Time {
	local := now.In(shanghai)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), 15, 30, 0, 0, shanghai)

	if !cal.IsTradingDay(day) || local.Before(cutoff) {
		day = day.AddDate(0, 0, -1)
	}
	for !cal.IsTradingDay(day) {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

// ---------------------------------------------------------------------------
// DailyBarGatherer: daily bars for the filtered A-share universe.
// ---------------------------------------------------------------------------

// DailyOptions tunes a DailyBarGatherer.
type DailyOptions struct {
	// Start is the first date gathered for symbols without local data.
	Start time.Time
	// RefreshDays is how far before the last completed day symbols that
	// already have data are re-fetched.
	RefreshDays int
	MaxWorkers  int
	Filter      provider.UniverseFilter
	// Progress, when set, is called after each symbol.
	Progress func(done, total int)
	// Now overrides the clock.
	Now func() time.Time
}

// DailyBarGatherer fetches daily bars for every symbol in the universe and
// merges them into the Parquet store. A pass is resumable after a crash and
// idempotent once the latest trading day is complete.
type DailyBarGatherer struct {
	provider provider.Provider
	store    *store.ParquetStore
	calendar *util.TradingCalendar
	opts     DailyOptions
	log      *slog.Logger
}

// NewDailyBarGatherer creates a DailyBarGatherer reading from p and writing
// to s. A nil calendar uses plain business days.
func NewDailyBarGatherer(p provider.Provider, s *store.ParquetStore, cal *util.TradingCalendar, opts DailyOptions) *DailyBarGatherer {
	if cal == nil {
		cal = util.NewTradingCalendar(nil)
	}
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if opts.RefreshDays <= 0 {
		opts.RefreshDays = 7
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &DailyBarGatherer{
		provider: p,
		store:    s,
		calendar: cal,
		opts:     opts,
		log:      slog.Default().With("gatherer", "cn-daily"),
	}
}

// Name returns the gatherer identifier.
func (g *DailyBarGatherer) Name() string { return "cn-daily" }

// Run gathers bars up to the latest finished trading day.
func (g *DailyBarGatherer) Run(ctx context.Context) error {
	endDate := LatestFinishedTradingDay(g.calendar, g.opts.Now())
	endDateStr := endDate.Format("2006-01-02")
	if endDate.Before(g.opts.Start) {
		return fmt.Errorf("start date %s is after latest trading day %s", g.opts.Start.Format("2006-01-02"), endDateStr)
	}

	// 1. Progress tracker.
	dailyDir := filepath.Join(g.store.DataDir, string(domain.MarketCN), "daily")
	tracker, err := newProgressTracker(dailyDir)
	if err != nil {
		return fmt.Errorf("creating progress tracker: %w", err)
	}
	defer tracker.Close()

	// 2. Idempotency; outcomes recorded for another day are stale.
	lastCompleted := tracker.LastCompleted()
	if lastCompleted == endDateStr {
		g.log.Info("already completed", "endDate", endDateStr)
		return nil
	}
	if err := tracker.Begin(endDateStr); err != nil {
		return fmt.Errorf("starting pass: %w", err)
	}

	// 3. Universe minus symbols already handled in this pass.
	universe, err := g.provider.Universe(ctx, endDate, g.opts.Filter)
	if err != nil {
		return fmt.Errorf("loading universe: %w", err)
	}
	existing, err := g.store.ListSymbols(ctx, string(domain.MarketCN))
	if err != nil {
		return fmt.Errorf("listing existing symbols: %w", err)
	}
	have := make(map[string]struct{}, len(existing))
	for _, sym := range existing {
		have[sym] = struct{}{}
	}

	var remaining []string
	for _, s := range universe {
		if !tracker.Seen(s.Symbol) {
			remaining = append(remaining, s.Symbol)
		}
	}

	// Symbols with local data only need the recent tail.
	refreshFrom := g.opts.Start
	if lastCompleted != "" {
		if t, err := time.Parse("2006-01-02", lastCompleted); err == nil {
			if rf := t.AddDate(0, 0, -g.opts.RefreshDays); rf.After(refreshFrom) {
				refreshFrom = rf
			}
		}
	}

	g.log.Info("starting cn-daily",
		"endDate", endDateStr,
		"universe", len(universe),
		"remaining", len(remaining),
		"refreshFrom", refreshFrom.Format("2006-01-02"),
	)

	if len(remaining) == 0 {
		return g.finish(tracker, endDateStr)
	}

	// 4. Feed symbols to workers.
	symCh := make(chan string, len(remaining))
	for _, sym := range remaining {
		symCh <- sym
	}
	close(symCh)

	var (
		wg        sync.WaitGroup
		done      atomic.Int64
		totalHits atomic.Int64
		totalMiss atomic.Int64
		failed    atomic.Int64
		runStart  = time.Now()
	)

	workers := min(g.opts.MaxWorkers, len(remaining))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sym := range symCh {
				if ctx.Err() != nil {
					return
				}

				from := g.opts.Start
				if _, ok := have[sym]; ok {
					from = refreshFrom
				}

				status, err := g.gatherSymbol(ctx, sym, from, endDate)
				switch {
				case err != nil:
					if ctx.Err() != nil {
						return
					}
					failed.Add(1)
					g.log.Error("symbol failed", "symbol", sym, "err", err)
				case status == statusEmpty:
					totalMiss.Add(1)
				default:
					totalHits.Add(1)
				}
				if err == nil {
					if err := tracker.Mark(sym, status); err != nil {
						g.log.Error("recording progress failed", "symbol", sym, "err", err)
					}
				}

				n := done.Add(1)
				if g.opts.Progress != nil {
					g.opts.Progress(int(n), len(remaining))
				}
			}
		}()
	}

	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	g.log.Info("pass done",
		"hits", totalHits.Load(),
		"empty", totalMiss.Load(),
		"failed", failed.Load(),
		"elapsed", time.Since(runStart).Round(time.Second),
	)

	// 5. Failed symbols are retried by the next run.
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d symbols failed; rerun to retry", n)
	}
	return g.finish(tracker, endDateStr)
}

func (g *DailyBarGatherer) finish(tracker *progressTracker, endDateStr string) error {
	if err := tracker.MarkCompleted(endDateStr); err != nil {
		return fmt.Errorf("marking completed: %w", err)
	}
	g.log.Info("complete", "endDate", endDateStr)
	return nil
}

// gatherSymbol fetches and stores bars for one symbol, returning its
// outcome status.
func (g *DailyBarGatherer) gatherSymbol(ctx context.Context, sym string, from, to time.Time) (string, error) {
	bars, err := g.provider.DailyBars(ctx, sym, from, to)
	if err != nil {
		return "", fmt.Errorf("fetching bars: %w", err)
	}
	if len(bars) == 0 {
		return statusEmpty, nil
	}
	for i := range bars {
		bars[i].Symbol = sym
	}
	if err := g.store.WriteBarsForMarket(bars, string(domain.MarketCN)); err != nil {
		return "", fmt.Errorf("writing bars: %w", err)
	}
	return statusDone, nil
}

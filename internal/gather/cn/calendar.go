package cn

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"quantdesk/internal/gather"
	"quantdesk/internal/provider"
	"quantdesk/internal/store"
	"quantdesk/internal/util"
)

// DefaultReferenceSymbols are large, rarely suspended stocks whose combined
// trading dates stand in for the exchange calendar.
var DefaultReferenceSymbols = []string{"600519", "601398", "600036", "000333", "000651"}

// holidayName labels weekday closures derived from missing trading dates.
const holidayName = "休市"

// CalendarSync rebuilds the exchange holiday table from the trading dates
// of reference symbols. Weekends are implied by the calendar and not stored.
type CalendarSync struct {
	provider provider.Provider
	holidays store.HolidayStore
	refs     []string
	rng      gather.DateRange
	log      *slog.Logger
}

// NewCalendarSync creates a CalendarSync over rng. Empty refs uses
// DefaultReferenceSymbols.
func NewCalendarSync(p provider.Provider, hs store.HolidayStore, refs []string, rng gather.DateRange) *CalendarSync {
	if len(refs) == 0 {
		refs = DefaultReferenceSymbols
	}
	return &CalendarSync{
		provider: p,
		holidays: hs,
		refs:     refs,
		rng:      rng,
		log:      slog.Default().With("gatherer", "cn-calendar"),
	}
}

// Name returns the gatherer identifier.
func (c *CalendarSync) Name() string { return "cn-calendar" }

// Run fetches the reference trading dates and replaces the stored holidays
// from the start of the range onwards.
func (c *CalendarSync) Run(ctx context.Context) error {
	_, err := c.Sync(ctx)
	return err
}

// Sync is Run returning the holidays written, keyed by YYYY-MM-DD.
func (c *CalendarSync) Sync(ctx context.Context) (map[string]string, error) {
	open := make(map[string]time.Time)
	for _, sym := range c.refs {
		bars, err := c.provider.DailyBars(ctx, sym, c.rng.Start, c.rng.End)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Warn("reference symbol failed", "symbol", sym, "err", err)
			continue
		}
		for _, b := range bars {
			open[b.Timestamp.Format("2006-01-02")] = b.Timestamp
		}
	}
	if len(open) == 0 {
		return nil, fmt.Errorf("no trading dates for %v between %s and %s",
			c.refs, c.rng.Start.Format("2006-01-02"), c.rng.End.Format("2006-01-02"))
	}

	dates := make([]time.Time, 0, len(open))
	for _, d := range open {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	// Days after the last known session are not yet decided.
	end := c.rng.End
	if last := dates[len(dates)-1]; last.Before(end) {
		end = last
	}

	holidays := make(map[string]string)
	for _, d := range util.HolidaysFromTradeDates(dates, c.rng.Start, end) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		holidays[d.Format("2006-01-02")] = holidayName
	}

	if err := c.holidays.ReplaceHolidays(ctx, c.rng.Start, holidays); err != nil {
		return nil, fmt.Errorf("storing holidays: %w", err)
	}
	c.log.Info("calendar synced", "tradingDays", len(dates), "holidays", len(holidays))
	return holidays, nil
}

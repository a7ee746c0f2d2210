package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/provider"
	"quantdesk/internal/store"
	"quantdesk/internal/util"
)

// ErrNoSignalStore is returned when a scan asks to record its signals but the
// Scanner has no signal store.
var ErrNoSignalStore = errors.New("signal storage not configured")

// ScanRequest describes one screener pass.
type ScanRequest struct {
	Strategy string         `json:"strategy"`
	Params   map[string]any `json:"params,omitempty"`
	// Date is the as-of day. Zero means today; a non-trading day scans the
	// trading day before it.
	Date time.Time `json:"date"`
	// Record applies the buy and sell hits to the signal store.
	Record bool `json:"record"`
}

// ScanResult is the outcome of a screener pass over one trading day.
type ScanResult struct {
	Strategy string         `json:"strategy"`
	Params   map[string]any `json:"params,omitempty"`
	Date     time.Time      `json:"date"`
	// NextSession is the first trading day the signals can be acted on.
	NextSession time.Time          `json:"next_session"`
	Selected    int                `json:"selected"`
	Buys        []domain.SignalHit `json:"buys"`
	Sells       []domain.SignalHit `json:"sells"`
	Holds       int                `json:"holds"`
	Skipped     []string           `json:"skipped,omitempty"`
	Recorded    bool               `json:"recorded"`
	Opened      int                `json:"opened"`
	Closed      int                `json:"closed"`
}

// Scanner runs a strategy over the latest trading day and optionally records
// the resulting buys and sells as screener positions.
type Scanner struct {
	provider provider.Provider
	registry *Registry
	calendar *util.TradingCalendar
	signals  store.SignalStore
	opts     Options
	now      func() time.Time
	log      *slog.Logger
}

// NewScanner creates a Scanner. A nil calendar uses plain business days; a
// nil signal store makes recording scans fail with ErrNoSignalStore.
func NewScanner(p provider.Provider, registry *Registry, cal *util.TradingCalendar, signals store.SignalStore, opts Options, log *slog.Logger) *Scanner {
	if cal == nil {
		cal = util.NewTradingCalendar(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{
		provider: p,
		registry: registry,
		calendar: cal,
		signals:  signals,
		opts:     opts,
		now:      time.Now,
		log:      log.With("component", "scan"),
	}
}

// Scan selects the strategy's universe, evaluates one window ending on the
// scanned trading day and splits the signals into buys and sells. Each
// window is the same one a backtest would see on that day.
func (s *Scanner) Scan(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	if req.Strategy == "" {
		return nil, fmt.Errorf("%w: strategy is required", ErrInvalidRequest)
	}
	if req.Record && s.signals == nil {
		return nil, ErrNoSignalStore
	}
	strat, err := s.registry.New(req.Strategy, req.Params)
	if err != nil {
		return nil, err
	}

	asOf := req.Date
	if asOf.IsZero() {
		asOf = s.now()
	}
	day := s.tradingDayOnOrBefore(asOf)
	log := s.log.With("strategy", strat.Name(), "date", day.Format("2006-01-02"))

	universe, err := s.provider.Universe(ctx, day, s.opts.Filter)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrNoUniverse, err)
	}
	if len(universe) == 0 {
		return nil, ErrNoUniverse
	}
	names := make(map[string]string, len(universe))
	for _, info := range universe {
		names[info.Symbol] = info.Name
	}
	selected := strat.SelectUniverse(ctx, day, universe)
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: strategy selected no symbols", ErrNoUniverse)
	}

	from := day.AddDate(0, 0, -s.opts.LookbackDays)
	bars, skipped, err := fetchBars(ctx, s.provider, s.opts, log, selected, from, day)
	if err != nil {
		return nil, err
	}

	w := sliceWindow(bars, day, s.opts.LookbackDays)
	signals, err := strat.GenerateSignals(ctx, w)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("generating %s signals: %w", strat.Name(), err)
	}

	res := &ScanResult{
		Strategy:    strat.Name(),
		Params:      req.Params,
		Date:        day,
		NextSession: s.calendar.NextTradingDay(day),
		Selected:    len(selected),
		Buys:        []domain.SignalHit{},
		Sells:       []domain.SignalHit{},
		Skipped:     skipped,
	}
	if p, ok := strat.(Parameterized); ok {
		res.Params = p.Params()
	}
	for _, sym := range w.Symbols() {
		sig, ok := signals[sym]
		if !ok {
			continue
		}
		bar, _ := w.Latest(sym)
		hit := domain.SignalHit{Symbol: sym, Name: names[sym], Signal: sig, Close: bar.Close}
		switch sig {
		case domain.SignalBuy:
			res.Buys = append(res.Buys, hit)
		case domain.SignalSell:
			res.Sells = append(res.Sells, hit)
		default:
			res.Holds++
		}
	}

	if req.Record {
		hits := make([]domain.SignalHit, 0, len(res.Buys)+len(res.Sells))
		hits = append(hits, res.Sells...)
		hits = append(hits, res.Buys...)
		res.Opened, res.Closed, err = s.signals.RecordSignals(ctx, res.Strategy, day, hits)
		if err != nil {
			return nil, fmt.Errorf("recording %s signals: %w", res.Strategy, err)
		}
		res.Recorded = true
	}

	log.Info("scan complete", "selected", len(selected), "buys", len(res.Buys),
		"sells", len(res.Sells), "skipped", len(skipped), "opened", res.Opened, "closed", res.Closed)
	return res, nil
}

// tradingDayOnOrBefore walks back from t to the nearest trading day.
func (s *Scanner) tradingDayOnOrBefore(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	for !s.calendar.IsTradingDay(d) {
		if name, ok := s.calendar.HolidayName(d); ok {
			s.log.Info("exchange closed, scanning an earlier day", "date", d.Format("2006-01-02"), "holiday", name)
		}
		d = d.AddDate(0, 0, -1)
	}
	return d
}

package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"golang.org/x/sync/errgroup"

	"quantdesk/internal/broker"
	"quantdesk/internal/config"
	"quantdesk/internal/domain"
	"quantdesk/internal/engine"
	"quantdesk/internal/performance"
	"quantdesk/internal/provider"
	"quantdesk/internal/store"
	"quantdesk/internal/util"
)

// Fatal backtest errors. Callers match them with errors.Is.
var (
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrInvalidRequest  = errors.New("invalid backtest request")
	ErrNoUniverse      = errors.New("empty stock universe")
	ErrNoTradingDays   = errors.New("no trading days in range")
	ErrNoData          = errors.New("no bar data for selected symbols")
)

// StalePricePolicy decides how an open position is valued on a day its
// symbol has no bar in the lookback window.
type StalePricePolicy string

const (
	// StaleCarryForward values the position at the last close seen so far.
	StaleCarryForward StalePricePolicy = "carry_forward"
	// StaleZero leaves the position out of the day's total value.
	StaleZero StalePricePolicy = "zero"
)

// Options tunes the Backtester.
type Options struct {
	// LookbackDays is the number of calendar days of history visible to the
	// strategy on each simulated day.
	LookbackDays       int
	AllocationFraction float64
	LotSize            int64
	RiskFreeRate       optional.Option[float64]
	Pairing            performance.PairingMode
	StalePrice         StalePricePolicy
	Filter             provider.UniverseFilter
	// MaxConcurrent bounds parallel bar fetches.
	MaxConcurrent int
	// FetchTimeout bounds each bar fetch. Zero disables the per-call timeout.
	FetchTimeout time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		LookbackDays:       30,
		AllocationFraction: 0.01,
		LotSize:            domain.LotSize,
		Pairing:            performance.PairAdjacent,
		StalePrice:         StaleCarryForward,
		Filter:             provider.UniverseFilter{ExcludeST: true},
		MaxConcurrent:      5,
		FetchTimeout:       15 * time.Second,
	}
}

// OptionsFromConfig maps the loaded configuration onto backtest options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		LookbackDays:       cfg.Backtest.LookbackDays,
		AllocationFraction: cfg.Backtest.AllocationFraction,
		LotSize:            cfg.Backtest.LotSize,
		RiskFreeRate:       optional.Some(cfg.Backtest.RiskFreeRate),
		Pairing:            performance.PairingMode(cfg.Backtest.Pairing),
		StalePrice:         StalePricePolicy(cfg.Backtest.StalePrice),
		Filter: provider.UniverseFilter{
			IncludeGrowthBoard:  cfg.Universe.IncludeGrowthBoard,
			IncludeSciTechBoard: cfg.Universe.IncludeSciTechBoard,
			ExcludeST:           cfg.Universe.ExcludeST,
		},
		MaxConcurrent: cfg.Provider.MaxConcurrent,
		FetchTimeout:  cfg.Provider.Timeout,
	}
}

// Request describes one backtest run.
type Request struct {
	Strategy       string         `json:"strategy"`
	Params         map[string]any `json:"params,omitempty"`
	Start          time.Time      `json:"start_date"`
	End            time.Time      `json:"end_date"`
	InitialCapital float64        `json:"initial_capital"`

	// Progress, when set, is called after each simulated day.
	Progress func(done, total int) `json:"-"`
}

// BacktestResult holds everything produced by a backtest run.
type BacktestResult struct {
	RunID          string               `json:"run_id"`
	Strategy       string               `json:"strategy"`
	Params         map[string]any       `json:"params,omitempty"`
	Start          time.Time            `json:"start_date"`
	End            time.Time            `json:"end_date"`
	InitialCapital float64              `json:"initial_capital"`
	Report         performance.Report   `json:"report"`
	DailyValues    []domain.DailyValue  `json:"daily_values"`
	Transactions   []domain.Transaction `json:"transactions"`
	Positions      []domain.Position    `json:"positions"`
	Trades         []domain.TradeRecord `json:"trades"`
	// Skipped lists selected symbols whose bars could not be fetched.
	Skipped []string `json:"skipped,omitempty"`
}

// Backtester replays historical bar data through a strategy and computes
// performance metrics.
type Backtester struct {
	provider provider.Provider
	registry *Registry
	calendar *util.TradingCalendar
	runs     store.RunStore
	opts     Options
	log      *slog.Logger
}

// NewBacktester creates a Backtester that reads market data from p and looks
// up strategies in registry. A nil calendar uses plain business days; a nil
// runs store disables persistence.
func NewBacktester(p provider.Provider, registry *Registry, cal *util.TradingCalendar, runs store.RunStore, opts Options, log *slog.Logger) *Backtester {
	if cal == nil {
		cal = util.NewTradingCalendar(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.StalePrice == "" {
		opts.StalePrice = StaleCarryForward
	}
	return &Backtester{
		provider: p,
		registry: registry,
		calendar: cal,
		runs:     runs,
		opts:     opts,
		log:      log.With("component", "backtest"),
	}
}

// Run executes a backtest for the requested strategy. The strategy instance,
// ledger and engine are private to the run. Cancelling ctx aborts the run
// and returns the context error without a result.
func (bt *Backtester) Run(ctx context.Context, req Request) (*BacktestResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	strat, err := bt.registry.New(req.Strategy, req.Params)
	if err != nil {
		return nil, err
	}
	log := bt.log.With("strategy", strat.Name(),
		"start", req.Start.Format("2006-01-02"), "end", req.End.Format("2006-01-02"))

	// Universe selection.
	universe, err := bt.provider.Universe(ctx, req.Start, bt.opts.Filter)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrNoUniverse, err)
	}
	if len(universe) == 0 {
		return nil, ErrNoUniverse
	}
	selected := strat.SelectUniverse(ctx, req.Start, universe)
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: strategy selected no symbols", ErrNoUniverse)
	}

	days := bt.calendar.TradingDays(req.Start, req.End)
	if len(days) == 0 {
		return nil, ErrNoTradingDays
	}

	fetchStart := days[0].AddDate(0, 0, -bt.opts.LookbackDays)
	bars, skipped, err := fetchBars(ctx, bt.provider, bt.opts, bt.log, selected, fetchStart, days[len(days)-1])
	if err != nil {
		return nil, err
	}
	log.Info("backtest data loaded", "selected", len(selected), "with_bars", len(bars),
		"skipped", len(skipped), "days", len(days))

	sim := broker.NewSimulator(req.InitialCapital, bt.opts.LotSize)
	eng := engine.NewEngine(sim, engine.NewRiskManager(bt.opts.AllocationFraction, sim.LotSize()), log)
	marks := newMarkBook(bt.opts.StalePrice)

	values := make([]domain.DailyValue, 0, len(days))
	for i, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		w := sliceWindow(bars, day, bt.opts.LookbackDays)
		marks.observe(w)

		signals, err := strat.GenerateSignals(ctx, w)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("signal generation failed", "date", day.Format("2006-01-02"), "error", err)
			signals = nil
		}

		if _, err := eng.Apply(ctx, day, signals, marks.windowPrices); err != nil {
			return nil, err
		}

		dv, err := bt.markToMarket(ctx, day, sim, marks)
		if err != nil {
			return nil, err
		}
		values = append(values, dv)

		if req.Progress != nil {
			req.Progress(i+1, len(days))
		}
	}

	txs := sim.Transactions()
	report, err := performance.CalculateMetrics(values, txs, performance.Options{
		RiskFreeRate: bt.opts.RiskFreeRate,
		Pairing:      bt.opts.Pairing,
	})
	if err != nil {
		return nil, err
	}
	positions, err := sim.Positions(ctx)
	if err != nil {
		return nil, err
	}

	params := req.Params
	if p, ok := strat.(Parameterized); ok {
		params = p.Params()
	}

	res := &BacktestResult{
		RunID:          uuid.NewString(),
		Strategy:       strat.Name(),
		Params:         params,
		Start:          days[0],
		End:            days[len(days)-1],
		InitialCapital: req.InitialCapital,
		Report:         report,
		DailyValues:    values,
		Transactions:   txs,
		Positions:      positions,
		Trades:         domain.BuildTradeRecords(txs, days[len(days)-1]),
		Skipped:        skipped,
	}

	if bt.runs != nil {
		run := &store.Run{
			ID:             res.RunID,
			Strategy:       res.Strategy,
			Params:         res.Params,
			Start:          res.Start,
			End:            res.End,
			InitialCapital: res.InitialCapital,
			Report:         res.Report,
			CreatedAt:      time.Now().UTC(),
		}
		if err := bt.runs.SaveRun(ctx, run, txs, values); err != nil {
			return nil, fmt.Errorf("saving run %s: %w", res.RunID, err)
		}
	}

	log.Info("backtest complete", "run_id", res.RunID, "trades", report.TotalTrades,
		"total_return", report.TotalReturn, "max_drawdown", report.MaxDrawdown)
	return res, nil
}

func validateRequest(req Request) error {
	switch {
	case req.Strategy == "":
		return fmt.Errorf("%w: strategy is required", ErrInvalidRequest)
	case req.Start.IsZero() || req.End.IsZero():
		return fmt.Errorf("%w: start and end dates are required", ErrInvalidRequest)
	case req.End.Before(req.Start):
		return fmt.Errorf("%w: end date before start date", ErrInvalidRequest)
	case req.InitialCapital <= 0:
		return fmt.Errorf("%w: initial capital must be positive", ErrInvalidRequest)
	}
	return nil
}

// fetchBars loads bars for symbols concurrently. Symbols that fail or return
// nothing are skipped and reported; ErrNoData is returned when none remain.
func fetchBars(ctx context.Context, p provider.Provider, opts Options, log *slog.Logger, symbols []string, start, end time.Time) (map[string][]domain.Bar, []string, error) {
	var (
		mu      sync.Mutex
		bars    = make(map[string][]domain.Bar, len(symbols))
		skipped []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.MaxConcurrent, 1))
	for _, sym := range symbols {
		g.Go(func() error {
			callCtx := gctx
			if opts.FetchTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(gctx, opts.FetchTimeout)
				defer cancel()
			}

			got, err := p.DailyBars(callCtx, sym, start, end)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn("bar fetch failed", "symbol", sym, "error", err)
				skipped = append(skipped, sym)
				return nil
			}
			if len(got) == 0 {
				skipped = append(skipped, sym)
				return nil
			}
			sort.Slice(got, func(i, j int) bool { return got[i].Timestamp.Before(got[j].Timestamp) })
			bars[sym] = got
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	sort.Strings(skipped)
	if len(bars) == 0 {
		return nil, skipped, ErrNoData
	}
	return bars, skipped, nil
}

// sliceWindow returns, per symbol, the bars dated within
// [day - lookbackDays, day]. Symbols with no bar in range are left out.
func sliceWindow(all map[string][]domain.Bar, day time.Time, lookbackDays int) Window {
	from := day.AddDate(0, 0, -lookbackDays)
	through := day.AddDate(0, 0, 1)

	w := Window{Date: day, Bars: make(map[string][]domain.Bar, len(all))}
	for sym, bars := range all {
		lo := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(from) })
		hi := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(through) })
		if hi > lo {
			w.Bars[sym] = bars[lo:hi]
		}
	}
	return w
}

// ---------------------------------------------------------------------------
// Mark-to-market
// ---------------------------------------------------------------------------

// markBook tracks the closes used to execute and value positions.
type markBook struct {
	policy StalePricePolicy
	// windowPrices holds the latest close of every symbol in today's window.
	windowPrices map[string]float64
	last         map[string]float64
}

func newMarkBook(policy StalePricePolicy) *markBook {
	return &markBook{policy: policy, last: make(map[string]float64)}
}

func (m *markBook) observe(w Window) {
	m.windowPrices = make(map[string]float64, len(w.Bars))
	for sym := range w.Bars {
		if b, ok := w.Latest(sym); ok {
			m.windowPrices[sym] = b.Close
			m.last[sym] = b.Close
		}
	}
}

// price returns the valuation price of symbol for the current day.
func (m *markBook) price(symbol string) optional.Option[float64] {
	if p, ok := m.windowPrices[symbol]; ok {
		return optional.Some(p)
	}
	if m.policy == StaleCarryForward {
		if p, ok := m.last[symbol]; ok {
			return optional.Some(p)
		}
	}
	return optional.None[float64]()
}

func (bt *Backtester) markToMarket(ctx context.Context, day time.Time, sim *broker.Simulator, marks *markBook) (domain.DailyValue, error) {
	positions, err := sim.Positions(ctx)
	if err != nil {
		return domain.DailyValue{}, err
	}
	var posValue float64
	for _, p := range positions {
		price := marks.price(p.Symbol)
		if !price.IsSome() {
			bt.log.Debug("no price to mark position", "symbol", p.Symbol, "date", day.Format("2006-01-02"))
			continue
		}
		posValue += float64(p.Qty) * price.Unwrap()
	}
	cash := sim.Cash()
	return domain.DailyValue{
		Date:           day,
		Cash:           cash,
		PositionsValue: posValue,
		TotalValue:     cash + posValue,
		PositionCount:  len(positions),
	}, nil
}

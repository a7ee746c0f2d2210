package builtins

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"quantdesk/internal/config"
	"quantdesk/internal/domain"
	"quantdesk/internal/provider"
	"quantdesk/internal/strategy"
	"quantdesk/internal/util"
)

// Compile-time interface checks.
var (
	_ strategy.Strategy      = (*Fundamental)(nil)
	_ strategy.Parameterized = (*Fundamental)(nil)
)

// Indicator names used by the fundamental score.
const (
	IndPE                  = "pe_ratio"
	IndPB                  = "pb_ratio"
	IndROE                 = "roe"
	IndRetainedEarnings    = "retained_earnings"
	IndDebtRatio           = "debt_ratio"
	IndGrossMargin         = "gross_margin"
	IndNetProfitGrowth     = "net_profit_growth"
	IndOperatingCashFlow   = "operating_cash_flow"
	IndInventoryTurnover   = "inventory_turnover"
	IndReceivablesTurnover = "receivables_turnover"
	IndCurrentRatio        = "current_ratio"
	IndQuickRatio          = "quick_ratio"
)

// ---------------------------------------------------------------------------
// Weights
// ---------------------------------------------------------------------------

var (
	simpleWeights = map[string]float64{
		IndPE:               -0.3,
		IndPB:               -0.2,
		IndROE:              0.3,
		IndRetainedEarnings: 0.2,
	}
	mediumWeights = map[string]float64{
		IndDebtRatio:         -0.1,
		IndGrossMargin:       0.1,
		IndNetProfitGrowth:   0.1,
		IndOperatingCashFlow: 0.1,
	}
	complexWeights = map[string]float64{
		IndInventoryTurnover:   0.05,
		IndReceivablesTurnover: 0.05,
		IndCurrentRatio:        0.05,
		IndQuickRatio:          0.05,
	}
)

// Weights returns the indicator weights for a complexity level. Each level
// includes the indicators of the levels below it. Negative weights mark
// indicators where lower is better.
func Weights(complexity string) (map[string]float64, error) {
	var tiers []map[string]float64
	switch complexity {
	case "simple":
		tiers = []map[string]float64{simpleWeights}
	case "medium":
		tiers = []map[string]float64{simpleWeights, mediumWeights}
	case "complex":
		tiers = []map[string]float64{simpleWeights, mediumWeights, complexWeights}
	default:
		return nil, fmt.Errorf("unknown complexity %q", complexity)
	}
	out := make(map[string]float64)
	for _, tier := range tiers {
		for k, v := range tier {
			out[k] = v
		}
	}
	return out, nil
}

// indicatorFields maps indicators read directly from a provider field.
var indicatorFields = map[string]string{
	IndPE:                provider.FieldPE,
	IndPB:                provider.FieldPB,
	IndROE:               provider.FieldROE,
	IndRetainedEarnings:  provider.FieldRetainedEarnings,
	IndDebtRatio:         provider.FieldDebtRatio,
	IndGrossMargin:       provider.FieldGrossMargin,
	IndNetProfitGrowth:   provider.FieldNetProfitGrowth,
	IndOperatingCashFlow: provider.FieldOperatingCashFlow,
	IndInventoryTurnover: provider.FieldInventoryTurnover,
	IndCurrentRatio:      provider.FieldCurrentRatio,
	IndQuickRatio:        provider.FieldQuickRatio,
}

// ExtractIndicators converts raw provider fields into indicator values.
// Absent fields are missing; present but unparsable values count as 0.
// Receivables turnover is derived as 365 / receivable days and is missing
// when the day count is 0.
func ExtractIndicators(raw map[string]any) map[string]float64 {
	out := make(map[string]float64, len(indicatorFields)+1)
	for ind, field := range indicatorFields {
		v, ok := raw[field]
		if !ok || v == nil {
			continue
		}
		out[ind] = util.ParseNumeric(v)
	}
	if v, ok := raw[provider.FieldReceivableDays]; ok && v != nil {
		if days := util.ParseNumeric(v); days != 0 {
			out[IndReceivablesTurnover] = 365 / days
		}
	}
	return out
}

// Score min-max normalizes every weighted indicator across symbols and
// returns the weighted mean per symbol. A column with no spread normalizes
// to 0.5; negative weights invert the normalized value. Each symbol is
// averaged over the indicators it actually has, and scores 0 when it has
// none.
func Score(rows map[string]map[string]float64, weights map[string]float64) map[string]float64 {
	type acc struct{ sum, weight float64 }
	totals := make(map[string]*acc, len(rows))
	for sym := range rows {
		totals[sym] = &acc{}
	}

	for ind, w := range weights {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, r := range rows {
			v, ok := r[ind]
			if !ok || math.IsNaN(v) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if math.IsInf(lo, 1) {
			continue
		}

		for sym, r := range rows {
			v, ok := r[ind]
			if !ok || math.IsNaN(v) {
				continue
			}
			norm := 0.5
			if hi > lo {
				norm = (v - lo) / (hi - lo)
			}
			if w < 0 {
				norm = 1 - norm
			}
			totals[sym].sum += norm * math.Abs(w)
			totals[sym].weight += math.Abs(w)
		}
	}

	scores := make(map[string]float64, len(rows))
	for sym, a := range totals {
		if a.weight > 0 {
			scores[sym] = a.sum / a.weight
		} else {
			scores[sym] = 0
		}
	}
	return scores
}

// ---------------------------------------------------------------------------
// Strategy
// ---------------------------------------------------------------------------

// Fundamental buys stocks whose weighted fundamental score clears a
// threshold and sells them after a fixed number of calendar days.
type Fundamental struct {
	cfg           config.FundamentalConfig
	weights       map[string]float64
	provider      provider.Provider
	maxConcurrent int
	log           *slog.Logger

	mu       sync.Mutex
	holdings map[string]time.Time // symbol -> entry date
}

// NewFundamental creates a Fundamental strategy reading fields from p.
func NewFundamental(cfg config.FundamentalConfig, p provider.Provider, maxConcurrent int, log *slog.Logger) (*Fundamental, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, err
	}
	weights, err := Weights(cfg.Complexity)
	if err != nil {
		return nil, err
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fundamental{
		cfg:           cfg,
		weights:       weights,
		provider:      p,
		maxConcurrent: maxConcurrent,
		log:           log.With("strategy", NameFundamental),
		holdings:      make(map[string]time.Time),
	}, nil
}

// Name returns "fundamental".
func (f *Fundamental) Name() string { return NameFundamental }

// Params returns the effective parameters.
func (f *Fundamental) Params() map[string]any {
	return map[string]any{
		"complexity":     f.cfg.Complexity,
		"buy_threshold":  f.cfg.BuyThreshold,
		"sell_threshold": f.cfg.SellThreshold,
		"holding_period": f.cfg.HoldingPeriod,
		"top_n":          f.cfg.TopN,
	}
}

// SelectUniverse returns the TopN symbols by circulating market value.
func (f *Fundamental) SelectUniverse(_ context.Context, _ time.Time, universe []domain.StockInfo) []string {
	return topByCirculatingValue(universe, f.cfg.TopN)
}

// GenerateSignals scores every symbol in the window and applies the holding
// rules. Held symbols are closed after HoldingPeriod days whether or not their
// fields could be fetched; other symbols without a score get hold.
func (f *Fundamental) GenerateSignals(ctx context.Context, w strategy.Window) (map[string]domain.SignalType, error) {
	symbols := w.Symbols()
	rows, err := f.fetch(ctx, symbols)
	if err != nil {
		return nil, err
	}
	scores := Score(rows, f.weights)

	f.mu.Lock()
	defer f.mu.Unlock()

	signals := make(map[string]domain.SignalType, len(symbols))
	for _, sym := range symbols {
		if entry, held := f.holdings[sym]; held {
			days := int(w.Date.Sub(entry).Hours() / 24)
			if days >= f.cfg.HoldingPeriod {
				signals[sym] = domain.SignalSell
				delete(f.holdings, sym)
			} else {
				signals[sym] = domain.SignalHold
			}
			continue
		}
		if score, ok := scores[sym]; ok && score >= f.cfg.BuyThreshold {
			signals[sym] = domain.SignalBuy
			f.holdings[sym] = w.Date
		} else {
			signals[sym] = domain.SignalHold
		}
	}
	return signals, nil
}

// Holdings returns a copy of the symbols the strategy considers held.
func (f *Fundamental) Holdings() map[string]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]time.Time, len(f.holdings))
	for k, v := range f.holdings {
		out[k] = v
	}
	return out
}

// fetch loads indicators for symbols concurrently. Per-symbol failures are
// logged and skipped; only cancellation is returned.
func (f *Fundamental) fetch(ctx context.Context, symbols []string) (map[string]map[string]float64, error) {
	var (
		mu   sync.Mutex
		rows = make(map[string]map[string]float64, len(symbols))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.maxConcurrent)
	for _, sym := range symbols {
		g.Go(func() error {
			raw, err := f.provider.FundamentalFields(gctx, sym)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				f.log.Warn("fundamental fields unavailable", "symbol", sym, "error", err)
				return nil
			}
			ind := ExtractIndicators(raw)
			mu.Lock()
			rows[sym] = ind
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

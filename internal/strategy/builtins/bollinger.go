package builtins

import (
	"context"
	"sort"
	"time"

	"github.com/thrasher-corp/gct-ta/indicators"

	"quantdesk/internal/config"
	"quantdesk/internal/domain"
	"quantdesk/internal/strategy"
)

// Compile-time interface checks.
var (
	_ strategy.Strategy      = (*Bollinger)(nil)
	_ strategy.Parameterized = (*Bollinger)(nil)
)

// Bollinger trades rebounds off the lower Bollinger band. It buys when the
// close crosses down onto the lower band on a volume surge, and sells when
// the close reaches the upper band or falls below the middle band.
type Bollinger struct {
	window       int
	bandWidth    float64
	volumeFactor float64
	topN         int
}

// NewBollinger creates a Bollinger strategy from validated parameters.
func NewBollinger(cfg config.BollingerConfig) (*Bollinger, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, err
	}
	return &Bollinger{
		window:       cfg.Window,
		bandWidth:    cfg.BandWidth,
		volumeFactor: cfg.VolumeFactor,
		topN:         cfg.TopN,
	}, nil
}

// Name returns "bollinger".
func (b *Bollinger) Name() string { return NameBollinger }

// Params returns the effective parameters.
func (b *Bollinger) Params() map[string]any {
	return map[string]any{
		"window":        b.window,
		"band_width":    b.bandWidth,
		"volume_factor": b.volumeFactor,
		"top_n":         b.topN,
	}
}

// SelectUniverse returns the topN symbols by circulating market value.
func (b *Bollinger) SelectUniverse(_ context.Context, _ time.Time, universe []domain.StockInfo) []string {
	return topByCirculatingValue(universe, b.topN)
}

// GenerateSignals evaluates the latest two bars of each symbol against its
// bands. Symbols with fewer than window bars are omitted.
func (b *Bollinger) GenerateSignals(ctx context.Context, w strategy.Window) (map[string]domain.SignalType, error) {
	signals := make(map[string]domain.SignalType, len(w.Bars))
	for _, sym := range w.Symbols() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bars := w.Bars[sym]
		if len(bars) < b.window {
			continue
		}
		signals[sym] = b.signal(bars)
	}
	return signals, nil
}

// signal applies the band rules to bars, which hold at least window entries.
// Buy takes precedence over sell.
func (b *Bollinger) signal(bars []domain.Bar) domain.SignalType {
	// One extra bar gives the previous day a full window as well.
	from := len(bars) - b.window - 1
	if from < 0 {
		from = 0
	}
	tail := bars[from:]

	closes := make([]float64, len(tail))
	volumes := make([]float64, len(tail))
	for i, bar := range tail {
		closes[i] = bar.Close
		volumes[i] = float64(bar.Volume)
	}

	upper, middle, lower := indicators.BBANDS(closes, b.window, b.bandWidth, b.bandWidth, indicators.Sma)
	volMA := indicators.SMA(volumes, b.window)

	i := len(tail) - 1
	hasPrev := len(tail) > b.window

	if hasPrev &&
		closes[i] <= lower[i] &&
		closes[i-1] > lower[i-1] &&
		volumes[i] > b.volumeFactor*volMA[i] {
		return domain.SignalBuy
	}
	if closes[i] >= upper[i] || closes[i] < middle[i] {
		return domain.SignalSell
	}
	return domain.SignalHold
}

// topByCirculatingValue sorts universe by circulating value, largest first,
// and returns up to n symbols.
func topByCirculatingValue(universe []domain.StockInfo, n int) []string {
	sorted := make([]domain.StockInfo, len(universe))
	copy(sorted, universe)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CirculatingValue > sorted[j].CirculatingValue
	})
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	out := make([]string, len(sorted))
	for i, s := range sorted {
		out[i] = s.Symbol
	}
	return out
}

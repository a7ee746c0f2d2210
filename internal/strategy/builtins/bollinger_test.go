package builtins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/config"
	"quantdesk/internal/domain"
	"quantdesk/internal/strategy"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// series builds daily bars for symbol from closes and volumes.
func series(symbol string, closes []float64, volumes []int64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: day0.AddDate(0, 0, i),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    volumes[i],
		}
	}
	return bars
}

// zigzag returns n closes alternating 100, 101 followed by tail.
func zigzag(n int, tail ...float64) []float64 {
	out := make([]float64, 0, n+len(tail))
	for i := 0; i < n; i++ {
		out = append(out, 100+float64(i%2))
	}
	return append(out, tail...)
}

func flatVolume(n int, v int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func newTestBollinger(t *testing.T) *Bollinger {
	t.Helper()
	b, err := NewBollinger(config.BollingerConfig{Window: 10, BandWidth: 2, VolumeFactor: 2, TopN: 3})
	require.NoError(t, err)
	return b
}

func signalFor(t *testing.T, b *Bollinger, bars []domain.Bar) (domain.SignalType, bool) {
	t.Helper()
	sym := bars[0].Symbol
	w := strategy.Window{Date: bars[len(bars)-1].Timestamp, Bars: map[string][]domain.Bar{sym: bars}}
	signals, err := b.GenerateSignals(context.Background(), w)
	require.NoError(t, err)
	s, ok := signals[sym]
	return s, ok
}

func TestNewBollingerValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.BollingerConfig
	}{
		{"window too small", config.BollingerConfig{Window: 1, BandWidth: 2, VolumeFactor: 2, TopN: 1}},
		{"zero band", config.BollingerConfig{Window: 20, BandWidth: 0, VolumeFactor: 2, TopN: 1}},
		{"negative volume factor", config.BollingerConfig{Window: 20, BandWidth: 2, VolumeFactor: -1, TopN: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBollinger(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestBollingerBuyOnLowerBandWithVolumeSurge(t *testing.T) {
	b := newTestBollinger(t)
	closes := zigzag(20, 90)
	volumes := flatVolume(len(closes), 1000)
	volumes[len(volumes)-1] = 5000

	sig, ok := signalFor(t, b, series("600000", closes, volumes))
	require.True(t, ok)
	assert.Equal(t, domain.SignalBuy, sig, "buy wins over the below-middle sell rule")
}

func TestBollingerDropWithoutVolumeIsSell(t *testing.T) {
	b := newTestBollinger(t)
	closes := zigzag(20, 90)

	sig, ok := signalFor(t, b, series("600000", closes, flatVolume(len(closes), 1000)))
	require.True(t, ok)
	assert.Equal(t, domain.SignalSell, sig)
}

func TestBollingerSellOnUpperBand(t *testing.T) {
	b := newTestBollinger(t)
	closes := zigzag(20, 110)

	sig, _ := signalFor(t, b, series("600000", closes, flatVolume(len(closes), 1000)))
	assert.Equal(t, domain.SignalSell, sig)
}

func TestBollingerHoldInsideBands(t *testing.T) {
	b := newTestBollinger(t)
	// Ends on 101: above the 100.5 middle, below the upper band.
	closes := zigzag(12)

	sig, _ := signalFor(t, b, series("600000", closes, flatVolume(len(closes), 1000)))
	assert.Equal(t, domain.SignalHold, sig)
}

func TestBollingerShortHistoryOmitted(t *testing.T) {
	b := newTestBollinger(t)
	closes := zigzag(9)

	_, ok := signalFor(t, b, series("600000", closes, flatVolume(len(closes), 1000)))
	assert.False(t, ok)
}

func TestBollingerExactWindowNeverBuys(t *testing.T) {
	b := newTestBollinger(t)
	// Only window bars: the previous day has no complete band.
	closes := zigzag(9, 90)
	volumes := flatVolume(len(closes), 1000)
	volumes[len(volumes)-1] = 50000

	sig, ok := signalFor(t, b, series("600000", closes, volumes))
	require.True(t, ok)
	assert.NotEqual(t, domain.SignalBuy, sig)
}

func TestBollingerFlatThenShockSequence(t *testing.T) {
	b, err := NewBollinger(config.BollingerConfig{Window: 5, BandWidth: 2, VolumeFactor: 2, TopN: 1})
	require.NoError(t, err)

	closes := []float64{100, 100, 100, 100, 100, 100, 100, 80, 120, 100}
	bars := series("600000", closes, flatVolume(len(closes), 1000))

	// Flat bars have zero width, so close == upper sells. The drop to 80
	// lands on the lower band but the previous close sat on a zero-width
	// lower band too, so it is not a crossing and the below-middle rule
	// sells instead.
	want := []domain.SignalType{
		domain.SignalSell, // 100, std 0
		domain.SignalSell, // 100, std 0
		domain.SignalSell, // 80, middle 96
		domain.SignalHold, // 120, upper ~125.3
		domain.SignalHold, // 100, on the middle band
	}
	for i, w := range want {
		end := 5 + i
		sig, ok := signalFor(t, b, bars[:end+1])
		require.True(t, ok, "bar %d", end)
		assert.Equal(t, w, sig, "bar %d close %.0f", end, closes[end])
	}

	_, ok := signalFor(t, b, bars[:4])
	assert.False(t, ok, "fewer than window bars")
}

func TestBollingerSignalsPerSymbol(t *testing.T) {
	b := newTestBollinger(t)
	long := zigzag(12)
	w := strategy.Window{
		Date: day0.AddDate(0, 0, 11),
		Bars: map[string][]domain.Bar{
			"600000": series("600000", long, flatVolume(len(long), 1000)),
			"000001": series("000001", long[:3], flatVolume(3, 1000)),
		},
	}
	signals, err := b.GenerateSignals(context.Background(), w)
	require.NoError(t, err)
	assert.Len(t, signals, 1)
	assert.Contains(t, signals, "600000")
}

func TestBollingerSelectUniverse(t *testing.T) {
	b := newTestBollinger(t)
	universe := []domain.StockInfo{
		{Symbol: "A", CirculatingValue: 10},
		{Symbol: "B", CirculatingValue: 40},
		{Symbol: "C", CirculatingValue: 30},
		{Symbol: "D", CirculatingValue: 20},
	}
	got := b.SelectUniverse(context.Background(), day0, universe)
	assert.Equal(t, []string{"B", "C", "D"}, got)
	assert.Equal(t, "A", universe[0].Symbol, "input order untouched")
}

func TestBollingerCancelled(t *testing.T) {
	b := newTestBollinger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	closes := zigzag(12)
	w := strategy.Window{Bars: map[string][]domain.Bar{"600000": series("600000", closes, flatVolume(len(closes), 1))}}
	_, err := b.GenerateSignals(ctx, w)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegisterOverrides(t *testing.T) {
	reg := strategy.NewRegistry()
	Register(reg, config.Default().Strategies, nil, 1, nil)

	assert.Equal(t, []string{NameBollinger, NameFundamental}, reg.List())

	s, err := reg.New(NameBollinger, map[string]any{"window": 5, "top_n": 7})
	require.NoError(t, err)
	params := s.(strategy.Parameterized).Params()
	assert.Equal(t, 5, params["window"])
	assert.Equal(t, 7, params["top_n"])
	assert.Equal(t, 2.0, params["band_width"])

	_, err = reg.New(NameBollinger, map[string]any{"window": 1})
	assert.Error(t, err)

	_, err = reg.New(NameFundamental, map[string]any{"complexity": "extreme"})
	assert.Error(t, err)
}

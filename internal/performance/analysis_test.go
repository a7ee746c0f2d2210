package performance

import (
	"math"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/domain"
)

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func valueSeries(values ...float64) []domain.DailyValue {
	out := make([]domain.DailyValue, len(values))
	for i, v := range values {
		out[i] = domain.DailyValue{Date: day(i), Cash: v, TotalValue: v}
	}
	return out
}

func TestReturns(t *testing.T) {
	got := Returns([]float64{100, 110, 99, 0, 50})
	want := []float64{0, 0.1, -0.1, -1, 0}
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12, "returns[%d]", i)
	}
}

func TestDrawdowns(t *testing.T) {
	got := Drawdowns([]float64{100, 120, 90, 130, 117})
	want := []float64{0, 0, -0.25, 0, -0.1}
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12, "drawdown[%d]", i)
	}
}

func TestCalculateMetricsEmptySeries(t *testing.T) {
	_, err := CalculateMetrics(nil, nil, Options{})
	assert.ErrorIs(t, err, ErrEmptySeries)
}

func TestCalculateMetricsFlatSeries(t *testing.T) {
	report, err := CalculateMetrics(valueSeries(1e6, 1e6, 1e6, 1e6), nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, 0.0, report.TotalReturn)
	assert.Equal(t, 0.0, report.AnnualReturn)
	assert.Equal(t, 0.0, report.MaxDrawdown)
	assert.Equal(t, 0.0, report.SharpeRatio, "zero variance yields the 0 sentinel")
	assert.Equal(t, 0, report.TotalTrades)
	assert.Equal(t, 0.0, report.WinRate)
	assert.Equal(t, 0.0, report.AvgProfit)
}

func TestCalculateMetricsSingleSample(t *testing.T) {
	report, err := CalculateMetrics(valueSeries(500), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.SharpeRatio)
	assert.False(t, math.IsNaN(report.AnnualReturn))
}

func TestCalculateMetricsReturnsAndDrawdown(t *testing.T) {
	report, err := CalculateMetrics(valueSeries(100, 120, 90, 110), nil, Options{})
	require.NoError(t, err)

	assert.InDelta(t, 0.1, report.TotalReturn, 1e-12)
	assert.InDelta(t, math.Pow(1.1, 252.0/4)-1, report.AnnualReturn, 1e-6)
	assert.InDelta(t, -0.25, report.MaxDrawdown, 1e-12)
}

func TestSharpeRatio(t *testing.T) {
	returns := []float64{0, 0.01, -0.005, 0.02}

	mean := (0 + 0.01 - 0.005 + 0.02) / 4
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / 3)
	want := math.Sqrt(252) * (mean - 0.03/252) / std

	assert.InDelta(t, want, SharpeRatio(returns, 0.03), 1e-9)
}

func TestCalculateMetricsRiskFreeOverride(t *testing.T) {
	values := valueSeries(100, 101, 100.5, 102)

	withDefault, err := CalculateMetrics(values, nil, Options{})
	require.NoError(t, err)
	withZero, err := CalculateMetrics(values, nil, Options{RiskFreeRate: optional.Some(0.0)})
	require.NoError(t, err)

	assert.Greater(t, withZero.SharpeRatio, withDefault.SharpeRatio)
}

func TestCalculateMetricsSingleRoundTrip(t *testing.T) {
	txs := []domain.Transaction{
		{Date: day(0), Symbol: "600000", Type: domain.TradeBuy, Price: 10, Shares: 100, Amount: 1000},
		{Date: day(1), Symbol: "600000", Type: domain.TradeSell, Price: 12, Shares: 100, Amount: 1200},
	}
	report, err := CalculateMetrics(valueSeries(1e6, 1000200), txs, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, report.TotalTrades)
	assert.Equal(t, 1.0, report.WinRate)
	assert.InDelta(t, 200.0, report.AvgProfit, 1e-9)
}

func TestPairingModes(t *testing.T) {
	// Two symbols interleaved: adjacent pairing matches across symbols.
	txs := []domain.Transaction{
		{Symbol: "A", Type: domain.TradeBuy, Price: 10, Shares: 100},
		{Symbol: "B", Type: domain.TradeBuy, Price: 20, Shares: 100},
		{Symbol: "A", Type: domain.TradeSell, Price: 11, Shares: 100},
		{Symbol: "B", Type: domain.TradeSell, Price: 19, Shares: 100},
		{Symbol: "C", Type: domain.TradeBuy, Price: 5, Shares: 100},
	}

	tests := []struct {
		mode        PairingMode
		wantWinRate float64
		wantAvg     float64
	}{
		// Pairs (buy A, buy B) and (sell A, sell B) are not buy-then-sell,
		// so nothing counts; the trailing C is ignored.
		{PairAdjacent, 0, 0},
		// A: +100, B: -100.
		{PairFIFO, 0.5, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			report, err := CalculateMetrics(valueSeries(1, 1), txs, Options{Pairing: tt.mode})
			require.NoError(t, err)
			assert.Equal(t, 5, report.TotalTrades)
			assert.InDelta(t, tt.wantWinRate, report.WinRate, 1e-12)
			assert.InDelta(t, tt.wantAvg, report.AvgProfit, 1e-9)
		})
	}
}

func TestAdjacentPairingAcrossSymbols(t *testing.T) {
	// Buy A then sell B is still a pair under adjacent matching.
	txs := []domain.Transaction{
		{Symbol: "A", Type: domain.TradeBuy, Price: 10, Shares: 200},
		{Symbol: "B", Type: domain.TradeSell, Price: 9, Shares: 100},
	}
	report, err := CalculateMetrics(valueSeries(1, 1), txs, Options{Pairing: PairAdjacent})
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.WinRate)
	assert.InDelta(t, -200.0, report.AvgProfit, 1e-9)
}

func TestUnknownPairingMode(t *testing.T) {
	_, err := CalculateMetrics(valueSeries(1), nil, Options{Pairing: "random"})
	assert.Error(t, err)
}

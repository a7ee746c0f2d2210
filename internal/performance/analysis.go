// Package performance turns a daily portfolio value series and a transaction
// log into return, risk and trade statistics.
package performance

import (
	"errors"
	"fmt"
	"math"

	"github.com/moznion/go-optional"

	"quantdesk/internal/domain"
)

// TradingDaysPerYear annualises daily figures.
const TradingDaysPerYear = 252

// DefaultRiskFreeRate is the annual risk-free rate used for the Sharpe ratio.
const DefaultRiskFreeRate = 0.03

// ErrEmptySeries is returned when metrics are requested for an empty value
// series.
var ErrEmptySeries = errors.New("performance: empty value series")

// PairingMode selects how buys are matched with sells for trade statistics.
type PairingMode string

const (
	// PairAdjacent pairs transaction 2k with 2k+1 regardless of symbol. A
	// pair only counts when it is a buy followed by a sell.
	PairAdjacent PairingMode = "adjacent"
	// PairFIFO matches each sell with the oldest open buy of the same symbol.
	PairFIFO PairingMode = "fifo"
)

// Report is the summary of one backtest run.
type Report struct {
	TotalReturn  float64 `json:"total_return" yaml:"total_return"`
	AnnualReturn float64 `json:"annual_return" yaml:"annual_return"`
	MaxDrawdown  float64 `json:"max_drawdown" yaml:"max_drawdown"`
	SharpeRatio  float64 `json:"sharpe_ratio" yaml:"sharpe_ratio"`
	TotalTrades  int     `json:"total_trades" yaml:"total_trades"`
	WinRate      float64 `json:"win_rate" yaml:"win_rate"`
	AvgProfit    float64 `json:"avg_profit" yaml:"avg_profit"`
}

// Options tunes CalculateMetrics. The zero value uses the defaults.
type Options struct {
	RiskFreeRate optional.Option[float64]
	Pairing      PairingMode
}

func (o Options) riskFree() float64 {
	if o.RiskFreeRate.IsSome() {
		return o.RiskFreeRate.Unwrap()
	}
	return DefaultRiskFreeRate
}

// CalculateMetrics computes the report for a run. TotalTrades is the number of
// transactions in the log; WinRate and AvgProfit come from the paired trades.
//
// The Sharpe ratio is 0 when the return series has fewer than two samples or
// zero variance.
func CalculateMetrics(values []domain.DailyValue, txs []domain.Transaction, opts Options) (Report, error) {
	if len(values) == 0 {
		return Report{}, ErrEmptySeries
	}
	if opts.Pairing == "" {
		opts.Pairing = PairAdjacent
	}

	series := make([]float64, len(values))
	for i, v := range values {
		series[i] = v.TotalValue
	}

	first, last := series[0], series[len(series)-1]
	var total float64
	if first != 0 {
		total = (last - first) / first
	}
	annual := math.Pow(1+total, float64(TradingDaysPerYear)/float64(len(series))) - 1

	maxDD := 0.0
	for _, dd := range Drawdowns(series) {
		if dd < maxDD {
			maxDD = dd
		}
	}

	profits, err := pairProfits(txs, opts.Pairing)
	if err != nil {
		return Report{}, err
	}
	var winRate, avgProfit float64
	if len(profits) > 0 {
		wins, sum := 0, 0.0
		for _, p := range profits {
			if p > 0 {
				wins++
			}
			sum += p
		}
		winRate = float64(wins) / float64(len(profits))
		avgProfit = sum / float64(len(profits))
	}

	return Report{
		TotalReturn:  total,
		AnnualReturn: annual,
		MaxDrawdown:  maxDD,
		SharpeRatio:  SharpeRatio(Returns(series), opts.riskFree()),
		TotalTrades:  len(txs),
		WinRate:      winRate,
		AvgProfit:    avgProfit,
	}, nil
}

// Returns gives the simple daily returns of a value series. The first entry
// is 0, as is any entry following a zero value.
func Returns(values []float64) []float64 {
	out := make([]float64, len(values))
	for i := 1; i < len(values); i++ {
		if values[i-1] != 0 {
			out[i] = values[i]/values[i-1] - 1
		}
	}
	return out
}

// Drawdowns gives the decline of each value from the running peak, as a
// non-positive fraction.
func Drawdowns(values []float64) []float64 {
	out := make([]float64, len(values))
	peak := math.Inf(-1)
	for i, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			out[i] = v/peak - 1
		}
	}
	return out
}

// SharpeRatio annualises the mean daily excess return over the sample
// standard deviation of returns.
func SharpeRatio(returns []float64, annualRiskFree float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	dailyRF := annualRiskFree / TradingDaysPerYear

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(n)

	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(n-1))
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return math.Sqrt(TradingDaysPerYear) * (mean - dailyRF) / std
}

// ---------------------------------------------------------------------------
// Trade pairing
// ---------------------------------------------------------------------------

func pairProfits(txs []domain.Transaction, mode PairingMode) ([]float64, error) {
	switch mode {
	case PairAdjacent:
		return adjacentProfits(txs), nil
	case PairFIFO:
		return fifoProfits(txs), nil
	default:
		return nil, fmt.Errorf("performance: unknown pairing mode %q", mode)
	}
}

func adjacentProfits(txs []domain.Transaction) []float64 {
	var profits []float64
	for i := 0; i+1 < len(txs); i += 2 {
		buy, sell := txs[i], txs[i+1]
		if buy.Type != domain.TradeBuy || sell.Type != domain.TradeSell {
			continue
		}
		profits = append(profits, (sell.Price-buy.Price)*float64(buy.Shares))
	}
	return profits
}

func fifoProfits(txs []domain.Transaction) []float64 {
	var profits []float64
	open := make(map[string][]domain.Transaction)
	for _, tx := range txs {
		switch tx.Type {
		case domain.TradeBuy:
			open[tx.Symbol] = append(open[tx.Symbol], tx)
		case domain.TradeSell:
			queue := open[tx.Symbol]
			if len(queue) == 0 {
				continue
			}
			buy := queue[0]
			open[tx.Symbol] = queue[1:]
			profits = append(profits, (tx.Price-buy.Price)*float64(buy.Shares))
		}
	}
	return profits
}

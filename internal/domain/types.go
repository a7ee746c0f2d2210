// Package domain holds the core value types shared across quantdesk: bars,
// signals, positions, transactions and the daily portfolio valuation.
package domain

import "time"

// LotSize is the minimum tradeable share increment for China A-shares.
const LotSize = 100

// Market identifies the exchange group a symbol trades on.
type Market string

const (
	MarketCN Market = "cn"
)

// Board classifies A-share symbols by their listing board, derived from the
// code prefix.
type Board string

const (
	BoardMain    Board = "main"
	BoardGrowth  Board = "growth"   // ChiNext, 300xxx / 301xxx
	BoardSciTech Board = "sci-tech" // STAR, 688xxx / 689xxx
)

// BoardOf returns the listing board of a six-digit A-share code.
func BoardOf(symbol string) Board {
	switch {
	case len(symbol) >= 3 && (symbol[:3] == "688" || symbol[:3] == "689"):
		return BoardSciTech
	case len(symbol) >= 1 && symbol[0] == '3':
		return BoardGrowth
	default:
		return BoardMain
	}
}

// Bar is one daily OHLCV bar for a symbol.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	Amount    float64 // turnover in CNY
}

// StockInfo is one row of the tradeable universe snapshot.
type StockInfo struct {
	Symbol           string  `json:"symbol" yaml:"symbol"`
	Name             string  `json:"name" yaml:"name"`
	Price            float64 `json:"price" yaml:"price"`
	MarketValue      float64 `json:"market_value" yaml:"market_value"`
	CirculatingValue float64 `json:"circulating_value" yaml:"circulating_value"`
	PE               float64 `json:"pe" yaml:"pe"`
	PB               float64 `json:"pb" yaml:"pb"`
}

// SignalType is the per-symbol decision a strategy emits for one day.
type SignalType string

const (
	SignalBuy  SignalType = "buy"
	SignalSell SignalType = "sell"
	SignalHold SignalType = "hold"
)

// TradeType is the side of a filled transaction.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// Transaction is an immutable fill record. Amount is always Price * Shares.
type Transaction struct {
	Date   time.Time `json:"date" yaml:"date"`
	Symbol string    `json:"symbol" yaml:"symbol"`
	Type   TradeType `json:"type" yaml:"type"`
	Price  float64   `json:"price" yaml:"price"`
	Shares int64     `json:"shares" yaml:"shares"`
	Amount float64   `json:"amount" yaml:"amount"`
}

// Position is an open holding. Qty is always a positive multiple of LotSize.
type Position struct {
	Symbol   string    `json:"symbol" yaml:"symbol"`
	Qty      int64     `json:"qty" yaml:"qty"`
	AvgPrice float64   `json:"avg_price" yaml:"avg_price"`
	OpenedAt time.Time `json:"opened_at" yaml:"opened_at"`
}

// DailyValue is the end-of-day valuation of the portfolio.
type DailyValue struct {
	Date           time.Time `json:"date" yaml:"date"`
	Cash           float64   `json:"cash" yaml:"cash"`
	PositionsValue float64   `json:"positions_value" yaml:"positions_value"`
	TotalValue     float64   `json:"total_value" yaml:"total_value"`
	PositionCount  int       `json:"position_count" yaml:"position_count"`
}

// TradeStatus is the lifecycle state of one logical position.
type TradeStatus string

const (
	TradeStatusHolding TradeStatus = "持仓中"
	TradeStatusSold    TradeStatus = "已卖出"
)

// TradeRecord pairs an opening buy with its closing sell, if any.
type TradeRecord struct {
	Symbol      string      `json:"symbol" yaml:"symbol"`
	BuyDate     time.Time   `json:"buy_date" yaml:"buy_date"`
	BuyPrice    float64     `json:"buy_price" yaml:"buy_price"`
	Shares      int64       `json:"shares" yaml:"shares"`
	SellDate    *time.Time  `json:"sell_date,omitempty" yaml:"sell_date,omitempty"`
	SellPrice   float64     `json:"sell_price,omitempty" yaml:"sell_price,omitempty"`
	ProfitRate  float64     `json:"profit_rate" yaml:"profit_rate"`
	HoldingDays int         `json:"holding_days" yaml:"holding_days"`
	Status      TradeStatus `json:"status" yaml:"status"`
}

// SignalHit is a buy or sell emitted by a screener scan, priced at the
// scanned day's close.
type SignalHit struct {
	Symbol string     `json:"symbol" yaml:"symbol"`
	Name   string     `json:"name,omitempty" yaml:"name,omitempty"`
	Signal SignalType `json:"signal" yaml:"signal"`
	Close  float64    `json:"close" yaml:"close"`
}

// SignalRecord is a screener position: opened by a buy hit and closed by a
// later sell hit for the same strategy and symbol. HoldingDays and ProfitRate
// are set when the position is closed.
type SignalRecord struct {
	ID          int64       `json:"id" yaml:"id"`
	Strategy    string      `json:"strategy" yaml:"strategy"`
	Symbol      string      `json:"symbol" yaml:"symbol"`
	Name        string      `json:"name,omitempty" yaml:"name,omitempty"`
	BuyDate     time.Time   `json:"buy_date" yaml:"buy_date"`
	BuyPrice    float64     `json:"buy_price" yaml:"buy_price"`
	SellDate    *time.Time  `json:"sell_date,omitempty" yaml:"sell_date,omitempty"`
	SellPrice   float64     `json:"sell_price,omitempty" yaml:"sell_price,omitempty"`
	ProfitRate  float64     `json:"profit_rate" yaml:"profit_rate"`
	HoldingDays int         `json:"holding_days" yaml:"holding_days"`
	Status      TradeStatus `json:"status" yaml:"status"`
	CreatedAt   time.Time   `json:"created_at" yaml:"created_at"`
}

// SignalStats summarizes a strategy's screener history.
type SignalStats struct {
	Total     int     `json:"total" yaml:"total"`
	Holding   int     `json:"holding" yaml:"holding"`
	Sold      int     `json:"sold" yaml:"sold"`
	WinRate   float64 `json:"win_rate" yaml:"win_rate"`
	AvgProfit float64 `json:"avg_profit" yaml:"avg_profit"`
}

// SummarizeSignals counts records by status. WinRate and AvgProfit cover
// closed records only.
func SummarizeSignals(records []SignalRecord) SignalStats {
	var st SignalStats
	var wins int
	var profit float64
	for _, r := range records {
		st.Total++
		if r.Status != TradeStatusSold {
			st.Holding++
			continue
		}
		st.Sold++
		profit += r.ProfitRate
		if r.ProfitRate > 0 {
			wins++
		}
	}
	if st.Sold > 0 {
		st.WinRate = float64(wins) / float64(st.Sold)
		st.AvgProfit = profit / float64(st.Sold)
	}
	return st
}

// BuildTradeRecords walks a transaction log and produces one record per
// opened position, matching each sell to the oldest open buy of the same
// symbol. Positions still open at asOf are reported as holding.
func BuildTradeRecords(txs []Transaction, asOf time.Time) []TradeRecord {
	var records []TradeRecord
	open := make(map[string][]int)

	for _, tx := range txs {
		switch tx.Type {
		case TradeBuy:
			records = append(records, TradeRecord{
				Symbol:   tx.Symbol,
				BuyDate:  tx.Date,
				BuyPrice: tx.Price,
				Shares:   tx.Shares,
				Status:   TradeStatusHolding,
			})
			open[tx.Symbol] = append(open[tx.Symbol], len(records)-1)
		case TradeSell:
			queue := open[tx.Symbol]
			if len(queue) == 0 {
				continue
			}
			idx := queue[0]
			open[tx.Symbol] = queue[1:]

			sellDate := tx.Date
			r := &records[idx]
			r.SellDate = &sellDate
			r.SellPrice = tx.Price
			r.Status = TradeStatusSold
			r.HoldingDays = int(sellDate.Sub(r.BuyDate).Hours() / 24)
			if r.BuyPrice != 0 {
				r.ProfitRate = tx.Price/r.BuyPrice - 1
			}
		}
	}

	for i := range records {
		if records[i].Status == TradeStatusHolding {
			records[i].HoldingDays = int(asOf.Sub(records[i].BuyDate).Hours() / 24)
		}
	}
	return records
}

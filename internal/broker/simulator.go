package broker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*Simulator)(nil)

// Simulator is the portfolio ledger used by backtests. It holds cash,
// open positions and an append-only transaction log in memory. Cash is kept
// as a decimal so every buy debits, and every sell credits, exactly
// price * shares.
//
// A Simulator is not safe for concurrent use; a backtest mutates it from a
// single goroutine.
type Simulator struct {
	lotSize   int64
	cash      decimal.Decimal
	positions map[string]*domain.Position
	txs       []domain.Transaction
}

// NewSimulator creates a Simulator holding initialCapital in cash. A
// non-positive lotSize falls back to domain.LotSize.
func NewSimulator(initialCapital float64, lotSize int64) *Simulator {
	if lotSize <= 0 {
		lotSize = domain.LotSize
	}
	return &Simulator{
		lotSize:   lotSize,
		cash:      decimal.NewFromFloat(initialCapital),
		positions: make(map[string]*domain.Position),
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// Buy debits price*shares from cash and opens (or adds to) the position.
func (s *Simulator) Buy(_ context.Context, day time.Time, symbol string, price float64, shares int64) (domain.Transaction, error) {
	if price <= 0 || shares <= 0 || shares%s.lotSize != 0 {
		return domain.Transaction{}, fmt.Errorf("buy %d %s @ %v: %w", shares, symbol, price, ErrInvalidOrder)
	}

	cost := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(shares))
	if cost.GreaterThan(s.cash) {
		return domain.Transaction{}, fmt.Errorf("buy %d %s @ %v: %w", shares, symbol, price, ErrInsufficientCash)
	}
	s.cash = s.cash.Sub(cost)

	if pos, ok := s.positions[symbol]; ok {
		held := decimal.NewFromFloat(pos.AvgPrice).Mul(decimal.NewFromInt(pos.Qty))
		pos.Qty += shares
		pos.AvgPrice = held.Add(cost).Div(decimal.NewFromInt(pos.Qty)).InexactFloat64()
	} else {
		s.positions[symbol] = &domain.Position{
			Symbol:   symbol,
			Qty:      shares,
			AvgPrice: price,
			OpenedAt: day,
		}
	}

	tx := domain.Transaction{
		Date:   day,
		Symbol: symbol,
		Type:   domain.TradeBuy,
		Price:  price,
		Shares: shares,
		Amount: cost.InexactFloat64(),
	}
	s.txs = append(s.txs, tx)
	return tx, nil
}

// Sell closes the whole position in symbol and credits price*qty to cash.
func (s *Simulator) Sell(_ context.Context, day time.Time, symbol string, price float64) (domain.Transaction, error) {
	pos, ok := s.positions[symbol]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("sell %s: %w", symbol, ErrNotHeld)
	}
	if price <= 0 {
		return domain.Transaction{}, fmt.Errorf("sell %s @ %v: %w", symbol, price, ErrInvalidOrder)
	}

	proceeds := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(pos.Qty))
	s.cash = s.cash.Add(proceeds)
	delete(s.positions, symbol)

	tx := domain.Transaction{
		Date:   day,
		Symbol: symbol,
		Type:   domain.TradeSell,
		Price:  price,
		Shares: pos.Qty,
		Amount: proceeds.InexactFloat64(),
	}
	s.txs = append(s.txs, tx)
	return tx, nil
}

// Position returns a copy of the open position in symbol.
func (s *Simulator) Position(symbol string) (domain.Position, bool) {
	pos, ok := s.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions sorted by symbol.
func (s *Simulator) Positions(_ context.Context) ([]domain.Position, error) {
	positions := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Symbol < positions[j].Symbol
	})
	return positions, nil
}

// Cash returns the cash balance.
func (s *Simulator) Cash() float64 {
	return s.cash.InexactFloat64()
}

// LotSize returns the share increment orders must respect.
func (s *Simulator) LotSize() int64 {
	return s.lotSize
}

// Transactions returns a copy of the transaction log in fill order.
func (s *Simulator) Transactions() []domain.Transaction {
	out := make([]domain.Transaction, len(s.txs))
	copy(out, s.txs)
	return out
}

// Package engine turns one day's strategy signals into fills against the
// portfolio ledger.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"quantdesk/internal/broker"
	"quantdesk/internal/domain"
)

// Engine applies signals through a broker, sizing buys with a RiskManager.
type Engine struct {
	broker      broker.Broker
	riskChecker *RiskManager
	log         *slog.Logger
}

// NewEngine creates a new Engine wired with the given dependencies. A nil
// logger uses slog.Default().
func NewEngine(b broker.Broker, riskChecker *RiskManager, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		broker:      b,
		riskChecker: riskChecker,
		log:         log,
	}
}

// Apply executes one day's signals at the given closing prices and returns
// the resulting fills in processing order. Symbols are processed in sorted
// order so runs are reproducible.
//
// A buy opens a position only when the symbol is not held and the sized
// order is affordable; otherwise it is dropped. A sell closes the full
// position when held. Hold signals, buys of held symbols, sells of unheld
// symbols and symbols without a price are no-ops.
func (e *Engine) Apply(ctx context.Context, day time.Time, signals map[string]domain.SignalType, prices map[string]float64) ([]domain.Transaction, error) {
	symbols := make([]string, 0, len(signals))
	for sym := range signals {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var fills []domain.Transaction
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return fills, err
		}

		sig := signals[sym]
		if sig == domain.SignalHold {
			continue
		}
		price, ok := prices[sym]
		if !ok || price <= 0 {
			e.log.Debug("no price for signal", "symbol", sym, "signal", sig, "date", day.Format("2006-01-02"))
			continue
		}
		_, held := e.broker.Position(sym)

		switch {
		case sig == domain.SignalBuy && !held:
			tx, ok := e.buy(ctx, day, sym, price)
			if ok {
				fills = append(fills, tx)
			}
		case sig == domain.SignalSell && held:
			tx, err := e.broker.Sell(ctx, day, sym, price)
			if err != nil {
				e.log.Warn("sell failed", "symbol", sym, "date", day.Format("2006-01-02"), "error", err)
				continue
			}
			fills = append(fills, tx)
		}
	}
	return fills, nil
}

func (e *Engine) buy(ctx context.Context, day time.Time, sym string, price float64) (domain.Transaction, bool) {
	cash := e.broker.Cash()
	shares := e.riskChecker.SizeBuy(cash, price)
	if err := e.riskChecker.CheckBuy(cash, price, shares); err != nil {
		e.log.Debug("buy dropped", "symbol", sym, "price", price, "cash", cash, "reason", err)
		return domain.Transaction{}, false
	}

	tx, err := e.broker.Buy(ctx, day, sym, price, shares)
	if err != nil {
		if errors.Is(err, broker.ErrInsufficientCash) {
			e.log.Debug("buy dropped", "symbol", sym, "reason", err)
		} else {
			e.log.Warn("buy failed", "symbol", sym, "date", day.Format("2006-01-02"), "error", err)
		}
		return domain.Transaction{}, false
	}
	return tx, true
}

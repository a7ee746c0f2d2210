// Package broker defines the Broker interface and the in-memory ledger that
// backs simulated execution.
package broker

import (
	"context"
	"errors"
	"time"

	"quantdesk/internal/domain"
)

var (
	// ErrInsufficientCash is returned when a buy costs more than available cash.
	ErrInsufficientCash = errors.New("insufficient cash")
	// ErrNotHeld is returned when selling a symbol with no open position.
	ErrNotHeld = errors.New("position not held")
	// ErrInvalidOrder is returned for non-positive prices or share counts
	// that are not a positive multiple of the lot size.
	ErrInvalidOrder = errors.New("invalid order")
)

// Broker abstracts order execution and account state.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// Buy fills shares of symbol at price on day and returns the fill.
	Buy(ctx context.Context, day time.Time, symbol string, price float64, shares int64) (domain.Transaction, error)

	// Sell closes the entire position in symbol at price on day.
	Sell(ctx context.Context, day time.Time, symbol string, price float64) (domain.Transaction, error)

	// Position returns the open position in symbol, if any.
	Position(symbol string) (domain.Position, bool)

	// Positions returns all open positions sorted by symbol.
	Positions(ctx context.Context) ([]domain.Position, error)

	// Cash returns the available cash balance.
	Cash() float64
}

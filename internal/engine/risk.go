package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"quantdesk/internal/domain"
)

// RiskManager sizes new positions and checks that they are affordable.
type RiskManager struct {
	allocationFraction decimal.Decimal
	lotSize            int64
}

// NewRiskManager creates a RiskManager.
//
//   - allocationFraction: fraction of available cash committed to one new
//     position (e.g. 0.01 for 1%).
//   - lotSize: share increment every order is rounded down to; non-positive
//     values fall back to domain.LotSize.
func NewRiskManager(allocationFraction float64, lotSize int64) *RiskManager {
	if lotSize <= 0 {
		lotSize = domain.LotSize
	}
	return &RiskManager{
		allocationFraction: decimal.NewFromFloat(allocationFraction),
		lotSize:            lotSize,
	}
}

// SizeBuy returns floor(cash * allocation / price / lot) * lot. A
// non-positive price or cash yields 0.
func (rm *RiskManager) SizeBuy(cash, price float64) int64 {
	if cash <= 0 || price <= 0 {
		return 0
	}
	lot := decimal.NewFromInt(rm.lotSize)
	lots := decimal.NewFromFloat(cash).
		Mul(rm.allocationFraction).
		Div(decimal.NewFromFloat(price)).
		Div(lot).
		Floor()
	return lots.Mul(lot).IntPart()
}

// CheckBuy returns an error when shares is not a positive lot multiple or
// shares*price exceeds cash.
func (rm *RiskManager) CheckBuy(cash, price float64, shares int64) error {
	if shares <= 0 || shares%rm.lotSize != 0 {
		return fmt.Errorf("%d shares is not a positive multiple of %d", shares, rm.lotSize)
	}
	cost := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(shares))
	if cost.GreaterThan(decimal.NewFromFloat(cash)) {
		return fmt.Errorf("cost %s exceeds cash %v", cost.StringFixed(2), cash)
	}
	return nil
}

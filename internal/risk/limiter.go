// Package risk enforces stake limits on a user's open exposure.
//
// Exposure in a market is the user's net cash in: the sum of their signed
// bet amounts there. A buy raises it and a sell lowers it, so a user can
// always reduce a position no matter how the limits are set.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/oddsbook/market-engine/internal/apperr"
)

var (
	// ErrPerMarketLimitExceeded is returned when a trade would push a single
	// market's exposure beyond the per-market maximum.
	ErrPerMarketLimitExceeded = apperr.Validation(apperr.CodePositionLimit, "risk: per-market stake limit exceeded")

	// ErrTotalLimitExceeded is returned when a trade would push the sum of
	// exposure across all markets beyond the aggregate maximum.
	ErrTotalLimitExceeded = apperr.Validation(apperr.CodePositionLimit, "risk: total stake limit exceeded")
)

// PositionLimiter enforces stake limits. A zero limit is disabled.
type PositionLimiter struct {
	// MaxPerMarket is the maximum net stake in any single market.
	MaxPerMarket decimal.Decimal

	// MaxTotal is the maximum aggregate net stake across every market.
	MaxTotal decimal.Decimal
}

// NewPositionLimiter creates a limiter. Negative limits are treated as zero.
func NewPositionLimiter(maxPerMarket, maxTotal decimal.Decimal) *PositionLimiter {
	if maxPerMarket.IsNegative() {
		maxPerMarket = decimal.Zero
	}
	if maxTotal.IsNegative() {
		maxTotal = decimal.Zero
	}
	return &PositionLimiter{MaxPerMarket: maxPerMarket, MaxTotal: maxTotal}
}

// Enabled reports whether any limit is active.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxPerMarket.IsPositive() || l.MaxTotal.IsPositive())
}

// CheckLimit validates a trade of stakeDelta (signed amount) in marketID
// given the user's existing exposure per market. Trades that reduce
// exposure are always allowed.
func (l *PositionLimiter) CheckLimit(
	marketID string,
	stakeDelta decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	if !l.Enabled() || !stakeDelta.IsPositive() {
		return nil
	}

	// 1. Per-market limit.
	newStake := existing[marketID].Add(stakeDelta)
	if l.MaxPerMarket.IsPositive() && newStake.GreaterThan(l.MaxPerMarket) {
		return ErrPerMarketLimitExceeded
	}

	// 2. Aggregate limit over positive stakes.
	total := positive(newStake)
	for id, stake := range existing {
		if id == marketID {
			continue // already counted via newStake above
		}
		total = total.Add(positive(stake))
	}
	if l.MaxTotal.IsPositive() && total.GreaterThan(l.MaxTotal) {
		return ErrTotalLimitExceeded
	}

	return nil
}

func positive(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

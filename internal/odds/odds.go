// Package odds derives a market's implied YES probability from the volume
// bet on each side.
//
// Pricing is volume-weighted with additive smoothing:
//
//	p = (yes + k) / (yes + no + 2k),  k = 1
//
// clamped to [MinOdds, MaxOdds] and rounded to two decimal places, the
// precision odds are stored and displayed at. An empty market prices at
// exactly 0.50.
//
// Two modes are exposed. Display odds include every bet and are what market
// listings show. Execution odds exclude the acting user's own bets and are
// the price that user trades against, so volume a user placed earlier can
// never move the price of their own later trade.
package odds

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/oddsbook/market-engine/internal/apperr"
	"github.com/oddsbook/market-engine/internal/model"
)

var (
	// MinOdds is the lowest probability a market can show.
	MinOdds = decimal.NewFromFloat(0.01)

	// MaxOdds is the highest probability a market can show.
	MaxOdds = decimal.NewFromFloat(0.99)

	// Neutral is the price of a market with no relevant volume.
	Neutral = decimal.NewFromFloat(0.5)

	// Smoothing is the pseudo-volume added to each side. It bounds early
	// volatility on thin markets and keeps p away from 0 and 1.
	Smoothing = decimal.NewFromInt(1)

	// OddsScale is the number of decimal places odds are rounded to.
	OddsScale int32 = 2

	// UnitScale is the precision units and values are carried at.
	UnitScale int32 = 8
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// Compute returns P(YES) for the given per-side volume. Negative net volume
// on a side (more sold than bought) counts as zero.
func Compute(yes, no decimal.Decimal) decimal.Decimal {
	if yes.IsNegative() {
		yes = decimal.Zero
	}
	if no.IsNegative() {
		no = decimal.Zero
	}

	total := yes.Add(no)
	if total.IsZero() {
		return Neutral
	}

	p := yes.Add(Smoothing).Div(total.Add(Smoothing.Mul(two)))
	return Clamp(p.Round(OddsScale))
}

// FromVolume is Compute over a model.Volume.
func FromVolume(v model.Volume) decimal.Decimal {
	return Compute(v.Yes, v.No)
}

// Clamp bounds p to [MinOdds, MaxOdds].
func Clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinOdds) {
		return MinOdds
	}
	if p.GreaterThan(MaxOdds) {
		return MaxOdds
	}
	return p
}

// PriceFor returns the unit price of a side given P(YES): p for YES,
// 1 - p for NO.
func PriceFor(side model.Side, p decimal.Decimal) decimal.Decimal {
	if side == model.SideNo {
		return one.Sub(p)
	}
	return p
}

// Units converts a currency amount into position units at the price the
// bet executed at. A fixed amount buys fewer units the dearer the side.
// Sells (negative amounts) yield negative units.
func Units(side model.Side, amount, p decimal.Decimal) decimal.Decimal {
	price := PriceFor(side, p)
	if price.Sign() <= 0 {
		return decimal.Zero
	}
	return amount.DivRound(price, UnitScale)
}

// VolumeReader is the slice of the ledger the engine needs.
type VolumeReader interface {
	// GetMarketVolume sums net bet amounts per side for a market. A non-empty
	// excludeUserID leaves that user's bets out.
	GetMarketVolume(ctx context.Context, marketID, excludeUserID string) (model.Volume, error)
}

// Engine prices markets against a ledger.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates an odds engine. A nil logger uses slog.Default().
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// DisplayOdds prices a market over all volume.
func (e *Engine) DisplayOdds(ctx context.Context, r VolumeReader, marketID string) (decimal.Decimal, error) {
	return e.price(ctx, r, marketID, "")
}

// ExecutionOdds prices a market for userID, excluding that user's own bets.
func (e *Engine) ExecutionOdds(ctx context.Context, r VolumeReader, marketID, userID string) (decimal.Decimal, error) {
	return e.price(ctx, r, marketID, userID)
}

// price never substitutes Neutral on a read failure: a store error is
// logged and returned so the caller's transaction aborts.
func (e *Engine) price(ctx context.Context, r VolumeReader, marketID, excludeUserID string) (decimal.Decimal, error) {
	v, err := r.GetMarketVolume(ctx, marketID, excludeUserID)
	if err != nil {
		e.logger.ErrorContext(ctx, "odds: volume query failed",
			"market_id", marketID,
			"exclude_user", excludeUserID,
			"err", err,
		)
		return decimal.Zero, apperr.Internal("odds: volume query failed", err)
	}
	return FromVolume(v), nil
}

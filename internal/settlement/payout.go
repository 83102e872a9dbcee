package settlement

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/oddsbook/market-engine/internal/model"
	"github.com/oddsbook/market-engine/internal/odds"
)

const centScale int32 = 2

// ComputePayouts splits a market's pool pari-mutuel among holders of the
// winning side, in proportion to their net winning units. Shares are
// rounded down to cents and the remainder goes to the largest holder, so
// the whole pool is paid out.
//
// If nobody holds the winning side, every user's net cash in is refunded
// pro rata from the pool instead. Payouts are sorted by user ID.
func ComputePayouts(marketID string, bets []model.Bet, outcome model.Side, pool decimal.Decimal) []model.Payout {
	if !pool.IsPositive() {
		return nil
	}

	units := make(map[string]decimal.Decimal)
	cash := make(map[string]decimal.Decimal)
	for _, b := range bets {
		cash[b.UserID] = cash[b.UserID].Add(b.Amount)
		if b.Side == outcome {
			units[b.UserID] = units[b.UserID].Add(odds.Units(b.Side, b.Amount, b.Odds))
		}
	}

	weights := positive(units)
	if len(weights) == 0 {
		weights = positive(cash)
	}
	shares := split(pool, weights)

	payouts := make([]model.Payout, 0, len(shares))
	for userID, amount := range shares {
		u := units[userID]
		if u.IsNegative() {
			u = decimal.Zero
		}
		payouts = append(payouts, model.Payout{
			UserID:   userID,
			MarketID: marketID,
			Units:    u,
			Amount:   amount,
		})
	}
	sort.Slice(payouts, func(i, j int) bool { return payouts[i].UserID < payouts[j].UserID })
	return payouts
}

func positive(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		if v.IsPositive() {
			out[k] = v
		}
	}
	return out
}

// split divides pool over weights, floors each share to cents and hands
// the remainder to the heaviest weight (lowest user ID on ties).
func split(pool decimal.Decimal, weights map[string]decimal.Decimal) map[string]decimal.Decimal {
	if len(weights) == 0 {
		return nil
	}

	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}

	shares := make(map[string]decimal.Decimal, len(weights))
	paid := decimal.Zero
	largest := ""
	for id, w := range weights {
		s := pool.Mul(w).Div(total).RoundFloor(centScale)
		shares[id] = s
		paid = paid.Add(s)

		if largest == "" || w.GreaterThan(weights[largest]) || (w.Equal(weights[largest]) && id < largest) {
			largest = id
		}
	}
	shares[largest] = shares[largest].Add(pool.Sub(paid))
	return shares
}

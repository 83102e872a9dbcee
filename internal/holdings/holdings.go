// Package holdings derives users' positions, portfolio summaries and the
// profit leaderboard from the immutable bet ledger.
//
// Nothing here is persisted: every figure is recomputed from bets on read,
// priced at the odds the user would trade at right now (their own volume
// excluded).
package holdings

import (
	"context"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/oddsbook/market-engine/internal/model"
	"github.com/oddsbook/market-engine/internal/odds"
	"github.com/oddsbook/market-engine/internal/store"
)

const (
	moneyScale int32 = 2
	priceScale int32 = 4
)

var hundred = decimal.NewFromInt(100)

// Aggregator computes holdings over a ledger.
type Aggregator struct {
	ledger store.Ledger
	odds   *odds.Engine
	logger *slog.Logger
}

// NewAggregator creates an aggregator. engine may be nil.
func NewAggregator(ledger store.Ledger, engine *odds.Engine, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = odds.NewEngine(logger)
	}
	return &Aggregator{ledger: ledger, odds: engine, logger: logger}
}

type positionKey struct {
	marketID string
	side     model.Side
}

// GetHoldings returns the user's positions in unresolved markets, one per
// market and side, in the order the positions were opened.
func (a *Aggregator) GetHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	if _, err := a.ledger.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	bets, err := a.ledger.ListBetsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var order []positionKey
	groups := make(map[positionKey][]model.Bet)
	for _, b := range bets {
		k := positionKey{marketID: b.MarketID, side: b.Side}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], b)
	}

	markets := make(map[string]*model.Market)
	prices := make(map[string]decimal.Decimal)

	holdings := make([]model.Holding, 0, len(order))
	for _, k := range order {
		m, ok := markets[k.marketID]
		if !ok {
			if m, err = a.ledger.GetMarket(ctx, k.marketID); err != nil {
				return nil, err
			}
			markets[k.marketID] = m
		}
		if m.ResolvedAt != nil {
			continue
		}

		p, ok := prices[k.marketID]
		if !ok {
			if p, err = a.odds.ExecutionOdds(ctx, a.ledger, k.marketID, userID); err != nil {
				return nil, err
			}
			prices[k.marketID] = p
		}

		h := Compute(groups[k], p)
		h.MarketID = m.ID
		h.MarketName = m.Name
		h.Side = k.side
		holdings = append(holdings, h)
	}
	return holdings, nil
}

// Compute folds one market/side's bets into a holding at odds p (P(YES)).
// Units per bet are amount / unit price at the bet's execution odds.
//
// Cost basis is average cost: TotalInvested is the cost of the units still
// held, and sells book the difference between proceeds and the cost of the
// units sold into RealizedGain. A closed position is worth, costs and gains
// nothing.
func Compute(bets []model.Bet, p decimal.Decimal) model.Holding {
	var h model.Holding
	bought, sold := decimal.Zero, decimal.Zero
	cashIn, cashOut := decimal.Zero, decimal.Zero

	side := model.SideYes
	if len(bets) > 0 {
		side = bets[0].Side
	}

	for _, b := range bets {
		units := odds.Units(b.Side, b.Amount, b.Odds)
		if b.IsBuy() {
			bought = bought.Add(units)
			cashIn = cashIn.Add(b.Amount)
		} else {
			sold = sold.Add(units.Abs())
			cashOut = cashOut.Add(b.Amount.Abs())
		}
	}

	price := odds.PriceFor(side, p)
	net := bought.Sub(sold).Round(odds.UnitScale)
	held := decimal.Max(net, decimal.Zero)

	invested, realized := decimal.Zero, cashOut
	if bought.IsPositive() {
		h.AvgBuyPrice = cashIn.Div(bought).Round(priceScale)
		invested = held.Mul(cashIn).Div(bought)
		realized = cashOut.Sub(decimal.Min(sold, bought).Mul(cashIn).Div(bought))
	}
	value := held.Mul(price)
	gain := value.Sub(invested)

	h.Side = side
	h.BoughtUnits = bought.Round(odds.UnitScale)
	h.SoldUnits = sold.Round(odds.UnitScale)
	h.NetUnits = net
	h.TotalInvested = invested.Round(moneyScale)
	h.CurrentPrice = price
	h.CurrentValue = value.Round(moneyScale)
	h.UnrealizedGain = gain.Round(moneyScale)
	h.RealizedGain = realized.Round(moneyScale)
	h.PercentChange = percent(gain, invested)
	return h
}

// Summary totals a user's open holdings alongside their cash balance.
func (a *Aggregator) Summary(ctx context.Context, userID string) (*model.Summary, error) {
	user, err := a.ledger.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdings, err := a.GetHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}

	invested, value := decimal.Zero, decimal.Zero
	for _, h := range holdings {
		invested = invested.Add(h.TotalInvested)
		value = value.Add(h.CurrentValue)
	}
	gain := value.Sub(invested)

	return &model.Summary{
		UserID:        user.ID,
		Balance:       user.Balance,
		TotalInvested: invested,
		TotalValue:    value,
		TotalGain:     gain,
		PercentChange: percent(gain, invested),
		Holdings:      holdings,
	}, nil
}

// Leaderboard ranks users holding open positions by percent change, then by
// total profit. limit <= 0 returns everyone.
func (a *Aggregator) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	users, err := a.ledger.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	var entries []model.LeaderboardEntry
	for _, u := range users {
		holdings, err := a.GetHoldings(ctx, u.ID)
		if err != nil {
			a.logger.WarnContext(ctx, "leaderboard: skipping user", "user_id", u.ID, "err", err)
			continue
		}
		if len(holdings) == 0 {
			continue
		}

		invested, profit := decimal.Zero, decimal.Zero
		for _, h := range holdings {
			invested = invested.Add(h.TotalInvested)
			profit = profit.Add(h.UnrealizedGain)
		}
		entries = append(entries, model.LeaderboardEntry{
			UserID:        u.ID,
			Username:      u.Username,
			TotalInvested: invested,
			TotalProfits:  profit,
			PercentChange: percent(profit, invested),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].PercentChange.Equal(entries[j].PercentChange) {
			return entries[i].PercentChange.GreaterThan(entries[j].PercentChange)
		}
		if !entries[i].TotalProfits.Equal(entries[j].TotalProfits) {
			return entries[i].TotalProfits.GreaterThan(entries[j].TotalProfits)
		}
		return entries[i].Username < entries[j].Username
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// percent is gain / base × 100 at two places, 0 when base is 0.
func percent(gain, base decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return gain.Div(base).Mul(hundred).Round(moneyScale)
}

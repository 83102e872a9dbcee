// Package settlement resolves expired markets: once an admin has declared
// the outcome, the market's pool is paid out to holders of the winning
// side and the market is closed for good.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsbook/market-engine/internal/apperr"
	"github.com/oddsbook/market-engine/internal/metrics"
	"github.com/oddsbook/market-engine/internal/model"
	"github.com/oddsbook/market-engine/internal/store"
	"github.com/oddsbook/market-engine/internal/trade"
)

// Engine settles markets against a store.
type Engine struct {
	store  store.Store
	hub    *trade.WSHub // optional
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a settlement engine. hub may be nil.
func NewEngine(st store.Store, hub *trade.WSHub, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		hub:    hub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// result of settling one market.
type result struct {
	resolved bool
	outcome  model.Side
	paid     decimal.Decimal
	payouts  int
}

// ResolveExpiredMarkets settles every expired market that still holds
// volume or pool and has a declared outcome. Each market settles in its own
// transaction; a failure is logged and the pass moves on. It returns how
// many markets were resolved.
func (e *Engine) ResolveExpiredMarkets(ctx context.Context) (int, error) {
	now := e.now()
	candidates, err := e.store.ListExpiredMarkets(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired markets: %w", err)
	}

	resolved := 0
	for _, m := range candidates {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}

		res, err := e.resolve(ctx, m.ID, now)
		switch {
		case errors.Is(err, apperr.ErrOutcomeMissing):
			metrics.SettlementFailures.WithLabelValues("no_outcome").Inc()
			e.logger.WarnContext(ctx, "market expired without outcome, skipping",
				"market_id", m.ID,
				"name", m.Name,
			)
			continue
		case err != nil:
			metrics.SettlementFailures.WithLabelValues(apperr.KindOf(err).String()).Inc()
			e.logger.ErrorContext(ctx, "market settlement failed",
				"market_id", m.ID,
				"err", err,
			)
			continue
		case !res.resolved:
			continue
		}

		resolved++
		metrics.MarketsResolved.Inc()
		metrics.SettlementPaidOut.Add(res.paid.InexactFloat64())
		e.logger.InfoContext(ctx, "market resolved",
			"market_id", m.ID,
			"outcome", res.outcome,
			"paid_out", res.paid.String(),
			"payouts", res.payouts,
		)
		if e.hub != nil {
			e.hub.Broadcast(trade.WSMessage{
				Type:     "market_resolved",
				MarketID: m.ID,
				Outcome:  string(res.outcome),
			})
		}
	}
	return resolved, nil
}

// resolve pays out and closes one market under its row lock. Eligibility
// is re-checked inside the transaction, so a market settled concurrently
// is a no-op.
func (e *Engine) resolve(ctx context.Context, marketID string, now time.Time) (result, error) {
	var res result
	err := e.store.InTx(ctx, store.TxOptions{Isolation: store.Serializable}, func(tx store.Tx) error {
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.ResolvedAt != nil || m.EndDate.After(now) {
			return nil
		}
		if m.Volume.IsZero() && m.Pool.IsZero() {
			return nil
		}
		if m.Outcome == nil {
			return apperr.ErrOutcomeMissing
		}

		bets, err := tx.ListBetsByMarket(ctx, marketID)
		if err != nil {
			return err
		}

		// Payouts come sorted by user, which fixes the user lock order.
		paid := decimal.Zero
		payouts := ComputePayouts(marketID, bets, *m.Outcome, m.Pool)
		for _, p := range payouts {
			if !p.Amount.IsPositive() {
				continue
			}
			if _, err := tx.AdjustBalance(ctx, p.UserID, p.Amount); err != nil {
				return fmt.Errorf("credit %s: %w", p.UserID, err)
			}
			paid = paid.Add(p.Amount)
		}

		if err := tx.SettleMarket(ctx, marketID, now); err != nil {
			return err
		}
		res = result{resolved: true, outcome: *m.Outcome, paid: paid, payouts: len(payouts)}
		return nil
	})
	if err != nil {
		return result{}, err
	}
	return res, nil
}

// DeclareOutcome records the winning side of a market whose trading has
// ended. Resolved markets cannot change outcome.
func (e *Engine) DeclareOutcome(ctx context.Context, marketID string, side model.Side) (*model.Market, error) {
	if side != model.SideYes && side != model.SideNo {
		return nil, apperr.ErrInvalidSide
	}

	var out *model.Market
	err := e.store.InTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.ResolvedAt != nil {
			return apperr.ErrMarketClosed
		}
		if m.EndDate.After(e.now()) {
			return apperr.Validation(apperr.CodeInvalidRequest, "market is still open for trading")
		}
		if err := tx.SetMarketOutcome(ctx, marketID, side); err != nil {
			return err
		}
		o := side
		m.Outcome = &o
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "market outcome declared", "market_id", marketID, "outcome", side)
	if e.hub != nil {
		e.hub.Broadcast(trade.WSMessage{
			Type:     "outcome_declared",
			MarketID: marketID,
			Outcome:  string(side),
		})
	}
	return out, nil
}

package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddsbook/market-engine/internal/apperr"
	"github.com/oddsbook/market-engine/internal/metrics"
	"github.com/oddsbook/market-engine/internal/model"
	"github.com/oddsbook/market-engine/internal/odds"
	"github.com/oddsbook/market-engine/internal/risk"
	"github.com/oddsbook/market-engine/internal/store"
)

const (
	defaultMaxRetries = 3
	retryBackoff      = 10 * time.Millisecond
)

// TradeRequest is one bet: a positive Amount buys Side, a negative Amount
// sells it back.
type TradeRequest struct {
	UserID   string
	MarketID string
	Amount   decimal.Decimal
	Side     model.Side
}

// TradeResult is the committed outcome of a trade.
type TradeResult struct {
	BetID         string          `json:"bet_id"`
	MarketID      string          `json:"market_id"`
	UserID        string          `json:"user_id"`
	Side          model.Side      `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	Units         decimal.Decimal `json:"units"`
	ExecutionOdds decimal.Decimal `json:"execution_odds"`
	NewMarketOdds decimal.Decimal `json:"new_market_odds"`
	Balance       decimal.Decimal `json:"balance"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ExecutorConfig tunes transaction behaviour.
type ExecutorConfig struct {
	// MaxRetries is how many times a trade is re-run after a serialization
	// conflict before TradeConflict is returned.
	MaxRetries int

	// LockTimeout bounds each row-lock wait.
	LockTimeout time.Duration
}

// Executor places trades atomically. Each trade runs in one serializable
// transaction holding the market row lock, then the user row lock, so
// trades on one market serialize while different markets proceed in
// parallel.
type Executor struct {
	store   store.Store
	odds    *odds.Engine
	limiter *risk.PositionLimiter
	hub     *WSHub // optional WebSocket hub for odds broadcasts
	cfg     ExecutorConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewExecutor creates a trade executor. limiter and hub may be nil.
func NewExecutor(st store.Store, engine *odds.Engine, limiter *risk.PositionLimiter, hub *WSHub, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = odds.NewEngine(logger)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Executor{
		store:   st,
		odds:    engine,
		limiter: limiter,
		hub:     hub,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PlaceTrade validates and executes a trade. Every failure leaves balances,
// volume, pool, odds and the bet ledger exactly as they were.
func (e *Executor) PlaceTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	start := time.Now()

	if err := validate(req); err != nil {
		metrics.TradeRejections.WithLabelValues(apperr.CodeOf(err)).Inc()
		return nil, err
	}

	var result *TradeResult
	var err error
	for attempt := 0; ; attempt++ {
		result, err = e.execute(ctx, req)
		if err == nil || !errors.Is(err, apperr.ErrTradeConflict) || attempt >= e.cfg.MaxRetries {
			break
		}
		metrics.TradeRetries.Inc()
		e.logger.DebugContext(ctx, "trade conflict, retrying",
			"market_id", req.MarketID,
			"user_id", req.UserID,
			"attempt", attempt+1,
		)
		select {
		case <-time.After(retryBackoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		metrics.TradeRejections.WithLabelValues(apperr.CodeOf(err)).Inc()
		if apperr.KindOf(err) == apperr.KindInternal {
			e.logger.ErrorContext(ctx, "trade failed",
				"market_id", req.MarketID,
				"user_id", req.UserID,
				"err", err,
			)
		}
		return nil, err
	}

	direction := "buy"
	if req.Amount.IsNegative() {
		direction = "sell"
	}
	metrics.TradesTotal.WithLabelValues(string(req.Side), direction).Inc()
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	metrics.MarketVolume.WithLabelValues(string(req.Side)).Add(req.Amount.Abs().InexactFloat64())

	e.logger.InfoContext(ctx, "trade executed",
		"bet_id", result.BetID,
		"user_id", req.UserID,
		"market_id", req.MarketID,
		"side", req.Side,
		"amount", req.Amount.String(),
		"execution_odds", result.ExecutionOdds.String(),
		"new_market_odds", result.NewMarketOdds.String(),
	)

	// Broadcast odds update via WebSocket.
	if e.hub != nil {
		e.hub.Broadcast(WSMessage{
			Type:     "odds_updated",
			MarketID: req.MarketID,
			Odds:     result.NewMarketOdds.String(),
			Side:     string(req.Side),
			Amount:   req.Amount.String(),
		})
	}

	return result, nil
}

func validate(req TradeRequest) error {
	if req.Amount.IsZero() {
		return apperr.ErrInvalidAmount
	}
	if req.Side != model.SideYes && req.Side != model.SideNo {
		return apperr.ErrInvalidSide
	}
	if req.UserID == "" {
		return apperr.ErrUnauthorized
	}
	if req.MarketID == "" {
		return apperr.ErrMarketNotFound
	}
	return nil
}

// execute runs one attempt of the trade transaction.
func (e *Executor) execute(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	var result *TradeResult
	opts := store.TxOptions{Isolation: store.Serializable, LockTimeout: e.cfg.LockTimeout}

	err := e.store.InTx(ctx, opts, func(tx store.Tx) error {
		now := e.now()

		market, err := tx.LockMarket(ctx, req.MarketID)
		if err != nil {
			return err
		}
		if !market.Tradable(now) {
			return fmt.Errorf("market %s is %s: %w", market.ID, market.Status(now), apperr.ErrMarketClosed)
		}

		user, err := tx.LockUser(ctx, req.UserID)
		if err != nil {
			return err
		}

		execOdds, err := e.odds.ExecutionOdds(ctx, tx, market.ID, user.ID)
		if err != nil {
			return err
		}

		if req.Amount.IsPositive() {
			if user.Balance.LessThan(req.Amount) {
				return fmt.Errorf("balance %s, requested %s: %w",
					user.Balance.StringFixed(2), req.Amount.StringFixed(2), apperr.ErrInsufficientBalance)
			}
		} else if err := e.checkSell(ctx, tx, market, req, execOdds); err != nil {
			return err
		}

		if e.limiter.Enabled() {
			exposure, err := stakeByMarket(ctx, tx, user.ID)
			if err != nil {
				return err
			}
			if err := e.limiter.CheckLimit(market.ID, req.Amount, exposure); err != nil {
				return err
			}
		}

		bet := &model.Bet{
			ID:        uuid.New().String(),
			UserID:    user.ID,
			MarketID:  market.ID,
			Side:      req.Side,
			Amount:    req.Amount,
			Odds:      execOdds,
			CreatedAt: now,
		}
		if err := tx.InsertBet(ctx, bet); err != nil {
			return err
		}

		balance, err := tx.AdjustBalance(ctx, user.ID, req.Amount.Neg())
		if err != nil {
			return err
		}

		if err := tx.AddMarketVolume(ctx, market.ID, req.Amount.Abs(), req.Amount); err != nil {
			return err
		}

		display, err := e.odds.DisplayOdds(ctx, tx, market.ID)
		if err != nil {
			return err
		}
		if err := tx.SetMarketOdds(ctx, market.ID, display); err != nil {
			return err
		}

		result = &TradeResult{
			BetID:         bet.ID,
			MarketID:      market.ID,
			UserID:        user.ID,
			Side:          req.Side,
			Amount:        req.Amount,
			Units:         odds.Units(req.Side, req.Amount, execOdds),
			ExecutionOdds: execOdds,
			NewMarketOdds: display,
			Balance:       balance,
			CreatedAt:     now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// checkSell requires the position to be worth at least |amount| at the
// execution price, and the market pool to be able to pay it out.
func (e *Executor) checkSell(ctx context.Context, tx store.Tx, market *model.Market, req TradeRequest, execOdds decimal.Decimal) error {
	requested := req.Amount.Abs()

	bets, err := tx.ListBetsByUserMarket(ctx, req.UserID, market.ID)
	if err != nil {
		return err
	}
	units := decimal.Zero
	for _, b := range bets {
		if b.Side == req.Side {
			units = units.Add(odds.Units(b.Side, b.Amount, b.Odds))
		}
	}

	value := units.Mul(odds.PriceFor(req.Side, execOdds)).RoundFloor(2)
	if value.LessThan(requested) {
		return apperr.InsufficientHoldings(value, requested)
	}
	if market.Pool.LessThan(requested) {
		return fmt.Errorf("pool %s, requested %s: %w",
			market.Pool.StringFixed(2), requested.StringFixed(2), apperr.ErrInsufficientLiquidity)
	}
	return nil
}

// stakeByMarket sums a user's signed bet amounts per unresolved market.
func stakeByMarket(ctx context.Context, tx store.Tx, userID string) (map[string]decimal.Decimal, error) {
	bets, err := tx.ListBetsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	stakes := make(map[string]decimal.Decimal)
	resolved := make(map[string]bool)
	for _, b := range bets {
		done, seen := resolved[b.MarketID]
		if !seen {
			m, err := tx.GetMarket(ctx, b.MarketID)
			if err != nil {
				return nil, err
			}
			done = m.ResolvedAt != nil
			resolved[b.MarketID] = done
		}
		if done {
			continue
		}
		stakes[b.MarketID] = stakes[b.MarketID].Add(b.Amount)
	}
	return stakes, nil
}

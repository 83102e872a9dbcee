// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsbook/market-engine/internal/model"
)

// Isolation is the transaction isolation a unit of work requires.
type Isolation int

const (
	ReadCommitted Isolation = iota
	Serializable
)

// TxOptions configures InTx.
type TxOptions struct {
	Isolation Isolation

	// LockTimeout bounds how long a row lock may be waited for. Expiry
	// surfaces as apperr.ErrTradeConflict. Zero means the store default.
	LockTimeout time.Duration
}

// Ledger is the read side of the store, available both on the Store and
// inside a transaction (where reads observe the transaction's own writes).
type Ledger interface {
	// --- Users ---

	// GetUser retrieves a user; apperr.ErrUserNotFound if absent.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserByUsername retrieves a user by login name.
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)

	// ListUsers returns all users.
	ListUsers(ctx context.Context) ([]model.User, error)

	// --- Markets ---

	// GetMarket retrieves a market; apperr.ErrMarketNotFound if absent.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, soonest end date first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListTrendingMarkets returns open markets ranked by volume bet since
	// the given time.
	ListTrendingMarkets(ctx context.Context, since time.Time, limit int) ([]model.Market, error)

	// ListExpiredMarkets returns unresolved markets whose end date is at or
	// before now and which still hold volume or pool.
	ListExpiredMarkets(ctx context.Context, now time.Time) ([]model.Market, error)

	// GetMarketVolume sums net bet amounts per side. A non-empty
	// excludeUserID leaves that user's bets out.
	GetMarketVolume(ctx context.Context, marketID, excludeUserID string) (model.Volume, error)

	// --- Immutable bet ledger ---

	// ListBetsByMarket returns all bets on a market, oldest first.
	ListBetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error)

	// ListBetsByUser returns all bets of a user, oldest first.
	ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error)

	// ListBetsByUserMarket returns one user's bets on one market.
	ListBetsByUserMarket(ctx context.Context, userID, marketID string) ([]model.Bet, error)
}

// Tx is a unit of work. Row locks taken through it are held until the
// transaction ends; every write is committed together or not at all.
type Tx interface {
	Ledger

	// LockMarket reads a market and holds an exclusive lock on its row.
	LockMarket(ctx context.Context, id string) (*model.Market, error)

	// LockUser reads a user and holds an exclusive lock on its row.
	LockUser(ctx context.Context, id string) (*model.User, error)

	// InsertBet appends an immutable bet row.
	InsertBet(ctx context.Context, bet *model.Bet) error

	// AdjustBalance adds delta to a user's balance and returns the new
	// balance.
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error)

	// AddMarketVolume adds to a market's cumulative volume and pool.
	AddMarketVolume(ctx context.Context, marketID string, volumeDelta, poolDelta decimal.Decimal) error

	// SetMarketOdds persists a market's display odds.
	SetMarketOdds(ctx context.Context, marketID string, odds decimal.Decimal) error

	// SetMarketOutcome records the declared winning side.
	SetMarketOutcome(ctx context.Context, marketID string, outcome model.Side) error

	// SettleMarket zeroes volume and pool and marks the market resolved.
	SettleMarket(ctx context.Context, marketID string, resolvedAt time.Time) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Ledger

	// CreateUser persists a new user; apperr.ErrAlreadyExists on a
	// duplicate username.
	CreateUser(ctx context.Context, user *model.User) error

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// InTx runs fn in a transaction. fn's error (or a commit failure) rolls
	// everything back and is returned.
	InTx(ctx context.Context, opts TxOptions, fn func(Tx) error) error
}

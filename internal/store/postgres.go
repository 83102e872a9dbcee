package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/oddsbook/market-engine/internal/apperr"
	"github.com/oddsbook/market-engine/internal/metrics"
	"github.com/oddsbook/market-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgreSQL error codes the store classifies.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	queries
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{queries: queries{q: pool}, pool: pool}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	defer metrics.ObserveQuery("create_user")()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, balance, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		u.ID, u.Username, u.PasswordHash, u.Balance.String(), u.CreatedAt,
	)
	if isPgCode(err, pgUniqueViolation) {
		return fmt.Errorf("user %s: %w", u.Username, apperr.ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	defer metrics.ObserveQuery("create_market")()

	var outcome *string
	if m.Outcome != nil {
		o := string(*m.Outcome)
		outcome = &o
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, name, description, volume, pool, odds, end_date, outcome, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		m.ID, m.Name, m.Description,
		m.Volume.String(), m.Pool.String(), m.Odds.String(),
		m.EndDate, outcome, m.CreatedAt,
	)
	if isPgCode(err, pgUniqueViolation) {
		return fmt.Errorf("market %s: %w", m.ID, apperr.ErrAlreadyExists)
	}
	return err
}

// InTx runs fn in a PostgreSQL transaction. Serializable work also gets a
// bounded lock_timeout so a contended row surfaces as a retryable conflict
// instead of hanging.
func (s *PostgresStore) InTx(ctx context.Context, opts TxOptions, fn func(Tx) error) error {
	txOpts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
	if opts.Isolation == Serializable {
		txOpts.IsoLevel = pgx.Serializable
	}

	tx, err := s.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())); err != nil {
		return classify(fmt.Errorf("set lock_timeout: %w", err))
	}

	if err := fn(&pgTx{queries: queries{q: tx}}); err != nil {
		return classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

// pgTx is the Tx implementation over a live pgx transaction.
type pgTx struct {
	queries
}

func (t *pgTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	defer metrics.ObserveQuery("lock_market")()

	row := t.q.QueryRow(ctx, marketColumns+` FROM markets WHERE id = $1 FOR UPDATE`, id)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock market %s: %w", id, apperr.ErrMarketNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock market %s: %w", id, err)
	}
	return m, nil
}

func (t *pgTx) LockUser(ctx context.Context, id string) (*model.User, error) {
	defer metrics.ObserveQuery("lock_user")()

	row := t.q.QueryRow(ctx, userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock user %s: %w", id, apperr.ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock user %s: %w", id, err)
	}
	return u, nil
}

func (t *pgTx) InsertBet(ctx context.Context, b *model.Bet) error {
	defer metrics.ObserveQuery("insert_bet")()

	_, err := t.q.Exec(ctx,
		`INSERT INTO bets (id, user_id, market_id, side, amount, odds, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		b.ID, b.UserID, b.MarketID, string(b.Side),
		b.Amount.String(), b.Odds.String(), b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert bet: %w", err)
	}
	return nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	defer metrics.ObserveQuery("adjust_balance")()

	var balanceS string
	err := t.q.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1 RETURNING balance::TEXT`,
		userID, delta.String(),
	).Scan(&balanceS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("adjust balance %s: %w", userID, apperr.ErrUserNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust balance %s: %w", userID, err)
	}
	return decimal.NewFromString(balanceS)
}

func (t *pgTx) AddMarketVolume(ctx context.Context, marketID string, volumeDelta, poolDelta decimal.Decimal) error {
	defer metrics.ObserveQuery("add_market_volume")()

	return t.updateMarket(ctx, marketID,
		`UPDATE markets SET volume = volume + $2::NUMERIC, pool = pool + $3::NUMERIC WHERE id = $1`,
		volumeDelta.String(), poolDelta.String(),
	)
}

func (t *pgTx) SetMarketOdds(ctx context.Context, marketID string, odds decimal.Decimal) error {
	defer metrics.ObserveQuery("set_market_odds")()

	return t.updateMarket(ctx, marketID,
		`UPDATE markets SET odds = $2::NUMERIC WHERE id = $1`, odds.String())
}

func (t *pgTx) SetMarketOutcome(ctx context.Context, marketID string, outcome model.Side) error {
	defer metrics.ObserveQuery("set_market_outcome")()

	return t.updateMarket(ctx, marketID,
		`UPDATE markets SET outcome = $2 WHERE id = $1`, string(outcome))
}

func (t *pgTx) SettleMarket(ctx context.Context, marketID string, resolvedAt time.Time) error {
	defer metrics.ObserveQuery("settle_market")()

	return t.updateMarket(ctx, marketID,
		`UPDATE markets SET volume = 0, pool = 0, resolved_at = $2 WHERE id = $1`, resolvedAt)
}

func (t *pgTx) updateMarket(ctx context.Context, marketID, sql string, args ...any) error {
	tag, err := t.q.Exec(ctx, sql, append([]any{marketID}, args...)...)
	if err != nil {
		return fmt.Errorf("update market %s: %w", marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update market %s: %w", marketID, apperr.ErrMarketNotFound)
	}
	return nil
}

// queries implements the Ledger reads over any querier.
type queries struct {
	q querier
}

const userColumns = `SELECT id, username, password_hash, balance::TEXT, created_at`

const marketColumns = `SELECT id, name, description,
		volume::TEXT, pool::TEXT, odds::TEXT,
		end_date, outcome, resolved_at, created_at`

const betColumns = `SELECT b.id, b.user_id, u.username, b.market_id, b.side,
		b.amount::TEXT, b.odds::TEXT, b.created_at
	FROM bets b JOIN users u ON u.id = b.user_id`

func (q queries) GetUser(ctx context.Context, id string) (*model.User, error) {
	defer metrics.ObserveQuery("get_user")()

	u, err := scanUser(q.q.QueryRow(ctx, userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get user %s: %w", id, apperr.ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (q queries) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	defer metrics.ObserveQuery("get_user_by_username")()

	u, err := scanUser(q.q.QueryRow(ctx, userColumns+` FROM users WHERE username = $1`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get user %s: %w", username, apperr.ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	return u, nil
}

func (q queries) ListUsers(ctx context.Context) ([]model.User, error) {
	defer metrics.ObserveQuery("list_users")()

	rows, err := q.q.Query(ctx, userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (q queries) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	defer metrics.ObserveQuery("get_market")()

	m, err := scanMarket(q.q.QueryRow(ctx, marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get market %s: %w", id, apperr.ErrMarketNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (q queries) ListMarkets(ctx context.Context) ([]model.Market, error) {
	defer metrics.ObserveQuery("list_markets")()

	rows, err := q.q.Query(ctx, marketColumns+` FROM markets ORDER BY end_date, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMarkets(rows)
}

func (q queries) ListTrendingMarkets(ctx context.Context, since time.Time, limit int) ([]model.Market, error) {
	defer metrics.ObserveQuery("list_trending_markets")()

	rows, err := q.q.Query(ctx,
		`SELECT m.id, m.name, m.description,
		        m.volume::TEXT, m.pool::TEXT, m.odds::TEXT,
		        m.end_date, m.outcome, m.resolved_at, m.created_at
		 FROM markets m
		 LEFT JOIN bets b ON b.market_id = m.id AND b.created_at >= $1
		 WHERE m.resolved_at IS NULL AND m.end_date > now()
		 GROUP BY m.id
		 ORDER BY COALESCE(SUM(ABS(b.amount)), 0) DESC, m.volume DESC, m.end_date, m.id
		 LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMarkets(rows)
}

func (q queries) ListExpiredMarkets(ctx context.Context, now time.Time) ([]model.Market, error) {
	defer metrics.ObserveQuery("list_expired_markets")()

	rows, err := q.q.Query(ctx, marketColumns+`
		 FROM markets
		 WHERE resolved_at IS NULL AND end_date <= $1 AND (volume > 0 OR pool > 0)
		 ORDER BY end_date, id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMarkets(rows)
}

func (q queries) GetMarketVolume(ctx context.Context, marketID, excludeUserID string) (model.Volume, error) {
	defer metrics.ObserveQuery("get_market_volume")()

	var yesS, noS string
	err := q.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount) FILTER (WHERE side = 'YES'), 0)::TEXT,
		        COALESCE(SUM(amount) FILTER (WHERE side = 'NO'), 0)::TEXT
		 FROM bets
		 WHERE market_id = $1 AND ($2::TEXT = '' OR user_id <> $2::TEXT)`,
		marketID, excludeUserID,
	).Scan(&yesS, &noS)
	if err != nil {
		return model.Volume{}, fmt.Errorf("market volume %s: %w", marketID, err)
	}

	var v model.Volume
	if v.Yes, err = decimal.NewFromString(yesS); err != nil {
		return model.Volume{}, fmt.Errorf("parse yes volume: %w", err)
	}
	if v.No, err = decimal.NewFromString(noS); err != nil {
		return model.Volume{}, fmt.Errorf("parse no volume: %w", err)
	}
	return v, nil
}

func (q queries) ListBetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	defer metrics.ObserveQuery("list_bets_by_market")()

	rows, err := q.q.Query(ctx, betColumns+` WHERE b.market_id = $1 ORDER BY b.created_at, b.id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (q queries) ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	defer metrics.ObserveQuery("list_bets_by_user")()

	rows, err := q.q.Query(ctx, betColumns+` WHERE b.user_id = $1 ORDER BY b.created_at, b.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (q queries) ListBetsByUserMarket(ctx context.Context, userID, marketID string) ([]model.Bet, error) {
	defer metrics.ObserveQuery("list_bets_by_user_market")()

	rows, err := q.q.Query(ctx,
		betColumns+` WHERE b.user_id = $1 AND b.market_id = $2 ORDER BY b.created_at, b.id`,
		userID, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

// --- Scanning ---

// pgxRow is satisfied by pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...any) error
}

func scanUser(row pgxRow) (*model.User, error) {
	var u model.User
	var balanceS string
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &balanceS, &u.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if u.Balance, err = decimal.NewFromString(balanceS); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &u, nil
}

func scanMarket(row pgxRow) (*model.Market, error) {
	var m model.Market
	var volumeS, poolS, oddsS string
	var outcome *string

	if err := row.Scan(&m.ID, &m.Name, &m.Description,
		&volumeS, &poolS, &oddsS,
		&m.EndDate, &outcome, &m.ResolvedAt, &m.CreatedAt); err != nil {
		return nil, err
	}

	var err error
	if m.Volume, err = decimal.NewFromString(volumeS); err != nil {
		return nil, fmt.Errorf("parse volume: %w", err)
	}
	if m.Pool, err = decimal.NewFromString(poolS); err != nil {
		return nil, fmt.Errorf("parse pool: %w", err)
	}
	if m.Odds, err = decimal.NewFromString(oddsS); err != nil {
		return nil, fmt.Errorf("parse odds: %w", err)
	}
	if outcome != nil {
		side := model.Side(*outcome)
		m.Outcome = &side
	}
	return &m, nil
}

func scanMarkets(rows pgx.Rows) ([]model.Market, error) {
	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func scanBets(rows pgx.Rows) ([]model.Bet, error) {
	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var side, amountS, oddsS string

		if err := rows.Scan(&b.ID, &b.UserID, &b.Username, &b.MarketID, &side,
			&amountS, &oddsS, &b.CreatedAt); err != nil {
			return nil, err
		}

		var err error
		if b.Amount, err = decimal.NewFromString(amountS); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if b.Odds, err = decimal.NewFromString(oddsS); err != nil {
			return nil, fmt.Errorf("parse odds: %w", err)
		}
		b.Side = model.Side(side)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// --- Error classification ---

// classify turns isolation and lock failures into the retryable
// apperr.ErrTradeConflict. Other errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if isPgCode(err, pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable) {
		return apperr.Wrap(apperr.KindConflict, apperr.CodeTradeConflict, "concurrent trade conflict, retry", err)
	}
	return err
}

func isPgCode(err error, codes ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, c := range codes {
		if pgErr.Code == c {
			return true
		}
	}
	return false
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsbook/market-engine/internal/apperr"
	"github.com/oddsbook/market-engine/internal/model"
)

const defaultLockTimeout = 5 * time.Second

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions take per-row locks (one per market, one per user) and stage
// their writes privately until commit, so concurrent trades on one market
// serialize while trades on different markets proceed in parallel.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*model.User
	markets map[string]*model.Market
	bets    []model.Bet

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*model.User),
		markets: make(map[string]*model.Market),
		locks:   make(map[string]chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// --- Creation ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, apperr.ErrAlreadyExists)
	}
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return fmt.Errorf("username %s: %w", u.Username, apperr.ErrAlreadyExists)
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, apperr.ErrAlreadyExists)
	}
	s.markets[m.ID] = copyMarket(m)
	return nil
}

// --- Reads (committed state) ---

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, apperr.ErrUserNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("username %s: %w", username, apperr.ErrUserNotFound)
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, apperr.ErrMarketNotFound)
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedMarkets(s.markets, nil), nil
}

func (s *MemoryStore) ListTrendingMarkets(_ context.Context, since time.Time, limit int) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return trending(s.markets, nil, s.bets, nil, since, s.now(), limit), nil
}

func (s *MemoryStore) ListExpiredMarkets(_ context.Context, now time.Time) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return expired(sortedMarkets(s.markets, nil), now), nil
}

func (s *MemoryStore) GetMarketVolume(_ context.Context, marketID, excludeUserID string) (model.Volume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sumVolume(s.bets, nil, marketID, excludeUserID), nil
}

func (s *MemoryStore) ListBetsByMarket(_ context.Context, marketID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return filterBets(s.bets, nil, s.users, func(b *model.Bet) bool { return b.MarketID == marketID }), nil
}

func (s *MemoryStore) ListBetsByUser(_ context.Context, userID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return filterBets(s.bets, nil, s.users, func(b *model.Bet) bool { return b.UserID == userID }), nil
}

func (s *MemoryStore) ListBetsByUserMarket(_ context.Context, userID, marketID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return filterBets(s.bets, nil, s.users, func(b *model.Bet) bool {
		return b.UserID == userID && b.MarketID == marketID
	}), nil
}

// --- Transactions ---

// InTx runs fn with row-level locking. Isolation is implied by the locks:
// every write path locks the rows it touches.
func (s *MemoryStore) InTx(ctx context.Context, opts TxOptions, fn func(Tx) error) error {
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	tx := &memTx{
		s:       s,
		timeout: timeout,
		markets: make(map[string]*model.Market),
		users:   make(map[string]*model.User),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) rowLock(key string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

// memTx stages writes against copies of the rows it has locked.
type memTx struct {
	s       *MemoryStore
	timeout time.Duration
	held    []string

	markets map[string]*model.Market
	users   map[string]*model.User
	bets    []model.Bet
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	for _, k := range tx.held {
		if k == key {
			return nil
		}
	}
	ch := tx.s.rowLock(key)
	timer := time.NewTimer(tx.timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		tx.held = append(tx.held, key)
		return nil
	case <-timer.C:
		return fmt.Errorf("lock %s: %w", key, apperr.ErrTradeConflict)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tx *memTx) release() {
	for i := len(tx.held) - 1; i >= 0; i-- {
		<-tx.s.rowLock(tx.held[i])
	}
	tx.held = nil
}

func (tx *memTx) commit() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	for id, m := range tx.markets {
		tx.s.markets[id] = m
	}
	for id, u := range tx.users {
		tx.s.users[id] = u
	}
	tx.s.bets = append(tx.s.bets, tx.bets...)
}

func (tx *memTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	if err := tx.lock(ctx, "market:"+id); err != nil {
		return nil, err
	}
	if m, ok := tx.markets[id]; ok {
		return copyMarket(m), nil
	}
	m, err := tx.s.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	tx.markets[id] = copyMarket(m)
	return m, nil
}

func (tx *memTx) LockUser(ctx context.Context, id string) (*model.User, error) {
	if err := tx.lock(ctx, "user:"+id); err != nil {
		return nil, err
	}
	if u, ok := tx.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	u, err := tx.s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *u
	tx.users[id] = &cp
	return u, nil
}

func (tx *memTx) lockedMarket(ctx context.Context, id string) (*model.Market, error) {
	if _, err := tx.LockMarket(ctx, id); err != nil {
		return nil, err
	}
	return tx.markets[id], nil
}

func (tx *memTx) lockedUser(ctx context.Context, id string) (*model.User, error) {
	if _, err := tx.LockUser(ctx, id); err != nil {
		return nil, err
	}
	return tx.users[id], nil
}

func (tx *memTx) InsertBet(ctx context.Context, bet *model.Bet) error {
	if _, err := tx.lockedMarket(ctx, bet.MarketID); err != nil {
		return err
	}
	if _, err := tx.GetUser(ctx, bet.UserID); err != nil {
		return err
	}
	tx.bets = append(tx.bets, *bet)
	return nil
}

func (tx *memTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	u, err := tx.lockedUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	next := u.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, fmt.Errorf("user %s: balance would become %s", userID, next)
	}
	u.Balance = next
	return next, nil
}

func (tx *memTx) AddMarketVolume(ctx context.Context, marketID string, volumeDelta, poolDelta decimal.Decimal) error {
	m, err := tx.lockedMarket(ctx, marketID)
	if err != nil {
		return err
	}
	m.Volume = m.Volume.Add(volumeDelta)
	m.Pool = m.Pool.Add(poolDelta)
	return nil
}

func (tx *memTx) SetMarketOdds(ctx context.Context, marketID string, odds decimal.Decimal) error {
	m, err := tx.lockedMarket(ctx, marketID)
	if err != nil {
		return err
	}
	m.Odds = odds
	return nil
}

func (tx *memTx) SetMarketOutcome(ctx context.Context, marketID string, outcome model.Side) error {
	m, err := tx.lockedMarket(ctx, marketID)
	if err != nil {
		return err
	}
	o := outcome
	m.Outcome = &o
	return nil
}

func (tx *memTx) SettleMarket(ctx context.Context, marketID string, resolvedAt time.Time) error {
	m, err := tx.lockedMarket(ctx, marketID)
	if err != nil {
		return err
	}
	at := resolvedAt
	m.Volume = decimal.Zero
	m.Pool = decimal.Zero
	m.ResolvedAt = &at
	return nil
}

// --- Reads inside a transaction (committed state overlaid with staged) ---

func (tx *memTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	if u, ok := tx.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return tx.s.GetUser(ctx, id)
}

func (tx *memTx) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	u, err := tx.s.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return tx.GetUser(ctx, u.ID)
}

func (tx *memTx) ListUsers(ctx context.Context) ([]model.User, error) {
	users, err := tx.s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if u, ok := tx.users[users[i].ID]; ok {
			users[i] = *u
		}
	}
	return users, nil
}

func (tx *memTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	if m, ok := tx.markets[id]; ok {
		return copyMarket(m), nil
	}
	return tx.s.GetMarket(ctx, id)
}

func (tx *memTx) ListMarkets(_ context.Context) ([]model.Market, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	return sortedMarkets(tx.s.markets, tx.markets), nil
}

func (tx *memTx) ListTrendingMarkets(_ context.Context, since time.Time, limit int) ([]model.Market, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	return trending(tx.s.markets, tx.markets, tx.s.bets, tx.bets, since, tx.s.now(), limit), nil
}

func (tx *memTx) ListExpiredMarkets(_ context.Context, now time.Time) ([]model.Market, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	return expired(sortedMarkets(tx.s.markets, tx.markets), now), nil
}

func (tx *memTx) GetMarketVolume(_ context.Context, marketID, excludeUserID string) (model.Volume, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	return sumVolume(tx.s.bets, tx.bets, marketID, excludeUserID), nil
}

func (tx *memTx) ListBetsByMarket(_ context.Context, marketID string) ([]model.Bet, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	return filterBets(tx.s.bets, tx.bets, tx.s.users, func(b *model.Bet) bool { return b.MarketID == marketID }), nil
}

func (tx *memTx) ListBetsByUser(_ context.Context, userID string) ([]model.Bet, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	return filterBets(tx.s.bets, tx.bets, tx.s.users, func(b *model.Bet) bool { return b.UserID == userID }), nil
}

func (tx *memTx) ListBetsByUserMarket(_ context.Context, userID, marketID string) ([]model.Bet, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	return filterBets(tx.s.bets, tx.bets, tx.s.users, func(b *model.Bet) bool {
		return b.UserID == userID && b.MarketID == marketID
	}), nil
}

// --- Helpers (callers hold s.mu) ---

func copyMarket(m *model.Market) *model.Market {
	cp := *m
	if m.Outcome != nil {
		o := *m.Outcome
		cp.Outcome = &o
	}
	if m.ResolvedAt != nil {
		at := *m.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

func sortedMarkets(committed, staged map[string]*model.Market) []model.Market {
	markets := make([]model.Market, 0, len(committed))
	for id, m := range committed {
		if sm, ok := staged[id]; ok {
			m = sm
		}
		markets = append(markets, *copyMarket(m))
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].EndDate.Equal(markets[j].EndDate) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].EndDate.Before(markets[j].EndDate)
	})
	return markets
}

func expired(markets []model.Market, now time.Time) []model.Market {
	var out []model.Market
	for _, m := range markets {
		if m.ResolvedAt != nil || m.EndDate.After(now) {
			continue
		}
		if m.Volume.IsZero() && m.Pool.IsZero() {
			continue
		}
		out = append(out, m)
	}
	return out
}

func trending(committed, staged map[string]*model.Market, bets, stagedBets []model.Bet, since, now time.Time, limit int) []model.Market {
	recent := make(map[string]decimal.Decimal)
	for _, set := range [][]model.Bet{bets, stagedBets} {
		for _, b := range set {
			if b.CreatedAt.Before(since) {
				continue
			}
			recent[b.MarketID] = recent[b.MarketID].Add(b.Amount.Abs())
		}
	}

	var open []model.Market
	for _, m := range sortedMarkets(committed, staged) {
		if m.Tradable(now) {
			open = append(open, m)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		ri, rj := recent[open[i].ID], recent[open[j].ID]
		if !ri.Equal(rj) {
			return ri.GreaterThan(rj)
		}
		return open[i].Volume.GreaterThan(open[j].Volume)
	})
	if limit > 0 && len(open) > limit {
		open = open[:limit]
	}
	return open
}

func sumVolume(bets, staged []model.Bet, marketID, excludeUserID string) model.Volume {
	var v model.Volume
	for _, set := range [][]model.Bet{bets, staged} {
		for _, b := range set {
			if b.MarketID != marketID {
				continue
			}
			if excludeUserID != "" && b.UserID == excludeUserID {
				continue
			}
			if b.Side == model.SideYes {
				v.Yes = v.Yes.Add(b.Amount)
			} else {
				v.No = v.No.Add(b.Amount)
			}
		}
	}
	return v
}

func filterBets(bets, staged []model.Bet, users map[string]*model.User, keep func(*model.Bet) bool) []model.Bet {
	var result []model.Bet
	for _, set := range [][]model.Bet{bets, staged} {
		for i := range set {
			if !keep(&set[i]) {
				continue
			}
			b := set[i]
			if u, ok := users[b.UserID]; ok {
				b.Username = u.Username
			}
			result = append(result, b)
		}
	}
	return result
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/oddsbook/market-engine/internal/model"
)

const (
	marketListKey = "markets:all"
	cacheGenKey   = "markets:gen"
)

// setIfGen stores a value only while the cache generation still matches the
// one read before the primary lookup. A fill that raced a commit is dropped.
var setIfGen = redis.NewScript(`
local gen = redis.call('GET', KEYS[1]) or ''
if gen ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for market reads. Writes go to the primary store and invalidate the
// cache after commit; reads check Redis first then fall back to the primary.
//
// Balances, bets and anything read inside a transaction always bypass the
// cache.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.Store.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketListKey)
	s.rdb.Incr(ctx, cacheGenKey)
	return nil
}

// InTx runs fn against the primary and drops every market it wrote from the
// cache once the transaction commits.
func (s *CachedStore) InTx(ctx context.Context, opts TxOptions, fn func(Tx) error) error {
	touched := make(map[string]struct{})
	err := s.Store.InTx(ctx, opts, func(tx Tx) error {
		return fn(&cachedTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, touched)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	gen := s.generation(ctx)
	m, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(m); err == nil {
		s.fill(ctx, gen, marketKey(id), data)
	}
	return m, nil
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	data, err := s.rdb.Get(ctx, marketListKey).Bytes()
	if err == nil {
		var markets []model.Market
		if json.Unmarshal(data, &markets) == nil {
			return markets, nil
		}
	}

	gen := s.generation(ctx)
	markets, err := s.Store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(markets); err == nil {
		s.fill(ctx, gen, marketListKey, data)
	}
	return markets, nil
}

// --- Cache helpers ---

// generation returns the current invalidation counter, "" before the first
// write.
func (s *CachedStore) generation(ctx context.Context) string {
	gen, err := s.rdb.Get(ctx, cacheGenKey).Result()
	if err != nil {
		return ""
	}
	return gen
}

func (s *CachedStore) fill(ctx context.Context, gen, key string, data []byte) {
	setIfGen.Run(ctx, s.rdb, []string{cacheGenKey, key}, gen, data, s.ttl.Milliseconds())
}

func (s *CachedStore) invalidate(ctx context.Context, marketIDs map[string]struct{}) {
	if len(marketIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(marketIDs)+1)
	for id := range marketIDs {
		keys = append(keys, marketKey(id))
	}
	keys = append(keys, marketListKey)
	s.rdb.Del(ctx, keys...)
	s.rdb.Incr(ctx, cacheGenKey)
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }

// cachedTx records which markets a transaction writes.
type cachedTx struct {
	Tx
	touched map[string]struct{}
}

func (t *cachedTx) InsertBet(ctx context.Context, b *model.Bet) error {
	t.touched[b.MarketID] = struct{}{}
	return t.Tx.InsertBet(ctx, b)
}

func (t *cachedTx) AddMarketVolume(ctx context.Context, marketID string, volumeDelta, poolDelta decimal.Decimal) error {
	t.touched[marketID] = struct{}{}
	return t.Tx.AddMarketVolume(ctx, marketID, volumeDelta, poolDelta)
}

func (t *cachedTx) SetMarketOdds(ctx context.Context, marketID string, odds decimal.Decimal) error {
	t.touched[marketID] = struct{}{}
	return t.Tx.SetMarketOdds(ctx, marketID, odds)
}

func (t *cachedTx) SetMarketOutcome(ctx context.Context, marketID string, outcome model.Side) error {
	t.touched[marketID] = struct{}{}
	return t.Tx.SetMarketOutcome(ctx, marketID, outcome)
}

func (t *cachedTx) SettleMarket(ctx context.Context, marketID string, resolvedAt time.Time) error {
	t.touched[marketID] = struct{}{}
	return t.Tx.SettleMarket(ctx, marketID, resolvedAt)
}

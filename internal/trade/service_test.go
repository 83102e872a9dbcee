package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/oddsbook/market-engine/internal/apperr"
	"github.com/oddsbook/market-engine/internal/auth"
	"github.com/oddsbook/market-engine/internal/model"
	"github.com/oddsbook/market-engine/internal/odds"
	"github.com/oddsbook/market-engine/internal/risk"
	"github.com/oddsbook/market-engine/internal/store"
	"github.com/oddsbook/market-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store    store.Store
	ms       *store.MemoryStore
	issuer   *auth.TokenIssuer
	executor *trade.Executor
	router   chi.Router
}

type envOption func(*envConfig)

type envConfig struct {
	wrap    func(*store.MemoryStore) store.Store
	limiter *risk.PositionLimiter
	rate    *trade.UserLimiter
	retries int
}

func withStore(wrap func(*store.MemoryStore) store.Store) envOption {
	return func(c *envConfig) { c.wrap = wrap }
}

func withRisk(l *risk.PositionLimiter) envOption {
	return func(c *envConfig) { c.limiter = l }
}

func withRate(l *trade.UserLimiter) envOption {
	return func(c *envConfig) { c.rate = l }
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{retries: 3}
	for _, o := range opts {
		o(&cfg)
	}

	ms := store.NewMemoryStore()
	var st store.Store = ms
	if cfg.wrap != nil {
		st = cfg.wrap(ms)
	}

	issuer := auth.NewTokenIssuer("test-secret", time.Hour)
	exec := trade.NewExecutor(st, nil, cfg.limiter, nil, trade.ExecutorConfig{
		MaxRetries:  cfg.retries,
		LockTimeout: 5 * time.Second,
	}, nil)
	svc := trade.NewService(st, exec, cfg.rate, nil)

	r := chi.NewRouter()
	r.Get("/api/v1/markets", svc.ListMarkets)
	r.Get("/api/v1/markets/trending", svc.TrendingMarkets)
	r.Get("/api/v1/markets/{marketID}", svc.GetMarket)
	r.Get("/api/v1/markets/{marketID}/bets", svc.ListMarketBets)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(issuer))
		r.Post("/api/v1/markets/{marketID}/bets", svc.PlaceBet)
		r.Get("/api/v1/users/{userID}/bets", svc.ListUserBets)
		r.With(auth.RequireAdmin).Post("/api/v1/markets", svc.CreateMarket)
	})

	return &testEnv{store: st, ms: ms, issuer: issuer, executor: exec, router: r}
}

// seedUser creates a user directly in the store.
func seedUser(t *testing.T, ms *store.MemoryStore, id string, balance float64) {
	t.Helper()
	u := &model.User{ID: id, Username: id, Balance: d(balance), CreatedAt: time.Now().UTC()}
	if err := ms.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

// seedMarket creates a test market directly in the store.
func seedMarket(t *testing.T, ms *store.MemoryStore, id string, endIn time.Duration) *model.Market {
	t.Helper()
	market := &model.Market{
		ID:        id,
		Name:      "Will it rain on " + id + "?",
		Volume:    decimal.Zero,
		Pool:      decimal.Zero,
		Odds:      d(0.5),
		EndDate:   time.Now().UTC().Add(endIn),
		CreatedAt: time.Now().UTC(),
	}
	if err := ms.CreateMarket(context.Background(), market); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return market
}

func (e *testEnv) token(t *testing.T, userID string, admin bool) string {
	t.Helper()
	tok, _, err := e.issuer.Issue(userID, userID, admin)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *testEnv) doBet(t *testing.T, userID, marketID string, req trade.PlaceBetRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/markets/"+marketID+"/bets", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.token(t, userID, false))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httpReq)
	return w
}

func (e *testEnv) mustBet(t *testing.T, userID, marketID string, amount float64, side string) trade.TradeResult {
	t.Helper()
	w := e.doBet(t, userID, marketID, trade.PlaceBetRequest{Amount: d(amount), Side: side})
	if w.Code != http.StatusCreated {
		t.Fatalf("bet %s %v %s on %s: expected 201, got %d: %s", userID, amount, side, marketID, w.Code, w.Body.String())
	}
	var res trade.TradeResult
	json.Unmarshal(w.Body.Bytes(), &res)
	return res
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return body["code"]
}

// totalMoney is Σ balances + Σ pools, which no trade or settlement changes.
func totalMoney(t *testing.T, st store.Store) decimal.Decimal {
	t.Helper()
	ctx := context.Background()
	total := decimal.Zero
	users, err := st.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	for _, u := range users {
		total = total.Add(u.Balance)
	}
	markets, err := st.ListMarkets(ctx)
	if err != nil {
		t.Fatalf("list markets: %v", err)
	}
	for _, m := range markets {
		total = total.Add(m.Pool)
	}
	return total
}

// --- Trade execution tests ---

func TestPlaceBet_BuyYes(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	res := env.mustBet(t, "alice", "m1", 100, "YES")

	if res.BetID == "" {
		t.Error("expected non-empty bet_id")
	}
	if !res.ExecutionOdds.Equal(d(0.5)) {
		t.Errorf("first bet should execute at 0.50, got %s", res.ExecutionOdds)
	}
	if !res.Balance.Equal(d(900)) {
		t.Errorf("expected balance 900, got %s", res.Balance)
	}
	if !res.Units.Equal(d(200)) {
		t.Errorf("100 at 0.50 should buy 200 units, got %s", res.Units)
	}
	// (100+1)/(100+2) = 0.99
	if !res.NewMarketOdds.Equal(d(0.99)) {
		t.Errorf("expected display odds 0.99, got %s", res.NewMarketOdds)
	}

	m, _ := env.ms.GetMarket(context.Background(), "m1")
	if !m.Volume.Equal(d(100)) || !m.Pool.Equal(d(100)) {
		t.Errorf("expected volume=pool=100, got volume=%s pool=%s", m.Volume, m.Pool)
	}
	if !m.Odds.Equal(d(0.99)) {
		t.Errorf("stored odds should be 0.99, got %s", m.Odds)
	}
}

func TestPlaceBet_ThreeToOneVolume(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedUser(t, env.ms, "bob", 1000)
	seedUser(t, env.ms, "carol", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	env.mustBet(t, "alice", "m1", 300, "YES")
	env.mustBet(t, "bob", "m1", 100, "NO")

	// Carol prices against 300 YES / 100 NO: 301/402 → 0.75.
	res := env.mustBet(t, "carol", "m1", 10, "YES")
	if !res.ExecutionOdds.Equal(d(0.75)) {
		t.Errorf("expected execution odds 0.75, got %s", res.ExecutionOdds)
	}
}

func TestPlaceBet_OwnVolumeExcluded(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	env.mustBet(t, "alice", "m1", 500, "YES")
	res := env.mustBet(t, "alice", "m1", 100, "YES")

	if !res.ExecutionOdds.Equal(d(0.5)) {
		t.Errorf("a user's own volume must not move their price, got %s", res.ExecutionOdds)
	}
}

func TestPlaceBet_BuyNo(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	res := env.mustBet(t, "alice", "m1", 50, "NO")

	if res.Side != model.SideNo {
		t.Errorf("expected NO, got %s", res.Side)
	}
	// (0+1)/(50+2) = 0.019 → 0.02
	if !res.NewMarketOdds.Equal(d(0.02)) {
		t.Errorf("expected display odds 0.02, got %s", res.NewMarketOdds)
	}
}

func TestPlaceBet_LegacyPredictionFlag(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	no := false
	w := env.doBet(t, "alice", "m1", trade.PlaceBetRequest{Amount: d(10), Prediction: &no})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var res trade.TradeResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Side != model.SideNo {
		t.Errorf("prediction=false should map to NO, got %s", res.Side)
	}
}

func TestPlaceBet_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 100)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	w := env.doBet(t, "alice", "m1", trade.PlaceBetRequest{Amount: d(150), Side: "YES"})

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != apperr.CodeInsufficientBalance {
		t.Errorf("expected %s, got %s", apperr.CodeInsufficientBalance, code)
	}

	u, _ := env.ms.GetUser(context.Background(), "alice")
	if !u.Balance.Equal(d(100)) {
		t.Errorf("balance must be unchanged, got %s", u.Balance)
	}
	bets, _ := env.ms.ListBetsByUser(context.Background(), "alice")
	if len(bets) != 0 {
		t.Errorf("no bet should be recorded, got %d", len(bets))
	}
}

func TestPlaceBet_InsufficientHoldings(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	w := env.doBet(t, "alice", "m1", trade.PlaceBetRequest{Amount: d(-10), Side: "YES"})

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != apperr.CodeInsufficientHoldings {
		t.Errorf("expected %s, got %s", apperr.CodeInsufficientHoldings, code)
	}
	u, _ := env.ms.GetUser(context.Background(), "alice")
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("balance must be unchanged, got %s", u.Balance)
	}
}

func TestPlaceBet_SellWithinHoldings(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	env.mustBet(t, "alice", "m1", 100, "YES") // 200 units at 0.50
	res := env.mustBet(t, "alice", "m1", -60, "YES")

	if !res.Balance.Equal(d(960)) {
		t.Errorf("expected balance 960 after selling 60, got %s", res.Balance)
	}
	m, _ := env.ms.GetMarket(context.Background(), "m1")
	if !m.Pool.Equal(d(40)) {
		t.Errorf("expected pool 40, got %s", m.Pool)
	}
	if !m.Volume.Equal(d(160)) {
		t.Errorf("expected cumulative volume 160, got %s", m.Volume)
	}

	// 80 units remain, worth 40 at 0.50; selling 80 is too much.
	w := env.doBet(t, "alice", "m1", trade.PlaceBetRequest{Amount: d(-80), Side: "YES"})
	if code := errorCode(t, w); code != apperr.CodeInsufficientHoldings {
		t.Errorf("expected %s, got %s", apperr.CodeInsufficientHoldings, code)
	}
}

func TestPlaceBet_SellValueRoundsDown(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedUser(t, env.ms, "bob", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	env.mustBet(t, "bob", "m1", 100, "YES")
	env.mustBet(t, "alice", "m1", 10, "YES") // 10.10101010 units at 0.99

	// Worth 9.9999999990 at 0.99: a full 10.00 is a fraction of a cent too much.
	w := env.doBet(t, "alice", "m1", trade.PlaceBetRequest{Amount: d(-10), Side: "YES"})
	if code := errorCode(t, w); code != apperr.CodeInsufficientHoldings {
		t.Errorf("expected %s, got %s", apperr.CodeInsufficientHoldings, code)
	}

	env.mustBet(t, "alice", "m1", -9.99, "YES")
}

func TestPlaceBet_SellPricedAgainstOthers(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedUser(t, env.ms, "bob", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	env.mustBet(t, "alice", "m1", 20, "YES") // 40 units at 0.50
	env.mustBet(t, "bob", "m1", 500, "YES")

	// Alice's price excludes her own volume: 501/502 → 0.99, so her 40
	// units are worth 39.60.
	res := env.mustBet(t, "alice", "m1", -39, "YES")
	if !res.ExecutionOdds.Equal(d(0.99)) {
		t.Errorf("expected execution odds 0.99, got %s", res.ExecutionOdds)
	}

	m, _ := env.ms.GetMarket(context.Background(), "m1")
	if !m.Pool.Equal(d(481)) {
		t.Errorf("expected pool 481, got %s", m.Pool)
	}
}

func TestPlaceBet_SellLimitedByPool(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedUser(t, env.ms, "bob", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	env.mustBet(t, "alice", "m1", 20, "YES") // 40 units at 0.50
	env.mustBet(t, "bob", "m1", 100, "YES")  // priced at 0.95
	env.mustBet(t, "bob", "m1", -99, "YES")  // pool drops to 21

	// Alice now prices against bob's remaining 1 YES: 2/3 → 0.67, so her
	// 40 units are worth 26.80, but the pool only holds 21.
	w := env.doBet(t, "alice", "m1", trade.PlaceBetRequest{Amount: d(-25), Side: "YES"})

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != apperr.CodeInsufficientLiquidity {
		t.Errorf("expected %s, got %s", apperr.CodeInsufficientLiquidity, code)
	}
	m, _ := env.ms.GetMarket(context.Background(), "m1")
	if !m.Pool.Equal(d(21)) {
		t.Errorf("pool must be unchanged, got %s", m.Pool)
	}
}

func TestPlaceBet_MarketClosed(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedMarket(t, env.ms, "m1", -time.Hour)

	w := env.doBet(t, "alice", "m1", trade.PlaceBetRequest{Amount: d(10), Side: "YES"})

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != apperr.CodeMarketClosed {
		t.Errorf("expected %s, got %s", apperr.CodeMarketClosed, code)
	}
}

func TestPlaceBet_MarketNotFound(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)

	w := env.doBet(t, "alice", "nope", trade.PlaceBetRequest{Amount: d(10), Side: "YES"})

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestPlaceBet_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	cases := []struct {
		name string
		req  trade.PlaceBetRequest
		code string
	}{
		{"zero amount", trade.PlaceBetRequest{Amount: decimal.Zero, Side: "YES"}, apperr.CodeInvalidAmount},
		{"bad side", trade.PlaceBetRequest{Amount: d(10), Side: "MAYBE"}, apperr.CodeInvalidSide},
		{"no side", trade.PlaceBetRequest{Amount: d(10)}, apperr.CodeInvalidSide},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.doBet(t, "alice", "m1", tc.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
			if code := errorCode(t, w); code != tc.code {
				t.Errorf("expected %s, got %s", tc.code, code)
			}
		})
	}
}

func TestPlaceBet_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	body, _ := json.Marshal(trade.PlaceBetRequest{Amount: d(10), Side: "YES"})
	req := httptest.NewRequest("POST", "/api/v1/markets/m1/bets", bytes.NewReader(body))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestPlaceBet_PositionLimitRollsBack(t *testing.T) {
	env := newTestEnv(t, withRisk(risk.NewPositionLimiter(d(100), decimal.Zero)))
	seedUser(t, env.ms, "alice", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	env.mustBet(t, "alice", "m1", 100, "YES")
	w := env.doBet(t, "alice", "m1", trade.PlaceBetRequest{Amount: d(1), Side: "NO"})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != apperr.CodePositionLimit {
		t.Errorf("expected %s, got %s", apperr.CodePositionLimit, code)
	}

	u, _ := env.ms.GetUser(context.Background(), "alice")
	if !u.Balance.Equal(d(900)) {
		t.Errorf("rejected trade must not touch balance, got %s", u.Balance)
	}
	bets, _ := env.ms.ListBetsByMarket(context.Background(), "m1")
	if len(bets) != 1 {
		t.Errorf("expected 1 bet, got %d", len(bets))
	}
}

func TestPlaceBet_RateLimited(t *testing.T) {
	env := newTestEnv(t, withRate(trade.NewUserLimiter(0.001, 1)))
	seedUser(t, env.ms, "alice", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	env.mustBet(t, "alice", "m1", 1, "YES")
	w := env.doBet(t, "alice", "m1", trade.PlaceBetRequest{Amount: d(1), Side: "YES"})

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

// --- Concurrency and conservation ---

func TestPlaceBet_ConcurrentSameMarket(t *testing.T) {
	env := newTestEnv(t)
	seedMarket(t, env.ms, "thin", 24*time.Hour)

	const n = 20
	users := make([]string, n)
	for i := range users {
		users[i] = "user" + string(rune('a'+i))
		seedUser(t, env.ms, users[i], 50)
	}
	before := totalMoney(t, env.store)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i, u := range users {
		wg.Add(1)
		go func(u string, i int) {
			defer wg.Done()
			side := model.SideYes
			if i%2 == 1 {
				side = model.SideNo
			}
			_, err := env.executor.PlaceTrade(context.Background(), trade.TradeRequest{
				UserID: u, MarketID: "thin", Amount: d(10), Side: side,
			})
			errs <- err
		}(u, i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent trade failed: %v", err)
		}
	}

	m, _ := env.ms.GetMarket(context.Background(), "thin")
	if !m.Volume.Equal(d(200)) || !m.Pool.Equal(d(200)) {
		t.Errorf("expected volume=pool=200, got volume=%s pool=%s", m.Volume, m.Pool)
	}
	if !m.Odds.Equal(d(0.5)) {
		t.Errorf("balanced book should display 0.50, got %s", m.Odds)
	}
	bets, _ := env.ms.ListBetsByMarket(context.Background(), "thin")
	if len(bets) != n {
		t.Errorf("expected %d bets, got %d", n, len(bets))
	}

	// Every trade priced off the volume committed before it by other users.
	for i, b := range bets {
		var prior model.Volume
		for _, earlier := range bets[:i] {
			if earlier.UserID == b.UserID {
				continue
			}
			if earlier.Side == model.SideYes {
				prior.Yes = prior.Yes.Add(earlier.Amount)
			} else {
				prior.No = prior.No.Add(earlier.Amount)
			}
		}
		if want := odds.FromVolume(prior); !b.Odds.Equal(want) {
			t.Errorf("bet %d (%s %s): executed at %s, want %s", i, b.UserID, b.Side, b.Odds, want)
		}
	}
	if after := totalMoney(t, env.store); !after.Equal(before) {
		t.Errorf("money not conserved: before=%s after=%s", before, after)
	}
}

func TestPlaceBet_ConservationAcrossBuysAndSells(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedUser(t, env.ms, "bob", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)
	seedMarket(t, env.ms, "m2", 24*time.Hour)
	before := totalMoney(t, env.store)

	env.mustBet(t, "alice", "m1", 120, "YES")
	env.mustBet(t, "bob", "m1", 80, "NO")
	env.mustBet(t, "bob", "m2", 33.33, "YES")
	env.mustBet(t, "alice", "m1", -2, "YES")
	env.doBet(t, "bob", "m2", trade.PlaceBetRequest{Amount: d(5000), Side: "NO"}) // rejected

	if after := totalMoney(t, env.store); !after.Equal(before) {
		t.Errorf("money not conserved: before=%s after=%s", before, after)
	}
}

// --- Retry and failure handling ---

// conflictStore fails the first `failures` transactions with a
// serialization conflict.
type conflictStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *conflictStore) InTx(ctx context.Context, opts store.TxOptions, fn func(store.Tx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return apperr.Wrap(apperr.KindConflict, apperr.CodeTradeConflict, "could not serialize access", errors.New("40001"))
	}
	return s.MemoryStore.InTx(ctx, opts, fn)
}

func TestPlaceBet_RetriesConflicts(t *testing.T) {
	cs := &conflictStore{failures: 2}
	env := newTestEnv(t, withStore(func(ms *store.MemoryStore) store.Store {
		cs.MemoryStore = ms
		return cs
	}))
	seedUser(t, env.ms, "alice", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	env.mustBet(t, "alice", "m1", 10, "YES")
	if cs.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", cs.calls)
	}
}

func TestPlaceBet_ConflictExhaustsRetries(t *testing.T) {
	cs := &conflictStore{failures: 100}
	env := newTestEnv(t, withStore(func(ms *store.MemoryStore) store.Store {
		cs.MemoryStore = ms
		return cs
	}))
	seedUser(t, env.ms, "alice", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	w := env.doBet(t, "alice", "m1", trade.PlaceBetRequest{Amount: d(10), Side: "YES"})

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if code := errorCode(t, w); code != apperr.CodeTradeConflict {
		t.Errorf("expected %s, got %s", apperr.CodeTradeConflict, code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on conflict")
	}
	if cs.calls != 4 {
		t.Errorf("expected 1 attempt + 3 retries, got %d", cs.calls)
	}
}

// brokenOddsStore fails every volume query inside transactions.
type brokenOddsStore struct {
	*store.MemoryStore
}

type brokenOddsTx struct {
	store.Tx
}

func (brokenOddsTx) GetMarketVolume(context.Context, string, string) (model.Volume, error) {
	return model.Volume{}, errors.New("connection reset")
}

func (s brokenOddsStore) InTx(ctx context.Context, opts store.TxOptions, fn func(store.Tx) error) error {
	return s.MemoryStore.InTx(ctx, opts, func(tx store.Tx) error {
		return fn(brokenOddsTx{Tx: tx})
	})
}

func TestPlaceBet_OddsFailureAbortsTrade(t *testing.T) {
	env := newTestEnv(t, withStore(func(ms *store.MemoryStore) store.Store {
		return brokenOddsStore{MemoryStore: ms}
	}))
	seedUser(t, env.ms, "alice", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	w := env.doBet(t, "alice", "m1", trade.PlaceBetRequest{Amount: d(10), Side: "YES"})

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	u, _ := env.ms.GetUser(context.Background(), "alice")
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("balance must be unchanged, got %s", u.Balance)
	}
	bets, _ := env.ms.ListBetsByMarket(context.Background(), "m1")
	if len(bets) != 0 {
		t.Errorf("no bet should be recorded, got %d", len(bets))
	}
}

// --- Market endpoints ---

func TestCreateMarket_AdminOnly(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(trade.CreateMarketRequest{
		Name:    "Will the bridge open by June?",
		EndDate: time.Now().Add(48 * time.Hour),
	})

	req := httptest.NewRequest("POST", "/api/v1/markets", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+env.token(t, "alice", false))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("non-admin: expected 401, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/api/v1/markets", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+env.token(t, "root", true))
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("admin: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var market trade.MarketView
	json.Unmarshal(w.Body.Bytes(), &market)
	if !market.Odds.Equal(d(0.5)) {
		t.Errorf("new market should start at 0.50, got %s", market.Odds)
	}
	if market.Status != model.StatusOpen {
		t.Errorf("expected OPEN, got %s", market.Status)
	}
}

func TestCreateMarket_RejectsPastEndDate(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(trade.CreateMarketRequest{Name: "late", EndDate: time.Now().Add(-time.Hour)})
	req := httptest.NewRequest("POST", "/api/v1/markets", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+env.token(t, "root", true))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestListMarkets_StatusFilter(t *testing.T) {
	env := newTestEnv(t)
	seedMarket(t, env.ms, "open", 24*time.Hour)
	seedMarket(t, env.ms, "ended", -time.Hour)

	req := httptest.NewRequest("GET", "/api/v1/markets?status=expired", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	var markets []trade.MarketView
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 1 || markets[0].ID != "ended" {
		t.Fatalf("expected only the ended market, got %+v", markets)
	}
	if markets[0].Status != model.StatusExpired {
		t.Errorf("expected EXPIRED, got %s", markets[0].Status)
	}
}

func TestTrendingMarkets(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedMarket(t, env.ms, "quiet", 24*time.Hour)
	seedMarket(t, env.ms, "busy", 48*time.Hour)
	seedMarket(t, env.ms, "closed", -time.Hour)

	env.mustBet(t, "alice", "busy", 50, "YES")
	env.mustBet(t, "alice", "quiet", 5, "YES")

	req := httptest.NewRequest("GET", "/api/v1/markets/trending?limit=5", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	var markets []trade.MarketView
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 2 {
		t.Fatalf("expected 2 open markets, got %d", len(markets))
	}
	if markets[0].ID != "busy" {
		t.Errorf("expected busy first, got %s", markets[0].ID)
	}
}

func TestListBets(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.ms, "alice", 1000)
	seedUser(t, env.ms, "bob", 1000)
	seedMarket(t, env.ms, "m1", 24*time.Hour)

	env.mustBet(t, "alice", "m1", 10, "YES")
	env.mustBet(t, "bob", "m1", 20, "NO")

	req := httptest.NewRequest("GET", "/api/v1/markets/m1/bets", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	var bets []model.Bet
	json.Unmarshal(w.Body.Bytes(), &bets)
	if len(bets) != 2 {
		t.Fatalf("expected 2 bets, got %d", len(bets))
	}
	if bets[0].Username != "alice" {
		t.Errorf("expected username on bet, got %q", bets[0].Username)
	}

	req = httptest.NewRequest("GET", "/api/v1/users/bob/bets", nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "alice", false))
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	json.Unmarshal(w.Body.Bytes(), &bets)
	if len(bets) != 1 || !bets[0].Amount.Equal(d(20)) {
		t.Errorf("expected bob's single bet, got %+v", bets)
	}
}

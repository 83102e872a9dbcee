// Package trade provides the HTTP handlers and business logic for
// creating markets, placing bets, and querying markets and bet ledgers.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddsbook/market-engine/internal/apperr"
	"github.com/oddsbook/market-engine/internal/auth"
	"github.com/oddsbook/market-engine/internal/metrics"
	"github.com/oddsbook/market-engine/internal/model"
	"github.com/oddsbook/market-engine/internal/odds"
	"github.com/oddsbook/market-engine/internal/store"
)

const (
	trendingWindow       = 24 * time.Hour
	defaultTrendingLimit = 10
	maxTrendingLimit     = 100
)

// Service serves market and bet endpoints. Trades are delegated to the
// Executor.
type Service struct {
	store    store.Store
	executor *Executor
	limiter  *UserLimiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new trade service. limiter may be nil.
func NewService(st store.Store, executor *Executor, limiter *UserLimiter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		executor: executor,
		limiter:  limiter,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	EndDate     time.Time `json:"end_date"`
}

// PlaceBetRequest is the JSON body for POST /markets/{marketID}/bets.
// Side is "YES" or "NO"; the boolean Prediction (true = YES) is accepted
// when Side is omitted.
type PlaceBetRequest struct {
	Amount     decimal.Decimal `json:"amount"` // positive = buy, negative = sell
	Side       string          `json:"side"`
	Prediction *bool           `json:"prediction,omitempty"`
}

// MarketView is a market with its derived status.
type MarketView struct {
	model.Market
	Status string `json:"status"`
}

func (s *Service) view(m model.Market) MarketView {
	return MarketView{Market: m, Status: m.Status(s.now())}
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteHTTP(w, apperr.Validation(apperr.CodeInvalidRequest, "invalid request body"))
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		apperr.WriteHTTP(w, apperr.Validation(apperr.CodeInvalidRequest, "name is required"))
		return
	}
	now := s.now()
	if !req.EndDate.After(now) {
		apperr.WriteHTTP(w, apperr.Validation(apperr.CodeInvalidRequest, "end_date must be in the future"))
		return
	}

	market := &model.Market{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Volume:      decimal.Zero,
		Pool:        decimal.Zero,
		Odds:        odds.Neutral,
		EndDate:     req.EndDate.UTC(),
		CreatedAt:   now,
	}

	ctx := r.Context()
	if err := s.store.CreateMarket(ctx, market); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	s.logger.InfoContext(ctx, "market created",
		"id", market.ID,
		"name", market.Name,
		"end_date", market.EndDate,
		"by", auth.UserIDFrom(ctx),
	)

	writeJSON(w, http.StatusCreated, s.view(*market))
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.view(*market))
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?status=OPEN|EXPIRED|RESOLVED.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	status := strings.ToUpper(r.URL.Query().Get("status"))
	views := make([]MarketView, 0, len(markets))
	open := 0
	for _, m := range markets {
		v := s.view(m)
		if v.Status == model.StatusOpen {
			open++
		}
		if status != "" && v.Status != status {
			continue
		}
		views = append(views, v)
	}
	metrics.ActiveMarkets.Set(float64(open))

	writeJSON(w, http.StatusOK, views)
}

// TrendingMarkets handles GET /api/v1/markets/trending
// Returns open markets ranked by volume bet in the last 24 hours.
func (s *Service) TrendingMarkets(w http.ResponseWriter, r *http.Request) {
	limit := defaultTrendingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apperr.WriteHTTP(w, apperr.Validation(apperr.CodeInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxTrendingLimit)
	}

	markets, err := s.store.ListTrendingMarkets(r.Context(), s.now().Add(-trendingWindow), limit)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, s.view(m))
	}
	writeJSON(w, http.StatusOK, views)
}

// ListMarketBets handles GET /api/v1/markets/{marketID}/bets
// Returns the immutable bet ledger of a market, oldest first.
func (s *Service) ListMarketBets(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	bets, err := s.store.ListBetsByMarket(ctx, marketID)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// ListUserBets handles GET /api/v1/users/{userID}/bets
func (s *Service) ListUserBets(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	if _, err := s.store.GetUser(ctx, userID); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	bets, err := s.store.ListBetsByUser(ctx, userID)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// PlaceBet handles POST /api/v1/markets/{marketID}/bets
// Places a trade for the authenticated user at their execution odds.
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteHTTP(w, apperr.Validation(apperr.CodeInvalidRequest, "invalid request body"))
		return
	}

	side, ok := model.ParseSide(req.Side)
	if !ok {
		if req.Side != "" || req.Prediction == nil {
			apperr.WriteHTTP(w, apperr.ErrInvalidSide)
			return
		}
		side = model.SideFromBool(*req.Prediction)
	}

	ctx := r.Context()
	userID := auth.UserIDFrom(ctx)
	if !s.limiter.Allow(userID) {
		metrics.TradeRejections.WithLabelValues(apperr.CodeRateLimited).Inc()
		apperr.WriteHTTP(w, apperr.ErrRateLimited)
		return
	}

	result, err := s.executor.PlaceTrade(ctx, TradeRequest{
		UserID:   userID,
		MarketID: chi.URLParam(r, "marketID"),
		Amount:   req.Amount,
		Side:     side,
	})
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

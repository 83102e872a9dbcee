package holdings

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/oddsbook/market-engine/internal/apperr"
	"github.com/oddsbook/market-engine/internal/auth"
	"github.com/oddsbook/market-engine/internal/model"
)

const defaultLeaderboardLimit = 20

// Handler serves holdings endpoints.
type Handler struct {
	agg *Aggregator
}

// NewHandler creates the holdings handlers.
func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

// MyHoldings handles GET /api/v1/me/holdings
func (h *Handler) MyHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := h.agg.GetHoldings(r.Context(), auth.UserIDFrom(r.Context()))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if holdings == nil {
		holdings = []model.Holding{}
	}
	writeJSON(w, holdings)
}

// MySummary handles GET /api/v1/me/summary
func (h *Handler) MySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.agg.Summary(r.Context(), auth.UserIDFrom(r.Context()))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, summary)
}

// Leaderboard handles GET /api/v1/leaderboard?limit=N
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := defaultLeaderboardLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apperr.WriteHTTP(w, apperr.Validation(apperr.CodeInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := h.agg.Leaderboard(r.Context(), limit)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

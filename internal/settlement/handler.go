package settlement

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oddsbook/market-engine/internal/apperr"
	"github.com/oddsbook/market-engine/internal/model"
)

// Handler serves the admin settlement endpoints.
type Handler struct {
	engine    *Engine
	scheduler *Scheduler
}

// NewHandler creates settlement handlers. Manual runs go through the
// scheduler so they honour the distributed lock.
func NewHandler(engine *Engine, scheduler *Scheduler) *Handler {
	return &Handler{engine: engine, scheduler: scheduler}
}

// DeclareOutcomeRequest is the JSON body for declaring an outcome.
type DeclareOutcomeRequest struct {
	Outcome string `json:"outcome"`
}

// DeclareOutcome handles POST /api/v1/markets/{marketID}/outcome
func (h *Handler) DeclareOutcome(w http.ResponseWriter, r *http.Request) {
	var req DeclareOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteHTTP(w, apperr.Validation(apperr.CodeInvalidRequest, "invalid request body"))
		return
	}
	side, ok := model.ParseSide(req.Outcome)
	if !ok {
		apperr.WriteHTTP(w, apperr.ErrInvalidSide)
		return
	}

	market, err := h.engine.DeclareOutcome(r.Context(), chi.URLParam(r, "marketID"), side)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// Settle handles POST /api/v1/admin/settle
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var (
		n   int
		err error
	)
	if h.scheduler != nil {
		n, err = h.scheduler.RunOnce(r.Context())
	} else {
		n, err = h.engine.ResolveExpiredMarkets(r.Context())
	}
	if errors.Is(err, ErrLockHeld) {
		apperr.WriteHTTP(w, apperr.Wrap(apperr.KindConflict, apperr.CodeTradeConflict, "settlement already running", err))
		return
	}
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

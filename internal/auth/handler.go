package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddsbook/market-engine/internal/apperr"
	"github.com/oddsbook/market-engine/internal/model"
	"github.com/oddsbook/market-engine/internal/store"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)

const minPasswordLen = 8

// Handler serves registration and login.
type Handler struct {
	store           store.Store
	issuer          *TokenIssuer
	startingBalance decimal.Decimal
	isAdmin         func(username string) bool
	params          Argon2Params
	logger          *slog.Logger
}

// NewHandler creates the auth handlers. isAdmin may be nil.
func NewHandler(st store.Store, issuer *TokenIssuer, startingBalance decimal.Decimal, isAdmin func(string) bool, logger *slog.Logger) *Handler {
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:           st,
		issuer:          issuer,
		startingBalance: startingBalance,
		isAdmin:         isAdmin,
		params:          DefaultArgon2Params,
		logger:          logger,
	}
}

// Credentials is the JSON body for register and login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is returned on successful register or login.
type TokenResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      *model.User `json:"user"`
}

// Register handles POST /api/v1/auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteHTTP(w, apperr.Validation(apperr.CodeInvalidRequest, "invalid request body"))
		return
	}
	if !usernamePattern.MatchString(req.Username) {
		apperr.WriteHTTP(w, apperr.Validation(apperr.CodeInvalidRequest, "username must be 3-32 letters, digits or underscores"))
		return
	}
	if len(req.Password) < minPasswordLen {
		apperr.WriteHTTP(w, apperr.Validation(apperr.CodeInvalidRequest, "password must be at least 8 characters"))
		return
	}

	hash, err := HashPassword(req.Password, h.params)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Internal("hash password", err))
		return
	}

	user := &model.User{
		ID:           uuid.New().String(),
		Username:     req.Username,
		PasswordHash: hash,
		Balance:      h.startingBalance,
		CreatedAt:    time.Now().UTC(),
	}
	ctx := r.Context()
	if err := h.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, apperr.ErrAlreadyExists) {
			apperr.WriteHTTP(w, apperr.Wrap(apperr.KindConflict, apperr.CodeAlreadyExists, "username taken", err))
			return
		}
		h.logger.ErrorContext(ctx, "create user failed", "username", req.Username, "err", err)
		apperr.WriteHTTP(w, err)
		return
	}

	h.logger.InfoContext(ctx, "user registered", "user_id", user.ID, "username", user.Username)
	h.writeToken(w, http.StatusCreated, user)
}

// Login handles POST /api/v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteHTTP(w, apperr.Validation(apperr.CodeInvalidRequest, "invalid request body"))
		return
	}

	badCreds := apperr.New(apperr.KindUnauthorized, apperr.CodeUnauthorized, "invalid username or password")

	user, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, apperr.ErrUserNotFound) {
			apperr.WriteHTTP(w, badCreds)
			return
		}
		apperr.WriteHTTP(w, err)
		return
	}

	ok, err := VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		apperr.WriteHTTP(w, badCreds)
		return
	}

	h.writeToken(w, http.StatusOK, user)
}

func (h *Handler) writeToken(w http.ResponseWriter, status int, user *model.User) {
	token, exp, err := h.issuer.Issue(user.ID, user.Username, h.isAdmin(user.Username))
	if err != nil {
		apperr.WriteHTTP(w, apperr.Internal("issue token", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(TokenResponse{Token: token, ExpiresAt: exp, User: user})
}

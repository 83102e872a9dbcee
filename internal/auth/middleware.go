package auth

import (
	"context"
	"net/http"

	"github.com/oddsbook/market-engine/internal/apperr"
)

type ctxKey struct{}

// Middleware rejects requests without a valid bearer token and stores the
// token's claims on the request context.
func Middleware(issuer *TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearer(r.Header.Get("Authorization"))
			if token == "" {
				apperr.WriteHTTP(w, apperr.New(apperr.KindUnauthorized, apperr.CodeUnauthorized, "missing token"))
				return
			}
			claims, err := issuer.Parse(token)
			if err != nil {
				apperr.WriteHTTP(w, apperr.New(apperr.KindUnauthorized, apperr.CodeUnauthorized, "invalid token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireAdmin must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok || !claims.Admin {
			apperr.WriteHTTP(w, apperr.New(apperr.KindUnauthorized, apperr.CodeUnauthorized, "admin only"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithClaims returns ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, claims)
}

// ClaimsFrom returns the claims stored by Middleware.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}

// UserIDFrom returns the authenticated user ID, or "".
func UserIDFrom(ctx context.Context) string {
	if c, ok := ClaimsFrom(ctx); ok {
		return c.Subject
	}
	return ""
}

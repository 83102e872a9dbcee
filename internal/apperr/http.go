package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// WriteHTTP writes err as {"code": ..., "error": ...} with the status of its
// kind. Unclassified errors are reported as a bare internal error so store
// details never reach the client.
func WriteHTTP(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	code := CodeOf(err)
	msg := "internal error"
	if kind != KindInternal {
		msg = err.Error()
		var e *Error
		if errors.As(err, &e) {
			msg = e.Message
		}
	}
	if (kind == KindConflict && code == CodeTradeConflict) || kind == KindRateLimited {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]string{"code": code, "error": msg})
}

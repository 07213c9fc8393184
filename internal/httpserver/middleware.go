package httpserver

import (
	"net/http"

	"github.com/gudax/autobot/internal/httputil"
)

// InternalAuth guards the operator control surface with a shared
// token; this core has no end-user login (SessionPool owns the
// upstream broker credentials, never an operator's).
func InternalAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Internal-Token") != token {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid internal token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

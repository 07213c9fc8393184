package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gudax/autobot/internal/eventbus"
	"github.com/gudax/autobot/internal/health"
)

type RouterDeps struct {
	Handler       *Handler
	HealthHandler *health.Handler
	WSHandler     *eventbus.Handler
	InternalToken string
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Internal-Token")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Use(SecurityHeaders)
	r.Use(RateLimitMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if d.HealthHandler == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		d.HealthHandler.Live(w, r)
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.HealthHandler == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		d.HealthHandler.Ready(w, r)
	})

	r.Get("/ws/{channel}", func(w http.ResponseWriter, r *http.Request) {
		d.WSHandler.ServeChannel(w, r, chi.URLParam(r, "channel"))
	})

	r.Route("/", func(r chi.Router) {
		r.Use(InternalAuth(d.InternalToken))

		r.Post("/users/{uid}/login", d.Handler.LoginUser)
		r.Post("/users/{uid}/logout", d.Handler.LogoutUser)
		r.Post("/users/login-all", d.Handler.LoginAll)

		r.Get("/sessions", d.Handler.ListSessions)
		r.Get("/sessions/{uid}", d.Handler.GetSession)
		r.Post("/sessions/refresh-all", d.Handler.RefreshAll)
		r.Get("/sessions/health/check", d.Handler.SweepHealth)

		r.Post("/trading/signal", d.Handler.Signal)
		r.Post("/trading/close-all", d.Handler.CloseAll)
		r.Get("/trading/positions", d.Handler.ListPositions)
		r.Get("/trading/trades", d.Handler.ListTrades)

		r.Get("/signals", d.Handler.ListSignals)
		r.Get("/dashboard/summary", d.Handler.DashboardSummary)
	})

	return r
}

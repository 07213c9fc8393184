package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gudax/autobot/internal/eventbus"
	"github.com/gudax/autobot/internal/fanout"
	"github.com/gudax/autobot/internal/httputil"
	"github.com/gudax/autobot/internal/model"
	"github.com/gudax/autobot/internal/repository"
	"github.com/gudax/autobot/internal/sessionpool"
	"github.com/gudax/autobot/internal/supervisor"
)

// Handler groups every control-surface operation (§6) behind the core
// components wired in cmd/api/main.go.
type Handler struct {
	pool   *sessionpool.SessionPool
	engine *fanout.Engine
	sup    *supervisor.Supervisor
	repo   repository.Repository
	bus    *eventbus.Bus
}

func NewHandler(pool *sessionpool.SessionPool, engine *fanout.Engine, sup *supervisor.Supervisor, repo repository.Repository, bus *eventbus.Bus) *Handler {
	return &Handler{pool: pool, engine: engine, sup: sup, repo: repo, bus: bus}
}

func uidParam(r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "uid")
	uid, err := strconv.ParseInt(raw, 10, 64)
	return uid, err == nil
}

// LoginUser handles POST /users/{uid}/login.
func (h *Handler) LoginUser(w http.ResponseWriter, r *http.Request) {
	uid, ok := uidParam(r)
	if !ok {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid uid"})
		return
	}
	outcome := h.pool.LoginOne(r.Context(), uid)
	status := http.StatusOK
	if !outcome.Success {
		status = http.StatusBadGateway
	}
	httputil.WriteJSON(w, status, outcome)
}

// LogoutUser handles POST /users/{uid}/logout.
func (h *Handler) LogoutUser(w http.ResponseWriter, r *http.Request) {
	uid, ok := uidParam(r)
	if !ok {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid uid"})
		return
	}
	if err := h.pool.Logout(r.Context(), uid); err != nil {
		httputil.WriteJSON(w, http.StatusBadGateway, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// LoginAll handles POST /users/login-all.
func (h *Handler) LoginAll(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.pool.LoginAll(r.Context())
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	h.bus.PublishSessionUpdate(map[string]any{"type": "login_all", "outcomes": outcomes})
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// RefreshAll handles POST /sessions/refresh-all.
func (h *Handler) RefreshAll(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.pool.RefreshAll(r.Context())
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// SweepHealth handles GET /sessions/health/check.
func (h *Handler) SweepHealth(w http.ResponseWriter, r *http.Request) {
	report := h.pool.Sweep(r.Context())
	httputil.WriteJSON(w, http.StatusOK, report)
}

// ListSessions handles the supplemented GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"sessions": h.pool.Snapshot()})
}

// GetSession handles the supplemented GET /sessions/{uid}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := uidParam(r)
	if !ok {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid uid"})
		return
	}
	sess, ok := h.pool.Get(uid)
	if !ok {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "no active session for uid"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sess)
}

type signalRequest struct {
	Action     string           `json:"action"`
	Symbol     string           `json:"symbol"`
	EntryPrice *decimal.Decimal `json:"entry_price,omitempty"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
	Volume     *decimal.Decimal `json:"volume,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

func (req signalRequest) toSignal() model.Signal {
	volume := decimal.NewFromFloat(0.1)
	if req.Volume != nil {
		volume = *req.Volume
	}
	return model.Signal{
		Action:     model.SignalAction(req.Action),
		Symbol:     req.Symbol,
		EntryPrice: req.EntryPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Volume:     volume,
		Reason:     req.Reason,
	}
}

// Signal handles POST /trading/signal.
func (h *Handler) Signal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	result, err := h.engine.Execute(r.Context(), req.toSignal())
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

type closeAllRequest struct {
	Symbol string `json:"symbol,omitempty"`
}

// CloseAll handles POST /trading/close-all.
func (h *Handler) CloseAll(w http.ResponseWriter, r *http.Request) {
	var req closeAllRequest
	_ = httputil.ReadJSON(r, &req)
	result, err := h.engine.Execute(r.Context(), model.Signal{Action: model.SignalActionClose, Symbol: req.Symbol})
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// ListPositions handles GET /trading/positions.
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	orders, err := h.repo.ListOpenOrders(r.Context())
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"positions": orders})
}

// ListTrades handles GET /trading/trades with optional user_id/symbol filters.
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	var trades []model.Trade
	var err error
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		uid, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid user_id"})
			return
		}
		trades, err = h.repo.ListTradesByUser(r.Context(), uid, limit)
	} else if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		trades, err = h.repo.ListTradesBySymbol(r.Context(), symbol, limit)
	} else {
		trades, err = h.repo.ListRecentTrades(r.Context(), limit)
	}
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

// ListSignals handles the supplemented GET /signals.
func (h *Handler) ListSignals(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	signals, err := h.repo.ListRecentSignals(r.Context(), limit)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"signals": signals})
}

// DashboardSummary handles the supplemented GET /dashboard/summary.
func (h *Handler) DashboardSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.repo.DashboardSummary(r.Context())
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}

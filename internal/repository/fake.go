package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gudax/autobot/internal/model"
)

// Fake is an in-memory Repository used by tests, grounded on the
// teacher's broker.DisabledAdapter no-op-stub-behind-an-interface
// pattern, generalized here to hold real state instead of refusing
// every call.
type Fake struct {
	mu       sync.Mutex
	users    map[int64]model.User
	sessions map[int64]model.Session
	orders   map[int64]model.Order
	trades   []model.Trade
	signals  []model.Signal
	nextSID  int64
	nextOID  int64
	nextTID  int64
	nextSig  int64
}

func NewFake() *Fake {
	return &Fake{
		users:    make(map[int64]model.User),
		sessions: make(map[int64]model.Session),
		orders:   make(map[int64]model.Order),
	}
}

func (f *Fake) PutUser(u model.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.UID] = u
}

func (f *Fake) ListActiveUsers(ctx context.Context) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.User
	for _, u := range f.users {
		if u.Active {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (f *Fake) GetUser(ctx context.Context, uid int64) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[uid]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}

func (f *Fake) UpsertSession(ctx context.Context, s model.Session) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSID++
	s.SID = f.nextSID
	s.Active = true
	f.sessions[s.UID] = s
	return s, nil
}

func (f *Fake) DeactivateSession(ctx context.Context, uid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[uid]; ok {
		s.Active = false
		f.sessions[uid] = s
	}
	return nil
}

func (f *Fake) GetActiveSession(ctx context.Context, uid int64) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[uid]
	if !ok || !s.Active {
		return model.Session{}, ErrNotFound
	}
	return s, nil
}

func (f *Fake) ListActiveSessions(ctx context.Context) ([]model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Session
	for _, s := range f.sessions {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (f *Fake) CreateSignal(ctx context.Context, sig model.Signal) (model.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSig++
	sig.ID = f.nextSig
	sig.CreatedAt = time.Now()
	f.signals = append(f.signals, sig)
	return sig, nil
}

func (f *Fake) ListRecentSignals(ctx context.Context, limit int) ([]model.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Signal, len(f.signals))
	copy(out, f.signals)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextOID++
	o.OID = f.nextOID
	o.CreatedAt = time.Now()
	f.orders[o.OID] = o
	return o, nil
}

func (f *Fake) UpdateOrderStatus(ctx context.Context, oid int64, status model.OrderStatus, upstreamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[oid]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	if upstreamID != "" {
		o.UpstreamID = upstreamID
	}
	if status == model.OrderStatusOpen && o.ExecutedAt == nil {
		now := time.Now()
		o.ExecutedAt = &now
	}
	f.orders[oid] = o
	return nil
}

func (f *Fake) GetOrderByUpstreamID(ctx context.Context, upstreamID string) (model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.UpstreamID == upstreamID && upstreamID != "" {
			return o, nil
		}
	}
	return model.Order{}, ErrNotFound
}

func (f *Fake) MostRecentOpenOrder(ctx context.Context, uid int64, symbol string) (model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var candidates []model.Order
	for _, o := range f.orders {
		if o.UID == uid && o.Symbol == symbol && o.Status == model.OrderStatusOpen {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		return model.Order{}, ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		}
		return candidates[i].OID > candidates[j].OID
	})
	return candidates[0], nil
}

func (f *Fake) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Order
	for _, o := range f.orders {
		if o.Status == model.OrderStatusOpen {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *Fake) ListOrdersByUser(ctx context.Context, uid int64, limit int) ([]model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Order
	for _, o := range f.orders {
		if o.UID == uid {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) CloseOrder(ctx context.Context, oid int64, closedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[oid]
	if !ok {
		return ErrNotFound
	}
	o.Status = model.OrderStatusClosed
	o.ClosedAt = &closedAt
	f.orders[oid] = o
	return nil
}

func (f *Fake) CreateTrade(ctx context.Context, t model.Trade) (model.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTID++
	t.TID = f.nextTID
	f.trades = append(f.trades, t)
	return t, nil
}

func (f *Fake) ListTradesByUser(ctx context.Context, uid int64, limit int) ([]model.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Trade
	for _, t := range f.trades {
		if t.UID == uid {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) ListTradesBySymbol(ctx context.Context, symbol string, limit int) ([]model.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Trade
	for _, t := range f.trades {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) ListRecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Trade, len(f.trades))
	copy(out, f.trades)
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) DashboardSummary(ctx context.Context) (DashboardSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open int
	for _, o := range f.orders {
		if o.Status == model.OrderStatusOpen {
			open++
		}
	}
	var active int
	for _, s := range f.sessions {
		if s.Active {
			active++
		}
	}
	return DashboardSummary{
		ActiveSessions: active,
		OpenOrders:     open,
		TotalUsers:     len(f.users),
	}, nil
}

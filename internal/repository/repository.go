// Package repository persists users, sessions, orders, trades, and
// signals in Postgres via pgx/v5 (spec §3, §6). UpsertSession, the one
// multi-statement write, runs in a transaction: pool.Begin, defer
// tx.Rollback, then commit on success, the same shape the teacher's
// ledger and orders services use. Every other write is a single
// statement executed directly on the pool.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gudax/autobot/internal/model"
)

// StorageError wraps any failure talking to Postgres so callers can
// distinguish it from domain validation failures.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("repository: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("repository: not found")

// Repository is the storage contract consumed by SessionPool,
// FanOutEngine, and PositionSupervisor. Production code depends on
// this interface, not *Postgres, so tests can substitute a fake.
type Repository interface {
	ListActiveUsers(ctx context.Context) ([]model.User, error)
	GetUser(ctx context.Context, uid int64) (model.User, error)

	UpsertSession(ctx context.Context, s model.Session) (model.Session, error)
	DeactivateSession(ctx context.Context, uid int64) error
	GetActiveSession(ctx context.Context, uid int64) (model.Session, error)
	ListActiveSessions(ctx context.Context) ([]model.Session, error)

	CreateSignal(ctx context.Context, sig model.Signal) (model.Signal, error)
	ListRecentSignals(ctx context.Context, limit int) ([]model.Signal, error)

	CreateOrder(ctx context.Context, o model.Order) (model.Order, error)
	UpdateOrderStatus(ctx context.Context, oid int64, status model.OrderStatus, upstreamID string) error
	GetOrderByUpstreamID(ctx context.Context, upstreamID string) (model.Order, error)
	MostRecentOpenOrder(ctx context.Context, uid int64, symbol string) (model.Order, error)
	ListOpenOrders(ctx context.Context) ([]model.Order, error)
	ListOrdersByUser(ctx context.Context, uid int64, limit int) ([]model.Order, error)
	CloseOrder(ctx context.Context, oid int64, closedAt time.Time) error

	CreateTrade(ctx context.Context, t model.Trade) (model.Trade, error)
	ListTradesByUser(ctx context.Context, uid int64, limit int) ([]model.Trade, error)
	ListTradesBySymbol(ctx context.Context, symbol string, limit int) ([]model.Trade, error)
	ListRecentTrades(ctx context.Context, limit int) ([]model.Trade, error)

	DashboardSummary(ctx context.Context) (DashboardSummary, error)
}

// DashboardSummary backs GET /dashboard/summary.
type DashboardSummary struct {
	ActiveSessions  int
	OpenOrders      int
	TotalUsers      int
	RealizedPnLToday decimal.Decimal
}

// Postgres is the pgx/v5-backed Repository implementation.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// NewPool dials Postgres with pgxpool using the given DSN.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &StorageError{Op: "parse_dsn", Err: err}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &StorageError{Op: "connect", Err: err}
	}
	return pool, nil
}

// EnsureSchema creates the tables this core needs if they are
// missing, retrying the whole attempt a bounded number of times so a
// slow-starting database doesn't fail the process outright (spec §6).
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const attempts = 10
	const wait = 3 * time.Second
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := applySchema(ctx, pool); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return &StorageError{Op: "ensure_schema", Err: lastErr}
}

func applySchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	uid BIGSERIAL PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	encrypted_password TEXT NOT NULL,
	broker_id TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS user_sessions (
	sid BIGSERIAL PRIMARY KEY,
	uid BIGINT NOT NULL REFERENCES users(uid),
	active BOOLEAN NOT NULL DEFAULT TRUE,
	auth_token TEXT NOT NULL,
	trading_token TEXT NOT NULL,
	trading_account_id TEXT NOT NULL DEFAULT '',
	login_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	last_refresh_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS user_sessions_active_uid_idx ON user_sessions(uid) WHERE active;

CREATE TABLE IF NOT EXISTS trading_signals (
	id BIGSERIAL PRIMARY KEY,
	action TEXT NOT NULL,
	symbol TEXT NOT NULL,
	entry_price NUMERIC,
	stop_loss NUMERIC,
	take_profit NUMERIC,
	volume NUMERIC NOT NULL,
	strength NUMERIC NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS orders (
	oid BIGSERIAL PRIMARY KEY,
	uid BIGINT NOT NULL REFERENCES users(uid),
	upstream_id TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	type TEXT NOT NULL,
	quantity NUMERIC NOT NULL,
	entry_price NUMERIC NOT NULL,
	stop_loss NUMERIC,
	take_profit NUMERIC,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	executed_at TIMESTAMPTZ,
	closed_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS orders_upstream_id_idx ON orders(upstream_id) WHERE upstream_id <> '';
CREATE INDEX IF NOT EXISTS orders_uid_symbol_created_idx ON orders(uid, symbol, created_at DESC);

CREATE TABLE IF NOT EXISTS trades (
	tid BIGSERIAL PRIMARY KEY,
	oid BIGINT NOT NULL REFERENCES orders(oid),
	uid BIGINT NOT NULL REFERENCES users(uid),
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	entry_price NUMERIC NOT NULL,
	exit_price NUMERIC NOT NULL,
	quantity NUMERIC NOT NULL,
	profit_loss NUMERIC NOT NULL,
	profit_loss_percent NUMERIC NOT NULL,
	commission NUMERIC NOT NULL DEFAULT 0,
	duration_seconds BIGINT NOT NULL,
	executed_at TIMESTAMPTZ NOT NULL,
	closed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS system_logs (
	id BIGSERIAL PRIMARY KEY,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (p *Postgres) ListActiveUsers(ctx context.Context) ([]model.User, error) {
	rows, err := p.pool.Query(ctx, `SELECT uid, email, encrypted_password, broker_id, active FROM users WHERE active ORDER BY uid`)
	if err != nil {
		return nil, &StorageError{Op: "list_active_users", Err: err}
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.UID, &u.Email, &u.EncryptedPassword, &u.BrokerID, &u.Active); err != nil {
			return nil, &StorageError{Op: "list_active_users", Err: err}
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *Postgres) GetUser(ctx context.Context, uid int64) (model.User, error) {
	var u model.User
	err := p.pool.QueryRow(ctx, `SELECT uid, email, encrypted_password, broker_id, active FROM users WHERE uid = $1`, uid).
		Scan(&u.UID, &u.Email, &u.EncryptedPassword, &u.BrokerID, &u.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, &StorageError{Op: "get_user", Err: err}
	}
	return u, nil
}

func (p *Postgres) UpsertSession(ctx context.Context, s model.Session) (model.Session, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return model.Session{}, &StorageError{Op: "upsert_session", Err: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE user_sessions SET active = FALSE WHERE uid = $1 AND active`, s.UID); err != nil {
		return model.Session{}, &StorageError{Op: "upsert_session", Err: err}
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO user_sessions (uid, active, auth_token, trading_token, trading_account_id, login_at, expires_at, last_refresh_at)
		VALUES ($1, TRUE, $2, $3, $4, $5, $6, $7)
		RETURNING sid
	`, s.UID, s.AuthToken, s.TradingToken, s.TradingAccountID, s.LoginAt, s.ExpiresAt, s.LastRefreshAt).Scan(&s.SID)
	if err != nil {
		return model.Session{}, &StorageError{Op: "upsert_session", Err: err}
	}
	s.Active = true
	if err := tx.Commit(ctx); err != nil {
		return model.Session{}, &StorageError{Op: "upsert_session", Err: err}
	}
	return s, nil
}

func (p *Postgres) DeactivateSession(ctx context.Context, uid int64) error {
	_, err := p.pool.Exec(ctx, `UPDATE user_sessions SET active = FALSE WHERE uid = $1 AND active`, uid)
	if err != nil {
		return &StorageError{Op: "deactivate_session", Err: err}
	}
	return nil
}

func (p *Postgres) GetActiveSession(ctx context.Context, uid int64) (model.Session, error) {
	var s model.Session
	err := p.pool.QueryRow(ctx, `
		SELECT sid, uid, active, auth_token, trading_token, trading_account_id, login_at, expires_at, last_refresh_at
		FROM user_sessions WHERE uid = $1 AND active
	`, uid).Scan(&s.SID, &s.UID, &s.Active, &s.AuthToken, &s.TradingToken, &s.TradingAccountID, &s.LoginAt, &s.ExpiresAt, &s.LastRefreshAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, &StorageError{Op: "get_active_session", Err: err}
	}
	return s, nil
}

func (p *Postgres) ListActiveSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT sid, uid, active, auth_token, trading_token, trading_account_id, login_at, expires_at, last_refresh_at
		FROM user_sessions WHERE active ORDER BY uid
	`)
	if err != nil {
		return nil, &StorageError{Op: "list_active_sessions", Err: err}
	}
	defer rows.Close()
	var out []model.Session
	for rows.Next() {
		var s model.Session
		if err := rows.Scan(&s.SID, &s.UID, &s.Active, &s.AuthToken, &s.TradingToken, &s.TradingAccountID, &s.LoginAt, &s.ExpiresAt, &s.LastRefreshAt); err != nil {
			return nil, &StorageError{Op: "list_active_sessions", Err: err}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateSignal(ctx context.Context, sig model.Signal) (model.Signal, error) {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO trading_signals (action, symbol, entry_price, stop_loss, take_profit, volume, strength, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING id, created_at
	`, sig.Action, sig.Symbol, sig.EntryPrice, sig.StopLoss, sig.TakeProfit, sig.Volume, sig.Strength, sig.Reason).
		Scan(&sig.ID, &sig.CreatedAt)
	if err != nil {
		return model.Signal{}, &StorageError{Op: "create_signal", Err: err}
	}
	return sig, nil
}

func (p *Postgres) ListRecentSignals(ctx context.Context, limit int) ([]model.Signal, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, action, symbol, entry_price, stop_loss, take_profit, volume, strength, reason, created_at
		FROM trading_signals ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, &StorageError{Op: "list_signals", Err: err}
	}
	defer rows.Close()
	var out []model.Signal
	for rows.Next() {
		var s model.Signal
		if err := rows.Scan(&s.ID, &s.Action, &s.Symbol, &s.EntryPrice, &s.StopLoss, &s.TakeProfit, &s.Volume, &s.Strength, &s.Reason, &s.CreatedAt); err != nil {
			return nil, &StorageError{Op: "list_signals", Err: err}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO orders (uid, upstream_id, symbol, side, type, quantity, entry_price, stop_loss, take_profit, status, created_at, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), $11)
		RETURNING oid, created_at
	`, o.UID, o.UpstreamID, o.Symbol, o.Side, o.Type, o.Quantity, o.EntryPrice, o.StopLoss, o.TakeProfit, o.Status, o.ExecutedAt).
		Scan(&o.OID, &o.CreatedAt)
	if err != nil {
		return model.Order{}, &StorageError{Op: "create_order", Err: err}
	}
	return o, nil
}

func (p *Postgres) UpdateOrderStatus(ctx context.Context, oid int64, status model.OrderStatus, upstreamID string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE orders SET status = $1, upstream_id = COALESCE(NULLIF($2, ''), upstream_id),
			executed_at = CASE WHEN $1 = 'OPEN' AND executed_at IS NULL THEN now() ELSE executed_at END
		WHERE oid = $3
	`, status, upstreamID, oid)
	if err != nil {
		return &StorageError{Op: "update_order_status", Err: err}
	}
	return nil
}

func (p *Postgres) GetOrderByUpstreamID(ctx context.Context, upstreamID string) (model.Order, error) {
	o, err := scanOrderRow(p.pool.QueryRow(ctx, orderSelectColumns+` WHERE upstream_id = $1`, upstreamID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	if err != nil {
		return model.Order{}, &StorageError{Op: "get_order_by_upstream_id", Err: err}
	}
	return o, nil
}

// MostRecentOpenOrder implements the symbol-fallback reconciliation
// path: most recent OPEN order for (uid, symbol), ties broken by
// highest oid.
func (p *Postgres) MostRecentOpenOrder(ctx context.Context, uid int64, symbol string) (model.Order, error) {
	o, err := scanOrderRow(p.pool.QueryRow(ctx, orderSelectColumns+`
		WHERE uid = $1 AND symbol = $2 AND status = 'OPEN'
		ORDER BY created_at DESC, oid DESC LIMIT 1
	`, uid, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	if err != nil {
		return model.Order{}, &StorageError{Op: "most_recent_open_order", Err: err}
	}
	return o, nil
}

func (p *Postgres) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := p.pool.Query(ctx, orderSelectColumns+` WHERE status = 'OPEN' ORDER BY created_at`)
	if err != nil {
		return nil, &StorageError{Op: "list_open_orders", Err: err}
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, &StorageError{Op: "list_open_orders", Err: err}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) ListOrdersByUser(ctx context.Context, uid int64, limit int) ([]model.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, orderSelectColumns+` WHERE uid = $1 ORDER BY created_at DESC LIMIT $2`, uid, limit)
	if err != nil {
		return nil, &StorageError{Op: "list_orders_by_user", Err: err}
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, &StorageError{Op: "list_orders_by_user", Err: err}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) CloseOrder(ctx context.Context, oid int64, closedAt time.Time) error {
	_, err := p.pool.Exec(ctx, `UPDATE orders SET status = 'CLOSED', closed_at = $2 WHERE oid = $1`, oid, closedAt)
	if err != nil {
		return &StorageError{Op: "close_order", Err: err}
	}
	return nil
}

func (p *Postgres) CreateTrade(ctx context.Context, t model.Trade) (model.Trade, error) {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO trades (oid, uid, symbol, side, entry_price, exit_price, quantity, profit_loss, profit_loss_percent, commission, duration_seconds, executed_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING tid
	`, t.OID, t.UID, t.Symbol, t.Side, t.EntryPrice, t.ExitPrice, t.Quantity, t.ProfitLoss, t.ProfitLossPercent, t.Commission, t.DurationSeconds, t.ExecutedAt, t.ClosedAt).
		Scan(&t.TID)
	if err != nil {
		return model.Trade{}, &StorageError{Op: "create_trade", Err: err}
	}
	return t, nil
}

func (p *Postgres) ListTradesByUser(ctx context.Context, uid int64, limit int) ([]model.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT tid, oid, uid, symbol, side, entry_price, exit_price, quantity, profit_loss, profit_loss_percent, commission, duration_seconds, executed_at, closed_at
		FROM trades WHERE uid = $1 ORDER BY closed_at DESC LIMIT $2
	`, uid, limit)
	if err != nil {
		return nil, &StorageError{Op: "list_trades_by_user", Err: err}
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.TID, &t.OID, &t.UID, &t.Symbol, &t.Side, &t.EntryPrice, &t.ExitPrice, &t.Quantity, &t.ProfitLoss, &t.ProfitLossPercent, &t.Commission, &t.DurationSeconds, &t.ExecutedAt, &t.ClosedAt); err != nil {
			return nil, &StorageError{Op: "list_trades_by_user", Err: err}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ListTradesBySymbol(ctx context.Context, symbol string, limit int) ([]model.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT tid, oid, uid, symbol, side, entry_price, exit_price, quantity, profit_loss, profit_loss_percent, commission, duration_seconds, executed_at, closed_at
		FROM trades WHERE symbol = $1 ORDER BY closed_at DESC LIMIT $2
	`, symbol, limit)
	if err != nil {
		return nil, &StorageError{Op: "list_trades_by_symbol", Err: err}
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.TID, &t.OID, &t.UID, &t.Symbol, &t.Side, &t.EntryPrice, &t.ExitPrice, &t.Quantity, &t.ProfitLoss, &t.ProfitLossPercent, &t.Commission, &t.DurationSeconds, &t.ExecutedAt, &t.ClosedAt); err != nil {
			return nil, &StorageError{Op: "list_trades_by_symbol", Err: err}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ListRecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT tid, oid, uid, symbol, side, entry_price, exit_price, quantity, profit_loss, profit_loss_percent, commission, duration_seconds, executed_at, closed_at
		FROM trades ORDER BY closed_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, &StorageError{Op: "list_recent_trades", Err: err}
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.TID, &t.OID, &t.UID, &t.Symbol, &t.Side, &t.EntryPrice, &t.ExitPrice, &t.Quantity, &t.ProfitLoss, &t.ProfitLossPercent, &t.Commission, &t.DurationSeconds, &t.ExecutedAt, &t.ClosedAt); err != nil {
			return nil, &StorageError{Op: "list_recent_trades", Err: err}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) DashboardSummary(ctx context.Context) (DashboardSummary, error) {
	var s DashboardSummary
	err := p.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM user_sessions WHERE active),
			(SELECT count(*) FROM orders WHERE status = 'OPEN'),
			(SELECT count(*) FROM users),
			(SELECT COALESCE(sum(profit_loss), 0) FROM trades WHERE closed_at >= date_trunc('day', now()))
	`).Scan(&s.ActiveSessions, &s.OpenOrders, &s.TotalUsers, &s.RealizedPnLToday)
	if err != nil {
		return DashboardSummary{}, &StorageError{Op: "dashboard_summary", Err: err}
	}
	return s, nil
}

const orderSelectColumns = `SELECT oid, uid, upstream_id, symbol, side, type, quantity, entry_price, stop_loss, take_profit, status, created_at, executed_at, closed_at FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrderRow(row rowScanner) (model.Order, error) {
	var o model.Order
	err := row.Scan(&o.OID, &o.UID, &o.UpstreamID, &o.Symbol, &o.Side, &o.Type, &o.Quantity, &o.EntryPrice, &o.StopLoss, &o.TakeProfit, &o.Status, &o.CreatedAt, &o.ExecutedAt, &o.ClosedAt)
	return o, err
}

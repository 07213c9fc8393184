// Package supervisor watches every open position across every active
// session and auto-closes the ones that breach a holding-time or
// profit/loss policy, grounded on order_orchestrator.py's
// monitor_positions_once / _check_user_positions.
package supervisor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gudax/autobot/internal/fanout"
	"github.com/gudax/autobot/internal/logging"
	"github.com/gudax/autobot/internal/repository"
	"github.com/gudax/autobot/internal/sessionpool"
	"github.com/gudax/autobot/internal/upstream"
)

// Policy is the auto-close threshold set. Zero value is invalid;
// callers should start from DefaultPolicy.
type Policy struct {
	MaxHoldingTime time.Duration
	ProfitTarget   decimal.Decimal
	LossCutoff     decimal.Decimal
}

// DefaultPolicy mirrors _check_user_positions' hardcoded constants:
// 300 seconds, +100 profit, -50 loss.
var DefaultPolicy = Policy{
	MaxHoldingTime: 300 * time.Second,
	ProfitTarget:   decimal.NewFromInt(100),
	LossCutoff:     decimal.NewFromInt(-50),
}

// TickResult reports one supervisor pass.
type TickResult struct {
	Checked int
	Closed  int
	Errors  int
}

// Supervisor ticks exactly one pass at a time; Tick is not
// re-entrant-safe by design, the scheduler is responsible for never
// calling it concurrently with itself (spec's no-overlap requirement).
type Supervisor struct {
	pool   *sessionpool.SessionPool
	repo   repository.Repository
	client upstream.Client
	engine *fanout.Engine
	policy Policy
	log    *logging.Logger
}

func New(pool *sessionpool.SessionPool, repo repository.Repository, client upstream.Client, engine *fanout.Engine, policy Policy, log *logging.Logger) *Supervisor {
	if log == nil {
		log = logging.Default
	}
	return &Supervisor{pool: pool, repo: repo, client: client, engine: engine, policy: policy, log: log}
}

// Tick checks every cached session's open positions once, closing any
// that breach the policy. A single user's error is counted and does
// not stop the tick from covering the rest (monitor_positions_once's
// per-session try/except).
func (s *Supervisor) Tick(ctx context.Context) TickResult {
	sessions := s.pool.Snapshot()
	result := TickResult{Checked: len(sessions)}

	for _, sess := range sessions {
		closed, err := s.checkUser(ctx, sess)
		if err != nil {
			s.log.Errorf("position check failed for uid=%d: %v", sess.UID, err)
			result.Errors++
			continue
		}
		result.Closed += closed
	}
	return result
}

func (s *Supervisor) checkUser(ctx context.Context, sess sessionpool.CachedSession) (int, error) {
	positions, err := s.client.ListOpenPositions(ctx, sess.AuthToken, sess.TradingToken)
	if err != nil {
		return 0, err
	}

	closed := 0
	now := time.Now()
	for _, pos := range positions {
		if !s.hasLocalOrder(ctx, sess.UID, pos) {
			continue
		}
		reason := s.shouldClose(pos, now)
		if reason == "" {
			continue
		}
		s.log.Infof("auto-closing position %s for uid=%d: %s", pos.UpstreamID, sess.UID, reason)
		if err := s.client.ClosePosition(ctx, sess.AuthToken, sess.TradingToken, pos.UpstreamID); err != nil {
			s.log.Errorf("failed to auto-close position %s for uid=%d: %v", pos.UpstreamID, sess.UID, err)
			continue
		}
		if err := s.engine.RecordTrade(ctx, sess.UID, pos); err != nil {
			s.log.Errorf("failed to record auto-closed trade for uid=%d: %v", sess.UID, err)
		}
		closed++
	}
	return closed, nil
}

// hasLocalOrder reconciles an upstream position against the local
// order book by upstreamId, falling back to the most recent OPEN
// order for (uid, symbol). A position with no local row is someone
// else's (or untracked) and is left alone.
func (s *Supervisor) hasLocalOrder(ctx context.Context, uid int64, pos upstream.Position) bool {
	if _, err := s.repo.GetOrderByUpstreamID(ctx, pos.UpstreamID); err == nil {
		return true
	}
	_, err := s.repo.MostRecentOpenOrder(ctx, uid, pos.Symbol)
	return err == nil
}

func (s *Supervisor) shouldClose(pos upstream.Position, now time.Time) string {
	if !pos.OpenedAt.IsZero() && now.Sub(pos.OpenedAt) > s.policy.MaxHoldingTime {
		return "max holding time exceeded"
	}
	if pos.ProfitLoss.GreaterThanOrEqual(s.policy.ProfitTarget) {
		return "target profit reached"
	}
	if pos.ProfitLoss.LessThanOrEqual(s.policy.LossCutoff) {
		return "stop loss triggered"
	}
	return ""
}

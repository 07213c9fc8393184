// Package fanout executes a trading signal across every active
// session concurrently, grounded on order_orchestrator.py's
// execute_signal_for_all / _execute_open_orders / _execute_close_orders.
package fanout

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shopspring/decimal"

	"github.com/gudax/autobot/internal/eventbus"
	"github.com/gudax/autobot/internal/logging"
	"github.com/gudax/autobot/internal/model"
	"github.com/gudax/autobot/internal/repository"
	"github.com/gudax/autobot/internal/sessionpool"
	"github.com/gudax/autobot/internal/upstream"
)

var (
	balanceTierLow    = decimal.NewFromInt(1000)
	balanceTierMedium = decimal.NewFromInt(5000)
	volumeCapLow      = decimal.NewFromFloat(0.01)
	volumeCapMedium   = decimal.NewFromFloat(0.05)
)

// SizePosition caps the requested volume by account balance, the
// exact thresholds _calculate_position_size used: below 1000 caps at
// 0.01, below 5000 caps at 0.05, otherwise the request passes through
// unchanged.
func SizePosition(balance, requested decimal.Decimal) decimal.Decimal {
	switch {
	case balance.LessThan(balanceTierLow):
		return decimal.Min(requested, volumeCapLow)
	case balance.LessThan(balanceTierMedium):
		return decimal.Min(requested, volumeCapMedium)
	default:
		return requested
	}
}

// OrderOutcome is one user's result within a fan-out.
type OrderOutcome struct {
	UID    int64
	Symbol string
	Side   string
	Volume decimal.Decimal
	Error  string
}

// ExecutionResult is the aggregate fan-out result returned to the
// caller of Execute, shaped after execute_signal_for_all's response
// dict.
type ExecutionResult struct {
	Success          bool
	ExecutedCount    int
	FailedCount      int
	TotalVolume      decimal.Decimal
	ExecutionTimeMs  int64
	SuccessfulOrders []OrderOutcome
	FailedOrders     []OrderOutcome
}

// CloseResult is the aggregate result of a close-all fan-out.
type CloseResult struct {
	Success     bool
	ClosedCount int
	FailedCount int
	Results     []OrderOutcome
}

// Engine fans a signal out across every cached session.
type Engine struct {
	pool   *sessionpool.SessionPool
	repo   repository.Repository
	client upstream.Client
	bus    *eventbus.Bus
	log    *logging.Logger
}

// New wires an Engine. bus may be nil (an unused internal bus is
// constructed so publishes are harmless no-ops) when a caller has no
// interest in dashboard events, e.g. in unit tests.
func New(pool *sessionpool.SessionPool, repo repository.Repository, client upstream.Client, bus *eventbus.Bus, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Default
	}
	if bus == nil {
		bus = eventbus.New(log)
	}
	return &Engine{pool: pool, repo: repo, client: client, bus: bus, log: log}
}

// Execute records the signal and fans it out, dispatching to open or
// close handling by action. Zero active sessions is success with
// executedCount 0, never a failure (the Open Question decided this
// against the Python original's OPEN_LONG path, which reported
// success: false on no sessions — that behavior is not carried
// forward for any action here).
func (e *Engine) Execute(ctx context.Context, sig model.Signal) (ExecutionResult, error) {
	if _, err := e.repo.CreateSignal(ctx, sig); err != nil {
		e.log.Errorf("failed to persist signal: %v", err)
	}

	sessions := e.pool.Snapshot()
	if len(sessions) == 0 {
		e.log.Warnf("no active sessions, signal %s %s executed as a no-op", sig.Action, sig.Symbol)
		return ExecutionResult{Success: true, ExecutedCount: 0, FailedCount: 0, TotalVolume: decimal.Zero}, nil
	}

	switch sig.Action {
	case model.SignalActionOpenLong, model.SignalActionOpenShort:
		return e.executeOpen(ctx, sig, sessions), nil
	case model.SignalActionClose, model.SignalActionCloseAll:
		close := e.executeClose(ctx, sig, sessions)
		return ExecutionResult{
			Success:       close.Success,
			ExecutedCount: close.ClosedCount,
			FailedCount:   close.FailedCount,
		}, nil
	default:
		return ExecutionResult{}, &UnknownActionError{Action: string(sig.Action)}
	}
}

// UnknownActionError is returned for a signal action outside the
// closed SignalAction set.
type UnknownActionError struct{ Action string }

func (e *UnknownActionError) Error() string { return "fanout: unknown action: " + e.Action }

func (e *Engine) executeOpen(ctx context.Context, sig model.Signal, sessions []sessionpool.CachedSession) ExecutionResult {
	side := "BUY"
	if sig.Action == model.SignalActionOpenShort {
		side = "SELL"
	}

	start := time.Now()
	outcomes := make([]OrderOutcome, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			outcomes[i] = e.openOneOrder(gctx, s, sig, side)
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	result := ExecutionResult{Success: true, ExecutionTimeMs: elapsed.Milliseconds(), TotalVolume: decimal.Zero}
	for _, o := range outcomes {
		if o.Error == "" {
			result.ExecutedCount++
			result.TotalVolume = result.TotalVolume.Add(o.Volume)
			result.SuccessfulOrders = append(result.SuccessfulOrders, o)
		} else {
			result.FailedCount++
			result.FailedOrders = append(result.FailedOrders, o)
		}
	}
	return result
}

func (e *Engine) openOneOrder(ctx context.Context, s sessionpool.CachedSession, sig model.Signal, side string) OrderOutcome {
	out := OrderOutcome{UID: s.UID, Symbol: sig.Symbol, Side: side, Volume: sig.Volume}

	balance, err := e.client.GetBalance(ctx, s.AuthToken, s.TradingToken)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	volume := SizePosition(balance.Balance, sig.Volume)
	out.Volume = volume

	pos, err := e.client.OpenPosition(ctx, s.AuthToken, s.TradingToken, upstream.OpenPositionRequest{
		Symbol:     sig.Symbol,
		Side:       side,
		Volume:     volume,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
	})
	if err != nil {
		out.Error = err.Error()
		return out
	}

	orderSide := model.OrderSideLong
	if side == "SELL" {
		orderSide = model.OrderSideShort
	}
	now := time.Now()
	_, err = e.repo.CreateOrder(ctx, model.Order{
		UID:        s.UID,
		UpstreamID: pos.UpstreamID,
		Symbol:     sig.Symbol,
		Side:       orderSide,
		Type:       model.OrderTypeMarket,
		Quantity:   volume,
		EntryPrice: pos.EntryPrice,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Status:     model.OrderStatusOpen,
		ExecutedAt: &now,
	})
	if err != nil {
		e.log.Errorf("failed to persist order for uid=%d: %v", s.UID, err)
	}
	e.bus.PublishOrderExecuted(out)
	return out
}

func (e *Engine) executeClose(ctx context.Context, sig model.Signal, sessions []sessionpool.CachedSession) CloseResult {
	outcomes := make([]OrderOutcome, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			outcomes[i] = e.closeOneUser(gctx, s, sig.Symbol)
			return nil
		})
	}
	_ = g.Wait()

	result := CloseResult{Success: true, Results: outcomes}
	for _, o := range outcomes {
		if o.Error == "" {
			result.ClosedCount++
		} else {
			result.FailedCount++
		}
	}
	return result
}

func (e *Engine) closeOneUser(ctx context.Context, s sessionpool.CachedSession, symbol string) OrderOutcome {
	out := OrderOutcome{UID: s.UID, Symbol: symbol}

	positions, err := e.client.ListOpenPositions(ctx, s.AuthToken, s.TradingToken)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	if symbol != "" {
		filtered := positions[:0]
		for _, p := range positions {
			if p.Symbol == symbol {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}

	for _, p := range positions {
		if err := e.client.ClosePosition(ctx, s.AuthToken, s.TradingToken, p.UpstreamID); err != nil {
			e.log.Warnf("failed to close position %s for uid=%d: %v", p.UpstreamID, s.UID, err)
			continue
		}
		if err := e.RecordTrade(ctx, s.UID, p); err != nil {
			e.log.Errorf("failed to record trade for uid=%d: %v", s.UID, err)
		}
	}
	return out
}

// RecordTrade reconciles a closed upstream position against the
// locally stored order, trying the upstream ID first and falling
// back to the most recent OPEN order for (uid, symbol), exactly as
// _record_trade did.
func (e *Engine) RecordTrade(ctx context.Context, uid int64, pos upstream.Position) error {
	order, err := e.repo.GetOrderByUpstreamID(ctx, pos.UpstreamID)
	fellBack := false
	if err != nil {
		order, err = e.repo.MostRecentOpenOrder(ctx, uid, pos.Symbol)
		if err != nil {
			e.log.Warnf("no matching order for closed position %s uid=%d symbol=%s", pos.UpstreamID, uid, pos.Symbol)
			return nil
		}
		fellBack = true
	}

	// Fallback matches only by (uid, symbol), so the order's upstreamId
	// is still null; set it now that we know which position it became.
	if fellBack && order.UpstreamID == "" {
		if err := e.repo.UpdateOrderStatus(ctx, order.OID, order.Status, pos.UpstreamID); err != nil {
			return err
		}
		order.UpstreamID = pos.UpstreamID
	}

	now := time.Now()
	if err := e.repo.CloseOrder(ctx, order.OID, now); err != nil {
		return err
	}

	var pnlPercent decimal.Decimal
	notional := order.EntryPrice.Mul(order.Quantity)
	if notional.GreaterThan(decimal.Zero) {
		pnlPercent = pos.ProfitLoss.Div(notional).Mul(decimal.NewFromInt(100))
	}

	var duration int64
	if order.ExecutedAt != nil {
		duration = int64(now.Sub(*order.ExecutedAt).Seconds())
	}

	_, err = e.repo.CreateTrade(ctx, model.Trade{
		OID:               order.OID,
		UID:               uid,
		Symbol:            order.Symbol,
		Side:              order.Side,
		EntryPrice:        order.EntryPrice,
		ExitPrice:         pos.OpenPrice,
		Quantity:          order.Quantity,
		ProfitLoss:        pos.ProfitLoss,
		ProfitLossPercent: pnlPercent,
		DurationSeconds:   duration,
		ExecutedAt:        derefTime(order.ExecutedAt, order.CreatedAt),
		ClosedAt:          now,
	})
	if err != nil {
		return err
	}
	e.bus.PublishPositionClosed(map[string]any{
		"oid": order.OID, "uid": uid, "symbol": order.Symbol,
		"profitLoss": pos.ProfitLoss, "profitLossPercent": pnlPercent,
	})
	return nil
}

func derefTime(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback
}

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gudax/autobot/internal/model"
)

func TestFakeUpsertSessionDeactivatesPrevious(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.PutUser(model.User{UID: 1, Active: true})

	first, err := f.UpsertSession(ctx, model.Session{UID: 1, AuthToken: "a"})
	if err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if !first.Active {
		t.Fatal("expected new session active")
	}

	second, err := f.UpsertSession(ctx, model.Session{UID: 1, AuthToken: "b"})
	if err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if second.SID == first.SID {
		t.Fatal("expected a fresh SID on re-login")
	}

	got, err := f.GetActiveSession(ctx, 1)
	if err != nil {
		t.Fatalf("GetActiveSession: %v", err)
	}
	if got.AuthToken != "b" {
		t.Fatalf("expected latest session active, got token %q", got.AuthToken)
	}
}

func TestFakeListTradesBySymbolFiltersAndOrders(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	now := time.Now()

	mustTrade := func(uid int64, symbol string, closedAt time.Time) {
		t.Helper()
		if _, err := f.CreateTrade(ctx, model.Trade{
			UID: uid, Symbol: symbol, ClosedAt: closedAt,
			EntryPrice: decimal.NewFromInt(1), ExitPrice: decimal.NewFromInt(1),
			Quantity: decimal.NewFromInt(1), ProfitLoss: decimal.Zero, ProfitLossPercent: decimal.Zero,
		}); err != nil {
			t.Fatalf("CreateTrade: %v", err)
		}
	}
	mustTrade(1, "EURUSD", now.Add(-2*time.Hour))
	mustTrade(2, "EURUSD", now.Add(-1*time.Hour))
	mustTrade(3, "GBPUSD", now)

	eurusd, err := f.ListTradesBySymbol(ctx, "EURUSD", 10)
	if err != nil {
		t.Fatalf("ListTradesBySymbol: %v", err)
	}
	if len(eurusd) != 2 {
		t.Fatalf("expected 2 EURUSD trades, got %d", len(eurusd))
	}
	if eurusd[0].UID != 2 {
		t.Fatalf("expected most recent trade first, got uid %d", eurusd[0].UID)
	}

	recent, err := f.ListRecentTrades(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecentTrades: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected limit to cap at 2, got %d", len(recent))
	}
	if recent[0].Symbol != "GBPUSD" {
		t.Fatalf("expected newest trade first across all symbols, got %q", recent[0].Symbol)
	}
}

func TestFakeListRecentSignalsOrdersNewestFirst(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	if _, err := f.CreateSignal(ctx, model.Signal{Action: model.SignalActionOpenLong, Symbol: "EURUSD", Volume: decimal.NewFromFloat(0.1)}); err != nil {
		t.Fatalf("CreateSignal: %v", err)
	}
	if _, err := f.CreateSignal(ctx, model.Signal{Action: model.SignalActionClose, Symbol: "EURUSD", Volume: decimal.NewFromFloat(0.1)}); err != nil {
		t.Fatalf("CreateSignal: %v", err)
	}

	out, err := f.ListRecentSignals(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecentSignals: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(out))
	}
	if out[0].Action != model.SignalActionClose {
		t.Fatalf("expected newest signal first, got %v", out[0].Action)
	}
}

func TestFakeDashboardSummaryCountsActiveState(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.PutUser(model.User{UID: 1, Active: true})
	f.PutUser(model.User{UID: 2, Active: true})
	if _, err := f.UpsertSession(ctx, model.Session{UID: 1}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if _, err := f.CreateOrder(ctx, model.Order{UID: 1, Symbol: "EURUSD", Status: model.OrderStatusOpen}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := f.CreateOrder(ctx, model.Order{UID: 2, Symbol: "EURUSD", Status: model.OrderStatusClosed}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	summary, err := f.DashboardSummary(ctx)
	if err != nil {
		t.Fatalf("DashboardSummary: %v", err)
	}
	if summary.ActiveSessions != 1 || summary.OpenOrders != 1 || summary.TotalUsers != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestFakeGetUserNotFound(t *testing.T) {
	f := NewFake()
	if _, err := f.GetUser(context.Background(), 999); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gudax/autobot/internal/fanout"
	"github.com/gudax/autobot/internal/model"
	"github.com/gudax/autobot/internal/repository"
	"github.com/gudax/autobot/internal/sessionpool"
	"github.com/gudax/autobot/internal/upstream"
	"github.com/gudax/autobot/internal/vault"
)

// testVaultKey is shared by newTestSupervisor and loginUser so the pool
// can decrypt the passwords loginUser stores.
var testVaultKey, _ = vault.GenerateKey()

func newTestSupervisor(t *testing.T) (*Supervisor, *repository.Fake, *upstream.Fake, *sessionpool.SessionPool) {
	t.Helper()
	v, _ := vault.New(testVaultKey)
	repo := repository.NewFake()
	client := upstream.NewFake()
	pool := sessionpool.New(repo, client, v, 0, nil)
	engine := fanout.New(pool, repo, client, nil, nil)
	sup := New(pool, repo, client, engine, DefaultPolicy, nil)
	return sup, repo, client, pool
}

func loginUser(t *testing.T, repo *repository.Fake, pool *sessionpool.SessionPool, uid int64) {
	t.Helper()
	v, _ := vault.New(testVaultKey)
	enc, _ := v.Encrypt("pw")
	repo.PutUser(model.User{UID: uid, Active: true, EncryptedPassword: enc})
	pool.LoginOne(context.Background(), uid)
}

func putTrackedOrder(t *testing.T, repo *repository.Fake, uid int64, symbol, upstreamID string) {
	t.Helper()
	if _, err := repo.CreateOrder(context.Background(), model.Order{
		UID:        uid,
		UpstreamID: upstreamID,
		Symbol:     symbol,
		Side:       model.OrderSideLong,
		Quantity:   decimal.NewFromFloat(0.1),
		EntryPrice: decimal.NewFromInt(1),
		Status:     model.OrderStatusOpen,
	}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
}

func TestTickClosesOnMaxHoldingTime(t *testing.T) {
	sup, repo, client, pool := newTestSupervisor(t)
	loginUser(t, repo, pool, 1)
	putTrackedOrder(t, repo, 1, "BTCUSD", "p1")

	client.ListPositionsFunc = func(ctx context.Context, authToken, tradingToken string) ([]upstream.Position, error) {
		return []upstream.Position{{
			UpstreamID: "p1",
			Symbol:     "BTCUSD",
			OpenedAt:   time.Now().Add(-10 * time.Minute),
			ProfitLoss: decimal.Zero,
		}}, nil
	}

	result := sup.Tick(context.Background())
	if result.Closed != 1 {
		t.Fatalf("expected 1 closed position, got %+v", result)
	}
	if client.CloseCalls != 1 {
		t.Fatalf("expected ClosePosition called once, got %d", client.CloseCalls)
	}
}

func TestTickClosesOnProfitTarget(t *testing.T) {
	sup, repo, client, pool := newTestSupervisor(t)
	loginUser(t, repo, pool, 1)
	putTrackedOrder(t, repo, 1, "BTCUSD", "p1")

	client.ListPositionsFunc = func(ctx context.Context, authToken, tradingToken string) ([]upstream.Position, error) {
		return []upstream.Position{{UpstreamID: "p1", Symbol: "BTCUSD", OpenedAt: time.Now(), ProfitLoss: decimal.NewFromInt(150)}}, nil
	}
	result := sup.Tick(context.Background())
	if result.Closed != 1 {
		t.Fatalf("expected close on profit target, got %+v", result)
	}
}

func TestTickClosesOnLossCutoff(t *testing.T) {
	sup, repo, client, pool := newTestSupervisor(t)
	loginUser(t, repo, pool, 1)
	putTrackedOrder(t, repo, 1, "BTCUSD", "p1")

	client.ListPositionsFunc = func(ctx context.Context, authToken, tradingToken string) ([]upstream.Position, error) {
		return []upstream.Position{{UpstreamID: "p1", Symbol: "BTCUSD", OpenedAt: time.Now(), ProfitLoss: decimal.NewFromInt(-75)}}, nil
	}
	result := sup.Tick(context.Background())
	if result.Closed != 1 {
		t.Fatalf("expected close on loss cutoff, got %+v", result)
	}
}

func TestTickLeavesHealthyPositionOpen(t *testing.T) {
	sup, repo, client, pool := newTestSupervisor(t)
	loginUser(t, repo, pool, 1)
	putTrackedOrder(t, repo, 1, "BTCUSD", "p1")

	client.ListPositionsFunc = func(ctx context.Context, authToken, tradingToken string) ([]upstream.Position, error) {
		return []upstream.Position{{UpstreamID: "p1", Symbol: "BTCUSD", OpenedAt: time.Now(), ProfitLoss: decimal.NewFromInt(10)}}, nil
	}
	result := sup.Tick(context.Background())
	if result.Closed != 0 || client.CloseCalls != 0 {
		t.Fatalf("expected position left open, got %+v closeCalls=%d", result, client.CloseCalls)
	}
}

func TestTickSkipsPositionWithNoLocalOrder(t *testing.T) {
	sup, repo, client, pool := newTestSupervisor(t)
	loginUser(t, repo, pool, 1)

	client.ListPositionsFunc = func(ctx context.Context, authToken, tradingToken string) ([]upstream.Position, error) {
		return []upstream.Position{{
			UpstreamID: "untracked",
			Symbol:     "BTCUSD",
			OpenedAt:   time.Now().Add(-10 * time.Minute),
			ProfitLoss: decimal.NewFromInt(500),
		}}, nil
	}

	result := sup.Tick(context.Background())
	if result.Closed != 0 {
		t.Fatalf("expected untracked position left alone, got %+v", result)
	}
	if client.CloseCalls != 0 {
		t.Fatalf("expected ClosePosition never called for an untracked position, got %d", client.CloseCalls)
	}
}

func TestTickOneUserErrorDoesNotAbortOthers(t *testing.T) {
	sup, repo, client, pool := newTestSupervisor(t)
	loginUser(t, repo, pool, 1)
	loginUser(t, repo, pool, 2)

	listCalls := 0
	client.ListPositionsFunc = func(ctx context.Context, authToken, tradingToken string) ([]upstream.Position, error) {
		listCalls++
		if listCalls == 1 {
			return nil, errors.New("upstream unavailable")
		}
		return nil, nil
	}

	result := sup.Tick(context.Background())
	if result.Checked != 2 || result.Errors != 1 || listCalls != 2 {
		t.Fatalf("expected both users checked with one error, got %+v listCalls=%d", result, listCalls)
	}
}

package sessionpool

import (
	"context"
	"testing"
	"time"

	"github.com/gudax/autobot/internal/model"
	"github.com/gudax/autobot/internal/repository"
	"github.com/gudax/autobot/internal/upstream"
	"github.com/gudax/autobot/internal/vault"
)

func newTestPool(t *testing.T) (*SessionPool, *repository.Fake, *upstream.Fake) {
	t.Helper()
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	enc, err := v.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	repo := repository.NewFake()
	repo.PutUser(model.User{UID: 1, Email: "a@b.com", EncryptedPassword: enc, BrokerID: "broker-1", Active: true})

	client := upstream.NewFake()
	pool := New(repo, client, v, 0, nil)
	return pool, repo, client
}

func TestLoginOneSuccess(t *testing.T) {
	pool, _, _ := newTestPool(t)
	outcome := pool.LoginOne(context.Background(), 1)
	if !outcome.Success {
		t.Fatalf("expected success, got %+v", outcome)
	}
	cached, ok := pool.Get(1)
	if !ok {
		t.Fatal("expected session to be cached")
	}
	if cached.AuthToken != "fake-auth" {
		t.Fatalf("unexpected cached token: %+v", cached)
	}
}

func TestLoginAllZeroUsersSucceedsEmpty(t *testing.T) {
	key, _ := vault.GenerateKey()
	v, _ := vault.New(key)
	repo := repository.NewFake()
	pool := New(repo, upstream.NewFake(), v, 0, nil)
	outcomes, err := pool.LoginAll(context.Background())
	if err != nil {
		t.Fatalf("LoginAll: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("expected zero outcomes, got %d", len(outcomes))
	}
}

func TestLoginOneAuthErrorDoesNotRetry(t *testing.T) {
	pool, _, client := newTestPool(t)
	calls := 0
	client.LoginFunc = func(ctx context.Context, email, password, brokerID string) (upstream.LoginResult, error) {
		calls++
		return upstream.LoginResult{}, &upstream.AuthError{Op: "login", Msg: "bad creds"}
	}
	outcome := pool.LoginOne(context.Background(), 1)
	if outcome.Success {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestRefreshOneFallsBackToLoginWhenNoSession(t *testing.T) {
	pool, _, _ := newTestPool(t)
	outcome := pool.RefreshOne(context.Background(), 1)
	if !outcome.Success {
		t.Fatalf("expected refresh-as-login success, got %+v", outcome)
	}
	if _, ok := pool.Get(1); !ok {
		t.Fatal("expected session cached after fallback login")
	}
}

func TestRefreshOneFallsBackToLoginOnFailure(t *testing.T) {
	pool, _, client := newTestPool(t)
	pool.LoginOne(context.Background(), 1)

	client.RefreshFunc = func(ctx context.Context, authToken string) (upstream.LoginResult, error) {
		return upstream.LoginResult{}, &upstream.TransientError{Op: "refresh", Err: context.DeadlineExceeded}
	}
	outcome := pool.RefreshOne(context.Background(), 1)
	if !outcome.Success {
		t.Fatalf("expected fallback login to succeed, got %+v", outcome)
	}
}

func TestSweepDeactivatesExpiredWithoutRefresh(t *testing.T) {
	pool, repo, client := newTestPool(t)
	pool.LoginOne(context.Background(), 1)

	cached, _ := pool.Get(1)
	cached.ExpiresAt = time.Now().Add(-1 * time.Minute)
	pool.store(cached)

	refreshed := false
	client.RefreshFunc = func(ctx context.Context, authToken string) (upstream.LoginResult, error) {
		refreshed = true
		return upstream.LoginResult{AuthToken: "new-tok"}, nil
	}

	report := pool.Sweep(context.Background())
	if len(report.Expired) != 1 || report.Expired[0] != 1 {
		t.Fatalf("expected uid 1 expired, got %+v", report)
	}
	if refreshed {
		t.Fatal("expired session should not be refreshed")
	}
	if _, ok := pool.Get(1); ok {
		t.Fatal("expired session should be forgotten")
	}
	sessions, _ := repo.ListActiveSessions(context.Background())
	if len(sessions) != 0 {
		t.Fatalf("expected session deactivated in repo, got %d active", len(sessions))
	}
}

func TestSweepRefreshesExpiringSoon(t *testing.T) {
	pool, _, client := newTestPool(t)
	pool.LoginOne(context.Background(), 1)

	cached, _ := pool.Get(1)
	cached.ExpiresAt = time.Now().Add(2 * time.Minute)
	pool.store(cached)

	refreshed := false
	client.RefreshFunc = func(ctx context.Context, authToken string) (upstream.LoginResult, error) {
		refreshed = true
		return upstream.LoginResult{AuthToken: "new-tok"}, nil
	}

	report := pool.Sweep(context.Background())
	if len(report.ExpiringSoon) != 1 {
		t.Fatalf("expected 1 expiring soon, got %+v", report)
	}
	if !refreshed {
		t.Fatal("expected auto-refresh to fire")
	}
}

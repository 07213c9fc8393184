package upstream

import (
	"context"
	"sync"
)

// Fake is a scriptable in-memory Client for tests, in the same
// no-op-stub-behind-an-interface spirit as the teacher's
// broker.DisabledAdapter, generalized to return canned results
// instead of always erroring.
type Fake struct {
	mu sync.Mutex

	LoginFunc         func(ctx context.Context, email, password, brokerID string) (LoginResult, error)
	RefreshFunc       func(ctx context.Context, authToken string) (LoginResult, error)
	LogoutFunc        func(ctx context.Context, authToken string) error
	BalanceFunc       func(ctx context.Context, authToken, tradingToken string) (Balance, error)
	ListPositionsFunc func(ctx context.Context, authToken, tradingToken string) ([]Position, error)
	OpenFunc          func(ctx context.Context, authToken, tradingToken string, req OpenPositionRequest) (Position, error)
	CloseFunc         func(ctx context.Context, authToken, tradingToken, upstreamID string) error

	OpenCalls  int
	CloseCalls int
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) Login(ctx context.Context, email, password, brokerID string) (LoginResult, error) {
	if f.LoginFunc != nil {
		return f.LoginFunc(ctx, email, password, brokerID)
	}
	return LoginResult{AuthToken: "fake-auth", TradingToken: "fake-trading", TradingAccountID: "fake-acc"}, nil
}

func (f *Fake) RefreshToken(ctx context.Context, authToken string) (LoginResult, error) {
	if f.RefreshFunc != nil {
		return f.RefreshFunc(ctx, authToken)
	}
	return LoginResult{AuthToken: authToken, TradingToken: "fake-trading"}, nil
}

func (f *Fake) Logout(ctx context.Context, authToken string) error {
	if f.LogoutFunc != nil {
		return f.LogoutFunc(ctx, authToken)
	}
	return nil
}

func (f *Fake) GetBalance(ctx context.Context, authToken, tradingToken string) (Balance, error) {
	if f.BalanceFunc != nil {
		return f.BalanceFunc(ctx, authToken, tradingToken)
	}
	return Balance{}, nil
}

func (f *Fake) ListOpenPositions(ctx context.Context, authToken, tradingToken string) ([]Position, error) {
	if f.ListPositionsFunc != nil {
		return f.ListPositionsFunc(ctx, authToken, tradingToken)
	}
	return nil, nil
}

func (f *Fake) OpenPosition(ctx context.Context, authToken, tradingToken string, req OpenPositionRequest) (Position, error) {
	f.mu.Lock()
	f.OpenCalls++
	f.mu.Unlock()
	if f.OpenFunc != nil {
		return f.OpenFunc(ctx, authToken, tradingToken, req)
	}
	return Position{UpstreamID: "pos-1", Symbol: req.Symbol, Side: req.Side, Volume: req.Volume}, nil
}

func (f *Fake) ClosePosition(ctx context.Context, authToken, tradingToken, upstreamID string) error {
	f.mu.Lock()
	f.CloseCalls++
	f.mu.Unlock()
	if f.CloseFunc != nil {
		return f.CloseFunc(ctx, authToken, tradingToken, upstreamID)
	}
	return nil
}

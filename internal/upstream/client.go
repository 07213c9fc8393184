// Package upstream talks to the trading platform's HTTP API: login,
// token refresh, balance lookup, and position open/close. Every call
// retries transient failures with exponential backoff before
// surfacing a TransientError, mirroring the retry loop the Python
// original's MatchTradeAPIClient._request ran around aiohttp.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const (
	maxRetries  = 3
	callTimeout = 30 * time.Second
)

// LoginResult is the session data returned by a successful login or
// refresh call.
type LoginResult struct {
	AuthToken        string
	TradingToken     string
	TradingAccountID string
	ExpiresAt        time.Time
}

// Position mirrors one open position as reported by the upstream.
type Position struct {
	UpstreamID string
	Symbol     string
	Side       string
	Volume     decimal.Decimal
	EntryPrice decimal.Decimal
	OpenPrice  decimal.Decimal
	ProfitLoss decimal.Decimal
	OpenedAt   time.Time
}

// Balance is the account equity snapshot used by the PositionSizer.
type Balance struct {
	Balance decimal.Decimal
	Equity  decimal.Decimal
	Margin  decimal.Decimal
}

// OpenPositionRequest carries the parameters for a new position.
type OpenPositionRequest struct {
	Symbol     string
	Side       string
	Volume     decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// Client is the contract the rest of the core programs against.
// SessionPool and FanOutEngine depend on this interface, not the
// concrete HTTP adapter, so tests can substitute a fake.
type Client interface {
	Login(ctx context.Context, email, password, brokerID string) (LoginResult, error)
	RefreshToken(ctx context.Context, authToken string) (LoginResult, error)
	Logout(ctx context.Context, authToken string) error
	GetBalance(ctx context.Context, authToken, tradingToken string) (Balance, error)
	ListOpenPositions(ctx context.Context, authToken, tradingToken string) ([]Position, error)
	OpenPosition(ctx context.Context, authToken, tradingToken string, req OpenPositionRequest) (Position, error)
	ClosePosition(ctx context.Context, authToken, tradingToken, upstreamID string) error
}

// HTTPClient is the concrete adapter talking to the real trading
// platform over HTTP.
type HTTPClient struct {
	baseURL    string
	brokerID   string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, brokerID string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		brokerID:   brokerID,
		httpClient: &http.Client{Timeout: callTimeout},
	}
}

func (c *HTTPClient) Login(ctx context.Context, email, password, brokerID string) (LoginResult, error) {
	if brokerID == "" {
		brokerID = c.brokerID
	}
	body := map[string]any{
		"email":    email,
		"password": password,
		"brokerId": brokerID,
	}
	var resp loginResponse
	if err := c.doJSON(ctx, "login", http.MethodPost, "/manager/mtr-login", nil, body, &resp); err != nil {
		return LoginResult{}, err
	}
	return resp.toLoginResult(), nil
}

func (c *HTTPClient) RefreshToken(ctx context.Context, authToken string) (LoginResult, error) {
	headers := map[string]string{"Authorization": "Bearer " + authToken}
	var resp loginResponse
	if err := c.doJSON(ctx, "refresh_token", http.MethodPost, "/manager/refresh-token", headers, nil, &resp); err != nil {
		return LoginResult{}, err
	}
	return resp.toLoginResult(), nil
}

func (c *HTTPClient) Logout(ctx context.Context, authToken string) error {
	headers := map[string]string{"Authorization": "Bearer " + authToken}
	return c.doJSON(ctx, "logout", http.MethodPost, "/manager/logout", headers, nil, nil)
}

func (c *HTTPClient) GetBalance(ctx context.Context, authToken, tradingToken string) (Balance, error) {
	headers := tradingHeaders(authToken, tradingToken)
	var resp balanceResponse
	if err := c.doJSON(ctx, "get_balance", http.MethodGet, "/trading/balance", headers, nil, &resp); err != nil {
		return Balance{}, err
	}
	return resp.toBalance(), nil
}

func (c *HTTPClient) ListOpenPositions(ctx context.Context, authToken, tradingToken string) ([]Position, error) {
	headers := tradingHeaders(authToken, tradingToken)
	var resp []positionResponse
	if err := c.doJSON(ctx, "get_opened_positions", http.MethodGet, "/trading/positions/opened", headers, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(resp))
	for _, p := range resp {
		out = append(out, p.toPosition())
	}
	return out, nil
}

func (c *HTTPClient) OpenPosition(ctx context.Context, authToken, tradingToken string, req OpenPositionRequest) (Position, error) {
	headers := tradingHeaders(authToken, tradingToken)
	body := map[string]any{
		"symbol": req.Symbol,
		"side":   req.Side,
		"volume": req.Volume.InexactFloat64(),
	}
	if req.StopLoss != nil {
		body["stopLoss"] = req.StopLoss.InexactFloat64()
	}
	if req.TakeProfit != nil {
		body["takeProfit"] = req.TakeProfit.InexactFloat64()
	}
	var resp positionResponse
	if err := c.doJSON(ctx, "open_position", http.MethodPost, "/trading/positions/open", headers, body, &resp); err != nil {
		return Position{}, err
	}
	return resp.toPosition(), nil
}

func (c *HTTPClient) ClosePosition(ctx context.Context, authToken, tradingToken, upstreamID string) error {
	headers := tradingHeaders(authToken, tradingToken)
	path := fmt.Sprintf("/trading/positions/%s/close", upstreamID)
	return c.doJSON(ctx, "close_position", http.MethodPost, path, headers, nil, nil)
}

func tradingHeaders(authToken, tradingToken string) map[string]string {
	return map[string]string{
		"Authorization":     "Bearer " + authToken,
		"Trading-Api-Token": tradingToken,
	}
}

// doJSON performs one logical call, retrying transient failures up to
// maxRetries times with 2^attempt second backoff. status codes are
// mapped the same way mt_api_client.py's _request did: 401 -> auth,
// 400/410 -> request, anything else non-2xx or network-level -> retry
// then surface as transient.
func (c *HTTPClient) doJSON(ctx context.Context, op, method, path string, headers map[string]string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &RequestError{Op: op, Msg: "failed to encode request body: " + err.Error()}
		}
		payload = b
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return &TransientError{Op: op, Err: ctx.Err()}
			case <-time.After(wait):
			}
		}

		statusErr, err := c.attempt(ctx, method, path, headers, payload, out)
		if err == nil {
			return nil
		}
		if statusErr {
			// non-2xx with a definitive mapping: don't retry
			return err
		}
		lastErr = err
	}
	return &TransientError{Op: op, Err: lastErr}
}

// attempt performs a single HTTP round trip. The bool return is true
// when err is a final (non-retryable) status-derived error.
func (c *HTTPClient) attempt(ctx context.Context, method, path string, headers map[string]string, payload []byte, out any) (bool, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return true, &RequestError{Op: path, Msg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if out == nil {
			return false, nil
		}
		if len(raw) == 0 {
			return false, nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return true, &RequestError{Op: path, StatusCode: resp.StatusCode, Msg: "malformed response body: " + err.Error()}
		}
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return true, &AuthError{Op: path, Msg: string(raw)}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusGone:
		return true, &RequestError{Op: path, StatusCode: resp.StatusCode, Msg: string(raw)}
	case resp.StatusCode >= 500:
		return false, fmt.Errorf("server error %d: %s", resp.StatusCode, string(raw))
	default:
		return true, &RequestError{Op: path, StatusCode: resp.StatusCode, Msg: string(raw)}
	}
}

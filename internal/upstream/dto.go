package upstream

import (
	"time"

	"github.com/shopspring/decimal"
)

// loginResponse shapes the upstream's mtr-login / refresh-token
// payload. Field names follow the platform's camelCase wire format.
type loginResponse struct {
	Token           string `json:"token"`
	TradingAPIToken string `json:"tradingApiToken"`
	TradingAccount  string `json:"tradingAccountId"`
	ExpiresInSec    int64  `json:"expiresIn"`
}

func (r loginResponse) toLoginResult() LoginResult {
	expires := time.Now().Add(time.Duration(r.ExpiresInSec) * time.Second)
	if r.ExpiresInSec == 0 {
		expires = time.Now().Add(15 * time.Minute)
	}
	return LoginResult{
		AuthToken:        r.Token,
		TradingToken:     r.TradingAPIToken,
		TradingAccountID: r.TradingAccount,
		ExpiresAt:        expires,
	}
}

type balanceResponse struct {
	Balance float64 `json:"balance"`
	Equity  float64 `json:"equity"`
	Margin  float64 `json:"margin"`
}

func (r balanceResponse) toBalance() Balance {
	return Balance{
		Balance: decimal.NewFromFloat(r.Balance),
		Equity:  decimal.NewFromFloat(r.Equity),
		Margin:  decimal.NewFromFloat(r.Margin),
	}
}

type positionResponse struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Volume     float64 `json:"volume"`
	OpenPrice  float64 `json:"openPrice"`
	ProfitLoss float64 `json:"profit"`
	OpenedAt   string  `json:"openTime"`
}

func (r positionResponse) toPosition() Position {
	opened, _ := time.Parse(time.RFC3339, r.OpenedAt)
	return Position{
		UpstreamID: r.ID,
		Symbol:     r.Symbol,
		Side:       r.Side,
		Volume:     decimal.NewFromFloat(r.Volume),
		EntryPrice: decimal.NewFromFloat(r.OpenPrice),
		OpenPrice:  decimal.NewFromFloat(r.OpenPrice),
		ProfitLoss: decimal.NewFromFloat(r.ProfitLoss),
		OpenedAt:   opened,
	}
}

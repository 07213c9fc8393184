// Package model holds the entities persisted by the Repository (spec §3).
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is created by an external admin path; the core only reads it.
type User struct {
	UID               int64
	Email             string
	EncryptedPassword string
	BrokerID          string
	Active            bool
}

// Session is the durable row backing a SessionPool cache entry.
// Invariant S1: at most one row per UID has Active == true.
type Session struct {
	SID              int64
	UID              int64
	Active           bool
	AuthToken        string
	TradingToken     string
	TradingAccountID string
	LoginAt          time.Time
	ExpiresAt        time.Time
	LastRefreshAt    time.Time
}

// OrderSide is LONG or SHORT.
type OrderSide string

const (
	OrderSideLong  OrderSide = "LONG"
	OrderSideShort OrderSide = "SHORT"
)

// OrderType is MARKET or LIMIT.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus tracks the O1 lifecycle: PENDING -> OPEN -> CLOSED, or
// PENDING -> CANCELLED. No reverse transitions.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusClosed    OrderStatus = "CLOSED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Order is both the local intent record and the live position mirror.
type Order struct {
	OID         int64
	UID         int64
	UpstreamID  string // empty until known; unique when non-empty (O3)
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Quantity    decimal.Decimal
	EntryPrice  decimal.Decimal
	StopLoss    *decimal.Decimal
	TakeProfit  *decimal.Decimal
	Status      OrderStatus
	CreatedAt   time.Time
	ExecutedAt  *time.Time
	ClosedAt    *time.Time
}

// Trade is an immutable close record (P8).
type Trade struct {
	TID               int64
	OID               int64
	UID               int64
	Symbol            string
	Side              OrderSide
	EntryPrice        decimal.Decimal
	ExitPrice         decimal.Decimal
	Quantity          decimal.Decimal
	ProfitLoss        decimal.Decimal
	ProfitLossPercent decimal.Decimal
	Commission        decimal.Decimal
	DurationSeconds   int64
	ExecutedAt        time.Time
	ClosedAt          time.Time
}

// SignalAction is the closed set of fan-out actions (§4.4).
type SignalAction string

const (
	SignalActionOpenLong  SignalAction = "OPEN_LONG"
	SignalActionOpenShort SignalAction = "OPEN_SHORT"
	SignalActionClose     SignalAction = "CLOSE"
	SignalActionCloseAll  SignalAction = "CLOSE_ALL"
)

// Signal is the audit row written before a fan-out begins.
type Signal struct {
	ID         int64
	Action     SignalAction
	Symbol     string
	EntryPrice *decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	Volume     decimal.Decimal
	Strength   decimal.Decimal
	Reason     string
	CreatedAt  time.Time
}

// Package exchange defines the narrow surface the trading engine needs
// from a perpetual-futures venue, plus the shared account and order types.
package exchange

import "context"

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Order is an open order as reported by the venue.
type Order struct {
	ID         string
	ClientID   string
	Side       Side
	Price      float64
	Size       float64
	ReduceOnly bool
}

// Position is the net position in the traded contract. Size is signed:
// positive long, negative short. EntryPrice is the average entry.
type Position struct {
	Size       float64
	EntryPrice float64
}

// AccountSnapshot is a point-in-time view of the account, taken once per
// control cycle. All downstream evaluation works off the same snapshot.
type AccountSnapshot struct {
	Balance       float64
	UnrealizedPnl float64
	Position      Position
	MarkPrice     float64
}

// TotalAsset is balance plus unrealized PnL.
func (s AccountSnapshot) TotalAsset() float64 {
	return s.Balance + s.UnrealizedPnl
}

// LimitOrderRequest places a resting order at Price for Size contracts.
type LimitOrderRequest struct {
	ClientID   string
	Side       Side
	Price      float64
	Size       float64
	ReduceOnly bool
}

// MarketOrderRequest crosses the book for Size contracts.
type MarketOrderRequest struct {
	ClientID   string
	Side       Side
	Size       float64
	ReduceOnly bool
}

// Exchange is the venue surface consumed by the engine. Implementations
// must be safe for use from a single goroutine; the engine serializes all
// calls through one control loop.
type Exchange interface {
	Snapshot(ctx context.Context) (AccountSnapshot, error)
	ActiveOrders(ctx context.Context) ([]Order, error)
	PlaceLimit(ctx context.Context, req LimitOrderRequest) (Order, error)
	PlaceMarket(ctx context.Context, req MarketOrderRequest) error
	Cancel(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context) error
}

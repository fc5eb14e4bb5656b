// Package journal persists what the bot did and why: every order
// operation and every flatten, with the account state at the time.
package journal

import "time"

// OrderEvent is one place or cancel against the venue.
type OrderEvent struct {
	EventID string
	Time    time.Time
	Op      string // place_limit, place_market, cancel, cancel_all
	Side    string
	Price   float64
	Size    float64
	Outcome string // ok, or the error text
}

// FlattenEvent is one full liquidation with its trigger reason and the
// account snapshot that caused it.
type FlattenEvent struct {
	EventID      string
	Time         time.Time
	Reason       string
	Mode         string
	Balance      float64
	TotalAsset   float64
	PositionSize float64
}

type Journal interface {
	RecordOrder(OrderEvent) error
	RecordFlatten(FlattenEvent) error
	Close() error
}

// Nop discards everything, for runs without a journal path configured.
type Nop struct{}

func (Nop) RecordOrder(OrderEvent) error     { return nil }
func (Nop) RecordFlatten(FlattenEvent) error { return nil }
func (Nop) Close() error                     { return nil }

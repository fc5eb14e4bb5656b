// Package grid computes the target ladder of resting orders and the
// place/cancel diff needed to converge live orders onto it.
package grid

import (
	"math"

	"github.com/rustyeddy/gridbot/exchange"
)

// Level is one rung of the target ladder.
type Level struct {
	Side  exchange.Side
	Price float64
	Size  float64
}

// Params describes the ladder shape around a center price. Buy rungs sit
// at Center - FirstOffset - (i-1)*Step for i in 1..LevelsPerSide, sell
// rungs mirror above. Each rung is sized BaseSize * LotCoefficient.
type Params struct {
	Center         float64
	StepUsd        float64
	FirstOffsetUsd float64
	LevelsPerSide  int
	BaseSize       float64
	LotCoefficient float64
}

// Target returns the ladder for the current cycle. suppress drops one
// whole side (the position-increasing side while size is capped); pass
// "" to keep both sides.
func Target(p Params, suppress exchange.Side) []Level {
	size := p.BaseSize * p.LotCoefficient
	if size <= 0 || p.LevelsPerSide <= 0 {
		return nil
	}
	levels := make([]Level, 0, 2*p.LevelsPerSide)
	for i := 0; i < p.LevelsPerSide; i++ {
		off := p.FirstOffsetUsd + float64(i)*p.StepUsd
		if suppress != exchange.Buy {
			levels = append(levels, Level{Side: exchange.Buy, Price: p.Center - off, Size: size})
		}
		if suppress != exchange.Sell {
			levels = append(levels, Level{Side: exchange.Sell, Price: p.Center + off, Size: size})
		}
	}
	return levels
}

// Diff reconciles live orders against the target ladder. A live order
// matches a rung when sides are equal and prices agree within tol. Each
// rung consumes at most one live order, so duplicates at the same price
// are cancelled. Reconciling an already-correct book yields empty slices.
func Diff(target []Level, live []exchange.Order, tol float64) (place []Level, cancel []exchange.Order) {
	matched := make([]bool, len(live))
	for _, lvl := range target {
		found := false
		for i, o := range live {
			if matched[i] || o.Side != lvl.Side {
				continue
			}
			if math.Abs(o.Price-lvl.Price) <= tol {
				matched[i] = true
				found = true
				break
			}
		}
		if !found {
			place = append(place, lvl)
		}
	}
	for i, o := range live {
		if !matched[i] {
			cancel = append(cancel, o)
		}
	}
	return place, cancel
}

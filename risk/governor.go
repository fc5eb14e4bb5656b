package risk

import (
	"math"

	"go.uber.org/zap"

	"github.com/rustyeddy/gridbot/exchange"
)

// GovernorState is the hysteresis state of the size governor.
type GovernorState string

const (
	StateNormal GovernorState = "NORMAL"
	StateReduce GovernorState = "REDUCE_MODE"
)

// Measure selects how position size is compared against the limits:
// absolute base-asset units, or position notional over total asset.
type Measure string

const (
	MeasureBtc   Measure = "btc"
	MeasureRatio Measure = "ratio"
)

// Governor caps position growth with hysteresis: REDUCE_MODE starts when
// the measured size reaches limit and holds until it falls below release.
// Values strictly between the two never change state.
type Governor struct {
	measure Measure
	limit   float64
	release float64
	state   GovernorState
	log     *zap.Logger
}

func NewGovernor(measure Measure, limit, release float64, log *zap.Logger) *Governor {
	return &Governor{
		measure: measure,
		limit:   limit,
		release: release,
		state:   StateNormal,
		log:     log,
	}
}

func (g *Governor) State() GovernorState { return g.state }

func (g *Governor) measured(snap exchange.AccountSnapshot) float64 {
	abs := math.Abs(snap.Position.Size)
	if g.measure != MeasureRatio {
		return abs
	}
	total := snap.TotalAsset()
	if total <= 0 {
		return 0
	}
	return abs * snap.MarkPrice / total
}

// Update advances the hysteresis from the current snapshot and returns
// the resulting state.
func (g *Governor) Update(snap exchange.AccountSnapshot) GovernorState {
	v := g.measured(snap)
	switch g.state {
	case StateNormal:
		if v >= g.limit {
			g.state = StateReduce
			g.log.Warn("size limit reached, entering reduce mode",
				zap.Float64("measured", v), zap.Float64("limit", g.limit))
		}
	case StateReduce:
		if v < g.release {
			g.state = StateNormal
			g.log.Info("size back under release threshold, resuming",
				zap.Float64("measured", v), zap.Float64("release", g.release))
		}
	}
	return g.state
}

// SuppressedSide returns the ladder side to drop for the current state
// and position, or "" when both sides may quote. Only the side that
// would grow the position is suppressed.
func (g *Governor) SuppressedSide(positionSize float64) exchange.Side {
	if g.state != StateReduce {
		return ""
	}
	switch {
	case positionSize > 0:
		return exchange.Buy
	case positionSize < 0:
		return exchange.Sell
	default:
		return ""
	}
}

package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/gridbot/exchange"
)

func ladderParams() Params {
	return Params{
		Center:         50000,
		StepUsd:        100,
		FirstOffsetUsd: 50,
		LevelsPerSide:  3,
		BaseSize:       0.01,
		LotCoefficient: 1.0,
	}
}

func TestTargetLevels(t *testing.T) {
	t.Parallel()

	levels := Target(ladderParams(), "")
	require.Len(t, levels, 6)

	var buys, sells []Level
	for _, l := range levels {
		if l.Side == exchange.Buy {
			buys = append(buys, l)
		} else {
			sells = append(sells, l)
		}
	}
	require.Len(t, buys, 3)
	require.Len(t, sells, 3)

	assert.InDelta(t, 49950, buys[0].Price, 1e-9)
	assert.InDelta(t, 49850, buys[1].Price, 1e-9)
	assert.InDelta(t, 49750, buys[2].Price, 1e-9)
	assert.InDelta(t, 50050, sells[0].Price, 1e-9)
	assert.InDelta(t, 50150, sells[1].Price, 1e-9)
	assert.InDelta(t, 50250, sells[2].Price, 1e-9)

	for _, l := range levels {
		assert.InDelta(t, 0.01, l.Size, 1e-12)
	}
}

func TestTargetLotCoefficient(t *testing.T) {
	t.Parallel()

	p := ladderParams()
	p.LotCoefficient = 2.5
	for _, l := range Target(p, "") {
		assert.InDelta(t, 0.025, l.Size, 1e-12)
	}
}

func TestTargetSuppressedSide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		suppress exchange.Side
		want     exchange.Side
	}{
		{"suppress buys keeps sells", exchange.Buy, exchange.Sell},
		{"suppress sells keeps buys", exchange.Sell, exchange.Buy},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			levels := Target(ladderParams(), tt.suppress)
			require.Len(t, levels, 3)
			for _, l := range levels {
				assert.Equal(t, tt.want, l.Side)
			}
		})
	}
}

func TestTargetZeroCoefficient(t *testing.T) {
	t.Parallel()

	p := ladderParams()
	p.LotCoefficient = 0
	assert.Empty(t, Target(p, ""))
}

func liveFromLevels(levels []Level) []exchange.Order {
	orders := make([]exchange.Order, len(levels))
	for i, l := range levels {
		orders[i] = exchange.Order{ID: string(rune('a' + i)), Side: l.Side, Price: l.Price, Size: l.Size}
	}
	return orders
}

func TestDiffIdempotent(t *testing.T) {
	t.Parallel()

	target := Target(ladderParams(), "")
	live := liveFromLevels(target)

	place, cancel := Diff(target, live, 1e-6)
	assert.Empty(t, place)
	assert.Empty(t, cancel)
}

func TestDiffEmptyBook(t *testing.T) {
	t.Parallel()

	target := Target(ladderParams(), "")
	place, cancel := Diff(target, nil, 1e-6)
	assert.Len(t, place, 6)
	assert.Empty(t, cancel)
}

func TestDiffCenterMoved(t *testing.T) {
	t.Parallel()

	p := ladderParams()
	stale := liveFromLevels(Target(p, ""))

	p.Center = 50100 // one step up, sells shift, one buy rung survives shifted
	target := Target(p, "")

	place, cancel := Diff(target, stale, 1e-6)

	// buys 49950/49850 and sells 50150/50250 survive at new rungs; the
	// outermost stale rung on each side churns.
	require.Len(t, cancel, 2)
	require.Len(t, place, 2)
	assert.InDelta(t, 50050, cancel[0].Price, 1e-9)
	assert.InDelta(t, 49750, cancel[1].Price, 1e-9)
}

func TestDiffDuplicateAtSamePrice(t *testing.T) {
	t.Parallel()

	target := Target(ladderParams(), "")
	live := liveFromLevels(target)
	live = append(live, exchange.Order{ID: "dup", Side: exchange.Buy, Price: 49950, Size: 0.01})

	place, cancel := Diff(target, live, 1e-6)
	assert.Empty(t, place)
	require.Len(t, cancel, 1)
	assert.Equal(t, "dup", cancel[0].ID)
}

func TestDiffOppositeSideNoMatch(t *testing.T) {
	t.Parallel()

	target := []Level{{Side: exchange.Buy, Price: 49950, Size: 0.01}}
	live := []exchange.Order{{ID: "x", Side: exchange.Sell, Price: 49950, Size: 0.01}}

	place, cancel := Diff(target, live, 1e-6)
	require.Len(t, place, 1)
	require.Len(t, cancel, 1)
}

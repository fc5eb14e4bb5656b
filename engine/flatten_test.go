package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rustyeddy/gridbot/exchange"
	"github.com/rustyeddy/gridbot/journal"
	"github.com/rustyeddy/gridbot/risk"
)

// lateExchange reports the position flat only from the nth snapshot on.
type lateExchange struct {
	*fakeExchange
	flatAfter int
	snapCalls int
}

func (l *lateExchange) Snapshot(ctx context.Context) (exchange.AccountSnapshot, error) {
	l.snapCalls++
	if l.snapCalls >= l.flatAfter {
		l.size = 0
	}
	return l.fakeExchange.Snapshot(ctx)
}

func TestFlattenConfirmPollsUntilFlat(t *testing.T) {
	t.Parallel()

	ex := &lateExchange{fakeExchange: newFakeExchange(), flatAfter: 4}
	ex.size = 0.01
	ex.entry = 50000
	ex.marketFills = false

	monitor := risk.NewMonitor(risk.Policy{Leverage: 1}, 0, zap.NewNop())
	f := NewFlattener(ex, monitor, journal.Nop{}, zap.NewNop())
	f.confirmAttempts = 5
	var slept int
	f.sleep = func(time.Duration) { slept++ }

	require.NoError(t, f.Flatten(context.Background(), risk.ReasonAssetBreaker, ModeTrading))
	assert.Equal(t, 1, ex.cancelAllN)
	assert.Len(t, ex.marketed, 1)
	assert.Greater(t, slept, 0, "polled more than once before confirming")
}

func TestFlattenNoPositionSkipsMarketOrder(t *testing.T) {
	t.Parallel()

	ex := newFakeExchange()
	monitor := risk.NewMonitor(risk.Policy{Leverage: 1}, 0, zap.NewNop())
	f := NewFlattener(ex, monitor, journal.Nop{}, zap.NewNop())
	f.sleep = func(time.Duration) {}

	require.NoError(t, f.Flatten(context.Background(), risk.ReasonRecovery, ModeTrading))
	assert.Empty(t, ex.marketed)
	assert.Equal(t, 1, ex.cancelAllN, "cancel-all still runs, no orders is success")
}

func TestFlattenContextCancelled(t *testing.T) {
	t.Parallel()

	ex := newFakeExchange()
	ex.size = 0.01
	ex.marketFills = false

	monitor := risk.NewMonitor(risk.Policy{Leverage: 1}, 0, zap.NewNop())
	f := NewFlattener(ex, monitor, journal.Nop{}, zap.NewNop())
	f.confirmAttempts = 100
	ctx, cancel := context.WithCancel(context.Background())
	f.sleep = func(time.Duration) { cancel() }

	err := f.Flatten(ctx, risk.ReasonAssetBreaker, ModeTrading)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

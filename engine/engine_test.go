package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rustyeddy/gridbot/exchange"
	"github.com/rustyeddy/gridbot/grid"
	"github.com/rustyeddy/gridbot/risk"
	"github.com/rustyeddy/gridbot/schedule"
)

// fakeExchange is an in-memory venue. Market orders fill instantly when
// marketFills is true; limit orders rest in the book.
type fakeExchange struct {
	balance float64
	upnl    float64
	size    float64
	entry   float64
	mark    float64

	orders []exchange.Order
	nextID int

	marketFills bool
	snapErr     error

	placed     []exchange.LimitOrderRequest
	marketed   []exchange.MarketOrderRequest
	cancelled  []string
	cancelAllN int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{balance: 400, mark: 50000, marketFills: true}
}

func (f *fakeExchange) Snapshot(ctx context.Context) (exchange.AccountSnapshot, error) {
	if f.snapErr != nil {
		return exchange.AccountSnapshot{}, f.snapErr
	}
	return exchange.AccountSnapshot{
		Balance:       f.balance,
		UnrealizedPnl: f.upnl,
		Position:      exchange.Position{Size: f.size, EntryPrice: f.entry},
		MarkPrice:     f.mark,
	}, nil
}

func (f *fakeExchange) ActiveOrders(ctx context.Context) ([]exchange.Order, error) {
	out := make([]exchange.Order, len(f.orders))
	copy(out, f.orders)
	return out, nil
}

func (f *fakeExchange) PlaceLimit(ctx context.Context, req exchange.LimitOrderRequest) (exchange.Order, error) {
	f.nextID++
	ord := exchange.Order{
		ID:         fmt.Sprintf("o%d", f.nextID),
		ClientID:   req.ClientID,
		Side:       req.Side,
		Price:      req.Price,
		Size:       req.Size,
		ReduceOnly: req.ReduceOnly,
	}
	f.orders = append(f.orders, ord)
	f.placed = append(f.placed, req)
	return ord, nil
}

func (f *fakeExchange) PlaceMarket(ctx context.Context, req exchange.MarketOrderRequest) error {
	f.marketed = append(f.marketed, req)
	if f.marketFills {
		// realize the open PnL on close
		f.balance += f.upnl
		f.upnl = 0
		f.size = 0
	}
	return nil
}

func (f *fakeExchange) Cancel(ctx context.Context, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	for i, o := range f.orders {
		if o.ID == orderID {
			f.orders = append(f.orders[:i], f.orders[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeExchange) CancelAll(ctx context.Context) error {
	f.cancelAllN++
	f.orders = nil
	return nil
}

type fakeGate struct {
	st schedule.Status
}

func (g *fakeGate) Resolve(time.Time) schedule.Status { return g.st }

type harness struct {
	ex    *fakeExchange
	o     *Orchestrator
	gate  *fakeGate
	clock time.Time
}

func newHarness(t *testing.T, policy risk.Policy, gate *fakeGate) *harness {
	t.Helper()

	ex := newFakeExchange()
	log := zap.NewNop()
	monitor := risk.NewMonitor(policy, 0, log)
	governor := risk.NewGovernor(risk.MeasureBtc, 1.0, 0.5, log)

	opts := Options{
		Exchange: ex,
		Monitor:  monitor,
		Governor: governor,
		Log:      log,
		Grid: grid.Params{
			StepUsd:        100,
			FirstOffsetUsd: 50,
			LevelsPerSide:  2,
			BaseSize:       0.01,
		},
		PriceTol:   0.1,
		ExitAction: ExitNothing,
	}
	if gate != nil {
		opts.Gate = gate
	}
	o := New(opts)

	h := &harness{ex: ex, o: o, gate: gate, clock: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	o.now = func() time.Time { return h.clock }
	o.sleep = func(time.Duration) {}
	o.flat.sleep = func(time.Duration) {}
	o.flat.confirmAttempts = 3
	return h
}

func (h *harness) cycle(t *testing.T) {
	t.Helper()
	require.NoError(t, h.o.RunCycle(context.Background()))
}

func (h *harness) seedBaseline(asset float64) {
	h.o.monitor.ResetBaseline(exchange.AccountSnapshot{Balance: asset})
}

func TestCycleBuildsLadderAndIsIdempotent(t *testing.T) {
	h := newHarness(t, risk.Policy{Leverage: 1}, nil)
	h.seedBaseline(400)

	h.cycle(t)
	assert.Len(t, h.ex.placed, 4, "two rungs per side")
	assert.Empty(t, h.ex.cancelled)

	// the book now matches the target: nothing to do
	h.cycle(t)
	assert.Len(t, h.ex.placed, 4)
	assert.Empty(t, h.ex.cancelled)
}

func TestCycleReconcilesAfterCenterMove(t *testing.T) {
	h := newHarness(t, risk.Policy{Leverage: 1}, nil)
	h.seedBaseline(400)

	h.cycle(t)
	require.Len(t, h.ex.placed, 4)

	h.ex.mark = 50100
	h.cycle(t)
	assert.NotEmpty(t, h.ex.cancelled, "stale rungs pulled")
	assert.Greater(t, len(h.ex.placed), 4, "new rungs placed")
}

func TestAssetBreakerFlattensOnce(t *testing.T) {
	h := newHarness(t, risk.Policy{AssetLossCutPct: 0.05, Leverage: 1}, nil)
	h.seedBaseline(400)

	h.ex.size = 0.01
	h.ex.entry = 50000
	h.ex.balance = 400
	h.ex.upnl = -0.5 // total 399.5, below 399.8

	h.cycle(t)
	assert.Equal(t, ModeCooldown, h.o.Mode())
	assert.Equal(t, 1, h.ex.cancelAllN)
	require.Len(t, h.ex.marketed, 1)
	assert.Equal(t, exchange.Sell, h.ex.marketed[0].Side)
	assert.True(t, h.ex.marketed[0].ReduceOnly)
	assert.InDelta(t, 0.01, h.ex.marketed[0].Size, 1e-9)

	// baseline re-seeded from the flat snapshot, no re-trigger
	assert.InDelta(t, 399.5, h.o.monitor.Baseline().InitialAsset, 1e-9)

	h.cycle(t)
	assert.Len(t, h.ex.marketed, 1, "no duplicate flatten")
	assert.Empty(t, h.ex.placed, "no orders during cooldown")
}

func TestBreakerDuringCooldownRestartsTimer(t *testing.T) {
	h := newHarness(t, risk.Policy{AssetLossCutPct: 0.05, Leverage: 1}, nil)
	h.seedBaseline(400)

	h.ex.size = -0.01
	h.ex.entry = 50000
	h.ex.balance = 399 // total under 399.8

	h.cycle(t)
	require.Equal(t, ModeCooldown, h.o.Mode())
	require.Equal(t, 1, h.ex.cancelAllN)

	// 20s in, drop the balance past the fresh baseline again
	h.clock = h.clock.Add(20 * time.Second)
	h.ex.balance = 398
	h.cycle(t)
	assert.Equal(t, ModeCooldown, h.o.Mode())
	assert.Equal(t, 1, h.ex.cancelAllN, "no second flatten while flat")
	assert.Len(t, h.ex.marketed, 1)

	// 40s after start is inside the restarted window
	h.clock = h.clock.Add(20 * time.Second)
	h.o.monitor.ResetBaseline(exchange.AccountSnapshot{Balance: 398})
	h.cycle(t)
	assert.Equal(t, ModeCooldown, h.o.Mode())

	// and past it, trading resumes
	h.clock = h.clock.Add(31 * time.Second)
	h.cycle(t)
	assert.Equal(t, ModeTrading, h.o.Mode())
	assert.NotEmpty(t, h.ex.placed)
}

func TestCooldownExpiryResumesTrading(t *testing.T) {
	h := newHarness(t, risk.Policy{AssetLossCutPct: 0.05, Leverage: 1}, nil)
	h.seedBaseline(400)
	h.ex.balance = 399

	h.cycle(t)
	require.Equal(t, ModeCooldown, h.o.Mode())

	h.clock = h.clock.Add(31 * time.Second)
	h.cycle(t)
	assert.Equal(t, ModeTrading, h.o.Mode())
	assert.Len(t, h.ex.placed, 4)
}

func TestFlattenUnconfirmedIsFatal(t *testing.T) {
	h := newHarness(t, risk.Policy{AssetLossCutPct: 0.05, Leverage: 1}, nil)
	h.seedBaseline(400)

	h.ex.marketFills = false // position never clears
	h.ex.size = 0.01
	h.ex.entry = 50000
	h.ex.balance = 399

	err := h.o.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFlattenUnconfirmed)
	assert.Equal(t, ModeFlattening, h.o.Mode(), "mode stays FLATTENING, trading never resumes")
}

func TestGovernorSuppressesGrowingSide(t *testing.T) {
	h := newHarness(t, risk.Policy{Leverage: 1}, nil)
	h.seedBaseline(400)

	h.ex.size = 1.2 // over the 1.0 limit
	h.ex.entry = 50000
	h.ex.upnl = 0

	h.cycle(t)
	require.NotEmpty(t, h.ex.placed)
	for _, p := range h.ex.placed {
		assert.Equal(t, exchange.Sell, p.Side, "long over limit quotes sells only")
	}
}

func TestSnapshotErrorSkipsCycle(t *testing.T) {
	h := newHarness(t, risk.Policy{Leverage: 1}, nil)
	h.seedBaseline(400)

	h.ex.snapErr = exchange.Transient("snapshot", errors.New("timeout"))
	h.cycle(t)
	assert.Empty(t, h.ex.placed)
	assert.Equal(t, ModeTrading, h.o.Mode())
}

func TestScheduleExitNothing(t *testing.T) {
	gate := &fakeGate{st: schedule.Status{Active: true, LotCoefficient: 1}}
	h := newHarness(t, risk.Policy{Leverage: 1}, gate)
	h.seedBaseline(400)

	h.ex.size = 0.01
	h.ex.entry = 50000
	h.cycle(t)
	require.NotEmpty(t, h.ex.placed)
	placedBefore := len(h.ex.placed)

	gate.st = schedule.Status{Active: false, LotCoefficient: 1}
	h.cycle(t)
	assert.Equal(t, ModeOutOfSchedule, h.o.Mode())
	assert.Equal(t, 1, h.ex.cancelAllN, "resting orders pulled")
	assert.Empty(t, h.ex.marketed, "position left alone")
	assert.InDelta(t, 0.01, h.ex.size, 1e-9)

	// suspended while out of schedule
	h.cycle(t)
	assert.Len(t, h.ex.placed, placedBefore)

	// window reopens
	gate.st = schedule.Status{Active: true, LotCoefficient: 1}
	h.cycle(t)
	assert.Equal(t, ModeTrading, h.o.Mode())
	assert.Greater(t, len(h.ex.placed), placedBefore)
}

func TestScheduleExitImmediately(t *testing.T) {
	gate := &fakeGate{st: schedule.Status{Active: false}}
	h := newHarness(t, risk.Policy{Leverage: 1}, gate)
	h.o.exitAction = ExitImmediately
	h.o.activeSeen = true
	h.seedBaseline(400)

	h.ex.size = -0.01
	h.ex.entry = 50000

	h.cycle(t)
	assert.Equal(t, ModeCooldown, h.o.Mode())
	require.Len(t, h.ex.marketed, 1)
	assert.Equal(t, exchange.Buy, h.ex.marketed[0].Side)
}

func TestStartupOutOfScheduleKeepsPosition(t *testing.T) {
	gate := &fakeGate{st: schedule.Status{Active: false}}
	h := newHarness(t, risk.Policy{Leverage: 1}, gate)
	h.o.exitAction = ExitImmediately
	h.seedBaseline(400)

	h.ex.size = 0.01
	h.ex.entry = 50000

	// no active window has been seen yet: the exit action must not fire
	h.cycle(t)
	assert.Equal(t, ModeOutOfSchedule, h.o.Mode())
	assert.Empty(t, h.ex.marketed, "position held across a cold start")
	assert.Zero(t, h.ex.cancelAllN)
	assert.InDelta(t, 0.01, h.ex.size, 1e-9)

	// a window opens and trading starts
	gate.st = schedule.Status{Active: true, LotCoefficient: 1}
	h.cycle(t)
	require.Equal(t, ModeTrading, h.o.Mode())

	// the observed close fires the configured action
	gate.st = schedule.Status{Active: false}
	h.cycle(t)
	assert.Equal(t, ModeCooldown, h.o.Mode())
	require.Len(t, h.ex.marketed, 1)
	assert.Equal(t, exchange.Sell, h.ex.marketed[0].Side)
}

func TestScheduleAutoExitFilled(t *testing.T) {
	gate := &fakeGate{st: schedule.Status{Active: false}}
	h := newHarness(t, risk.Policy{Leverage: 1}, gate)
	h.o.exitAction = ExitAuto
	h.o.activeSeen = true
	h.seedBaseline(400)

	h.ex.size = 0.01
	h.ex.entry = 50000
	h.ex.mark = 50000

	// the reduce-only limit fills during the wait
	h.o.sleep = func(time.Duration) {
		h.ex.size = 0
		h.ex.upnl = 0
		h.ex.balance = 401
	}

	h.cycle(t)
	assert.Equal(t, ModeOutOfSchedule, h.o.Mode())
	assert.Empty(t, h.ex.marketed, "no market order on a fill")

	require.Len(t, h.ex.placed, 1)
	assert.Equal(t, exchange.Sell, h.ex.placed[0].Side)
	assert.True(t, h.ex.placed[0].ReduceOnly)
	assert.InDelta(t, 50005.0, h.ex.placed[0].Price, 1e-9, "5 USD favorable for a long")

	// fill counts as confirmed flatten: baseline reset from fresh snapshot
	assert.InDelta(t, 401, h.o.monitor.Baseline().InitialBalance, 1e-9)
}

func TestScheduleAutoExitTimeout(t *testing.T) {
	gate := &fakeGate{st: schedule.Status{Active: false}}
	h := newHarness(t, risk.Policy{Leverage: 1}, gate)
	h.o.exitAction = ExitAuto
	h.o.activeSeen = true
	h.seedBaseline(400)

	h.ex.size = -0.02
	h.ex.entry = 50000
	h.ex.mark = 50000

	h.cycle(t)
	assert.Equal(t, ModeCooldown, h.o.Mode())

	require.Len(t, h.ex.placed, 1)
	assert.Equal(t, exchange.Buy, h.ex.placed[0].Side)
	assert.InDelta(t, 49995.0, h.ex.placed[0].Price, 1e-9, "5 USD favorable for a short")

	require.Len(t, h.ex.marketed, 1, "exactly one market flatten after the timeout")
	assert.Equal(t, exchange.Buy, h.ex.marketed[0].Side)
	assert.NotEmpty(t, h.ex.cancelled, "unfilled auto close order pulled first")
}

func TestLotCoefficientScalesLadder(t *testing.T) {
	gate := &fakeGate{st: schedule.Status{Active: true, LotCoefficient: 0.5, Title: "quiet"}}
	h := newHarness(t, risk.Policy{Leverage: 1}, gate)
	h.seedBaseline(400)

	h.cycle(t)
	require.NotEmpty(t, h.ex.placed)
	for _, p := range h.ex.placed {
		assert.InDelta(t, 0.005, p.Size, 1e-12)
	}
}

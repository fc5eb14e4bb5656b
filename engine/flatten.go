package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/gridbot/exchange"
	"github.com/rustyeddy/gridbot/journal"
	"github.com/rustyeddy/gridbot/pkg/id"
	"github.com/rustyeddy/gridbot/risk"
)

// ErrFlattenUnconfirmed means the position could not be confirmed flat
// within the bounded poll. The engine must halt on it rather than resume
// trading against an unknown account state.
var ErrFlattenUnconfirmed = errors.New("flatten not confirmed within attempt budget")

// Flattener cancels everything, closes the position at market, and polls
// until the venue reports flat. Only after confirmation does it reset
// the risk baseline.
type Flattener struct {
	ex      exchange.Exchange
	monitor *risk.Monitor
	jrnl    journal.Journal
	log     *zap.Logger

	confirmAttempts int
	confirmInterval time.Duration

	sleep func(time.Duration) // test hook
}

func NewFlattener(ex exchange.Exchange, monitor *risk.Monitor, jrnl journal.Journal, log *zap.Logger) *Flattener {
	return &Flattener{
		ex:              ex,
		monitor:         monitor,
		jrnl:            jrnl,
		log:             log,
		confirmAttempts: 10,
		confirmInterval: 2 * time.Second,
		sleep:           time.Sleep,
	}
}

// Flatten runs the full sequence for the given trigger. mode is the
// operating mode at trigger time, recorded for the journal.
func (f *Flattener) Flatten(ctx context.Context, reason risk.Reason, mode Mode) error {
	f.log.Warn("flattening all positions and orders", zap.String("reason", string(reason)), zap.String("mode", string(mode)))

	// cancelling with no open orders is success
	if err := f.ex.CancelAll(ctx); err != nil {
		return fmt.Errorf("cancel all orders: %w", err)
	}

	snap, err := f.ex.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot before close: %w", err)
	}

	if size := snap.Position.Size; size != 0 {
		side := exchange.Sell
		if size < 0 {
			side = exchange.Buy
		}
		req := exchange.MarketOrderRequest{
			ClientID:   id.NewOrder(),
			Side:       side,
			Size:       math.Abs(size),
			ReduceOnly: true,
		}
		if err := f.ex.PlaceMarket(ctx, req); err != nil {
			return fmt.Errorf("close position: %w", err)
		}
	}

	confirmed, err := f.confirm(ctx)
	if err != nil {
		return err
	}

	f.monitor.ResetBaseline(confirmed)

	if err := f.jrnl.RecordFlatten(journal.FlattenEvent{
		EventID:      id.New(),
		Time:         time.Now(),
		Reason:       string(reason),
		Mode:         string(mode),
		Balance:      confirmed.Balance,
		TotalAsset:   confirmed.TotalAsset(),
		PositionSize: snap.Position.Size,
	}); err != nil {
		f.log.Warn("journal flatten event failed", zap.Error(err))
	}

	f.log.Info("flatten confirmed",
		zap.String("reason", string(reason)),
		zap.Float64("balance", confirmed.Balance),
		zap.Float64("total_asset", confirmed.TotalAsset()))
	return nil
}

func (f *Flattener) confirm(ctx context.Context) (exchange.AccountSnapshot, error) {
	var lastErr error
	for i := 0; i < f.confirmAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return exchange.AccountSnapshot{}, err
		}
		snap, err := f.ex.Snapshot(ctx)
		if err != nil {
			lastErr = err
		} else if snap.Position.Size == 0 {
			return snap, nil
		}
		if i < f.confirmAttempts-1 {
			f.sleep(f.confirmInterval)
		}
	}
	if lastErr != nil {
		return exchange.AccountSnapshot{}, fmt.Errorf("%w: %v", ErrFlattenUnconfirmed, lastErr)
	}
	return exchange.AccountSnapshot{}, ErrFlattenUnconfirmed
}

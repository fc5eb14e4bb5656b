// Package engine runs the per-cycle control loop: schedule gate, circuit
// breakers, size governor, and ladder reconciliation, in that order.
package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rustyeddy/gridbot/exchange"
	"github.com/rustyeddy/gridbot/grid"
	"github.com/rustyeddy/gridbot/journal"
	"github.com/rustyeddy/gridbot/pkg/id"
	"github.com/rustyeddy/gridbot/risk"
	"github.com/rustyeddy/gridbot/schedule"
)

// Mode is the orchestrator state. Exactly one is active at a time.
type Mode string

const (
	ModeTrading       Mode = "TRADING"
	ModeOutOfSchedule Mode = "OUT_OF_SCHEDULE"
	ModeFlattening    Mode = "FLATTENING"
	ModeCooldown      Mode = "COOLDOWN"
)

var modeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "bot_operating_mode",
	Help: "0=trading, 1=out_of_schedule, 2=flattening, 3=cooldown",
})

func init() {
	prometheus.MustRegister(modeGauge)
}

func (m Mode) gaugeValue() float64 {
	switch m {
	case ModeOutOfSchedule:
		return 1
	case ModeFlattening:
		return 2
	case ModeCooldown:
		return 3
	default:
		return 0
	}
}

// ExitAction is what to do with an open position when the schedule ends.
type ExitAction string

const (
	ExitNothing     ExitAction = "nothing"
	ExitAuto        ExitAction = "auto"
	ExitImmediately ExitAction = "immediately"
)

// scheduleResolver is the slice of schedule.Gate the loop needs.
type scheduleResolver interface {
	Resolve(now time.Time) schedule.Status
}

// Options wires an Orchestrator. Gate nil means trading is always in
// schedule at coefficient 1.
type Options struct {
	Exchange exchange.Exchange
	Monitor  *risk.Monitor
	Governor *risk.Governor
	Gate     scheduleResolver
	Journal  journal.Journal
	Log      *zap.Logger

	Grid               grid.Params // Center ignored, taken from the mark each cycle
	PriceTol           float64
	ExitAction         ExitAction
	Cooldown           time.Duration
	AutoCloseWait      time.Duration
	AutoCloseOffsetUsd float64
}

// Orchestrator owns OperatingMode and drives one cycle at a time. It is
// the only writer of the mode and, via the flattener, of the baseline.
type Orchestrator struct {
	ex       exchange.Exchange
	monitor  *risk.Monitor
	governor *risk.Governor
	gate     scheduleResolver
	jrnl     journal.Journal
	flat     *Flattener
	log      *zap.Logger

	gridParams grid.Params
	priceTol   float64
	exitAction ExitAction

	cooldown           time.Duration
	autoCloseWait      time.Duration
	autoCloseOffsetUsd float64

	mode          Mode
	cooldownUntil time.Time
	lastTitle     string
	activeSeen    bool

	now   func() time.Time    // test hook
	sleep func(time.Duration) // test hook
}

func New(opts Options) *Orchestrator {
	jrnl := opts.Journal
	if jrnl == nil {
		jrnl = journal.Nop{}
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	wait := opts.AutoCloseWait
	if wait <= 0 {
		wait = time.Minute
	}
	offset := opts.AutoCloseOffsetUsd
	if offset <= 0 {
		offset = 5.0
	}
	exit := opts.ExitAction
	if exit == "" {
		exit = ExitNothing
	}
	o := &Orchestrator{
		ex:                 opts.Exchange,
		monitor:            opts.Monitor,
		governor:           opts.Governor,
		gate:               opts.Gate,
		jrnl:               jrnl,
		flat:               NewFlattener(opts.Exchange, opts.Monitor, jrnl, opts.Log),
		log:                opts.Log,
		gridParams:         opts.Grid,
		priceTol:           opts.PriceTol,
		exitAction:         exit,
		cooldown:           cooldown,
		autoCloseWait:      wait,
		autoCloseOffsetUsd: offset,
		mode:               ModeTrading,
		now:                time.Now,
		sleep:              time.Sleep,
	}
	modeGauge.Set(o.mode.gaugeValue())
	return o
}

func (o *Orchestrator) Mode() Mode { return o.mode }

func (o *Orchestrator) setMode(m Mode) {
	if o.mode == m {
		return
	}
	o.log.Info("operating mode changed", zap.String("from", string(o.mode)), zap.String("to", string(m)))
	o.mode = m
	modeGauge.Set(m.gaugeValue())
}

// Run ticks RunCycle on the given cadence until ctx ends or a cycle
// returns a fatal error.
func (o *Orchestrator) Run(ctx context.Context, cycle time.Duration) error {
	ticker := time.NewTicker(cycle)
	defer ticker.Stop()
	for {
		if err := o.RunCycle(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle makes one full pass of decisions. A non-nil return is fatal:
// the account state could not be brought to a safe configuration.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	now := o.now()

	snap, err := o.ex.Snapshot(ctx)
	if err != nil {
		o.log.Warn("account snapshot failed, skipping cycle", zap.String("mode", string(o.mode)), zap.Error(err))
		return nil
	}
	o.monitor.Observe(snap)

	status := schedule.Status{Active: true, LotCoefficient: 1.0}
	if o.gate != nil {
		status = o.gate.Resolve(now)
	}

	// breakers run in every mode; a trigger during cooldown only
	// restarts the timer, the account is already flat
	if trig := o.monitor.Evaluate(snap); trig.Flatten {
		if o.mode == ModeCooldown {
			o.cooldownUntil = now.Add(o.cooldown)
			o.log.Warn("breaker during cooldown, restarting timer",
				zap.String("reason", string(trig.Reason)), zap.String("detail", trig.Msg))
			return nil
		}
		return o.flattenAndCooldown(ctx, trig.Reason, trig.Msg)
	}

	if o.mode == ModeCooldown {
		if now.Before(o.cooldownUntil) {
			return nil
		}
		if status.Active {
			o.setMode(ModeTrading)
		} else {
			o.setMode(ModeOutOfSchedule)
		}
	}

	if o.gate != nil {
		if !status.Active && o.mode == ModeTrading {
			// the exit action fires only on an observed open-to-closed
			// transition; starting outside a window just waits, with the
			// position and orders untouched
			if !o.activeSeen {
				o.log.Info("starting outside schedule window, waiting")
				o.setMode(ModeOutOfSchedule)
				return nil
			}
			return o.handleScheduleExit(ctx, snap)
		}
		if status.Active {
			o.activeSeen = true
		}
		if status.Active && o.mode == ModeOutOfSchedule {
			o.log.Info("schedule window opened", zap.String("title", status.Title))
			o.lastTitle = status.Title
			o.setMode(ModeTrading)
		}
	}

	if o.mode != ModeTrading {
		return nil
	}
	if status.Title != o.lastTitle {
		o.log.Info("schedule window changed", zap.String("title", status.Title),
			zap.Float64("lot_coefficient", status.LotCoefficient))
		o.lastTitle = status.Title
	}

	o.governor.Update(snap)
	suppress := o.governor.SuppressedSide(snap.Position.Size)

	if snap.MarkPrice <= 0 {
		o.log.Warn("no mark price available, skipping ladder")
		return nil
	}

	params := o.gridParams
	params.Center = snap.MarkPrice
	params.LotCoefficient = status.LotCoefficient
	target := grid.Target(params, suppress)

	live, err := o.ex.ActiveOrders(ctx)
	if err != nil {
		o.log.Warn("listing active orders failed, deferring reconciliation", zap.Error(err))
		return nil
	}

	place, cancel := grid.Diff(target, live, o.priceTol)
	for _, ord := range cancel {
		o.cancelOrder(ctx, ord)
	}
	for _, lvl := range place {
		o.placeLevel(ctx, lvl)
	}
	return nil
}

func (o *Orchestrator) flattenAndCooldown(ctx context.Context, reason risk.Reason, detail string) error {
	triggeredIn := o.mode
	o.setMode(ModeFlattening)
	o.log.Warn("circuit triggered",
		zap.String("reason", string(reason)),
		zap.String("mode", string(triggeredIn)),
		zap.String("detail", detail))

	if err := o.flat.Flatten(ctx, reason, triggeredIn); err != nil {
		// unconfirmed flatten: do not resume, surface as fatal
		return err
	}
	o.cooldownUntil = o.now().Add(o.cooldown)
	o.setMode(ModeCooldown)
	return nil
}

func (o *Orchestrator) cancelOrder(ctx context.Context, ord exchange.Order) {
	err := o.ex.Cancel(ctx, ord.ID)
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
		o.log.Warn("cancel failed, will retry next cycle",
			zap.String("order_id", ord.ID), zap.Error(err))
	}
	o.recordOrder("cancel", string(ord.Side), ord.Price, ord.Size, outcome)
}

func (o *Orchestrator) placeLevel(ctx context.Context, lvl grid.Level) {
	_, err := o.ex.PlaceLimit(ctx, exchange.LimitOrderRequest{
		ClientID: id.NewOrder(),
		Side:     lvl.Side,
		Price:    lvl.Price,
		Size:     lvl.Size,
	})
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
		o.log.Warn("place failed, will retry next cycle",
			zap.String("side", string(lvl.Side)), zap.Float64("price", lvl.Price), zap.Error(err))
	}
	o.recordOrder("place_limit", string(lvl.Side), lvl.Price, lvl.Size, outcome)
}

func (o *Orchestrator) recordOrder(op, side string, price, size float64, outcome string) {
	if err := o.jrnl.RecordOrder(journal.OrderEvent{
		EventID: id.New(),
		Time:    time.Now(),
		Op:      op,
		Side:    side,
		Price:   price,
		Size:    size,
		Outcome: outcome,
	}); err != nil {
		o.log.Warn("journal order event failed", zap.Error(err))
	}
}

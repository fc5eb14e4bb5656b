package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/gridbot/exchange"
	"github.com/rustyeddy/gridbot/journal"
	"github.com/rustyeddy/gridbot/pkg/id"
	"github.com/rustyeddy/gridbot/risk"
)

// handleScheduleExit runs when the window closes while trading. All
// actions start by clearing resting orders; they differ in what happens
// to an open position.
func (o *Orchestrator) handleScheduleExit(ctx context.Context, snap exchange.AccountSnapshot) error {
	o.log.Info("schedule window closed", zap.String("action", string(o.exitAction)))

	switch o.exitAction {
	case ExitImmediately:
		return o.flattenAndCooldown(ctx, risk.ReasonSchedule, "schedule ended, closing immediately")

	case ExitAuto:
		if err := o.autoClose(ctx, snap); err != nil {
			return err
		}
		// fallback paths land in COOLDOWN; a clean close goes straight out
		if o.mode == ModeTrading {
			o.setMode(ModeOutOfSchedule)
		}
		return nil

	default: // nothing: pull orders, keep the position
		if err := o.ex.CancelAll(ctx); err != nil {
			o.log.Warn("cancel all on schedule exit failed, deferring", zap.Error(err))
			return nil
		}
		o.setMode(ModeOutOfSchedule)
		return nil
	}
}

// autoClose tries to exit the position passively first: one reduce-only
// limit priced favorably off the mark, a bounded wait, then a market
// flatten if it did not fill.
func (o *Orchestrator) autoClose(ctx context.Context, snap exchange.AccountSnapshot) error {
	if err := o.ex.CancelAll(ctx); err != nil {
		o.log.Warn("cancel all before auto close failed, falling back to flatten", zap.Error(err))
		return o.flattenAndCooldown(ctx, risk.ReasonScheduleTimeout, "cancel failed during auto close")
	}

	size := snap.Position.Size
	if size == 0 {
		return nil
	}
	if snap.MarkPrice <= 0 {
		return o.flattenAndCooldown(ctx, risk.ReasonScheduleTimeout, "no mark price for auto close")
	}

	side := exchange.Sell
	price := snap.MarkPrice + o.autoCloseOffsetUsd
	if size < 0 {
		side = exchange.Buy
		price = snap.MarkPrice - o.autoCloseOffsetUsd
	}

	ord, err := o.ex.PlaceLimit(ctx, exchange.LimitOrderRequest{
		ClientID:   id.NewOrder(),
		Side:       side,
		Price:      price,
		Size:       math.Abs(size),
		ReduceOnly: true,
	})
	if err != nil {
		o.log.Warn("auto close limit rejected, falling back to flatten", zap.Error(err))
		return o.flattenAndCooldown(ctx, risk.ReasonScheduleTimeout, "auto close order rejected")
	}
	o.recordOrder("place_limit", string(side), price, math.Abs(size), "ok")
	o.log.Info("auto close order placed, waiting for fill",
		zap.String("side", string(side)), zap.Float64("price", price), zap.Float64("size", math.Abs(size)))

	o.sleep(o.autoCloseWait)

	after, err := o.ex.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot after auto close wait: %w", err)
	}
	if after.Position.Size != 0 {
		if err := o.ex.Cancel(ctx, ord.ID); err != nil {
			o.log.Warn("cancel unfilled auto close order failed", zap.Error(err))
		}
		return o.flattenAndCooldown(ctx, risk.ReasonScheduleTimeout, "auto close unfilled, going to market")
	}

	// filled: counts as a confirmed flatten
	o.monitor.ResetBaseline(after)
	if err := o.jrnl.RecordFlatten(journal.FlattenEvent{
		EventID:      id.New(),
		Time:         time.Now(),
		Reason:       string(risk.ReasonSchedule),
		Mode:         string(ModeTrading),
		Balance:      after.Balance,
		TotalAsset:   after.TotalAsset(),
		PositionSize: size,
	}); err != nil {
		o.log.Warn("journal flatten event failed", zap.Error(err))
	}
	o.log.Info("auto close filled", zap.Float64("balance", after.Balance))
	return nil
}

// Package risk holds the circuit-breaker and position-size evaluators.
// Evaluation is pure: given a policy, a baseline and an account snapshot
// it produces a tagged trigger, and the caller decides what to do with it.
package risk

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/rustyeddy/gridbot/exchange"
)

// Reason tags why a flatten was requested.
type Reason string

const (
	ReasonAssetBreaker    Reason = "ASSET_BREAKER"
	ReasonPositionBreaker Reason = "POSITION_BREAKER"
	ReasonRecovery        Reason = "RECOVERY"
	ReasonSchedule        Reason = "SCHEDULE"
	ReasonScheduleTimeout Reason = "SCHEDULE_TIMEOUT"
)

// Trigger is the outcome of one risk evaluation. Flatten false means the
// cycle may proceed; Flatten true carries the first breached rule.
type Trigger struct {
	Flatten bool
	Reason  Reason
	Msg     string
}

// Policy is the configured breaker thresholds. Percentage fields are in
// percent units (0.05 means 0.05%); zero disables the rule.
type Policy struct {
	AssetLossCutPct       float64
	AssetTakeProfitPct    float64
	PositionLossCutPct    float64
	PositionTakeProfitPct float64
	Leverage              float64

	RecoveryEnabled         bool
	RecoveryEnforceLevelUsd float64
}

// Baseline is the reference asset/balance pair breaker percentages are
// measured against. It is reset only after a confirmed flatten.
type Baseline struct {
	InitialAsset   float64
	InitialBalance float64
}

// Monitor evaluates one snapshot per cycle against Policy and Baseline.
// It owns the baseline; nothing else writes it.
type Monitor struct {
	policy   Policy
	baseline Baseline
	log      *zap.Logger

	lastSize float64
}

func NewMonitor(policy Policy, initialBalance float64, log *zap.Logger) *Monitor {
	return &Monitor{
		policy:   policy,
		baseline: Baseline{InitialBalance: initialBalance},
		log:      log,
	}
}

func (m *Monitor) Baseline() Baseline { return m.baseline }

// ResetBaseline re-seeds both references from a post-flatten snapshot.
// Called by the flatten coordinator once the position is confirmed flat.
func (m *Monitor) ResetBaseline(snap exchange.AccountSnapshot) {
	m.baseline.InitialAsset = snap.TotalAsset()
	m.baseline.InitialBalance = snap.Balance
	m.lastSize = 0
	m.log.Info("risk baseline reset",
		zap.Float64("initial_asset", m.baseline.InitialAsset),
		zap.Float64("initial_balance", m.baseline.InitialBalance))
}

// Observe tracks position transitions outside of flattens. The first
// snapshot seeds the references even mid-position, so the breakers are
// armed from process start. When the position later returns to flat
// organically the asset reference is re-seeded so the next leg measures
// from here.
func (m *Monitor) Observe(snap exchange.AccountSnapshot) {
	size := snap.Position.Size
	if m.baseline.InitialAsset == 0 || (size == 0 && m.lastSize != 0) {
		m.baseline.InitialAsset = snap.TotalAsset()
		if m.baseline.InitialBalance == 0 {
			m.baseline.InitialBalance = snap.Balance
		}
	}
	m.lastSize = size
}

// Evaluate runs the breaker rules in fixed priority order: asset breaker,
// then position breaker, then balance recovery. First breach wins.
func (m *Monitor) Evaluate(snap exchange.AccountSnapshot) Trigger {
	if t := m.assetBreaker(snap); t.Flatten {
		return t
	}
	if t := m.positionBreaker(snap); t.Flatten {
		return t
	}
	return m.recovery(snap)
}

func (m *Monitor) assetBreaker(snap exchange.AccountSnapshot) Trigger {
	initial := m.baseline.InitialAsset
	if initial <= 0 {
		return Trigger{}
	}
	changePct := (snap.TotalAsset() - initial) / initial * 100
	if m.policy.AssetLossCutPct > 0 && changePct <= -m.policy.AssetLossCutPct {
		return trigger(ReasonAssetBreaker,
			"asset down %.4f%% from %.2f (limit %.4f%%)", -changePct, initial, m.policy.AssetLossCutPct)
	}
	if m.policy.AssetTakeProfitPct > 0 && changePct >= m.policy.AssetTakeProfitPct {
		return trigger(ReasonAssetBreaker,
			"asset up %.4f%% from %.2f (target %.4f%%)", changePct, initial, m.policy.AssetTakeProfitPct)
	}
	return Trigger{}
}

func (m *Monitor) positionBreaker(snap exchange.AccountSnapshot) Trigger {
	if m.policy.PositionLossCutPct <= 0 && m.policy.PositionTakeProfitPct <= 0 {
		return Trigger{}
	}
	notional := snap.Position.EntryPrice * math.Abs(snap.Position.Size)
	if notional <= 0 {
		return Trigger{}
	}
	pnlPct := snap.UnrealizedPnl / notional * 100 * m.policy.Leverage
	if m.policy.PositionLossCutPct > 0 && pnlPct <= -m.policy.PositionLossCutPct {
		return trigger(ReasonPositionBreaker,
			"position pnl %.4f%% breached loss cut %.4f%%", pnlPct, m.policy.PositionLossCutPct)
	}
	if m.policy.PositionTakeProfitPct > 0 && pnlPct >= m.policy.PositionTakeProfitPct {
		return trigger(ReasonPositionBreaker,
			"position pnl %.4f%% reached target %.4f%%", pnlPct, m.policy.PositionTakeProfitPct)
	}
	return Trigger{}
}

func (m *Monitor) recovery(snap exchange.AccountSnapshot) Trigger {
	if !m.policy.RecoveryEnabled || m.baseline.InitialBalance <= 0 {
		return Trigger{}
	}
	drawdown := m.baseline.InitialBalance - snap.Balance
	if drawdown < m.policy.RecoveryEnforceLevelUsd {
		return Trigger{}
	}
	if snap.Balance+snap.UnrealizedPnl >= m.baseline.InitialBalance {
		return trigger(ReasonRecovery,
			"balance %.2f + upnl %.2f recovered to initial %.2f",
			snap.Balance, snap.UnrealizedPnl, m.baseline.InitialBalance)
	}
	return Trigger{}
}

func trigger(reason Reason, format string, args ...any) Trigger {
	return Trigger{Flatten: true, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

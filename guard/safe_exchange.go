// Package guard wraps the exchange with the safety discipline every
// outbound call must pass through: minimum spacing between mutating
// calls, bounded retries with backoff on transient failures, and
// prometheus counters for each outcome.
package guard

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rustyeddy/gridbot/exchange"
)

var (
	metricCallsAttempted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_exchange_calls_attempted_total",
		Help: "Exchange calls the bot issued, by operation",
	}, []string{"op"})
	metricCallsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_exchange_calls_failed_total",
		Help: "Exchange calls that failed after all retries, by operation",
	}, []string{"op"})
	metricCallRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_exchange_call_retries_total",
		Help: "Individual retry attempts on transient exchange errors",
	})
	metricThrottleWait = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_throttle_waits_total",
		Help: "Mutating calls delayed by the minimum-spacing throttle",
	})
)

func init() {
	prometheus.MustRegister(metricCallsAttempted, metricCallsFailed, metricCallRetries, metricThrottleWait)
}

// SafeExchange decorates an exchange.Exchange. Reads pass through with
// retries only; mutating calls additionally wait out the global minimum
// spacing so the venue never sees two mutations closer than opSpacing.
type SafeExchange struct {
	inner exchange.Exchange
	log   *zap.Logger

	throttle *Throttle

	maxRetries int
	backoff    time.Duration

	sleep func(time.Duration) // test hook
}

func NewSafeExchange(inner exchange.Exchange, opSpacing time.Duration, maxRetries int, backoff time.Duration, log *zap.Logger) *SafeExchange {
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &SafeExchange{
		inner:      inner,
		log:        log,
		throttle:   NewThrottle(opSpacing),
		maxRetries: maxRetries,
		backoff:    backoff,
		sleep:      time.Sleep,
	}
}

func (s *SafeExchange) Snapshot(ctx context.Context) (exchange.AccountSnapshot, error) {
	var snap exchange.AccountSnapshot
	err := s.retry(ctx, "snapshot", func() error {
		var err error
		snap, err = s.inner.Snapshot(ctx)
		return err
	})
	return snap, err
}

func (s *SafeExchange) ActiveOrders(ctx context.Context) ([]exchange.Order, error) {
	var orders []exchange.Order
	err := s.retry(ctx, "active_orders", func() error {
		var err error
		orders, err = s.inner.ActiveOrders(ctx)
		return err
	})
	return orders, err
}

func (s *SafeExchange) PlaceLimit(ctx context.Context, req exchange.LimitOrderRequest) (exchange.Order, error) {
	s.wait(ctx)
	var ord exchange.Order
	err := s.retry(ctx, "place_limit", func() error {
		var err error
		ord, err = s.inner.PlaceLimit(ctx, req)
		return err
	})
	return ord, err
}

func (s *SafeExchange) PlaceMarket(ctx context.Context, req exchange.MarketOrderRequest) error {
	s.wait(ctx)
	return s.retry(ctx, "place_market", func() error {
		return s.inner.PlaceMarket(ctx, req)
	})
}

func (s *SafeExchange) Cancel(ctx context.Context, orderID string) error {
	s.wait(ctx)
	return s.retry(ctx, "cancel", func() error {
		return s.inner.Cancel(ctx, orderID)
	})
}

func (s *SafeExchange) CancelAll(ctx context.Context) error {
	s.wait(ctx)
	return s.retry(ctx, "cancel_all", func() error {
		return s.inner.CancelAll(ctx)
	})
}

func (s *SafeExchange) wait(ctx context.Context) {
	if d := s.throttle.Reserve(); d > 0 {
		metricThrottleWait.Inc()
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
	}
}

func (s *SafeExchange) retry(ctx context.Context, op string, call func() error) error {
	metricCallsAttempted.WithLabelValues(op).Inc()
	var err error
	for i := 0; i < s.maxRetries; i++ {
		if err = ctx.Err(); err != nil {
			break
		}
		err = call()
		if err == nil {
			return nil
		}
		if !exchange.IsTransient(err) {
			break
		}
		if i < s.maxRetries-1 {
			metricCallRetries.Inc()
			s.log.Warn("transient exchange error, retrying",
				zap.String("op", op), zap.Int("attempt", i+1), zap.Error(err))
			s.sleep(time.Duration(i+1) * s.backoff)
		}
	}
	metricCallsFailed.WithLabelValues(op).Inc()
	return err
}

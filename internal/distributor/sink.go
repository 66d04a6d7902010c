// Package distributor is the Distributor: fans an alarm out to every
// registered sink concurrently, with per-sink retry, circuit-breaker,
// bulkhead and timeout isolation. Grounded on AlarmDistributionService's
// distributeAlarm, which runs its four notification calls sequentially
// with no isolation between them -- spec.md §4.K/§9 requires concurrent,
// independently-failing sinks, so this is a deliberate redesign rather
// than a straight port.
package distributor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/firecore/platform/internal/corerr"
	"github.com/firecore/platform/internal/model"
	"github.com/firecore/platform/pkg/config"
)

var errCircuitOpen = errors.New("circuit open")

// Sink delivers one alarm to one downstream channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, alarm *model.AlarmEvent) error
}

// SinkFunc adapts a function to the Sink interface for sinks with no
// state of their own.
type SinkFunc struct {
	name string
	fn   func(ctx context.Context, alarm *model.AlarmEvent) error
}

func NewSinkFunc(name string, fn func(ctx context.Context, alarm *model.AlarmEvent) error) *SinkFunc {
	return &SinkFunc{name: name, fn: fn}
}

func (s *SinkFunc) Name() string { return s.name }
func (s *SinkFunc) Send(ctx context.Context, alarm *model.AlarmEvent) error {
	return s.fn(ctx, alarm)
}

// decorated wraps a Sink with circuit-breaker, bulkhead, retry and
// timeout behavior, applied in that order: the breaker short-circuits
// when a sink is unhealthy, the bulkhead bounds concurrency, and each
// retry attempt gets its own timeout, with the backoff doubling between
// attempts.
type decorated struct {
	inner       Sink
	breaker     *circuitBreaker
	bulkhead    chan struct{}
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

func decorate(s Sink, cfg config.DistributorConfig, logger *zap.Logger) *decorated {
	return &decorated{
		inner:       s,
		breaker:     newCircuitBreaker(cfg.CircuitFailureRate, time.Duration(cfg.CircuitCooldownMs)*time.Millisecond),
		bulkhead:    make(chan struct{}, cfg.BulkheadConcurrency),
		timeout:     time.Duration(cfg.TimeoutMs) * time.Millisecond,
		maxAttempts: cfg.RetryMaxAttempts,
		backoff:     time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
		logger:      logger,
	}
}

func (d *decorated) send(ctx context.Context, alarm *model.AlarmEvent) error {
	if !d.breaker.Allow() {
		return corerr.Internal(d.inner.Name(), errCircuitOpen)
	}

	select {
	case d.bulkhead <- struct{}{}:
		defer func() { <-d.bulkhead }()
	case <-ctx.Done():
		return corerr.Timeout(d.inner.Name(), ctx.Err())
	}

	var lastErr error
	backoff := d.backoff
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := d.inner.Send(callCtx, alarm)
		cancel()

		if err == nil {
			d.breaker.RecordSuccess()
			return nil
		}

		lastErr = err
		d.breaker.RecordFailure()

		if attempt < d.maxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return corerr.Timeout(d.inner.Name(), ctx.Err())
			}
			backoff *= 2
		}
	}

	return corerr.Internal(d.inner.Name(), lastErr)
}

// Distributor fans an alarm out to every registered sink concurrently.
// Each sink's failure is isolated: one sink erroring never blocks or
// fails the others.
type Distributor struct {
	sinks  []*decorated
	logger *zap.Logger
}

// New builds a Distributor wrapping each sink with the same
// retry/breaker/bulkhead/timeout policy from cfg.
func New(sinks []Sink, cfg config.DistributorConfig, logger *zap.Logger) *Distributor {
	wrapped := make([]*decorated, len(sinks))
	for i, s := range sinks {
		wrapped[i] = decorate(s, cfg, logger)
	}
	return &Distributor{sinks: wrapped, logger: logger}
}

// Distribute sends alarm to every sink concurrently and returns once
// all have completed or been abandoned to their own timeout.
func (d *Distributor) Distribute(ctx context.Context, alarm *model.AlarmEvent) {
	done := make(chan struct{}, len(d.sinks))

	for _, s := range d.sinks {
		go func(s *decorated) {
			defer func() { done <- struct{}{} }()
			if err := s.send(ctx, alarm); err != nil {
				d.logger.Warn("sink delivery failed",
					zap.String("sink", s.inner.Name()), zap.Uint64("alarm_id", alarm.ID), zap.Error(err))
			}
		}(s)
	}

	for range d.sinks {
		<-done
	}
}

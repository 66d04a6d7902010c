package distributor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/firecore/platform/internal/model"
	"github.com/firecore/platform/pkg/config"
)

func testDistributorConfig() config.DistributorConfig {
	return config.DistributorConfig{
		RetryMaxAttempts:    2,
		RetryBackoffMs:      1,
		CircuitFailureRate:  0.5,
		CircuitCooldownMs:   50,
		BulkheadConcurrency: 4,
		TimeoutMs:           100,
	}
}

func TestDistributor_OneSinkFailureDoesNotBlockOthers(t *testing.T) {
	var okCalls, failCalls int32

	ok := NewSinkFunc("ok", func(ctx context.Context, alarm *model.AlarmEvent) error {
		atomic.AddInt32(&okCalls, 1)
		return nil
	})
	failing := NewSinkFunc("failing", func(ctx context.Context, alarm *model.AlarmEvent) error {
		atomic.AddInt32(&failCalls, 1)
		return errors.New("boom")
	})

	d := New([]Sink{ok, failing}, testDistributorConfig(), zap.NewNop())
	d.Distribute(context.Background(), &model.AlarmEvent{ID: 1})

	if atomic.LoadInt32(&okCalls) != 1 {
		t.Errorf("expected ok sink to be called once, got %d", okCalls)
	}
	if atomic.LoadInt32(&failCalls) < 1 {
		t.Errorf("expected failing sink to be attempted, got %d", failCalls)
	}
}

func TestDistributor_RetriesBeforeGivingUp(t *testing.T) {
	var attempts int32
	sink := NewSinkFunc("flaky", func(ctx context.Context, alarm *model.AlarmEvent) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return errors.New("transient")
		}
		return nil
	})

	d := New([]Sink{sink}, testDistributorConfig(), zap.NewNop())
	d.Distribute(context.Background(), &model.AlarmEvent{ID: 1})

	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("expected exactly 2 attempts (fail then succeed), got %d", attempts)
	}
}

func TestCircuitBreaker_TripsAfterFailureRateExceeded(t *testing.T) {
	b := newCircuitBreaker(0.5, time.Hour)
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	if b.Allow() {
		t.Error("expected breaker to be open after sustained failures")
	}
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := newCircuitBreaker(0.1, 10*time.Millisecond)
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	if b.Allow() {
		t.Fatal("expected breaker open immediately after tripping")
	}

	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Error("expected breaker to allow a trial call after cooldown")
	}
}

// Package producer is the Alarm Producer: turns a deduplicated
// candidate alarm into an immutable AlarmEvent, assigns it an ID via
// the Snowflake-style allocator, and publishes it to the alarm-events
// topic keyed by device_id. Grounded on the teacher's
// internal/alarming.Evaluator.triggerAlarm, which built and published
// an AlarmNotification inline; here that responsibility is split out
// into its own stage so the evaluator stays a pure matcher.
package producer

import (
	"context"

	"go.uber.org/zap"

	"github.com/firecore/platform/internal/corerr"
	"github.com/firecore/platform/internal/ids"
	"github.com/firecore/platform/internal/model"
	"github.com/firecore/platform/internal/protocol"
)

// Publisher is the subset of queue.Producer this package depends on,
// narrowed to keep the alarm-emission path testable without a broker.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Producer builds and publishes AlarmEvents from candidate matches.
type Producer struct {
	allocator *ids.Allocator
	publisher Publisher
	logger    *zap.Logger
}

// New builds a Producer.
func New(allocator *ids.Allocator, publisher Publisher, logger *zap.Logger) *Producer {
	return &Producer{allocator: allocator, publisher: publisher, logger: logger}
}

// Emit assigns an ID to candidate and publishes the resulting AlarmEvent.
func (p *Producer) Emit(ctx context.Context, candidate model.Candidate) (*model.AlarmEvent, error) {
	id, err := p.allocator.Next(ids.TypeAlarm)
	if err != nil {
		return nil, corerr.Internal("producer.Emit", err)
	}

	loc := model.Location{}
	if candidate.Reading.Location != nil {
		loc = *candidate.Reading.Location
	} else if candidate.Rule.Location != nil {
		loc = *candidate.Rule.Location
	}

	alarm := &model.AlarmEvent{
		ID:        id,
		DeviceID:  candidate.Reading.DeviceID,
		AlarmType: candidate.Rule.AlarmType,
		Severity:  candidate.Rule.Severity,
		Value:     candidate.Reading.Value,
		Unit:      candidate.Reading.Unit,
		Timestamp: candidate.Reading.Timestamp,
		Location:  loc,
		Metadata:  candidate.Reading.Metadata,
	}

	data, err := protocol.EncodeAlarmEvent(alarm)
	if err != nil {
		return nil, corerr.Internal("producer.Emit", err)
	}

	if err := p.publisher.Publish(ctx, alarm.DeviceID, data); err != nil {
		return nil, err
	}

	p.logger.Info("alarm emitted",
		zap.Uint64("alarm_id", alarm.ID),
		zap.String("device_id", alarm.DeviceID),
		zap.String("alarm_type", alarm.AlarmType),
		zap.String("severity", string(alarm.Severity)))

	return alarm, nil
}

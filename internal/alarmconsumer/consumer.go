// Package alarmconsumer is the Alarm Consumer: reacts to each alarm
// event by tracking it in an in-memory active-alarms index, triggering
// fire suppression when warranted, and handing the alarm to the
// Distributor. Grounded on FireSuppressionService.java's suppression
// trigger-condition mapping and its device/zone-tag routing.
package alarmconsumer

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/firecore/platform/internal/audit"
	"github.com/firecore/platform/internal/corerr"
	"github.com/firecore/platform/internal/hotspot"
	"github.com/firecore/platform/internal/model"
)

// Distributor is the downstream fan-out target; internal/distributor
// implements this.
type Distributor interface {
	Distribute(ctx context.Context, alarm *model.AlarmEvent)
}

// AuditRecorder is the subset of the audit database this consumer
// writes lifecycle transitions to. Optional: a nil AuditRecorder simply
// skips audit writes, since the audit log is a reporting aid, not part
// of the alarm's critical path.
type AuditRecorder interface {
	Insert(rec *audit.Record) error
}

// ActiveAlarm is one entry in the active-alarms index.
type ActiveAlarm struct {
	Alarm        model.AlarmEvent
	Acknowledged bool
	Resolved     bool
	ResolvedBy   string
	ResolvedAt   time.Time
}

// Consumer processes alarm-events messages.
type Consumer struct {
	active      sync.Map // device_id -> *ActiveAlarm
	hotspot     *hotspot.Store
	distributor Distributor
	audit       AuditRecorder
	logger      *zap.Logger
}

// New builds a Consumer. auditRecorder may be nil to skip audit writes.
func New(hotspotStore *hotspot.Store, distributor Distributor, auditRecorder AuditRecorder, logger *zap.Logger) *Consumer {
	return &Consumer{hotspot: hotspotStore, distributor: distributor, audit: auditRecorder, logger: logger}
}

// Handle processes one alarm: records it active, triggers suppression
// if warranted, and forwards to the distributor.
func (c *Consumer) Handle(ctx context.Context, alarm *model.AlarmEvent) {
	c.active.Store(alarm.DeviceID, &ActiveAlarm{Alarm: *alarm})
	c.recordAudit(alarm, audit.EventCreated, "")

	if alarm.Severity == model.SeverityHigh && alarm.AlarmType == "FIRE" {
		c.triggerSuppression(ctx, alarm)
	}

	c.distributor.Distribute(ctx, alarm)
}

func (c *Consumer) recordAudit(alarm *model.AlarmEvent, event, actorID string) {
	if c.audit == nil {
		return
	}
	rec := &audit.Record{
		AlarmID: alarm.ID, DeviceID: alarm.DeviceID, Event: event,
		Severity: string(alarm.Severity), AlarmType: alarm.AlarmType,
		ActorID: actorID, OccurredAt: time.Now().UTC(),
	}
	if err := c.audit.Insert(rec); err != nil {
		c.logger.Warn("audit write failed", zap.String("device_id", alarm.DeviceID), zap.String("event", event), zap.Error(err))
	}
}

// triggerSuppression maps the alarm's room tag to a suppression agent
// per spec.md §4.J: server/data rooms get gas, kitchen/lab get foam,
// everything else gets water, all at full intensity.
func (c *Consumer) triggerSuppression(ctx context.Context, alarm *model.AlarmEvent) {
	stype := suppressionTypeForRoom(alarm.Location.Room)
	zoneID := zoneFromLocation(alarm.Location)

	_, err := c.hotspot.ActivateSuppression(ctx, alarm.DeviceID, zoneID, stype, 100)
	if err != nil && !corerr.IsKind(err, corerr.KindSuppressionConflict) {
		c.logger.Error("suppression activation failed",
			zap.String("device_id", alarm.DeviceID), zap.String("type", string(stype)), zap.Error(err))
		return
	}
	if err != nil {
		c.logger.Warn("suppression already active with a different type",
			zap.String("device_id", alarm.DeviceID), zap.Error(err))
		return
	}

	c.logger.Info("suppression triggered",
		zap.String("device_id", alarm.DeviceID), zap.String("zone_id", zoneID), zap.String("type", string(stype)))
}

func suppressionTypeForRoom(room string) model.SuppressionType {
	lower := strings.ToLower(room)
	switch {
	case strings.Contains(lower, "server"), strings.Contains(lower, "data"):
		return model.SuppressionGas
	case strings.Contains(lower, "kitchen"), strings.Contains(lower, "lab"):
		return model.SuppressionFoam
	default:
		return model.SuppressionWater
	}
}

func zoneFromLocation(loc model.Location) string {
	if loc.Room != "" {
		return loc.Room
	}
	if loc.Zone != "" {
		return loc.Zone
	}
	return loc.Building
}

// Acknowledge marks an active alarm as acknowledged.
func (c *Consumer) Acknowledge(deviceID, actorID string) bool {
	v, ok := c.active.Load(deviceID)
	if !ok {
		return false
	}
	entry := v.(*ActiveAlarm)
	entry.Acknowledged = true
	c.recordAudit(&entry.Alarm, audit.EventAcknowledged, actorID)
	return true
}

// Resolve removes an alarm from the active index, recording who
// resolved it and when.
func (c *Consumer) Resolve(deviceID, resolvedBy string) bool {
	v, ok := c.active.Load(deviceID)
	if !ok {
		return false
	}
	entry := v.(*ActiveAlarm)
	entry.Resolved = true
	entry.ResolvedBy = resolvedBy
	entry.ResolvedAt = time.Now()
	c.active.Delete(deviceID)
	c.recordAudit(&entry.Alarm, audit.EventResolved, resolvedBy)
	return true
}

// Active returns the current active alarm for a device, if any.
func (c *Consumer) Active(deviceID string) (*ActiveAlarm, bool) {
	v, ok := c.active.Load(deviceID)
	if !ok {
		return nil, false
	}
	return v.(*ActiveAlarm), true
}

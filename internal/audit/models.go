package audit

import "time"

const (
	EventCreated      = "created"
	EventAcknowledged = "acknowledged"
	EventResolved     = "resolved"
)

// Record is one row in alarm_audit: an immutable entry recording a
// single lifecycle transition for an alarm.
type Record struct {
	ID         int64
	AlarmID    uint64
	DeviceID   string
	Event      string
	Severity   string
	AlarmType  string
	ActorID    string // empty for system-generated events
	Notes      string
	OccurredAt time.Time
}

// Insert appends rec to the audit log.
func (db *DB) Insert(rec *Record) error {
	query := `
		INSERT INTO alarm_audit (alarm_id, device_id, event, severity, alarm_type, actor_id, notes, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	return db.QueryRow(
		query, rec.AlarmID, rec.DeviceID, rec.Event, rec.Severity, rec.AlarmType, rec.ActorID, rec.Notes, rec.OccurredAt,
	).Scan(&rec.ID)
}

// ByAlarm returns every recorded transition for one alarm, oldest first.
func (db *DB) ByAlarm(alarmID uint64) ([]*Record, error) {
	query := `
		SELECT id, alarm_id, device_id, event, severity, alarm_type, actor_id, notes, occurred_at
		FROM alarm_audit WHERE alarm_id = $1 ORDER BY occurred_at ASC
	`
	rows, err := db.Query(query, alarmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByDevice returns the most recent limit transitions for a device,
// newest first.
func (db *DB) ByDevice(deviceID string, limit int) ([]*Record, error) {
	query := `
		SELECT id, alarm_id, device_id, event, severity, alarm_type, actor_id, notes, occurred_at
		FROM alarm_audit WHERE device_id = $1 ORDER BY occurred_at DESC LIMIT $2
	`
	rows, err := db.Query(query, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Recent returns the most recent limit transitions across all devices,
// newest first.
func (db *DB) Recent(limit int) ([]*Record, error) {
	query := `
		SELECT id, alarm_id, device_id, event, severity, alarm_type, actor_id, notes, occurred_at
		FROM alarm_audit ORDER BY occurred_at DESC LIMIT $1
	`
	rows, err := db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.AlarmID, &r.DeviceID, &r.Event, &r.Severity, &r.AlarmType, &r.ActorID, &r.Notes, &r.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

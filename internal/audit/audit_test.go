package audit

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return &DB{DB: sqlDB, logger: zap.NewNop()}, mock
}

func TestDB_InsertAssignsID(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectQuery(`INSERT INTO alarm_audit`).
		WithArgs(uint64(7), "d1", EventCreated, "HIGH", "FIRE", "", "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	rec := &Record{AlarmID: 7, DeviceID: "d1", Event: EventCreated, Severity: "HIGH", AlarmType: "FIRE", OccurredAt: time.Now()}
	require.NoError(t, db.Insert(rec))
	require.Equal(t, int64(42), rec.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_ByDeviceScansRows(t *testing.T) {
	db, mock := setupMockDB(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "alarm_id", "device_id", "event", "severity", "alarm_type", "actor_id", "notes", "occurred_at"}).
		AddRow(int64(1), uint64(7), "d1", EventCreated, "HIGH", "FIRE", "", "", now).
		AddRow(int64(2), uint64(7), "d1", EventResolved, "HIGH", "FIRE", "operator-1", "", now)

	mock.ExpectQuery(`SELECT (.+) FROM alarm_audit WHERE device_id`).
		WithArgs("d1", 10).
		WillReturnRows(rows)

	records, err := db.ByDevice("d1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, EventResolved, records[1].Event)
	require.NoError(t, mock.ExpectationsWereMet())
}

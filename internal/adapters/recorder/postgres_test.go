package recorder

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
)

func TestPostgresRecorderWriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rec := NewPostgresRecorder(db, "telemetry")
	ts := time.Now()

	snaps := []*domain.TelemetrySnapshot{
		{
			Timestamp:  ts,
			BusVoltage: 12.3,
			CurrentMA:  101.5,
			TargetMA:   100,
			Kp:         20,
			Ki:         5,
			Kd:         1,
			MaxLimitMA: 500,
			Safety:     domain.SafetyNormal,
		},
	}

	expectedQuery := regexp.QuoteMeta("INSERT INTO telemetry (ts, voltage, current_ma, target_ma, kp, ki, kd, max_limit_ma, safety, fault) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)")
	mock.ExpectExec(expectedQuery).
		WithArgs(ts, 12.3, 101.5, 100.0, 20.0, 5.0, 1.0, 500.0, "normal", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := rec.WriteBatch(snaps); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRecorderWriteBatchEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rec := NewPostgresRecorder(db, "telemetry")
	if err := rec.WriteBatch(nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRecorderPrune(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rec := NewPostgresRecorder(db, "telemetry")

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM telemetry WHERE ts < $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := rec.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 42 {
		t.Fatalf("expected 42 pruned rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRecorderName(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	rec := NewPostgresRecorder(db, "telemetry")
	if rec.Name() != "postgres" {
		t.Fatalf("expected recorder name postgres, got %s", rec.Name())
	}
}

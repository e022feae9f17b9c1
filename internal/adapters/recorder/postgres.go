package recorder

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/ports"
)

// PostgresRecorder keeps a history of telemetry snapshots so an operator can
// inspect regulation behaviour after the fact. TimescaleDB works unchanged.
type PostgresRecorder struct {
	db        *sql.DB
	tableName string
}

func NewPostgresRecorder(db *sql.DB, table string) *PostgresRecorder {
	return &PostgresRecorder{db: db, tableName: table}
}

func (r *PostgresRecorder) Name() string { return "postgres" }

func (r *PostgresRecorder) WriteBatch(snaps []*domain.TelemetrySnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(r.tableName)
	b.WriteString(" (ts, voltage, current_ma, target_ma, kp, ki, kd, max_limit_ma, safety, fault) VALUES ")

	args := make([]any, 0, len(snaps)*10)
	for i, s := range snaps {
		if i > 0 {
			b.WriteString(",")
		}
		base := len(args)
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))
		args = append(args,
			s.Timestamp,
			s.BusVoltage,
			s.CurrentMA,
			s.TargetMA,
			s.Kp,
			s.Ki,
			s.Kd,
			s.MaxLimitMA,
			string(s.Safety),
			s.Fault,
		)
	}

	_, err := r.db.Exec(b.String(), args...)
	return err
}

// Prune drops rows older than the retention window. The runtime schedules
// this periodically.
func (r *PostgresRecorder) Prune(retention time.Duration) (int64, error) {
	res, err := r.db.Exec(
		fmt.Sprintf("DELETE FROM %s WHERE ts < $1", r.tableName),
		time.Now().Add(-retention),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ ports.HistorySink = (*PostgresRecorder)(nil)

package ports

import "github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"

// SnapshotSink receives every published telemetry snapshot, one at a time.
// Publish must not block the control loop; slow transports buffer internally.
type SnapshotSink interface {
	Publish(s *domain.TelemetrySnapshot) error
	Name() string
}

// HistorySink persists batches of snapshots for later inspection.
type HistorySink interface {
	WriteBatch(snaps []*domain.TelemetrySnapshot) error
	Name() string
}

package ports

import "github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"

// SnapshotQueue buffers snapshots between the telemetry publisher and the
// history flusher. Enqueue reports whether an older snapshot was evicted to
// make room.
type SnapshotQueue interface {
	Enqueue(s *domain.TelemetrySnapshot) (evicted bool)
	DequeueBatch(max int) []*domain.TelemetrySnapshot
	Len() int
}

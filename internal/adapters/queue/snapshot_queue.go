package queue

import (
	"sync"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/ports"
)

// SnapshotQueue is a bounded FIFO between the telemetry publisher and the
// history flusher. The publisher runs on the control loop, so Enqueue never
// blocks: when full, the oldest snapshot is evicted to make room. Losing old
// history beats stalling the regulator.
type SnapshotQueue struct {
	mu   sync.Mutex
	data []*domain.TelemetrySnapshot
	cap  int
}

func NewSnapshotQueue(capacity int) *SnapshotQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &SnapshotQueue{
		data: make([]*domain.TelemetrySnapshot, 0, capacity),
		cap:  capacity,
	}
}

func (q *SnapshotQueue) Enqueue(s *domain.TelemetrySnapshot) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) >= q.cap {
		q.data = append(q.data[:0], q.data[1:]...)
		evicted = true
	}
	q.data = append(q.data, s)
	return evicted
}

func (q *SnapshotQueue) DequeueBatch(max int) []*domain.TelemetrySnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]*domain.TelemetrySnapshot, max)
	copy(out, q.data[:max])
	q.data = append(q.data[:0], q.data[max:]...)
	return out
}

func (q *SnapshotQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

var _ ports.SnapshotQueue = (*SnapshotQueue)(nil)

package recorder

import (
	"context"
	"time"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/ports"
)

// RunFlusher drains the snapshot queue into the history sink in batches. It
// runs on its own goroutine so a slow database never touches the control
// loop; failed batches stay queued and are retried on the next pass.
func RunFlusher(ctx context.Context, q ports.SnapshotQueue, sink ports.HistorySink, batchSize int, idle time.Duration, obs ports.Observability) {
	if batchSize <= 0 {
		batchSize = 100
	}
	if idle <= 0 {
		idle = 250 * time.Millisecond
	}

	timer := time.NewTicker(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// final drain, best effort
			if batch := q.DequeueBatch(batchSize); len(batch) > 0 {
				if err := sink.WriteBatch(batch); err != nil {
					obs.LogError("history_final_flush_failed", err)
				}
			}
			return
		case <-timer.C:
		}

		for {
			batch := q.DequeueBatch(batchSize)
			if len(batch) == 0 {
				break
			}

			start := time.Now()
			if err := sink.WriteBatch(batch); err != nil {
				obs.LogError("history_write_failed", err, ports.Field{Key: "batch", Value: len(batch)})
				// requeue so the rows survive until the sink recovers
				for _, s := range batch {
					q.Enqueue(s)
				}
				break
			}
			obs.ObserveLatency("currentd_history_write_seconds", time.Since(start).Seconds())
			obs.IncCounter("currentd_history_rows_total", float64(len(batch)))
			obs.SetGauge("currentd_history_queue_length", float64(q.Len()))
		}
	}
}

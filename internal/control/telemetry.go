package control

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/ports"
)

// Publisher materializes telemetry snapshots at the configured cadence and
// fans them out: latest-value cell for /data, bounded queue for the history
// recorder, sinks for push transports, channels for SSE subscribers.
//
// Offer is called only by the control loop goroutine; everything handed out
// is an immutable copy.
type Publisher struct {
	queue ports.SnapshotQueue
	sinks []ports.SnapshotSink
	obs   ports.Observability

	cell        atomic.Pointer[domain.TelemetrySnapshot]
	lastPublish time.Time

	mu    sync.Mutex
	subs  map[chan *domain.TelemetrySnapshot]struct{}
	fault string
}

func NewPublisher(queue ports.SnapshotQueue, sinks []ports.SnapshotSink, obs ports.Observability) *Publisher {
	return &Publisher{
		queue: queue,
		sinks: sinks,
		obs:   obs,
		subs:  make(map[chan *domain.TelemetrySnapshot]struct{}),
	}
}

// Offer publishes a snapshot if the report interval has elapsed since the
// last publish. An interval change takes effect at the next comparison.
func (p *Publisher) Offer(s domain.Sample, params domain.ControlParameters, safety domain.SafetyState, now time.Time) {
	if !p.lastPublish.IsZero() && now.Sub(p.lastPublish) < params.ReportInterval {
		return
	}
	p.lastPublish = now
	p.publish(s, params, safety, now)
}

// PublishNow bypasses the cadence gate. The runtime uses it to surface fault
// transitions immediately.
func (p *Publisher) PublishNow(s domain.Sample, params domain.ControlParameters, safety domain.SafetyState, now time.Time) {
	p.lastPublish = now
	p.publish(s, params, safety, now)
}

func (p *Publisher) publish(s domain.Sample, params domain.ControlParameters, safety domain.SafetyState, now time.Time) {
	snap := &domain.TelemetrySnapshot{
		Timestamp:   now,
		BusVoltage:  s.BusVoltage,
		CurrentMA:   s.CurrentMA,
		TargetMA:    params.TargetMA,
		Kp:          params.Kp,
		Ki:          params.Ki,
		Kd:          params.Kd,
		MaxLimitMA:  params.MaxLimitMA,
		SSEInterval: params.ReportInterval.Seconds(),
		Safety:      safety,
		Fault:       p.Fault(),
	}

	p.cell.Store(snap)
	p.obs.IncCounter("currentd_snapshots_published_total", 1)

	if p.queue != nil {
		if evicted := p.queue.Enqueue(snap); evicted {
			p.obs.IncCounter("currentd_history_evicted_total", 1)
		}
	}

	for _, sink := range p.sinks {
		if err := sink.Publish(snap); err != nil {
			p.obs.LogError("snapshot_sink_failed", err, ports.Field{Key: "sink", Value: sink.Name()})
		}
	}

	p.mu.Lock()
	for ch := range p.subs {
		select {
		case ch <- snap:
		default:
			// slow subscriber; never stall the control loop
		}
	}
	p.mu.Unlock()
}

// Latest returns the most recent snapshot, or nil before the first publish.
func (p *Publisher) Latest() *domain.TelemetrySnapshot {
	return p.cell.Load()
}

// Subscribe registers a buffered channel that receives every snapshot
// published after the call. Snapshots are dropped rather than queued when the
// subscriber falls behind.
func (p *Publisher) Subscribe() chan *domain.TelemetrySnapshot {
	ch := make(chan *domain.TelemetrySnapshot, 4)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	return ch
}

func (p *Publisher) Unsubscribe(ch chan *domain.TelemetrySnapshot) {
	p.mu.Lock()
	delete(p.subs, ch)
	p.mu.Unlock()
}

// SetFault records the reason shown in subsequent snapshots; empty clears it.
func (p *Publisher) SetFault(reason string) {
	p.mu.Lock()
	p.fault = reason
	p.mu.Unlock()
}

func (p *Publisher) Fault() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fault
}

package control

import (
	"context"
	"time"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/ports"
)

// LoopConfig carries the fixed constants the loop needs; the tunables live in
// the Store.
type LoopConfig struct {
	Period        time.Duration
	MaxBusVoltage float64
	SafetyOutput  int
	OutMin        int
	// MaxReadFaults is the number of consecutive sensor read failures
	// tolerated before the loop stops holding the previous output and drives
	// the safe fallback instead.
	MaxReadFaults int
}

// Loop orchestrates sensor → safety → PID → actuator on a bounded-period
// schedule. It owns the PID state and the per-tick sample; the only shared
// state it touches is the Store (read) and the Publisher (write).
type Loop struct {
	cfg      LoopConfig
	sensor   ports.Sensor
	actuator ports.Actuator
	store    *Store
	pid      *PID
	pub      *Publisher
	obs      ports.Observability

	lastTick   time.Time
	lastOutput int
	readFaults int
}

func NewLoop(cfg LoopConfig, sensor ports.Sensor, actuator ports.Actuator, store *Store, pid *PID, pub *Publisher, obs ports.Observability) *Loop {
	if cfg.MaxReadFaults <= 0 {
		cfg.MaxReadFaults = 5
	}
	return &Loop{
		cfg:        cfg,
		sensor:     sensor,
		actuator:   actuator,
		store:      store,
		pid:        pid,
		pub:        pub,
		obs:        obs,
		lastOutput: cfg.OutMin,
	}
}

// Run ticks until the context is cancelled, then parks the actuator at the
// minimum level. Request handling never runs on this goroutine, so the loop's
// rate is independent of network load.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := l.actuator.Drive(l.cfg.OutMin); err != nil {
				l.obs.LogError("actuator_park_failed", err)
			}
			return ctx.Err()
		case now := <-ticker.C:
			l.step(ctx, now)
		}
	}
}

func (l *Loop) step(ctx context.Context, now time.Time) {
	started := time.Now()
	l.obs.IncCounter("currentd_ticks_total", 1)

	dt := float64(0)
	if !l.lastTick.IsZero() {
		dt = now.Sub(l.lastTick).Seconds()
	}
	l.lastTick = now

	params := l.store.Read()
	l.pid.Retune(params.Kp, params.Ki, params.Kd)

	sample, err := l.sensor.Read(ctx)
	if err != nil {
		l.readFault(err)
		return
	}
	l.readFaults = 0

	safety := EvaluateSafety(sample, params, l.cfg.MaxBusVoltage)

	output := l.lastOutput
	switch {
	case safety == domain.SafetyClamped:
		// PID state stays frozen while clamped; no integral growth.
		output = l.cfg.SafetyOutput
		l.obs.IncCounter("currentd_safety_clamped_total", 1)
	case dt > 0:
		out, err := l.pid.Compute(sample.CurrentMA, params.TargetMA, dt)
		if err != nil {
			l.obs.LogError("pid_compute_rejected", err)
			break
		}
		output = out
	default:
		// first tick has no dt yet; hold the previous output
	}

	if err := l.actuator.Drive(output); err != nil {
		l.obs.LogError("actuator_drive_failed", err)
		l.obs.IncCounter("currentd_actuator_errors_total", 1)
	} else {
		l.lastOutput = output
	}

	l.obs.SetGauge("currentd_output_level", float64(output))
	l.obs.SetGauge("currentd_current_ma", sample.CurrentMA)
	l.obs.SetGauge("currentd_bus_voltage_v", sample.BusVoltage)
	l.obs.SetGauge("currentd_target_ma", params.TargetMA)

	l.pub.Offer(sample, params, safety, now)
	l.obs.ObserveLatency("currentd_tick_seconds", time.Since(started).Seconds())
}

// readFault holds the last output through transient sensor failures and falls
// back to the safety level once too many pile up. A failed tick publishes no
// telemetry; the last snapshot stays current.
func (l *Loop) readFault(err error) {
	l.readFaults++
	l.obs.IncCounter("currentd_sensor_read_errors_total", 1)
	l.obs.LogError("sensor_read_failed", err, ports.Field{Key: "consecutive", Value: l.readFaults})

	output := l.lastOutput
	if l.readFaults >= l.cfg.MaxReadFaults {
		output = l.cfg.SafetyOutput
	}
	if err := l.actuator.Drive(output); err != nil {
		l.obs.LogError("actuator_drive_failed", err)
		l.obs.IncCounter("currentd_actuator_errors_total", 1)
	} else {
		l.lastOutput = output
	}
}

package observability

import (
	"fmt"
	"log"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/ports"
)

// PromObs backs the Observability port with Prometheus collectors and plain
// log output, the way the rest of the daemon logs.
type PromObs struct {
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the daemon's metrics against reg; pass
// prometheus.DefaultRegisterer in production.
func NewPromObs(reg prometheus.Registerer) *PromObs {
	counters := map[string]prometheus.Counter{}
	for name, help := range map[string]string{
		"currentd_ticks_total":                 "Control loop ticks executed.",
		"currentd_sensor_read_errors_total":    "Sensor reads that failed.",
		"currentd_actuator_errors_total":       "Actuator writes that failed.",
		"currentd_safety_clamped_total":        "Ticks on which the safety override preempted the PID.",
		"currentd_snapshots_published_total":   "Telemetry snapshots published.",
		"currentd_history_evicted_total":       "Snapshots evicted from the history queue under backpressure.",
		"currentd_history_rows_total":          "Snapshots persisted to the history sink.",
		"currentd_sensor_init_retries_total":   "Sensor initialization attempts after a failure.",
	} {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		counters[name] = c
	}

	gauges := map[string]prometheus.Gauge{}
	for name, help := range map[string]string{
		"currentd_output_level":         "Last drive level written to the actuator.",
		"currentd_current_ma":           "Last measured current in milliamps.",
		"currentd_bus_voltage_v":        "Last measured bus voltage.",
		"currentd_target_ma":            "Operator target current in milliamps.",
		"currentd_history_queue_length": "Snapshots buffered for the history sink.",
	} {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		reg.MustRegister(g)
		gauges[name] = g
	}

	histos := map[string]prometheus.Observer{}
	for name, help := range map[string]string{
		"currentd_tick_seconds":          "Wall time spent in one control tick.",
		"currentd_history_write_seconds": "Latency of one history batch write.",
	} {
		h := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		})
		reg.MustRegister(h)
		histos[name] = h
	}

	return &PromObs{counters: counters, gauges: gauges, histos: histos}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	log.Printf("%s%s", msg, formatFields(fields))
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	if err != nil {
		log.Printf("ERROR: %s: %v%s", msg, err, formatFields(fields))
	}
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	if err != nil {
		log.Printf("CRITICAL: %s: %v%s", msg, err, formatFields(fields))
	}
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func formatFields(fields []ports.Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}

var _ ports.Observability = (*PromObs)(nil)

// Package controller regulates a constant output current against a live
// sensor, exposing a web control plane, SSE telemetry, Prometheus metrics,
// and optional Postgres history and MQTT publishing.
//
// The package re-exports the runtime so consumers can embed the controller
// without importing internal packages.
package controller

import (
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/app/config"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/app/runtime"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/ports"
)

// Type aliases so consumers can import the module root directly.
type (
	Config            = config.Config
	ControlConfig     = config.ControlConfig
	SensorConfig      = config.SensorConfig
	RecorderConfig    = config.RecorderConfig
	Runtime           = runtime.Runtime
	Option            = runtime.Option
	Sample            = domain.Sample
	ControlParameters = domain.ControlParameters
	TelemetrySnapshot = domain.TelemetrySnapshot
	SafetyState       = domain.SafetyState
	Sensor            = ports.Sensor
	Actuator          = ports.Actuator
	SnapshotSink      = ports.SnapshotSink
	HistorySink       = ports.HistorySink
	Observability     = ports.Observability
	Field             = ports.Field
)

const (
	SafetyNormal  = domain.SafetyNormal
	SafetyClamped = domain.SafetyClamped
)

// LoadConfig reads, defaults, and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// New builds a Runtime from the configuration. Options override individual
// dependencies, such as bringing a hardware sensor in place of the default
// backends.
func New(cfg *Config, opts ...Option) (*Runtime, error) {
	return runtime.New(cfg, opts...)
}

func WithSensor(s Sensor) Option {
	return runtime.WithSensor(s)
}

func WithActuator(a Actuator) Option {
	return runtime.WithActuator(a)
}

func WithObservability(obs Observability) Option {
	return runtime.WithObservability(obs)
}

func WithHistorySink(h HistorySink) Option {
	return runtime.WithHistorySink(h)
}

func WithSnapshotSink(s SnapshotSink) Option {
	return runtime.WithSnapshotSink(s)
}

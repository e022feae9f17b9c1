package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/adapters/mqttpub"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/adapters/opcua"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/adapters/sim"
)

type Config struct {
	Control  ControlConfig  `yaml:"control"`
	Sensor   SensorConfig   `yaml:"sensor"`
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Recorder RecorderConfig `yaml:"recorder"`
	MQTT     mqttpub.Config `yaml:"mqtt"`
}

// ControlConfig carries the regulator's fixed constants and initial tunables.
// Defaults mirror the reference hardware: 8-bit DAC against a buck converter
// with a 1.25 V feedback reference, monitored up to 25 V bus voltage.
type ControlConfig struct {
	Period         time.Duration `yaml:"period"`
	TargetMA       float64       `yaml:"target_ma"`
	Kp             float64       `yaml:"kp"`
	Ki             float64       `yaml:"ki"`
	Kd             float64       `yaml:"kd"`
	MaxLimitMA     float64       `yaml:"max_limit_ma"`
	ReportInterval time.Duration `yaml:"report_interval"`

	OutMin int `yaml:"out_min"`
	OutMax int `yaml:"out_max"`

	MaxBusVoltage    float64 `yaml:"max_bus_voltage"`
	FeedbackVoltage  float64 `yaml:"feedback_voltage"`
	FullScaleVoltage float64 `yaml:"full_scale_voltage"`

	MaxReadFaults int `yaml:"max_read_faults"`
}

type SensorConfig struct {
	// Backend selects the sensor implementation: "sim" or "opcua".
	Backend   string       `yaml:"backend"`
	ShuntOhms float64      `yaml:"shunt_ohms"`
	Sim       sim.Config   `yaml:"sim"`
	OPCUA     opcua.Config `yaml:"opcua"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type RecorderConfig struct {
	// ConnString enables the history recorder when non-empty.
	ConnString string        `yaml:"conn_string"`
	Table      string        `yaml:"table"`
	Retention  time.Duration `yaml:"retention"`
	QueueLen   int           `yaml:"queue_len"`
	BatchSize  int           `yaml:"batch_size"`
	FlushEvery time.Duration `yaml:"flush_every"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Control.Period == 0 {
		c.Control.Period = 10 * time.Millisecond
	}
	if c.Control.TargetMA == 0 {
		c.Control.TargetMA = 100
	}
	if c.Control.Kp == 0 {
		c.Control.Kp = 20
	}
	if c.Control.Ki == 0 {
		c.Control.Ki = 5
	}
	if c.Control.Kd == 0 {
		c.Control.Kd = 1
	}
	if c.Control.MaxLimitMA == 0 {
		c.Control.MaxLimitMA = 500
	}
	if c.Control.ReportInterval == 0 {
		c.Control.ReportInterval = time.Second
	}
	if c.Control.OutMax == 0 {
		c.Control.OutMax = 255
	}
	if c.Control.MaxBusVoltage == 0 {
		c.Control.MaxBusVoltage = 25
	}
	if c.Control.FeedbackVoltage == 0 {
		c.Control.FeedbackVoltage = 1.25
	}
	if c.Control.FullScaleVoltage == 0 {
		c.Control.FullScaleVoltage = 3.3
	}
	if c.Control.MaxReadFaults == 0 {
		c.Control.MaxReadFaults = 5
	}

	if c.Sensor.Backend == "" {
		c.Sensor.Backend = "sim"
	}
	if c.Sensor.ShuntOhms == 0 {
		c.Sensor.ShuntOhms = 0.1
	}
	if c.Sensor.Sim.ShuntOhms == 0 {
		c.Sensor.Sim.ShuntOhms = c.Sensor.ShuntOhms
	}
	c.Sensor.Sim.ApplyDefaults()
	if c.Sensor.Backend == "opcua" {
		c.Sensor.OPCUA.ApplyDefaults()
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":80"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}

	if c.Recorder.ConnString != "" {
		if c.Recorder.Table == "" {
			c.Recorder.Table = "telemetry"
		}
		if c.Recorder.QueueLen == 0 {
			c.Recorder.QueueLen = 10_000
		}
		if c.Recorder.BatchSize == 0 {
			c.Recorder.BatchSize = 500
		}
		if c.Recorder.FlushEvery == 0 {
			c.Recorder.FlushEvery = time.Second
		}
	}

	if c.MQTT.Broker != "" {
		c.MQTT.ApplyDefaults()
	}
}

func (c *Config) Validate() error {
	if c.Control.Period <= 0 {
		return fmt.Errorf("control.period must be positive")
	}
	if c.Control.OutMin >= c.Control.OutMax {
		return fmt.Errorf("control.out_min must be below control.out_max")
	}
	if c.Control.MaxLimitMA <= 0 {
		return fmt.Errorf("control.max_limit_ma must be positive")
	}
	if c.Control.FullScaleVoltage <= 0 {
		return fmt.Errorf("control.full_scale_voltage must be positive")
	}
	if c.Control.FeedbackVoltage < 0 || c.Control.FeedbackVoltage > c.Control.FullScaleVoltage {
		return fmt.Errorf("control.feedback_voltage must be within [0, full_scale_voltage]")
	}

	switch c.Sensor.Backend {
	case "sim":
	case "opcua":
		if err := c.Sensor.OPCUA.Validate(); err != nil {
			return fmt.Errorf("sensor.opcua: %w", err)
		}
	default:
		return fmt.Errorf("sensor.backend must be sim or opcua, got %q", c.Sensor.Backend)
	}

	if c.MQTT.Broker != "" {
		if err := c.MQTT.Validate(); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	return nil
}

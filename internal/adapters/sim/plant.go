// Package sim models a buck converter with a shunt current sensor well enough
// to exercise the regulator without hardware. The plant is a first-order lag:
// the measured current settles toward the drive level times a fixed gain.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/ports"
)

type Config struct {
	// SupplyVoltage is reported as the bus voltage at zero load.
	SupplyVoltage float64 `yaml:"supply_voltage"`
	// GainMAPerStep is the steady-state current contributed by one drive step.
	GainMAPerStep float64 `yaml:"gain_ma_per_step"`
	// TimeConstant controls how fast the current settles.
	TimeConstant time.Duration `yaml:"time_constant"`
	// LoadOhms converts current into a bus voltage rise, letting the safety
	// clamp be provoked in simulation.
	LoadOhms float64 `yaml:"load_ohms"`
	// ShuntOhms sets the sensor's measurement resolution.
	ShuntOhms float64 `yaml:"shunt_ohms"`
}

func (c *Config) ApplyDefaults() {
	if c.SupplyVoltage == 0 {
		c.SupplyVoltage = 12
	}
	if c.GainMAPerStep == 0 {
		c.GainMAPerStep = 2
	}
	if c.TimeConstant == 0 {
		c.TimeConstant = 50 * time.Millisecond
	}
	if c.ShuntOhms == 0 {
		c.ShuntOhms = 0.1
	}
}

// Plant implements both the Sensor and Actuator ports against the model.
type Plant struct {
	cfg Config

	mu          sync.Mutex
	level       int
	currentMA   float64
	maxRangeMA  float64
	lastStepped time.Time
	now         func() time.Time
}

func New(cfg Config) *Plant {
	cfg.ApplyDefaults()
	return &Plant{cfg: cfg, maxRangeMA: 500, now: time.Now}
}

func (p *Plant) Drive(level int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance(p.now())
	p.level = level
	return nil
}

func (p *Plant) Read(_ context.Context) (domain.Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.advance(now)

	current := p.quantize(p.currentMA)
	if current > p.maxRangeMA {
		// out of calibrated range, the real sensor rails
		current = p.maxRangeMA
	}

	return domain.Sample{
		BusVoltage: p.cfg.SupplyVoltage + current/1000*p.cfg.LoadOhms,
		CurrentMA:  current,
		Timestamp:  now,
	}, nil
}

func (p *Plant) Calibrate(maxCurrentMA float64) error {
	if maxCurrentMA <= 0 {
		return fmt.Errorf("sim: calibration range must be positive, got %v", maxCurrentMA)
	}
	p.mu.Lock()
	p.maxRangeMA = maxCurrentMA
	p.mu.Unlock()
	return nil
}

func (p *Plant) Close() error { return nil }

// advance moves the first-order lag forward to now. Callers hold p.mu.
func (p *Plant) advance(now time.Time) {
	if p.lastStepped.IsZero() {
		p.lastStepped = now
		return
	}
	dt := now.Sub(p.lastStepped).Seconds()
	p.lastStepped = now
	if dt <= 0 {
		return
	}

	target := float64(p.level) * p.cfg.GainMAPerStep
	alpha := 1 - math.Exp(-dt/p.cfg.TimeConstant.Seconds())
	p.currentMA += (target - p.currentMA) * alpha
}

// quantize snaps a reading to the LSB implied by the shunt and the calibrated
// range, mimicking the fixed-point resolution of the real part.
func (p *Plant) quantize(mA float64) float64 {
	lsb := p.maxRangeMA / 4096
	if lsb <= 0 {
		return mA
	}
	return math.Round(mA/lsb) * lsb
}

var (
	_ ports.Sensor   = (*Plant)(nil)
	_ ports.Actuator = (*Plant)(nil)
)

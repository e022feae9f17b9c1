package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/app/config"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/ports"
)

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field)            {}
func (nopObs) LogError(string, error, ...ports.Field)    {}
func (nopObs) LogCritical(string, error, ...ports.Field) {}
func (nopObs) IncCounter(string, float64)                {}
func (nopObs) SetGauge(string, float64)                  {}
func (nopObs) ObserveLatency(string, float64)            {}

type stubSensor struct {
	mu        sync.Mutex
	sample    domain.Sample
	readErr   error
	connected bool
}

func (s *stubSensor) Read(context.Context) (domain.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return domain.Sample{}, s.readErr
	}
	return s.sample, nil
}

func (s *stubSensor) Calibrate(float64) error { return nil }
func (s *stubSensor) Close() error            { return nil }

func (s *stubSensor) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

type stubActuator struct {
	mu     sync.Mutex
	levels []int
}

func (a *stubActuator) Drive(level int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.levels = append(a.levels, level)
	return nil
}

func (a *stubActuator) last(t *testing.T) int {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.levels) == 0 {
		t.Fatalf("actuator never driven")
	}
	return a.levels[len(a.levels)-1]
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = "127.0.0.1:0"
	return cfg
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

func TestNewSimBackendSharesPlant(t *testing.T) {
	r, err := New(testConfig(), WithObservability(nopObs{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if r.sensor == nil || r.actuator == nil {
		t.Fatalf("sim backend must wire both sensor and actuator")
	}
	if any(r.sensor) != any(r.actuator) {
		t.Fatalf("sim backend should use one plant for both roles")
	}
}

func TestNewOPCUABackendNeedsActuator(t *testing.T) {
	cfg := testConfig()
	cfg.Sensor.Backend = "opcua"
	cfg.Sensor.OPCUA.Endpoint = "opc.tcp://localhost:4840"
	cfg.Sensor.OPCUA.ApplyDefaults()

	if _, err := New(cfg, WithObservability(nopObs{})); err == nil {
		t.Fatalf("expected error without an actuator")
	}
}

func TestEnterFaultParksActuatorAndSurfacesReason(t *testing.T) {
	sensor := &stubSensor{readErr: errors.New("link down")}
	actuator := &stubActuator{}

	r, err := New(testConfig(),
		WithSensor(sensor), WithActuator(actuator), WithObservability(nopObs{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	r.enterFault("sensor unavailable: link down")

	if got := actuator.last(t); got != 0 {
		t.Fatalf("actuator level = %d, want 0", got)
	}
	snap := r.pub.Latest()
	if snap == nil {
		t.Fatalf("fault must publish a snapshot")
	}
	if snap.Fault != "sensor unavailable: link down" {
		t.Fatalf("snapshot fault = %q", snap.Fault)
	}

	r.clearFault()
	if snap = r.pub.Latest(); snap.Fault != "" {
		t.Fatalf("fault not cleared: %q", snap.Fault)
	}
}

func TestProbeSensorEstablishesSession(t *testing.T) {
	sensor := &stubSensor{sample: domain.Sample{CurrentMA: 100, Timestamp: time.Now()}}

	r, err := New(testConfig(),
		WithSensor(sensor), WithActuator(&stubActuator{}), WithObservability(nopObs{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := r.probeSensor(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	sensor.mu.Lock()
	defer sensor.mu.Unlock()
	if !sensor.connected {
		t.Fatalf("probe must establish the session before the first read")
	}
}

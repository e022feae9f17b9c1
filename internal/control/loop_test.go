package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
)

type stubSensor struct {
	sample domain.Sample
	err    error
}

func (s *stubSensor) Read(context.Context) (domain.Sample, error) { return s.sample, s.err }
func (s *stubSensor) Calibrate(float64) error                     { return nil }
func (s *stubSensor) Close() error                                { return nil }

type stubActuator struct {
	levels []int
	err    error
}

func (a *stubActuator) Drive(level int) error {
	if a.err != nil {
		return a.err
	}
	a.levels = append(a.levels, level)
	return nil
}

func (a *stubActuator) last(t *testing.T) int {
	t.Helper()
	require.NotEmpty(t, a.levels)
	return a.levels[len(a.levels)-1]
}

func newTestLoop(sensor *stubSensor, actuator *stubActuator) (*Loop, *Store, *Publisher) {
	store := newTestStore()
	pid := NewPID(20, 5, 1, 0, 255)
	pub := NewPublisher(nil, nil, nopObs{})
	loop := NewLoop(LoopConfig{
		Period:        10 * time.Millisecond,
		MaxBusVoltage: 25,
		SafetyOutput:  97,
		OutMin:        0,
		MaxReadFaults: 3,
	}, sensor, actuator, store, pid, pub, nopObs{})
	return loop, store, pub
}

func TestLoopDrivesSafetyOutputWhenClamped(t *testing.T) {
	sensor := &stubSensor{sample: domain.Sample{BusVoltage: 26, CurrentMA: 50}}
	actuator := &stubActuator{}
	loop, _, pub := newTestLoop(sensor, actuator)

	base := time.Now()
	loop.step(context.Background(), base)
	loop.step(context.Background(), base.Add(10*time.Millisecond))

	assert.Equal(t, 97, actuator.last(t))
	require.NotNil(t, pub.Latest())
	assert.Equal(t, domain.SafetyClamped, pub.Latest().Safety)
}

func TestLoopFreezesPIDWhileClamped(t *testing.T) {
	sensor := &stubSensor{sample: domain.Sample{BusVoltage: 26, CurrentMA: 50}}
	actuator := &stubActuator{}
	loop, _, _ := newTestLoop(sensor, actuator)

	base := time.Now()
	for i := 0; i < 5; i++ {
		loop.step(context.Background(), base.Add(time.Duration(i)*10*time.Millisecond))
	}

	assert.Zero(t, loop.pid.Integral(), "integral must not wind up while clamped")
	assert.False(t, loop.pid.primed)
}

func TestLoopNormalTickDrivesPIDOutput(t *testing.T) {
	sensor := &stubSensor{sample: domain.Sample{BusVoltage: 12, CurrentMA: 50}}
	actuator := &stubActuator{}
	loop, _, pub := newTestLoop(sensor, actuator)

	base := time.Now()
	loop.step(context.Background(), base)
	loop.step(context.Background(), base.Add(10*time.Millisecond))

	// kp=20 on a 50 mA error saturates the 8-bit range.
	assert.Equal(t, 255, actuator.last(t))
	require.NotNil(t, pub.Latest())
	assert.Equal(t, domain.SafetyNormal, pub.Latest().Safety)
}

func TestLoopHoldsOutputOnTransientReadFault(t *testing.T) {
	sensor := &stubSensor{sample: domain.Sample{BusVoltage: 12, CurrentMA: 50}}
	actuator := &stubActuator{}
	loop, _, _ := newTestLoop(sensor, actuator)

	base := time.Now()
	loop.step(context.Background(), base)
	loop.step(context.Background(), base.Add(10*time.Millisecond))
	held := actuator.last(t)

	sensor.err = errors.New("i2c timeout")
	loop.step(context.Background(), base.Add(20*time.Millisecond))
	assert.Equal(t, held, actuator.last(t), "single read fault reuses the previous output")
}

func TestLoopFallsBackToSafetyAfterRepeatedReadFaults(t *testing.T) {
	sensor := &stubSensor{err: errors.New("i2c timeout")}
	actuator := &stubActuator{}
	loop, _, _ := newTestLoop(sensor, actuator)

	base := time.Now()
	for i := 0; i < 3; i++ {
		loop.step(context.Background(), base.Add(time.Duration(i)*10*time.Millisecond))
	}

	assert.Equal(t, 97, actuator.last(t))
}

func TestLoopReadFaultPublishesNoTelemetry(t *testing.T) {
	sensor := &stubSensor{err: errors.New("i2c timeout")}
	actuator := &stubActuator{}
	loop, _, pub := newTestLoop(sensor, actuator)

	loop.step(context.Background(), time.Now())
	assert.Nil(t, pub.Latest())
}

func TestLoopPicksUpParameterWritesNextTick(t *testing.T) {
	sensor := &stubSensor{sample: domain.Sample{BusVoltage: 12, CurrentMA: 100}}
	actuator := &stubActuator{}
	loop, store, _ := newTestLoop(sensor, actuator)

	base := time.Now()
	loop.step(context.Background(), base)

	require.NoError(t, store.SetTarget(300))
	require.NoError(t, store.SetGains(1, 0, 0))

	loop.step(context.Background(), base.Add(10*time.Millisecond))

	// error = 200 mA with kp=1 and ki=kd=0 drives level 200
	assert.Equal(t, 200, actuator.last(t))
}

func TestLoopParksActuatorOnShutdown(t *testing.T) {
	sensor := &stubSensor{sample: domain.Sample{BusVoltage: 12, CurrentMA: 50}}
	actuator := &stubActuator{}
	loop, _, _ := newTestLoop(sensor, actuator)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	time.Sleep(35 * time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, actuator.last(t), "shutdown parks the actuator at the minimum level")
}

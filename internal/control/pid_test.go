package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDProportionalOnly(t *testing.T) {
	pid := NewPID(10, 0, 0, 0, 255)

	// error = 100 - 90 = 10, output = kp * 10
	out, err := pid.Compute(90, 100, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 100, out)

	pid = NewPID(1, 0, 0, 0, 255)
	out, err = pid.Compute(90, 100, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 10, out)
}

func TestPIDOutputAlwaysInRange(t *testing.T) {
	pid := NewPID(50, 10, 5, 0, 255)

	inputs := []struct {
		meas, set, dt float64
	}{
		{0, 500, 0.01},
		{500, 0, 0.01},
		{250, 250, 1},
		{-100, 1000, 2},
		{1e6, 0, 0.001},
	}
	for _, in := range inputs {
		out, err := pid.Compute(in.meas, in.set, in.dt)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, out, 0)
		assert.LessOrEqual(t, out, 255)
	}
}

func TestPIDAntiWindup(t *testing.T) {
	pid := NewPID(1, 1, 0, 0, 255)

	// Saturate the output with a huge persistent error.
	_, err := pid.Compute(0, 10000, 1.0)
	require.NoError(t, err)
	frozen := pid.Integral()

	for i := 0; i < 10; i++ {
		out, err := pid.Compute(0, 10000, 1.0)
		require.NoError(t, err)
		assert.Equal(t, 255, out)
		assert.Equal(t, frozen, pid.Integral(), "integral must not grow while saturated")
	}
}

func TestPIDAntiWindupLowerBound(t *testing.T) {
	pid := NewPID(1, 1, 0, 0, 255)

	_, err := pid.Compute(10000, 0, 1.0)
	require.NoError(t, err)
	frozen := pid.Integral()

	for i := 0; i < 10; i++ {
		out, err := pid.Compute(10000, 0, 1.0)
		require.NoError(t, err)
		assert.Equal(t, 0, out)
		assert.Equal(t, frozen, pid.Integral())
	}
}

func TestPIDDerivativeOnMeasurement(t *testing.T) {
	// With kd only and a steady measurement, a setpoint step must not kick
	// the output.
	pid := NewPID(0, 0, 100, -1000, 1000)

	_, err := pid.Compute(50, 50, 1.0)
	require.NoError(t, err)

	out, err := pid.Compute(50, 500, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 0, out, "setpoint step alone must not move a D-only controller")

	// A measurement rise with kd only pushes the output down.
	out, err = pid.Compute(60, 500, 1.0)
	require.NoError(t, err)
	assert.Negative(t, out)
}

func TestPIDFirstCallSkipsDerivative(t *testing.T) {
	pid := NewPID(0, 0, 100, -1000, 1000)

	out, err := pid.Compute(123, 0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestPIDRetuneKeepsState(t *testing.T) {
	pid := NewPID(1, 1, 1, 0, 255)

	_, err := pid.Compute(40, 50, 1.0)
	require.NoError(t, err)
	integral := pid.Integral()
	last := pid.lastMeas

	pid.Retune(5, 2, 0.5)

	assert.Equal(t, integral, pid.Integral())
	assert.Equal(t, last, pid.lastMeas)
	assert.True(t, pid.primed)
}

func TestPIDRejectsNonPositiveDT(t *testing.T) {
	pid := NewPID(1, 1, 1, 0, 255)

	_, err := pid.Compute(10, 20, 0)
	assert.ErrorIs(t, err, ErrNonPositiveDT)

	_, err = pid.Compute(10, 20, -0.5)
	assert.ErrorIs(t, err, ErrNonPositiveDT)
}

package control

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
)

func TestEvaluateSafety(t *testing.T) {
	const maxBus = 25.0

	cases := []struct {
		name    string
		voltage float64
		current float64
		target  float64
		want    domain.SafetyState
	}{
		{"overvoltage while pushing up", 26, 50, 100, domain.SafetyClamped},
		{"exactly at threshold", 25, 50, 100, domain.SafetyClamped},
		{"overvoltage but target already exceeded", 26, 150, 100, domain.SafetyNormal},
		{"voltage below threshold", 24.9, 50, 100, domain.SafetyNormal},
		{"target equals current", 26, 100, 100, domain.SafetyNormal},
		{"nominal", 12, 99, 100, domain.SafetyNormal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EvaluateSafety(
				domain.Sample{BusVoltage: tc.voltage, CurrentMA: tc.current},
				domain.ControlParameters{TargetMA: tc.target},
				maxBus,
			)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSafetyOutput(t *testing.T) {
	// 1.25 V feedback reference against 3.3 V full scale on an 8-bit range.
	assert.Equal(t, 97, SafetyOutput(1.25, 3.3, 255))
	assert.Equal(t, 0, SafetyOutput(0, 3.3, 255))
	assert.Equal(t, 255, SafetyOutput(3.3, 3.3, 255))
}

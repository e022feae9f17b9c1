package control

import (
	"math"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
)

// EvaluateSafety decides, from the latest sample and parameters alone, whether
// the actuator gets the PID output or the fixed safe fallback. Clamping only
// engages while the regulator would still be pushing the current up; once the
// target is already exceeded the overvoltage resolves itself.
func EvaluateSafety(s domain.Sample, p domain.ControlParameters, maxBusVoltage float64) domain.SafetyState {
	if s.BusVoltage >= maxBusVoltage && p.TargetMA > s.CurrentMA {
		return domain.SafetyClamped
	}
	return domain.SafetyNormal
}

// SafetyOutput derives the fixed fallback drive level from the buck
// converter's feedback reference voltage and the actuation full scale.
func SafetyOutput(feedbackVoltage, fullScaleVoltage float64, outMax int) int {
	return int(math.Round(feedbackVoltage / fullScaleVoltage * float64(outMax)))
}

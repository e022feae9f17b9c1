package domain

import "time"

// SafetyState is recomputed every control tick from the latest sample and
// parameters; it carries no history.
type SafetyState string

const (
	SafetyNormal  SafetyState = "normal"
	SafetyClamped SafetyState = "clamped"
)

// Sample is one sensor reading of the output bus.
type Sample struct {
	BusVoltage float64   `json:"voltage"`
	CurrentMA  float64   `json:"current"`
	Timestamp  time.Time `json:"ts"`
}

// ControlParameters is the operator-tunable state shared between the control
// loop and the network control plane. TargetMA never exceeds MaxLimitMA.
type ControlParameters struct {
	TargetMA       float64       `json:"setpoint"`
	Kp             float64       `json:"kp"`
	Ki             float64       `json:"ki"`
	Kd             float64       `json:"kd"`
	MaxLimitMA     float64       `json:"max_limit"`
	ReportInterval time.Duration `json:"-"`
}

// TelemetrySnapshot is an immutable copy of the latest measurement and
// parameters, handed out by value to the network layer.
type TelemetrySnapshot struct {
	Timestamp   time.Time   `json:"ts"`
	BusVoltage  float64     `json:"voltage"`
	CurrentMA   float64     `json:"current"`
	TargetMA    float64     `json:"setpoint"`
	Kp          float64     `json:"kp"`
	Ki          float64     `json:"ki"`
	Kd          float64     `json:"kd"`
	MaxLimitMA  float64     `json:"max_limit"`
	SSEInterval float64     `json:"sse_interval"`
	Safety      SafetyState `json:"safety"`
	Fault       string      `json:"fault,omitempty"`
}

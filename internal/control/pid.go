package control

import (
	"errors"
	"math"
)

// ErrNonPositiveDT rejects a tick whose measured period is zero or negative.
var ErrNonPositiveDT = errors.New("dt must be positive")

// PID regulates the output current. It is owned by the control loop goroutine;
// Retune is routed through the shared store, so the struct itself needs no
// locking.
type PID struct {
	kp, ki, kd float64

	outMin, outMax int

	integral float64
	lastMeas float64
	primed   bool
}

func NewPID(kp, ki, kd float64, outMin, outMax int) *PID {
	return &PID{kp: kp, ki: ki, kd: kd, outMin: outMin, outMax: outMax}
}

// Retune swaps the gains with effect from the next Compute call. Integral and
// previous-measurement state are kept so a tuning change does not itself cause
// a transient.
func (p *PID) Retune(kp, ki, kd float64) {
	p.kp, p.ki, p.kd = kp, ki, kd
}

// Compute advances the controller by one tick. The derivative acts on the
// measurement rather than the error, so a setpoint step does not kick the
// output. While the output is saturated the integral is held at its previous
// value.
func (p *PID) Compute(measurement, setpoint, dt float64) (int, error) {
	if dt <= 0 {
		return p.outMin, ErrNonPositiveDT
	}

	err := setpoint - measurement

	prevIntegral := p.integral
	p.integral += err * dt

	var dMeas float64
	if p.primed {
		dMeas = (measurement - p.lastMeas) / dt
	}

	raw := p.kp*err + p.ki*p.integral - p.kd*dMeas

	out := raw
	if raw > float64(p.outMax) {
		out = float64(p.outMax)
		p.integral = prevIntegral
	} else if raw < float64(p.outMin) {
		out = float64(p.outMin)
		p.integral = prevIntegral
	}

	p.lastMeas = measurement
	p.primed = true

	return int(math.Round(out)), nil
}

// Integral exposes the accumulator for diagnostics.
func (p *PID) Integral() float64 { return p.integral }

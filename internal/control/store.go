package control

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
)

// ErrInvalidParameter is returned for writes that fail validation. No write
// that returns it mutates any field.
var ErrInvalidParameter = errors.New("invalid parameter")

// MinReportInterval is the floor applied to every report-interval write.
const MinReportInterval = 100 * time.Millisecond

// Store is the single source of truth for the tunable control parameters.
// The control loop reads it every tick; the network layer is the only writer.
type Store struct {
	mu     sync.Mutex
	params domain.ControlParameters
}

// NewStore normalizes the initial parameters through the same rules that
// govern later writes: target clamped to the limit, interval floored.
func NewStore(initial domain.ControlParameters) *Store {
	if initial.TargetMA > initial.MaxLimitMA {
		initial.TargetMA = initial.MaxLimitMA
	}
	if initial.ReportInterval < MinReportInterval {
		initial.ReportInterval = MinReportInterval
	}
	return &Store{params: initial}
}

// Read returns a copy; callers never observe a mix of old and new fields.
func (s *Store) Read() domain.ControlParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// SetTarget updates the target current, clamping it to the configured limit.
func (s *Store) SetTarget(mA float64) error {
	if !isFinite(mA) || mA < 0 {
		return fmt.Errorf("%w: target %v", ErrInvalidParameter, mA)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if mA > s.params.MaxLimitMA {
		mA = s.params.MaxLimitMA
	}
	s.params.TargetMA = mA
	return nil
}

// SetGains replaces all three PID gains in one step.
func (s *Store) SetGains(kp, ki, kd float64) error {
	for _, g := range []float64{kp, ki, kd} {
		if !isFinite(g) || g < 0 {
			return fmt.Errorf("%w: gains (%v, %v, %v)", ErrInvalidParameter, kp, ki, kd)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.Kp, s.params.Ki, s.params.Kd = kp, ki, kd
	return nil
}

// SetMaxLimit updates the current limit and, in the same step, clamps the
// target down if the new limit undercuts it.
func (s *Store) SetMaxLimit(mA float64) error {
	if !isFinite(mA) || mA <= 0 {
		return fmt.Errorf("%w: max limit %v", ErrInvalidParameter, mA)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.MaxLimitMA = mA
	if s.params.TargetMA > mA {
		s.params.TargetMA = mA
	}
	return nil
}

// SetReportInterval floor-clamps to MinReportInterval on every write.
func (s *Store) SetReportInterval(d time.Duration) error {
	if d < MinReportInterval {
		d = MinReportInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.ReportInterval = d
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

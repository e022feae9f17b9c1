package ports

import (
	"context"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
)

// Sensor produces bus voltage and current on demand. Implementations must not
// block longer than the caller's context allows.
type Sensor interface {
	Read(ctx context.Context) (domain.Sample, error)
	// Calibrate informs the sensor of the maximum expected current so it can
	// pick its measurement range. Called at startup and after every change to
	// the current limit.
	Calibrate(maxCurrentMA float64) error
	Close() error
}

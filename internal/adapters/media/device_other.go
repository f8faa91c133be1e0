//go:build !linux || !cgo

package media

import (
	"fmt"

	"github.com/dkeye/Call/internal/core"
)

// Camera/microphone capture needs the cgo drivers of pion/mediadevices.
func newDeviceDriver() (driver, error) {
	return nil, fmt.Errorf("%w: device capture requires linux with cgo, use the synthetic driver", core.ErrDeviceUnavailable)
}

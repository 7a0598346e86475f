//go:build !(capture && linux)

package rtc

import (
	"errors"

	"github.com/dkeye/duet/internal/core"
)

// CaptureSource needs the capture build tag on linux.
func CaptureSource() (core.MediaSource, error) {
	return nil, errors.New("built without device capture (use -tags capture on linux)")
}

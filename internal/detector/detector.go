// Package detector finds the pupil ellipse in single eye camera frames
package detector

import (
	"errors"
	"fmt"

	"github.com/skulumani/pupil/internal/roi"
	"github.com/skulumani/pupil/internal/video"
)

// ErrInput is wrapped by every error caused by a bad frame or ROI. Such
// errors are recorded per frame and never retried.
var ErrInput = errors.New("invalid detector input")

var (
	ErrEmptyFrame = fmt.Errorf("%w: empty frame", ErrInput)
	// ErrChannels is returned for frames that are not 8-bit gray, BGR or BGRA
	ErrChannels  = fmt.Errorf("%w: unsupported frame format", ErrInput)
	ErrROIBounds = fmt.Errorf("%w: roi outside frame", ErrInput)

	// ErrClosed is returned by a detector after Close
	ErrClosed = errors.New("detector closed")
)

// Detector locates the pupil in one frame. Implementations must not modify
// the frame and must be safe for concurrent UpdateSettings and Detect calls.
type Detector interface {
	Detect(frame video.Frame, r *roi.ROI) (Result, error)
	Settings() Settings
	UpdateSettings(s Settings) error
	Method() string
	Close() error
}

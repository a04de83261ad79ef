package capture

import (
	"errors"
	"image"

	"github.com/kbinani/screenshot"
)

// portableBackend captures through the cross-platform screenshot library.
// It always returns the physical frame of the primary display.
type portableBackend struct{}

func (portableBackend) Name() string        { return "portable" }
func (portableBackend) AcceptsTarget() bool { return false }

func (portableBackend) Capture(_ *image.Point) (*image.RGBA, int, int, error) {
	if screenshot.NumActiveDisplays() == 0 {
		return nil, 0, 0, errors.New("no monitor available")
	}
	bounds := screenshot.GetDisplayBounds(0)
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, 0, 0, err
	}
	return img, bounds.Dx(), bounds.Dy(), nil
}

func (portableBackend) Dimensions() (int, int, error) {
	if screenshot.NumActiveDisplays() == 0 {
		return 0, 0, errors.New("no monitor available")
	}
	bounds := screenshot.GetDisplayBounds(0)
	return bounds.Dx(), bounds.Dy(), nil
}

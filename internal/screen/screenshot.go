package screen

import (
	"image"

	"github.com/pkg/errors"
	"github.com/vova616/screenshot"
)

// displayBackend reads the live display
type displayBackend struct{}

func (displayBackend) grab(rect image.Rectangle) (image.Image, error) {
	img, err := screenshot.CaptureRect(rect)
	if err != nil {
		return nil, errors.Wrapf(err, "screenshot %v", rect)
	}
	return img, nil
}

func (displayBackend) bounds() (image.Rectangle, error) {
	r, err := screenshot.ScreenRect()
	if err != nil {
		return image.Rectangle{}, errors.Wrap(err, "query screen rectangle")
	}
	return r, nil
}

// New returns a capturer for the primary display.
func New() Capturer {
	return newGuarded(displayBackend{})
}

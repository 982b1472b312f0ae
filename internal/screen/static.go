package screen

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// staticBackend crops regions out of a fixed frame, for headless runs and replays
type staticBackend struct {
	frame image.Image
}

func (s staticBackend) grab(rect image.Rectangle) (image.Image, error) {
	if !rect.In(s.frame.Bounds()) {
		return nil, errors.Errorf("rectangle %v outside frame %v", rect, s.frame.Bounds())
	}
	return imaging.Crop(s.frame, rect), nil
}

func (s staticBackend) bounds() (image.Rectangle, error) {
	return s.frame.Bounds(), nil
}

// NewStatic returns a capturer that serves crops of frame.
func NewStatic(frame image.Image) Capturer {
	return newGuarded(staticBackend{frame: frame})
}

// OpenStatic loads an image file and serves crops of it.
func OpenStatic(path string) (Capturer, error) {
	frame, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open frame %s", path)
	}
	return NewStatic(frame), nil
}

// Package screen grabs the pixels behind a monitored region.
package screen

import (
	"context"
	stderrors "errors"
	"image"
	"log/slog"
	"sync"

	apperr "github.com/GriffinCanCode/regionwatch/internal/errors"
	"github.com/GriffinCanCode/regionwatch/internal/resilience"
)

// Capturer grabs one screen rectangle. Implementations must be safe for
// concurrent use by several workers.
type Capturer interface {
	Capture(ctx context.Context, rect image.Rectangle) (image.Image, error)
}

// backend implements source-specific raw capture
type backend interface {
	grab(rect image.Rectangle) (image.Image, error)
	bounds() (image.Rectangle, error)
}

// guardedCapturer adds cancellation, bounds checks and a circuit breaker per
// rectangle to a backend. A rectangle that keeps failing only trips its own breaker.
type guardedCapturer struct {
	backend

	mu       sync.Mutex
	breakers map[image.Rectangle]*resilience.Breaker

	boundsOnce sync.Once
	screen     image.Rectangle
}

func newGuarded(b backend) *guardedCapturer {
	return &guardedCapturer{backend: b, breakers: make(map[image.Rectangle]*resilience.Breaker)}
}

func (c *guardedCapturer) breakerFor(rect image.Rectangle) *resilience.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[rect]
	if !ok {
		cfg := resilience.CaptureConfig()
		cfg.Name += " " + rect.String()
		b = resilience.New(cfg)
		c.breakers[rect] = b
	}
	return b
}

type grabResult struct {
	img image.Image
	err error
}

// Capture returns the pixels of rect. A grab that outlives ctx is abandoned
// and reported as a timeout; its goroutine finishes in the background.
func (c *guardedCapturer) Capture(ctx context.Context, rect image.Rectangle) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	if rect.Empty() {
		return nil, apperr.Newf(apperr.InvalidArgument, "empty capture rectangle %v", rect)
	}
	if screen := c.screenBounds(); !screen.Empty() && !rect.In(screen) {
		return nil, apperr.Newf(apperr.InvalidArgument, "rectangle %v outside screen %v", rect, screen)
	}

	breaker := c.breakerFor(rect)
	done := make(chan grabResult, 1)
	go func() {
		img, err := resilience.ExecuteWithResult(breaker, func() (image.Image, error) {
			return c.grab(rect)
		})
		done <- grabResult{img: img, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, contextError(ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, apperr.Wrapf(r.err, apperr.Capture, "capture %v", rect)
		}
		return r.img, nil
	}
}

func (c *guardedCapturer) screenBounds() image.Rectangle {
	c.boundsOnce.Do(func() {
		r, err := c.bounds()
		if err != nil {
			slog.Warn("screen bounds unavailable, skipping bounds checks", "error", err)
			return
		}
		c.screen = r
	})
	return c.screen
}

func contextError(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(err, apperr.Timeout, "capture timed out")
	}
	return apperr.Wrap(err, apperr.Cancelled, "capture cancelled")
}

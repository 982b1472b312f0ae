package syncx

import "time"

// EMA is a goroutine-safe exponential moving average of durations.
// The first observation seeds the average.
type EMA struct {
	alpha float64
	state *Guard[emaState]
}

type emaState struct {
	value  float64
	seeded bool
}

// NewEMA creates an average with smoothing factor alpha in (0, 1].
func NewEMA(alpha float64) *EMA {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &EMA{alpha: alpha, state: NewGuard(emaState{})}
}

// Observe folds d into the average and returns the new value.
func (e *EMA) Observe(d time.Duration) time.Duration {
	return Update(e.state, func(s *emaState) time.Duration {
		if !s.seeded {
			s.value = float64(d)
			s.seeded = true
		} else {
			s.value = e.alpha*float64(d) + (1-e.alpha)*s.value
		}
		return time.Duration(s.value)
	})
}

// Value returns the current average, zero before any observation.
func (e *EMA) Value() time.Duration {
	return View(e.state, func(s emaState) time.Duration { return time.Duration(s.value) })
}

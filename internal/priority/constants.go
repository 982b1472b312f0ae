package priority

import "time"

// RingSize is the number of recent outcomes used for the frequency term.
const RingSize = 10

// CumulativeCap is the match count at which the cumulative term saturates.
const CumulativeCap = 100

// Activity classification
const (
	ActiveScore = 0.5
	QuietScore  = 0.2
)

// Score bands for the cadence mapping. Band edges are absolute seconds; the
// result is clamped to the configured [min, max] afterwards.
const (
	busyScore   = 0.7
	normalScore = 0.3

	busyFloor   = 100 * time.Millisecond
	busySpan    = 200 * time.Millisecond
	normalFloor = 300 * time.Millisecond
	normalSpan  = 500 * time.Millisecond
	quietFloor  = 800 * time.Millisecond
	quietSpan   = 1200 * time.Millisecond
)

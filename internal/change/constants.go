package change

import "time"

// Frame diff
const (
	// PixelDelta is the per-pixel intensity difference above which a pixel counts as changed.
	PixelDelta = 30

	DefaultThreshold = 0.05
)

// Adaptive thresholds
const (
	ActivityAlpha   = 0.1
	InitialActivity = 0.5

	BusyActivity   = 0.7
	QuietActivity  = 0.3
	BusyThreshold  = 0.03 // busy regions react to smaller changes
	QuietThreshold = 0.08
)

// IdleUnknown is returned by IdleTime for regions never observed.
const IdleUnknown time.Duration = 0

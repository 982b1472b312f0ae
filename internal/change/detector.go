// Package change decides whether a freshly captured region image differs
// meaningfully from the last one that was analyzed.
package change

import (
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	apperr "github.com/GriffinCanCode/regionwatch/internal/errors"
)

// Stats is a point-in-time copy of the detector counters.
type Stats struct {
	Comparisons int64   `json:"comparisons"`
	Skipped     int64   `json:"skipped"`
	SkipRatio   float64 `json:"skip_ratio"`
	Failures    int64   `json:"failures"`
	Tracked     int     `json:"tracked"`
	Initialized int     `json:"initialized"`
}

// baseline is the per-region memory; its mutex serializes work on one region only.
type baseline struct {
	mu          sync.Mutex
	plane       []uint8 // intensity, row-major
	size        image.Point
	lastChange  time.Time
	initialized bool
	threshold   float64
	activity    float64
}

// Detector keeps one baseline per region. Safe for concurrent use; calls for
// different regions do not contend beyond the map lookup.
type Detector struct {
	threshold float64
	adaptive  bool
	now       func() time.Time

	mu      sync.RWMutex
	regions map[string]*baseline

	comparisons atomic.Int64
	skipped     atomic.Int64
	failures    atomic.Int64
}

// New creates a detector with the given changed-pixel ratio threshold.
func New(threshold float64) *Detector {
	if threshold < 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Detector{
		threshold: threshold,
		now:       time.Now,
		regions:   make(map[string]*baseline),
	}
}

// WithClock replaces the time source. Must be called before use.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// WithAdaptive enables per-region thresholds driven by Tune.
func (d *Detector) WithAdaptive(enabled bool) *Detector {
	d.adaptive = enabled
	return d
}

// HasChanged reports whether img differs from the stored baseline for regionID.
// The first observation of a region is always a change. Internal failures fail
// open: the region is reported as changed so a real change is never dropped.
func (d *Detector) HasChanged(regionID string, img image.Image) (changed bool) {
	d.comparisons.Add(1)

	defer func() {
		if r := recover(); r != nil {
			d.failOpen(regionID, apperr.Newf(apperr.ChangeDetection, "comparison panicked: %v", r))
			changed = true
		}
	}()

	if img == nil || img.Bounds().Empty() {
		d.failOpen(regionID, apperr.New(apperr.ChangeDetection, "empty image"))
		return true
	}

	b := d.getOrCreate(regionID)
	b.mu.Lock()
	defer b.mu.Unlock()

	plane, size := intensity(img)

	if !b.initialized {
		d.store(b, plane, size)
		b.initialized = true
		slog.Debug("region initialized", "region", regionID)
		return true
	}

	if b.size != size {
		d.store(b, plane, size)
		return true
	}

	ratio := changedRatio(b.plane, plane)
	if ratio > b.threshold {
		d.store(b, plane, size)
		slog.Debug("change detected", "region", regionID, "ratio", ratio)
		return true
	}

	d.skipped.Add(1)
	return false
}

// ChangedBounds returns the bounding box, in image coordinates, of pixels that
// differ from the baseline. ok is false for unknown regions, size mismatches,
// or when nothing changed.
func (d *Detector) ChangedBounds(regionID string, img image.Image) (image.Rectangle, bool) {
	b := d.lookup(regionID)
	if b == nil || img == nil {
		return image.Rectangle{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	plane, size := intensity(img)
	if !b.initialized || b.size != size {
		return image.Rectangle{}, false
	}

	minX, minY, maxX, maxY := size.X, size.Y, -1, -1
	for i := range plane {
		if absDiff(plane[i], b.plane[i]) <= PixelDelta {
			continue
		}
		x, y := i%size.X, i/size.X
		minX, minY = min(minX, x), min(minY, y)
		maxX, maxY = max(maxX, x), max(maxY, y)
	}
	if maxX < 0 {
		return image.Rectangle{}, false
	}
	origin := img.Bounds().Min
	return image.Rect(minX, minY, maxX+1, maxY+1).Add(origin), true
}

// Tune folds one analysis outcome into the region's activity average and
// picks its threshold. No-op unless adaptive mode is on.
func (d *Detector) Tune(regionID string, hadMatch bool) {
	if !d.adaptive {
		return
	}
	b := d.lookup(regionID)
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var x float64
	if hadMatch {
		x = 1
	}
	b.activity = ActivityAlpha*x + (1-ActivityAlpha)*b.activity

	switch {
	case b.activity > BusyActivity:
		b.threshold = BusyThreshold
	case b.activity < QuietActivity:
		b.threshold = QuietThreshold
	default:
		b.threshold = d.threshold
	}
}

// Threshold returns the ratio currently applied to regionID.
func (d *Detector) Threshold(regionID string) float64 {
	b := d.lookup(regionID)
	if b == nil {
		return d.threshold
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threshold
}

// IsInitialized reports whether regionID has a baseline.
func (d *Detector) IsInitialized(regionID string) bool {
	b := d.lookup(regionID)
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// Uninitialized returns the ids, in input order, that were never observed.
func (d *Detector) Uninitialized(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !d.IsInitialized(id) {
			out = append(out, id)
		}
	}
	return out
}

// IdleTime is the time since the region last changed.
func (d *Detector) IdleTime(regionID string) time.Duration {
	b := d.lookup(regionID)
	if b == nil {
		return IdleUnknown
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastChange.IsZero() {
		return IdleUnknown
	}
	return d.now().Sub(b.lastChange)
}

// Clear forgets one region; its next observation is a first observation again.
func (d *Detector) Clear(regionID string) {
	d.mu.Lock()
	delete(d.regions, regionID)
	d.mu.Unlock()
}

// ClearAll forgets every region.
func (d *Detector) ClearAll() {
	d.mu.Lock()
	d.regions = make(map[string]*baseline)
	d.mu.Unlock()
}

// Stats returns the current counters.
func (d *Detector) Stats() Stats {
	s := Stats{
		Comparisons: d.comparisons.Load(),
		Skipped:     d.skipped.Load(),
		Failures:    d.failures.Load(),
	}
	if s.Comparisons > 0 {
		s.SkipRatio = float64(s.Skipped) / float64(s.Comparisons)
	}

	d.mu.RLock()
	regions := make([]*baseline, 0, len(d.regions))
	for _, b := range d.regions {
		regions = append(regions, b)
	}
	d.mu.RUnlock()

	s.Tracked = len(regions)
	for _, b := range regions {
		b.mu.Lock()
		if b.initialized {
			s.Initialized++
		}
		b.mu.Unlock()
	}
	return s
}

func (d *Detector) lookup(regionID string) *baseline {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.regions[regionID]
}

func (d *Detector) getOrCreate(regionID string) *baseline {
	if b := d.lookup(regionID); b != nil {
		return b
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.regions[regionID]; ok {
		return b
	}
	b := &baseline{threshold: d.threshold, activity: InitialActivity}
	d.regions[regionID] = b
	return b
}

func (d *Detector) store(b *baseline, plane []uint8, size image.Point) {
	b.plane = plane
	b.size = size
	b.lastChange = d.now()
}

func (d *Detector) failOpen(regionID string, err *apperr.AppError) {
	d.failures.Add(1)
	slog.Warn("change detection failed, treating as changed", "error", err.WithRegion(regionID))
}

// intensity reduces img to a single-channel plane.
func intensity(img image.Image) ([]uint8, image.Point) {
	gray := imaging.Grayscale(img)
	size := gray.Rect.Size()
	plane := make([]uint8, size.X*size.Y)
	for y := 0; y < size.Y; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < size.X; x++ {
			plane[y*size.X+x] = row[x*4]
		}
	}
	return plane, size
}

func changedRatio(prev, cur []uint8) float64 {
	if len(prev) != len(cur) {
		panic(fmt.Sprintf("plane length mismatch: %d vs %d", len(prev), len(cur)))
	}
	if len(cur) == 0 {
		return 0
	}
	changed := 0
	for i := range cur {
		if absDiff(cur[i], prev[i]) > PixelDelta {
			changed++
		}
	}
	return float64(changed) / float64(len(cur))
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

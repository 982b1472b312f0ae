// Package priority tracks a per-region activity score and derives how often
// each region should be scanned.
package priority

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/regionwatch/internal/config"
	apperr "github.com/GriffinCanCode/regionwatch/internal/errors"
)

// ActivityRecord is a snapshot of one region's scheduling state.
type ActivityRecord struct {
	RegionID  string        `json:"region_id"`
	Score     float64       `json:"score"`
	Interval  time.Duration `json:"interval"`
	Recent    []bool        `json:"recent"` // oldest first
	Matches   int           `json:"matches"`
	LastMatch time.Time     `json:"last_match"`
	LastScan  time.Time     `json:"last_scan"`
}

// Stats summarizes all records.
type Stats struct {
	Total       int           `json:"total"`
	Active      int           `json:"active"`
	Quiet       int           `json:"quiet"`
	MinInterval time.Duration `json:"min_interval"`
	AvgInterval time.Duration `json:"avg_interval"`
	MaxInterval time.Duration `json:"max_interval"`
}

type record struct {
	mu        sync.Mutex
	id        string
	score     float64
	interval  time.Duration
	ring      [RingSize]bool
	head, n   int
	matches   int
	lastMatch time.Time
	lastScan  time.Time
}

// Manager owns exactly one record per registered region. The map lock is only
// held for lookup and insertion; each record has its own mutex.
type Manager struct {
	base, min, max time.Duration
	window         time.Duration
	weights        config.Weights
	now            func() time.Time

	mu      sync.RWMutex
	records map[string]*record
}

// New creates a manager from the scan configuration.
func New(cfg config.Scan) *Manager {
	return &Manager{
		base:    cfg.BaseInterval,
		min:     cfg.MinInterval,
		max:     cfg.MaxInterval,
		window:  cfg.RecencyWindow,
		weights: cfg.Weights,
		now:     time.Now,
		records: make(map[string]*record),
	}
}

// WithClock replaces the time source. Must be called before use.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Register creates a record at the base interval. Registering twice is a no-op.
func (m *Manager) Register(regionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[regionID]; ok {
		return
	}
	m.records[regionID] = &record{id: regionID, interval: m.clamp(m.base)}
}

// Update records one analysis outcome and recomputes score and interval.
func (m *Manager) Update(regionID string, hadMatch bool) error {
	r := m.lookup(regionID)
	if r == nil {
		return apperr.New(apperr.Registration, "unknown region").WithRegion(regionID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := m.now()
	r.ring[r.head] = hadMatch
	r.head = (r.head + 1) % RingSize
	if r.n < RingSize {
		r.n++
	}
	if hadMatch {
		r.matches++
		r.lastMatch = now
	}

	r.score = m.score(r, now)
	r.interval = m.intervalFor(r.score)
	slog.Debug("region activity updated", "region", regionID, "score", r.score, "interval", r.interval)
	return nil
}

// ShouldScanNow reports whether the region's interval has elapsed since its
// last scan, and if so stamps the scan time. Unknown regions are always due.
func (m *Manager) ShouldScanNow(regionID string) bool {
	r := m.lookup(regionID)
	if r == nil {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := m.now()
	if r.lastScan.IsZero() || now.Sub(r.lastScan) >= r.interval {
		r.lastScan = now
		return true
	}
	return false
}

// MarkScanned stamps the scan time without checking due-ness.
func (m *Manager) MarkScanned(regionID string) {
	if r := m.lookup(regionID); r != nil {
		now := m.now()
		r.mu.Lock()
		r.lastScan = now
		r.mu.Unlock()
	}
}

// Ranked returns ids sorted by descending score, ties keeping input order,
// truncated to limit. limit <= 0 means no truncation. Unknown ids score 0.
func (m *Manager) Ranked(ids []string, limit int) []string {
	type scored struct {
		id    string
		score float64
	}
	list := make([]scored, len(ids))
	for i, id := range ids {
		list[i] = scored{id: id, score: m.Score(id)}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })

	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]string, limit)
	for i := range out {
		out[i] = list[i].id
	}
	return out
}

// Score returns the region's activity score as of now, 0 if unknown. The
// recency term keeps decaying between updates.
func (m *Manager) Score(regionID string) float64 {
	r := m.lookup(regionID)
	if r == nil {
		return 0
	}
	now := m.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return m.score(r, now)
}

// Record returns a snapshot of one region's state.
func (m *Manager) Record(regionID string) (ActivityRecord, bool) {
	r := m.lookup(regionID)
	if r == nil {
		return ActivityRecord{}, false
	}
	now := m.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	recent := make([]bool, r.n)
	start := (r.head - r.n + RingSize) % RingSize
	for i := range recent {
		recent[i] = r.ring[(start+i)%RingSize]
	}
	return ActivityRecord{
		RegionID:  r.id,
		Score:     m.score(r, now),
		Interval:  r.interval,
		Recent:    recent,
		Matches:   r.matches,
		LastMatch: r.lastMatch,
		LastScan:  r.lastScan,
	}, true
}

// Statistics summarizes scores and intervals over all records.
func (m *Manager) Statistics() Stats {
	m.mu.RLock()
	records := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		records = append(records, r)
	}
	m.mu.RUnlock()

	var s Stats
	if len(records) == 0 {
		return s
	}
	s.Total = len(records)
	now := m.now()
	var sum time.Duration
	for i, r := range records {
		r.mu.Lock()
		score, interval := m.score(r, now), r.interval
		r.mu.Unlock()

		switch {
		case score > ActiveScore:
			s.Active++
		case score < QuietScore:
			s.Quiet++
		}
		if i == 0 || interval < s.MinInterval {
			s.MinInterval = interval
		}
		if interval > s.MaxInterval {
			s.MaxInterval = interval
		}
		sum += interval
	}
	s.AvgInterval = sum / time.Duration(len(records))
	return s
}

func (m *Manager) lookup(regionID string) *record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[regionID]
}

// score is the weighted sum of recency, frequency and cumulative terms.
func (m *Manager) score(r *record, now time.Time) float64 {
	var recency float64
	if !r.lastMatch.IsZero() && m.window > 0 {
		recency = max(0, 1-float64(now.Sub(r.lastMatch))/float64(m.window))
	}

	var frequency float64
	if r.n > 0 {
		hits := 0
		for i := 0; i < r.n; i++ {
			if r.ring[i] {
				hits++
			}
		}
		frequency = float64(hits) / float64(r.n)
	}

	cumulative := min(float64(r.matches)/CumulativeCap, 1)

	s := m.weights.Recency*recency + m.weights.Frequency*frequency + m.weights.Cumulative*cumulative
	return min(max(s, 0), 1)
}

// intervalFor maps a score to a cadence, monotonically non-increasing in score.
func (m *Manager) intervalFor(score float64) time.Duration {
	var floor time.Duration
	var span float64
	switch {
	case score > busyScore:
		floor, span = busyFloor, float64(busySpan)*(1-score)/(1-busyScore)
	case score > normalScore:
		floor, span = normalFloor, float64(normalSpan)*(busyScore-score)/(busyScore-normalScore)
	default:
		floor, span = quietFloor, float64(quietSpan)*(normalScore-score)/normalScore
	}
	return m.clamp(floor + time.Duration(math.Round(span)))
}

func (m *Manager) clamp(d time.Duration) time.Duration {
	return min(max(d, m.min), m.max)
}

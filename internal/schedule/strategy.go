// Package schedule picks the regions to scan on each tick.
package schedule

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Prioritizer is the slice of the priority manager the strategy needs.
type Prioritizer interface {
	ShouldScanNow(regionID string) bool
	MarkScanned(regionID string)
	Ranked(ids []string, limit int) []string
	Update(regionID string, hadMatch bool) error
}

// Selection is the working set for one cycle.
type Selection struct {
	CycleID   string
	IDs       []string
	FullSweep bool
	Skipped   int // ids not selected this cycle
}

// Strategy combines per-region due-ness with a periodic full sweep that bounds staleness.
type Strategy struct {
	pm         Prioritizer
	sweepEvery time.Duration
	now        func() time.Time

	mu        sync.Mutex
	lastSweep time.Time
}

// New creates a strategy; the sweep clock starts now.
func New(pm Prioritizer, sweepEvery time.Duration) *Strategy {
	return &Strategy{
		pm:         pm,
		sweepEvery: sweepEvery,
		now:        time.Now,
		lastSweep:  time.Now(),
	}
}

// WithClock replaces the time source and restarts the sweep clock from it.
func (s *Strategy) WithClock(now func() time.Time) *Strategy {
	s.now = now
	s.lastSweep = now()
	return s
}

// CellsToScan returns every id in priority order when a full sweep is due,
// otherwise up to maxBatch due ids in input order.
func (s *Strategy) CellsToScan(ids []string, maxBatch int) Selection {
	sel := Selection{CycleID: uuid.NewString()}

	if s.sweepDue() {
		sel.IDs = s.pm.Ranked(ids, 0)
		sel.FullSweep = true
		for _, id := range sel.IDs {
			s.pm.MarkScanned(id)
		}
		slog.Debug("full sweep", "cycle", sel.CycleID, "regions", len(sel.IDs))
		return sel
	}

	if maxBatch <= 0 {
		maxBatch = len(ids)
	}
	sel.IDs = make([]string, 0, min(maxBatch, len(ids)))
	for _, id := range ids {
		if len(sel.IDs) >= maxBatch {
			break
		}
		if s.pm.ShouldScanNow(id) {
			sel.IDs = append(sel.IDs, id)
		}
	}
	sel.Skipped = len(ids) - len(sel.IDs)
	return sel
}

// ReportResults feeds each scanned region's outcome back into the prioritizer.
// Unknown regions are logged and ignored. Returns the number applied.
func (s *Strategy) ReportResults(results map[string]bool) int {
	applied := 0
	for id, hadMatch := range results {
		if err := s.pm.Update(id, hadMatch); err != nil {
			slog.Warn("ignoring outcome for unregistered region", "region", id, "error", err)
			continue
		}
		applied++
	}
	return applied
}

func (s *Strategy) sweepDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastSweep) >= s.sweepEvery {
		s.lastSweep = now
		return true
	}
	return false
}

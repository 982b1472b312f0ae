package schedule

import (
	"testing"
	"time"

	"github.com/GriffinCanCode/regionwatch/internal/config"
	"github.com/GriffinCanCode/regionwatch/internal/priority"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(ids ...string) (*Strategy, *priority.Manager, *fakeClock) {
	clk := &fakeClock{t: time.Unix(5_000, 0)}
	pm := priority.New(config.DefaultScan()).WithClock(clk.Now)
	for _, id := range ids {
		pm.Register(id)
	}
	return New(pm, config.DefaultFullSweepInterval).WithClock(clk.Now), pm, clk
}

func TestSelectsDueRegionsUpToBatch(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	s, _, _ := setup(ids...)

	sel := s.CellsToScan(ids, 3)
	if sel.FullSweep {
		t.Fatal("first selection should not be a full sweep")
	}
	if len(sel.IDs) != 3 || sel.IDs[0] != "a" || sel.IDs[2] != "c" {
		t.Errorf("IDs = %v, want [a b c]", sel.IDs)
	}
	if sel.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", sel.Skipped)
	}
	if sel.CycleID == "" {
		t.Error("CycleID should be set")
	}

	// a, b, c were stamped; d and e are still due.
	next := s.CellsToScan(ids, 3)
	if len(next.IDs) != 2 || next.IDs[0] != "d" || next.IDs[1] != "e" {
		t.Errorf("second IDs = %v, want [d e]", next.IDs)
	}
}

func TestNothingDue(t *testing.T) {
	ids := []string{"a", "b"}
	s, _, clk := setup(ids...)
	s.CellsToScan(ids, 10)

	clk.Advance(10 * time.Millisecond)
	sel := s.CellsToScan(ids, 10)
	if len(sel.IDs) != 0 || sel.Skipped != 2 {
		t.Errorf("IDs/Skipped = %v/%d, want none selected", sel.IDs, sel.Skipped)
	}
}

func TestFullSweepAtExactInterval(t *testing.T) {
	ids := make([]string, 30)
	for i := range ids {
		ids[i] = string(rune('A' + i))
	}
	s, pm, clk := setup(ids...)
	for _, id := range ids {
		pm.ShouldScanNow(id) // none are due afterwards
	}

	clk.Advance(config.DefaultFullSweepInterval - time.Millisecond)
	for _, id := range ids {
		pm.MarkScanned(id)
	}
	clk.Advance(time.Millisecond)

	sel := s.CellsToScan(ids, 5)
	if !sel.FullSweep {
		t.Fatal("selection at exactly the sweep interval should be a full sweep")
	}
	if len(sel.IDs) != len(ids) {
		t.Errorf("full sweep returned %d ids, want %d", len(sel.IDs), len(ids))
	}
	if sel.Skipped != 0 {
		t.Errorf("Skipped = %d, want 0", sel.Skipped)
	}

	if again := s.CellsToScan(ids, 5); again.FullSweep {
		t.Error("sweep clock should restart after a full sweep")
	}
}

func TestFullSweepIsPriorityOrdered(t *testing.T) {
	ids := []string{"quiet", "busy", "mid"}
	s, pm, clk := setup(ids...)
	for i := 0; i < 10; i++ {
		_ = pm.Update("busy", true)
		_ = pm.Update("mid", i%2 == 0)
		_ = pm.Update("quiet", false)
	}

	clk.Advance(config.DefaultFullSweepInterval)
	sel := s.CellsToScan(ids, 1)
	want := []string{"busy", "mid", "quiet"}
	for i := range want {
		if sel.IDs[i] != want[i] {
			t.Fatalf("IDs = %v, want %v", sel.IDs, want)
		}
	}
}

func TestReportResults(t *testing.T) {
	s, pm, _ := setup("a", "b")

	n := s.ReportResults(map[string]bool{"a": true, "b": false, "ghost": true})
	if n != 2 {
		t.Errorf("applied = %d, want 2 (unknown ignored)", n)
	}
	if rec, _ := pm.Record("a"); rec.Matches != 1 {
		t.Errorf("a.Matches = %d, want 1", rec.Matches)
	}
	if rec, _ := pm.Record("b"); len(rec.Recent) != 1 || rec.Recent[0] {
		t.Errorf("b.Recent = %v, want [false]", rec.Recent)
	}
}

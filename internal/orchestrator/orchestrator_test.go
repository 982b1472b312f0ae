package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GriffinCanCode/regionwatch/internal/analysis"
	"github.com/GriffinCanCode/regionwatch/internal/config"
	apperr "github.com/GriffinCanCode/regionwatch/internal/errors"
	"github.com/GriffinCanCode/regionwatch/internal/queue"
	"github.com/GriffinCanCode/regionwatch/internal/region"
)

const (
	hitValue  = 200
	idleValue = 10
	hitText   = "door open"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// mockCapturer returns a solid frame per region whose value the test controls.
type mockCapturer struct {
	mu      sync.Mutex
	byRect  map[image.Rectangle]string
	values  map[string]uint8
	fail    map[string]bool
	panicky map[string]bool
	delay   map[string]time.Duration
	flicker bool
	calls   map[string]int
}

func newMockCapturer(regions []region.Region) *mockCapturer {
	m := &mockCapturer{
		byRect:  make(map[image.Rectangle]string),
		values:  make(map[string]uint8),
		fail:    make(map[string]bool),
		panicky: make(map[string]bool),
		delay:   make(map[string]time.Duration),
		calls:   make(map[string]int),
	}
	for _, r := range regions {
		m.byRect[r.Bounds] = r.ID
		m.values[r.ID] = idleValue
	}
	return m
}

func (m *mockCapturer) set(id string, v uint8) {
	m.mu.Lock()
	m.values[id] = v
	m.mu.Unlock()
}

func (m *mockCapturer) Capture(_ context.Context, rect image.Rectangle) (image.Image, error) {
	m.mu.Lock()
	id := m.byRect[rect]
	m.calls[id]++
	v := m.values[id]
	if m.flicker && m.calls[id]%2 == 0 {
		v ^= 0x20 // enough to count as a change, never crosses into a hit
	}
	fail, boom, delay := m.fail[id], m.panicky[id], m.delay[id]
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay) // ignores ctx on purpose
	}
	if boom {
		panic("capture backend crashed")
	}
	if fail {
		return nil, apperr.Newf(apperr.Capture, "region %s offscreen", id)
	}
	img := image.NewGray(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img, nil
}

func (m *mockCapturer) count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

// mockAnalyzer reports hitText for bright frames. With block set, every call
// hangs until block is closed, regardless of ctx.
type mockAnalyzer struct {
	calls   atomic.Int64
	err     error
	block   chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (m *mockAnalyzer) Analyze(_ context.Context, img image.Image) (analysis.Result, error) {
	m.calls.Add(1)
	if m.block != nil {
		m.once.Do(func() { close(m.entered) })
		<-m.block
	}
	if m.err != nil {
		return analysis.Result{}, m.err
	}
	g, ok := img.(*image.Gray)
	if ok && len(g.Pix) > 0 && g.Pix[0] >= 128 {
		return analysis.Result{Text: hitText, Confidence: 0.9}, nil
	}
	return analysis.Result{Text: "nothing here", Confidence: 0.9}, nil
}

func makeRegions(n int) []region.Region {
	out := make([]region.Region, n)
	for i := range out {
		out[i] = region.Region{
			ID:     fmt.Sprintf("r%02d", i),
			Bounds: image.Rect(i*10, 0, i*10+10, 10),
		}
	}
	return out
}

func testScan() config.Scan {
	cfg := config.DefaultScan()
	cfg.Sequential = true
	cfg.InitRetries = 0
	cfg.PublishTimeout = 5 * time.Millisecond
	cfg.BackpressurePause = time.Millisecond
	return cfg
}

type fixture struct {
	o   *Orchestrator
	cap *mockCapturer
	an  *mockAnalyzer
	clk *fakeClock
}

func newFixture(t *testing.T, cfg config.Scan, n int) *fixture {
	t.Helper()
	regions := makeRegions(n)
	f := &fixture{
		cap: newMockCapturer(regions),
		an:  &mockAnalyzer{},
		clk: &fakeClock{t: time.Unix(50_000, 0)},
	}
	o, err := New(cfg, regions, Deps{
		Capturer: f.cap,
		Analyzer: f.an,
		Matcher:  analysis.NewPatternMatcher([]string{hitText}),
		Clock:    f.clk.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(o.Stop)
	f.o = o
	return f
}

// cycles advances past the max interval before each cycle so every region is due.
func (f *fixture) cycles(n int) {
	for i := 0; i < n; i++ {
		f.clk.Advance(3 * time.Second)
		f.o.cycle(context.Background())
	}
}

func TestNewValidation(t *testing.T) {
	regions := makeRegions(2)
	deps := Deps{
		Capturer: newMockCapturer(regions),
		Analyzer: &mockAnalyzer{},
		Matcher:  analysis.NewPatternMatcher([]string{hitText}),
	}

	bad := testScan()
	bad.MaxBatch = 0
	if _, err := New(bad, regions, deps); !apperr.IsCode(err, apperr.ConfigInvalid) {
		t.Errorf("New(invalid cfg) error = %v, want ConfigInvalid", err)
	}

	if _, err := New(testScan(), regions, Deps{}); !apperr.IsCode(err, apperr.InvalidArgument) {
		t.Errorf("New(no deps) error = %v, want InvalidArgument", err)
	}

	dup := append(makeRegions(2), regions[0])
	if _, err := New(testScan(), dup, deps); !apperr.IsCode(err, apperr.InvalidArgument) {
		t.Errorf("New(duplicate region) error = %v, want InvalidArgument", err)
	}
}

func TestIdenticalFramesOnlyChangeOnce(t *testing.T) {
	f := newFixture(t, testScan(), 3)
	f.o.initialize(context.Background())
	f.cycles(5)

	s := f.o.Statistics()
	if s.Changes != 3 {
		t.Errorf("Changes = %d, want 3 (one per region)", s.Changes)
	}
	if s.Change.Comparisons != 18 || s.Change.Skipped != 15 {
		t.Errorf("Comparisons/Skipped = %d/%d, want 18/15", s.Change.Comparisons, s.Change.Skipped)
	}
	if got := f.an.calls.Load(); got != 3 {
		t.Errorf("analyzer calls = %d, want 3", got)
	}
	if s.Cycles != 5 {
		t.Errorf("Cycles = %d, want 5", s.Cycles)
	}
	for _, rec := range f.o.Rankings(0) {
		if rec.Interval < testScan().BaseInterval {
			t.Errorf("region %s interval %v below base %v", rec.RegionID, rec.Interval, testScan().BaseInterval)
		}
	}
}

func TestInitPublishesMatches(t *testing.T) {
	f := newFixture(t, testScan(), 6)
	f.cap.set("r01", hitValue)
	f.cap.set("r04", hitValue)

	f.o.initialize(context.Background())

	if got := f.o.detector.Uninitialized(f.o.ids); len(got) != 0 {
		t.Errorf("Uninitialized after init = %v, want none", got)
	}
	got := map[string]bool{}
	for {
		out, ok := f.o.NextResult(0)
		if !ok {
			break
		}
		got[out.RegionID] = true
		if !out.HadMatch || out.Text != hitText || out.ID == "" || out.Fingerprint == "" {
			t.Errorf("outcome = %+v", out)
		}
	}
	if len(got) != 2 || !got["r01"] || !got["r04"] {
		t.Errorf("published regions = %v, want r01 and r04", got)
	}
}

func TestInitRetriesFailedRegions(t *testing.T) {
	cfg := testScan()
	cfg.InitRetries = 1
	f := newFixture(t, cfg, 3)
	f.cap.fail["r02"] = true

	f.o.initialize(context.Background())

	if got := f.cap.count("r02"); got != 2 {
		t.Errorf("captures of failing region = %d, want 2 (one retry)", got)
	}
	if got := f.cap.count("r00"); got != 1 {
		t.Errorf("captures of healthy region = %d, want 1", got)
	}
	if got := f.o.detector.Uninitialized(f.o.ids); len(got) != 1 || got[0] != "r02" {
		t.Errorf("Uninitialized = %v, want [r02]", got)
	}
}

func TestRankedByActivity(t *testing.T) {
	f := newFixture(t, testScan(), 2)
	for i := 0; i < 10; i++ {
		_ = f.o.priority.Update("r00", i < 8)
		_ = f.o.priority.Update("r01", i == 0)
	}

	recs := f.o.Rankings(2)
	if len(recs) != 2 || recs[0].RegionID != "r00" || recs[1].RegionID != "r01" {
		t.Errorf("Rankings = %v, want [r00 r01]", recs)
	}
}

func TestSaturatedQueueDropsInsteadOfBlocking(t *testing.T) {
	cfg := testScan()
	cfg.QueueCapacity = 5
	cfg.MaxBatch = 30
	f := newFixture(t, cfg, 30)
	f.o.initialize(context.Background())

	for i := 0; i < 10; i++ {
		f.cap.set(fmt.Sprintf("r%02d", i*3), hitValue)
	}

	done := make(chan struct{})
	go func() {
		f.cycles(1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle blocked on a full result queue")
	}

	s := f.o.Statistics()
	if s.Matches != 10 {
		t.Errorf("Matches = %d, want 10", s.Matches)
	}
	if s.Queue.Len > 5 {
		t.Errorf("queue length = %d, want <= 5", s.Queue.Len)
	}
	if s.Queue.Dropped < 1 {
		t.Errorf("Dropped = %d, want at least 1", s.Queue.Dropped)
	}
}

func TestCaptureFailureIsContained(t *testing.T) {
	f := newFixture(t, testScan(), 4)
	f.cap.fail["r02"] = true
	f.cap.set("r00", hitValue)

	f.o.initialize(context.Background())
	f.cycles(5)

	rec, ok := f.o.priority.Record("r02")
	if !ok {
		t.Fatal("Record(r02) missing")
	}
	if len(rec.Recent) != 0 || rec.Matches != 0 {
		t.Errorf("failing region got feedback: recent=%v matches=%d", rec.Recent, rec.Matches)
	}
	other, _ := f.o.priority.Record("r00")
	if other.Matches != 1 || len(other.Recent) == 0 {
		t.Errorf("healthy region record = %+v, want feedback", other)
	}

	s := f.o.Statistics()
	if s.CaptureErrors != 6 {
		t.Errorf("CaptureErrors = %d, want 6", s.CaptureErrors)
	}
	if s.Cycles != 5 {
		t.Errorf("Cycles = %d, want 5", s.Cycles)
	}
	if f.o.Err() != nil {
		t.Errorf("Err() = %v, want nil", f.o.Err())
	}
}

func TestAnalysisErrorIsNonMatch(t *testing.T) {
	f := newFixture(t, testScan(), 2)
	f.an.err = errors.New("ocr engine down")
	f.cap.set("r00", hitValue)

	f.o.initialize(context.Background())

	s := f.o.Statistics()
	if s.AnalysisErrors != 2 {
		t.Errorf("AnalysisErrors = %d, want 2", s.AnalysisErrors)
	}
	rec, _ := f.o.priority.Record("r00")
	if len(rec.Recent) != 1 || rec.Recent[0] {
		t.Errorf("Recent = %v, want one non-match", rec.Recent)
	}
	if _, ok := f.o.NextResult(0); ok {
		t.Error("analysis failure must not publish")
	}
}

func TestTaskPanicIsContained(t *testing.T) {
	cfg := testScan()
	cfg.Sequential = false
	f := newFixture(t, cfg, 3)
	f.cap.panicky["r01"] = true

	f.o.initialize(context.Background())

	s := f.o.Statistics()
	if s.CaptureErrors != 1 {
		t.Errorf("CaptureErrors = %d, want 1", s.CaptureErrors)
	}
	if s.Changes != 2 {
		t.Errorf("Changes = %d, want 2", s.Changes)
	}
}

func TestSimultaneousMatchGate(t *testing.T) {
	tests := []struct {
		name      string
		gate      int
		published int
	}{
		{"off", 0, 3},
		{"met", 3, 3},
		{"not met", 4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testScan()
			cfg.MinSimultaneousMatches = tt.gate
			f := newFixture(t, cfg, 3)
			for _, id := range []string{"r00", "r01", "r02"} {
				f.cap.set(id, hitValue)
			}

			f.o.initialize(context.Background())

			if got := f.o.results.Len(); got != tt.published {
				t.Errorf("published = %d, want %d", got, tt.published)
			}
			if got := f.o.Statistics().Matches; got != 3 {
				t.Errorf("Matches = %d, want 3 regardless of gate", got)
			}
		})
	}
}

func TestBackpressureShrinksBatch(t *testing.T) {
	cfg := testScan()
	cfg.QueueCapacity = 5
	f := newFixture(t, cfg, 20)
	f.o.initialize(context.Background())

	for i := 0; i < 5; i++ {
		_ = f.o.results.Publish(context.Background(), queue.Outcome{RegionID: "x"}, 0)
	}
	f.clk.Advance(3 * time.Second)
	f.o.cycle(context.Background())

	s := f.o.Statistics()
	if s.Backpressure != 1 {
		t.Errorf("Backpressure = %d, want 1", s.Backpressure)
	}
	if want := int64(20 - cfg.MaxBatch/2); s.SkippedByPriority != want {
		t.Errorf("SkippedByPriority = %d, want %d", s.SkippedByPriority, want)
	}
}

func TestDebugDump(t *testing.T) {
	cfg := testScan()
	cfg.DebugDumpDir = filepath.Join(t.TempDir(), "frames")
	f := newFixture(t, cfg, 3)

	f.o.initialize(context.Background())

	entries, err := os.ReadDir(cfg.DebugDumpDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("dumped %d files, want 3", len(entries))
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".png" {
			t.Errorf("dump file %q is not a PNG", e.Name())
		}
	}
}

func TestCacheStatsReported(t *testing.T) {
	regions := makeRegions(2)
	cache := analysis.NewCache(&mockAnalyzer{}, 8, time.Minute)
	o, err := New(testScan(), regions, Deps{
		Capturer: newMockCapturer(regions),
		Analyzer: cache,
		Matcher:  analysis.NewPatternMatcher([]string{hitText}),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer o.Stop()

	o.initialize(context.Background())

	s := o.Statistics()
	if s.Cache == nil {
		t.Fatal("Statistics().Cache = nil for a caching analyzer")
	}
	if s.Cache.Hits+s.Cache.Misses != 2 {
		t.Errorf("cache lookups = %d, want 2", s.Cache.Hits+s.Cache.Misses)
	}
}

func TestLifecycle(t *testing.T) {
	cfg := testScan()
	cfg.Sequential = false
	cfg.BaseInterval = 5 * time.Millisecond
	cfg.MinInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond
	cfg.DrainTimeout = 2 * time.Second

	regions := makeRegions(4)
	capt := newMockCapturer(regions)
	capt.flicker = true
	capt.set("r00", hitValue)
	capt.fail["r03"] = true

	o, err := New(cfg, regions, Deps{
		Capturer: capt,
		Analyzer: &mockAnalyzer{},
		Matcher:  analysis.NewPatternMatcher([]string{hitText}),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if o.State() != StateIdle {
		t.Errorf("State = %v, want idle", o.State())
	}

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Errorf("second Start() error = %v, want nil", err)
	}

	out, ok := o.NextResult(2 * time.Second)
	if !ok {
		t.Fatal("NextResult() timed out")
	}
	if out.RegionID != "r00" {
		t.Errorf("outcome region = %q, want r00", out.RegionID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for o.Statistics().Cycles < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if o.State() != StateRunning {
		t.Errorf("State = %v, want running", o.State())
	}

	o.Stop()
	o.Stop()
	if o.State() != StateStopped {
		t.Errorf("State = %v, want stopped", o.State())
	}
	if err := o.Start(context.Background()); !apperr.IsCode(err, apperr.Unavailable) {
		t.Errorf("Start() after Stop = %v, want Unavailable", err)
	}
	if o.Err() != nil {
		t.Errorf("Err() = %v, want nil", o.Err())
	}

	s := o.Statistics()
	if s.CaptureErrors == 0 {
		t.Error("failing region should count capture errors")
	}
	if s.State != "stopped" {
		t.Errorf("Statistics().State = %q, want stopped", s.State)
	}
}

func TestStopBeforeStart(t *testing.T) {
	f := newFixture(t, testScan(), 1)
	f.o.Stop()
	if f.o.State() != StateStopped {
		t.Errorf("State = %v, want stopped", f.o.State())
	}
	if _, ok := f.o.NextResult(0); ok {
		t.Error("NextResult on a never-started orchestrator should be empty")
	}
}

func TestStuckCaptureOnlyCostsItsRegion(t *testing.T) {
	cfg := testScan()
	cfg.Sequential = false
	cfg.CaptureWorkers = 4
	cfg.CaptureTimeout = 20 * time.Millisecond
	cfg.CaptureWait = 60 * time.Millisecond
	f := newFixture(t, cfg, 4)
	f.cap.delay["r02"] = 400 * time.Millisecond

	start := time.Now()
	f.cycles(1)
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("cycle took %v, want it bounded by the capture wait", elapsed)
	}

	s := f.o.Statistics()
	if s.Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", s.Timeouts)
	}
	if s.Changes != 3 {
		t.Errorf("Changes = %d, want 3 (every region but the stuck one)", s.Changes)
	}
	if got := f.o.detector.Uninitialized(f.o.ids); len(got) != 1 || got[0] != "r02" {
		t.Errorf("Uninitialized = %v, want [r02]", got)
	}
}

func TestStuckAnalysisIsBoundedByWait(t *testing.T) {
	cfg := testScan()
	cfg.Sequential = false
	cfg.AnalysisWorkers = 2
	cfg.AnalysisTimeout = 10 * time.Millisecond
	cfg.AnalysisWait = 50 * time.Millisecond
	cfg.DrainTimeout = 100 * time.Millisecond
	f := newFixture(t, cfg, 3)
	f.an.block = make(chan struct{})
	f.an.entered = make(chan struct{})
	t.Cleanup(func() { close(f.an.block) })

	start := time.Now()
	f.cycles(1)
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("cycle took %v, want it bounded by the analysis wait", elapsed)
	}
	if s := f.o.Statistics(); s.Timeouts != 3 || s.Matches != 0 {
		t.Errorf("Timeouts/Matches = %d/%d, want 3/0", s.Timeouts, s.Matches)
	}
}

func TestStopAbandonsProviderIgnoringContext(t *testing.T) {
	cfg := testScan()
	cfg.Sequential = false
	cfg.AnalysisWorkers = 1
	cfg.AnalysisTimeout = 10 * time.Millisecond
	cfg.AnalysisWait = 30 * time.Millisecond
	cfg.DrainTimeout = 200 * time.Millisecond

	regions := makeRegions(2)
	an := &mockAnalyzer{block: make(chan struct{}), entered: make(chan struct{})}
	defer close(an.block)

	o, err := New(cfg, regions, Deps{
		Capturer: newMockCapturer(regions),
		Analyzer: an,
		Matcher:  analysis.NewPatternMatcher([]string{hitText}),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-an.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("analyzer never called")
	}

	stopped := make(chan struct{})
	go func() {
		o.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop() still blocked with DrainTimeout %v", cfg.DrainTimeout)
	}
	if o.State() != StateStopped {
		t.Errorf("State = %v, want stopped", o.State())
	}
}

// brokenClock panics while broken is set.
type brokenClock struct{ broken atomic.Bool }

func (c *brokenClock) Now() time.Time {
	if c.broken.Load() {
		panic("clock broke")
	}
	return time.Now()
}

func TestLoopPanicEndsInStopped(t *testing.T) {
	cfg := testScan()
	cfg.BaseInterval = 5 * time.Millisecond
	cfg.MinInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond

	regions := makeRegions(2)
	clk := &brokenClock{}
	o, err := New(cfg, regions, Deps{
		Capturer: newMockCapturer(regions),
		Analyzer: &mockAnalyzer{},
		Matcher:  analysis.NewPatternMatcher([]string{hitText}),
		Clock:    clk.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for o.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	clk.broken.Store(true)
	for o.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	clk.broken.Store(false)

	if !apperr.IsCode(o.Err(), apperr.Internal) {
		t.Fatalf("Err() = %v, want Internal", o.Err())
	}
	if o.State() != StateStopped {
		t.Errorf("State = %v after loop abort, want stopped", o.State())
	}

	stopped := make(chan struct{})
	go func() {
		o.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() blocked after loop abort")
	}

	s := o.Statistics()
	if s.State != "stopped" {
		t.Errorf("Statistics().State = %q, want stopped", s.State)
	}
	if s.Changes != 2 {
		t.Errorf("Changes = %d, want 2 from init", s.Changes)
	}
	if err := o.Start(context.Background()); !apperr.IsCode(err, apperr.Unavailable) {
		t.Errorf("Start() after abort = %v, want Unavailable", err)
	}
}

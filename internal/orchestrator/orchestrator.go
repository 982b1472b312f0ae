// Package orchestrator drives the scan loop over all monitored regions.
package orchestrator

import (
	"context"
	"image"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/regionwatch/internal/analysis"
	"github.com/GriffinCanCode/regionwatch/internal/change"
	"github.com/GriffinCanCode/regionwatch/internal/config"
	apperr "github.com/GriffinCanCode/regionwatch/internal/errors"
	"github.com/GriffinCanCode/regionwatch/internal/priority"
	"github.com/GriffinCanCode/regionwatch/internal/queue"
	"github.com/GriffinCanCode/regionwatch/internal/region"
	"github.com/GriffinCanCode/regionwatch/internal/schedule"
	"github.com/GriffinCanCode/regionwatch/internal/screen"
	"github.com/GriffinCanCode/regionwatch/internal/syncx"
)

// State is the lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateInit
	StateRunning
	StateStopped
)

func (s State) String() string {
	return [...]string{"idle", "init", "running", "stopped"}[s]
}

// Deps are the providers owned by the caller. Clock is optional.
type Deps struct {
	Capturer screen.Capturer
	Analyzer analysis.Analyzer
	Matcher  analysis.Matcher
	Clock    func() time.Time
}

// Statistics is a point-in-time snapshot of every counter the loop keeps.
type Statistics struct {
	State             string        `json:"state"`
	Cycles            int64         `json:"cycles"`
	Changes           int64         `json:"changes"`
	Matches           int64         `json:"matches"`
	SkippedByChange   int64         `json:"skipped_by_change"`
	SkippedByPriority int64         `json:"skipped_by_priority"`
	CaptureErrors     int64         `json:"capture_errors"`
	AnalysisErrors    int64         `json:"analysis_errors"`
	Timeouts          int64         `json:"timeouts"`
	Backpressure      int64         `json:"backpressure"`
	GatedCycles       int64         `json:"gated_cycles"`
	WorkerPanics      int64         `json:"worker_panics"`
	AvgCycleTime      time.Duration `json:"avg_cycle_time"`

	Change   change.Stats         `json:"change"`
	Priority priority.Stats       `json:"priority"`
	Queue    queue.Stats          `json:"queue"`
	Cache    *analysis.CacheStats `json:"cache,omitempty"`
}

type counters struct {
	cycles            atomic.Int64
	changes           atomic.Int64
	matches           atomic.Int64
	skippedByChange   atomic.Int64
	skippedByPriority atomic.Int64
	captureErrors     atomic.Int64
	analysisErrors    atomic.Int64
	timeouts          atomic.Int64
	backpressure      atomic.Int64
	gatedCycles       atomic.Int64
}

// Orchestrator owns the change detector, priority manager, scheduling
// strategy, result queue and the two worker pools.
type Orchestrator struct {
	cfg     config.Scan
	ids     []string
	bounds  map[string]image.Rectangle
	now     func() time.Time
	capture screen.Capturer
	analyze analysis.Analyzer
	matcher analysis.Matcher

	detector *change.Detector
	priority *priority.Manager
	strategy *schedule.Strategy
	results  *queue.Queue

	capturePool  *Pool
	analysisPool *Pool

	lifecycle sync.Mutex
	state     atomic.Int32
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	cancel    context.CancelFunc
	err       *syncx.Guard[error]
	cycleTime *syncx.EMA
	stats     counters
}

// New validates cfg and wires the components. Providers are used as-is and
// never closed by the orchestrator.
func New(cfg config.Scan, regions []region.Region, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Capturer == nil || deps.Analyzer == nil || deps.Matcher == nil {
		return nil, apperr.New(apperr.InvalidArgument, "capturer, analyzer and matcher are required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	if cfg.DebugDumpDir != "" {
		if err := os.MkdirAll(cfg.DebugDumpDir, 0o755); err != nil {
			return nil, apperr.Wrapf(err, apperr.ConfigInvalid, "create debug dump dir %s", cfg.DebugDumpDir).
				WithMetadata("field", "debug_dump_dir")
		}
	}

	o := &Orchestrator{
		cfg:       cfg,
		ids:       region.IDs(regions),
		bounds:    make(map[string]image.Rectangle, len(regions)),
		now:       now,
		capture:   deps.Capturer,
		analyze:   deps.Analyzer,
		matcher:   deps.Matcher,
		detector:  change.New(cfg.ChangeThreshold).WithClock(now).WithAdaptive(cfg.AdaptiveThreshold),
		priority:  priority.New(cfg).WithClock(now),
		results:   queue.New(cfg.QueueCapacity, cfg.DropPolicy),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		cancel:    func() {},
		err:       syncx.NewGuard[error](nil),
		cycleTime: syncx.NewEMA(CycleTimeAlpha),
	}
	for _, r := range regions {
		if _, dup := o.bounds[r.ID]; dup {
			return nil, apperr.Newf(apperr.InvalidArgument, "duplicate region %q", r.ID)
		}
		o.bounds[r.ID] = r.Bounds
		o.priority.Register(r.ID)
	}
	o.strategy = schedule.New(o.priority, cfg.FullSweepInterval).WithClock(now)
	if !cfg.Sequential {
		o.capturePool = NewPool("capture", cfg.CaptureWorkers)
		o.analysisPool = NewPool("analysis", cfg.AnalysisWorkers)
	}

	return o, nil
}

// Start runs INIT and then the scan loop in the background. Calling Start
// again while running is a no-op; a stopped orchestrator cannot be restarted.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateInit)) {
		if o.State() == StateStopped {
			return apperr.New(apperr.Unavailable, "orchestrator stopped")
		}
		return nil
	}

	ctx, o.cancel = context.WithCancel(ctx)
	slog.Info("scan loop starting",
		"regions", len(o.ids),
		"sequential", o.cfg.Sequential,
		"capture_workers", o.cfg.CaptureWorkers,
		"analysis_workers", o.cfg.AnalysisWorkers,
	)
	go o.run(ctx)
	return nil
}

// Stop signals the loop and waits up to DrainTimeout, in total, for the
// current cycle and the pool workers. Workers stuck past that are abandoned.
// Safe to call more than once, before Start, and after the loop aborted.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.lifecycle.Lock()
		defer o.lifecycle.Unlock()

		prev := State(o.state.Swap(int32(StateStopped)))
		close(o.stopCh)
		deadline := time.Now().Add(o.cfg.DrainTimeout)

		if prev != StateIdle {
			select {
			case <-o.done:
			case <-time.After(o.cfg.DrainTimeout):
				slog.Warn("scan loop did not drain in time", "timeout", o.cfg.DrainTimeout)
			}
			o.cancel()
		}
		if o.capturePool != nil {
			o.capturePool.Close(time.Until(deadline))
			o.analysisPool.Close(time.Until(deadline))
		}

		s := o.Statistics()
		slog.Info("scan loop stopped",
			"cycles", s.Cycles,
			"changes", s.Changes,
			"matches", s.Matches,
			"skipped_by_change", s.SkippedByChange,
			"skipped_by_priority", s.SkippedByPriority,
			"capture_errors", s.CaptureErrors,
			"analysis_errors", s.AnalysisErrors,
			"dropped", s.Queue.Dropped,
			"avg_cycle_time", s.AvgCycleTime,
		)
	})
}

// Err reports the failure that ended the loop early, if any.
func (o *Orchestrator) Err() error {
	return o.err.Get()
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// NextResult waits up to timeout for a published outcome.
func (o *Orchestrator) NextResult(timeout time.Duration) (queue.Outcome, bool) {
	return o.results.Next(timeout)
}

// Rankings returns activity records of the top regions by score.
func (o *Orchestrator) Rankings(limit int) []priority.ActivityRecord {
	ids := o.priority.Ranked(o.ids, limit)
	out := make([]priority.ActivityRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := o.priority.Record(id); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Statistics snapshots all counters.
func (o *Orchestrator) Statistics() Statistics {
	s := Statistics{
		State:             o.State().String(),
		Cycles:            o.stats.cycles.Load(),
		Changes:           o.stats.changes.Load(),
		Matches:           o.stats.matches.Load(),
		SkippedByChange:   o.stats.skippedByChange.Load(),
		SkippedByPriority: o.stats.skippedByPriority.Load(),
		CaptureErrors:     o.stats.captureErrors.Load(),
		AnalysisErrors:    o.stats.analysisErrors.Load(),
		Timeouts:          o.stats.timeouts.Load(),
		Backpressure:      o.stats.backpressure.Load(),
		GatedCycles:       o.stats.gatedCycles.Load(),
		AvgCycleTime:      o.cycleTime.Value(),
		Change:            o.detector.Stats(),
		Priority:          o.priority.Statistics(),
		Queue:             o.results.Stats(),
	}
	if o.capturePool != nil {
		s.WorkerPanics = o.capturePool.Panics() + o.analysisPool.Panics()
	}
	if c, ok := o.analyze.(interface{ Stats() analysis.CacheStats }); ok {
		cs := c.Stats()
		s.Cache = &cs
	}
	return s
}

func (o *Orchestrator) stopping() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d, returning early on stop or ctx cancellation.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-o.stopCh:
	case <-ctx.Done():
	}
}

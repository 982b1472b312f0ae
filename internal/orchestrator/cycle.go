package orchestrator

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/GriffinCanCode/regionwatch/internal/analysis"
	apperr "github.com/GriffinCanCode/regionwatch/internal/errors"
	"github.com/GriffinCanCode/regionwatch/internal/queue"
	"github.com/GriffinCanCode/regionwatch/internal/resilience"
	"github.com/GriffinCanCode/regionwatch/internal/trace"
)

type frame struct {
	id  string
	img image.Image
	err error
}

type verdict struct {
	id          string
	result      analysis.Result
	match       bool
	err         error
	latency     time.Duration
	fingerprint string
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)
	defer func() {
		if r := recover(); r != nil {
			err := apperr.Newf(apperr.Internal, "scan loop panic: %v", r)
			o.err.Set(err)
			o.state.Store(int32(StateStopped))
			trace.Logger(ctx).Error("scan loop aborted", "error", err)
		}
	}()

	o.initialize(ctx)
	o.state.CompareAndSwap(int32(StateInit), int32(StateRunning))

	for !o.stopping() && ctx.Err() == nil {
		elapsed := o.cycle(ctx)
		o.sleep(ctx, o.cfg.BaseInterval-elapsed)
	}
}

// initialize forces one pass over every region the detector has not seen,
// in batches of InitBatchSize, re-running leftovers up to InitRetries times.
func (o *Orchestrator) initialize(ctx context.Context) {
	ctx, span := trace.StartSpan(ctx, "scan_init")
	defer span.EndWithLog(ctx)
	log := trace.Logger(ctx)

	pending := o.detector.Uninitialized(o.ids)
	span.SetAttr("regions", len(pending))
	pass := 0

	err := resilience.Retry(ctx, resilience.InitRetryConfig(o.cfg.InitRetries), func() error {
		pass++
		for start := 0; start < len(pending); start += o.cfg.InitBatchSize {
			if o.stopping() {
				return nil
			}
			batch := pending[start:min(start+o.cfg.InitBatchSize, len(pending))]
			for _, id := range batch {
				o.priority.MarkScanned(id)
			}
			o.process(ctx, InitCyclePrefix+uuid.NewString(), batch)
		}

		pending = o.detector.Uninitialized(pending)
		if len(pending) > 0 && !o.stopping() {
			log.Debug("init pass incomplete", "pass", pass, "remaining", len(pending))
			return apperr.Newf(apperr.Capture, "%d regions not initialized", len(pending))
		}
		return nil
	})
	if err != nil {
		log.Warn("init finished with uninitialized regions", "regions", pending, "passes", pass, "error", err)
		return
	}
	log.Info("init complete", "regions", len(o.ids), "passes", pass)
}

// cycle runs SELECT through feedback once and returns its duration.
func (o *Orchestrator) cycle(ctx context.Context) time.Duration {
	start := o.now()
	ctx, span := trace.StartSpan(ctx, "scan_cycle")
	defer span.End()
	log := trace.Logger(ctx)

	batch := o.cfg.MaxBatch
	if fill := o.results.Fill(); fill > o.cfg.BackpressureRatio {
		batch = max(1, batch/2)
		o.stats.backpressure.Add(1)
		log.Debug("result queue backpressure", "fill", fill, "batch", batch)
		o.sleep(ctx, o.cfg.BackpressurePause)
	}

	sel := o.strategy.CellsToScan(o.ids, batch)
	o.stats.skippedByPriority.Add(int64(sel.Skipped))
	span.SetAttr("cycle_id", sel.CycleID)
	span.SetAttr("selected", len(sel.IDs))
	span.SetAttr("full_sweep", sel.FullSweep)

	if len(sel.IDs) > 0 {
		o.process(ctx, sel.CycleID, sel.IDs)
	}

	elapsed := o.now().Sub(start)
	o.stats.cycles.Add(1)
	o.cycleTime.Observe(elapsed)
	return elapsed
}

// process captures, filters, analyzes, publishes and reports one batch.
func (o *Orchestrator) process(ctx context.Context, cycleID string, ids []string) {
	ctx = trace.WithCycle(ctx, cycleID)
	log := trace.Logger(ctx)

	frames, missed := fanOut(ctx, o.capturePool, o.cfg.CaptureWait, ids, func(id string) frame {
		return o.grab(ctx, id)
	})
	if missed > 0 {
		o.stats.timeouts.Add(int64(missed))
		log.Debug("capture wait expired", "missing", missed)
	}

	feedback := make(map[string]bool, len(ids))
	changed := make([]frame, 0, len(frames))
	for _, f := range frames {
		if f.err != nil {
			o.stats.captureErrors.Add(1)
			log.Debug("capture failed", "region", f.id, "error", f.err)
			continue
		}
		if !o.detector.HasChanged(f.id, f.img) {
			o.stats.skippedByChange.Add(1)
			feedback[f.id] = false
			continue
		}
		o.stats.changes.Add(1)
		feedback[f.id] = false
		changed = append(changed, f)
	}
	o.dump(ctx, cycleID, changed)

	verdicts, missed := fanOut(ctx, o.analysisPool, o.cfg.AnalysisWait, changed, func(f frame) verdict {
		return o.recognize(ctx, f)
	})
	if missed > 0 {
		o.stats.timeouts.Add(int64(missed))
		log.Debug("analysis wait expired", "missing", missed)
	}

	var matched []queue.Outcome
	for _, v := range verdicts {
		if v.err != nil {
			o.stats.analysisErrors.Add(1)
			log.Debug("analysis failed", "region", v.id, "error", v.err)
			continue
		}
		feedback[v.id] = v.match
		if v.match {
			matched = append(matched, queue.Outcome{
				ID:          uuid.NewString(),
				CycleID:     cycleID,
				RegionID:    v.id,
				HadMatch:    true,
				Text:        v.result.Text,
				Confidence:  v.result.Confidence,
				Latency:     v.latency,
				Fingerprint: v.fingerprint,
				DetectedAt:  o.now(),
			})
		}
	}
	for _, f := range changed {
		o.detector.Tune(f.id, feedback[f.id])
	}

	o.stats.matches.Add(int64(len(matched)))
	o.publish(ctx, cycleID, matched)
	o.strategy.ReportResults(feedback)
}

func (o *Orchestrator) grab(ctx context.Context, id string) frame {
	ctx, cancel := context.WithTimeout(trace.WithRegion(ctx, id), o.cfg.CaptureTimeout)
	defer cancel()

	var img image.Image
	err := protect(func() error {
		var err error
		img, err = o.capture.Capture(ctx, o.bounds[id])
		return err
	})
	return frame{id: id, img: img, err: err}
}

func (o *Orchestrator) recognize(ctx context.Context, f frame) verdict {
	ctx, cancel := context.WithTimeout(trace.WithRegion(ctx, f.id), o.cfg.AnalysisTimeout)
	defer cancel()

	v := verdict{id: f.id}
	start := time.Now()
	v.err = protect(func() error {
		var err error
		v.result, err = o.analyze.Analyze(ctx, f.img)
		if err != nil {
			return err
		}
		v.latency = time.Since(start)
		if v.match = o.matcher.Match(v.result.Text); v.match {
			if v.fingerprint, err = analysis.Fingerprint(f.img); err != nil {
				trace.Logger(ctx).Debug("fingerprint failed", "error", err)
			}
		}
		return nil
	})
	return v
}

// publish pushes matched outcomes; a full queue drops rather than blocks.
func (o *Orchestrator) publish(ctx context.Context, cycleID string, matched []queue.Outcome) {
	if len(matched) == 0 {
		return
	}
	log := trace.Logger(ctx)
	if n := o.cfg.MinSimultaneousMatches; n > 0 && len(matched) < n {
		o.stats.gatedCycles.Add(1)
		log.Debug("cycle below simultaneous match gate", "matches", len(matched), "required", n)
		return
	}

	for _, out := range matched {
		log.Info("match", "region", out.RegionID, "text", out.Text, "confidence", out.Confidence)
		if err := o.results.Publish(ctx, out, o.cfg.PublishTimeout); err != nil {
			log.Warn("outcome not published", "region", out.RegionID, "error", err)
		}
	}
}

// dump writes changed frames as PNG when a debug directory is configured.
func (o *Orchestrator) dump(ctx context.Context, cycleID string, frames []frame) {
	if o.cfg.DebugDumpDir == "" {
		return
	}
	prefix := cycleID
	if len(prefix) > dumpIDLen {
		prefix = prefix[len(prefix)-dumpIDLen:]
	}
	for _, f := range frames {
		path := filepath.Join(o.cfg.DebugDumpDir, fmt.Sprintf(DumpFileFormat, prefix, f.id))
		if err := imaging.Save(f.img, path); err != nil {
			trace.Logger(ctx).Warn("debug dump failed", "region", f.id, "path", path, "error", err)
		}
	}
}

// fanOut runs fn over items on p (inline when p is nil) and collects what
// finishes within wait. It returns the results and the number missing.
func fanOut[In, Out any](ctx context.Context, p *Pool, wait time.Duration, items []In, fn func(In) Out) ([]Out, int) {
	if len(items) == 0 {
		return nil, 0
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ch := make(chan Out, len(items))
	submitted := 0
	for _, it := range items {
		task := func() { ch <- fn(it) }
		if p == nil {
			task()
		} else if !p.Submit(ctx, task) {
			break
		}
		submitted++
	}

	out := make([]Out, 0, submitted)
	for len(out) < submitted {
		select {
		case r := <-ch:
			out = append(out, r)
			continue
		default:
		}
		select {
		case r := <-ch:
			out = append(out, r)
		case <-ctx.Done():
			return out, len(items) - len(out)
		}
	}
	return out, len(items) - len(out)
}

// protect converts a panic in fn into an Internal error.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Newf(apperr.Internal, "task panic: %v", r)
		}
	}()
	return fn()
}

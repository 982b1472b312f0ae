// Package queue is the bounded hand-off between the scan loop and outcome consumers.
package queue

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/regionwatch/internal/config"
	apperr "github.com/GriffinCanCode/regionwatch/internal/errors"
)

// Outcome is one analyzed region result.
type Outcome struct {
	ID          string        `json:"id"`
	CycleID     string        `json:"cycle_id"`
	RegionID    string        `json:"region_id"`
	HadMatch    bool          `json:"had_match"`
	Text        string        `json:"text"`
	Confidence  float64       `json:"confidence"`
	Latency     time.Duration `json:"latency"`
	Fingerprint string        `json:"fingerprint,omitempty"` // perceptual hash of the matched frame
	DetectedAt  time.Time     `json:"detected_at"`
}

// Stats are cumulative queue counters plus current occupancy.
type Stats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Evicted   int64 `json:"evicted"`
	Len       int   `json:"len"`
	Cap       int   `json:"cap"`
}

// Queue is a fixed-capacity FIFO. Publishers never block past their timeout.
type Queue struct {
	ch     chan Outcome
	policy config.DropPolicy

	published atomic.Int64
	dropped   atomic.Int64
	evicted   atomic.Int64
}

// New creates a queue. Capacity below 1 is raised to 1.
func New(capacity int, policy config.DropPolicy) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if policy != config.DropOldest {
		policy = config.DropNewest
	}
	return &Queue{ch: make(chan Outcome, capacity), policy: policy}
}

// Publish enqueues o, waiting up to timeout for space. When the queue stays
// full the drop policy decides which outcome is lost and a QueueSaturated
// error is returned.
func (q *Queue) Publish(ctx context.Context, o Outcome, timeout time.Duration) error {
	select {
	case q.ch <- o:
		q.published.Add(1)
		return nil
	default:
	}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case q.ch <- o:
			q.published.Add(1)
			return nil
		case <-ctx.Done():
			q.dropped.Add(1)
			return apperr.Wrap(ctx.Err(), apperr.Cancelled, "publish cancelled").WithRegion(o.RegionID)
		case <-timer.C:
		}
	}

	if q.policy == config.DropOldest && q.evictOne() {
		select {
		case q.ch <- o:
			q.published.Add(1)
			q.dropped.Add(1)
			slog.Warn("result queue full, dropped oldest outcome", "region", o.RegionID, "capacity", cap(q.ch))
			return apperr.New(apperr.QueueSaturated, "result queue full, oldest outcome dropped").WithRegion(o.RegionID)
		default:
		}
	}

	q.dropped.Add(1)
	slog.Warn("result queue full, dropped outcome", "region", o.RegionID, "capacity", cap(q.ch))
	return apperr.New(apperr.QueueSaturated, "result queue full, outcome dropped").WithRegion(o.RegionID)
}

// Next waits up to timeout for an outcome. A non-positive timeout polls.
func (q *Queue) Next(timeout time.Duration) (Outcome, bool) {
	if timeout <= 0 {
		select {
		case o := <-q.ch:
			return o, true
		default:
			return Outcome{}, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-q.ch:
		return o, true
	case <-timer.C:
		return Outcome{}, false
	}
}

// Len is the current number of queued outcomes.
func (q *Queue) Len() int { return len(q.ch) }

// Cap is the fixed capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Fill is Len/Cap in [0, 1].
func (q *Queue) Fill() float64 { return float64(len(q.ch)) / float64(cap(q.ch)) }

// Stats returns the counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Published: q.published.Load(),
		Dropped:   q.dropped.Load(),
		Evicted:   q.evicted.Load(),
		Len:       len(q.ch),
		Cap:       cap(q.ch),
	}
}

func (q *Queue) evictOne() bool {
	select {
	case <-q.ch:
		q.evicted.Add(1)
		return true
	default:
		return false
	}
}

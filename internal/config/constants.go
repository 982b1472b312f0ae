// Package config handles regionwatch configuration
package config

import "time"

// Scan defaults
const (
	DefaultBaseInterval      = 300 * time.Millisecond
	DefaultMinInterval       = 100 * time.Millisecond
	DefaultMaxInterval       = 2 * time.Second
	DefaultChangeThreshold   = 0.05
	DefaultFullSweepInterval = 10 * time.Second
	DefaultMaxBatch          = 15
	DefaultCaptureWorkers    = 4
	DefaultAnalysisWorkers   = 2
	DefaultQueueCapacity     = 100
	DefaultRecencyWindow     = 5 * time.Minute

	// INIT pass
	DefaultInitBatchSize = 5
	DefaultInitRetries   = 2

	// Bounded waits
	DefaultCaptureTimeout  = 500 * time.Millisecond
	DefaultCaptureWait     = time.Second
	DefaultAnalysisTimeout = 1500 * time.Millisecond
	DefaultAnalysisWait    = 2 * time.Second
	DefaultPublishTimeout  = 100 * time.Millisecond
	DefaultDrainTimeout    = 3 * time.Second

	// Backpressure
	DefaultBackpressureRatio = 0.8
	DefaultBackpressurePause = 50 * time.Millisecond
)

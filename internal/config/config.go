// Package config handles regionwatch configuration
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	apperr "github.com/GriffinCanCode/regionwatch/internal/errors"
)

// DropPolicy selects what happens to an outcome when the result queue stays full.
type DropPolicy string

const (
	DropNewest DropPolicy = "newest"
	DropOldest DropPolicy = "oldest"
)

// Weights are the activity score coefficients.
type Weights struct {
	Recency    float64
	Frequency  float64
	Cumulative float64
}

// Scan is the validated configuration handed to the orchestrator once at construction.
type Scan struct {
	BaseInterval      time.Duration
	MinInterval       time.Duration
	MaxInterval       time.Duration
	ChangeThreshold   float64 // fraction of changed pixels
	FullSweepInterval time.Duration
	MaxBatch          int
	CaptureWorkers    int
	AnalysisWorkers   int
	QueueCapacity     int
	RecencyWindow     time.Duration
	Weights           Weights

	InitBatchSize     int
	InitRetries       int
	CaptureTimeout    time.Duration // per region
	CaptureWait       time.Duration // fan-in bound for a whole batch
	AnalysisTimeout   time.Duration
	AnalysisWait      time.Duration
	PublishTimeout    time.Duration
	BackpressureRatio float64
	BackpressurePause time.Duration
	DrainTimeout      time.Duration
	DropPolicy        DropPolicy

	Sequential             bool
	DebugDumpDir           string
	MinSimultaneousMatches int
	AdaptiveThreshold      bool
}

// Config is the process-level configuration.
type Config struct {
	HTTPAddr        string
	AnalyzerAddr    string
	LogLevel        string
	LogFormat       string
	Regions         string // "id=x,y,w,h;id=x,y,w,h"
	Grid            string // "x,y,w,h:rows:cols"
	CaptureImage    string // capture from this file instead of the display
	TriggerPatterns []string
	CacheSize       int
	CacheTTL        time.Duration
	Scan            Scan
}

// DefaultScan returns the scan defaults.
func DefaultScan() Scan {
	return Scan{
		BaseInterval:      DefaultBaseInterval,
		MinInterval:       DefaultMinInterval,
		MaxInterval:       DefaultMaxInterval,
		ChangeThreshold:   DefaultChangeThreshold,
		FullSweepInterval: DefaultFullSweepInterval,
		MaxBatch:          DefaultMaxBatch,
		CaptureWorkers:    DefaultCaptureWorkers,
		AnalysisWorkers:   DefaultAnalysisWorkers,
		QueueCapacity:     DefaultQueueCapacity,
		RecencyWindow:     DefaultRecencyWindow,
		Weights:           Weights{Recency: 0.5, Frequency: 0.3, Cumulative: 0.2},
		InitBatchSize:     DefaultInitBatchSize,
		InitRetries:       DefaultInitRetries,
		CaptureTimeout:    DefaultCaptureTimeout,
		CaptureWait:       DefaultCaptureWait,
		AnalysisTimeout:   DefaultAnalysisTimeout,
		AnalysisWait:      DefaultAnalysisWait,
		PublishTimeout:    DefaultPublishTimeout,
		BackpressureRatio: DefaultBackpressureRatio,
		BackpressurePause: DefaultBackpressurePause,
		DrainTimeout:      DefaultDrainTimeout,
		DropPolicy:        DropNewest,
	}
}

func Load() *Config {
	def := DefaultScan()
	return &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8000"),
		AnalyzerAddr:    getEnv("ANALYZER_ADDR", "localhost:50051"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		Regions:         getEnv("REGIONS", ""),
		Grid:            getEnv("GRID", ""),
		CaptureImage:    getEnv("CAPTURE_IMAGE", ""),
		TriggerPatterns: getEnvList("TRIGGER_PATTERNS", []string{"들어왔습니다"}),
		CacheSize:       getEnvInt("ANALYSIS_CACHE_SIZE", 256),
		CacheTTL:        getEnvSeconds("ANALYSIS_CACHE_TTL_SEC", 5*time.Minute),
		Scan: Scan{
			BaseInterval:      getEnvSeconds("BASE_INTERVAL_SEC", def.BaseInterval),
			MinInterval:       getEnvSeconds("MIN_INTERVAL_SEC", def.MinInterval),
			MaxInterval:       getEnvSeconds("MAX_INTERVAL_SEC", def.MaxInterval),
			ChangeThreshold:   getEnvFloat("CHANGE_THRESHOLD", def.ChangeThreshold),
			FullSweepInterval: getEnvSeconds("FULL_SWEEP_INTERVAL_SEC", def.FullSweepInterval),
			MaxBatch:          getEnvInt("MAX_BATCH", def.MaxBatch),
			CaptureWorkers:    getEnvInt("CAPTURE_WORKERS", def.CaptureWorkers),
			AnalysisWorkers:   getEnvInt("ANALYSIS_WORKERS", def.AnalysisWorkers),
			QueueCapacity:     getEnvInt("RESULT_QUEUE_CAPACITY", def.QueueCapacity),
			RecencyWindow:     getEnvSeconds("RECENCY_WINDOW_SEC", def.RecencyWindow),
			Weights: Weights{
				Recency:    getEnvFloat("SCORE_WEIGHT_RECENCY", def.Weights.Recency),
				Frequency:  getEnvFloat("SCORE_WEIGHT_FREQUENCY", def.Weights.Frequency),
				Cumulative: getEnvFloat("SCORE_WEIGHT_CUMULATIVE", def.Weights.Cumulative),
			},
			InitBatchSize:          getEnvInt("INIT_BATCH_SIZE", def.InitBatchSize),
			InitRetries:            getEnvInt("INIT_RETRIES", def.InitRetries),
			CaptureTimeout:         getEnvSeconds("CAPTURE_TIMEOUT_SEC", def.CaptureTimeout),
			CaptureWait:            getEnvSeconds("CAPTURE_WAIT_SEC", def.CaptureWait),
			AnalysisTimeout:        getEnvSeconds("ANALYSIS_TIMEOUT_SEC", def.AnalysisTimeout),
			AnalysisWait:           getEnvSeconds("ANALYSIS_WAIT_SEC", def.AnalysisWait),
			PublishTimeout:         getEnvSeconds("PUBLISH_TIMEOUT_SEC", def.PublishTimeout),
			BackpressureRatio:      getEnvFloat("BACKPRESSURE_RATIO", def.BackpressureRatio),
			BackpressurePause:      getEnvSeconds("BACKPRESSURE_PAUSE_SEC", def.BackpressurePause),
			DrainTimeout:           getEnvSeconds("DRAIN_TIMEOUT_SEC", def.DrainTimeout),
			DropPolicy:             DropPolicy(getEnv("DROP_POLICY", string(def.DropPolicy))),
			Sequential:             getEnvBool("SEQUENTIAL", false),
			DebugDumpDir:           getEnv("DEBUG_DUMP_DIR", ""),
			MinSimultaneousMatches: getEnvInt("MIN_SIMULTANEOUS_MATCHES", 0),
			AdaptiveThreshold:      getEnvBool("ADAPTIVE_THRESHOLD", false),
		},
	}
}

// Validate reports the first field that is out of range.
func (s Scan) Validate() error {
	switch {
	case s.MinInterval <= 0:
		return invalid("min_interval", "must be positive")
	case s.MaxInterval < s.MinInterval:
		return invalid("max_interval", "must be >= min_interval")
	case s.BaseInterval <= 0:
		return invalid("base_interval", "must be positive")
	case s.ChangeThreshold < 0 || s.ChangeThreshold > 1:
		return invalid("change_threshold", "must be within [0, 1]")
	case s.FullSweepInterval <= 0:
		return invalid("full_sweep_interval", "must be positive")
	case s.MaxBatch <= 0:
		return invalid("max_batch", "must be positive")
	case s.CaptureWorkers <= 0:
		return invalid("capture_workers", "must be positive")
	case s.AnalysisWorkers <= 0:
		return invalid("analysis_workers", "must be positive")
	case s.QueueCapacity <= 0:
		return invalid("result_queue_capacity", "must be positive")
	case s.RecencyWindow <= 0:
		return invalid("recency_window", "must be positive")
	case s.Weights.Recency < 0 || s.Weights.Frequency < 0 || s.Weights.Cumulative < 0:
		return invalid("score_weights", "must be non-negative")
	case s.Weights.Recency+s.Weights.Frequency+s.Weights.Cumulative > 1+1e-9:
		return invalid("score_weights", "must sum to at most 1")
	case s.InitBatchSize <= 0:
		return invalid("init_batch_size", "must be positive")
	case s.InitRetries < 0:
		return invalid("init_retries", "must be non-negative")
	case s.CaptureTimeout <= 0 || s.CaptureWait <= 0:
		return invalid("capture_timeout", "must be positive")
	case s.AnalysisTimeout <= 0 || s.AnalysisWait <= 0:
		return invalid("analysis_timeout", "must be positive")
	case s.PublishTimeout < 0:
		return invalid("publish_timeout", "must be non-negative")
	case s.BackpressureRatio <= 0 || s.BackpressureRatio > 1:
		return invalid("backpressure_ratio", "must be within (0, 1]")
	case s.DropPolicy != DropNewest && s.DropPolicy != DropOldest:
		return invalid("drop_policy", "must be newest or oldest")
	case s.MinSimultaneousMatches < 0:
		return invalid("min_simultaneous_matches", "must be non-negative")
	}
	return nil
}

func invalid(field, reason string) error {
	return apperr.Newf(apperr.ConfigInvalid, "%s %s", field, reason).WithMetadata("field", field)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvSeconds reads a (fractional) number of seconds.
func getEnvSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				result = append(result, s)
			}
		}
		return result
	}
	return def
}

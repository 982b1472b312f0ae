package resilience

import "time"

// Circuit breaker configuration constants
const (
	// Default configuration
	DefaultThreshold         = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultHalfOpenSuccesses = 3

	// Analyzer: the OCR backend sits on the hot path of every cycle, so give up fast
	AnalyzerThreshold         = 3
	AnalyzerResetTimeout      = 5 * time.Second
	AnalyzerHalfOpenSuccesses = 1

	// Capture: transient display errors are common during resolution changes
	CaptureThreshold         = 8
	CaptureResetTimeout      = 2 * time.Second
	CaptureHalfOpenSuccesses = 2
)

// Config holds circuit breaker settings.
type Config struct {
	Name              string        // appears in state change logs
	Threshold         int           // failures before opening
	ResetTimeout      time.Duration // wait before half-open attempt
	HalfOpenSuccesses int           // successes needed to close
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		Name:              "default",
		Threshold:         DefaultThreshold,
		ResetTimeout:      DefaultResetTimeout,
		HalfOpenSuccesses: DefaultHalfOpenSuccesses,
	}
}

// AnalyzerConfig returns settings for the remote analyzer connection.
func AnalyzerConfig() Config {
	return Config{
		Name:              "analyzer",
		Threshold:         AnalyzerThreshold,
		ResetTimeout:      AnalyzerResetTimeout,
		HalfOpenSuccesses: AnalyzerHalfOpenSuccesses,
	}
}

// CaptureConfig returns settings for the screen capture source.
func CaptureConfig() Config {
	return Config{
		Name:              "capture",
		Threshold:         CaptureThreshold,
		ResetTimeout:      CaptureResetTimeout,
		HalfOpenSuccesses: CaptureHalfOpenSuccesses,
	}
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	return c
}

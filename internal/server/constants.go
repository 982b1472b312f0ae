// Package server exposes scan outcomes and diagnostics over HTTP and WebSocket.
package server

import "time"

// Server configuration constants
const (
	// Per-connection inbound websocket rate limiting
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Outcome pump
	PollInterval = 200 * time.Millisecond

	// Query defaults and caps
	DefaultOutcomeWindow = 5 * time.Minute
	MaxOutcomeWindow     = time.Hour
	DefaultRankingLimit  = 20

	WriteTimeout       = 5 * time.Second
	HealthCheckTimeout = 2 * time.Second
)

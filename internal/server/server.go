// Package server exposes scan outcomes and diagnostics over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	apperr "github.com/GriffinCanCode/regionwatch/internal/errors"
	"github.com/GriffinCanCode/regionwatch/internal/history"
	"github.com/GriffinCanCode/regionwatch/internal/orchestrator"
	"github.com/GriffinCanCode/regionwatch/internal/priority"
	"github.com/GriffinCanCode/regionwatch/internal/queue"
	"github.com/GriffinCanCode/regionwatch/internal/trace"
)

// Scanner is the part of the orchestrator the server reads from.
type Scanner interface {
	NextResult(timeout time.Duration) (queue.Outcome, bool)
	Statistics() orchestrator.Statistics
	Rankings(limit int) []priority.ActivityRecord
}

// Message types.
type Message struct {
	Type string `json:"type"`
}

type RecentRequest struct {
	Type    string `json:"type"`
	Seconds int    `json:"seconds"`
	TraceID string `json:"trace_id,omitempty"`
}

type OutcomeMessage struct {
	Type    string        `json:"type"`
	Outcome queue.Outcome `json:"outcome"`
}

type RecentMessage struct {
	Type     string          `json:"type"`
	Outcomes []queue.Outcome `json:"outcomes"`
}

type StatsMessage struct {
	Type  string                  `json:"type"`
	Stats orchestrator.Statistics `json:"stats"`
}

type PongMessage struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	scan   Scanner
	hist   *history.Store
	health func(context.Context) error

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// New creates a server over scan, recording drained outcomes into hist.
func New(scan Scanner, hist *history.Store) *Server {
	return &Server{
		scan:  scan,
		hist:  hist,
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// WithHealth adds a dependency probe to /healthz.
func (s *Server) WithHealth(fn func(context.Context) error) *Server {
	s.health = fn
	return s
}

// Pump drains the scanner's result queue into history until ctx is done.
func (s *Server) Pump(ctx context.Context) {
	for ctx.Err() == nil {
		out, ok := s.scan.NextResult(PollInterval)
		if !ok {
			continue
		}
		s.hist.Add(out)
	}
}

// Connections returns the number of open websocket clients.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/outcomes", s.handleOutcomes)
	mux.HandleFunc("GET /api/rankings", s.handleRankings)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := trace.Logger(ctx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// All writes go through one goroutine.
	out := make(chan any, 16)
	events, unsubscribe := s.hist.Subscribe()
	defer unsubscribe()
	go s.writeLoop(ctx, cancel, conn, out, events)

	rl := &rateLimiter{}
	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			send(ctx, out, ErrorMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			send(ctx, out, ErrorMessage{Type: "error", Message: "malformed message"})
			continue
		}

		switch base.Type {
		case "ping":
			send(ctx, out, PongMessage{Type: "pong"})
		case "stats":
			send(ctx, out, StatsMessage{Type: "stats", Stats: s.scan.Statistics()})
		case "recent":
			var req RecentRequest
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			reqCtx := ctx
			if tc, ok := trace.ExtractFromJSON(msg); ok {
				reqCtx = trace.WithContext(ctx, trace.NewChild(tc))
			}
			window := clampWindow(time.Duration(req.Seconds) * time.Second)
			trace.Logger(reqCtx).Debug("recent outcomes requested", "window", window)
			send(ctx, out, RecentMessage{Type: "recent", Outcomes: nonNil(s.hist.Recent(window))})
		default:
			send(ctx, out, ErrorMessage{Type: "error", Message: "unknown message type " + strconv.Quote(base.Type)})
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan any, events <-chan queue.Outcome) {
	defer cancel()
	for {
		var msg any
		select {
		case <-ctx.Done():
			return
		case m := <-out:
			msg = m
		case o, ok := <-events:
			if !ok {
				return
			}
			msg = OutcomeMessage{Type: "outcome", Outcome: o}
		}

		wctx, wcancel := context.WithTimeout(ctx, WriteTimeout)
		err := wsjson.Write(wctx, conn, msg)
		wcancel()
		if err != nil {
			slog.Debug("websocket write error", "error", err)
			return
		}
	}
}

func send(ctx context.Context, out chan<- any, msg any) {
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok", "state": s.scan.Statistics().State}
	status := http.StatusOK
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), HealthCheckTimeout)
		defer cancel()
		if err := s.health(ctx); err != nil {
			resp["status"] = "degraded"
			resp["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scan.Statistics())
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	window := DefaultOutcomeWindow
	if v := r.URL.Query().Get("seconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, apperr.Newf(apperr.InvalidArgument, "invalid seconds %q", v))
			return
		}
		window = clampWindow(time.Duration(n) * time.Second)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcomes": nonNil(s.hist.Recent(window)),
		"matches":  s.hist.MatchCounts(),
	})
}

func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	limit := DefaultRankingLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, apperr.Newf(apperr.InvalidArgument, "invalid limit %q", v))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.scan.Rankings(limit))
}

func clampWindow(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultOutcomeWindow
	}
	return min(d, MaxOutcomeWindow)
}

func nonNil(o []queue.Outcome) []queue.Outcome {
	if o == nil {
		return []queue.Outcome{}
	}
	return o
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if apperr.IsCode(err, apperr.InvalidArgument) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, ErrorMessage{Type: "error", Message: err.Error()})
}

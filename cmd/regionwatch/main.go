// regionwatch - adaptive region scanner that publishes trigger matches over HTTP/WebSocket
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GriffinCanCode/regionwatch/internal/analysis"
	"github.com/GriffinCanCode/regionwatch/internal/config"
	apperr "github.com/GriffinCanCode/regionwatch/internal/errors"
	"github.com/GriffinCanCode/regionwatch/internal/grpcclient"
	"github.com/GriffinCanCode/regionwatch/internal/history"
	"github.com/GriffinCanCode/regionwatch/internal/logging"
	"github.com/GriffinCanCode/regionwatch/internal/orchestrator"
	"github.com/GriffinCanCode/regionwatch/internal/region"
	"github.com/GriffinCanCode/regionwatch/internal/screen"
	"github.com/GriffinCanCode/regionwatch/internal/server"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		slog.Error("invalid logging configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := cfg.Scan.Validate(); err != nil {
		slog.Error("invalid scan configuration", "error", err)
		os.Exit(1)
	}

	regions, err := loadRegions(cfg)
	if err != nil {
		slog.Error("invalid regions", "error", err)
		os.Exit(1)
	}

	capturer, err := newCapturer(cfg)
	if err != nil {
		slog.Error("failed to open capture source", "error", err)
		os.Exit(1)
	}

	// Connect to OCR gRPC server
	ocr, err := grpcclient.New(cfg.AnalyzerAddr, grpcclient.DefaultConfig())
	if err != nil {
		slog.Error("failed to connect to analyzer", "addr", cfg.AnalyzerAddr, "error", err)
		os.Exit(1)
	}
	defer func() { _ = ocr.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ocr.StartHealthLoop(ctx)

	orch, err := orchestrator.New(cfg.Scan, regions, orchestrator.Deps{
		Capturer: capturer,
		Analyzer: analysis.NewCache(ocr, cfg.CacheSize, cfg.CacheTTL),
		Matcher:  analysis.NewPatternMatcher(cfg.TriggerPatterns),
	})
	if err != nil {
		slog.Error("failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	hist := history.NewStore(history.DefaultMaxEntries, history.DefaultEventBuffer)
	srv := server.New(orch, hist).WithHealth(ocr.Check)
	go srv.Pump(ctx)

	if err := orch.Start(ctx); err != nil {
		slog.Error("orchestrator error", "error", err)
		os.Exit(1)
	}

	// Start HTTP server
	httpServer := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     srv.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("regionwatch starting", "http", cfg.HTTPAddr, "analyzer", cfg.AnalyzerAddr, "regions", len(regions))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	orch.Stop()
	cancel()
	if err := orch.Err(); err != nil {
		slog.Error("scan loop ended with error", "error", err)
	}
	slog.Info("shutdown complete")
}

func loadRegions(cfg *config.Config) ([]region.Region, error) {
	switch {
	case cfg.Regions != "" && cfg.Grid != "":
		return nil, apperr.New(apperr.ConfigInvalid, "set either REGIONS or GRID, not both").WithMetadata("field", "regions")
	case cfg.Regions != "":
		return region.Parse(cfg.Regions)
	case cfg.Grid != "":
		return region.ParseGrid(cfg.Grid)
	default:
		return nil, apperr.New(apperr.ConfigInvalid, "no regions configured, set REGIONS or GRID").WithMetadata("field", "regions")
	}
}

func newCapturer(cfg *config.Config) (screen.Capturer, error) {
	if cfg.CaptureImage != "" {
		slog.Info("capturing from image file", "path", cfg.CaptureImage)
		return screen.OpenStatic(cfg.CaptureImage)
	}
	return screen.New(), nil
}

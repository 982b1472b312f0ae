// Package grpcclient is the remote text recognition backend.
package grpcclient

import (
	"bytes"
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/GriffinCanCode/regionwatch/internal/analysis"
	apperr "github.com/GriffinCanCode/regionwatch/internal/errors"
	"github.com/GriffinCanCode/regionwatch/internal/resilience"
	"github.com/GriffinCanCode/regionwatch/internal/trace"
)

// Config holds connection and fault tolerance settings.
type Config struct {
	KeepaliveTime       time.Duration
	KeepaliveTimeout    time.Duration
	HealthCheckInterval time.Duration
	Breaker             resilience.Config
	Retry               resilience.RetryConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		KeepaliveTime:       DefaultKeepaliveTime,
		KeepaliveTimeout:    DefaultKeepaliveTimeout,
		HealthCheckInterval: DefaultHealthCheckInterval,
		Breaker:             resilience.AnalyzerConfig(),
		Retry:               resilience.AnalyzerRetryConfig(),
	}
}

// Client calls the OCR service. It implements analysis.Analyzer.
type Client struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	breaker *resilience.Breaker
	cfg     Config

	healthy atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

var _ analysis.Analyzer = (*Client)(nil)

// New creates a client for addr. The connection is established lazily.
func New(addr string, cfg Config, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithChainUnaryInterceptor(trace.UnaryClientInterceptor()),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.Unavailable, "connect analyzer %s", addr)
	}

	c := &Client{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		breaker: resilience.New(cfg.Breaker),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	c.healthy.Store(true)
	return c, nil
}

// Analyze sends img as PNG and returns the recognized text.
func (c *Client) Analyze(ctx context.Context, img image.Image) (analysis.Result, error) {
	if img == nil {
		return analysis.Result{}, apperr.New(apperr.InvalidArgument, "nil image")
	}

	ctx, span := trace.StartSpan(ctx, "analyzer.extract_text")
	defer span.EndWithLog(ctx)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return analysis.Result{}, apperr.Wrap(err, apperr.Analysis, "encode image")
	}
	span.SetAttr("bytes", buf.Len())

	req := wrapperspb.Bytes(buf.Bytes())
	resp := &structpb.Struct{}
	err := resilience.Retry(ctx, c.cfg.Retry, func() error {
		return c.breaker.Execute(func() error {
			return c.conn.Invoke(ctx, MethodExtractText, req, resp)
		})
	})
	if err != nil {
		span.SetAttr("error", err.Error())
		return analysis.Result{}, apperr.FromGRPCError(err)
	}

	fields := resp.GetFields()
	return analysis.Result{
		Text:       fields[FieldText].GetStringValue(),
		Confidence: fields[FieldConfidence].GetNumberValue(),
	}, nil
}

// Check asks the server's health service whether the OCR service is serving.
func (c *Client) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return apperr.FromGRPCError(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return apperr.Newf(apperr.Unavailable, "analyzer status %s", resp.GetStatus())
	}
	return nil
}

// StartHealthLoop polls Check until Close or ctx is done.
func (c *Client) StartHealthLoop(ctx context.Context) {
	interval := c.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			c.probe(ctx)
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (c *Client) probe(ctx context.Context) {
	err := c.Check(ctx)
	ok := err == nil
	if c.healthy.Swap(ok) != ok {
		if ok {
			slog.Info("analyzer healthy")
		} else {
			slog.Warn("analyzer unhealthy", "error", err)
		}
	}
}

// Healthy reports the last health probe result.
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

// BreakerState exposes the circuit breaker state for diagnostics.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// Close stops the health loop and closes the connection.
func (c *Client) Close() error {
	c.stopped.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.conn.Close()
}

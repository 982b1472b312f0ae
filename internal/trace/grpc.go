// Package trace - gRPC interceptor for calls made on behalf of a scan.
package trace

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryClientInterceptor propagates the trace and scan scope of ctx to the
// analyzer service and logs each call with its status code and latency.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = injectMetadata(ctx)
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)

		log := Logger(ctx)
		if err != nil {
			log.Debug("rpc failed", "method", method, "code", status.Code(err).String(), "latency", time.Since(start), "error", err)
			return err
		}
		log.Debug("rpc done", "method", method, "latency", time.Since(start))
		return nil
	}
}

// injectMetadata adds trace ids and, when known, the cycle and region to the
// outgoing metadata.
func injectMetadata(ctx context.Context) context.Context {
	ctx, tc := EnsureContext(ctx)

	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.New(nil)
	} else {
		md = md.Copy()
	}

	md.Set(TraceIDKey, tc.TraceID)
	md.Set(SpanIDKey, tc.SpanID)
	if tc.ParentSpanID != "" {
		md.Set(ParentSpanIDKey, tc.ParentSpanID)
	}
	sc := ScopeFrom(ctx)
	if sc.CycleID != "" {
		md.Set(CycleIDKey, sc.CycleID)
	}
	if sc.RegionID != "" {
		md.Set(RegionIDKey, sc.RegionID)
	}

	return metadata.NewOutgoingContext(ctx, md)
}

package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// GrpcServerMetrics holds the metric instruments of the storage gRPC server.
type GrpcServerMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
}

// NewGrpcServerMetrics creates and registers all the metrics for the gRPC server.
func NewGrpcServerMetrics(meter metric.Meter) (*GrpcServerMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"pagestore.grpc.server.started_total",
		metric.WithDescription("Total number of RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"pagestore.grpc.server.handled_total",
		metric.WithDescription("Total number of RPCs completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"pagestore.grpc.server.duration",
		metric.WithDescription("The latency of RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"pagestore.grpc.server.active_rpcs",
		metric.WithDescription("Number of active RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &GrpcServerMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
	}, nil
}

// UnaryInterceptor records start, completion, latency and in-flight count.
func (m *GrpcServerMetrics) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		method := attribute.String("rpc.method", info.FullMethod)
		m.RpcsStartedCounter.Add(ctx, 1, metric.WithAttributes(method))
		m.ActiveRpcsUpDownCounter.Add(ctx, 1, metric.WithAttributes(method))
		start := time.Now()

		resp, err := handler(ctx, req)

		m.ActiveRpcsUpDownCounter.Add(ctx, -1, metric.WithAttributes(method))
		m.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(method))
		m.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributes(method,
			attribute.String("rpc.grpc.status_code", status.Code(err).String())))
		return resp, err
	}
}

// StreamInterceptor is the streaming counterpart of UnaryInterceptor.
func (m *GrpcServerMetrics) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		method := attribute.String("rpc.method", info.FullMethod)
		m.RpcsStartedCounter.Add(ctx, 1, metric.WithAttributes(method))
		m.ActiveRpcsUpDownCounter.Add(ctx, 1, metric.WithAttributes(method))
		start := time.Now()

		err := handler(srv, ss)

		m.ActiveRpcsUpDownCounter.Add(ctx, -1, metric.WithAttributes(method))
		m.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(method))
		m.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributes(method,
			attribute.String("rpc.grpc.status_code", status.Code(err).String())))
		return err
	}
}

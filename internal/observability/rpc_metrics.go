package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RPCCollector records request counts and latencies for the inference
// runtime's gRPC surface.
type RPCCollector struct {
	gatherer prometheus.Gatherer

	Requests  *prometheus.CounterVec
	Durations *prometheus.HistogramVec
}

// NewRPCCollector registers RPC metrics against reg, defaulting to the global
// registry when nil.
func NewRPCCollector(reg prometheus.Registerer) (*RPCCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phin_inference_rpc_requests_total",
		Help: "Total number of handled inference RPCs, labeled by method and gRPC status code.",
	}, []string{"method", "code"}), "phin_inference_rpc_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "phin_inference_rpc_duration_seconds",
		Help:    "Inference RPC latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"}), "phin_inference_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}
	return &RPCCollector{gatherer: gathererFor(reg), Requests: requests, Durations: durations}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *RPCCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		_, method := SplitMethod(fullMethod)
		if c.Requests != nil {
			c.Requests.WithLabelValues(method, status.Code(err).String()).Inc()
		}
		if c.Durations != nil {
			c.Durations.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RPCCollector) Handler() http.Handler {
	if c == nil {
		return handlerFor(nil)
	}
	return handlerFor(c.gatherer)
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service, method := parts[len(parts)-2], parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

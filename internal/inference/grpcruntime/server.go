package grpcruntime

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/PHIN-materials/pair-PHIN/internal/inference"
	"github.com/PHIN-materials/pair-PHIN/internal/logging"
	"github.com/PHIN-materials/pair-PHIN/internal/observability"
)

// ErrUnknownHandle is returned for a handle that was never issued or has been
// unloaded.
var ErrUnknownHandle = errors.New("unknown model handle")

const requestIDMetadataKey = "x-request-id"

type hosted struct {
	path  string
	model inference.Model
	// Models are not assumed to be safe for concurrent forwards.
	mu sync.Mutex
}

// Server hosts loaded models and implements InferenceServer.
type Server struct {
	loader inference.Loader
	log    logging.Logger

	mu     sync.RWMutex
	models map[string]*hosted
}

var _ InferenceServer = (*Server)(nil)

// NewServer returns a server that loads models through loader.
func NewServer(loader inference.Loader, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{loader: loader, log: log, models: make(map[string]*hosted)}
}

// Len returns the number of loaded models.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.models)
}

// LoadModel loads path on the requested device and issues a handle.
func (s *Server) LoadModel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	path, err := requireString(req, "path")
	if err != nil {
		return nil, toStatusError(err)
	}
	dev, err := inference.ParseDevice(stringField(req, "device"))
	if err != nil {
		return nil, toStatusError(fmt.Errorf("%w: %v", ErrDecode, err))
	}
	m, err := s.loader.Load(ctx, path, inference.LoadOptions{Device: dev})
	if err != nil {
		return nil, toStatusError(fmt.Errorf("load %s: %w", path, err))
	}

	handle := uuid.NewString()
	s.mu.Lock()
	s.models[handle] = &hosted{path: path, model: m}
	s.mu.Unlock()

	s.logger(ctx).Info(ctx, "model loaded",
		logging.String("handle", handle),
		logging.String("path", path),
		logging.String("device", string(m.Device())),
	)
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"handle":   structpb.NewStringValue(handle),
		"device":   structpb.NewStringValue(string(m.Device())),
		"metadata": structpb.NewStructValue(encodeMetadata(m.Metadata())),
	}}, nil
}

// Tune forwards runtime hints to models that accept them.
func (s *Server) Tune(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	h, _, err := s.lookup(req)
	if err != nil {
		return nil, toStatusError(err)
	}
	t, err := decodeTuning(req)
	if err != nil {
		return nil, toStatusError(err)
	}
	tuner, ok := h.model.(inference.Tuner)
	if !ok {
		s.logger(ctx).Debug(ctx, "model ignores tuning hints", logging.String("path", h.path))
		return &emptypb.Empty{}, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := tuner.Tune(ctx, t); err != nil {
		return nil, toStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// Forward runs one evaluation.
func (s *Server) Forward(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h, handle, err := s.lookup(req)
	if err != nil {
		return nil, toStatusError(err)
	}
	inputs, err := DecodeDict(req.GetFields()["inputs"].GetStructValue())
	if err != nil {
		return nil, toStatusError(err)
	}

	h.mu.Lock()
	outputs, err := h.model.Forward(ctx, inputs)
	h.mu.Unlock()
	if err != nil {
		s.logger(ctx).Warn(ctx, "forward failed", logging.String("handle", handle), logging.Err(err))
		return nil, toStatusError(err)
	}
	enc, err := EncodeDict(outputs)
	if err != nil {
		return nil, toStatusError(fmt.Errorf("encode outputs: %w", err))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"outputs": structpb.NewStructValue(enc),
	}}, nil
}

// Unload closes and forgets a model.
func (s *Server) Unload(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	handle, err := requireString(req, "handle")
	if err != nil {
		return nil, toStatusError(err)
	}
	s.mu.Lock()
	h, ok := s.models[handle]
	delete(s.models, handle)
	s.mu.Unlock()
	if !ok {
		return nil, toStatusError(fmt.Errorf("%w: %s", ErrUnknownHandle, handle))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.model.Close(); err != nil {
		return nil, toStatusError(err)
	}
	s.logger(ctx).Info(ctx, "model unloaded", logging.String("handle", handle), logging.String("path", h.path))
	return &emptypb.Empty{}, nil
}

// Close unloads every model.
func (s *Server) Close() error {
	s.mu.Lock()
	models := s.models
	s.models = make(map[string]*hosted)
	s.mu.Unlock()

	var errs []error
	for handle, h := range models {
		if err := h.model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", handle, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) lookup(req *structpb.Struct) (*hosted, string, error) {
	handle, err := requireString(req, "handle")
	if err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	h, ok := s.models[handle]
	s.mu.RUnlock()
	if !ok {
		return nil, handle, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return h, handle, nil
}

func (s *Server) logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.log
}

// NewGRPCServer builds a grpc.Server hosting s with tracing, request logging
// and, when collector is non-nil, Prometheus RPC metrics.
func NewGRPCServer(s *Server, collector *observability.RPCCollector, opts ...grpc.ServerOption) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{RequestLogInterceptor(s.log)}
	if collector != nil {
		interceptors = append(interceptors, collector.UnaryServerInterceptor())
	}
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	}
	srv := grpc.NewServer(append(base, opts...)...)
	RegisterInferenceServer(srv, s)
	return srv
}

// RequestLogInterceptor attaches a per-request logger annotated with the
// method and a request id, taken from x-request-id metadata when present.
func RequestLogInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadataKey); len(vals) > 0 {
				id = vals[0]
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		log := base.With(logging.String("method", info.FullMethod), logging.String("request_id", id))
		ctx = logging.ContextWithLogger(ctx, log)

		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug(ctx, "rpc finished",
			logging.String("code", status.Code(err).String()),
			logging.Float64("seconds", time.Since(start).Seconds()),
		)
		return resp, err
	}
}

// toStatusError maps runtime errors onto gRPC status codes.
func toStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrUnknownHandle), errors.Is(err, fs.ErrNotExist):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrDecode):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func decodeTuning(req *structpb.Struct) (inference.Tuning, error) {
	f := req.GetFields()
	t := inference.Tuning{
		AllowTF32:       f["allow_tf32"].GetBoolValue(),
		JITBailoutDepth: int(f["jit_bailout_depth"].GetNumberValue()),
	}
	for i, v := range f["fusion_strategy"].GetListValue().GetValues() {
		st := v.GetStructValue()
		if st == nil {
			return inference.Tuning{}, fmt.Errorf("%w: fusion_strategy[%d] is not a struct", ErrDecode, i)
		}
		t.FusionStrategy = append(t.FusionStrategy, inference.FusionStage{
			Static: st.GetFields()["static"].GetBoolValue(),
			Depth:  int(st.GetFields()["depth"].GetNumberValue()),
		})
	}
	return t, nil
}

func encodeTuning(handle string, t inference.Tuning) *structpb.Struct {
	stages := make([]*structpb.Value, len(t.FusionStrategy))
	for i, st := range t.FusionStrategy {
		stages[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"static": structpb.NewBoolValue(st.Static),
			"depth":  structpb.NewNumberValue(float64(st.Depth)),
		}})
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"handle":            structpb.NewStringValue(handle),
		"allow_tf32":        structpb.NewBoolValue(t.AllowTF32),
		"jit_bailout_depth": structpb.NewNumberValue(float64(t.JITBailoutDepth)),
		"fusion_strategy":   structpb.NewListValue(&structpb.ListValue{Values: stages}),
	}}
}

package grpcruntime

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/PHIN-materials/pair-PHIN/internal/inference"
	"github.com/PHIN-materials/pair-PHIN/internal/logging"
	"github.com/PHIN-materials/pair-PHIN/internal/tensor"
)

// DefaultCallTimeout bounds control calls (LoadModel, Tune, Unload). Forward
// is bounded only by the caller's context.
const DefaultCallTimeout = 30 * time.Second

// Client connects to a runtime and implements inference.Loader.
type Client struct {
	endpoint string
	conn     *grpc.ClientConn
	timeout  time.Duration
	log      logging.Logger
}

var _ inference.Loader = (*Client)(nil)

// ClientOption customises a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	timeout time.Duration
	log     logging.Logger
	dial    []grpc.DialOption
}

// WithCallTimeout bounds control calls. Zero keeps the default.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClientLogger attaches a logger.
func WithClientLogger(l logging.Logger) ClientOption {
	return func(o *clientOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithDialOptions appends grpc dial options.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(o *clientOptions) { o.dial = append(o.dial, opts...) }
}

// NewClient prepares a connection to endpoint. The connection is established
// lazily on the first call.
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	o := clientOptions{timeout: DefaultCallTimeout, log: logging.Noop()}
	for _, opt := range opts {
		opt(&o)
	}
	dial := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, o.dial...)
	conn, err := grpc.NewClient(endpoint, dial...)
	if err != nil {
		return nil, fmt.Errorf("inference runtime %s: %w", endpoint, err)
	}
	return &Client{endpoint: endpoint, conn: conn, timeout: o.timeout, log: o.log}, nil
}

// Endpoint returns the runtime address.
func (c *Client) Endpoint() string { return c.endpoint }

// Close releases the connection. Models loaded through it stop working.
func (c *Client) Close() error { return c.conn.Close() }

// Load asks the runtime to load path and returns a handle-backed Model.
func (c *Client) Load(ctx context.Context, path string, opts inference.LoadOptions) (inference.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dev := opts.Device
	if dev == "" {
		dev = inference.DeviceAuto
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"path":   structpb.NewStringValue(path),
		"device": structpb.NewStringValue(string(dev)),
	}}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodLoadModel, req, resp); err != nil {
		return nil, fmt.Errorf("load %s via %s: %w", path, c.endpoint, err)
	}

	handle, err := requireString(resp, "handle")
	if err != nil {
		return nil, fmt.Errorf("load %s via %s: %w", path, c.endpoint, err)
	}
	meta, err := decodeMetadata(resp.GetFields()["metadata"].GetStructValue())
	if err != nil {
		return nil, fmt.Errorf("load %s via %s: %w", path, c.endpoint, err)
	}
	device, err := inference.ParseDevice(stringField(resp, "device"))
	if err != nil {
		return nil, fmt.Errorf("load %s via %s: %w", path, c.endpoint, err)
	}
	c.log.Debug(ctx, "remote model loaded",
		logging.String("endpoint", c.endpoint),
		logging.String("handle", handle),
		logging.String("device", string(device)),
	)
	return &remoteModel{client: c, handle: handle, device: device, meta: meta}, nil
}

// remoteModel is a model hosted by the runtime.
type remoteModel struct {
	client *Client
	handle string
	device inference.Device
	meta   map[string]string
}

func (m *remoteModel) Metadata() map[string]string { return m.meta }

func (m *remoteModel) Device() inference.Device { return m.device }

// Forward ships inputs to the runtime. Every failure is an *inference.Error.
func (m *remoteModel) Forward(ctx context.Context, inputs tensor.Dict) (tensor.Dict, error) {
	enc, err := EncodeDict(inputs)
	if err != nil {
		return nil, &inference.Error{Err: fmt.Errorf("encode inputs: %w", err)}
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"handle": structpb.NewStringValue(m.handle),
		"inputs": structpb.NewStructValue(enc),
	}}
	resp := new(structpb.Struct)
	if err := m.client.conn.Invoke(ctx, methodForward, req, resp); err != nil {
		return nil, &inference.Error{Err: fmt.Errorf("forward on %s: %w", m.client.endpoint, err)}
	}
	out, err := DecodeDict(resp.GetFields()["outputs"].GetStructValue())
	if err != nil {
		return nil, &inference.Error{Err: fmt.Errorf("decode outputs: %w", err)}
	}
	return out, nil
}

// Tune forwards runtime hints.
func (m *remoteModel) Tune(ctx context.Context, t inference.Tuning) error {
	ctx, cancel := context.WithTimeout(ctx, m.client.timeout)
	defer cancel()
	if err := m.client.conn.Invoke(ctx, methodTune, encodeTuning(m.handle, t), new(emptypb.Empty)); err != nil {
		return fmt.Errorf("tune %s: %w", m.handle, err)
	}
	return nil
}

// Close unloads the model from the runtime.
func (m *remoteModel) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.client.timeout)
	defer cancel()
	req := &structpb.Struct{Fields: map[string]*structpb.Value{"handle": structpb.NewStringValue(m.handle)}}
	if err := m.client.conn.Invoke(ctx, methodUnload, req, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("unload %s: %w", m.handle, err)
	}
	return nil
}

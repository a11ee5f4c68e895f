package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// DetectMethod is the unary RPC served by remote inference services. Requests
// and responses are google.protobuf.Struct messages.
const DetectMethod = "/mobwatch.inference.v1.Inference/Detect"

// GRPCDetector runs inference through a remote gRPC service
type GRPCDetector struct {
	endpoint string
	model    string
	timeout  time.Duration
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
}

// GRPCConfig holds configuration for the gRPC detector
type GRPCConfig struct {
	Endpoint string        // host:port of the inference service
	Model    string        // Model name on the service
	Timeout  time.Duration // Per-frame deadline
}

// NewGRPCDetector creates a new gRPC-based detector. The connection is
// established lazily by the first RPC.
func NewGRPCDetector(cfg GRPCConfig, opts ...grpc.DialOption) (*GRPCDetector, error) {
	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", cfg.Endpoint, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &GRPCDetector{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		timeout:  timeout,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
	}, nil
}

// Name returns the backend identifier
func (gd *GRPCDetector) Name() string {
	if gd.model != "" {
		return "grpc:" + gd.model
	}
	return "grpc"
}

// CheckHealth queries the standard gRPC health service
func (gd *GRPCDetector) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, gd.timeout)
	defer cancel()

	resp, err := gd.health.Check(ctx, &healthpb.HealthCheckRequest{Service: gd.model})
	if err != nil {
		return fmt.Errorf("health check of %s failed: %w", gd.endpoint, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("inference service %s is %s", gd.endpoint, resp.GetStatus())
	}
	return nil
}

// Detect sends the JPEG encoding of a frame and decodes the detections
func (gd *GRPCDetector) Detect(ctx context.Context, in Input, confThreshold float32) (*Result, error) {
	imageData, err := in.JPEG()
	if err != nil {
		return nil, err
	}

	req, err := structpb.NewStruct(map[string]any{
		"model":          gd.model,
		"conf_threshold": float64(confThreshold),
		"jpeg":           base64.StdEncoding.EncodeToString(imageData),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, gd.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := gd.conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("detect RPC failed: %w", err)
	}

	return decodeStructResult(resp)
}

// decodeStructResult converts a Struct response to a Result
func decodeStructResult(resp *structpb.Struct) (*Result, error) {
	fields := resp.GetFields()
	result := &Result{
		InferenceTimeMs: float32(fields["inference_time_ms"].GetNumberValue()),
		Device:          fields["device"].GetStringValue(),
	}

	for i, v := range fields["detections"].GetListValue().GetValues() {
		det := v.GetStructValue()
		if det == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}
		f := det.GetFields()

		bboxValues := f["bbox"].GetListValue().GetValues()
		if len(bboxValues) < 4 {
			return nil, fmt.Errorf("detection %d has %d bbox values", i, len(bboxValues))
		}
		bbox := make([]float32, 0, 4)
		for _, n := range bboxValues[:4] {
			bbox = append(bbox, float32(n.GetNumberValue()))
		}

		result.Detections = append(result.Detections, Detection{
			Class:      f["class"].GetStringValue(),
			ClassID:    int(f["class_id"].GetNumberValue()),
			Confidence: float32(f["confidence"].GetNumberValue()),
			BBox:       bbox,
		})
	}
	result.Count = len(result.Detections)

	return result, nil
}

// Close closes the gRPC connection
func (gd *GRPCDetector) Close() error {
	if gd.conn != nil {
		return gd.conn.Close()
	}
	return nil
}

var (
	_ Backend       = (*GRPCDetector)(nil)
	_ HealthChecker = (*GRPCDetector)(nil)
)

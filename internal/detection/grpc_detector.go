package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// DetectMethod is the unary RPC served by remote detectors.
// Requests and responses are google.protobuf.Struct documents so any
// language can serve it without shared generated stubs.
const DetectMethod = "/watchpost.detection.v1.Detector/Detect"

// GRPCDetectorService is the name reported to the standard gRPC health service
const GRPCDetectorService = "watchpost.detection.v1.Detector"

// GRPCDetector provides gRPC-based object detection
type GRPCDetector struct {
	endpoint   string
	conn       *grpc.ClientConn
	health     healthpb.HealthClient
	timeout    time.Duration
	healthy    bool
	healthMu   sync.RWMutex
	lastHealth time.Time
}

// GRPCDetectorConfig holds configuration for the gRPC detector
type GRPCDetectorConfig struct {
	Endpoint    string
	Timeout     time.Duration // Per-call timeout, zero for none
	DialOptions []grpc.DialOption
}

// NewGRPCDetector creates a client for a remote detector.
// The connection is established lazily on the first call.
func NewGRPCDetector(config GRPCDetectorConfig) (*GRPCDetector, error) {
	conn, err := newClientConn(config.Endpoint, config.DialOptions)
	if err != nil {
		return nil, err
	}

	return &GRPCDetector{
		endpoint: config.Endpoint,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
		timeout:  config.Timeout,
	}, nil
}

// Endpoint returns the dial target
func (gd *GRPCDetector) Endpoint() string {
	return gd.endpoint
}

// IsHealthy queries the standard health service, caching a positive answer for 30 seconds
func (gd *GRPCDetector) IsHealthy(ctx context.Context) bool {
	gd.healthMu.RLock()
	if time.Since(gd.lastHealth) < 30*time.Second && gd.healthy {
		gd.healthMu.RUnlock()
		return true
	}
	gd.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := gd.health.Check(ctx, &healthpb.HealthCheckRequest{Service: GRPCDetectorService})

	gd.healthMu.Lock()
	defer gd.healthMu.Unlock()
	gd.healthy = err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	gd.lastHealth = time.Now()
	return gd.healthy
}

// DetectObjects sends a JPEG frame to the remote detector
func (gd *GRPCDetector) DetectObjects(ctx context.Context, imageData []byte, confThreshold float64) (*DetectionResult, error) {
	if gd.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, gd.timeout)
		defer cancel()
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"image":          base64.StdEncoding.EncodeToString(imageData),
		"mime_type":      "image/jpeg",
		"conf_threshold": confThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := gd.conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		gd.healthMu.Lock()
		gd.healthy = false
		gd.healthMu.Unlock()
		return nil, fmt.Errorf("detect RPC failed: %w", err)
	}

	return convertStructResponse(resp)
}

// convertStructResponse maps {detections:[{class, class_id, confidence, bbox}]} to DetectionResult
func convertStructResponse(resp *structpb.Struct) (*DetectionResult, error) {
	fields := resp.GetFields()
	list := fields["detections"].GetListValue()
	if fields["detections"] != nil && list == nil {
		return nil, fmt.Errorf("detections field is not a list")
	}

	result := &DetectionResult{
		Device:          fields["device"].GetStringValue(),
		InferenceTimeMs: float32(fields["inference_time_ms"].GetNumberValue()),
	}
	for i, v := range list.GetValues() {
		s := v.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}
		f := s.GetFields()
		det := Detection{
			Class:      f["class"].GetStringValue(),
			ClassID:    int(f["class_id"].GetNumberValue()),
			Confidence: float32(f["confidence"].GetNumberValue()),
		}
		for _, c := range f["bbox"].GetListValue().GetValues() {
			det.BBox = append(det.BBox, float32(c.GetNumberValue()))
		}
		result.Detections = append(result.Detections, det)
	}
	result.Count = len(result.Detections)
	return result, nil
}

// newClientConn creates an insecure client with keepalive to detect dead connections quickly
func newClientConn(endpoint string, extra []grpc.DialOption) (*grpc.ClientConn, error) {
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", endpoint, err)
	}
	return conn, nil
}

// Close shuts down the gRPC connection
func (gd *GRPCDetector) Close() error {
	if gd.conn != nil {
		return gd.conn.Close()
	}
	return nil
}

package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// Unary RPCs served by remote face services. Like DetectMethod they exchange
// google.protobuf.Struct documents shaped like the HTTP service's JSON.
const (
	FaceDetectMethod    = "/watchpost.recognition.v1.Recognizer/DetectFaces"
	FaceRecognizeMethod = "/watchpost.recognition.v1.Recognizer/Recognize"
	FaceRegisterMethod  = "/watchpost.recognition.v1.Recognizer/Register"
	FaceDeleteMethod    = "/watchpost.recognition.v1.Recognizer/Delete"
)

// GRPCFaceService is the name reported to the standard gRPC health service
const GRPCFaceService = "watchpost.recognition.v1.Recognizer"

// GRPCFaceRecognizer provides gRPC-based face detection and gallery matching
type GRPCFaceRecognizer struct {
	endpoint  string
	conn      *grpc.ClientConn
	health    healthpb.HealthClient
	timeout   time.Duration
	threshold float32
}

// GRPCFaceRecognizerConfig holds configuration for the gRPC face recognizer
type GRPCFaceRecognizerConfig struct {
	Endpoint            string
	SimilarityThreshold float32
	Timeout             time.Duration // Per-call timeout, zero for none
	DialOptions         []grpc.DialOption
}

// NewGRPCFaceRecognizer creates a client for a remote face service.
// The connection is established lazily on the first call.
func NewGRPCFaceRecognizer(config GRPCFaceRecognizerConfig) (*GRPCFaceRecognizer, error) {
	conn, err := newClientConn(config.Endpoint, config.DialOptions)
	if err != nil {
		return nil, err
	}
	threshold := config.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	return &GRPCFaceRecognizer{
		endpoint:  config.Endpoint,
		conn:      conn,
		health:    healthpb.NewHealthClient(conn),
		timeout:   config.Timeout,
		threshold: threshold,
	}, nil
}

// Threshold returns the similarity threshold used for matching
func (fr *GRPCFaceRecognizer) Threshold() float32 {
	return fr.threshold
}

// CheckHealth queries the standard gRPC health service
func (fr *GRPCFaceRecognizer) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := fr.health.Check(ctx, &healthpb.HealthCheckRequest{Service: GRPCFaceService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service not serving: %s", resp.GetStatus())
	}
	return nil
}

// DetectFaces finds face regions in a full frame
func (fr *GRPCFaceRecognizer) DetectFaces(ctx context.Context, imageData []byte) (*FaceDetectResult, error) {
	resp, err := fr.invoke(ctx, FaceDetectMethod, map[string]interface{}{
		"image": base64.StdEncoding.EncodeToString(imageData),
	})
	if err != nil {
		return nil, err
	}

	result := &FaceDetectResult{InferenceTimeMs: float32(resp.GetFields()["inference_time_ms"].GetNumberValue())}
	for i, v := range resp.GetFields()["faces"].GetListValue().GetValues() {
		f := v.GetStructValue()
		if f == nil {
			return nil, fmt.Errorf("face %d is not an object", i)
		}
		result.Faces = append(result.Faces, FaceDetection{
			BBox:       numberList(f.GetFields()["bbox"]),
			Confidence: float32(f.GetFields()["confidence"].GetNumberValue()),
		})
	}
	result.Count = len(result.Faces)
	return result, nil
}

// RecognizeFaces matches the faces in a crop against the gallery
func (fr *GRPCFaceRecognizer) RecognizeFaces(ctx context.Context, imageData []byte) (*FaceRecognitionResult, error) {
	resp, err := fr.invoke(ctx, FaceRecognizeMethod, map[string]interface{}{
		"image":     base64.StdEncoding.EncodeToString(imageData),
		"threshold": float64(fr.threshold),
	})
	if err != nil {
		return nil, err
	}

	result := &FaceRecognitionResult{SimilarityThreshold: fr.threshold}
	for i, v := range resp.GetFields()["recognitions"].GetListValue().GetValues() {
		r := v.GetStructValue()
		if r == nil {
			return nil, fmt.Errorf("recognition %d is not an object", i)
		}
		f := r.GetFields()
		rec := FaceRecognition{
			BBox:       numberList(f["bbox"]),
			Confidence: float32(f["confidence"].GetNumberValue()),
			Similarity: float32(f["similarity"].GetNumberValue()),
			IsKnown:    f["is_known"].GetBoolValue(),
		}
		if name := f["identity"].GetStringValue(); name != "" {
			rec.Identity = &name
		}
		if rec.IsKnown {
			result.KnownCount++
		}
		result.Recognitions = append(result.Recognitions, rec)
	}
	result.Count = len(result.Recognitions)
	return result, nil
}

// RegisterFace adds a named face to the service gallery
func (fr *GRPCFaceRecognizer) RegisterFace(ctx context.Context, name string, imageData []byte) error {
	_, err := fr.invoke(ctx, FaceRegisterMethod, map[string]interface{}{
		"name":  name,
		"image": base64.StdEncoding.EncodeToString(imageData),
	})
	return err
}

// DeleteFace removes a named face from the service gallery
func (fr *GRPCFaceRecognizer) DeleteFace(ctx context.Context, name string) error {
	_, err := fr.invoke(ctx, FaceDeleteMethod, map[string]interface{}{"name": name})
	return err
}

func (fr *GRPCFaceRecognizer) invoke(ctx context.Context, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	if fr.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fr.timeout)
		defer cancel()
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := fr.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	return resp, nil
}

// Close shuts down the gRPC connection
func (fr *GRPCFaceRecognizer) Close() error {
	if fr.conn != nil {
		return fr.conn.Close()
	}
	return nil
}

func numberList(v *structpb.Value) []float32 {
	var out []float32
	for _, c := range v.GetListValue().GetValues() {
		out = append(out, float32(c.GetNumberValue()))
	}
	return out
}

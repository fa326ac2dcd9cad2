package detectors

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"watchpost/internal/detection"
	"watchpost/internal/pipeline"
)

// FaceService is the client surface shared by the HTTP and gRPC face services
type FaceService interface {
	DetectFaces(ctx context.Context, imageData []byte) (*detection.FaceDetectResult, error)
	RecognizeFaces(ctx context.Context, imageData []byte) (*detection.FaceRecognitionResult, error)
	RegisterFace(ctx context.Context, name string, imageData []byte) error
	DeleteFace(ctx context.Context, name string) error
	CheckHealth(ctx context.Context) error
	Threshold() float32
	Close() error
}

// FaceAdapter wraps a FaceService to implement pipeline.IdentityProvider.
// It also exposes the gallery so criminal records can be enrolled.
type FaceAdapter struct {
	recognizer FaceService
	kind       string
	quality    int
}

// NewFaceAdapter creates an identity provider backed by the HTTP face service
func NewFaceAdapter(recognizer *detection.FaceRecognizer) *FaceAdapter {
	return &FaceAdapter{recognizer: recognizer, kind: KindHTTP, quality: 90}
}

// NewGRPCFaceAdapter creates an identity provider backed by the gRPC face service
func NewGRPCFaceAdapter(recognizer *detection.GRPCFaceRecognizer) *FaceAdapter {
	return &FaceAdapter{recognizer: recognizer, kind: KindGRPC, quality: 90}
}

func (a *FaceAdapter) Name() string {
	return a.kind
}

// MatchThreshold returns the similarity a match must exceed
func (a *FaceAdapter) MatchThreshold() float64 {
	return float64(a.recognizer.Threshold())
}

// DetectFaces returns face regions in frame coordinates
func (a *FaceAdapter) DetectFaces(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.BBox, error) {
	if err := checkFrame(frame); err != nil {
		return nil, err
	}
	result, err := a.recognizer.DetectFaces(ctx, frame.Data)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	boxes := make([]pipeline.BBox, 0, len(result.Faces))
	for i, f := range result.Faces {
		box, err := toBBox(f.BBox)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		if !box.Valid() {
			return nil, fmt.Errorf("face %d: %w: degenerate bbox %+v", i, pipeline.ErrMalformedResult, box)
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}

// Identify matches a face crop against the gallery.
// It returns nil without error when the gallery has no match.
func (a *FaceAdapter) Identify(ctx context.Context, crop image.Image) (*pipeline.Identity, error) {
	data, err := a.encode(crop)
	if err != nil {
		return nil, err
	}
	result, err := a.recognizer.RecognizeFaces(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("face recognition failed: %w", err)
	}

	best := result.BestMatch()
	if best == nil {
		return nil, nil
	}
	conf := float64(best.Similarity)
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return nil, fmt.Errorf("%w: similarity %v out of range", pipeline.ErrMalformedResult, best.Similarity)
	}
	return &pipeline.Identity{Name: *best.Identity, Confidence: conf}, nil
}

// Enroll adds a named face to the gallery
func (a *FaceAdapter) Enroll(ctx context.Context, name string, face image.Image) error {
	data, err := a.encode(face)
	if err != nil {
		return err
	}
	return a.recognizer.RegisterFace(ctx, name, data)
}

// Forget removes a named face from the gallery
func (a *FaceAdapter) Forget(ctx context.Context, name string) error {
	return a.recognizer.DeleteFace(ctx, name)
}

// IsHealthy checks the face service
func (a *FaceAdapter) IsHealthy(ctx context.Context) bool {
	return a.recognizer.CheckHealth(ctx) == nil
}

// KnownFaces returns the gallery size from the last health check, when the
// service reports one
func (a *FaceAdapter) KnownFaces() (int, bool) {
	if counter, ok := a.recognizer.(interface{ KnownFaces() int }); ok {
		return counter.KnownFaces(), true
	}
	return 0, false
}

func (a *FaceAdapter) Close() error {
	return a.recognizer.Close()
}

func (a *FaceAdapter) encode(img image.Image) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, pipeline.ErrInvalidFrame
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: a.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode face crop: %w", err)
	}
	return buf.Bytes(), nil
}

// DisabledIdentity is the "none" identity provider: it never sees a face
type DisabledIdentity struct{}

func (DisabledIdentity) Name() string { return KindNone }

func (DisabledIdentity) DetectFaces(context.Context, *pipeline.FrameData) ([]pipeline.BBox, error) {
	return []pipeline.BBox{}, nil
}

func (DisabledIdentity) Identify(context.Context, image.Image) (*pipeline.Identity, error) {
	return nil, nil
}

func (DisabledIdentity) MatchThreshold() float64 { return 1 }

func (DisabledIdentity) Close() error { return nil }

// Gallery is implemented by identity providers that can enroll faces
type Gallery interface {
	Enroll(ctx context.Context, name string, face image.Image) error
	Forget(ctx context.Context, name string) error
}

// Ensure FaceAdapter implements IdentityProvider and Gallery
var (
	_ pipeline.IdentityProvider = (*FaceAdapter)(nil)
	_ pipeline.IdentityProvider = DisabledIdentity{}
	_ Gallery                   = (*FaceAdapter)(nil)
)

package detectors

import (
	"context"
	"fmt"

	"watchpost/internal/detection"
	"watchpost/internal/pipeline"
)

// HTTPAdapter wraps ObjectDetector to implement pipeline.DetectionProvider
type HTTPAdapter struct {
	client   *detection.ObjectDetector
	taxonomy *Taxonomy
}

// NewHTTPAdapter creates a detection provider backed by an HTTP detection service
func NewHTTPAdapter(client *detection.ObjectDetector, taxonomy *Taxonomy) *HTTPAdapter {
	if taxonomy == nil {
		taxonomy = NewTaxonomy()
	}
	return &HTTPAdapter{client: client, taxonomy: taxonomy}
}

func (a *HTTPAdapter) Name() string {
	return KindHTTP
}

// IsHealthy reports whether the detection service answers its health probe
func (a *HTTPAdapter) IsHealthy(ctx context.Context) bool {
	return a.client.IsHealthy(ctx)
}

func (a *HTTPAdapter) Detect(ctx context.Context, frame *pipeline.FrameData, confThreshold float64) ([]pipeline.Detection, error) {
	if err := checkFrame(frame); err != nil {
		return nil, err
	}
	result, err := a.client.DetectObjects(ctx, frame.Data, a.taxonomy.QueryThreshold(confThreshold))
	if err != nil {
		return nil, fmt.Errorf("http detection failed: %w", err)
	}
	return convertDetections(result.Detections, a.taxonomy)
}

func (a *HTTPAdapter) Close() error {
	return nil
}

// Ensure HTTPAdapter implements DetectionProvider
var _ pipeline.DetectionProvider = (*HTTPAdapter)(nil)

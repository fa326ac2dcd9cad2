package detectors

import (
	"context"
	"fmt"

	"watchpost/internal/detection"
	"watchpost/internal/pipeline"
)

// GRPCAdapter wraps GRPCDetector to implement pipeline.DetectionProvider
type GRPCAdapter struct {
	client   *detection.GRPCDetector
	taxonomy *Taxonomy
}

// NewGRPCAdapter creates a detection provider backed by a gRPC detection service
func NewGRPCAdapter(client *detection.GRPCDetector, taxonomy *Taxonomy) *GRPCAdapter {
	if taxonomy == nil {
		taxonomy = NewTaxonomy()
	}
	return &GRPCAdapter{client: client, taxonomy: taxonomy}
}

func (a *GRPCAdapter) Name() string {
	return KindGRPC
}

func (a *GRPCAdapter) IsHealthy(ctx context.Context) bool {
	return a.client.IsHealthy(ctx)
}

func (a *GRPCAdapter) Detect(ctx context.Context, frame *pipeline.FrameData, confThreshold float64) ([]pipeline.Detection, error) {
	if err := checkFrame(frame); err != nil {
		return nil, err
	}
	result, err := a.client.DetectObjects(ctx, frame.Data, a.taxonomy.QueryThreshold(confThreshold))
	if err != nil {
		return nil, fmt.Errorf("grpc detection failed: %w", err)
	}
	return convertDetections(result.Detections, a.taxonomy)
}

// Close shuts down the underlying connection
func (a *GRPCAdapter) Close() error {
	return a.client.Close()
}

// Ensure GRPCAdapter implements DetectionProvider
var _ pipeline.DetectionProvider = (*GRPCAdapter)(nil)

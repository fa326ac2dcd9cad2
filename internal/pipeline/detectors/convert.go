package detectors

import (
	"fmt"
	"math"
	"strings"

	"watchpost/internal/detection"
	"watchpost/internal/pipeline"
)

// convertDetections maps raw service detections onto pipeline detections,
// rejecting the whole result if any entry is malformed.
func convertDetections(raw []detection.Detection, taxonomy *Taxonomy) ([]pipeline.Detection, error) {
	out := make([]pipeline.Detection, 0, len(raw))
	for i, d := range raw {
		box, err := toBBox(d.BBox)
		if err != nil {
			return nil, fmt.Errorf("detection %d: %w", i, err)
		}
		conf := float64(d.Confidence)
		det := pipeline.Detection{
			Label:      strings.ToUpper(strings.TrimSpace(d.Class)),
			Confidence: conf,
			BBox:       box,
			IsThreat:   taxonomy.IsThreat(d.Class, conf),
		}
		if err := det.Validate(); err != nil {
			return nil, fmt.Errorf("detection %d: %w", i, err)
		}
		out = append(out, det)
	}
	return out, nil
}

// toBBox truncates [x1, y1, x2, y2] to whole pixels
func toBBox(coords []float32) (pipeline.BBox, error) {
	if len(coords) < 4 {
		return pipeline.BBox{}, fmt.Errorf("%w: bbox has %d coordinates", pipeline.ErrMalformedResult, len(coords))
	}
	for _, c := range coords[:4] {
		if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
			return pipeline.BBox{}, fmt.Errorf("%w: non-finite bbox coordinate", pipeline.ErrMalformedResult)
		}
	}
	return pipeline.BBox{
		X1: int(coords[0]),
		Y1: int(coords[1]),
		X2: int(coords[2]),
		Y2: int(coords[3]),
	}, nil
}

func checkFrame(frame *pipeline.FrameData) error {
	if frame == nil || len(frame.Data) == 0 {
		return pipeline.ErrInvalidFrame
	}
	return nil
}

package detectors

import (
	"context"
	"fmt"

	"mobwatch/internal/detection"
	"mobwatch/internal/pipeline"
)

// ScopedAdapter wraps a backend trained for a single category. Every result
// is labelled with the requested category regardless of the model's class
// name.
type ScopedAdapter struct {
	backend detection.Backend
}

// NewScopedAdapter creates a new scoped-family adapter
func NewScopedAdapter(backend detection.Backend) *ScopedAdapter {
	return &ScopedAdapter{backend: backend}
}

func (a *ScopedAdapter) Name() string {
	return "scoped/" + a.backend.Name()
}

func (a *ScopedAdapter) Detect(ctx context.Context, frame *pipeline.Frame, category pipeline.Category, minConfidence float64) ([]pipeline.Detection, error) {
	result, err := a.backend.Detect(ctx, frame, float32(minConfidence))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.backend.Name(), err)
	}

	detections := make([]pipeline.Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		if float64(d.Confidence) < minConfidence {
			continue
		}
		box, ok := detection.PixelBox(d.BBox)
		if !ok {
			continue
		}
		detections = append(detections, pipeline.Detection{
			BBox:       box,
			Label:      category,
			Confidence: float64(d.Confidence),
		})
	}
	return detections, nil
}

func (a *ScopedAdapter) Close() error {
	return a.backend.Close()
}

// CheckHealth forwards to the backend when it supports health checks
func (a *ScopedAdapter) CheckHealth(ctx context.Context) error {
	if hc, ok := a.backend.(detection.HealthChecker); ok {
		return hc.CheckHealth(ctx)
	}
	return nil
}

// Ensure ScopedAdapter implements Detector
var _ pipeline.Detector = (*ScopedAdapter)(nil)

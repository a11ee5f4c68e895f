package detectors

import (
	"context"
	"fmt"
	"strings"

	"mobwatch/internal/detection"
	"mobwatch/internal/pipeline"
)

// HubAdapter wraps a multi-class backend. The model may report classes
// unrelated to the requested category; only detections whose class name
// matches the category are kept.
type HubAdapter struct {
	backend detection.Backend
}

// NewHubAdapter creates a new hub-family adapter
func NewHubAdapter(backend detection.Backend) *HubAdapter {
	return &HubAdapter{backend: backend}
}

func (a *HubAdapter) Name() string {
	return "hub/" + a.backend.Name()
}

func (a *HubAdapter) Detect(ctx context.Context, frame *pipeline.Frame, category pipeline.Category, minConfidence float64) ([]pipeline.Detection, error) {
	result, err := a.backend.Detect(ctx, frame, float32(minConfidence))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.backend.Name(), err)
	}

	detections := make([]pipeline.Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		if !strings.EqualFold(strings.TrimSpace(d.Class), string(category)) {
			continue
		}
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

func (a *HubAdapter) Close() error {
	return a.backend.Close()
}

// CheckHealth forwards to the backend when it supports health checks
func (a *HubAdapter) CheckHealth(ctx context.Context) error {
	if hc, ok := a.backend.(detection.HealthChecker); ok {
		return hc.CheckHealth(ctx)
	}
	return nil
}

// Ensure HubAdapter implements Detector
var _ pipeline.Detector = (*HubAdapter)(nil)

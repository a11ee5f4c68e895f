package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Aggregator runs the detectors selected by a module filter on one frame and
// merges their results
type Aggregator struct {
	registry DetectorRegistry
	observer InferenceObserver
	logger   zerolog.Logger
}

// NewAggregator creates an aggregator backed by registry. observer may be nil.
func NewAggregator(registry DetectorRegistry, observer InferenceObserver, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		registry: registry,
		observer: observer,
		logger:   logger.With().Str("component", "aggregator").Logger(),
	}
}

// Process evaluates frame for every category in module and returns the merged
// detection list together with this frame's per-category counts. Categories
// outside the filter are never invoked.
func (a *Aggregator) Process(ctx context.Context, frame *Frame, module Module) ([]Detection, Counts, error) {
	detections := make([]Detection, 0)
	counts := NewCounts()

	for _, category := range module.Categories() {
		binding, ok := a.registry.Lookup(category)
		if !ok {
			return nil, nil, fmt.Errorf("no detector registered for category %q", category)
		}

		start := time.Now()
		found, err := binding.Detector.Detect(ctx, frame, category, binding.MinConfidence)
		if a.observer != nil {
			a.observer.ObserveInference(category, time.Since(start), len(found), err)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s detection failed on frame %d: %w", category, frame.Index, err)
		}

		for _, d := range found {
			// Detectors are scoped to the category; anything else is dropped
			if d.Label != category {
				a.logger.Debug().
					Str("detector", binding.Detector.Name()).
					Str("label", string(d.Label)).
					Msg("dropping detection outside requested category")
				continue
			}
			detections = append(detections, d)
			counts[category]++
		}
	}

	return detections, counts, nil
}

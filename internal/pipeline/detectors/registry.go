package detectors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mobwatch/internal/detection"
	"mobwatch/internal/pipeline"
)

// Registry binds every category to the detector that evaluates it
type Registry struct {
	bindings map[pipeline.Category]pipeline.Binding
	mu       sync.RWMutex
}

// NewRegistry creates a new detector registry
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[pipeline.Category]pipeline.Binding),
	}
}

// Bind assigns a detector and its minimum confidence to a category
func (r *Registry) Bind(category pipeline.Category, detector pipeline.Detector, minConfidence float64) error {
	if detector == nil {
		return fmt.Errorf("detector cannot be nil")
	}
	if !category.IsValid() {
		return fmt.Errorf("unknown category %q", category)
	}
	if minConfidence < 0 || minConfidence > 1 {
		return fmt.Errorf("min confidence %.2f for %s is outside [0,1]", minConfidence, category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bindings[category]; exists {
		return fmt.Errorf("category %q already bound", category)
	}

	r.bindings[category] = pipeline.Binding{Detector: detector, MinConfidence: minConfidence}
	return nil
}

// Lookup returns the binding for a category
func (r *Registry) Lookup(category pipeline.Category) (pipeline.Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[category]
	return b, ok
}

// Categories returns the bound categories in evaluation order
func (r *Registry) Categories() []pipeline.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]pipeline.Category, 0, len(r.bindings))
	for _, c := range pipeline.Categories {
		if _, ok := r.bindings[c]; ok {
			result = append(result, c)
		}
	}
	return result
}

// Missing returns the categories that have no detector, sorted by name
func (r *Registry) Missing() []pipeline.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []pipeline.Category
	for _, c := range pipeline.Categories {
		if _, ok := r.bindings[c]; !ok {
			missing = append(missing, c)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// CheckHealth checks every bound detector that supports health checks
func (r *Registry) CheckHealth(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	checked := make(map[pipeline.Detector]bool)
	for _, c := range pipeline.Categories {
		b, ok := r.bindings[c]
		if !ok || checked[b.Detector] {
			continue
		}
		checked[b.Detector] = true
		if hc, ok := b.Detector.(detection.HealthChecker); ok {
			if err := hc.CheckHealth(ctx); err != nil {
				return fmt.Errorf("%s detector unhealthy: %w", c, err)
			}
		}
	}
	return nil
}

// Close releases all detector resources. A detector bound to several
// categories is closed once.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed := make(map[pipeline.Detector]bool)
	var firstErr error
	for category, b := range r.bindings {
		if !closed[b.Detector] {
			closed[b.Detector] = true
			if err := b.Detector.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("error closing detector %q: %w", b.Detector.Name(), err)
			}
		}
		delete(r.bindings, category)
	}
	return firstErr
}

// Ensure Registry implements DetectorRegistry
var _ pipeline.DetectorRegistry = (*Registry)(nil)

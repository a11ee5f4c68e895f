package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mobwatch/internal/detection"
	"mobwatch/internal/pipeline"
)

// Family selects how a backend's output is mapped to a category
type Family string

const (
	// FamilyHub keeps detections whose class name matches the category
	FamilyHub Family = "hub"
	// FamilyScoped labels every detection with the category
	FamilyScoped Family = "scoped"
)

// OpenFunc constructs the backend of one binding
type OpenFunc func(ctx context.Context) (detection.Backend, error)

// Spec describes the detector of one category
type Spec struct {
	Category      pipeline.Category
	Family        Family
	MinConfidence float64
	Open          OpenFunc
}

// Load opens every backend concurrently, verifies remote backends are
// healthy and returns a registry covering all categories. Any failure closes
// the backends opened so far and returns the first error.
func Load(ctx context.Context, specs []Spec, logger zerolog.Logger) (*Registry, error) {
	logger = logger.With().Str("component", "registry").Logger()

	for _, s := range specs {
		if s.Family != FamilyHub && s.Family != FamilyScoped {
			return nil, fmt.Errorf("category %s: unknown model family %q", s.Category, s.Family)
		}
		if s.Open == nil {
			return nil, fmt.Errorf("category %s: no backend configured", s.Category)
		}
	}

	backends := make([]detection.Backend, len(specs))
	g, gctx := errgroup.WithContext(ctx)

	for i, s := range specs {
		g.Go(func() error {
			start := time.Now()
			backend, err := s.Open(gctx)
			if err != nil {
				return fmt.Errorf("failed to load %s model: %w", s.Category, err)
			}
			if backend == nil {
				return fmt.Errorf("failed to load %s model: no backend returned", s.Category)
			}
			backends[i] = backend

			if hc, ok := backend.(detection.HealthChecker); ok {
				if err := hc.CheckHealth(gctx); err != nil {
					return fmt.Errorf("%s model is not ready: %w", s.Category, err)
				}
			}

			logger.Info().
				Str("category", string(s.Category)).
				Str("family", string(s.Family)).
				Str("backend", backend.Name()).
				Dur("took", time.Since(start)).
				Msg("model loaded")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		closeAll(backends, logger)
		return nil, err
	}

	registry := NewRegistry()
	for i, s := range specs {
		var detector pipeline.Detector
		switch s.Family {
		case FamilyHub:
			detector = NewHubAdapter(backends[i])
		case FamilyScoped:
			detector = NewScopedAdapter(backends[i])
		}
		if err := registry.Bind(s.Category, detector, s.MinConfidence); err != nil {
			_ = registry.Close()
			closeAll(backends[i:], logger)
			return nil, err
		}
	}

	if missing := registry.Missing(); len(missing) > 0 {
		_ = registry.Close()
		return nil, fmt.Errorf("no model configured for categories %v", missing)
	}

	logger.Info().Interface("categories", registry.Categories()).Msg("detector registry ready")
	return registry, nil
}

func closeAll(backends []detection.Backend, logger zerolog.Logger) {
	for _, b := range backends {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			logger.Warn().Err(err).Str("backend", b.Name()).Msg("failed to close backend")
		}
	}
}

package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"mobwatch/internal/config"
	"mobwatch/internal/detection"
	"mobwatch/internal/detection/onnx"
	"mobwatch/internal/pipeline"
	"mobwatch/internal/pipeline/detectors"
)

// loadDetectors opens the backend of every category and binds it to the
// family adapter named in the configuration
func loadDetectors(ctx context.Context, models map[string]config.ModelConfig, logger zerolog.Logger) (*detectors.Registry, error) {
	specs := make([]detectors.Spec, 0, len(models))
	for _, category := range pipeline.Categories {
		m, ok := models[string(category)]
		if !ok {
			return nil, fmt.Errorf("no model configured for %s", category)
		}
		open, err := backendOpener(m)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", category, err)
		}
		specs = append(specs, detectors.Spec{
			Category:      category,
			Family:        detectors.Family(m.Family),
			MinConfidence: m.MinConfidence,
			Open:          open,
		})
	}
	return detectors.Load(ctx, specs, logger)
}

func backendOpener(m config.ModelConfig) (detectors.OpenFunc, error) {
	switch m.Backend {
	case config.ModelONNX:
		layout := onnx.LayoutV8
		if m.Layout == "v5" {
			layout = onnx.LayoutV5
		}
		return func(context.Context) (detection.Backend, error) {
			d, err := onnx.New(onnx.Config{
				ModelPath:  m.Path,
				Layout:     layout,
				ClassNames: m.Classes,
				InputSize:  m.InputSize,
				CUDA:       m.CUDA,
			})
			if err != nil {
				return nil, err
			}
			return d, nil
		}, nil
	case config.ModelHTTP:
		return func(context.Context) (detection.Backend, error) {
			return detection.NewHTTPDetector(detection.HTTPConfig{
				Endpoint: m.Endpoint,
				Model:    m.RemoteModel,
			}), nil
		}, nil
	case config.ModelGRPC:
		return func(context.Context) (detection.Backend, error) {
			d, err := detection.NewGRPCDetector(detection.GRPCConfig{
				Endpoint: m.Endpoint,
				Model:    m.RemoteModel,
			})
			if err != nil {
				return nil, err
			}
			return d, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", m.Backend)
}

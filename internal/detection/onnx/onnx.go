// Package onnx runs YOLO models exported to ONNX in-process through the
// OpenCV DNN module.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"mobwatch/internal/detection"
)

// Layout is the output tensor layout of an exported model
type Layout string

const (
	// LayoutV5 is [1, boxes, 5+classes] with an objectness column
	LayoutV5 Layout = "yolov5"
	// LayoutV8 is [1, 4+classes, boxes] without objectness
	LayoutV8 Layout = "yolov8"
)

// Config holds configuration for an ONNX detector
type Config struct {
	ModelPath    string
	Layout       Layout
	ClassNames   []string // Index is the class id
	InputSize    int      // Square network input, default 640
	NMSThreshold float32  // IoU threshold, default 0.45
	// MinScore is the model-internal score floor applied before the caller's
	// threshold, default 0.25
	MinScore float32
	CUDA     bool
}

// Detector implements detection.Backend with gocv DNN
type Detector struct {
	name   string
	config Config
	net    gocv.Net
	mu     sync.Mutex
}

// New loads an ONNX model
func New(cfg Config) (*Detector, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("model path is required")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if cfg.Layout == "" {
		cfg.Layout = LayoutV8
	}
	if cfg.Layout != LayoutV5 && cfg.Layout != LayoutV8 {
		return nil, fmt.Errorf("unsupported layout %q", cfg.Layout)
	}
	if len(cfg.ClassNames) == 0 {
		return nil, errors.New("class names are required")
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	if cfg.NMSThreshold <= 0 {
		cfg.NMSThreshold = 0.45
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.25
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load ONNX network from %s", cfg.ModelPath)
	}

	if cfg.CUDA {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	name := strings.TrimSuffix(baseName(cfg.ModelPath), ".onnx")
	return &Detector{name: "onnx:" + name, config: cfg, net: net}, nil
}

// Name returns the backend identifier
func (d *Detector) Name() string {
	return d.name
}

// Detect runs one forward pass on the frame pixels
func (d *Detector) Detect(ctx context.Context, in detection.Input, confThreshold float32) (*detection.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img := in.RGBA()
	if img == nil || img.Bounds().Empty() {
		return &detection.Result{}, nil
	}

	frame, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	defer frame.Close()

	size := d.config.InputSize
	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	start := time.Now()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	elapsed := time.Since(start)
	d.mu.Unlock()
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read network output: %w", err)
	}

	floor := d.config.MinScore
	if confThreshold > floor {
		floor = confThreshold
	}

	scaleX := float32(img.Bounds().Dx()) / float32(size)
	scaleY := float32(img.Bounds().Dy()) / float32(size)
	candidates := decode(data, output.Size(), d.config.Layout, len(d.config.ClassNames), floor, scaleX, scaleY)

	rects := make([]image.Rectangle, len(candidates))
	scores := make([]float32, len(candidates))
	for i, c := range candidates {
		rects[i] = image.Rect(int(c.box[0]), int(c.box[1]), int(c.box[2]), int(c.box[3]))
		scores[i] = c.score
	}

	result := &detection.Result{
		InferenceTimeMs: float32(elapsed.Microseconds()) / 1000,
		Device:          "cpu",
	}
	if d.config.CUDA {
		result.Device = "cuda"
	}
	if len(candidates) == 0 {
		return result, nil
	}

	for _, idx := range gocv.NMSBoxes(rects, scores, floor, d.config.NMSThreshold) {
		c := candidates[idx]
		result.Detections = append(result.Detections, detection.Detection{
			Class:      d.config.ClassNames[c.classID],
			ClassID:    c.classID,
			Confidence: c.score,
			BBox:       c.box[:],
		})
	}
	result.Count = len(result.Detections)

	return result, nil
}

// Close releases the network
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

var _ detection.Backend = (*Detector)(nil)

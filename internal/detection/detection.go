package detection

import (
	"context"
	"image"
)

// Input is a frame handed to a backend. Remote backends send the JPEG
// encoding, in-process backends read the pixels.
type Input interface {
	RGBA() *image.RGBA
	JPEG() ([]byte, error)
}

// Detection represents a detected object as reported by a backend
type Detection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

// Result represents the full detection response of one frame
type Result struct {
	Detections      []Detection `json:"detections"`
	Count           int         `json:"count"`
	InferenceTimeMs float32     `json:"inference_time_ms"`
	Device          string      `json:"device"`
}

// Backend is a raw inference engine. confThreshold of 0 keeps every
// detection the model reports.
type Backend interface {
	Name() string
	Detect(ctx context.Context, in Input, confThreshold float32) (*Result, error)
	Close() error
}

// HealthChecker is implemented by backends that depend on a remote service
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// PixelBox truncates a float box toward zero to integer pixel coordinates.
// Boxes with fewer than four values yield ok=false.
func PixelBox(bbox []float32) (box [4]int, ok bool) {
	if len(bbox) < 4 {
		return box, false
	}
	for i := 0; i < 4; i++ {
		box[i] = int(bbox[i])
	}
	return box, true
}

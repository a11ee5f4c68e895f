package pipeline

import (
	"context"
	"image"
	"time"
)

// Detector is the unified interface for every detection model family.
// Implementations return only detections of the requested category.
type Detector interface {
	// Name returns the detector identifier, used in logs and metrics
	Name() string

	// Detect runs inference on a frame for one category. Detections below
	// minConfidence are dropped; 0 keeps everything the model reports.
	Detect(ctx context.Context, frame *Frame, category Category, minConfidence float64) ([]Detection, error)

	// Close releases model resources
	Close() error
}

// Binding couples a detector with the minimum confidence used for its category
type Binding struct {
	Detector      Detector
	MinConfidence float64
}

// DetectorRegistry resolves the detector bound to a category
type DetectorRegistry interface {
	// Lookup returns the binding for a category
	Lookup(category Category) (Binding, bool)

	// Close releases all detector resources
	Close() error
}

// InferenceObserver receives per-category inference timings
type InferenceObserver interface {
	ObserveInference(category Category, elapsed time.Duration, detections int, err error)
}

// Annotator draws detections onto a frame in place
type Annotator interface {
	Annotate(img *image.RGBA, detections []Detection)
}

// FrameSource decodes frames sequentially from a video
type FrameSource interface {
	// Properties returns the stream properties read when the source was opened
	Properties() VideoProperties

	// Next decodes the next frame. ok is false once the video is exhausted.
	Next() (img image.Image, ok bool, err error)

	// Close releases the decoder
	Close() error
}

// FrameSink encodes annotated frames into an output video
type FrameSink interface {
	Write(img *image.RGBA) error
	Close() error
}

// VideoIO opens video sources and sinks. Implementations must return a usable
// empty source for unreadable files rather than an error.
type VideoIO interface {
	OpenSource(path string) (FrameSource, error)
	CreateSink(path string, props VideoProperties) (FrameSink, error)
}

// FrameWriter receives encoded annotated frames for the requesting client
type FrameWriter interface {
	WriteFrame(jpeg []byte) error
}

// JobStore holds job statuses keyed by job id
type JobStore interface {
	Create(status *JobStatus) error
	Get(id string) (*JobStatus, bool)
	Update(id string, fn func(*JobStatus) error) (*JobStatus, error)
}

// TimelineStore persists finished timelines
type TimelineStore interface {
	// Save writes the timeline of a job and returns its file reference
	Save(jobID string, timeline Timeline) (string, error)
}

// EventHandler receives job events from the event bus
type EventHandler interface {
	OnEvent(event *Event)
}

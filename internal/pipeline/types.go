package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"math"
	"strings"
	"time"
)

// Category identifies one of the detection classes
type Category string

const (
	CategoryPerson  Category = "person"
	CategoryFire    Category = "fire"
	CategoryWeapon  Category = "weapon"
	CategoryStick   Category = "stick"
	CategoryPlacard Category = "placard"
)

// Categories lists every category in evaluation order
var Categories = []Category{
	CategoryFire,
	CategoryPlacard,
	CategoryWeapon,
	CategoryStick,
	CategoryPerson,
}

// IsValid reports whether c is a known category
func (c Category) IsValid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ModuleAll selects every category
const ModuleAll = "all"

// ErrUnknownModule is returned when a module filter names no known category
var ErrUnknownModule = errors.New("unknown module")

// Module is the caller-selected category filter for a job ("all" or one category)
type Module string

// ParseModule validates a module filter. An empty string means "all".
func ParseModule(s string) (Module, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == ModuleAll {
		return Module(ModuleAll), nil
	}
	if !Category(s).IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownModule, s)
	}
	return Module(s), nil
}

// Categories returns the categories this filter evaluates, in evaluation order
func (m Module) Categories() []Category {
	if m == ModuleAll || m == "" {
		return Categories
	}
	for _, c := range Categories {
		if Category(m) == c {
			return []Category{c}
		}
	}
	return nil
}

// Frame is one decoded video frame
type Frame struct {
	Index int         // Zero-based position in the video
	Image *image.RGBA // Pixels, mutated in place by the annotator

	jpeg []byte // Encoded copy of the undrawn frame, built on demand
}

// NewFrame wraps a decoded image, converting it to RGBA if needed
func NewFrame(index int, img image.Image) *Frame {
	rgba, ok := img.(*image.RGBA)
	if !ok {
		b := img.Bounds()
		rgba = image.NewRGBA(b)
		draw.Draw(rgba, b, img, b.Min, draw.Src)
	}
	return &Frame{Index: index, Image: rgba}
}

// RGBA returns the frame pixels
func (f *Frame) RGBA() *image.RGBA {
	return f.Image
}

// JPEG returns the frame encoded as JPEG. The encoding is cached, so call it
// before the frame is annotated when the raw pixels are wanted.
func (f *Frame) JPEG() ([]byte, error) {
	if f.jpeg != nil {
		return f.jpeg, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode frame %d: %w", f.Index, err)
	}
	f.jpeg = buf.Bytes()
	return f.jpeg, nil
}

// Detection is a single accepted detection on a frame
type Detection struct {
	BBox       [4]int   `json:"bbox"`       // x1, y1, x2, y2 in pixels
	Label      Category `json:"label"`      // Category name
	Confidence float64  `json:"confidence"` // [0-1]
}

// Counts maps every category to an integer count
type Counts map[Category]int

// NewCounts returns counts with every category initialised to zero
func NewCounts() Counts {
	c := make(Counts, len(Categories))
	for _, cat := range Categories {
		c[cat] = 0
	}
	return c
}

// Clone returns a copy of the counts
func (c Counts) Clone() Counts {
	out := make(Counts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// FrameRecord is the detection record of one frame in the timeline
type FrameRecord struct {
	Frame      int         `json:"frame"`
	Time       float64     `json:"time"` // Seconds, frame / fps
	Detections []Detection `json:"detections"`
	Counts     Counts      `json:"counts"`
}

// Timeline is the ordered sequence of frame records of one job
type Timeline []FrameRecord

// VideoProperties describes a video stream
type VideoProperties struct {
	Width      int
	Height     int
	FPS        float64
	FrameCount int
}

// WholeFPS truncates a reported frame rate to whole frames per second.
// Timestamps and output videos use the truncated rate.
func WholeFPS(fps float64) float64 {
	return math.Trunc(fps)
}

// JobState is the lifecycle state of a processing job
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	// JobUnknown is reported for ids that were never created or were evicted
	JobUnknown JobState = "unknown"
)

// IsTerminal reports whether no further transitions happen from s
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// MobState is the qualitative classification of a video
type MobState string

const (
	MobViolent  MobState = "Violent Mob"
	MobRestless MobState = "Restless Crowd"
	MobPeaceful MobState = "Peaceful Crowd"
)

// Alert is the severity tag attached to a MobState
type Alert string

const (
	AlertDanger  Alert = "danger"
	AlertWarning Alert = "warning"
	AlertSuccess Alert = "success"
)

// JobStatus is the externally visible state of one job
type JobStatus struct {
	ID             string    `json:"-"`
	Status         JobState  `json:"status"`
	TotalFrames    int       `json:"total_frames"`
	CurrentFrame   int       `json:"current_frame"`
	Module         Module    `json:"module"`
	Filename       string    `json:"filename,omitempty"`
	VideoPath      string    `json:"-"`
	AnnotatedVideo string    `json:"annotated_video,omitempty"`
	TimelineFile   string    `json:"timeline_file,omitempty"`
	MobState       MobState  `json:"mob_state,omitempty"`
	Alert          Alert     `json:"alert,omitempty"`
	Counts         Counts    `json:"counts,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"-"`
	UpdatedAt      time.Time `json:"-"`
}

// Progress returns current_frame / total_frames, or 0 when the total is unknown
func (s *JobStatus) Progress() float64 {
	if s.TotalFrames <= 0 {
		return 0
	}
	return float64(s.CurrentFrame) / float64(s.TotalFrames)
}

// AnnotatedVideoName returns the output video file name of a job
func AnnotatedVideoName(jobID string) string {
	return "annotated_" + jobID + ".mp4"
}

// TimelineFileName returns the timeline file name of a job
func TimelineFileName(jobID string) string {
	return "timeline_" + jobID + ".json"
}

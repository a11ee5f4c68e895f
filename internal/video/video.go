// Package video decodes uploaded videos and encodes annotated output with
// OpenCV.
package video

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"mobwatch/internal/pipeline"
)

const (
	// Codec is the FourCC of annotated output videos
	Codec = "mp4v"
	// Output frame rate used when the source reports none
	fallbackFPS = 30
)

// IO opens gocv-backed sources and sinks
type IO struct {
	logger zerolog.Logger
}

// NewIO creates a video IO
func NewIO(logger zerolog.Logger) *IO {
	return &IO{logger: logger.With().Str("component", "video").Logger()}
}

// OpenSource opens a video file. Files OpenCV cannot read yield an empty
// source so the job completes with zero frames.
func (v *IO) OpenSource(path string) (pipeline.FrameSource, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil || !capture.IsOpened() {
		if capture != nil {
			capture.Close()
		}
		v.logger.Warn().Err(err).Str("path", path).Msg("video not readable, treating as empty")
		return emptySource{}, nil
	}

	props := pipeline.VideoProperties{
		Width:      int(capture.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(capture.Get(gocv.VideoCaptureFrameHeight)),
		FPS:        pipeline.WholeFPS(capture.Get(gocv.VideoCaptureFPS)),
		FrameCount: int(capture.Get(gocv.VideoCaptureFrameCount)),
	}
	if props.FrameCount < 0 {
		props.FrameCount = 0
	}

	return &source{capture: capture, props: props, mat: gocv.NewMat()}, nil
}

// CreateSink prepares an output video at path. The file is created when the
// first frame is written.
func (v *IO) CreateSink(path string, props pipeline.VideoProperties) (pipeline.FrameSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	fps := props.FPS
	if fps <= 0 {
		fps = fallbackFPS
	}
	return &sink{path: path, fps: fps}, nil
}

type source struct {
	capture *gocv.VideoCapture
	props   pipeline.VideoProperties
	mat     gocv.Mat
}

func (s *source) Properties() pipeline.VideoProperties {
	return s.props
}

func (s *source) Next() (image.Image, bool, error) {
	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, false, nil
	}
	img, err := s.mat.ToImage()
	if err != nil {
		return nil, false, err
	}
	return img, true, nil
}

func (s *source) Close() error {
	if err := s.mat.Close(); err != nil {
		return err
	}
	return s.capture.Close()
}

type emptySource struct{}

func (emptySource) Properties() pipeline.VideoProperties { return pipeline.VideoProperties{} }

func (emptySource) Next() (image.Image, bool, error) { return nil, false, nil }

func (emptySource) Close() error { return nil }

type sink struct {
	path   string
	fps    float64
	writer *gocv.VideoWriter
	size   image.Point
}

func (s *sink) Write(img *image.RGBA) error {
	size := img.Bounds().Size()
	if s.writer == nil {
		writer, err := gocv.VideoWriterFile(s.path, Codec, s.fps, size.X, size.Y, true)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", s.path, err)
		}
		if !writer.IsOpened() {
			writer.Close()
			return fmt.Errorf("failed to open %s with codec %s", s.path, Codec)
		}
		s.writer = writer
		s.size = size
	}
	if size != s.size {
		return fmt.Errorf("frame size %v does not match video size %v", size, s.size)
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("failed to convert frame: %w", err)
	}
	defer mat.Close()

	return s.writer.Write(mat)
}

func (s *sink) Close() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}

// Ensure IO implements pipeline.VideoIO
var _ pipeline.VideoIO = (*IO)(nil)

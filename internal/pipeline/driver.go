package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrJobNotFound is returned when a job id has no status entry
	ErrJobNotFound = errors.New("job not found")
	// ErrAlreadyRunning is returned when a job is started while it is processing
	ErrAlreadyRunning = errors.New("job is already processing")
)

// DriverConfig holds settings of the stream driver
type DriverConfig struct {
	ResultsDir  string // Directory receiving annotated videos
	JPEGQuality int    // Quality of streamed frames (1-100)
}

// Driver owns the decode, detect, annotate, encode loop of a job
type Driver struct {
	config     DriverConfig
	aggregator *Aggregator
	annotator  Annotator
	video      VideoIO
	jobs       JobStore
	timelines  TimelineStore
	bus        *EventBus
	logger     zerolog.Logger
}

// NewDriver creates a stream driver. bus may be nil.
func NewDriver(
	config DriverConfig,
	aggregator *Aggregator,
	annotator Annotator,
	video VideoIO,
	jobs JobStore,
	timelines TimelineStore,
	bus *EventBus,
	logger zerolog.Logger,
) *Driver {
	if config.JPEGQuality <= 0 || config.JPEGQuality > 100 {
		config.JPEGQuality = 85
	}
	return &Driver{
		config:     config,
		aggregator: aggregator,
		annotator:  annotator,
		video:      video,
		jobs:       jobs,
		timelines:  timelines,
		bus:        bus,
		logger:     logger.With().Str("component", "driver").Logger(),
	}
}

// Run processes the video of job jobID frame by frame, writing every
// annotated frame to out (which may be nil). It returns the final status of a
// completed job. Any error leaves the job in the failed state.
func (d *Driver) Run(ctx context.Context, jobID string, out FrameWriter) (*JobStatus, error) {
	status, err := d.claim(jobID)
	if err != nil {
		return nil, err
	}

	logger := d.logger.With().Str("job", jobID).Str("module", string(status.Module)).Logger()
	started := time.Now()

	final, err := d.process(ctx, status, out, logger)
	if err != nil {
		logger.Error().Err(err).Msg("job failed")
		d.fail(jobID, err)
		return nil, err
	}

	logger.Info().
		Int("frames", final.CurrentFrame).
		Str("mob_state", string(final.MobState)).
		Dur("took", time.Since(started)).
		Msg("job completed")
	return final, nil
}

// claim moves a job into processing and resets results of previous runs
func (d *Driver) claim(jobID string) (*JobStatus, error) {
	if _, ok := d.jobs.Get(jobID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	return d.jobs.Update(jobID, func(s *JobStatus) error {
		if s.Status == JobProcessing {
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, jobID)
		}
		s.Status = JobProcessing
		s.TotalFrames = 0
		s.CurrentFrame = 0
		s.AnnotatedVideo = ""
		s.TimelineFile = ""
		s.MobState = ""
		s.Alert = ""
		s.Counts = nil
		s.Error = ""
		return nil
	})
}

func (d *Driver) process(ctx context.Context, status *JobStatus, out FrameWriter, logger zerolog.Logger) (*JobStatus, error) {
	jobID := status.ID
	module := status.Module

	source, err := d.video.OpenSource(status.VideoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open video: %w", err)
	}
	defer func() {
		if cerr := source.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to close video source")
		}
	}()

	props := source.Properties()
	started, err := d.jobs.Update(jobID, func(s *JobStatus) error {
		s.TotalFrames = props.FrameCount
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.publish(&Event{Type: EventStarted, JobID: jobID, Status: *started})

	videoName := AnnotatedVideoName(jobID)
	sink, err := d.video.CreateSink(filepath.Join(d.config.ResultsDir, videoName), props)
	if err != nil {
		return nil, fmt.Errorf("failed to create output video: %w", err)
	}
	sinkClosed := false
	defer func() {
		if !sinkClosed {
			sink.Close()
		}
	}()

	logger.Info().
		Int("width", props.Width).
		Int("height", props.Height).
		Float64("fps", props.FPS).
		Int("total_frames", props.FrameCount).
		Msg("processing started")

	acc := NewAccumulator(props.FPS)

	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("stream interrupted at frame %d: %w", index, err)
		}

		img, ok, err := source.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to decode frame %d: %w", index, err)
		}
		if !ok {
			break
		}

		frame := NewFrame(index, img)
		detections, counts, err := d.aggregator.Process(ctx, frame, module)
		if err != nil {
			return nil, err
		}

		d.annotator.Annotate(frame.Image, detections)

		if err := sink.Write(frame.Image); err != nil {
			return nil, fmt.Errorf("failed to write frame %d: %w", index, err)
		}

		record := acc.Append(index, detections, counts)

		encoded, err := d.encode(frame)
		if err != nil {
			return nil, err
		}

		snapshot, err := d.jobs.Update(jobID, func(s *JobStatus) error {
			s.CurrentFrame = index + 1
			return nil
		})
		if err != nil {
			return nil, err
		}

		if out != nil {
			if err := out.WriteFrame(encoded); err != nil {
				return nil, fmt.Errorf("failed to stream frame %d: %w", index, err)
			}
		}

		d.publish(&Event{
			Type:   EventFrame,
			JobID:  jobID,
			Record: &record,
			Image:  encoded,
			Status: *snapshot,
		})

		if (index+1)%100 == 0 {
			logger.Debug().Int("frame", index+1).Int("total", props.FrameCount).Msg("progress")
		}
	}

	sinkClosed = true
	if err := sink.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize output video: %w", err)
	}

	peak := acc.Peak()
	mobState, alert := Classify(peak)

	timelineFile, err := d.timelines.Save(jobID, acc.Timeline())
	if err != nil {
		return nil, fmt.Errorf("failed to save timeline: %w", err)
	}

	final, err := d.jobs.Update(jobID, func(s *JobStatus) error {
		s.Status = JobCompleted
		s.CurrentFrame = acc.Len()
		s.AnnotatedVideo = videoName
		s.TimelineFile = timelineFile
		s.MobState = mobState
		s.Alert = alert
		s.Counts = peak
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.publish(&Event{Type: EventCompleted, JobID: jobID, Status: *final})
	return final, nil
}

// fail records err as the terminal cause of a job
func (d *Driver) fail(jobID string, cause error) {
	snapshot, err := d.jobs.Update(jobID, func(s *JobStatus) error {
		s.Status = JobFailed
		s.Error = cause.Error()
		return nil
	})
	if err != nil {
		d.logger.Error().Err(err).Str("job", jobID).Msg("failed to record job failure")
		return
	}
	d.publish(&Event{Type: EventFailed, JobID: jobID, Status: *snapshot})
}

func (d *Driver) encode(frame *Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: d.config.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame %d: %w", frame.Index, err)
	}
	return buf.Bytes(), nil
}

func (d *Driver) publish(event *Event) {
	if d.bus != nil {
		d.bus.Publish(event)
	}
}

// Package services implements the HTTP endpoints of mobwatch.
package services

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	goahttp "goa.design/goa/v3/http"

	"mobwatch/internal/jobs"
	"mobwatch/internal/pipeline"
	"mobwatch/internal/timeline"
)

// Runner drives jobs through the stream driver
type Runner interface {
	Run(ctx context.Context, jobID string, out pipeline.FrameWriter) (*pipeline.JobStatus, error)
	Stop(jobID string) bool
	Active() []pipeline.RunStats
}

// JobViewer attaches a request to the live output of a job
type JobViewer interface {
	// ServeJob reports false when the job has no live output
	ServeJob(w http.ResponseWriter, r *http.Request, jobID string) bool
}

// Subscriber upgrades a request to a push subscription on a job
type Subscriber interface {
	ServeJob(w http.ResponseWriter, r *http.Request, jobID string)
}

// Check is a named readiness probe
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Config holds HTTP surface settings
type Config struct {
	UploadDir      string
	ResultsDir     string
	MaxUploadBytes int64
}

// Server serves the mobwatch endpoints
type Server struct {
	config    Config
	jobs      jobs.Store
	runner    Runner
	timelines *timeline.FileStore
	viewer    JobViewer
	subs      Subscriber
	metrics   http.Handler
	checks    []Check
	vars      func(*http.Request) map[string]string
	logger    zerolog.Logger
}

// Options collects the optional collaborators of a Server
type Options struct {
	Viewer  JobViewer    // /watch/{uid}
	Subs    Subscriber   // /ws/jobs/{uid}
	Metrics http.Handler // /metrics
	Checks  []Check      // /readyz
}

// New creates a server. The upload and results directories are created when
// missing.
func New(config Config, store jobs.Store, runner Runner, timelines *timeline.FileStore, opts Options, logger zerolog.Logger) (*Server, error) {
	for _, dir := range []string{config.UploadDir, config.ResultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 512 << 20
	}

	return &Server{
		config:    config,
		jobs:      store,
		runner:    runner,
		timelines: timelines,
		viewer:    opts.Viewer,
		subs:      opts.Subs,
		metrics:   opts.Metrics,
		checks:    opts.Checks,
		logger:    logger.With().Str("component", "http").Logger(),
	}, nil
}

// Mount registers every endpoint on mux
func (s *Server) Mount(mux goahttp.Muxer) []Mount {
	mounts := []Mount{
		{"Upload", "POST", "/upload", s.upload},
		{"UploadIndex", "POST", "/", s.upload},
		{"VideoFeed", "GET", "/video_feed/{uid}", s.videoFeed},
		{"Status", "GET", "/status/{uid}", s.status},
		{"Result", "GET", "/result/{uid}", s.result},
		{"Timeline", "GET", "/api/timeline/{filename}", s.timeline},
		{"ResultFile", "GET", "/results/{filename}", s.resultFile},
		{"StaticResultFile", "GET", "/static/results/{filename}", s.resultFile},
		{"ListJobs", "GET", "/jobs", s.listJobs},
		{"DeleteJob", "DELETE", "/jobs/{uid}", s.deleteJob},
		{"StopJob", "POST", "/jobs/{uid}/stop", s.stopJob},
		{"Healthz", "GET", "/healthz", s.healthz},
		{"Readyz", "GET", "/readyz", s.readyz},
	}
	if s.viewer != nil {
		mounts = append(mounts, Mount{"Watch", "GET", "/watch/{uid}", s.watch})
	}
	if s.subs != nil {
		mounts = append(mounts, Mount{"Subscribe", "GET", "/ws/jobs/{uid}", s.subscribe})
	}
	if s.metrics != nil {
		mounts = append(mounts, Mount{"Metrics", "GET", "/metrics", s.metrics.ServeHTTP})
	}

	for _, m := range mounts {
		mux.Handle(m.Verb, m.Pattern, m.handler)
	}
	s.vars = mux.Vars
	return mounts
}

// Mount describes one mounted endpoint
type Mount struct {
	Method  string
	Verb    string
	Pattern string
	handler http.HandlerFunc
}

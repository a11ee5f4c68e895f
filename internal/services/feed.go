package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"mobwatch/internal/pipeline"
	"mobwatch/internal/stream"
)

// videoFeed runs the job and streams its annotated frames as multipart MJPEG.
// The job lives as long as the request: a client that goes away fails it.
func (s *Server) videoFeed(w http.ResponseWriter, r *http.Request) {
	uid := s.pathVar(r, "uid")

	status, ok := s.jobs.Get(uid)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("video not found: %s", uid))
		return
	}
	if status.Status == pipeline.JobProcessing {
		s.writeError(w, r, http.StatusConflict, fmt.Errorf("%w: %s", pipeline.ErrAlreadyRunning, uid))
		return
	}
	if _, err := os.Stat(status.VideoPath); errors.Is(err, os.ErrNotExist) {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("video not found: %s", uid))
		return
	}

	out, err := stream.NewMultipartWriter(w)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	logger := s.logger.With().Str("job", uid).Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("video feed started")

	final, err := s.runner.Run(r.Context(), uid, out)
	if err != nil {
		if out.Frames() > 0 {
			// Headers are gone, the failure is recorded on the job
			logger.Warn().Err(err).Int("frames", out.Frames()).Msg("video feed ended early")
			return
		}
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, pipeline.ErrAlreadyRunning):
			code = http.StatusConflict
		case errors.Is(err, pipeline.ErrJobNotFound):
			code = http.StatusNotFound
		case errors.Is(err, pipeline.ErrShuttingDown):
			code = http.StatusServiceUnavailable
		}
		s.writeError(w, r, code, err)
		return
	}

	logger.Info().Int("frames", out.Frames()).Str("mob_state", string(final.MobState)).Msg("video feed finished")
}

// watch attaches a passive viewer to a running job
func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	uid := s.pathVar(r, "uid")
	if !s.viewer.ServeJob(w, r, uid) {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("job %s is not streaming", uid))
	}
}

// subscribe upgrades to a websocket carrying job progress
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	s.subs.ServeJob(w, r, s.pathVar(r, "uid"))
}

// stopJob cancels a running job, which then ends as failed
func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	uid := s.pathVar(r, "uid")
	if _, ok := s.jobs.Get(uid); !ok {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", pipeline.ErrJobNotFound, uid))
		return
	}
	if !s.runner.Stop(uid) {
		s.writeError(w, r, http.StatusConflict, fmt.Errorf("job %s is not processing", uid))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

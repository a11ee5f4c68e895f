package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"mobwatch/internal/pipeline"
)

// JobResponse is a job status tagged with its id
type JobResponse struct {
	UID          string     `json:"uid"`
	RunningSince *time.Time `json:"running_since,omitempty"` // set while a run is in flight
	*pipeline.JobStatus
}

// status reports the job state; unseen ids are "unknown" rather than 404
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	uid := s.pathVar(r, "uid")
	status, ok := s.jobs.Get(uid)
	if !ok {
		s.writeJSON(w, r, http.StatusOK, map[string]pipeline.JobState{"status": pipeline.JobUnknown})
		return
	}
	s.writeJSON(w, r, http.StatusOK, status)
}

// result returns the outcome of a completed job
func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	uid := s.pathVar(r, "uid")
	status, ok := s.jobs.Get(uid)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", pipeline.ErrJobNotFound, uid))
		return
	}
	if status.Status != pipeline.JobCompleted {
		s.writeError(w, r, http.StatusConflict, fmt.Errorf("job %s is %s", uid, status.Status))
		return
	}
	s.writeJSON(w, r, http.StatusOK, &JobResponse{UID: uid, JobStatus: status})
}

// listJobs returns every known job, newest first
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	since := make(map[string]time.Time)
	for _, run := range s.runner.Active() {
		since[run.JobID] = run.StartedAt
	}

	all := s.jobs.List()
	res := make([]*JobResponse, 0, len(all))
	for _, st := range all {
		jr := &JobResponse{UID: st.ID, JobStatus: st}
		if t, ok := since[st.ID]; ok {
			jr.RunningSince = &t
		}
		res = append(res, jr)
	}
	s.writeJSON(w, r, http.StatusOK, res)
}

// deleteJob forgets a job that is not processing and removes its upload
func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	uid := s.pathVar(r, "uid")
	status, ok := s.jobs.Get(uid)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", pipeline.ErrJobNotFound, uid))
		return
	}
	if status.Status == pipeline.JobProcessing {
		s.writeError(w, r, http.StatusConflict, fmt.Errorf("%w: %s", pipeline.ErrAlreadyRunning, uid))
		return
	}

	if err := s.jobs.Delete(uid); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if status.VideoPath != "" {
		if err := os.Remove(status.VideoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("job", uid).Msg("failed to remove upload")
		}
	}

	s.logger.Info().Str("job", uid).Msg("job deleted")
	w.WriteHeader(http.StatusNoContent)
}

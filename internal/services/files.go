package services

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"

	"mobwatch/internal/timeline"
)

var resultFilePattern = regexp.MustCompile(`^(annotated_[A-Za-z0-9-]+\.mp4|timeline_[A-Za-z0-9-]+\.json)$`)

// timeline returns a stored timeline document
func (s *Server) timeline(w http.ResponseWriter, r *http.Request) {
	name := s.pathVar(r, "filename")
	records, err := s.timelines.Load(name)
	switch {
	case errors.Is(err, timeline.ErrInvalidName):
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	case errors.Is(err, timeline.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, err)
		return
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, records)
}

// resultFile serves annotated videos and timelines from the results directory
func (s *Server) resultFile(w http.ResponseWriter, r *http.Request) {
	name := s.pathVar(r, "filename")
	if name != filepath.Base(name) || !resultFilePattern.MatchString(name) {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid result file name %q", name))
		return
	}
	http.ServeFile(w, r, filepath.Join(s.config.ResultsDir, name))
}

package services

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"mobwatch/internal/pipeline"
)

// UploadResponse is returned for an accepted upload
type UploadResponse struct {
	UID      string          `json:"uid"`
	Filename string          `json:"filename"`
	Module   pipeline.Module `json:"module"`
}

// newJobID returns a random 32 character hex id
func newJobID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// upload stores the video of the multipart field "video" as <uid>_<filename>
// and creates a pending job for it
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid upload: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	module, err := pipeline.ParseModule(r.FormValue("module"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	file, header, err := r.FormFile("video")
	if errors.Is(err, http.ErrMissingFile) {
		s.writeError(w, r, http.StatusBadRequest, errors.New("no video selected"))
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid upload: %w", err))
		return
	}
	defer file.Close()

	filename := filepath.Base(filepath.Clean("/" + header.Filename))
	if header.Filename == "" || filename == "/" || filename == "." {
		s.writeError(w, r, http.StatusBadRequest, errors.New("no video selected"))
		return
	}

	uid := newJobID()
	videoPath := filepath.Join(s.config.UploadDir, uid+"_"+filename)
	if err := saveFile(videoPath, file); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	now := time.Now()
	if err := s.jobs.Create(&pipeline.JobStatus{
		ID:        uid,
		Status:    pipeline.JobPending,
		Module:    module,
		Filename:  filename,
		VideoPath: videoPath,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		os.Remove(videoPath)
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info().
		Str("job", uid).
		Str("filename", filename).
		Str("module", string(module)).
		Int64("size", header.Size).
		Msg("video uploaded")

	s.writeJSON(w, r, http.StatusOK, &UploadResponse{UID: uid, Filename: filename, Module: module})
}

func saveFile(path string, src io.Reader) error {
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return fmt.Errorf("failed to save upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to save upload: %w", err)
	}
	return nil
}

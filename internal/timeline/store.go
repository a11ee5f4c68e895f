// Package timeline persists per-frame detection timelines as JSON files.
package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"mobwatch/internal/pipeline"
)

var (
	// ErrInvalidName is returned for file names outside the timeline naming scheme
	ErrInvalidName = errors.New("invalid timeline file name")
	// ErrNotFound is returned when no timeline file exists under a valid name
	ErrNotFound = errors.New("timeline not found")
)

var namePattern = regexp.MustCompile(`^timeline_[A-Za-z0-9-]+\.json$`)

// FileStore writes one JSON array per job into a directory
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir, creating it if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the timeline of a job and returns its file name
func (s *FileStore) Save(jobID string, timeline pipeline.Timeline) (string, error) {
	name := pipeline.TimelineFileName(jobID)
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if timeline == nil {
		timeline = pipeline.Timeline{}
	}

	data, err := json.Marshal(timeline)
	if err != nil {
		return "", fmt.Errorf("failed to encode timeline: %w", err)
	}

	// Write to a temp file first so readers never see a partial timeline
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create timeline file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write timeline: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write timeline: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store timeline: %w", err)
	}

	return name, nil
}

// Load reads a stored timeline by file name
func (s *FileStore) Load(name string) (pipeline.Timeline, error) {
	data, err := s.read(name)
	if err != nil {
		return nil, err
	}

	var timeline pipeline.Timeline
	if err := json.Unmarshal(data, &timeline); err != nil {
		return nil, fmt.Errorf("failed to decode timeline %s: %w", name, err)
	}
	return timeline, nil
}

func (s *FileStore) read(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read timeline %s: %w", name, err)
	}
	return data, nil
}

// ValidateName rejects names that could escape the results directory or do
// not follow the timeline_<id>.json scheme
func ValidateName(name string) error {
	if name != filepath.Base(name) || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Ensure FileStore implements pipeline.TimelineStore
var _ pipeline.TimelineStore = (*FileStore)(nil)

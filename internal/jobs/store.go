// Package jobs keeps the status of processing jobs.
package jobs

import (
	"errors"

	"mobwatch/internal/pipeline"
)

var (
	// ErrNotFound is returned for ids that were never created or were evicted
	ErrNotFound = pipeline.ErrJobNotFound
	// ErrExists is returned when creating a job whose id is taken
	ErrExists = errors.New("job already exists")
)

// Store is a job store with an explicit lifecycle: terminal jobs are evicted
// once they are older than the configured TTL
type Store interface {
	pipeline.JobStore

	// Delete removes a job
	Delete(id string) error

	// List returns all jobs, newest first
	List() []*pipeline.JobStatus

	// Sweep evicts expired terminal jobs and returns their ids
	Sweep() []string

	// Close stops the janitor and releases resources
	Close() error
}

// clone returns a deep copy of a status
func clone(s *pipeline.JobStatus) *pipeline.JobStatus {
	c := *s
	if s.Counts != nil {
		c.Counts = s.Counts.Clone()
	}
	return &c
}

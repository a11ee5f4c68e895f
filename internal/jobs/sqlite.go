package jobs

import (
	"fmt"

	"mobwatch/internal/database"
	"mobwatch/internal/pipeline"
)

// SQLiteStore serves jobs from memory and writes them through to SQLite on
// creation and on every status transition, so finished jobs survive restarts.
// Per-frame progress stays in memory.
type SQLiteStore struct {
	*MemoryStore
	db *database.Database
}

// NewSQLiteStore opens a store on db and loads the jobs it holds. Jobs that
// were processing when the previous process stopped are marked failed.
func NewSQLiteStore(db *database.Database, opts Options) (*SQLiteStore, error) {
	mem := NewMemoryStore(opts)
	s := &SQLiteStore{MemoryStore: mem, db: db}

	if err := s.load(); err != nil {
		mem.Close()
		return nil, err
	}

	mem.mu.Lock()
	mem.onEvict = s.deleteEvicted
	mem.mu.Unlock()

	return s, nil
}

func (s *SQLiteStore) load() error {
	if s.ttl > 0 {
		cutoff := s.now().Add(-s.ttl)
		if _, err := s.db.DeleteJobsBefore(cutoff, string(pipeline.JobCompleted), string(pipeline.JobFailed)); err != nil {
			return err
		}
	}

	records, err := s.db.ListJobs("", 0)
	if err != nil {
		return err
	}

	interrupted := 0
	for _, rec := range records {
		status := fromRecord(rec)
		if status.Status == pipeline.JobProcessing {
			status.Status = pipeline.JobFailed
			status.Error = "processing interrupted by restart"
			status.UpdatedAt = s.now()
			if err := s.db.SaveJob(toRecord(status)); err != nil {
				return err
			}
			interrupted++
		}
		s.restore(status)
	}

	s.logger.Info().Int("jobs", len(records)).Int("interrupted", interrupted).Msg("loaded jobs from database")
	return nil
}

// Create adds a job and persists it
func (s *SQLiteStore) Create(status *pipeline.JobStatus) error {
	if err := s.MemoryStore.Create(status); err != nil {
		return err
	}
	stored, _ := s.MemoryStore.Get(status.ID)
	if err := s.db.SaveJob(toRecord(stored)); err != nil {
		_ = s.MemoryStore.Delete(status.ID)
		return err
	}
	return nil
}

// Update applies fn and persists the job when its status changed
func (s *SQLiteStore) Update(id string, fn func(*pipeline.JobStatus) error) (*pipeline.JobStatus, error) {
	var before pipeline.JobState
	updated, err := s.MemoryStore.Update(id, func(job *pipeline.JobStatus) error {
		before = job.Status
		return fn(job)
	})
	if err != nil {
		return nil, err
	}

	if updated.Status != before || updated.Status.IsTerminal() {
		if err := s.db.SaveJob(toRecord(updated)); err != nil {
			return nil, fmt.Errorf("failed to persist job %s: %w", id, err)
		}
	}
	return updated, nil
}

// Delete removes a job from memory and the database
func (s *SQLiteStore) Delete(id string) error {
	if err := s.MemoryStore.Delete(id); err != nil {
		return err
	}
	return s.db.DeleteJob(id)
}

func (s *SQLiteStore) deleteEvicted(ids []string) {
	for _, id := range ids {
		if err := s.db.DeleteJob(id); err != nil {
			s.logger.Warn().Err(err).Str("job", id).Msg("failed to delete evicted job")
		}
	}
}

func toRecord(s *pipeline.JobStatus) *database.JobRecord {
	rec := &database.JobRecord{
		ID:             s.ID,
		Status:         string(s.Status),
		Module:         string(s.Module),
		Filename:       s.Filename,
		VideoPath:      s.VideoPath,
		TotalFrames:    s.TotalFrames,
		CurrentFrame:   s.CurrentFrame,
		AnnotatedVideo: s.AnnotatedVideo,
		TimelineFile:   s.TimelineFile,
		MobState:       string(s.MobState),
		Alert:          string(s.Alert),
		Error:          s.Error,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if s.Counts != nil {
		rec.Counts = make(map[string]int, len(s.Counts))
		for k, v := range s.Counts {
			rec.Counts[string(k)] = v
		}
	}
	return rec
}

func fromRecord(rec *database.JobRecord) *pipeline.JobStatus {
	s := &pipeline.JobStatus{
		ID:             rec.ID,
		Status:         pipeline.JobState(rec.Status),
		Module:         pipeline.Module(rec.Module),
		Filename:       rec.Filename,
		VideoPath:      rec.VideoPath,
		TotalFrames:    rec.TotalFrames,
		CurrentFrame:   rec.CurrentFrame,
		AnnotatedVideo: rec.AnnotatedVideo,
		TimelineFile:   rec.TimelineFile,
		MobState:       pipeline.MobState(rec.MobState),
		Alert:          pipeline.Alert(rec.Alert),
		Error:          rec.Error,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.Counts != nil {
		s.Counts = make(pipeline.Counts, len(rec.Counts))
		for k, v := range rec.Counts {
			s.Counts[pipeline.Category(k)] = v
		}
	}
	return s
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

package jobs

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobwatch/internal/database"
	"mobwatch/internal/pipeline"
)

// clock is a manually advanced time source
type clock struct {
	t time.Time
}

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newMemory(t *testing.T, ttl time.Duration) (*MemoryStore, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(Options{TTL: ttl, Logger: zerolog.Nop()})
	s.now = c.Now
	t.Cleanup(func() { _ = s.Close() })
	return s, c
}

func pending(id string) *pipeline.JobStatus {
	return &pipeline.JobStatus{ID: id, Status: pipeline.JobPending, Module: pipeline.ModuleAll}
}

func TestMemoryStoreCreateGetUpdate(t *testing.T) {
	s, _ := newMemory(t, 0)

	require.NoError(t, s.Create(pending("a")))
	assert.ErrorIs(t, s.Create(pending("a")), ErrExists)

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, pipeline.JobPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	updated, err := s.Update("a", func(j *pipeline.JobStatus) error {
		j.Status = pipeline.JobProcessing
		j.Counts = pipeline.NewCounts()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobProcessing, updated.Status)

	// Snapshots are isolated from the stored job
	updated.Counts[pipeline.CategoryFire] = 9
	got, _ = s.Get("a")
	assert.Equal(t, 0, got.Counts[pipeline.CategoryFire])

	_, ok = s.Get("missing")
	assert.False(t, ok)
	_, err = s.Update("missing", func(*pipeline.JobStatus) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdateErrorLeavesJobUnchanged(t *testing.T) {
	s, _ := newMemory(t, 0)
	require.NoError(t, s.Create(pending("a")))

	boom := errors.New("rejected")
	_, err := s.Update("a", func(j *pipeline.JobStatus) error {
		j.Status = pipeline.JobFailed
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := s.Get("a")
	assert.Equal(t, pipeline.JobPending, got.Status)
}

func TestMemoryStoreSweepEvictsOnlyExpiredTerminalJobs(t *testing.T) {
	s, c := newMemory(t, time.Hour)

	for _, id := range []string{"done", "failed", "running", "waiting"} {
		require.NoError(t, s.Create(pending(id)))
	}
	set := func(id string, state pipeline.JobState) {
		_, err := s.Update(id, func(j *pipeline.JobStatus) error {
			j.Status = state
			return nil
		})
		require.NoError(t, err)
	}
	set("done", pipeline.JobCompleted)
	set("failed", pipeline.JobFailed)
	set("running", pipeline.JobProcessing)

	c.Advance(30 * time.Minute)
	assert.Empty(t, s.Sweep())

	c.Advance(31 * time.Minute)
	assert.Equal(t, []string{"done", "failed"}, s.Sweep())

	_, ok := s.Get("done")
	assert.False(t, ok)
	_, ok = s.Get("running")
	assert.True(t, ok)
	_, ok = s.Get("waiting")
	assert.True(t, ok)
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	s, c := newMemory(t, 0)
	require.NoError(t, s.Create(pending("first")))
	c.Advance(time.Second)
	require.NoError(t, s.Create(pending("second")))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].ID)

	require.NoError(t, s.Delete("first"))
	assert.ErrorIs(t, s.Delete("first"), ErrNotFound)
	assert.Len(t, s.List(), 1)
}

func TestMemoryStoreJanitor(t *testing.T) {
	s := NewMemoryStore(Options{TTL: time.Nanosecond, SweepInterval: 5 * time.Millisecond, Logger: zerolog.Nop()})
	defer s.Close()

	require.NoError(t, s.Create(pending("a")))
	_, err := s.Update("a", func(j *pipeline.JobStatus) error {
		j.Status = pipeline.JobCompleted
		return nil
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := s.Get("a")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

// storedJob reads a job row straight from the database, or nil
func storedJob(t *testing.T, db *database.Database, id string) *database.JobRecord {
	t.Helper()
	rows, err := db.ListJobs("", 0)
	require.NoError(t, err)
	for _, rec := range rows {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

func openDB(t *testing.T, path string) *database.Database {
	t.Helper()
	db, err := database.New(path)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStoreSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	db := openDB(t, path)

	s, err := NewSQLiteStore(db, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	require.NoError(t, s.Create(pending("done")))
	require.NoError(t, s.Create(pending("running")))
	_, err = s.Update("done", func(j *pipeline.JobStatus) error {
		j.Status = pipeline.JobCompleted
		j.MobState = pipeline.MobRestless
		j.Alert = pipeline.AlertWarning
		j.Counts = pipeline.Counts{pipeline.CategoryPerson: 3, pipeline.CategoryStick: 1}
		return nil
	})
	require.NoError(t, err)
	_, err = s.Update("running", func(j *pipeline.JobStatus) error {
		j.Status = pipeline.JobProcessing
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(db, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer reopened.Close()

	done, ok := reopened.Get("done")
	require.True(t, ok)
	assert.Equal(t, pipeline.JobCompleted, done.Status)
	assert.Equal(t, pipeline.MobRestless, done.MobState)
	assert.Equal(t, 3, done.Counts[pipeline.CategoryPerson])

	running, ok := reopened.Get("running")
	require.True(t, ok)
	assert.Equal(t, pipeline.JobFailed, running.Status)
	assert.NotEmpty(t, running.Error)
}

func TestSQLiteStoreProgressStaysInMemory(t *testing.T) {
	db := openDB(t, filepath.Join(t.TempDir(), "jobs.db"))
	s, err := NewSQLiteStore(db, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Create(pending("a")))
	_, err = s.Update("a", func(j *pipeline.JobStatus) error {
		j.Status = pipeline.JobProcessing
		return nil
	})
	require.NoError(t, err)
	_, err = s.Update("a", func(j *pipeline.JobStatus) error {
		j.CurrentFrame = 42
		return nil
	})
	require.NoError(t, err)

	mem, _ := s.Get("a")
	assert.Equal(t, 42, mem.CurrentFrame)

	rec := storedJob(t, db, "a")
	require.NotNil(t, rec)
	assert.Equal(t, "processing", rec.Status)
	assert.Equal(t, 0, rec.CurrentFrame)
}

func TestSQLiteStoreEvictionDeletesRows(t *testing.T) {
	db := openDB(t, filepath.Join(t.TempDir(), "jobs.db"))
	s, err := NewSQLiteStore(db, Options{TTL: time.Hour, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer s.Close()

	c := &clock{t: time.Now()}
	s.now = c.Now

	require.NoError(t, s.Create(pending("a")))
	_, err = s.Update("a", func(j *pipeline.JobStatus) error {
		j.Status = pipeline.JobFailed
		j.Error = "boom"
		return nil
	})
	require.NoError(t, err)

	c.Advance(2 * time.Hour)
	assert.Equal(t, []string{"a"}, s.Sweep())

	assert.Nil(t, storedJob(t, db, "a"))
}

package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// JobRecord represents a processing job stored in the database
type JobRecord struct {
	ID             string
	Status         string
	Module         string
	Filename       string
	VideoPath      string
	TotalFrames    int
	CurrentFrame   int
	AnnotatedVideo string
	TimelineFile   string
	MobState       string
	Alert          string
	Counts         map[string]int
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping verifies the connection is alive
func (d *Database) Ping() error {
	return d.db.Ping()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			module TEXT NOT NULL DEFAULT 'all',
			filename TEXT,
			video_path TEXT,
			total_frames INTEGER DEFAULT 0,
			current_frame INTEGER DEFAULT 0,
			annotated_video TEXT,
			timeline_file TEXT,
			mob_state TEXT,
			alert TEXT,
			counts TEXT,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// SaveJob saves or updates a job
func (d *Database) SaveJob(job *JobRecord) error {
	var countsJSON sql.NullString
	if job.Counts != nil {
		data, err := json.Marshal(job.Counts)
		if err != nil {
			return fmt.Errorf("failed to marshal counts: %w", err)
		}
		countsJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `INSERT INTO jobs
		(id, status, module, filename, video_path, total_frames, current_frame,
		 annotated_video, timeline_file, mob_state, alert, counts, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			module = excluded.module,
			filename = excluded.filename,
			video_path = excluded.video_path,
			total_frames = excluded.total_frames,
			current_frame = excluded.current_frame,
			annotated_video = excluded.annotated_video,
			timeline_file = excluded.timeline_file,
			mob_state = excluded.mob_state,
			alert = excluded.alert,
			counts = excluded.counts,
			error = excluded.error,
			updated_at = excluded.updated_at`

	_, err := d.db.Exec(query, job.ID, job.Status, job.Module, job.Filename, job.VideoPath,
		job.TotalFrames, job.CurrentFrame, job.AnnotatedVideo, job.TimelineFile,
		job.MobState, job.Alert, countsJSON, job.Error,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

const jobColumns = `id, status, module, filename, video_path, total_frames, current_frame,
	annotated_video, timeline_file, mob_state, alert, counts, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	var (
		job                                   JobRecord
		filename, videoPath, annotated        sql.NullString
		timelineFile, mobState, alert, errCol sql.NullString
		counts                                sql.NullString
		createdAt, updatedAt                  int64
	)

	if err := row.Scan(&job.ID, &job.Status, &job.Module, &filename, &videoPath,
		&job.TotalFrames, &job.CurrentFrame, &annotated, &timelineFile,
		&mobState, &alert, &counts, &errCol, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	job.Filename = filename.String
	job.VideoPath = videoPath.String
	job.AnnotatedVideo = annotated.String
	job.TimelineFile = timelineFile.String
	job.MobState = mobState.String
	job.Alert = alert.String
	job.Error = errCol.String
	job.CreatedAt = time.Unix(0, createdAt)
	job.UpdatedAt = time.Unix(0, updatedAt)

	if counts.Valid && counts.String != "" {
		if err := json.Unmarshal([]byte(counts.String), &job.Counts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal counts: %w", err)
		}
	}

	return &job, nil
}

// ListJobs returns jobs, newest first, optionally filtered by status
func (d *Database) ListJobs(status string, limit int) ([]*JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJob deletes a job by ID
func (d *Database) DeleteJob(id string) error {
	_, err := d.db.Exec("DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// DeleteJobsBefore deletes jobs in one of statuses last updated before the
// given time and returns their ids
func (d *Database) DeleteJobsBefore(before time.Time, statuses ...string) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := "?"
	args := []any{before.UnixNano(), statuses[0]}
	for _, s := range statuses[1:] {
		placeholders += ", ?"
		args = append(args, s)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	where := ` WHERE updated_at < ? AND status IN (` + placeholders + `)`
	rows, err := tx.Query(`SELECT id FROM jobs`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	if _, err := tx.Exec(`DELETE FROM jobs`+where, args...); err != nil {
		return nil, fmt.Errorf("failed to delete expired jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return ids, nil
}

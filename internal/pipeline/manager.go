package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrShuttingDown is returned when a job is started after Close
var ErrShuttingDown = errors.New("pipeline manager is shutting down")

// RunStats describes one active job run
type RunStats struct {
	JobID     string
	StartedAt time.Time
}

// Manager tracks the job runs in flight so they can be cancelled together
type Manager struct {
	driver *Driver
	runs   map[string]*activeRun
	closed bool
	wg     sync.WaitGroup
	mu     sync.Mutex
	logger zerolog.Logger
}

type activeRun struct {
	cancel    context.CancelFunc
	startedAt time.Time
}

// NewManager creates a manager around driver
func NewManager(driver *Driver, logger zerolog.Logger) *Manager {
	return &Manager{
		driver: driver,
		runs:   make(map[string]*activeRun),
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run drives a job to a terminal state on the calling goroutine, streaming
// annotated frames to out. The run is cancelled when ctx is done or the
// manager is closed.
func (m *Manager) Run(ctx context.Context, jobID string, out FrameWriter) (*JobStatus, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, exists := m.runs[jobID]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	m.runs[jobID] = &activeRun{cancel: cancel, startedAt: time.Now()}
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.runs, jobID)
		m.mu.Unlock()
		m.wg.Done()
	}()

	return m.driver.Run(runCtx, jobID, out)
}

// Stop cancels the run of a job. It reports whether the job was running.
func (m *Manager) Stop(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, exists := m.runs[jobID]
	if !exists {
		return false
	}
	run.cancel()
	m.logger.Info().Str("job", jobID).Msg("run cancelled")
	return true
}

// Active returns the runs in flight ordered by start time
func (m *Manager) Active() []RunStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]RunStats, 0, len(m.runs))
	for id, run := range m.runs {
		stats = append(stats, RunStats{JobID: id, StartedAt: run.startedAt})
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].StartedAt.Before(stats[j].StartedAt)
	})
	return stats
}

// Close cancels every active run and waits for them to record their final
// state, or for ctx to expire
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, run := range m.runs {
		run.cancel()
	}
	active := len(m.runs)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info().Int("cancelled", active).Msg("closed all job runs")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

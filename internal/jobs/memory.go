package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mobwatch/internal/pipeline"
)

// Options configures job expiry
type Options struct {
	// TTL is how long terminal jobs are kept after their last update.
	// Zero keeps them forever.
	TTL time.Duration
	// SweepInterval is the janitor period. Zero disables the janitor.
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

// MemoryStore keeps jobs in a map guarded by a mutex
type MemoryStore struct {
	jobs    map[string]*pipeline.JobStatus
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	onEvict func(ids []string)
	logger  zerolog.Logger

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates a memory store and starts its janitor
func NewMemoryStore(opts Options) *MemoryStore {
	s := &MemoryStore{
		jobs:   make(map[string]*pipeline.JobStatus),
		ttl:    opts.TTL,
		now:    time.Now,
		logger: opts.Logger.With().Str("component", "jobs").Logger(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	if opts.SweepInterval > 0 && opts.TTL > 0 {
		go s.janitor(opts.SweepInterval)
	} else {
		close(s.done)
	}
	return s
}

// Create adds a new job
func (s *MemoryStore) Create(status *pipeline.JobStatus) error {
	if status == nil || status.ID == "" {
		return fmt.Errorf("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[status.ID]; exists {
		return fmt.Errorf("%w: %s", ErrExists, status.ID)
	}

	c := clone(status)
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.jobs[c.ID] = c
	return nil
}

// Get returns a copy of a job
func (s *MemoryStore) Get(id string) (*pipeline.JobStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return clone(job), true
}

// Update applies fn to a copy of the job and stores it unless fn fails.
// The returned status is a snapshot after the update.
func (s *MemoryStore) Update(id string, fn func(*pipeline.JobStatus) error) (*pipeline.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	c := clone(job)
	if err := fn(c); err != nil {
		return nil, err
	}
	c.ID = id
	c.UpdatedAt = s.now()
	s.jobs[id] = c
	return clone(c), nil
}

// Delete removes a job
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.jobs, id)
	return nil
}

// List returns copies of all jobs, newest first
func (s *MemoryStore) List() []*pipeline.JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*pipeline.JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		result = append(result, clone(job))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// Sweep evicts terminal jobs not updated within the TTL. Pending and
// processing jobs are never evicted.
func (s *MemoryStore) Sweep() []string {
	if s.ttl <= 0 {
		return nil
	}

	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	var evicted []string
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			evicted = append(evicted, id)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if len(evicted) > 0 {
		sort.Strings(evicted)
		s.logger.Debug().Strs("jobs", evicted).Msg("evicted expired jobs")
		if onEvict != nil {
			onEvict(evicted)
		}
	}
	return evicted
}

func (s *MemoryStore) janitor(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// restore inserts a job as-is, keeping its timestamps
func (s *MemoryStore) restore(status *pipeline.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[status.ID] = clone(status)
}

// Close stops the janitor
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.done
	return nil
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

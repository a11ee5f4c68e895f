package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
)

// fakeDetector returns canned detections and records the categories it saw
type fakeDetector struct {
	mu      sync.Mutex
	name    string
	results map[Category][]Detection
	err     error
	calls   []Category
}

func (d *fakeDetector) Name() string { return d.name }

func (d *fakeDetector) Detect(_ context.Context, _ *Frame, category Category, _ float64) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, category)
	if d.err != nil {
		return nil, d.err
	}
	return d.results[category], nil
}

func (d *fakeDetector) Close() error { return nil }

func (d *fakeDetector) Calls() []Category {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Category(nil), d.calls...)
}

// fakeRegistry binds every category to the same detector
type fakeRegistry struct {
	detector Detector
	missing  Category
}

func (r *fakeRegistry) Lookup(c Category) (Binding, bool) {
	if c == r.missing {
		return Binding{}, false
	}
	return Binding{Detector: r.detector, MinConfidence: 0.5}, true
}

func (r *fakeRegistry) Close() error { return nil }

type noopAnnotator struct{ calls int }

func (a *noopAnnotator) Annotate(_ *image.RGBA, _ []Detection) { a.calls++ }

// fakeSource yields n solid frames
type fakeSource struct {
	props  VideoProperties
	n      int
	pos    int
	failAt int
	closed bool
}

func (s *fakeSource) Properties() VideoProperties { return s.props }

func (s *fakeSource) Next() (image.Image, bool, error) {
	if s.failAt > 0 && s.pos == s.failAt {
		return nil, false, errors.New("corrupt frame")
	}
	if s.pos >= s.n {
		return nil, false, nil
	}
	s.pos++
	img := image.NewNRGBA(image.Rect(0, 0, s.props.Width, s.props.Height))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Set(0, 0, color.White)
	return img, true, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeSink struct {
	written int
	closed  bool
}

func (s *fakeSink) Write(_ *image.RGBA) error {
	s.written++
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

type fakeVideoIO struct {
	source   *fakeSource
	sink     *fakeSink
	sinkPath string
}

func (v *fakeVideoIO) OpenSource(_ string) (FrameSource, error) { return v.source, nil }

func (v *fakeVideoIO) CreateSink(path string, _ VideoProperties) (FrameSink, error) {
	v.sinkPath = path
	return v.sink, nil
}

// memJobs is a minimal in-memory job store
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*JobStatus
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]*JobStatus)}
}

func (m *memJobs) Create(s *JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.jobs[s.ID] = &c
	return nil
}

func (m *memJobs) Get(id string) (*JobStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	c := *s
	return &c, true
}

func (m *memJobs) Update(id string, fn func(*JobStatus) error) (*JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	c := *s
	if err := fn(&c); err != nil {
		return nil, err
	}
	m.jobs[id] = &c
	out := c
	return &out, nil
}

type memTimelines struct {
	saved map[string]Timeline
}

func (m *memTimelines) Save(jobID string, t Timeline) (string, error) {
	if m.saved == nil {
		m.saved = make(map[string]Timeline)
	}
	m.saved[jobID] = t
	return TimelineFileName(jobID), nil
}

// collectWriter gathers streamed frames and can fail after a number of writes
type collectWriter struct {
	frames  [][]byte
	failAt  int
	failErr error
}

func (w *collectWriter) WriteFrame(b []byte) error {
	if w.failErr != nil && len(w.frames) == w.failAt {
		return w.failErr
	}
	w.frames = append(w.frames, b)
	return nil
}

// eventFunc adapts a function to EventHandler
type eventFunc func(event *Event)

func (f eventFunc) OnEvent(event *Event) { f(event) }

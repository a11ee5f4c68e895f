package stream

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/hybridgroup/mjpeg"
	"github.com/rs/zerolog"
)

var errJobEnded = errors.New("job ended")

// endFrame is pushed to wake viewers of a job that never produced a frame
var endFrame = []byte{0xff, 0xd8, 0xff, 0xd9}

// WatchBroadcaster lets passive viewers follow a job that another client is
// driving. Each running job gets its own MJPEG stream.
type WatchBroadcaster struct {
	streams map[string]*watchStream
	mu      sync.RWMutex
	logger  zerolog.Logger
}

type watchStream struct {
	stream *mjpeg.Stream
	last   []byte
	done   chan struct{}
	// mjpeg.Stream reuses one frame buffer, so updates must not overlap
	updateMu sync.Mutex
}

func (ws *watchStream) update(jpeg []byte) {
	ws.updateMu.Lock()
	defer ws.updateMu.Unlock()
	ws.stream.UpdateJPEG(jpeg)
}

// NewWatchBroadcaster creates a new broadcaster
func NewWatchBroadcaster(logger zerolog.Logger) *WatchBroadcaster {
	return &WatchBroadcaster{
		streams: make(map[string]*watchStream),
		logger:  logger.With().Str("component", "watch").Logger(),
	}
}

// Start opens the stream of a job so viewers can attach before the first frame
func (b *WatchBroadcaster) Start(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensure(jobID)
}

func (b *WatchBroadcaster) ensure(jobID string) *watchStream {
	ws, ok := b.streams[jobID]
	if !ok {
		s := mjpeg.NewStream()
		s.FrameInterval = 10 * time.Millisecond
		ws = &watchStream{stream: s, done: make(chan struct{})}
		b.streams[jobID] = ws
	}
	return ws
}

// SetFrame publishes the latest annotated frame of a job
func (b *WatchBroadcaster) SetFrame(jobID string, jpeg []byte) {
	b.mu.Lock()
	ws := b.ensure(jobID)
	ws.last = jpeg
	b.mu.Unlock()

	ws.update(jpeg)
}

// EndJob closes the stream of a job and releases its viewers
func (b *WatchBroadcaster) EndJob(jobID string) {
	b.mu.Lock()
	ws, ok := b.streams[jobID]
	delete(b.streams, jobID)
	b.mu.Unlock()

	if !ok {
		return
	}
	close(ws.done)
	b.logger.Debug().Str("job", jobID).Msg("watch stream closed")
}

// Streams returns the number of open watch streams
func (b *WatchBroadcaster) Streams() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams)
}

// ServeJob attaches the request as a viewer of a job. It returns false when
// the job is not being streamed, and otherwise blocks until the job ends or
// the viewer goes away.
func (b *WatchBroadcaster) ServeJob(w http.ResponseWriter, r *http.Request, jobID string) bool {
	b.mu.RLock()
	ws, ok := b.streams[jobID]
	b.mu.RUnlock()
	if !ok {
		return false
	}

	logger := b.logger.With().Str("job", jobID).Str("remote", r.RemoteAddr).Logger()
	logger.Debug().Msg("viewer attached")

	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ws.stream.ServeHTTP(&watchWriter{ResponseWriter: w, stop: stop}, r)
	}()

	select {
	case <-finished:
		return true
	case <-ws.done:
	case <-r.Context().Done():
	}
	close(stop)

	// The stream handler only notices stop on its next write, so keep feeding
	// it until it returns
	wake := endFrame
	b.mu.RLock()
	if ws.last != nil {
		wake = ws.last
	}
	b.mu.RUnlock()

	ticker := time.NewTicker(ws.stream.FrameInterval)
	defer ticker.Stop()
	for {
		ws.update(wake)
		select {
		case <-finished:
			logger.Debug().Msg("viewer detached")
			return true
		case <-ticker.C:
		}
	}
}

// watchWriter fails writes once the viewer is released so the stream handler
// returns
type watchWriter struct {
	http.ResponseWriter
	stop <-chan struct{}
}

func (w *watchWriter) Write(p []byte) (int, error) {
	select {
	case <-w.stop:
		return 0, errJobEnded
	default:
	}
	return w.ResponseWriter.Write(p)
}

func (w *watchWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Package stream serves annotated frames as multipart MJPEG.
package stream

import (
	"errors"
	"fmt"
	"net/http"
)

// Boundary separates frames of the multipart response
const Boundary = "frame"

// ContentType is the content type of multipart MJPEG responses
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// ErrStreamingUnsupported is returned when the response cannot be flushed
var ErrStreamingUnsupported = errors.New("streaming not supported")

// MultipartWriter writes JPEG frames as parts of a multipart/x-mixed-replace
// response, flushing after every frame
type MultipartWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	frames  int
}

// NewMultipartWriter sets the streaming headers on w
func NewMultipartWriter(w http.ResponseWriter) (*MultipartWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &MultipartWriter{w: w, flusher: flusher}, nil
}

// WriteFrame writes one JPEG part
func (m *MultipartWriter) WriteFrame(jpeg []byte) error {
	if m.frames == 0 {
		m.w.WriteHeader(http.StatusOK)
	}
	if _, err := fmt.Fprintf(m.w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(jpeg)); err != nil {
		return err
	}
	if _, err := m.w.Write(jpeg); err != nil {
		return err
	}
	if _, err := m.w.Write([]byte("\r\n")); err != nil {
		return err
	}
	m.flusher.Flush()
	m.frames++
	return nil
}

// Frames returns the number of frames written
func (m *MultipartWriter) Frames() int {
	return m.frames
}

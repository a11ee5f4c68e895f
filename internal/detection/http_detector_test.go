package detection

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubInput struct {
	jpeg []byte
}

func (s stubInput) RGBA() *image.RGBA { return image.NewRGBA(image.Rect(0, 0, 4, 4)) }

func (s stubInput) JPEG() ([]byte, error) { return s.jpeg, nil }

// capturedForm holds the form fields of the last detect request
type capturedForm struct {
	confThreshold string
	model         string
}

func newDetectionServer(t *testing.T, modelLoaded bool) (*httptest.Server, *capturedForm) {
	t.Helper()
	captured := &capturedForm{}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "healthy", ModelLoaded: modelLoaded})
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		captured.confThreshold = r.FormValue("conf_threshold")
		captured.model = r.FormValue("model")

		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		if string(data) != "jpegbytes" {
			http.Error(w, "bad image", http.StatusBadRequest)
			return
		}

		_ = json.NewEncoder(w).Encode(Result{
			Detections: []Detection{
				{Class: "Fire", ClassID: 0, Confidence: 0.81, BBox: []float32{10.7, 20.2, 110.9, 220.5}},
				{Class: "smoke", ClassID: 1, Confidence: 0.4, BBox: []float32{0, 0, 5, 5}},
			},
			InferenceTimeMs: 12.5,
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, captured
}

func TestHTTPDetectorDetect(t *testing.T) {
	srv, form := newDetectionServer(t, true)
	d := NewHTTPDetector(HTTPConfig{Endpoint: srv.URL + "/", Model: "fire"})

	result, err := d.Detect(context.Background(), stubInput{jpeg: []byte("jpegbytes")}, 0.25)
	require.NoError(t, err)

	require.Len(t, result.Detections, 2)
	assert.Equal(t, 2, result.Count)
	assert.Equal(t, "Fire", result.Detections[0].Class)
	assert.InDelta(t, 0.81, result.Detections[0].Confidence, 1e-6)
	assert.Equal(t, "0.250", form.confThreshold)
	assert.Equal(t, "fire", form.model)
	assert.Equal(t, "http:fire", d.Name())
}

func TestHTTPDetectorServiceError(t *testing.T) {
	srv, _ := newDetectionServer(t, true)
	d := NewHTTPDetector(HTTPConfig{Endpoint: srv.URL})

	_, err := d.Detect(context.Background(), stubInput{jpeg: []byte("other")}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestHTTPDetectorHealth(t *testing.T) {
	srv, _ := newDetectionServer(t, true)
	assert.NoError(t, NewHTTPDetector(HTTPConfig{Endpoint: srv.URL}).CheckHealth(context.Background()))

	unloaded, _ := newDetectionServer(t, false)
	err := NewHTTPDetector(HTTPConfig{Endpoint: unloaded.URL}).CheckHealth(context.Background())
	assert.ErrorContains(t, err, "no model loaded")
}

func TestHTTPDetectorUnreachable(t *testing.T) {
	srv, _ := newDetectionServer(t, true)
	srv.Close()

	d := NewHTTPDetector(HTTPConfig{Endpoint: srv.URL})
	assert.Error(t, d.CheckHealth(context.Background()))
}

func TestPixelBox(t *testing.T) {
	box, ok := PixelBox([]float32{10.7, 20.2, 110.9, 220.5})
	require.True(t, ok)
	assert.Equal(t, [4]int{10, 20, 110, 220}, box)

	// Boxes reaching past the top-left edge truncate toward zero
	box, ok = PixelBox([]float32{-0.6, -3.4, 0.9, 5})
	require.True(t, ok)
	assert.Equal(t, [4]int{0, -3, 0, 5}, box)

	_, ok = PixelBox([]float32{1, 2})
	assert.False(t, ok)
}

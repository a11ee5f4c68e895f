package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPDetector runs inference through a remote detection service that accepts
// multipart frame uploads
type HTTPDetector struct {
	endpoint    string
	model       string
	client      *http.Client
	healthCheck time.Time
	mu          sync.RWMutex
}

// HTTPConfig holds configuration for the HTTP detector
type HTTPConfig struct {
	Endpoint string        // Base URL of the service, e.g. http://yolo:8081
	Model    string        // Model name on the service, sent with every frame
	Timeout  time.Duration // Per-request timeout
}

// HealthResponse represents the health check response of the service
type HealthResponse struct {
	Status       string   `json:"status"`
	Device       string   `json:"device"`
	GPUAvailable bool     `json:"gpu_available"`
	ModelLoaded  bool     `json:"model_loaded"`
	Models       []string `json:"models,omitempty"`
}

// NewHTTPDetector creates a new HTTP detection backend
func NewHTTPDetector(cfg HTTPConfig) *HTTPDetector {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second // Longer timeout for GPU inference
	}
	return &HTTPDetector{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name returns the backend identifier
func (hd *HTTPDetector) Name() string {
	if hd.model != "" {
		return "http:" + hd.model
	}
	return "http"
}

// CheckHealth verifies the service is up and has its model loaded
func (hd *HTTPDetector) CheckHealth(ctx context.Context) error {
	hd.mu.RLock()
	// Cache health check for 30 seconds
	if time.Since(hd.healthCheck) < 30*time.Second {
		hd.mu.RUnlock()
		return nil
	}
	hd.mu.RUnlock()

	health, err := hd.GetHealthInfo(ctx)
	if err != nil {
		return err
	}
	if !health.ModelLoaded {
		return fmt.Errorf("detection service at %s has no model loaded", hd.endpoint)
	}

	hd.mu.Lock()
	hd.healthCheck = time.Now()
	hd.mu.Unlock()
	return nil
}

// GetHealthInfo returns detailed health information
func (hd *HTTPDetector) GetHealthInfo(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hd.endpoint+"/health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := hd.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to check detection service health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detection service health check returned status %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}

	return &health, nil
}

// Detect uploads the JPEG encoding of a frame and returns the service's detections
func (hd *HTTPDetector) Detect(ctx context.Context, in Input, confThreshold float32) (*Result, error) {
	imageData, err := in.JPEG()
	if err != nil {
		return nil, err
	}

	// Create multipart form data
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(imageData); err != nil {
		return nil, err
	}

	if err := w.WriteField("conf_threshold", fmt.Sprintf("%.3f", confThreshold)); err != nil {
		return nil, err
	}
	if hd.model != "" {
		if err := w.WriteField("model", hd.model); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hd.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := hd.client.Do(req)
	if err != nil {
		hd.invalidateHealth()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("detection failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}
	if result.Count == 0 {
		result.Count = len(result.Detections)
	}

	return &result, nil
}

func (hd *HTTPDetector) invalidateHealth() {
	hd.mu.Lock()
	hd.healthCheck = time.Time{}
	hd.mu.Unlock()
}

// Close releases the backend. The HTTP client holds no resources.
func (hd *HTTPDetector) Close() error {
	hd.client.CloseIdleConnections()
	return nil
}

var (
	_ Backend       = (*HTTPDetector)(nil)
	_ HealthChecker = (*HTTPDetector)(nil)
)

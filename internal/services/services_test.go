package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"

	"mobwatch/internal/jobs"
	"mobwatch/internal/pipeline"
	"mobwatch/internal/timeline"
)

// fakeRunner completes jobs after writing a fixed number of frames
type fakeRunner struct {
	store   jobs.Store
	frames  int
	err     error
	stopped []string

	mu     sync.Mutex
	active []pipeline.RunStats
}

func (f *fakeRunner) Run(_ context.Context, id string, out pipeline.FrameWriter) (*pipeline.JobStatus, error) {
	if _, err := f.store.Update(id, func(s *pipeline.JobStatus) error {
		s.Status = pipeline.JobProcessing
		s.TotalFrames = f.frames
		return nil
	}); err != nil {
		return nil, err
	}
	for i := 0; i < f.frames; i++ {
		if err := out.WriteFrame([]byte{0xff, 0xd8, byte(i)}); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		f.store.Update(id, func(s *pipeline.JobStatus) error {
			s.Status = pipeline.JobFailed
			s.Error = f.err.Error()
			return nil
		})
		return nil, f.err
	}
	return f.store.Update(id, func(s *pipeline.JobStatus) error {
		s.Status = pipeline.JobCompleted
		s.CurrentFrame = f.frames
		s.MobState = pipeline.MobPeaceful
		s.Alert = pipeline.AlertSuccess
		s.Counts = pipeline.NewCounts()
		s.AnnotatedVideo = pipeline.AnnotatedVideoName(id)
		s.TimelineFile = pipeline.TimelineFileName(id)
		return nil
	})
}

func (f *fakeRunner) Active() []pipeline.RunStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeRunner) setActive(runs ...pipeline.RunStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = runs
}

func (f *fakeRunner) Stop(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return len(f.stopped) == 1
}

type fixture struct {
	srv       *httptest.Server
	store     jobs.Store
	runner    *fakeRunner
	timelines *timeline.FileStore
	config    Config
}

func newFixture(t *testing.T, checks ...Check) *fixture {
	t.Helper()
	dir := t.TempDir()
	config := Config{
		UploadDir:  filepath.Join(dir, "uploads"),
		ResultsDir: filepath.Join(dir, "results"),
	}

	store := jobs.NewMemoryStore(jobs.Options{})
	t.Cleanup(func() { store.Close() })
	timelines, err := timeline.NewFileStore(config.ResultsDir)
	require.NoError(t, err)

	runner := &fakeRunner{store: store, frames: 3}
	server, err := New(config, store, runner, timelines, Options{Checks: checks}, zerolog.Nop())
	require.NoError(t, err)

	mux := goahttp.NewMuxer()
	server.Mount(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, store: store, runner: runner, timelines: timelines, config: config}
}

func (f *fixture) upload(t *testing.T, filename, module string) *http.Response {
	t.Helper()
	return f.uploadTo(t, "/upload", filename, module)
}

func (f *fixture) uploadTo(t *testing.T, path, filename, module string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if module != "" {
		require.NoError(t, mw.WriteField("module", module))
	}
	if filename != "" {
		part, err := mw.CreateFormFile("video", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte("not really a video"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.srv.URL+path, mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestUploadCreatesPendingJob(t *testing.T) {
	f := newFixture(t)

	resp := f.upload(t, "crowd.mp4", "fire")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	up := decode[UploadResponse](t, resp)
	assert.Len(t, up.UID, 32)
	assert.Equal(t, "crowd.mp4", up.Filename)
	assert.Equal(t, pipeline.Module("fire"), up.Module)

	saved, err := os.ReadFile(filepath.Join(f.config.UploadDir, up.UID+"_crowd.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "not really a video", string(saved))

	status := decode[pipeline.JobStatus](t, f.get(t, "/status/"+up.UID))
	assert.Equal(t, pipeline.JobPending, status.Status)
	assert.Equal(t, pipeline.Module("fire"), status.Module)
}

func TestUploadAtIndex(t *testing.T) {
	f := newFixture(t)
	resp := f.uploadTo(t, "/", "crowd.mp4", "fire")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	up := decode[UploadResponse](t, resp)
	status, ok := f.store.Get(up.UID)
	require.True(t, ok)
	assert.Equal(t, pipeline.JobPending, status.Status)
	assert.Equal(t, pipeline.Module(pipeline.CategoryFire), status.Module)
}

func TestUploadDefaultsToAllModules(t *testing.T) {
	f := newFixture(t)
	up := decode[UploadResponse](t, f.upload(t, "crowd.mp4", ""))
	assert.Equal(t, pipeline.Module("all"), up.Module)
}

func TestUploadRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	resp := f.upload(t, "crowd.mp4", "tanks")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	msg := decode[ErrorResponse](t, resp)
	assert.Contains(t, msg.Message, "unknown module")

	resp = f.upload(t, "", "all")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[ErrorResponse](t, resp).Message, "no video selected")

	assert.Empty(t, f.store.List())
}

func TestStatusOfUnknownJob(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/status/nope")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"status": "unknown"}, decode[map[string]string](t, resp))
}

func TestVideoFeedStreamsAndCompletes(t *testing.T) {
	f := newFixture(t)
	up := decode[UploadResponse](t, f.upload(t, "crowd.mp4", "all"))

	resp := f.get(t, "/video_feed/"+up.UID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(body), "--frame\r\n"))

	result := f.get(t, "/result/"+up.UID)
	require.Equal(t, http.StatusOK, result.StatusCode)
	res := decode[map[string]any](t, result)
	assert.Equal(t, up.UID, res["uid"])
	assert.Equal(t, "completed", res["status"])
	assert.Equal(t, string(pipeline.MobPeaceful), res["mob_state"])
	assert.Equal(t, "annotated_"+up.UID+".mp4", res["annotated_video"])
}

func TestVideoFeedErrors(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/video_feed/nope").StatusCode)

	up := decode[UploadResponse](t, f.upload(t, "crowd.mp4", "all"))
	_, err := f.store.Update(up.UID, func(s *pipeline.JobStatus) error {
		s.Status = pipeline.JobProcessing
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, f.get(t, "/video_feed/"+up.UID).StatusCode)
}

func TestVideoFeedFailureBeforeFirstFrame(t *testing.T) {
	f := newFixture(t)
	f.runner.frames = 0
	f.runner.err = errors.New("failed to open video")
	up := decode[UploadResponse](t, f.upload(t, "crowd.mp4", "all"))

	resp := f.get(t, "/video_feed/"+up.UID)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, decode[ErrorResponse](t, resp).Message, "failed to open video")

	status := decode[pipeline.JobStatus](t, f.get(t, "/status/"+up.UID))
	assert.Equal(t, pipeline.JobFailed, status.Status)
	assert.Equal(t, "failed to open video", status.Error)
}

func TestResultRequiresCompletedJob(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/result/nope").StatusCode)

	up := decode[UploadResponse](t, f.upload(t, "crowd.mp4", "all"))
	assert.Equal(t, http.StatusConflict, f.get(t, "/result/"+up.UID).StatusCode)
}

func TestTimelineEndpoints(t *testing.T) {
	f := newFixture(t)
	name, err := f.timelines.Save("abc", pipeline.Timeline{
		{Frame: 0, Time: 0, Detections: []pipeline.Detection{}, Counts: pipeline.NewCounts()},
	})
	require.NoError(t, err)

	resp := f.get(t, "/api/timeline/"+name)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	records := decode[pipeline.Timeline](t, resp)
	require.Len(t, records, 1)
	assert.NotNil(t, records[0].Detections)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/timeline/secrets.json").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/timeline/timeline_missing.json").StatusCode)

	assert.Equal(t, http.StatusOK, f.get(t, "/results/"+name).StatusCode)
	assert.Equal(t, http.StatusOK, f.get(t, "/static/results/"+name).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/results/annotated_missing.mp4").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/results/passwd").StatusCode)
}

func TestDeleteAndStopJob(t *testing.T) {
	f := newFixture(t)
	up := decode[UploadResponse](t, f.upload(t, "crowd.mp4", "all"))

	stop := func(uid string) int {
		resp, err := http.Post(f.srv.URL+"/jobs/"+uid+"/stop", "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNotFound, stop("nope"))
	assert.Equal(t, http.StatusAccepted, stop(up.UID))
	assert.Equal(t, http.StatusConflict, stop(up.UID))

	list := decode[[]map[string]any](t, f.get(t, "/jobs"))
	require.Len(t, list, 1)
	assert.Equal(t, up.UID, list[0]["uid"])
	assert.NotContains(t, list[0], "running_since")

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.runner.setActive(pipeline.RunStats{JobID: up.UID, StartedAt: started})
	running := decode[[]JobResponse](t, f.get(t, "/jobs"))
	require.Len(t, running, 1)
	require.NotNil(t, running[0].RunningSince)
	assert.True(t, started.Equal(*running[0].RunningSince))
	f.runner.setActive()

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/jobs/"+up.UID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, ok := f.store.Get(up.UID)
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(f.config.UploadDir, up.UID+"_crowd.mp4"))
	assert.True(t, os.IsNotExist(err))
}

func TestProbes(t *testing.T) {
	f := newFixture(t,
		Check{Name: "jobs", Probe: func(context.Context) error { return nil }},
		Check{Name: "detectors", Probe: func(context.Context) error { return errors.New("fire model down") }},
	)

	assert.Equal(t, http.StatusOK, f.get(t, "/healthz").StatusCode)

	resp := f.get(t, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "unavailable", health.Status)
	assert.Equal(t, "ok", health.Checks["jobs"])
	assert.Equal(t, "fire model down", health.Checks["detectors"])
}

// brokenWriter accepts headers but fails every body write
type brokenWriter struct {
	header http.Header
	code   int
}

func (b *brokenWriter) Header() http.Header { return b.header }
func (b *brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}
func (b *brokenWriter) WriteHeader(code int) { b.code = code }

func TestTimelineWriteErrorIsLogged(t *testing.T) {
	dir := t.TempDir()
	timelines, err := timeline.NewFileStore(dir)
	require.NoError(t, err)
	name, err := timelines.Save("abc", pipeline.Timeline{
		{Frame: 0, Detections: []pipeline.Detection{}, Counts: pipeline.NewCounts()},
	})
	require.NoError(t, err)

	var logs bytes.Buffer
	store := jobs.NewMemoryStore(jobs.Options{})
	t.Cleanup(func() { store.Close() })
	server, err := New(Config{UploadDir: filepath.Join(dir, "uploads"), ResultsDir: dir},
		store, &fakeRunner{store: store}, timelines, Options{}, zerolog.New(&logs))
	require.NoError(t, err)
	server.vars = func(*http.Request) map[string]string { return map[string]string{"filename": name} }

	w := &brokenWriter{header: http.Header{}}
	server.timeline(w, httptest.NewRequest(http.MethodGet, "/api/timeline/"+name, nil))

	assert.Equal(t, http.StatusOK, w.code)
	assert.Contains(t, logs.String(), "connection reset by peer")
}

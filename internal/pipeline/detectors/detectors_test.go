package detectors

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobwatch/internal/detection"
	"mobwatch/internal/pipeline"
)

type fakeBackend struct {
	name       string
	result     *detection.Result
	err        error
	healthErr  error
	closed     atomic.Int32
	lastThresh float32
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Detect(_ context.Context, _ detection.Input, conf float32) (*detection.Result, error) {
	b.lastThresh = conf
	if b.err != nil {
		return nil, b.err
	}
	return b.result, nil
}

func (b *fakeBackend) Close() error {
	b.closed.Add(1)
	return nil
}

// healthyBackend adds a health check to fakeBackend
type healthyBackend struct {
	*fakeBackend
}

func (b healthyBackend) CheckHealth(context.Context) error { return b.healthErr }

func frame() *pipeline.Frame {
	return pipeline.NewFrame(0, image.NewRGBA(image.Rect(0, 0, 64, 64)))
}

func TestHubAdapterKeepsMatchingClassesOnly(t *testing.T) {
	backend := &fakeBackend{name: "fire", result: &detection.Result{Detections: []detection.Detection{
		{Class: "Fire", Confidence: 0.7, BBox: []float32{1.5, 2.5, 10.2, 20.9}},
		{Class: "smoke", Confidence: 0.9, BBox: []float32{0, 0, 4, 4}},
		{Class: "fire", Confidence: 0.3, BBox: []float32{5, 5, 9, 9}},
	}}}
	adapter := NewHubAdapter(backend)

	dets, err := adapter.Detect(context.Background(), frame(), pipeline.CategoryFire, 0)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, [4]int{1, 2, 10, 20}, dets[0].BBox)
	for _, d := range dets {
		assert.Equal(t, pipeline.CategoryFire, d.Label)
	}
	assert.Equal(t, "hub/fire", adapter.Name())
}

func TestHubAdapterAppliesMinConfidence(t *testing.T) {
	backend := &fakeBackend{name: "weapon", result: &detection.Result{Detections: []detection.Detection{
		{Class: "weapon", Confidence: 0.45, BBox: []float32{0, 0, 1, 1}},
		{Class: "weapon", Confidence: 0.2, BBox: []float32{0, 0, 1, 1}},
	}}}

	dets, err := NewHubAdapter(backend).Detect(context.Background(), frame(), pipeline.CategoryWeapon, 0.4)
	require.NoError(t, err)
	assert.Len(t, dets, 1)
	assert.InDelta(t, 0.4, backend.lastThresh, 1e-6)
}

func TestScopedAdapterLabelsEveryResult(t *testing.T) {
	backend := &fakeBackend{name: "stick", result: &detection.Result{Detections: []detection.Detection{
		{Class: "0", Confidence: 0.8, BBox: []float32{1, 1, 5, 5}},
		{Class: "baton", Confidence: 0.5, BBox: []float32{2, 2, 6, 6}},
		{Class: "stick", Confidence: 0.3, BBox: []float32{2, 2, 6, 6}},
		{Class: "stick", Confidence: 0.9, BBox: []float32{2, 2}},
	}}}

	dets, err := NewScopedAdapter(backend).Detect(context.Background(), frame(), pipeline.CategoryStick, 0.4)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	for _, d := range dets {
		assert.Equal(t, pipeline.CategoryStick, d.Label)
		assert.GreaterOrEqual(t, d.Confidence, 0.4)
	}
}

func TestAdapterPropagatesBackendError(t *testing.T) {
	boom := errors.New("timeout")
	_, err := NewScopedAdapter(&fakeBackend{name: "person", err: boom}).
		Detect(context.Background(), frame(), pipeline.CategoryPerson, 0.4)
	assert.ErrorIs(t, err, boom)
}

func TestRegistryBind(t *testing.T) {
	r := NewRegistry()
	d := NewHubAdapter(&fakeBackend{name: "fire"})

	require.NoError(t, r.Bind(pipeline.CategoryFire, d, 0))
	assert.Error(t, r.Bind(pipeline.CategoryFire, d, 0), "double bind")
	assert.Error(t, r.Bind("tank", d, 0))
	assert.Error(t, r.Bind(pipeline.CategoryPerson, nil, 0))
	assert.Error(t, r.Bind(pipeline.CategoryPerson, d, 1.5))

	b, ok := r.Lookup(pipeline.CategoryFire)
	require.True(t, ok)
	assert.Same(t, d, b.Detector)
	_, ok = r.Lookup(pipeline.CategoryPerson)
	assert.False(t, ok)

	assert.Equal(t, []pipeline.Category{pipeline.CategoryFire}, r.Categories())
	assert.Len(t, r.Missing(), 4)
}

func TestRegistryCloseSharedDetectorOnce(t *testing.T) {
	backend := &fakeBackend{name: "multi"}
	d := NewHubAdapter(backend)
	r := NewRegistry()
	require.NoError(t, r.Bind(pipeline.CategoryFire, d, 0))
	require.NoError(t, r.Bind(pipeline.CategoryWeapon, d, 0))

	require.NoError(t, r.Close())
	assert.Equal(t, int32(1), backend.closed.Load())
	assert.Empty(t, r.Categories())
}

func allSpecs(backends map[pipeline.Category]detection.Backend) []Spec {
	families := map[pipeline.Category]Family{
		pipeline.CategoryFire:    FamilyHub,
		pipeline.CategoryPlacard: FamilyHub,
		pipeline.CategoryWeapon:  FamilyHub,
		pipeline.CategoryStick:   FamilyScoped,
		pipeline.CategoryPerson:  FamilyScoped,
	}
	specs := make([]Spec, 0, len(pipeline.Categories))
	for _, c := range pipeline.Categories {
		backend := backends[c]
		minConf := 0.0
		if families[c] == FamilyScoped {
			minConf = 0.4
		}
		specs = append(specs, Spec{
			Category:      c,
			Family:        families[c],
			MinConfidence: minConf,
			Open:          func(context.Context) (detection.Backend, error) { return backend, nil },
		})
	}
	return specs
}

func TestLoadBindsEveryCategory(t *testing.T) {
	backends := make(map[pipeline.Category]detection.Backend)
	for _, c := range pipeline.Categories {
		backends[c] = healthyBackend{&fakeBackend{name: string(c)}}
	}

	r, err := Load(context.Background(), allSpecs(backends), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, pipeline.Categories, r.Categories())

	person, ok := r.Lookup(pipeline.CategoryPerson)
	require.True(t, ok)
	assert.Equal(t, 0.4, person.MinConfidence)
	assert.IsType(t, &ScopedAdapter{}, person.Detector)

	fire, _ := r.Lookup(pipeline.CategoryFire)
	assert.IsType(t, &HubAdapter{}, fire.Detector)
}

func TestLoadFailsWhenBackendUnhealthy(t *testing.T) {
	fakes := make(map[pipeline.Category]*fakeBackend)
	backends := make(map[pipeline.Category]detection.Backend)
	for _, c := range pipeline.Categories {
		fakes[c] = &fakeBackend{name: string(c)}
		backends[c] = healthyBackend{fakes[c]}
	}
	fakes[pipeline.CategoryWeapon].healthErr = errors.New("model not loaded")

	_, err := Load(context.Background(), allSpecs(backends), zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weapon")

	// Every backend that was opened is released again
	for c, f := range fakes {
		assert.LessOrEqual(t, f.closed.Load(), int32(1), c)
	}
	assert.Equal(t, int32(1), fakes[pipeline.CategoryWeapon].closed.Load())
}

func TestLoadFailsWhenOpenFails(t *testing.T) {
	backends := make(map[pipeline.Category]detection.Backend)
	for _, c := range pipeline.Categories {
		backends[c] = &fakeBackend{name: string(c)}
	}
	specs := allSpecs(backends)
	specs[0].Open = func(context.Context) (detection.Backend, error) {
		return nil, errors.New("file not found")
	}

	_, err := Load(context.Background(), specs, zerolog.Nop())
	assert.ErrorContains(t, err, "file not found")
}

func TestLoadRequiresEveryCategory(t *testing.T) {
	backends := make(map[pipeline.Category]detection.Backend)
	for _, c := range pipeline.Categories {
		backends[c] = &fakeBackend{name: string(c)}
	}
	specs := allSpecs(backends)[:4]

	_, err := Load(context.Background(), specs, zerolog.Nop())
	assert.ErrorContains(t, err, "person")
}

func TestLoadRejectsUnknownFamily(t *testing.T) {
	specs := allSpecs(map[pipeline.Category]detection.Backend{})
	specs[2].Family = "tensorflow"

	_, err := Load(context.Background(), specs, zerolog.Nop())
	assert.ErrorContains(t, err, "unknown model family")
}

func TestRegistryCheckHealth(t *testing.T) {
	fire := &fakeBackend{name: "fire"}
	plain := &fakeBackend{name: "person"}

	r := NewRegistry()
	require.NoError(t, r.Bind(pipeline.CategoryFire, NewHubAdapter(healthyBackend{fire}), 0))
	require.NoError(t, r.Bind(pipeline.CategoryPerson, NewScopedAdapter(plain), 0.4))
	require.NoError(t, r.CheckHealth(context.Background()))

	fire.healthErr = errors.New("model not loaded")
	err := r.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fire")
}

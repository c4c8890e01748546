package predictlib_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	predictlib "github.com/predictlib/corelib"
	"github.com/predictlib/corelib/internal/config"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		EncryptionKey: testKey,
		Model: config.ModelConfig{
			HistoryLength:       100,
			MaxPatternLength:    5,
			DecayLambda:         5e-4,
			SmoothingFactor:     0.1,
			WeightSequence:      0.7,
			WeightTime:          0.3,
			MinActionsThreshold: 50,
			MaxGlobalCount:      1_000_000,
		},
		Storage: config.StorageConfig{Path: filepath.Join(t.TempDir(), "predict.db")},
		Preload: config.PreloadConfig{L1Size: 16, TTL: time.Minute},
		Sync: config.SyncConfig{
			RequestTimeout:    2 * time.Second,
			MaxRetries:        0,
			BaseBackoff:       time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			RequestsPerSecond: 1000,
		},
		Log:     config.LogConfig{Level: "error", Format: "text", Output: "stderr"},
		Metrics: config.MetricsConfig{Enabled: false},
	}
}

type recordingFetcher struct {
	mu      sync.Mutex
	fetched []string
}

func (f *recordingFetcher) Fetch(ctx context.Context, componentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, componentID)
	return nil
}

// fakeClock hands out strictly increasing timestamps one second apart.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 12, 10, 0, 0, 0, time.Local)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newLibrary(t *testing.T, cfg *config.Config, opts ...predictlib.Option) *predictlib.Library {
	t.Helper()
	lib, err := predictlib.New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lib.Close() })
	return lib
}

func TestColdStartPredictsNothing(t *testing.T) {
	lib := newLibrary(t, testConfig(t))

	p := lib.Model().Predict(0)
	assert.True(t, p.IsEmpty())
}

func TestTrackPredictPreloadFlow(t *testing.T) {
	fetcher := &recordingFetcher{}
	clock := newFakeClock()
	lib := newLibrary(t, testConfig(t), predictlib.WithFetcher(fetcher), predictlib.WithClock(clock.now))
	ctx := context.Background()

	comps := lib.Components()
	require.NoError(t, comps.TrackComponent("c1", "page", nil))
	require.NoError(t, comps.AssociateActionWithComponent("go-c1", "c1"))

	lib.Tracker().TrackInteraction(ctx, "go-c1")

	p := lib.Model().Predict(clock.now().UnixMilli())
	assert.Equal(t, "go-c1", p.Action)
	assert.Equal(t, "c1", p.ComponentID)

	// The save-triggered preload is fire-and-forget; give it a moment.
	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return len(fetcher.fetched) > 0
	}, 2*time.Second, 10*time.Millisecond)

	fetcher.mu.Lock()
	assert.Equal(t, "c1", fetcher.fetched[0])
	fetcher.mu.Unlock()
}

func TestUnboundActionIsNoOp(t *testing.T) {
	lib := newLibrary(t, testConfig(t))

	lib.Tracker().TrackInteraction(context.Background(), "never-bound")

	assert.True(t, lib.Model().Predict(time.Now().UnixMilli()).IsEmpty())
}

func TestModelSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	clock := newFakeClock()
	ctx := context.Background()

	lib, err := predictlib.New(ctx, cfg, predictlib.WithClock(clock.now))
	require.NoError(t, err)

	comps := lib.Components()
	require.NoError(t, comps.TrackComponent("comp-a", "page", nil))
	require.NoError(t, comps.TrackComponent("comp-b", "page", nil))
	require.NoError(t, comps.AssociateActionWithComponent("A", "comp-a"))
	require.NoError(t, comps.AssociateActionWithComponent("B", "comp-b"))

	for _, action := range []string{"A", "B", "A", "B", "A"} {
		lib.Tracker().TrackInteraction(ctx, action)
	}
	require.NoError(t, lib.Close())

	// Reopen against the same database: the replay rebuilds the model
	// from the encrypted log. Components are in-memory and re-register.
	lib2 := newLibrary(t, cfg, predictlib.WithClock(clock.now))
	comps2 := lib2.Components()
	require.NoError(t, comps2.TrackComponent("comp-a", "page", nil))
	require.NoError(t, comps2.TrackComponent("comp-b", "page", nil))
	require.NoError(t, comps2.AssociateActionWithComponent("A", "comp-a"))
	require.NoError(t, comps2.AssociateActionWithComponent("B", "comp-b"))

	p := lib2.Model().Predict(clock.now().UnixMilli())
	assert.Equal(t, "B", p.Action)
	assert.Equal(t, "comp-b", p.ComponentID)
}

func TestBootstrapFetchesGlobalModelWhenCold(t *testing.T) {
	// The aggregator knows the ciphertexts a sibling client uploaded.
	// This cold client fetches them, decrypts, and predicts from the
	// global counters before it has any local history.
	cfg := testConfig(t)

	// First instance mints the deterministic ciphertext for "popular"
	// so the fake server can hand it back.
	seed, err := predictlib.New(context.Background(), cfg)
	require.NoError(t, err)
	ct, iv, err := seed.EncryptDeterministicForTest(context.Background(), "popular")
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/register-app":
			_ = json.NewEncoder(w).Encode(map[string]string{"appId": "app-cold"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"globalActionCounter":    map[string]int64{ct: 99},
				"globalActionCounterIVs": map[string]string{ct: iv},
				"timePatterns":           map[string]map[string]int64{},
				"timePatternsIVs":        map[string]string{},
			})
		}
	}))
	defer srv.Close()

	cfg.Sync.ServerURL = srv.URL
	lib := newLibrary(t, cfg)

	comps := lib.Components()
	require.NoError(t, comps.TrackComponent("comp-pop", "page", nil))
	require.NoError(t, comps.AssociateActionWithComponent("popular", "comp-pop"))

	p := lib.Model().Predict(time.Now().UnixMilli())
	assert.Equal(t, "popular", p.Action)
	assert.Equal(t, "comp-pop", p.ComponentID)
}

func TestForceUploadData(t *testing.T) {
	var uploads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/register-app":
			_ = json.NewEncoder(w).Encode(map[string]string{"appId": "app-force"})
		case "/upload-anonymous-data":
			uploads.Add(1)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Sync.ServerURL = srv.URL
	clock := newFakeClock()
	lib := newLibrary(t, cfg, predictlib.WithClock(clock.now))
	ctx := context.Background()

	comps := lib.Components()
	require.NoError(t, comps.TrackComponent("c1", "page", nil))
	require.NoError(t, comps.AssociateActionWithComponent("go-c1", "c1"))
	lib.Tracker().TrackInteraction(ctx, "go-c1")

	require.NoError(t, lib.Model().ForceUploadData(ctx))
	assert.Equal(t, int32(1), uploads.Load())
}

func TestForceUploadWithoutServerIsNoOp(t *testing.T) {
	lib := newLibrary(t, testConfig(t))
	assert.NoError(t, lib.Model().ForceUploadData(context.Background()))
}

package preload_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictlib/corelib/internal/core"
	"github.com/predictlib/corelib/internal/prediction"
	"github.com/predictlib/corelib/internal/preload"
	"github.com/predictlib/corelib/internal/registry"
)

type countingFetcher struct {
	mu      sync.Mutex
	fetched map[string]int
	err     error
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{fetched: make(map[string]int)}
}

func (f *countingFetcher) Fetch(ctx context.Context, componentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched[componentID]++
	return f.err
}

func (f *countingFetcher) count(componentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched[componentID]
}

func testEngine(t *testing.T) *prediction.Engine {
	t.Helper()
	reg := registry.New(nil)
	require.NoError(t, reg.TrackComponent("comp-a", "page", nil))
	require.NoError(t, reg.AssociateActionWithComponent("A", "comp-a"))
	return prediction.New(prediction.Config{
		HistoryLength:    100,
		MaxPatternLength: 5,
		DecayLambda:      5e-4,
		SmoothingFactor:  0.1,
		WeightSequence:   0.7,
		WeightTime:       0.3,
		MaxGlobalCount:   1_000_000,
	}, reg, nil)
}

func newPreloader(t *testing.T, fetcher core.Fetcher, engine core.PredictionEngine, rdb *redis.Client) *preload.Preloader {
	t.Helper()
	p, err := preload.New(preload.Config{
		L1Size:      16,
		TTL:         time.Minute,
		RedisClient: rdb,
	}, fetcher, engine, nil, nil)
	require.NoError(t, err)
	return p
}

func TestPreloadFetchesOncePerSession(t *testing.T) {
	fetcher := newCountingFetcher()
	p := newPreloader(t, fetcher, testEngine(t), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Preload(ctx, "comp-a"))
	}
	assert.Equal(t, 1, fetcher.count("comp-a"))
}

func TestPreloadConcurrentCallsFetchOnce(t *testing.T) {
	fetcher := newCountingFetcher()
	p := newPreloader(t, fetcher, testEngine(t), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Preload(ctx, "comp-a"); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, fetcher.count("comp-a"))
}

func TestPreloadEmptyComponentIsNoOp(t *testing.T) {
	fetcher := newCountingFetcher()
	p := newPreloader(t, fetcher, testEngine(t), nil)

	require.NoError(t, p.Preload(context.Background(), ""))
	assert.Empty(t, fetcher.fetched)
}

func TestPreloadFailedFetchAllowsRetry(t *testing.T) {
	fetcher := newCountingFetcher()
	fetcher.err = errors.New("network down")
	p := newPreloader(t, fetcher, testEngine(t), nil)
	ctx := context.Background()

	require.Error(t, p.Preload(ctx, "comp-a"))

	fetcher.err = nil
	require.NoError(t, p.Preload(ctx, "comp-a"))
	require.NoError(t, p.Preload(ctx, "comp-a"))
	assert.Equal(t, 2, fetcher.count("comp-a"), "one failed attempt, one successful, then cached")
}

func TestPreloadL2SharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	first := newCountingFetcher()
	p1 := newPreloader(t, first, testEngine(t), rdb)
	require.NoError(t, p1.Preload(ctx, "comp-a"))
	assert.Equal(t, 1, first.count("comp-a"))

	// A second instance sharing the same Redis sees the L2 marker and
	// never dispatches its own fetch.
	second := newCountingFetcher()
	p2 := newPreloader(t, second, testEngine(t), rdb)
	require.NoError(t, p2.Preload(ctx, "comp-a"))
	assert.Zero(t, second.count("comp-a"))
}

func TestPreloadRedisDownIsNonFatal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close() // redis goes away before the first call

	fetcher := newCountingFetcher()
	p := newPreloader(t, fetcher, testEngine(t), rdb)

	require.NoError(t, p.Preload(context.Background(), "comp-a"))
	assert.Equal(t, 1, fetcher.count("comp-a"))
}

func TestPreloadNextPrediction(t *testing.T) {
	engine := testEngine(t)
	engine.Update(core.InteractionRecord{ComponentID: "comp-a", ActionType: "A", Timestamp: 1})

	fetcher := newCountingFetcher()
	p := newPreloader(t, fetcher, engine, nil)

	require.NoError(t, p.PreloadNextPrediction(context.Background(), 2))
	assert.Equal(t, 1, fetcher.count("comp-a"))
}

func TestPreloadNextPredictionEmptyIsNoOp(t *testing.T) {
	fetcher := newCountingFetcher()
	p := newPreloader(t, fetcher, testEngine(t), nil)

	require.NoError(t, p.PreloadNextPrediction(context.Background(), 1))
	assert.Empty(t, fetcher.fetched)
}

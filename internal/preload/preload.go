// Package preload implements the idempotent preload dispatcher (C5): a
// two-tier cache of already-fetched component ids — a bounded in-process
// L1 plus an optional Redis L2 shared across instances of the same
// deployment — fronting the application-supplied asset fetcher.
package preload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/predictlib/corelib/internal/core"
)

const l2KeyPrefix = "predictlib:preloaded:"

// Config sizes the cache tiers. RedisClient may be nil; the cache then
// runs L1-only, which is the common single-instance deployment.
type Config struct {
	L1Size      int
	TTL         time.Duration
	RedisClient *redis.Client
}

// Preloader is the two-tier preload cache. Duplicate suppression is a
// hard requirement: Preload for the same component id causes at most
// one Fetch per session, even under concurrent calls — in-flight
// fetches are tracked so a second caller waits for the first instead of
// fetching again.
type Preloader struct {
	l1      *lru.Cache[string, time.Time]
	l2      *redis.Client
	ttl     time.Duration
	fetcher core.Fetcher
	engine  core.PredictionEngine
	log     *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// New creates a Preloader dispatching fetches to fetcher and sourcing
// predictions from engine.
func New(cfg Config, fetcher core.Fetcher, engine core.PredictionEngine, log *slog.Logger, metrics *Metrics) (*Preloader, error) {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	l1, err := lru.New[string, time.Time](cfg.L1Size)
	if err != nil {
		return nil, &core.ConfigurationError{Reason: "invalid preload L1 size", Cause: err}
	}
	return &Preloader{
		l1:       l1,
		l2:       cfg.RedisClient,
		ttl:      cfg.TTL,
		fetcher:  fetcher,
		engine:   engine,
		log:      log,
		metrics:  metrics,
		inflight: make(map[string]chan struct{}),
	}, nil
}

// Preload fetches the component's assets unless they were already
// fetched this session. Fetch failures are logged and reported via the
// returned error but never leave the cache in a state that blocks a
// later retry: only a successful fetch marks the id cached. L2 (Redis)
// failures are logged only; the call then proceeds as if L2 were absent.
func (p *Preloader) Preload(ctx context.Context, componentID string) error {
	if componentID == "" {
		return nil
	}

	for {
		if _, ok := p.l1.Get(componentID); ok {
			p.metrics.Hits.WithLabelValues("l1").Inc()
			return nil
		}
		p.metrics.Misses.WithLabelValues("l1").Inc()

		p.mu.Lock()
		if _, ok := p.l1.Get(componentID); ok {
			p.mu.Unlock()
			p.metrics.Hits.WithLabelValues("l1").Inc()
			return nil
		}
		wait, running := p.inflight[componentID]
		if !running {
			done := make(chan struct{})
			p.inflight[componentID] = done
			p.mu.Unlock()
			return p.fetchAndMark(ctx, componentID, done)
		}
		p.mu.Unlock()

		select {
		case <-wait:
			// The winning call finished (or failed); re-check the cache.
		case <-ctx.Done():
			return ctx.Err()
		}

		if _, ok := p.l1.Get(componentID); ok {
			return nil
		}
		// The other call failed; loop and try the fetch ourselves.
	}
}

func (p *Preloader) fetchAndMark(ctx context.Context, componentID string, done chan struct{}) error {
	defer func() {
		p.mu.Lock()
		delete(p.inflight, componentID)
		p.mu.Unlock()
		close(done)
	}()

	if p.checkL2(ctx, componentID) {
		p.metrics.Hits.WithLabelValues("l2").Inc()
		p.l1.Add(componentID, time.Now())
		return nil
	}
	p.metrics.Misses.WithLabelValues("l2").Inc()

	start := time.Now()
	p.metrics.Fetches.Inc()
	if err := p.fetcher.Fetch(ctx, componentID); err != nil {
		p.metrics.Errors.WithLabelValues("fetch", "fetch_failed").Inc()
		p.log.Warn("preload fetch failed", "component_id", componentID, "error", err)
		return err
	}
	p.metrics.Latency.Observe(time.Since(start).Seconds())

	p.l1.Add(componentID, time.Now())
	p.markL2(ctx, componentID)
	return nil
}

// checkL2 reports whether another instance already preloaded this
// component. Redis being down is a degradation, not a failure.
func (p *Preloader) checkL2(ctx context.Context, componentID string) bool {
	if p.l2 == nil {
		return false
	}
	err := p.l2.Get(ctx, l2KeyPrefix+componentID).Err()
	if err == nil {
		return true
	}
	if !errors.Is(err, redis.Nil) {
		p.metrics.Errors.WithLabelValues("l2", "get_failed").Inc()
		p.log.Warn("preload L2 get failed", "component_id", componentID, "error", err)
	}
	return false
}

func (p *Preloader) markL2(ctx context.Context, componentID string) {
	if p.l2 == nil {
		return
	}
	if err := p.l2.Set(ctx, l2KeyPrefix+componentID, "1", p.ttl).Err(); err != nil {
		p.metrics.Errors.WithLabelValues("l2", "set_failed").Inc()
		p.log.Warn("preload L2 set failed", "component_id", componentID, "error", err)
	}
}

// PreloadNextPrediction asks the engine for the next likely action as
// of nowMs and preloads the component it resolves to. A prediction with
// no action or no bound component is a no-op.
func (p *Preloader) PreloadNextPrediction(ctx context.Context, nowMs int64) error {
	prediction := p.engine.Predict(nowMs)
	if prediction.ComponentID == "" {
		return nil
	}
	return p.Preload(ctx, prediction.ComponentID)
}

var _ core.Preloader = (*Preloader)(nil)

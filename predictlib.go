// Package predictlib is a client-side predictive preloading library:
// applications register their navigable components, report user
// interactions, and the library learns per-user sequential and
// time-of-day patterns, predicts the next likely interaction, and
// preloads the component it resolves to. A server-aggregated global
// model seeds predictions for cold installations.
//
// All services are explicit instances wired together by New — the
// library holds no package-level state, so multiple isolated instances
// can coexist in one process (tests rely on this).
package predictlib

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/predictlib/corelib/internal/config"
	"github.com/predictlib/corelib/internal/core"
	"github.com/predictlib/corelib/internal/crypto"
	"github.com/predictlib/corelib/internal/prediction"
	"github.com/predictlib/corelib/internal/preload"
	"github.com/predictlib/corelib/internal/registry"
	"github.com/predictlib/corelib/internal/remotesync"
	"github.com/predictlib/corelib/internal/store"
	"github.com/predictlib/corelib/pkg/logger"
)

// Re-exported domain types, so applications only import this package.
type (
	Prediction          = core.Prediction
	InteractionRecord   = core.InteractionRecord
	ComponentDescriptor = core.ComponentDescriptor
	GlobalModel         = core.GlobalModel
	Fetcher             = core.Fetcher
)

// Option customizes Library construction.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	fetcher    core.Fetcher
	now        func() time.Time
}

// WithLogger overrides the logger built from the Log config section.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers all library metrics against reg instead of
// private per-instance registries.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithFetcher supplies the application's component asset fetcher. When
// absent, preloads resolve but dispatch nothing, which is the right
// behavior for tools that only want the model (seed, inspect).
func WithFetcher(f core.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithClock overrides the wall clock used to stamp interactions.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Library owns every service of the prediction stack and exposes the
// three public surfaces: Components, Tracker, and Model.
type Library struct {
	cfg *config.Config
	log *slog.Logger
	now func() time.Time

	store     *store.Store
	crypto    *crypto.Service
	registry  *registry.Registry
	engine    *prediction.Engine
	preloader *preload.Preloader
	sync      *remotesync.Client
	scheduler *remotesync.Scheduler
	redis     *redis.Client
}

type noopFetcher struct{}

func (noopFetcher) Fetch(ctx context.Context, componentID string) error { return nil }

// New validates cfg, opens the encrypted store, rebuilds the model by
// replaying the decrypted log, merges a fetched global model when local
// data is too thin, primes the preload cache with one prediction, and
// starts the daily upload schedule. Configuration errors abort; network
// errors during bootstrap are logged and the library starts anyway.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Library, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = logger.NewLogger(logger.Config{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			Output:     cfg.Log.Output,
			Filename:   cfg.Log.Filename,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
			Compress:   cfg.Log.Compress,
		})
	}
	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = noopFetcher{}
	}
	now := o.now
	if now == nil {
		now = time.Now
	}

	st, err := store.Open(ctx, cfg.Storage.Path, log, store.NewMetrics(o.registerer))
	if err != nil {
		return nil, err
	}

	cr, err := crypto.New(cfg.EncryptionKey, st, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	st.SetCrypto(cr)

	reg := registry.New(log)
	engine := prediction.New(prediction.Config{
		HistoryLength:       cfg.Model.HistoryLength,
		MaxPatternLength:    cfg.Model.MaxPatternLength,
		DecayLambda:         cfg.Model.DecayLambda,
		SmoothingFactor:     cfg.Model.SmoothingFactor,
		WeightSequence:      cfg.Model.WeightSequence,
		WeightTime:          cfg.Model.WeightTime,
		MinActionsThreshold: cfg.Model.MinActionsThreshold,
		MaxGlobalCount:      cfg.Model.MaxGlobalCount,
	}, reg, log)

	var rdb *redis.Client
	if cfg.Preload.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Preload.RedisAddr,
			Password: cfg.Preload.RedisPassword,
			DB:       cfg.Preload.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn("preload L2 redis unreachable, continuing L1-only", "addr", cfg.Preload.RedisAddr, "error", err)
			_ = rdb.Close()
			rdb = nil
		}
		cancel()
	}

	pre, err := preload.New(preload.Config{
		L1Size:      cfg.Preload.L1Size,
		TTL:         cfg.Preload.TTL,
		RedisClient: rdb,
	}, fetcher, engine, log, preload.NewMetrics(o.registerer))
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = st.Close()
		return nil, err
	}

	syncClient := remotesync.New(remotesync.Config{
		ServerURL:         cfg.Sync.ServerURL,
		RequestTimeout:    cfg.Sync.RequestTimeout,
		MaxRetries:        cfg.Sync.MaxRetries,
		BaseBackoff:       cfg.Sync.BaseBackoff,
		MaxBackoff:        cfg.Sync.MaxBackoff,
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
	}, st, cr, engine, log)

	lib := &Library{
		cfg:       cfg,
		log:       log,
		now:       now,
		store:     st,
		crypto:    cr,
		registry:  reg,
		engine:    engine,
		preloader: pre,
		sync:      syncClient,
		scheduler: remotesync.NewScheduler(syncClient, log),
		redis:     rdb,
	}

	// Commit-ordered model updates: the store invokes this in its save
	// goroutine after each durable commit, so update ordering equals
	// commit ordering. The preload that follows is fire-and-forget.
	st.Subscribe(func(_ context.Context, rec core.InteractionRecord) {
		engine.Update(rec)
		go func() {
			preloadCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.RequestTimeout)
			defer cancel()
			_ = pre.PreloadNextPrediction(preloadCtx, lib.now().UnixMilli())
		}()
	})

	if err := lib.bootstrap(ctx); err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = st.Close()
		return nil, err
	}

	if syncClient.Enabled() {
		lib.scheduler.Start()
	}
	return lib, nil
}

// bootstrap replays the decrypted log through the update path in
// timestamp order, pulls the global model when local evidence is thin,
// and primes the preload cache with one prediction.
func (l *Library) bootstrap(ctx context.Context) error {
	records, err := l.store.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		l.engine.Update(rec)
	}
	l.log.Info("replayed interaction log", "records", len(records))

	needGlobal := l.engine.HistoryLen() < l.cfg.Model.MinActionsThreshold || !l.engine.HasTransitions()
	if needGlobal && l.sync.Enabled() {
		model, err := l.sync.FetchGlobalModel(ctx)
		if err != nil {
			l.log.Warn("global model fetch failed, continuing with local data", "error", err)
		} else {
			l.engine.MergeGlobalModel(model)
		}
	}

	_ = l.preloader.PreloadNextPrediction(ctx, l.now().UnixMilli())
	return nil
}

// Components returns the component registration surface.
func (l *Library) Components() *ComponentTracker { return &ComponentTracker{lib: l} }

// Tracker returns the interaction tracking surface.
func (l *Library) Tracker() *InteractionTracker { return &InteractionTracker{lib: l} }

// Model returns the prediction/upload surface.
func (l *Library) Model() *PredictionModel { return &PredictionModel{lib: l} }

// Close stops the upload schedule and releases the store and the
// optional redis connection.
func (l *Library) Close() error {
	l.scheduler.Stop()
	if l.redis != nil {
		_ = l.redis.Close()
	}
	return l.store.Close()
}

// ComponentTracker registers components and binds actions to them.
type ComponentTracker struct {
	lib *Library
}

// TrackComponent registers a preloadable component. Registering an id
// twice is a warned no-op.
func (t *ComponentTracker) TrackComponent(id, typ string, metadata map[string]any) error {
	return t.lib.registry.TrackComponent(id, typ, metadata)
}

// AssociateActionWithComponent binds an action type to a tracked
// component so predictions of that action become preloadable.
func (t *ComponentTracker) AssociateActionWithComponent(actionType, componentID string) error {
	return t.lib.registry.AssociateActionWithComponent(actionType, componentID)
}

// List returns all registered descriptors in registration order.
func (t *ComponentTracker) List() []ComponentDescriptor {
	return t.lib.registry.List()
}

// InteractionTracker records user interactions. Its one operation never
// returns an error: operational failures are logged and swallowed so a
// broken store or crypto path can never take the host application down
// with it.
type InteractionTracker struct {
	lib *Library
}

// TrackInteraction resolves actionType through the registry and
// persists the interaction. An unbound action is a warned no-op.
func (t *InteractionTracker) TrackInteraction(ctx context.Context, actionType string) {
	componentID, found := t.lib.registry.GetComponentByAction(actionType)
	if !found {
		t.lib.log.Warn("interaction for unbound action ignored", "action_type", actionType)
		return
	}
	rec := core.InteractionRecord{
		ComponentID: componentID,
		ActionType:  actionType,
		Timestamp:   t.lib.now().UnixMilli(),
	}
	if err := t.lib.store.Save(ctx, rec); err != nil {
		t.lib.log.Error("failed to save interaction", "action_type", actionType, "error", err)
	}
}

// PredictionModel answers next-action queries and exposes the manual
// upload trigger.
type PredictionModel struct {
	lib *Library
}

// Predict returns the most likely next action as of nowMs and the
// component it resolves to. A model with no evidence, or any internal
// failure, yields the empty prediction — never an error.
func (m *PredictionModel) Predict(nowMs int64) Prediction {
	return m.lib.engine.Predict(nowMs)
}

// ForceUploadData runs the anonymized upload immediately instead of
// waiting for the next scheduled midnight. Without a configured server
// it is a no-op.
func (m *PredictionModel) ForceUploadData(ctx context.Context) error {
	if !m.lib.sync.Enabled() {
		m.lib.log.Debug("upload skipped, no server configured")
		return nil
	}
	return m.lib.sync.Upload(ctx)
}

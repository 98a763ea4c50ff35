package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/docqa/pkg/cache"
	"github.com/cuemby/docqa/pkg/dispatcher"
	"github.com/cuemby/docqa/pkg/events"
	"github.com/cuemby/docqa/pkg/health"
	"github.com/cuemby/docqa/pkg/log"
	"github.com/cuemby/docqa/pkg/metrics"
	"github.com/cuemby/docqa/pkg/mutation"
	"github.com/cuemby/docqa/pkg/notify"
	"github.com/cuemby/docqa/pkg/realtime"
	"github.com/cuemby/docqa/pkg/reconciler"
	"github.com/cuemby/docqa/pkg/storage"
	"github.com/cuemby/docqa/pkg/types"
)

// ErrAlreadyStarted is returned by a second Start
var ErrAlreadyStarted = errors.New("engine already started")

// Fetcher loads the authoritative contents of a cache key
type Fetcher interface {
	Fetch(ctx context.Context, key cache.Key) ([]types.Entity, error)
}

// API is what the engine needs from the REST layer
type API interface {
	Fetcher
	mutation.API
}

// Config wires an Engine
type Config struct {
	API API

	// Realtime configures the push connection. Broker and OnStateChange
	// are set by the engine.
	Realtime realtime.Config

	// Persistence is optional; when set the cache is hydrated from it
	// and written through to it
	Persistence storage.Store

	// Broker is optional; a private broker is started when nil
	Broker *events.Broker

	// ResyncOnConnect refetches every cached key each time the
	// connection (re)opens, recovering events missed while offline
	ResyncOnConnect bool

	// Probe, when set, is checked every Health.Interval and reported
	// as the backend health component
	Probe  health.Checker
	Health health.Config

	FetchTimeout time.Duration
	Workers      int
}

// Engine keeps the local cache in sync with the server by combining
// pushed events, pull refetches and optimistic mutations
type Engine struct {
	cfg        Config
	api        API
	broker     *events.Broker
	ownBroker  bool
	store      *cache.MemoryStore
	reconciler *reconciler.Reconciler
	manager    *realtime.Manager
	dispatcher *dispatcher.Dispatcher
	mutator    *mutation.Mutator
	tracker    *notify.Tracker
	monitor    *health.Monitor
	logger     zerolog.Logger

	queue *refetchQueue

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine. Nothing runs until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.API == nil {
		return nil, errors.New("engine requires an API")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	e := &Engine{
		cfg:     cfg,
		api:     cfg.API,
		broker:  cfg.Broker,
		tracker: &notify.Tracker{},
		logger:  log.WithComponent("engine"),
		queue:   newRefetchQueue(),
	}
	if e.broker == nil {
		e.broker = events.NewBroker()
		e.broker.Start()
		e.ownBroker = true
	}

	opts := []cache.Option{cache.WithBroker(e.broker)}
	if cfg.Persistence != nil {
		opts = append(opts, cache.WithPersister(cfg.Persistence))
	}
	e.store = cache.NewMemoryStore(opts...)

	if cfg.Persistence != nil {
		if err := e.hydrate(); err != nil {
			e.shutdownBroker()
			return nil, err
		}
	}

	e.reconciler = reconciler.NewReconciler(e.store)
	e.dispatcher = dispatcher.NewDispatcher(dispatcher.Config{
		Reconciler:  e.reconciler,
		Invalidator: e,
		Navigator:   e.tracker,
		Broker:      e.broker,
	})
	e.mutator = mutation.NewMutator(mutation.Config{
		API:         e.api,
		Store:       e.store,
		Reconciler:  e.reconciler,
		Invalidator: e,
		Broker:      e.broker,
	})

	rtCfg := cfg.Realtime
	rtCfg.Broker = e.broker
	rtCfg.OnStateChange = e.onStateChange
	e.manager = realtime.NewManager(rtCfg)

	if cfg.Probe != nil {
		e.monitor = health.NewMonitor(cfg.Probe, cfg.Health, metrics.ComponentBackend)
	}

	metrics.UpdateComponent(metrics.ComponentCache, true, fmt.Sprintf("%d keys", len(e.store.Keys())))
	return e, nil
}

func (e *Engine) hydrate() error {
	entries, err := e.cfg.Persistence.LoadAll()
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentStorage, false, err.Error())
		return fmt.Errorf("load persisted cache: %w", err)
	}
	for key, items := range entries {
		e.store.Hydrate(key, items)
	}
	metrics.UpdateComponent(metrics.ComponentStorage, true, fmt.Sprintf("%d entries loaded", len(entries)))
	e.logger.Info().Int("entries", len(entries)).Msg("Cache hydrated from disk")
	return nil
}

// Start runs the realtime connection, the dispatcher and the refetch
// workers until ctx is cancelled or Stop is called. tokens carries
// credential changes; an empty string suspends the connection.
func (e *Engine) Start(ctx context.Context, tokens <-chan string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.refetchLoop(ctx)
		}()
	}

	if e.monitor != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.monitor.Run(ctx)
		}()
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if err := e.manager.Run(ctx, tokens); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error().Err(err).Msg("Realtime manager stopped")
		}
	}()
	go func() {
		defer e.wg.Done()
		if err := e.dispatcher.Run(ctx, e.manager.Frames()); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error().Err(err).Msg("Dispatcher stopped")
		}
	}()

	e.logger.Info().Msg("Sync engine started")
	return nil
}

// Stop closes the connection and waits for background work to finish
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.manager.Close()
	e.wg.Wait()
	e.shutdownBroker()

	if e.cfg.Persistence != nil {
		if err := e.cfg.Persistence.Close(); err != nil {
			return fmt.Errorf("close persistence: %w", err)
		}
	}
	e.logger.Info().Msg("Sync engine stopped")
	return nil
}

func (e *Engine) shutdownBroker() {
	if e.ownBroker {
		e.broker.Stop()
	}
}

// Store exposes the cache for reads
func (e *Engine) Store() *cache.MemoryStore { return e.store }

// Broker exposes change, connection and notification events
func (e *Engine) Broker() *events.Broker { return e.broker }

// Mutations returns the optimistic write API
func (e *Engine) Mutations() *mutation.Mutator { return e.mutator }

// Navigator tracks the open conversation for notification suppression
func (e *Engine) Navigator() *notify.Tracker { return e.tracker }

// BackendHealthy reports the last verdict of the backend probe. It is
// true when no probe is configured.
func (e *Engine) BackendHealthy() bool {
	if e.monitor == nil {
		return true
	}
	return e.monitor.Healthy()
}

// State reports the realtime connection state
func (e *Engine) State() realtime.State { return e.manager.State() }

// Load returns the cached contents of key, fetching them first on a miss
func (e *Engine) Load(ctx context.Context, key cache.Key) ([]types.Entity, error) {
	if items, ok := e.store.Read(key); ok {
		return items, nil
	}
	if err := e.Refetch(ctx, key); err != nil {
		return nil, err
	}
	items, _ := e.store.Read(key)
	return items, nil
}

// Refetch pulls key from the API and merges it into the cache, keeping
// optimistic entries the server has not confirmed yet. When the key was
// written while the request was in flight, nothing cached is dropped and
// the key is queued for another fetch.
func (e *Engine) Refetch(ctx context.Context, key cache.Key) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	since := e.store.Version(key)
	items, err := e.api.Fetch(ctx, key)
	if err != nil {
		metrics.RefetchesTotal.WithLabelValues(string(key.Kind), "failure").Inc()
		return fmt.Errorf("refetch %s: %w", key, err)
	}
	if e.reconciler.ApplySnapshot(key, items, since) {
		metrics.RefetchesTotal.WithLabelValues(string(key.Kind), "stale").Inc()
		e.Invalidate(key)
		return nil
	}
	metrics.RefetchesTotal.WithLabelValues(string(key.Kind), "success").Inc()
	return nil
}

// Invalidate queues a refetch of key. Repeated invalidations of a key
// that is already queued collapse into one fetch.
func (e *Engine) Invalidate(key cache.Key) {
	e.queue.push(key)
}

func (e *Engine) refetchLoop(ctx context.Context) {
	for {
		key, ok := e.queue.pop(ctx)
		if !ok {
			return
		}
		if err := e.Refetch(ctx, key); err != nil && ctx.Err() == nil {
			e.logger.Warn().Err(err).Str("key", key.String()).Msg("Refetch failed")
		}
	}
}

func (e *Engine) onStateChange(s realtime.State) {
	if s != realtime.StateConnected || !e.cfg.ResyncOnConnect {
		return
	}
	keys := e.store.Keys()
	e.logger.Info().Int("keys", len(keys)).Msg("Connected, resyncing cached keys")
	for _, key := range keys {
		e.Invalidate(key)
	}
}

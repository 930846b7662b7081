// Package bridge is the game process's context object. It owns every
// game-side component and exposes the hooks a host calls as players come
// and go.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/SkynetNext/motd-gateway/internal/auth"
	"github.com/SkynetNext/motd-gateway/internal/config"
	"github.com/SkynetNext/motd-gateway/internal/dispatcher"
	"github.com/SkynetNext/motd-gateway/internal/identity"
	"github.com/SkynetNext/motd-gateway/internal/logger"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
	"github.com/SkynetNext/motd-gateway/internal/pageurl"
	"github.com/SkynetNext/motd-gateway/internal/session"
	"github.com/SkynetNext/motd-gateway/internal/storage"
	"go.uber.org/zap"
)

// ErrInvalidIdentity is returned for identities that cannot own pages, such as bots
var ErrInvalidIdentity = errors.New("invalid player identity")

// Pusher delivers a page URL to a player's in-game browser. Push runs on its
// own goroutine and may block.
type Pusher interface {
	Push(ctx context.Context, id identity.ID, url string, debug bool) error
}

// PusherFunc adapts a function to Pusher
type PusherFunc func(ctx context.Context, id identity.ID, url string, debug bool) error

// Push calls f
func (f PusherFunc) Push(ctx context.Context, id identity.ID, url string, debug bool) error {
	return f(ctx, id, url, debug)
}

// Option configures a Bridge
type Option func(*Bridge)

// WithConfigFile enables hot reload of path at dispatcher.reload_interval
func WithConfigFile(path string) Option {
	return func(b *Bridge) {
		b.configPath = path
	}
}

// WithFaultSink replaces the registry's default fault sink
func WithFaultSink(sink session.FaultSink) Option {
	return func(b *Bridge) {
		b.faults = sink
	}
}

// WithStore uses store instead of opening storage.dsn. The bridge closes it on shutdown.
func WithStore(store storage.Store) Option {
	return func(b *Bridge) {
		b.store = store
	}
}

// WithoutMetricsServer skips the /metrics listener
func WithoutMetricsServer() Option {
	return func(b *Bridge) {
		b.noMetrics = true
	}
}

// Bridge wires the game-side components together
type Bridge struct {
	config     *config.Config
	configPath string
	faults     session.FaultSink
	noMetrics  bool
	pusher     Pusher

	// Components, in construction order
	engine     *auth.Engine
	store      storage.Store
	worker     *storage.Worker
	registry   *session.Registry
	dispatcher *dispatcher.Server

	metricsServer *metrics.Server
	hotReload     *config.HotReloadManager

	// URL template in effect; replaced on reload
	template atomic.Pointer[pageurl.Template]

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	pushes       sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds the bridge: secret, token engine, store, persistence worker,
// registry, then dispatcher. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, pusher Pusher, opts ...Option) (*Bridge, error) {
	if pusher == nil {
		return nil, fmt.Errorf("pusher is required")
	}
	b := &Bridge{config: cfg, pusher: pusher}
	for _, opt := range opts {
		opt(b)
	}

	tmpl, err := pageurl.Compile(cfg.MOTDTemplate())
	if err != nil {
		return nil, fmt.Errorf("invalid motd url template: %w", err)
	}
	b.template.Store(tmpl)

	// 1. Secret and token engine
	secret, err := auth.LoadOrCreateSecret(cfg.Secret.Path)
	if err != nil {
		return nil, err
	}
	if b.engine, err = auth.NewEngine(secret); err != nil {
		return nil, err
	}

	// 2. Store and the worker that owns all access to it
	if b.store == nil {
		b.store, err = storage.Open(ctx, cfg.Storage.DSN, storage.Options{
			Namespace: storage.NamespaceGame,
			KeyPrefix: cfg.Storage.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
	}
	b.worker = storage.NewWorker(b.store, cfg.Server.ID, cfg.Storage.QueueSize, cfg.Storage.OpTimeout)

	// 3. Registry
	var regOpts []session.Option
	if b.faults != nil {
		regOpts = append(regOpts, session.WithFaultSink(b.faults))
	}
	b.registry = session.NewRegistry(b.worker, regOpts...)

	// 4. Dispatcher
	b.dispatcher, err = dispatcher.New(cfg.Dispatcher, b.registry)
	if err != nil {
		_ = b.store.Close()
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	b.hotReload = config.NewHotReloadManager(cfg, b.applyConfig)
	return b, nil
}

// Start runs the worker, then the dispatcher, then the ambient servers
func (b *Bridge) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	// 1. Persistence worker
	b.worker.Start()

	// 2. Dispatcher listener
	if err := b.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	// 3. Metrics and health check server
	if !b.noMetrics {
		b.metricsServer = metrics.NewServer(b.config.Server.MetricsPort, b.dispatcher.Ready)
		if err := b.metricsServer.Start(); err != nil {
			return err
		}
	}

	// 4. Configuration hot reload
	if b.configPath != "" && b.config.Dispatcher.ReloadInterval > 0 {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			_ = b.hotReload.WatchConfigFile(ctx, b.configPath, b.config.Dispatcher.ReloadInterval)
		}()
	}

	logger.L.Info("motd bridge started",
		zap.String("server_id", b.config.Server.ID),
		zap.String("dispatcher_addr", b.dispatcher.Addr().String()),
	)
	return nil
}

// Shutdown reverses Start: dispatcher, registry reset, worker drain, store close.
// Safe to call more than once.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.shutdownErr = b.shutdown(ctx)
	})
	return b.shutdownErr
}

func (b *Bridge) shutdown(ctx context.Context) error {
	var errs []error

	// 1. Stop config watching
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	// 2. Stop the dispatcher so no web round touches the registry
	if err := b.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}

	// 3. Let in-flight pushes finish, then close every session; callback
	// failures are only logged
	b.pushes.Wait()
	if err := b.registry.Reset(session.CodeShutdown); err != nil {
		logger.L.Warn("Page callbacks failed during shutdown", zap.Error(err))
	}

	// 4. Drain pending saves, then release the backend
	if err := b.worker.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("persistence worker: %w", err))
	}
	if err := b.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}

	// 5. Metrics server last so /ready reports the drain
	if b.metricsServer != nil {
		if err := b.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// applyConfig pushes a reloaded configuration into the running components
func (b *Bridge) applyConfig(cfg *config.Config) error {
	if cfg.Server.ID != b.config.Server.ID {
		return fmt.Errorf("server.id cannot change at runtime")
	}
	tmpl, err := pageurl.Compile(cfg.MOTDTemplate())
	if err != nil {
		return fmt.Errorf("invalid motd url template: %w", err)
	}
	if err := b.dispatcher.UpdateConfig(cfg); err != nil {
		return err
	}
	b.template.Store(tmpl)
	return nil
}

// UpdateConfig validates and applies cfg as if it had been reloaded from disk
func (b *Bridge) UpdateConfig(cfg *config.Config) error {
	return b.hotReload.UpdateConfig(cfg)
}

// Registry returns the session registry
func (b *Bridge) Registry() *session.Registry {
	return b.registry
}

// Config returns the configuration in effect
func (b *Bridge) Config() *config.Config {
	return b.hotReload.GetConfig()
}

// Engine returns the token engine
func (b *Bridge) Engine() *auth.Engine {
	return b.engine
}

// DispatcherAddr returns the bound dispatcher address
func (b *Bridge) DispatcherAddr() string {
	if addr := b.dispatcher.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

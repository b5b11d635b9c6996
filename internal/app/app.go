// Package app wires all toolfleet subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the admin HTTP surface until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithManager, WithDispatcher, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nydiokar/toolfleet/internal/config"
	"github.com/nydiokar/toolfleet/internal/mcp"
	"github.com/nydiokar/toolfleet/internal/mcp/chain"
	"github.com/nydiokar/toolfleet/internal/mcp/dispatch"
	"github.com/nydiokar/toolfleet/internal/mcp/manager"
)

// App owns all subsystem lifetimes and serves the admin HTTP surface.
type App struct {
	bus        *mcp.Bus
	manager    mcp.ServerManager
	dispatcher mcp.Dispatcher
	executor   *chain.Executor
	srv        *http.Server
	watcher    *config.Watcher
	level      *slog.LevelVar

	// mu guards cfg and chains, both replaced on config reload.
	mu     sync.RWMutex
	cfg    *config.Config
	chains map[string]*chain.Chain

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithManager injects a server manager instead of creating one from config.
func WithManager(m mcp.ServerManager) Option {
	return func(a *App) { a.manager = m }
}

// WithDispatcher injects a dispatcher instead of creating one from the
// manager's running clients.
func WithDispatcher(d mcp.Dispatcher) Option {
	return func(a *App) { a.dispatcher = d }
}

// WithLogLevelVar hands the app the level var backing the default logger so a
// config reload can change verbosity at runtime.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: event bus, server
// manager, dispatcher, chain executor and the admin HTTP server. Servers
// listed in cfg are registered immediately; a server whose initial start
// fails stays registered in the error state, so a single broken command does
// not abort startup.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		bus: &mcp.Bus{},
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Server manager + fleet registration ───────────────────────────
	if err := a.initManager(ctx); err != nil {
		return nil, fmt.Errorf("app: init manager: %w", err)
	}

	// ── 2. Dispatcher ────────────────────────────────────────────────────
	if err := a.initDispatcher(ctx); err != nil {
		return nil, fmt.Errorf("app: init dispatcher: %w", err)
	}

	// ── 3. Chain executor ────────────────────────────────────────────────
	a.executor = chain.NewExecutor(a.dispatcher)
	chains, err := buildChains(cfg.Chains)
	if err != nil {
		return nil, fmt.Errorf("app: build chains: %w", err)
	}
	a.chains = chains

	// ── 4. Admin HTTP server ─────────────────────────────────────────────
	a.srv = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: a.adminHandler(),
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initManager creates the manager variant selected by config and registers
// the configured fleet.
func (a *App) initManager(ctx context.Context) error {
	if a.manager == nil {
		a.manager = manager.New(a.cfg.ManagerConfig(), a.bus)
		if c, ok := a.manager.(interface{ Close() error }); ok {
			a.closers = append(a.closers, c.Close)
		}
	}

	for _, srv := range a.cfg.Servers {
		if err := a.manager.RegisterServer(ctx, srv.ToServerConfig()); err != nil {
			return fmt.Errorf("register server %q: %w", srv.ID, err)
		}
		slog.Info("registered tool server", "id", srv.ID, "command", srv.Command)
	}

	if _, ok := a.manager.(mcp.PausableManager); ok {
		slog.Debug("manager supports pause/resume")
	}

	return nil
}

// initDispatcher creates the dispatcher over the manager's running clients if
// one wasn't injected.
func (a *App) initDispatcher(ctx context.Context) error {
	if a.dispatcher != nil {
		return nil
	}

	src, ok := a.manager.(dispatch.ClientSource)
	if !ok {
		return fmt.Errorf("manager %T does not expose running clients", a.manager)
	}

	d := dispatch.New(ctx, src, a.bus)
	a.dispatcher = d
	a.closers = append(a.closers, d.Close)
	return nil
}

// buildChains validates every configured chain up front. The loader already
// rejects invalid chains, so a failure here means the config was constructed
// in code and skipped validation.
func buildChains(cfgs []chain.Config) (map[string]*chain.Chain, error) {
	chains := make(map[string]*chain.Chain, len(cfgs))
	for _, cc := range cfgs {
		c, err := chain.New(cc)
		if err != nil {
			return nil, fmt.Errorf("chain %q: %w", cc.ID, err)
		}
		chains[c.ID()] = c
	}
	return chains, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the admin HTTP server and blocks until ctx is cancelled or the
// listener fails. When ctx is done, Run returns ctx.Err(); call Shutdown to
// tear the subsystems down.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin server listening", "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	a.mu.RLock()
	slog.Info("app running",
		"servers", len(a.cfg.Servers),
		"chains", len(a.chains),
	)
	a.mu.RUnlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: admin server: %w", err)
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// WatchConfig starts a config watcher on path and applies fleet and log-level
// changes as the file changes. Call before Run; the watcher is stopped during
// Shutdown.
func (a *App) WatchConfig(path string, opts ...config.WatcherOption) error {
	w, err := config.NewWatcher(path, a.applyConfig, opts...)
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.watcher = w
	return nil
}

// applyConfig reconciles the running fleet with a freshly loaded config:
// added servers are registered, removed ones unregistered and modified ones
// re-registered and restarted. Chain definitions are swapped wholesale.
func (a *App) applyConfig(old, new *config.Config) {
	ctx := context.Background()
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	byID := make(map[string]config.FleetServer, len(new.Servers))
	for _, srv := range new.Servers {
		byID[srv.ID] = srv
	}

	for _, sd := range d.ServerChanges {
		switch {
		case sd.Added:
			if err := a.manager.RegisterServer(ctx, byID[sd.ID].ToServerConfig()); err != nil {
				slog.Error("reload: register server failed", "id", sd.ID, "err", err)
			}
		case sd.Removed:
			if err := a.manager.UnregisterServer(ctx, sd.ID); err != nil {
				slog.Error("reload: unregister server failed", "id", sd.ID, "err", err)
			}
		case sd.Modified:
			// RegisterServer on a known id updates the stored config; the
			// restart picks it up.
			if err := a.manager.RegisterServer(ctx, byID[sd.ID].ToServerConfig()); err != nil {
				slog.Error("reload: update server failed", "id", sd.ID, "err", err)
				continue
			}
			if err := a.manager.RestartServer(ctx, sd.ID); err != nil {
				slog.Error("reload: restart server failed", "id", sd.ID, "err", err)
			}
		}
	}

	chains, err := buildChains(new.Chains)
	if err != nil {
		slog.Error("reload: invalid chain config, keeping previous chains", "err", err)
		chains = nil
	}

	a.mu.Lock()
	a.cfg = new
	if chains != nil {
		a.chains = chains
	}
	a.mu.Unlock()

	slog.Info("config reloaded",
		"server_changes", len(d.ServerChanges),
		"chains", len(new.Chains),
	)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: the watcher stops first, then the admin
// server drains, then every managed server is stopped, then the closers run
// in reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.watcher != nil {
			a.watcher.Stop()
		}

		if err := a.srv.Shutdown(ctx); err != nil {
			slog.Warn("admin server shutdown error", "err", err)
		}

		if err := a.manager.StopAll(ctx); err != nil {
			slog.Warn("stop all servers error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// slogLevel converts a config.LogLevel to the slog equivalent.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

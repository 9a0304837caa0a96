package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"toolrun/internal/adapter/store"
	"toolrun/internal/adapter/tool"
	"toolrun/internal/domain"
	"toolrun/internal/infra/config"
	"toolrun/internal/infra/logger"
	"toolrun/internal/infra/metrics"
	"toolrun/internal/infra/tracer"
	"toolrun/internal/security"
	"toolrun/internal/usecase/eventbus"
	"toolrun/internal/usecase/hooks"
	"toolrun/internal/usecase/invoker"
	"toolrun/internal/usecase/permission"
	"toolrun/internal/usecase/process"
)

// app holds the wired execution core of one session.
type app struct {
	cfg       *config.Config
	sessionID string
	logger    *slog.Logger

	bus      *eventbus.Bus
	metrics  *metrics.Recorder
	registry *tool.Registry
	manager  *process.Manager
	invoker  *invoker.Invoker
	ledger   *store.SQLiteTaskLedger
	hookSet  *hooks.MatcherCache

	closers []func(context.Context) error
}

type appOptions struct {
	metricsAddr string
}

// newApp wires every component in dependency order. On error, whatever was
// already opened is closed.
func newApp(ctx context.Context, cfg *config.Config, sessionID string, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, sessionID: sessionID}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	// 1. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.logger = log.With("session_id", sessionID)
	a.onClose(func(context.Context) error { return logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.onClose(tracerShutdown)

	// 2. Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		a.metrics, err = metrics.New(reg, cfg.Metrics.Namespace)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		if opts.metricsAddr != "" {
			a.serveMetrics(reg, opts.metricsAddr)
		}
	}

	// 3. Event bus
	a.bus = eventbus.New(logger.Component(a.logger, "eventbus"))
	a.onClose(func(ctx context.Context) error { return a.bus.Shutdown(ctx) })

	// 4. Session directories, sandbox and ledger
	dirs, err := process.PrepareSessionDirs(cfg.Process.TempDir, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session dirs: %w", err)
	}
	sandbox := security.NewSandboxBuilder(dirs.Tmp, logger.Component(a.logger, "sandbox"),
		security.WithStateDirs(dirs.State, dirs.Tasks),
		security.WithMetrics(a.metrics),
	)

	pmOpts := []process.ManagerOption{process.WithSandbox(sandbox), process.WithMetrics(a.metrics)}
	if cfg.Process.LedgerPath != "" {
		a.ledger, err = store.NewSQLiteTaskLedger(cfg.Process.LedgerPath, sessionID)
		if err != nil {
			return nil, fmt.Errorf("task ledger: %w", err)
		}
		a.onClose(func(context.Context) error { return a.ledger.Close() })
		if n, err := a.ledger.MarkOrphaned(ctx, time.Now()); err != nil {
			a.logger.Warn("mark orphaned tasks failed", "error", err)
		} else if n > 0 {
			a.logger.Info("marked orphaned tasks as failed", "count", n)
		}
		pmOpts = append(pmOpts, process.WithLedger(a.ledger))
	}

	// 5. Process manager
	a.manager, err = process.NewManager(process.ManagerConfig{
		SessionID:       sessionID,
		Dirs:            dirs,
		MaxSessions:     cfg.Process.MaxSessions,
		OutputBufferMax: cfg.Process.OutputBufferMax,
		DefaultTimeout:  cfg.Shell.DefaultTimeout,
		MaxTimeout:      cfg.Shell.MaxTimeout,
		GraceWindow:     cfg.Process.GraceWindow,
	}, a.bus, logger.Component(a.logger, "process"), pmOpts...)
	if err != nil {
		return nil, fmt.Errorf("process manager: %w", err)
	}
	a.onClose(a.manager.Stop)

	// 6. Tools
	a.registry = tool.NewRegistry(logger.Component(a.logger, "registry"))
	for _, t := range []domain.Tool{
		tool.NewShellTool(a.manager, tool.ShellConfig{
			MaxTimeout:          cfg.Shell.MaxTimeout,
			AutoBackgroundAfter: cfg.Shell.AutoBackgroundAfter,
			ProgressInterval:    cfg.Shell.ProgressInterval,
			AllowedCommands:     cfg.Shell.AllowedCommands,
			Sandbox:             cfg.Sandbox.SandboxOptions,
		}, logger.Component(a.logger, "shell")),
		tool.NewProcessTool(a.manager, logger.Component(a.logger, "process_tool")),
	} {
		if err := a.registry.Register(t); err != nil {
			return nil, fmt.Errorf("register %s: %w", t.Name(), err)
		}
	}

	// 7. Hooks, permissions and the invoker
	invOpts := []invoker.Option{
		invoker.WithEventBus(a.bus),
		invoker.WithMetrics(a.metrics),
		invoker.WithPermissionChecker(permission.NewConfigChecker(
			domain.PermissionMode(cfg.Permissions.Mode),
			cfg.Permissions.Allow,
			cfg.Permissions.Deny,
			a.readOnly,
			permission.WithSplitter(tool.SplitCommand),
		)),
	}
	if len(cfg.Hooks.Files) > 0 {
		a.hookSet = hooks.NewMatcherCache(cfg.Hooks.Files, true, a.bus, logger.Component(a.logger, "hooks"))
		a.onClose(func(context.Context) error { return a.hookSet.Close() })
		invOpts = append(invOpts, invoker.WithHooks(
			hooks.NewCommandHookRunner(a.hookSet, cfg.Hooks.Timeout, logger.Component(a.logger, "hooks"),
				hooks.WithTempDir(dirs.Tmp)),
		))
	}
	a.invoker = invoker.New(a.registry, logger.Component(a.logger, "invoker"), invOpts...)

	a.logger.Debug("toolrun wired",
		"tmp", dirs.Tmp,
		"sandbox_available", sandbox.Available(),
		"ledger", cfg.Process.LedgerPath != "",
		"hooks", len(cfg.Hooks.Files),
	)
	return a, nil
}

// readOnly tells the permission checker whether a call only reads state.
func (a *app) readOnly(call domain.ToolCall, input json.RawMessage) bool {
	t, err := a.registry.Get(call.Name)
	if err != nil {
		return false
	}
	return t.IsConcurrencySafe(input)
}

func (a *app) serveMetrics(reg *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	a.onClose(srv.Shutdown)
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close runs the closers in reverse order of registration.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

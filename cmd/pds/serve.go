package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "pds/internal/api/http"
	"pds/internal/config"
	"pds/internal/domain"
	"pds/internal/execution"
	"pds/internal/infra/etcd"
	"pds/internal/infra/memory"
	"pds/internal/infra/sqlite"
	"pds/internal/logging"
	"pds/internal/scheduler"
	"pds/internal/serverconfig"
	"pds/internal/tracing"
	"pds/internal/usecase"
	"pds/internal/workspace"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func serve(ctx context.Context, flags rootFlags) error {
	// 1. Load configuration and initialize logger
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if cfg.Tracing.Enabled {
		tracerShutdown, err := tracing.InitTracer("pds", version, cfg.Tracing.SampleRatio, os.Stderr)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			if err := tracerShutdown(context.Background()); err != nil {
				logger.Warn("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// 2. Setup graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Server configuration and workspaces
	serverCfg, err := serverconfig.Load(cfg.Server.ConfigFile)
	if err != nil {
		return err
	}
	products := serverconfig.NewService(serverCfg, serverconfig.Timeouts{
		DefaultMinutes: cfg.Product.TimeoutMinutes,
		MaxMinutes:     cfg.Product.TimeoutMaxMinutes,
	}, logger)
	ws, err := workspace.New(workspace.Config{
		RootFolder:        cfg.Workspace.RootFolder,
		AutoCleanDisabled: cfg.Workspace.AutoCleanDisabled,
		Encoding:          cfg.Workspace.Encoding,
	}, logger)
	if err != nil {
		return err
	}

	// 4. Repository and cluster membership
	be, err := openBackend(ctx, cfg, products.ServerID(), logger)
	if err != nil {
		return err
	}
	defer be.close()

	leave, err := be.join(ctx, domain.ServerMember{
		ServerID:   products.ServerID(),
		InstanceID: uuid.NewString(),
		ListenAddr: cfg.HTTP.ListenAddr,
		Version:    version,
		Started:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := leave(leaveCtx); err != nil {
			logger.Warn("failed to leave cluster", "error", err)
		}
	}()

	// 5. Instantiate components
	execSvc := execution.NewService(execution.Config{
		WorkerCount:         cfg.Execution.WorkerCount,
		QueueMax:            cfg.Execution.QueueMax,
		WatcherInitialDelay: cfg.Execution.Watcher.InitialDelay,
		WatcherDelay:        cfg.Execution.Watcher.Delay,
	}, be.repo, products, ws, logger)
	trigger := usecase.NewTriggerService(cfg.Trigger.Enabled, execSvc, be.repo, be.locker, logger)

	periodic := scheduler.NewPeriodic(logger)
	if trigger.Enabled() {
		if err := periodic.Every("trigger", cfg.Trigger.InitialDelay, cfg.Trigger.Delay, trigger.Tick); err != nil {
			return err
		}
	} else {
		logger.Info("trigger disabled, jobs are not fetched from the repository")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	http_api.NewAdminHandler(execSvc, be.cluster, logger).RegisterRoutes(mux)
	server := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting product delegation server",
		"server_id", products.ServerID(), "products", len(products.Products()),
		"repository", cfg.Repository.Type, "listen_addr", cfg.HTTP.ListenAddr, "version", version)

	// 6. Run until a signal arrives or a component fails
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(execSvc.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(periodic.Start(gctx)) })
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	runErr := g.Wait()

	// 7. Cancel in-flight jobs and persist their final state
	logger.Info("shutting down application gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := execSvc.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("execution shutdown: %w", err))
	}
	logger.Info("application shut down")
	return runErr
}

// backend bundles the storage dependent components.
type backend struct {
	repo    domain.JobRepository
	locker  domain.Locker
	cluster domain.Cluster
	// join announces this instance, the returned func withdraws it.
	join  func(ctx context.Context, self domain.ServerMember) (func(context.Context) error, error)
	close func()
}

// openBackend creates the configured job repository with the locker guarding
// the trigger and the cluster view.
func openBackend(ctx context.Context, cfg *config.Config, serverID string, logger *slog.Logger) (*backend, error) {
	local := func(b *backend) *backend {
		b.locker = memory.NewLocker()
		b.join = func(_ context.Context, self domain.ServerMember) (func(context.Context) error, error) {
			b.cluster = memory.NewCluster(self)
			return func(context.Context) error { return nil }, nil
		}
		return b
	}

	switch cfg.Repository.Type {
	case config.RepositorySQLite:
		repo, err := sqlite.Open(cfg.Repository.SQLitePath, serverID)
		if err != nil {
			return nil, err
		}
		return local(&backend{repo: repo, close: closeLogged(repo, logger)}), nil
	case config.RepositoryEtcd:
		client, err := etcd.NewClient(ctx, cfg.Etcd.Endpoints, cfg.Etcd.Timeout)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to etcd", "endpoints", cfg.Etcd.Endpoints)
		registry := etcd.NewServerRegistry(client, logger)
		locker := etcd.NewEtcdLocker(client)
		return &backend{
			repo:    etcd.NewEtcdJobRepository(client, serverID, logger),
			locker:  locker,
			cluster: registry,
			join: func(ctx context.Context, self domain.ServerMember) (func(context.Context) error, error) {
				if err := registry.Register(ctx, self); err != nil {
					return nil, err
				}
				return registry.Deregister, nil
			},
			close: func() {
				closeLogged(locker, logger)()
				closeLogged(client, logger)()
			},
		}, nil
	default:
		return local(&backend{repo: memory.NewJobRepository(serverID), close: func() {}}), nil
	}
}

func closeLogged(c io.Closer, logger *slog.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close repository", "error", err)
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// FlowCatalyst Dispatcher
//
// Consumes dispatch jobs from the configured queue and delivers them to
// subscription targets through per-pool HTTP mediation.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/common/health"
	"go.flowcatalyst.tech/dispatcher/internal/common/lifecycle"
	"go.flowcatalyst.tech/dispatcher/internal/common/mongo"
	"go.flowcatalyst.tech/dispatcher/internal/config"
	"go.flowcatalyst.tech/dispatcher/internal/router/api"
	"go.flowcatalyst.tech/dispatcher/internal/router/breaker"
	routerhealth "go.flowcatalyst.tech/dispatcher/internal/router/health"
	"go.flowcatalyst.tech/dispatcher/internal/router/manager"
	"go.flowcatalyst.tech/dispatcher/internal/router/mediator"
	"go.flowcatalyst.tech/dispatcher/internal/router/registry"
	"go.flowcatalyst.tech/dispatcher/internal/router/standby"
	"go.flowcatalyst.tech/dispatcher/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (overrides "+config.ConfigEnvVar+")")
	writeConfig := flag.String("write-config", "", "write an example config file to this path and exit")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.WriteExampleConfig(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Example config written to %s\n", *writeConfig)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("Starting FlowCatalyst Dispatcher",
		"version", version,
		"build_time", buildTime,
		"component", "dispatcher")

	if err := run(cfg); err != nil {
		slog.Error("Dispatcher failed", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Dispatcher stopped")
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	useMongo := cfg.Registry.Type == config.RegistryMongo
	app, err := lifecycle.Initialize(ctx, cfg, lifecycle.AppOptions{NeedsMongoDB: useMongo})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer app.Cleanup()

	// ========================================
	// 2. REGISTRY
	// ========================================
	reg, err := setupRegistry(ctx, app)
	if err != nil {
		return err
	}

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================
	warnings := warning.NewInMemoryService(cfg.WarningsMax)
	breakers := breaker.NewRegistry(cfg.Breaker, warnings)
	httpMediator := mediator.NewHTTPMediator(cfg.Mediator, breakers)

	mgr := manager.New(managerConfig(cfg), app.Queue, reg, httpMediator, warnings)
	managerService := manager.NewService(mgr)

	standbyService, lockProvider, err := setupStandby(ctx, app, managerService, warnings)
	if err != nil {
		return err
	}

	healthChecker := health.NewChecker()
	statusService := routerhealth.NewHealthStatusService(mgr, routerhealth.QueueProbe{
		Type: string(cfg.Queue.Type),
		Ping: app.Queue.Ping,
	})
	statusService.SetBreakerProvider(breakers)
	statusService.SetWarningProvider(warnings)
	statusService.SetStandbyProvider(standbyService)

	healthChecker.AddLivenessCheck(health.ServiceCheck(managerService.Name(), managerService.Health))
	healthChecker.AddReadinessCheck(health.QueueCheck(string(cfg.Queue.Type), app.Queue.Ping))
	healthChecker.AddReadinessCheck(statusService.Infrastructure().Check)
	healthChecker.AddReadinessCheck(health.ServiceCheck(standbyService.Name(), standbyService.Health))
	if useMongo {
		healthChecker.AddReadinessCheck(health.MongoDBCheck(app.Mongo.Ping))
	}
	if lockProvider != nil {
		healthChecker.AddReadinessCheck(health.RedisCheck(lockProvider.Ping))
	}

	httpRouter := api.NewRouter(api.Handlers{
		Health:      healthChecker,
		Monitoring:  api.NewMonitoringHandler(statusService, standbyService, mgr),
		Pools:       api.NewPoolHandler(mgr),
		Breakers:    api.NewBreakerHandler(breakers),
		Jobs:        api.NewJobHandler(app.Queue, cfg.Queue.Subject, reg),
		Warnings:    warning.NewHandler(warnings),
		CORSOrigins: cfg.HTTP.CORSOrigins,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	// Standby starts after the manager so the first role callback finds it running
	services := []lifecycle.Service{
		lifecycle.NewHTTPService("http-server", httpServer),
		managerService,
		standbyService,
	}

	slog.Info("Dispatcher ready",
		"port", cfg.HTTP.Port,
		"queueType", cfg.Queue.Type,
		"registry", cfg.Registry.Type,
		"leaderElection", cfg.Leader.Enabled)

	// ========================================
	// 5. RUN UNTIL SHUTDOWN
	// ========================================
	return lifecycle.Run(ctx, cfg.Pool.ShutdownTimeout, services...)
}

// loadConfig reads path when given, otherwise the discovered config file and
// the environment
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.LoadWithFile()
}

// setupLogging configures the slog default logger.
func setupLogging(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// setupRegistry builds the pool and subscription registry named by the config.
func setupRegistry(ctx context.Context, app *lifecycle.App) (registry.Registry, error) {
	cfg := app.Config

	switch cfg.Registry.Type {
	case config.RegistryMongo:
		indexes := mongo.NewIndexInitializer(app.Mongo, mongo.RegistryIndexes())
		if err := indexes.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize registry indexes: %w", err)
		}
		slog.Info("Using MongoDB registry",
			"database", cfg.MongoDB.Database,
			"cacheTTL", cfg.Registry.CacheTTL)
		return registry.NewCached(registry.NewMongo(app.Mongo.Database()), cfg.Registry.CacheTTL), nil

	default:
		slog.Info("Using static registry",
			"pools", len(cfg.Pools),
			"subscriptions", len(cfg.Subscriptions))
		return registry.NewStatic(cfg.Pools, cfg.Subscriptions), nil
	}
}

func managerConfig(cfg *config.Config) manager.Config {
	mc := manager.DefaultConfig()
	mc.PermanentFailureBlocks = cfg.Pool.PermanentFailureBlocks
	mc.RejectDelay = cfg.Pool.RejectDelay
	mc.DrainTimeout = cfg.Pool.DrainTimeout
	mc.ShutdownTimeout = cfg.Pool.ShutdownTimeout
	mc.SyncInterval = cfg.Registry.SyncInterval
	mc.BacklogThreshold = int64(cfg.Queue.BacklogThreshold)
	mc.StartPaused = cfg.Leader.Enabled
	return mc
}

// setupStandby creates the leader election service. Becoming primary resumes
// consumption and becoming standby pauses it. The lock provider is nil when
// leader election is disabled.
func setupStandby(ctx context.Context, app *lifecycle.App, managerService *manager.Service, warnings warning.Sink) (*standby.Service, standby.LockProvider, error) {
	cfg := app.Config

	standbyCfg := standby.DefaultConfig()
	standbyCfg.Enabled = cfg.Leader.Enabled
	standbyCfg.InstanceID = cfg.Leader.InstanceID
	if cfg.Leader.LockKey != "" {
		standbyCfg.LockKey = cfg.Leader.LockKey
	}
	if cfg.Leader.TTL > 0 {
		standbyCfg.LockTTL = cfg.Leader.TTL
	}
	if cfg.Leader.RefreshInterval > 0 {
		standbyCfg.RefreshInterval = cfg.Leader.RefreshInterval
	}

	var provider standby.LockProvider
	if cfg.Leader.Enabled {
		redisProvider, err := standby.NewRedisLockProvider(ctx, cfg.Leader.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect leader lock: %w", err)
		}
		provider = redisProvider
	}

	svc, err := standby.NewService(standbyCfg, provider, standby.Callbacks{
		OnBecomePrimary: func() {
			slog.Info("Became primary, resuming consumption")
			managerService.Resume()
		},
		OnBecomeStandby: func() {
			slog.Info("Became standby, pausing consumption")
			managerService.Pause()
		},
	}, warnings)
	if err != nil {
		if provider != nil {
			_ = provider.Close()
		}
		return nil, nil, fmt.Errorf("create standby service: %w", err)
	}

	if provider != nil {
		app.OnShutdown("leader-lock", lifecycle.PhaseLeader, func(context.Context) error {
			slog.Info("Closing leader lock connection", "instanceId", svc.InstanceID())
			return provider.Close()
		})
	}

	return svc, provider, nil
}

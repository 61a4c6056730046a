package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"go.flowcatalyst.tech/dispatcher/internal/common/mongo"
	"go.flowcatalyst.tech/dispatcher/internal/config"
	"go.flowcatalyst.tech/dispatcher/internal/queue/backend"
)

// App holds infrastructure that is connected and ready. Application logic
// does not belong here.
type App struct {
	Config *config.Config

	// Queue is the configured queue backend
	Queue backend.Backend

	// Mongo is set when the registry is backed by MongoDB
	Mongo *mongo.Client

	shutdown *Manager
}

// AppOptions configures which infrastructure to initialize
type AppOptions struct {
	// NeedsMongoDB indicates a MongoDB connection is required
	NeedsMongoDB bool
}

// Initialize connects the infrastructure cfg names. On error everything
// already opened is released.
//
//	app, err := lifecycle.Initialize(ctx, cfg, lifecycle.AppOptions{NeedsMongoDB: true})
//	if err != nil {
//	    return err
//	}
//	defer app.Cleanup()
func Initialize(ctx context.Context, cfg *config.Config, opts AppOptions) (*App, error) {
	app := &App{Config: cfg, shutdown: NewManager()}
	app.shutdown.SetShutdownTimeout(cfg.Pool.ShutdownTimeout)

	q, err := backend.Open(ctx, cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	app.Queue = q
	app.shutdown.RegisterQueueShutdown("queue", func(context.Context) error {
		slog.Info("Closing queue", "type", cfg.Queue.Type)
		return q.Close()
	})

	if opts.NeedsMongoDB {
		client, err := mongo.Connect(ctx, cfg.MongoDB)
		if err != nil {
			app.Cleanup()
			return nil, err
		}
		app.Mongo = client
		app.shutdown.RegisterDatabaseShutdown("mongodb", func(ctx context.Context) error {
			slog.Info("Disconnecting from MongoDB")
			return client.Disconnect(ctx)
		})
	}

	return app, nil
}

// OnShutdown registers a hook run by Cleanup in the given phase
func (app *App) OnShutdown(name string, phase ShutdownPhase, fn func(ctx context.Context) error) {
	app.shutdown.RegisterHook(ShutdownHook{Name: name, Phase: phase, Shutdown: fn})
}

// Cleanup releases the infrastructure phase by phase
func (app *App) Cleanup() {
	if err := app.shutdown.Execute(); err != nil {
		slog.Error("Cleanup incomplete", "error", err)
	}
}

package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/dispatcher/internal/queue"
)

// EmbeddedConfig holds configuration for the embedded NATS server
type EmbeddedConfig struct {
	// DataDir is the directory for JetStream file storage; empty keeps the
	// stream in memory
	DataDir string

	// Host is the bind address (default: 127.0.0.1)
	Host string

	// Port is the server port; server.RANDOM_PORT picks a free one
	Port int
}

// Embedded runs a NATS server with JetStream inside the process and exposes
// it as a queue.Queue
type Embedded struct {
	*Client
	server  *server.Server
	dataDir string
}

// StartEmbedded starts the server, connects to it and sets up the stream and
// consumer described by cfg
func StartEmbedded(ctx context.Context, cfg queue.Config, ecfg EmbeddedConfig) (*Embedded, error) {
	if ecfg.Host == "" {
		ecfg.Host = "127.0.0.1"
	}
	if ecfg.Port == 0 {
		ecfg.Port = server.RANDOM_PORT
	}

	storage := jetstream.MemoryStorage
	if ecfg.DataDir != "" {
		if err := os.MkdirAll(ecfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		storage = jetstream.FileStorage
	}

	opts := &server.Options{
		ServerName: "dispatcher-embedded",
		Host:       ecfg.Host,
		Port:       ecfg.Port,
		JetStream:  true,
		StoreDir:   ecfg.DataDir,
		NoLog:      true,
		NoSigs:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("NATS server failed to start within timeout")
	}

	conn, err := nats.Connect(ns.ClientURL(), connectOptions("dispatcher-embedded")...)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client, err := newClient(ctx, conn, cfg, storage)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, err
	}

	slog.Info("Embedded NATS server started",
		"url", ns.ClientURL(),
		"dataDir", ecfg.DataDir,
		"stream", cfg.NATS.StreamName)

	return &Embedded{
		Client:  client,
		server:  ns,
		dataDir: ecfg.DataDir,
	}, nil
}

// ClientURL returns the URL other clients can connect to
func (e *Embedded) ClientURL() string {
	return e.server.ClientURL()
}

// Close closes the connection and shuts the server down
func (e *Embedded) Close() error {
	slog.Info("Shutting down embedded NATS server")

	e.Client.Close()
	e.server.Shutdown()
	e.server.WaitForShutdown()

	if e.dataDir != "" {
		lockFile := filepath.Join(e.dataDir, "jetstream", "lock.lck")
		if _, err := os.Stat(lockFile); err == nil {
			os.Remove(lockFile)
		}
	}

	slog.Info("Embedded NATS server shut down")
	return nil
}

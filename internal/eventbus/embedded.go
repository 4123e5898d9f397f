// Package eventbus implements the orchestrator's broadcast event bus: an
// in-process NATS server with JetStream enabled, so every topic gets a
// bounded retained replay buffer with no external infrastructure to run.
package eventbus

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

type EmbeddedConfig struct {
	Port     int // 0 lets the OS assign an ephemeral port
	HTTPPort int
	StoreDir string
}

type embeddedServer struct {
	cfg    EmbeddedConfig
	server *natsserver.Server
	log    *slog.Logger
}

func newEmbeddedServer(cfg EmbeddedConfig, log *slog.Logger) *embeddedServer {
	return &embeddedServer{cfg: cfg, log: log}
}

func (e *embeddedServer) Start() error {
	if err := os.MkdirAll(e.cfg.StoreDir, 0o755); err != nil {
		return fmt.Errorf("create jetstream store dir %s: %w", e.cfg.StoreDir, err)
	}

	opts := &natsserver.Options{
		Host:         "127.0.0.1",
		Port:         e.cfg.Port,
		HTTPPort:     e.cfg.HTTPPort,
		JetStream:    true,
		StoreDir:     e.cfg.StoreDir,
		MaxPayload:   8 * 1024 * 1024,
		ServerName:   "orchestrator-eventbus",
		NoLog:        true,
		NoSigs:       true,
		PingInterval: 2 * time.Minute,
		MaxPingsOut:  2,
	}

	server, err := natsserver.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded nats server: %w", err)
	}

	go server.Start()

	if !server.ReadyForConnections(10 * time.Second) {
		server.Shutdown()
		return fmt.Errorf("embedded nats server failed to start within timeout")
	}

	e.server = server
	e.log.Info("embedded nats server started", "client_url", e.ClientURL())
	return nil
}

func (e *embeddedServer) Shutdown() {
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
		e.server = nil
	}
}

func (e *embeddedServer) ClientURL() string {
	if e.server == nil {
		return ""
	}
	return e.server.ClientURL()
}

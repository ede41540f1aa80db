package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/presencehub/internal/logging"
	"github.com/Tyrowin/presencehub/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "presencehub: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Config{
		Environment: cfg.Log.Environment,
		Level:       cfg.Log.Level,
		Service:     "presencehub",
		NodeID:      cfg.NodeID,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info("starting presence hub",
		zap.String("node_id", srv.NodeID()),
		zap.Bool("local_mode", cfg.Broker.URL == ""))
	srv.Start()

	httpServer := server.CreateServer(server.CurrentConfig().Port, srv.Handler())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, log)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", zap.Error(err))
		}
		_ = srv.Shutdown(shutdownTimeout)
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	// Hijacked WebSocket connections are not closed by http.Server.Shutdown,
	// so the hub goes first.
	if err := srv.Shutdown(shutdownTimeout); err != nil {
		log.Warn("server shutdown incomplete", zap.Error(err))
	}
	return server.ShutdownServer(httpServer, shutdownTimeout, log)
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/taskflow/teamchat/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded; using system environment", "error", err)
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		logger.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	verifier := server.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	registry := server.NewRegistry()
	engine := server.NewEngine(registry, logger)
	go engine.Run()

	gateway := server.NewGateway(engine, verifier, registry, cfg, logger)
	srv := server.CreateServer(cfg.Addr, gateway.Routes())

	logger.Info("teamchat relay listening", "addr", cfg.Addr)
	if err := run(ctx, srv, engine, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, srv *http.Server, engine *server.Engine, cfg server.Config, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		if err := server.ShutdownServer(srv, cfg.ShutdownTimeout); err != nil {
			logger.Error("http server shutdown", "error", err)
		}
		if err := engine.Shutdown(cfg.ShutdownTimeout); err != nil {
			logger.Error("engine shutdown", "error", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

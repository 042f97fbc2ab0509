package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rl1809/stocklock/internal/bootstrap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	app, err := bootstrap.Build(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build app")
	}
	logger := app.Log

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	if err := app.Prepare(ctx); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("failed to prepare store")
	}
	cancel()

	// Start gRPC server
	lis, err := net.Listen("tcp", app.Config.GRPC.Addr())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen")
	}

	go func() {
		logger.Info().Str("addr", app.Config.GRPC.Addr()).Msg("gRPC server listening")
		if err := app.GRPC.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	// Start HTTP server
	go func() {
		logger.Info().Str("addr", app.HTTP.Addr).Msg("HTTP server listening")
		if err := app.HTTP.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := app.HTTP.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	logger.Info().Msg("HTTP server stopped")

	app.GRPC.GracefulStop()
	logger.Info().Msg("gRPC server stopped")

	if err := app.Close(); err != nil {
		logger.Warn().Err(err).Msg("closing connections")
	}
	logger.Info().Msg("connections closed")
}

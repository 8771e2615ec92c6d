package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session API, health loop and orphan sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log := loadBase()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.registry.Reconcile(ctx); err != nil {
			log.Warn().Err(err).Msg("Startup reconciliation failed")
		}
		a.registry.Start(ctx)
		go a.sweeper.Start(ctx)

		if log.GetLevel() > zerolog.DebugLevel {
			gin.SetMode(gin.ReleaseMode)
		}
		handler := api.NewHandler(a.sessions, a.hub, log)
		server := &http.Server{
			Addr:           ":" + cfg.HTTPPort,
			Handler:        api.NewRouter(handler, a.metrics, cfg.AllowedOrigins, log),
			ReadTimeout:    15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 1 << 20,
		}

		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("failed to listen on grpc port: %w", err)
		}
		grpcServer := grpc.NewServer()
		healthServer := health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

		errCh := make(chan error, 2)
		go func() {
			log.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
		go func() {
			log.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()

		var runErr error
		select {
		case <-ctx.Done():
		case runErr = <-errCh:
		}

		log.Info().Msg("Shutting down session orchestrator...")
		healthServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Graceful HTTP shutdown failed")
		}
		grpcServer.GracefulStop()
		return runErr
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log := loadBase()
		gormDB, err := connectDB(cfg, log)
		if err != nil {
			return err
		}
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one orphaned-session sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log := loadBase()
		a, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		cleaned := a.sweeper.RunOnce(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "cleaned %d orphaned session(s)\n", cleaned)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Drop registry entries whose containers are gone and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log := loadBase()
		a, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		evicted, err := a.registry.Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "evicted %d stale registry entr(ies)\n", evicted)
		return nil
	},
}

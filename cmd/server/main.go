// walletlink - wallet session daemon
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/walletlink/internal/api"
	"github.com/ashureev/walletlink/internal/app"
	"github.com/ashureev/walletlink/internal/config"
	"github.com/ashureev/walletlink/internal/middleware"
)

func main() {
	configPath := flag.String("config", "", "optional TOML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "network", cfg.Network, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize wallet services", "error", err)
		os.Exit(1)
	}
	defer a.Close()
	slog.Info("Store connected", "chain_id", a.Profile.ChainID)

	// Restore the persisted session before serving.
	a.Manager.Start(ctx)
	c := a.Manager.Capability()
	slog.Info("Wallet session restore complete", "status", c.State.Status, "wallet_type", c.WalletType, "address", c.WalletAddress)

	walletHandler := api.NewHandler(a.Manager, a.Profile, api.Options{
		SignRatePerMinute: cfg.SignRatePerMinute,
		AllowedOrigins:    cfg.AllowedOrigins,
		IsDevelopment:     cfg.IsDevelopment(),
		Logger:            logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	walletHandler.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	// Sign and relayed-connect requests wait on a remote signer, and the
	// event stream is long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

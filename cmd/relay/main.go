// walletlink relay - development message relay for remote signers
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/walletlink/internal/api"
	"github.com/ashureev/walletlink/internal/app"
	"github.com/ashureev/walletlink/internal/chain"
	"github.com/ashureev/walletlink/internal/config"
	"github.com/ashureev/walletlink/internal/relay"
	"github.com/ashureev/walletlink/internal/relay/devwallet"
)

// demoWallets pairs software signers with URIs posted to /demo/pair.
type demoWallets struct {
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	wallets []*devwallet.Wallet
}

func (d *demoWallets) pair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URI == "" {
		api.Error(w, http.StatusBadRequest, "uri is required")
		return
	}

	wallet, err := devwallet.New(d.prefix, devwallet.WithLogger(d.logger))
	if err != nil {
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := wallet.Pair(r.Context(), req.URI); err != nil {
		_ = wallet.Close()
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	d.mu.Lock()
	d.wallets = append(d.wallets, wallet)
	d.mu.Unlock()

	d.logger.Info("Demo wallet paired", "address", wallet.Address(), "peer_id", wallet.ID())
	api.JSON(w, http.StatusOK, map[string]string{"address": wallet.Address(), "peer_id": wallet.ID()})
}

func (d *demoWallets) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.wallets {
		_ = w.Close()
	}
	d.wallets = nil
}

func main() {
	configPath := flag.String("config", "", "optional TOML config file")
	demo := flag.Bool("demo", false, "serve /demo/pair with software signers")
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

	hub := relay.NewHub(relay.WithHubLogger(logger))

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Handle("/relay", hub)
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		topics, queued := hub.Stats()
		api.JSON(w, http.StatusOK, map[string]int{"topics": topics, "queued": queued})
	})

	var wallets *demoWallets
	if *demo {
		profile, err := chain.Select(cfg.ChainNetwork())
		if err != nil {
			slog.Error("Failed to select chain profile", "error", err)
			os.Exit(1)
		}
		wallets = &demoWallets{prefix: profile.Prefix(), logger: logger}
		r.Post("/demo/pair", wallets.pair)
		slog.Info("Demo signer enabled", "chain_id", profile.ChainID)
	}

	srv := &http.Server{
		Addr:        ":" + cfg.RelayPort,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub.StartJanitor(ctx, time.Minute)

	go func() {
		slog.Info("Relay listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Relay failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	if wallets != nil {
		wallets.close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Relay forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("Relay stopped successfully")
}

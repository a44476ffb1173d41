// Package app builds the wallet session graph from configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ashureev/walletlink/internal/bridge"
	"github.com/ashureev/walletlink/internal/chain"
	"github.com/ashureev/walletlink/internal/config"
	"github.com/ashureev/walletlink/internal/injected"
	"github.com/ashureev/walletlink/internal/injected/extension"
	"github.com/ashureev/walletlink/internal/relay"
	"github.com/ashureev/walletlink/internal/store"
	"github.com/ashureev/walletlink/internal/wallet"
)

// NewLogger returns the process logger described by cfg.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// App is the assembled wallet session graph.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Profile  chain.Profile
	Store    store.Store
	Registry *prometheus.Registry
	Injected *injected.Adapter
	Bridge   *bridge.Client
	Manager  *wallet.Manager

	extension *extension.Client
}

// New opens the store and wires both backends into a Manager. The Manager
// is not started.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	profile, err := chain.Select(cfg.ChainNetwork())
	if err != nil {
		return nil, fmt.Errorf("select chain profile: %w", err)
	}

	st, err := store.Open(ctx, cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("store health check: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Profile:  profile,
		Store:    st,
		Registry: reg,
	}

	var provider injected.Provider
	if cfg.ExtensionAddr != "" {
		client, err := extension.NewClient(extension.DefaultConfig(cfg.ExtensionAddr), logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		a.extension = client
		provider = client
		logger.Info("Signing extension configured", "address", cfg.ExtensionAddr)
	} else {
		logger.Info("No signing extension configured (extension_addr empty)")
	}
	a.Injected = injected.NewAdapter(provider, profile, logger)

	var relayed wallet.RelayedBackend
	if cfg.RelayURL != "" {
		a.Bridge = bridge.New(
			bridge.RelayTransport(relay.ConnectorConfig{
				BridgeURL: cfg.RelayURL,
				Meta:      relay.PeerMeta{Name: "walletlink", URL: cfg.FrontendURL},
				Logger:    logger,
			}),
			st, profile,
			bridge.WithLogger(logger),
			bridge.WithRegisterer(reg),
			bridge.WithHandshakeTimeout(cfg.HandshakeTimeout),
			bridge.WithRequestTimeout(cfg.RequestTimeout),
			bridge.WithSignTimeout(cfg.SignTimeout),
			bridge.WithSerializedSigning(cfg.SerializeSigns),
		)
		relayed = a.Bridge
		logger.Info("Relay configured", "url", cfg.RelayURL)
	} else {
		logger.Info("No relay configured (relay_url empty)")
	}

	a.Manager = wallet.New(st, profile, a.Injected, relayed, wallet.WithLogger(logger))
	return a, nil
}

// Close stops background work and releases the store. The persisted
// session survives.
func (a *App) Close() {
	a.Manager.Close()
	if a.extension != nil {
		a.extension.Close()
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close store", "error", err)
	}
}

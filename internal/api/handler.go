// Package api provides HTTP handlers for the wallet session API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/walletlink/internal/chain"
	"github.com/ashureev/walletlink/internal/domain"
	"github.com/ashureev/walletlink/internal/signing"
	"github.com/ashureev/walletlink/internal/wallet"
)

// Wallet is the session manager as seen by the API.
type Wallet interface {
	Capability() wallet.Capability
	ConnectInjected(ctx context.Context) (domain.Session, error)
	ConnectRelayed(ctx context.Context) (domain.Session, error)
	Disconnect(ctx context.Context) error
	Signer() (signing.OfflineSigner, bool)
	Subscribe(fn func(wallet.Event)) func()
}

// Options configures a Handler.
type Options struct {
	// PairingWait bounds how long a relayed connect request waits for the
	// pairing URI.
	PairingWait       time.Duration
	SignRatePerMinute int
	AllowedOrigins    []string
	IsDevelopment     bool
	Logger            *slog.Logger
}

// Handler serves the wallet API.
type Handler struct {
	wallet  Wallet
	profile chain.Profile
	opts    Options
	logger  *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(w Wallet, profile chain.Profile, opts Options) *Handler {
	if opts.PairingWait <= 0 {
		opts.PairingWait = 15 * time.Second
	}
	if opts.SignRatePerMinute <= 0 {
		opts.SignRatePerMinute = 30
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{wallet: w, profile: profile, opts: opts, logger: logger.With("component", "api")}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// DomainError writes err with the status of its taxonomy code.
func DomainError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	if code == "" {
		Error(w, http.StatusBadGateway, err.Error())
		return
	}
	JSON(w, domain.HTTPStatus(code), map[string]any{
		"error":     err.Error(),
		"code":      code,
		"retryable": code.Retryable(),
	})
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/ashureev/walletlink/internal/chain"
	"github.com/ashureev/walletlink/internal/domain"
	"github.com/ashureev/walletlink/internal/signing"
	"github.com/ashureev/walletlink/internal/wallet"
)

// RegisterRoutes registers chain and wallet routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/chain", h.GetChain)
		r.Get("/chain/fee", h.GetFee)
		r.Route("/wallet", func(r chi.Router) {
			r.Get("/", h.GetWallet)
			r.Post("/connect/injected", h.ConnectInjected)
			r.Post("/connect/relayed", h.ConnectRelayed)
			r.Post("/disconnect", h.Disconnect)
			r.Get("/accounts", h.GetAccounts)
			r.With(httprate.LimitByIP(h.opts.SignRatePerMinute, time.Minute)).Post("/sign", h.Sign)
			r.Get("/events", h.Events)
		})
	})
}

// GetChain returns the selected chain profile.
func (h *Handler) GetChain(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.profile)
}

// GetFee returns the fee for a gas limit at a price tier.
func (h *Handler) GetFee(w http.ResponseWriter, r *http.Request) {
	gas, err := strconv.ParseUint(r.URL.Query().Get("gas"), 10, 64)
	if err != nil || gas == 0 {
		Error(w, http.StatusBadRequest, "gas must be a positive integer")
		return
	}
	fee, err := h.profile.Fee(gas, chain.Tier(r.URL.Query().Get("tier")))
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"gas": strconv.FormatUint(gas, 10), "fee": fee})
}

// GetWallet returns the capability snapshot.
func (h *Handler) GetWallet(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.wallet.Capability())
}

// ConnectInjected connects through the signing extension.
func (h *Handler) ConnectInjected(w http.ResponseWriter, r *http.Request) {
	s, err := h.wallet.ConnectInjected(r.Context())
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// ConnectRelayed starts pairing and answers with the pairing URI. The
// connect continues after the response; completion is reported on the
// event stream. If no URI arrives in time, or the client goes away first,
// the attempt is cancelled so a retry is not refused as in progress.
func (h *Handler) ConnectRelayed(w http.ResponseWriter, r *http.Request) {
	uris := make(chan string, 1)
	unsubscribe := h.wallet.Subscribe(func(ev wallet.Event) {
		if ev.Kind == wallet.EventPairingURI {
			select {
			case uris <- ev.PairingURI:
			default:
			}
		}
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	done := make(chan error, 1)
	go func() {
		defer cancel()
		_, err := h.wallet.ConnectRelayed(ctx)
		if err != nil {
			h.logger.Info("Relayed connect ended", "error", err)
		}
		done <- err
	}()

	timer := time.NewTimer(h.opts.PairingWait)
	defer timer.Stop()

	select {
	case uri := <-uris:
		JSON(w, http.StatusAccepted, map[string]string{"status": "pairing", "pairing_uri": uri})
	case err := <-done:
		if err != nil {
			DomainError(w, err)
			return
		}
		JSON(w, http.StatusOK, h.wallet.Capability())
	case <-timer.C:
		cancel()
		<-done
		Error(w, http.StatusGatewayTimeout, "relay did not produce a pairing uri")
	case <-r.Context().Done():
		cancel()
		<-done
	}
}

// Disconnect ends the active session.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.wallet.Disconnect(r.Context()); err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, h.wallet.Capability())
}

// GetAccounts returns the signer's accounts.
func (h *Handler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	signer, ok := h.wallet.Signer()
	if !ok {
		DomainError(w, domain.ErrNotConnected)
		return
	}
	accounts, err := signer.GetAccounts(r.Context())
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

type signRequest struct {
	SignerAddress string          `json:"signer_address"`
	SignDoc       signing.SignDoc `json:"sign_doc"`
}

// Sign signs a document with the connected wallet.
func (h *Handler) Sign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		DomainError(w, domain.Wrap(domain.CodeInvalidRequest, "invalid request body", err))
		return
	}
	if req.SignerAddress == "" {
		DomainError(w, domain.NewError(domain.CodeInvalidRequest, "signer_address is required"))
		return
	}

	signer, ok := h.wallet.Signer()
	if !ok {
		DomainError(w, domain.ErrNotConnected)
		return
	}
	res, err := signer.SignDirect(r.Context(), req.SignerAddress, req.SignDoc)
	if err != nil {
		h.logger.Warn("Sign request failed", "signer", req.SignerAddress, "code", domain.CodeOf(err), "error", err)
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

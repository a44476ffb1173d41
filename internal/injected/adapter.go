// Package injected adapts a host signing extension to the wallet session
// manager.
package injected

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/walletlink/internal/chain"
	"github.com/ashureev/walletlink/internal/domain"
	"github.com/ashureev/walletlink/internal/signing"
)

var (
	// ErrUserRejected is returned by a Provider when the user declines.
	ErrUserRejected = errors.New("user rejected the request")
	// ErrUnavailable is returned by a Provider that cannot be reached.
	ErrUnavailable = errors.New("signing extension unavailable")
)

// Provider is a signing extension present in the host environment.
type Provider interface {
	// Available reports whether the extension can be reached.
	Available(ctx context.Context) bool
	// Enable asks the user to authorize chainID. It returns immediately for
	// chains authorized earlier.
	Enable(ctx context.Context, chainID string) error
	// Accounts returns the accounts of the active key for chainID.
	Accounts(ctx context.Context, chainID string) ([]signing.AccountData, error)
	// SignDirect signs doc with the key of signer.
	SignDirect(ctx context.Context, chainID, signer string, doc signing.SignDoc) (signing.DirectSignResponse, error)
	// KeystoreChanges delivers a value whenever the user switches keys. The
	// channel is closed when ctx is done or the extension goes away.
	KeystoreChanges(ctx context.Context) (<-chan struct{}, error)
}

// Adapter exposes a Provider bound to one chain. A nil Provider is never
// available.
type Adapter struct {
	provider Provider
	profile  chain.Profile
	logger   *slog.Logger
}

// NewAdapter creates an adapter for provider.
func NewAdapter(provider Provider, profile chain.Profile, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{provider: provider, profile: profile, logger: logger.With("component", "injected")}
}

// IsAvailable reports whether a provider is present.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	return a.provider != nil && a.provider.Available(ctx)
}

// Enable authorizes the chain with the provider.
func (a *Adapter) Enable(ctx context.Context) error {
	if !a.IsAvailable(ctx) {
		return domain.NewError(domain.CodeProviderUnavailable, "no signing extension available")
	}
	if err := a.provider.Enable(ctx, a.profile.ChainID); err != nil {
		switch {
		case errors.Is(err, ErrUnavailable):
			return domain.Wrap(domain.CodeProviderUnavailable, "signing extension went away", err)
		case errors.Is(err, ErrUserRejected):
			return domain.Wrap(domain.CodeConnectRejected, "user rejected the connection", err)
		case ctx.Err() != nil:
			return domain.Wrap(domain.CodeCancelled, "enable cancelled", ctx.Err())
		default:
			return domain.Wrap(domain.CodeConnectRejected, "enable chain", err)
		}
	}
	return nil
}

// OfflineSigner returns a signer that delegates to the provider.
func (a *Adapter) OfflineSigner() signing.OfflineSigner {
	return signing.NewFacade(domain.WalletInjected, a)
}

// Accounts returns the provider's accounts for the chain.
func (a *Adapter) Accounts(ctx context.Context) ([]signing.AccountData, error) {
	if a.provider == nil {
		return nil, domain.ErrProviderUnavailable
	}
	accounts, err := a.provider.Accounts(ctx, a.profile.ChainID)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, domain.Wrap(domain.CodeProviderUnavailable, "get accounts", err)
		}
		return nil, fmt.Errorf("get accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, domain.NewError(domain.CodeNoAccounts, "signing extension has no accounts")
	}
	return accounts, nil
}

// SignDirect signs through the provider.
func (a *Adapter) SignDirect(ctx context.Context, signerAddress string, doc signing.SignDoc) (signing.DirectSignResponse, error) {
	if a.provider == nil {
		return signing.DirectSignResponse{}, domain.ErrProviderUnavailable
	}
	if err := doc.Validate(a.profile.ChainID); err != nil {
		return signing.DirectSignResponse{}, err
	}
	res, err := a.provider.SignDirect(ctx, a.profile.ChainID, signerAddress, doc)
	if err != nil {
		switch {
		case errors.Is(err, ErrUserRejected):
			return signing.DirectSignResponse{}, domain.Wrap(domain.CodeSignRejected, "user rejected the signature", err)
		case errors.Is(err, ErrUnavailable):
			return signing.DirectSignResponse{}, domain.Wrap(domain.CodeProviderUnavailable, "sign", err)
		case ctx.Err() != nil:
			return signing.DirectSignResponse{}, domain.Wrap(domain.CodeCancelled, "sign cancelled", ctx.Err())
		default:
			return signing.DirectSignResponse{}, fmt.Errorf("sign: %w", err)
		}
	}
	return res, nil
}

// Connect enables the chain and returns a session for the first account.
func (a *Adapter) Connect(ctx context.Context) (domain.Session, error) {
	if err := a.Enable(ctx); err != nil {
		return domain.Session{}, err
	}
	s, err := a.resolve(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	a.logger.Info("Injected wallet connected", "address", s.Address)
	return s, nil
}

// Restore re-establishes a persisted injected session. The returned session
// reflects the provider's current key, which may differ from prev.
func (a *Adapter) Restore(ctx context.Context, prev domain.Session) (domain.Session, error) {
	if err := a.Enable(ctx); err != nil {
		return domain.Session{}, err
	}
	s, err := a.resolve(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	if s.Address != prev.Address {
		a.logger.Info("Injected key changed since last run", "previous", prev.Address, "current", s.Address)
	} else {
		s.ConnectedAt = prev.ConnectedAt
	}
	return s, nil
}

// Resolve re-reads the provider's current account.
func (a *Adapter) Resolve(ctx context.Context) (domain.Session, error) {
	return a.resolve(ctx)
}

func (a *Adapter) resolve(ctx context.Context) (domain.Session, error) {
	accounts, err := a.Accounts(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	acc := accounts[0]
	s := domain.Session{
		WalletType:  domain.WalletInjected,
		Address:     acc.Address,
		PubKey:      acc.PubKey,
		Algo:        acc.Algo,
		ConnectedAt: time.Now().UTC(),
	}
	if err := s.Validate(a.profile.Prefix()); err != nil {
		return domain.Session{}, domain.Wrap(domain.CodeConnectRejected, "signing extension returned an invalid account", err)
	}
	return s, nil
}

// Watch calls onChange for every keystore change until ctx is done.
func (a *Adapter) Watch(ctx context.Context, onChange func()) error {
	if a.provider == nil {
		return domain.ErrProviderUnavailable
	}
	ch, err := a.provider.KeystoreChanges(ctx)
	if err != nil {
		return fmt.Errorf("watch keystore: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					a.logger.Debug("Keystore watch ended")
					return
				}
				a.logger.Info("Keystore changed")
				onChange()
			}
		}
	}()
	return nil
}

package signing

import (
	"context"

	"github.com/ashureev/walletlink/internal/domain"
)

// OfflineSigner is the capability handed to consumers of a connected wallet.
type OfflineSigner interface {
	GetAccounts(ctx context.Context) ([]AccountData, error)
	SignDirect(ctx context.Context, signerAddress string, doc SignDoc) (DirectSignResponse, error)
}

// Backend is implemented by each wallet backend.
type Backend interface {
	Accounts(ctx context.Context) ([]AccountData, error)
	SignDirect(ctx context.Context, signerAddress string, doc SignDoc) (DirectSignResponse, error)
}

// Facade presents a Backend as an OfflineSigner. It holds no state beyond
// the backend reference and its tag.
type Facade struct {
	kind    domain.WalletType
	backend Backend
}

// NewFacade wraps backend.
func NewFacade(kind domain.WalletType, backend Backend) *Facade {
	return &Facade{kind: kind, backend: backend}
}

// WalletType reports which backend signs.
func (f *Facade) WalletType() domain.WalletType {
	return f.kind
}

func (f *Facade) GetAccounts(ctx context.Context) ([]AccountData, error) {
	return f.backend.Accounts(ctx)
}

func (f *Facade) SignDirect(ctx context.Context, signerAddress string, doc SignDoc) (DirectSignResponse, error) {
	return f.backend.SignDirect(ctx, signerAddress, doc)
}

package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/walletlink/internal/chain"
)

// WalletType identifies the backend that produced a session.
type WalletType string

const (
	WalletInjected WalletType = "injected"
	WalletRelayed  WalletType = "relayed"
)

// ParseWalletType parses a persisted wallet type.
func ParseWalletType(s string) (WalletType, error) {
	switch t := WalletType(s); t {
	case WalletInjected, WalletRelayed:
		return t, nil
	default:
		return "", Wrap(CodeStorageCorrupt, "unknown wallet type", fmt.Errorf("%q", s))
	}
}

// AlgoSecp256k1 is the signing algorithm tag of standard Cosmos accounts.
const AlgoSecp256k1 = "secp256k1"

// HexBytes marshals as a lowercase hex string.
type HexBytes []byte

func (b HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode hex: %w", err)
	}
	*b = raw
	return nil
}

func (b HexBytes) String() string {
	return hex.EncodeToString(b)
}

// Session is the persisted record of an established wallet connection.
type Session struct {
	WalletType  WalletType `json:"walletType"`
	Address     string     `json:"address"`
	PubKey      HexBytes   `json:"pubKey"`
	Algo        string     `json:"algo"`
	PeerID      string     `json:"peerId,omitempty"`
	ConnectedAt time.Time  `json:"connectedAt"`
}

// Validate checks that the session is internally consistent for a chain
// with the given account prefix. Failures are StorageCorrupt.
func (s *Session) Validate(prefix string) error {
	if _, err := ParseWalletType(string(s.WalletType)); err != nil {
		return err
	}
	if s.Address == "" {
		return NewError(CodeStorageCorrupt, "session has no address")
	}
	if len(s.PubKey) == 0 {
		return NewError(CodeStorageCorrupt, "session has no public key")
	}
	if s.WalletType == WalletRelayed && s.PeerID == "" {
		return NewError(CodeStorageCorrupt, "relayed session has no peer id")
	}

	var err error
	if s.Algo == AlgoSecp256k1 {
		err = chain.VerifyAddress(prefix, s.Address, s.PubKey)
	} else {
		err = chain.ValidateAddress(s.Address, prefix)
	}
	if err != nil {
		return Wrap(CodeStorageCorrupt, "session account is inconsistent", err)
	}
	return nil
}

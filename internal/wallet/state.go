// Package wallet manages the single active wallet session of a process.
package wallet

import (
	"fmt"

	"github.com/ashureev/walletlink/internal/domain"
	"github.com/ashureev/walletlink/internal/signing"
)

// Status is the connection status of the Manager.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for _, c := range []Status{StatusIdle, StatusConnecting, StatusConnected, StatusError} {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// State is the Manager's connection state. Err is set only for StatusError.
type State struct {
	Status Status `json:"status"`
	Err    string `json:"error,omitempty"`
}

// EventKind identifies a Manager event.
type EventKind string

const (
	EventStateChanged   EventKind = "state_changed"
	EventAccountChanged EventKind = "account_changed"
	EventPairingURI     EventKind = "pairing_uri"
	EventDisconnected   EventKind = "disconnected"
)

// Event is delivered to subscribers.
type Event struct {
	Kind       EventKind       `json:"kind"`
	State      State           `json:"state"`
	Session    *domain.Session `json:"session,omitempty"`
	PairingURI string          `json:"pairing_uri,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Capability is the consumer-facing snapshot of the wallet.
type Capability struct {
	WalletAddress string                `json:"wallet_address,omitempty"`
	WalletType    domain.WalletType     `json:"wallet_type,omitempty"`
	Signer        signing.OfflineSigner `json:"-"`
	IsLoading     bool                  `json:"is_loading"`
	Error         string                `json:"error,omitempty"`
	PairingURI    string                `json:"pairing_uri,omitempty"`
	ChainID       string                `json:"chain_id"`
	State         State                 `json:"state"`
}

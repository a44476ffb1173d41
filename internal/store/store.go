// Package store provides durable key/value persistence for wallet sessions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Logical keys. Each backend owns exactly one record under its session key,
// written as a whole so it is never observed half-updated.
const (
	KeyWalletType      = "connected-wallet-type"
	KeySessionPrefix   = "session/"
	KeyInjectedSession = KeySessionPrefix + "injected"
	KeyRelayedSession  = KeySessionPrefix + "relayed"

	// Keys written by earlier releases that scattered session state.
	LegacyKeyRelayBlob     = "relay-session-blob"
	LegacyKeyAccountPrefix = "account-cache:"
)

// ErrCorrupt is returned when a stored value cannot be decoded.
var ErrCorrupt = errors.New("corrupt stored value")

// Store defines the interface for persisting session state.
type Store interface {
	// Get returns the value stored under key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set replaces the value stored under key.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// ListKeysWithPrefix returns all keys starting with prefix, sorted.
	ListKeysWithPrefix(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Open opens the store named by url:
//
//	memory:                 in-process map
//	redis://host:port/db    Redis
//	sqlite:///path/to.db    SQLite (a bare path is also SQLite)
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case url == "memory:":
		return NewMemory(), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return NewRedisURL(ctx, url, DefaultRedisNamespace)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLite(strings.TrimPrefix(url, "sqlite://"))
	case url == "":
		return nil, fmt.Errorf("store url is empty")
	default:
		return NewSQLite(url)
	}
}

// GetJSON decodes the value under key into v. It reports false when the key
// is absent; an undecodable value returns an error wrapping ErrCorrupt.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key in a single write.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// RemovePrefix removes every key starting with prefix and returns how many
// were removed.
func RemovePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	keys, err := s.ListKeysWithPrefix(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list %q: %w", prefix, err)
	}
	for _, k := range keys {
		if err := s.Remove(ctx, k); err != nil {
			return 0, fmt.Errorf("remove %s: %w", k, err)
		}
	}
	return len(keys), nil
}

// PurgeLegacy removes session state written under the legacy scattered keys.
func PurgeLegacy(ctx context.Context, s Store) (int, error) {
	n, err := RemovePrefix(ctx, s, LegacyKeyAccountPrefix)
	if err != nil {
		return 0, err
	}
	_, ok, err := s.Get(ctx, LegacyKeyRelayBlob)
	if err != nil {
		return n, fmt.Errorf("read legacy relay blob: %w", err)
	}
	if ok {
		if err := s.Remove(ctx, LegacyKeyRelayBlob); err != nil {
			return n, fmt.Errorf("remove legacy relay blob: %w", err)
		}
		n++
	}
	return n, nil
}

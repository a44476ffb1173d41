package app

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/walletlink/internal/config"
	"github.com/ashureev/walletlink/internal/domain"
	"github.com/ashureev/walletlink/internal/wallet"
)

func testConfig() *config.Config {
	return &config.Config{
		Network:   "testnet",
		StoreURL:  "memory:",
		LogLevel:  "debug",
		LogFormat: "text",
	}
}

func TestNewWithoutBackends(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "atomone-testnet-1", a.Profile.ChainID)
	assert.Nil(t, a.Bridge)

	a.Manager.Start(context.Background())
	assert.Equal(t, wallet.StatusIdle, a.Manager.State().Status)

	_, err = a.Manager.ConnectInjected(context.Background())
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	_, err = a.Manager.ConnectRelayed(context.Background())
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestNewWithRelay(t *testing.T) {
	cfg := testConfig()
	cfg.RelayURL = "ws://127.0.0.1:1/relay"
	cfg.HandshakeTimeout = 1
	cfg.RequestTimeout = 1
	cfg.SignTimeout = 1
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Bridge)
	families, err := a.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewBadStore(t *testing.T) {
	cfg := testConfig()
	cfg.StoreURL = "redis://127.0.0.1:1/0"
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig()
	NewLogger(cfg, &buf).Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello")

	buf.Reset()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	logger := NewLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/walletlink/internal/bridge"
	"github.com/ashureev/walletlink/internal/chain"
	"github.com/ashureev/walletlink/internal/domain"
	"github.com/ashureev/walletlink/internal/signing"
	"github.com/ashureev/walletlink/internal/store"
	"github.com/ashureev/walletlink/internal/wallet"
)

// silentRelay never produces a pairing URI and waits until cancelled.
type silentRelay struct {
	started   atomic.Int32
	cancelled atomic.Int32
}

func (s *silentRelay) Connect(ctx context.Context) (domain.Session, error) {
	s.started.Add(1)
	<-ctx.Done()
	s.cancelled.Add(1)
	return domain.Session{}, domain.Wrap(domain.CodeCancelled, "pairing cancelled", ctx.Err())
}

func (s *silentRelay) Restore(context.Context) (domain.Session, error) {
	return domain.Session{}, bridge.ErrNoSession
}

func (s *silentRelay) Disconnect(context.Context) error { return nil }

func (s *silentRelay) State() bridge.State { return bridge.StateDisconnected }

func (s *silentRelay) SetListener(bridge.Listener) {}

func (s *silentRelay) Accounts(context.Context) ([]signing.AccountData, error) {
	return nil, domain.ErrNotConnected
}

func (s *silentRelay) SignDirect(context.Context, string, signing.SignDoc) (signing.DirectSignResponse, error) {
	return signing.DirectSignResponse{}, domain.ErrNotConnected
}

func newManagerServer(t *testing.T, rel *silentRelay, opts Options) (*wallet.Manager, *httptest.Server) {
	t.Helper()
	profile, err := chain.Select(chain.Mainnet)
	require.NoError(t, err)
	m := wallet.New(store.NewMemory(), profile, nil, rel)
	t.Cleanup(m.Close)

	r := chi.NewRouter()
	NewHandler(m, profile, opts).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return m, srv
}

func TestConnectRelayedCanBeRetriedAfterPairingWait(t *testing.T) {
	rel := &silentRelay{}
	m, srv := newManagerServer(t, rel, Options{PairingWait: 100 * time.Millisecond})

	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/wallet/connect/relayed", "")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, int32(1), rel.cancelled.Load())
	assert.False(t, m.Capability().IsLoading)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/wallet/connect/relayed", "")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode, "retry must not be refused: %v", body)
	assert.Equal(t, int32(2), rel.started.Load())
}

func TestConnectRelayedCancelledWhenClientLeaves(t *testing.T) {
	rel := &silentRelay{}
	m, srv := newManagerServer(t, rel, Options{PairingWait: 10 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/wallet/connect/relayed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	require.Error(t, err)

	assert.Eventually(t, func() bool { return rel.cancelled.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return !m.Capability().IsLoading }, time.Second, 10*time.Millisecond)
}

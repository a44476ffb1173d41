//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/walletlink/internal/chain"
	"github.com/ashureev/walletlink/internal/domain"
	"github.com/ashureev/walletlink/internal/signing"
	"github.com/ashureev/walletlink/internal/wallet"
)

type fakeWallet struct {
	mu         sync.Mutex
	capability wallet.Capability
	signer     signing.OfflineSigner
	connectErr error
	pairingURI string
	subs       map[int]func(wallet.Event)
	next       int
	release    chan struct{}
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{subs: map[int]func(wallet.Event){}, release: make(chan struct{})}
}

func (f *fakeWallet) Capability() wallet.Capability {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capability
}

func (f *fakeWallet) ConnectInjected(context.Context) (domain.Session, error) {
	if f.connectErr != nil {
		return domain.Session{}, f.connectErr
	}
	return domain.Session{WalletType: domain.WalletInjected, Address: "atone1abc"}, nil
}

func (f *fakeWallet) ConnectRelayed(ctx context.Context) (domain.Session, error) {
	if f.connectErr != nil {
		return domain.Session{}, f.connectErr
	}
	f.publish(wallet.Event{Kind: wallet.EventPairingURI, PairingURI: f.pairingURI})
	select {
	case <-f.release:
	case <-ctx.Done():
	}
	return domain.Session{WalletType: domain.WalletRelayed}, nil
}

func (f *fakeWallet) Disconnect(context.Context) error {
	f.mu.Lock()
	f.capability = wallet.Capability{ChainID: "atomone-1"}
	f.signer = nil
	f.mu.Unlock()
	f.publish(wallet.Event{Kind: wallet.EventDisconnected})
	return nil
}

func (f *fakeWallet) Signer() (signing.OfflineSigner, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signer, f.signer != nil
}

func (f *fakeWallet) Subscribe(fn func(wallet.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeWallet) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeWallet) publish(ev wallet.Event) {
	f.mu.Lock()
	var fns []func(wallet.Event)
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type fakeBackend struct {
	err error
}

func (b fakeBackend) Accounts(context.Context) ([]signing.AccountData, error) {
	return []signing.AccountData{{Address: "atone1abc", Algo: "secp256k1", PubKey: []byte{2, 1}}}, nil
}

func (b fakeBackend) SignDirect(_ context.Context, _ string, doc signing.SignDoc) (signing.DirectSignResponse, error) {
	if b.err != nil {
		return signing.DirectSignResponse{}, b.err
	}
	return signing.DirectSignResponse{Signed: doc, Signature: signing.StdSignature{Signature: "c2ln"}}, nil
}

func newServer(t *testing.T, fw *fakeWallet, opts Options) *httptest.Server {
	t.Helper()
	profile, err := chain.Select(chain.Mainnet)
	require.NoError(t, err)
	r := chi.NewRouter()
	NewHandler(fw, profile, opts).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "bar", got["foo"])
}

func TestDomainError(t *testing.T) {
	w := httptest.NewRecorder()
	DomainError(w, domain.NewError(domain.CodeSignTimeout, "no signature within 2m0s"))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"SIGN_TIMEOUT"`)
	assert.Contains(t, w.Body.String(), `"retryable":true`)

	w = httptest.NewRecorder()
	DomainError(w, errors.New("boom"))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestChainRoutes(t *testing.T) {
	srv := newServer(t, newFakeWallet(), Options{})

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/chain", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "atomone-1", body["chainId"])

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/chain/fee?gas=200000&tier=high", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fee := body["fee"].(map[string]any)
	assert.Equal(t, "uphoton", fee["denom"])
	assert.Equal(t, "60000", fee["amount"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/chain/fee?gas=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/chain/fee?gas=1&tier=extreme", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectInjectedRoute(t *testing.T) {
	fw := newFakeWallet()
	srv := newServer(t, fw, Options{})

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/wallet/connect/injected", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "atone1abc", body["address"])

	fw.connectErr = domain.NewError(domain.CodeProviderUnavailable, "no signing extension available")
	resp, body = do(t, http.MethodPost, srv.URL+"/v1/wallet/connect/injected", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "PROVIDER_UNAVAILABLE", body["code"])
}

func TestConnectRelayedReturnsPairingURI(t *testing.T) {
	fw := newFakeWallet()
	fw.pairingURI = "wc:abc@1?bridge=ws%3A%2F%2Frelay&key=00"
	defer close(fw.release)
	srv := newServer(t, fw, Options{})

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/wallet/connect/relayed", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, fw.pairingURI, body["pairing_uri"])
	assert.Eventually(t, func() bool { return fw.subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestConnectRelayedFailure(t *testing.T) {
	fw := newFakeWallet()
	fw.connectErr = domain.NewError(domain.CodeConnectInProgress, "another connect is in progress")
	srv := newServer(t, fw, Options{})

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/wallet/connect/relayed", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONNECT_IN_PROGRESS", body["code"])
}

func TestWalletAndAccounts(t *testing.T) {
	fw := newFakeWallet()
	srv := newServer(t, fw, Options{})

	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/wallet/accounts", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	fw.mu.Lock()
	fw.signer = signing.NewFacade(domain.WalletInjected, fakeBackend{})
	fw.capability = wallet.Capability{WalletAddress: "atone1abc", WalletType: domain.WalletInjected, ChainID: "atomone-1",
		State: wallet.State{Status: wallet.StatusConnected}}
	fw.mu.Unlock()

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/wallet", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "atone1abc", body["wallet_address"])
	assert.Equal(t, "connected", body["state"].(map[string]any)["status"])

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/wallet/accounts", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	accounts := body["accounts"].([]any)
	require.Len(t, accounts, 1)
	assert.Equal(t, "atone1abc", accounts[0].(map[string]any)["bech32Address"])

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/wallet/disconnect", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["wallet_address"])
}

func TestSign(t *testing.T) {
	fw := newFakeWallet()
	srv := newServer(t, fw, Options{})
	doc := `{"signer_address":"atone1abc","sign_doc":{"bodyBytes":"0a01","authInfoBytes":"1201","chainId":"atomone-1","accountNumber":"7"}}`

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/wallet/sign", doc)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "NOT_CONNECTED", body["code"])

	fw.mu.Lock()
	fw.signer = signing.NewFacade(domain.WalletRelayed, fakeBackend{})
	fw.mu.Unlock()

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/wallet/sign", doc)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c2ln", body["signature"].(map[string]any)["signature"])

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/wallet/sign", `{"sign_doc":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", body["code"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/wallet/sign", `{"sign_doc":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	fw.mu.Lock()
	fw.signer = signing.NewFacade(domain.WalletRelayed, fakeBackend{err: domain.NewError(domain.CodeSessionLost, "peer closed the session")})
	fw.mu.Unlock()
	resp, body = do(t, http.MethodPost, srv.URL+"/v1/wallet/sign", doc)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "SESSION_LOST", body["code"])
}

func TestSignRateLimit(t *testing.T) {
	fw := newFakeWallet()
	srv := newServer(t, fw, Options{SignRatePerMinute: 2})

	var codes []int
	for range 3 {
		resp, _ := do(t, http.MethodPost, srv.URL+"/v1/wallet/sign", `{}`)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}

func TestEventStream(t *testing.T) {
	fw := newFakeWallet()
	fw.capability = wallet.Capability{ChainID: "atomone-1"}
	srv := newServer(t, fw, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/wallet/events", nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	var msg eventMessage
	require.NoError(t, wsjson.Read(ctx, ws, &msg))
	assert.Equal(t, "snapshot", msg.Type)
	require.NotNil(t, msg.Capability)
	assert.Equal(t, "atomone-1", msg.Capability.ChainID)

	require.Eventually(t, func() bool { return fw.subscribers() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, fw.Disconnect(ctx))

	require.NoError(t, wsjson.Read(ctx, ws, &msg))
	assert.Equal(t, "event", msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, wallet.EventDisconnected, msg.Event.Kind)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool { return fw.subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEventStreamOrigin(t *testing.T) {
	fw := newFakeWallet()
	srv := newServer(t, fw, Options{AllowedOrigins: []string{"https://app.example"}})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/wallet/events", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

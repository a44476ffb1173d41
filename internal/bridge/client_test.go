package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/walletlink/internal/chain"
	"github.com/ashureev/walletlink/internal/domain"
	"github.com/ashureev/walletlink/internal/relay"
	"github.com/ashureev/walletlink/internal/signing"
	"github.com/ashureev/walletlink/internal/store"
)

type fakeTransport struct {
	handler      relay.EventHandler
	accounts     []signing.AccountData
	holdAccounts bool

	mu          sync.Mutex
	connected   bool
	peer        string
	created     bool
	killed      bool
	session     relay.Session
	restoreErr  error
	restorePeer string
	sent        chan relay.Request
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) PeerID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peer
}

func (f *fakeTransport) Session() relay.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.session
	s.PeerID = f.peer
	s.Connected = f.connected
	return s
}

func (f *fakeTransport) CreateSession(_ context.Context, chainID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = true
	f.session = relay.Session{
		Bridge:         "ws://relay.test",
		Key:            make([]byte, relay.KeySize),
		ClientID:       "client-1",
		HandshakeTopic: "handshake-1",
		ChainID:        chainID,
	}
	return "wc:handshake-1@1?bridge=ws%3A%2F%2Frelay.test&key=00", nil
}

func (f *fakeTransport) Restore(_ context.Context, s relay.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.session = s
	f.connected = s.Connected
	f.peer = s.PeerID
	if f.restorePeer != "" {
		f.peer = f.restorePeer
	}
	return nil
}

func (f *fakeTransport) Send(_ context.Context, req relay.Request) error {
	if req.Method == relay.MethodGetAccounts && !f.holdAccounts {
		resp, err := relay.NewResponse(req.ID, f.accounts)
		if err != nil {
			return err
		}
		go f.handler(relay.Event{Type: relay.EventResponse, Response: resp})
		return nil
	}
	f.sent <- req
	return nil
}

func (f *fakeTransport) Kill(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	f.connected = false
	return nil
}

func (f *fakeTransport) isCreated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeTransport) isKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func (f *fakeTransport) approve(peer string) {
	f.mu.Lock()
	f.connected = true
	f.peer = peer
	f.mu.Unlock()
	f.handler(relay.Event{Type: relay.EventSessionOpening})
	f.handler(relay.Event{Type: relay.EventSessionApproved, Params: relay.SessionParams{Approved: true, PeerID: peer}})
}

func (f *fakeTransport) respond(t *testing.T, id uint64, result any) {
	t.Helper()
	resp, err := relay.NewResponse(id, result)
	require.NoError(t, err)
	f.handler(relay.Event{Type: relay.EventResponse, Response: resp})
}

type fakeFactory struct {
	accounts     []signing.AccountData
	holdAccounts bool
	restoreErr   error
	restorePeer  string

	mu         sync.Mutex
	transports []*fakeTransport
}

func (ff *fakeFactory) New(h relay.EventHandler) Transport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	t := &fakeTransport{
		handler:      h,
		accounts:     ff.accounts,
		holdAccounts: ff.holdAccounts,
		restoreErr:   ff.restoreErr,
		restorePeer:  ff.restorePeer,
		sent:         make(chan relay.Request, 16),
	}
	ff.transports = append(ff.transports, t)
	return t
}

func (ff *fakeFactory) last() *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.transports) == 0 {
		return nil
	}
	return ff.transports[len(ff.transports)-1]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.transports)
}

type recorder struct {
	mu    sync.Mutex
	uris  []string
	order []string
}

func (r *recorder) PairingURI(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uris = append(r.uris, uri)
}

func (r *recorder) SessionLost(reason string) {
	r.note("lost:" + reason)
}

func (r *recorder) note(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, s)
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func testAccount(t *testing.T) signing.AccountData {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()
	addr, err := chain.AddressFromPubKey("atone", pub)
	require.NoError(t, err)
	return signing.AccountData{Address: addr, Algo: domain.AlgoSecp256k1, PubKey: pub}
}

func testProfile(t *testing.T) chain.Profile {
	t.Helper()
	p, err := chain.Select(chain.Mainnet)
	require.NoError(t, err)
	return p
}

type fixture struct {
	client  *Client
	factory *fakeFactory
	store   *store.MemoryStore
	rec     *recorder
	account signing.AccountData
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	acc := testAccount(t)
	ff := &fakeFactory{accounts: []signing.AccountData{acc}}
	st := store.NewMemory()
	c := New(ff.New, st, testProfile(t), opts...)
	rec := &recorder{}
	c.SetListener(rec)
	return &fixture{client: c, factory: ff, store: st, rec: rec, account: acc}
}

// connect runs Connect while approving as the remote signer.
func (fx *fixture) connect(t *testing.T) (domain.Session, error) {
	t.Helper()
	type out struct {
		s   domain.Session
		err error
	}
	done := make(chan out, 1)
	before := fx.factory.count()
	go func() {
		s, err := fx.client.Connect(context.Background())
		done <- out{s, err}
	}()
	require.Eventually(t, func() bool {
		return fx.factory.count() > before && fx.factory.last().isCreated()
	}, time.Second, 5*time.Millisecond)
	fx.factory.last().approve("peer-1")
	r := <-done
	return r.s, r.err
}

func (fx *fixture) mustConnect(t *testing.T) domain.Session {
	t.Helper()
	s, err := fx.connect(t)
	require.NoError(t, err)
	return s
}

func signDoc() signing.SignDoc {
	return signing.SignDoc{BodyBytes: []byte{1}, AuthInfoBytes: []byte{2}, ChainID: "atomone-1", AccountNumber: 7}
}

func TestConnectEstablishesAndPersists(t *testing.T) {
	fx := newFixture(t)
	s := fx.mustConnect(t)

	assert.Equal(t, StateConnected, fx.client.State())
	assert.Equal(t, fx.account.Address, s.Address)
	assert.Equal(t, "peer-1", s.PeerID)
	assert.Len(t, fx.rec.uris, 1)

	var rec Record
	ok, err := store.GetJSON(context.Background(), fx.store, store.KeyRelayedSession, &rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.Address, rec.Session.Address)
	assert.Equal(t, "peer-1", rec.Transport.PeerID)
	assert.True(t, rec.Transport.Connected)

	accs, err := fx.client.Accounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fx.account.Address, accs[0].Address)
}

func TestConnectKillsPreviousTransport(t *testing.T) {
	fx := newFixture(t)
	fx.mustConnect(t)
	first := fx.factory.last()

	fx.mustConnect(t)
	assert.True(t, first.isKilled())
	assert.Equal(t, 2, fx.factory.count())
}

func TestConnectRejected(t *testing.T) {
	fx := newFixture(t)
	done := make(chan error, 1)
	go func() {
		_, err := fx.client.Connect(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return fx.factory.last() != nil && fx.factory.last().isCreated() }, time.Second, 5*time.Millisecond)
	fx.factory.last().handler(relay.Event{Type: relay.EventSessionRejected, Reason: "user declined"})

	err := <-done
	assert.ErrorIs(t, err, domain.ErrConnectRejected)
	assert.Equal(t, StateDisconnected, fx.client.State())
	assert.True(t, fx.factory.last().isKilled())
}

func TestConnectHandshakeTimeout(t *testing.T) {
	fx := newFixture(t, WithHandshakeTimeout(50*time.Millisecond))
	_, err := fx.client.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrHandshakeFailed)
	assert.Equal(t, StateDisconnected, fx.client.State())
}

func TestConnectRejectsInconsistentAccount(t *testing.T) {
	fx := newFixture(t)
	bad := fx.account
	bad.PubKey = testAccount(t).PubKey
	fx.factory.accounts = []signing.AccountData{bad}

	_, err := fx.connect(t)
	assert.ErrorIs(t, err, domain.ErrHandshakeFailed)
	_, ok, _ := fx.store.Get(context.Background(), store.KeyRelayedSession)
	assert.False(t, ok)
}

func TestConnectRejectsEmptyAccounts(t *testing.T) {
	fx := newFixture(t)
	fx.factory.accounts = []signing.AccountData{}
	_, err := fx.connect(t)
	assert.ErrorIs(t, err, domain.ErrHandshakeFailed)
}

func TestDisconnectDuringPairingCancels(t *testing.T) {
	fx := newFixture(t)
	done := make(chan error, 1)
	go func() {
		_, err := fx.client.Connect(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return fx.factory.last() != nil && fx.factory.last().isCreated() }, time.Second, 5*time.Millisecond)

	require.NoError(t, fx.client.Disconnect(context.Background()))
	assert.ErrorIs(t, <-done, domain.ErrCancelled)
	assert.Equal(t, StateDisconnected, fx.client.State())
}

func TestPeerLeavesWhileFetchingAccounts(t *testing.T) {
	fx := newFixture(t, WithRequestTimeout(10*time.Second))
	fx.factory.holdAccounts = true

	done := make(chan error, 1)
	go func() {
		_, err := fx.client.Connect(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return fx.factory.last() != nil && fx.factory.last().isCreated() }, time.Second, 5*time.Millisecond)
	tr := fx.factory.last()
	tr.approve("peer-1")

	req := <-tr.sent
	require.Equal(t, relay.MethodGetAccounts, req.Method)
	tr.handler(relay.Event{Type: relay.EventDisconnect, Reason: "peer closed the session"})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrHandshakeFailed)
		assert.Contains(t, err.Error(), "peer closed the session")
	case <-time.After(time.Second):
		t.Fatal("connect kept waiting for accounts after the peer left")
	}
	assert.Equal(t, StateDisconnected, fx.client.State())
	assert.True(t, tr.isKilled())

	fx.client.mu.Lock()
	assert.Empty(t, fx.client.pending)
	fx.client.mu.Unlock()
}

func TestConnectOverLiveSessionCancelsPendingSigns(t *testing.T) {
	fx := newFixture(t)
	fx.mustConnect(t)
	tr := fx.factory.last()

	done := make(chan error, 1)
	go func() {
		_, err := fx.client.SignDirect(context.Background(), fx.account.Address, signDoc())
		done <- err
	}()
	<-tr.sent

	fx.mustConnect(t)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("sign on the replaced session did not return")
	}
	assert.True(t, tr.isKilled())
	assert.Equal(t, StateConnected, fx.client.State())
}

func TestSignResponsesCorrelateOutOfOrder(t *testing.T) {
	fx := newFixture(t)
	fx.mustConnect(t)
	tr := fx.factory.last()

	type out struct {
		sig string
		err error
	}
	results := make([]chan out, 2)
	for i := range results {
		results[i] = make(chan out, 1)
		go func(ch chan out) {
			res, err := fx.client.SignDirect(context.Background(), fx.account.Address, signDoc())
			ch <- out{res.Signature.Signature, err}
		}(results[i])
	}

	a := <-tr.sent
	b := <-tr.sent
	require.NotEqual(t, a.ID, b.ID)

	tr.respond(t, b.ID, signing.DirectSignResponse{Signed: signDoc(), Signature: signing.StdSignature{Signature: "sig-b"}})
	tr.respond(t, a.ID, signing.DirectSignResponse{Signed: signDoc(), Signature: signing.StdSignature{Signature: "sig-a"}})

	got := map[string]bool{}
	for _, ch := range results {
		r := <-ch
		require.NoError(t, r.err)
		got[r.sig] = true
	}
	assert.Equal(t, map[string]bool{"sig-a": true, "sig-b": true}, got)

	// Params are positional: [signerAddress, signDoc].
	var params []json.RawMessage
	require.NoError(t, json.Unmarshal(a.Params, &params))
	assert.Len(t, params, 2)
}

func TestSignTimeoutIsolation(t *testing.T) {
	fx := newFixture(t, WithSignTimeout(50*time.Millisecond))
	fx.mustConnect(t)
	tr := fx.factory.last()

	_, err := fx.client.SignDirect(context.Background(), fx.account.Address, signDoc())
	assert.ErrorIs(t, err, domain.ErrSignTimeout)
	stale := <-tr.sent
	assert.Equal(t, StateConnected, fx.client.State())

	done := make(chan error, 1)
	go func() {
		res, err := fx.client.SignDirect(context.Background(), fx.account.Address, signDoc())
		if err == nil && res.Signature.Signature != "fresh" {
			err = errors.New("wrong response: " + res.Signature.Signature)
		}
		done <- err
	}()
	fresh := <-tr.sent

	// The late answer to the timed-out request is dropped.
	tr.respond(t, stale.ID, signing.DirectSignResponse{Signature: signing.StdSignature{Signature: "stale"}})
	tr.respond(t, fresh.ID, signing.DirectSignResponse{Signature: signing.StdSignature{Signature: "fresh"}})
	require.NoError(t, <-done)
}

func TestSignRemoteError(t *testing.T) {
	fx := newFixture(t)
	fx.mustConnect(t)
	tr := fx.factory.last()

	done := make(chan error, 1)
	go func() {
		_, err := fx.client.SignDirect(context.Background(), fx.account.Address, signDoc())
		done <- err
	}()
	req := <-tr.sent
	tr.handler(relay.Event{Type: relay.EventResponse, Response: relay.NewErrorResponse(req.ID, 4001, "user rejected")})
	assert.ErrorIs(t, <-done, domain.ErrSignRejected)
	assert.Equal(t, StateConnected, fx.client.State())
}

func TestSignCallerCancellation(t *testing.T) {
	fx := newFixture(t)
	fx.mustConnect(t)
	tr := fx.factory.last()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := fx.client.SignDirect(ctx, fx.account.Address, signDoc())
		done <- err
	}()
	<-tr.sent
	cancel()
	assert.ErrorIs(t, <-done, domain.ErrCancelled)
	assert.Equal(t, StateConnected, fx.client.State())
}

func TestSignRequiresConnection(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.client.SignDirect(context.Background(), fx.account.Address, signDoc())
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	_, err = fx.client.Accounts(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestSignRejectsForeignChain(t *testing.T) {
	fx := newFixture(t)
	fx.mustConnect(t)
	doc := signDoc()
	doc.ChainID = "cosmoshub-4"
	_, err := fx.client.SignDirect(context.Background(), fx.account.Address, doc)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestPeerDisconnectRejectsPendingAfterListener(t *testing.T) {
	fx := newFixture(t)
	fx.mustConnect(t)
	tr := fx.factory.last()

	done := make(chan error, 1)
	go func() {
		_, err := fx.client.SignDirect(context.Background(), fx.account.Address, signDoc())
		fx.rec.note("sign-returned")
		done <- err
	}()
	<-tr.sent

	tr.handler(relay.Event{Type: relay.EventDisconnect, Reason: "peer closed the session"})

	assert.ErrorIs(t, <-done, domain.ErrSessionLost)
	assert.Equal(t, []string{"lost:peer closed the session", "sign-returned"}, fx.rec.events())
	assert.Equal(t, StateDisconnected, fx.client.State())

	_, ok, _ := fx.store.Get(context.Background(), store.KeyRelayedSession)
	assert.False(t, ok)

	fx.client.mu.Lock()
	assert.Empty(t, fx.client.pending)
	fx.client.mu.Unlock()
}

func TestTransportLossIsSessionLost(t *testing.T) {
	fx := newFixture(t)
	fx.mustConnect(t)
	fx.factory.last().handler(relay.Event{Type: relay.EventTransportLost, Reason: "relay connection lost"})
	assert.Equal(t, StateDisconnected, fx.client.State())
	assert.Equal(t, []string{"lost:relay connection lost"}, fx.rec.events())
}

func TestStaleTransportEventsIgnored(t *testing.T) {
	fx := newFixture(t)
	fx.mustConnect(t)
	first := fx.factory.last()
	fx.mustConnect(t)

	first.handler(relay.Event{Type: relay.EventDisconnect, Reason: "old"})
	assert.Equal(t, StateConnected, fx.client.State())
	assert.Empty(t, fx.rec.events())
}

func TestDisconnectCancelsPendingAndClearsStorage(t *testing.T) {
	fx := newFixture(t)
	fx.mustConnect(t)
	tr := fx.factory.last()
	ctx := context.Background()
	require.NoError(t, fx.store.Set(ctx, store.LegacyKeyAccountPrefix+"peer-1", []byte("{}")))

	done := make(chan error, 1)
	go func() {
		_, err := fx.client.SignDirect(ctx, fx.account.Address, signDoc())
		done <- err
	}()
	<-tr.sent

	require.NoError(t, fx.client.Disconnect(ctx))
	assert.ErrorIs(t, <-done, domain.ErrCancelled)
	assert.True(t, tr.isKilled())
	assert.Equal(t, StateDisconnected, fx.client.State())

	keys, err := fx.store.ListKeysWithPrefix(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, fx.client.Disconnect(ctx), "disconnect is safe from any state")
}

func TestSerializedSigning(t *testing.T) {
	fx := newFixture(t, WithSerializedSigning(true))
	fx.mustConnect(t)
	tr := fx.factory.last()

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := fx.client.SignDirect(context.Background(), fx.account.Address, signDoc())
			done <- err
		}()
	}

	first := <-tr.sent
	select {
	case <-tr.sent:
		t.Fatal("second request sent while the first is in flight")
	case <-time.After(50 * time.Millisecond):
	}
	tr.respond(t, first.ID, signing.DirectSignResponse{})
	second := <-tr.sent
	tr.respond(t, second.ID, signing.DirectSignResponse{})
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestRestoreIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	connected := fx.mustConnect(t)

	for i := 0; i < 2; i++ {
		ff := &fakeFactory{}
		c := New(ff.New, fx.store, testProfile(t))
		s, err := c.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, connected.Address, s.Address)
		assert.Equal(t, StateConnected, c.State())
		assert.False(t, ff.last().isCreated(), "restore must not pair")
	}
}

func TestRestoreWithoutRecord(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.client.Restore(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, StateIdle, fx.client.State())
}

func TestRestoreDiscardsCorruptRecord(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.store.Set(ctx, store.KeyRelayedSession, []byte("{garbage")))

	_, err := fx.client.Restore(ctx)
	assert.ErrorIs(t, err, domain.ErrStorageCorrupt)
	_, ok, _ := fx.store.Get(ctx, store.KeyRelayedSession)
	assert.False(t, ok)

	fx.mustConnect(t)
	assert.Equal(t, StateConnected, fx.client.State())
}

func TestRestoreDiscardsOrphanedSession(t *testing.T) {
	fx := newFixture(t)
	fx.mustConnect(t)

	ff := &fakeFactory{restorePeer: "someone-else"}
	c := New(ff.New, fx.store, testProfile(t))
	_, err := c.Restore(context.Background())
	assert.ErrorIs(t, err, domain.ErrStorageCorrupt)
	assert.True(t, ff.last().isKilled())
	assert.Equal(t, StateIdle, c.State())

	_, ok, _ := fx.store.Get(context.Background(), store.KeyRelayedSession)
	assert.False(t, ok)
}

func TestRestoreTransportFailure(t *testing.T) {
	fx := newFixture(t)
	fx.mustConnect(t)

	ff := &fakeFactory{restoreErr: errors.New("relay unreachable")}
	c := New(ff.New, fx.store, testProfile(t))
	_, err := c.Restore(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionLost)
	_, ok, _ := fx.store.Get(context.Background(), store.KeyRelayedSession)
	assert.False(t, ok)
}

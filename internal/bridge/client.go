// Package bridge drives a relayed wallet session: pairing, the approval
// handshake and correlated JSON-RPC requests to the remote signer.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashureev/walletlink/internal/chain"
	"github.com/ashureev/walletlink/internal/domain"
	"github.com/ashureev/walletlink/internal/relay"
	"github.com/ashureev/walletlink/internal/signing"
	"github.com/ashureev/walletlink/internal/store"
)

// State is the bridge connection state.
type State int

const (
	StateIdle State = iota
	StatePairing
	StateHandshaking
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePairing:
		return "pairing"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Transport is a relay session with a remote signer.
type Transport interface {
	Connected() bool
	PeerID() string
	Session() relay.Session
	CreateSession(ctx context.Context, chainID string) (string, error)
	Restore(ctx context.Context, s relay.Session) error
	Send(ctx context.Context, req relay.Request) error
	Kill(ctx context.Context) error
}

// TransportFactory creates a transport reporting to handler.
type TransportFactory func(handler relay.EventHandler) Transport

// RelayTransport returns a factory for relay connectors.
func RelayTransport(cfg relay.ConnectorConfig) TransportFactory {
	return func(handler relay.EventHandler) Transport {
		return relay.NewConnector(cfg, handler)
	}
}

// Listener is told about pairing and session loss.
type Listener interface {
	// PairingURI is called once per Connect with the URI to show the user.
	PairingURI(uri string)
	// SessionLost is called when the peer or the relay ends a connected
	// session, before pending requests are rejected.
	SessionLost(reason string)
}

// Record is the single persisted record of a relayed session.
type Record struct {
	Session   domain.Session `json:"session"`
	Transport relay.Session  `json:"transport"`
}

// ErrNoSession is returned by Restore when nothing is persisted.
var ErrNoSession = errors.New("no persisted relay session")

var errCallTimeout = errors.New("request timed out")

const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeTimeout  = "timeout"
	outcomeLost     = "lost"
	outcomeCanceled = "cancelled"

	reasonLocal = "disconnected locally"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRegisterer registers the client metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.metrics = NewMetrics(reg) }
}

// WithHandshakeTimeout bounds pairing plus approval.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithRequestTimeout bounds non-sign requests such as account lookup.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithSignTimeout bounds each sign request.
func WithSignTimeout(d time.Duration) Option {
	return func(c *Client) { c.signTimeout = d }
}

// WithSerializedSigning allows at most one sign request in flight.
func WithSerializedSigning(on bool) Option {
	return func(c *Client) {
		if on {
			c.signSlot = make(chan struct{}, 1)
		} else {
			c.signSlot = nil
		}
	}
}

// Client is the relayed-bridge client. It owns the transport, the pending
// request set and the persisted relayed record.
type Client struct {
	newTransport TransportFactory
	store        store.Store
	profile      chain.Profile
	logger       *slog.Logger
	metrics      *Metrics

	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	signTimeout      time.Duration
	signSlot         chan struct{}

	ids atomic.Uint64

	mu        sync.Mutex
	state     State
	gen       uint64
	transport Transport
	pending   pendingSet
	session   *domain.Session
	handshake chan relay.Event
	listener  Listener
}

// New creates a bridge client.
func New(factory TransportFactory, st store.Store, profile chain.Profile, opts ...Option) *Client {
	c := &Client{
		newTransport:     factory,
		store:            st,
		profile:          profile,
		logger:           slog.Default(),
		handshakeTimeout: 5 * time.Minute,
		requestTimeout:   30 * time.Second,
		signTimeout:      2 * time.Minute,
		pending:          make(pendingSet),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	c.logger = c.logger.With("component", "bridge")
	c.ids.Store(uint64(time.Now().UnixMilli()) * 1000)
	return c
}

// SetListener sets the pairing and session-loss listener.
func (c *Client) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) nextID() uint64 {
	return c.ids.Add(1)
}

// Connect pairs with a remote signer and returns the established session.
// Any previous live transport is killed first.
//
//nolint:gocognit // The handshake is a single sequential state machine.
func (c *Client) Connect(ctx context.Context) (domain.Session, error) {
	c.mu.Lock()
	if c.state == StatePairing || c.state == StateHandshaking {
		c.mu.Unlock()
		return domain.Session{}, domain.ErrConnectInProgress
	}
	old := c.transport
	c.transport = nil
	c.gen++
	gen := c.gen
	c.state = StatePairing
	abandoned := c.pending.drain()
	c.metrics.setPending(0)
	c.mu.Unlock()

	for _, p := range abandoned {
		p.fail(domain.NewError(domain.CodeCancelled, "session replaced by a new pairing"))
	}
	if old != nil && old.Connected() {
		if err := old.Kill(ctx); err != nil {
			c.logger.Warn("Failed to kill previous relay session", "error", err)
		}
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return domain.Session{}, domain.NewError(domain.CodeCancelled, "pairing cancelled")
	}
	hs := make(chan relay.Event, 8)
	c.handshake = hs
	c.session = nil
	t := c.newTransport(func(ev relay.Event) { c.handleEvent(gen, ev) })
	c.transport = t
	listener := c.listener
	c.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	uri, err := t.CreateSession(hctx, c.profile.ChainID)
	if err != nil {
		return c.failConnect(ctx, gen, t, "relay_error",
			domain.Wrap(domain.CodeHandshakeFailed, "could not open relay session", err))
	}
	c.logger.Info("Waiting for remote signer", "chain_id", c.profile.ChainID)
	if listener != nil {
		listener.PairingURI(uri)
	}

	approved := false
	for !approved {
		select {
		case ev := <-hs:
			switch ev.Type {
			case relay.EventSessionOpening:
				c.setState(gen, StateHandshaking)
			case relay.EventSessionApproved:
				c.setState(gen, StateHandshaking)
				approved = true
			case relay.EventSessionRejected:
				return c.failConnect(ctx, gen, t, "rejected",
					domain.NewError(domain.CodeConnectRejected, "remote signer rejected the session: "+ev.Reason))
			default:
				return c.failConnect(ctx, gen, t, "lost",
					domain.NewError(domain.CodeHandshakeFailed, ev.Reason))
			}
		case <-hctx.Done():
			if ctx.Err() != nil {
				return c.failConnect(ctx, gen, t, "cancelled",
					domain.Wrap(domain.CodeCancelled, "pairing cancelled", ctx.Err()))
			}
			return c.failConnect(ctx, gen, t, "timeout",
				domain.NewError(domain.CodeHandshakeFailed, "timed out waiting for remote signer"))
		}
	}

	account, err := c.fetchAccount(hctx, t)
	if err != nil {
		return c.failConnect(ctx, gen, t, "accounts", err)
	}

	s := domain.Session{
		WalletType:  domain.WalletRelayed,
		Address:     account.Address,
		PubKey:      account.PubKey,
		Algo:        account.Algo,
		PeerID:      t.PeerID(),
		ConnectedAt: time.Now().UTC(),
	}
	if err := s.Validate(c.profile.Prefix()); err != nil {
		return c.failConnect(ctx, gen, t, "invalid_account",
			domain.Wrap(domain.CodeHandshakeFailed, "remote signer returned an invalid account", err))
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.metrics.incHandshake(outcomeCanceled)
		return domain.Session{}, domain.NewError(domain.CodeCancelled, "pairing cancelled")
	}
	c.state = StateConnected
	c.session = &s
	c.handshake = nil
	c.mu.Unlock()

	if err := store.SetJSON(ctx, c.store, store.KeyRelayedSession, Record{Session: s, Transport: t.Session()}); err != nil {
		c.logger.Error("Failed to persist relayed session", "error", err)
	}

	c.metrics.incHandshake(outcomeOK)
	c.logger.Info("Relayed session connected", "address", s.Address, "peer_id", s.PeerID)
	return s, nil
}

func (c *Client) failConnect(ctx context.Context, gen uint64, t Transport, outcome string, err error) (domain.Session, error) {
	c.mu.Lock()
	current := c.gen == gen
	if current {
		c.state = StateDisconnected
		c.transport = nil
		c.handshake = nil
		c.gen++
	}
	c.mu.Unlock()

	if killErr := t.Kill(context.WithoutCancel(ctx)); killErr != nil {
		c.logger.Debug("Failed to kill relay session", "error", killErr)
	}
	if !current {
		outcome = outcomeCanceled
		err = domain.NewError(domain.CodeCancelled, "pairing cancelled")
	}
	c.metrics.incHandshake(outcome)
	c.logger.Warn("Relayed connect failed", "outcome", outcome, "error", err)
	return domain.Session{}, err
}

func (c *Client) setState(gen uint64, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.state = s
	}
}

func (c *Client) fetchAccount(ctx context.Context, t Transport) (signing.AccountData, error) {
	resp, err := c.call(ctx, t, false, c.requestTimeout, relay.MethodGetAccounts, c.profile.ChainID)
	if err != nil {
		if errors.Is(err, errCallTimeout) {
			return signing.AccountData{}, domain.NewError(domain.CodeHandshakeFailed, "timed out fetching accounts")
		}
		if domain.CodeOf(err) != "" {
			return signing.AccountData{}, err
		}
		return signing.AccountData{}, domain.Wrap(domain.CodeHandshakeFailed, "fetch accounts", err)
	}
	if resp.Error != nil {
		return signing.AccountData{}, domain.Wrap(domain.CodeHandshakeFailed, "remote signer refused accounts", resp.Error)
	}
	var accounts []signing.AccountData
	if err := json.Unmarshal(resp.Result, &accounts); err != nil {
		return signing.AccountData{}, domain.Wrap(domain.CodeHandshakeFailed, "malformed accounts response", err)
	}
	if len(accounts) == 0 {
		return signing.AccountData{}, domain.NewError(domain.CodeHandshakeFailed, "remote signer returned no accounts")
	}
	a := accounts[0]
	if a.Address == "" || a.Algo == "" || len(a.PubKey) == 0 {
		return signing.AccountData{}, domain.NewError(domain.CodeHandshakeFailed, "accounts response is missing fields")
	}
	return a, nil
}

// call sends one request and waits for its correlated response. With
// connected set the request is only sent on an established session.
func (c *Client) call(ctx context.Context, t Transport, connected bool, timeout time.Duration, method string, args ...any) (relay.Response, error) {
	id := c.nextID()
	req, err := relay.NewRequest(id, method, args...)
	if err != nil {
		return relay.Response{}, domain.Wrap(domain.CodeInvalidRequest, "encode request", err)
	}

	c.mu.Lock()
	if c.transport != t || (connected && c.state != StateConnected) {
		c.mu.Unlock()
		return relay.Response{}, domain.ErrNotConnected
	}
	p := c.pending.add(id, method)
	c.metrics.setPending(len(c.pending))
	c.mu.Unlock()

	if err := t.Send(ctx, req); err != nil {
		c.forget(id)
		c.metrics.observeRequest(method, outcomeLost, 0)
		return relay.Response{}, domain.Wrap(domain.CodeSessionLost, "send request", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		if r.err != nil {
			outcome := outcomeLost
			if errors.Is(r.err, domain.ErrCancelled) {
				outcome = outcomeCanceled
			}
			c.metrics.observeRequest(method, outcome, time.Since(p.started))
			return relay.Response{}, r.err
		}
		outcome := outcomeOK
		if r.resp.Error != nil {
			outcome = outcomeError
		}
		c.metrics.observeRequest(method, outcome, time.Since(p.started))
		return r.resp, nil
	case <-timer.C:
		c.forget(id)
		c.metrics.observeRequest(method, outcomeTimeout, time.Since(p.started))
		return relay.Response{}, errCallTimeout
	case <-ctx.Done():
		c.forget(id)
		c.metrics.observeRequest(method, outcomeCanceled, time.Since(p.started))
		return relay.Response{}, domain.Wrap(domain.CodeCancelled, "request cancelled", ctx.Err())
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending.take(id)
	c.metrics.setPending(len(c.pending))
}

// Accounts returns the account of the connected session.
func (c *Client) Accounts(context.Context) ([]signing.AccountData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.session == nil {
		return nil, domain.ErrNotConnected
	}
	s := c.session
	return []signing.AccountData{{Address: s.Address, Algo: s.Algo, PubKey: s.PubKey}}, nil
}

// SignDirect asks the remote signer to sign doc. Each call is correlated
// independently, so concurrent calls may complete in any order; enable
// WithSerializedSigning to queue them instead.
func (c *Client) SignDirect(ctx context.Context, signerAddress string, doc signing.SignDoc) (signing.DirectSignResponse, error) {
	if err := doc.Validate(c.profile.ChainID); err != nil {
		return signing.DirectSignResponse{}, err
	}
	if c.signSlot != nil {
		select {
		case c.signSlot <- struct{}{}:
			defer func() { <-c.signSlot }()
		case <-ctx.Done():
			return signing.DirectSignResponse{}, domain.Wrap(domain.CodeCancelled, "waiting for sign slot", ctx.Err())
		}
	}

	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return signing.DirectSignResponse{}, domain.ErrNotConnected
	}

	resp, err := c.call(ctx, t, true, c.signTimeout, relay.MethodSignDirect, signerAddress, doc)
	if err != nil {
		if errors.Is(err, errCallTimeout) {
			c.logger.Warn("Sign request timed out", "signer", signerAddress, "timeout", c.signTimeout)
			return signing.DirectSignResponse{}, domain.NewError(domain.CodeSignTimeout,
				fmt.Sprintf("no signature within %s", c.signTimeout))
		}
		return signing.DirectSignResponse{}, err
	}
	if resp.Error != nil {
		return signing.DirectSignResponse{}, domain.Wrap(domain.CodeSignRejected, "remote signer refused to sign", resp.Error)
	}
	var out signing.DirectSignResponse
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return signing.DirectSignResponse{}, domain.Wrap(domain.CodeSignRejected, "malformed sign response", err)
	}
	return out, nil
}

// Disconnect ends the session from any state. Pending requests are rejected
// with Cancelled and the persisted record is removed before the transport
// is killed.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	t := c.transport
	hs := c.handshake
	c.transport = nil
	c.handshake = nil
	c.session = nil
	c.gen++
	c.state = StateDisconnected
	abandoned := c.pending.drain()
	c.metrics.setPending(0)
	c.mu.Unlock()

	if hs != nil {
		select {
		case hs <- relay.Event{Type: relay.EventDisconnect, Reason: reasonLocal}:
		default:
		}
	}
	for _, p := range abandoned {
		p.fail(domain.NewError(domain.CodeCancelled, "session disconnected"))
	}

	var errs []error
	if err := c.clearRecord(ctx); err != nil {
		errs = append(errs, err)
	}
	if t != nil {
		if err := t.Kill(ctx); err != nil {
			errs = append(errs, fmt.Errorf("kill relay session: %w", err))
		}
	}
	c.logger.Info("Relayed session disconnected", "abandoned_requests", len(abandoned))
	return errors.Join(errs...)
}

func (c *Client) clearRecord(ctx context.Context) error {
	if err := c.store.Remove(ctx, store.KeyRelayedSession); err != nil {
		return fmt.Errorf("remove relayed record: %w", err)
	}
	if _, err := store.PurgeLegacy(ctx, c.store); err != nil {
		return fmt.Errorf("purge legacy relay keys: %w", err)
	}
	return nil
}

// Restore resumes the persisted relayed session without pairing. Invalid or
// orphaned records are discarded and reported as StorageCorrupt; a transport
// that cannot resume is SessionLost.
func (c *Client) Restore(ctx context.Context) (domain.Session, error) {
	var rec Record
	ok, err := store.GetJSON(ctx, c.store, store.KeyRelayedSession, &rec)
	if err != nil {
		return domain.Session{}, c.discard(ctx, nil, domain.Wrap(domain.CodeStorageCorrupt, "read relayed record", err))
	}
	if !ok {
		return domain.Session{}, ErrNoSession
	}
	if err := c.checkRecord(rec); err != nil {
		return domain.Session{}, c.discard(ctx, nil, err)
	}

	c.mu.Lock()
	if c.state != StateIdle && c.state != StateDisconnected {
		c.mu.Unlock()
		return domain.Session{}, domain.ErrConnectInProgress
	}
	c.gen++
	gen := c.gen
	t := c.newTransport(func(ev relay.Event) { c.handleEvent(gen, ev) })
	c.transport = t
	c.mu.Unlock()

	if err := t.Restore(ctx, rec.Transport); err != nil {
		return domain.Session{}, c.discard(ctx, t, domain.Wrap(domain.CodeSessionLost, "resume relay session", err))
	}
	if !t.Connected() || t.PeerID() != rec.Session.PeerID {
		return domain.Session{}, c.discard(ctx, t, domain.NewError(domain.CodeStorageCorrupt, "relay session is orphaned"))
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return domain.Session{}, domain.NewError(domain.CodeCancelled, "restore cancelled")
	}
	c.state = StateConnected
	s := rec.Session
	c.session = &s
	c.mu.Unlock()

	c.logger.Info("Relayed session restored", "address", s.Address, "peer_id", s.PeerID)
	return s, nil
}

func (c *Client) checkRecord(rec Record) error {
	if rec.Session.WalletType != domain.WalletRelayed {
		return domain.NewError(domain.CodeStorageCorrupt, "relayed record has the wrong wallet type")
	}
	if err := rec.Session.Validate(c.profile.Prefix()); err != nil {
		return err
	}
	if err := rec.Transport.Validate(); err != nil {
		return domain.Wrap(domain.CodeStorageCorrupt, "relayed record transport", err)
	}
	if !rec.Transport.Connected || rec.Transport.PeerID != rec.Session.PeerID {
		return domain.NewError(domain.CodeStorageCorrupt, "relayed record account does not belong to its peer")
	}
	if rec.Transport.ChainID != "" && rec.Transport.ChainID != c.profile.ChainID {
		return domain.NewError(domain.CodeStorageCorrupt, "relayed record is for another chain")
	}
	return nil
}

// discard drops a record that cannot be restored.
func (c *Client) discard(ctx context.Context, t Transport, cause error) error {
	c.mu.Lock()
	if t != nil && c.transport == t {
		c.transport = nil
		c.gen++
		c.state = StateIdle
	}
	c.mu.Unlock()

	if t != nil {
		if err := t.Kill(ctx); err != nil {
			c.logger.Debug("Failed to kill relay session", "error", err)
		}
	}
	if err := c.clearRecord(ctx); err != nil {
		c.logger.Warn("Failed to discard relayed record", "error", err)
	}
	c.logger.Warn("Discarded persisted relayed session", "reason", cause)
	return cause
}

func (c *Client) handleEvent(gen uint64, ev relay.Event) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	switch ev.Type {
	case relay.EventResponse:
		p := c.pending.take(ev.Response.ID)
		c.metrics.setPending(len(c.pending))
		c.mu.Unlock()
		if p == nil {
			c.logger.Debug("Response for unknown request", "id", ev.Response.ID)
			return
		}
		p.resolve(ev.Response)

	case relay.EventDisconnect, relay.EventTransportLost:
		if c.state != StateConnected {
			// Still pairing: the handshake loop or the accounts request
			// must learn about the loss now.
			hs := c.handshake
			abandoned := c.pending.drain()
			c.metrics.setPending(0)
			c.mu.Unlock()
			if hs != nil {
				select {
				case hs <- ev:
				default:
				}
			}
			for _, p := range abandoned {
				p.fail(domain.NewError(domain.CodeHandshakeFailed, lostDuringHandshake(ev.Reason)))
			}
			return
		}
		c.state = StateDisconnected
		c.transport = nil
		c.session = nil
		c.gen++
		abandoned := c.pending.drain()
		c.metrics.setPending(0)
		listener := c.listener
		c.mu.Unlock()

		c.logger.Warn("Relayed session lost", "reason", ev.Reason, "abandoned_requests", len(abandoned))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.clearRecord(ctx); err != nil {
			c.logger.Warn("Failed to clear relayed record", "error", err)
		}
		cancel()

		if listener != nil {
			listener.SessionLost(ev.Reason)
		}
		for _, p := range abandoned {
			p.fail(domain.NewError(domain.CodeSessionLost, ev.Reason))
		}

	default:
		hs := c.handshake
		c.mu.Unlock()
		if hs != nil {
			select {
			case hs <- ev:
			default:
			}
		}
	}
}

func lostDuringHandshake(reason string) string {
	if reason == "" {
		return "remote signer left during handshake"
	}
	return "remote signer left during handshake: " + reason
}

package wallet

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/walletlink/internal/bridge"
	"github.com/ashureev/walletlink/internal/chain"
	"github.com/ashureev/walletlink/internal/domain"
	"github.com/ashureev/walletlink/internal/signing"
	"github.com/ashureev/walletlink/internal/store"
)

// InjectedBackend is the injected-provider adapter.
type InjectedBackend interface {
	Connect(ctx context.Context) (domain.Session, error)
	Restore(ctx context.Context, prev domain.Session) (domain.Session, error)
	Resolve(ctx context.Context) (domain.Session, error)
	Watch(ctx context.Context, onChange func()) error
	OfflineSigner() signing.OfflineSigner
}

// RelayedBackend is the relayed-bridge client.
type RelayedBackend interface {
	signing.Backend
	Connect(ctx context.Context) (domain.Session, error)
	Restore(ctx context.Context) (domain.Session, error)
	Disconnect(ctx context.Context) error
	State() bridge.State
	SetListener(l bridge.Listener)
}

var errNothingToRestore = errors.New("no persisted session")

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithResolveTimeout bounds the account lookup after a keystore change.
func WithResolveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.resolveTimeout = d
		}
	}
}

// Manager owns the single active wallet session. Either backend may be nil,
// in which case connecting to it fails with ProviderUnavailable.
type Manager struct {
	store          store.Store
	profile        chain.Profile
	injected       InjectedBackend
	relayed        RelayedBackend
	logger         *slog.Logger
	resolveTimeout time.Duration
	subs           registry

	// connectMu admits one Start or Connect at a time.
	connectMu sync.Mutex

	mu            sync.Mutex
	state         State
	gen           uint64
	session       *domain.Session
	signer        signing.OfflineSigner
	connecting    domain.WalletType
	cancelConnect context.CancelFunc
	stopWatch     context.CancelFunc
	pairingURI    string
	lastErr       string
}

var _ bridge.Listener = (*Manager)(nil)

// New creates a Manager and registers it as the relayed backend's listener.
func New(st store.Store, profile chain.Profile, inj InjectedBackend, rel RelayedBackend, opts ...Option) *Manager {
	m := &Manager{
		store:          st,
		profile:        profile,
		injected:       inj,
		relayed:        rel,
		logger:         slog.Default(),
		resolveTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "wallet")
	if rel != nil {
		rel.SetListener(m)
	}
	return m
}

// Start restores the persisted session, if any. Failures are logged and
// leave the Manager idle.
func (m *Manager) Start(ctx context.Context) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.cancelConnect = cancel
	m.connecting = ""
	m.setStateLocked(State{Status: StatusConnecting})
	m.mu.Unlock()
	m.subs.flush()

	if n, err := store.PurgeLegacy(ctx, m.store); err != nil {
		m.logger.Warn("Failed to purge legacy session keys", "error", err)
	} else if n > 0 {
		m.logger.Info("Purged legacy session keys", "count", n)
	}

	s, err := m.restore(ctx)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.logger.Info("Session restore superseded")
		return
	}
	m.cancelConnect = nil
	watch := false
	switch {
	case errors.Is(err, errNothingToRestore):
		m.setStateLocked(State{Status: StatusIdle})
	case err != nil:
		m.logger.Warn("Could not restore wallet session", "error", err, "code", domain.CodeOf(err))
		m.setStateLocked(State{Status: StatusIdle})
	default:
		watch = m.activateLocked(s)
		m.logger.Info("Wallet session restored", "wallet_type", s.WalletType, "address", s.Address)
	}
	m.mu.Unlock()
	m.subs.flush()

	if watch {
		m.watchKeystore(gen)
	}
}

func (m *Manager) restore(ctx context.Context) (domain.Session, error) {
	raw, ok, err := m.store.Get(ctx, store.KeyWalletType)
	if err != nil {
		m.clearKeys(ctx)
		return domain.Session{}, domain.Wrap(domain.CodeStorageCorrupt, "read wallet type", err)
	}
	if !ok {
		n, err := store.RemovePrefix(ctx, m.store, store.KeySessionPrefix)
		if err != nil {
			m.logger.Warn("Failed to purge orphaned session records", "error", err)
		} else if n > 0 {
			m.logger.Info("Purged orphaned session records", "count", n)
		}
		return domain.Session{}, errNothingToRestore
	}

	kind, err := domain.ParseWalletType(string(raw))
	if err != nil {
		m.clearKeys(ctx)
		return domain.Session{}, err
	}
	if kind == domain.WalletInjected {
		return m.restoreInjected(ctx)
	}
	return m.restoreRelayed(ctx)
}

func (m *Manager) restoreInjected(ctx context.Context) (domain.Session, error) {
	var prev domain.Session
	ok, err := store.GetJSON(ctx, m.store, store.KeyInjectedSession, &prev)
	if err != nil || !ok {
		m.clearKeys(ctx)
		return domain.Session{}, domain.Wrap(domain.CodeStorageCorrupt, "injected record missing or unreadable", err)
	}
	if prev.WalletType != domain.WalletInjected {
		m.clearKeys(ctx)
		return domain.Session{}, domain.NewError(domain.CodeStorageCorrupt, "injected record has the wrong wallet type")
	}
	if err := prev.Validate(m.profile.Prefix()); err != nil {
		m.clearKeys(ctx)
		return domain.Session{}, err
	}
	if m.injected == nil {
		return domain.Session{}, domain.NewError(domain.CodeProviderUnavailable, "no signing extension configured")
	}

	s, err := m.injected.Restore(ctx, prev)
	if err != nil {
		// The extension may simply not be up yet; keep the record for the
		// next start.
		if domain.CodeOf(err) != domain.CodeProviderUnavailable {
			m.clearKeys(ctx)
		}
		return domain.Session{}, err
	}
	if s.Address != prev.Address || !bytes.Equal(s.PubKey, prev.PubKey) {
		if err := store.SetJSON(ctx, m.store, store.KeyInjectedSession, s); err != nil {
			m.logger.Error("Failed to update injected record", "error", err)
		}
	}
	return s, nil
}

func (m *Manager) restoreRelayed(ctx context.Context) (domain.Session, error) {
	if m.relayed == nil {
		return domain.Session{}, domain.NewError(domain.CodeProviderUnavailable, "no relay configured")
	}
	s, err := m.relayed.Restore(ctx)
	if err != nil {
		m.clearKeys(ctx)
		if errors.Is(err, bridge.ErrNoSession) {
			return domain.Session{}, domain.NewError(domain.CodeStorageCorrupt, "wallet type points at a missing relayed record")
		}
		return domain.Session{}, err
	}
	return s, nil
}

// ConnectInjected connects through the signing extension.
func (m *Manager) ConnectInjected(ctx context.Context) (domain.Session, error) {
	return m.connect(ctx, domain.WalletInjected)
}

// ConnectRelayed pairs with a remote signer. The pairing URI is published
// as an EventPairingURI while the call blocks.
func (m *Manager) ConnectRelayed(ctx context.Context) (domain.Session, error) {
	return m.connect(ctx, domain.WalletRelayed)
}

func (m *Manager) connect(ctx context.Context, kind domain.WalletType) (domain.Session, error) {
	if !m.connectMu.TryLock() {
		return domain.Session{}, domain.NewError(domain.CodeConnectInProgress, "another connect is in progress")
	}
	defer m.connectMu.Unlock()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.session != nil {
		m.logger.Info("Replacing active wallet session", "wallet_type", m.session.WalletType, "next", kind)
		old := *m.session
		m.teardownLocked(ctx)
		m.subs.enqueue(Event{Kind: EventDisconnected, State: m.state, Session: &old, Reason: "replaced"})
	}
	m.gen++
	gen := m.gen
	m.cancelConnect = cancel
	m.connecting = kind
	m.pairingURI = ""
	m.lastErr = ""
	m.setStateLocked(State{Status: StatusConnecting})
	m.mu.Unlock()
	m.subs.flush()

	s, err := m.connectBackend(cctx, kind)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.logger.Info("Connect cancelled", "wallet_type", kind)
		return domain.Session{}, domain.NewError(domain.CodeCancelled, "connect cancelled by disconnect")
	}
	m.cancelConnect = nil
	m.connecting = ""
	if err == nil && kind == domain.WalletRelayed && m.relayed.State() != bridge.StateConnected {
		err = domain.NewError(domain.CodeSessionLost, "remote signer left during connect")
	}
	if err != nil {
		err = classify(cctx, kind, err)
		m.lastErr = err.Error()
		m.pairingURI = ""
		m.setStateLocked(State{Status: StatusError, Err: m.lastErr})
		m.setStateLocked(State{Status: StatusIdle})
		m.mu.Unlock()
		m.subs.flush()
		m.logger.Warn("Wallet connect failed", "wallet_type", kind, "code", domain.CodeOf(err), "error", err)
		return domain.Session{}, err
	}

	m.persistLocked(ctx, s)
	watch := m.activateLocked(s)
	m.mu.Unlock()
	m.subs.flush()

	if watch {
		m.watchKeystore(gen)
	}
	m.logger.Info("Wallet connected", "wallet_type", kind, "address", s.Address)
	return s, nil
}

func (m *Manager) connectBackend(ctx context.Context, kind domain.WalletType) (domain.Session, error) {
	switch kind {
	case domain.WalletInjected:
		if m.injected == nil {
			return domain.Session{}, domain.NewError(domain.CodeProviderUnavailable, "no signing extension configured")
		}
		return m.injected.Connect(ctx)
	default:
		if m.relayed == nil {
			return domain.Session{}, domain.NewError(domain.CodeProviderUnavailable, "no relay configured")
		}
		return m.relayed.Connect(ctx)
	}
}

// classify makes sure only taxonomy errors leave the Manager.
func classify(ctx context.Context, kind domain.WalletType, err error) error {
	if domain.CodeOf(err) != "" {
		return err
	}
	if ctx.Err() != nil {
		return domain.Wrap(domain.CodeCancelled, "connect cancelled", err)
	}
	if kind == domain.WalletInjected {
		return domain.Wrap(domain.CodeConnectRejected, "connect failed", err)
	}
	return domain.Wrap(domain.CodeHandshakeFailed, "connect failed", err)
}

// persistLocked writes the backend record before the pointer key, so a
// pointer never refers to a record that was not written.
func (m *Manager) persistLocked(ctx context.Context, s domain.Session) {
	if s.WalletType == domain.WalletInjected {
		if err := store.SetJSON(ctx, m.store, store.KeyInjectedSession, s); err != nil {
			m.logger.Error("Failed to persist injected session", "error", err)
			return
		}
	}
	if err := m.store.Set(ctx, store.KeyWalletType, []byte(s.WalletType)); err != nil {
		m.logger.Error("Failed to persist wallet type", "error", err)
	}
}

func (m *Manager) activateLocked(s domain.Session) bool {
	m.session = &s
	if s.WalletType == domain.WalletInjected {
		m.signer = m.injected.OfflineSigner()
	} else {
		m.signer = signing.NewFacade(domain.WalletRelayed, m.relayed)
	}
	m.pairingURI = ""
	m.lastErr = ""
	m.setStateLocked(State{Status: StatusConnected})
	return s.WalletType == domain.WalletInjected
}

// Disconnect ends the active session, or the connect in progress, and
// removes every persisted key. It is safe in any state.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	var old *domain.Session
	if m.session != nil {
		s := *m.session
		old = &s
	}
	m.teardownLocked(ctx)
	if old != nil {
		m.subs.enqueue(Event{Kind: EventDisconnected, State: m.state, Session: old, Reason: "disconnected"})
	}
	m.mu.Unlock()
	m.subs.flush()

	if old != nil {
		m.logger.Info("Wallet disconnected", "wallet_type", old.WalletType, "address", old.Address)
	}
	return nil
}

// teardownLocked stops the active backend, clears all session state and
// leaves the Manager Idle. m.mu is released while the relayed transport is
// killed, since that waits on the network; pending relayed requests are
// rejected before Idle is published.
func (m *Manager) teardownLocked(ctx context.Context) {
	m.gen++
	gen := m.gen
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}

	relayedLive := m.session != nil && m.session.WalletType == domain.WalletRelayed
	if m.state.Status == StatusConnecting && m.connecting != domain.WalletInjected {
		relayedLive = true
	}
	m.clearKeys(ctx)

	m.session = nil
	m.signer = nil
	m.connecting = ""
	m.pairingURI = ""
	m.lastErr = ""

	if relayedLive && m.relayed != nil {
		m.mu.Unlock()
		if err := m.relayed.Disconnect(ctx); err != nil {
			m.logger.Warn("Relayed disconnect incomplete", "error", err)
		}
		m.mu.Lock()
		if m.gen != gen {
			// Someone else moved the Manager on while the lock was released.
			return
		}
	}
	m.setStateLocked(State{Status: StatusIdle})
}

// clearKeys removes the pointer key first, then every backend record.
func (m *Manager) clearKeys(ctx context.Context) {
	if err := m.store.Remove(ctx, store.KeyWalletType); err != nil {
		m.logger.Warn("Failed to remove wallet type", "error", err)
	}
	if _, err := store.RemovePrefix(ctx, m.store, store.KeySessionPrefix); err != nil {
		m.logger.Warn("Failed to remove session records", "error", err)
	}
}

// PairingURI publishes the URI of the relayed connect in progress.
func (m *Manager) PairingURI(uri string) {
	m.mu.Lock()
	if m.state.Status != StatusConnecting || m.connecting != domain.WalletRelayed {
		m.mu.Unlock()
		return
	}
	m.pairingURI = uri
	m.subs.enqueue(Event{Kind: EventPairingURI, State: m.state, PairingURI: uri})
	m.mu.Unlock()
	m.subs.flush()
}

// SessionLost handles a relayed session ended by the peer or the relay.
func (m *Manager) SessionLost(reason string) {
	m.mu.Lock()
	if m.session == nil || m.session.WalletType != domain.WalletRelayed || m.state.Status != StatusConnected {
		m.mu.Unlock()
		return
	}
	old := *m.session
	m.gen++
	m.session = nil
	m.signer = nil
	m.lastErr = "session lost: " + reason

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	m.clearKeys(ctx)
	cancel()

	m.setStateLocked(State{Status: StatusIdle})
	m.subs.enqueue(Event{Kind: EventDisconnected, State: m.state, Session: &old, Reason: reason})
	m.mu.Unlock()
	m.subs.flush()

	m.logger.Warn("Relayed session lost", "reason", reason, "address", old.Address)
}

func (m *Manager) watchKeystore(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.injected == nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stopWatch = cancel
	m.mu.Unlock()

	if err := m.injected.Watch(ctx, func() { m.keystoreChanged(gen) }); err != nil {
		cancel()
		m.logger.Debug("Keystore changes not available", "error", err)
	}
}

func (m *Manager) keystoreChanged(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.session == nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.resolveTimeout)
	defer cancel()
	s, err := m.injected.Resolve(ctx)

	m.mu.Lock()
	if m.gen != gen || m.session == nil {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("Failed to resolve account after keystore change", "error", err)
		return
	}
	if s.Address == m.session.Address && bytes.Equal(s.PubKey, m.session.PubKey) {
		m.mu.Unlock()
		return
	}
	if err := store.SetJSON(ctx, m.store, store.KeyInjectedSession, s); err != nil {
		m.logger.Error("Failed to persist changed account", "error", err)
	}
	m.session = &s
	m.subs.enqueue(Event{Kind: EventAccountChanged, State: m.state, Session: m.sessionCopyLocked()})
	m.mu.Unlock()
	m.subs.flush()

	m.logger.Info("Injected account changed", "address", s.Address)
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.subs.enqueue(Event{Kind: EventStateChanged, State: s, Session: m.sessionCopyLocked()})
}

func (m *Manager) sessionCopyLocked() *domain.Session {
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the active session.
func (m *Manager) Session() (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return domain.Session{}, false
	}
	return *m.session, true
}

// Signer returns the signing facade while connected.
func (m *Manager) Signer() (signing.OfflineSigner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusConnected || m.signer == nil {
		return nil, false
	}
	return m.signer, true
}

// Capability returns a snapshot for consumers.
func (m *Manager) Capability() Capability {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := Capability{
		IsLoading:  m.state.Status == StatusConnecting,
		Error:      m.lastErr,
		PairingURI: m.pairingURI,
		ChainID:    m.profile.ChainID,
		State:      m.state,
	}
	if m.session != nil && m.state.Status == StatusConnected {
		c.WalletAddress = m.session.Address
		c.WalletType = m.session.WalletType
		c.Signer = m.signer
	}
	return c
}

// Subscribe registers fn for every event. Events are delivered
// synchronously in the order they occurred; fn may call back into the
// Manager. The returned func unsubscribes.
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.subs.add(fn)
}

// Close stops background work. The persisted session is kept.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelConnect != nil {
		m.cancelConnect()
	}
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
}

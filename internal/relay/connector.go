package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/walletlink/internal/domain"
)

// ErrNotConnected is returned when a request is sent without an approved session.
var ErrNotConnected = errors.New("relay session not connected")

// EventType classifies connector events.
type EventType int

const (
	// EventSessionOpening: the remote signer joined the handshake topic.
	EventSessionOpening EventType = iota + 1
	// EventSessionApproved: the remote signer approved the session request.
	EventSessionApproved
	// EventSessionRejected: the remote signer declined the session request.
	EventSessionRejected
	// EventResponse: a JSON-RPC response from the remote signer.
	EventResponse
	// EventDisconnect: the remote signer ended the session.
	EventDisconnect
	// EventTransportLost: the relay connection dropped.
	EventTransportLost
)

func (t EventType) String() string {
	switch t {
	case EventSessionOpening:
		return "session_opening"
	case EventSessionApproved:
		return "session_approved"
	case EventSessionRejected:
		return "session_rejected"
	case EventResponse:
		return "response"
	case EventDisconnect:
		return "disconnect"
	case EventTransportLost:
		return "transport_lost"
	default:
		return "unknown"
	}
}

// Event is delivered to the connector's handler from the read goroutine.
type Event struct {
	Type     EventType
	Params   SessionParams
	Response Response
	Reason   string
}

// EventHandler receives connector events in order.
type EventHandler func(Event)

// Session is the serializable state of a relay session. It is enough to
// resume talking to the same remote signer after a restart.
type Session struct {
	Bridge         string          `json:"bridge"`
	Key            domain.HexBytes `json:"key"`
	ClientID       string          `json:"clientId"`
	PeerID         string          `json:"peerId,omitempty"`
	PeerMeta       *PeerMeta       `json:"peerMeta,omitempty"`
	HandshakeTopic string          `json:"handshakeTopic"`
	HandshakeID    uint64          `json:"handshakeId"`
	ChainID        string          `json:"chainId"`
	Connected      bool            `json:"connected"`
}

// Validate checks that s can be resumed.
func (s Session) Validate() error {
	switch {
	case s.Bridge == "":
		return errors.New("session has no bridge")
	case len(s.Key) != KeySize:
		return errors.New("session has an invalid key")
	case s.ClientID == "":
		return errors.New("session has no client id")
	case s.Connected && s.PeerID == "":
		return errors.New("connected session has no peer id")
	}
	return nil
}

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	BridgeURL string
	Meta      PeerMeta
	Logger    *slog.Logger
}

// Connector owns one relay session: the pairing handshake, request routing
// to the remote signer and session teardown.
type Connector struct {
	cfg     ConnectorConfig
	handler EventHandler
	logger  *slog.Logger

	mu      sync.Mutex
	conn    *Conn
	session Session
	killed  bool
}

// NewConnector creates a connector that reports events to handler.
func NewConnector(cfg ConnectorConfig, handler EventHandler) *Connector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{cfg: cfg, handler: handler, logger: logger.With("component", "relay")}
}

// Connected reports whether an approved session is live.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Connected && c.conn != nil
}

// PeerID returns the remote signer's id, empty before approval.
func (c *Connector) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.PeerID
}

// Session returns a copy of the session state.
func (c *Connector) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	s.Key = append(domain.HexBytes(nil), c.session.Key...)
	return s
}

var handshakeIDs atomic.Uint64

func nextHandshakeID() uint64 {
	seed := uint64(time.Now().UnixMilli()) * 1000
	for {
		cur := handshakeIDs.Load()
		next := max(cur+1, seed)
		if handshakeIDs.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// CreateSession opens a relay connection, publishes a session request for
// chainID and returns the pairing URI to show to the user.
func (c *Connector) CreateSession(ctx context.Context, chainID string) (string, error) {
	key, err := NewKey()
	if err != nil {
		return "", err
	}
	s := Session{
		Bridge:         c.cfg.BridgeURL,
		Key:            key,
		ClientID:       uuid.NewString(),
		HandshakeTopic: uuid.NewString(),
		HandshakeID:    nextHandshakeID(),
		ChainID:        chainID,
	}

	conn, err := c.open(ctx, s)
	if err != nil {
		return "", err
	}
	// Subscribing to the handshake topic lets the relay tell us when the
	// remote signer joins it.
	if err := conn.Subscribe(ctx, s.HandshakeTopic); err != nil {
		return "", fmt.Errorf("subscribe handshake topic: %w", err)
	}

	req, err := NewRequest(s.HandshakeID, MethodSessionRequest, SessionRequest{
		PeerID:   s.ClientID,
		PeerMeta: c.cfg.Meta,
		ChainID:  chainID,
	})
	if err != nil {
		return "", err
	}
	if err := c.publish(ctx, conn, s.Key, s.HandshakeTopic, req); err != nil {
		return "", fmt.Errorf("publish session request: %w", err)
	}

	c.logger.Info("Relay session requested", "client_id", s.ClientID, "chain_id", chainID)
	return Pairing{Topic: s.HandshakeTopic, Bridge: s.Bridge, Key: s.Key}.URI(), nil
}

// Restore reconnects to the relay for a previously persisted session.
func (c *Connector) Restore(ctx context.Context, s Session) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("restore relay session: %w", err)
	}
	if _, err := c.open(ctx, s); err != nil {
		return err
	}
	c.logger.Info("Relay session restored", "client_id", s.ClientID, "peer_id", s.PeerID)
	return nil
}

// open replaces any current connection with a fresh one subscribed to the
// session's client topic.
func (c *Connector) open(ctx context.Context, s Session) (*Conn, error) {
	c.mu.Lock()
	old := c.conn
	c.conn = nil
	c.session = s
	c.killed = false
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	conn, err := Dial(ctx, s.Bridge, c.onFrame, c.onClose, c.logger)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := conn.Subscribe(ctx, s.ClientID); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe client topic: %w", err)
	}
	return conn, nil
}

// Send publishes a request to the remote signer.
func (c *Connector) Send(ctx context.Context, req Request) error {
	c.mu.Lock()
	conn, s := c.conn, c.session
	c.mu.Unlock()
	if conn == nil || !s.Connected {
		return ErrNotConnected
	}
	return c.publish(ctx, conn, s.Key, s.PeerID, req)
}

// Kill ends the session: the remote signer is told the session is over and
// the relay connection is closed. No further events are delivered.
func (c *Connector) Kill(ctx context.Context) error {
	c.mu.Lock()
	conn, s := c.conn, c.session
	c.killed = true
	c.conn = nil
	c.session.Connected = false
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	var err error
	if s.Connected {
		var req Request
		req, err = NewRequest(nextHandshakeID(), MethodSessionUpdate, SessionUpdate{Approved: false})
		if err == nil {
			err = c.publish(ctx, conn, s.Key, s.PeerID, req)
		}
	}
	if closeErr := conn.Close(); err == nil {
		err = closeErr
	}
	c.logger.Info("Relay session killed", "client_id", s.ClientID, "peer_id", s.PeerID)
	return err
}

func (c *Connector) publish(ctx context.Context, conn *Conn, key []byte, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	payload, err := Seal(key, data)
	if err != nil {
		return err
	}
	return conn.Publish(ctx, topic, payload)
}

func (c *Connector) onClose(conn *Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn && !c.killed
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}
	c.emit(Event{Type: EventTransportLost, Reason: fmt.Sprintf("relay connection lost: %v", err)})
}

//nolint:gocognit // Frame dispatch follows the handshake state.
func (c *Connector) onFrame(f Frame) {
	c.mu.Lock()
	s, killed := c.session, c.killed
	c.mu.Unlock()
	if killed {
		return
	}

	switch f.Type {
	case FrameJoin:
		if f.Topic == s.HandshakeTopic && !s.Connected {
			c.emit(Event{Type: EventSessionOpening})
		}
		return
	case FramePub:
		if f.Topic != s.ClientID {
			return
		}
	default:
		return
	}

	plain, err := Open(s.Key, f.Payload)
	if err != nil {
		c.logger.Warn("Dropping undecryptable relay payload", "error", err)
		return
	}
	var msg message
	if err := json.Unmarshal(plain, &msg); err != nil {
		c.logger.Warn("Dropping malformed relay message", "error", err)
		return
	}

	if msg.isRequest() {
		c.handleRequest(msg.request())
		return
	}

	if msg.ID == s.HandshakeID && !s.Connected {
		c.handleSessionResponse(msg.response())
		return
	}
	c.emit(Event{Type: EventResponse, Response: msg.response()})
}

func (c *Connector) handleSessionResponse(resp Response) {
	if resp.Error != nil {
		c.emit(Event{Type: EventSessionRejected, Reason: resp.Error.Message})
		return
	}
	var params SessionParams
	if err := json.Unmarshal(resp.Result, &params); err != nil {
		c.emit(Event{Type: EventSessionRejected, Reason: "malformed session response"})
		return
	}
	if !params.Approved {
		c.emit(Event{Type: EventSessionRejected, Reason: "session request rejected"})
		return
	}
	if params.PeerID == "" {
		c.emit(Event{Type: EventSessionRejected, Reason: "session approval has no peer id"})
		return
	}

	c.mu.Lock()
	c.session.Connected = true
	c.session.PeerID = params.PeerID
	c.session.PeerMeta = params.PeerMeta
	c.mu.Unlock()

	c.logger.Info("Relay session approved", "peer_id", params.PeerID)
	c.emit(Event{Type: EventSessionApproved, Params: params})
}

func (c *Connector) handleRequest(req Request) {
	if req.Method != MethodSessionUpdate {
		c.logger.Debug("Ignoring relay request", "method", req.Method)
		return
	}
	var updates []SessionUpdate
	if err := json.Unmarshal(req.Params, &updates); err != nil || len(updates) == 0 {
		c.logger.Warn("Malformed session update", "error", err)
		return
	}
	if updates[0].Approved {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.session.Connected = false
	c.killed = true
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	c.logger.Info("Relay session ended by peer")
	c.emit(Event{Type: EventDisconnect, Reason: "peer closed the session"})
}

func (c *Connector) emit(e Event) {
	if c.handler != nil {
		c.handler(e)
	}
}

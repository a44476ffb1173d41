// Package devwallet is a software remote signer that pairs over the relay.
// It stands in for a mobile wallet during development and in tests.
package devwallet

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/google/uuid"

	"github.com/ashureev/walletlink/internal/chain"
	"github.com/ashureev/walletlink/internal/domain"
	"github.com/ashureev/walletlink/internal/relay"
	"github.com/ashureev/walletlink/internal/signing"
)

// Wallet answers session, account and sign requests for one secp256k1 key.
type Wallet struct {
	id      string
	priv    *btcec.PrivateKey
	address string
	reject  bool
	hold    bool
	logger  *slog.Logger

	mu        sync.Mutex
	conn      *relay.Conn
	key       []byte
	peerID    string
	connected bool
	held      []relay.Request
	seen      []string
}

// Option configures a Wallet.
type Option func(*Wallet)

// WithRejection makes the wallet decline session requests.
func WithRejection() Option {
	return func(w *Wallet) { w.reject = true }
}

// WithHeldSigns queues sign requests until Release is called.
func WithHeldSigns() Option {
	return func(w *Wallet) { w.hold = true }
}

// WithKey uses priv instead of a fresh random key.
func WithKey(priv *btcec.PrivateKey) Option {
	return func(w *Wallet) { w.priv = priv }
}

// WithLogger sets the wallet logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Wallet) { w.logger = l }
}

// New creates a wallet whose account uses the given address prefix.
func New(prefix string, opts ...Option) (*Wallet, error) {
	w := &Wallet{id: uuid.NewString(), logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	if w.priv == nil {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		w.priv = priv
	}
	addr, err := chain.AddressFromPubKey(prefix, w.PubKey())
	if err != nil {
		return nil, err
	}
	w.address = addr
	w.logger = w.logger.With("component", "devwallet", "address", addr)
	return w, nil
}

// ID is the wallet's peer id.
func (w *Wallet) ID() string { return w.id }

// Address is the wallet's account address.
func (w *Wallet) Address() string { return w.address }

// PubKey is the compressed public key.
func (w *Wallet) PubKey() []byte { return w.priv.PubKey().SerializeCompressed() }

// Connected reports whether a session is approved and not ended.
func (w *Wallet) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Seen returns the methods received so far, in order.
func (w *Wallet) Seen() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.seen...)
}

// Held returns the ids of sign requests waiting for Release.
func (w *Wallet) Held() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]uint64, 0, len(w.held))
	for _, r := range w.held {
		ids = append(ids, r.ID)
	}
	return ids
}

// Pair joins the session described by a pairing URI. The session request
// queued on the relay is answered as soon as it is delivered.
func (w *Wallet) Pair(ctx context.Context, uri string) error {
	p, err := relay.ParsePairingURI(uri)
	if err != nil {
		return err
	}
	conn, err := relay.Dial(ctx, p.Bridge, w.onFrame, nil, w.logger)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.conn = conn
	w.key = p.Key
	w.mu.Unlock()

	if err := conn.Subscribe(ctx, w.id); err != nil {
		return err
	}
	return conn.Subscribe(ctx, p.Topic)
}

// Release answers held sign requests in the given order.
func (w *Wallet) Release(ctx context.Context, ids ...uint64) error {
	for _, id := range ids {
		w.mu.Lock()
		var req *relay.Request
		for i, r := range w.held {
			if r.ID == id {
				req = &r
				w.held = append(w.held[:i], w.held[i+1:]...)
				break
			}
		}
		w.mu.Unlock()
		if req == nil {
			return fmt.Errorf("no held request %d", id)
		}
		if err := w.reply(ctx, w.signDirect(*req)); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect ends the session from the wallet side.
func (w *Wallet) Disconnect(ctx context.Context) error {
	req, err := relay.NewRequest(1, relay.MethodSessionUpdate, relay.SessionUpdate{Approved: false})
	if err != nil {
		return err
	}
	err = w.send(ctx, req)

	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
	return err
}

// Close drops the relay connection without notifying the peer.
func (w *Wallet) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = false
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

func (w *Wallet) onFrame(f relay.Frame) {
	if f.Type != relay.FramePub {
		return
	}
	w.mu.Lock()
	key := w.key
	w.mu.Unlock()

	plain, err := relay.Open(key, f.Payload)
	if err != nil {
		w.logger.Warn("Dropping undecryptable payload", "error", err)
		return
	}
	var req relay.Request
	if err := json.Unmarshal(plain, &req); err != nil || req.Method == "" {
		return
	}

	w.mu.Lock()
	w.seen = append(w.seen, req.Method)
	w.mu.Unlock()

	ctx := context.Background()
	var resp relay.Response
	switch req.Method {
	case relay.MethodSessionRequest:
		resp = w.sessionRequest(ctx, req)
	case relay.MethodSessionUpdate:
		w.mu.Lock()
		w.connected = false
		w.mu.Unlock()
		return
	case relay.MethodGetAccounts:
		resp, err = relay.NewResponse(req.ID, []signing.AccountData{w.account()})
		if err != nil {
			return
		}
	case relay.MethodSignDirect:
		if w.hold {
			w.mu.Lock()
			w.held = append(w.held, req)
			w.mu.Unlock()
			return
		}
		resp = w.signDirect(req)
	default:
		resp = relay.NewErrorResponse(req.ID, -32601, "method not found")
	}

	if err := w.reply(ctx, resp); err != nil {
		w.logger.Warn("Failed to reply", "method", req.Method, "error", err)
	}
}

func (w *Wallet) sessionRequest(_ context.Context, req relay.Request) relay.Response {
	var params []relay.SessionRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
		return relay.NewErrorResponse(req.ID, -32602, "invalid session request")
	}

	w.mu.Lock()
	w.peerID = params[0].PeerID
	w.connected = !w.reject
	w.mu.Unlock()

	result := relay.SessionParams{
		Approved: !w.reject,
		ChainID:  params[0].ChainID,
		PeerID:   w.id,
		PeerMeta: &relay.PeerMeta{Name: "walletlink dev wallet"},
	}
	if !w.reject {
		result.Accounts = []string{w.address}
	}
	w.logger.Info("Session request answered", "approved", result.Approved, "peer_id", params[0].PeerID)
	resp, err := relay.NewResponse(req.ID, result)
	if err != nil {
		return relay.NewErrorResponse(req.ID, -32603, err.Error())
	}
	return resp
}

func (w *Wallet) account() signing.AccountData {
	return signing.AccountData{Address: w.address, Algo: domain.AlgoSecp256k1, PubKey: w.PubKey()}
}

func (w *Wallet) signDirect(req relay.Request) relay.Response {
	var raw []json.RawMessage
	if err := json.Unmarshal(req.Params, &raw); err != nil || len(raw) != 2 {
		return relay.NewErrorResponse(req.ID, -32602, "expected [signerAddress, signDoc]")
	}
	var signer string
	var doc signing.SignDoc
	if err := json.Unmarshal(raw[0], &signer); err != nil {
		return relay.NewErrorResponse(req.ID, -32602, "invalid signer address")
	}
	if err := json.Unmarshal(raw[1], &doc); err != nil {
		return relay.NewErrorResponse(req.ID, -32602, "invalid sign doc")
	}
	if signer != w.address {
		return relay.NewErrorResponse(req.ID, -32000, "unknown signer "+signer)
	}

	sig, err := Sign(w.priv, doc)
	if err != nil {
		return relay.NewErrorResponse(req.ID, -32603, err.Error())
	}
	resp, err := relay.NewResponse(req.ID, signing.DirectSignResponse{Signed: doc, Signature: sig})
	if err != nil {
		return relay.NewErrorResponse(req.ID, -32603, err.Error())
	}
	return resp
}

func (w *Wallet) reply(ctx context.Context, resp relay.Response) error {
	return w.send(ctx, resp)
}

func (w *Wallet) send(ctx context.Context, v any) error {
	w.mu.Lock()
	conn, key, peer := w.conn, w.key, w.peerID
	w.mu.Unlock()
	if conn == nil || peer == "" {
		return errors.New("wallet is not paired")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload, err := relay.Seal(key, data)
	if err != nil {
		return err
	}
	return conn.Publish(ctx, peer, payload)
}

// Sign produces a direct-mode signature: 64 bytes r||s over
// sha256(SignBytes), low-S normalized.
func Sign(priv *btcec.PrivateKey, doc signing.SignDoc) (signing.StdSignature, error) {
	hash := sha256.Sum256(doc.SignBytes())
	rs, err := compactRS(ecdsa.Sign(priv, hash[:]).Serialize())
	if err != nil {
		return signing.StdSignature{}, err
	}
	return signing.StdSignature{
		PubKey: signing.PubKey{
			Type:  "tendermint/PubKeySecp256k1",
			Value: base64.StdEncoding.EncodeToString(priv.PubKey().SerializeCompressed()),
		},
		Signature: base64.StdEncoding.EncodeToString(rs),
	}, nil
}

// compactRS converts a DER signature to fixed-width r||s.
func compactRS(der []byte) ([]byte, error) {
	if len(der) < 8 || der[0] != 0x30 {
		return nil, errors.New("malformed DER signature")
	}
	rest := der[2:]
	out := make([]byte, 0, 64)
	for i := 0; i < 2; i++ {
		if len(rest) < 2 || rest[0] != 0x02 {
			return nil, errors.New("malformed DER integer")
		}
		n := int(rest[1])
		if len(rest) < 2+n {
			return nil, errors.New("truncated DER integer")
		}
		v := rest[2 : 2+n]
		for len(v) > 32 && v[0] == 0 {
			v = v[1:]
		}
		if len(v) > 32 {
			return nil, errors.New("DER integer too long")
		}
		out = append(out, make([]byte, 32-len(v))...)
		out = append(out, v...)
		rest = rest[2+n:]
	}
	return out, nil
}

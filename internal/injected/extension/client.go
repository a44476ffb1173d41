package extension

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/ashureev/walletlink/internal/injected"
	"github.com/ashureev/walletlink/internal/signing"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// Config holds configuration for the extension client.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns default configuration for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Address:          addr,
		ConnectTimeout:   2 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Client implements injected.Provider against a gRPC signing extension.
type Client struct {
	conn   *grpc.ClientConn
	cfg    Config
	logger *slog.Logger
}

var _ injected.Provider = (*Client)(nil)

// NewClient builds a client for cfg.Address. No network I/O happens until
// the first call, so a missing extension surfaces as Available() == false.
func NewClient(cfg Config, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig("").ConnectTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create extension client for %s: %w", cfg.Address, err)
	}
	return &Client{conn: conn, cfg: cfg, logger: logger.With("component", "extension")}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Available reports whether the extension becomes ready within the connect
// timeout.
func (c *Client) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(ctx, c.conn); err != nil {
		c.logger.Debug("Signing extension not ready", "address", c.cfg.Address, "error", err)
		return false
	}
	return true
}

// Enable asks the extension to authorize chainID.
func (c *Client) Enable(ctx context.Context, chainID string) error {
	var out EnableResponse
	if err := c.conn.Invoke(ctx, methodEnable, &EnableRequest{ChainID: chainID}, &out); err != nil {
		return translate("enable", err)
	}
	return nil
}

// Accounts returns the extension's accounts for chainID.
func (c *Client) Accounts(ctx context.Context, chainID string) ([]signing.AccountData, error) {
	var out AccountsResponse
	if err := c.conn.Invoke(ctx, methodGetAccounts, &AccountsRequest{ChainID: chainID}, &out); err != nil {
		return nil, translate("get accounts", err)
	}
	return out.Accounts, nil
}

// SignDirect asks the extension to sign doc.
func (c *Client) SignDirect(ctx context.Context, chainID, signer string, doc signing.SignDoc) (signing.DirectSignResponse, error) {
	var out SignResponse
	req := &SignRequest{ChainID: chainID, Signer: signer, Doc: doc}
	if err := c.conn.Invoke(ctx, methodSignDirect, req, &out); err != nil {
		return signing.DirectSignResponse{}, translate("sign direct", err)
	}
	return out.Response, nil
}

// KeystoreChanges streams keystore change notifications until ctx is done
// or the stream breaks.
func (c *Client) KeystoreChanges(ctx context.Context) (<-chan struct{}, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], methodWatchKeystore)
	if err != nil {
		return nil, translate("watch keystore", err)
	}
	if err := stream.SendMsg(&WatchRequest{}); err != nil {
		return nil, translate("watch keystore", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, translate("watch keystore", err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		for {
			var ev KeystoreEvent
			err := stream.RecvMsg(&ev)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("Keystore stream error", "error", err)
				}
				return
			}
			select {
			case ch <- struct{}{}:
			case <-ctx.Done():
				return
			default:
				// A change is already pending.
			}
		}
	}()
	return ch, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

func translate(op string, err error) error {
	switch status.Code(err) {
	case codes.PermissionDenied:
		return fmt.Errorf("%s: %w", op, injected.ErrUserRejected)
	case codes.Unavailable:
		return fmt.Errorf("%s: %w: %v", op, injected.ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	readLimit    = 1 << 20
	writeTimeout = 10 * time.Second
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("relay connection closed")

// Conn is a client connection to a relay.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// FrameHandler receives frames read from the relay. It runs on the read
// goroutine; frames are delivered in order.
type FrameHandler func(Frame)

// Dial connects to the relay at url and starts reading. onFrame receives every
// frame; onClose is called once when the read loop stops for any reason other
// than Close.
func Dial(ctx context.Context, url string, onFrame FrameHandler, onClose func(*Conn, error), logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	ws.SetReadLimit(readLimit)

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		logger: logger,
		ctx:    loopCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.readLoop(onFrame, onClose)
	return c, nil
}

func (c *Conn) readLoop(onFrame FrameHandler, onClose func(*Conn, error)) {
	defer close(c.done)
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) != -1 {
				c.logger.Debug("Relay closed the connection", "error", err)
			} else {
				c.logger.Warn("Relay read error", "error", err)
			}
			c.cancel()
			if onClose != nil {
				onClose(c, err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("Ignoring malformed relay frame", "error", err)
			continue
		}
		if f.Type == FramePong {
			continue
		}
		onFrame(f)
	}
}

// Subscribe asks the relay to deliver frames published on topic.
func (c *Conn) Subscribe(ctx context.Context, topic string) error {
	return c.write(ctx, Frame{Topic: topic, Type: FrameSub, Silent: true})
}

// Publish sends payload to the subscribers of topic.
func (c *Conn) Publish(ctx context.Context, topic, payload string) error {
	return c.write(ctx, Frame{Topic: topic, Type: FramePub, Payload: payload})
}

func (c *Conn) write(ctx context.Context, f Frame) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// Done is closed when the read loop has stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection without waiting for the read loop. It is safe
// to call from a FrameHandler.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.ws.CloseNow()
	})
	return err
}

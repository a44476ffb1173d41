package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Hub is a relay server: clients subscribe to topics and publish opaque
// payloads to them. Publications to a topic nobody is subscribed to are
// queued until a subscriber arrives or they expire.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*peer]struct{}
	queue  map[string][]queued

	queueTTL   time.Duration
	queueLimit int
	logger     *slog.Logger
}

type queued struct {
	frame   Frame
	expires time.Time
}

type peer struct {
	id     string
	ws     *websocket.Conn
	topics map[string]struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithQueueTTL sets how long undelivered publications are kept.
func WithQueueTTL(d time.Duration) HubOption {
	return func(h *Hub) { h.queueTTL = d }
}

// WithQueueLimit caps queued publications per topic; the oldest are dropped.
func WithQueueLimit(n int) HubOption {
	return func(h *Hub) { h.queueLimit = n }
}

// WithHubLogger sets the hub logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates a relay hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		topics:     make(map[string]map[*peer]struct{}),
		queue:      make(map[string][]queued),
		queueTTL:   5 * time.Minute,
		queueLimit: 64,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(readLimit)

	p := &peer{id: uuid.NewString(), ws: ws, topics: make(map[string]struct{})}
	h.logger.Debug("Relay client connected", "peer", p.id, "ip", r.RemoteAddr)
	defer func() {
		h.unregister(p)
		_ = ws.Close(websocket.StatusNormalClosure, "relay closing")
		h.logger.Debug("Relay client disconnected", "peer", p.id)
	}()

	h.readLoop(r.Context(), p)
}

func (h *Hub) readLoop(ctx context.Context, p *peer) {
	for {
		_, data, err := p.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.logger.Debug("Relay read error", "error", err, "peer", p.id)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.logger.Debug("Ignoring malformed frame", "peer", p.id)
			continue
		}

		switch f.Type {
		case FrameSub:
			if f.Topic != "" {
				h.subscribe(ctx, p, f.Topic)
			}
		case FramePub:
			if f.Topic != "" {
				h.publish(ctx, p, f)
			}
		case FramePing:
			h.send(ctx, p, Frame{Type: FramePong})
		}
	}
}

func (h *Hub) subscribe(ctx context.Context, p *peer, topic string) {
	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*peer]struct{})
		h.topics[topic] = subs
	}
	others := make([]*peer, 0, len(subs))
	for other := range subs {
		if other != p {
			others = append(others, other)
		}
	}
	subs[p] = struct{}{}
	p.topics[topic] = struct{}{}

	pending := liveQueued(h.queue[topic], time.Now())
	delete(h.queue, topic)
	h.mu.Unlock()

	h.logger.Debug("Relay subscription", "peer", p.id, "topic", topic, "queued", len(pending))
	for _, q := range pending {
		h.send(ctx, p, q.frame)
	}
	for _, other := range others {
		h.send(ctx, other, Frame{Topic: topic, Type: FrameJoin})
	}
}

func (h *Hub) publish(ctx context.Context, from *peer, f Frame) {
	h.mu.Lock()
	var targets []*peer
	for p := range h.topics[f.Topic] {
		if p != from {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		q := append(liveQueued(h.queue[f.Topic], time.Now()), queued{
			frame:   Frame{Topic: f.Topic, Type: FramePub, Payload: f.Payload},
			expires: time.Now().Add(h.queueTTL),
		})
		if len(q) > h.queueLimit {
			q = q[len(q)-h.queueLimit:]
		}
		h.queue[f.Topic] = q
	}
	h.mu.Unlock()

	for _, p := range targets {
		h.send(ctx, p, Frame{Topic: f.Topic, Type: FramePub, Payload: f.Payload})
	}
}

func (h *Hub) send(ctx context.Context, p *peer, f Frame) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, p.ws, f); err != nil {
		h.logger.Debug("Relay write failed", "error", err, "peer", p.id)
	}
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range p.topics {
		if subs, ok := h.topics[topic]; ok {
			delete(subs, p)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
}

// Prune drops expired queued publications and returns how many were dropped.
func (h *Hub) Prune(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for topic, q := range h.queue {
		live := liveQueued(q, now)
		dropped += len(q) - len(live)
		if len(live) == 0 {
			delete(h.queue, topic)
		} else {
			h.queue[topic] = live
		}
	}
	return dropped
}

// StartJanitor prunes the queue every interval until ctx is done.
func (h *Hub) StartJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				h.logger.Info("Relay janitor stopped")
				return
			case now := <-ticker.C:
				if n := h.Prune(now); n > 0 {
					h.logger.Info("Relay janitor dropped expired messages", "count", n)
				}
			}
		}
	}()
}

// Stats reports the number of active topics and queued publications.
func (h *Hub) Stats() (topics, queuedMessages int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range h.queue {
		queuedMessages += len(q)
	}
	return len(h.topics), queuedMessages
}

func liveQueued(q []queued, now time.Time) []queued {
	live := q[:0:0]
	for _, m := range q {
		if now.Before(m.expires) {
			live = append(live, m)
		}
	}
	return live
}

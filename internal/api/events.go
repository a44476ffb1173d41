package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/walletlink/internal/wallet"
)

const eventBuffer = 64

// eventMessage is one frame of the event stream.
type eventMessage struct {
	Type       string             `json:"type"`
	Capability *wallet.Capability `json:"capability,omitempty"`
	Event      *wallet.Event      `json:"event,omitempty"`
}

// Events streams Manager events over a websocket, starting with a snapshot.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	events := make(chan wallet.Event, eventBuffer)
	unsubscribe := h.wallet.Subscribe(func(ev wallet.Event) {
		select {
		case events <- ev:
		default:
			h.logger.Warn("Event stream consumer too slow, dropping event", "kind", ev.Kind)
		}
	})
	defer unsubscribe()

	// The client never sends; CloseRead reports when it goes away.
	ctx := ws.CloseRead(r.Context())

	snapshot := h.wallet.Capability()
	if err := writeJSON(ctx, ws, eventMessage{Type: "snapshot", Capability: &snapshot}); err != nil {
		h.logger.Debug("Failed to send snapshot", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("Event stream closed")
			return
		case ev := <-events:
			if err := writeJSON(ctx, ws, eventMessage{Type: "event", Event: &ev}); err != nil {
				h.logger.Debug("Failed to send event", "error", err)
				return
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDevelopment {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEvent is the wire form of a bus event on the /events stream.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
	At      string `json:"at"`
}

// handleEvents streams bus events over a websocket. The optional `prefix`
// query parameter narrows the stream to one topic family, e.g.
// /events?prefix=singleton.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		http.Error(w, "event stream not available", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	prefix := r.URL.Query().Get("prefix")
	sub := s.cfg.Events.Subscribe(prefix)
	defer s.cfg.Events.Unsubscribe(sub)

	s.logger.Debug("events client connected", "prefix", prefix)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg := wsEvent{
				Topic:   ev.Topic,
				Payload: ev.Payload,
				At:      time.Now().UTC().Format(time.RFC3339Nano),
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				s.logger.Debug("events client write failed, closing", "error", err)
				return
			}
		}
	}
}

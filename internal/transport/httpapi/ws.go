package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// upgrader allows any origin: this deployment fronts its own authenticated
// API gateway rather than being embedded cross-origin in a browser page.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream implements the server-push channel: a long-lived
// connection fanning out the same event kinds as the chat response, for
// consumers that want events pushed independent of an in-flight chat call.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := requireSessionOwner(w, r, s.sessionMgr, sessionID); !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	sub := s.stream.Subscribe(sessionID)
	defer sub.Close()

	// A read pump is required so gorilla processes control frames (ping/
	// close) and notices the peer disconnecting; this connection is
	// otherwise write-only from the server's side.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}

		e, ok := sub.Next(ctx)
		if !ok {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
}

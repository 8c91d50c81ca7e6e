package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// streamWriteTimeout bounds each WebSocket write so a stalled client
// cannot pin the subscription goroutine.
const streamWriteTimeout = 10 * time.Second

// handleStreamEvents upgrades to WebSocket and relays live bus events as
// JSON text messages. An optional ?type=a,b query restricts the
// subscription; the bus drops events the client cannot keep up with.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The control API binds locally and carries no credentials;
		// origin checks would only break CLI and script clients.
		InsecureSkipVerify: true,
	})
	if err != nil {
		http.Error(w, "WebSocket upgrade failed", http.StatusBadRequest)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "stream closed") }()

	var types []string
	if v := r.URL.Query().Get("type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	sub, unsubscribe := s.engine.SubscribeEvents(types...)
	defer unsubscribe()

	ctx := r.Context()

	// Reads are only needed to observe the client closing.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				unsubscribe()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.log.Warn("failed to marshal event for stream", "event", evt.ID, "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

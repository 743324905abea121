package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamImportJob upgrades to a websocket and pushes the job's status until
// it reaches a terminal state or the client goes away.
func (h *HTTPHandler) StreamImportJob(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	jobID := chi.URLParam(r, "jobID")

	// Ownership is checked before the upgrade so errors stay plain HTTP.
	if _, err := h.imports.GetJobStatus(r.Context(), userID, jobID); err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, stop, err := h.imports.WatchJob(ctx, userID, jobID)
	if err != nil {
		h.closeWith(conn, websocket.CloseInternalServerErr, "status feed unavailable")
		return
	}
	defer stop()

	// Read pump: only control frames are expected; any read error ends the stream.
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Send the state as of subscription so late joiners see something at once.
	current, err := h.imports.GetJobStatus(ctx, userID, jobID)
	if err != nil {
		h.closeWith(conn, websocket.CloseInternalServerErr, "status unavailable")
		return
	}
	if err := h.send(conn, current); err != nil || current.Status.Terminal() {
		h.closeWith(conn, websocket.CloseNormalClosure, "done")
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-updates:
			if !ok {
				h.closeWith(conn, websocket.CloseNormalClosure, "done")
				return
			}
			if status.Progress < current.Progress && !status.Status.Terminal() {
				continue
			}
			current = status
			if err := h.send(conn, status); err != nil {
				return
			}
			if status.Status.Terminal() {
				h.closeWith(conn, websocket.CloseNormalClosure, "done")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *HTTPHandler) send(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func (h *HTTPHandler) closeWith(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

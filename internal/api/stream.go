package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/conductor/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// isTerminalEvent reports whether the event ends a workflow's stream
func isTerminalEvent(t events.EventType) bool {
	switch t {
	case events.EventWorkflowCompleted, events.EventWorkflowFailed, events.EventWorkflowCancelled:
		return true
	}
	return false
}

// handleEvents streams bus events over a websocket. Under
// /workflows/{id}/events only that workflow's events are sent and the
// socket closes after its terminal event. The query parameters type (repeatable
// or comma separated) and task narrow the stream further.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bus == nil {
		s.respondError(w, http.StatusNotFound, errors.New("event streaming is not enabled"))
		return
	}

	filter := events.EventFilter{
		WorkflowID: mux.Vars(r)["id"],
		TaskID:     r.URL.Query().Get("task"),
	}
	for _, v := range r.URL.Query()["type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, events.EventType(t))
			}
		}
	}

	scoped := filter.WorkflowID != ""
	if scoped {
		if _, err := s.engine.Status(filter.WorkflowID); err != nil {
			s.respondError(w, statusFor(err), err)
			return
		}
	}

	// Subscribe before the handshake completes so a client that starts the
	// workflow right after connecting sees every event.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := events.NewStreamer(s.opts.Bus, filter).Start(ctx)
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The subscription is live, so a run finishing from here on is seen
	// on the stream. One that already finished never will be.
	if scoped {
		wf, err := s.engine.Status(filter.WorkflowID)
		if err != nil || wf.Status.IsTerminal() {
			closeSocket(conn, websocket.CloseNormalClosure, "workflow finished")
			return
		}
	}

	go readPump(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-stream:
			if !ok {
				closeSocket(conn, websocket.CloseGoingAway, "event bus closed")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
			if scoped && isTerminalEvent(event.Type) {
				closeSocket(conn, websocket.CloseNormalClosure, "workflow finished")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readPump discards client messages and cancels once the peer goes away
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func closeSocket(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

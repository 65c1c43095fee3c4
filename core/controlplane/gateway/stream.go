package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/flowlog/core/fanout"
	"github.com/cordum/flowlog/core/infra/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10

	// closeTryAgainLater is RFC 6455 status 1013.
	closeTryAgainLater = 1013
)

// handleStream replays a workflow's events from ?from= and then follows the
// log live, one JSON event per text frame. A subscriber that falls behind is
// closed with 1013 and a "resume_from=<n>" reason so it can reconnect
// without gaps.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "streaming not configured"})
		return
	}
	id := r.PathValue("id")
	from, err := queryUint(r, "from", 1)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := s.hub.Subscribe(ctx, id, from)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn(component, "ws upgrade failed", "workflow_id", id, "error", err)
		return
	}
	defer ws.Close()
	logging.Info(component, "ws stream opened", "workflow_id", id, "from", from, "remote", r.RemoteAddr)

	// The read side only services control frames; any read error means the
	// peer went away.
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	next := max(from, 1)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				s.closeStream(ws, id, sub.Err(), next)
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
			next = ev.Sequence + 1
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) closeStream(ws *websocket.Conn, workflowID string, cause error, next uint64) {
	code, text := websocket.CloseNormalClosure, ""
	switch {
	case errors.Is(cause, fanout.ErrSlowSubscriber):
		code, text = closeTryAgainLater, fmt.Sprintf("resume_from=%d", next)
	case cause != nil && !errors.Is(cause, context.Canceled):
		code, text = websocket.CloseInternalServerErr, cause.Error()
		logging.Warn(component, "ws stream failed", "workflow_id", workflowID, "error", cause)
	}
	msg := websocket.FormatCloseMessage(code, text)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

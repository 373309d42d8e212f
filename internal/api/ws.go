package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"counsel/internal/orchestrator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API carries no credentials; same-origin enforcement is left
	// to the deployment proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriteTimeout bounds each frame write so a stalled client cannot
// wedge the turn goroutine.
const wsWriteTimeout = 10 * time.Second

// handleWSChat serves one chat turn over a WebSocket: the client sends
// a single ChatRequest frame, the server streams turn events as JSON
// frames, then closes. The same event shapes as the SSE stream.
func (s *Server) handleWSChat(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req ChatRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.wsClose(conn, websocket.ClosePolicyViolation, "invalid request frame")
		return
	}
	if req.Message == "" {
		s.wsClose(conn, websocket.ClosePolicyViolation, "message is required")
		return
	}

	adv := s.resolveAdvisor(req.Advisor)
	if adv == nil {
		s.wsClose(conn, websocket.ClosePolicyViolation, "advisor not found")
		return
	}

	ctx, release := s.trackTurn(r.Context(), adv.Name)
	defer release()

	// A client disconnect cancels the turn.
	go s.watchClose(ctx, conn, release)

	sink := func(ev orchestrator.Event) {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
		}
	}

	if _, err := s.engine.Submit(ctx, adv.Name, req.Message, sink); err != nil {
		s.logger.Error("turn failed", "advisor", adv.Name, "error", err)
	}

	s.wsClose(conn, websocket.CloseNormalClosure, "done")
}

// watchClose reads until the peer goes away, then cancels the turn.
// The chat protocol has no client frames after the request, so any
// read completion means disconnect or protocol misuse.
func (s *Server) watchClose(ctx context.Context, conn *websocket.Conn, cancel func()) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("websocket client went away", "error", err)
			}
			cancel()
			return
		}
	}
}

func (s *Server) wsClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(wsWriteTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.logger.Debug("websocket close failed", "error", err)
	}
}

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agleyzer/smilsync/internal/host"
	"github.com/agleyzer/smilsync/internal/remote"
	"github.com/agleyzer/smilsync/internal/schedule"
	"github.com/agleyzer/smilsync/internal/touch"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	replyQueue = 16
)

// Client message types.
const (
	messageStatus = "status"
	messageReady  = "ready"
	messageTap    = "tap"
)

// Reply types sent alongside remote commands.
const (
	replyOutcome = "outcome"
	replyError   = "error"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Readers are embedded in arbitrary pages and local webviews.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is a message from the player running in the client.
type clientMessage struct {
	Type        string         `json:"type"`
	CurrentTime float64        `json:"current_time,omitempty"`
	Paused      bool           `json:"paused,omitempty"`
	Path        touch.Path     `json:"path,omitempty"`
	Action      *actionRequest `json:"action,omitempty"`
}

type wsReply struct {
	Type    string        `json:"type"`
	Outcome touch.Outcome `json:"outcome,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// handleWebSocket attaches a client player to a session. Commands flow to the
// client; status reports, ready notifications and taps flow back.
// GET /sessions/{id}/ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if _, loaded := s.attached.LoadOrStore(sess.ID, struct{}{}); loaded {
		writeError(w, http.StatusConflict, "session already has a client")
		return
	}
	defer s.attached.Delete(sess.ID)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session", sess.ID, "error", err)
		return
	}
	defer conn.Close()
	s.logger.Info("client connected", "session", sess.ID)

	replies := make(chan wsReply, replyQueue)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readPump(r.Context(), conn, sess, replies)
	}()

	s.writePump(conn, sess, replies, done)
	s.logger.Info("client disconnected", "session", sess.ID)
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, sess *host.Session, replies chan<- wsReply) {
	conn.SetReadLimit(maxBodySize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	reply := func(rep wsReply) {
		select {
		case replies <- rep:
		default:
			s.logger.Warn("reply dropped, client not reading", "session", sess.ID, "type", rep.Type)
		}
	}

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "session", sess.ID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var err error
		switch msg.Type {
		case messageStatus:
			err = sess.Report(remote.Status{CurrentTime: msg.CurrentTime, Paused: msg.Paused})
		case messageReady:
			err = sess.Ready()
		case messageTap:
			action, perr := msg.Action.parse()
			if perr != nil {
				reply(wsReply{Type: replyError, Error: perr.Error()})
				continue
			}
			var out touch.Outcome
			out, err = sess.Tap(ctx, msg.Path, action)
			if err == nil {
				reply(wsReply{Type: replyOutcome, Outcome: out})
			}
		default:
			reply(wsReply{Type: replyError, Error: "unknown message type " + msg.Type})
			continue
		}

		switch {
		case err == nil:
		case errors.Is(err, schedule.ErrClosed):
			return
		default:
			reply(wsReply{Type: replyError, Error: err.Error()})
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, sess *host.Session, replies <-chan wsReply, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	commands := sess.Commands()
	for {
		var msg any
		select {
		case cmd, ok := <-commands:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(writeWait))
				return
			}
			msg = cmd
		case rep := <-replies:
			msg = rep
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		case <-done:
			return
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Debug("websocket write failed", "session", sess.ID, "error", err)
			return
		}
	}
}

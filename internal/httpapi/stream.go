package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/viva/internal/protocol"
	"github.com/ent0n29/viva/internal/session"
)

const (
	writeWait  = 10 * time.Second
	readWait   = 120 * time.Second
	pingPeriod = 30 * time.Second
)

// snapshotMessage is the wire form of a session_snapshot notification.
type snapshotMessage struct {
	Type      protocol.MessageType `json:"type"`
	SessionID string               `json:"session_id"`
	Snapshot  session.Snapshot     `json:"snapshot"`
}

// handleSessionWS streams session notifications to a collaborator. The first
// message is always a snapshot. Clients may send client_control with action
// "end" or "snapshot".
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.log.WithFields(logrus.Fields{"session_id": c.ID(), "component": "session_ws"})
	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	notes, unsubscribe := c.Subscribe()
	defer unsubscribe()

	// Requests from the read loop for an out-of-band snapshot.
	refresh := make(chan struct{}, 1)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing the connection unblocks the read loop below.
		defer conn.Close()
		defer cancel()
		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()

		if !s.writeMessage(conn, snapshotOf(c.Snapshot())) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-refresh:
				if !s.writeMessage(conn, snapshotOf(c.Snapshot())) {
					return
				}
			case n, ok := <-notes:
				if !ok {
					// Session finished; the last notification was its final snapshot.
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
					return
				}
				if !s.writeMessage(conn, wireMessage(n)) {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.ObserveWSMessage("inbound", "invalid")
			log.WithError(err).Debug("invalid client message")
			continue
		}
		ctrl, ok := parsed.(protocol.ClientControl)
		if !ok {
			continue
		}
		s.metrics.ObserveWSMessage("inbound", string(ctrl.Type))
		switch ctrl.Action {
		case "end":
			log.WithField("reason", ctrl.Reason).Info("session end requested over websocket")
			go func() { _ = c.End() }()
		case "snapshot":
			select {
			case refresh <- struct{}{}:
			default:
			}
		}
	}

	cancel()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

func (s *Server) writeMessage(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.metrics.ObserveWSMessage("outbound", "write_error")
		return false
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.ObserveWSMessage("outbound", string(t))
	}
	return true
}

func snapshotOf(snap session.Snapshot) snapshotMessage {
	return snapshotMessage{Type: protocol.TypeSessionSnapshot, SessionID: snap.ID, Snapshot: snap}
}

func wireMessage(n session.Notification) any {
	if snap, ok := n.Payload.(session.Snapshot); ok {
		return snapshotOf(snap)
	}
	return n.Payload
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case snapshotMessage:
		return m.Type, true
	case protocol.TurnCommitted:
		return m.Type, true
	case protocol.BargeIn:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

package relay

import (
	"encoding/json"
	"time"

	"alumnet-chat/internal/models"
	"alumnet-chat/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Session is one live websocket connection for an authenticated identity.
type Session struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	identity string
}

func NewSession(hub *Hub, conn *websocket.Conn, identity string) *Session {
	return &Session{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		identity: identity,
	}
}

func (s *Session) ReadPump() {
	defer func() {
		s.hub.Unregister <- s
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Error("websocket error", zap.Error(err))
			}
			break
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Log.Debug("malformed frame dropped", zap.Error(err))
			continue
		}

		switch env.Type {
		case models.EventJoin:
			// Identity is taken from the authenticated upgrade, not from
			// the frame. Kept in the protocol as the connect announcement.
		case models.EventSend:
			s.hub.route <- inbound{from: s, env: env}
		default:
			logger.Log.Debug("unexpected frame type", zap.String("type", string(env.Type)))
		}
	}
}

func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Log.Error("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

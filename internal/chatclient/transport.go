package chatclient

import (
	"context"
	"net/url"
	"sync"

	"alumnet-chat/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn is one live channel connection. ReadEvent blocks until the next
// decodable inbound event or a transport error.
type Conn interface {
	ReadEvent() (models.ServerEvent, error)
	WriteJoin(identity string) error
	WriteSend(msg models.Message) error
	Close() error
}

// Dialer opens a channel connection for an authenticated identity.
type Dialer interface {
	Dial(ctx context.Context, identity, token string) (Conn, error)
}

// HistoryFetcher loads the ordered (oldest first) message history for the
// caller's conversation with one peer.
type HistoryFetcher interface {
	Fetch(ctx context.Context, token, peer string) ([]models.Message, error)
}

// WSDialer dials the relay's websocket endpoint, e.g. ws://host:8080/ws.
type WSDialer struct {
	URL string

	log *zap.Logger
}

func NewWSDialer(rawURL string, log *zap.Logger) *WSDialer {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSDialer{URL: rawURL, log: log}
}

func (d *WSDialer) Dial(ctx context.Context, _, token string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL+"?token="+url.QueryEscape(token), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn, log: d.log}, nil
}

type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	log  *zap.Logger
}

func (c *wsConn) ReadEvent() (models.ServerEvent, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		ev, err := models.DecodeServerEvent(data)
		if err != nil {
			// Unknown or malformed frames are skipped, not fatal.
			c.log.Debug("skipping inbound frame", zap.Error(err))
			continue
		}
		return ev, nil
	}
}

func (c *wsConn) WriteJoin(identity string) error {
	frame, err := models.EncodeJoin(identity)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *wsConn) WriteSend(msg models.Message) error {
	frame, err := models.EncodeSend(msg)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *wsConn) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

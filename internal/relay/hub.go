package relay

import (
	"context"
	"sort"
	"time"

	"alumnet-chat/internal/database"
	"alumnet-chat/internal/models"
	"alumnet-chat/pkg/logger"

	"go.uber.org/zap"
)

// inbound is a send frame routed through the hub by the session that read it.
type inbound struct {
	from *Session
	env  models.Envelope
}

// Hub owns every live session, keyed by identity. It broadcasts a full
// presence snapshot on each join/leave and routes direct messages to the
// receiver's sessions plus back to the sender's, so the sender can reconcile
// its optimistic echo against the confirmed copy.
type Hub struct {
	sessions   map[*Session]bool
	byIdentity map[string]map[*Session]bool

	Register   chan *Session
	Unregister chan *Session
	route      chan inbound
	shutdown   chan struct{}

	db database.Database
}

func NewHub(db database.Database) *Hub {
	return &Hub{
		sessions:   make(map[*Session]bool),
		byIdentity: make(map[string]map[*Session]bool),
		Register:   make(chan *Session),
		Unregister: make(chan *Session),
		route:      make(chan inbound),
		shutdown:   make(chan struct{}),
		db:         db,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			for s := range h.sessions {
				close(s.send)
			}
			return

		case s := <-h.Register:
			h.sessions[s] = true
			if h.byIdentity[s.identity] == nil {
				h.byIdentity[s.identity] = make(map[*Session]bool)
			}
			h.byIdentity[s.identity][s] = true
			h.broadcastPresence()
			logger.Log.Info("session joined", zap.String("identity", s.identity))

		case s := <-h.Unregister:
			if _, ok := h.sessions[s]; ok {
				h.drop(s)
				h.broadcastPresence()
				logger.Log.Info("session left", zap.String("identity", s.identity))
			}

		case in := <-h.route:
			h.handleSend(in)
		}
	}
}

func (h *Hub) Shutdown() {
	select {
	case h.shutdown <- struct{}{}:
	default:
	}
}

func (h *Hub) handleSend(in inbound) {
	if in.env.Receiver == "" || in.env.Content == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := h.db.SaveMessage(ctx, in.from.identity, in.env.Receiver, in.env.Content)
	if err != nil {
		logger.Log.Error("error saving message", zap.Error(err))
		return
	}

	msg := rec.ToMessage()
	msg.ClientID = in.env.ClientID

	frame, err := models.EncodeMessage(msg)
	if err != nil {
		logger.Log.Error("error encoding message", zap.Error(err))
		return
	}

	h.deliver(msg.Receiver, frame)
	if msg.Sender != msg.Receiver {
		h.deliver(msg.Sender, frame)
	}
}

// deliver fans a frame out to every session of one identity. A session
// whose send buffer is full is dropped, as a stuck consumer.
func (h *Hub) deliver(identity string, frame []byte) {
	for s := range h.byIdentity[identity] {
		select {
		case s.send <- frame:
		default:
			close(s.send)
			h.drop(s)
		}
	}
}

func (h *Hub) drop(s *Session) {
	delete(h.sessions, s)
	if peers, ok := h.byIdentity[s.identity]; ok {
		delete(peers, s)
		if len(peers) == 0 {
			delete(h.byIdentity, s.identity)
		}
	}
}

func (h *Hub) broadcastPresence() {
	online := make([]string, 0, len(h.byIdentity))
	for identity := range h.byIdentity {
		online = append(online, identity)
	}
	sort.Strings(online)

	frame, err := models.EncodePresence(online)
	if err != nil {
		logger.Log.Error("error encoding presence snapshot", zap.Error(err))
		return
	}

	for s := range h.sessions {
		select {
		case s.send <- frame:
		default:
			close(s.send)
			h.drop(s)
		}
	}
}

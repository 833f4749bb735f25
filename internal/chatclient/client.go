package chatclient

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"alumnet-chat/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnectionStatus is the observable state of the channel connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
)

var (
	ErrNoSession    = errors.New("no active session")
	ErrNotConnected = errors.New("channel not connected")
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
	historyTimeout     = 10 * time.Second
)

// Client owns at most one live channel connection per session and holds the
// presence set, the active conversation and its message buffer. All state is
// guarded by a single mutex; a generation counter fences the dial/read
// goroutines and in-flight history fetches so that a session change can
// never resurrect stale state.
type Client struct {
	dialer  Dialer
	history HistoryFetcher
	log     *zap.Logger
	notify  func()

	backoffBase time.Duration
	backoffMax  time.Duration

	mu       sync.Mutex
	identity string
	token    string
	status   ConnectionStatus
	gen      int
	conn     Conn
	cancel   context.CancelFunc
	closed   bool

	online   map[string]struct{}
	active   string
	buffer   []models.Message
	unread   map[string]int
	fetchSeq int
}

type Option func(*Client)

// WithNotify registers a hook invoked after every observable state change,
// so a chat surface can re-render.
func WithNotify(fn func()) Option {
	return func(c *Client) { c.notify = fn }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.backoffBase = base
		c.backoffMax = max
	}
}

func New(dialer Dialer, history HistoryFetcher, opts ...Option) *Client {
	c := &Client{
		dialer:      dialer,
		history:     history,
		log:         zap.NewNop(),
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		status:      StatusDisconnected,
		online:      make(map[string]struct{}),
		unread:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetSession switches the client to a new identity, or logs out when
// identity is empty. The previous connection is always torn down first and
// all per-session state (presence, buffer, unread, active conversation) is
// reset, so a login following a logout starts clean.
func (c *Client) SetSession(identity, token string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.teardownLocked()
	c.identity = identity
	c.token = token

	if identity == "" {
		c.status = StatusDisconnected
		c.mu.Unlock()
		c.changed()
		return
	}

	c.status = StatusConnecting
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.changed()
	go c.run(ctx, gen, identity, token)
}

// Close releases the connection and stops all background work. The client
// cannot be reused afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.teardownLocked()
	c.identity = ""
	c.token = ""
	c.status = StatusDisconnected
	c.mu.Unlock()
	c.changed()
}

// teardownLocked invalidates the current generation: the run loop, read
// loop and any in-flight history fetch all notice and exit. Per-session
// state is cleared.
func (c *Client) teardownLocked() {
	c.gen++
	c.fetchSeq++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.online = make(map[string]struct{})
	c.unread = make(map[string]int)
	c.buffer = nil
	c.active = ""
}

// run dials, joins and reads until its generation is invalidated. Dropped
// transports are redialed with capped exponential backoff.
func (c *Client) run(ctx context.Context, gen int, identity, token string) {
	bo := newBackoff(c.backoffBase, c.backoffMax)

	for {
		conn, err := c.dialer.Dial(ctx, identity, token)
		if err != nil {
			c.log.Warn("channel dial failed", zap.String("identity", identity), zap.Error(err))
			if !c.setStatus(gen, StatusReconnecting) {
				return
			}
			if !sleepCtx(ctx, bo.Next()) {
				return
			}
			continue
		}

		if err := conn.WriteJoin(identity); err != nil {
			conn.Close()
			c.log.Warn("join announcement failed", zap.Error(err))
			if !c.setStatus(gen, StatusReconnecting) {
				return
			}
			if !sleepCtx(ctx, bo.Next()) {
				return
			}
			continue
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.status = StatusConnected
		c.mu.Unlock()
		c.changed()
		bo.Reset()

		c.readLoop(gen, conn)

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.conn = nil
		c.status = StatusReconnecting
		// The server's view of us is gone until we rejoin.
		c.online = make(map[string]struct{})
		c.mu.Unlock()
		c.changed()

		if !sleepCtx(ctx, bo.Next()) {
			return
		}
	}
}

func (c *Client) readLoop(gen int, conn Conn) {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			conn.Close()
			return
		}
		c.handleEvent(gen, ev)
	}
}

func (c *Client) handleEvent(gen int, ev models.ServerEvent) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	switch e := ev.(type) {
	case models.PresenceSnapshot:
		// Full replace, never a delta.
		online := make(map[string]struct{}, len(e.Online))
		for _, id := range e.Online {
			online[id] = struct{}{}
		}
		c.online = online

	case models.MessageReceived:
		c.acceptMessageLocked(e.Message)
	}
	c.mu.Unlock()
	c.changed()
}

// acceptMessageLocked folds one confirmed message into client state. A copy
// carrying our own correlation id reconciles the optimistic echo in place;
// messages for the active conversation are appended; everything else is
// counted as unread for its peer.
func (c *Client) acceptMessageLocked(msg models.Message) {
	if msg.ClientID != "" && msg.Sender == c.identity {
		for i := range c.buffer {
			if c.buffer[i].ClientID == msg.ClientID {
				c.buffer[i].ID = msg.ID
				c.buffer[i].Timestamp = msg.Timestamp
				c.buffer[i].Status = models.DeliveryConfirmed
				return
			}
		}
	}

	peer := msg.Sender
	if msg.Sender == c.identity {
		peer = msg.Receiver
	}

	if c.active != "" && peer == c.active {
		if !c.buffered(msg) {
			c.buffer = append(c.buffer, msg)
		}
		return
	}

	// Not the open conversation: keep a badge count instead of dropping it.
	if msg.Sender != c.identity {
		c.unread[peer]++
	}
}

func (c *Client) buffered(msg models.Message) bool {
	for i := range c.buffer {
		if msg.ID != "" && c.buffer[i].ID == msg.ID {
			return true
		}
		if msg.ClientID != "" && c.buffer[i].ClientID == msg.ClientID {
			return true
		}
	}
	return false
}

// SelectConversation opens the 1:1 conversation with peer (or closes the
// current one when peer is empty). The buffer is cleared and refilled
// asynchronously from the history service; live events arriving before the
// fetch completes are kept and merged. A fetch whose conversation is no
// longer selected when it resolves is discarded.
func (c *Client) SelectConversation(peer string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.active = peer
	delete(c.unread, peer)
	c.buffer = nil
	c.fetchSeq++
	seq := c.fetchSeq
	identity := c.identity
	token := c.token
	c.mu.Unlock()
	c.changed()

	if peer == "" || identity == "" {
		return
	}
	go c.fetchHistory(seq, peer, token)
}

func (c *Client) fetchHistory(seq int, peer, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	msgs, err := c.history.Fetch(ctx, token, peer)
	if err != nil {
		c.log.Error("failed to fetch messages", zap.String("peer", peer), zap.Error(err))
		return
	}

	c.mu.Lock()
	if seq != c.fetchSeq || peer != c.active {
		// Selection moved on while the fetch was in flight.
		c.mu.Unlock()
		return
	}

	merged := make([]models.Message, len(msgs), len(msgs)+len(c.buffer))
	copy(merged, msgs)

	seen := make(map[string]struct{}, 2*len(msgs))
	for i := range msgs {
		if msgs[i].ID != "" {
			seen[msgs[i].ID] = struct{}{}
		}
		if msgs[i].ClientID != "" {
			seen[msgs[i].ClientID] = struct{}{}
		}
	}

	// Live messages that raced the fetch go after the history.
	for _, m := range c.buffer {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		if m.ClientID != "" {
			if _, dup := seen[m.ClientID]; dup {
				continue
			}
		}
		merged = append(merged, m)
	}

	c.buffer = merged
	c.mu.Unlock()
	c.changed()
}

// Send emits a message to peer and, when peer is the active conversation,
// appends the optimistic echo to the buffer. The returned message carries
// DeliveryPending when the frame went out and DeliveryFailed when there was
// no usable connection; the pending copy flips to confirmed once the server
// echoes its correlation id back.
func (c *Client) Send(peer, content string) (models.Message, error) {
	c.mu.Lock()
	if c.closed || c.identity == "" {
		c.mu.Unlock()
		return models.Message{}, ErrNoSession
	}

	msg := models.Message{
		ClientID:  uuid.NewString(),
		Sender:    c.identity,
		Receiver:  peer,
		Content:   content,
		IsRead:    false,
		Timestamp: time.Now().UnixMilli(),
		Status:    models.DeliveryPending,
	}
	msg.ID = msg.ClientID

	gen := c.gen
	conn := c.conn
	connected := c.status == StatusConnected

	// The echo goes in before the write so a fast server confirmation
	// always finds it to reconcile against.
	echoed := c.active == peer
	if echoed {
		c.buffer = append(c.buffer, msg)
	}
	c.mu.Unlock()
	c.changed()

	sendErr := ErrNotConnected
	if connected && conn != nil {
		sendErr = conn.WriteSend(msg)
	}
	if sendErr == nil {
		return msg, nil
	}

	msg.Status = models.DeliveryFailed
	c.mu.Lock()
	if gen == c.gen && echoed {
		for i := range c.buffer {
			if c.buffer[i].ClientID == msg.ClientID {
				c.buffer[i].Status = models.DeliveryFailed
			}
		}
	}
	c.mu.Unlock()
	c.changed()

	return msg, sendErr
}

// ListOnlineOthers returns the online identities excluding the local one,
// sorted. The snapshot from the server may or may not include self, so the
// filter is applied here regardless.
func (c *Client) ListOnlineOthers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	others := make([]string, 0, len(c.online))
	for id := range c.online {
		if id != c.identity {
			others = append(others, id)
		}
	}
	sort.Strings(others)
	return others
}

func (c *Client) ActiveConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Buffer returns a copy of the active conversation's messages in append
// order.
func (c *Client) Buffer() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.buffer))
	copy(out, c.buffer)
	return out
}

// UnreadCounts reports, per peer, how many messages arrived for
// conversations other than the active one.
func (c *Client) UnreadCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.unread))
	for peer, n := range c.unread {
		out[peer] = n
	}
	return out
}

func (c *Client) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// setStatus reports whether the generation is still current.
func (c *Client) setStatus(gen int, status ConnectionStatus) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.status = status
	c.mu.Unlock()
	c.changed()
	return true
}

func (c *Client) changed() {
	if c.notify != nil {
		c.notify()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

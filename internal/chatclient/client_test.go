package chatclient

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"alumnet-chat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// fakeConn is a scriptable channel connection. Events pushed to the events
// channel are delivered to the client's read loop; writes are recorded.
type fakeConn struct {
	mu     sync.Mutex
	events chan models.ServerEvent
	joins  []string
	sent   []models.Message
	closed bool
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan models.ServerEvent, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadEvent() (models.ServerEvent, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-f.done:
		return nil, io.EOF
	}
}

func (f *fakeConn) WriteJoin(identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return io.ErrClosedPipe
	}
	f.joins = append(f.joins, identity)
	return nil
}

func (f *fakeConn) WriteSend(msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return io.ErrClosedPipe
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) sentMessages() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeDialer hands out fakeConns and can be told to fail the first N dials.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failures int
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context, identity, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) openConns() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	var open []*fakeConn
	for _, c := range d.conns {
		if !c.isClosed() {
			open = append(open, c)
		}
	}
	return open
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeHistory serves canned history per peer; an optional gate holds each
// fetch until released.
type fakeHistory struct {
	mu      sync.Mutex
	byPeer  map[string][]models.Message
	gate    chan struct{}
	err     error
	fetches int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{byPeer: map[string][]models.Message{}}
}

func (h *fakeHistory) Fetch(ctx context.Context, token, peer string) ([]models.Message, error) {
	h.mu.Lock()
	gate := h.gate
	h.fetches++
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	msgs := make([]models.Message, len(h.byPeer[peer]))
	copy(msgs, h.byPeer[peer])
	return msgs, nil
}

func newTestClient(t *testing.T, dialer Dialer, hist HistoryFetcher) *Client {
	t.Helper()
	c := New(dialer, hist, WithBackoff(5*time.Millisecond, 20*time.Millisecond))
	t.Cleanup(c.Close)
	return c
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Status() == StatusConnected
	}, waitFor, time.Millisecond)
}

func historyMsg(id, sender, receiver, content string, ts int64) models.Message {
	return models.Message{
		ID: id, Sender: sender, Receiver: receiver, Content: content,
		Timestamp: ts, Status: models.DeliveryConfirmed,
	}
}

func TestConnectAnnouncesIdentity(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, newFakeHistory())

	c.SetSession("u1", "tok")
	waitConnected(t, c)

	conn := dialer.latest()
	require.NotNil(t, conn)
	assert.Equal(t, []string{"u1"}, conn.joins)
}

func TestAtMostOneOpenConnection(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, newFakeHistory())

	c.SetSession("u1", "t1")
	waitConnected(t, c)
	c.SetSession("u2", "t2")
	waitConnected(t, c)
	c.SetSession("u3", "t3")
	waitConnected(t, c)

	require.Eventually(t, func() bool {
		return len(dialer.openConns()) == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, "u3", c.Identity())
}

func TestLogoutDisconnects(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, newFakeHistory())

	c.SetSession("u1", "t1")
	waitConnected(t, c)

	c.SetSession("", "")
	assert.Equal(t, StatusDisconnected, c.Status())
	require.Eventually(t, func() bool {
		return len(dialer.openConns()) == 0
	}, waitFor, time.Millisecond)
}

func TestPresenceSnapshotIsWholesaleReplace(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, newFakeHistory())

	c.SetSession("me", "tok")
	waitConnected(t, c)
	conn := dialer.latest()

	conn.events <- models.PresenceSnapshot{Online: []string{"a", "b", "me"}}
	require.Eventually(t, func() bool {
		return len(c.ListOnlineOthers()) == 2
	}, waitFor, time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, c.ListOnlineOthers())

	conn.events <- models.PresenceSnapshot{Online: []string{"c"}}
	require.Eventually(t, func() bool {
		others := c.ListOnlineOthers()
		return len(others) == 1 && others[0] == "c"
	}, waitFor, time.Millisecond)
}

func TestSendEchoesToActiveConversation(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, newFakeHistory())

	c.SetSession("me", "tok")
	waitConnected(t, c)
	c.SelectConversation("peer")

	before := time.Now().UnixMilli()
	msg, err := c.Send("peer", "hello there")
	require.NoError(t, err)

	buf := c.Buffer()
	require.Len(t, buf, 1)
	assert.Equal(t, "hello there", buf[0].Content)
	assert.False(t, buf[0].IsRead)
	assert.GreaterOrEqual(t, buf[0].Timestamp, before)
	assert.Equal(t, models.DeliveryPending, buf[0].Status)
	assert.Equal(t, msg.ClientID, buf[0].ClientID)

	sent := dialer.latest().sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "me", sent[0].Sender)
	assert.Equal(t, "peer", sent[0].Receiver)
}

func TestSendToOtherPeerLeavesBufferAlone(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, newFakeHistory())

	c.SetSession("me", "tok")
	waitConnected(t, c)
	c.SelectConversation("alice")

	_, err := c.Send("bob", "psst")
	require.NoError(t, err)
	assert.Empty(t, c.Buffer())
}

func TestSendWithoutConnectionFails(t *testing.T) {
	dialer := &fakeDialer{failures: 1 << 20}
	c := newTestClient(t, dialer, newFakeHistory())

	c.SetSession("me", "tok")
	c.SelectConversation("peer")

	msg, err := c.Send("peer", "into the void")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, models.DeliveryFailed, msg.Status)

	// The echo still renders, but marked failed rather than lying.
	buf := c.Buffer()
	require.Len(t, buf, 1)
	assert.Equal(t, models.DeliveryFailed, buf[0].Status)
}

func TestSendWithoutSession(t *testing.T) {
	c := newTestClient(t, &fakeDialer{}, newFakeHistory())
	_, err := c.Send("peer", "hi")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestInboundForActiveConversationAppends(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, newFakeHistory())

	c.SetSession("me", "tok")
	waitConnected(t, c)
	c.SelectConversation("peer")

	dialer.latest().events <- models.MessageReceived{
		Message: historyMsg("m1", "peer", "me", "hi", 100),
	}

	require.Eventually(t, func() bool {
		return len(c.Buffer()) == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, "hi", c.Buffer()[0].Content)
}

func TestInboundForOtherConversationGoesUnread(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, newFakeHistory())

	c.SetSession("me", "tok")
	waitConnected(t, c)
	c.SelectConversation("alice")

	dialer.latest().events <- models.MessageReceived{
		Message: historyMsg("m1", "bob", "me", "hey", 100),
	}

	require.Eventually(t, func() bool {
		return c.UnreadCounts()["bob"] == 1
	}, waitFor, time.Millisecond)
	// The active buffer must not be touched.
	assert.Empty(t, c.Buffer())
	assert.Equal(t, "alice", c.ActiveConversation())
}

func TestSelectingConversationClearsItsUnread(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, newFakeHistory())

	c.SetSession("me", "tok")
	waitConnected(t, c)
	c.SelectConversation("alice")

	dialer.latest().events <- models.MessageReceived{
		Message: historyMsg("m1", "bob", "me", "hey", 100),
	}
	require.Eventually(t, func() bool {
		return c.UnreadCounts()["bob"] == 1
	}, waitFor, time.Millisecond)

	c.SelectConversation("bob")
	assert.Zero(t, c.UnreadCounts()["bob"])
}

func TestEchoConfirmationDoesNotDuplicate(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, newFakeHistory())

	c.SetSession("me", "tok")
	waitConnected(t, c)
	c.SelectConversation("peer")

	msg, err := c.Send("peer", "hello")
	require.NoError(t, err)

	confirmed := historyMsg("srv-1", "me", "peer", "hello", 12345)
	confirmed.ClientID = msg.ClientID
	dialer.latest().events <- models.MessageReceived{Message: confirmed}

	require.Eventually(t, func() bool {
		buf := c.Buffer()
		return len(buf) == 1 && buf[0].Status == models.DeliveryConfirmed
	}, waitFor, time.Millisecond)

	buf := c.Buffer()
	assert.Equal(t, "srv-1", buf[0].ID)
	assert.Equal(t, int64(12345), buf[0].Timestamp)
}

func TestHistoryReplacesBuffer(t *testing.T) {
	dialer := &fakeDialer{}
	hist := newFakeHistory()
	hist.byPeer["peer"] = []models.Message{
		historyMsg("m1", "peer", "me", "first", 100),
		historyMsg("m2", "me", "peer", "second", 200),
	}
	c := newTestClient(t, dialer, hist)

	c.SetSession("me", "tok")
	waitConnected(t, c)
	c.SelectConversation("peer")

	require.Eventually(t, func() bool {
		return len(c.Buffer()) == 2
	}, waitFor, time.Millisecond)

	buf := c.Buffer()
	assert.Equal(t, "m1", buf[0].ID)
	assert.Equal(t, "m2", buf[1].ID)
}

func TestStaleHistoryFetchIsDiscarded(t *testing.T) {
	dialer := &fakeDialer{}
	hist := newFakeHistory()
	gate := make(chan struct{})
	hist.gate = gate
	hist.byPeer["alice"] = []models.Message{historyMsg("a1", "alice", "me", "old", 100)}
	hist.byPeer["bob"] = []models.Message{historyMsg("b1", "bob", "me", "new", 200)}
	c := newTestClient(t, dialer, hist)

	c.SetSession("me", "tok")
	waitConnected(t, c)

	c.SelectConversation("alice")
	c.SelectConversation("bob")
	close(gate)

	require.Eventually(t, func() bool {
		buf := c.Buffer()
		return len(buf) == 1 && buf[0].ID == "b1"
	}, waitFor, time.Millisecond)

	// The late alice response must never overwrite bob's buffer.
	time.Sleep(20 * time.Millisecond)
	buf := c.Buffer()
	require.Len(t, buf, 1)
	assert.Equal(t, "b1", buf[0].ID)
}

func TestLiveMessagesSurviveHistoryMerge(t *testing.T) {
	dialer := &fakeDialer{}
	hist := newFakeHistory()
	gate := make(chan struct{})
	hist.gate = gate
	hist.byPeer["peer"] = []models.Message{
		historyMsg("m1", "peer", "me", "first", 100),
		historyMsg("m2", "peer", "me", "second", 200),
	}
	c := newTestClient(t, dialer, hist)

	c.SetSession("me", "tok")
	waitConnected(t, c)
	c.SelectConversation("peer")

	// A live event lands while the history fetch is still in flight.
	dialer.latest().events <- models.MessageReceived{
		Message: historyMsg("m3", "peer", "me", "live", 300),
	}
	require.Eventually(t, func() bool {
		return len(c.Buffer()) == 1
	}, waitFor, time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool {
		return len(c.Buffer()) == 3
	}, waitFor, time.Millisecond)

	buf := c.Buffer()
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{buf[0].ID, buf[1].ID, buf[2].ID})
}

func TestHistoryMergeDoesNotDuplicate(t *testing.T) {
	dialer := &fakeDialer{}
	hist := newFakeHistory()
	gate := make(chan struct{})
	hist.gate = gate
	hist.byPeer["peer"] = []models.Message{
		historyMsg("m1", "peer", "me", "hello", 100),
	}
	c := newTestClient(t, dialer, hist)

	c.SetSession("me", "tok")
	waitConnected(t, c)
	c.SelectConversation("peer")

	// The same message also arrives live before the fetch resolves.
	dialer.latest().events <- models.MessageReceived{
		Message: historyMsg("m1", "peer", "me", "hello", 100),
	}
	require.Eventually(t, func() bool {
		return len(c.Buffer()) == 1
	}, waitFor, time.Millisecond)

	close(gate)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.Buffer(), 1)
}

func TestHistoryFailureLeavesBufferUntouched(t *testing.T) {
	dialer := &fakeDialer{}
	hist := newFakeHistory()
	hist.err = errors.New("history service down")
	c := newTestClient(t, dialer, hist)

	c.SetSession("me", "tok")
	waitConnected(t, c)
	c.SelectConversation("peer")

	dialer.latest().events <- models.MessageReceived{
		Message: historyMsg("m1", "peer", "me", "live", 100),
	}
	require.Eventually(t, func() bool {
		return len(c.Buffer()) == 1
	}, waitFor, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.Buffer(), 1)
}

func TestLogoutThenNewLoginStartsClean(t *testing.T) {
	dialer := &fakeDialer{}
	hist := newFakeHistory()
	hist.byPeer["u42"] = []models.Message{
		historyMsg("m1", "u42", "me", "one", 1),
		historyMsg("m2", "me", "u42", "two", 2),
		historyMsg("m3", "u42", "me", "three", 3),
	}
	c := newTestClient(t, dialer, hist)

	c.SetSession("me", "tok")
	waitConnected(t, c)
	c.SelectConversation("u42")
	require.Eventually(t, func() bool {
		return len(c.Buffer()) == 3
	}, waitFor, time.Millisecond)

	c.SetSession("", "")
	assert.Equal(t, StatusDisconnected, c.Status())

	c.SetSession("someone-else", "tok2")
	waitConnected(t, c)
	assert.Empty(t, c.Buffer())
	assert.Equal(t, "", c.ActiveConversation())
	assert.Empty(t, c.ListOnlineOthers())
	assert.Empty(t, c.UnreadCounts())
}

func TestReconnectAfterDialFailures(t *testing.T) {
	dialer := &fakeDialer{failures: 2}
	c := newTestClient(t, dialer, newFakeHistory())

	c.SetSession("me", "tok")
	waitConnected(t, c)
	assert.GreaterOrEqual(t, dialer.dialCount(), 3)
}

func TestReconnectAfterConnectionDrop(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, newFakeHistory())

	c.SetSession("me", "tok")
	waitConnected(t, c)

	first := dialer.latest()
	first.events <- models.PresenceSnapshot{Online: []string{"a"}}
	require.Eventually(t, func() bool {
		return len(c.ListOnlineOthers()) == 1
	}, waitFor, time.Millisecond)

	// Server drops us: presence clears and the client redials.
	first.Close()

	require.Eventually(t, func() bool {
		return c.Status() == StatusConnected && dialer.latest() != first
	}, waitFor, time.Millisecond)
	assert.Empty(t, c.ListOnlineOthers())
}

func TestCloseStopsEverything(t *testing.T) {
	dialer := &fakeDialer{}
	c := New(dialer, newFakeHistory(), WithBackoff(time.Millisecond, 2*time.Millisecond))

	c.SetSession("me", "tok")
	require.Eventually(t, func() bool {
		return c.Status() == StatusConnected
	}, waitFor, time.Millisecond)

	c.Close()
	assert.Equal(t, StatusDisconnected, c.Status())
	require.Eventually(t, func() bool {
		return len(dialer.openConns()) == 0
	}, waitFor, time.Millisecond)

	// No-ops after close.
	c.SetSession("me", "tok")
	assert.Equal(t, StatusDisconnected, c.Status())
}

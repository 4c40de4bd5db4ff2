package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmicchat/internal/model"
	"github.com/cosmicchat/internal/router"
)

type mockCommander struct {
	SendFunc      func(ctx context.Context, senderID string, conv model.ConversationRef, body string) (*model.Message, error)
	MarkReadFunc  func(ctx context.Context, readerID string, conv model.ConversationRef, uptoID string) error
	SetTypingFunc func(senderID string, conv model.ConversationRef)
	AuthorizeFunc func(ctx context.Context, userID string, conv model.ConversationRef) error
}

func (m *mockCommander) Send(ctx context.Context, senderID string, conv model.ConversationRef, body string) (*model.Message, error) {
	if m.SendFunc != nil {
		return m.SendFunc(ctx, senderID, conv, body)
	}
	return &model.Message{}, nil
}

func (m *mockCommander) MarkRead(ctx context.Context, readerID string, conv model.ConversationRef, uptoID string) error {
	if m.MarkReadFunc != nil {
		return m.MarkReadFunc(ctx, readerID, conv, uptoID)
	}
	return nil
}

func (m *mockCommander) SetTyping(senderID string, conv model.ConversationRef) {
	if m.SetTypingFunc != nil {
		m.SetTypingFunc(senderID, conv)
	}
}

func (m *mockCommander) Authorize(ctx context.Context, userID string, conv model.ConversationRef) error {
	if m.AuthorizeFunc != nil {
		return m.AuthorizeFunc(ctx, userID, conv)
	}
	return nil
}

type mockPresence struct {
	mu    sync.Mutex
	ups   []string
	downs []string
}

func (m *mockPresence) ConnUp(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ups = append(m.ups, userID)
}

func (m *mockPresence) ConnDown(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downs = append(m.downs, userID)
}

// testClient builds a registry-only client with no network connection. The
// pumps are never started, so nothing touches conn.
func testClient(h *Hub, userID string) *Client {
	return &Client{
		hub:    h,
		send:   make(chan model.Event, 8),
		userID: userID,
		done:   make(chan struct{}),
	}
}

func drain(c *Client) []model.Event {
	var out []model.Event
	for {
		select {
		case ev := <-c.send:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestAddClientNotifiesPresencePerConnection(t *testing.T) {
	pres := &mockPresence{}
	h := NewHub(pres, 10, 8)
	h.Bind(&mockCommander{})

	c1 := testClient(h, "u1")
	c2 := testClient(h, "u1")
	h.addClient(c1)
	h.addClient(c2)

	pres.mu.Lock()
	assert.Equal(t, []string{"u1", "u1"}, pres.ups)
	pres.mu.Unlock()
}

// A connection whose pumps die right after connecting queues its unregister
// straight behind its register. The registry must process them in that
// order: the client ends up removed and presence sees a matching down.
func TestImmediateDisconnectNeverStrandsClient(t *testing.T) {
	pres := &mockPresence{}
	h := NewHub(pres, 10, 8)
	h.Bind(&mockCommander{})

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	c := testClient(h, "alice")
	h.Register(c)
	h.Unregister(c)

	require.Eventually(t, func() bool {
		// Wait for the unregister to be processed (ConnDown fires after
		// removeClient); otherwise the initial empty registry satisfies the
		// presence-free part of the condition before Run has run at all.
		pres.mu.Lock()
		processed := len(pres.downs) == 1
		pres.mu.Unlock()
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, present := h.clients["alice"]
		return processed && !present && h.total == 0
	}, time.Second, 5*time.Millisecond)

	pres.mu.Lock()
	assert.Equal(t, []string{"alice"}, pres.ups)
	assert.Equal(t, []string{"alice"}, pres.downs)
	pres.mu.Unlock()

	cancel()
	<-h.done
}

func TestSubscribeGatesOnAuthorize(t *testing.T) {
	cmd := &mockCommander{
		AuthorizeFunc: func(_ context.Context, userID string, conv model.ConversationRef) error {
			if userID == "outsider" {
				return router.ErrNotAMember
			}
			return nil
		},
	}
	h := NewHub(&mockPresence{}, 10, 8)
	h.Bind(cmd)

	member := testClient(h, "member")
	outsider := testClient(h, "outsider")
	h.addClient(member)
	h.addClient(outsider)

	ctx := context.Background()
	h.HandleCommand(ctx, member, IncomingCommand{Type: CmdSubscribe, Conversation: "room:r1"})
	h.HandleCommand(ctx, outsider, IncomingCommand{Type: CmdSubscribe, Conversation: "room:r1"})

	// The outsider got an error event instead of a subscription.
	evs := drain(outsider)
	require.Len(t, evs, 1)
	require.Equal(t, model.EventError, evs[0].Type)
	assert.Equal(t, "not_a_member", evs[0].Payload.(model.ErrorPayload).Code)

	h.DeliverToConversation("room:r1", model.Event{Type: model.EventMessageNew})
	assert.Len(t, drain(member), 1)
	assert.Empty(t, drain(outsider))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(&mockPresence{}, 10, 8)
	h.Bind(&mockCommander{})

	c := testClient(h, "u1")
	h.addClient(c)

	ctx := context.Background()
	h.HandleCommand(ctx, c, IncomingCommand{Type: CmdSubscribe, Conversation: "room:r1"})
	h.DeliverToConversation("room:r1", model.Event{Type: model.EventMessageNew})
	require.Len(t, drain(c), 1)

	h.HandleCommand(ctx, c, IncomingCommand{Type: CmdUnsubscribe, Conversation: "room:r1"})
	h.DeliverToConversation("room:r1", model.Event{Type: model.EventMessageNew})
	assert.Empty(t, drain(c))
}

func TestDeliverToUsersReachesEveryConnection(t *testing.T) {
	h := NewHub(&mockPresence{}, 10, 8)
	h.Bind(&mockCommander{})

	tab1 := testClient(h, "u1")
	tab2 := testClient(h, "u1")
	other := testClient(h, "u2")
	h.addClient(tab1)
	h.addClient(tab2)
	h.addClient(other)

	h.DeliverToUsers([]string{"u1"}, model.Event{Type: model.EventPresenceChanged})

	assert.Len(t, drain(tab1), 1)
	assert.Len(t, drain(tab2), 1)
	assert.Empty(t, drain(other))
}

func TestBroadcastReachesEveryone(t *testing.T) {
	h := NewHub(&mockPresence{}, 10, 8)
	h.Bind(&mockCommander{})

	c1 := testClient(h, "u1")
	c2 := testClient(h, "u2")
	h.addClient(c1)
	h.addClient(c2)

	h.Broadcast(model.Event{Type: model.EventRoomCreated})

	assert.Len(t, drain(c1), 1)
	assert.Len(t, drain(c2), 1)
}

func TestHandleCommandBadConversation(t *testing.T) {
	h := NewHub(&mockPresence{}, 10, 8)
	h.Bind(&mockCommander{})

	c := testClient(h, "u1")
	h.addClient(c)

	h.HandleCommand(context.Background(), c, IncomingCommand{Type: CmdSendMessage, Conversation: "dm:u1:u1"})

	evs := drain(c)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventError, evs[0].Type)
	assert.Equal(t, "invalid_input", evs[0].Payload.(model.ErrorPayload).Code)
}

func TestHandleCommandSendErrorMapping(t *testing.T) {
	cmd := &mockCommander{
		SendFunc: func(context.Context, string, model.ConversationRef, string) (*model.Message, error) {
			return nil, router.ErrNotAMember
		},
	}
	h := NewHub(&mockPresence{}, 10, 8)
	h.Bind(cmd)

	c := testClient(h, "u1")
	h.addClient(c)

	h.HandleCommand(context.Background(), c, IncomingCommand{Type: CmdSendMessage, Conversation: "room:r1", Body: "x"})

	evs := drain(c)
	require.Len(t, evs, 1)
	assert.Equal(t, "not_a_member", evs[0].Payload.(model.ErrorPayload).Code)
}

func TestHandleCommandTypingIsForwarded(t *testing.T) {
	var got model.ConversationRef
	var gotUser string
	cmd := &mockCommander{
		SetTypingFunc: func(senderID string, conv model.ConversationRef) {
			gotUser = senderID
			got = conv
		},
	}
	h := NewHub(&mockPresence{}, 10, 8)
	h.Bind(cmd)

	c := testClient(h, "u1")
	h.addClient(c)

	h.HandleCommand(context.Background(), c, IncomingCommand{Type: CmdSetTyping, Conversation: "room:r1"})

	assert.Equal(t, "u1", gotUser)
	assert.Equal(t, model.RoomRef("r1"), got)
	assert.Empty(t, drain(c), "typing never echoes an ack")
}

func TestHandleCommandUnknownType(t *testing.T) {
	h := NewHub(&mockPresence{}, 10, 8)
	h.Bind(&mockCommander{})

	c := testClient(h, "u1")
	h.addClient(c)

	h.HandleCommand(context.Background(), c, IncomingCommand{Type: "replay_all", Conversation: "room:r1"})

	evs := drain(c)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventError, evs[0].Type)
}

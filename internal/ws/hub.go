package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cosmicchat/internal/logger"
	"github.com/cosmicchat/internal/model"
	"github.com/cosmicchat/internal/repository"
	"github.com/cosmicchat/internal/router"
)

// Commander handles client commands. Implemented by router.Router; kept as
// an interface so hub tests can drive the dispatch path with a fake.
type Commander interface {
	Send(ctx context.Context, senderID string, conv model.ConversationRef, body string) (*model.Message, error)
	MarkRead(ctx context.Context, readerID string, conv model.ConversationRef, uptoID string) error
	SetTyping(senderID string, conv model.ConversationRef)
	Authorize(ctx context.Context, userID string, conv model.ConversationRef) error
}

// Presence receives per-connection up/down transitions and does its own
// reference counting.
type Presence interface {
	ConnUp(userID string)
	ConnDown(userID string)
}

// Hub owns every live connection. It tracks which connections belong to
// which user and which conversations each connection is interested in, and
// it is the delivery side of the push fan-out.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	// subs maps a conversation key to the interested connections; clientSubs
	// is the reverse index used on disconnect.
	subs       map[string]map[*Client]struct{}
	clientSubs map[*Client]map[string]struct{}
	total      int

	maxConns int
	sendBuf  int
	presence Presence
	cmd      Commander

	// events carries register and unregister in one FIFO channel. A single
	// ordered stream means a connection that dies right after connecting
	// still has its registration processed before its unregistration, so no
	// dead client is ever left installed.
	events chan registryEvent
	done   chan struct{}
}

type registryEvent struct {
	client *Client
	add    bool
}

func NewHub(presence Presence, maxConns, sendBuf int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	if sendBuf <= 0 {
		sendBuf = 256
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		subs:       make(map[string]map[*Client]struct{}),
		clientSubs: make(map[*Client]map[string]struct{}),
		maxConns:   maxConns,
		sendBuf:    sendBuf,
		presence:   presence,
		events:     make(chan registryEvent, 128),
		done:       make(chan struct{}),
	}
}

// Bind attaches the command handler. Must happen before the first
// connection is registered; the hub and the router reference each other, so
// one side has to be wired after construction.
func (h *Hub) Bind(cmd Commander) {
	h.cmd = cmd
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case ev := <-h.events:
			if ev.add {
				h.addClient(ev.client)
			} else {
				h.removeClient(ev.client)
			}
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.subs = make(map[string]map[*Client]struct{})
	h.clientSubs = make(map[*Client]map[string]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.clientSubs[c] = make(map[string]struct{})
	h.total++
	h.mu.Unlock()

	if h.presence != nil {
		h.presence.ConnUp(c.userID)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	for key := range h.clientSubs[c] {
		delete(h.subs[key], c)
		if len(h.subs[key]) == 0 {
			delete(h.subs, key)
		}
	}
	delete(h.clientSubs, c)
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if h.presence != nil {
		h.presence.ConnDown(c.userID)
	}
}

// HandleCommand dispatches one incoming client command.
func (h *Hub) HandleCommand(ctx context.Context, c *Client, cmd IncomingCommand) {
	conv, err := model.ParseConversationRef(cmd.Conversation)
	if err != nil {
		h.sendError(c, "invalid_input", "bad conversation reference")
		return
	}

	switch cmd.Type {
	case CmdSendMessage:
		h.handleSend(ctx, c, conv, cmd.Body)
	case CmdSetTyping:
		h.cmd.SetTyping(c.userID, conv)
	case CmdMarkRead:
		h.handleMarkRead(ctx, c, conv, cmd.MessageID)
	case CmdSubscribe:
		h.handleSubscribe(ctx, c, conv)
	case CmdUnsubscribe:
		h.unsubscribe(c, conv.Key())
	default:
		h.sendError(c, "invalid_input", "unknown command type")
	}
}

func (h *Hub) handleSend(ctx context.Context, c *Client, conv model.ConversationRef, body string) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := h.cmd.Send(ctx, c.userID, conv, body); err != nil {
		h.sendError(c, errorCode(err), err.Error())
	}
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, conv model.ConversationRef, uptoID string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.cmd.MarkRead(ctx, c.userID, conv, uptoID); err != nil {
		h.sendError(c, errorCode(err), err.Error())
	}
}

// handleSubscribe gates room interest on membership. Direct conversations
// need no subscription (delivery targets the pair's users directly) but a
// subscribe for one is accepted when the caller is part of the pair.
func (h *Hub) handleSubscribe(ctx context.Context, c *Client, conv model.ConversationRef) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.cmd.Authorize(ctx, c.userID, conv); err != nil {
		h.sendError(c, errorCode(err), err.Error())
		return
	}

	key := conv.Key()
	h.mu.Lock()
	if _, registered := h.clientSubs[c]; registered {
		if _, ok := h.subs[key]; !ok {
			h.subs[key] = make(map[*Client]struct{})
		}
		h.subs[key][c] = struct{}{}
		h.clientSubs[c][key] = struct{}{}
	}
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(c *Client, key string) {
	h.mu.Lock()
	if set, ok := h.subs[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, key)
		}
	}
	if set, ok := h.clientSubs[c]; ok {
		delete(set, key)
	}
	h.mu.Unlock()
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, router.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, router.ErrNotAMember):
		return "not_a_member"
	case errors.Is(err, repository.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

func (h *Hub) sendError(c *Client, code, message string) {
	h.sendToClient(c, model.Event{Type: model.EventError, Payload: model.ErrorPayload{
		Code:    code,
		Message: message,
	}})
}

// DeliverToConversation delivers to every connection subscribed to the
// conversation key.
func (h *Hub) DeliverToConversation(conversationKey string, ev model.Event) {
	h.mu.RLock()
	set, ok := h.subs[conversationKey]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

// DeliverToUsers delivers to every connection of each listed user.
func (h *Hub) DeliverToUsers(userIDs []string, ev model.Event) {
	for _, uid := range userIDs {
		h.sendToUser(uid, ev)
	}
}

// Broadcast delivers to every live connection.
func (h *Hub) Broadcast(ev model.Event) {
	h.mu.RLock()
	targets := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

func (h *Hub) sendToUser(userID string, ev model.Event) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

func (h *Hub) sendToClient(c *Client, ev model.Event) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client. The client
		// catches up over history after reconnect.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

// Register must be called before the client's pumps start. That keeps the
// event stream ordered: the pump exit's Unregister always lands behind the
// Register it matches.
func (h *Hub) Register(c *Client) {
	select {
	case h.events <- registryEvent{client: c, add: true}:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.events <- registryEvent{client: c, add: false}:
	case <-h.done:
	}
}

// Package router is the orchestration core: it validates client commands,
// applies them against the conversation store and room directory, and fans
// committed events out through the gateway. All mutating operations on one
// conversation are serialized here, which is what gives every observer the
// same per-conversation message order.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/cosmicchat/internal/logger"
	"github.com/cosmicchat/internal/model"
	"github.com/cosmicchat/internal/typing"
)

// ConversationStore is the durable, ordered message log.
type ConversationStore interface {
	Append(ctx context.Context, m *model.Message) error
	History(ctx context.Context, conversation, cursorID string, limit int) ([]model.Message, error)
	MarkRead(ctx context.Context, conversation, readerID, uptoID string, at time.Time) ([]string, error)
	UnreadCount(ctx context.Context, conversation, userID string) (int, error)
	DMPeerIDs(ctx context.Context, userID string) ([]string, error)
}

// RoomDirectory holds room metadata and the membership relation.
type RoomDirectory interface {
	Create(ctx context.Context, room *model.Room) error
	Get(ctx context.Context, id string) (*model.Room, error)
	List(ctx context.Context) ([]model.Room, error)
	AddMember(ctx context.Context, roomID, userID string, at time.Time) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	MemberIDs(ctx context.Context, roomID string) ([]string, error)
	RoomIDsOf(ctx context.Context, userID string) ([]string, error)
}

// UserLookup resolves user ids for validation and payload enrichment.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// Gateway is the push boundary. Delivery is per-connection, independent and
// non-blocking: the router never learns about (nor waits for) a slow or
// dead connection; those fall back to history catch-up.
type Gateway interface {
	// DeliverToConversation delivers to every connection subscribed to the
	// conversation key.
	DeliverToConversation(conversationKey string, ev model.Event)
	// DeliverToUsers delivers to every connection of each listed user.
	DeliverToUsers(userIDs []string, ev model.Event)
	// Broadcast delivers to every live connection.
	Broadcast(ev model.Event)
}

type Router struct {
	msgs    ConversationStore
	rooms   RoomDirectory
	users   UserLookup
	typing  *typing.Coordinator
	gateway Gateway

	// Per-conversation mutexes. Entries are kept for the process lifetime;
	// the set is bounded by the number of active conversations.
	lmu   sync.Mutex
	locks map[string]*sync.Mutex

	historyLimitMax int
}

func New(msgs ConversationStore, rooms RoomDirectory, users UserLookup, typingCoord *typing.Coordinator, gateway Gateway) *Router {
	r := &Router{
		msgs:            msgs,
		rooms:           rooms,
		users:           users,
		typing:          typingCoord,
		gateway:         gateway,
		locks:           make(map[string]*sync.Mutex),
		historyLimitMax: 100,
	}
	if typingCoord != nil {
		typingCoord.SetNotify(r.broadcastTyping)
	}
	return r
}

func (r *Router) lockConversation(key string) func() {
	r.lmu.Lock()
	m, ok := r.locks[key]
	if !ok {
		m = &sync.Mutex{}
		r.locks[key] = m
	}
	r.lmu.Unlock()
	m.Lock()
	return m.Unlock
}

// Authorize reports whether the user may read or post in the conversation:
// room membership for rooms, being one of the pair for direct messages.
func (r *Router) Authorize(ctx context.Context, userID string, conv model.ConversationRef) error {
	if conv.Kind == model.ConversationDirect {
		if !conv.Includes(userID) {
			return ErrNotAMember
		}
		return nil
	}
	if _, err := r.rooms.Get(ctx, conv.RoomID); err != nil {
		return err
	}
	ok, err := r.rooms.IsMember(ctx, conv.RoomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAMember
	}
	return nil
}

// Send validates, appends and fans out one message. On a validation error
// nothing is stored and nothing is broadcast. The append and the fan-out
// run under the conversation lock, so recipients observe messages in
// append order; per-connection delivery inside the gateway is buffered and
// never blocks the lock on a slow client.
func (r *Router) Send(ctx context.Context, senderID string, conv model.ConversationRef, body string) (*model.Message, error) {
	defer logger.DeferLogDuration("router.Send", time.Now())()

	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidInput)
	}
	if err := r.Authorize(ctx, senderID, conv); err != nil {
		return nil, err
	}
	if conv.Kind == model.ConversationDirect {
		// The peer must exist; senders cannot open a pair with a ghost.
		peer := conv.UserA
		if peer == senderID {
			peer = conv.UserB
		}
		if _, err := r.users.GetByID(ctx, peer); err != nil {
			return nil, err
		}
	}

	m := &model.Message{
		ID:           uuid.New().String(),
		Conversation: conv.Key(),
		SenderID:     senderID,
		Body:         body,
		CreatedAt:    time.Now().UTC(),
		ReadBy:       []string{},
	}

	unlock := r.lockConversation(conv.Key())
	defer unlock()

	if err := r.msgs.Append(ctx, m); err != nil {
		return nil, err
	}
	if sender, err := r.users.GetByID(ctx, senderID); err != nil {
		logger.Errorf("send: load sender user=%s: %v", senderID, err)
	} else {
		pub := sender.ToPublic()
		m.Sender = &pub
	}

	r.deliver(conv, model.Event{Type: model.EventMessageNew, Payload: m})
	return m, nil
}

// History returns messages strictly after the cursor, oldest first.
// Membership-checked; the cursor is a message id so pagination stays stable
// under concurrent appends.
func (r *Router) History(ctx context.Context, requesterID string, conv model.ConversationRef, cursorID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("router.History", time.Now())()
	if err := r.Authorize(ctx, requesterID, conv); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > r.historyLimitMax {
		limit = r.historyLimitMax
	}
	return r.msgs.History(ctx, conv.Key(), cursorID, limit)
}

// MarkRead records the reader on messages up to uptoID and emits one
// read-state-changed event per distinct sender whose messages were newly
// marked, never one per message. Idempotent: a repeat with the same cursor
// changes nothing and emits nothing.
func (r *Router) MarkRead(ctx context.Context, readerID string, conv model.ConversationRef, uptoID string) error {
	defer logger.DeferLogDuration("router.MarkRead", time.Now())()
	if uptoID == "" {
		return fmt.Errorf("%w: upto message id required", ErrInvalidInput)
	}
	if err := r.Authorize(ctx, readerID, conv); err != nil {
		return err
	}

	unlock := r.lockConversation(conv.Key())
	defer unlock()

	senders, err := r.msgs.MarkRead(ctx, conv.Key(), readerID, uptoID, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, senderID := range senders {
		r.deliver(conv, model.Event{Type: model.EventReadStateChanged, Payload: model.ReadPayload{
			Conversation: conv.Key(),
			ReaderID:     readerID,
			SenderID:     senderID,
			UptoID:       uptoID,
		}})
	}
	return nil
}

// Unread counts messages the user has not read yet in the conversation.
func (r *Router) Unread(ctx context.Context, userID string, conv model.ConversationRef) (int, error) {
	if err := r.Authorize(ctx, userID, conv); err != nil {
		return 0, err
	}
	return r.msgs.UnreadCount(ctx, conv.Key(), userID)
}

// SetTyping is fire-and-forget: no membership round-trip, no error. Room
// typing only reaches connections already subscribed to the room, and
// subscription is membership-gated, so a non-member's typing goes nowhere.
func (r *Router) SetTyping(senderID string, conv model.ConversationRef) {
	if conv.Kind == model.ConversationDirect && !conv.Includes(senderID) {
		return
	}
	r.typing.SetTyping(conv.Key(), senderID)
}

func (r *Router) broadcastTyping(conversationKey string, userIDs []string) {
	conv, err := model.ParseConversationRef(conversationKey)
	if err != nil {
		logger.Errorf("typing broadcast: bad conversation key %q: %v", conversationKey, err)
		return
	}
	r.deliver(conv, model.Event{Type: model.EventTypingChanged, Payload: model.TypingPayload{
		Conversation: conversationKey,
		UserIDs:      userIDs,
	}})
}

// CreateRoom creates a room and joins the creator. Name collisions are
// allowed; rooms are identified by id.
func (r *Router) CreateRoom(ctx context.Context, creatorID, name, description string) (*model.Room, error) {
	defer logger.DeferLogDuration("router.CreateRoom", time.Now())()
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n < model.RoomNameMinLen || n > model.RoomNameMaxLen {
		return nil, fmt.Errorf("%w: room name must be %d-%d characters", ErrInvalidInput, model.RoomNameMinLen, model.RoomNameMaxLen)
	}

	now := time.Now().UTC()
	room := &model.Room{
		ID:          uuid.New().String(),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   now,
	}
	if err := r.rooms.Create(ctx, room); err != nil {
		return nil, err
	}
	if err := r.rooms.AddMember(ctx, room.ID, creatorID, now); err != nil {
		return nil, err
	}
	room.MemberCount = 1

	r.gateway.Broadcast(model.Event{Type: model.EventRoomCreated, Payload: room})
	return room, nil
}

func (r *Router) ListRooms(ctx context.Context) ([]model.Room, error) {
	return r.rooms.List(ctx)
}

// JoinRoom is idempotent; re-joining never inflates the member count. The
// membership event goes to the room's subscribers and to the actor's own
// connections (which may not be subscribed yet).
func (r *Router) JoinRoom(ctx context.Context, userID, roomID string) (*model.Room, error) {
	defer logger.DeferLogDuration("router.JoinRoom", time.Now())()
	if _, err := r.rooms.Get(ctx, roomID); err != nil {
		return nil, err
	}
	if err := r.rooms.AddMember(ctx, roomID, userID, time.Now().UTC()); err != nil {
		return nil, err
	}
	room, err := r.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	r.membershipChanged(roomID, userID, true, room.MemberCount)
	return room, nil
}

// LeaveRoom is idempotent; leaving a room you are not in is a no-op.
func (r *Router) LeaveRoom(ctx context.Context, userID, roomID string) error {
	defer logger.DeferLogDuration("router.LeaveRoom", time.Now())()
	room, err := r.rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if err := r.rooms.RemoveMember(ctx, roomID, userID); err != nil {
		return err
	}
	count := room.MemberCount - 1
	if count < 0 {
		count = 0
	}
	r.membershipChanged(roomID, userID, false, count)
	return nil
}

func (r *Router) membershipChanged(roomID, userID string, joined bool, memberCount int) {
	ev := model.Event{Type: model.EventRoomMembership, Payload: model.RoomMembershipPayload{
		RoomID:      roomID,
		UserID:      userID,
		Joined:      joined,
		MemberCount: memberCount,
	}}
	r.gateway.DeliverToConversation(model.RoomRef(roomID).Key(), ev)
	r.gateway.DeliverToUsers([]string{userID}, ev)
}

// BroadcastPresence pushes a presence transition to everyone sharing a room
// or a direct conversation with the user. Wired as the presence tracker's
// notify callback.
func (r *Router) BroadcastPresence(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	roomIDs, err := r.rooms.RoomIDsOf(ctx, userID)
	if err != nil {
		logger.Errorf("presence broadcast: rooms of user=%s: %v", userID, err)
		return
	}

	ev := model.Event{Type: model.EventPresenceChanged, Payload: model.PresencePayload{
		UserID:     userID,
		Online:     online,
		LastSeenAt: time.Now().UTC(),
	}}

	notified := map[string]struct{}{userID: {}}
	for _, roomID := range roomIDs {
		memberIDs, err := r.rooms.MemberIDs(ctx, roomID)
		if err != nil {
			logger.Errorf("presence broadcast: members of room=%s: %v", roomID, err)
			continue
		}
		for _, uid := range memberIDs {
			if _, ok := notified[uid]; ok {
				continue
			}
			notified[uid] = struct{}{}
			r.gateway.DeliverToUsers([]string{uid}, ev)
		}
	}

	// DM-only contacts get the push too; without this they would only see
	// status changes on directory refresh.
	peerIDs, err := r.msgs.DMPeerIDs(ctx, userID)
	if err != nil {
		logger.Errorf("presence broadcast: dm peers of user=%s: %v", userID, err)
		return
	}
	for _, uid := range peerIDs {
		if _, ok := notified[uid]; ok {
			continue
		}
		notified[uid] = struct{}{}
		r.gateway.DeliverToUsers([]string{uid}, ev)
	}
}

func (r *Router) deliver(conv model.ConversationRef, ev model.Event) {
	if conv.Kind == model.ConversationRoom {
		r.gateway.DeliverToConversation(conv.Key(), ev)
		return
	}
	// Direct pair: every connection of both parties, so the sender's other
	// tabs see the echo too.
	r.gateway.DeliverToUsers(conv.Peers(), ev)
}

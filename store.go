package teamhub

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Change Notification
// ============================================================================

// ChangeKind classifies which slice of store state a change touched.
type ChangeKind string

const (
	ChangeConnection ChangeKind = "connection"
	ChangeRooms      ChangeKind = "rooms"
	ChangeMessages   ChangeKind = "messages"
	ChangeTyping     ChangeKind = "typing"
	ChangePresence   ChangeKind = "presence"
)

// Change describes a store mutation. RoomID is set for room-scoped changes
// so subscribers can filter to the conversation they render.
type Change struct {
	Kind   ChangeKind
	RoomID string
}

// ============================================================================
// Store
// ============================================================================

// Room is a conversation entry in the store.
type Room struct {
	ID          string
	Name        string
	Type        ChatType
	Workspace   string
	Project     string
	OtherUserID string
	LastMessage *Message
	UnreadCount int
}

// peerTypingTimeout clears a peer's typing indicator when no stop event
// arrives (missed broadcasts must not leave the indicator stuck).
const peerTypingTimeout = 5 * time.Second

// Store holds the client-side chat state: rooms, message logs, typing and
// presence rosters, and the connection status. All state is in-memory and
// guarded by a single mutex; mutators are atomic and accessors return
// copies. Nothing is persisted across process restarts.
type Store struct {
	mu            sync.Mutex
	currentUserID string

	connState    ConnState
	connReason   string
	lastError    string

	activeRoom string
	rooms      map[string]*Room
	messages   map[string][]Message
	hasMore    map[string]bool
	typing     map[string]map[string]TypingUser
	online     map[string]map[string]OnlineUser

	typingTimers map[string]*time.Timer

	listenerMu sync.Mutex
	listenerID int
	listeners  map[int]func(Change)
}

// NewStore creates an empty store. currentUserID is the authenticated
// user; their own messages never count toward unread totals.
func NewStore(currentUserID string) *Store {
	return &Store{
		currentUserID: currentUserID,
		connState:     StateDisconnected,
		rooms:         make(map[string]*Room),
		messages:      make(map[string][]Message),
		hasMore:       make(map[string]bool),
		typing:        make(map[string]map[string]TypingUser),
		online:        make(map[string]map[string]OnlineUser),
		typingTimers:  make(map[string]*time.Timer),
		listeners:     make(map[int]func(Change)),
	}
}

// OnChange registers a change listener and returns its unsubscribe
// function. Listeners run outside the store lock; calling accessors from
// inside a listener is safe.
func (s *Store) OnChange(fn func(Change)) func() {
	s.listenerMu.Lock()
	s.listenerID++
	id := s.listenerID
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.listenerMu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// ── Connection status ────────────────────────────────────────────────────

// SetConnState records a connection state transition.
func (s *Store) SetConnState(state ConnState, reason string) {
	s.mu.Lock()
	s.connState = state
	s.connReason = reason
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConnection})
}

// SetLastError records the most recent connection-level error message.
func (s *Store) SetLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConnection})
}

// ConnStatus returns the connection state, the reason for the last
// transition, and the last recorded error message.
func (s *Store) ConnStatus() (ConnState, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState, s.connReason, s.lastError
}

// ── Rooms ────────────────────────────────────────────────────────────────

// AddRoom inserts a room if it does not exist yet. Existing rooms are
// left untouched.
func (s *Store) AddRoom(room Room) {
	s.mu.Lock()
	if _, ok := s.rooms[room.ID]; ok {
		s.mu.Unlock()
		return
	}
	r := room
	s.rooms[room.ID] = &r
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeRooms, RoomID: room.ID})
}

// UpdateRoom applies a mutation to an existing room. Unknown ids are a
// no-op.
func (s *Store) UpdateRoom(roomID string, mutate func(*Room)) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	mutate(r)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeRooms, RoomID: roomID})
}

// SetActiveRoom marks a room as the one currently on screen and resets
// its unread count. Messages arriving for the active room do not count
// as unread.
func (s *Store) SetActiveRoom(roomID string) {
	s.mu.Lock()
	s.activeRoom = roomID
	if r, ok := s.rooms[roomID]; ok {
		r.UnreadCount = 0
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeRooms, RoomID: roomID})
}

// ClearActiveRoom unsets the active room.
func (s *Store) ClearActiveRoom() {
	s.mu.Lock()
	s.activeRoom = ""
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeRooms})
}

// ActiveRoom returns the currently active room id, or "".
func (s *Store) ActiveRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRoom
}

// MarkRoomAsRead zeroes a room's unread count.
func (s *Store) MarkRoomAsRead(roomID string) {
	s.mu.Lock()
	if r, ok := s.rooms[roomID]; ok {
		r.UnreadCount = 0
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeRooms, RoomID: roomID})
}

// IncrementUnread bumps a room's unread count by one.
func (s *Store) IncrementUnread(roomID string) {
	s.mu.Lock()
	if r, ok := s.rooms[roomID]; ok {
		r.UnreadCount++
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeRooms, RoomID: roomID})
}

// Room returns a copy of the room with the given id.
func (s *Store) Room(roomID string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return *r, true
}

// Rooms returns copies of all rooms, most recently active first.
func (s *Store) Rooms() []Room {
	s.mu.Lock()
	out := make([]Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, *r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := time.Time{}, time.Time{}
		if out[i].LastMessage != nil {
			ti = out[i].LastMessage.CreatedAt
		}
		if out[j].LastMessage != nil {
			tj = out[j].LastMessage.CreatedAt
		}
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ensureRoom lazily creates a room for an inbound message. Caller holds
// the lock.
func (s *Store) ensureRoom(roomID string, msg *Message) *Room {
	if r, ok := s.rooms[roomID]; ok {
		return r
	}
	r := &Room{ID: roomID}
	if msg != nil {
		r.Type = msg.ChatType
		r.Workspace = msg.Workspace
		r.Project = msg.Project
		if msg.ChatType == ChatDirect {
			for _, p := range msg.Participants {
				if p != s.currentUserID {
					r.OtherUserID = p
					break
				}
			}
			r.Name = msg.Sender.Name
		}
	}
	s.rooms[roomID] = r
	return r
}

// ── Messages ─────────────────────────────────────────────────────────────

// AddMessage appends a message to a room's log, creating the room if
// needed. The room's last message is updated, and unread is incremented
// unless the room is active or the sender is the current user. Messages
// already present (same id) are dropped, so a send acknowledged over the
// real-time channel and echoed as a broadcast lands exactly once.
func (s *Store) AddMessage(roomID string, msg Message) {
	s.mu.Lock()
	for i := range s.messages[roomID] {
		if s.messages[roomID][i].ID == msg.ID {
			s.mu.Unlock()
			return
		}
	}
	r := s.ensureRoom(roomID, &msg)
	s.messages[roomID] = append(s.messages[roomID], msg)
	m := msg
	r.LastMessage = &m
	if roomID != s.activeRoom && msg.Sender.ID != s.currentUserID {
		r.UnreadCount++
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, RoomID: roomID})
}

// UpdateMessage applies a mutation to a message by id. Unknown room or
// message ids are a no-op. The room's last-message snapshot is refreshed
// when it is the one updated.
func (s *Store) UpdateMessage(roomID, messageID string, mutate func(*Message)) {
	s.mu.Lock()
	msgs, ok := s.messages[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	found := false
	for i := range msgs {
		if msgs[i].ID == messageID {
			mutate(&msgs[i])
			if r, ok := s.rooms[roomID]; ok && r.LastMessage != nil && r.LastMessage.ID == messageID {
				m := msgs[i]
				r.LastMessage = &m
			}
			found = true
			break
		}
	}
	s.mu.Unlock()
	if found {
		s.notify(Change{Kind: ChangeMessages, RoomID: roomID})
	}
}

// DeleteMessage soft-deletes a message. The original content stays in the
// log; rendering goes through Message.DisplayContent, which substitutes
// the tombstone text.
func (s *Store) DeleteMessage(roomID, messageID string) {
	s.UpdateMessage(roomID, messageID, func(m *Message) {
		m.IsDeleted = true
	})
}

// SetMessages replaces a room's log with an initial history page.
func (s *Store) SetMessages(roomID string, msgs []Message, hasMore bool) {
	s.mu.Lock()
	s.ensureRoom(roomID, nil)
	s.messages[roomID] = append([]Message(nil), msgs...)
	s.hasMore[roomID] = hasMore
	if r, ok := s.rooms[roomID]; ok && len(msgs) > 0 {
		m := msgs[len(msgs)-1]
		r.LastMessage = &m
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, RoomID: roomID})
}

// PrependMessages inserts an older history page ahead of the current log.
func (s *Store) PrependMessages(roomID string, msgs []Message, hasMore bool) {
	s.mu.Lock()
	merged := make([]Message, 0, len(msgs)+len(s.messages[roomID]))
	merged = append(merged, msgs...)
	merged = append(merged, s.messages[roomID]...)
	s.messages[roomID] = merged
	s.hasMore[roomID] = hasMore
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, RoomID: roomID})
}

// Messages returns a copy of a room's message log, oldest first.
func (s *Store) Messages(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[roomID]...)
}

// HasMore reports whether older history pages remain for a room.
func (s *Store) HasMore(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore[roomID]
}

// ── Typing ───────────────────────────────────────────────────────────────

// SetUserTyping marks a user as typing in a room. Idempotent; repeated
// start events refresh the entry.
func (s *Store) SetUserTyping(roomID string, user TypingUser) {
	if user.UserID == s.currentUserID {
		return
	}
	s.mu.Lock()
	if s.typing[roomID] == nil {
		s.typing[roomID] = make(map[string]TypingUser)
	}
	s.typing[roomID][user.UserID] = user
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeTyping, RoomID: roomID})
}

// SetUserStoppedTyping removes a user's typing entry. Unknown entries are
// a no-op.
func (s *Store) SetUserStoppedTyping(roomID, userID string) {
	s.mu.Lock()
	users, ok := s.typing[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := users[userID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(users, userID)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeTyping, RoomID: roomID})
}

// ClearTypingUsers removes all typing entries for a room.
func (s *Store) ClearTypingUsers(roomID string) {
	s.mu.Lock()
	delete(s.typing, roomID)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeTyping, RoomID: roomID})
}

// TypingUsers returns the users currently typing in a room, ordered by id.
func (s *Store) TypingUsers(roomID string) []TypingUser {
	s.mu.Lock()
	out := make([]TypingUser, 0, len(s.typing[roomID]))
	for _, u := range s.typing[roomID] {
		out = append(out, u)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ── Presence ─────────────────────────────────────────────────────────────

// SetOnlineUsers replaces a workspace's presence roster.
func (s *Store) SetOnlineUsers(workspaceID string, users []OnlineUser) {
	s.mu.Lock()
	roster := make(map[string]OnlineUser, len(users))
	for _, u := range users {
		roster[u.ID] = u
	}
	s.online[workspaceID] = roster
	s.mu.Unlock()
	s.notify(Change{Kind: ChangePresence})
}

// UpdateUserOnlineStatus flips a user's online flag in every workspace
// roster that knows them. Going offline stamps their last-seen time.
func (s *Store) UpdateUserOnlineStatus(userID string, isOnline bool) {
	s.mu.Lock()
	changed := false
	for _, roster := range s.online {
		u, ok := roster[userID]
		if !ok {
			continue
		}
		u.IsOnline = isOnline
		if !isOnline {
			now := time.Now()
			u.LastSeen = &now
		}
		roster[userID] = u
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify(Change{Kind: ChangePresence})
	}
}

// OnlineUsers returns a workspace's presence roster, ordered by name.
func (s *Store) OnlineUsers(workspaceID string) []OnlineUser {
	s.mu.Lock()
	out := make([]OnlineUser, 0, len(s.online[workspaceID]))
	for _, u := range s.online[workspaceID] {
		out = append(out, u)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ── Transport binding ────────────────────────────────────────────────────

// roomIDForMessage derives the room a broadcast message belongs to,
// through the canonical resolver. Returns "" when the message is missing
// the fields its chat type needs.
func (s *Store) roomIDForMessage(msg *Message) string {
	switch msg.ChatType {
	case ChatWorkspace, ChatProject:
		id, err := RoomID(msg.ChatType, RoomContext{
			Workspace: msg.Workspace,
			Project:   msg.Project,
		})
		if err != nil {
			return ""
		}
		return id
	case ChatDirect:
		// Participants are already known here; the room may not exist
		// locally yet, so derive straight from the sorted pair.
		if len(msg.Participants) < 2 {
			return ""
		}
		return DirectRoomID(msg.Participants)
	}
	return ""
}

// Bind subscribes the store to a real-time client's events and returns a
// function that removes every subscription. Malformed events are dropped
// without touching state.
func (s *Store) Bind(rt *RealtimeClient) func() {
	unsubs := []func(){
		rt.OnConnectionStatus(func(p ConnectionStatusPayload) {
			s.SetConnState(p.State, p.Reason)
		}),
		rt.OnConnectionError(func(p ConnectionErrorPayload) {
			s.SetLastError(p.Error)
		}),
		rt.OnConnectionFailed(func(p ConnectionFailedPayload) {
			s.SetLastError(p.Reason)
		}),
		rt.OnMessageNew(func(p MessageNewPayload) {
			roomID := s.roomIDForMessage(&p.Message)
			if roomID == "" {
				return
			}
			s.AddMessage(roomID, p.Message)
			s.SetUserStoppedTyping(roomID, p.Message.Sender.ID)
		}),
		rt.OnMessageEdited(func(p MessageEditedPayload) {
			editedAt := p.EditedAt
			s.UpdateMessage(p.RoomName, p.MessageID, func(m *Message) {
				m.Content = p.Content
				m.IsEdited = true
				m.EditedAt = &editedAt
			})
		}),
		rt.OnMessageDeleted(func(p MessageDeletedPayload) {
			s.DeleteMessage(p.RoomName, p.MessageID)
		}),
		rt.OnMessageReaction(func(p MessageReactionPayload) {
			s.UpdateMessage(p.RoomName, p.MessageID, func(m *Message) {
				m.Reactions = p.Reactions
			})
		}),
		rt.OnTypingStart(func(p TypingPayload) {
			if p.RoomName == "" || p.UserID == "" {
				return
			}
			s.SetUserTyping(p.RoomName, TypingUser{
				UserID:         p.UserID,
				UserName:       p.UserName,
				ProfilePicture: p.ProfilePicture,
			})
			s.armTypingTimeout(p.RoomName, p.UserID)
		}),
		rt.OnTypingStop(func(p TypingPayload) {
			s.disarmTypingTimeout(p.RoomName, p.UserID)
			s.SetUserStoppedTyping(p.RoomName, p.UserID)
		}),
		rt.OnUserOnline(func(p PresencePayload) {
			s.UpdateUserOnlineStatus(p.UserID, true)
		}),
		rt.OnUserOffline(func(p PresencePayload) {
			s.UpdateUserOnlineStatus(p.UserID, false)
		}),
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// armTypingTimeout schedules the safety clear for a typing indicator,
// replacing any timer already running for the same user and room.
func (s *Store) armTypingTimeout(roomID, userID string) {
	key := roomID + "\x00" + userID
	s.mu.Lock()
	if t, ok := s.typingTimers[key]; ok {
		t.Stop()
	}
	s.typingTimers[key] = time.AfterFunc(peerTypingTimeout, func() {
		s.mu.Lock()
		delete(s.typingTimers, key)
		s.mu.Unlock()
		s.SetUserStoppedTyping(roomID, userID)
	})
	s.mu.Unlock()
}

func (s *Store) disarmTypingTimeout(roomID, userID string) {
	key := roomID + "\x00" + userID
	s.mu.Lock()
	if t, ok := s.typingTimers[key]; ok {
		t.Stop()
		delete(s.typingTimers, key)
	}
	s.mu.Unlock()
}

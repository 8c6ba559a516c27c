package teamhub

import (
	"context"
	"sync"
	"time"
)

// typingInactivity is how long after the last keystroke the client
// reports that the user stopped typing.
const typingInactivity = 2 * time.Second

// defaultHistoryLimit is the page size for history fetches when the
// caller does not set one.
const defaultHistoryLimit = 50

// Session ties together the REST client, the real-time client, and the
// store for one open conversation. It owns the room's join/leave
// lifecycle, routes sends through the real-time channel with a REST
// fallback, and runs the outbound typing timer.
type Session struct {
	client   *Client
	rt       *RealtimeClient
	store    *Store
	chatType ChatType
	roomCtx  RoomContext
	roomID   string
	targetID string
	pageSize int

	mu          sync.Mutex
	typing      bool
	typingTimer *time.Timer
}

// NewSession creates a session for one conversation. The room context is
// validated up front; an incomplete context fails here rather than at
// first use.
func NewSession(client *Client, rt *RealtimeClient, store *Store, chatType ChatType, roomCtx RoomContext) (*Session, error) {
	roomID, err := RoomID(chatType, roomCtx)
	if err != nil {
		return nil, err
	}

	targetID := ""
	switch chatType {
	case ChatWorkspace:
		targetID = roomCtx.Workspace
	case ChatProject:
		targetID = roomCtx.Project
	case ChatDirect:
		targetID = roomCtx.OtherUserID
	}

	return &Session{
		client:   client,
		rt:       rt,
		store:    store,
		chatType: chatType,
		roomCtx:  roomCtx,
		roomID:   roomID,
		targetID: targetID,
		pageSize: defaultHistoryLimit,
	}, nil
}

// RoomID returns the canonical room id this session is bound to.
func (s *Session) RoomID() string { return s.roomID }

// Open joins the room and loads the initial history page into the store,
// then marks the room active. The join is best-effort: when the
// real-time channel is down the session still works through REST, so
// only a history failure fails Open.
func (s *Session) Open(ctx context.Context) error {
	if s.rt != nil {
		if err := s.rt.JoinRoom(ctx, s.chatType, s.roomCtx); err != nil {
			s.rt.log.Warn().Err(err).Str("room", s.roomID).Msg("room join failed, continuing over rest")
		}
	}

	page, err := s.client.Chat().History(ctx, s.chatType, s.targetID, &HistoryOptions{Limit: s.pageSize})
	if err != nil {
		return err
	}
	s.store.AddRoom(Room{
		ID:          s.roomID,
		Type:        s.chatType,
		Workspace:   s.roomCtx.Workspace,
		Project:     s.roomCtx.Project,
		OtherUserID: s.roomCtx.OtherUserID,
	})
	s.store.SetMessages(s.roomID, page.Messages, page.HasMore)
	s.store.SetActiveRoom(s.roomID)
	return nil
}

// LoadOlder fetches the page preceding the oldest loaded message and
// prepends it. A no-op when no older history remains or the log is
// empty.
func (s *Session) LoadOlder(ctx context.Context) error {
	if !s.store.HasMore(s.roomID) {
		return nil
	}
	msgs := s.store.Messages(s.roomID)
	if len(msgs) == 0 {
		return nil
	}

	page, err := s.client.Chat().History(ctx, s.chatType, s.targetID, &HistoryOptions{
		Limit:  s.pageSize,
		Before: msgs[0].ID,
	})
	if err != nil {
		return err
	}
	s.store.PrependMessages(s.roomID, page.Messages, page.HasMore)
	return nil
}

// Send delivers a message, preferring the real-time channel and falling
// back to REST on any rejection, including acknowledgment timeouts. The
// created message is added to the store on either path; the store's
// duplicate check keeps the later broadcast echo from double-inserting.
func (s *Session) Send(ctx context.Context, opts SendOptions) (*Message, error) {
	s.stopTyping()

	if s.rt != nil {
		msg, err := s.rt.SendMessage(ctx, s.chatType, s.roomCtx, opts)
		if err == nil {
			s.store.AddMessage(s.roomID, *msg)
			return msg, nil
		}
		s.rt.log.Debug().Err(err).Str("room", s.roomID).Msg("realtime send rejected, using rest fallback")
	}

	msg, err := s.client.Chat().Send(ctx, s.chatType, s.targetID, opts)
	if err != nil {
		return nil, err
	}
	s.store.AddMessage(s.roomID, *msg)
	return msg, nil
}

// Typing reports a keystroke. The first call in a burst emits a
// typing-start signal; each call pushes back the inactivity timer that
// emits the matching stop.
func (s *Session) Typing() {
	if s.rt == nil {
		return
	}
	s.mu.Lock()
	if !s.typing {
		s.typing = true
		s.rt.StartTyping(s.chatType, s.roomCtx)
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(typingInactivity, s.stopTyping)
	s.mu.Unlock()
}

func (s *Session) stopTyping() {
	if s.rt == nil {
		return
	}
	s.mu.Lock()
	wasTyping := s.typing
	s.typing = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()

	if wasTyping {
		s.rt.StopTyping(s.chatType, s.roomCtx)
	}
}

// Close leaves the room and clears the session's transient state. The
// message log stays in the store; reopening the room does not refetch
// what is already loaded.
func (s *Session) Close() {
	s.stopTyping()
	if s.rt != nil {
		s.rt.LeaveRoom(s.chatType, s.roomCtx)
	}
	s.store.ClearTypingUsers(s.roomID)
	if s.store.ActiveRoom() == s.roomID {
		s.store.ClearActiveRoom()
	}
}

package teamhub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// historyServer serves a fixed log with before-cursor pagination and
// accepts REST sends.
func historyServer(t *testing.T, log []Message) (*Client, *atomic.Int32) {
	t.Helper()
	var restSends atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			restSends.Add(1)
			var opts SendOptions
			json.NewDecoder(r.Body).Decode(&opts)
			json.NewEncoder(w).Encode(sendResponse{Data: Message{
				ID: "rest-m1", Content: opts.Content, ChatType: ChatWorkspace,
				Workspace: "ws1", Sender: Sender{ID: "me"}, CreatedAt: time.Now(),
			}})
			return
		}

		end := len(log)
		if before := r.URL.Query().Get("before"); before != "" {
			for i := range log {
				if log[i].ID == before {
					end = i
					break
				}
			}
		}
		limit := 2
		start := end - limit
		if start < 0 {
			start = 0
		}
		json.NewEncoder(w).Encode(HistoryPage{
			Messages: log[start:end],
			HasMore:  start > 0,
		})
	}))
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL)), &restSends
}

func sessionLog() []Message {
	now := time.Now()
	out := make([]Message, 4)
	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		out[i] = Message{
			ID: id, Content: "msg " + id, ChatType: ChatWorkspace, Workspace: "ws1",
			Sender: Sender{ID: "u1"}, CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestSessionOpen(t *testing.T) {
	client, _ := historyServer(t, sessionLog())
	store := NewStore("me")

	sess, err := NewSession(client, nil, store, ChatWorkspace, RoomContext{Workspace: "ws1"})
	require.NoError(t, err)
	require.NoError(t, sess.Open(context.Background()))

	assert.Equal(t, "workspace:ws1", sess.RoomID())
	assert.Equal(t, "workspace:ws1", store.ActiveRoom())

	msgs := store.Messages("workspace:ws1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].ID)
	assert.True(t, store.HasMore("workspace:ws1"))

	room, ok := store.Room("workspace:ws1")
	require.True(t, ok)
	assert.Equal(t, ChatWorkspace, room.Type)
}

func TestSessionLoadOlder(t *testing.T) {
	client, _ := historyServer(t, sessionLog())
	store := NewStore("me")

	sess, err := NewSession(client, nil, store, ChatWorkspace, RoomContext{Workspace: "ws1"})
	require.NoError(t, err)
	require.NoError(t, sess.Open(context.Background()))

	require.NoError(t, sess.LoadOlder(context.Background()))

	msgs := store.Messages("workspace:ws1")
	require.Len(t, msgs, 4)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"},
		[]string{msgs[0].ID, msgs[1].ID, msgs[2].ID, msgs[3].ID})
	assert.False(t, store.HasMore("workspace:ws1"))

	t.Run("exhausted history is a no-op", func(t *testing.T) {
		require.NoError(t, sess.LoadOlder(context.Background()))
		assert.Len(t, store.Messages("workspace:ws1"), 4)
	})
}

func TestSessionSendFallback(t *testing.T) {
	t.Run("rest fallback when the realtime channel is down", func(t *testing.T) {
		client, restSends := historyServer(t, nil)
		store := NewStore("me")
		rt := client.Realtime(nil) // never connected

		sess, err := NewSession(client, rt, store, ChatWorkspace, RoomContext{Workspace: "ws1"})
		require.NoError(t, err)

		msg, err := sess.Send(context.Background(), SendOptions{Content: "hello"})
		require.NoError(t, err)
		assert.Equal(t, "rest-m1", msg.ID)
		assert.Equal(t, int32(1), restSends.Load())

		// The fallback path does its own store bookkeeping since no
		// broadcast will arrive.
		msgs := store.Messages("workspace:ws1")
		require.Len(t, msgs, 1)
		assert.Equal(t, "rest-m1", msgs[0].ID)
	})

	t.Run("no realtime client at all still sends", func(t *testing.T) {
		client, restSends := historyServer(t, nil)
		store := NewStore("me")

		sess, err := NewSession(client, nil, store, ChatWorkspace, RoomContext{Workspace: "ws1"})
		require.NoError(t, err)

		_, err = sess.Send(context.Background(), SendOptions{Content: "hello"})
		require.NoError(t, err)
		assert.Equal(t, int32(1), restSends.Load())
	})

	t.Run("duplicate broadcast after fallback lands once", func(t *testing.T) {
		client, _ := historyServer(t, nil)
		store := NewStore("me")

		sess, err := NewSession(client, nil, store, ChatWorkspace, RoomContext{Workspace: "ws1"})
		require.NoError(t, err)

		msg, err := sess.Send(context.Background(), SendOptions{Content: "hello"})
		require.NoError(t, err)

		// Simulate the server broadcast of the same message arriving
		// later over the real-time channel.
		store.AddMessage("workspace:ws1", *msg)
		assert.Len(t, store.Messages("workspace:ws1"), 1)
	})
}

func TestSessionInvalidSpec(t *testing.T) {
	client := NewClient("test-token")
	store := NewStore("me")

	_, err := NewSession(client, nil, store, ChatDirect, RoomContext{OtherUserID: "u2"})
	assert.ErrorIs(t, err, ErrInvalidRoomSpec)
}

func TestSessionClose(t *testing.T) {
	client, _ := historyServer(t, sessionLog())
	store := NewStore("me")

	sess, err := NewSession(client, nil, store, ChatWorkspace, RoomContext{Workspace: "ws1"})
	require.NoError(t, err)
	require.NoError(t, sess.Open(context.Background()))

	store.SetUserTyping("workspace:ws1", TypingUser{UserID: "u1"})
	sess.Close()

	assert.Empty(t, store.TypingUsers("workspace:ws1"))
	assert.Empty(t, store.ActiveRoom())

	// The log survives a close; reopening does not start from scratch.
	assert.NotEmpty(t, store.Messages("workspace:ws1"))
}

func TestSessionTyping(t *testing.T) {
	t.Run("no realtime client is a no-op", func(t *testing.T) {
		client := NewClient("test-token")
		store := NewStore("me")
		sess, err := NewSession(client, nil, store, ChatWorkspace, RoomContext{Workspace: "ws1"})
		require.NoError(t, err)

		assert.NotPanics(t, func() {
			sess.Typing()
			sess.Typing()
			sess.Close()
		})
	})

	t.Run("offline typing signals are dropped silently", func(t *testing.T) {
		client := NewClient("test-token")
		store := NewStore("me")
		rt := client.Realtime(nil)
		sess, err := NewSession(client, rt, store, ChatWorkspace, RoomContext{Workspace: "ws1"})
		require.NoError(t, err)

		assert.NotPanics(t, func() {
			sess.Typing()
			sess.stopTyping()
		})
	})
}

package teamhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test servers
// ============================================================================

func newRealtimeServer(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL))
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Type: event, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

type testCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId"`
}

// ackingHandler acknowledges join and send commands with correlated
// replies, the way the chat server does.
func ackingHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd testCommand
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}

			switch cmd.Type {
			case EventRoomJoin:
				writeEnvelope(ctx, conn, EventRoomJoined, RoomJoinedPayload{
					RoomName:  "workspace:ws1",
					RequestID: cmd.RequestID,
				})
			case EventMessageSend:
				var sig roomSignal
				json.Unmarshal(cmd.Payload, &sig)
				writeEnvelope(ctx, conn, EventMessageNew, MessageNewPayload{
					RequestID: cmd.RequestID,
					Message: Message{
						ID:          "m1",
						Content:     sig.Content,
						ChatType:    sig.ChatType,
						Workspace:   sig.Workspace,
						MessageType: sig.MessageType,
						Sender:      Sender{ID: "me"},
					},
				})
			}
		}
	})
}

// silentHandler accepts the connection but never acknowledges anything.
func silentHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	})
}

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	cfg := &RealtimeConfig{
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Second,
		MaxReconnectAttempts: 5,
	}

	t.Run("delays strictly increase", func(t *testing.T) {
		r := newReconnector(cfg)
		prev := time.Duration(0)
		for i := 0; i < 5; i++ {
			d := r.nextDelay()
			assert.Greater(t, d, prev, "attempt %d", i)
			prev = d
		}
	})

	t.Run("delay is capped", func(t *testing.T) {
		capped := *cfg
		capped.ReconnectMaxDelay = 25 * time.Millisecond
		r := newReconnector(&capped)
		for i := 0; i < 10; i++ {
			assert.LessOrEqual(t, r.nextDelay(), 25*time.Millisecond)
		}
	})

	t.Run("attempt cap", func(t *testing.T) {
		r := newReconnector(cfg)
		for i := 0; i < 5; i++ {
			assert.True(t, r.shouldReconnect())
			r.nextDelay()
		}
		assert.False(t, r.shouldReconnect())
	})

	t.Run("reset restarts the schedule", func(t *testing.T) {
		r := newReconnector(cfg)
		for i := 0; i < 5; i++ {
			r.nextDelay()
		}
		r.reset()
		assert.True(t, r.shouldReconnect())
		assert.Less(t, r.nextDelay(), 20*time.Millisecond)
	})
}

// ============================================================================
// Event dispatcher
// ============================================================================

func TestEventDispatcher(t *testing.T) {
	t.Run("delivers to registered handlers", func(t *testing.T) {
		d := newEventDispatcher()
		got := ""
		d.on("ev", func(p json.RawMessage) { got = string(p) })
		d.dispatch("ev", json.RawMessage(`{"a":1}`))
		assert.Equal(t, `{"a":1}`, got)
	})

	t.Run("unsubscribe removes only that handler", func(t *testing.T) {
		d := newEventDispatcher()
		a, b := 0, 0
		unsubA := d.on("ev", func(json.RawMessage) { a++ })
		d.on("ev", func(json.RawMessage) { b++ })

		d.dispatch("ev", nil)
		unsubA()
		d.dispatch("ev", nil)

		assert.Equal(t, 1, a)
		assert.Equal(t, 2, b)
	})

	t.Run("a panicking handler does not stop the rest", func(t *testing.T) {
		d := newEventDispatcher()
		called := false
		d.on("ev", func(json.RawMessage) { panic("boom") })
		d.on("ev", func(json.RawMessage) { called = true })

		assert.NotPanics(t, func() { d.dispatch("ev", nil) })
		assert.True(t, called)
	})
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestRealtimeConnect(t *testing.T) {
	t.Run("connects over websocket", func(t *testing.T) {
		client := newRealtimeServer(t, ackingHandler(t))
		rt := client.Realtime(nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, rt.Connect(ctx))
		defer rt.Disconnect()

		assert.Equal(t, StateConnected, rt.State())
		assert.Equal(t, TransportWebSocket, rt.Transport())
	})

	t.Run("connect is idempotent", func(t *testing.T) {
		client := newRealtimeServer(t, ackingHandler(t))
		rt := client.Realtime(nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, rt.Connect(ctx))
		defer rt.Disconnect()
		require.NoError(t, rt.Connect(ctx))
		assert.Equal(t, StateConnected, rt.State())
	})

	t.Run("authentication failure is terminal", func(t *testing.T) {
		client := newRealtimeServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
		}))
		rt := client.Realtime(nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := rt.Connect(ctx)
		require.ErrorIs(t, err, ErrAuthentication)
		assert.Equal(t, StateDisconnected, rt.State())

		// No retry schedule runs after an auth rejection.
		time.Sleep(50 * time.Millisecond)
		rt.mu.Lock()
		retrying := rt.retrying
		rt.mu.Unlock()
		assert.False(t, retrying)
		assert.Zero(t, rt.recon.attempt)
	})

	t.Run("disconnect reports status to subscribers", func(t *testing.T) {
		client := newRealtimeServer(t, ackingHandler(t))
		rt := client.Realtime(nil)

		statusCh := make(chan ConnectionStatusPayload, 8)
		rt.OnConnectionStatus(func(p ConnectionStatusPayload) { statusCh <- p })

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, rt.Connect(ctx))
		require.NoError(t, rt.Disconnect())

		var states []ConnState
		for {
			select {
			case p := <-statusCh:
				states = append(states, p.State)
				if p.State == StateDisconnected {
					assert.Contains(t, states, StateConnecting)
					assert.Contains(t, states, StateConnected)
					return
				}
			case <-time.After(2 * time.Second):
				t.Fatal("no disconnected status received")
			}
		}
	})
}

// droppingHandler closes the first accepted connection abnormally and
// serves later ones like silentHandler.
func droppingHandler(dials *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			conn.Close(websocket.StatusInternalError, "kicked")
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	})
}

func TestRealtimeReconnect(t *testing.T) {
	t.Run("abnormal drop redials by default", func(t *testing.T) {
		var dials atomic.Int32
		client := newRealtimeServer(t, droppingHandler(&dials))
		rt := client.Realtime(&RealtimeConfig{ReconnectBaseDelay: 20 * time.Millisecond})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, rt.Connect(ctx))
		defer rt.Disconnect()

		require.Eventually(t, func() bool {
			return dials.Load() >= 2 && rt.State() == StateConnected
		}, 5*time.Second, 20*time.Millisecond, "no redial after abnormal drop")
	})

	t.Run("opt-out stays disconnected", func(t *testing.T) {
		var dials atomic.Int32
		client := newRealtimeServer(t, droppingHandler(&dials))
		rt := client.Realtime(&RealtimeConfig{
			DisableAutoReconnect: true,
			ReconnectBaseDelay:   20 * time.Millisecond,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, rt.Connect(ctx))
		defer rt.Disconnect()

		require.Eventually(t, func() bool {
			return rt.State() == StateDisconnected
		}, 2*time.Second, 10*time.Millisecond)
		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, int32(1), dials.Load())
	})
}

// ============================================================================
// Correlated operations
// ============================================================================

func TestRealtimeJoinAndSend(t *testing.T) {
	client := newRealtimeServer(t, ackingHandler(t))
	rt := client.Realtime(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()

	t.Run("join resolves on the correlated ack", func(t *testing.T) {
		err := rt.JoinRoom(ctx, ChatWorkspace, RoomContext{Workspace: "ws1"})
		assert.NoError(t, err)
	})

	t.Run("join with invalid spec fails before any network use", func(t *testing.T) {
		err := rt.JoinRoom(ctx, ChatWorkspace, RoomContext{})
		assert.ErrorIs(t, err, ErrInvalidRoomSpec)
	})

	t.Run("send returns the echoed message", func(t *testing.T) {
		msg, err := rt.SendMessage(ctx, ChatWorkspace, RoomContext{Workspace: "ws1"}, SendOptions{
			Content:     "hello",
			MessageType: MessageText,
		})
		require.NoError(t, err)
		assert.Equal(t, "m1", msg.ID)
		assert.Equal(t, "hello", msg.Content)
	})
}

func TestRealtimeAckTimeout(t *testing.T) {
	client := newRealtimeServer(t, silentHandler())
	rt := client.Realtime(&RealtimeConfig{AckTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()

	t.Run("join times out", func(t *testing.T) {
		err := rt.JoinRoom(ctx, ChatWorkspace, RoomContext{Workspace: "ws1"})
		assert.ErrorIs(t, err, ErrAckTimeout)
	})

	t.Run("send times out", func(t *testing.T) {
		_, err := rt.SendMessage(ctx, ChatWorkspace, RoomContext{Workspace: "ws1"}, SendOptions{Content: "x"})
		assert.ErrorIs(t, err, ErrAckTimeout)
	})

	t.Run("timed-out operations leave no pending entries", func(t *testing.T) {
		rt.pendingMu.Lock()
		defer rt.pendingMu.Unlock()
		assert.Empty(t, rt.pending)
	})
}

func TestRealtimeCorrelation(t *testing.T) {
	t.Run("a late ack for an abandoned request resolves nothing", func(t *testing.T) {
		rt := NewClient("token").Realtime(nil)
		ch := rt.registerPending("req-1")
		rt.unregisterPending("req-1")

		payload, _ := json.Marshal(RoomJoinedPayload{RoomName: "workspace:ws1", RequestID: "req-1"})
		rt.resolvePending(Envelope{Type: EventRoomJoined, Payload: payload})

		select {
		case <-ch:
			t.Fatal("abandoned request must not receive a result")
		default:
		}
	})

	t.Run("correlated server errors reject the operation", func(t *testing.T) {
		rt := NewClient("token").Realtime(nil)
		ch := rt.registerPending("req-2")

		payload, _ := json.Marshal(ErrorPayload{Message: "not a member", RequestID: "req-2"})
		rt.resolvePending(Envelope{Type: EventError, Payload: payload})

		res := <-ch
		require.Error(t, res.err)
		assert.Contains(t, res.err.Error(), "not a member")
	})

	t.Run("uncorrelated errors leave pending operations alone", func(t *testing.T) {
		rt := NewClient("token").Realtime(nil)
		ch := rt.registerPending("req-3")

		payload, _ := json.Marshal(ErrorPayload{Message: "broadcast failure"})
		rt.resolvePending(Envelope{Type: EventError, Payload: payload})

		select {
		case <-ch:
			t.Fatal("broadcast error must not resolve a pending operation")
		default:
		}
	})
}

// ============================================================================
// Fail-fast semantics
// ============================================================================

func TestRealtimeNotConnected(t *testing.T) {
	rt := NewClient("token").Realtime(nil)
	ctx := context.Background()

	assert.ErrorIs(t, rt.JoinRoom(ctx, ChatWorkspace, RoomContext{Workspace: "ws1"}), ErrNotConnected)

	_, err := rt.SendMessage(ctx, ChatWorkspace, RoomContext{Workspace: "ws1"}, SendOptions{Content: "x"})
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, rt.EditMessage("m1", "x"), ErrNotConnected)
	assert.ErrorIs(t, rt.DeleteMessage("m1"), ErrNotConnected)
	assert.ErrorIs(t, rt.ReactToMessage("m1", "+1"), ErrNotConnected)

	// Typing and leave are silent no-ops offline.
	assert.NotPanics(t, func() {
		rt.StartTyping(ChatWorkspace, RoomContext{Workspace: "ws1"})
		rt.StopTyping(ChatWorkspace, RoomContext{Workspace: "ws1"})
		rt.LeaveRoom(ChatWorkspace, RoomContext{Workspace: "ws1"})
	})
}

// ============================================================================
// SSE fallback
// ============================================================================

func TestRealtimeSSEFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "websocket unavailable", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl, ok := w.(http.Flusher)
		if !ok {
			return
		}
		raw, _ := json.Marshal(MessageNewPayload{Message: Message{
			ID: "m1", Content: "over sse", ChatType: ChatWorkspace, Workspace: "ws1",
			Sender: Sender{ID: "u1"},
		}})
		env, _ := json.Marshal(Envelope{Type: EventMessageNew, Payload: raw})
		fmt.Fprintf(w, "data: %s\n\n", env)
		fl.Flush()
		<-r.Context().Done()
	})

	client := newRealtimeServer(t, mux)
	rt := client.Realtime(&RealtimeConfig{UpgradeInterval: time.Hour})

	msgCh := make(chan MessageNewPayload, 1)
	rt.OnMessageNew(func(p MessageNewPayload) { msgCh <- p })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()

	assert.Equal(t, StateConnected, rt.State())
	assert.Equal(t, TransportSSE, rt.Transport())

	t.Run("events stream in over sse", func(t *testing.T) {
		select {
		case p := <-msgCh:
			assert.Equal(t, "over sse", p.Message.Content)
		case <-time.After(2 * time.Second):
			t.Fatal("no message received over sse")
		}
	})

	t.Run("outbound operations fail fast on the degraded transport", func(t *testing.T) {
		_, err := rt.SendMessage(ctx, ChatWorkspace, RoomContext{Workspace: "ws1"}, SendOptions{Content: "x"})
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestRealtimeSSEOutlivesDialContext(t *testing.T) {
	sendSecond := make(chan struct{})

	sseEvent := func(content string) []byte {
		raw, _ := json.Marshal(MessageNewPayload{Message: Message{
			ID: content, Content: content, ChatType: ChatWorkspace, Workspace: "ws1",
			Sender: Sender{ID: "u1"},
		}})
		env, _ := json.Marshal(Envelope{Type: EventMessageNew, Payload: raw})
		return env
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "websocket unavailable", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl, ok := w.(http.Flusher)
		if !ok {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", sseEvent("first"))
		fl.Flush()
		select {
		case <-sendSecond:
			fmt.Fprintf(w, "data: %s\n\n", sseEvent("second"))
			fl.Flush()
		case <-r.Context().Done():
			return
		}
		<-r.Context().Done()
	})

	client := newRealtimeServer(t, mux)
	rt := client.Realtime(&RealtimeConfig{UpgradeInterval: time.Hour})

	msgCh := make(chan MessageNewPayload, 2)
	rt.OnMessageNew(func(p MessageNewPayload) { msgCh <- p })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()
	require.Equal(t, TransportSSE, rt.Transport())

	select {
	case p := <-msgCh:
		require.Equal(t, "first", p.Message.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received over sse")
	}

	// The usual pattern: the dial context is cancelled once Connect has
	// returned. The live stream must not die with it.
	cancel()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateConnected, rt.State())

	close(sendSecond)
	select {
	case p := <-msgCh:
		assert.Equal(t, "second", p.Message.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("stream died after dial context cancellation")
	}
}

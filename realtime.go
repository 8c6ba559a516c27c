package teamhub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned by outbound operations when no writable
	// real-time channel is available. Operations never queue.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrAuthentication marks a terminal connection failure. No reconnect
	// is attempted; the caller must re-authenticate and call Connect again.
	ErrAuthentication = errors.New("realtime: authentication failed")

	// ErrAckTimeout is returned when a join or send acknowledgment does not
	// arrive within the configured window.
	ErrAckTimeout = errors.New("realtime: acknowledgment timeout")

	// ErrConnectionLost rejects pending operations when the connection
	// drops before their acknowledgment arrives.
	ErrConnectionLost = errors.New("realtime: connection lost")
)

// ============================================================================
// Wire Protocol
// ============================================================================

// Event names exchanged with the chat server.
const (
	EventRoomJoin        = "room:join"
	EventRoomJoined      = "room:joined"
	EventRoomLeave       = "room:leave"
	EventRoomLeft        = "room:left"
	EventMessageSend     = "message:send"
	EventMessageNew      = "message:new"
	EventMessageEdit     = "message:edit"
	EventMessageEdited   = "message:edited"
	EventMessageDelete   = "message:delete"
	EventMessageDeleted  = "message:deleted"
	EventMessageReact    = "message:react"
	EventMessageReaction = "message:reaction"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
	EventUserOnline      = "user:online"
	EventUserOffline     = "user:offline"
	EventError           = "error"

	// Meta events synthesized by the client, never sent by the server.
	EventConnectionStatus = "connection:status"
	EventConnectionError  = "connection:error"
	EventConnectionFailed = "connection:failed"
)

// Envelope is the wire format for all real-time events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server signal. RequestID is a client-generated
// correlation id; the server echoes it in the matching acknowledgment.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// ============================================================================
// Event Payload Types
// ============================================================================

// ConnectionStatusPayload reports connection state transitions.
type ConnectionStatusPayload struct {
	State     ConnState `json:"state"`
	Transport Transport `json:"transport,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// ConnectionErrorPayload reports a connection-level error.
type ConnectionErrorPayload struct {
	Error string `json:"error"`
}

// ConnectionFailedPayload is terminal: retries are exhausted and no further
// attempts occur until Connect is called explicitly.
type ConnectionFailedPayload struct {
	Reason string `json:"reason"`
}

// RoomJoinedPayload acknowledges a room:join command.
type RoomJoinedPayload struct {
	RoomName  string `json:"roomName"`
	RequestID string `json:"requestId,omitempty"`
}

// RoomLeftPayload notifies that this client left a room.
type RoomLeftPayload struct {
	RoomName string `json:"roomName"`
}

// MessageNewPayload carries a newly created message. RequestID is set only
// on the copy echoed to the sender.
type MessageNewPayload struct {
	Message   Message `json:"message"`
	RequestID string  `json:"requestId,omitempty"`
}

// MessageEditedPayload carries an in-place content edit.
type MessageEditedPayload struct {
	RoomName  string    `json:"roomName"`
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"editedAt"`
}

// MessageDeletedPayload carries a soft delete.
type MessageDeletedPayload struct {
	RoomName  string `json:"roomName"`
	MessageID string `json:"messageId"`
}

// MessageReactionPayload carries the full reaction list after a change.
type MessageReactionPayload struct {
	RoomName  string     `json:"roomName"`
	MessageID string     `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

// TypingPayload reports a user starting or stopping typing in a room.
type TypingPayload struct {
	RoomName       string `json:"roomName"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// PresencePayload reports a user going online or offline.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// ErrorPayload is a server-side error. RequestID is set when the error
// rejects a specific pending command.
type ErrorPayload struct {
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *ErrorPayload) Error() string { return e.Message }

// roomSignal is the outbound payload for join, typing, and send commands.
type roomSignal struct {
	ChatType    ChatType    `json:"chatType"`
	Workspace   string      `json:"workspace,omitempty"`
	Project     string      `json:"project,omitempty"`
	OtherUserID string      `json:"otherUserId,omitempty"`
	Content     string      `json:"content,omitempty"`
	MessageType MessageType `json:"messageType,omitempty"`
	ReplyTo     string      `json:"replyTo,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// ConnState is the observable connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Transport identifies the active delivery channel.
type Transport string

const (
	TransportNone Transport = ""
	// TransportWebSocket is the preferred bidirectional channel.
	TransportWebSocket Transport = "websocket"
	// TransportSSE is the degraded receive-only fallback. Outbound
	// operations fail fast while on SSE; callers fall back to REST.
	TransportSSE Transport = "sse"
)

// RealtimeConfig configures the real-time client. Reconnection is on by
// default; set DisableAutoReconnect to opt out.
type RealtimeConfig struct {
	Token                string
	DisableAutoReconnect bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	AckTimeout           time.Duration
	UpgradeInterval      time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.UpgradeInterval == 0 {
		c.UpgradeInterval = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler receives the raw payload of a dispatched event.
type EventHandler func(payload json.RawMessage)

type eventDispatcher struct {
	mu       sync.RWMutex
	seq      int
	handlers map[string]map[int]EventHandler
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{handlers: make(map[string]map[int]EventHandler)}
}

// on registers a handler and returns its unsubscribe function.
func (d *eventDispatcher) on(event string, h EventHandler) func() {
	d.mu.Lock()
	d.seq++
	id := d.seq
	if d.handlers[event] == nil {
		d.handlers[event] = make(map[int]EventHandler)
	}
	d.handlers[event][id] = h
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.handlers[event], id)
		d.mu.Unlock()
	}
}

func (d *eventDispatcher) dispatch(event string, payload json.RawMessage) {
	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.handlers[event]))
	for _, h := range d.handlers[event] {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(payload)
		}()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

// nextDelay doubles per attempt with jitter, capped at maxDelay.
func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.25)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// RealtimeClient
// ============================================================================

type pendingResult struct {
	msg *Message
	err error
}

// RealtimeClient owns the single real-time connection to the chat server
// and translates wire events into typed internal events. It prefers a
// WebSocket transport and falls back to a receive-only SSE stream, with
// periodic upgrade attempts back to WebSocket mid-session.
type RealtimeClient struct {
	baseURL string
	cfg     *RealtimeConfig
	log     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	transport        Transport
	state            ConnState
	intentionalClose bool
	retrying         bool
	cancelFn         context.CancelFunc

	dispatcher *eventDispatcher
	recon      *reconnector

	pendingMu sync.Mutex
	pending   map[string]chan pendingResult
}

// Realtime creates a real-time client bound to this API client's base URL
// and credentials. Call Connect to establish the connection.
func (c *Client) Realtime(cfg *RealtimeConfig) *RealtimeClient {
	if cfg == nil {
		cfg = &RealtimeConfig{}
	}
	conf := *cfg
	if conf.Token == "" {
		conf.Token = c.token
	}
	if conf.HTTPClient == nil {
		conf.HTTPClient = c.httpClient
	}
	conf.defaults()

	log := zerolog.Nop()
	if conf.Logger != nil {
		log = *conf.Logger
	}

	return &RealtimeClient{
		baseURL:    c.baseURL,
		cfg:        &conf,
		log:        log.With().Str("module", "realtime").Logger(),
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&conf),
		pending:    make(map[string]chan pendingResult),
	}
}

// ── Event registration ───────────────────────────────────────────────────

// On registers a raw handler for a named event and returns its
// unsubscribe function.
func (rt *RealtimeClient) On(event string, h EventHandler) func() {
	return rt.dispatcher.on(event, h)
}

// OnConnectionStatus registers a handler for connection state changes.
func (rt *RealtimeClient) OnConnectionStatus(h func(ConnectionStatusPayload)) func() {
	return on(rt, EventConnectionStatus, h)
}

// OnConnectionError registers a handler for connection-level errors.
func (rt *RealtimeClient) OnConnectionError(h func(ConnectionErrorPayload)) func() {
	return on(rt, EventConnectionError, h)
}

// OnConnectionFailed registers a handler for terminal retry exhaustion.
func (rt *RealtimeClient) OnConnectionFailed(h func(ConnectionFailedPayload)) func() {
	return on(rt, EventConnectionFailed, h)
}

// OnRoomJoined registers a handler for room join confirmations.
func (rt *RealtimeClient) OnRoomJoined(h func(RoomJoinedPayload)) func() {
	return on(rt, EventRoomJoined, h)
}

// OnRoomLeft registers a handler for room leave confirmations.
func (rt *RealtimeClient) OnRoomLeft(h func(RoomLeftPayload)) func() {
	return on(rt, EventRoomLeft, h)
}

// OnMessageNew registers a handler for new messages.
func (rt *RealtimeClient) OnMessageNew(h func(MessageNewPayload)) func() {
	return on(rt, EventMessageNew, h)
}

// OnMessageEdited registers a handler for message edits.
func (rt *RealtimeClient) OnMessageEdited(h func(MessageEditedPayload)) func() {
	return on(rt, EventMessageEdited, h)
}

// OnMessageDeleted registers a handler for message deletions.
func (rt *RealtimeClient) OnMessageDeleted(h func(MessageDeletedPayload)) func() {
	return on(rt, EventMessageDeleted, h)
}

// OnMessageReaction registers a handler for reaction changes.
func (rt *RealtimeClient) OnMessageReaction(h func(MessageReactionPayload)) func() {
	return on(rt, EventMessageReaction, h)
}

// OnTypingStart registers a handler for typing-start broadcasts.
func (rt *RealtimeClient) OnTypingStart(h func(TypingPayload)) func() {
	return on(rt, EventTypingStart, h)
}

// OnTypingStop registers a handler for typing-stop broadcasts.
func (rt *RealtimeClient) OnTypingStop(h func(TypingPayload)) func() {
	return on(rt, EventTypingStop, h)
}

// OnUserOnline registers a handler for presence-online broadcasts.
func (rt *RealtimeClient) OnUserOnline(h func(PresencePayload)) func() {
	return on(rt, EventUserOnline, h)
}

// OnUserOffline registers a handler for presence-offline broadcasts.
func (rt *RealtimeClient) OnUserOffline(h func(PresencePayload)) func() {
	return on(rt, EventUserOffline, h)
}

// OnServerError registers a handler for broadcast server errors.
func (rt *RealtimeClient) OnServerError(h func(ErrorPayload)) func() {
	return on(rt, EventError, h)
}

// on adapts a typed handler to the raw dispatcher.
func on[T any](rt *RealtimeClient, event string, h func(T)) func() {
	return rt.dispatcher.on(event, func(payload json.RawMessage) {
		var p T
		if json.Unmarshal(payload, &p) == nil {
			h(p)
		}
	})
}

// ── State accessors ──────────────────────────────────────────────────────

// State returns the current connection state.
func (rt *RealtimeClient) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// IsConnected reports whether a live transport exists (including the
// receive-only SSE fallback).
func (rt *RealtimeClient) IsConnected() bool {
	return rt.State() == StateConnected
}

// Transport returns the active transport kind.
func (rt *RealtimeClient) Transport() Transport {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.transport
}

// writableConn returns the WebSocket connection, or nil when outbound
// signals cannot be delivered (disconnected or on the SSE fallback).
func (rt *RealtimeClient) writableConn() *websocket.Conn {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state != StateConnected || rt.transport != TransportWebSocket {
		return nil
	}
	return rt.conn
}

// ── Connect / Disconnect ─────────────────────────────────────────────────

// Connect establishes the real-time connection. It is a no-op when already
// connected or connecting. Authentication failures are terminal; any other
// failure schedules automatic reconnection unless opted out.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	err := rt.connectOnce(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAuthentication) {
		rt.log.Error().Err(err).Msg("authentication rejected, not retrying")
		return err
	}
	if !rt.cfg.DisableAutoReconnect {
		go rt.retryLoop()
	}
	return err
}

func (rt *RealtimeClient) connectOnce(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	rt.emitStatus(StateConnecting, TransportNone, "")
	rt.log.Debug().Str("url", rt.baseURL).Msg("connecting")

	conn, err := rt.dialWS(ctx)
	if err == nil {
		wsCtx, wsCancel := context.WithCancel(context.Background())
		connCtx := rt.adopt(conn, TransportWebSocket, wsCtx, wsCancel)
		go rt.readLoopWS(connCtx, conn)
		go rt.pingLoop(connCtx, conn)
		return nil
	}
	if errors.Is(err, ErrAuthentication) {
		rt.failConnect(err)
		return err
	}
	rt.log.Warn().Err(err).Msg("websocket dial failed, trying sse fallback")

	resp, streamCtx, streamCancel, sseErr := rt.dialSSE(ctx)
	if sseErr != nil {
		combined := fmt.Errorf("websocket: %w; sse: %v", err, sseErr)
		rt.failConnect(combined)
		if errors.Is(sseErr, ErrAuthentication) {
			return fmt.Errorf("%w: %v", ErrAuthentication, combined)
		}
		return combined
	}

	connCtx := rt.adopt(nil, TransportSSE, streamCtx, streamCancel)
	go rt.readLoopSSE(connCtx, resp)
	go rt.upgradeLoop(connCtx)
	return nil
}

// adopt installs a freshly established transport and returns the context
// its loops run under. connCtx/cancel own the transport's lifetime, so
// they must not descend from the caller's dial context.
func (rt *RealtimeClient) adopt(conn *websocket.Conn, transport Transport, connCtx context.Context, cancel context.CancelFunc) context.Context {
	rt.mu.Lock()
	if rt.cancelFn != nil {
		rt.cancelFn()
	}
	rt.conn = conn
	rt.transport = transport
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()

	rt.recon.reset()
	rt.log.Info().Str("transport", string(transport)).Msg("connected")
	rt.emitStatus(StateConnected, transport, "")
	return connCtx
}

func (rt *RealtimeClient) failConnect(err error) {
	rt.mu.Lock()
	rt.state = StateDisconnected
	rt.mu.Unlock()
	rt.emitStatus(StateDisconnected, TransportNone, err.Error())
	rt.emitError(err.Error())
}

func (rt *RealtimeClient) dialWS(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rt.cfg.Token

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: rt.cfg.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: HTTP %d", ErrAuthentication, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// dialSSE opens the fallback event stream. The response body is the live
// transport, so the request is bound to a fresh stream context returned
// to the caller; ctx bounds only the handshake. Binding the request to
// ctx would kill the stream when the dial context is cancelled after
// Connect returns.
func (rt *RealtimeClient) dialSSE(ctx context.Context) (*http.Response, context.Context, context.CancelFunc, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	sseURL := rt.baseURL + "/sse?token=" + rt.cfg.Token
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, sseURL, nil)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Abort the handshake if the caller gives up before it completes.
	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-handshakeDone:
		}
	}()

	resp, err := rt.cfg.HTTPClient.Do(req)
	close(handshakeDone)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		cancel()
		return nil, nil, nil, fmt.Errorf("%w: HTTP %d", ErrAuthentication, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, nil, nil, fmt.Errorf("sse HTTP %d", resp.StatusCode)
	}
	return resp, streamCtx, cancel, nil
}

// Disconnect closes the connection and stops all retries. Pending
// operations are rejected; registered event handlers are kept.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.transport = TransportNone
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.failPending(ErrConnectionLost)
	rt.emitStatus(StateDisconnected, TransportNone, "client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ── Read loops ───────────────────────────────────────────────────────────

func (rt *RealtimeClient) readLoopWS(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.handleDisconnect(err)
			return
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rt.resolvePending(env)
		rt.dispatcher.dispatch(env.Type, env.Payload)
	}
}

func (rt *RealtimeClient) readLoopSSE(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env Envelope
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) != nil {
			continue
		}
		rt.resolvePending(env)
		rt.dispatcher.dispatch(env.Type, env.Payload)
	}

	select {
	case <-ctx.Done():
		// The stream was abandoned deliberately (upgrade or disconnect).
	default:
		rt.handleDisconnect(errors.New("sse stream ended"))
	}
}

// pingLoop keeps the WebSocket alive and detects dead peers.
func (rt *RealtimeClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// upgradeLoop periodically retries the WebSocket while on the SSE
// fallback, swapping transports mid-session on success.
func (rt *RealtimeClient) upgradeLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.UpgradeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn, err := rt.dialWS(ctx)
			if err != nil {
				continue
			}
			rt.log.Info().Msg("upgraded sse transport to websocket")
			wsCtx, wsCancel := context.WithCancel(context.Background())
			connCtx := rt.adopt(conn, TransportWebSocket, wsCtx, wsCancel)
			go rt.readLoopWS(connCtx, conn)
			go rt.pingLoop(connCtx, conn)
			return
		}
	}
}

func (rt *RealtimeClient) handleDisconnect(err error) {
	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	rt.conn = nil
	rt.transport = TransportNone
	rt.state = StateDisconnected
	rt.mu.Unlock()

	reason := err.Error()
	code := websocket.CloseStatus(err)
	rt.log.Warn().Str("reason", reason).Msg("disconnected")

	rt.failPending(ErrConnectionLost)
	rt.emitStatus(StateDisconnected, TransportNone, reason)

	// Normal closure means the server intentionally ended the session
	// (forced logout); do not fight it.
	if code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway {
		return
	}
	if isAuthClose(code, reason) {
		rt.emitError("authentication required")
		return
	}

	if rt.cfg.DisableAutoReconnect {
		return
	}
	if rt.recon.shouldReconnect() {
		go rt.retryLoop()
	} else {
		rt.emitFailed("max reconnect attempts reached")
	}
}

func isAuthClose(code websocket.StatusCode, reason string) bool {
	return code == websocket.StatusPolicyViolation ||
		strings.Contains(reason, "Authentication")
}

// retryLoop runs the exponential backoff schedule until a connection is
// established, an attempt fails terminally, or the attempt cap is hit.
func (rt *RealtimeClient) retryLoop() {
	rt.mu.Lock()
	if rt.retrying {
		rt.mu.Unlock()
		return
	}
	rt.retrying = true
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		rt.retrying = false
		rt.mu.Unlock()
	}()

	for rt.recon.shouldReconnect() {
		rt.mu.Lock()
		stop := rt.intentionalClose || rt.state == StateConnected
		rt.mu.Unlock()
		if stop {
			return
		}

		delay := rt.recon.nextDelay()
		rt.log.Debug().
			Int("attempt", rt.recon.attempt).
			Dur("delay", delay).
			Msg("scheduling reconnect")
		time.Sleep(delay)

		err := rt.connectOnce(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, ErrAuthentication) {
			rt.log.Error().Err(err).Msg("authentication rejected during reconnect")
			return
		}
	}
	rt.emitFailed("max reconnect attempts reached")
}

// ── Pending operation correlation ────────────────────────────────────────

func (rt *RealtimeClient) registerPending(requestID string) chan pendingResult {
	ch := make(chan pendingResult, 1)
	rt.pendingMu.Lock()
	rt.pending[requestID] = ch
	rt.pendingMu.Unlock()
	return ch
}

func (rt *RealtimeClient) unregisterPending(requestID string) {
	rt.pendingMu.Lock()
	delete(rt.pending, requestID)
	rt.pendingMu.Unlock()
}

func (rt *RealtimeClient) deliverPending(requestID string, res pendingResult) {
	if requestID == "" {
		return
	}
	rt.pendingMu.Lock()
	ch, ok := rt.pending[requestID]
	if ok {
		delete(rt.pending, requestID)
	}
	rt.pendingMu.Unlock()
	if ok {
		ch <- res
	}
}

func (rt *RealtimeClient) failPending(err error) {
	rt.pendingMu.Lock()
	for id, ch := range rt.pending {
		delete(rt.pending, id)
		ch <- pendingResult{err: err}
	}
	rt.pendingMu.Unlock()
}

// resolvePending routes correlated acknowledgments to their pending
// operations before the event reaches general subscribers.
func (rt *RealtimeClient) resolvePending(env Envelope) {
	switch env.Type {
	case EventRoomJoined:
		var p RoomJoinedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			rt.deliverPending(p.RequestID, pendingResult{})
		}
	case EventMessageNew:
		var p MessageNewPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			msg := p.Message
			rt.deliverPending(p.RequestID, pendingResult{msg: &msg})
		}
	case EventError:
		var p ErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			rt.deliverPending(p.RequestID, pendingResult{err: &p})
		}
	}
}

// awaitAck blocks until the correlated acknowledgment arrives, the ack
// window elapses, or ctx is done. The pending entry is always removed, so
// later unrelated events cannot resolve this call.
func (rt *RealtimeClient) awaitAck(ctx context.Context, requestID string, ch chan pendingResult) (*Message, error) {
	defer rt.unregisterPending(requestID)
	select {
	case res := <-ch:
		return res.msg, res.err
	case <-time.After(rt.cfg.AckTimeout):
		return nil, ErrAckTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ── Outbound operations ──────────────────────────────────────────────────

func (rt *RealtimeClient) writeCommand(ctx context.Context, conn *websocket.Conn, cmd *Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// JoinRoom subscribes this connection to a room's broadcasts. It resolves
// on the server's correlated room:joined acknowledgment, or fails on a
// correlated error or after the ack timeout.
func (rt *RealtimeClient) JoinRoom(ctx context.Context, chatType ChatType, roomCtx RoomContext) error {
	if _, err := RoomID(chatType, roomCtx); err != nil {
		return err
	}
	conn := rt.writableConn()
	if conn == nil {
		return ErrNotConnected
	}

	requestID := uuid.NewString()
	ch := rt.registerPending(requestID)
	err := rt.writeCommand(ctx, conn, &Command{
		Type:      EventRoomJoin,
		RequestID: requestID,
		Payload: roomSignal{
			ChatType:    chatType,
			Workspace:   roomCtx.Workspace,
			Project:     roomCtx.Project,
			OtherUserID: roomCtx.OtherUserID,
		},
	})
	if err != nil {
		rt.unregisterPending(requestID)
		return err
	}
	_, err = rt.awaitAck(ctx, requestID, ch)
	return err
}

// LeaveRoom is fire-and-forget: no acknowledgment is awaited and leaving
// while disconnected is a silent no-op.
func (rt *RealtimeClient) LeaveRoom(chatType ChatType, roomCtx RoomContext) {
	conn := rt.writableConn()
	if conn == nil {
		return
	}
	roomName, err := RoomID(chatType, roomCtx)
	if err != nil {
		rt.log.Warn().Err(err).Msg("leave room with invalid spec dropped")
		return
	}
	_ = rt.writeCommand(context.Background(), conn, &Command{
		Type:    EventRoomLeave,
		Payload: map[string]string{"roomName": roomName},
	})
}

// SendMessage delivers a message over the real-time channel and returns
// the server-created message echoed in the correlated acknowledgment.
func (rt *RealtimeClient) SendMessage(ctx context.Context, chatType ChatType, roomCtx RoomContext, opts SendOptions) (*Message, error) {
	conn := rt.writableConn()
	if conn == nil {
		return nil, ErrNotConnected
	}

	requestID := uuid.NewString()
	ch := rt.registerPending(requestID)
	err := rt.writeCommand(ctx, conn, &Command{
		Type:      EventMessageSend,
		RequestID: requestID,
		Payload: roomSignal{
			ChatType:    chatType,
			Workspace:   roomCtx.Workspace,
			Project:     roomCtx.Project,
			OtherUserID: roomCtx.OtherUserID,
			Content:     opts.Content,
			MessageType: opts.MessageType,
			ReplyTo:     opts.ReplyTo,
		},
	})
	if err != nil {
		rt.unregisterPending(requestID)
		return nil, err
	}
	return rt.awaitAck(ctx, requestID, ch)
}

// EditMessage is fire-and-forget; the result is observed via the
// message:edited broadcast.
func (rt *RealtimeClient) EditMessage(messageID, content string) error {
	conn := rt.writableConn()
	if conn == nil {
		return ErrNotConnected
	}
	return rt.writeCommand(context.Background(), conn, &Command{
		Type:    EventMessageEdit,
		Payload: map[string]string{"messageId": messageID, "content": content},
	})
}

// DeleteMessage is fire-and-forget; the result is observed via the
// message:deleted broadcast.
func (rt *RealtimeClient) DeleteMessage(messageID string) error {
	conn := rt.writableConn()
	if conn == nil {
		return ErrNotConnected
	}
	return rt.writeCommand(context.Background(), conn, &Command{
		Type:    EventMessageDelete,
		Payload: map[string]string{"messageId": messageID},
	})
}

// ReactToMessage is fire-and-forget; the result is observed via the
// message:reaction broadcast.
func (rt *RealtimeClient) ReactToMessage(messageID, emoji string) error {
	conn := rt.writableConn()
	if conn == nil {
		return ErrNotConnected
	}
	return rt.writeCommand(context.Background(), conn, &Command{
		Type:    EventMessageReact,
		Payload: map[string]string{"messageId": messageID, "emoji": emoji},
	})
}

// StartTyping signals that the current user is typing. Silently dropped
// when not connected.
func (rt *RealtimeClient) StartTyping(chatType ChatType, roomCtx RoomContext) {
	rt.sendTyping(EventTypingStart, chatType, roomCtx)
}

// StopTyping signals that the current user stopped typing. Silently
// dropped when not connected.
func (rt *RealtimeClient) StopTyping(chatType ChatType, roomCtx RoomContext) {
	rt.sendTyping(EventTypingStop, chatType, roomCtx)
}

func (rt *RealtimeClient) sendTyping(event string, chatType ChatType, roomCtx RoomContext) {
	conn := rt.writableConn()
	if conn == nil {
		return
	}
	_ = rt.writeCommand(context.Background(), conn, &Command{
		Type: event,
		Payload: roomSignal{
			ChatType:    chatType,
			Workspace:   roomCtx.Workspace,
			Project:     roomCtx.Project,
			OtherUserID: roomCtx.OtherUserID,
		},
	})
}

// ── Meta event emission ──────────────────────────────────────────────────

func (rt *RealtimeClient) emitStatus(state ConnState, transport Transport, reason string) {
	payload, _ := json.Marshal(ConnectionStatusPayload{State: state, Transport: transport, Reason: reason})
	rt.dispatcher.dispatch(EventConnectionStatus, payload)
}

func (rt *RealtimeClient) emitError(msg string) {
	payload, _ := json.Marshal(ConnectionErrorPayload{Error: msg})
	rt.dispatcher.dispatch(EventConnectionError, payload)
}

func (rt *RealtimeClient) emitFailed(reason string) {
	rt.log.Error().Str("reason", reason).Msg("giving up on reconnection")
	payload, _ := json.Marshal(ConnectionFailedPayload{Reason: reason})
	rt.dispatcher.dispatch(EventConnectionFailed, payload)
}

package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push-channel adapter.
type RealtimeConfig struct {
	// Credential authenticates the connection (the same token the HTTP
	// client carries).
	Credential string
	// MaxReconnectAttempts caps automatic retries before the adapter settles
	// into a persistent-disconnect state. Default 5.
	MaxReconnectAttempts int
	// ReconnectDelay is the fixed pause between attempts. Default 1s.
	ReconnectDelay time.Duration
	// Logger for connection lifecycle tracing. Nil means slog.Default().
	Logger *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnState represents the push-channel connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Event dispatcher
// ============================================================================

// The dispatcher delivers events synchronously from the read loop, so a
// single conversation's events reach the consumer in receipt order.
type eventDispatcher struct {
	mu             sync.RWMutex
	onNewMessage   []func(Message)
	onEdited       []func(MessageEdit)
	onDeleted      []func(MessageDelete)
	onChatStarted  []func(Conversation)
	onTyping       []func(TypingSignal)
	onPresence     []func(PresenceChange)
	onState        []func(ConnState)
	onConnError    []func(error)
}

func (d *eventDispatcher) dispatch(norm Normalizer, env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case EventNewMessage:
		var raw map[string]any
		if json.Unmarshal(env.Payload, &raw) == nil {
			m := norm.Message(raw)
			for _, h := range d.onNewMessage {
				h(m)
			}
		}
	case EventMessageEdited:
		var raw map[string]any
		if json.Unmarshal(env.Payload, &raw) == nil {
			e := MessageEdit{
				ConversationID: strOr(raw, "conversationId", ""),
				MessageID:      strOr(raw, "id", strOr(raw, "messageId", "")),
				Content:        strOr(raw, "content", ""),
			}
			for _, h := range d.onEdited {
				h(e)
			}
		}
	case EventMessageDeleted:
		var raw map[string]any
		if json.Unmarshal(env.Payload, &raw) == nil {
			del := MessageDelete{
				ConversationID: strOr(raw, "conversationId", ""),
				MessageID:      strOr(raw, "id", strOr(raw, "messageId", "")),
			}
			for _, h := range d.onDeleted {
				h(del)
			}
		}
	case EventChatStarted:
		var raw map[string]any
		if json.Unmarshal(env.Payload, &raw) == nil {
			c := norm.Conversation(raw)
			for _, h := range d.onChatStarted {
				h(c)
			}
		}
	case EventTyping, EventStopTyping:
		var raw map[string]any
		if json.Unmarshal(env.Payload, &raw) == nil {
			sig := TypingSignal{
				ConversationID: strOr(raw, "conversationId", ""),
				UserID:         strOr(raw, "userId", strOr(raw, "senderId", "")),
				Stop:           env.Type == EventStopTyping,
			}
			for _, h := range d.onTyping {
				h(sig)
			}
		}
	case EventPresence:
		var raw map[string]any
		if json.Unmarshal(env.Payload, &raw) == nil {
			p := PresenceChange{
				UserID: strOr(raw, "userId", ""),
				Online: strOr(raw, "status", "") == "online" || boolOr(raw, "online", false),
			}
			for _, h := range d.onPresence {
				h(p)
			}
		}
	}
}

func (d *eventDispatcher) emitState(s ConnState) {
	d.mu.RLock()
	handlers := append([]func(ConnState){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

func (d *eventDispatcher) emitConnError(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onConnError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

// ============================================================================
// Realtime adapter
// ============================================================================

// Realtime is the push-channel adapter: it delivers live updates (new, edited
// and deleted messages, chat starts, typing, presence) and owns the
// reconnection policy. It never carries outbound sends; those go over the
// reliable request/response path regardless of push-channel health.
type Realtime struct {
	url    string
	config RealtimeConfig
	norm   Normalizer
	log    *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	activeRoom       string
	attempts         int
	cancelFn         context.CancelFunc

	dispatcher eventDispatcher
}

// NewRealtime creates a disconnected adapter for the given websocket base URL.
// selfID is the current actor id, used to normalize message direction at the
// transport boundary.
func NewRealtime(baseURL, selfID string, config RealtimeConfig) *Realtime {
	config.defaults()
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return &Realtime{
		url:    wsURL + "/ws",
		config: config,
		norm:   Normalizer{SelfID: selfID},
		log:    config.Logger,
		state:  StateDisconnected,
	}
}

// OnNewMessage registers a handler for live messages.
func (rt *Realtime) OnNewMessage(h func(Message)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onNewMessage = append(rt.dispatcher.onNewMessage, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessageEdited registers a handler for edit events.
func (rt *Realtime) OnMessageEdited(h func(MessageEdit)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onEdited = append(rt.dispatcher.onEdited, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessageDeleted registers a handler for delete events.
func (rt *Realtime) OnMessageDeleted(h func(MessageDelete)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDeleted = append(rt.dispatcher.onDeleted, h)
	rt.dispatcher.mu.Unlock()
}

// OnChatStarted registers a handler for newly-started conversations.
func (rt *Realtime) OnChatStarted(h func(Conversation)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onChatStarted = append(rt.dispatcher.onChatStarted, h)
	rt.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for typing and stop-typing signals.
func (rt *Realtime) OnTyping(h func(TypingSignal)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onTyping = append(rt.dispatcher.onTyping, h)
	rt.dispatcher.mu.Unlock()
}

// OnPresence registers a handler for online/offline changes.
func (rt *Realtime) OnPresence(h func(PresenceChange)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onPresence = append(rt.dispatcher.onPresence, h)
	rt.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (rt *Realtime) OnStateChange(h func(ConnState)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onState = append(rt.dispatcher.onState, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnectionError registers a handler for push-channel failures. Errors are
// delivered as events rather than thrown: sends must keep working while the
// push channel is down.
func (rt *Realtime) OnConnectionError(h func(error)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnError = append(rt.dispatcher.onConnError, h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *Realtime) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connect establishes the push channel. A manual call resets the retry
// budget, so it also serves as the recovery action after a persistent
// disconnect.
func (rt *Realtime) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.attempts = 0
	rt.mu.Unlock()
	rt.dispatcher.emitState(StateConnecting)

	return rt.dial(ctx)
}

func (rt *Realtime) dial(ctx context.Context) error {
	u := rt.url
	if rt.config.Credential != "" {
		u += "?token=" + rt.config.Credential
	}
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		rt.dispatcher.emitState(StateDisconnected)
		return &ConnectionError{Op: "dial", Err: err}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.attempts = 0
	rt.cancelFn = cancel
	room := rt.activeRoom
	rt.mu.Unlock()
	rt.dispatcher.emitState(StateConnected)
	rt.log.Debug("push channel connected")

	// Re-join whatever room was active at disconnect time.
	if room != "" {
		if err := rt.send(connCtx, command{Type: commandJoinRoom, Payload: roomPayload{ConversationID: room}}); err != nil {
			rt.log.Warn("room re-join failed", "conversation", room, "error", err)
		}
	}

	go rt.readLoop(connCtx, conn)
	return nil
}

// Disconnect closes the channel intentionally. No reconnect is scheduled.
func (rt *Realtime) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()
	rt.dispatcher.emitState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinRoom scopes event delivery to one open conversation. At most one room
// is active at a time; joining implicitly leaves the previous room.
// Directory-level events (chat started, background new-message) arrive
// regardless of room membership.
func (rt *Realtime) JoinRoom(ctx context.Context, conversationID string) error {
	rt.mu.Lock()
	prev := rt.activeRoom
	rt.activeRoom = conversationID
	rt.mu.Unlock()

	if prev != "" && prev != conversationID {
		if err := rt.send(ctx, command{Type: commandLeaveRoom, Payload: roomPayload{ConversationID: prev}}); err != nil {
			rt.log.Debug("room leave failed", "conversation", prev, "error", err)
		}
	}
	return rt.send(ctx, command{Type: commandJoinRoom, Payload: roomPayload{ConversationID: conversationID}})
}

// LeaveRoom clears the active room.
func (rt *Realtime) LeaveRoom(ctx context.Context, conversationID string) error {
	rt.mu.Lock()
	if rt.activeRoom == conversationID {
		rt.activeRoom = ""
	}
	rt.mu.Unlock()
	return rt.send(ctx, command{Type: commandLeaveRoom, Payload: roomPayload{ConversationID: conversationID}})
}

// EmitTyping signals that the local user is typing. Fire-and-forget.
func (rt *Realtime) EmitTyping(ctx context.Context, conversationID string) {
	if err := rt.send(ctx, command{Type: commandStartTyping, Payload: roomPayload{ConversationID: conversationID}}); err != nil {
		rt.log.Debug("typing emit failed", "error", err)
	}
}

// EmitStopTyping signals that the local user stopped typing. Fire-and-forget.
func (rt *Realtime) EmitStopTyping(ctx context.Context, conversationID string) {
	if err := rt.send(ctx, command{Type: commandStopTyping, Payload: roomPayload{ConversationID: conversationID}}); err != nil {
		rt.log.Debug("stop-typing emit failed", "error", err)
	}
}

func (rt *Realtime) send(ctx context.Context, cmd command) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn == nil {
		return &ConnectionError{Op: "send", Err: fmt.Errorf("not connected")}
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rt *Realtime) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			if rt.conn == conn {
				rt.conn = nil
			}
			rt.mu.Unlock()
			if intentional || ctx.Err() != nil {
				return
			}

			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.mu.Unlock()
			rt.dispatcher.emitState(StateDisconnected)
			rt.log.Debug("push channel dropped", "error", err)

			go rt.reconnectLoop()
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rt.dispatcher.dispatch(rt.norm, env)
	}
}

// reconnectLoop retries with a fixed delay up to the attempt cap, then
// settles into a persistent-disconnect state requiring a manual Connect.
func (rt *Realtime) reconnectLoop() {
	for {
		rt.mu.Lock()
		if rt.intentionalClose {
			rt.mu.Unlock()
			return
		}
		rt.attempts++
		attempt := rt.attempts
		if attempt > rt.config.MaxReconnectAttempts {
			rt.state = StateDisconnected
			rt.mu.Unlock()
			rt.dispatcher.emitConnError(&ConnectionError{
				Op:  "reconnect",
				Err: fmt.Errorf("gave up after %d attempts", rt.config.MaxReconnectAttempts),
			})
			return
		}
		rt.state = StateReconnecting
		rt.mu.Unlock()
		rt.dispatcher.emitState(StateReconnecting)
		rt.log.Debug("reconnecting", "attempt", attempt)

		time.Sleep(rt.config.ReconnectDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := rt.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		rt.log.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Transport contract
// ============================================================================

// Transport is the push-channel surface the engine consumes. Realtime
// implements it; tests substitute fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	JoinRoom(ctx context.Context, conversationID string) error
	LeaveRoom(ctx context.Context, conversationID string) error
	EmitTyping(ctx context.Context, conversationID string)
	EmitStopTyping(ctx context.Context, conversationID string)
	OnNewMessage(func(Message))
	OnMessageEdited(func(MessageEdit))
	OnMessageDeleted(func(MessageDelete))
	OnChatStarted(func(Conversation))
	OnTyping(func(TypingSignal))
	OnPresence(func(PresenceChange))
	OnStateChange(func(ConnState))
	OnConnectionError(func(error))
}

// ============================================================================
// Read model
// ============================================================================

// Snapshot is the read-only view handed to the presentation layer. It is a
// copy; mutating it has no effect on the engine.
type Snapshot struct {
	// Conversations in display order (recency descending).
	Conversations []Conversation
	// Active is the open conversation's header, from the directory or the
	// pending-chat holder. Nil when nothing is open.
	Active *Conversation
	// Messages of the open conversation, createdAt ascending.
	Messages []Message
	// TypingUsers currently typing in the open conversation.
	TypingUsers []string
	// ConnState of the push channel.
	ConnState ConnState
}

// Notice is a user-visible error surfaced by the engine. None of them are
// fatal: the worst case is a conversation or message temporarily stale.
type Notice struct {
	Err error
}

// ============================================================================
// Options
// ============================================================================

type engineOptions struct {
	logger          *slog.Logger
	now             func() time.Time
	reconcileWindow time.Duration
	typingExpiry    time.Duration
	typingDebounce  time.Duration
}

type EngineOption func(*engineOptions)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(o *engineOptions) { o.now = now }
}

// WithReconcileWindow overrides the provisional-match time window.
func WithReconcileWindow(d time.Duration) EngineOption {
	return func(o *engineOptions) { o.reconcileWindow = d }
}

// WithTypingExpiry overrides how long remote typing indicators live.
func WithTypingExpiry(d time.Duration) EngineOption {
	return func(o *engineOptions) { o.typingExpiry = d }
}

// WithTypingDebounce overrides the local keystroke debounce window.
func WithTypingDebounce(d time.Duration) EngineOption {
	return func(o *engineOptions) { o.typingDebounce = d }
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the synchronization core. All mutation entry points (fetch
// completions, transport events, user actions) are typed events serialized
// through a single loop, so the directory and the active ledger only ever
// have one writer and never expose a partial state. Network calls are the
// only suspension points; they run in their own goroutines and post their
// results back as events.
type Engine struct {
	selfID    string
	api       API
	transport Transport
	log       *slog.Logger
	opts      engineOptions
	norm      Normalizer

	events chan engineEvent
	done   chan struct{}
	ctx    context.Context

	// State below is owned by the loop goroutine.
	dir       *Directory
	ledger    *Ledger
	pending   *PendingChats
	typing    *TypingTracker
	emitter   typingEmitter
	active    string
	gen       int // conversation-switch generation; stale loads are discarded
	promoted  map[string]bool
	conn      ConnState
	stopTimer *time.Timer

	mu      sync.RWMutex
	snap    Snapshot
	notices chan Notice
	updates chan struct{}

	closeOnce sync.Once
}

// NewEngine creates an engine for the given actor. selfID is resolved once at
// session start and is the sole source of the "own message" judgement.
func NewEngine(selfID string, api API, transport Transport, opts ...EngineOption) *Engine {
	o := engineOptions{
		now:             time.Now,
		reconcileWindow: DefaultReconcileWindow,
		typingExpiry:    DefaultTypingExpiry,
		typingDebounce:  DefaultTypingExpiry,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	e := &Engine{
		selfID:    selfID,
		api:       api,
		transport: transport,
		log:       o.logger,
		opts:      o,
		norm:      Normalizer{SelfID: selfID},
		events:    make(chan engineEvent, 64),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		dir:       NewDirectory(),
		pending:   NewPendingChats(),
		typing:    NewTypingTracker(o.typingExpiry),
		promoted:  make(map[string]bool),
		conn:      StateDisconnected,
		notices:   make(chan Notice, 16),
		updates:   make(chan struct{}, 1),
	}
	return e
}

// Start wires the transport, launches the event loop, kicks off the initial
// directory fetch and connects the push channel. Connection failures arrive
// as notices, not as a return value: sends work without the push channel.
func (e *Engine) Start(ctx context.Context) {
	e.ctx = ctx

	e.transport.OnNewMessage(func(m Message) { e.post(evRemoteMessage{msg: m}) })
	e.transport.OnMessageEdited(func(ed MessageEdit) { e.post(evRemoteEdit{edit: ed}) })
	e.transport.OnMessageDeleted(func(del MessageDelete) { e.post(evRemoteDelete{del: del}) })
	e.transport.OnChatStarted(func(c Conversation) { e.post(evChatStarted{conv: c}) })
	e.transport.OnTyping(func(sig TypingSignal) { e.post(evTypingSignal{sig: sig}) })
	e.transport.OnPresence(func(p PresenceChange) { e.post(evPresence{change: p}) })
	e.transport.OnStateChange(func(s ConnState) { e.post(evConnState{state: s}) })
	e.transport.OnConnectionError(func(err error) { e.post(evConnError{err: err}) })

	go e.loop()

	go func() {
		convs, err := e.api.FetchConversations(ctx)
		e.post(evDirectoryLoaded{convs: convs, err: err})
	}()
	go func() {
		if err := e.transport.Connect(ctx); err != nil {
			e.post(evConnError{err: err})
		}
	}()
}

// Close stops the loop and disconnects the push channel.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		if err := e.transport.Disconnect(); err != nil {
			e.log.Debug("disconnect", "error", err)
		}
	})
}

// Snapshot returns the current read model.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

// Notices delivers user-visible errors. The channel is buffered; when nobody
// drains it, notices are dropped with a log line rather than blocking the
// engine.
func (e *Engine) Notices() <-chan Notice {
	return e.notices
}

// Updates signals (coalesced) that a new snapshot is available.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

// ============================================================================
// Imperative actions
// ============================================================================

// SelectConversation opens a conversation: joins its room, marks it read and
// loads its messages. A load still in flight when the user switches again is
// discarded on arrival.
func (e *Engine) SelectConversation(id string) {
	e.post(evSelect{id: id})
}

// StartConversation opens a locally-synthesized conversation ("message this
// counterpart") that is not inserted into the directory until its first
// message round-trips. Starting a second pending chat discards the first.
func (e *Engine) StartConversation(conv Conversation) {
	e.post(evStartPending{conv: conv})
}

// Send posts a text message optimistically and issues the network send.
func (e *Engine) Send(content string) {
	e.post(evSendText{content: content})
}

// SendMedia validates the attachment batch, then posts a provisional media
// message and runs the upload+send pipeline. Quota violations fail fast
// before any network call.
func (e *Engine) SendMedia(batch AttachmentBatch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	e.post(evSendMedia{batch: batch})
	return nil
}

// Edit requests an edit of a message in the open conversation.
func (e *Engine) Edit(messageID, content string) {
	e.post(evEdit{messageID: messageID, content: content})
}

// Delete removes a message from the open conversation.
func (e *Engine) Delete(messageID string) {
	e.post(evDelete{messageID: messageID})
}

// MarkRead zeroes a conversation's unread count.
func (e *Engine) MarkRead(conversationID string) {
	e.post(evMarkRead{conversationID: conversationID})
}

// DeleteConversation removes a conversation entirely.
func (e *Engine) DeleteConversation(conversationID string) {
	e.post(evDeleteConv{conversationID: conversationID})
}

// Typing records a local keystroke in the open conversation. The first
// keystroke emits a typing signal immediately; the stop signal fires after
// the debounce window of silence.
func (e *Engine) Typing() {
	e.post(evKeystroke{})
}

// Reconnect manually re-establishes the push channel after a persistent
// disconnect.
func (e *Engine) Reconnect() {
	go func() {
		if err := e.transport.Connect(e.ctx); err != nil {
			e.post(evConnError{err: err})
		}
	}()
}

// ============================================================================
// Loop
// ============================================================================

func (e *Engine) post(ev engineEvent) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *Engine) loop() {
	for {
		select {
		case <-e.done:
			return
		case ev := <-e.events:
			ev.apply(e)
			e.publish()
		}
	}
}

// publish rebuilds the read model after one fully-applied event. Readers
// never observe a state between events.
func (e *Engine) publish() {
	snap := Snapshot{
		Conversations: e.dir.List(),
		ConnState:     e.conn,
	}
	if e.active != "" {
		if conv, ok := e.dir.Get(e.active); ok {
			snap.Active = &conv
		} else if conv, ok := e.pending.Get(e.active); ok {
			snap.Active = &conv
		}
		if e.ledger != nil {
			snap.Messages = e.ledger.Messages()
		}
		snap.TypingUsers = e.typing.Users(e.opts.now())
	}

	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()

	select {
	case e.updates <- struct{}{}:
	default:
	}
}

func (e *Engine) notice(err error) {
	select {
	case e.notices <- Notice{Err: err}:
	default:
		e.log.Warn("notice dropped", "error", err)
	}
}

// ============================================================================
// Events
// ============================================================================

type engineEvent interface {
	apply(*Engine)
}

type evDirectoryLoaded struct {
	convs []Conversation
	err   error
}

func (ev evDirectoryLoaded) apply(e *Engine) {
	if ev.err != nil {
		e.notice(&FetchError{Err: ev.err})
		return
	}
	for _, c := range ev.convs {
		e.dir.Upsert(c)
	}
}

type evSelect struct{ id string }

func (ev evSelect) apply(e *Engine) {
	if ev.id == e.active {
		return
	}
	if e.pending.State() == PendingHeld && !e.pending.Holds(ev.id) {
		e.pending.Abandon()
	}
	e.switchTo(ev.id)

	if _, ok := e.dir.Get(ev.id); ok {
		e.dir.MarkRead(ev.id)
		go func() {
			if err := e.api.MarkConversationRead(e.ctx, ev.id); err != nil {
				e.log.Warn("mark read failed", "conversation", ev.id, "error", err)
			}
		}()
	}

	go func() {
		if err := e.transport.JoinRoom(e.ctx, ev.id); err != nil {
			e.log.Debug("room join failed", "conversation", ev.id, "error", err)
		}
	}()

	if e.pending.Holds(ev.id) {
		return // nothing persisted server-side yet
	}
	gen := e.gen
	go func() {
		msgs, err := e.api.FetchMessages(e.ctx, ev.id)
		e.post(evLedgerLoaded{gen: gen, conversationID: ev.id, msgs: msgs, err: err})
	}()
}

// switchTo resets the per-conversation state for a new active conversation.
// The generation counter fences off loads that were in flight for the
// previous one.
func (e *Engine) switchTo(id string) {
	e.gen++
	e.active = id
	e.ledger = NewLedger(id)
	e.ledger.window = e.opts.reconcileWindow
	e.typing.Reset()
	if e.stopTimer != nil {
		e.stopTimer.Stop()
		e.stopTimer = nil
	}
	e.emitter = typingEmitter{window: e.opts.typingDebounce}
}

type evLedgerLoaded struct {
	gen            int
	conversationID string
	msgs           []Message
	err            error
}

func (ev evLedgerLoaded) apply(e *Engine) {
	if ev.gen != e.gen {
		e.log.Debug("stale load discarded", "conversation", ev.conversationID)
		return
	}
	if ev.err != nil {
		e.notice(&FetchError{ConversationID: ev.conversationID, Err: ev.err})
		return
	}
	e.ledger.Load(ev.msgs)
}

type evStartPending struct{ conv Conversation }

func (ev evStartPending) apply(e *Engine) {
	if _, ok := e.dir.Get(ev.conv.ID); ok {
		// The conversation already exists; treat this as a plain select.
		evSelect{id: ev.conv.ID}.apply(e)
		return
	}
	e.pending.Start(ev.conv)
	e.switchTo(ev.conv.ID)
}

type evRemoteMessage struct{ msg Message }

func (ev evRemoteMessage) apply(e *Engine) {
	m := ev.msg
	if m.ConversationID == e.active && e.ledger != nil {
		outcome := e.ledger.Reconcile(m)
		if outcome == ReconcileDiscarded {
			return // deleted while the send was in flight; stays deleted
		}
		e.typing.Stop(m.SenderID)
	}
	e.bumpDirectory(m)
}

// bumpDirectory reflects a confirmed message into the sidebar: preview, time,
// order and unread count.
func (e *Engine) bumpDirectory(m Message) {
	background := m.ConversationID != e.active
	if _, ok := e.dir.Get(m.ConversationID); !ok {
		conv := e.norm.ConversationFromMessage(m)
		if background && m.Direction == DirectionReceived {
			conv.UnreadCount = 1
		}
		e.dir.Upsert(conv)
		return
	}
	e.dir.Patch(m.ConversationID, func(c *Conversation) {
		if !m.CreatedAt.Before(c.LastActivityAt) {
			c.LastActivityAt = m.CreatedAt
			c.LastMessagePreview = m.preview()
			c.LastMessageID = m.ID
		}
		c.HasPersistedMessages = true
		if background && m.Direction == DirectionReceived {
			c.UnreadCount++
		}
	})
}

type evRemoteEdit struct{ edit MessageEdit }

func (ev evRemoteEdit) apply(e *Engine) {
	ed := ev.edit
	if ed.ConversationID == e.active && e.ledger != nil {
		e.ledger.ApplyEdit(ed.MessageID, ed.Content)
	}
	e.dir.Patch(ed.ConversationID, func(c *Conversation) {
		if c.LastMessageID == ed.MessageID {
			c.LastMessagePreview = ed.Content
		}
	})
}

type evRemoteDelete struct{ del MessageDelete }

func (ev evRemoteDelete) apply(e *Engine) {
	e.applyDelete(ev.del.ConversationID, ev.del.MessageID)
}

// applyDelete removes a message and recomputes the directory entry. When the
// removed message was the conversation's last, the preview falls back to the
// new tail; a conversation born as a pending chat disappears entirely once
// its ledger drains.
func (e *Engine) applyDelete(conversationID, messageID string) {
	if conversationID == e.active && e.ledger != nil {
		if _, ok := e.ledger.ApplyDelete(messageID); !ok {
			return
		}
		conv, inDir := e.dir.Get(conversationID)
		if !inDir {
			return
		}
		if e.ledger.Len() == 0 {
			if e.promoted[conversationID] {
				e.dir.Remove(conversationID)
			} else {
				e.dir.Patch(conversationID, func(c *Conversation) {
					c.LastMessagePreview = ""
					c.LastMessageID = ""
				})
			}
			return
		}
		if conv.LastMessageID == messageID {
			last, _ := e.ledger.Last()
			e.dir.Patch(conversationID, func(c *Conversation) {
				c.LastMessagePreview = last.preview()
				c.LastMessageID = last.ID
				c.LastActivityAt = last.CreatedAt
			})
		}
		return
	}

	// Background conversation: without its ledger the previous message is
	// unknown, so the preview degrades to the empty state.
	e.dir.Patch(conversationID, func(c *Conversation) {
		if c.LastMessageID == messageID {
			c.LastMessagePreview = ""
			c.LastMessageID = ""
		}
	})
}

type evChatStarted struct{ conv Conversation }

func (ev evChatStarted) apply(e *Engine) {
	if e.pending.Holds(ev.conv.ID) {
		// The server materialized our pending chat (e.g. the counterpart
		// wrote first); release it into the directory.
		e.pending.Promote(ev.conv.ID)
		e.promoted[ev.conv.ID] = true
	}
	e.dir.Upsert(ev.conv)
}

type evTypingSignal struct{ sig TypingSignal }

func (ev evTypingSignal) apply(e *Engine) {
	sig := ev.sig
	if sig.ConversationID != e.active {
		return // background conversations are not tracked
	}
	if sig.Stop {
		e.typing.Stop(sig.UserID)
		return
	}
	e.typing.Observe(sig.UserID, e.opts.now())
	time.AfterFunc(e.opts.typingExpiry+10*time.Millisecond, func() {
		e.post(evTypingPrune{})
	})
}

type evTypingPrune struct{}

func (ev evTypingPrune) apply(e *Engine) {
	e.typing.Prune(e.opts.now())
}

type evPresence struct{ change PresenceChange }

func (ev evPresence) apply(e *Engine) {
	for _, conv := range e.dir.List() {
		if conv.CounterpartID == ev.change.UserID {
			online := ev.change.Online
			e.dir.Patch(conv.ID, func(c *Conversation) { c.Online = online })
		}
	}
}

type evConnState struct{ state ConnState }

func (ev evConnState) apply(e *Engine) {
	e.conn = ev.state
}

type evConnError struct{ err error }

func (ev evConnError) apply(e *Engine) {
	var cerr *ConnectionError
	if !errors.As(ev.err, &cerr) {
		ev.err = &ConnectionError{Op: "push channel", Err: ev.err}
	}
	e.notice(ev.err)
}

type evMarkRead struct{ conversationID string }

func (ev evMarkRead) apply(e *Engine) {
	e.dir.MarkRead(ev.conversationID)
	go func() {
		if err := e.api.MarkConversationRead(e.ctx, ev.conversationID); err != nil {
			e.log.Warn("mark read failed", "conversation", ev.conversationID, "error", err)
		}
	}()
}

type evEdit struct {
	messageID string
	content   string
}

func (ev evEdit) apply(e *Engine) {
	conversationID := e.active
	if conversationID == "" || e.ledger == nil {
		return
	}
	if _, ok := e.ledger.Get(ev.messageID); !ok {
		return
	}
	go func() {
		if err := e.api.EditMessage(e.ctx, conversationID, ev.messageID, ev.content); err != nil {
			e.post(evActionFailed{messageID: ev.messageID, err: err})
			return
		}
		e.post(evEditApplied{conversationID: conversationID, messageID: ev.messageID, content: ev.content})
	}()
}

type evEditApplied struct {
	conversationID string
	messageID      string
	content        string
}

func (ev evEditApplied) apply(e *Engine) {
	evRemoteEdit{edit: MessageEdit{
		ConversationID: ev.conversationID,
		MessageID:      ev.messageID,
		Content:        ev.content,
	}}.apply(e)
}

type evDelete struct{ messageID string }

func (ev evDelete) apply(e *Engine) {
	conversationID := e.active
	if conversationID == "" || e.ledger == nil {
		return
	}
	if _, ok := e.ledger.Get(ev.messageID); !ok {
		return
	}
	// The local copy goes immediately; a provisional that never reached the
	// server needs no RPC.
	e.applyDelete(conversationID, ev.messageID)
	if IsProvisionalID(ev.messageID) {
		return
	}
	go func() {
		if err := e.api.DeleteMessage(e.ctx, conversationID, ev.messageID); err != nil {
			e.post(evActionFailed{messageID: ev.messageID, err: err})
		}
	}()
}

type evDeleteConv struct{ conversationID string }

func (ev evDeleteConv) apply(e *Engine) {
	hadMessages := false
	if conv, ok := e.dir.Get(ev.conversationID); ok {
		hadMessages = conv.HasPersistedMessages
	}
	e.dir.Remove(ev.conversationID)
	if e.pending.Holds(ev.conversationID) {
		e.pending.Abandon()
	}
	if e.active == ev.conversationID {
		e.active = ""
		e.ledger = nil
		e.typing.Reset()
		go func() {
			if err := e.transport.LeaveRoom(e.ctx, ev.conversationID); err != nil {
				e.log.Debug("room leave failed", "error", err)
			}
		}()
	}
	if hadMessages {
		go func() {
			if err := e.api.DeleteConversation(e.ctx, ev.conversationID); err != nil {
				e.log.Warn("delete conversation failed", "conversation", ev.conversationID, "error", err)
			}
		}()
	}
}

type evActionFailed struct {
	messageID string
	err       error
}

func (ev evActionFailed) apply(e *Engine) {
	e.notice(&SendError{MessageID: ev.messageID, Err: ev.err})
}

type evKeystroke struct{}

func (ev evKeystroke) apply(e *Engine) {
	if e.active == "" || e.pending.Holds(e.active) {
		return
	}
	conversationID := e.active
	if e.emitter.keystroke(e.opts.now()) {
		go e.transport.EmitTyping(e.ctx, conversationID)
	}
	if e.stopTimer != nil {
		e.stopTimer.Stop()
	}
	e.stopTimer = time.AfterFunc(e.opts.typingDebounce, func() {
		e.post(evTypingQuiet{})
	})
}

type evTypingQuiet struct{}

func (ev evTypingQuiet) apply(e *Engine) {
	if e.emitter.quiet() && e.active != "" {
		conversationID := e.active
		go e.transport.EmitStopTyping(e.ctx, conversationID)
	}
}

package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Doubles
// ============================================================================

// fakeAPI implements API with per-method hooks. Unset hooks succeed with zero
// values.
type fakeAPI struct {
	mu sync.Mutex

	fetchConversations func(ctx context.Context) ([]Conversation, error)
	fetchMessages      func(ctx context.Context, conversationID string) ([]Message, error)
	sendText           func(ctx context.Context, conversationID, content, clientID string) (Message, error)
	uploadAttachments  func(ctx context.Context, batch AttachmentBatch) (AttachmentBatch, error)
	sendMedia          func(ctx context.Context, conversationID string, batch AttachmentBatch, clientID string) (Message, error)
	startDirect        func(ctx context.Context, counterpartID string) (Conversation, error)

	editCalls   []string
	deleteCalls []string
	readCalls   []string
	dropCalls   []string
}

func (f *fakeAPI) FetchConversations(ctx context.Context) ([]Conversation, error) {
	if f.fetchConversations != nil {
		return f.fetchConversations(ctx)
	}
	return nil, nil
}

func (f *fakeAPI) FetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if f.fetchMessages != nil {
		return f.fetchMessages(ctx, conversationID)
	}
	return nil, nil
}

func (f *fakeAPI) SendText(ctx context.Context, conversationID, content, clientID string) (Message, error) {
	if f.sendText != nil {
		return f.sendText(ctx, conversationID, content, clientID)
	}
	return Message{
		ID:             "srv-" + clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		Content:        content,
		Kind:           KindText,
		Direction:      DirectionSent,
		CreatedAt:      time.Now(),
	}, nil
}

func (f *fakeAPI) UploadAttachments(ctx context.Context, batch AttachmentBatch) (AttachmentBatch, error) {
	if f.uploadAttachments != nil {
		return f.uploadAttachments(ctx, batch)
	}
	out := batch
	out.Files = append([]MediaRef(nil), batch.Files...)
	for i := range out.Files {
		out.Files[i].URL = "https://cdn/" + out.Files[i].Name
	}
	return out, nil
}

func (f *fakeAPI) SendMedia(ctx context.Context, conversationID string, batch AttachmentBatch, clientID string) (Message, error) {
	if f.sendMedia != nil {
		return f.sendMedia(ctx, conversationID, batch, clientID)
	}
	return Message{
		ID:             "srv-" + clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		Media:          batch.Files,
		Kind:           batch.Kind(),
		Direction:      DirectionSent,
		CreatedAt:      time.Now(),
	}, nil
}

func (f *fakeAPI) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.editCalls = append(f.editCalls, messageID)
	return nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, messageID)
	return nil
}

func (f *fakeAPI) MarkConversationRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls = append(f.readCalls, conversationID)
	return nil
}

func (f *fakeAPI) DeleteConversation(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropCalls = append(f.dropCalls, conversationID)
	return nil
}

func (f *fakeAPI) StartDirect(ctx context.Context, counterpartID string) (Conversation, error) {
	if f.startDirect != nil {
		return f.startDirect(ctx, counterpartID)
	}
	return Conversation{ID: "direct-" + counterpartID, CounterpartID: counterpartID}, nil
}

func (f *fakeAPI) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleteCalls...)
}

// fakeTransport records handler registrations and emitted commands; tests
// fire server events by invoking the recorded handlers.
type fakeTransport struct {
	mu sync.Mutex

	onMessage   func(Message)
	onEdited    func(MessageEdit)
	onDeleted   func(MessageDelete)
	onStarted   func(Conversation)
	onTyping    func(TypingSignal)
	onPresence  func(PresenceChange)
	onState     func(ConnState)
	onConnError func(error)

	joined []string
	typed  []string
	quiet  []string
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Disconnect() error                 { return nil }

func (f *fakeTransport) JoinRoom(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, conversationID)
	return nil
}

func (f *fakeTransport) LeaveRoom(ctx context.Context, conversationID string) error { return nil }

func (f *fakeTransport) EmitTyping(ctx context.Context, conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed = append(f.typed, conversationID)
}

func (f *fakeTransport) EmitStopTyping(ctx context.Context, conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quiet = append(f.quiet, conversationID)
}

func (f *fakeTransport) OnNewMessage(h func(Message))        { f.onMessage = h }
func (f *fakeTransport) OnMessageEdited(h func(MessageEdit)) { f.onEdited = h }
func (f *fakeTransport) OnMessageDeleted(h func(MessageDelete)) {
	f.onDeleted = h
}
func (f *fakeTransport) OnChatStarted(h func(Conversation))    { f.onStarted = h }
func (f *fakeTransport) OnTyping(h func(TypingSignal))         { f.onTyping = h }
func (f *fakeTransport) OnPresence(h func(PresenceChange))     { f.onPresence = h }
func (f *fakeTransport) OnStateChange(h func(ConnState))       { f.onState = h }
func (f *fakeTransport) OnConnectionError(h func(error))       { f.onConnError = h }

func (f *fakeTransport) joinedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joined...)
}

func (f *fakeTransport) typingEmits() (typing, stop int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.typed), len(f.quiet)
}

// ============================================================================
// Test Helpers
// ============================================================================

func startEngine(t *testing.T, api *fakeAPI, tr *fakeTransport, opts ...EngineOption) *Engine {
	t.Helper()
	e := NewEngine("me", api, tr, opts...)
	e.Start(context.Background())
	t.Cleanup(e.Close)
	return e
}

// waitFor polls the snapshot until pred holds or the deadline passes.
func waitFor(t *testing.T, e *Engine, what string, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := e.Snapshot()
		if pred(snap) {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last snapshot: %+v", what, e.Snapshot())
	return Snapshot{}
}

func waitNotice(t *testing.T, e *Engine) Notice {
	t.Helper()
	select {
	case n := <-e.Notices():
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notice")
		return Notice{}
	}
}

func directoryConv(t *testing.T, id string, offset time.Duration) Conversation {
	t.Helper()
	return Conversation{
		ID:                   id,
		CounterpartID:        "user-" + id,
		DisplayName:          "Chat " + id,
		LastActivityAt:       testBase.Add(offset),
		HasPersistedMessages: true,
	}
}

// ============================================================================
// Startup and selection
// ============================================================================

func TestEngineStartLoadsDirectory(t *testing.T) {
	api := &fakeAPI{
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{
				directoryConv(t, "a", 0),
				directoryConv(t, "b", time.Hour),
			}, nil
		},
	}
	e := startEngine(t, api, &fakeTransport{})

	snap := waitFor(t, e, "2 conversations", func(s Snapshot) bool {
		return len(s.Conversations) == 2
	})
	if snap.Conversations[0].ID != "b" {
		t.Fatalf("want recency order [b a], got %v", snap.Conversations)
	}
}

func TestEngineStartDirectoryFailure(t *testing.T) {
	api := &fakeAPI{
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			return nil, errors.New("boom")
		},
	}
	e := startEngine(t, api, &fakeTransport{})

	n := waitNotice(t, e)
	var ferr *FetchError
	if !errors.As(n.Err, &ferr) {
		t.Fatalf("want FetchError, got %v", n.Err)
	}
}

func TestEngineSelectConversation(t *testing.T) {
	api := &fakeAPI{
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			c := directoryConv(t, "a", 0)
			c.UnreadCount = 4
			return []Conversation{c}, nil
		},
		fetchMessages: func(ctx context.Context, id string) ([]Message, error) {
			return []Message{confirmedMsg("m1", 0), confirmedMsg("m2", time.Minute)}, nil
		},
	}
	tr := &fakeTransport{}
	e := startEngine(t, api, tr)
	waitFor(t, e, "directory", func(s Snapshot) bool { return len(s.Conversations) == 1 })

	e.SelectConversation("a")

	snap := waitFor(t, e, "messages loaded", func(s Snapshot) bool {
		return s.Active != nil && len(s.Messages) == 2
	})
	if snap.Active.UnreadCount != 0 {
		t.Fatalf("opening a conversation must mark it read, got %d", snap.Active.UnreadCount)
	}
	waitFor(t, e, "room join", func(Snapshot) bool {
		rooms := tr.joinedRooms()
		return len(rooms) == 1 && rooms[0] == "a"
	})
}

func TestEngineStaleLoadDiscarded(t *testing.T) {
	releaseA := make(chan struct{})
	api := &fakeAPI{
		fetchMessages: func(ctx context.Context, id string) ([]Message, error) {
			if id == "a" {
				<-releaseA
				return []Message{confirmedMsg("stale", 0)}, nil
			}
			return []Message{confirmedMsg("fresh", 0)}, nil
		},
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{directoryConv(t, "a", 0), directoryConv(t, "b", 0)}, nil
		},
	}
	e := startEngine(t, api, &fakeTransport{})
	waitFor(t, e, "directory", func(s Snapshot) bool { return len(s.Conversations) == 2 })

	e.SelectConversation("a")
	e.SelectConversation("b")
	waitFor(t, e, "b loaded", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].ID == "fresh"
	})

	// The fetch for "a" completes after the switch; its result must not
	// leak into the open conversation.
	close(releaseA)
	time.Sleep(50 * time.Millisecond)
	snap := e.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].ID != "fresh" {
		t.Fatalf("stale load leaked: %+v", snap.Messages)
	}
}

// ============================================================================
// Optimistic send
// ============================================================================

func TestEngineSendText(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{directoryConv(t, "a", 0)}, nil
		},
		sendText: func(ctx context.Context, convID, content, clientID string) (Message, error) {
			<-release
			return Message{
				ID:             "srv-1",
				ClientID:       clientID,
				ConversationID: convID,
				Content:        content,
				Kind:           KindText,
				Direction:      DirectionSent,
				CreatedAt:      time.Now(),
			}, nil
		},
	}
	e := startEngine(t, api, &fakeTransport{})
	waitFor(t, e, "directory", func(s Snapshot) bool { return len(s.Conversations) == 1 })
	e.SelectConversation("a")
	waitFor(t, e, "selected", func(s Snapshot) bool { return s.Active != nil })

	e.Send("hello")

	// Provisional visible before the network round-trip completes.
	snap := waitFor(t, e, "provisional", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Provisional
	})
	if !IsProvisionalID(snap.Messages[0].ID) {
		t.Fatalf("provisional id wrong: %q", snap.Messages[0].ID)
	}
	if snap.Conversations[0].LastMessagePreview != "hello" {
		t.Fatalf("sidebar preview not bumped: %q", snap.Conversations[0].LastMessagePreview)
	}

	close(release)
	snap = waitFor(t, e, "confirmation", func(s Snapshot) bool {
		return len(s.Messages) == 1 && !s.Messages[0].Provisional
	})
	if snap.Messages[0].ID != "srv-1" {
		t.Fatalf("provisional not replaced in place: %+v", snap.Messages[0])
	}
	if snap.Conversations[0].LastMessageID != "srv-1" {
		t.Fatalf("sidebar not reconciled: %+v", snap.Conversations[0])
	}
}

func TestEngineSendDuringInitialLoad(t *testing.T) {
	releaseFetch := make(chan struct{})
	releaseSend := make(chan struct{})
	api := &fakeAPI{
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{directoryConv(t, "a", 0)}, nil
		},
		fetchMessages: func(ctx context.Context, id string) ([]Message, error) {
			<-releaseFetch
			return []Message{confirmedMsg("m1", 0)}, nil
		},
		sendText: func(ctx context.Context, convID, content, clientID string) (Message, error) {
			<-releaseSend
			return Message{
				ID:             "srv-1",
				ClientID:       clientID,
				ConversationID: convID,
				Content:        content,
				Kind:           KindText,
				Direction:      DirectionSent,
				CreatedAt:      time.Now(),
			}, nil
		},
	}
	e := startEngine(t, api, &fakeTransport{})
	waitFor(t, e, "directory", func(s Snapshot) bool { return len(s.Conversations) == 1 })
	e.SelectConversation("a")
	waitFor(t, e, "selected", func(s Snapshot) bool { return s.Active != nil })

	// Send while the conversation's history fetch is still in flight.
	e.Send("racing the fetch")
	waitFor(t, e, "provisional", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Provisional
	})

	// The history resolves with the send still pending; the provisional must
	// survive the reload instead of vanishing until its confirmation.
	close(releaseFetch)
	snap := waitFor(t, e, "history plus provisional", func(s Snapshot) bool {
		return len(s.Messages) == 2
	})
	if snap.Messages[0].ID != "m1" || !snap.Messages[1].Provisional {
		t.Fatalf("provisional wiped by the history load: %+v", snap.Messages)
	}

	close(releaseSend)
	snap = waitFor(t, e, "confirmation", func(s Snapshot) bool {
		return len(s.Messages) == 2 && !s.Messages[1].Provisional
	})
	if snap.Messages[1].ID != "srv-1" {
		t.Fatalf("provisional not replaced in place: %+v", snap.Messages)
	}
}

func TestEngineSendFailure(t *testing.T) {
	api := &fakeAPI{
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{directoryConv(t, "a", 0)}, nil
		},
		sendText: func(ctx context.Context, convID, content, clientID string) (Message, error) {
			return Message{}, errors.New("offline")
		},
	}
	e := startEngine(t, api, &fakeTransport{})
	waitFor(t, e, "directory", func(s Snapshot) bool { return len(s.Conversations) == 1 })
	e.SelectConversation("a")
	waitFor(t, e, "selected", func(s Snapshot) bool { return s.Active != nil })

	e.Send("doomed")

	n := waitNotice(t, e)
	var serr *SendError
	if !errors.As(n.Err, &serr) {
		t.Fatalf("want SendError, got %v", n.Err)
	}
	snap := waitFor(t, e, "rollback", func(s Snapshot) bool { return len(s.Messages) == 0 })
	if snap.Conversations[0].LastMessagePreview != "" || snap.Conversations[0].LastMessageID != "" {
		t.Fatalf("sidebar preview not rewound: %+v", snap.Conversations[0])
	}
}

func TestEngineDeleteInFlightSend(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{directoryConv(t, "a", 0)}, nil
		},
		sendText: func(ctx context.Context, convID, content, clientID string) (Message, error) {
			<-release
			return Message{
				ID: "srv-1", ClientID: clientID, ConversationID: convID,
				Content: content, Kind: KindText, Direction: DirectionSent,
				CreatedAt: time.Now(),
			}, nil
		},
	}
	e := startEngine(t, api, &fakeTransport{})
	waitFor(t, e, "directory", func(s Snapshot) bool { return len(s.Conversations) == 1 })
	e.SelectConversation("a")
	waitFor(t, e, "selected", func(s Snapshot) bool { return s.Active != nil })

	e.Send("delete me quick")
	snap := waitFor(t, e, "provisional", func(s Snapshot) bool { return len(s.Messages) == 1 })

	e.Delete(snap.Messages[0].ID)
	waitFor(t, e, "deleted", func(s Snapshot) bool { return len(s.Messages) == 0 })

	close(release)
	time.Sleep(50 * time.Millisecond)
	if msgs := e.Snapshot().Messages; len(msgs) != 0 {
		t.Fatalf("deleted message resurfaced via its confirmation: %+v", msgs)
	}
	// No server-side delete was issued for a message that never persisted.
	if dels := api.deleted(); len(dels) != 0 {
		t.Fatalf("provisional delete must stay local, got RPCs %v", dels)
	}
}

func TestEngineSendMedia(t *testing.T) {
	api := &fakeAPI{
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{directoryConv(t, "a", 0)}, nil
		},
	}
	e := startEngine(t, api, &fakeTransport{})
	waitFor(t, e, "directory", func(s Snapshot) bool { return len(s.Conversations) == 1 })
	e.SelectConversation("a")
	waitFor(t, e, "selected", func(s Snapshot) bool { return s.Active != nil })

	t.Run("quota rejected before network", func(t *testing.T) {
		batch := AttachmentBatch{Files: []MediaRef{{Kind: KindImage}, {Kind: KindVideo}}}
		var limitErr *AttachmentLimitError
		if err := e.SendMedia(batch); !errors.As(err, &limitErr) {
			t.Fatalf("want AttachmentLimitError, got %v", err)
		}
	})

	t.Run("upload then send", func(t *testing.T) {
		batch := AttachmentBatch{Files: []MediaRef{{Kind: KindImage, Name: "a.png"}}}
		if err := e.SendMedia(batch); err != nil {
			t.Fatalf("send media: %v", err)
		}
		snap := waitFor(t, e, "confirmed media", func(s Snapshot) bool {
			return len(s.Messages) == 1 && !s.Messages[0].Provisional
		})
		m := snap.Messages[0]
		if m.Kind != KindImage || m.Uploading {
			t.Fatalf("media message wrong: %+v", m)
		}
		if len(m.Media) != 1 || m.Media[0].URL == "" {
			t.Fatalf("media refs should carry upload URLs: %+v", m.Media)
		}
		if snap.Conversations[0].LastMessagePreview != "Image" {
			t.Fatalf("sidebar preview wrong: %q", snap.Conversations[0].LastMessagePreview)
		}
	})
}

// ============================================================================
// Pending chats
// ============================================================================

func TestEnginePendingChat(t *testing.T) {
	api := &fakeAPI{}
	tr := &fakeTransport{}
	e := startEngine(t, api, tr)

	e.StartConversation(Conversation{ID: "pend-1", CounterpartID: "user-9", DisplayName: "Nia"})

	snap := waitFor(t, e, "pending open", func(s Snapshot) bool { return s.Active != nil })
	if snap.Active.ID != "pend-1" || len(snap.Conversations) != 0 {
		t.Fatalf("pending chat leaked into the directory: %+v", snap)
	}

	e.Send("first contact")

	// The first successful send materializes the conversation server-side
	// and promotes it into the directory under the server-issued id.
	snap = waitFor(t, e, "promotion", func(s Snapshot) bool {
		return len(s.Conversations) == 1 && !s.Conversations[0].LastActivityAt.IsZero()
	})
	c := snap.Conversations[0]
	if c.ID != "direct-user-9" {
		t.Fatalf("server conversation id should win: %+v", c)
	}
	if c.DisplayName != "Nia" {
		t.Fatalf("held identity lost in promotion: %+v", c)
	}
	if snap.Active == nil || snap.Active.ID != "direct-user-9" {
		t.Fatalf("active conversation not remapped: %+v", snap.Active)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Provisional {
		t.Fatalf("first message not confirmed: %+v", snap.Messages)
	}
}

func TestEnginePendingChatAbandoned(t *testing.T) {
	api := &fakeAPI{
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{directoryConv(t, "a", 0)}, nil
		},
	}
	e := startEngine(t, api, &fakeTransport{})
	waitFor(t, e, "directory", func(s Snapshot) bool { return len(s.Conversations) == 1 })

	e.StartConversation(Conversation{ID: "pend-1", CounterpartID: "user-9"})
	waitFor(t, e, "pending open", func(s Snapshot) bool {
		return s.Active != nil && s.Active.ID == "pend-1"
	})

	// Navigating away without sending discards the pending chat.
	e.SelectConversation("a")
	snap := waitFor(t, e, "switched", func(s Snapshot) bool {
		return s.Active != nil && s.Active.ID == "a"
	})
	if len(snap.Conversations) != 1 {
		t.Fatalf("abandoned pending chat left a trace: %+v", snap.Conversations)
	}
}

func TestEnginePendingChatDeleteOnlyMessage(t *testing.T) {
	api := &fakeAPI{}
	e := startEngine(t, api, &fakeTransport{})

	e.StartConversation(Conversation{ID: "pend-1", CounterpartID: "user-9"})
	waitFor(t, e, "pending open", func(s Snapshot) bool { return s.Active != nil })
	e.Send("only message")
	snap := waitFor(t, e, "promotion", func(s Snapshot) bool {
		return len(s.Conversations) == 1 && len(s.Messages) == 1 && !s.Messages[0].Provisional
	})

	// Deleting the only message of a conversation born this session removes
	// the conversation itself.
	e.Delete(snap.Messages[0].ID)
	waitFor(t, e, "conversation gone", func(s Snapshot) bool {
		return len(s.Conversations) == 0 && len(s.Messages) == 0
	})
}

// ============================================================================
// Incoming events
// ============================================================================

func TestEngineIncomingMessage(t *testing.T) {
	api := &fakeAPI{
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{directoryConv(t, "a", 0), directoryConv(t, "b", 0)}, nil
		},
	}
	tr := &fakeTransport{}
	e := startEngine(t, api, tr)
	waitFor(t, e, "directory", func(s Snapshot) bool { return len(s.Conversations) == 2 })
	e.SelectConversation("a")
	waitFor(t, e, "selected", func(s Snapshot) bool { return s.Active != nil })

	t.Run("active conversation appends without unread", func(t *testing.T) {
		tr.onMessage(Message{
			ID: "in-1", ConversationID: "a", SenderID: "user-a",
			Content: "hey", Kind: KindText, Direction: DirectionReceived,
			CreatedAt: time.Now(),
		})
		snap := waitFor(t, e, "message visible", func(s Snapshot) bool {
			return len(s.Messages) == 1
		})
		if snap.Active.UnreadCount != 0 {
			t.Fatalf("open conversation must not accrue unread, got %d", snap.Active.UnreadCount)
		}
	})

	t.Run("background conversation accrues unread and reorders", func(t *testing.T) {
		tr.onMessage(Message{
			ID: "in-2", ConversationID: "b", SenderID: "user-b",
			Content: "psst", Kind: KindText, Direction: DirectionReceived,
			CreatedAt: time.Now(),
		})
		snap := waitFor(t, e, "unread bump", func(s Snapshot) bool {
			return len(s.Conversations) == 2 && s.Conversations[0].ID == "b"
		})
		if snap.Conversations[0].UnreadCount != 1 {
			t.Fatalf("want unread 1, got %d", snap.Conversations[0].UnreadCount)
		}
		if got := len(snap.Messages); got != 1 {
			t.Fatalf("background message leaked into the open ledger: %d", got)
		}
	})

	t.Run("unknown conversation synthesized", func(t *testing.T) {
		tr.onMessage(Message{
			ID: "in-3", ConversationID: "c", SenderID: "user-c",
			Content: "hello stranger", Kind: KindText, Direction: DirectionReceived,
			CreatedAt: time.Now(),
		})
		snap := waitFor(t, e, "synthesized entry", func(s Snapshot) bool {
			return len(s.Conversations) == 3
		})
		var found *Conversation
		for i := range snap.Conversations {
			if snap.Conversations[i].ID == "c" {
				found = &snap.Conversations[i]
			}
		}
		if found == nil || found.UnreadCount != 1 {
			t.Fatalf("synthesized conversation wrong: %+v", snap.Conversations)
		}
	})
}

func TestEngineIncomingEditAndDelete(t *testing.T) {
	api := &fakeAPI{
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{directoryConv(t, "a", 0)}, nil
		},
		fetchMessages: func(ctx context.Context, id string) ([]Message, error) {
			return []Message{confirmedMsg("m1", 0), confirmedMsg("m2", time.Minute)}, nil
		},
	}
	tr := &fakeTransport{}
	e := startEngine(t, api, tr)
	waitFor(t, e, "directory", func(s Snapshot) bool { return len(s.Conversations) == 1 })
	e.SelectConversation("a")
	waitFor(t, e, "loaded", func(s Snapshot) bool { return len(s.Messages) == 2 })

	t.Run("edit", func(t *testing.T) {
		tr.onEdited(MessageEdit{ConversationID: "a", MessageID: "m1", Content: "revised"})
		waitFor(t, e, "edit applied", func(s Snapshot) bool {
			return s.Messages[0].DisplayContent() == "revised"
		})
	})

	t.Run("delete recomputes preview", func(t *testing.T) {
		// Seed the sidebar preview with the newest message first.
		m3 := confirmedMsg("m3", 2*time.Minute)
		m3.ConversationID = "a"
		tr.onMessage(m3)
		waitFor(t, e, "m3 visible", func(s Snapshot) bool { return len(s.Messages) == 3 })

		tr.onDeleted(MessageDelete{ConversationID: "a", MessageID: "m3"})
		snap := waitFor(t, e, "delete applied", func(s Snapshot) bool {
			return len(s.Messages) == 2
		})
		if snap.Conversations[0].LastMessageID != "m2" {
			t.Fatalf("preview should fall back to the new last message: %+v", snap.Conversations[0])
		}
	})
}

func TestEnginePresence(t *testing.T) {
	api := &fakeAPI{
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{directoryConv(t, "a", 0)}, nil
		},
	}
	tr := &fakeTransport{}
	e := startEngine(t, api, tr)
	waitFor(t, e, "directory", func(s Snapshot) bool { return len(s.Conversations) == 1 })

	tr.onPresence(PresenceChange{UserID: "user-a", Online: true})
	waitFor(t, e, "online", func(s Snapshot) bool { return s.Conversations[0].Online })

	tr.onPresence(PresenceChange{UserID: "user-a", Online: false})
	waitFor(t, e, "offline", func(s Snapshot) bool { return !s.Conversations[0].Online })
}

// ============================================================================
// Typing
// ============================================================================

func TestEngineRemoteTyping(t *testing.T) {
	api := &fakeAPI{
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{directoryConv(t, "a", 0)}, nil
		},
	}
	tr := &fakeTransport{}
	e := startEngine(t, api, tr, WithTypingExpiry(100*time.Millisecond))
	waitFor(t, e, "directory", func(s Snapshot) bool { return len(s.Conversations) == 1 })
	e.SelectConversation("a")
	waitFor(t, e, "selected", func(s Snapshot) bool { return s.Active != nil })

	t.Run("signal shows and expires", func(t *testing.T) {
		tr.onTyping(TypingSignal{ConversationID: "a", UserID: "user-a"})
		waitFor(t, e, "typing visible", func(s Snapshot) bool {
			return len(s.TypingUsers) == 1 && s.TypingUsers[0] == "user-a"
		})
		waitFor(t, e, "typing expired", func(s Snapshot) bool {
			return len(s.TypingUsers) == 0
		})
	})

	t.Run("message from typist clears the indicator", func(t *testing.T) {
		tr.onTyping(TypingSignal{ConversationID: "a", UserID: "user-a"})
		waitFor(t, e, "typing visible", func(s Snapshot) bool { return len(s.TypingUsers) == 1 })
		tr.onMessage(Message{
			ID: "in-9", ConversationID: "a", SenderID: "user-a",
			Content: "done typing", Kind: KindText, Direction: DirectionReceived,
			CreatedAt: time.Now(),
		})
		waitFor(t, e, "indicator cleared", func(s Snapshot) bool {
			return len(s.TypingUsers) == 0
		})
	})

	t.Run("background signals ignored", func(t *testing.T) {
		tr.onTyping(TypingSignal{ConversationID: "other", UserID: "user-x"})
		time.Sleep(20 * time.Millisecond)
		if users := e.Snapshot().TypingUsers; len(users) != 0 {
			t.Fatalf("background typing leaked: %v", users)
		}
	})
}

func TestEngineLocalTyping(t *testing.T) {
	api := &fakeAPI{
		fetchConversations: func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{directoryConv(t, "a", 0)}, nil
		},
	}
	tr := &fakeTransport{}
	e := startEngine(t, api, tr, WithTypingDebounce(50*time.Millisecond))
	waitFor(t, e, "directory", func(s Snapshot) bool { return len(s.Conversations) == 1 })
	e.SelectConversation("a")
	waitFor(t, e, "selected", func(s Snapshot) bool { return s.Active != nil })

	e.Typing()
	e.Typing()
	e.Typing()

	waitFor(t, e, "single typing emit", func(Snapshot) bool {
		typing, _ := tr.typingEmits()
		return typing == 1
	})

	// Silence for the debounce window emits the stop signal once.
	waitFor(t, e, "stop emit", func(Snapshot) bool {
		_, stop := tr.typingEmits()
		return stop == 1
	})
}

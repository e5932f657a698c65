package chatsync

// ============================================================================
// Pending-chat lifecycle
// ============================================================================

// PendingState is the lifecycle state of a locally-initiated conversation
// that has no server-persisted messages yet.
type PendingState string

const (
	PendingNone      PendingState = "none"
	PendingHeld      PendingState = "pending"
	PendingPromoted  PendingState = "promoted"
	PendingAbandoned PendingState = "abandoned"
)

// PendingChats holds at most one pending chat: a conversation the user opened
// via "message this counterpart" before any message round-tripped. The held
// conversation is addressable by id (the UI renders its header) but stays out
// of the directory until the first send succeeds.
type PendingChats struct {
	state PendingState
	conv  Conversation
}

// NewPendingChats creates an empty manager.
func NewPendingChats() *PendingChats {
	return &PendingChats{state: PendingNone}
}

// State returns the current lifecycle state.
func (p *PendingChats) State() PendingState { return p.state }

// Start holds conv as the pending chat. Starting a second pending chat
// discards the first.
func (p *PendingChats) Start(conv Conversation) {
	conv.HasPersistedMessages = false
	p.conv = conv
	p.state = PendingHeld
}

// Get returns the held conversation if id matches it.
func (p *PendingChats) Get(id string) (Conversation, bool) {
	if p.state != PendingHeld || p.conv.ID != id {
		return Conversation{}, false
	}
	return p.conv, true
}

// Holds reports whether id is the currently held pending chat.
func (p *PendingChats) Holds(id string) bool {
	return p.state == PendingHeld && p.conv.ID == id
}

// Promote releases the held conversation for directory insertion after its
// first message persisted. The returned conversation has
// HasPersistedMessages set.
func (p *PendingChats) Promote(id string) (Conversation, bool) {
	if !p.Holds(id) {
		return Conversation{}, false
	}
	p.state = PendingPromoted
	conv := p.conv
	conv.HasPersistedMessages = true
	p.conv = Conversation{}
	return conv, true
}

// Abandon discards the held conversation with no directory side effect.
func (p *PendingChats) Abandon() {
	if p.state != PendingHeld {
		return
	}
	p.state = PendingAbandoned
	p.conv = Conversation{}
}

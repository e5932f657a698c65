package chatsync

import (
	"sort"
	"time"
)

// ============================================================================
// Typing presence
// ============================================================================

// DefaultTypingExpiry is how long a remote typing indicator stays alive
// without a refresh, and how long after the last local keystroke the stop
// signal is emitted.
const DefaultTypingExpiry = 2 * time.Second

// TypingTracker holds the set of remote identities currently typing in the
// active conversation. Only the active conversation is tracked; switching
// away resets the tracker, so background conversations cost no memory.
type TypingTracker struct {
	expiry time.Duration
	seen   map[string]time.Time
}

// NewTypingTracker creates a tracker with the given expiry.
func NewTypingTracker(expiry time.Duration) *TypingTracker {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &TypingTracker{expiry: expiry, seen: make(map[string]time.Time)}
}

// Observe records a typing signal from userID at now.
func (t *TypingTracker) Observe(userID string, now time.Time) {
	if userID == "" {
		return
	}
	t.seen[userID] = now
}

// Stop removes userID, typically on an explicit stop-typing signal or when a
// message from them arrives.
func (t *TypingTracker) Stop(userID string) {
	delete(t.seen, userID)
}

// Prune drops entries older than the expiry window.
func (t *TypingTracker) Prune(now time.Time) {
	for id, at := range t.seen {
		if now.Sub(at) >= t.expiry {
			delete(t.seen, id)
		}
	}
}

// Users returns the identities still typing at now, sorted for stable output.
func (t *TypingTracker) Users(now time.Time) []string {
	var out []string
	for id, at := range t.seen {
		if now.Sub(at) < t.expiry {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Reset clears all entries.
func (t *TypingTracker) Reset() {
	clear(t.seen)
}

// ============================================================================
// Local keystroke debounce
// ============================================================================

// typingEmitter debounces the local typing signal: the first keystroke emits
// "typing" immediately, further keystrokes within the window do not re-emit,
// and the stop signal fires once the window elapses after the last keystroke.
type typingEmitter struct {
	window   time.Duration
	active   bool
	lastEmit time.Time
}

// keystroke records a keystroke at now and reports whether a "typing" signal
// should be emitted.
func (t *typingEmitter) keystroke(now time.Time) bool {
	emit := !t.active || now.Sub(t.lastEmit) >= t.window
	t.active = true
	if emit {
		t.lastEmit = now
	}
	return emit
}

// quiet marks typing as stopped and reports whether a "stop typing" signal
// should be emitted.
func (t *typingEmitter) quiet() bool {
	was := t.active
	t.active = false
	return was
}

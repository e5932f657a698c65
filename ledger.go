package chatsync

import (
	"sort"
	"time"
)

// ============================================================================
// Message Ledger
// ============================================================================

// DefaultReconcileWindow is the maximum clock delta between a provisional
// message and its server-confirmed counterpart for the content heuristic to
// match them.
const DefaultReconcileWindow = 2 * time.Second

// ReconcileOutcome says what Reconcile did with a confirmed message.
type ReconcileOutcome int

const (
	// ReconcileReplaced: a provisional message was replaced in place.
	ReconcileReplaced ReconcileOutcome = iota
	// ReconcileAppended: no provisional matched; the message was inserted as
	// genuinely new.
	ReconcileAppended
	// ReconcileDuplicate: the message id was already materialized; the
	// existing entry was refreshed. Reconciling twice is a no-op.
	ReconcileDuplicate
	// ReconcileDiscarded: the matching provisional was deleted while its send
	// was in flight, so the confirmation is dropped.
	ReconcileDiscarded
)

// Ledger holds the ordered message list for one open conversation.
//
// Display order is createdAt ascending with provisional messages held at the
// tail until reconciled. Like the Directory it is single-writer; readers get
// copies via Messages.
type Ledger struct {
	conversationID string
	window         time.Duration
	msgs           []Message
	// provisional ids deleted while their send was still in flight; their
	// eventual confirmation must not resurface.
	discarded map[string]struct{}
}

// NewLedger creates an empty ledger for one conversation.
func NewLedger(conversationID string) *Ledger {
	return &Ledger{
		conversationID: conversationID,
		window:         DefaultReconcileWindow,
		discarded:      make(map[string]struct{}),
	}
}

// ConversationID returns the conversation this ledger belongs to.
func (l *Ledger) ConversationID() string { return l.conversationID }

// Len returns the number of messages.
func (l *Ledger) Len() int { return len(l.msgs) }

// retarget rebinds the ledger to a server-issued conversation id. Used when
// a locally synthesized conversation materializes under a different id.
func (l *Ledger) retarget(conversationID string) {
	l.conversationID = conversationID
	for i := range l.msgs {
		l.msgs[i].ConversationID = conversationID
	}
}

// Load replaces the confirmed history from a fetch result. Provisional
// messages still awaiting confirmation survive the reload at the tail, so a
// send racing the initial fetch does not vanish from the list; a fetched
// message that already echoes a provisional's id supersedes it.
func (l *Ledger) Load(msgs []Message) {
	var pending []Message
	for _, m := range l.msgs {
		if m.Provisional && !echoes(msgs, m.ID) {
			pending = append(pending, m)
		}
	}
	l.msgs = append(l.msgs[:0:0], msgs...)
	sort.SliceStable(l.msgs, func(i, j int) bool {
		return l.msgs[i].CreatedAt.Before(l.msgs[j].CreatedAt)
	})
	l.msgs = append(l.msgs, pending...)
}

// echoes reports whether any fetched message carries the given provisional id,
// either as its own id or as a ClientID echo.
func echoes(msgs []Message, id string) bool {
	for i := range msgs {
		if msgs[i].ID == id || msgs[i].ClientID == id {
			return true
		}
	}
	return false
}

// AppendProvisional inserts a locally-synthesized message at the tail.
func (l *Ledger) AppendProvisional(m Message) {
	m.Provisional = true
	l.msgs = append(l.msgs, m)
}

// Reconcile applies a server-confirmed message.
//
// Match preference: (1) the confirmed id is already materialized, refresh in
// place; (2) the confirmation echoes a provisional id via ClientID, replace
// that provisional in place; (3) heuristic: the oldest unreconciled self-sent
// provisional with the same kind and content within the reconcile window.
// On no match the message is inserted as new, ordered by createdAt relative
// to the confirmed entries; unreconciled provisionals keep their positions.
func (l *Ledger) Reconcile(confirmed Message) ReconcileOutcome {
	confirmed.Provisional = false
	confirmed.Uploading = false

	if _, ok := l.discarded[confirmed.ClientID]; ok && confirmed.ClientID != "" {
		return ReconcileDiscarded
	}

	for i := range l.msgs {
		if l.msgs[i].ID == confirmed.ID {
			l.msgs[i] = confirmed
			return ReconcileDuplicate
		}
	}

	if confirmed.ClientID != "" {
		for i := range l.msgs {
			if l.msgs[i].Provisional && l.msgs[i].ID == confirmed.ClientID {
				l.msgs[i] = confirmed
				return ReconcileReplaced
			}
		}
	}

	if confirmed.Direction == DirectionSent {
		for i := range l.msgs {
			p := &l.msgs[i]
			if !p.Provisional || p.Direction != DirectionSent {
				continue
			}
			if p.Kind != confirmed.Kind || p.Content != confirmed.Content {
				continue
			}
			if absDelta(p.CreatedAt, confirmed.CreatedAt) > l.window {
				continue
			}
			l.msgs[i] = confirmed
			return ReconcileReplaced
		}
	}

	l.insertConfirmed(confirmed)
	return ReconcileAppended
}

// ApplyEdit records an edit. A missing id is not an error: the message may
// have been deleted concurrently.
func (l *Ledger) ApplyEdit(id, newContent string) bool {
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			l.msgs[i].EditedContent = newContent
			return true
		}
	}
	return false
}

// ApplyDelete removes the message with the given id and returns it. Deleting
// a provisional message whose send is still in flight does not cancel the
// send, but its eventual confirmation will be discarded.
func (l *Ledger) ApplyDelete(id string) (Message, bool) {
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			removed := l.msgs[i]
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			if removed.Provisional {
				l.discarded[removed.ID] = struct{}{}
			}
			return removed, true
		}
	}
	return Message{}, false
}

// RemoveProvisional drops a provisional message without marking its
// confirmation as discarded. Used for rollback of a failed send, where no
// confirmation will ever arrive.
func (l *Ledger) RemoveProvisional(id string) bool {
	for i := range l.msgs {
		if l.msgs[i].ID == id && l.msgs[i].Provisional {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// MarkUploaded clears the uploading flag on a provisional media message.
func (l *Ledger) MarkUploaded(id string, media []MediaRef) bool {
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			l.msgs[i].Uploading = false
			if media != nil {
				l.msgs[i].Media = media
			}
			return true
		}
	}
	return false
}

// Get returns a copy of the message with the given id.
func (l *Ledger) Get(id string) (Message, bool) {
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			return l.msgs[i], true
		}
	}
	return Message{}, false
}

// Last returns the newest message, provisional or confirmed.
func (l *Ledger) Last() (Message, bool) {
	if len(l.msgs) == 0 {
		return Message{}, false
	}
	return l.msgs[len(l.msgs)-1], true
}

// Messages returns a copy of the ordered message list.
func (l *Ledger) Messages() []Message {
	return append([]Message(nil), l.msgs...)
}

// insertConfirmed places a genuinely new confirmed message directly after the
// newest confirmed entry not later than it. Provisional entries are invisible
// to the scan: an in-place replacement can leave a confirmed message sitting
// after a still-pending provisional, and ordering among confirmed entries must
// hold across that interleaving.
func (l *Ledger) insertConfirmed(m Message) {
	at := 0
	for i := len(l.msgs) - 1; i >= 0; i-- {
		if l.msgs[i].Provisional {
			continue
		}
		if !l.msgs[i].CreatedAt.After(m.CreatedAt) {
			at = i + 1
			break
		}
	}
	l.msgs = append(l.msgs, Message{})
	copy(l.msgs[at+1:], l.msgs[at:])
	l.msgs[at] = m
}

func absDelta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}

package chatsync

import "sort"

// ============================================================================
// Chat Directory Store
// ============================================================================

// Directory holds the ordered conversation list shown in the chat sidebar.
//
// It is a plain single-writer store: the engine loop is its only mutator, so
// no locking happens here. Readers get copies via List.
type Directory struct {
	entries map[string]*directoryEntry
	nextSeq int
	ordered []*directoryEntry
}

type directoryEntry struct {
	conv Conversation
	seq  int // insertion sequence, stable tiebreak for equal timestamps
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]*directoryEntry)}
}

// Len returns the number of conversations.
func (d *Directory) Len() int { return len(d.entries) }

// Get returns a copy of the conversation with the given id.
func (d *Directory) Get(id string) (Conversation, bool) {
	e, ok := d.entries[id]
	if !ok {
		return Conversation{}, false
	}
	return e.conv, true
}

// Upsert inserts the conversation if absent, otherwise merges fields into the
// existing entry. There is never more than one entry per conversation id.
//
// Merge rules guard against stale racing writers: the unread count never
// regresses (markRead is the only way down), a pinned conversation is never
// un-pinned by a merge, and empty incoming identity fields do not clobber
// known ones.
func (d *Directory) Upsert(conv Conversation) {
	e, ok := d.entries[conv.ID]
	if !ok {
		e = &directoryEntry{conv: conv, seq: d.nextSeq}
		d.nextSeq++
		d.entries[conv.ID] = e
		d.ordered = append(d.ordered, e)
		d.reorder()
		return
	}

	cur := &e.conv
	if conv.DisplayName != "" {
		cur.DisplayName = conv.DisplayName
	}
	if conv.AvatarURL != "" {
		cur.AvatarURL = conv.AvatarURL
	}
	if conv.CounterpartID != "" {
		cur.CounterpartID = conv.CounterpartID
	}
	if conv.UnreadCount > cur.UnreadCount {
		cur.UnreadCount = conv.UnreadCount
	}
	if conv.Pinned {
		cur.Pinned = true
	}
	cur.Online = conv.Online
	cur.IsGroup = cur.IsGroup || conv.IsGroup
	cur.HasPersistedMessages = cur.HasPersistedMessages || conv.HasPersistedMessages
	if conv.LastActivityAt.After(cur.LastActivityAt) {
		cur.LastActivityAt = conv.LastActivityAt
		cur.LastMessagePreview = conv.LastMessagePreview
		cur.LastMessageID = conv.LastMessageID
	}
	d.reorder()
}

// Patch applies fn to the conversation with the given id, then restores the
// recency order. No-op when the id is absent.
func (d *Directory) Patch(id string, fn func(*Conversation)) bool {
	e, ok := d.entries[id]
	if !ok {
		return false
	}
	fn(&e.conv)
	d.reorder()
	return true
}

// Remove deletes the conversation with the given id.
func (d *Directory) Remove(id string) bool {
	e, ok := d.entries[id]
	if !ok {
		return false
	}
	delete(d.entries, id)
	for i, o := range d.ordered {
		if o == e {
			d.ordered = append(d.ordered[:i], d.ordered[i+1:]...)
			break
		}
	}
	return true
}

// MarkRead zeroes the unread count. This is the only operation that lowers it.
func (d *Directory) MarkRead(id string) {
	if e, ok := d.entries[id]; ok {
		e.conv.UnreadCount = 0
	}
}

// List returns the conversations in display order: lastActivityAt descending,
// insertion order as a stable tiebreak so equal-timestamp entries never swap
// between renders. The returned slice is a copy.
func (d *Directory) List() []Conversation {
	out := make([]Conversation, len(d.ordered))
	for i, e := range d.ordered {
		out[i] = e.conv
	}
	return out
}

// reorder recomputes the display order. Idempotent; invoked after every
// mutation that can change lastActivityAt.
func (d *Directory) reorder() {
	sort.SliceStable(d.ordered, func(i, j int) bool {
		a, b := d.ordered[i], d.ordered[j]
		if !a.conv.LastActivityAt.Equal(b.conv.LastActivityAt) {
			return a.conv.LastActivityAt.After(b.conv.LastActivityAt)
		}
		return a.seq < b.seq
	})
}

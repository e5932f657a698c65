package chatsync

import (
	"github.com/google/uuid"
)

// ============================================================================
// Optimistic send pipeline
// ============================================================================
//
// A send shows up in the ledger immediately as a provisional message, then a
// goroutine carries it over the network and posts the outcome back into the
// loop. Failure removes the provisional and raises a notice; there is no
// automatic retry queue, the user resends explicitly.

func newProvisionalID() string {
	return ProvisionalIDPrefix + uuid.NewString()
}

type evSendText struct{ content string }

func (ev evSendText) apply(e *Engine) {
	if e.active == "" || e.ledger == nil || ev.content == "" {
		return
	}
	prov := Message{
		ID:             newProvisionalID(),
		ConversationID: e.active,
		SenderID:       e.selfID,
		Content:        ev.content,
		Kind:           KindText,
		Direction:      DirectionSent,
		CreatedAt:      e.opts.now(),
		Provisional:    true,
	}
	prov.ClientID = prov.ID
	e.beginSend(prov)

	convID, held, counterpart := e.sendTarget()
	go func() {
		conv, err := e.materialize(convID, held, counterpart)
		if err != nil {
			e.post(evSendResult{provisionalID: prov.ID, err: err})
			return
		}
		target := convID
		if conv != nil {
			target = conv.ID
		}
		msg, err := e.api.SendText(e.ctx, target, prov.Content, prov.ClientID)
		e.post(evSendResult{provisionalID: prov.ID, msg: msg, conv: conv, err: err})
	}()
}

type evSendMedia struct{ batch AttachmentBatch }

func (ev evSendMedia) apply(e *Engine) {
	if e.active == "" || e.ledger == nil {
		return
	}
	prov := Message{
		ID:             newProvisionalID(),
		ConversationID: e.active,
		SenderID:       e.selfID,
		Media:          ev.batch.Files,
		Kind:           ev.batch.Kind(),
		Direction:      DirectionSent,
		CreatedAt:      e.opts.now(),
		Provisional:    true,
		Uploading:      true,
	}
	prov.ClientID = prov.ID
	e.beginSend(prov)

	convID, held, counterpart := e.sendTarget()
	batch := ev.batch
	go func() {
		uploaded, err := e.api.UploadAttachments(e.ctx, batch)
		if err != nil {
			e.post(evSendResult{provisionalID: prov.ID, err: err})
			return
		}
		e.post(evUploaded{provisionalID: prov.ID, media: uploaded.Files})

		conv, err := e.materialize(convID, held, counterpart)
		if err != nil {
			e.post(evSendResult{provisionalID: prov.ID, err: err})
			return
		}
		target := convID
		if conv != nil {
			target = conv.ID
		}
		msg, err := e.api.SendMedia(e.ctx, target, uploaded, prov.ClientID)
		e.post(evSendResult{provisionalID: prov.ID, msg: msg, conv: conv, err: err})
	}()
}

// beginSend places the provisional into the ledger and bumps the sidebar
// entry. It also quiets the local typing indicator: sending counts as
// stopping.
func (e *Engine) beginSend(prov Message) {
	e.ledger.AppendProvisional(prov)
	e.dir.Patch(prov.ConversationID, func(c *Conversation) {
		c.LastMessagePreview = prov.preview()
		c.LastMessageID = prov.ID
		c.LastActivityAt = prov.CreatedAt
	})
	if e.emitter.quiet() {
		conversationID := e.active
		if e.stopTimer != nil {
			e.stopTimer.Stop()
			e.stopTimer = nil
		}
		go e.transport.EmitStopTyping(e.ctx, conversationID)
	}
}

// sendTarget captures, at apply time, whether the active conversation is a
// held pending chat that must be materialized server-side before the first
// message can land.
func (e *Engine) sendTarget() (conversationID string, held bool, counterpartID string) {
	conversationID = e.active
	if e.pending.Holds(e.active) {
		if conv, ok := e.pending.Get(e.active); ok {
			return conversationID, true, conv.CounterpartID
		}
	}
	return conversationID, false, ""
}

// materialize creates the direct conversation for a pending chat. For
// ordinary conversations it is a no-op.
func (e *Engine) materialize(conversationID string, held bool, counterpartID string) (*Conversation, error) {
	if !held {
		return nil, nil
	}
	conv, err := e.api.StartDirect(e.ctx, counterpartID)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// restorePreview rewinds the sidebar entry after a rolled-back send, so the
// preview reflects the last message that actually exists.
func (e *Engine) restorePreview(conversationID, removedID string) {
	conv, ok := e.dir.Get(conversationID)
	if !ok || conv.LastMessageID != removedID {
		return
	}
	if last, ok := e.ledger.Last(); ok {
		e.dir.Patch(conversationID, func(c *Conversation) {
			c.LastMessagePreview = last.preview()
			c.LastMessageID = last.ID
			c.LastActivityAt = last.CreatedAt
		})
		return
	}
	e.dir.Patch(conversationID, func(c *Conversation) {
		c.LastMessagePreview = ""
		c.LastMessageID = ""
	})
}

type evUploaded struct {
	provisionalID string
	media         []MediaRef
}

func (ev evUploaded) apply(e *Engine) {
	if e.ledger == nil {
		return
	}
	e.ledger.MarkUploaded(ev.provisionalID, ev.media)
}

type evSendResult struct {
	provisionalID string
	msg           Message
	conv          *Conversation
	err           error
}

func (ev evSendResult) apply(e *Engine) {
	if ev.err != nil {
		if e.ledger != nil && e.ledger.RemoveProvisional(ev.provisionalID) {
			e.restorePreview(e.ledger.ConversationID(), ev.provisionalID)
		}
		e.notice(&SendError{MessageID: ev.provisionalID, Err: ev.err})
		return
	}

	if ev.conv != nil && e.pending.State() == PendingHeld {
		e.promotePending(*ev.conv)
	}

	msg := ev.msg
	if msg.ClientID == "" {
		msg.ClientID = ev.provisionalID
	}
	if msg.Direction == "" {
		msg.Direction = DirectionSent
	}
	if e.ledger != nil && msg.ConversationID == e.active {
		if e.ledger.Reconcile(msg) == ReconcileDiscarded {
			return
		}
	}
	e.bumpDirectory(msg)
}

// promotePending releases a held pending chat into the directory once its
// first message exists server-side. The server-issued conversation id wins
// when it differs from the locally synthesized one.
func (e *Engine) promotePending(conv Conversation) {
	local := e.active
	if held, ok := e.pending.Get(local); ok {
		if conv.DisplayName == "" {
			conv.DisplayName = held.DisplayName
		}
		if conv.AvatarURL == "" {
			conv.AvatarURL = held.AvatarURL
		}
		if conv.CounterpartID == "" {
			conv.CounterpartID = held.CounterpartID
		}
	}
	e.pending.Promote(local)
	conv.HasPersistedMessages = true
	e.promoted[conv.ID] = true
	e.dir.Upsert(conv)

	if conv.ID != local {
		e.active = conv.ID
		if e.ledger != nil {
			e.ledger.retarget(conv.ID)
		}
		delete(e.promoted, local)
		go func() {
			if err := e.transport.JoinRoom(e.ctx, conv.ID); err != nil {
				e.log.Debug("room join failed", "conversation", conv.ID, "error", err)
			}
		}()
	}
}

package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Wire protocol
// ============================================================================

// Server → client event types.
const (
	EventNewMessage     = "message.new"
	EventMessageEdited  = "message.edited"
	EventMessageDeleted = "message.deleted"
	EventChatStarted    = "chat.started"
	EventTyping         = "typing"
	EventStopTyping     = "typing.stop"
	EventPresence       = "presence"
	EventError          = "error"
)

// Client → server command types.
const (
	commandJoinRoom    = "room.join"
	commandLeaveRoom   = "room.leave"
	commandStartTyping = "typing.start"
	commandStopTyping  = "typing.stop"
)

// Envelope is the wire format for all push-channel traffic.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// command is a client-to-server envelope.
type command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// roomPayload scopes a command to one conversation.
type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

// MessageEdit carries the fields of a message-edited event.
type MessageEdit struct {
	ConversationID string
	MessageID      string
	Content        string
}

// MessageDelete carries the fields of a message-deleted event.
type MessageDelete struct {
	ConversationID string
	MessageID      string
}

// TypingSignal carries the fields of a typing / stop-typing event.
type TypingSignal struct {
	ConversationID string
	UserID         string
	Stop           bool
}

// PresenceChange carries the fields of an online/offline presence event.
type PresenceChange struct {
	UserID string
	Online bool
}

// ============================================================================
// Normalizer
// ============================================================================

// Normalizer maps heterogeneous wire payloads into the fixed Conversation and
// Message shapes. Backends of different vintages nest the counterpart identity
// and timestamps in different places; all of that tolerance lives here so the
// synchronization logic only ever sees the normalized shape.
type Normalizer struct {
	// SelfID is the current actor id, resolved once at session start. It
	// decides message direction.
	SelfID string
}

// Message normalizes one raw message payload.
func (n Normalizer) Message(raw map[string]any) Message {
	m := Message{
		ID:             strOr(raw, "id", ""),
		ClientID:       strOr(raw, "clientId", ""),
		ConversationID: strOr(raw, "conversationId", ""),
		SenderID:       strOr(raw, "senderId", ""),
		Content:        strOr(raw, "content", ""),
		EditedContent:  strOr(raw, "editedContent", ""),
		Kind:           MessageKind(strOr(raw, "kind", strOr(raw, "type", string(KindText)))),
		CreatedAt:      timeOr(raw, "createdAt", time.Time{}),
	}
	if m.SenderID == "" {
		if sender, ok := raw["sender"].(map[string]any); ok {
			m.SenderID = strOr(sender, "id", strOr(sender, "userId", ""))
		}
	}
	if m.SenderID == n.SelfID && n.SelfID != "" {
		m.Direction = DirectionSent
	} else {
		m.Direction = DirectionReceived
	}
	switch m.Kind {
	case KindText, KindImage, KindVideo, KindFile:
	default:
		m.Kind = KindText
	}
	if media, ok := raw["media"].([]any); ok {
		for _, item := range media {
			ref, ok := item.(map[string]any)
			if !ok {
				continue
			}
			m.Media = append(m.Media, MediaRef{
				Kind: MessageKind(strOr(ref, "kind", string(m.Kind))),
				URL:  strOr(ref, "url", strOr(ref, "fileUrl", "")),
				Name: strOr(ref, "name", strOr(ref, "fileName", "")),
				Size: int64(intOr(ref, "size", intOr(ref, "fileSize", 0))),
			})
		}
	}
	return m
}

// Conversation normalizes one raw conversation payload. Older backends bury
// the display identity under participant or counterpart objects; newer ones
// flatten it. The first non-empty candidate wins.
func (n Normalizer) Conversation(raw map[string]any) Conversation {
	c := Conversation{
		ID:                   strOr(raw, "id", strOr(raw, "conversationId", "")),
		CounterpartID:        strOr(raw, "counterpartId", ""),
		DisplayName:          strOr(raw, "displayName", strOr(raw, "title", "")),
		AvatarURL:            strOr(raw, "avatarUrl", strOr(raw, "avatar", "")),
		LastActivityAt:       timeOr(raw, "lastActivityAt", timeOr(raw, "lastMessageAt", time.Time{})),
		UnreadCount:          intOr(raw, "unreadCount", 0),
		Pinned:               boolOr(raw, "pinned", false),
		Online:               boolOr(raw, "online", false),
		IsGroup:              boolOr(raw, "isGroup", strOr(raw, "type", "direct") == "group"),
		HasPersistedMessages: true,
	}
	if counterpart, ok := raw["counterpart"].(map[string]any); ok {
		if c.CounterpartID == "" {
			c.CounterpartID = strOr(counterpart, "id", strOr(counterpart, "userId", ""))
		}
		if c.DisplayName == "" {
			c.DisplayName = strOr(counterpart, "displayName", strOr(counterpart, "username", ""))
		}
		if c.AvatarURL == "" {
			c.AvatarURL = strOr(counterpart, "avatarUrl", strOr(counterpart, "avatar", ""))
		}
		if !c.Online {
			c.Online = boolOr(counterpart, "online", false)
		}
	}
	// Group chats and some backends carry members instead of a counterpart.
	if c.DisplayName == "" {
		if members, ok := raw["members"].([]any); ok {
			for _, item := range members {
				member, ok := item.(map[string]any)
				if !ok {
					continue
				}
				id := strOr(member, "id", strOr(member, "userId", ""))
				if id == n.SelfID {
					continue
				}
				if c.CounterpartID == "" && !c.IsGroup {
					c.CounterpartID = id
				}
				c.DisplayName = strOr(member, "displayName", strOr(member, "username", ""))
				if c.AvatarURL == "" {
					c.AvatarURL = strOr(member, "avatarUrl", "")
				}
				break
			}
		}
	}
	if last, ok := raw["lastMessage"].(map[string]any); ok {
		msg := n.Message(last)
		c.LastMessagePreview = msg.preview()
		c.LastMessageID = msg.ID
		if c.LastActivityAt.IsZero() {
			c.LastActivityAt = msg.CreatedAt
		}
	} else if c.LastMessagePreview == "" {
		c.LastMessagePreview = strOr(raw, "lastMessagePreview", "")
	}
	return c
}

// ConversationFromMessage synthesizes a minimal directory entry for a
// conversation first seen through one of its messages.
func (n Normalizer) ConversationFromMessage(m Message) Conversation {
	return Conversation{
		ID:                   m.ConversationID,
		CounterpartID:        m.SenderID,
		DisplayName:          m.SenderID,
		LastMessagePreview:   m.preview(),
		LastMessageID:        m.ID,
		LastActivityAt:       m.CreatedAt,
		HasPersistedMessages: true,
	}
}

// ============================================================================
// Tolerant extraction
// ============================================================================

func strOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intOr(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func boolOr(m map[string]any, key string, fallback bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return fallback
}

// timeOr accepts RFC 3339 strings as well as unix second or millisecond
// numbers, which is the full range of timestamp shapes the backends emit.
func timeOr(m map[string]any, key string, fallback time.Time) time.Time {
	switch v := m[key].(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	case float64:
		if v > 1e12 {
			return time.UnixMilli(int64(v)).UTC()
		}
		if v > 0 {
			return time.Unix(int64(v), 0).UTC()
		}
	}
	return fallback
}

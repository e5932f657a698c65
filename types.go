package chatsync

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Identifiers
// ============================================================================

// ProvisionalIDPrefix marks locally-generated message ids. A message whose id
// carries this prefix has not yet been confirmed by the server.
const ProvisionalIDPrefix = "local-"

// IsProvisionalID reports whether id was generated locally.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalIDPrefix)
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is one entry in the chat directory: a thread between the
// current user and one counterpart (or group).
type Conversation struct {
	ID                   string    `json:"id"`
	CounterpartID        string    `json:"counterpartId,omitempty"`
	DisplayName          string    `json:"displayName"`
	AvatarURL            string    `json:"avatarUrl,omitempty"`
	LastMessagePreview   string    `json:"lastMessagePreview,omitempty"`
	LastMessageID        string    `json:"lastMessageId,omitempty"`
	LastActivityAt       time.Time `json:"lastActivityAt"`
	UnreadCount          int       `json:"unreadCount"`
	Pinned               bool      `json:"pinned"`
	Online               bool      `json:"online"`
	IsGroup              bool      `json:"isGroup"`
	HasPersistedMessages bool      `json:"hasPersistedMessages"`
}

// ============================================================================
// Message
// ============================================================================

// MessageKind classifies a message by its primary content.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
	KindFile  MessageKind = "file"
)

// Direction tells apart own messages from the counterpart's.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// MediaRef points at one attachment of a message. Before the upload completes
// only LocalPreview is populated; afterwards URL holds the remote location.
type MediaRef struct {
	Kind         MessageKind `json:"kind"`
	URL          string      `json:"url,omitempty"`
	Name         string      `json:"name,omitempty"`
	Size         int64       `json:"size,omitempty"`
	LocalPreview []byte      `json:"-"`
}

// Message is one entry in a conversation's ledger.
//
// ID is server-issued once confirmed; provisional messages carry a local id
// recognizable via IsProvisionalID. ClientID is the provisional id echoed back
// by servers that support exact reconciliation.
type Message struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"clientId,omitempty"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId,omitempty"`
	Content        string      `json:"content"`
	EditedContent  string      `json:"editedContent,omitempty"`
	Media          []MediaRef  `json:"media,omitempty"`
	Kind           MessageKind `json:"kind"`
	Direction      Direction   `json:"direction"`
	CreatedAt      time.Time   `json:"createdAt"`
	Provisional    bool        `json:"provisional,omitempty"`
	Uploading      bool        `json:"uploading,omitempty"`
}

// DisplayContent returns the edited content when an edit landed, the original
// content otherwise.
func (m *Message) DisplayContent() string {
	if m.EditedContent != "" {
		return m.EditedContent
	}
	return m.Content
}

// preview returns the directory preview string for this message. Media
// messages collapse to a placeholder the way the sidebar renders them.
func (m *Message) preview() string {
	switch m.Kind {
	case KindImage:
		return "Image"
	case KindVideo:
		return "Video"
	case KindFile:
		return "File"
	default:
		return m.DisplayContent()
	}
}

// ============================================================================
// Attachments
// ============================================================================

const maxImagesPerSend = 5

// AttachmentBatch is one media selection for a single send: up to 5 images,
// or exactly 1 video, or exactly 1 file. Kinds are never mixed in one batch.
type AttachmentBatch struct {
	Files []MediaRef
}

// Validate enforces the attachment quota client-side, before any network call.
func (b AttachmentBatch) Validate() error {
	var images, videos, files int
	for _, f := range b.Files {
		switch f.Kind {
		case KindImage:
			images++
		case KindVideo:
			videos++
		case KindFile:
			files++
		default:
			return &AttachmentLimitError{Reason: fmt.Sprintf("unsupported attachment kind %q", f.Kind)}
		}
	}
	switch {
	case len(b.Files) == 0:
		return &AttachmentLimitError{Reason: "empty attachment batch"}
	case images > 0 && (videos > 0 || files > 0),
		videos > 0 && files > 0:
		return &AttachmentLimitError{Reason: "attachment kinds cannot be mixed in one send"}
	case images > maxImagesPerSend:
		return &AttachmentLimitError{Reason: fmt.Sprintf("at most %d images per send, got %d", maxImagesPerSend, images)}
	case videos > 1:
		return &AttachmentLimitError{Reason: "at most 1 video per send"}
	case files > 1:
		return &AttachmentLimitError{Reason: "at most 1 file per send"}
	}
	return nil
}

// Kind returns the message kind the batch produces.
func (b AttachmentBatch) Kind() MessageKind {
	if len(b.Files) == 0 {
		return KindText
	}
	return b.Files[0].Kind
}

// ============================================================================
// Error taxonomy
// ============================================================================

// APIError is an error envelope returned by the chat backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ConnectionError reports a push-channel failure. It is recoverable via the
// reconnection policy; request/response operations keep working without the
// push channel.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return "connection: " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FetchError reports a failed bulk load. Prior state is left intact; the
// caller may retry.
type FetchError struct {
	ConversationID string
	Err            error
}

func (e *FetchError) Error() string {
	if e.ConversationID == "" {
		return "fetch conversations: " + e.Err.Error()
	}
	return "fetch messages " + e.ConversationID + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

// SendError reports one failed send, edit, or delete. The optimistic artifact
// has been rolled back; the user may resubmit. Sends are never retried
// automatically.
type SendError struct {
	MessageID string
	Err       error
}

func (e *SendError) Error() string {
	return "send " + e.MessageID + ": " + e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

// AttachmentLimitError is client-side validation of a media selection. It
// never reaches the network.
type AttachmentLimitError struct {
	Reason string
}

func (e *AttachmentLimitError) Error() string {
	return "attachment limit: " + e.Reason
}

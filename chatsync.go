// Package chatsync keeps a local view of conversations and messages
// consistent across three concurrent, unordered sources of truth: an initial
// bulk fetch over request/response calls, locally-originated optimistic sends
// that appear instantly, and a push channel delivering the authoritative
// copies of messages, edits, deletions and presence.
//
// Example:
//
//	client := chatsync.NewClient(token, selfID)
//	rt := chatsync.NewRealtime(baseURL, selfID, chatsync.RealtimeConfig{Credential: token})
//	engine := chatsync.NewEngine(selfID, client, rt)
//
//	engine.Start(ctx)
//	engine.SelectConversation("conv-42")
//	engine.Send("hi")
//	snap := engine.Snapshot()
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.loopmarket.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Collaborator contract
// ============================================================================

// API is the request/response surface the engine consumes. Client implements
// it against the chat backend; tests substitute fakes.
type API interface {
	FetchConversations(ctx context.Context) ([]Conversation, error)
	FetchMessages(ctx context.Context, conversationID string) ([]Message, error)
	SendText(ctx context.Context, conversationID, content, clientID string) (Message, error)
	UploadAttachments(ctx context.Context, batch AttachmentBatch) (AttachmentBatch, error)
	SendMedia(ctx context.Context, conversationID string, batch AttachmentBatch, clientID string) (Message, error)
	EditMessage(ctx context.Context, conversationID, messageID, content string) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	MarkConversationRead(ctx context.Context, conversationID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
	StartDirect(ctx context.Context, counterpartID string) (Conversation, error)
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat backend over HTTP. It covers the request/response
// half of the system; live updates arrive through Realtime.
type Client struct {
	credential string
	baseURL    string
	httpClient *http.Client
	norm       Normalizer
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a chat API client. selfID is the current actor id,
// resolved once at session start; it decides message direction when
// normalizing fetch results.
func NewClient(credential, selfID string, opts ...ClientOption) *Client {
	c := &Client{
		credential: credential,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		norm:       Normalizer{SelfID: selfID},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Credential returns the auth token, for handing to the realtime adapter.
func (c *Client) Credential() string { return c.credential }

// ============================================================================
// Internal request helper
// ============================================================================

// result is the backend's generic response envelope.
type result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*result, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var res result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("request failed (HTTP %d)", resp.StatusCode)
	}
	return &res, nil
}

// ============================================================================
// API implementation
// ============================================================================

func (c *Client) FetchConversations(ctx context.Context) ([]Conversation, error) {
	res, err := c.doRequest(ctx, "GET", "/api/chat/conversations", nil)
	if err != nil {
		return nil, err
	}
	var raws []map[string]any
	if err := json.Unmarshal(res.Data, &raws); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	out := make([]Conversation, 0, len(raws))
	for _, raw := range raws {
		out = append(out, c.norm.Conversation(raw))
	}
	return out, nil
}

func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	res, err := c.doRequest(ctx, "GET", "/api/chat/conversations/"+conversationID+"/messages", nil)
	if err != nil {
		return nil, err
	}
	var raws []map[string]any
	if err := json.Unmarshal(res.Data, &raws); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		m := c.norm.Message(raw)
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *Client) SendText(ctx context.Context, conversationID, content, clientID string) (Message, error) {
	return c.sendMessage(ctx, conversationID, map[string]any{
		"content":  content,
		"kind":     KindText,
		"clientId": clientID,
	})
}

// UploadAttachments pushes the batch's bytes and returns the refs with their
// remote URLs filled in. Refs that already carry a URL are passed through.
func (c *Client) UploadAttachments(ctx context.Context, batch AttachmentBatch) (AttachmentBatch, error) {
	if err := batch.Validate(); err != nil {
		return AttachmentBatch{}, err
	}
	out := AttachmentBatch{Files: make([]MediaRef, 0, len(batch.Files))}
	for _, f := range batch.Files {
		if f.URL != "" {
			out.Files = append(out.Files, f)
			continue
		}
		uploaded, err := c.upload(ctx, f)
		if err != nil {
			return AttachmentBatch{}, err
		}
		out.Files = append(out.Files, uploaded)
	}
	return out, nil
}

func (c *Client) SendMedia(ctx context.Context, conversationID string, batch AttachmentBatch, clientID string) (Message, error) {
	uploaded, err := c.UploadAttachments(ctx, batch)
	if err != nil {
		return Message{}, err
	}
	refs := make([]map[string]any, 0, len(uploaded.Files))
	for _, f := range uploaded.Files {
		refs = append(refs, map[string]any{
			"kind": f.Kind,
			"url":  f.URL,
			"name": f.Name,
			"size": f.Size,
		})
	}
	return c.sendMessage(ctx, conversationID, map[string]any{
		"kind":     batch.Kind(),
		"clientId": clientID,
		"media":    refs,
	})
}

func (c *Client) sendMessage(ctx context.Context, conversationID string, payload map[string]any) (Message, error) {
	res, err := c.doRequest(ctx, "POST", "/api/chat/conversations/"+conversationID+"/messages", payload)
	if err != nil {
		return Message{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(res.Data, &raw); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	m := c.norm.Message(raw)
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	m.Direction = DirectionSent
	return m, nil
}

func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	_, err := c.doRequest(ctx, "PATCH",
		"/api/chat/conversations/"+conversationID+"/messages/"+messageID,
		map[string]string{"content": content})
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := c.doRequest(ctx, "DELETE",
		"/api/chat/conversations/"+conversationID+"/messages/"+messageID, nil)
	return err
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, "POST", "/api/chat/conversations/"+conversationID+"/read", nil)
	return err
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, "DELETE", "/api/chat/conversations/"+conversationID, nil)
	return err
}

func (c *Client) StartDirect(ctx context.Context, counterpartID string) (Conversation, error) {
	res, err := c.doRequest(ctx, "POST", "/api/chat/conversations/direct",
		map[string]string{"counterpartId": counterpartID})
	if err != nil {
		return Conversation{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(res.Data, &raw); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return c.norm.Conversation(raw), nil
}

// ============================================================================
// Upload pipeline
// ============================================================================

// upload pushes one attachment's bytes and returns the ref with its remote
// URL filled in.
func (c *Client) upload(ctx context.Context, f MediaRef) (MediaRef, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", f.Name)
	if err != nil {
		return MediaRef{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(f.LocalPreview); err != nil {
		return MediaRef{}, fmt.Errorf("write file data: %w", err)
	}
	if err := w.WriteField("kind", string(f.Kind)); err != nil {
		return MediaRef{}, fmt.Errorf("write kind field: %w", err)
	}
	if err := w.Close(); err != nil {
		return MediaRef{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat/uploads", &buf)
	if err != nil {
		return MediaRef{}, fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return MediaRef{}, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return MediaRef{}, fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}

	var res result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return MediaRef{}, fmt.Errorf("decode upload response: %w", err)
	}
	var uploaded struct {
		URL  string `json:"url"`
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	if res.Data != nil {
		if err := json.Unmarshal(res.Data, &uploaded); err != nil {
			return MediaRef{}, fmt.Errorf("decode upload data: %w", err)
		}
	}
	out := f
	out.URL = uploaded.URL
	if uploaded.Name != "" {
		out.Name = uploaded.Name
	}
	if uploaded.Size > 0 {
		out.Size = uploaded.Size
	}
	out.LocalPreview = nil
	return out, nil
}

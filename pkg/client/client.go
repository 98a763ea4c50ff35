package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/docqa/pkg/cache"
	"github.com/cuemby/docqa/pkg/log"
	"github.com/cuemby/docqa/pkg/types"
)

// DefaultTimeout bounds a single request
const DefaultTimeout = 30 * time.Second

// TokenSource supplies the bearer token for each request
type TokenSource interface {
	Token() string
}

// APIError is a non-2xx response
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api error: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api error: %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

// IsNotFound reports whether err is a 404 response
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to the document Q&A REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// NewClient creates a client for the API rooted at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     log.WithComponent("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// User is the authenticated principal
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// UploadFile is one file of a multipart upload
type UploadFile struct {
	Name string
	Data io.Reader
}

// Me returns the authenticated user
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListWorkspaces returns the workspaces of the current user
func (c *Client) ListWorkspaces(ctx context.Context) ([]types.Workspace, error) {
	var out []types.Workspace
	if err := c.do(ctx, http.MethodGet, "/api/workspaces", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateWorkspace creates a workspace
func (c *Client) CreateWorkspace(ctx context.Context, name, description string) (*types.Workspace, error) {
	body := map[string]string{"name": name}
	if description != "" {
		body["description"] = description
	}
	var ws types.Workspace
	if err := c.do(ctx, http.MethodPost, "/api/workspaces", body, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// ListDocuments returns the documents of a workspace
func (c *Client) ListDocuments(ctx context.Context, workspaceID string) ([]types.Document, error) {
	var out types.ListResponse[types.Document]
	if err := c.do(ctx, http.MethodGet, documentsPath(workspaceID), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// UploadDocuments sends files as one multipart request under the "files"
// field and returns the created documents
func (c *Client) UploadDocuments(ctx context.Context, workspaceID string, files []UploadFile) ([]types.Document, error) {
	if len(files) == 0 {
		return nil, errors.New("no files to upload")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := w.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := io.Copy(part, f.Data); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, documentsPath(workspaceID)+"/upload", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out struct {
		Items []struct {
			Document types.Document `json:"document"`
			FileID   string         `json:"file_id"`
		} `json:"items"`
	}
	if err := c.send(req, &out); err != nil {
		return nil, err
	}

	docs := make([]types.Document, 0, len(out.Items))
	for _, item := range out.Items {
		doc := item.Document
		if doc.WorkspaceID == "" {
			doc.WorkspaceID = workspaceID
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// ListConversations returns the conversations of a workspace
func (c *Client) ListConversations(ctx context.Context, workspaceID string) ([]types.Conversation, error) {
	var out types.ListResponse[types.Conversation]
	if err := c.do(ctx, http.MethodGet, conversationsPath(workspaceID), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// CreateConversation opens a new conversation
func (c *Client) CreateConversation(ctx context.Context, workspaceID, title string) (*types.Conversation, error) {
	var conv types.Conversation
	if err := c.do(ctx, http.MethodPost, conversationsPath(workspaceID), map[string]string{"title": title}, &conv); err != nil {
		return nil, err
	}
	if conv.WorkspaceID == "" {
		conv.WorkspaceID = workspaceID
	}
	return &conv, nil
}

// DeleteConversation removes a conversation
func (c *Client) DeleteConversation(ctx context.Context, workspaceID, conversationID string) error {
	return c.do(ctx, http.MethodDelete, conversationsPath(workspaceID)+"/"+url.PathEscape(conversationID), nil, nil)
}

// ListMessages returns the messages of a conversation in order
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]types.Message, error) {
	var out types.ListResponse[types.Message]
	if err := c.do(ctx, http.MethodGet, messagesPath(conversationID), nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Items {
		if out.Items[i].ConversationID == "" {
			out.Items[i].ConversationID = conversationID
		}
	}
	return out.Items, nil
}

// SendMessage posts a user question. The returned message is the
// persisted user message; the answer arrives through realtime events.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (*types.Message, error) {
	var msg types.Message
	if err := c.do(ctx, http.MethodPost, messagesPath(conversationID), map[string]string{"content": content}, &msg); err != nil {
		return nil, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	return &msg, nil
}

// Fetch loads the authoritative contents of a cache key
func (c *Client) Fetch(ctx context.Context, key cache.Key) ([]types.Entity, error) {
	switch key.Kind {
	case cache.KindWorkspaces:
		items, err := c.ListWorkspaces(ctx)
		return cache.Entities(items), err
	case cache.KindDocuments:
		items, err := c.ListDocuments(ctx, key.Scope)
		return cache.Entities(items), err
	case cache.KindConversations:
		items, err := c.ListConversations(ctx, key.Scope)
		return cache.Entities(items), err
	case cache.KindMessages:
		items, err := c.ListMessages(ctx, key.Scope)
		return cache.Entities(items), err
	}
	return nil, fmt.Errorf("cannot fetch key %s", key)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Msg("API request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func documentsPath(workspaceID string) string {
	return "/api/workspaces/" + url.PathEscape(workspaceID) + "/documents"
}

func conversationsPath(workspaceID string) string {
	return "/api/workspaces/" + url.PathEscape(workspaceID) + "/conversations"
}

func messagesPath(conversationID string) string {
	return "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
}

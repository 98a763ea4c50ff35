package types

import (
	"encoding/json"
	"strings"
)

// Entity is any snapshot that can live in a cache entry
type Entity interface {
	EntityID() string
}

// Workspace groups documents and conversations
type Workspace struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   Timestamp `json:"created_at"`
}

// EntityID implements Entity
func (w Workspace) EntityID() string { return w.ID }

// Document is an uploaded source file going through ingestion
type Document struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Title       string         `json:"title"`
	Status      DocumentStatus `json:"status"`
	SourceType  string         `json:"source_type,omitempty"`
	CreatedAt   Timestamp      `json:"created_at"`
}

// EntityID implements Entity
func (d Document) EntityID() string { return d.ID }

// DocumentStatus represents the ingestion state of a document
type DocumentStatus string

const (
	DocumentStatusPending   DocumentStatus = "pending"
	DocumentStatusRunning   DocumentStatus = "running"
	DocumentStatusParsed    DocumentStatus = "parsed"
	DocumentStatusIngested  DocumentStatus = "ingested"
	DocumentStatusCompleted DocumentStatus = "completed"
	DocumentStatusError     DocumentStatus = "error"
)

// IsTerminal reports whether no further transition is expected
func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case DocumentStatusIngested, DocumentStatusCompleted, DocumentStatusError:
		return true
	}
	return false
}

// Conversation is a thread of messages inside a workspace
type Conversation struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title"`
	CreatedAt   Timestamp `json:"created_at"`
}

// EntityID implements Entity
func (c Conversation) EntityID() string { return c.ID }

// Message is a single user question or assistant answer.
//
// Optimistic messages carry a client-generated ID and IsOptimistic set;
// they are replaced by the authoritative snapshot once the server confirms.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Role           Role             `json:"role"`
	Content        string           `json:"content"`
	Status         MessageStatus    `json:"status,omitempty"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt      Timestamp        `json:"created_at"`
	IsOptimistic   bool             `json:"is_optimistic,omitempty"`
}

// EntityID implements Entity
func (m Message) EntityID() string { return m.ID }

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole normalizes a wire role. The backend historically emitted "ai"
// for assistant messages.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ai", "assistant":
		return RoleAssistant
	case "user":
		return RoleUser
	}
	return Role(s)
}

// UnmarshalJSON normalizes legacy role names
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = ParseRole(s)
	return nil
}

// MessageStatus represents the generation state of a message
type MessageStatus string

const (
	MessageStatusPending MessageStatus = "pending"
	MessageStatusRunning MessageStatus = "running"
	MessageStatusDone    MessageStatus = "done"
	MessageStatusError   MessageStatus = "error"
)

// IsTerminal reports whether generation has finished
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusDone || s == MessageStatusError
}

// IsInFlight reports whether a reply is still being generated
func (s MessageStatus) IsInFlight() bool {
	return s == MessageStatusPending || s == MessageStatusRunning
}

// MessageMetadata holds the structured answer of an assistant message
type MessageMetadata struct {
	Sections  []MessageSection `json:"sections,omitempty"`
	Citations []Citation       `json:"citations,omitempty"`
}

// MessageSection is one paragraph of an answer with its supporting sources
type MessageSection struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
	SourceIDs []string   `json:"source_ids,omitempty"`
}

// Citation points at a segment of an ingested document
type Citation struct {
	DocumentID     string `json:"document_id"`
	SegmentIndex   int    `json:"segment_index"`
	PageIndex      *int   `json:"page_idx,omitempty"`
	SnippetPreview string `json:"snippet_preview,omitempty"`
}

// ListResponse is the envelope returned by list endpoints
type ListResponse[T any] struct {
	Items []T `json:"items"`
}

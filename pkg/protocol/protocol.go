package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuemby/docqa/pkg/types"
)

// Kind discriminates pushed events
type Kind string

const (
	KindDocumentCreated       Kind = "document.created"
	KindDocumentStatusUpdated Kind = "document.status_updated"
	KindMessageCreated        Kind = "message.created"
	KindMessageStatusUpdated  Kind = "message.status_updated"
	KindJobStatusUpdated      Kind = "job.status_updated"
)

var (
	// ErrUnknownKind is returned by Decode for kinds this client does not
	// understand. Callers ignore such events.
	ErrUnknownKind = errors.New("unknown event kind")

	// ErrMalformed wraps every parse and validation failure
	ErrMalformed = errors.New("malformed event")
)

// Envelope is the wire wrapper of every pushed event
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ParseEnvelope decodes one frame. The discriminator is read from "kind";
// frames from older servers that only carry "type" are accepted too.
func ParseEnvelope(data []byte) (Envelope, error) {
	var raw struct {
		Kind    string          `json:"kind"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind := raw.Kind
	if kind == "" {
		kind = raw.Type
	}
	if kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}

	payload := raw.Payload
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = json.RawMessage("{}")
	}
	return Envelope{Kind: Kind(kind), Payload: payload}, nil
}

// Event is a decoded, validated payload
type Event interface {
	EventKind() Kind
}

// ConversationScoped is implemented by events that belong to a conversation
type ConversationScoped interface {
	Event
	Conversation() (workspaceID, conversationID string)
}

// DocumentCreated announces a new upload. The embedded document is a
// summary; the full entity comes from the list endpoint.
type DocumentCreated struct {
	WorkspaceID string         `json:"workspace_id"`
	Document    types.Document `json:"document"`
}

func (DocumentCreated) EventKind() Kind { return KindDocumentCreated }

// DocumentStatusUpdated moves a document through ingestion
type DocumentStatusUpdated struct {
	WorkspaceID string               `json:"workspace_id"`
	DocumentID  string               `json:"document_id"`
	Status      types.DocumentStatus `json:"status"`
}

func (DocumentStatusUpdated) EventKind() Kind { return KindDocumentStatusUpdated }

// MessageCreated carries the authoritative snapshot of a new message
type MessageCreated struct {
	ConversationID string        `json:"conversation_id"`
	WorkspaceID    string        `json:"workspace_id"`
	Message        types.Message `json:"message"`
}

func (MessageCreated) EventKind() Kind { return KindMessageCreated }

func (e MessageCreated) Conversation() (string, string) {
	return e.WorkspaceID, e.ConversationID
}

// MessageStatusUpdated reports generation progress of a message.
// Content and Metadata are only set when the server sends them.
type MessageStatusUpdated struct {
	ConversationID string                 `json:"conversation_id"`
	WorkspaceID    string                 `json:"workspace_id"`
	MessageID      string                 `json:"message_id"`
	Status         types.MessageStatus    `json:"status"`
	Content        *string                `json:"content,omitempty"`
	Metadata       *types.MessageMetadata `json:"metadata,omitempty"`
}

func (MessageStatusUpdated) EventKind() Kind { return KindMessageStatusUpdated }

func (e MessageStatusUpdated) Conversation() (string, string) {
	return e.WorkspaceID, e.ConversationID
}

// JobStatusUpdated reports background job progress. It is accepted but
// has no effect on the cache.
type JobStatusUpdated struct {
	JobID        string `json:"job_id"`
	JobType      string `json:"job_type"`
	WorkspaceID  string `json:"workspace_id"`
	DocumentID   string `json:"document_id"`
	Status       string `json:"status"`
	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (JobStatusUpdated) EventKind() Kind { return KindJobStatusUpdated }

// Decode validates env and returns its typed payload
func Decode(env Envelope) (Event, error) {
	switch env.Kind {
	case KindDocumentCreated:
		var e DocumentCreated
		if err := unmarshal(env, &e); err != nil {
			return nil, err
		}
		if e.WorkspaceID == "" {
			return nil, missing(env.Kind, "workspace_id")
		}
		if e.Document.WorkspaceID == "" {
			e.Document.WorkspaceID = e.WorkspaceID
		}
		return e, nil

	case KindDocumentStatusUpdated:
		var e DocumentStatusUpdated
		if err := unmarshal(env, &e); err != nil {
			return nil, err
		}
		switch {
		case e.WorkspaceID == "":
			return nil, missing(env.Kind, "workspace_id")
		case e.DocumentID == "":
			return nil, missing(env.Kind, "document_id")
		case e.Status == "":
			return nil, missing(env.Kind, "status")
		}
		return e, nil

	case KindMessageCreated:
		var e MessageCreated
		if err := unmarshal(env, &e); err != nil {
			return nil, err
		}
		if e.ConversationID == "" {
			e.ConversationID = e.Message.ConversationID
		}
		switch {
		case e.ConversationID == "":
			return nil, missing(env.Kind, "conversation_id")
		case e.Message.ID == "":
			return nil, missing(env.Kind, "message.id")
		case e.Message.Role == "":
			return nil, missing(env.Kind, "message.role")
		}
		if e.Message.ConversationID == "" {
			e.Message.ConversationID = e.ConversationID
		}
		if e.Message.Status == "" {
			e.Message.Status = types.MessageStatusDone
		}
		e.Message.IsOptimistic = false
		return e, nil

	case KindMessageStatusUpdated:
		var e MessageStatusUpdated
		if err := unmarshal(env, &e); err != nil {
			return nil, err
		}
		switch {
		case e.ConversationID == "":
			return nil, missing(env.Kind, "conversation_id")
		case e.MessageID == "":
			return nil, missing(env.Kind, "message_id")
		case e.Status == "":
			return nil, missing(env.Kind, "status")
		}
		return e, nil

	case KindJobStatusUpdated:
		var e JobStatusUpdated
		if err := unmarshal(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, env.Kind)
}

// Encode builds a frame; used by tests and tooling that replay events
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Kind: ev.EventKind(), Payload: payload})
}

func unmarshal(env Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Kind, err)
	}
	return nil
}

func missing(kind Kind, field string) error {
	return fmt.Errorf("%w: %s payload missing %s", ErrMalformed, kind, field)
}

// Package mutation applies optimistic writes and rolls them back when
// the server rejects them.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/docqa/pkg/cache"
	"github.com/cuemby/docqa/pkg/client"
	"github.com/cuemby/docqa/pkg/events"
	"github.com/cuemby/docqa/pkg/log"
	"github.com/cuemby/docqa/pkg/metrics"
	"github.com/cuemby/docqa/pkg/protocol"
	"github.com/cuemby/docqa/pkg/reconciler"
	"github.com/cuemby/docqa/pkg/types"
)

// OptimisticIDPrefix marks client-generated entity ids
const OptimisticIDPrefix = "tmp-"

const (
	opSendMessage        = "send_message"
	opCreateConversation = "create_conversation"
	opDeleteConversation = "delete_conversation"
	opUploadDocuments    = "upload_documents"
)

var (
	// ErrReplyPending refuses a send while an assistant reply in the
	// same conversation is still being generated
	ErrReplyPending = errors.New("an assistant reply is still pending")

	ErrEmptyContent = errors.New("message content is empty")
)

// API is the subset of the REST client mutations call
type API interface {
	SendMessage(ctx context.Context, conversationID, content string) (*types.Message, error)
	CreateConversation(ctx context.Context, workspaceID, title string) (*types.Conversation, error)
	DeleteConversation(ctx context.Context, workspaceID, conversationID string) error
	UploadDocuments(ctx context.Context, workspaceID string, files []client.UploadFile) ([]types.Document, error)
}

// Applier merges events into the cache
type Applier interface {
	Apply(ev protocol.Event) reconciler.Result
}

// Invalidator schedules a refetch of a key without blocking
type Invalidator interface {
	Invalidate(key cache.Key)
}

// Config wires a Mutator
type Config struct {
	API         API
	Store       cache.Store
	Reconciler  Applier
	Invalidator Invalidator
	Broker      *events.Broker
}

// Mutator performs writes against the API and reflects them in the cache
// before the server confirms them
type Mutator struct {
	api         API
	store       cache.Store
	reconciler  Applier
	invalidator Invalidator
	broker      *events.Broker
	logger      zerolog.Logger
}

// NewMutator creates a mutator
func NewMutator(cfg Config) *Mutator {
	return &Mutator{
		api:         cfg.API,
		store:       cfg.Store,
		reconciler:  cfg.Reconciler,
		invalidator: cfg.Invalidator,
		broker:      cfg.Broker,
		logger:      log.WithComponent("mutation"),
	}
}

// Pending is the optimistic pair inserted by SendMessage
type Pending struct {
	User      types.Message
	Assistant types.Message
}

// SendMessage inserts an optimistic user message and a pending assistant
// placeholder, then posts the question. The placeholder is resolved later
// by pushed events. On failure both optimistic entries are removed.
func (m *Mutator) SendMessage(ctx context.Context, conversationID, content string) (*types.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	key := cache.MessagesKey(conversationID)
	pending := newPending(conversationID, content)
	logger := log.WithConversationID(conversationID)

	refused := false
	m.store.Update(key, func(items []types.Entity) []types.Entity {
		for _, msg := range cache.Filter[types.Message](items) {
			if msg.Role == types.RoleAssistant && msg.Status.IsInFlight() {
				refused = true
				return items
			}
		}
		out := make([]types.Entity, 0, len(items)+2)
		out = append(out, items...)
		return append(out, pending.User, pending.Assistant)
	})
	if refused {
		metrics.OptimisticMutationsTotal.WithLabelValues(opSendMessage, "refused").Inc()
		return nil, ErrReplyPending
	}

	msg, err := m.api.SendMessage(ctx, conversationID, content)
	if err != nil {
		m.removeIDs(key, pending.User.ID, pending.Assistant.ID)
		m.rolledBack(opSendMessage, key, err)
		logger.Warn().Err(err).Msg("Send failed, optimistic messages rolled back")
		return nil, fmt.Errorf("send message: %w", err)
	}

	res := m.reconciler.Apply(protocol.MessageCreated{ConversationID: conversationID, Message: *msg})
	logger.Debug().Str("message_id", msg.ID).Str("outcome", string(res.Outcome)).Msg("Send confirmed")
	metrics.OptimisticMutationsTotal.WithLabelValues(opSendMessage, "success").Inc()
	m.invalidate(key)
	return msg, nil
}

// CreateConversation creates a conversation, appends it to a cached list
// and seeds its empty message list so pushed messages are applied
func (m *Mutator) CreateConversation(ctx context.Context, workspaceID, title string) (*types.Conversation, error) {
	conv, err := m.api.CreateConversation(ctx, workspaceID, title)
	if err != nil {
		metrics.OptimisticMutationsTotal.WithLabelValues(opCreateConversation, "failure").Inc()
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	key := cache.ConversationsKey(workspaceID)
	m.store.UpdateExisting(key, func(items []types.Entity) []types.Entity {
		if cache.IndexOf(items, conv.ID) >= 0 {
			return items
		}
		out := make([]types.Entity, 0, len(items)+1)
		out = append(out, items...)
		return append(out, *conv)
	})
	if _, ok := m.store.Read(cache.MessagesKey(conv.ID)); !ok {
		m.store.Replace(cache.MessagesKey(conv.ID), []types.Entity{})
	}

	metrics.OptimisticMutationsTotal.WithLabelValues(opCreateConversation, "success").Inc()
	m.invalidate(key)
	return conv, nil
}

// DeleteConversation removes the conversation and its messages from the
// cache immediately and restores both if the server rejects the delete
func (m *Mutator) DeleteConversation(ctx context.Context, workspaceID, conversationID string) error {
	listKey := cache.ConversationsKey(workspaceID)
	msgKey := cache.MessagesKey(conversationID)

	var removed types.Entity
	index := -1
	m.store.UpdateExisting(listKey, func(items []types.Entity) []types.Entity {
		index = cache.IndexOf(items, conversationID)
		if index < 0 {
			return items
		}
		removed = items[index]
		out := make([]types.Entity, 0, len(items)-1)
		out = append(out, items[:index]...)
		return append(out, items[index+1:]...)
	})
	messages, hadMessages := m.store.Read(msgKey)
	m.store.Delete(msgKey)

	if err := m.api.DeleteConversation(ctx, workspaceID, conversationID); err != nil {
		if removed != nil {
			m.store.UpdateExisting(listKey, func(items []types.Entity) []types.Entity {
				if cache.IndexOf(items, conversationID) >= 0 {
					return items
				}
				at := min(index, len(items))
				out := make([]types.Entity, 0, len(items)+1)
				out = append(out, items[:at]...)
				out = append(out, removed)
				return append(out, items[at:]...)
			})
		}
		if hadMessages {
			m.store.Replace(msgKey, messages)
		}
		m.rolledBack(opDeleteConversation, listKey, err)
		return fmt.Errorf("delete conversation: %w", err)
	}

	metrics.OptimisticMutationsTotal.WithLabelValues(opDeleteConversation, "success").Inc()
	m.invalidate(listKey)
	return nil
}

// UploadDocuments uploads files and merges the created documents into a
// cached document list before refetching it
func (m *Mutator) UploadDocuments(ctx context.Context, workspaceID string, files []client.UploadFile) ([]types.Document, error) {
	docs, err := m.api.UploadDocuments(ctx, workspaceID, files)
	if err != nil {
		metrics.OptimisticMutationsTotal.WithLabelValues(opUploadDocuments, "failure").Inc()
		return nil, fmt.Errorf("upload documents: %w", err)
	}

	key := cache.DocumentsKey(workspaceID)
	m.store.UpdateExisting(key, func(items []types.Entity) []types.Entity {
		out := append([]types.Entity(nil), items...)
		for _, doc := range docs {
			if cache.IndexOf(out, doc.ID) < 0 {
				out = append(out, doc)
			}
		}
		if len(out) == len(items) {
			return items
		}
		return out
	})

	metrics.OptimisticMutationsTotal.WithLabelValues(opUploadDocuments, "success").Inc()
	m.invalidate(key)
	return docs, nil
}

func (m *Mutator) removeIDs(key cache.Key, ids ...string) {
	m.store.UpdateExisting(key, func(items []types.Entity) []types.Entity {
		out := make([]types.Entity, 0, len(items))
		for _, item := range items {
			drop := false
			for _, id := range ids {
				if item.EntityID() == id {
					drop = true
					break
				}
			}
			if !drop {
				out = append(out, item)
			}
		}
		if len(out) == len(items) {
			return items
		}
		return out
	})
}

func (m *Mutator) rolledBack(op string, key cache.Key, cause error) {
	metrics.OptimisticMutationsTotal.WithLabelValues(op, "rolled_back").Inc()
	m.broker.Publish(&events.Event{
		Type:    events.EventMutationRolledBack,
		Message: cause.Error(),
		Metadata: map[string]string{
			"operation": op,
			"key":       key.String(),
		},
	})
}

func (m *Mutator) invalidate(key cache.Key) {
	if m.invalidator != nil {
		m.invalidator.Invalidate(key)
	}
}

func newPending(conversationID, content string) Pending {
	now := types.NewTimestamp(time.Now().UTC())
	return Pending{
		User: types.Message{
			ID:             OptimisticIDPrefix + uuid.NewString(),
			ConversationID: conversationID,
			Role:           types.RoleUser,
			Content:        content,
			Status:         types.MessageStatusDone,
			CreatedAt:      now,
			IsOptimistic:   true,
		},
		Assistant: types.Message{
			ID:             OptimisticIDPrefix + uuid.NewString(),
			ConversationID: conversationID,
			Role:           types.RoleAssistant,
			Status:         types.MessageStatusPending,
			CreatedAt:      now,
			IsOptimistic:   true,
		},
	}
}

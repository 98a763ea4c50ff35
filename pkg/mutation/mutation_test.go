package mutation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docqa/pkg/cache"
	"github.com/cuemby/docqa/pkg/client"
	"github.com/cuemby/docqa/pkg/events"
	"github.com/cuemby/docqa/pkg/reconciler"
	"github.com/cuemby/docqa/pkg/types"
)

type fakeAPI struct {
	sendMessage        func(ctx context.Context, conversationID, content string) (*types.Message, error)
	createConversation func(ctx context.Context, workspaceID, title string) (*types.Conversation, error)
	deleteConversation func(ctx context.Context, workspaceID, conversationID string) error
	uploadDocuments    func(ctx context.Context, workspaceID string, files []client.UploadFile) ([]types.Document, error)
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID, content string) (*types.Message, error) {
	return f.sendMessage(ctx, conversationID, content)
}

func (f *fakeAPI) CreateConversation(ctx context.Context, workspaceID, title string) (*types.Conversation, error) {
	return f.createConversation(ctx, workspaceID, title)
}

func (f *fakeAPI) DeleteConversation(ctx context.Context, workspaceID, conversationID string) error {
	return f.deleteConversation(ctx, workspaceID, conversationID)
}

func (f *fakeAPI) UploadDocuments(ctx context.Context, workspaceID string, files []client.UploadFile) ([]types.Document, error) {
	return f.uploadDocuments(ctx, workspaceID, files)
}

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []cache.Key
}

func (r *recordingInvalidator) Invalidate(key cache.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

type fixture struct {
	api         *fakeAPI
	store       *cache.MemoryStore
	invalidator *recordingInvalidator
	broker      *events.Broker
	mutator     *Mutator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	f := &fixture{
		api:         &fakeAPI{},
		store:       cache.NewMemoryStore(),
		invalidator: &recordingInvalidator{},
		broker:      broker,
	}
	f.mutator = NewMutator(Config{
		API:         f.api,
		Store:       f.store,
		Reconciler:  reconciler.NewReconciler(f.store),
		Invalidator: f.invalidator,
		Broker:      broker,
	})
	return f
}

func (f *fixture) messages(t *testing.T, conversationID string) []types.Message {
	t.Helper()
	msgs, ok := cache.ReadAs[types.Message](f.store, cache.MessagesKey(conversationID))
	require.True(t, ok)
	return msgs
}

func TestSendMessageConfirmsOptimisticUser(t *testing.T) {
	f := newFixture(t)
	f.store.Replace(cache.MessagesKey("c1"), []types.Entity{})

	f.api.sendMessage = func(ctx context.Context, conversationID, content string) (*types.Message, error) {
		// optimistic pair is visible while the request is in flight
		inflight := f.messages(t, "c1")
		require.Len(t, inflight, 2)
		assert.True(t, inflight[0].IsOptimistic)
		assert.True(t, strings.HasPrefix(inflight[0].ID, OptimisticIDPrefix))
		assert.Equal(t, types.RoleUser, inflight[0].Role)
		assert.Equal(t, types.MessageStatusDone, inflight[0].Status)
		assert.True(t, inflight[1].IsOptimistic)
		assert.Equal(t, types.RoleAssistant, inflight[1].Role)
		assert.Equal(t, types.MessageStatusPending, inflight[1].Status)

		return &types.Message{ID: "m1", ConversationID: conversationID, Role: types.RoleUser, Content: content, Status: types.MessageStatusDone}, nil
	}

	msg, err := f.mutator.SendMessage(context.Background(), "c1", "What is the refund policy?")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)

	msgs := f.messages(t, "c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.False(t, msgs[0].IsOptimistic)
	assert.True(t, msgs[1].IsOptimistic, "assistant placeholder waits for pushed events")
	assert.Equal(t, []cache.Key{cache.MessagesKey("c1")}, f.invalidator.keys)
}

func TestSendMessageCreatesAbsentKey(t *testing.T) {
	f := newFixture(t)
	f.api.sendMessage = func(ctx context.Context, conversationID, content string) (*types.Message, error) {
		return &types.Message{ID: "m1", Role: types.RoleUser, Content: content, Status: types.MessageStatusDone}, nil
	}

	_, err := f.mutator.SendMessage(context.Background(), "c1", "hello")
	require.NoError(t, err)
	assert.Len(t, f.messages(t, "c1"), 2)
}

func TestSendMessageRefusedWhileReplyPending(t *testing.T) {
	f := newFixture(t)
	f.store.Replace(cache.MessagesKey("c1"), []types.Entity{
		types.Message{ID: "m1", Role: types.RoleUser, Content: "q", Status: types.MessageStatusDone},
		types.Message{ID: "m2", Role: types.RoleAssistant, Status: types.MessageStatusRunning},
	})
	before := f.store.Version(cache.MessagesKey("c1"))
	f.api.sendMessage = func(ctx context.Context, conversationID, content string) (*types.Message, error) {
		t.Fatal("API must not be called")
		return nil, nil
	}

	_, err := f.mutator.SendMessage(context.Background(), "c1", "another question")
	assert.ErrorIs(t, err, ErrReplyPending)
	assert.Equal(t, before, f.store.Version(cache.MessagesKey("c1")))
}

func TestSendMessageAllowedAfterReplyFinished(t *testing.T) {
	f := newFixture(t)
	f.store.Replace(cache.MessagesKey("c1"), []types.Entity{
		types.Message{ID: "m2", Role: types.RoleAssistant, Status: types.MessageStatusError},
	})
	f.api.sendMessage = func(ctx context.Context, conversationID, content string) (*types.Message, error) {
		return &types.Message{ID: "m3", Role: types.RoleUser, Content: content, Status: types.MessageStatusDone}, nil
	}

	_, err := f.mutator.SendMessage(context.Background(), "c1", "retry")
	require.NoError(t, err)
	assert.Len(t, f.messages(t, "c1"), 3)
}

func TestSendMessageRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	existing := types.Message{ID: "m1", Role: types.RoleUser, Content: "q", Status: types.MessageStatusDone}
	f.store.Replace(cache.MessagesKey("c1"), []types.Entity{existing})
	sub := f.broker.Subscribe()

	f.api.sendMessage = func(ctx context.Context, conversationID, content string) (*types.Message, error) {
		return nil, &client.APIError{Status: 500, Body: "boom"}
	}

	_, err := f.mutator.SendMessage(context.Background(), "c1", "hello")
	require.Error(t, err)
	var apiErr *client.APIError
	assert.ErrorAs(t, err, &apiErr)

	assert.Equal(t, []types.Message{existing}, f.messages(t, "c1"))
	assert.Empty(t, f.invalidator.keys)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventMutationRolledBack, ev.Type)
		assert.Equal(t, opSendMessage, ev.Metadata["operation"])
		assert.Equal(t, "messages/c1", ev.Metadata["key"])
	case <-time.After(time.Second):
		t.Fatal("no rollback event")
	}
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	f := newFixture(t)
	_, err := f.mutator.SendMessage(context.Background(), "c1", "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)
	_, ok := f.store.Read(cache.MessagesKey("c1"))
	assert.False(t, ok)
}

func TestCreateConversation(t *testing.T) {
	f := newFixture(t)
	f.store.Replace(cache.ConversationsKey("w1"), []types.Entity{
		types.Conversation{ID: "c1", WorkspaceID: "w1", Title: "old"},
	})
	f.api.createConversation = func(ctx context.Context, workspaceID, title string) (*types.Conversation, error) {
		return &types.Conversation{ID: "c2", WorkspaceID: workspaceID, Title: title}, nil
	}

	conv, err := f.mutator.CreateConversation(context.Background(), "w1", "New chat")
	require.NoError(t, err)
	assert.Equal(t, "c2", conv.ID)

	convs, _ := cache.ReadAs[types.Conversation](f.store, cache.ConversationsKey("w1"))
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[1].ID)

	msgs, ok := f.store.Read(cache.MessagesKey("c2"))
	assert.True(t, ok, "message list of a new conversation is seeded")
	assert.Empty(t, msgs)
	assert.Equal(t, []cache.Key{cache.ConversationsKey("w1")}, f.invalidator.keys)
}

func TestCreateConversationDoesNotSeedUncachedList(t *testing.T) {
	f := newFixture(t)
	f.api.createConversation = func(ctx context.Context, workspaceID, title string) (*types.Conversation, error) {
		return &types.Conversation{ID: "c2", WorkspaceID: workspaceID, Title: title}, nil
	}

	_, err := f.mutator.CreateConversation(context.Background(), "w1", "New chat")
	require.NoError(t, err)
	_, ok := f.store.Read(cache.ConversationsKey("w1"))
	assert.False(t, ok)
}

func TestDeleteConversation(t *testing.T) {
	f := newFixture(t)
	f.store.Replace(cache.ConversationsKey("w1"), []types.Entity{
		types.Conversation{ID: "c1"}, types.Conversation{ID: "c2"}, types.Conversation{ID: "c3"},
	})
	f.store.Replace(cache.MessagesKey("c2"), []types.Entity{types.Message{ID: "m1"}})

	f.api.deleteConversation = func(ctx context.Context, workspaceID, conversationID string) error {
		items, _ := f.store.Read(cache.ConversationsKey("w1"))
		assert.Len(t, items, 2, "removed before the server answers")
		return nil
	}

	require.NoError(t, f.mutator.DeleteConversation(context.Background(), "w1", "c2"))
	items, _ := f.store.Read(cache.ConversationsKey("w1"))
	assert.Equal(t, []string{"c1", "c3"}, entityIDs(items))
	_, ok := f.store.Read(cache.MessagesKey("c2"))
	assert.False(t, ok)
}

func TestDeleteConversationRestoresOnFailure(t *testing.T) {
	f := newFixture(t)
	f.store.Replace(cache.ConversationsKey("w1"), []types.Entity{
		types.Conversation{ID: "c1"}, types.Conversation{ID: "c2"}, types.Conversation{ID: "c3"},
	})
	f.store.Replace(cache.MessagesKey("c2"), []types.Entity{types.Message{ID: "m1"}})
	f.api.deleteConversation = func(ctx context.Context, workspaceID, conversationID string) error {
		return errors.New("forbidden")
	}

	err := f.mutator.DeleteConversation(context.Background(), "w1", "c2")
	require.Error(t, err)

	items, _ := f.store.Read(cache.ConversationsKey("w1"))
	assert.Equal(t, []string{"c1", "c2", "c3"}, entityIDs(items))
	msgs, ok := f.store.Read(cache.MessagesKey("c2"))
	require.True(t, ok)
	assert.Equal(t, []string{"m1"}, entityIDs(msgs))
}

func TestUploadDocuments(t *testing.T) {
	f := newFixture(t)
	f.store.Replace(cache.DocumentsKey("w1"), []types.Entity{
		types.Document{ID: "d1", Status: types.DocumentStatusIngested},
	})
	f.api.uploadDocuments = func(ctx context.Context, workspaceID string, files []client.UploadFile) ([]types.Document, error) {
		require.Len(t, files, 1)
		return []types.Document{{ID: "d2", Title: files[0].Name, Status: types.DocumentStatusPending}}, nil
	}

	docs, err := f.mutator.UploadDocuments(context.Background(), "w1", []client.UploadFile{
		{Name: "policy.pdf", Data: strings.NewReader("%PDF")},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	items, _ := f.store.Read(cache.DocumentsKey("w1"))
	assert.Equal(t, []string{"d1", "d2"}, entityIDs(items))
	assert.Equal(t, []cache.Key{cache.DocumentsKey("w1")}, f.invalidator.keys)
}

func TestUploadDocumentsFailure(t *testing.T) {
	f := newFixture(t)
	f.api.uploadDocuments = func(ctx context.Context, workspaceID string, files []client.UploadFile) ([]types.Document, error) {
		return nil, errors.New("too large")
	}

	_, err := f.mutator.UploadDocuments(context.Background(), "w1", nil)
	assert.Error(t, err)
	assert.Empty(t, f.invalidator.keys)
}

func entityIDs(items []types.Entity) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.EntityID()
	}
	return out
}

package reconciler

import (
	"fmt"
	"testing"

	"github.com/cuemby/docqa/pkg/cache"
	"github.com/cuemby/docqa/pkg/protocol"
	"github.com/cuemby/docqa/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func optimisticPair(content string) []types.Entity {
	return []types.Entity{
		types.Message{ID: "tmp-u", ConversationID: "c1", Role: types.RoleUser, Content: content, Status: types.MessageStatusDone, IsOptimistic: true},
		types.Message{ID: "tmp-a", ConversationID: "c1", Role: types.RoleAssistant, Content: "", Status: types.MessageStatusPending, IsOptimistic: true},
	}
}

func created(id string, role types.Role, content string) protocol.MessageCreated {
	return protocol.MessageCreated{
		ConversationID: "c1",
		WorkspaceID:    "w1",
		Message: types.Message{
			ID:             id,
			ConversationID: "c1",
			Role:           role,
			Content:        content,
			Status:         types.MessageStatusDone,
		},
	}
}

func ids(items []types.Entity) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.EntityID()
	}
	return out
}

func newTestReconciler(t *testing.T) (*Reconciler, *cache.MemoryStore) {
	t.Helper()
	store := cache.NewMemoryStore()
	return NewReconciler(store), store
}

func TestMessageCreatedIdempotent(t *testing.T) {
	r, store := newTestReconciler(t)
	key := cache.MessagesKey("c1")
	store.Replace(key, nil)

	ev := created("m1", types.RoleUser, "Hello")
	first := r.Apply(ev)
	once, _ := store.Read(key)

	second := r.Apply(ev)
	twice, _ := store.Read(key)

	assert.Equal(t, OutcomeAppended, first.Outcome)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, once, twice)
	assert.Equal(t, uint64(2), store.Version(key), "duplicate must not write")
}

func TestOptimisticUserReplacedInPlace(t *testing.T) {
	r, store := newTestReconciler(t)
	key := cache.MessagesKey("c1")
	store.Replace(key, optimisticPair("Hello"))

	res := r.Apply(created("m1", types.RoleUser, "Hello"))
	require.Equal(t, OutcomeReplaced, res.Outcome)

	items, _ := store.Read(key)
	require.Len(t, items, 2)
	assert.Equal(t, []string{"m1", "tmp-a"}, ids(items))
	assert.False(t, items[0].(types.Message).IsOptimistic)
	assert.True(t, items[1].(types.Message).IsOptimistic)
}

func TestAssistantPlaceholderResolved(t *testing.T) {
	r, store := newTestReconciler(t)
	key := cache.MessagesKey("c1")
	store.Replace(key, optimisticPair("Hello"))

	r.Apply(created("m1", types.RoleUser, "Hello"))
	res := r.Apply(created("m2", types.RoleAssistant, "Hi there"))
	require.Equal(t, OutcomeReplaced, res.Outcome)

	msgs, _ := cache.ReadAs[types.Message](store, key)
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	for _, m := range msgs {
		assert.False(t, m.IsOptimistic)
	}
}

func TestRefundPolicyScenario(t *testing.T) {
	r, store := newTestReconciler(t)
	key := cache.MessagesKey("c1")
	question := "What is the refund policy?"

	// The optimistic hook seeds the conversation.
	store.Update(key, func(items []types.Entity) []types.Entity {
		return append(items, optimisticPair(question)...)
	})

	r.Apply(created("m1", types.RoleUser, question))
	items, _ := store.Read(key)
	assert.Equal(t, []string{"m1", "tmp-a"}, ids(items))

	r.Apply(created("m2", types.RoleAssistant, "Refunds are accepted within 30 days."))
	msgs, _ := cache.ReadAs[types.Message](store, key)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "Refunds are accepted within 30 days.", msgs[1].Content)
	for _, m := range msgs {
		assert.False(t, m.IsOptimistic)
	}
}

func TestUserMatchRequiresSameContent(t *testing.T) {
	items := []types.Entity{
		types.Message{ID: "tmp-old", Role: types.RoleUser, Content: "first question", IsOptimistic: true},
		types.Message{ID: "tmp-new", Role: types.RoleUser, Content: "second question", IsOptimistic: true},
	}

	out, outcome := MergeMessage(items, types.Message{ID: "m9", Role: types.RoleUser, Content: "second question"})
	assert.Equal(t, OutcomeReplaced, outcome)
	assert.Equal(t, []string{"tmp-old", "m9"}, ids(out))

	out, outcome = MergeMessage(items, types.Message{ID: "m10", Role: types.RoleUser, Content: "unrelated"})
	assert.Equal(t, OutcomeAppended, outcome)
	assert.Equal(t, []string{"tmp-old", "tmp-new", "m10"}, ids(out))
}

func TestUserMatchIgnoresSurroundingWhitespace(t *testing.T) {
	items := []types.Entity{
		types.Message{ID: "tmp-u", Role: types.RoleUser, Content: "  Hello\n", IsOptimistic: true},
	}
	out, outcome := MergeMessage(items, types.Message{ID: "m1", Role: types.RoleUser, Content: "Hello"})
	assert.Equal(t, OutcomeReplaced, outcome)
	assert.Equal(t, []string{"m1"}, ids(out))
}

func TestAssistantIgnoresFinishedPlaceholder(t *testing.T) {
	items := []types.Entity{
		types.Message{ID: "tmp-a", Role: types.RoleAssistant, Status: types.MessageStatusError, IsOptimistic: true},
	}
	out, outcome := MergeMessage(items, types.Message{ID: "m2", Role: types.RoleAssistant, Content: "answer"})
	assert.Equal(t, OutcomeAppended, outcome)
	assert.Equal(t, []string{"tmp-a", "m2"}, ids(out))
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	items := optimisticPair("Hello")
	before := append([]types.Entity(nil), items...)

	_, _ = MergeMessage(items, types.Message{ID: "m1", Role: types.RoleUser, Content: "Hello"})
	assert.Equal(t, before, items)
}

func TestMessageEventsOnAbsentKeyAreNoops(t *testing.T) {
	r, store := newTestReconciler(t)

	res := r.Apply(created("m1", types.RoleUser, "Hello"))
	assert.Equal(t, OutcomeNoop, res.Outcome)

	res = r.Apply(protocol.MessageStatusUpdated{ConversationID: "c1", MessageID: "m1", Status: types.MessageStatusDone})
	assert.Equal(t, OutcomeNoop, res.Outcome)

	_, ok := store.Read(cache.MessagesKey("c1"))
	assert.False(t, ok, "reconciler must never create an entry")
}

func TestMessageStatusUnknownIDLeavesCacheUnchanged(t *testing.T) {
	r, store := newTestReconciler(t)
	key := cache.MessagesKey("c1")
	store.Replace(key, optimisticPair("Hello"))
	before, _ := store.Read(key)

	res := r.Apply(protocol.MessageStatusUpdated{ConversationID: "c1", MessageID: "ghost", Status: types.MessageStatusDone})
	after, _ := store.Read(key)

	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Equal(t, before, after)
	assert.Equal(t, uint64(1), store.Version(key))
}

func TestMessageStatusUpdate(t *testing.T) {
	r, store := newTestReconciler(t)
	key := cache.MessagesKey("c1")
	store.Replace(key, []types.Entity{
		types.Message{ID: "m1", Role: types.RoleUser, Content: "q", Status: types.MessageStatusDone},
		types.Message{ID: "m2", Role: types.RoleAssistant, Status: types.MessageStatusPending},
	})

	res := r.Apply(protocol.MessageStatusUpdated{ConversationID: "c1", MessageID: "m2", Status: types.MessageStatusRunning})
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	meta := &types.MessageMetadata{Sections: []types.MessageSection{{Text: "a", Citations: []types.Citation{{DocumentID: "d1", SegmentIndex: 2}}}}}
	res = r.Apply(protocol.MessageStatusUpdated{ConversationID: "c1", MessageID: "m2", Status: types.MessageStatusDone, Content: strPtr("answer"), Metadata: meta})
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	msgs, _ := cache.ReadAs[types.Message](store, key)
	assert.Equal(t, []string{"m1", "m2"}, []string{msgs[0].ID, msgs[1].ID})
	assert.Equal(t, types.MessageStatusDone, msgs[1].Status)
	assert.Equal(t, "answer", msgs[1].Content)
	assert.Equal(t, meta, msgs[1].Metadata)

	// Without content the previous text stays.
	res = r.Apply(protocol.MessageStatusUpdated{ConversationID: "c1", MessageID: "m2", Status: types.MessageStatusDone})
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	msgs, _ = cache.ReadAs[types.Message](store, key)
	assert.Equal(t, "answer", msgs[1].Content)
}

func TestStaleMessageStatusIgnored(t *testing.T) {
	items := []types.Entity{types.Message{ID: "m2", Role: types.RoleAssistant, Status: types.MessageStatusDone, Content: "final"}}

	out, outcome := ApplyMessageStatus(items, protocol.MessageStatusUpdated{MessageID: "m2", Status: types.MessageStatusRunning, Content: strPtr("partial")})
	assert.Equal(t, OutcomeStale, outcome)
	assert.Equal(t, "final", out[0].(types.Message).Content)
}

func TestDocumentStatus(t *testing.T) {
	r, store := newTestReconciler(t)
	key := cache.DocumentsKey("w1")
	store.Replace(key, []types.Entity{
		types.Document{ID: "d1", Title: "a.pdf", Status: types.DocumentStatusPending},
		types.Document{ID: "d2", Title: "b.pdf", Status: types.DocumentStatusPending},
	})

	res := r.Apply(protocol.DocumentStatusUpdated{WorkspaceID: "w1", DocumentID: "d2", Status: types.DocumentStatusIngested})
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	docs, _ := cache.ReadAs[types.Document](store, key)
	assert.Equal(t, types.DocumentStatusPending, docs[0].Status)
	assert.Equal(t, types.DocumentStatusIngested, docs[1].Status)
	assert.Equal(t, "b.pdf", docs[1].Title, "only status changes")

	res = r.Apply(protocol.DocumentStatusUpdated{WorkspaceID: "w1", DocumentID: "d3", Status: types.DocumentStatusIngested})
	assert.Equal(t, OutcomeNoop, res.Outcome)
	docs, _ = cache.ReadAs[types.Document](store, key)
	assert.Len(t, docs, 2, "absent document is not fabricated")

	res = r.Apply(protocol.DocumentStatusUpdated{WorkspaceID: "w9", DocumentID: "d1", Status: types.DocumentStatusIngested})
	assert.Equal(t, OutcomeNoop, res.Outcome)
}

func TestDocumentTransitions(t *testing.T) {
	tests := []struct {
		from, to types.DocumentStatus
		allowed  bool
	}{
		{types.DocumentStatusPending, types.DocumentStatusRunning, true},
		{types.DocumentStatusPending, types.DocumentStatusIngested, true},
		{types.DocumentStatusRunning, types.DocumentStatusError, true},
		{types.DocumentStatusParsed, types.DocumentStatusRunning, false},
		{types.DocumentStatusIngested, types.DocumentStatusPending, false},
		{types.DocumentStatusError, types.DocumentStatusRunning, true},
		{types.DocumentStatusCompleted, types.DocumentStatusError, false},
		{types.DocumentStatusIngested, types.DocumentStatusIngested, true},
		{types.DocumentStatusRunning, "ocr_queued", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			items := []types.Entity{types.Document{ID: "d1", Status: tt.from}}
			out, outcome := ApplyDocumentStatus(items, "d1", tt.to)
			if tt.allowed {
				assert.Equal(t, OutcomeUpdated, outcome)
				assert.Equal(t, tt.to, out[0].(types.Document).Status)
			} else {
				assert.Equal(t, OutcomeStale, outcome)
				assert.Equal(t, tt.from, out[0].(types.Document).Status)
			}
		})
	}
}

func TestDocumentCreated(t *testing.T) {
	r, store := newTestReconciler(t)
	ev := protocol.DocumentCreated{WorkspaceID: "w1", Document: types.Document{ID: "d9", Title: "new.pdf"}}

	assert.Equal(t, OutcomeNoop, r.Apply(ev).Outcome, "nothing to refresh when the list is not cached")

	store.Replace(cache.DocumentsKey("w1"), nil)
	res := r.Apply(ev)
	assert.Equal(t, OutcomeRefetch, res.Outcome)
	assert.Equal(t, cache.DocumentsKey("w1"), res.Key)

	items, _ := store.Read(cache.DocumentsKey("w1"))
	assert.Empty(t, items, "document.created is never merged locally")
}

func TestJobStatusIgnored(t *testing.T) {
	r, _ := newTestReconciler(t)
	assert.Equal(t, OutcomeIgnored, r.Apply(protocol.JobStatusUpdated{JobID: "j1", Status: "queued"}).Outcome)
}

func TestOrderingPreservation(t *testing.T) {
	r, store := newTestReconciler(t)
	key := cache.MessagesKey("c1")
	store.Replace(key, nil)

	var firstSeen []string
	seen := map[string]bool{}
	evs := []protocol.Event{}
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("m%d", i%7)
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		evs = append(evs, protocol.MessageCreated{ConversationID: "c1", Message: types.Message{ID: id, Role: role, Content: id, Status: types.MessageStatusPending}})
		evs = append(evs, protocol.MessageStatusUpdated{ConversationID: "c1", MessageID: fmt.Sprintf("m%d", (i+3)%7), Status: types.MessageStatusRunning})
		if !seen[id] {
			seen[id] = true
			firstSeen = append(firstSeen, id)
		}
	}

	for _, ev := range evs {
		r.Apply(ev)
	}

	items, _ := store.Read(key)
	assert.Equal(t, firstSeen, ids(items))
}

func TestMergeSnapshot(t *testing.T) {
	current := []types.Entity{
		types.Message{ID: "m0", Role: types.RoleUser, Content: "Hello"},
		types.Message{ID: "tmp-u", Role: types.RoleUser, Content: "Hello", IsOptimistic: true},
		types.Message{ID: "tmp-a", Role: types.RoleAssistant, Status: types.MessageStatusPending, IsOptimistic: true},
	}

	t.Run("nothing confirmed", func(t *testing.T) {
		fetched := []types.Entity{types.Message{ID: "m0", Role: types.RoleUser, Content: "Hello"}}
		assert.Equal(t, []string{"m0", "tmp-u", "tmp-a"}, ids(MergeSnapshot(current, fetched)))
	})

	t.Run("user confirmed", func(t *testing.T) {
		fetched := []types.Entity{
			types.Message{ID: "m0", Role: types.RoleUser, Content: "Hello"},
			types.Message{ID: "m5", Role: types.RoleUser, Content: "Hello"},
		}
		assert.Equal(t, []string{"m0", "m5", "tmp-a"}, ids(MergeSnapshot(current, fetched)))
	})

	t.Run("both confirmed", func(t *testing.T) {
		fetched := []types.Entity{
			types.Message{ID: "m0", Role: types.RoleUser, Content: "Hello"},
			types.Message{ID: "m5", Role: types.RoleUser, Content: "Hello"},
			types.Message{ID: "m6", Role: types.RoleAssistant, Status: types.MessageStatusRunning},
		}
		assert.Equal(t, []string{"m0", "m5", "m6"}, ids(MergeSnapshot(current, fetched)))
	})

	t.Run("documents pass through", func(t *testing.T) {
		fetched := []types.Entity{types.Document{ID: "d1"}}
		assert.Equal(t, []string{"d1"}, ids(MergeSnapshot([]types.Entity{types.Document{ID: "old"}}, fetched)))
	})
}

func TestApplySnapshot(t *testing.T) {
	r, store := newTestReconciler(t)

	stale := r.ApplySnapshot(cache.DocumentsKey("w1"), nil, 0)
	assert.False(t, stale)
	items, ok := store.Read(cache.DocumentsKey("w1"))
	assert.True(t, ok, "an empty fetch marks the key as loaded")
	assert.Empty(t, items)

	key := cache.MessagesKey("c1")
	store.Replace(key, optimisticPair("Hello"))
	stale = r.ApplySnapshot(key, []types.Entity{types.Message{ID: "m1", Role: types.RoleUser, Content: "Hello"}}, store.Version(key))
	assert.False(t, stale)
	items, _ = store.Read(key)
	assert.Equal(t, []string{"m1", "tmp-a"}, ids(items))
}

func TestSnapshotFetchedBeforePushesKeepsThem(t *testing.T) {
	r, store := newTestReconciler(t)
	key := cache.MessagesKey("c1")
	store.Replace(key, optimisticPair("Hello"))

	// the fetch is issued here and answers with the state at that time
	fetchedAt := store.Version(key)
	r.Apply(created("m1", types.RoleUser, "Hello"))
	r.Apply(created("m2", types.RoleAssistant, "Hi there"))
	items, _ := store.Read(key)
	require.Equal(t, []string{"m1", "m2"}, ids(items))

	stale := r.ApplySnapshot(key, []types.Entity{}, fetchedAt)
	assert.True(t, stale)
	items, _ = store.Read(key)
	assert.Equal(t, []string{"m1", "m2"}, ids(items))

	// later status updates still find the assistant message
	res := r.Apply(protocol.MessageStatusUpdated{ConversationID: "c1", MessageID: "m2", Status: types.MessageStatusDone, Content: strPtr("final")})
	assert.Equal(t, OutcomeUpdated, res.Outcome)
}

func TestOlderSnapshotAppliedLast(t *testing.T) {
	r, store := newTestReconciler(t)
	key := cache.MessagesKey("c1")
	store.Replace(key, nil)
	issued := store.Version(key)

	newer := []types.Entity{
		types.Message{ID: "m1", Role: types.RoleUser, Content: "q", Status: types.MessageStatusDone},
		types.Message{ID: "m2", Role: types.RoleAssistant, Content: "a", Status: types.MessageStatusDone},
	}
	older := []types.Entity{
		types.Message{ID: "m1", Role: types.RoleUser, Content: "q", Status: types.MessageStatusDone},
		types.Message{ID: "m2", Role: types.RoleAssistant, Status: types.MessageStatusRunning},
	}

	// two fetches issued together, the older answer lands second
	assert.False(t, r.ApplySnapshot(key, newer, issued))
	assert.True(t, r.ApplySnapshot(key, older, issued))

	msgs, _ := cache.ReadAs[types.Message](store, key)
	require.Len(t, msgs, 2)
	assert.Equal(t, types.MessageStatusDone, msgs[1].Status)
	assert.Equal(t, "a", msgs[1].Content)
}

func TestMergeStaleSnapshot(t *testing.T) {
	current := []types.Entity{
		types.Message{ID: "m0", Role: types.RoleUser, Content: "Hello", Status: types.MessageStatusDone},
		types.Message{ID: "m1", Role: types.RoleAssistant, Content: "Hi", Status: types.MessageStatusDone},
		types.Message{ID: "tmp-u", Role: types.RoleUser, Content: "Again", Status: types.MessageStatusDone, IsOptimistic: true},
		types.Message{ID: "tmp-a", Role: types.RoleAssistant, Status: types.MessageStatusPending, IsOptimistic: true},
	}

	t.Run("missing confirmed entries kept", func(t *testing.T) {
		fetched := []types.Entity{types.Message{ID: "m0", Role: types.RoleUser, Content: "Hello", Status: types.MessageStatusDone}}
		assert.Equal(t, []string{"m0", "m1", "tmp-u", "tmp-a"}, ids(MergeStaleSnapshot(current, fetched)))
	})

	t.Run("new fetched entries still confirm placeholders", func(t *testing.T) {
		fetched := []types.Entity{
			types.Message{ID: "m0", Role: types.RoleUser, Content: "Hello", Status: types.MessageStatusDone},
			types.Message{ID: "m1", Role: types.RoleAssistant, Content: "Hi", Status: types.MessageStatusDone},
			types.Message{ID: "m2", Role: types.RoleUser, Content: "Again", Status: types.MessageStatusDone},
		}
		assert.Equal(t, []string{"m0", "m1", "m2", "tmp-a"}, ids(MergeStaleSnapshot(current, fetched)))
	})

	t.Run("documents keep the further status", func(t *testing.T) {
		cached := []types.Entity{types.Document{ID: "d1", Status: types.DocumentStatusIngested}}
		fetched := []types.Entity{
			types.Document{ID: "d1", Status: types.DocumentStatusRunning},
			types.Document{ID: "d2", Status: types.DocumentStatusPending},
		}
		docs := cache.Filter[types.Document](MergeStaleSnapshot(cached, fetched))
		require.Len(t, docs, 2)
		assert.Equal(t, types.DocumentStatusIngested, docs[0].Status)
		assert.Equal(t, "d2", docs[1].ID)
	})
}

func TestMessageTransitions(t *testing.T) {
	tests := []struct {
		from, to types.MessageStatus
		allowed  bool
	}{
		{types.MessageStatusPending, types.MessageStatusRunning, true},
		{types.MessageStatusRunning, types.MessageStatusPending, false},
		{types.MessageStatusDone, types.MessageStatusRunning, false},
		{types.MessageStatusDone, types.MessageStatusError, false},
		{types.MessageStatusError, types.MessageStatusRunning, true},
		{types.MessageStatusError, types.MessageStatusDone, true},
		{types.MessageStatusRunning, "streaming", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			items := []types.Entity{types.Message{ID: "m1", Role: types.RoleAssistant, Status: tt.from}}
			out, outcome := ApplyMessageStatus(items, protocol.MessageStatusUpdated{MessageID: "m1", Status: tt.to})
			if tt.allowed {
				assert.Equal(t, OutcomeUpdated, outcome)
				assert.Equal(t, tt.to, out[0].(types.Message).Status)
			} else {
				assert.Equal(t, OutcomeStale, outcome)
				assert.Equal(t, tt.from, out[0].(types.Message).Status)
			}
		})
	}
}

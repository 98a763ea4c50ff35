package reconciler

import (
	"github.com/cuemby/docqa/pkg/cache"
	"github.com/cuemby/docqa/pkg/log"
	"github.com/cuemby/docqa/pkg/metrics"
	"github.com/cuemby/docqa/pkg/protocol"
	"github.com/cuemby/docqa/pkg/types"
	"github.com/rs/zerolog"
)

// Outcome describes what applying one event did to the cache
type Outcome string

const (
	OutcomeAppended  Outcome = "appended"
	OutcomeReplaced  Outcome = "replaced"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoop      Outcome = "noop"
	OutcomeStale     Outcome = "stale"
	OutcomeRefetch   Outcome = "refetch"
	OutcomeIgnored   Outcome = "ignored"
)

// Changed reports whether the cache was written
func (o Outcome) Changed() bool {
	return o == OutcomeAppended || o == OutcomeReplaced || o == OutcomeUpdated
}

// Result is the outcome of one Apply and the key it targeted
type Result struct {
	Outcome Outcome
	Key     cache.Key
}

// Reconciler merges authoritative events into the cache
type Reconciler struct {
	store  cache.Store
	logger zerolog.Logger
}

// NewReconciler creates a reconciler writing to store
func NewReconciler(store cache.Store) *Reconciler {
	return &Reconciler{
		store:  store,
		logger: log.WithComponent("reconciler"),
	}
}

// Apply merges one decoded event. Events whose target key is not cached
// are no-ops: the next read of that key fetches the full list.
func (r *Reconciler) Apply(ev protocol.Event) Result {
	timer := metrics.NewTimer()
	res := r.apply(ev)
	timer.ObserveDuration(metrics.ReconcileDuration)
	metrics.ReconcileOutcomesTotal.WithLabelValues(string(ev.EventKind()), string(res.Outcome)).Inc()

	r.logger.Debug().
		Str("kind", string(ev.EventKind())).
		Str("key", res.Key.String()).
		Str("outcome", string(res.Outcome)).
		Msg("Event reconciled")
	return res
}

func (r *Reconciler) apply(ev protocol.Event) Result {
	switch e := ev.(type) {
	case protocol.DocumentCreated:
		// The event only carries a summary of the document; the list is
		// refreshed from the server instead of merged locally.
		key := cache.DocumentsKey(e.WorkspaceID)
		if _, ok := r.store.Read(key); !ok {
			return Result{Outcome: OutcomeNoop, Key: key}
		}
		return Result{Outcome: OutcomeRefetch, Key: key}

	case protocol.DocumentStatusUpdated:
		key := cache.DocumentsKey(e.WorkspaceID)
		return r.update(key, func(items []types.Entity) ([]types.Entity, Outcome) {
			return ApplyDocumentStatus(items, e.DocumentID, e.Status)
		})

	case protocol.MessageCreated:
		key := cache.MessagesKey(e.ConversationID)
		return r.update(key, func(items []types.Entity) ([]types.Entity, Outcome) {
			return MergeMessage(items, e.Message)
		})

	case protocol.MessageStatusUpdated:
		key := cache.MessagesKey(e.ConversationID)
		return r.update(key, func(items []types.Entity) ([]types.Entity, Outcome) {
			return ApplyMessageStatus(items, e)
		})
	}

	return Result{Outcome: OutcomeIgnored}
}

func (r *Reconciler) update(key cache.Key, merge func([]types.Entity) ([]types.Entity, Outcome)) Result {
	outcome := OutcomeNoop
	r.store.UpdateExisting(key, func(items []types.Entity) []types.Entity {
		next, o := merge(items)
		outcome = o
		return next
	})
	return Result{Outcome: outcome, Key: key}
}

// ApplySnapshot replaces key with a fetched list while keeping the
// optimistic entries that the list does not confirm yet.
//
// fetchedAt is the key's version when the fetch was issued. If the key
// was written since, the list may predate those writes: it is merged with
// MergeStaleSnapshot instead and ApplySnapshot reports true so the caller
// can fetch again.
func (r *Reconciler) ApplySnapshot(key cache.Key, fetched []types.Entity, fetchedAt uint64) bool {
	stale := false
	r.store.Update(key, func(items []types.Entity) []types.Entity {
		if r.store.Version(key) != fetchedAt {
			stale = true
			return MergeStaleSnapshot(items, fetched)
		}
		return MergeSnapshot(items, fetched)
	})
	if _, ok := r.store.Read(key); !ok {
		// An empty fetch still marks the key as loaded
		r.store.Replace(key, []types.Entity{})
	}
	if stale {
		r.logger.Debug().Str("key", key.String()).Msg("Snapshot predates cached writes, merged conservatively")
	}
	return stale
}

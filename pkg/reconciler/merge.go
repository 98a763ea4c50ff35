package reconciler

import (
	"slices"
	"strings"

	"github.com/cuemby/docqa/pkg/cache"
	"github.com/cuemby/docqa/pkg/protocol"
	"github.com/cuemby/docqa/pkg/types"
)

// MergeMessage merges an authoritative message into a conversation's
// sequence.
//
//  1. An entity with the same ID already present makes the merge a
//     duplicate; the sequence is returned untouched.
//  2. Otherwise the first optimistic placeholder of the same role is
//     looked up: a user placeholder must carry the same text, an
//     assistant placeholder only has to be still in flight.
//  3. A matching placeholder is replaced in place.
//  4. Without a match the message is appended.
//
// The input slice is never modified.
func MergeMessage(items []types.Entity, incoming types.Message) ([]types.Entity, Outcome) {
	if cache.IndexOf(items, incoming.ID) >= 0 {
		return items, OutcomeDuplicate
	}
	incoming.IsOptimistic = false

	if i := findPlaceholder(items, incoming); i >= 0 {
		out := slices.Clone(items)
		out[i] = incoming
		return out, OutcomeReplaced
	}

	out := make([]types.Entity, len(items), len(items)+1)
	copy(out, items)
	return append(out, incoming), OutcomeAppended
}

func findPlaceholder(items []types.Entity, incoming types.Message) int {
	for i, item := range items {
		m, ok := item.(types.Message)
		if !ok || !m.IsOptimistic || m.Role != incoming.Role {
			continue
		}
		if placeholderMatches(m, incoming) {
			return i
		}
	}
	return -1
}

func placeholderMatches(placeholder, incoming types.Message) bool {
	switch incoming.Role {
	case types.RoleUser:
		return sameText(placeholder.Content, incoming.Content)
	case types.RoleAssistant:
		return placeholder.Status.IsInFlight()
	}
	return false
}

func sameText(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// ApplyMessageStatus updates status, and content or metadata when the
// event carries them, of the message with the event's ID. Unknown IDs
// and stale transitions leave the sequence untouched.
func ApplyMessageStatus(items []types.Entity, ev protocol.MessageStatusUpdated) ([]types.Entity, Outcome) {
	i := cache.IndexOf(items, ev.MessageID)
	if i < 0 {
		return items, OutcomeNoop
	}
	m, ok := items[i].(types.Message)
	if !ok {
		return items, OutcomeNoop
	}
	if !messageTransitionAllowed(m.Status, ev.Status) {
		return items, OutcomeStale
	}

	m.Status = ev.Status
	if ev.Content != nil {
		m.Content = *ev.Content
	}
	if ev.Metadata != nil {
		m.Metadata = ev.Metadata
	}

	out := slices.Clone(items)
	out[i] = m
	return out, OutcomeUpdated
}

// ApplyDocumentStatus replaces only the status of the document with id.
// A document that is not cached is never fabricated.
func ApplyDocumentStatus(items []types.Entity, id string, status types.DocumentStatus) ([]types.Entity, Outcome) {
	i := cache.IndexOf(items, id)
	if i < 0 {
		return items, OutcomeNoop
	}
	d, ok := items[i].(types.Document)
	if !ok {
		return items, OutcomeNoop
	}
	if !documentTransitionAllowed(d.Status, status) {
		return items, OutcomeStale
	}

	d.Status = status
	out := slices.Clone(items)
	out[i] = d
	return out, OutcomeUpdated
}

// MergeSnapshot combines a freshly fetched list with the optimistic
// entries still held by the cache.
//
// The fetched list is authoritative. An optimistic message survives,
// appended after it, unless the fetch returned a message the cache has
// not seen yet that confirms it under the same matching rule as
// MergeMessage.
func MergeSnapshot(current, fetched []types.Entity) []types.Entity {
	out := slices.Clone(fetched)
	if out == nil {
		out = []types.Entity{}
	}

	var unseen []types.Message
	for _, item := range fetched {
		if m, ok := item.(types.Message); ok && cache.IndexOf(current, m.ID) < 0 {
			unseen = append(unseen, m)
		}
	}

	for _, item := range current {
		placeholder, ok := item.(types.Message)
		if !ok || !placeholder.IsOptimistic {
			continue
		}
		confirmed := -1
		for j, m := range unseen {
			if m.Role == placeholder.Role && placeholderMatches(placeholder, m) {
				confirmed = j
				break
			}
		}
		if confirmed >= 0 {
			unseen = slices.Delete(unseen, confirmed, confirmed+1)
			continue
		}
		out = append(out, placeholder)
	}
	return out
}

// MergeStaleSnapshot merges a list that was fetched before the cache last
// changed, so it cannot be trusted to be complete.
//
// Confirmed cached entities the list lacks are kept, after the fetched
// items and in their cached order. An entity present in both keeps the
// cached copy when the fetched status would move it backwards. Optimistic
// entries are then handled as in MergeSnapshot.
func MergeStaleSnapshot(current, fetched []types.Entity) []types.Entity {
	merged := make([]types.Entity, 0, len(fetched)+len(current))
	for _, item := range fetched {
		if i := cache.IndexOf(current, item.EntityID()); i >= 0 && !supersedes(current[i], item) {
			item = current[i]
		}
		merged = append(merged, item)
	}
	for _, item := range current {
		if isOptimistic(item) || cache.IndexOf(fetched, item.EntityID()) >= 0 {
			continue
		}
		merged = append(merged, item)
	}
	return MergeSnapshot(current, merged)
}

// supersedes reports whether next may replace cached
func supersedes(cached, next types.Entity) bool {
	switch c := cached.(type) {
	case types.Message:
		if n, ok := next.(types.Message); ok {
			return messageTransitionAllowed(c.Status, n.Status)
		}
	case types.Document:
		if n, ok := next.(types.Document); ok {
			return documentTransitionAllowed(c.Status, n.Status)
		}
	}
	return true
}

func isOptimistic(item types.Entity) bool {
	m, ok := item.(types.Message)
	return ok && m.IsOptimistic
}

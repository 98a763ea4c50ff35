package cache

import (
	"github.com/cuemby/docqa/pkg/types"
)

// UpdateFunc derives a new sequence from the current one. It must not
// modify the slice it receives.
type UpdateFunc func(items []types.Entity) []types.Entity

// Store is the query-addressable cache the UI renders from.
//
// Writers are the reconciler, the optimistic mutation hooks and refetch
// completions. All of them go through Replace and Update, so writes to a
// single key are serialized.
type Store interface {
	// Read returns the sequence held under key. ok is false when the key
	// has never been populated.
	Read(key Key) (items []types.Entity, ok bool)

	// Replace stores a full sequence under key.
	Replace(key Key, items []types.Entity)

	// Update applies fn to the current sequence (empty when absent). An
	// absent key stays absent when fn returns an empty sequence.
	Update(key Key, fn UpdateFunc)

	// UpdateExisting applies fn only if key is present and reports
	// whether it did.
	UpdateExisting(key Key, fn UpdateFunc) bool

	// Delete drops key.
	Delete(key Key)

	// Keys lists every populated key.
	Keys() []Key

	// Version counts the writes committed to key; 0 when absent. It may
	// be called from inside an UpdateFunc.
	Version(key Key) uint64
}

// Persister receives every committed write
type Persister interface {
	Save(key Key, items []types.Entity) error
	Delete(key Key) error
}

// ReadAs returns the entities under key that have type T, in order
func ReadAs[T types.Entity](s Store, key Key) ([]T, bool) {
	items, ok := s.Read(key)
	if !ok {
		return nil, false
	}
	return Filter[T](items), true
}

// Filter keeps the entities of type T
func Filter[T types.Entity](items []types.Entity) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if v, ok := item.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// Entities widens a typed slice
func Entities[T types.Entity](items []T) []types.Entity {
	out := make([]types.Entity, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

// IndexOf returns the position of the entity with id, or -1
func IndexOf(items []types.Entity, id string) int {
	for i, item := range items {
		if item.EntityID() == id {
			return i
		}
	}
	return -1
}

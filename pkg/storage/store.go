package storage

import (
	"github.com/cuemby/docqa/pkg/cache"
	"github.com/cuemby/docqa/pkg/types"
)

// Store persists confirmed cache entries between runs.
// It satisfies cache.Persister.
type Store interface {
	Save(key cache.Key, items []types.Entity) error
	Delete(key cache.Key) error

	// LoadAll returns every persisted entry
	LoadAll() (map[cache.Key][]types.Entity, error)

	Close() error
}

var _ cache.Persister = (Store)(nil)

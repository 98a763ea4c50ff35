package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/docqa/pkg/cache"
	"github.com/cuemby/docqa/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Bucket per cache kind; bucket key is the cache scope
var kindBuckets = map[cache.Kind][]byte{
	cache.KindWorkspaces:    []byte("workspaces"),
	cache.KindDocuments:     []byte("documents"),
	cache.KindConversations: []byte("conversations"),
	cache.KindMessages:      []byte("messages"),
}

// bbolt rejects empty keys
const unscopedKey = "_"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) <dataDir>/docqa.db
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "docqa.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range kindBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func scopeKey(key cache.Key) []byte {
	if key.Scope == "" {
		return []byte(unscopedKey)
	}
	return []byte(key.Scope)
}

// Save stores the confirmed entities of key. Optimistic messages are
// skipped: they only make sense while the request that created them is
// in flight.
func (s *BoltStore) Save(key cache.Key, items []types.Entity) error {
	bucket, ok := kindBuckets[key.Kind]
	if !ok {
		return fmt.Errorf("unknown cache kind: %s", key.Kind)
	}

	confirmed := make([]types.Entity, 0, len(items))
	for _, item := range items {
		if m, ok := item.(types.Message); ok && m.IsOptimistic {
			continue
		}
		confirmed = append(confirmed, item)
	}

	data, err := json.Marshal(confirmed)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(scopeKey(key), data)
	})
}

// Delete removes the entry for key
func (s *BoltStore) Delete(key cache.Key) error {
	bucket, ok := kindBuckets[key.Kind]
	if !ok {
		return fmt.Errorf("unknown cache kind: %s", key.Kind)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(scopeKey(key))
	})
}

// LoadAll implements Store
func (s *BoltStore) LoadAll() (map[cache.Key][]types.Entity, error) {
	out := make(map[cache.Key][]types.Entity)
	err := s.db.View(func(tx *bolt.Tx) error {
		for kind, bucket := range kindBuckets {
			err := tx.Bucket(bucket).ForEach(func(k, v []byte) error {
				key := cache.Key{Kind: kind, Scope: string(k)}
				if string(k) == unscopedKey {
					key.Scope = ""
				}
				items, err := decodeEntities(kind, v)
				if err != nil {
					return fmt.Errorf("failed to decode %s: %w", key, err)
				}
				out[key] = items
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func decodeEntities(kind cache.Kind, data []byte) ([]types.Entity, error) {
	switch kind {
	case cache.KindWorkspaces:
		return decodeAs[types.Workspace](data)
	case cache.KindDocuments:
		return decodeAs[types.Document](data)
	case cache.KindConversations:
		return decodeAs[types.Conversation](data)
	case cache.KindMessages:
		return decodeAs[types.Message](data)
	}
	return nil, fmt.Errorf("unknown cache kind: %s", kind)
}

func decodeAs[T types.Entity](data []byte) ([]types.Entity, error) {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return cache.Entities(items), nil
}

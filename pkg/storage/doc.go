/*
Package storage persists confirmed cache entries in a local bbolt file.

One bucket exists per cache kind (workspaces, documents, conversations,
messages) and the cache scope is the bucket key. Values are the JSON
encoded entity lists. Entries are written through by cache.MemoryStore
and read back once, at start-up, to hydrate the cache before the first
refetch completes.

The database lives at <data_dir>/docqa.db.
*/
package storage

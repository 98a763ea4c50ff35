/*
Package engine wires the docqa client-side sync engine together.

An Engine owns the query cache and keeps it consistent with the backend
while a session is authenticated. It combines:

  - the realtime Manager, one push connection per credential
  - the Dispatcher, which decodes pushed frames and applies them
  - the Reconciler, which merges authoritative data into the cache
  - the Mutator, which applies optimistic writes and rolls them back
  - a refetch queue that reloads invalidated keys in the background
  - an optional bbolt Store that persists confirmed entries between runs
  - an optional backend health Monitor

# Architecture

	            token changes
	                 │
	       ┌─────────▼─────────┐   frames   ┌──────────────┐
	       │ realtime.Manager  ├───────────►│  Dispatcher  │──► notifications
	       └─────────┬─────────┘            └──────┬───────┘
	     state       │                             │ Apply / Invalidate
	     changes     ▼                             ▼
	       resync all keys ─────────────►  ┌──────────────┐
	                                       │  Reconciler  │
	  Mutator (optimistic writes) ───────► │              │
	                                       └──────┬───────┘
	  refetch queue ◄── Invalidate                │
	       │                                      ▼
	       └──── Fetch ──► ApplySnapshot ──► cache.MemoryStore ──► bbolt

Only the push connection and the refetch workers block on I/O. Every
cache write goes through the store's per-key lock, so pushed events,
optimistic writes and refetch results never interleave on one key.

# Resync

Events pushed while disconnected are lost. When the connection reaches
the connected state, every cached key is queued for refetch (unless
ResyncOnConnect is false). A refetch result replaces the list but keeps
optimistic entries the server has not confirmed yet. A result for a key
that was written while the request was in flight only adds to the
cache, and the key is queued again.

# Usage

	e, err := engine.New(engine.Config{
		API:             client.NewClient(apiURL, client.WithTokenSource(tokens)),
		Realtime:        realtime.Config{URL: apiURL + "/ws"},
		ResyncOnConnect: true,
	})
	if err != nil {
		return err
	}
	if err := e.Start(ctx, tokenChanges); err != nil {
		return err
	}
	defer e.Stop()

	msgs, err := e.Load(ctx, cache.MessagesKey(conversationID))
*/
package engine

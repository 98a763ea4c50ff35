/*
Package types defines the entity snapshots shared by every docqa component.

Four entity kinds are cached on the client: Workspace, Document,
Conversation and Message. All of them are immutable value snapshots.
Components never modify a snapshot held by the cache; they build a new
value and hand the cache a new sequence.

# Lifecycle

Message:

	optimistic (tmp-<uuid>, IsOptimistic) → pending → running → done | error

Document:

	pending → running → parsed → ingested | completed
	      └──────────────┴──────────→ error

Terminal statuses (done, error, ingested, completed) are reported by
IsTerminal. The JSON tags match the REST and push contracts of the
backend; the legacy "ai" role is decoded as RoleAssistant.
*/
package types

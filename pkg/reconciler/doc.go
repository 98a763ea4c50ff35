/*
Package reconciler merges authoritative data into the query cache.

Two kinds of input arrive: pushed events, applied one at a time through
Apply, and full lists fetched over REST, applied through ApplySnapshot.
Pushed events only write keys that are already cached. An event for a
key nobody has loaded is dropped; the first read of that key fetches
it.

# Messages

A message.created event goes through MergeMessage:

  - a message whose ID is already cached is a duplicate and is dropped
  - a user message replaces the first optimistic user placeholder with
    the same trimmed content
  - an assistant message replaces the first optimistic assistant
    placeholder that is still in flight
  - anything else is appended

Status updates only move forward. A message goes pending, running, then
done or error; a document goes pending, running, parsed, then ingested,
completed or error. An update that would move backwards, or out of done,
ingested or completed, is reported as OutcomeStale and leaves the cache
as it was. error may move to any status since the backend retries
failed work. Statuses outside these ladders are accepted.

# Snapshots

A fetched list is authoritative, but it can race with an optimistic
write that the server has not acknowledged yet. MergeSnapshot keeps such
entries after the fetched items unless the list already contains a
message that confirms them.

A list can also predate events pushed while the request was in flight.
ApplySnapshot compares the key's version with the one recorded when the
fetch was issued; when they differ it merges with MergeStaleSnapshot,
which drops nothing that is cached and never moves a status backwards,
and reports the snapshot as stale so the caller fetches again.
*/
package reconciler

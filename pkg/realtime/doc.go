/*
Package realtime maintains the push connection to the docqa backend.

The Manager holds at most one WebSocket per credential. The endpoint is
the configured base URL with http mapped to ws and https to wss, and
the current token appended as the token query parameter.

	suspended ──token──► connecting ──► connected
	    ▲                    │              │
	    └──no token──────────┴──► disconnected ◄──┘

A token change while connected tears the old connection down and dials
again; an unchanged token keeps it. Clearing the token suspends the
manager. A dial that completes after being superseded is closed and
discarded.

Reconnecting after the server closes the socket is off by default. With
ReconnectConfig.Enabled the manager retries with exponential backoff and
jitter, and the engine resyncs the cache after every successful connect.
*/
package realtime

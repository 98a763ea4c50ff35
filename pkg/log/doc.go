/*
Package log configures the global zerolog logger used by every docqa
component.

Init sets the level and the output format (console by default, JSON when
requested). Components derive a child logger once and keep it:

	logger := log.WithComponent("realtime")
	logger.Info().Str("state", "connected").Msg("Connection state changed")

WithWorkspaceID and WithConversationID tag log lines with the entity they
concern.
*/
package log

/*
Package protocol decodes the events the backend pushes over the realtime
connection.

Every frame is a JSON envelope:

	{"kind": "message.status_updated", "payload": {...}}

The older "type" field is accepted when "kind" is missing. Decode turns
an envelope into one of the typed events below; kinds it does not know
yield ErrUnknownKind and are ignored by callers.

	document.created          DocumentCreated
	document.status_updated   DocumentStatusUpdated
	message.created           MessageCreated
	message.status_updated    MessageStatusUpdated
	job.status_updated        JobStatusUpdated
*/
package protocol

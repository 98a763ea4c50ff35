// Package cache holds the query-addressable entity cache.
package cache

import (
	"fmt"
	"strings"
)

// Kind identifies the entity collection a key addresses
type Kind string

const (
	KindWorkspaces    Kind = "workspaces"
	KindDocuments     Kind = "documents"
	KindConversations Kind = "conversations"
	KindMessages      Kind = "messages"
)

// Key addresses one ordered collection, e.g. "messages of conversation X"
type Key struct {
	Kind  Kind
	Scope string
}

// WorkspacesKey addresses the workspace list of the current user
func WorkspacesKey() Key { return Key{Kind: KindWorkspaces} }

// DocumentsKey addresses the documents of a workspace
func DocumentsKey(workspaceID string) Key {
	return Key{Kind: KindDocuments, Scope: workspaceID}
}

// ConversationsKey addresses the conversations of a workspace
func ConversationsKey(workspaceID string) Key {
	return Key{Kind: KindConversations, Scope: workspaceID}
}

// MessagesKey addresses the messages of a conversation
func MessagesKey(conversationID string) Key {
	return Key{Kind: KindMessages, Scope: conversationID}
}

func (k Key) String() string {
	if k.Scope == "" {
		return string(k.Kind)
	}
	return string(k.Kind) + "/" + k.Scope
}

// ParseKey is the inverse of Key.String
func ParseKey(s string) (Key, error) {
	kind, scope, _ := strings.Cut(s, "/")
	switch Kind(kind) {
	case KindWorkspaces:
		if scope != "" {
			return Key{}, fmt.Errorf("workspaces key takes no scope: %q", s)
		}
	case KindDocuments, KindConversations, KindMessages:
		if scope == "" {
			return Key{}, fmt.Errorf("%s key requires a scope: %q", kind, s)
		}
	default:
		return Key{}, fmt.Errorf("unknown cache key kind: %q", s)
	}
	return Key{Kind: Kind(kind), Scope: scope}, nil
}

// Package notify decides which pushed events deserve a user-facing alert.
package notify

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/cuemby/docqa/pkg/protocol"
	"github.com/cuemby/docqa/pkg/types"
)

// Type distinguishes navigation alerts from status toasts
type Type string

const (
	// TypeNavigate offers to open another conversation
	TypeNavigate Type = "navigate"
	// TypeToast is a lightweight status message
	TypeToast Type = "toast"
)

// Level is the severity of a notification
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

const previewLength = 50

// Notification is a non-blocking, dismissible alert
type Notification struct {
	Type        Type
	Level       Level
	Title       string
	Description string
	// Set for TypeNavigate
	WorkspaceID    string
	ConversationID string
}

// Link is the route of the conversation a navigate alert points at
func (n *Notification) Link() string {
	if n.ConversationID == "" {
		return ""
	}
	return fmt.Sprintf("/workspaces/%s/conversations/%s", n.WorkspaceID, n.ConversationID)
}

// Route decides whether ev deserves an alert given the conversation
// currently open in the UI ("" when none). It returns nil when the
// event stays silent.
func Route(ev protocol.Event, currentConversationID string) *Notification {
	if scoped, ok := ev.(protocol.ConversationScoped); ok {
		if _, conv := scoped.Conversation(); conv == currentConversationID {
			return nil
		}
	}

	switch e := ev.(type) {
	case protocol.MessageCreated:
		if e.Message.Role != types.RoleAssistant || e.Message.Status != types.MessageStatusDone {
			return nil
		}
		return replyAlert(e.WorkspaceID, e.ConversationID, preview(e.Message.Content))

	case protocol.MessageStatusUpdated:
		if e.Status != types.MessageStatusDone {
			return nil
		}
		description := "Click to view"
		if e.Content != nil && *e.Content != "" {
			description = preview(*e.Content)
		}
		return replyAlert(e.WorkspaceID, e.ConversationID, description)

	case protocol.DocumentCreated:
		return &Notification{
			Type:  TypeToast,
			Level: LevelInfo,
			Title: "Document uploaded: " + e.Document.Title,
		}

	case protocol.DocumentStatusUpdated:
		switch e.Status {
		case types.DocumentStatusIngested, types.DocumentStatusCompleted:
			return &Notification{
				Type:        TypeToast,
				Level:       LevelSuccess,
				Title:       "Document ready to chat",
				Description: "Processing complete.",
			}
		case types.DocumentStatusError:
			return &Notification{
				Type:  TypeToast,
				Level: LevelError,
				Title: "Document processing failed",
			}
		}
	}
	return nil
}

func replyAlert(workspaceID, conversationID, description string) *Notification {
	return &Notification{
		Type:           TypeNavigate,
		Level:          LevelInfo,
		Title:          "Assistant replied in another conversation",
		Description:    description,
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
	}
}

func preview(content string) string {
	if content == "" {
		return "Click to view"
	}
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "..."
}

// Navigator supplies the conversation currently open in the UI
type Navigator interface {
	CurrentConversation() string
}

// Tracker is a Navigator updated by the UI layer
type Tracker struct {
	mu             sync.RWMutex
	conversationID string
}

// Open records that conversationID is on screen
func (t *Tracker) Open(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversationID = conversationID
}

// Close records that no conversation is on screen
func (t *Tracker) Close() {
	t.Open("")
}

// CurrentConversation implements Navigator
func (t *Tracker) CurrentConversation() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conversationID
}

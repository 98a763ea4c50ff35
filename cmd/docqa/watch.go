package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/docqa/pkg/cache"
	"github.com/cuemby/docqa/pkg/events"
	"github.com/cuemby/docqa/pkg/log"
	"github.com/cuemby/docqa/pkg/notify"
	"github.com/cuemby/docqa/pkg/types"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print live notifications",
	Long: `Keep the local cache in sync over the realtime connection and print
notifications as they arrive.

Examples:
  # Watch everything for the current user
  docqa watch

  # Follow one conversation; its replies are printed, not alerted
  docqa watch --workspace WS_ID --conversation CONV_ID`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("workspace", "", "Workspace whose documents and conversations are cached")
	watchCmd.Flags().String("conversation", "", "Conversation to follow")
}

func runWatch(cmd *cobra.Command, args []string) error {
	workspaceID, _ := cmd.Flags().GetString("workspace")
	conversationID, _ := cmd.Flags().GetString("conversation")

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e, stop, err := startEngine(ctx)
	if err != nil {
		return err
	}
	defer stop()

	sub := e.Broker().Subscribe()
	defer e.Broker().Unsubscribe(sub)

	keys := []cache.Key{cache.WorkspacesKey()}
	if workspaceID != "" {
		keys = append(keys, cache.DocumentsKey(workspaceID), cache.ConversationsKey(workspaceID))
	}
	if conversationID != "" {
		e.Navigator().Open(conversationID)
		keys = append(keys, cache.MessagesKey(conversationID))
	}
	for _, key := range keys {
		if _, err := e.Load(ctx, key); err != nil {
			log.Logger.Warn().Err(err).Str("key", key.String()).Msg("Initial load failed")
		}
	}

	fmt.Println("Watching for updates. Press Ctrl+C to stop.")
	printed := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			switch ev.Type {
			case events.EventConnectionStateChanged:
				fmt.Printf("• connection %s\n", ev.Metadata["state"])
			case events.EventNotificationRaised:
				if n, ok := ev.Data.(*notify.Notification); ok {
					printNotification(n)
				}
			case events.EventMutationRolledBack:
				fmt.Printf("✗ %s rolled back: %s\n", ev.Metadata["operation"], ev.Message)
			case events.EventCacheUpdated, events.EventCacheReplaced:
				if conversationID != "" && ev.Metadata["key"] == cache.MessagesKey(conversationID).String() {
					printReplies(e.Store(), conversationID, printed)
				}
			}
		}
	}
}

func printNotification(n *notify.Notification) {
	switch n.Type {
	case notify.TypeNavigate:
		fmt.Printf("→ %s: %s\n  open %s\n", n.Title, n.Description, n.Link())
	default:
		fmt.Printf("[%s] %s", n.Level, n.Title)
		if n.Description != "" {
			fmt.Printf(": %s", n.Description)
		}
		fmt.Println()
	}
}

// printReplies prints finished assistant messages of the followed
// conversation once each
func printReplies(store cache.Store, conversationID string, printed map[string]bool) {
	msgs, _ := cache.ReadAs[types.Message](store, cache.MessagesKey(conversationID))
	for _, m := range msgs {
		if m.Role != types.RoleAssistant || m.IsOptimistic || !m.Status.IsTerminal() || printed[m.ID] {
			continue
		}
		printed[m.ID] = true
		printAnswer(m)
	}
}

func printAnswer(m types.Message) {
	if m.Status == types.MessageStatusError {
		fmt.Printf("✗ Answer failed: %s\n", m.Content)
		return
	}
	fmt.Printf("\n%s\n", m.Content)
	if m.Metadata == nil {
		return
	}
	n := 0
	for _, section := range m.Metadata.Sections {
		for _, c := range section.Citations {
			n++
			printCitation(n, c)
		}
	}
	if n == 0 {
		for _, c := range m.Metadata.Citations {
			n++
			printCitation(n, c)
		}
	}
}

func printCitation(n int, c types.Citation) {
	page := ""
	if c.PageIndex != nil {
		page = fmt.Sprintf(" p.%d", *c.PageIndex+1)
	}
	fmt.Printf("  [%d] %s#%d%s %s\n", n, c.DocumentID, c.SegmentIndex, page, c.SnippetPreview)
}

// waitForKey blocks until the broker reports a change of key or ctx ends
func waitForKey(ctx context.Context, sub events.Subscriber, key cache.Key) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub:
			if !ok {
				return context.Canceled
			}
			if (ev.Type == events.EventCacheUpdated || ev.Type == events.EventCacheReplaced) && ev.Metadata["key"] == key.String() {
				return nil
			}
		}
	}
}

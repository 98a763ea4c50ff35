package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/docqa/pkg/cache"
	"github.com/cuemby/docqa/pkg/mutation"
	"github.com/cuemby/docqa/pkg/types"
)

var askCmd = &cobra.Command{
	Use:   "ask CONVERSATION_ID QUESTION...",
	Short: "Ask a question and wait for the answer",
	Long: `Post a question to a conversation and wait until the assistant
finishes answering. The answer is printed with its citations.

Examples:
  docqa ask 3f1c... "What is the refund policy?"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().Duration("timeout", 2*time.Minute, "How long to wait for the answer")
}

func runAsk(cmd *cobra.Command, args []string) error {
	conversationID := args[0]
	question := strings.Join(args[1:], " ")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e, stop, err := startEngine(ctx)
	if err != nil {
		return err
	}
	defer stop()

	key := cache.MessagesKey(conversationID)
	e.Navigator().Open(conversationID)
	if _, err := e.Load(ctx, key); err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	sub := e.Broker().Subscribe()
	defer e.Broker().Unsubscribe(sub)

	sent, err := e.Mutations().SendMessage(ctx, conversationID, question)
	if errors.Is(err, mutation.ErrReplyPending) {
		return errors.New("the previous answer in this conversation is still being generated")
	}
	if err != nil {
		return err
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, timeout)
	defer cancelWait()
	for {
		if reply, ok := findReply(e.Store(), key, sent.ID); ok {
			printAnswer(reply)
			if reply.Status == types.MessageStatusError {
				return errors.New("answer generation failed")
			}
			return nil
		}
		if err := waitForKey(waitCtx, sub, key); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("no answer within %s (connection %s)", timeout, e.State())
			}
			return err
		}
	}
}

// findReply returns the first finished assistant message after the
// question with id questionID
func findReply(store cache.Store, key cache.Key, questionID string) (types.Message, bool) {
	items, _ := store.Read(key)
	idx := cache.IndexOf(items, questionID)
	if idx < 0 {
		return types.Message{}, false
	}
	for _, m := range cache.Filter[types.Message](items[idx+1:]) {
		if m.Role != types.RoleAssistant {
			continue
		}
		if m.IsOptimistic || !m.Status.IsTerminal() {
			return types.Message{}, false
		}
		return m, true
	}
	return types.Message{}, false
}

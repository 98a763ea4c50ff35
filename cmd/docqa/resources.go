package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuemby/docqa/pkg/client"
)

const timeLayout = "2006-01-02 15:04"

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

// Workspace commands
var workspacesCmd = &cobra.Command{
	Use:     "workspaces",
	Aliases: []string{"ws"},
	Short:   "Manage workspaces",
}

var workspacesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		items, err := c.ListWorkspaces(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list workspaces: %w", err)
		}

		w := newTable()
		fmt.Fprintln(w, "ID\tNAME\tCREATED")
		for _, ws := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\n", ws.ID, ws.Name, formatTime(ws.CreatedAt.Time))
		}
		return w.Flush()
	},
}

var workspacesCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		c, err := apiClient()
		if err != nil {
			return err
		}
		ws, err := c.CreateWorkspace(cmd.Context(), args[0], description)
		if err != nil {
			return fmt.Errorf("failed to create workspace: %w", err)
		}
		fmt.Printf("✓ Workspace created: %s (%s)\n", ws.Name, ws.ID)
		return nil
	},
}

// Conversation commands
var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list WORKSPACE_ID",
	Short: "List conversations of a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		items, err := c.ListConversations(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}

		w := newTable()
		fmt.Fprintln(w, "ID\tTITLE\tCREATED")
		for _, conv := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\n", conv.ID, conv.Title, formatTime(conv.CreatedAt.Time))
		}
		return w.Flush()
	},
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "create WORKSPACE_ID TITLE",
	Short: "Start a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		conv, err := c.CreateConversation(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		fmt.Printf("✓ Conversation created: %s (%s)\n", conv.Title, conv.ID)
		return nil
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete WORKSPACE_ID CONVERSATION_ID",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		if err := c.DeleteConversation(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		fmt.Printf("✓ Conversation deleted: %s\n", args[1])
		return nil
	},
}

// Document commands
var documentsCmd = &cobra.Command{
	Use:     "documents",
	Aliases: []string{"docs"},
	Short:   "Manage documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list WORKSPACE_ID",
	Short: "List documents of a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		items, err := c.ListDocuments(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to list documents: %w", err)
		}

		w := newTable()
		fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tCREATED")
		for _, doc := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", doc.ID, doc.Title, doc.Status, formatTime(doc.CreatedAt.Time))
		}
		return w.Flush()
	},
}

var documentsUploadCmd = &cobra.Command{
	Use:   "upload WORKSPACE_ID FILE...",
	Short: "Upload documents for ingestion",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		files := make([]client.UploadFile, 0, len(args)-1)
		for _, path := range args[1:] {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", path, err)
			}
			defer f.Close()
			files = append(files, client.UploadFile{Name: filepath.Base(path), Data: f})
		}

		c, err := apiClient()
		if err != nil {
			return err
		}
		docs, err := c.UploadDocuments(cmd.Context(), args[0], files)
		if err != nil {
			return fmt.Errorf("failed to upload documents: %w", err)
		}
		for _, doc := range docs {
			fmt.Printf("✓ Document uploaded: %s (%s, %s)\n", doc.Title, doc.ID, doc.Status)
		}
		return nil
	},
}

// Config commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := cfg.Render()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	workspacesCmd.AddCommand(workspacesListCmd)
	workspacesCmd.AddCommand(workspacesCreateCmd)
	workspacesCreateCmd.Flags().String("description", "", "Workspace description")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsCreateCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)

	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsUploadCmd)

	configCmd.AddCommand(configShowCmd)
}

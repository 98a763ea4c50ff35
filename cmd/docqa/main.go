package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/docqa/pkg/auth"
	"github.com/cuemby/docqa/pkg/client"
	"github.com/cuemby/docqa/pkg/config"
	"github.com/cuemby/docqa/pkg/log"
	"github.com/cuemby/docqa/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded by the root command before any subcommand runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "docqa",
	Short: "docqa - document Q&A client",
	Long: `docqa talks to a document question-answering backend.

It keeps a local cache of workspaces, documents, conversations and
messages in sync with the server over a realtime connection, and
raises notifications when answers or documents become ready.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"docqa version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (.yaml, .yml or .toml; default ~/.docqa/config.yaml)")
	flags.String("api-url", "", "Backend base URL")
	flags.String("token", "", "Bearer token")
	flags.String("token-file", "", "File holding the bearer token; watched for changes")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Log in JSON format")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(workspacesCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(documentsCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		def, err := config.DefaultPath()
		if err == nil {
			path = def
		}
	}

	loaded, err := config.Load(path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("api-url"); v != "" {
		loaded.APIURL = v
	}
	if v, _ := flags.GetString("token"); v != "" {
		loaded.Token, loaded.TokenFile = v, ""
	}
	if v, _ := flags.GetString("token-file"); v != "" {
		loaded.TokenFile, loaded.Token = v, ""
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		loaded.Log.Level = v
	}
	if flags.Changed("log-json") {
		loaded.Log.JSON, _ = flags.GetBool("log-json")
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(loaded.Log.Level),
		JSONOutput: loaded.Log.JSON,
		Output:     os.Stderr,
	})
	metrics.SetVersion(Version)
	cfg = loaded
	return nil
}

// tokenProvider picks the credential source configured for this run
func tokenProvider() (auth.Provider, error) {
	if cfg.TokenFile != "" {
		return auth.NewFileProvider(cfg.TokenFile)
	}
	return auth.Static(cfg.Token), nil
}

func newClient(tokens client.TokenSource) *client.Client {
	return client.NewClient(cfg.APIURL,
		client.WithTokenSource(tokens),
		client.WithTimeout(time.Duration(cfg.RequestTimeout)),
	)
}

// apiClient builds a REST client for one-shot commands
func apiClient() (*client.Client, error) {
	provider, err := tokenProvider()
	if err != nil {
		return nil, err
	}
	return newClient(provider), nil
}

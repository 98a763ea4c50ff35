package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/docqa/pkg/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the backend and the current credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Backend: %s\n", cfg.APIURL)
		result := health.NewHTTPChecker(cfg.APIURL).
			WithTimeout(time.Duration(cfg.RequestTimeout)).
			Check(cmd.Context())
		if !result.Healthy {
			fmt.Printf("✗ Unhealthy: %s\n", result.Message)
			return errors.New("backend is not healthy")
		}
		fmt.Printf("✓ Healthy (%s in %s)\n", result.Message, result.Duration.Round(time.Millisecond))

		c, err := apiClient()
		if err != nil {
			return err
		}
		me, err := c.Me(cmd.Context())
		if err != nil {
			fmt.Printf("✗ Not authenticated: %v\n", err)
			return nil
		}
		who := me.ID
		if me.Email != "" {
			who = me.Email
		}
		fmt.Printf("✓ Authenticated as %s\n", who)
		return nil
	},
}

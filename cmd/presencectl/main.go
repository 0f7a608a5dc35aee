package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/duochat/chat-app/internal/config"
	"github.com/duochat/chat-app/internal/store"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "presencectl",
		Short: "Operator tool for the duochat presence server",
		Long: `presencectl manages the duochat presence server's message store schema
and checks a running server end to end:

  - migrate up|down applies or reverts the PostgreSQL schema
  - status queries the server's /health endpoint
  - e2e drives two users through the presence scenarios over WebSocket`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(createMigrateCmd())
	rootCmd.AddCommand(createStatusCmd())
	rootCmd.AddCommand(createE2ECmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultDSN() string {
	if dsn := os.Getenv(config.EnvPrefix + "_STORE_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	return config.Default().Store.PostgresDSN
}

func createMigrateCmd() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or revert the PostgreSQL message schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			up := args[0] == "up"
			if err := store.Migrate(dsn, up); err != nil {
				color.Red("❌ migrate %s failed: %v", args[0], err)
				return err
			}
			color.Green("✅ migrate %s complete", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", defaultDSN(), "PostgreSQL connection string")
	return cmd
}

func createStatusCmd() *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check presence server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				color.Red("❌ server unreachable: %v", err)
				return err
			}
			defer resp.Body.Close()

			var health struct {
				Status      string `json:"status"`
				Connections int    `json:"connections"`
				Uptime      string `json:"uptime"`
			}
			if resp.StatusCode != http.StatusOK {
				color.Red("❌ /health returned %d", resp.StatusCode)
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				return fmt.Errorf("decode health: %w", err)
			}
			color.Green("✅ %s: %d connections, up %s", health.Status, health.Connections, health.Uptime)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "api", "http://localhost:8080", "HTTP base URL of the server")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// OutputFormat represents the output format for CLI commands
type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
)

// GlobalFlags holds the connection flags shared by every command
type GlobalFlags struct {
	Server       string
	Token        string
	User         string
	Tier         string
	OutputFormat string
	Timeout      time.Duration
}

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	flags := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "labctl",
		Short: "labctl - drive lab sessions from the terminal",
		Long: `labctl talks to the lab orchestrator API: request a lab from the
blueprint catalog, watch it provision, extend or end it, and share the
signed evidence package.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if flags.OutputFormat != string(FormatText) && flags.OutputFormat != string(FormatJSON) {
				return fmt.Errorf("unknown output format %q (text|json)", flags.OutputFormat)
			}
			if flags.Token == "" && flags.User == "" {
				return fmt.Errorf("either --token or --user is required")
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.Server, "server", envOr("LABCTL_SERVER", "http://localhost:8080"), "API base URL")
	pf.StringVar(&flags.Token, "token", os.Getenv("LABCTL_TOKEN"), "Bearer token")
	pf.StringVar(&flags.User, "user", os.Getenv("LABCTL_USER"), "User ID sent as X-User-ID (dev header auth)")
	pf.StringVar(&flags.Tier, "tier", os.Getenv("LABCTL_TIER"), "Tier sent as X-User-Tier (dev header auth)")
	pf.StringVarP(&flags.OutputFormat, "output", "o", string(FormatText), "Output format (text|json)")
	pf.DurationVar(&flags.Timeout, "timeout", 30*time.Second, "Request timeout")

	root.AddCommand(labCommands(flags)...)
	return root
}

// Execute runs the root command with signal handling
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return newRootCmd().ExecuteContext(ctx)
}

func (f *GlobalFlags) client() *apiClient {
	return newAPIClient(strings.TrimRight(f.Server, "/"), f.Timeout, credentials{
		token: f.Token,
		user:  f.User,
		tier:  f.Tier,
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

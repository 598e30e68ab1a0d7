package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	dbPath        string
	logLevel      string
	logFormat     string
	jsonOutput    bool
	policyDir     string
	metricsListen string
	natsURL       string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "verge",
		Short: "OpenVerge - Edge Service Deployment Orchestrator",
		Long: `OpenVerge deploys edge services across customer domains through a fixed
seven-phase lifecycle: Assess, Identify, Construct, Orchestrate, Execute,
Verify, Validate.

Every phase result is persisted, so interrupted deployments resume where
they stopped, and every provisioning side effect is guarded by a rollback
ledger that unwinds it on failure.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "state database path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output results in JSON format")
	rootCmd.PersistentFlags().StringVar(&policyDir, "policy-dir", "", "directory of additional .rego compliance policies")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "address to serve Prometheus metrics on (e.g. :9464)")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS server URL for lifecycle events")

	rootCmd.AddCommand(newDeployCommand(version))
	rootCmd.AddCommand(newResumeCommand(version))
	rootCmd.AddCommand(newSessionsCommand(version))
	rootCmd.AddCommand(newAuditCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDevCommand(version))

	return rootCmd
}

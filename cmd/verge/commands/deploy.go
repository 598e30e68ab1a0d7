package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openverge/openverge/pkg/engine"
)

func newDeployCommand(version string) *cobra.Command {
	var (
		bundlePath  string
		dryRun      bool
		concurrency int
		only        []string
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a bundle of domains",
		Long: `Deploy every domain in a bundle through the full lifecycle.

Domains are deployed concurrently up to the concurrency bound. Each domain
gets its own session; one domain failing does not stop the others. A failed
domain's provisioned resources are rolled back automatically.`,
		Example: `  # Deploy a bundle
  verge deploy --bundle bundle.yaml

  # Rehearse without touching any external system
  verge deploy --bundle bundle.yaml --dry-run

  # Deploy a single domain from the bundle
  verge deploy --bundle bundle.yaml --only app.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, version, runtimeOptions{collaborators: !dryRun})
			if err != nil {
				return err
			}
			defer rt.close()

			bundle, err := rt.loader.Load(bundlePath)
			if err != nil {
				return err
			}
			configs, err := rt.loader.DomainConfigs(bundle)
			if err != nil {
				return err
			}
			configs, err = filterDomains(configs, only)
			if err != nil {
				return err
			}

			rt.log.Info().
				Int("domains", len(configs)).
				Bool("dry_run", dryRun).
				Msg("starting deployment")

			results := rt.orch.Deploy(ctx, configs, engine.DeployOptions{
				Concurrency: concurrency,
				DryRun:      dryRun,
			})

			return printResults(results)
		},
	}

	cmd.Flags().StringVarP(&bundlePath, "bundle", "b", "bundle.yaml", "deployment bundle file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate collaborators, touch no external system")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max concurrent domain deployments (0 = default)")
	cmd.Flags().StringSliceVar(&only, "only", nil, "deploy only the named domains")

	return cmd
}

func filterDomains(configs []engine.DomainConfig, only []string) ([]engine.DomainConfig, error) {
	if len(only) == 0 {
		return configs, nil
	}

	byDomain := make(map[string]engine.DomainConfig, len(configs))
	for _, cfg := range configs {
		byDomain[cfg.Domain] = cfg
	}

	filtered := make([]engine.DomainConfig, 0, len(only))
	for _, domain := range only {
		cfg, ok := byDomain[domain]
		if !ok {
			return nil, fmt.Errorf("domain %s is not in the bundle", domain)
		}
		filtered = append(filtered, cfg)
	}
	return filtered, nil
}

// printResults renders session results and returns an error when any
// session did not complete.
func printResults(results []engine.SessionResult) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			fmt.Printf("%-40s %-24s %s\n", r.Domain, r.Status, r.SessionID)
			if r.WorkerURL != "" {
				fmt.Printf("  worker: %s\n", r.WorkerURL)
			}
			for _, w := range r.Warnings {
				fmt.Printf("  warning: %s\n", w)
			}
			for _, e := range r.Errors {
				if e.Phase != "" {
					fmt.Printf("  error [%s/%s]: %s\n", e.Phase, e.Class, e.Message)
				} else {
					fmt.Printf("  error [%s]: %s\n", e.Class, e.Message)
				}
			}
		}
	}

	failed := 0
	for _, r := range results {
		switch r.Status {
		case engine.StatusCompleted, engine.StatusCompletedWithWarnings:
		default:
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d deployments did not complete", failed, len(results))
	}
	return nil
}

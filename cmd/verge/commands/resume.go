package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openverge/openverge/pkg/engine"
)

func newResumeCommand(version string) *cobra.Command {
	var bundlePath string

	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume an interrupted session",
		Long: `Resume a session awaiting recovery. Completed phases are skipped and
execution continues from the first phase without a persisted result.

The session's stored configuration is used by default. Secret values are
never persisted, so sessions that have not yet passed the secrets phase
need the original bundle passed with --bundle to rehydrate them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sessionID := args[0]

			rt, err := newRuntime(ctx, version, runtimeOptions{collaborators: true})
			if err != nil {
				return err
			}
			defer rt.close()

			var result engine.SessionResult
			if bundlePath != "" {
				cfg, err := sessionConfigFromBundle(ctx, rt, sessionID, bundlePath)
				if err != nil {
					return err
				}
				result = rt.orch.ResumeWithConfig(ctx, sessionID, *cfg)
			} else {
				result = rt.orch.Resume(ctx, sessionID)
			}

			return printResults([]engine.SessionResult{result})
		},
	}

	cmd.Flags().StringVarP(&bundlePath, "bundle", "b", "", "bundle file to rehydrate secret values from")

	return cmd
}

// sessionConfigFromBundle finds the session's domain in the bundle.
func sessionConfigFromBundle(ctx context.Context, rt *runtime, sessionID, bundlePath string) (*engine.DomainConfig, error) {
	session, err := rt.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	bundle, err := rt.loader.Load(bundlePath)
	if err != nil {
		return nil, err
	}
	configs, err := rt.loader.DomainConfigs(bundle)
	if err != nil {
		return nil, err
	}

	for _, cfg := range configs {
		if cfg.Domain == session.Domain && cfg.Customer == session.Customer && cfg.Environment == session.Environment {
			return &cfg, nil
		}
	}
	return nil, fmt.Errorf("bundle does not contain domain %s for session %s", session.Domain, sessionID)
}

package commands

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openverge/openverge/pkg/engine"
	"github.com/openverge/openverge/pkg/policy"
)

func newDevCommand(version string) *cobra.Command {
	var bundlePath string

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Watch a bundle and dry-run it on every change",
		Long: `Development loop: watch the bundle file (and the policy directory, if
configured) and run a dry-run deployment whenever something changes. No
external system is touched; the full lifecycle, audit trail and compliance
evaluation still run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, version, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			if policyDir != "" {
				if err := policy.NewLoader(rt.log).Watch(ctx, policyDir, rt.checker); err != nil {
					return err
				}
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer watcher.Close()
			if err := watcher.Add(bundlePath); err != nil {
				return err
			}

			rt.log.Info().Str("bundle", bundlePath).Msg("watching bundle, press Ctrl-C to stop")
			devDeploy(ctx, rt, bundlePath)

			var rerunTimer *time.Timer
			for {
				select {
				case <-ctx.Done():
					return nil

				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
						continue
					}
					if rerunTimer != nil {
						rerunTimer.Stop()
					}
					rerunTimer = time.AfterFunc(500*time.Millisecond, func() {
						devDeploy(ctx, rt, bundlePath)
					})

				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					rt.log.Error().Err(err).Msg("watcher error")
				}
			}
		},
	}

	cmd.Flags().StringVarP(&bundlePath, "bundle", "b", "bundle.yaml", "deployment bundle file")

	return cmd
}

// devDeploy runs one dry-run pass and logs the outcome per domain.
func devDeploy(ctx context.Context, rt *runtime, bundlePath string) {
	bundle, err := rt.loader.Load(bundlePath)
	if err != nil {
		rt.log.Error().Err(err).Msg("bundle invalid")
		return
	}
	configs, err := rt.loader.DomainConfigs(bundle)
	if err != nil {
		rt.log.Error().Err(err).Msg("bundle invalid")
		return
	}

	results := rt.orch.Deploy(ctx, configs, engine.DeployOptions{DryRun: true})
	for _, r := range results {
		logEvent := rt.log.Info()
		if r.Status != engine.StatusCompleted && r.Status != engine.StatusCompletedWithWarnings {
			logEvent = rt.log.Error()
		}
		logEvent.
			Str("domain", r.Domain).
			Str("status", string(r.Status)).
			Str("warnings", strings.Join(r.Warnings, "; ")).
			Msg("dry run finished")
	}
}

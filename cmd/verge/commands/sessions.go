package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openverge/openverge/pkg/engine"
)

func newSessionsCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and recover orchestration sessions",
	}

	cmd.AddCommand(newSessionsListCommand(version))
	cmd.AddCommand(newSessionsRecoverCommand(version))

	return cmd
}

func newSessionsListCommand(version string) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, version, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			var filter *engine.SessionStatus
			if status != "" {
				s := engine.SessionStatus(status)
				filter = &s
			}

			sessions, err := rt.store.ListSessions(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}

			fmt.Printf("%-36s  %-30s  %-12s  %-24s  %s\n", "ID", "DOMAIN", "PHASE", "STATUS", "UPDATED")
			for _, s := range sessions {
				fmt.Printf("%-36s  %-30s  %-12s  %-24s  %s\n",
					s.ID, s.Domain, s.CurrentPhase, s.Status, s.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (e.g. awaiting_recovery, failed)")

	return cmd
}

func newSessionsRecoverCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Mark interrupted sessions as awaiting recovery",
		Long: `Scan for sessions left pending or running by a crashed orchestrator and
mark them awaiting recovery so they can be resumed. Run this once at
startup after an unclean shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, version, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			recovered, err := rt.orch.RecoverInterrupted(ctx)
			if err != nil {
				return err
			}

			if len(recovered) == 0 {
				fmt.Println("no interrupted sessions found")
				return nil
			}
			for _, id := range recovered {
				fmt.Printf("awaiting recovery: %s\n", id)
			}
			fmt.Printf("%d sessions can now be resumed with 'verge resume <session-id>'\n", len(recovered))
			return nil
		},
	}
}

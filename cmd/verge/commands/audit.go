package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newAuditCommand(version string) *cobra.Command {
	var showPhases bool

	cmd := &cobra.Command{
		Use:   "audit <session-id>",
		Short: "Show the audit trail of a session",
		Long: `Print every audited state transition of a session in order, optionally
with the per-attempt phase records. The audit trail is append-only and
written atomically with the transitions it records.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sessionID := args[0]

			rt, err := newRuntime(ctx, version, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			entries, err := rt.orch.GetAuditTrail(ctx, sessionID)
			if err != nil {
				return err
			}

			if jsonOutput {
				out := map[string]any{"audit": entries}
				if showPhases {
					records, err := rt.store.ListPhaseRecords(ctx, sessionID)
					if err != nil {
						return err
					}
					out["phase_records"] = records
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			for _, e := range entries {
				fmt.Printf("%s  %-28s  %-20s  %s\n",
					e.Timestamp.Format("2006-01-02 15:04:05.000"), e.Action, e.Actor, e.Detail)
			}

			if showPhases {
				records, err := rt.store.ListPhaseRecords(ctx, sessionID)
				if err != nil {
					return err
				}
				fmt.Println()
				fmt.Printf("%-12s  %-8s  %-8s  %s\n", "PHASE", "ATTEMPT", "OUTCOME", "ERROR")
				for _, r := range records {
					fmt.Printf("%-12s  %-8d  %-8s  %s\n", r.Phase, r.Attempt, r.Outcome, r.ErrorDetail)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showPhases, "phases", false, "include per-attempt phase records")

	return cmd
}

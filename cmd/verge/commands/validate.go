package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openverge/openverge/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var bundlePath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a deployment bundle",
		Long: `Parse and validate a bundle without deploying anything. Checks the
bundle structure, domain uniqueness and that every referenced artifact
exists on disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader()

			bundle, err := loader.Load(bundlePath)
			if err != nil {
				return err
			}

			var missing int
			for _, d := range bundle.Deployments {
				if _, err := os.Stat(d.Service.Artifact); err != nil {
					fmt.Printf("%-40s artifact missing: %s\n", d.Domain, d.Service.Artifact)
					missing++
					continue
				}
				fmt.Printf("%-40s ok\n", d.Domain)
			}

			if missing > 0 {
				return fmt.Errorf("%d of %d deployments reference missing artifacts", missing, len(bundle.Deployments))
			}
			fmt.Printf("bundle valid: %d deployments for %s/%s\n", len(bundle.Deployments), bundle.Customer, bundle.Environment)
			return nil
		},
	}

	cmd.Flags().StringVarP(&bundlePath, "bundle", "b", "bundle.yaml", "deployment bundle file")

	return cmd
}

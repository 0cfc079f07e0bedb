package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPromoteCommand() *cobra.Command {
	var services []string

	cmd := &cobra.Command{
		Use:   "promote <from> <to>",
		Short: "Promote services between environments",
		Long: `Copy the deployed version of one or more services from a source
environment to a target environment, re-running only the
deployment-update step. The target must have been applied at least once
so its infrastructure exists.

Without --service, every service recorded in the source is promoted.
Each service promotes independently; a failure in one doesn't roll back
the others.`,
		Example: `  # Promote everything from dev to prod
  lift promote dev prod

  # Promote one service
  lift promote dev prod --service container.api`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			from, to := args[0], args[1]

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			// Both sides must be declared environments.
			if _, err := a.project.Environment(from); err != nil {
				return err
			}
			if _, err := a.project.Environment(to); err != nil {
				return err
			}

			log.Info().Str("from", from).Str("to", to).Strs("services", services).Msg("Promoting services")
			report, err := a.engine.PromoteAll(ctx, services, from, to)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				for _, r := range report.Results {
					fmt.Printf("  promoted %s: deployment %d -> %d (%s)\n",
						r.Service, r.PreviousDeploymentID, r.DeploymentID, r.ArtifactRef)
				}
				for _, f := range report.Failures {
					fmt.Printf("  failed   %s: %s\n", f.Service, f.Error)
				}
			}

			if !report.Succeeded() {
				return fmt.Errorf("%d services failed to promote", len(report.Failures))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&services, "service", "s", nil, "service keys to promote (default: all)")

	return cmd
}

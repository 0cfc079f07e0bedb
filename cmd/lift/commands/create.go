package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openlift/openlift/pkg/engine"
)

func newCreateCommand() *cobra.Command {
	var allowDestructive bool

	cmd := &cobra.Command{
		Use:   "create [environment]",
		Short: "Reconcile an environment to the declared resources",
		Long: `Plan and apply under the environment lock. Independent resources
provision concurrently; a failure skips only the failed resource's
dependents and every outcome is recorded in state.

The command exits non-zero when any resource failed or was skipped.`,
		Example: `  # Reconcile dev
  lift create dev

  # Allow REPLACE actions in a production environment
  lift create prod --destructive`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			env, err := a.environmentInfo(args)
			if err != nil {
				return err
			}

			log.Info().Str("environment", env.Name).Msg("Reconciling environment")
			report, err := a.engine.Up(ctx, env, a.source, engine.PlanOptions{AllowDestructive: allowDestructive})
			if err != nil {
				if report != nil {
					_ = printReport(report)
				}
				return err
			}
			return printReport(report)
		},
	}

	cmd.Flags().BoolVar(&allowDestructive, "destructive", false, "allow destructive actions in production")

	return cmd
}

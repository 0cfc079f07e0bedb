package commands

import (
	"github.com/spf13/cobra"

	"github.com/openlift/openlift/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var allowDestructive bool

	cmd := &cobra.Command{
		Use:   "plan [environment]",
		Short: "Show what create would change",
		Long: `Compute the actions required to reconcile the declared resources with
the environment's recorded state, without executing anything.

The plan lists CREATE, UPDATE, and REPLACE actions in dependency order,
plus orphans: resources still recorded but no longer declared. No lock
is taken; a plan that goes stale is caught at apply time.`,
		Example: `  # Plan against dev
  lift plan dev

  # Plan the environment from LIFT_ENVIRONMENT
  lift plan

  # Machine-readable output for CI
  lift plan prod --json`,
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

			plan, err := a.engine.Preview(ctx, env, a.source, engine.PlanOptions{AllowDestructive: allowDestructive})
			if err != nil {
				return err
			}
			return printPlan(plan)
		},
	}

	cmd.Flags().BoolVar(&allowDestructive, "destructive", false, "plan destructive actions in production")

	return cmd
}

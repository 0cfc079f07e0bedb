package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openlift/openlift/pkg/engine"
	"github.com/openlift/openlift/pkg/project"
)

func newDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev [environment]",
		Short: "Watch the manifest and re-plan on change",
		Long: `Watch the resources manifest and print a fresh plan whenever it
changes. Nothing is applied; this is a fast feedback loop for editing
declarations.`,
		Example: `  # Watch and re-plan against dev
  lift dev

  # Watch against another environment
  lift dev staging`,
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
				// A dev loop shouldn't require LIFT_ENVIRONMENT; fall back
				// to the first declared environment.
				env, err = a.project.EnvironmentInfo(a.project.Environments[0].Name)
				if err != nil {
					return err
				}
			}

			replan := func() {
				plan, err := a.engine.Preview(ctx, env, a.source, engine.PlanOptions{})
				if err != nil {
					fmt.Printf("plan error: %v\n", err)
					return
				}
				if err := printPlan(plan); err != nil {
					log.Warn().Err(err).Msg("Failed to print plan")
				}
			}

			fmt.Printf("Watching %s for environment %s. Ctrl-C to stop.\n", a.project.ManifestPath(), env.Name)
			replan()

			watcher, err := project.NewWatcher(a.project.ManifestPath(), log.Logger)
			if err != nil {
				return err
			}
			if err := watcher.Run(ctx, replan); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	return cmd
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEnvironmentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "environments",
		Aliases: []string{"env"},
		Short:   "Manage environments",
	}

	cmd.AddCommand(newEnvironmentsCreateCommand())
	cmd.AddCommand(newEnvironmentsListCommand())
	cmd.AddCommand(newEnvironmentsDeleteCommand())

	return cmd
}

func newEnvironmentsCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Record a new, empty environment in the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			// The environment must be declared before it can be recorded.
			if _, err := a.project.Environment(args[0]); err != nil {
				return err
			}
			if err := a.engine.CreateEnvironment(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Environment %s created.\n", args[0])
			return nil
		},
	}
}

func newEnvironmentsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List environments recorded in the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			envs, err := a.engine.ListEnvironments(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(envs)
			}
			for _, name := range envs {
				tier := "undeclared"
				if cfg, err := a.project.Environment(name); err == nil {
					tier = cfg.Tier
				}
				fmt.Printf("  %s (%s)\n", name, tier)
			}
			return nil
		},
	}
}

func newEnvironmentsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an environment's state",
		Long: `Delete an environment's state from the backend. Refuses while the
environment still records live resources; run destroy first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.DeleteEnvironment(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Environment %s deleted.\n", args[0])
			return nil
		},
	}
}

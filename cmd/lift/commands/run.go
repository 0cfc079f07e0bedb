package commands

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openlift/openlift/pkg/project"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <environment> -- <command> [args...]",
		Short: "Run a command with the environment's context",
		Long: `Run a command with ` + project.EnvironmentVar + ` set to the chosen
environment, so application code and tooling can resolve
environment-specific configuration.`,
		Example: `  # Run migrations against dev
  lift run dev -- ./scripts/migrate.sh

  # Start a local server pointed at prod
  lift run prod -- npm start`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			env, err := a.project.Environment(args[0])
			if err != nil {
				return err
			}

			child := exec.CommandContext(ctx, args[1], args[2:]...)
			child.Stdin = os.Stdin
			child.Stdout = os.Stdout
			child.Stderr = os.Stderr
			child.Env = project.InjectEnvironment(os.Environ(), env.Name)

			log.Debug().Str("environment", env.Name).Strs("command", args[1:]).Msg("Running wrapped command")
			if err := child.Run(); err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					os.Exit(exitErr.ExitCode())
				}
				return fmt.Errorf("failed to run %s: %w", args[1], err)
			}
			return nil
		},
	}

	return cmd
}

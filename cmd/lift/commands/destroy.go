package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openlift/openlift/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var (
		autoApprove bool
		keepState   bool
	)

	cmd := &cobra.Command{
		Use:   "destroy [environment]",
		Short: "Tear down an environment",
		Long: `Destroy every recorded resource in reverse dependency order, then
delete the environment's state. Destruction never happens implicitly:
this command is the only path to it.`,
		Example: `  # Tear down dev after confirmation
  lift destroy dev

  # Non-interactive teardown
  lift destroy dev --auto-approve

  # Destroy the resources but keep the (empty) environment
  lift destroy dev --keep-state`,
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

			if !autoApprove {
				fmt.Printf("Destroy every resource in environment %s? Only 'yes' is accepted: ", env.Name)
				line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				if strings.TrimSpace(line) != "yes" {
					return fmt.Errorf("destroy aborted")
				}
			}

			log.Info().Str("environment", env.Name).Msg("Destroying environment")
			report, err := a.engine.Down(ctx, env, engine.PlanOptions{AllowDestructive: true})
			if err != nil {
				if report != nil {
					_ = printReport(report)
				}
				return err
			}
			if err := printReport(report); err != nil {
				return err
			}

			if keepState {
				return nil
			}
			if err := a.engine.DeleteEnvironment(ctx, env.Name); err != nil {
				return err
			}
			fmt.Printf("Environment %s destroyed.\n", env.Name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the confirmation prompt")
	cmd.Flags().BoolVar(&keepState, "keep-state", false, "keep the empty environment after destroying its resources")

	return cmd
}

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openlift/openlift/pkg/project"
)

const projectTemplate = `name: %s
backend: %s
environments:
  - name: dev
    tier: development
  - name: prod
    tier: production
policies:
  - policies/
`

const manifestTemplate = `resources: []

# Example:
# resources:
#   - type: postgres
#     name: db
#     inputs:
#       size: small
#   - type: container
#     name: api
#     inputs:
#       db_host: ${postgres.db:host}
#     service:
#       artifact: registry.example.com/api:latest
`

func newInitCommand() *cobra.Command {
	var backend string

	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Initialize a project",
		Long: `Create lift.yaml, an empty resources manifest, and a policies directory
in the current directory.`,
		Example: `  # Initialize with the default local file backend
  lift init shop

  # Initialize against SQLite
  lift init shop --backend sqlite://.lift/state.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			configPath := filepath.Join(projectDir, project.ConfigFileName)
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists", configPath)
			}

			if err := os.MkdirAll(filepath.Join(projectDir, "policies"), 0o755); err != nil {
				return fmt.Errorf("failed to create policies directory: %w", err)
			}
			if err := os.WriteFile(configPath, []byte(fmt.Sprintf(projectTemplate, name, backend)), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", configPath, err)
			}
			manifestPath := filepath.Join(projectDir, "resources.yaml")
			if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
				if err := os.WriteFile(manifestPath, []byte(manifestTemplate), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", manifestPath, err)
				}
			}

			log.Info().Str("name", name).Str("backend", backend).Msg("Project initialized")
			fmt.Printf("Initialized project %s.\nDeclare resources in resources.yaml, then run: lift plan dev\n", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "file://.lift/state", "state backend URI")

	return cmd
}

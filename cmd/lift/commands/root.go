package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openlift/openlift/pkg/engine"
	"github.com/openlift/openlift/pkg/lock"
	"github.com/openlift/openlift/pkg/policy"
	"github.com/openlift/openlift/pkg/project"
	"github.com/openlift/openlift/pkg/state"
)

var (
	// Global flags
	projectDir string
	jsonOutput bool
)

// RegisterAdapters hooks provisioning adapters into the CLI. Builds
// that ship real adapters replace it; the default registers nothing,
// so apply fails cleanly until adapters are wired in.
var RegisterAdapters = func(registry *engine.Registry) {}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lift",
		Short: "OpenLift - environment reconciliation engine",
		Long: `OpenLift reconciles declared resources and services against the recorded
state of each environment.

Features:
  - Versioned state with optimistic concurrency (memory, file, SQLite, S3 backends)
  - Dependency-ordered plans with explicit CREATE/UPDATE/REPLACE/DESTROY actions
  - Concurrent apply with per-resource locking and partial-failure reporting
  - Environment-to-environment service promotion
  - Policy gating with OPA (production guardrails built in)`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", ".", "project directory (or any directory under it)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newPromoteCommand())
	rootCmd.AddCommand(newEnvironmentsCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}

// app is the wiring every project-scoped command shares.
type app struct {
	project *project.Project
	store   state.Store
	engine  *engine.Engine
	source  *project.FileSource
}

// newApp loads the project, opens its backend, and assembles the
// engine. Callers must Close it.
func newApp(ctx context.Context) (*app, error) {
	proj, err := project.Find(projectDir)
	if err != nil {
		return nil, err
	}

	store, err := state.Open(ctx, proj.Backend)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend %s: %w", proj.Backend, err)
	}

	gate, err := policy.NewGate(log.Logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	if paths := proj.PolicyPaths(); len(paths) > 0 {
		if err := gate.LoadPaths(ctx, paths); err != nil {
			store.Close()
			return nil, err
		}
	}

	registry := engine.NewRegistry()
	RegisterAdapters(registry)

	eng, err := engine.New(engine.Options{
		Store:       store,
		Locks:       lock.NewManager(store, "", log.Logger),
		Registry:    registry,
		Gate:        gate,
		MaxParallel: proj.MaxParallel,
		Logger:      log.Logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		project: proj,
		store:   store,
		engine:  eng,
		source:  project.NewFileSource(proj.ManifestPath()),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close state backend")
	}
}

// environmentInfo resolves the environment argument, defaulting to
// LIFT_ENVIRONMENT when no argument is given.
func (a *app) environmentInfo(args []string) (engine.EnvironmentInfo, error) {
	name := project.CurrentEnvironment()
	if len(args) > 0 {
		name = args[0]
	}
	if name == "" {
		return engine.EnvironmentInfo{}, fmt.Errorf("no environment given and %s is unset", project.EnvironmentVar)
	}
	return a.project.EnvironmentInfo(name)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printPlan renders a plan for humans or CI.
func printPlan(plan *engine.Plan) error {
	if jsonOutput {
		return printJSON(plan)
	}

	if !plan.Changes() && len(plan.Orphans()) == 0 {
		fmt.Printf("No changes for environment %s (state version %d).\n", plan.Environment, plan.SnapshotVersion)
		return nil
	}

	fmt.Printf("Plan for environment %s (state version %d):\n", plan.Environment, plan.SnapshotVersion)
	for _, action := range plan.Actions {
		switch action.Type {
		case engine.ActionNoop:
			continue
		case engine.ActionOrphan:
			fmt.Printf("  ORPHAN  %s (recorded but no longer declared)\n", action.Key)
		default:
			fmt.Printf("  %-7s %s (batch %d)\n", action.Type, action.Key, action.Batch)
		}
	}
	return nil
}

// printReport renders an apply report and returns an error when any
// resource failed or was skipped, so the process exits non-zero.
func printReport(report *engine.Report) error {
	if jsonOutput {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		for _, entry := range report.Entries {
			line := fmt.Sprintf("  %-8s %s", entry.Outcome, entry.Key)
			if entry.Error != "" {
				line += ": " + entry.Error
			}
			fmt.Println(line)
		}
		fmt.Printf("Created %d, updated %d, unchanged %d, deleted %d, failed %d, skipped %d, orphaned %d.\n",
			report.Created, report.Updated, report.Noop, report.Deleted, report.Failed, report.Skipped, report.Orphaned)
	}

	if !report.Succeeded() {
		return fmt.Errorf("%d resources failed, %d skipped", report.Failed, report.Skipped)
	}
	return nil
}

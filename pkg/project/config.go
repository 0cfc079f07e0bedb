// Package project loads the on-disk project surface: the lift.yaml
// project file, the resources manifest that feeds the planner, and the
// environment-variable contract for wrapped processes.
package project

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openlift/openlift/pkg/engine"
)

// ConfigFileName is the project file looked up in the working
// directory and its parents.
const ConfigFileName = "lift.yaml"

// Project is the parsed lift.yaml.
type Project struct {
	// Name identifies the project.
	Name string `yaml:"name" validate:"required"`

	// Backend is the state backend URI (mem://, file://, sqlite://,
	// s3://bucket/prefix).
	Backend string `yaml:"backend" validate:"required"`

	// Manifest is the resource declaration file, relative to the
	// project root. Defaults to resources.yaml.
	Manifest string `yaml:"manifest,omitempty"`

	// Environments are the environments this project deploys to.
	Environments []EnvironmentConfig `yaml:"environments" validate:"required,min=1,dive"`

	// Policies are extra rego policy files or directories, relative to
	// the project root.
	Policies []string `yaml:"policies,omitempty"`

	// MaxParallel bounds concurrent provisioning per batch; zero means
	// the engine default.
	MaxParallel int `yaml:"max_parallel,omitempty" validate:"gte=0"`

	// Root is the directory lift.yaml was loaded from. Not part of the
	// file itself.
	Root string `yaml:"-"`
}

// EnvironmentConfig binds one environment to a tier and cloud account.
type EnvironmentConfig struct {
	Name string `yaml:"name" validate:"required"`

	// Tier selects sizing and guardrails.
	Tier string `yaml:"tier" validate:"required,oneof=development production"`

	// CloudAccount names the account credentials bound to this
	// environment. Adapters interpret it; the engine only carries it.
	CloudAccount string `yaml:"cloud_account,omitempty"`
}

// Load reads and validates a lift.yaml.
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file %s: %w", path, err)
	}

	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse project file %s: %w", path, err)
	}
	if p.Manifest == "" {
		p.Manifest = "resources.yaml"
	}

	if err := validator.New().Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid project file %s: %w", path, err)
	}
	if err := p.checkDuplicates(); err != nil {
		return nil, fmt.Errorf("invalid project file %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	p.Root = filepath.Dir(abs)
	return &p, nil
}

// Find walks from dir upward looking for lift.yaml and loads it.
func Find(dir string) (*Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for {
		candidate := filepath.Join(abs, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return nil, fmt.Errorf("no %s found in %s or any parent directory", ConfigFileName, dir)
		}
		abs = parent
	}
}

func (p *Project) checkDuplicates() error {
	seen := make(map[string]bool, len(p.Environments))
	for _, env := range p.Environments {
		if seen[env.Name] {
			return fmt.Errorf("environment %s declared twice", env.Name)
		}
		seen[env.Name] = true
	}
	return nil
}

// Environment looks up one configured environment by name.
func (p *Project) Environment(name string) (*EnvironmentConfig, error) {
	for i := range p.Environments {
		if p.Environments[i].Name == name {
			return &p.Environments[i], nil
		}
	}
	return nil, fmt.Errorf("environment %s is not declared in %s", name, ConfigFileName)
}

// EnvironmentInfo maps a configured environment to the engine's view.
func (p *Project) EnvironmentInfo(name string) (engine.EnvironmentInfo, error) {
	cfg, err := p.Environment(name)
	if err != nil {
		return engine.EnvironmentInfo{}, err
	}
	return engine.EnvironmentInfo{Name: cfg.Name, Tier: engine.EnvironmentTier(cfg.Tier)}, nil
}

// ManifestPath is the manifest location resolved against the project
// root.
func (p *Project) ManifestPath() string {
	if filepath.IsAbs(p.Manifest) {
		return p.Manifest
	}
	return filepath.Join(p.Root, p.Manifest)
}

// PolicyPaths are the policy locations resolved against the project
// root. Missing ones are dropped: a project without a policies
// directory just runs the built-in rules.
func (p *Project) PolicyPaths() []string {
	var paths []string
	for _, raw := range p.Policies {
		path := raw
		if !filepath.IsAbs(path) {
			path = filepath.Join(p.Root, path)
		}
		if _, err := os.Stat(path); err == nil {
			paths = append(paths, path)
		}
	}
	return paths
}

package project

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openlift/openlift/pkg/engine"
)

// Manifest is the parsed resources file: the in-repo resource graph
// declaration the planner diffs against recorded state.
type Manifest struct {
	Resources []ManifestResource `yaml:"resources" validate:"dive"`
}

// ManifestResource declares one resource or service.
type ManifestResource struct {
	Type string `yaml:"type" validate:"required"`
	Name string `yaml:"name" validate:"required"`

	// Inputs may embed ${<resource-key>:<output>} references; each one
	// implies a dependency edge.
	Inputs map[string]any `yaml:"inputs,omitempty"`

	// DependsOn adds explicit edges beyond the referenced ones.
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Service marks a deployable service carrying an artifact.
	Service *ServiceSpec `yaml:"service,omitempty"`

	// Environments restricts the resource to the listed environments.
	// Empty means every environment.
	Environments []string `yaml:"environments,omitempty"`
}

// ServiceSpec is the service block of a manifest resource.
type ServiceSpec struct {
	Artifact string `yaml:"artifact" validate:"required"`
}

// LoadManifest reads and validates a resources file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := validator.New().Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// Declared converts the manifest into the planner's declaration set
// for one environment, dropping resources scoped to other
// environments.
func (m *Manifest) Declared(environment string) []engine.DeclaredResource {
	var declared []engine.DeclaredResource
	for _, r := range m.Resources {
		if !r.appliesTo(environment) {
			continue
		}
		d := engine.DeclaredResource{
			Type:      r.Type,
			Name:      r.Name,
			Inputs:    r.Inputs,
			DependsOn: append([]string(nil), r.DependsOn...),
		}
		if r.Service != nil {
			d.Service = true
			d.ArtifactRef = r.Service.Artifact
		}
		declared = append(declared, d)
	}
	return declared
}

func (r *ManifestResource) appliesTo(environment string) bool {
	if len(r.Environments) == 0 {
		return true
	}
	for _, env := range r.Environments {
		if env == environment {
			return true
		}
	}
	return false
}

// FileSource is an engine.Source that re-reads the manifest file on
// every call, so a running dev loop picks up edits without restarting.
type FileSource struct {
	path string
}

// NewFileSource creates a manifest-backed declaration source.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Resources implements engine.Source.
func (s *FileSource) Resources(_ context.Context, environment string) ([]engine.DeclaredResource, error) {
	m, err := LoadManifest(s.path)
	if err != nil {
		return nil, err
	}
	return m.Declared(environment), nil
}

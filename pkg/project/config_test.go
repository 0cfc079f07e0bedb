package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openlift/openlift/pkg/engine"
)

func writeProject(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

const sampleProject = `name: shop
backend: sqlite:///var/lib/lift/state.db
environments:
  - name: dev
    tier: development
    cloud_account: acme-dev
  - name: prod
    tier: production
    cloud_account: acme-prod
policies:
  - policies/
`

func TestLoadProject(t *testing.T) {
	dir := t.TempDir()
	path := writeProject(t, dir, sampleProject)

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.Name != "shop" || p.Backend != "sqlite:///var/lib/lift/state.db" {
		t.Errorf("Unexpected project: %+v", p)
	}
	if p.Manifest != "resources.yaml" {
		t.Errorf("Expected default manifest, got %s", p.Manifest)
	}
	if p.ManifestPath() != filepath.Join(dir, "resources.yaml") {
		t.Errorf("Expected manifest resolved against the root, got %s", p.ManifestPath())
	}

	info, err := p.EnvironmentInfo("prod")
	if err != nil {
		t.Fatalf("EnvironmentInfo failed: %v", err)
	}
	if info.Tier != engine.TierProduction {
		t.Errorf("Expected production tier, got %s", info.Tier)
	}

	if _, err := p.Environment("staging"); err == nil {
		t.Error("Expected unknown environment to fail")
	}
}

func TestLoadProjectValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing name", "backend: mem://\nenvironments:\n  - name: dev\n    tier: development\n"},
		{"missing backend", "name: shop\nenvironments:\n  - name: dev\n    tier: development\n"},
		{"no environments", "name: shop\nbackend: mem://\nenvironments: []\n"},
		{"bad tier", "name: shop\nbackend: mem://\nenvironments:\n  - name: dev\n    tier: staging\n"},
		{"duplicate environment", "name: shop\nbackend: mem://\nenvironments:\n  - name: dev\n    tier: development\n  - name: dev\n    tier: production\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeProject(t, t.TempDir(), tc.content)
			if _, err := Load(path); err == nil {
				t.Errorf("Expected %s to be rejected", tc.name)
			}
		})
	}
}

func TestFindWalksUp(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, sampleProject)
	nested := filepath.Join(root, "services", "api")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	p, err := Find(nested)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if p.Name != "shop" {
		t.Errorf("Expected the root project, got %s", p.Name)
	}

	if _, err := Find(t.TempDir()); err == nil {
		t.Error("Expected Find to fail outside a project")
	}
}

func TestPolicyPathsDropMissing(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "policies"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	path := writeProject(t, dir, sampleProject+"  - missing/\n")

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	paths := p.PolicyPaths()
	if len(paths) != 1 || paths[0] != filepath.Join(dir, "policies") {
		t.Errorf("Expected only the existing policies dir, got %v", paths)
	}
}

func TestInjectEnvironment(t *testing.T) {
	base := []string{"PATH=/bin", EnvironmentVar + "=stale"}
	out := InjectEnvironment(base, "prod")

	if len(out) != 2 {
		t.Fatalf("Expected the stale entry replaced, got %v", out)
	}
	if out[len(out)-1] != EnvironmentVar+"=prod" {
		t.Errorf("Expected %s=prod appended, got %v", EnvironmentVar, out)
	}
}

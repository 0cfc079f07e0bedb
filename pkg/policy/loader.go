package policy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// loadFromPaths reads policies from files and directories. Directories
// are walked recursively for .rego files; unreadable files are skipped
// with a warning so one bad file doesn't block the whole load.
func loadFromPaths(logger zerolog.Logger, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat policy path %s: %w", path, err)
		}

		if !info.IsDir() {
			p, err := loadFile(path)
			if err != nil {
				return nil, err
			}
			policies = append(policies, p)
			continue
		}

		err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(file, ".rego") {
				return nil
			}
			p, err := loadFile(file)
			if err != nil {
				logger.Warn().Err(err).Str("path", file).Msg("Skipping unreadable policy file")
				return nil
			}
			policies = append(policies, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk policy directory %s: %w", path, err)
		}
	}
	return policies, nil
}

// loadFile reads one .rego file into a policy named after the file.
func loadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Policy{
		Name:     name,
		Rego:     string(data),
		Severity: SeverityError,
		Enabled:  true,
	}, nil
}

package project

import (
	"os"
	"strings"
)

// EnvironmentVar is exported to wrapped processes so application code
// can tell which environment it runs in.
const EnvironmentVar = "LIFT_ENVIRONMENT"

// CurrentEnvironment reads the environment name from the process
// environment; empty when unset.
func CurrentEnvironment() string {
	return os.Getenv(EnvironmentVar)
}

// InjectEnvironment returns base with EnvironmentVar set to name,
// replacing any existing entry.
func InjectEnvironment(base []string, name string) []string {
	prefix := EnvironmentVar + "="
	out := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return append(out, prefix+name)
}

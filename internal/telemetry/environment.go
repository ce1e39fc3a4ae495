package telemetry

import "strings"

var globalEnvironment string

// SetEnvironment records the deployment environment name attached to every
// metric this package's attribute helpers produce. Callers own configuration
// loading; this module only stores the value it's given.
func SetEnvironment(env string) {
	globalEnvironment = strings.TrimSpace(env)
}

// Environment returns the configured environment name for use in metric labels.
func Environment() string {
	if globalEnvironment == "" {
		return "development"
	}
	return globalEnvironment
}

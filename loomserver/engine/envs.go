package engine

import (
	"fmt"
)

type EnvVars []string

// ConstructEnvs converts an environment map into the
// []string{"KEY=value", ...} form that exec and the Docker API want.
func ConstructEnvs(envs map[string]string) EnvVars {
	var out EnvVars
	for k, v := range envs {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// Slice returns the EnvVars as a plain []string.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv appends a key=value pair.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}

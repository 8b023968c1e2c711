package secrets

import (
	"context"
	"fmt"
	"os"
)

// EnvResolver resolves env(NAME) references from the process environment.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver creates a resolver reading os environment variables.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

// Resolve implements Resolver.
func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	scheme, name, ok := parseRef(ref)
	if !ok || scheme != "env" || name == "" {
		return "", fmt.Errorf("secrets: unsupported reference %q (expected env(NAME))", ref)
	}
	value, ok := r.lookup(name)
	if !ok || value == "" {
		return "", fmt.Errorf("secrets: environment variable %q not set", name)
	}
	return value, nil
}

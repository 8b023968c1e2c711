// Package secrets resolves credential references in configuration and keeps
// resolved values out of log output.
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Resolver resolves secret references to their values.
type Resolver interface {
	// Resolve returns the value behind ref, e.g. "env(SERPAPI_API_KEY)".
	Resolve(ctx context.Context, ref string) (string, error)
}

// IsReference reports whether s looks like scheme(arg).
func IsReference(s string) bool {
	_, _, ok := parseRef(s)
	return ok
}

func parseRef(s string) (scheme, arg string, ok bool) {
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", "", false
	}
	scheme = s[:open]
	for _, r := range scheme {
		if r < 'a' || r > 'z' {
			return "", "", false
		}
	}
	return scheme, s[open+1 : len(s)-1], true
}

// Chain dispatches references to a resolver by scheme. Values that are not
// references are returned unchanged.
type Chain struct {
	resolvers map[string]Resolver
	redact    *RedactFilter
}

// NewChain creates a chain that handles env() references. Resolved values are
// registered with redact when it is non-nil.
func NewChain(redact *RedactFilter) *Chain {
	return &Chain{
		resolvers: map[string]Resolver{"env": NewEnvResolver()},
		redact:    redact,
	}
}

// Handle registers r for the scheme, replacing any existing resolver.
func (c *Chain) Handle(scheme string, r Resolver) {
	c.resolvers[scheme] = r
}

// Resolve implements Resolver.
func (c *Chain) Resolve(ctx context.Context, value string) (string, error) {
	scheme, _, ok := parseRef(value)
	if !ok {
		return value, nil
	}
	r, found := c.resolvers[scheme]
	if !found {
		return "", fmt.Errorf("secrets: no resolver for %q references", scheme)
	}
	out, err := r.Resolve(ctx, value)
	if err != nil {
		return "", err
	}
	if c.redact != nil {
		c.redact.AddSecret(out)
	}
	return out, nil
}

package secrets

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Placeholder replaces secret values in log output.
const Placeholder = "[REDACTED]"

type secretSet struct {
	mu     sync.RWMutex
	values map[string]struct{}
}

func (s *secretSet) list() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for v := range s.values {
		out = append(out, v)
	}
	return out
}

// RedactFilter is a slog.Handler that scrubs registered secret values from
// messages and string attributes before passing records on.
type RedactFilter struct {
	inner slog.Handler
	set   *secretSet
}

// NewRedactFilter wraps inner.
func NewRedactFilter(inner slog.Handler) *RedactFilter {
	return &RedactFilter{inner: inner, set: &secretSet{values: make(map[string]struct{})}}
}

// AddSecret registers a value to scrub. Empty values are ignored.
func (f *RedactFilter) AddSecret(value string) {
	if value == "" {
		return
	}
	f.set.mu.Lock()
	f.set.values[value] = struct{}{}
	f.set.mu.Unlock()
}

// Enabled implements slog.Handler.
func (f *RedactFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (f *RedactFilter) Handle(ctx context.Context, record slog.Record) error {
	secrets := f.set.list()
	if len(secrets) == 0 {
		return f.inner.Handle(ctx, record)
	}
	out := slog.NewRecord(record.Time, record.Level, scrub(record.Message, secrets), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a, secrets))
		return true
	})
	return f.inner.Handle(ctx, out)
}

// WithAttrs implements slog.Handler. Derived handlers share the secret set.
func (f *RedactFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	secrets := f.set.list()
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = redactAttr(a, secrets)
	}
	return &RedactFilter{inner: f.inner.WithAttrs(scrubbed), set: f.set}
}

// WithGroup implements slog.Handler.
func (f *RedactFilter) WithGroup(name string) slog.Handler {
	return &RedactFilter{inner: f.inner.WithGroup(name), set: f.set}
}

// RedactString scrubs registered secrets from s.
func (f *RedactFilter) RedactString(s string) string {
	return scrub(s, f.set.list())
}

func redactAttr(a slog.Attr, secrets []string) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, scrub(v.String(), secrets))
	case slog.KindGroup:
		group := v.Group()
		out := make([]any, len(group))
		for i, g := range group {
			out[i] = redactAttr(g, secrets)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, scrub(err.Error(), secrets))
		}
	}
	return a
}

func scrub(s string, secrets []string) string {
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, Placeholder)
	}
	return s
}

package tools

import (
	"fmt"
	"sync"

	"github.com/szaher/tripagent/internal/expr"
)

// Settings are the provider-level search parameters shared by the finders.
// They can be swapped at runtime when configuration reloads.
type Settings struct {
	Language   string
	Country    string
	Currency   string
	MaxResults int
	// Filter is an optional boolean expression evaluated per record.
	Filter string
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{Language: "en", Country: "us", Currency: "USD", MaxResults: 5}
}

type settingsHolder struct {
	mu       sync.RWMutex
	settings Settings
	filter   *expr.CompiledExpr
}

func (h *settingsHolder) configure(s Settings, env any) error {
	d := DefaultSettings()
	if s.Language == "" {
		s.Language = d.Language
	}
	if s.Country == "" {
		s.Country = d.Country
	}
	if s.Currency == "" {
		s.Currency = d.Currency
	}
	if s.MaxResults <= 0 {
		s.MaxResults = d.MaxResults
	}

	var filter *expr.CompiledExpr
	if s.Filter != "" {
		f, err := expr.Compile(s.Filter, env)
		if err != nil {
			return fmt.Errorf("tools: filter %q: %w", s.Filter, err)
		}
		filter = f
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.settings = s
	h.filter = filter
	return nil
}

func (h *settingsHolder) snapshot() (Settings, *expr.CompiledExpr) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.settings, h.filter
}

// rank applies the filter and truncates to the result cap.
func rank[T any](records []T, s Settings, filter *expr.CompiledExpr) ([]T, error) {
	kept, err := expr.Filter(filter, records)
	if err != nil {
		return nil, err
	}
	if len(kept) > s.MaxResults {
		kept = kept[:s.MaxResults]
	}
	return kept, nil
}

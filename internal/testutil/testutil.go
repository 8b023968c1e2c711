// Package testutil holds helpers shared by tripagent package tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
)

// AssertErrorContains fails the test unless err is non-nil and mentions substr.
func AssertErrorContains(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("expected error containing %q, got %q", substr, err.Error())
	}
}

// SearchServer fakes a search provider that answers every request with body.
type SearchServer struct {
	*httptest.Server

	hits  atomic.Int32
	query atomic.Pointer[url.Values]
}

// NewSearchServer starts a SearchServer closed at test cleanup.
func NewSearchServer(t *testing.T, status int, body string) *SearchServer {
	t.Helper()
	s := &SearchServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		q := r.URL.Query()
		s.query.Store(&q)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

// Hits returns the number of requests served.
func (s *SearchServer) Hits() int {
	return int(s.hits.Load())
}

// LastQuery returns the query string of the latest request.
func (s *SearchServer) LastQuery() url.Values {
	if q := s.query.Load(); q != nil {
		return *q
	}
	return url.Values{}
}

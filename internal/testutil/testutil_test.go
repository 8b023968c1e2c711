package testutil

import (
	"io"
	"net/http"
	"testing"
)

func TestSearchServer(t *testing.T) {
	s := NewSearchServer(t, http.StatusTeapot, `{"ok":true}`)
	if s.Hits() != 0 || len(s.LastQuery()) != 0 {
		t.Fatal("fresh server should have no requests")
	}

	resp, err := s.Client().Get(s.URL + "/search?q=Tokyo")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusTeapot || string(body) != `{"ok":true}` {
		t.Errorf("response = %d %s", resp.StatusCode, body)
	}
	if s.Hits() != 1 || s.LastQuery().Get("q") != "Tokyo" {
		t.Errorf("hits = %d, query = %v", s.Hits(), s.LastQuery())
	}
}

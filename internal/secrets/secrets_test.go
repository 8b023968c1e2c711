package secrets

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestEnvResolver(t *testing.T) {
	t.Setenv("TRIPAGENT_TEST_SECRET", "s3cr3t")
	r := NewEnvResolver()

	got, err := r.Resolve(context.Background(), "env(TRIPAGENT_TEST_SECRET)")
	if err != nil || got != "s3cr3t" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}

	for _, ref := range []string{"env(TRIPAGENT_TEST_UNSET)", "env()", "vault(x)", "TRIPAGENT_TEST_SECRET"} {
		if _, err := r.Resolve(context.Background(), ref); err == nil {
			t.Errorf("Resolve(%q) should fail", ref)
		}
	}
}

func TestIsReference(t *testing.T) {
	cases := map[string]bool{
		"env(KEY)":          true,
		"vault(a/b#c)":      true,
		"plain-api-key":     false,
		"(KEY)":             false,
		"Env(KEY)":          false,
		"sk-ant-abc(def)x":  false,
		"mailto(me)":        true,
	}
	for in, want := range cases {
		if got := IsReference(in); got != want {
			t.Errorf("IsReference(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestChain(t *testing.T) {
	t.Setenv("TRIPAGENT_TEST_KEY", "key-123")
	var buf bytes.Buffer
	redact := NewRedactFilter(slog.NewTextHandler(&buf, nil))
	c := NewChain(redact)

	got, err := c.Resolve(context.Background(), "literal")
	if err != nil || got != "literal" {
		t.Errorf("literal = %q, %v", got, err)
	}
	got, err = c.Resolve(context.Background(), "env(TRIPAGENT_TEST_KEY)")
	if err != nil || got != "key-123" {
		t.Fatalf("env = %q, %v", got, err)
	}
	if _, err := c.Resolve(context.Background(), "vault(secret#x)"); err == nil {
		t.Error("vault without a registered resolver should fail")
	}

	slog.New(redact).Info("using key-123")
	if strings.Contains(buf.String(), "key-123") {
		t.Errorf("resolved secret leaked into logs: %s", buf.String())
	}
}

func TestVaultResolver(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("X-Vault-Token") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/v1/kv/data/tripagent" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"data":{"data":{"serpapi":"serp-1","value":"default","n":3}}}`))
	}))
	defer server.Close()

	v := NewVaultResolver(server.URL+"/", "tok", WithVaultMount("/kv/"), WithVaultHTTPClient(server.Client()))
	ctx := context.Background()

	got, err := v.Resolve(ctx, "vault(tripagent#serpapi)")
	if err != nil || got != "serp-1" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
	if _, err := v.Resolve(ctx, "vault(tripagent#serpapi)"); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected cached second read, got %d requests", hits.Load())
	}
	if got, _ := v.Resolve(ctx, "vault(tripagent)"); got != "default" {
		t.Errorf("default key = %q", got)
	}
	if _, err := v.Resolve(ctx, "vault(tripagent#n)"); err == nil {
		t.Error("non-string key should fail")
	}
	if _, err := v.Resolve(ctx, "vault(missing#k)"); err == nil {
		t.Error("missing path should fail")
	}
}

func TestRedactFilter(t *testing.T) {
	var buf bytes.Buffer
	f := NewRedactFilter(slog.NewJSONHandler(&buf, nil))
	f.AddSecret("")
	f.AddSecret("tok-abc")

	logger := slog.New(f).With("header", "Bearer tok-abc")
	logger.Info("sending with tok-abc",
		"err", errors.New("401 for tok-abc"),
		slog.Group("req", slog.String("auth", "tok-abc")),
		"count", 2)

	out := buf.String()
	if strings.Contains(out, "tok-abc") {
		t.Fatalf("secret leaked: %s", out)
	}
	if n := strings.Count(out, Placeholder); n != 4 {
		t.Errorf("expected 4 redactions, got %d: %s", n, out)
	}
	if !strings.Contains(out, `"count":2`) {
		t.Errorf("non-string attrs should pass through: %s", out)
	}
	if got := f.RedactString("x tok-abc y"); got != "x "+Placeholder+" y" {
		t.Errorf("RedactString = %q", got)
	}
}

func TestRedactFilterSharesSecretsWithDerivedHandlers(t *testing.T) {
	var buf bytes.Buffer
	f := NewRedactFilter(slog.NewTextHandler(&buf, nil))
	derived := slog.New(f).WithGroup("g")
	f.AddSecret("late-secret")
	derived.Info("msg", "v", "late-secret")
	if strings.Contains(buf.String(), "late-secret") {
		t.Errorf("derived handler missed secret added later: %s", buf.String())
	}
}

package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// VaultResolver reads vault(path#key) references from a Vault KV v2 mount.
type VaultResolver struct {
	address string
	token   string
	mount   string
	ttl     time.Duration
	client  *http.Client

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	value   string
	expires time.Time
}

// VaultOption configures a VaultResolver.
type VaultOption func(*VaultResolver)

// WithVaultMount sets the KV v2 mount path. Default "secret".
func WithVaultMount(mount string) VaultOption {
	return func(v *VaultResolver) { v.mount = strings.Trim(mount, "/") }
}

// WithVaultHTTPClient sets the HTTP client.
func WithVaultHTTPClient(c *http.Client) VaultOption {
	return func(v *VaultResolver) { v.client = c }
}

// WithVaultCacheTTL sets how long resolved values are reused.
func WithVaultCacheTTL(d time.Duration) VaultOption {
	return func(v *VaultResolver) { v.ttl = d }
}

// NewVaultResolver creates a resolver for the Vault server at address.
func NewVaultResolver(address, token string, opts ...VaultOption) *VaultResolver {
	v := &VaultResolver{
		address: strings.TrimRight(address, "/"),
		token:   token,
		mount:   "secret",
		ttl:     5 * time.Minute,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   make(map[string]cached),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Resolve implements Resolver. A reference without #key reads the "value" key.
func (v *VaultResolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, arg, ok := parseRef(ref)
	if !ok || scheme != "vault" || arg == "" {
		return "", fmt.Errorf("secrets: unsupported reference %q (expected vault(path#key))", ref)
	}
	path, key, found := strings.Cut(arg, "#")
	if !found {
		key = "value"
	}

	v.mu.Lock()
	if c, ok := v.cache[arg]; ok && time.Now().Before(c.expires) {
		v.mu.Unlock()
		return c.value, nil
	}
	v.mu.Unlock()

	value, err := v.read(ctx, path, key)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	v.cache[arg] = cached{value: value, expires: time.Now().Add(v.ttl)}
	v.mu.Unlock()
	return value, nil
}

func (v *VaultResolver) read(ctx context.Context, path, key string) (string, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.address, v.mount, strings.TrimLeft(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("secrets: vault request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("secrets: vault returned status %d for %s", resp.StatusCode, path)
	}

	var body struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("secrets: decode vault response: %w", err)
	}
	s, ok := body.Data.Data[key].(string)
	if !ok {
		return "", fmt.Errorf("secrets: vault secret %s has no string key %q", path, key)
	}
	return s, nil
}

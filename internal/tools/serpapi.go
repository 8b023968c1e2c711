package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultSerpAPIURL            = "https://serpapi.com/search.json"
	defaultMaxResponseSize int64 = 10 * 1024 * 1024 // 10MB
	defaultSearchTimeout         = 30 * time.Second
)

// SerpAPI performs Google Flights and Google Hotels lookups through
// SerpAPI's search endpoint.
type SerpAPI struct {
	endpoint    string
	apiKey      string
	client      *http.Client
	maxRespSize int64
}

// SerpAPIOption configures a SerpAPI client.
type SerpAPIOption func(*SerpAPI)

// WithEndpoint overrides the search endpoint URL.
func WithEndpoint(u string) SerpAPIOption {
	return func(s *SerpAPI) { s.endpoint = u }
}

// WithSearchHTTPClient sets the HTTP client used for lookups.
func WithSearchHTTPClient(c *http.Client) SerpAPIOption {
	return func(s *SerpAPI) { s.client = c }
}

// NewSerpAPI creates a client authenticating with apiKey. The default HTTP
// client refuses connections to private networks.
func NewSerpAPI(apiKey string, opts ...SerpAPIOption) *SerpAPI {
	s := &SerpAPI{
		endpoint: defaultSerpAPIURL,
		apiKey:   apiKey,
		client: &http.Client{
			Transport: NewSafeTransport(),
			Timeout:   defaultSearchTimeout,
		},
		maxRespSize: defaultMaxResponseSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search runs one query for engine and decodes the JSON body into out.
func (s *SerpAPI) Search(ctx context.Context, engine string, params url.Values, out any) error {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("engine", engine)
	q.Set("output", "json")
	if s.apiKey != "" {
		q.Set("api_key", s.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("serpapi: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("serpapi: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, truncated, err := ReadBody(resp.Body, s.maxRespSize)
	if err != nil {
		return fmt.Errorf("serpapi: read response: %w", err)
	}
	if truncated {
		return fmt.Errorf("serpapi: response exceeds %d bytes", s.maxRespSize)
	}

	var envelope struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)

	if resp.StatusCode >= 400 {
		if envelope.Error != "" {
			return fmt.Errorf("serpapi: status %d: %s", resp.StatusCode, envelope.Error)
		}
		return fmt.Errorf("serpapi: status %d", resp.StatusCode)
	}
	if envelope.Error != "" {
		return fmt.Errorf("serpapi: %s", envelope.Error)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("serpapi: decode response: %w", err)
	}
	return nil
}

// ReadBody reads body up to limit bytes and reports whether it was cut short.
func ReadBody(body io.Reader, limit int64) ([]byte, bool, error) {
	if limit <= 0 {
		limit = defaultMaxResponseSize
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// argString reads a string argument, formatting numbers the way JSON decoding
// produces them.
func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// argInt reads an integer argument.
func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// stubTool is a Tool with a fixed schema and result.
type stubTool struct {
	name   string
	schema map[string]any
	result any
	err    error
}

func (s *stubTool) Name() string           { return s.name }
func (s *stubTool) Description() string    { return "stub " + s.name }
func (s *stubTool) Schema() map[string]any { return s.schema }
func (s *stubTool) Invoke(_ context.Context, _ map[string]any) (any, error) {
	return s.result, s.err
}

func greetSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":  map[string]any{"type": "string"},
			"times": map[string]any{"type": "integer", "minimum": 1, "default": 1},
		},
		"required": []string{"name"},
	}
}

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if defs := r.Definitions(); len(defs) != 0 {
		t.Fatalf("expected no definitions, got %d", len(defs))
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r, _ := NewRegistry(
		&stubTool{name: "zeta", schema: greetSchema()},
		&stubTool{name: "alpha", schema: greetSchema()},
	)

	if _, ok := r.Lookup("alpha"); !ok {
		t.Error("alpha should be registered")
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("missing should not be registered")
	}

	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Errorf("definitions should be sorted by name: %+v", defs)
	}
	if defs[0].Description != "stub alpha" {
		t.Errorf("description = %q", defs[0].Description)
	}
}

func TestRegistry_RegisterRejectsBadTools(t *testing.T) {
	r, _ := NewRegistry()
	if err := r.Register(&stubTool{name: "", schema: greetSchema()}); err == nil {
		t.Error("expected error for empty name")
	}
	bad := map[string]any{"type": 42}
	if err := r.Register(&stubTool{name: "bad", schema: bad}); err == nil {
		t.Error("expected error for invalid schema")
	}
}

func TestRegistry_Prepare(t *testing.T) {
	r, _ := NewRegistry(&stubTool{name: "greet", schema: greetSchema()})

	tests := []struct {
		name      string
		args      map[string]any
		wantErr   bool
		wantTimes any
	}{
		{name: "default applied", args: map[string]any{"name": "Ada"}, wantTimes: 1},
		{name: "explicit kept", args: map[string]any{"name": "Ada", "times": float64(3)}, wantTimes: float64(3)},
		{name: "null treated as missing", args: map[string]any{"name": "Ada", "times": nil}, wantTimes: 1},
		{name: "missing required", args: map[string]any{}, wantErr: true},
		{name: "wrong type", args: map[string]any{"name": 12}, wantErr: true},
		{name: "below minimum", args: map[string]any{"name": "Ada", "times": float64(0)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := r.Prepare("greet", tt.args)
			if tt.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("expected *ValidationError, got %v", err)
				}
				if ve.Tool != "greet" || len(ve.Problems) == 0 {
					t.Errorf("unexpected validation error %+v", ve)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if params["times"] != tt.wantTimes {
				t.Errorf("times = %v (%T), want %v", params["times"], params["times"], tt.wantTimes)
			}
		})
	}

	if _, err := r.Prepare("nope", nil); err == nil {
		t.Error("expected error for unregistered tool")
	}
}

func TestApplyDefaultsDoesNotMutateInput(t *testing.T) {
	args := map[string]any{"name": "Ada"}
	out := ApplyDefaults(greetSchema(), args)
	if _, ok := args["times"]; ok {
		t.Error("input map was mutated")
	}
	if out["times"] != 1 {
		t.Errorf("times = %v", out["times"])
	}
}

func TestErrorPayload(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		params     map[string]any
		wantError  string
		wantParams map[string]any
	}{
		{
			name:       "search error carries params",
			err:        &SearchError{Reason: "error in hotel search", Params: map[string]any{"q": "Tokyo"}, Err: errors.New("timeout")},
			wantError:  "error in hotel search: timeout",
			wantParams: map[string]any{"q": "Tokyo"},
		},
		{
			name:       "validation error carries params",
			err:        &ValidationError{Tool: "t", Problems: []string{"q is required"}, Params: map[string]any{"adults": float64(1)}},
			wantError:  "invalid arguments for t: q is required",
			wantParams: map[string]any{"adults": float64(1)},
		},
		{
			name:       "plain error uses fallback params",
			err:        errors.New("boom"),
			params:     map[string]any{"x": "y"},
			wantError:  "boom",
			wantParams: map[string]any{"x": "y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var payload struct {
				Error  string         `json:"error"`
				Params map[string]any `json:"params"`
			}
			if err := json.Unmarshal([]byte(ErrorPayload(tt.err, tt.params)), &payload); err != nil {
				t.Fatalf("payload is not JSON: %v", err)
			}
			if payload.Error != tt.wantError {
				t.Errorf("error = %q, want %q", payload.Error, tt.wantError)
			}
			for k, v := range tt.wantParams {
				if payload.Params[k] != v {
					t.Errorf("params[%s] = %v, want %v", k, payload.Params[k], v)
				}
			}
		})
	}
}

func TestMarshalResult(t *testing.T) {
	s, err := MarshalResult([]Hotel{{Name: "A"}})
	if err != nil || !strings.HasPrefix(s, `[{"name":"A"`) {
		t.Errorf("MarshalResult = %q, %v", s, err)
	}
	if s, _ := MarshalResult("raw"); s != "raw" {
		t.Errorf("strings should pass through, got %q", s)
	}
}

package expr

import (
	"testing"
)

type record struct {
	Name   string  `expr:"name"`
	Price  float64 `expr:"price"`
	Rating float64 `expr:"rating"`
	Stops  int     `expr:"stops"`
}

func TestCompile_ValidExpression(t *testing.T) {
	compiled, err := Compile("price <= 400 && stops == 0", record{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if compiled.Source != "price <= 400 && stops == 0" {
		t.Errorf("source: got %q", compiled.Source)
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"empty", ""},
		{"bad syntax", "price ++ +"},
		{"unknown field", "seats > 2"},
		{"not boolean", "price + 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compile(tt.source, record{}); err == nil {
				t.Fatalf("expected error for %q", tt.source)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	compiled, err := Compile(`rating >= 4.5 || name contains "Park"`, record{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	tests := []struct {
		rec  record
		want bool
	}{
		{record{Name: "Hotel A", Rating: 4.7}, true},
		{record{Name: "Park Hyatt", Rating: 3.9}, true},
		{record{Name: "Hotel B", Rating: 4.0}, false},
	}
	for _, tt := range tests {
		got, err := compiled.Match(tt.rec)
		if err != nil {
			t.Fatalf("match %+v: %v", tt.rec, err)
		}
		if got != tt.want {
			t.Errorf("match %+v = %v, want %v", tt.rec, got, tt.want)
		}
	}
}

func TestMatch_Nil(t *testing.T) {
	var c *CompiledExpr
	if _, err := c.Match(record{}); err == nil {
		t.Fatal("expected error for nil expression")
	}
}

func TestFilter(t *testing.T) {
	recs := []record{{Price: 100}, {Price: 500}, {Price: 350}}

	all, err := Filter(nil, recs)
	if err != nil || len(all) != 3 {
		t.Fatalf("nil filter should keep everything, got %d, %v", len(all), err)
	}

	c, _ := Compile("price < 400", record{})
	kept, err := Filter(c, recs)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(kept) != 2 || kept[0].Price != 100 || kept[1].Price != 350 {
		t.Errorf("kept = %+v", kept)
	}
}

func TestValidateSyntax(t *testing.T) {
	if err := ValidateSyntax("a > 1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateSyntax("a >"); err == nil {
		t.Error("expected syntax error")
	}
}

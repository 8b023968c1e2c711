package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestEventJSON(t *testing.T) {
	e := New(ToolCompleted, "trip_1", "corr").WithData("tool", "flights_finder").WithData("error", false)
	data, err := e.JSON()
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != "tool.completed" || decoded["session_id"] != "trip_1" {
		t.Errorf("decoded = %v", decoded)
	}
	if d := decoded["data"].(map[string]any); d["tool"] != "flights_finder" {
		t.Errorf("data = %v", d)
	}
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	LogEmitter{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}.Emit(
		New(GateFailed, "trip_2", "").WithData("error", "smtp down"))
	out := buf.String()
	for _, want := range []string{`"level":"WARN"`, `"event":"gate.failed"`, `"session_id":"trip_2"`, `"error":"smtp down"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, "correlation_id") {
		t.Errorf("empty correlation id should be omitted: %s", out)
	}
}

func TestMultiAndCollector(t *testing.T) {
	a, b := &CollectorEmitter{}, &CollectorEmitter{}
	m := Multi{a, NoopEmitter{}, b}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Emit(New(RunStarted, "s", ""))
		}()
	}
	wg.Wait()

	if len(a.Events()) != 10 || len(b.Types()) != 10 {
		t.Errorf("collected %d and %d events", len(a.Events()), len(b.Types()))
	}
}

package session

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szaher/tripagent/internal/llm"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create and get", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		sess := New("")
		sess.Metadata = map[string]string{"channel": "cli"}
		sess.Messages = append(sess.Messages, llm.UserMessage("Flights SFO to Tokyo"))
		if err := store.Save(ctx, sess); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if sess.Version != 1 {
			t.Fatalf("version after create = %d, want 1", sess.Version)
		}

		got, err := store.Get(ctx, sess.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State != StatePlanning || got.Version != 1 || got.Metadata["channel"] != "cli" {
			t.Errorf("unexpected session %+v", got)
		}
		if len(got.Messages) != 1 || got.Messages[0].Content != "Flights SFO to Tokyo" {
			t.Errorf("messages = %+v", got.Messages)
		}
	})

	t.Run("append-only round trip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		sess := New("")
		sess.Messages = []llm.Message{llm.UserMessage("hotels in Tokyo")}
		mustSave(t, store, sess)

		sess.Messages = append(sess.Messages,
			llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "hotels_finder", Input: map[string]any{"q": "Tokyo"}}}},
			llm.ToolMessage(llm.ToolResult{ToolCallID: "c1", ToolName: "hotels_finder", Content: `[{"name":"A"}]`}),
			llm.Message{Role: llm.RoleAssistant, Content: "Here are hotels"},
		)
		sess.State = StateAwaitingGate
		sess.FinalAnswer = "Here are hotels"
		sess.Usage = llm.TokenUsage{InputTokens: 10, OutputTokens: 5}
		mustSave(t, store, sess)

		got, err := store.Get(ctx, sess.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got.Messages) != 4 {
			t.Fatalf("messages = %d, want 4", len(got.Messages))
		}
		for i := range sess.Messages {
			if got.Messages[i].Role != sess.Messages[i].Role || got.Messages[i].Content != sess.Messages[i].Content {
				t.Errorf("message %d = %+v, want %+v", i, got.Messages[i], sess.Messages[i])
			}
		}
		if got.Messages[1].ToolCalls[0].ID != "c1" || got.Messages[2].ToolResult.ToolCallID != "c1" {
			t.Errorf("tool call linkage lost: %+v", got.Messages[1:3])
		}
		if got.State != StateAwaitingGate || got.FinalAnswer != "Here are hotels" || got.Usage.InputTokens != 10 {
			t.Errorf("fields lost: %+v", got)
		}

		got.Messages = got.Messages[:2]
		if err := store.Save(ctx, got); !errors.Is(err, ErrHistoryRewrite) {
			t.Errorf("truncating save: expected ErrHistoryRewrite, got %v", err)
		}
	})

	t.Run("edited history rejected", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		sess := New("")
		sess.Messages = []llm.Message{
			llm.UserMessage("hotels in Tokyo"),
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "hotels_finder", Input: map[string]any{"q": "Tokyo"}}}},
		}
		mustSave(t, store, sess)

		got, err := store.Get(ctx, sess.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		got.Messages[0].Content = "hotels in Osaka"
		got.Messages = append(got.Messages, llm.ToolMessage(llm.ToolResult{ToolCallID: "c1", ToolName: "hotels_finder", Content: "[]"}))
		if err := store.Save(ctx, got); !errors.Is(err, ErrHistoryRewrite) {
			t.Fatalf("same-length edit: expected ErrHistoryRewrite, got %v", err)
		}

		fresh, _ := store.Get(ctx, sess.ID)
		fresh.Messages[1].ToolCalls[0].Input["q"] = "Osaka"
		if err := store.Save(ctx, fresh); !errors.Is(err, ErrHistoryRewrite) {
			t.Fatalf("tool call edit: expected ErrHistoryRewrite, got %v", err)
		}

		clean, _ := store.Get(ctx, sess.ID)
		clean.Messages = append(clean.Messages, llm.ToolMessage(llm.ToolResult{ToolCallID: "c1", ToolName: "hotels_finder", Content: "[]"}))
		if err := store.Save(ctx, clean); err != nil {
			t.Fatalf("append after reload: %v", err)
		}
		if after, _ := store.Get(ctx, sess.ID); after.Messages[0].Content != "hotels in Tokyo" || len(after.Messages) != 3 {
			t.Errorf("stored history = %+v", after.Messages)
		}
	})

	t.Run("version conflict", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		sess := New("")
		mustSave(t, store, sess)

		a, _ := store.Get(ctx, sess.ID)
		b, _ := store.Get(ctx, sess.ID)
		a.State = StateAwaitingGate
		mustSave(t, store, a)

		b.State = StateAbandoned
		if err := store.Save(ctx, b); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("stale save: expected ErrVersionConflict, got %v", err)
		}
		if b.Version != 1 {
			t.Errorf("failed save must not bump version, got %d", b.Version)
		}

		dup := New(sess.ID)
		if err := store.Save(ctx, dup); !errors.Is(err, ErrVersionConflict) {
			t.Errorf("duplicate create: expected ErrVersionConflict, got %v", err)
		}

		ghost := New("")
		ghost.Version = 3
		if err := store.Save(ctx, ghost); !errors.Is(err, ErrVersionConflict) {
			t.Errorf("update of absent session: expected ErrVersionConflict, got %v", err)
		}
	})

	t.Run("get missing and delete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		if _, err := store.Get(ctx, "trip_missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		sess := New("")
		mustSave(t, store, sess)
		if err := store.Delete(ctx, sess.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := store.Get(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("after delete: expected ErrNotFound, got %v", err)
		}
		if err := store.Delete(ctx, sess.ID); err != nil {
			t.Errorf("second delete should succeed, got %v", err)
		}
	})

	t.Run("list filters", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		waiting := New("")
		waiting.Messages = []llm.Message{llm.UserMessage("x")}
		waiting.State = StateAwaitingGate
		mustSave(t, store, waiting)

		planning := New("")
		mustSave(t, store, planning)

		list, err := store.List(ctx, ListOptions{State: StateAwaitingGate})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if !containsID(list, waiting.ID) || containsID(list, planning.ID) {
			t.Errorf("state filter wrong: %v", ids(list))
		}
		for _, s := range list {
			if len(s.Messages) != 0 {
				t.Errorf("List should not load messages, got %d for %s", len(s.Messages), s.ID)
			}
		}

		past, err := store.List(ctx, ListOptions{UpdatedBefore: time.Now().Add(-time.Hour)})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if containsID(past, waiting.ID) || containsID(past, planning.ID) {
			t.Errorf("fresh sessions should not be idle: %v", ids(past))
		}

		limited, err := store.List(ctx, ListOptions{Limit: 1})
		if err != nil || len(limited) != 1 {
			t.Errorf("limit: got %d, %v", len(limited), err)
		}
	})
}

func mustSave(t *testing.T, store Store, sess *Session) {
	t.Helper()
	if err := store.Save(context.Background(), sess); err != nil {
		t.Fatalf("Save %s: %v", sess.ID, err)
	}
}

func containsID(list []*Session, id string) bool {
	for _, s := range list {
		if s.ID == id {
			return true
		}
	}
	return false
}

func ids(list []*Session) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TRIPAGENT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TRIPAGENT_TEST_POSTGRES_DSN not set")
	}
	store, err := OpenPostgres(context.Background(), dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(store.Close)
	runStoreSuite(t, func(t *testing.T) Store { return store })
}

func TestEtcdStore(t *testing.T) {
	endpoints := os.Getenv("TRIPAGENT_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("TRIPAGENT_TEST_ETCD_ENDPOINTS not set")
	}
	store, err := OpenEtcd(strings.Split(endpoints, ","), 5*time.Second, WithKeyPrefix("/tripagent-test/"+NewID()))
	if err != nil {
		t.Fatalf("OpenEtcd: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	runStoreSuite(t, func(t *testing.T) Store { return store })
}

func TestMemoryStoreIsolatesCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := New("trip_copy")
	sess.Messages = []llm.Message{{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "1", Input: map[string]any{"q": "a"}}}}}
	mustSave(t, store, sess)

	sess.Messages[0].ToolCalls[0].Input["q"] = "mutated"
	got, _ := store.Get(ctx, "trip_copy")
	if got.Messages[0].ToolCalls[0].Input["q"] != "a" {
		t.Error("stored session shares memory with caller")
	}
}

func TestMemoryStoreConcurrentSaves(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	sess := New("")
	mustSave(t, store, sess)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, _ := store.Get(ctx, sess.ID)
			s.State = StateAwaitingGate
			if err := store.Save(ctx, s); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, _ := store.Get(ctx, sess.ID)
	if int(got.Version) != 1+successes {
		t.Errorf("version %d does not match %d successful saves", got.Version, successes)
	}
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if !strings.HasPrefix(id, IDPrefix) || len(id) != len(IDPrefix)+26 {
			t.Fatalf("malformed id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestStateHelpers(t *testing.T) {
	for _, s := range States {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if State("lost").Valid() {
		t.Error("unknown state should be invalid")
	}
	if !StateDone.Terminal() || !StateAbandoned.Terminal() || StateAwaitingGate.Terminal() {
		t.Error("terminal states wrong")
	}
}

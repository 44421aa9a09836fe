package pull

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/bridgekeeper/internal/chatclient"
	"github.com/nugget/bridgekeeper/internal/responsestore"
)

// fakeBotServer serves one batch of getUpdates results, then empty
// results on every subsequent call.
func fakeBotServer(t *testing.T, results []map[string]any) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			json.NewEncoder(w).Encode(map[string]any{"result": results})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": []map[string]any{}})
	}))
	return srv, &calls
}

func newTestStore(t *testing.T) *responsestore.Store {
	t.Helper()
	s, err := responsestore.New(responsestore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("responsestore.New: %v", err)
	}
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestTickPersistsAllowedCallbackUpdate(t *testing.T) {
	srv, _ := fakeBotServer(t, []map[string]any{
		{
			"update_id": 1,
			"callback_query": map[string]any{
				"data": "approve:task-1",
				"from": map[string]any{"id": 99, "username": "alice"},
				"message": map[string]any{
					"chat": map[string]any{"id": 5},
				},
			},
		},
	})
	defer srv.Close()

	chat, err := chatclient.New(chatclient.Config{BaseURL: srv.URL, Token: "t"})
	if err != nil {
		t.Fatalf("chatclient.New: %v", err)
	}
	store := newTestStore(t)

	p, err := New(Config{
		Chat:    chat,
		Store:   store,
		Allowed: func(userID int64) bool { return userID == 99 },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.tick(context.Background())

	if store.Count() != 1 {
		t.Fatalf("expected 1 persisted response, got %d", store.Count())
	}
	responses, err := store.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(responses) != 1 || responses[0].ActionCode != "approve" || responses[0].EventID != "task-1" {
		t.Fatalf("unexpected response record: %+v", responses)
	}
}

func TestTickDropsDisallowedUser(t *testing.T) {
	srv, _ := fakeBotServer(t, []map[string]any{
		{
			"update_id": 1,
			"callback_query": map[string]any{
				"data": "approve:task-1",
				"from": map[string]any{"id": 7},
				"message": map[string]any{
					"chat": map[string]any{"id": 5},
				},
			},
		},
	})
	defer srv.Close()

	chat, err := chatclient.New(chatclient.Config{BaseURL: srv.URL, Token: "t"})
	if err != nil {
		t.Fatalf("chatclient.New: %v", err)
	}
	store := newTestStore(t)

	p, err := New(Config{
		Chat:    chat,
		Store:   store,
		Allowed: func(userID int64) bool { return false },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.tick(context.Background())

	if store.Count() != 0 {
		t.Fatalf("expected disallowed user's update to be dropped, got %d records", store.Count())
	}
}

func TestTickIgnoresPlainTextMessages(t *testing.T) {
	srv, _ := fakeBotServer(t, []map[string]any{
		{
			"update_id": 1,
			"message": map[string]any{
				"text": "hello",
				"chat": map[string]any{"id": 5},
				"from": map[string]any{"id": 99},
			},
		},
	})
	defer srv.Close()

	chat, err := chatclient.New(chatclient.Config{BaseURL: srv.URL, Token: "t"})
	if err != nil {
		t.Fatalf("chatclient.New: %v", err)
	}
	store := newTestStore(t)

	p, err := New(Config{
		Chat:    chat,
		Store:   store,
		Allowed: func(userID int64) bool { return true },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.tick(context.Background())

	if store.Count() != 0 {
		t.Fatalf("expected plain message to not be persisted, got %d records", store.Count())
	}
}

func TestOffsetPersistsAcrossRestarts(t *testing.T) {
	srv, calls := fakeBotServer(t, []map[string]any{
		{
			"update_id": 41,
			"callback_query": map[string]any{
				"data": "ack:task-9",
				"from": map[string]any{"id": 1},
				"message": map[string]any{
					"chat": map[string]any{"id": 5},
				},
			},
		},
	})
	defer srv.Close()

	chat, err := chatclient.New(chatclient.Config{BaseURL: srv.URL, Token: "t"})
	if err != nil {
		t.Fatalf("chatclient.New: %v", err)
	}
	store := newTestStore(t)
	offsetPath := filepath.Join(t.TempDir(), "offset")

	p, err := New(Config{
		Chat:       chat,
		Store:      store,
		Allowed:    func(int64) bool { return true },
		OffsetPath: offsetPath,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.tick(context.Background())
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(calls) >= 1 })

	reopened, err := New(Config{
		Chat:       chat,
		Store:      store,
		Allowed:    func(int64) bool { return true },
		OffsetPath: offsetPath,
	})
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	if reopened.offset != 42 {
		t.Fatalf("expected persisted offset 42, got %d", reopened.offset)
	}
}

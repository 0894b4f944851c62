package intermediary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeBackend 模拟协调后端：可控的状态表与可开关的故障注入。
type fakeBackend struct {
	mu     sync.Mutex
	states map[string]*State
	down   bool
	srv    *httptest.Server
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{states: make(map[string]*State)}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		http.Error(w, "backend down", http.StatusInternalServerError)
		return
	}
	key := r.URL.Path
	switch r.Method {
	case http.MethodGet:
		state, ok := b.states[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(state)
	case http.MethodPost:
		var state State
		if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.states[key] = &state
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(b.states, key)
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (b *fakeBackend) setDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

func newTestStore(t *testing.T, backendURL string, ttl time.Duration) *Store {
	t.Helper()
	var backend *BackendClient
	if backendURL != "" {
		var err error
		backend, err = NewBackendClient(BackendConfig{BaseURL: backendURL})
		if err != nil {
			t.Fatalf("new backend client: %v", err)
		}
	}
	return NewStore("trump", backend, ttl)
}

func TestCheckMatchesTargetSender(t *testing.T) {
	backend := newFakeBackend()
	defer backend.srv.Close()
	store := newTestStore(t, backend.srv.URL, time.Minute)
	ctx := context.Background()

	store.Set(ctx, "thread-1", "cz", "等待对方答复")

	result := store.Check(ctx, "thread-1", "cz")
	if !result.Matched() {
		t.Fatalf("expected match for target sender")
	}
	if result.Degraded {
		t.Fatalf("backend reachable, result must be authoritative")
	}

	// 其他发送者不命中。
	if store.Check(ctx, "thread-1", "melania").Matched() {
		t.Fatalf("unexpected match for non-target sender")
	}
}

func TestCheckBackendWinsOverCache(t *testing.T) {
	backend := newFakeBackend()
	defer backend.srv.Close()
	store := newTestStore(t, backend.srv.URL, time.Minute)
	ctx := context.Background()

	store.Set(ctx, "thread-1", "cz", "等待对方答复")

	// 后端权威地删除了状态：缓存必须被覆盖，结论为"无状态"。
	backend.mu.Lock()
	backend.states = make(map[string]*State)
	backend.mu.Unlock()

	result := store.Check(ctx, "thread-1", "cz")
	if result.Matched() {
		t.Fatalf("backend absence must override stale cache")
	}
	if result.Degraded {
		t.Fatalf("404 is an authoritative answer, not degradation")
	}

	// 后端结论已回写缓存，即使后端随后不可达也不会复活。
	backend.setDown(true)
	result = store.Check(ctx, "thread-1", "cz")
	if result.Matched() {
		t.Fatalf("reconciled cache must not resurrect the state")
	}
	if !result.Degraded {
		t.Fatalf("unreachable backend must mark the result degraded")
	}
}

func TestCheckFallsBackToCacheWhenBackendDown(t *testing.T) {
	backend := newFakeBackend()
	defer backend.srv.Close()
	store := newTestStore(t, backend.srv.URL, time.Minute)
	ctx := context.Background()

	store.Set(ctx, "thread-1", "cz", "等待对方答复")
	backend.setDown(true)

	result := store.Check(ctx, "thread-1", "cz")
	if !result.Matched() {
		t.Fatalf("expected cache fallback to match")
	}
	if !result.Degraded {
		t.Fatalf("cache fallback must be marked degraded")
	}
}

func TestExpiredStateNeverMatches(t *testing.T) {
	store := newTestStore(t, "", 10*time.Millisecond)
	ctx := context.Background()

	store.Set(ctx, "thread-1", "cz", "等待对方答复")
	time.Sleep(20 * time.Millisecond)

	if store.Check(ctx, "thread-1", "cz").Matched() {
		t.Fatalf("expired state must not match")
	}

	// 过期状态被主动清理，不会残留。
	store.mu.Lock()
	_, ok := store.cache[store.cacheKey("thread-1")]
	store.mu.Unlock()
	if ok {
		t.Fatalf("expired state must be removed from cache")
	}
}

func TestClearRemovesStateEverywhere(t *testing.T) {
	backend := newFakeBackend()
	defer backend.srv.Close()
	store := newTestStore(t, backend.srv.URL, time.Minute)
	ctx := context.Background()

	store.Set(ctx, "thread-1", "cz", "等待对方答复")
	store.Clear(ctx, "thread-1")

	if store.Check(ctx, "thread-1", "cz").Matched() {
		t.Fatalf("cleared state must not match")
	}
	backend.mu.Lock()
	remaining := len(backend.states)
	backend.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("backend state must be deleted, %d left", remaining)
	}
}

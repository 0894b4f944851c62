package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestWaitForMentionsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mentions/wait" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": "success",
			"messages": []map[string]any{
				{
					"message_id": "m1",
					"thread_id":  "thread-1",
					"sender_id":  "sbf",
					"content":    "hello",
				},
			},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result, err := client.WaitForMentions(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.TimedOut {
		t.Fatalf("unexpected timeout")
	}
	if len(result.Mentions) != 1 || result.Mentions[0].MessageID != "m1" {
		t.Fatalf("unexpected mentions: %+v", result.Mentions)
	}
}

func TestWaitForMentionsTimeoutIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "error_timeout"})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result, err := client.WaitForMentions(context.Background())
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if !result.TimedOut {
		t.Fatalf("expected timed-out result")
	}
}

func TestWaitForMentionsUnknownResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "error_weird"})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.WaitForMentions(context.Background())
	if xerrors.CodeOf(err) != CodeRelayWait {
		t.Fatalf("expected wait failure, got %v", err)
	}
}

func TestSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode send request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if err := client.Send(context.Background(), "thread-1", "hello", []string{"cz"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got["thread_id"] != "thread-1" || got["content"] != "hello" {
		t.Fatalf("unexpected payload: %v", got)
	}

	if err := client.Send(context.Background(), "", "hello", nil); err == nil {
		t.Fatalf("expected error for empty thread id")
	}
}

func TestSendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "relay exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.Send(context.Background(), "thread-1", "hello", nil)
	if xerrors.CodeOf(err) != CodeRelaySend {
		t.Fatalf("expected send failure, got %v", err)
	}
}

func TestAddParticipant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/thread-1/participants" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode participant request: %v", err)
		}
		if req["participant_id"] != "cz" {
			t.Errorf("unexpected participant: %s", req["participant_id"])
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if err := client.AddParticipant(context.Background(), "thread-1", "cz"); err != nil {
		t.Fatalf("add participant: %v", err)
	}
}

func TestThreadHistoryFormatting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "10" {
			t.Errorf("unexpected limit: %s", r.URL.Query().Get("limit"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{
				{"sender_id": "sbf", "content": "hello"},
				{"sender_id": "trump", "content": "what do you want"},
			},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	history := client.ThreadHistory(context.Background(), "thread-1", 10)
	want := "sbf: hello\ntrump: what do you want"
	if history != want {
		t.Fatalf("unexpected history: %q", history)
	}
}

func TestThreadHistoryFailureReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if history := client.ThreadHistory(context.Background(), "thread-1", 10); history != "" {
		t.Fatalf("history failures must yield empty context, got %q", history)
	}
}

package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestReportPostsEvent(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/scoring/update" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decode event: %v", err)
			return
		}
		received <- event
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	// 调用方的 ctx 立即取消也不应阻止上报。
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client.Report(ctx, Event{
		AgentID:     "trump",
		WalletAddr:  "wallet-1",
		ServiceType: "insider_info",
		Amount:      0.0005,
		Signature:   "sig-1",
	})

	select {
	case event := <-received:
		if event.WalletAddr != "wallet-1" || event.Amount != 0.0005 {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scoring report never arrived")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient("  ", 0); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}

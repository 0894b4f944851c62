package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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

func TestVerifyTransactionVerified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify-transaction" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["transaction"] != "sig-1" {
			t.Errorf("unexpected signature: %v", req["transaction"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(VerifyResult{Verified: true})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result, err := client.VerifyTransaction(context.Background(), "sig-1", "from", "to", 0.0005, "SOL")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Verified {
		t.Fatalf("expected verified result")
	}
}

func TestVerifyTransactionNotYetFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.VerifyTransaction(context.Background(), "sig-1", "from", "to", 0.0005, "SOL")
	if xerrors.CodeOf(err) != CodeNotYetFound {
		t.Fatalf("expected not-yet-found, got %v", err)
	}
	// 尚未见到交易是可重试的暂时状态。
	if !xerrors.RetryableError(err) {
		t.Fatalf("not-yet-found must be retryable")
	}
}

func TestVerifyTransactionBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.VerifyTransaction(context.Background(), "sig-1", "from", "to", 0.0005, "SOL")
	if xerrors.CodeOf(err) != CodeBackendError {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestVerifyTransactionMismatchIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(VerifyResult{
			Verified: false,
			Reason:   "amount mismatch",
			Details:  map[string]string{"expected": "0.0005", "actual": "0.0001"},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result, err := client.VerifyTransaction(context.Background(), "sig-1", "from", "to", 0.0005, "SOL")
	if err != nil {
		t.Fatalf("mismatch must not be a transport error: %v", err)
	}
	if result.Verified {
		t.Fatalf("expected unverified result")
	}
	if result.Reason != "amount mismatch" {
		t.Fatalf("unexpected reason: %s", result.Reason)
	}
}

func TestSubmitDirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/x402/submit-solana" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":     true,
			"transaction": "sig-direct",
			"network":     "devnet",
			"payer":       "payer-addr",
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result, err := client.SubmitDirect(context.Background(), Payload{
		From: "a", To: "b", Amount: 0.0005, Currency: "SOL",
	})
	if err != nil {
		t.Fatalf("submit direct: %v", err)
	}
	if result.Signature != "sig-direct" || result.Network != "devnet" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSubmitDirectRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   "insufficient funds",
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.SubmitDirect(context.Background(), Payload{From: "a", To: "b", Amount: 1})
	if xerrors.CodeOf(err) != CodeRejected {
		t.Fatalf("expected rejection, got %v", err)
	}
	// 拒绝是终局结论，不可重试。
	if xerrors.RetryableError(err) {
		t.Fatalf("rejection must not be retryable")
	}
}

type fakeSigner struct {
	signed string
}

func (f *fakeSigner) Sign(_ context.Context, unsignedTx string) (string, error) {
	f.signed = unsignedTx
	return "signed:" + unsignedTx, nil
}

func TestSubmitWithLocalSignTwoLegs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success":                 true,
				"requiresClientSignature": true,
				"unsignedTransaction":     "unsigned-tx",
				"submissionId":            "sub-1",
			})
		case http.MethodPut:
			var req map[string]string
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode final leg: %v", err)
			}
			if req["submissionId"] != "sub-1" {
				t.Errorf("unexpected submission id: %s", req["submissionId"])
			}
			if req["signedTransaction"] != "signed:unsigned-tx" {
				t.Errorf("unexpected signed tx: %s", req["signedTransaction"])
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success":     true,
				"transaction": "sig-final",
				"network":     "devnet",
			})
		default:
			t.Errorf("unexpected method: %s", r.Method)
		}
	}))
	defer srv.Close()

	signer := &fakeSigner{}
	client := newTestClient(t, srv.URL)
	result, err := client.SubmitWithLocalSign(context.Background(), Payload{
		From: "a", To: "b", Amount: 0.0005, Currency: "SOL",
	}, signer)
	if err != nil {
		t.Fatalf("two-leg submit: %v", err)
	}
	if result.Signature != "sig-final" {
		t.Fatalf("unexpected signature: %s", result.Signature)
	}
	if signer.signed != "unsigned-tx" {
		t.Fatalf("signer saw wrong transaction: %s", signer.signed)
	}
}

func TestSubmitTimeoutDistinctFromRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, SubmitTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.SubmitDirect(context.Background(), Payload{From: "a", To: "b", Amount: 1})
	if xerrors.CodeOf(err) != CodeSubmitTimeout {
		t.Fatalf("expected timeout code, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("timeout must be retryable")
	}
}

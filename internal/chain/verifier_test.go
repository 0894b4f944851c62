package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
	"github.com/elevenyellow/pardon-simulator/internal/payment"
)

const (
	testSig       = "2Ana1pUpv2ZbMVkwF5FXapYeBEjdxDatLn7nvJkhgTSXbs59SyZSx866bXirPgj8QQVB57uxHJBG1YFvkRbFj4T"
	testSender    = "payer-address"
	testRecipient = "payee-address"
)

// rpcTransaction 构造一个 getTransaction 的 result 载荷。
func rpcTransaction(preRecipient, postRecipient int64) map[string]any {
	return map[string]any{
		"meta": map[string]any{
			"err":          nil,
			"preBalances":  []int64{10_000_000_000, preRecipient},
			"postBalances": []int64{9_999_000_000, postRecipient},
		},
		"transaction": map[string]any{
			"message": map[string]any{
				"accountKeys": []string{testSender, testRecipient},
			},
		},
	}
}

func newRPCServer(t *testing.T, handler func(calls int) any) *httptest.Server {
	t.Helper()
	calls := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req struct {
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		if req.Method != "getTransaction" {
			t.Errorf("unexpected method: %s", req.Method)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, mustJSON(handler(calls)))
	}))
}

func mustJSON(value any) string {
	if value == nil {
		return "null"
	}
	payload, _ := json.Marshal(value)
	return string(payload)
}

func newTestVerifier(t *testing.T, endpoint string, payments *payment.Service) *Verifier {
	t.Helper()
	rpc, err := NewClient(ClientConfig{Endpoint: endpoint})
	if err != nil {
		t.Fatalf("new rpc client: %v", err)
	}
	return NewVerifier(rpc, payments,
		WithAttempts(3),
		WithRetryDelay(time.Millisecond),
	)
}

func TestVerifySuccess(t *testing.T) {
	// 收款方余额增加 0.0005 个单位。
	srv := newRPCServer(t, func(int) any {
		return rpcTransaction(1_000_000_000, 1_000_500_000)
	})
	defer srv.Close()

	verifier := newTestVerifier(t, srv.URL, nil)
	verified, err := verifier.Verify(context.Background(), testSig, testRecipient, 0.0005)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Amount != 0.0005 {
		t.Fatalf("unexpected amount: %f", verified.Amount)
	}
	if verified.FromAddress != testSender {
		t.Fatalf("unexpected sender: %s", verified.FromAddress)
	}
	if verified.ToAddress != testRecipient {
		t.Fatalf("unexpected recipient: %s", verified.ToAddress)
	}
}

func TestVerifyInvalidSignatureFormat(t *testing.T) {
	verifier := newTestVerifier(t, "http://127.0.0.1:0", nil)

	_, err := verifier.Verify(context.Background(), "too-short", testRecipient, 0.0005)
	if xerrors.CodeOf(err) != payment.CodeVerifyFormat {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestVerifyNotFoundAfterRetries(t *testing.T) {
	attempts := 0
	srv := newRPCServer(t, func(calls int) any {
		attempts = calls
		return nil
	})
	defer srv.Close()

	verifier := newTestVerifier(t, srv.URL, nil)
	_, err := verifier.Verify(context.Background(), testSig, testRecipient, 0.0005)
	if xerrors.CodeOf(err) != payment.CodeVerifyNotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestVerifyOnChainFailureIsTerminal(t *testing.T) {
	attempts := 0
	srv := newRPCServer(t, func(calls int) any {
		attempts = calls
		tx := rpcTransaction(1_000_000_000, 1_000_500_000)
		tx["meta"].(map[string]any)["err"] = map[string]any{"InstructionError": []any{0, "Custom"}}
		return tx
	})
	defer srv.Close()

	verifier := newTestVerifier(t, srv.URL, nil)
	_, err := verifier.Verify(context.Background(), testSig, testRecipient, 0.0005)
	if xerrors.CodeOf(err) != payment.CodeVerifyOnChainFail {
		t.Fatalf("expected on-chain failure, got %v", err)
	}
	// 链上明确失败不消耗重试预算。
	if attempts != 1 {
		t.Fatalf("expected single attempt, got %d", attempts)
	}
}

func TestVerifyRecipientMismatch(t *testing.T) {
	// 交易存在且成功，但账户列表里没有期望的收款地址。这不是
	// 查不到交易，不能给调用方重查的暗示。
	srv := newRPCServer(t, func(int) any {
		return rpcTransaction(1_000_000_000, 1_000_500_000)
	})
	defer srv.Close()

	verifier := newTestVerifier(t, srv.URL, nil)
	_, err := verifier.Verify(context.Background(), testSig, "another-recipient", 0.0005)
	if xerrors.CodeOf(err) != payment.CodeVerifyRecipient {
		t.Fatalf("expected recipient mismatch, got %v", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("recipient mismatch is terminal, got retryable error: %v", err)
	}
	e, ok := xerrors.From(err)
	if !ok {
		t.Fatalf("expected structured error, got %v", err)
	}
	if !strings.Contains(e.Message(), "another-recipient") {
		t.Fatalf("message must name the expected recipient: %q", e.Message())
	}
}

func TestVerifyWrongRole(t *testing.T) {
	// 期望的收款地址余额不升反降，说明它是付款方。
	srv := newRPCServer(t, func(int) any {
		return rpcTransaction(1_000_500_000, 1_000_000_000)
	})
	defer srv.Close()

	verifier := newTestVerifier(t, srv.URL, nil)
	_, err := verifier.Verify(context.Background(), testSig, testRecipient, 0.0005)
	if xerrors.CodeOf(err) != payment.CodeVerifyWrongRole {
		t.Fatalf("expected wrong-role error, got %v", err)
	}
}

func TestVerifyAmountMismatch(t *testing.T) {
	srv := newRPCServer(t, func(int) any {
		return rpcTransaction(1_000_000_000, 1_000_100_000)
	})
	defer srv.Close()

	verifier := newTestVerifier(t, srv.URL, nil)
	_, err := verifier.Verify(context.Background(), testSig, testRecipient, 0.0005)
	if xerrors.CodeOf(err) != payment.CodeVerifyAmount {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
}

func TestVerifyAndRecordIdempotent(t *testing.T) {
	rpcCalls := 0
	srv := newRPCServer(t, func(calls int) any {
		rpcCalls = calls
		return rpcTransaction(1_000_000_000, 1_000_500_000)
	})
	defer srv.Close()

	ledger := payment.NewMemoryLedger()
	catalog, err := payment.LoadCatalog("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	payments := payment.NewService(ledger, catalog, nil, 0)
	verifier := newTestVerifier(t, srv.URL, payments)

	ctx := context.Background()
	record, already, err := verifier.VerifyAndRecord(ctx, testSig, testRecipient, 0.0005, "insider_info", "")
	if err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if already {
		t.Fatalf("first verification should not be marked as recorded")
	}
	if record.Signature != testSig {
		t.Fatalf("unexpected signature: %s", record.Signature)
	}
	firstCalls := rpcCalls

	// 第二次核实同一签名是台账层面的空操作，不再访问链。
	again, already, err := verifier.VerifyAndRecord(ctx, testSig, testRecipient, 0.0005, "insider_info", "")
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if !already {
		t.Fatalf("expected alreadyRecorded on duplicate verification")
	}
	if again.Signature != record.Signature {
		t.Fatalf("expected same record back")
	}
	if rpcCalls != firstCalls {
		t.Fatalf("duplicate verification must not query the chain")
	}
}

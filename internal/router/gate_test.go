package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/elevenyellow/pardon-simulator/internal/chain"
	"github.com/elevenyellow/pardon-simulator/internal/facilitator"
	"github.com/elevenyellow/pardon-simulator/internal/marker"
	"github.com/elevenyellow/pardon-simulator/internal/payment"
)

// newGateRPCServer 返回一个固定应答 getTransaction 的 RPC 节点，
// 交易表现为 sender 向 recipient 支付 amount。
func newGateRPCServer(t *testing.T, sender, recipient string, amount float64) *httptest.Server {
	t.Helper()
	lamports := int64(amount * chain.LamportsPerUnit)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		result := map[string]any{
			"meta": map[string]any{
				"err":          nil,
				"preBalances":  []int64{10_000_000_000, 1_000_000_000},
				"postBalances": []int64{10_000_000_000 - lamports - 5000, 1_000_000_000 + lamports},
			},
			"transaction": map[string]any{
				"message": map[string]any{
					"accountKeys": []string{sender, recipient},
				},
			},
		}
		payload, _ := json.Marshal(result)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, payload)
	}))
}

func newTestGate(t *testing.T, endpoint string, opts ...GateOption) (*ChainGate, *payment.Service) {
	t.Helper()
	ledger := payment.NewMemoryLedger()
	catalog, err := payment.LoadCatalog("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	directory := payment.NewDirectory(map[string]string{"trump": "trump-addr"}, "treasury-addr")
	payments := payment.NewService(ledger, catalog, directory, 0)

	rpc, err := chain.NewClient(chain.ClientConfig{Endpoint: endpoint})
	if err != nil {
		t.Fatalf("new rpc client: %v", err)
	}
	verifier := chain.NewVerifier(rpc, payments,
		chain.WithAttempts(1),
		chain.WithRetryDelay(time.Millisecond),
	)
	return NewChainGate("trump", verifier, payments, directory, opts...), payments
}

func TestChainGateVerifiesAgainstOwnWallet(t *testing.T) {
	srv := newGateRPCServer(t, "payer-address", "trump-addr", 0.0005)
	defer srv.Close()
	gate, _ := newTestGate(t, srv.URL)

	completion := marker.Completion{
		Signature:   testSig,
		ServiceType: "insider_info",
		Amount:      0.0005,
	}
	verdict := gate.VerifyCompletion(context.Background(), "payer-address", completion)
	if !verdict.Verified || verdict.AlreadyRecorded {
		t.Fatalf("expected fresh verification, got %+v", verdict)
	}
	if verdict.ServiceType != "insider_info" || verdict.Amount != 0.0005 {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}

	// 同一签名再次核实是台账幂等命中。
	verdict = gate.VerifyCompletion(context.Background(), "payer-address", completion)
	if !verdict.Verified || !verdict.AlreadyRecorded {
		t.Fatalf("expected already-recorded verdict, got %+v", verdict)
	}
}

func TestChainGateReconcilesAgainstImportedRequest(t *testing.T) {
	// 台账里的请求金额 0.002 覆盖标记声称的 0.0005。
	srv := newGateRPCServer(t, "payer-address", "trump-addr", 0.002)
	defer srv.Close()
	gate, payments := newTestGate(t, srv.URL)
	ctx := context.Background()

	if err := payments.ImportRequest(ctx, "pay-1", "sbf", "trump", 0.002); err != nil {
		t.Fatalf("import request: %v", err)
	}

	verdict := gate.VerifyCompletion(ctx, "payer-address", marker.Completion{
		Signature:   testSig,
		ServiceType: "insider_info",
		Amount:      0.0005,
		PaymentID:   "pay-1",
	})
	if !verdict.Verified {
		t.Fatalf("expected verification against imported request, got %+v", verdict)
	}
	if verdict.Amount != 0.002 {
		t.Fatalf("ledger amount must win over marker amount: %+v", verdict)
	}
	// 导入的请求没有服务类型，保留标记自带的值。
	if verdict.ServiceType != "insider_info" {
		t.Fatalf("unexpected service type: %+v", verdict)
	}
}

func TestChainGateIgnoresExpiredRequest(t *testing.T) {
	// 链上交易按标记金额 0.0005 支付；台账里同 payment_id 的请求
	// 已过期且金额不同，不能再左右核实参数。
	srv := newGateRPCServer(t, "payer-address", "trump-addr", 0.0005)
	defer srv.Close()
	gate, payments := newTestGate(t, srv.URL)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).Unix()
	if err := payments.Ledger().CreateRequest(ctx, &payment.Request{
		PaymentID: "pay-stale",
		FromActor: "sbf",
		ToActor:   "trump",
		Amount:    0.002,
		Recipient: "trump-addr",
		Status:    payment.RequestPending,
		CreatedAt: past - 600,
		ExpiresAt: past,
	}); err != nil {
		t.Fatalf("seed stale request: %v", err)
	}

	verdict := gate.VerifyCompletion(ctx, "payer-address", marker.Completion{
		Signature:   testSig,
		ServiceType: "insider_info",
		Amount:      0.0005,
		PaymentID:   "pay-stale",
	})
	if !verdict.Verified {
		t.Fatalf("expired request must not override marker parameters: %+v", verdict)
	}
	if verdict.Amount != 0.0005 {
		t.Fatalf("expected marker amount to win, got %+v", verdict)
	}
}

func TestChainGateRecipientMismatchSkipsFacilitator(t *testing.T) {
	// 交易存在但付给了别的地址，这是终态错配，不该再找结算服务
	// 二次核实。
	srv := newGateRPCServer(t, "payer-address", "other-addr", 0.0005)
	defer srv.Close()

	settlerCalls := 0
	settlerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		settlerCalls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"verified":true}`)
	}))
	defer settlerSrv.Close()
	settler, err := facilitator.NewClient(facilitator.Config{BaseURL: settlerSrv.URL})
	if err != nil {
		t.Fatalf("new facilitator client: %v", err)
	}

	gate, _ := newTestGate(t, srv.URL, WithFacilitator(settler))

	verdict := gate.VerifyCompletion(context.Background(), "payer-address", marker.Completion{
		Signature:   testSig,
		ServiceType: "insider_info",
		Amount:      0.0005,
	})
	if verdict.Verified {
		t.Fatalf("expected rejection, got %+v", verdict)
	}
	if !strings.Contains(verdict.Detail, "收款方") {
		t.Fatalf("detail must name the recipient mismatch: %q", verdict.Detail)
	}
	if settlerCalls != 0 {
		t.Fatalf("recipient mismatch must not consult the facilitator, got %d calls", settlerCalls)
	}
}

func TestChainGateRejectionDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":null}`)
	}))
	defer srv.Close()
	gate, _ := newTestGate(t, srv.URL)

	verdict := gate.VerifyCompletion(context.Background(), "payer-address", marker.Completion{
		Signature:   testSig,
		ServiceType: "insider_info",
		Amount:      0.0005,
	})
	if verdict.Verified {
		t.Fatalf("expected rejection, got %+v", verdict)
	}
	if !strings.Contains(verdict.Detail, "查不到") {
		t.Fatalf("detail must explain the failure: %q", verdict.Detail)
	}
}

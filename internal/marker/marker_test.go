package marker

import (
	"strings"
	"testing"
)

const (
	testWallet = "6pF45ayWyPSFKV3WQLpNNhhkA8GMeeE6eE14NKgw4zug"
	testSig    = "2Ana1pUpv2ZbMVkwF5FXapYeBEjdxDatLn7nvJkhgTSXbs59SyZSx866bXirPgj8QQVB57uxHJBG1YFvkRbFj4T"
)

func TestExtractWallet(t *testing.T) {
	text := "Ask cz about the deal [USER_WALLET:" + testWallet + "]"

	wallet, ok := ExtractWallet(text)
	if !ok {
		t.Fatalf("expected wallet marker to match")
	}
	if wallet.Address != testWallet {
		t.Fatalf("unexpected address: %s", wallet.Address)
	}

	stripped := Strip(text)
	if stripped != "Ask cz about the deal" {
		t.Fatalf("unexpected stripped content: %q", stripped)
	}
}

func TestExtractWalletRejectsInvalidBase58(t *testing.T) {
	// 0 与 O 不在 base58 字母表里，正则直接不匹配。
	if _, ok := ExtractWallet("[USER_WALLET:0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl]"); ok {
		t.Fatalf("expected invalid address to be rejected")
	}
	if _, ok := ExtractWallet("no marker here"); ok {
		t.Fatalf("expected miss on plain text")
	}
}

func TestExtractCompletionEnhanced(t *testing.T) {
	text := "paid! [PREMIUM_SERVICE_PAYMENT_COMPLETED: " + testSig + "|insider_info|0.0005|pay-123]"

	completion, ok := ExtractCompletion(text)
	if !ok {
		t.Fatalf("expected completion marker to match")
	}
	if completion.Signature != testSig {
		t.Fatalf("unexpected signature: %s", completion.Signature)
	}
	if completion.ServiceType != "insider_info" {
		t.Fatalf("unexpected service type: %s", completion.ServiceType)
	}
	if completion.Amount != 0.0005 {
		t.Fatalf("unexpected amount: %f", completion.Amount)
	}
	if completion.PaymentID != "pay-123" {
		t.Fatalf("unexpected payment id: %s", completion.PaymentID)
	}
	if completion.Legacy {
		t.Fatalf("enhanced marker should not be legacy")
	}
}

func TestExtractCompletionWithoutPaymentID(t *testing.T) {
	text := "[PREMIUM_SERVICE_PAYMENT_COMPLETED: " + testSig + "|pardon_intro|0.002]"

	completion, ok := ExtractCompletion(text)
	if !ok {
		t.Fatalf("expected completion marker to match")
	}
	if completion.PaymentID != "" {
		t.Fatalf("expected empty payment id, got %s", completion.PaymentID)
	}
	if completion.ServiceType != "pardon_intro" || completion.Amount != 0.002 {
		t.Fatalf("unexpected fields: %+v", completion)
	}
}

func TestExtractCompletionLegacy(t *testing.T) {
	text := "[PREMIUM_SERVICE_PAYMENT_COMPLETED: " + testSig + "]"

	completion, ok := ExtractCompletion(text)
	if !ok {
		t.Fatalf("expected legacy marker to match")
	}
	if !completion.Legacy {
		t.Fatalf("expected legacy flag")
	}
	if completion.ServiceType != LegacyServiceType {
		t.Fatalf("unexpected service type: %s", completion.ServiceType)
	}
	if completion.Amount != LegacyAmount {
		t.Fatalf("unexpected amount: %f", completion.Amount)
	}
}

func TestExtractPaymentRequest(t *testing.T) {
	text := `before <x402_payment_request>
{"payment_id":"pay-9","from":"buyer","to":"seller","amount":0.001}
</x402_payment_request> after`

	req, ok := ExtractPaymentRequest(text)
	if !ok {
		t.Fatalf("expected payment request to match")
	}
	if req.PaymentID != "pay-9" || req.From != "buyer" || req.To != "seller" || req.Amount != 0.001 {
		t.Fatalf("unexpected request: %+v", req)
	}

	if _, ok := ExtractPaymentRequest(`<x402_payment_request>{"payment_id":"x"}</x402_payment_request>`); ok {
		t.Fatalf("expected incomplete request to be rejected")
	}
}

func TestStripRemovesAllMarkers(t *testing.T) {
	text := "hello [USER_WALLET:" + testWallet + "] world " +
		"[PREMIUM_SERVICE_PAYMENT_COMPLETED: " + testSig + "|insider_info|0.0005] " +
		`<x402_payment_request>{"payment_id":"p","from":"a","to":"b","amount":1}</x402_payment_request> done`

	stripped := Strip(text)
	if stripped != "hello world done" {
		t.Fatalf("unexpected stripped text: %q", stripped)
	}
	if strings.Contains(stripped, "PREMIUM_SERVICE") {
		t.Fatalf("marker leaked into stripped text")
	}
}

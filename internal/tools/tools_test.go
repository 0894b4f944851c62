package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/elevenyellow/pardon-simulator/internal/chain"
	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
)

func TestRenderStatic(t *testing.T) {
	renderer := NewRenderer(nil, []Spec{
		{ServiceType: "insider_info", Kind: KindStatic, Body: "名单月底前敲定。"},
	})

	got, err := renderer.Render(context.Background(), "insider_info", nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "名单月底前敲定。" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestRenderTemplate(t *testing.T) {
	renderer := NewRenderer(nil, []Spec{
		{ServiceType: "pardon_intro", Kind: KindTemplate, Body: "带上这句话: wallet {address}"},
	})

	got, err := renderer.Render(context.Background(), "pardon_intro", map[string]string{
		"address": "wallet-1",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "带上这句话: wallet wallet-1" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestRenderBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"value":1500000000}}`)
	}))
	defer srv.Close()

	rpc, err := chain.NewClient(chain.ClientConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("new rpc client: %v", err)
	}
	renderer := NewRenderer(rpc, []Spec{
		{ServiceType: "market_tip", Kind: KindBalance, Body: "地址 {address} 余额 {balance}"},
	})

	got, err := renderer.Render(context.Background(), "market_tip", map[string]string{
		"address": "treasury-addr",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(got, "treasury-addr") || !strings.Contains(got, "1.500000000") {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestRenderBalanceWithoutRPC(t *testing.T) {
	renderer := NewRenderer(nil, []Spec{
		{ServiceType: "market_tip", Kind: KindBalance, Body: "{balance}"},
	})
	if _, err := renderer.Render(context.Background(), "market_tip", nil); err == nil {
		t.Fatalf("expected error without rpc client")
	}
}

func TestRenderUnknownService(t *testing.T) {
	renderer := NewRenderer(nil, nil)
	_, err := renderer.Render(context.Background(), "nonexistent", nil)
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestLoadSpecs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contents.yaml")
	content := `contents:
  - service_type: insider_info
    kind: static
    body: 固定文案
  - service_type: market_tip
    kind: balance
    balance_address: treasury-addr
    body: "余额 {balance}"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write specs: %v", err)
	}

	specs, err := LoadSpecs(path)
	if err != nil {
		t.Fatalf("load specs: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[1].BalanceAddress != "treasury-addr" {
		t.Fatalf("unexpected spec: %+v", specs[1])
	}

	if _, err := LoadSpecs(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

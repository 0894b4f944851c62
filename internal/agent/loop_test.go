package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/elevenyellow/pardon-simulator/internal/dispatch"
	"github.com/elevenyellow/pardon-simulator/internal/intermediary"
	"github.com/elevenyellow/pardon-simulator/internal/marker"
	"github.com/elevenyellow/pardon-simulator/internal/relay"
	"github.com/elevenyellow/pardon-simulator/internal/router"
)

const testWallet = "6pF45ayWyPSFKV3WQLpNNhhkA8GMeeE6eE14NKgw4zug"

type noopSuppressor struct{}

func (noopSuppressor) Check(context.Context, string, string) intermediary.CheckResult {
	return intermediary.CheckResult{}
}

func (noopSuppressor) Clear(context.Context, string) {}

type noopHistory struct{}

func (noopHistory) ThreadHistory(context.Context, string, int) string { return "" }

type noopGate struct{}

func (noopGate) VerifyCompletion(context.Context, string, marker.Completion) router.Verdict {
	return router.Verdict{}
}

// fakeWaiter 第一次返回一批消息，之后取消上下文结束循环。
type fakeWaiter struct {
	mentions []relay.Mention
	cancel   context.CancelFunc
	calls    int
}

func (f *fakeWaiter) WaitForMentions(ctx context.Context) (*relay.WaitResult, error) {
	f.calls++
	if f.calls == 1 {
		return &relay.WaitResult{Mentions: f.mentions}, nil
	}
	f.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeProducer struct {
	mu       sync.Mutex
	payloads []string
}

func (f *fakeProducer) Publish(_ context.Context, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeProducer) Close() error { return nil }

var _ dispatch.Producer = (*fakeProducer)(nil)

func TestRunDispatchesRoutedMentions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	waiter := &fakeWaiter{
		cancel: cancel,
		mentions: []relay.Mention{
			{
				MessageID: "m1",
				ThreadID:  "thread-1",
				SenderID:  "sbf",
				Content:   "hello [USER_WALLET:" + testWallet + "]",
				Timestamp: time.Now(),
			},
			// 没有钱包标记的用户消息会被丢弃，不进入队列。
			{
				MessageID: "m2",
				ThreadID:  "thread-2",
				SenderID:  "sbf",
				Content:   "hello without wallet",
				Timestamp: time.Now(),
			},
		},
	}
	producer := &fakeProducer{}
	rt := router.New("trump", "sbf", noopSuppressor{}, noopHistory{}, noopGate{})

	loop := NewLoop("trump", waiter, rt, producer)
	if err := loop.Run(ctx); err != context.Canceled && err != context.DeadlineExceeded {
		t.Fatalf("unexpected run error: %v", err)
	}

	producer.mu.Lock()
	payloads := append([]string(nil), producer.payloads...)
	producer.mu.Unlock()
	if len(payloads) != 1 {
		t.Fatalf("expected exactly one dispatched request, got %d", len(payloads))
	}
	req, err := dispatch.DecodeRequest(payloads[0])
	if err != nil {
		t.Fatalf("decode dispatched request: %v", err)
	}
	if req.ThreadID != "thread-1" || req.MentionID != "m1" || req.SenderID != "sbf" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.RequestID == "" {
		t.Fatalf("request must carry a generated id")
	}
}

// instantTimeoutWaiter 模拟断裂的中继：长轮询没等满窗口就以超时返回。
type instantTimeoutWaiter struct {
	calls int
}

func (f *instantTimeoutWaiter) WaitForMentions(context.Context) (*relay.WaitResult, error) {
	f.calls++
	return &relay.WaitResult{TimedOut: true}, nil
}

func TestRunBacksOffOnInstantTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	waiter := &instantTimeoutWaiter{}
	loop := NewLoop("trump", waiter, router.New("trump", "sbf", noopSuppressor{}, noopHistory{}, noopGate{}), &fakeProducer{})
	loop.backoff = 20 * time.Millisecond

	_ = loop.Run(ctx)

	// 每轮立即超时都必须退避；没有退避的话 150ms 内会打出几十万次轮询。
	if waiter.calls > 20 {
		t.Fatalf("instant timeouts must back off, waiter called %d times", waiter.calls)
	}
}

func TestStatusReturnsToIdleAfterRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	waiter := &fakeWaiter{cancel: cancel}
	loop := NewLoop("trump", waiter, router.New("trump", "sbf", noopSuppressor{}, noopHistory{}, noopGate{}), &fakeProducer{})

	if loop.Status() != StatusIdle {
		t.Fatalf("expected idle before run, got %s", loop.Status())
	}
	_ = loop.Run(ctx)
	if loop.Status() != StatusIdle {
		t.Fatalf("expected idle after run, got %s", loop.Status())
	}
}

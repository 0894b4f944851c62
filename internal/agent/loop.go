// Package agent 实现角色进程的主循环：长轮询中继、路由分类、
// 投递工作队列。循环除 ctx 取消外永不退出。
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elevenyellow/pardon-simulator/internal/dispatch"
	"github.com/elevenyellow/pardon-simulator/internal/observability/metrics"
	"github.com/elevenyellow/pardon-simulator/internal/relay"
	"github.com/elevenyellow/pardon-simulator/internal/router"
	"github.com/elevenyellow/pardon-simulator/pkg/logger"
)

// Status 表示主循环的当前状态。
type Status string

const (
	StatusIdle       Status = "idle"
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
)

const (
	// abnormalWaitThreshold 以下就返回的长轮询视为连接断裂：正常
	// 情况下等待要么拿到消息，要么走满整个窗口。
	abnormalWaitThreshold = 5 * time.Second
	// brokenConnBackoff 是连接断裂后的休眠时长，避免空转打爆中继。
	brokenConnBackoff = 10 * time.Second
)

// Waiter 是主循环对中继的依赖。
type Waiter interface {
	WaitForMentions(ctx context.Context) (*relay.WaitResult, error)
}

// Loop 是角色进程的主循环。
type Loop struct {
	agentID  string
	waiter   Waiter
	router   *router.Router
	producer dispatch.Producer

	// waitFloor 与 backoff 仅测试时覆盖。
	waitFloor time.Duration
	backoff   time.Duration

	mu     sync.Mutex
	status Status
}

// NewLoop 构造主循环。
func NewLoop(agentID string, waiter Waiter, rt *router.Router, producer dispatch.Producer) *Loop {
	return &Loop{
		agentID:   agentID,
		waiter:    waiter,
		router:    rt,
		producer:  producer,
		waitFloor: abnormalWaitThreshold,
		backoff:   brokenConnBackoff,
		status:    StatusIdle,
	}
}

// Status 返回当前状态，供运维接口查询。
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Loop) setStatus(status Status) {
	l.mu.Lock()
	l.status = status
	l.mu.Unlock()
}

// Run 驱动主循环直到 ctx 取消。单轮内的任何异常都被吞掉并记录，
// 不会终止循环。
func (l *Loop) Run(ctx context.Context) error {
	defer l.setStatus(StatusIdle)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		l.runOnce(ctx)
	}
}

// runOnce 执行一轮等待加处理，panic 在这里兜住。
func (l *Loop) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Error("主循环 panic，已恢复", slog.Any("panic", r))
		}
	}()

	l.setStatus(StatusWaiting)
	start := time.Now()
	result, err := l.waiter.WaitForMentions(ctx)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if elapsed < l.waitFloor {
			// 长轮询立刻失败说明连接断裂而非等待超时，休眠后重连。
			logger.L().Warn("中继连接疑似断裂，退避后重试",
				slog.Any("error", err),
				slog.Duration("elapsed", elapsed))
			l.sleep(ctx, l.backoff)
			return
		}
		logger.L().Warn("等待中继消息失败", slog.Any("error", err))
		return
	}
	if result.TimedOut {
		// 正常的等待超时要耗满整个窗口；立刻返回的超时同样是连接
		// 断裂，不退避会把中继打爆。
		if elapsed < l.waitFloor {
			logger.L().Warn("长轮询未耗满窗口即超时，退避后重试",
				slog.Duration("elapsed", elapsed))
			l.sleep(ctx, l.backoff)
		}
		return
	}
	if len(result.Mentions) == 0 {
		return
	}

	l.setStatus(StatusProcessing)
	for _, mention := range result.Mentions {
		l.dispatchMention(ctx, mention)
	}
}

func (l *Loop) dispatchMention(ctx context.Context, mention relay.Mention) {
	metrics.IncMentionReceived()

	decision := l.router.Route(ctx, mention)
	if decision.Discard {
		metrics.IncMentionDiscarded(string(decision.DiscardReason))
		return
	}

	req := dispatch.Request{
		RequestID:    uuid.NewString(),
		ThreadID:     mention.ThreadID,
		MentionID:    mention.MessageID,
		SenderID:     mention.SenderID,
		Instruction:  decision.Instruction,
		BrokerTarget: decision.BrokerTarget,
		EnqueuedAt:   time.Now(),
	}
	payload, err := req.Encode()
	if err != nil {
		logger.L().Error("编码处理请求失败", slog.Any("error", err),
			slog.String("thread_id", mention.ThreadID))
		return
	}
	if err := l.producer.Publish(ctx, payload); err != nil {
		logger.L().Error("投递处理请求失败", slog.Any("error", err),
			slog.String("thread_id", mention.ThreadID),
			slog.String("request_id", req.RequestID))
	}
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

package dispatch

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
	"github.com/elevenyellow/pardon-simulator/internal/observability/alerting"
	"github.com/elevenyellow/pardon-simulator/internal/observability/metrics"
	"github.com/elevenyellow/pardon-simulator/internal/reasoning"
	"github.com/elevenyellow/pardon-simulator/pkg/logger"
)

// 工作池相关错误码。
const (
	CodeWorkerTimeout xerrors.Code = "WORKER_INVOKE_TIMEOUT"
	CodeWorkerFault   xerrors.Code = "WORKER_INVOKE_FAULT"
)

func init() {
	xerrors.Register(CodeWorkerTimeout, xerrors.Attributes{
		Message:   "reasoning invocation timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeWorkerFault, xerrors.Attributes{
		Message:   "reasoning invocation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

const (
	defaultLanes         = 3
	defaultInvokeTimeout = 105 * time.Second

	thinkingMessage = "🤔 Thinking..."
	apologyMessage  = "Sorry, I hit a snag processing that message. Please try again in a moment."
)

// Replier 是向会话投递消息所需的中继能力。
type Replier interface {
	Send(ctx context.Context, threadID, content string, mentions []string) error
	AddParticipant(ctx context.Context, threadID, participantID string) error
}

// BrokerRegistrar 在牵线回复送达后登记协调状态。
type BrokerRegistrar interface {
	Set(ctx context.Context, threadID, targetAgent, purpose string)
}

// Pool 从队列消费处理请求并交给推理句柄执行。每条工作通道持有
// 自己的推理句柄，通道内的故障只影响当次请求，不影响池本身。
type Pool struct {
	agentID       string
	consumer      Consumer
	factory       reasoning.Factory
	replier       Replier
	broker        BrokerRegistrar
	lanes         int
	invokeTimeout time.Duration
	alerter       alerting.Dispatcher

	clients chan reasoning.Client
}

// PoolOption 定义可选配置。
type PoolOption func(*Pool)

// WithLanes 设置工作通道数量。
func WithLanes(lanes int) PoolOption {
	return func(p *Pool) {
		if lanes > 0 {
			p.lanes = lanes
		}
	}
}

// WithInvokeTimeout 设置单次推理调用的硬超时。
func WithInvokeTimeout(timeout time.Duration) PoolOption {
	return func(p *Pool) {
		if timeout > 0 {
			p.invokeTimeout = timeout
		}
	}
}

// WithBrokerRegistrar 配置牵线状态登记能力。
func WithBrokerRegistrar(broker BrokerRegistrar) PoolOption {
	return func(p *Pool) {
		p.broker = broker
	}
}

// WithPoolAlertDispatcher 配置告警派发器。
func WithPoolAlertDispatcher(dispatcher alerting.Dispatcher) PoolOption {
	return func(p *Pool) {
		p.alerter = dispatcher
	}
}

// NewPool 构造工作池。
func NewPool(agentID string, consumer Consumer, factory reasoning.Factory, replier Replier, opts ...PoolOption) *Pool {
	p := &Pool{
		agentID:       agentID,
		consumer:      consumer,
		factory:       factory,
		replier:       replier,
		lanes:         defaultLanes,
		invokeTimeout: defaultInvokeTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 为每条通道创建独立的推理句柄并开始消费，直到 ctx 取消。
func (p *Pool) Start(ctx context.Context) error {
	if p.consumer == nil || p.factory == nil || p.replier == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "工作池未初始化")
	}

	p.clients = make(chan reasoning.Client, p.lanes)
	for i := 0; i < p.lanes; i++ {
		client, err := p.factory()
		if err != nil {
			p.closeClients()
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建推理句柄失败")
		}
		p.clients <- client
	}
	defer p.closeClients()

	return p.consumer.Consume(ctx, p.lanes, p.handle)
}

func (p *Pool) closeClients() {
	if p.clients == nil {
		return
	}
	for {
		select {
		case client := <-p.clients:
			_ = client.Close()
		default:
			return
		}
	}
}

func (p *Pool) handle(ctx context.Context, payload string) error {
	req, err := DecodeRequest(payload)
	if err != nil {
		// 无法解析的载荷没有重投价值。
		logger.L().Error("丢弃无法解析的队列载荷", slog.Any("error", err))
		return nil
	}

	// 思考提示尽力而为，失败不阻塞处理。
	if ackErr := p.replier.Send(ctx, req.ThreadID, thinkingMessage, nil); ackErr != nil {
		logger.L().Warn("思考提示发送失败",
			slog.Any("error", ackErr),
			slog.String("thread_id", req.ThreadID))
	}

	var client reasoning.Client
	select {
	case <-ctx.Done():
		return ctx.Err()
	case client = <-p.clients:
	}

	invokeCtx, cancel := context.WithTimeout(ctx, p.invokeTimeout)
	result, invokeErr := client.Invoke(invokeCtx, reasoning.Request{
		ThreadID:    req.ThreadID,
		Instruction: req.Instruction,
	})
	cancel()

	if invokeErr != nil {
		// 出错的句柄可能已不可用，尝试换新；失败则继续用旧句柄。
		if fresh, factoryErr := p.factory(); factoryErr == nil {
			_ = client.Close()
			client = fresh
		}
	}
	p.clients <- client

	if invokeErr != nil {
		p.handleInvokeFailure(ctx, req, invokeErr)
		return nil
	}
	p.handleResult(ctx, req, result)
	return nil
}

func (p *Pool) handleInvokeFailure(ctx context.Context, req Request, invokeErr error) {
	code := CodeWorkerFault
	if stdErrors.Is(invokeErr, context.DeadlineExceeded) {
		code = CodeWorkerTimeout
		metrics.IncWorkerTimeout()
	} else {
		metrics.IncReasoningFault()
	}
	logger.L().Error("推理调用失败",
		slog.Any("error", invokeErr),
		slog.String("code", string(code)),
		slog.String("thread_id", req.ThreadID),
		slog.String("mention_id", req.MentionID))
	p.emitAlert(ctx, req, code, invokeErr)

	// 用户已经看到了思考提示，必须给个交代。
	if sendErr := p.replier.Send(ctx, req.ThreadID, apologyMessage, nil); sendErr != nil {
		logger.L().Error("致歉消息发送失败",
			slog.Any("error", sendErr),
			slog.String("thread_id", req.ThreadID))
	}
}

func (p *Pool) handleResult(ctx context.Context, req Request, result *reasoning.Result) {
	delivered := false
	switch {
	case result == nil:
		logger.L().Warn("推理返回空结果", slog.String("thread_id", req.ThreadID))
	case result.SentReply:
		delivered = true
	case len(result.Actions) > 0 && result.Output != "":
		// 推理执行了动作却没有发出回复，用最终输出兜底。
		if sendErr := p.replier.Send(ctx, req.ThreadID, result.Output, nil); sendErr != nil {
			logger.L().Error("兜底回复发送失败",
				slog.Any("error", sendErr),
				slog.String("thread_id", req.ThreadID))
		} else {
			metrics.IncFallbackSend()
			delivered = true
		}
	default:
		// 没有任何动作记录说明执行链路本身出了问题，此时的输出
		// 不可信，宁可沉默也不发送。
		logger.L().Warn("推理未记录任何动作，抑制兜底回复",
			slog.String("thread_id", req.ThreadID),
			slog.String("mention_id", req.MentionID))
		metrics.IncReasoningFault()
	}

	if delivered && req.BrokerTarget != "" {
		if p.broker != nil {
			p.broker.Set(ctx, req.ThreadID, req.BrokerTarget, "等待对方答复用户的请求")
		}
		if addErr := p.replier.AddParticipant(ctx, req.ThreadID, req.BrokerTarget); addErr != nil {
			logger.L().Warn("拉入目标角色失败",
				slog.Any("error", addErr),
				slog.String("thread_id", req.ThreadID),
				slog.String("target", req.BrokerTarget))
		}
	}
}

func (p *Pool) emitAlert(ctx context.Context, req Request, code xerrors.Code, cause error) {
	if p.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.AttributesOf(code).Severity,
		ThreadID:   req.ThreadID,
		MentionID:  req.MentionID,
		AgentID:    p.agentID,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Warn("告警发送失败", slog.Any("error", err), slog.String("code", string(code)))
	}
}

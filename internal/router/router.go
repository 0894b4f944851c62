// Package router 对每条入站提及执行分类状态机，产出交给推理步骤
// 的单条指令，或给出明确的丢弃理由。
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/elevenyellow/pardon-simulator/internal/intermediary"
	"github.com/elevenyellow/pardon-simulator/internal/marker"
	"github.com/elevenyellow/pardon-simulator/internal/relay"
	"github.com/elevenyellow/pardon-simulator/pkg/logger"
)

// DiscardReason 说明一条消息为何被丢弃。
type DiscardReason string

const (
	// DiscardStale 表示消息超出陈旧窗口。
	DiscardStale DiscardReason = "stale"
	// DiscardSuppressed 表示本角色正替用户等待该发送者的回复，
	// 用户已经直接看到了这条消息，不应再转述。
	DiscardSuppressed DiscardReason = "suppressed"
	// DiscardMissingWallet 表示用户通道消息缺少钱包身份标记，
	// 视为仿冒，直接丢弃。
	DiscardMissingWallet DiscardReason = "missing_wallet"
)

// Decision 是状态机的产出。Discard 为 true 时 Instruction 为空。
type Decision struct {
	Discard       bool
	DiscardReason DiscardReason
	Instruction   string
	WalletAddress string
	// BrokerTarget 非空表示用户请求与该角色牵线，发送回复后需要
	// 登记协调状态。
	BrokerTarget string
}

// Suppressor 是协调状态的查询与清理能力。
type Suppressor interface {
	Check(ctx context.Context, threadID, senderID string) intermediary.CheckResult
	Clear(ctx context.Context, threadID string)
}

// HistoryProvider 尽力提供会话历史，失败时返回空串。
type HistoryProvider interface {
	ThreadHistory(ctx context.Context, threadID string, limit int) string
}

// PaymentGate 核实支付完成标记并给出可读结论。
type PaymentGate interface {
	VerifyCompletion(ctx context.Context, walletAddress string, completion marker.Completion) Verdict
}

// ContentRenderer 渲染支付确认后交付的高级服务内容。
type ContentRenderer interface {
	Render(ctx context.Context, serviceType string, params map[string]string) (string, error)
}

// RequestImporter 登记消息中宣告的支付请求块，供后续完成标记按
// payment_id 对账。
type RequestImporter interface {
	ImportAnnouncedRequest(ctx context.Context, req marker.PaymentRequest)
}

// Verdict 是支付核实的结论，Detail 携带面向用户的解释。
type Verdict struct {
	Verified        bool
	AlreadyRecorded bool
	ServiceType     string
	Amount          float64
	Detail          string
}

// Router 按固定状态机路由入站提及。
type Router struct {
	agentID      string
	humanProxyID string
	staleness    time.Duration
	suppressor   Suppressor
	history      HistoryProvider
	gate         PaymentGate
	renderer     ContentRenderer
	importer     RequestImporter
	knownActors  []string
}

// Option 定义可选配置。
type Option func(*Router)

// WithStaleness 设置陈旧消息窗口。
func WithStaleness(window time.Duration) Option {
	return func(r *Router) {
		if window > 0 {
			r.staleness = window
		}
	}
}

// WithContentRenderer 设置高级服务内容的渲染器。未设置时由推理步骤
// 按人格自行组织交付内容。
func WithContentRenderer(renderer ContentRenderer) Option {
	return func(r *Router) {
		r.renderer = renderer
	}
}

// WithRequestImporter 设置支付请求块的登记器。
func WithRequestImporter(importer RequestImporter) Option {
	return func(r *Router) {
		r.importer = importer
	}
}

// WithKnownActors 设置牵线启发式可识别的角色列表。
func WithKnownActors(actors []string) Option {
	return func(r *Router) {
		r.knownActors = append([]string(nil), actors...)
	}
}

// New 构造 Router。
func New(agentID, humanProxyID string, suppressor Suppressor, history HistoryProvider, gate PaymentGate, opts ...Option) *Router {
	r := &Router{
		agentID:      agentID,
		humanProxyID: humanProxyID,
		staleness:    300 * time.Second,
		suppressor:   suppressor,
		history:      history,
		gate:         gate,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Route 执行状态机：陈旧检查 → 协调抑制 → 角色分类 → 指令组装。
func (r *Router) Route(ctx context.Context, mention relay.Mention) Decision {
	now := time.Now()

	// 人类代理的消息不受陈旧窗口限制，用户可能隔很久才回来。
	if mention.SenderID != r.humanProxyID && mention.Age(now) > r.staleness {
		logger.L().Info("丢弃陈旧消息",
			slog.String("thread_id", mention.ThreadID),
			slog.String("sender", mention.SenderID),
			slog.Duration("age", mention.Age(now)))
		return Decision{Discard: true, DiscardReason: DiscardStale}
	}

	if r.suppressor != nil {
		result := r.suppressor.Check(ctx, mention.ThreadID, mention.SenderID)
		if result.Matched() {
			r.suppressor.Clear(ctx, mention.ThreadID)
			logger.L().Info("抑制中间人转述",
				slog.String("thread_id", mention.ThreadID),
				slog.String("sender", mention.SenderID),
				slog.Bool("degraded", result.Degraded))
			return Decision{Discard: true, DiscardReason: DiscardSuppressed}
		}
	}

	// 消息携带的支付请求块先登记进台账，后续完成标记按 payment_id
	// 对账。
	if req, found := marker.ExtractPaymentRequest(mention.Content); found && r.importer != nil {
		r.importer.ImportAnnouncedRequest(ctx, req)
	}

	if mention.SenderID == r.humanProxyID {
		return r.routeUser(ctx, mention)
	}
	return r.routePeer(ctx, mention)
}

func (r *Router) routeUser(ctx context.Context, mention relay.Mention) Decision {
	wallet, ok := marker.ExtractWallet(mention.Content)
	if !ok {
		// 用户通道必须携带钱包身份，缺失视为仿冒攻击。
		logger.L().Warn("用户消息缺少钱包标记，丢弃",
			slog.String("thread_id", mention.ThreadID),
			slog.String("message_id", mention.MessageID))
		return Decision{Discard: true, DiscardReason: DiscardMissingWallet}
	}

	content := marker.Strip(mention.Content)
	history := r.fetchHistory(ctx, mention.ThreadID)

	if completion, found := marker.ExtractCompletion(mention.Content); found {
		verdict := r.verify(ctx, wallet.Address, completion)
		deliverable := r.renderDeliverable(ctx, wallet.Address, verdict)
		return Decision{
			Instruction:   r.composePaymentInstruction(mention, content, history, verdict, deliverable),
			WalletAddress: wallet.Address,
		}
	}

	if target := r.detectBrokerTarget(content); target != "" {
		return Decision{
			Instruction:   r.composeBrokerInstruction(mention, content, history, target),
			WalletAddress: wallet.Address,
			BrokerTarget:  target,
		}
	}

	return Decision{
		Instruction:   r.composeUserInstruction(mention, content, history),
		WalletAddress: wallet.Address,
	}
}

func (r *Router) routePeer(ctx context.Context, mention relay.Mention) Decision {
	content := marker.Strip(mention.Content)
	history := r.fetchHistory(ctx, mention.ThreadID)
	return Decision{Instruction: r.composePeerInstruction(mention, content, history)}
}

func (r *Router) verify(ctx context.Context, walletAddress string, completion marker.Completion) Verdict {
	if r.gate == nil {
		return Verdict{Detail: "支付核实通道未配置，无法确认支付。"}
	}
	return r.gate.VerifyCompletion(ctx, walletAddress, completion)
}

// renderDeliverable 在支付首次确认后渲染服务内容。渲染失败不阻塞
// 主流程，推理步骤会按人格自行交付。
func (r *Router) renderDeliverable(ctx context.Context, walletAddress string, verdict Verdict) string {
	if r.renderer == nil || !verdict.Verified || verdict.AlreadyRecorded {
		return ""
	}
	deliverable, err := r.renderer.Render(ctx, verdict.ServiceType, map[string]string{
		"address": walletAddress,
	})
	if err != nil {
		logger.L().Warn("渲染服务内容失败",
			slog.String("service_type", verdict.ServiceType),
			slog.Any("error", err))
		return ""
	}
	return deliverable
}

func (r *Router) fetchHistory(ctx context.Context, threadID string) string {
	if r.history == nil {
		return ""
	}
	return r.history.ThreadHistory(ctx, threadID, 10)
}

// detectBrokerTarget 判断消息是否在请求与另一角色牵线。启发式
// 要求同时出现已知角色名与联络动词。
func (r *Router) detectBrokerTarget(content string) string {
	lowered := strings.ToLower(content)
	hasVerb := false
	for _, verb := range brokerVerbs {
		if strings.Contains(lowered, verb) {
			hasVerb = true
			break
		}
	}
	if !hasVerb {
		return ""
	}
	for _, actor := range r.knownActors {
		if actor == r.agentID || actor == r.humanProxyID {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(actor)) {
			return actor
		}
	}
	return ""
}

var brokerVerbs = []string{"ask", "tell", "contact", "talk to", "reach", "connect", "introduce", "message"}

func (r *Router) composeUserInstruction(mention relay.Mention, content, history string) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "用户（经人类代理 %s）发来消息。\n", mention.SenderID)
	writeHistory(&builder, history)
	fmt.Fprintf(&builder, "消息内容: %s\n", content)
	builder.WriteString("请以你的人格回应，并在需要收费服务时说明付款方式。")
	return builder.String()
}

func (r *Router) composePaymentInstruction(mention relay.Mention, content, history string, verdict Verdict, deliverable string) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "用户（经人类代理 %s）声称已完成支付。\n", mention.SenderID)
	writeHistory(&builder, history)
	fmt.Fprintf(&builder, "消息内容: %s\n", content)
	switch {
	case verdict.Verified && verdict.AlreadyRecorded:
		fmt.Fprintf(&builder, "支付核实结论: 该签名此前已经入账（服务 %s, 金额 %.9f），不要重复交付，提醒用户服务已经提供过。\n",
			verdict.ServiceType, verdict.Amount)
	case verdict.Verified:
		fmt.Fprintf(&builder, "支付核实结论: 已确认到账（服务 %s, 金额 %.9f），现在交付对应的高级服务内容。\n",
			verdict.ServiceType, verdict.Amount)
		if deliverable != "" {
			fmt.Fprintf(&builder, "服务内容（用你的口吻转述给用户）:\n%s\n", deliverable)
		}
	default:
		fmt.Fprintf(&builder, "支付核实结论: 未通过。原因: %s。向用户如实说明核实结果，不要交付高级服务。\n", verdict.Detail)
	}
	return builder.String()
}

func (r *Router) composeBrokerInstruction(mention relay.Mention, content, history, target string) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "用户（经人类代理 %s）请求与角色 %s 建立联系。\n", mention.SenderID, target)
	writeHistory(&builder, history)
	fmt.Fprintf(&builder, "消息内容: %s\n", content)
	fmt.Fprintf(&builder, "请把用户的诉求转达给 %s 并在回复中提及对方。对方回复后用户会直接看到，无需转述。", target)
	return builder.String()
}

func (r *Router) composePeerInstruction(mention relay.Mention, content, history string) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "同伴角色 %s 发来消息。\n", mention.SenderID)
	writeHistory(&builder, history)
	fmt.Fprintf(&builder, "消息内容: %s\n", content)
	builder.WriteString("请以你的人格直接回应。")
	return builder.String()
}

func writeHistory(builder *strings.Builder, history string) {
	if history == "" {
		return
	}
	fmt.Fprintf(builder, "最近的会话历史:\n%s\n", history)
}

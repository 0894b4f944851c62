package router

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elevenyellow/pardon-simulator/internal/chain"
	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
	"github.com/elevenyellow/pardon-simulator/internal/facilitator"
	"github.com/elevenyellow/pardon-simulator/internal/marker"
	"github.com/elevenyellow/pardon-simulator/internal/observability/metrics"
	"github.com/elevenyellow/pardon-simulator/internal/payment"
	"github.com/elevenyellow/pardon-simulator/internal/scoring"
	"github.com/elevenyellow/pardon-simulator/pkg/logger"
)

// ChainGate 用链上核实器实现 PaymentGate。期望的收款地址与金额
// 优先取标记中 payment_id 对应的台账请求，缺失时回落到标记自带
// 的服务与金额、本角色钱包与国库地址。
type ChainGate struct {
	agentID  string
	verifier *chain.Verifier
	payments *payment.Service
	wallets  *payment.Directory
	scorer   *scoring.Client
	settler  *facilitator.Client
}

// GateOption 定义可选配置。
type GateOption func(*ChainGate)

// WithScoringClient 配置评分上报客户端。
func WithScoringClient(scorer *scoring.Client) GateOption {
	return func(g *ChainGate) {
		g.scorer = scorer
	}
}

// WithFacilitator 配置结算服务作为二次核实通道：链上查不到交易时
// 再问一次结算服务，弥补 RPC 节点之间的确认延迟。
func WithFacilitator(settler *facilitator.Client) GateOption {
	return func(g *ChainGate) {
		g.settler = settler
	}
}

// NewChainGate 构造 ChainGate。
func NewChainGate(agentID string, verifier *chain.Verifier, payments *payment.Service, wallets *payment.Directory, opts ...GateOption) *ChainGate {
	g := &ChainGate{agentID: agentID, verifier: verifier, payments: payments, wallets: wallets}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// VerifyCompletion 核实支付完成标记并给出可读结论。
func (g *ChainGate) VerifyCompletion(ctx context.Context, walletAddress string, completion marker.Completion) Verdict {
	serviceType := completion.ServiceType
	amount := completion.Amount
	recipient := g.defaultRecipient()

	if completion.PaymentID != "" && g.payments != nil {
		if req, err := g.payments.Ledger().GetRequest(ctx, completion.PaymentID); err == nil {
			switch {
			case req.Expired(time.Now()) || req.Status == payment.RequestExpired:
				// 失效请求的参数不再可信，按标记自带的参数核实。
				logger.L().Warn("支付请求已失效，回落到标记自带参数",
					slog.String("payment_id", completion.PaymentID),
					slog.String("status", string(req.Status)))
			case req.Status != payment.RequestPending:
				logger.L().Warn("支付请求不在待结算状态，回落到标记自带参数",
					slog.String("payment_id", completion.PaymentID),
					slog.String("status", string(req.Status)))
			default:
				// 宣告方导入的请求可能没有服务类型，此时保留标记自带的值。
				if req.ServiceType != "" {
					serviceType = req.ServiceType
				}
				amount = req.Amount
				if req.Recipient != "" {
					recipient = req.Recipient
				}
			}
		} else if !stdErrors.Is(err, payment.ErrRequestNotFound) {
			logger.L().Warn("查询支付请求失败，回落到标记自带参数",
				slog.Any("error", err),
				slog.String("payment_id", completion.PaymentID))
		}
	}
	if recipient == "" {
		return Verdict{Detail: "无法确定期望的收款地址"}
	}

	record, already, err := g.verifier.VerifyAndRecord(ctx,
		completion.Signature, recipient, amount, serviceType, completion.PaymentID)
	if err != nil && xerrors.CodeOf(err) == payment.CodeVerifyNotFound && g.settler != nil {
		record, already, err = g.verifyViaFacilitator(ctx, walletAddress, recipient, amount, serviceType, completion, err)
	}
	if err != nil {
		metrics.IncPaymentRejected(string(xerrors.CodeOf(err)))
		logger.L().Warn("支付核实未通过",
			slog.Any("error", err),
			slog.String("wallet", walletAddress),
			slog.String("service_type", serviceType))
		return Verdict{
			ServiceType: serviceType,
			Amount:      amount,
			Detail:      verdictDetail(err),
		}
	}

	if !already {
		metrics.IncPaymentVerified()
		if g.scorer != nil {
			g.scorer.Report(ctx, scoring.Event{
				AgentID:     g.agentID,
				WalletAddr:  walletAddress,
				ServiceType: record.ServiceType,
				Amount:      record.Amount,
				Signature:   record.Signature,
			})
		}
	}

	return Verdict{
		Verified:        true,
		AlreadyRecorded: already,
		ServiceType:     record.ServiceType,
		Amount:          record.Amount,
		Detail:          "支付已确认",
	}
}

// ImportAnnouncedRequest 登记消息中宣告的支付请求块，失败只记日志。
func (g *ChainGate) ImportAnnouncedRequest(ctx context.Context, req marker.PaymentRequest) {
	if g.payments == nil {
		return
	}
	if err := g.payments.ImportRequest(ctx, req.PaymentID, req.From, req.To, req.Amount); err != nil {
		logger.L().Warn("登记支付请求失败",
			slog.Any("error", err),
			slog.String("payment_id", req.PaymentID))
	}
}

// verifyViaFacilitator 在链上查不到交易时向结算服务二次核实。核实
// 通过则照常入账；任何失败都返回原始的链上错误，不放大问题。
func (g *ChainGate) verifyViaFacilitator(ctx context.Context, walletAddress, recipient string, amount float64, serviceType string, completion marker.Completion, chainErr error) (*payment.Record, bool, error) {
	result, err := g.settler.VerifyTransaction(ctx,
		completion.Signature, walletAddress, recipient, amount, "SOL")
	if err != nil || !result.Verified {
		if err != nil {
			logger.L().Warn("结算服务二次核实失败",
				slog.Any("error", err),
				slog.String("signature", completion.Signature))
		}
		return nil, false, chainErr
	}

	record := &payment.Record{
		Signature:   completion.Signature,
		FromAddress: walletAddress,
		ToAddress:   recipient,
		Amount:      amount,
		ServiceType: serviceType,
		PaymentID:   completion.PaymentID,
		VerifiedAt:  time.Now().Unix(),
	}
	if g.payments == nil {
		return record, false, nil
	}
	return g.payments.RecordVerified(ctx, record)
}

func (g *ChainGate) defaultRecipient() string {
	if g.wallets == nil {
		return ""
	}
	if address, err := g.wallets.AddressOf(g.agentID); err == nil {
		return address
	}
	return g.wallets.Treasury()
}

// verdictDetail 把核实错误翻译成面向用户的解释。
func verdictDetail(err error) string {
	switch xerrors.CodeOf(err) {
	case payment.CodeVerifyFormat:
		return "交易签名格式不合法"
	case payment.CodeVerifyNotFound:
		return "在链上查不到这笔交易，请确认签名无误且交易已确认"
	case payment.CodeVerifyOnChainFail:
		return "这笔交易在链上执行失败"
	case payment.CodeVerifyRecipient:
		return "这笔交易的收款方不是预期地址"
	case payment.CodeVerifyWrongRole:
		return "该地址在交易中是付款方而不是收款方"
	case payment.CodeVerifyAmount:
		if e, ok := xerrors.From(err); ok {
			return fmt.Sprintf("支付金额与约定不符: %s", e.Message())
		}
		return "支付金额与约定不符"
	default:
		return "核实过程出现异常，请稍后重试"
	}
}

var _ PaymentGate = (*ChainGate)(nil)

package chain

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
	"github.com/elevenyellow/pardon-simulator/internal/payment"
	"github.com/elevenyellow/pardon-simulator/pkg/logger"
)

const (
	// LamportsPerUnit 是链上最小单位到展示单位的换算系数。
	LamportsPerUnit = 1e9
	// AmountTolerance 是金额比对的绝对容差。
	AmountTolerance = 1e-6

	defaultVerifyAttempts = 5
	defaultVerifyDelay    = 3 * time.Second

	signatureMinLen = 87
	signatureMaxLen = 88
)

// VerifiedPayment 是一次核实通过的支付结论。
type VerifiedPayment struct {
	Signature   string
	FromAddress string
	ToAddress   string
	Amount      float64
}

// Verifier 按签名核实链上支付：在有限次数内等待交易确认，随后
// 通过账户余额增量判定收款人与金额。
type Verifier struct {
	rpc      *Client
	payments *payment.Service
	attempts int
	delay    time.Duration
}

// VerifierOption 定义可选配置。
type VerifierOption func(*Verifier)

// WithAttempts 设置等待交易确认的最大查询次数。
func WithAttempts(attempts int) VerifierOption {
	return func(v *Verifier) {
		if attempts > 0 {
			v.attempts = attempts
		}
	}
}

// WithRetryDelay 设置两次查询之间的固定等待时长。
func WithRetryDelay(delay time.Duration) VerifierOption {
	return func(v *Verifier) {
		if delay > 0 {
			v.delay = delay
		}
	}
}

// NewVerifier 构造 Verifier。payments 用于幂等入账，可以为 nil，
// 此时只做核实不写台账。
func NewVerifier(rpc *Client, payments *payment.Service, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		rpc:      rpc,
		payments: payments,
		attempts: defaultVerifyAttempts,
		delay:    defaultVerifyDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify 核实一笔支付。格式错误与链上明确失败立即终止；只有
// RPC 层面的暂时性错误才会消耗重试预算。
func (v *Verifier) Verify(ctx context.Context, signature, expectedRecipient string, expectedAmount float64) (*VerifiedPayment, error) {
	signature = strings.TrimSpace(signature)
	if err := validateSignature(signature); err != nil {
		return nil, err
	}

	tx, err := v.waitForTransaction(ctx, signature)
	if err != nil {
		return nil, err
	}

	// 链上已判定失败的交易没有重试价值。
	if tx.Meta.Err != nil {
		return nil, xerrors.New(payment.CodeVerifyOnChainFail,
			fmt.Sprintf("交易在链上执行失败: %v", tx.Meta.Err),
			xerrors.WithMetadata("signature", signature))
	}

	accounts := tx.Transaction.Message.AccountKeys
	if len(accounts) == 0 ||
		len(tx.Meta.PreBalances) != len(accounts) ||
		len(tx.Meta.PostBalances) != len(accounts) {
		return nil, xerrors.New(payment.CodeVerifyFormat, "交易缺少余额信息",
			xerrors.WithMetadata("signature", signature))
	}

	recipientIdx := -1
	senderIdx := -1
	for idx, account := range accounts {
		delta := tx.Meta.PostBalances[idx] - tx.Meta.PreBalances[idx]
		if account == expectedRecipient {
			recipientIdx = idx
		}
		// 第一个余额减少的账户视为付款方（手续费由付款方承担）。
		if senderIdx < 0 && delta < 0 {
			senderIdx = idx
		}
	}
	if recipientIdx < 0 {
		// 交易确实存在，只是收款方不是预期地址。这是终态的语义错配，
		// 不能归到查不到交易那类可二次核实的错误里。
		return nil, xerrors.New(payment.CodeVerifyRecipient,
			fmt.Sprintf("期望收款地址 %s 未出现在交易的 %d 个账户中", expectedRecipient, len(accounts)),
			xerrors.WithMetadata("signature", signature),
			xerrors.WithMetadata("expected_recipient", expectedRecipient),
			xerrors.WithMetadata("accounts", strings.Join(accounts, ",")))
	}

	delta := tx.Meta.PostBalances[recipientIdx] - tx.Meta.PreBalances[recipientIdx]
	if delta < 0 {
		// 余额减少说明调用方把付款地址当成了收款地址，这是分类
		// 错误，必须与金额不符区分开。
		return nil, xerrors.New(payment.CodeVerifyWrongRole,
			fmt.Sprintf("地址 %s 在该交易中是付款方而非收款方", expectedRecipient),
			xerrors.WithMetadata("signature", signature),
			xerrors.WithMetadata("delta", fmt.Sprintf("%.9f", float64(delta)/LamportsPerUnit)))
	}

	actualAmount := float64(delta) / LamportsPerUnit
	if math.Abs(actualAmount-expectedAmount) > AmountTolerance {
		return nil, xerrors.New(payment.CodeVerifyAmount,
			fmt.Sprintf("支付金额不符: 期望 %.9f, 实际 %.9f", expectedAmount, actualAmount),
			xerrors.WithMetadata("signature", signature),
			xerrors.WithMetadata("expected", fmt.Sprintf("%.9f", expectedAmount)),
			xerrors.WithMetadata("actual", fmt.Sprintf("%.9f", actualAmount)))
	}

	fromAddress := ""
	if senderIdx >= 0 {
		fromAddress = accounts[senderIdx]
	}
	return &VerifiedPayment{
		Signature:   signature,
		FromAddress: fromAddress,
		ToAddress:   expectedRecipient,
		Amount:      actualAmount,
	}, nil
}

// VerifyAndRecord 核实并以签名为幂等键入账。重复核实同一签名
// 返回已有记录与 alreadyRecorded 标记，不会二次记账。
func (v *Verifier) VerifyAndRecord(ctx context.Context, signature, expectedRecipient string, expectedAmount float64, serviceType, paymentID string) (*payment.Record, bool, error) {
	if v.payments == nil {
		return nil, false, xerrors.New(xerrors.CodeInitializationFailure, "未配置支付服务")
	}

	// 已入账的签名直接返回，避免为重复标记再走一遍链上查询。
	if existing, err := v.payments.Ledger().GetPayment(ctx, strings.TrimSpace(signature)); err == nil {
		return existing, true, nil
	}

	verified, err := v.Verify(ctx, signature, expectedRecipient, expectedAmount)
	if err != nil {
		return nil, false, err
	}

	record := &payment.Record{
		Signature:   verified.Signature,
		FromAddress: verified.FromAddress,
		ToAddress:   verified.ToAddress,
		Amount:      verified.Amount,
		ServiceType: serviceType,
		PaymentID:   paymentID,
		VerifiedAt:  time.Now().Unix(),
	}
	return v.payments.RecordVerified(ctx, record)
}

func (v *Verifier) waitForTransaction(ctx context.Context, signature string) (*Transaction, error) {
	var lastErr error
	for attempt := 1; attempt <= v.attempts; attempt++ {
		tx, err := v.rpc.GetTransaction(ctx, signature)
		if err == nil {
			return tx, nil
		}
		lastErr = err
		if !stdErrors.Is(err, ErrTransactionNotFound) {
			logger.L().Warn("查询交易失败",
				slog.Any("error", err),
				slog.String("signature", signature),
				slog.Int("attempt", attempt))
		}
		if attempt == v.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(v.delay):
		}
	}
	return nil, xerrors.Wrap(payment.CodeVerifyNotFound, lastErr,
		fmt.Sprintf("在 %d 次查询后仍未找到交易", v.attempts),
		xerrors.WithMetadata("signature", signature))
}

func validateSignature(signature string) error {
	if len(signature) < signatureMinLen || len(signature) > signatureMaxLen {
		return xerrors.New(payment.CodeVerifyFormat,
			fmt.Sprintf("签名长度 %d 不合法", len(signature)))
	}
	decoded, err := base58.Decode(signature)
	if err != nil {
		return xerrors.Wrap(payment.CodeVerifyFormat, err, "签名不是合法的 base58 编码")
	}
	if len(decoded) != 64 {
		return xerrors.New(payment.CodeVerifyFormat,
			fmt.Sprintf("签名解码后长度 %d 不合法", len(decoded)))
	}
	return nil
}

package payment

import (
	"time"

	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
)

// RequestStatus 表示支付请求在生命周期中的状态。
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
	RequestExpired   RequestStatus = "expired"
)

// Request 描述一次待结算的高级服务请求。payment_id 全局唯一，
// 过期后逻辑失效，不会被复用。
type Request struct {
	PaymentID   string        `json:"payment_id"`
	FromActor   string        `json:"from_actor"`
	ToActor     string        `json:"to_actor"`
	ServiceType string        `json:"service_type"`
	Amount      float64       `json:"amount"`
	Recipient   string        `json:"recipient"`
	Status      RequestStatus `json:"status"`
	CreatedAt   int64         `json:"created_at"`
	ExpiresAt   int64         `json:"expires_at"`
}

// Expired 判断请求在给定时刻是否已经失效。
func (r *Request) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// Record 表示一笔已经核实的链上支付。以签名为天然幂等键，
// 一个签名在台账中至多出现一次。
type Record struct {
	Signature   string  `json:"signature"`
	FromAddress string  `json:"from_address"`
	ToAddress   string  `json:"to_address"`
	Amount      float64 `json:"amount"`
	ServiceType string  `json:"service_type"`
	PaymentID   string  `json:"payment_id,omitempty"`
	VerifiedAt  int64   `json:"verified_at"`
}

var (
	// ErrRequestNotFound 表示指定的支付请求不存在。
	ErrRequestNotFound = xerrors.New(CodeRequestNotFound, "payment request not found")
	// ErrRequestConflict 表示 payment_id 已被占用。
	ErrRequestConflict = xerrors.New(CodeRequestConflict, "payment request conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrDuplicateSignature 表示该签名已经入账，重复核实不应二次记账。
	ErrDuplicateSignature = xerrors.New(CodeDuplicateSignature, "signature already recorded", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRecordNotFound 表示指定签名的支付记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "payment record not found")
)

const (
	CodeRequestNotFound    xerrors.Code = "PAYMENT_REQUEST_NOT_FOUND"
	CodeRequestConflict    xerrors.Code = "PAYMENT_REQUEST_CONFLICT"
	CodeDuplicateSignature xerrors.Code = "PAYMENT_DUPLICATE_SIGNATURE"
	CodeRecordNotFound     xerrors.Code = "PAYMENT_RECORD_NOT_FOUND"
	CodeServiceUnknown     xerrors.Code = "PAYMENT_SERVICE_UNKNOWN"
	CodeVerifyFormat       xerrors.Code = "PAYMENT_VERIFY_FORMAT"
	CodeVerifyNotFound     xerrors.Code = "PAYMENT_VERIFY_NOT_FOUND"
	CodeVerifyOnChainFail  xerrors.Code = "PAYMENT_VERIFY_ONCHAIN_FAILED"
	CodeVerifyWrongRole    xerrors.Code = "PAYMENT_VERIFY_WRONG_ROLE"
	CodeVerifyRecipient    xerrors.Code = "PAYMENT_VERIFY_RECIPIENT_MISMATCH"
	CodeVerifyAmount       xerrors.Code = "PAYMENT_VERIFY_AMOUNT_MISMATCH"
)

func init() {
	xerrors.Register(CodeRequestNotFound, xerrors.Attributes{
		Message:   "payment request not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequestConflict, xerrors.Attributes{
		Message:   "payment request conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDuplicateSignature, xerrors.Attributes{
		Message:   "signature already recorded",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:   "payment record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeServiceUnknown, xerrors.Attributes{
		Message:   "unknown premium service",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	// 校验失败是对触发请求的终态，不重试；金额与角色错配需要告警，
	// 因为它们可能意味着有人在伪造完成标记。
	xerrors.Register(CodeVerifyFormat, xerrors.Attributes{
		Message:   "signature failed format validation",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeVerifyNotFound, xerrors.Attributes{
		Message:   "transaction not found on chain",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeVerifyOnChainFail, xerrors.Attributes{
		Message:   "transaction failed on chain",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeVerifyRecipient, xerrors.Attributes{
		Message:   "expected recipient not among transaction accounts",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeVerifyWrongRole, xerrors.Attributes{
		Message:   "expected recipient shows a negative balance delta",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeVerifyAmount, xerrors.Attributes{
		Message:   "payment amount outside tolerance",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsValidRequestStatus 检查给定的请求状态是否为支持的枚举值。
func IsValidRequestStatus(status RequestStatus) bool {
	switch status {
	case RequestPending, RequestCompleted, RequestExpired:
		return true
	default:
		return false
	}
}

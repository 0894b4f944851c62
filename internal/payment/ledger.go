package payment

import "context"

// Ledger 抽象支付台账的持久化接口。实现必须保证 RecordPayment
// 以签名为幂等键：重复写入同一签名返回 ErrDuplicateSignature，
// 绝不允许双重记账。
type Ledger interface {
	// CreateRequest 写入一条待结算请求。payment_id 冲突时返回
	// ErrRequestConflict。
	CreateRequest(ctx context.Context, req *Request) error
	// GetRequest 返回指定 payment_id 的请求。
	GetRequest(ctx context.Context, paymentID string) (*Request, error)
	// MarkRequestStatus 更新请求状态。
	MarkRequestStatus(ctx context.Context, paymentID string, status RequestStatus) error
	// ExpireRequests 把截止时间早于 now 的 pending 请求标记为过期，
	// 返回受影响的数量。
	ExpireRequests(ctx context.Context, now int64) (int, error)

	// RecordPayment 写入一笔已核实的支付。
	RecordPayment(ctx context.Context, record *Record) error
	// GetPayment 返回指定签名的支付记录。
	GetPayment(ctx context.Context, signature string) (*Record, error)
	// ListPayments 返回符合过滤条件的支付记录。
	ListPayments(ctx context.Context, opts ListOptions) ([]*Record, error)
	// Stats 统计符合过滤条件的支付概况。
	Stats(ctx context.Context, opts ListOptions) (LedgerStats, error)

	Close() error
}

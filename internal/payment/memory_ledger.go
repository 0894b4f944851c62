package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
)

// MemoryLedger 以内存方式保存支付台账，用于单实例部署与测试。
type MemoryLedger struct {
	mu       sync.RWMutex
	requests map[string]*Request
	records  map[string]*Record
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		requests: make(map[string]*Request),
		records:  make(map[string]*Record),
	}
}

// CreateRequest 实现 Ledger 接口。
func (m *MemoryLedger) CreateRequest(_ context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "request 不能为空")
	}
	if req.PaymentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "payment_id 不能为空")
	}
	if _, ok := m.requests[req.PaymentID]; ok {
		return ErrRequestConflict
	}
	now := time.Now().Unix()
	if req.CreatedAt == 0 {
		req.CreatedAt = now
	}
	if req.Status == "" {
		req.Status = RequestPending
	}
	clone := *req
	m.requests[req.PaymentID] = &clone
	return nil
}

// GetRequest 返回支付请求。
func (m *MemoryLedger) GetRequest(_ context.Context, paymentID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[paymentID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	clone := *req
	return &clone, nil
}

// MarkRequestStatus 更新请求状态。
func (m *MemoryLedger) MarkRequestStatus(_ context.Context, paymentID string, status RequestStatus) error {
	if !IsValidRequestStatus(status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的请求状态")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[paymentID]
	if !ok {
		return ErrRequestNotFound
	}
	req.Status = status
	return nil
}

// ExpireRequests 把超期的 pending 请求标记为过期。
func (m *MemoryLedger) ExpireRequests(_ context.Context, now int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := 0
	for _, req := range m.requests {
		if req.Status != RequestPending {
			continue
		}
		if req.ExpiresAt > 0 && req.ExpiresAt <= now {
			req.Status = RequestExpired
			expired++
		}
	}
	return expired, nil
}

// RecordPayment 以签名为幂等键写入支付记录。
func (m *MemoryLedger) RecordPayment(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.Signature == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "签名不能为空")
	}
	if _, ok := m.records[record.Signature]; ok {
		return ErrDuplicateSignature
	}
	if record.VerifiedAt == 0 {
		record.VerifiedAt = time.Now().Unix()
	}
	clone := *record
	m.records[record.Signature] = &clone
	return nil
}

// GetPayment 返回支付记录。
func (m *MemoryLedger) GetPayment(_ context.Context, signature string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[signature]
	if !ok {
		return nil, ErrRecordNotFound
	}
	clone := *record
	return &clone, nil
}

// ListPayments 返回符合过滤条件的支付记录。
func (m *MemoryLedger) ListPayments(_ context.Context, opts ListOptions) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		clone := *record
		results = append(results, &clone)
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByVerifiedAsc {
			if results[i].VerifiedAt == results[j].VerifiedAt {
				return results[i].Signature < results[j].Signature
			}
			return results[i].VerifiedAt < results[j].VerifiedAt
		}
		if results[i].VerifiedAt == results[j].VerifiedAt {
			return results[i].Signature < results[j].Signature
		}
		return results[i].VerifiedAt > results[j].VerifiedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的支付概况。
func (m *MemoryLedger) Stats(_ context.Context, opts ListOptions) (LedgerStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := LedgerStats{}
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		stats.Total++
		stats.TotalAmount += record.Amount
		if record.VerifiedAt > stats.NewestVerifiedAt {
			stats.NewestVerifiedAt = record.VerifiedAt
		}
		if stats.OldestVerifiedAt == 0 || (record.VerifiedAt != 0 && record.VerifiedAt < stats.OldestVerifiedAt) {
			stats.OldestVerifiedAt = record.VerifiedAt
		}
	}
	return stats, nil
}

// Close 对内存台账无需操作。
func (m *MemoryLedger) Close() error {
	return nil
}

func matchesListFilters(record *Record, opts ListOptions) bool {
	if len(opts.ServiceTypes) > 0 {
		matched := false
		for _, serviceType := range opts.ServiceTypes {
			if record.ServiceType == serviceType {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.VerifiedGTE > 0 && record.VerifiedAt < opts.VerifiedGTE {
		return false
	}
	if opts.VerifiedLTE > 0 && record.VerifiedAt > opts.VerifiedLTE {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Ledger = (*MemoryLedger)(nil)

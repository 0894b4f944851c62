package payment

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
)

// MySQLLedgerConfig 描述 MySQL 台账的连接参数。
type MySQLLedgerConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLLedger 使用真实的 MySQL 数据库存储支付台账，供多实例共享。
type MySQLLedger struct {
	db *sql.DB
}

// NewMySQLLedger 创建连接池并初始化数据表。
func NewMySQLLedger(ctx context.Context, cfg MySQLLedgerConfig) (*MySQLLedger, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	ledger := &MySQLLedger{db: db}
	if err := ledger.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return ledger, nil
}

func (s *MySQLLedger) initSchema(ctx context.Context) error {
	const requests = `CREATE TABLE IF NOT EXISTS payment_requests (
        payment_id VARCHAR(64) PRIMARY KEY,
        from_actor VARCHAR(64) NOT NULL,
        to_actor VARCHAR(64) NOT NULL,
        service_type VARCHAR(64) NOT NULL,
        amount DOUBLE NOT NULL,
        recipient VARCHAR(64) NOT NULL,
        status VARCHAR(16) NOT NULL,
        created_at BIGINT NOT NULL,
        expires_at BIGINT NOT NULL,
        INDEX idx_status_expires (status, expires_at)
)`
	const payments = `CREATE TABLE IF NOT EXISTS payments (
        signature VARCHAR(96) PRIMARY KEY,
        from_address VARCHAR(64) NOT NULL,
        to_address VARCHAR(64) NOT NULL,
        amount DOUBLE NOT NULL,
        service_type VARCHAR(64) NOT NULL,
        payment_id VARCHAR(64) DEFAULT '',
        verified_at BIGINT NOT NULL,
        INDEX idx_verified_at (verified_at)
)`

	if _, err := s.db.ExecContext(ctx, requests); err != nil {
		return fmt.Errorf("初始化 payment_requests 表失败: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, payments); err != nil {
		return fmt.Errorf("初始化 payments 表失败: %w", err)
	}
	return nil
}

// CreateRequest 写入一条支付请求。
func (s *MySQLLedger) CreateRequest(ctx context.Context, req *Request) error {
	if req == nil || req.PaymentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "payment_id 不能为空")
	}
	if req.CreatedAt == 0 {
		req.CreatedAt = time.Now().Unix()
	}
	if req.Status == "" {
		req.Status = RequestPending
	}

	const stmt = `INSERT IGNORE INTO payment_requests
        (payment_id, from_actor, to_actor, service_type, amount, recipient, status, created_at, expires_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, stmt,
		req.PaymentID, req.FromActor, req.ToActor, req.ServiceType,
		req.Amount, req.Recipient, string(req.Status), req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入支付请求失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取写入结果失败")
	}
	if affected == 0 {
		return ErrRequestConflict
	}
	return nil
}

// GetRequest 返回支付请求。
func (s *MySQLLedger) GetRequest(ctx context.Context, paymentID string) (*Request, error) {
	const query = `SELECT payment_id, from_actor, to_actor, service_type, amount, recipient, status, created_at, expires_at
        FROM payment_requests WHERE payment_id = ?`

	var req Request
	var status string
	err := s.db.QueryRowContext(ctx, query, paymentID).Scan(
		&req.PaymentID, &req.FromActor, &req.ToActor, &req.ServiceType,
		&req.Amount, &req.Recipient, &status, &req.CreatedAt, &req.ExpiresAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付请求失败")
	}
	req.Status = RequestStatus(status)
	return &req, nil
}

// MarkRequestStatus 更新请求状态。
func (s *MySQLLedger) MarkRequestStatus(ctx context.Context, paymentID string, status RequestStatus) error {
	if !IsValidRequestStatus(status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的请求状态")
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE payment_requests SET status = ? WHERE payment_id = ?`, string(status), paymentID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新支付请求状态失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// ExpireRequests 把超期的 pending 请求标记为过期。
func (s *MySQLLedger) ExpireRequests(ctx context.Context, now int64) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE payment_requests SET status = ? WHERE status = ? AND expires_at > 0 AND expires_at <= ?`,
		string(RequestExpired), string(RequestPending), now)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "过期清理失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取清理结果失败")
	}
	return int(affected), nil
}

// RecordPayment 以签名为幂等键写入支付记录。签名主键保证同一笔
// 支付不会被双重记账。
func (s *MySQLLedger) RecordPayment(ctx context.Context, record *Record) error {
	if record == nil || record.Signature == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "签名不能为空")
	}
	if record.VerifiedAt == 0 {
		record.VerifiedAt = time.Now().Unix()
	}

	const stmt = `INSERT IGNORE INTO payments
        (signature, from_address, to_address, amount, service_type, payment_id, verified_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, stmt,
		record.Signature, record.FromAddress, record.ToAddress,
		record.Amount, record.ServiceType, record.PaymentID, record.VerifiedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入支付记录失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取写入结果失败")
	}
	if affected == 0 {
		return ErrDuplicateSignature
	}
	return nil
}

// GetPayment 返回支付记录。
func (s *MySQLLedger) GetPayment(ctx context.Context, signature string) (*Record, error) {
	const query = `SELECT signature, from_address, to_address, amount, service_type, payment_id, verified_at
        FROM payments WHERE signature = ?`

	var record Record
	err := s.db.QueryRowContext(ctx, query, signature).Scan(
		&record.Signature, &record.FromAddress, &record.ToAddress,
		&record.Amount, &record.ServiceType, &record.PaymentID, &record.VerifiedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付记录失败")
	}
	return &record, nil
}

// ListPayments 返回符合过滤条件的支付记录。
func (s *MySQLLedger) ListPayments(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query, args := buildListQuery(opts, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付记录失败")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.Signature, &record.FromAddress, &record.ToAddress,
			&record.Amount, &record.ServiceType, &record.PaymentID, &record.VerifiedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析支付记录失败")
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历支付记录失败")
	}
	return records, nil
}

// Stats 统计符合过滤条件的支付概况。
func (s *MySQLLedger) Stats(ctx context.Context, opts ListOptions) (LedgerStats, error) {
	opts.applyDefaults()

	query, args := buildListQuery(opts, true)
	var stats LedgerStats
	var totalAmount sql.NullFloat64
	var newest, oldest sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&stats.Total, &totalAmount, &newest, &oldest)
	if err != nil {
		return LedgerStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计支付记录失败")
	}
	stats.TotalAmount = totalAmount.Float64
	stats.NewestVerifiedAt = newest.Int64
	stats.OldestVerifiedAt = oldest.Int64
	return stats, nil
}

func buildListQuery(opts ListOptions, forStats bool) (string, []any) {
	var builder strings.Builder
	var args []any

	if forStats {
		builder.WriteString(`SELECT COUNT(*), SUM(amount), MAX(verified_at), MIN(verified_at) FROM payments`)
	} else {
		builder.WriteString(`SELECT signature, from_address, to_address, amount, service_type, payment_id, verified_at FROM payments`)
	}

	var conditions []string
	if len(opts.ServiceTypes) > 0 {
		placeholders := make([]string, len(opts.ServiceTypes))
		for i, serviceType := range opts.ServiceTypes {
			placeholders[i] = "?"
			args = append(args, serviceType)
		}
		conditions = append(conditions, fmt.Sprintf("service_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	if opts.VerifiedGTE > 0 {
		conditions = append(conditions, "verified_at >= ?")
		args = append(args, opts.VerifiedGTE)
	}
	if opts.VerifiedLTE > 0 {
		conditions = append(conditions, "verified_at <= ?")
		args = append(args, opts.VerifiedLTE)
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !forStats {
		if opts.Order == SortByVerifiedAsc {
			builder.WriteString(" ORDER BY verified_at ASC, signature ASC")
		} else {
			builder.WriteString(" ORDER BY verified_at DESC, signature ASC")
		}
		builder.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, opts.Limit, opts.Offset)
	}

	return builder.String(), args
}

// Close 关闭底层数据库连接。
func (s *MySQLLedger) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ensure interface compliance at compile time
var _ Ledger = (*MySQLLedger)(nil)

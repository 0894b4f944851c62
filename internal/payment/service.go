package payment

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
	"github.com/elevenyellow/pardon-simulator/pkg/logger"
)

// Service 负责支付请求的创建与核实结果的入账。
type Service struct {
	ledger    Ledger
	catalog   *Catalog
	directory *Directory
	ttl       time.Duration
}

// NewService 构造支付服务。
func NewService(ledger Ledger, catalog *Catalog, directory *Directory, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &Service{ledger: ledger, catalog: catalog, directory: directory, ttl: ttl}
}

// CreateRequest 为指定服务创建一条支付请求并写入台账。收款地址
// 优先取服务配置的覆盖地址，其次取目标角色的钱包，最后回落到国库。
func (s *Service) CreateRequest(ctx context.Context, fromActor, toActor, serviceType string) (*Request, error) {
	if s.ledger == nil || s.catalog == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "支付服务未初始化")
	}
	if strings.TrimSpace(fromActor) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "from_actor 不能为空")
	}

	spec, err := s.catalog.Lookup(serviceType)
	if err != nil {
		return nil, err
	}

	recipient := spec.Recipient
	if recipient == "" && s.directory != nil {
		if address, dirErr := s.directory.AddressOf(toActor); dirErr == nil {
			recipient = address
		}
	}
	if recipient == "" && s.directory != nil {
		recipient = s.directory.Treasury()
	}
	if recipient == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "无法确定收款地址")
	}

	now := time.Now()
	req := &Request{
		PaymentID:   uuid.NewString(),
		FromActor:   fromActor,
		ToActor:     toActor,
		ServiceType: serviceType,
		Amount:      spec.Amount,
		Recipient:   recipient,
		Status:      RequestPending,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(s.ttl).Unix(),
	}
	if err := s.ledger.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	logger.Audit().Info("支付请求已创建",
		slog.String("payment_id", req.PaymentID),
		slog.String("from", fromActor),
		slog.String("to", toActor),
		slog.String("service_type", serviceType),
		slog.Float64("amount", spec.Amount),
	)
	return req, nil
}

// ImportRequest 登记由会话消息宣告的支付请求，payment_id 由宣告方
// 生成。重复宣告视为幂等，不报错。
func (s *Service) ImportRequest(ctx context.Context, paymentID, fromActor, toActor string, amount float64) error {
	if s.ledger == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "支付服务未初始化")
	}
	if strings.TrimSpace(paymentID) == "" || amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付请求缺少 payment_id 或金额非法")
	}

	recipient := ""
	if s.directory != nil {
		if address, err := s.directory.AddressOf(toActor); err == nil {
			recipient = address
		}
		if recipient == "" {
			recipient = s.directory.Treasury()
		}
	}

	now := time.Now()
	req := &Request{
		PaymentID: paymentID,
		FromActor: fromActor,
		ToActor:   toActor,
		Amount:    amount,
		Recipient: recipient,
		Status:    RequestPending,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
	}
	err := s.ledger.CreateRequest(ctx, req)
	if stdErrors.Is(err, ErrRequestConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	logger.Audit().Info("外部支付请求已登记",
		slog.String("payment_id", paymentID),
		slog.String("from", fromActor),
		slog.String("to", toActor),
		slog.Float64("amount", amount),
	)
	return nil
}

// RecordVerified 把一笔核实通过的支付写入台账。签名重复时返回
// 已有记录并标记 alreadyRecorded，不产生二次记账。
func (s *Service) RecordVerified(ctx context.Context, record *Record) (*Record, bool, error) {
	if s.ledger == nil {
		return nil, false, xerrors.New(xerrors.CodeInitializationFailure, "支付服务未初始化")
	}
	if record == nil || strings.TrimSpace(record.Signature) == "" {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "签名不能为空")
	}

	err := s.ledger.RecordPayment(ctx, record)
	if err == nil {
		if record.PaymentID != "" {
			if markErr := s.ledger.MarkRequestStatus(ctx, record.PaymentID, RequestCompleted); markErr != nil &&
				!stdErrors.Is(markErr, ErrRequestNotFound) {
				logger.L().Warn("更新支付请求状态失败",
					slog.Any("error", markErr),
					slog.String("payment_id", record.PaymentID))
			}
		}
		logger.Audit().Info("支付已入账",
			slog.String("signature", record.Signature),
			slog.String("service_type", record.ServiceType),
			slog.Float64("amount", record.Amount),
		)
		return record, false, nil
	}
	if stdErrors.Is(err, ErrDuplicateSignature) {
		existing, getErr := s.ledger.GetPayment(ctx, record.Signature)
		if getErr != nil {
			return nil, true, getErr
		}
		return existing, true, nil
	}
	return nil, false, err
}

// Catalog 返回定价目录。
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// Ledger 返回底层台账。
func (s *Service) Ledger() Ledger {
	return s.ledger
}

// RunExpiry 周期性地把超期的 pending 请求标记为过期，直到 ctx
// 被取消。
func (s *Service) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.ledger.ExpireRequests(ctx, time.Now().Unix())
			if err != nil {
				logger.L().Warn("过期清理失败", slog.Any("error", err))
				continue
			}
			if expired > 0 {
				logger.L().Info("已过期的支付请求", slog.Int("count", expired))
			}
		}
	}
}

// Close 释放台账资源。
func (s *Service) Close() error {
	if s.ledger != nil {
		return s.ledger.Close()
	}
	return nil
}

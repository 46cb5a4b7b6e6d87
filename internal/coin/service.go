package coin

import (
	"context"
	"log/slog"
	"strings"

	xerrors "PCGS-CoinDB/internal/errors"
	"PCGS-CoinDB/internal/events"
	"PCGS-CoinDB/pkg/logger"
)

// Service 封装证书记录的读写，并发布 coin.* 事件。
type Service struct {
	store     Store
	publisher events.Publisher
}

// NewService 构造证书服务。publisher 可以为 nil。
func NewService(store Store, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{store: store, publisher: publisher}
}

// Save 把抓取结果写入存储。失败只记录日志并返回 false，调用方据此决定是否继续。
func (s *Service) Save(ctx context.Context, payload Payload) bool {
	record, err := s.SaveRecord(ctx, payload)
	if err != nil {
		logger.L().Error("保存证书记录失败",
			slog.String("cert_number", payload.CertNumber()),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		return false
	}
	logger.L().Info("证书记录已保存", slog.String("cert_number", record.CertNumber), slog.Int64("id", record.ID))
	return true
}

// SaveRecord 与 Save 相同，但把错误返回给调用方。
func (s *Service) SaveRecord(ctx context.Context, payload Payload) (*Record, error) {
	record, err := RecordFromPayload(payload)
	if err != nil {
		return nil, err
	}
	if err := s.store.Upsert(ctx, record); err != nil {
		return nil, err
	}
	logger.Audit().Info("证书记录写入", slog.String("cert_number", record.CertNumber))
	events.Emit(ctx, s.publisher, events.Event{Type: events.CoinSaved, CertNumber: record.CertNumber})
	return record, nil
}

// Get 按证书号查询记录。
func (s *Service) Get(ctx context.Context, certNumber string) (*Record, error) {
	cert := strings.TrimSpace(certNumber)
	if cert == "" {
		return nil, xerrors.New(CodeCoinValidation, "证书号不能为空")
	}
	return s.store.Get(ctx, cert)
}

// List 返回全部记录，最新创建的在前。
func (s *Service) List(ctx context.Context) ([]*Record, error) {
	return s.store.List(ctx)
}

// Delete 删除记录，记录不存在时返回 false。
func (s *Service) Delete(ctx context.Context, certNumber string) (bool, error) {
	cert := strings.TrimSpace(certNumber)
	if cert == "" {
		return false, xerrors.New(CodeCoinValidation, "证书号不能为空")
	}
	ok, err := s.store.Delete(ctx, cert)
	if err != nil || !ok {
		return ok, err
	}
	logger.Audit().Info("证书记录已删除", slog.String("cert_number", cert))
	events.Emit(ctx, s.publisher, events.Event{Type: events.CoinDeleted, CertNumber: cert})
	return true, nil
}

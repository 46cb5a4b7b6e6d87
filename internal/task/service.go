package task

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "PCGS-CoinDB/internal/errors"
	"PCGS-CoinDB/internal/events"
	"PCGS-CoinDB/pkg/logger"
)

// Service 负责任务的创建、认领与查询，并发布生命周期事件。
type Service struct {
	store     Store
	publisher events.Publisher
}

// NewService 构造任务服务。publisher 可以为 nil。
func NewService(store Store, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{store: store, publisher: publisher}
}

// Enqueue 为单个证书号创建任务。
func (s *Service) Enqueue(ctx context.Context, certNumber string) (int64, error) {
	if s.store == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	cert := strings.TrimSpace(certNumber)
	if cert == "" {
		return 0, xerrors.New(CodeTaskValidation, "证书号不能为空")
	}
	id, err := s.store.Enqueue(ctx, cert)
	if err != nil {
		return 0, err
	}
	logger.Audit().Info("任务入队成功", slog.Int64("task_id", id), slog.String("cert_number", cert))
	events.Emit(ctx, s.publisher, events.Event{Type: events.TaskEnqueued, TaskID: id, CertNumber: cert})
	return id, nil
}

// EnqueueBatch 为每个去除空白后非空的证书号创建任务，返回的 ID 与输入顺序一致。
func (s *Service) EnqueueBatch(ctx context.Context, certNumbers []string) ([]int64, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	certs := make([]string, 0, len(certNumbers))
	for _, c := range certNumbers {
		if trimmed := strings.TrimSpace(c); trimmed != "" {
			certs = append(certs, trimmed)
		}
	}
	if len(certs) == 0 {
		return nil, xerrors.New(CodeTaskValidation, "证书号列表不能为空")
	}
	ids, err := s.store.EnqueueBatch(ctx, certs)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("批量任务入队成功", slog.Int("count", len(ids)))
	for i, id := range ids {
		events.Emit(ctx, s.publisher, events.Event{Type: events.TaskEnqueued, TaskID: id, CertNumber: certs[i]})
	}
	return ids, nil
}

// ClaimNext 认领最早的 pending 任务，没有任务时返回 nil。
func (s *Service) ClaimNext(ctx context.Context) (*Task, error) {
	t, err := s.store.ClaimNext(ctx)
	if err != nil || t == nil {
		return nil, err
	}
	events.Emit(ctx, s.publisher, events.Event{Type: events.TaskStarted, TaskID: t.ID, CertNumber: t.CertNumber})
	return t, nil
}

// Complete 记录任务的最终结果。
func (s *Service) Complete(ctx context.Context, t *Task, success bool, errorMessage string) error {
	if err := s.store.Complete(ctx, t.ID, success, errorMessage); err != nil {
		return err
	}
	event := events.Event{Type: events.TaskCompleted, TaskID: t.ID, CertNumber: t.CertNumber}
	if !success {
		event.Type = events.TaskFailed
		event.Message = errorMessage
	}
	logger.Audit().Info("任务结束",
		slog.Int64("task_id", t.ID),
		slog.String("cert_number", t.CertNumber),
		slog.String("status", string(event.Type)),
	)
	events.Emit(ctx, s.publisher, event)
	return nil
}

// Get 返回指定任务。
func (s *Service) Get(ctx context.Context, id int64) (*Task, error) {
	return s.store.Get(ctx, id)
}

// List 返回按创建时间倒序排列的任务。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回各状态的任务数量。
func (s *Service) Stats(ctx context.Context) (TaskStats, error) {
	return s.store.Stats(ctx)
}

// Delete 删除单个任务，任务不存在时返回 false。
func (s *Service) Delete(ctx context.Context, id int64) (bool, error) {
	ok, err := s.store.Delete(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	logger.Audit().Info("任务已删除", slog.Int64("task_id", id))
	events.Emit(ctx, s.publisher, events.Event{Type: events.TaskDeleted, TaskID: id})
	return true, nil
}

// ClearTerminal 删除全部终态任务并返回删除数量。
func (s *Service) ClearTerminal(ctx context.Context) (int64, error) {
	n, err := s.store.ClearTerminal(ctx)
	if err != nil {
		return 0, err
	}
	logger.Audit().Info("终态任务已清理", slog.Int64("deleted", n))
	events.Emit(ctx, s.publisher, events.Event{Type: events.TasksCleared, Data: map[string]any{"deleted": n}})
	return n, nil
}

// RecoverOrphaned 把开始处理超过 staleAfter 仍为 running 的任务标记为 failed，不会自动重试。
// staleAfter 应覆盖单个任务最长的处理时间，其他消费者正在处理的任务因此不会被误判。
func (s *Service) RecoverOrphaned(ctx context.Context, staleAfter time.Duration) (int64, error) {
	if staleAfter < 0 {
		staleAfter = 0
	}
	n, err := s.store.FailRunning(ctx, time.Now().UTC().Add(-staleAfter), OrphanedMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.L().Warn("发现中断的任务，已标记为失败", slog.Int64("count", n))
	}
	return n, nil
}

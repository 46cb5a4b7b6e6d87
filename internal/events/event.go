package events

import (
	"context"
	"log/slog"
	"time"

	xerrors "PCGS-CoinDB/internal/errors"
	"PCGS-CoinDB/pkg/logger"
)

// Type 表示生命周期事件的类型，同时作为 RabbitMQ 的 routing key。
type Type string

const (
	TaskEnqueued  Type = "task.enqueued"
	TaskStarted   Type = "task.started"
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
	TaskDeleted   Type = "task.deleted"
	TasksCleared  Type = "tasks.cleared"
	CoinSaved     Type = "coin.saved"
	CoinDeleted   Type = "coin.deleted"
)

// Event 描述一次任务或证书记录的状态变化。
type Event struct {
	Type       Type           `json:"type"`
	TaskID     int64          `json:"task_id,omitempty"`
	CertNumber string         `json:"cert_number,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher 将事件投递到外部系统。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop 丢弃所有事件。
type Nop struct{}

// Publish 不做任何事。
func (Nop) Publish(context.Context, Event) error { return nil }

// Close 不做任何事。
func (Nop) Close() error { return nil }

// Emit 尽力发布事件：失败只记录日志，不影响调用方。
func Emit(ctx context.Context, p Publisher, event Event) {
	if p == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := p.Publish(ctx, event); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeEventFailure, err, "发布事件失败")
		logger.L().Warn("事件发布失败",
			slog.String("event", string(event.Type)),
			slog.Int64("task_id", event.TaskID),
			slog.String("cert_number", event.CertNumber),
			slog.Any("error", wrapped),
		)
	}
}

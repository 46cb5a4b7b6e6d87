package task

import (
	"context"
	"time"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	// Enqueue 插入一条 pending 任务并返回其 ID。
	Enqueue(ctx context.Context, certNumber string) (int64, error)
	// EnqueueBatch 按输入顺序插入多条任务，整体成功或整体失败。
	EnqueueBatch(ctx context.Context, certNumbers []string) ([]int64, error)
	// ClaimNext 原子地取出最早的 pending 任务并标记为 running，没有任务时返回 nil。
	ClaimNext(ctx context.Context) (*Task, error)
	// Complete 把任务标记为 completed 或 failed，重复调用只会重新记录完成时间。
	Complete(ctx context.Context, id int64, success bool, errorMessage string) error
	Get(ctx context.Context, id int64) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Delete(ctx context.Context, id int64) (bool, error)
	ClearTerminal(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (TaskStats, error)
	// FailRunning 把 started_at 早于 startedBefore 的 running 任务标记为 failed，返回受影响的行数。
	FailRunning(ctx context.Context, startedBefore time.Time, errorMessage string) (int64, error)
}

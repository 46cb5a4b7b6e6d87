// Package retention 按 cron 表达式周期性清理已结束的任务。
package retention

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "PCGS-CoinDB/internal/errors"
	"PCGS-CoinDB/internal/observability/metrics"
	"PCGS-CoinDB/pkg/logger"
)

const runTimeout = 30 * time.Second

// Clearer 删除所有已完成或失败的任务并返回删除数量。
type Clearer interface {
	ClearTerminal(ctx context.Context) (int64, error)
}

// Parser 解析标准五段式 cron 表达式。
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Janitor 周期性调用 ClearTerminal。
type Janitor struct {
	tasks    Clearer
	schedule string
	cron     *cron.Cron
	log      *slog.Logger

	mu      sync.Mutex
	started bool
}

// New 校验表达式并创建清理器。schedule 为空时返回 nil, nil，表示不启用。
func New(tasks Clearer, schedule string) (*Janitor, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, nil
	}
	if _, err := Parser.Parse(schedule); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "清理计划表达式无效",
			xerrors.WithMetadata("schedule", schedule))
	}
	j := &Janitor{
		tasks:    tasks,
		schedule: schedule,
		cron:     cron.New(cron.WithParser(Parser)),
		log:      logger.Named("retention"),
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.RunOnce(context.Background()) }); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "注册清理计划失败")
	}
	return j, nil
}

// Start 启动 cron 调度，重复调用无副作用。
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return
	}
	j.started = true
	j.cron.Start()
	j.log.Info("任务清理计划已启动", slog.String("schedule", j.schedule))
}

// Stop 停止调度并等待正在执行的清理结束，或直到 ctx 结束。
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return nil
	}
	j.started = false
	j.mu.Unlock()

	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce 执行一次清理。
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	n, err := j.tasks.ClearTerminal(ctx)
	if err != nil {
		j.log.Error("定期清理任务失败",
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		return 0, err
	}
	metrics.RetentionDeleted(n)
	j.log.Info("定期清理任务完成", slog.Int64("deleted", n))
	return n, nil
}

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"PCGS-CoinDB/internal/coin"
	xerrors "PCGS-CoinDB/internal/errors"
	"PCGS-CoinDB/internal/observability/alerting"
	"PCGS-CoinDB/internal/observability/metrics"
	"PCGS-CoinDB/internal/task"
	"PCGS-CoinDB/pkg/logger"
)

const (
	defaultInterval        = 5 * time.Second
	defaultFetchTimeout    = 90 * time.Second
	defaultCompleteTimeout = 10 * time.Second
)

// State 表示调度器所处的阶段。
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Tasks 是调度器依赖的任务操作。
type Tasks interface {
	ClaimNext(ctx context.Context) (*task.Task, error)
	Complete(ctx context.Context, t *task.Task, success bool, errorMessage string) error
	RecoverOrphaned(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// Coins 保存抓取结果，失败时返回 false。
type Coins interface {
	Save(ctx context.Context, payload coin.Payload) bool
}

// Fetcher 根据证书号抓取数据，可能耗时数秒。
type Fetcher interface {
	Fetch(ctx context.Context, certNumber string) (coin.Payload, error)
}

// Scheduler 是单实例的后台轮询循环：每轮认领一个任务、抓取、写入结果，然后休眠固定间隔。
type Scheduler struct {
	tasks   Tasks
	coins   Coins
	fetcher Fetcher

	interval        time.Duration
	fetchTimeout    time.Duration
	completeTimeout time.Duration
	logger          *slog.Logger
	alerts          alerting.Dispatcher

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithInterval 设置两轮之间的休眠时间。
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithFetchTimeout 设置单次抓取的超时时间，同时也是 Stop 等待进行中抓取的上限。
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAlerts 在认领、完成、保存等基础设施错误需要告警时通知 d。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Scheduler) { s.alerts = d }
}

// New 构造调度器，处于 stopped 状态。
func New(tasks Tasks, coins Coins, fetcher Fetcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:           tasks,
		coins:           coins,
		fetcher:         fetcher,
		interval:        defaultInterval,
		fetchTimeout:    defaultFetchTimeout,
		completeTimeout: defaultCompleteTimeout,
		logger:          logger.Named("scheduler"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// State 返回当前状态。
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start 在独立的 goroutine 中启动轮询，不阻塞调用方。已在运行时只记录警告。
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		s.logger.Warn("调度器已在运行", slog.String("state", s.state.String()))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.state = StateRunning
	s.cancel = cancel
	s.done = make(chan struct{})
	metrics.SetSchedulerRunning(true)

	go s.loop(ctx, s.done)
	s.logger.Info("调度器已启动", slog.Duration("interval", s.interval), slog.Duration("fetch_timeout", s.fetchTimeout))
}

// Stop 取消休眠并等待当前轮次结束。进行中的抓取不会被中断，最长等待 fetch_timeout；
// 若 ctx 先到期则返回 ctx.Err()，循环仍会在后台完成并记录该任务。
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.state = StateStopped
		s.cancel = nil
		s.mu.Unlock()
		metrics.SetSchedulerRunning(false)
		close(done)
		s.logger.Info("调度器已停止")
	}()

	var lastRecovered time.Time
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if time.Since(lastRecovered) >= s.staleAfter() {
			s.recoverOrphaned(ctx)
			lastRecovered = time.Now()
		}
		s.runOnce(ctx)
		timer.Reset(s.interval)
	}
}

// staleAfter 是单个任务最长的处理时间：抓取、保存与完成各自的超时之和。
// 超过该时间仍为 running 的任务不可能再被任何消费者完成。
func (s *Scheduler) staleAfter() time.Duration {
	return s.fetchTimeout + 2*s.completeTimeout
}

func (s *Scheduler) recoverOrphaned(ctx context.Context) {
	n, err := s.tasks.RecoverOrphaned(ctx, s.staleAfter())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.SchedulerError("recover")
		s.logger.Error("恢复中断任务失败", slog.Any("error", err))
		s.raise("recover", err, nil)
		return
	}
	if n > 0 {
		s.logger.Warn("已将中断的任务标记为失败", slog.Int64("count", n))
	}
}

// runOnce 执行一轮：认领、抓取、保存、完成。任何错误都只影响本轮。
func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerError("panic")
			s.logger.Error("调度轮次发生 panic", slog.Any("panic", r))
			s.raise("panic", xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("panic: %v", r)), nil)
		}
	}()

	t, err := s.tasks.ClaimNext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.SchedulerError("claim")
		s.logger.Error("认领任务失败", slog.Any("error", err))
		s.raise("claim", err, nil)
		return
	}
	if t == nil {
		return
	}
	metrics.TaskClaimed()
	s.process(t)
}

// process 在脱离循环 ctx 的上下文中运行，Stop 不会让任务停留在 running。
func (s *Scheduler) process(t *task.Task) {
	attrs := []any{slog.Int64("task_id", t.ID), slog.String("cert_number", t.CertNumber)}
	completed := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		metrics.SchedulerError("panic")
		s.logger.Error("处理任务时发生 panic", append(attrs, slog.Any("panic", r))...)
		s.raise("panic", xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("panic: %v", r)), t)
		if !completed {
			s.complete(t, false, fmt.Sprintf("panic: %v", r))
		}
	}()

	s.logger.Info("开始处理任务", attrs...)
	started := time.Now()
	payload, fetchErr := s.fetch(t.CertNumber)
	elapsed := time.Since(started)

	if fetchErr != nil {
		metrics.TaskFinished(metrics.OutcomeFailed, elapsed)
		s.logger.Warn("任务失败", append(attrs, slog.Duration("elapsed", elapsed), slog.Any("error", fetchErr))...)
		completed = true
		s.complete(t, false, fetchErr.Error())
		return
	}

	if payload.CertNumber() == "" {
		payload["cert_number"] = t.CertNumber
	}
	// 保存失败不影响任务状态，只记录日志和指标。
	if !s.save(payload) {
		metrics.CoinSaveFailed()
		s.logger.Error("抓取成功但保存失败，任务仍标记为完成",
			append(attrs, slog.String("code", string(xerrors.CodeStorageFailure)))...)
		s.raise("save", xerrors.New(xerrors.CodeStorageFailure, "保存证书记录失败"), t)
	}
	metrics.TaskFinished(metrics.OutcomeCompleted, elapsed)
	completed = true
	if s.complete(t, true, "") {
		s.logger.Info("任务完成", append(attrs, slog.Duration("elapsed", elapsed))...)
	}
}

func (s *Scheduler) save(payload coin.Payload) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.completeTimeout)
	defer cancel()
	return s.coins.Save(ctx, payload)
}

// complete 使用独立的超时记录任务结果，不受保存阶段耗时影响。
func (s *Scheduler) complete(t *task.Task, success bool, errorMessage string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.completeTimeout)
	defer cancel()
	if err := s.tasks.Complete(ctx, t, success, errorMessage); err != nil {
		metrics.SchedulerError("complete")
		s.logger.Error("更新任务状态失败",
			slog.Int64("task_id", t.ID), slog.String("cert_number", t.CertNumber), slog.Any("error", err))
		s.raise("complete", err, t)
		return false
	}
	return true
}

func (s *Scheduler) fetch(certNumber string) (payload coin.Payload, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			payload, err = nil, fmt.Errorf("抓取发生 panic: %v", r)
		}
	}()
	payload, err = s.fetcher.Fetch(ctx, certNumber)
	if err == nil && len(payload) == 0 {
		err = fmt.Errorf("未获取到证书 %s 的数据", certNumber)
	}
	return payload, err
}

// raise 把需要告警的错误交给告警通道，通知失败只记日志。
func (s *Scheduler) raise(stage string, err error, t *task.Task) {
	if s.alerts == nil {
		return
	}
	event, ok := alerting.FromError(stage, err)
	if !ok {
		return
	}
	if t != nil {
		event.TaskID = t.ID
		event.CertNumber = t.CertNumber
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.completeTimeout)
	defer cancel()
	if nerr := s.alerts.Notify(ctx, event); nerr != nil {
		s.logger.Warn("发送告警失败", slog.String("stage", stage), slog.Any("error", nerr))
	}
}

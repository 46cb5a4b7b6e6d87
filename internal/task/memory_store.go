package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 是基于内存的任务存储，仅用于测试与本地调试，进程退出后数据丢失。
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	tasks  map[int64]*Task
	now    func() time.Time
}

// NewMemoryStore 创建内存任务存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[int64]*Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue 插入一条 pending 任务。
func (s *MemoryStore) Enqueue(ctx context.Context, certNumber string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(certNumber), nil
}

// EnqueueBatch 按顺序插入多条任务。
func (s *MemoryStore) EnqueueBatch(ctx context.Context, certNumbers []string) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(certNumbers))
	for _, cert := range certNumbers {
		ids = append(ids, s.insertLocked(cert))
	}
	return ids, nil
}

func (s *MemoryStore) insertLocked(certNumber string) int64 {
	s.nextID++
	s.tasks[s.nextID] = &Task{
		ID:         s.nextID,
		CertNumber: certNumber,
		Status:     StatusPending,
		CreatedAt:  s.now().Truncate(time.Millisecond),
	}
	return s.nextID
}

// ClaimNext 在互斥锁内完成选择与状态切换。
func (s *MemoryStore) ClaimNext(ctx context.Context) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *Task
	for _, t := range s.tasks {
		if t.Status != StatusPending {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) ||
			(t.CreatedAt.Equal(oldest.CreatedAt) && t.ID < oldest.ID) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, nil
	}
	started := s.now().Truncate(time.Millisecond)
	oldest.Status = StatusRunning
	oldest.StartedAt = &started
	return oldest.Clone(), nil
}

// Complete 更新任务终态。
func (s *MemoryStore) Complete(ctx context.Context, id int64, success bool, errorMessage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	completed := s.now().Truncate(time.Millisecond)
	t.CompletedAt = &completed
	if success {
		t.Status = StatusCompleted
		t.ErrorMessage = ""
	} else {
		t.Status = StatusFailed
		t.ErrorMessage = errorMessage
	}
	return nil
}

// Get 返回任务副本。
func (s *MemoryStore) Get(ctx context.Context, id int64) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// List 返回按创建时间倒序排列的任务。
func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	allowed := make(map[Status]struct{}, len(opts.Statuses))
	for _, st := range opts.Statuses {
		allowed[st] = struct{}{}
	}

	s.mu.RLock()
	matched := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if len(allowed) > 0 {
			if _, ok := allowed[t.Status]; !ok {
				continue
			}
		}
		matched = append(matched, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if opts.Offset >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[opts.Offset:]
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Delete 删除指定任务。
func (s *MemoryStore) Delete(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false, nil
	}
	delete(s.tasks, id)
	return true, nil
}

// ClearTerminal 删除所有 completed 与 failed 任务。
func (s *MemoryStore) ClearTerminal(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, t := range s.tasks {
		if t.Status.IsTerminal() {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// Stats 统计各状态的任务数量。
func (s *MemoryStore) Stats(ctx context.Context) (TaskStats, error) {
	if err := ctx.Err(); err != nil {
		return TaskStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats TaskStats
	for _, t := range s.tasks {
		stats.add(t.Status, 1)
	}
	return stats, nil
}

// FailRunning 把 startedBefore 之前开始的 running 任务标记为 failed。
func (s *MemoryStore) FailRunning(ctx context.Context, startedBefore time.Time, errorMessage string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	completed := s.now().Truncate(time.Millisecond)
	for _, t := range s.tasks {
		if t.Status != StatusRunning || t.StartedAt == nil || !t.StartedAt.Before(startedBefore) {
			continue
		}
		at := completed
		t.Status = StatusFailed
		t.ErrorMessage = errorMessage
		t.CompletedAt = &at
		n++
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)

package coin

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 是基于内存的证书记录存储，仅用于测试与本地调试。
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Upsert 覆盖同一证书号的记录，保留原有 ID。
func (s *MemoryStore) Upsert(ctx context.Context, record *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Truncate(time.Millisecond)
	stored := record.Clone()
	if existing, ok := s.records[record.CertNumber]; ok {
		stored.ID = existing.ID
	} else {
		s.nextID++
		stored.ID = s.nextID
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.records[record.CertNumber] = stored
	record.ID = stored.ID
	record.CreatedAt = now
	record.UpdatedAt = now
	return nil
}

// Get 返回记录副本。
func (s *MemoryStore) Get(ctx context.Context, certNumber string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[certNumber]
	if !ok {
		return nil, ErrCoinNotFound
	}
	return r.Clone(), nil
}

// List 按创建时间倒序返回全部记录。
func (s *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete 删除指定证书号的记录。
func (s *MemoryStore) Delete(ctx context.Context, certNumber string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[certNumber]; !ok {
		return false, nil
	}
	delete(s.records, certNumber)
	return true, nil
}

var _ Store = (*MemoryStore)(nil)

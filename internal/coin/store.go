package coin

import "context"

// Store 抽象了证书记录的持久化接口，按 cert_number 唯一。
type Store interface {
	// Upsert 插入或整体覆盖同一证书号的记录。
	Upsert(ctx context.Context, record *Record) error
	Get(ctx context.Context, certNumber string) (*Record, error)
	// List 按创建时间倒序返回全部记录。
	List(ctx context.Context) ([]*Record, error)
	Delete(ctx context.Context, certNumber string) (bool, error)
}

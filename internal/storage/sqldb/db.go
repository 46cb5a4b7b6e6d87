package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	xerrors "PCGS-CoinDB/internal/errors"
)

// Config 描述数据库连接参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Querier 是 DB 与 Tx 共同提供的查询能力，占位符统一使用 ?。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Dialect() Dialect
}

// DB 包装 *sql.DB，在执行前按方言改写占位符。
type DB struct {
	*sql.DB
	dialect Dialect
}

// Open 建立连接、设置连接池并执行内置迁移。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "数据库配置无效")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}

	dsn := cfg.DSN
	if dialect == SQLite {
		dsn, err = prepareSQLite(dsn)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "准备 SQLite 数据文件失败")
		}
	}

	conn, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开数据库失败")
	}
	configurePool(conn, dialect, cfg)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "无法连接到数据库")
	}

	db := &DB{DB: conn, dialect: dialect}
	if err := db.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func configurePool(conn *sql.DB, dialect Dialect, cfg Config) {
	// SQLite 只允许单个写入者，单连接可以避免 SQLITE_BUSY。
	if dialect == SQLite {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		return
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		conn.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		conn.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		conn.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

// prepareSQLite 创建数据目录并补齐 busy_timeout、立即写锁等参数。
func prepareSQLite(dsn string) (string, error) {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	params := []string{"_busy_timeout=5000", "_txlock=immediate", "_foreign_keys=on"}
	var missing []string
	for _, p := range params {
		name := p[:strings.IndexByte(p, '=')]
		if !strings.Contains(dsn, name+"=") {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return dsn, nil
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(missing, "&"), nil
}

// Dialect 返回当前连接的方言。
func (db *DB) Dialect() Dialect { return db.dialect }

// ExecContext 执行写语句。
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.DB.ExecContext(ctx, db.dialect.Rebind(query), args...)
}

// QueryContext 执行查询。
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.DB.QueryContext(ctx, db.dialect.Rebind(query), args...)
}

// QueryRowContext 执行单行查询。
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.DB.QueryRowContext(ctx, db.dialect.Rebind(query), args...)
}

// WithTx 在事务中执行 fn，fn 返回错误时回滚。
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	raw, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	tx := &Tx{tx: raw, dialect: db.dialect}
	if err := fn(tx); err != nil {
		_ = raw.Rollback()
		return err
	}
	return raw.Commit()
}

// Tx 是按方言改写占位符的事务句柄。
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// Dialect 返回当前事务的方言。
func (t *Tx) Dialect() Dialect { return t.dialect }

// ExecContext 执行写语句。
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

// QueryContext 执行查询。
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

// QueryRowContext 执行单行查询。
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// InsertID 执行 INSERT 并返回自增主键。PostgreSQL 不支持 LastInsertId，改用 RETURNING。
func InsertID(ctx context.Context, q Querier, query string, args ...any) (int64, error) {
	if q.Dialect() == Postgres {
		var id int64
		if err := q.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

var (
	_ Querier = (*DB)(nil)
	_ Querier = (*Tx)(nil)
)

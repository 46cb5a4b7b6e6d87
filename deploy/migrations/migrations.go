package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

// Files 暴露所有 SQL 迁移文件，按方言分目录存放。
//
//go:embed sqlite/*.sql mysql/*.sql postgres/*.sql
var Files embed.FS

// For 返回指定方言目录下的迁移文件。
func For(dialect string) (fs.FS, error) {
	switch dialect {
	case "sqlite", "mysql", "postgres":
	default:
		return nil, fmt.Errorf("没有 %s 方言的迁移文件", dialect)
	}
	return fs.Sub(Files, dialect)
}

package sqldb

import (
	stdErrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Dialect 屏蔽 SQLite、MySQL、PostgreSQL 之间的语法差异。
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

// DialectFor 将配置中的驱动名称映射为方言。
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "mysql":
		return MySQL, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	default:
		return "", fmt.Errorf("不支持的数据库驱动: %s", driver)
	}
}

// DriverName 返回 database/sql 注册的驱动名。
func (d Dialect) DriverName() string {
	switch d {
	case MySQL:
		return "mysql"
	case Postgres:
		return "pgx"
	default:
		return "sqlite3"
	}
}

// Rebind 把 ? 占位符改写为当前方言的形式。引号内的问号保持不变。
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// LockClause 返回认领任务时附加在 SELECT 之后的行锁子句。
// SQLite 依赖 BEGIN IMMEDIATE 串行化写事务，不需要子句。
func (d Dialect) LockClause() string {
	switch d {
	case MySQL, Postgres:
		return " FOR UPDATE SKIP LOCKED"
	default:
		return ""
	}
}

// UpsertClause 生成按唯一键覆盖写入的冲突处理子句，columns 中的列全部被替换。
func (d Dialect) UpsertClause(key string, columns []string) string {
	sets := make([]string, 0, len(columns))
	for _, col := range columns {
		if col == key {
			continue
		}
		if d == MySQL {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", col, col))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	if d == MySQL {
		return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", key, strings.Join(sets, ", "))
}

// IsDuplicateKey 判断错误是否由唯一约束冲突导致。
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if stdErrors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if stdErrors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math"
	"strings"
	"time"

	xerrors "PCGS-CoinDB/internal/errors"
	"PCGS-CoinDB/internal/storage/sqldb"
)

// claimAttempts 限制认领时因竞争失败而重新选择的次数。
const claimAttempts = 3

const taskColumns = `id, cert_number, status, error_message, created_at, started_at, completed_at`

// SQLStore 基于 database/sql 的任务存储，支持 SQLite、MySQL 与 PostgreSQL。
type SQLStore struct {
	db  *sqldb.DB
	now func() time.Time
}

// NewSQLStore 使用已完成迁移的连接创建任务存储。
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue 插入一条 pending 任务。
func (s *SQLStore) Enqueue(ctx context.Context, certNumber string) (int64, error) {
	id, err := s.insert(ctx, s.db, certNumber, s.now())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return id, nil
}

// EnqueueBatch 在一个事务内按顺序插入多条任务。
func (s *SQLStore) EnqueueBatch(ctx context.Context, certNumbers []string) ([]int64, error) {
	ids := make([]int64, 0, len(certNumbers))
	err := s.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		for _, cert := range certNumbers {
			id, err := s.insert(ctx, tx, cert, s.now())
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量插入任务失败")
	}
	return ids, nil
}

func (s *SQLStore) insert(ctx context.Context, q sqldb.Querier, certNumber string, now time.Time) (int64, error) {
	return sqldb.InsertID(ctx, q,
		`INSERT INTO tasks (cert_number, status, created_at) VALUES (?, ?, ?)`,
		certNumber, string(StatusPending), millis(now))
}

// ClaimNext 在单个事务中选择最早的 pending 任务并切换为 running。
// UPDATE 带上 status 条件，并发认领者之间最多只有一个能成功。
func (s *SQLStore) ClaimNext(ctx context.Context) (*Task, error) {
	var claimed *Task
	err := s.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1` + tx.Dialect().LockClause()
		for attempt := 0; attempt < claimAttempts; attempt++ {
			candidate, err := scanTask(tx.QueryRowContext(ctx, query, string(StatusPending)))
			if stdErrors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}

			started := s.now().Truncate(time.Millisecond)
			res, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
				string(StatusRunning), millis(started), candidate.ID, string(StatusPending))
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 1 {
				candidate.Status = StatusRunning
				candidate.StartedAt = &started
				claimed = candidate
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "认领任务失败")
	}
	return claimed, nil
}

// Complete 更新任务终态并记录完成时间。
func (s *SQLStore) Complete(ctx context.Context, id int64, success bool, errorMessage string) error {
	status := StatusCompleted
	var message sql.NullString
	if !success {
		status = StatusFailed
		message = sql.NullString{String: errorMessage, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
		string(status), message, millis(s.now()), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		// MySQL 在值未变化时返回 0，需要再确认一次行是否存在。
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Get 查询单个任务。
func (s *SQLStore) Get(ctx context.Context, id int64) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return t, nil
}

// List 返回按创建时间倒序排列的任务。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	var (
		builder strings.Builder
		args    []any
	)
	builder.WriteString(`SELECT ` + taskColumns + ` FROM tasks`)
	if len(opts.Statuses) > 0 {
		builder.WriteString(` WHERE status IN (`)
		for i, st := range opts.Statuses {
			if i > 0 {
				builder.WriteString(", ")
			}
			builder.WriteString("?")
			args = append(args, string(st))
		}
		builder.WriteString(")")
	}
	builder.WriteString(` ORDER BY created_at DESC, id DESC`)
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit == 0 {
			limit = math.MaxInt32
		}
		builder.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务失败")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Delete 删除指定任务。
func (s *SQLStore) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取删除结果失败")
	}
	return affected > 0, nil
}

// ClearTerminal 删除所有 completed 与 failed 任务。
func (s *SQLStore) ClearTerminal(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE status IN (?, ?)`,
		string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取清理结果失败")
	}
	return affected, nil
}

// Stats 在一次查询中按状态分组计数。
func (s *SQLStore) Stats(ctx context.Context) (TaskStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务失败")
	}
	defer rows.Close()

	var stats TaskStats
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
		stats.add(Status(status), int(count))
	}
	if err := rows.Err(); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}
	return stats, nil
}

// FailRunning 把 startedBefore 之前开始的 running 任务标记为 failed，仍在处理中的任务不受影响。
func (s *SQLStore) FailRunning(ctx context.Context, startedBefore time.Time, errorMessage string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error_message = ?, completed_at = ? WHERE status = ? AND started_at < ?`,
		string(StatusFailed), errorMessage, millis(s.now()), string(StatusRunning), millis(startedBefore))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "恢复中断任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取恢复结果失败")
	}
	return affected, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t           Task
		status      string
		message     sql.NullString
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.CertNumber, &status, &message, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.ErrorMessage = message.String
	t.CreatedAt = fromMillis(createdAt)
	if startedAt.Valid {
		v := fromMillis(startedAt.Int64)
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := fromMillis(completedAt.Int64)
		t.CompletedAt = &v
	}
	return &t, nil
}

var _ Store = (*SQLStore)(nil)

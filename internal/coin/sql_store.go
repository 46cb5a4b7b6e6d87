package coin

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "PCGS-CoinDB/internal/errors"
	"PCGS-CoinDB/internal/storage/sqldb"
)

var upsertColumns = []string{
	"cert_number", "pcgs_number", "grade", "date_mintmark", "denomination",
	"price_guide_value", "population", "pop_higher", "mintage", "region",
	"holder_type", "security", "image_url", "local_image_path", "raw_data",
	"created_at", "updated_at",
}

var selectColumns = "id, " + strings.Join(upsertColumns, ", ")

// SQLStore 基于 database/sql 的证书记录存储。
type SQLStore struct {
	db          *sqldb.DB
	upsertQuery string
	now         func() time.Time
}

// NewSQLStore 使用已完成迁移的连接创建存储。
func NewSQLStore(db *sqldb.DB) *SQLStore {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(upsertColumns)), ", ")
	query := `INSERT INTO coins (` + strings.Join(upsertColumns, ", ") + `) VALUES (` + placeholders + `)` +
		db.Dialect().UpsertClause("cert_number", upsertColumns)
	return &SQLStore{
		db:          db,
		upsertQuery: query,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Upsert 按 cert_number 插入或覆盖全部列，行 ID 保持不变。
func (s *SQLStore) Upsert(ctx context.Context, record *Record) error {
	now := s.now().Truncate(time.Millisecond)
	var id int64
	err := s.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		if _, err := tx.ExecContext(ctx, s.upsertQuery,
			record.CertNumber,
			nullable(record.PCGSNumber),
			nullable(record.Grade),
			nullable(record.DateMintmark),
			nullable(record.Denomination),
			nullable(record.PriceGuideValue),
			nullable(record.Population),
			nullable(record.PopHigher),
			nullable(record.Mintage),
			nullable(record.Region),
			nullable(record.HolderType),
			nullable(record.Security),
			nullable(record.ImageURL),
			nullable(record.LocalImagePath),
			nullable(record.RawData),
			now.UnixMilli(),
			now.UnixMilli(),
		); err != nil {
			return err
		}
		// 插入与更新都保持行 ID 不变，统一回读。
		return tx.QueryRowContext(ctx, `SELECT id FROM coins WHERE cert_number = ?`, record.CertNumber).Scan(&id)
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存证书记录失败",
			xerrors.WithMetadata("cert_number", record.CertNumber))
	}
	record.ID = id
	record.CreatedAt = now
	record.UpdatedAt = now
	return nil
}

// Get 查询单条记录。
func (s *SQLStore) Get(ctx context.Context, certNumber string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM coins WHERE cert_number = ?`, certNumber))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrCoinNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询证书记录失败")
	}
	return r, nil
}

// List 按创建时间倒序返回全部记录。
func (s *SQLStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM coins ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询证书列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析证书记录失败")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历证书记录失败")
	}
	return records, nil
}

// Delete 删除指定证书号的记录。
func (s *SQLStore) Delete(ctx context.Context, certNumber string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM coins WHERE cert_number = ?`, certNumber)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除证书记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取删除结果失败")
	}
	return affected > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r                    Record
		cols                 [14]sql.NullString
		createdAt, updatedAt int64
	)
	dest := []any{&r.ID, &r.CertNumber}
	for i := range cols {
		dest = append(dest, &cols[i])
	}
	dest = append(dest, &createdAt, &updatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	fields := []*string{
		&r.PCGSNumber, &r.Grade, &r.DateMintmark, &r.Denomination,
		&r.PriceGuideValue, &r.Population, &r.PopHigher, &r.Mintage, &r.Region,
		&r.HolderType, &r.Security, &r.ImageURL, &r.LocalImagePath, &r.RawData,
	}
	for i, f := range fields {
		*f = cols[i].String
	}
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &r, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*SQLStore)(nil)

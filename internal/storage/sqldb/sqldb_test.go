package sqldb

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "nested", "coins.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRunsMigrationsOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one applied migration, got %d", count)
	}

	for _, table := range []string{"tasks", "coins"} {
		if _, err := db.ExecContext(ctx, "SELECT COUNT(*) FROM "+table); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestInsertIDAndDuplicateKey(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	insert := `INSERT INTO coins (cert_number, created_at, updated_at) VALUES (?, ?, ?)`
	id, err := InsertID(ctx, db, insert, "123", 1, 1)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id <= 0 {
		t.Fatalf("unexpected id %d", id)
	}
	_, err = InsertID(ctx, db, insert, "123", 2, 2)
	if !IsDuplicateKey(err) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks (cert_number, status, created_at) VALUES (?, 'pending', ?)`, "A", 1); err != nil {
			return err
		}
		return context.Canceled
	})
	if err != context.Canceled {
		t.Fatalf("expected callback error, got %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("rollback left %d rows", count)
	}
}

func TestRebind(t *testing.T) {
	got := Postgres.Rebind(`UPDATE tasks SET status = ?, note = 'why?' WHERE id = ?`)
	want := `UPDATE tasks SET status = $1, note = 'why?' WHERE id = $2`
	if got != want {
		t.Fatalf("rebind = %s", got)
	}
	if SQLite.Rebind("a = ?") != "a = ?" {
		t.Fatal("sqlite must keep question marks")
	}
}

func TestUpsertClause(t *testing.T) {
	cols := []string{"cert_number", "grade", "raw_data"}
	mysql := MySQL.UpsertClause("cert_number", cols)
	if !strings.Contains(mysql, "ON DUPLICATE KEY UPDATE grade = VALUES(grade), raw_data = VALUES(raw_data)") {
		t.Fatalf("mysql clause: %s", mysql)
	}
	pg := Postgres.UpsertClause("cert_number", cols)
	if pg != " ON CONFLICT (cert_number) DO UPDATE SET grade = excluded.grade, raw_data = excluded.raw_data" {
		t.Fatalf("postgres clause: %s", pg)
	}
	if SQLite.LockClause() != "" || Postgres.LockClause() == "" {
		t.Fatal("unexpected lock clauses")
	}
}

func TestDialectFor(t *testing.T) {
	for in, want := range map[string]Dialect{"sqlite3": SQLite, "MySQL": MySQL, "pgx": Postgres, "postgres": Postgres} {
		got, err := DialectFor(in)
		if err != nil || got != want {
			t.Fatalf("DialectFor(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := DialectFor("oracle"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Config{Driver: "sqlite3"}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestPrepareSQLiteKeepsExistingParams(t *testing.T) {
	dir := t.TempDir()
	dsn, err := prepareSQLite(filepath.Join(dir, "x.db") + "?_busy_timeout=100")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if strings.Count(dsn, "_busy_timeout") != 1 || !strings.Contains(dsn, "&_txlock=immediate") {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
}

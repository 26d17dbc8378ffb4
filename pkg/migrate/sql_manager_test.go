package migrate

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

var testFiles = fstest.MapFS{
	"m/001_init.up.sql":   {Data: []byte("CREATE TABLE a (id TEXT)")},
	"m/001_init.down.sql": {Data: []byte("DROP TABLE a")},
	"m/002_more.up.sql":   {Data: []byte("CREATE TABLE b (id TEXT)")},
	"m/README.md":         {Data: []byte("ignored")},
}

func expectApplied(mock sqlmock.Sqlmock, versions ...int64) {
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"version"})
	for _, v := range versions {
		rows.AddRow(v)
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).WillReturnRows(rows)
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations(testFiles, "m")
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) != 2 || migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Fatalf("migrations = %+v", migrations)
	}
	if migrations[0].DownSQL != "DROP TABLE a" || migrations[1].DownSQL != "" {
		t.Fatalf("down scripts = %q, %q", migrations[0].DownSQL, migrations[1].DownSQL)
	}
}

func TestLoadMigrations_Errors(t *testing.T) {
	tests := map[string]fstest.MapFS{
		"missing up":       {"m/001_init.down.sql": {Data: []byte("DROP TABLE a")}},
		"conflicting name": {"m/001_a.up.sql": {Data: []byte("x")}, "m/001_b.down.sql": {Data: []byte("y")}},
		"missing dir":      {},
	}
	for name, files := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := loadMigrations(files, "m"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	migrations, err := loadMigrations(Files, Dir)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) != 2 || migrations[0].Name != "create_users" || migrations[1].Name != "create_places" {
		t.Fatalf("migrations = %+v", migrations)
	}
	for _, m := range migrations {
		if m.DownSQL == "" {
			t.Fatalf("migration %d has no down script", m.Version)
		}
	}
}

func TestNewSQLMigrator_Validation(t *testing.T) {
	db, _ := newMock(t)
	if _, err := NewSQLMigrator(nil, testFiles, "m"); err == nil {
		t.Fatal("expected error for nil db")
	}
	if _, err := NewSQLMigrator(db, nil, "m"); err == nil {
		t.Fatal("expected error for nil fs")
	}
	if _, err := NewSQLMigrator(db, testFiles, " "); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestSQLMigrator_UpAppliesPendingOnly(t *testing.T) {
	db, mock := newMock(t)
	m, err := NewSQLMigrator(db, testFiles, "m")
	if err != nil {
		t.Fatal(err)
	}

	expectApplied(mock, 1)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id TEXT)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := m.Up(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Up() = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLMigrator_UpRollsBackFailedScript(t *testing.T) {
	db, mock := newMock(t)
	m, _ := NewSQLMigrator(db, testFiles, "m")

	expectApplied(mock)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE a (id TEXT)")).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	n, err := m.Up(context.Background())
	if err == nil || n != 0 {
		t.Fatalf("Up() = %d, %v; want failure", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLMigrator_DownRevertsLatestFirst(t *testing.T) {
	db, mock := newMock(t)
	m, _ := NewSQLMigrator(db, fstest.MapFS{
		"m/001_init.up.sql":   {Data: []byte("CREATE TABLE a (id TEXT)")},
		"m/001_init.down.sql": {Data: []byte("DROP TABLE a")},
		"m/002_more.up.sql":   {Data: []byte("CREATE TABLE b (id TEXT)")},
		"m/002_more.down.sql": {Data: []byte("DROP TABLE b")},
	}, "m")

	expectApplied(mock, 1, 2)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE b")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM schema_migrations")).WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := m.Down(context.Background(), 1)
	if err != nil || n != 1 {
		t.Fatalf("Down() = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLMigrator_DownWithoutScriptFails(t *testing.T) {
	db, mock := newMock(t)
	m, _ := NewSQLMigrator(db, testFiles, "m")

	expectApplied(mock, 1, 2)
	if _, err := m.Down(context.Background(), 1); err == nil {
		t.Fatal("expected error for missing down script")
	}
}

func TestSQLMigrator_Status(t *testing.T) {
	db, mock := newMock(t)
	m, _ := NewSQLMigrator(db, testFiles, "m")

	expectApplied(mock, 1)
	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(status.AppliedVersions) != 1 || len(status.Pending) != 1 || status.Pending[0].Name != "more" {
		t.Fatalf("status = %+v", status)
	}
}

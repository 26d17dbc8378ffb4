package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

var migrationNamePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+)\.(up|down)\.sql$`)

// Migration is one versioned pair of up and down scripts.
type Migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// SQLMigrator applies migrations to PostgreSQL, recording them in
// schema_migrations. Each migration runs in its own transaction.
type SQLMigrator struct {
	db         *sqlx.DB
	migrations []Migration
}

var _ Migrator = (*SQLMigrator)(nil)

// NewSQLMigrator loads the migrations of dir in files.
func NewSQLMigrator(db *sqlx.DB, files fs.FS, dir string) (*SQLMigrator, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if files == nil {
		return nil, errors.New("migration files filesystem is required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("migration directory is required")
	}
	migrations, err := loadMigrations(files, dir)
	if err != nil {
		return nil, err
	}
	return &SQLMigrator{db: db, migrations: migrations}, nil
}

// Up applies every pending migration in version order.
func (m *SQLMigrator) Up(ctx context.Context) (int, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}
	done := map[int64]struct{}{}
	for _, v := range applied {
		done[v] = struct{}{}
	}

	count := 0
	for _, mig := range m.migrations {
		if _, ok := done[mig.Version]; ok {
			continue
		}
		err := m.inTx(ctx, mig.UpSQL,
			`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, NOW())`, mig.Version)
		if err != nil {
			return count, fmt.Errorf("apply migration %d_%s: %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

// Down reverts the latest steps applied migrations.
func (m *SQLMigrator) Down(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i] > applied[j] })
	if steps > len(applied) {
		steps = len(applied)
	}

	count := 0
	for _, version := range applied[:steps] {
		mig, ok := m.byVersion(version)
		if !ok {
			return count, fmt.Errorf("migration definition not found for applied version %d", version)
		}
		if strings.TrimSpace(mig.DownSQL) == "" {
			return count, fmt.Errorf("down migration missing for version %d", version)
		}
		if err := m.inTx(ctx, mig.DownSQL, `DELETE FROM schema_migrations WHERE version = $1`, version); err != nil {
			return count, fmt.Errorf("revert migration %d_%s: %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

// Status reports applied versions and pending migrations.
func (m *SQLMigrator) Status(ctx context.Context) (*Status, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i] < applied[j] })
	done := map[int64]struct{}{}
	for _, v := range applied {
		done[v] = struct{}{}
	}

	status := &Status{AppliedVersions: applied, Pending: []PendingMigration{}}
	for _, mig := range m.migrations {
		if _, ok := done[mig.Version]; !ok {
			status.Pending = append(status.Pending, PendingMigration{Version: mig.Version, Name: mig.Name})
		}
	}
	return status, nil
}

func (m *SQLMigrator) inTx(ctx context.Context, script, record string, version int64) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

func (m *SQLMigrator) applied(ctx context.Context) ([]int64, error) {
	const ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	versions := []int64{}
	if err := m.db.SelectContext(ctx, &versions, `SELECT version FROM schema_migrations`); err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	return versions, nil
}

func (m *SQLMigrator) byVersion(version int64) (Migration, bool) {
	for _, mig := range m.migrations {
		if mig.Version == version {
			return mig, true
		}
	}
	return Migration{}, false
}

// loadMigrations pairs <version>_<name>.(up|down).sql files. Files that do
// not match the pattern are ignored.
func loadMigrations(files fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("read migration files: %w", err)
	}

	byVersion := map[int64]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := migrationNamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version %q: %w", m[1], err)
		}
		payload, err := fs.ReadFile(files, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration file %q: %w", entry.Name(), err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: m[2]}
			byVersion[version] = mig
		} else if mig.Name != m[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, mig.Name, m[2])
		}
		if m[3] == "up" {
			mig.UpSQL = string(payload)
		} else {
			mig.DownSQL = string(payload)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if strings.TrimSpace(mig.UpSQL) == "" {
			return nil, fmt.Errorf("missing up migration for version %d", mig.Version)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

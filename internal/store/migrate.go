package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

var migrationName = regexp.MustCompile(`^(\d+)_[a-z0-9_]+\.(up|down)\.sql$`)

// Migration is one forward step. Version is the up file name, which is what
// schema_migrations records.
type Migration struct {
	Version string
	Number  string
}

// Migrations returns the migration files: dir when set, otherwise the set
// compiled into the binary.
func Migrations(dir string) (fs.FS, error) {
	if strings.TrimSpace(dir) != "" {
		return os.DirFS(dir), nil
	}
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	return sub, nil
}

// ListMigrations returns the up migrations in apply order. Every up file must
// have a down file with the same number.
func ListMigrations(migrations fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	ups := map[string]string{}
	downs := map[string]bool{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		number, direction := match[1], match[2]
		if direction == "down" {
			downs[number] = true
			continue
		}
		if previous, dup := ups[number]; dup {
			return nil, fmt.Errorf("migrations %s and %s share number %s", previous, entry.Name(), number)
		}
		ups[number] = entry.Name()
	}

	list := make([]Migration, 0, len(ups))
	for number, name := range ups {
		if !downs[number] {
			return nil, fmt.Errorf("migration %s has no down file", name)
		}
		list = append(list, Migration{Version: name, Number: number})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Number < list[j].Number })
	return list, nil
}

// ApplyMigrations runs every migration not yet recorded, each in its own
// transaction. It is safe to call on every start.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrations fs.FS) error {
	list, err := ListMigrations(migrations)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range list {
		if applied[m.Version] {
			continue
		}
		if err := applyMigration(ctx, db, migrations, m); err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, db *sql.DB, migrations fs.FS, m Migration) (err error) {
	contents, err := fs.ReadFile(migrations, m.Version)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", m.Version, err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.Version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, string(contents)); err != nil {
		return fmt.Errorf("execute migration %s: %w", m.Version, err)
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.Version); err != nil {
		return fmt.Errorf("record migration %s: %w", m.Version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.Version, err)
	}
	return nil
}

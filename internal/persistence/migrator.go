package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Migrator applies versioned SQL files from a directory. File naming
// follows the golang-migrate convention: {version}_{name}.up.sql with a
// matching .down.sql. Each migration runs in its own transaction and is
// recorded in public.schema_migrations, so reruns are no-ops.
type Migrator struct {
	db  *sql.DB
	dir string
}

// migration is one discovered up/down pair.
type migration struct {
	version string
	upFile  string
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{db: db, dir: migrationsDir}
}

// Up applies every migration not yet recorded, oldest first.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	migrations, err := m.discover()
	if err != nil {
		return fmt.Errorf("discover migrations: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("load applied versions: %w", err)
	}

	for _, mig := range migrations {
		if applied[mig.version] {
			continue
		}
		if err := m.applyOne(ctx, mig); err != nil {
			return err
		}
		log.Printf("INFO: applied migration %s", mig.upFile)
	}

	return nil
}

func (m *Migrator) applyOne(ctx context.Context, mig migration) error {
	body, err := os.ReadFile(filepath.Join(m.dir, mig.upFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", mig.upFile, err)
	}

	return m.inTx(ctx, mig.upFile, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
			mig.version, mig.upFile,
		)
		return err
	})
}

// Down reverts the most recently recorded migration, if any.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return err
	}

	var version, upFile string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &upFile)
	if err == sql.ErrNoRows {
		log.Println("INFO: no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("find latest migration: %w", err)
	}

	downFile := strings.Replace(upFile, ".up.sql", ".down.sql", 1)
	body, err := os.ReadFile(filepath.Join(m.dir, downFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", downFile, err)
	}

	err = m.inTx(ctx, downFile, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM public.schema_migrations WHERE version = $1`, version,
		)
		return err
	})
	if err != nil {
		return err
	}

	log.Printf("INFO: rolled back migration %s", downFile)
	return nil
}

// inTx runs fn inside a transaction, rolling back on any error.
func (m *Migrator) inTx(ctx context.Context, label string, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", label, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec %s: %w", label, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", label, err)
	}
	return nil
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// discover lists the directory's up-migrations sorted by version. The
// version is the filename's numeric prefix before the first underscore.
func (m *Migrator) discover() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var found []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			version = strings.TrimSuffix(name, ".up.sql")
		}
		found = append(found, migration{version: version, upFile: name})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].version < found[j].version })
	return found, nil
}

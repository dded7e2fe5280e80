package database

import (
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Migration is one numbered schema file, e.g. 003_expenses.sql
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator applies numbered .sql files and records them in schema_migrations
type Migrator struct {
	db     *DB
	logger *zap.Logger
}

// NewMigrator creates a new migrator
func NewMigrator(db *DB, logger *zap.Logger) *Migrator {
	return &Migrator{
		db:     db,
		logger: logger,
	}
}

const schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// RunMigrations applies every migration in the root of fsys that is not yet
// recorded, in version order. Each file runs in its own transaction.
func (m *Migrator) RunMigrations(fsys fs.FS) error {
	pending, err := Load(fsys)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	done, err := m.Applied()
	if err != nil {
		return err
	}
	applied := make(map[int]bool, len(done))
	for _, v := range done {
		applied[v] = true
	}

	count := 0
	for _, mig := range pending {
		if applied[mig.Version] {
			continue
		}
		m.logger.Info("Applying migration",
			zap.Int("version", mig.Version),
			zap.String("name", mig.Name))

		if err := m.apply(mig); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}

	m.logger.Info("Database schema up to date",
		zap.Int("applied_now", count),
		zap.Int("known", len(pending)))
	return nil
}

// Applied returns the recorded versions in ascending order
func (m *Migrator) Applied() ([]int, error) {
	if _, err := m.db.Exec(schemaMigrationsDDL); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	rows, err := m.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (m *Migrator) apply(mig Migration) error {
	return m.db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(mig.SQL); err != nil {
			return err
		}
		_, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", mig.Version, mig.Name)
		return err
	})
}

// Load reads the *.sql files in the root of fsys, sorted by version.
// Two files claiming the same version are an error.
func Load(fsys fs.FS) ([]Migration, error) {
	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}

	owners := make(map[int]string, len(files))
	migrations := make([]Migration, 0, len(files))
	for _, file := range files {
		version, name, err := parseMigrationName(file)
		if err != nil {
			return nil, err
		}
		if other, dup := owners[version]; dup {
			return nil, fmt.Errorf("migration version %d used by both %s and %s", version, other, file)
		}
		owners[version] = file

		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// parseMigrationName splits "003_expenses.sql" into (3, "expenses")
func parseMigrationName(file string) (int, string, error) {
	base := strings.TrimSuffix(file, ".sql")
	prefix, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("invalid migration filename %q, want NNN_name.sql", file)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("invalid migration version in %q", file)
	}
	return version, name, nil
}

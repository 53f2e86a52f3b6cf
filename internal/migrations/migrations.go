package migrations

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	migrationTable = "askmesh_schema_migrations"
	// advisoryLockID serializes askmesh-migrate runs against one catalog.
	advisoryLockID int64 = 0x61736b6d657368
)

var (
	migrationNamePattern = regexp.MustCompile(`^([0-9]+)_([a-z0-9_]+)\.(up|down)\.sql$`)

	// ErrDrift reports an applied migration whose embedded up SQL changed.
	ErrDrift = errors.New("applied migration changed since it was applied")
)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

type migration struct {
	Version  int64
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

type appliedMigration struct {
	Version  int64
	Checksum string
}

// State describes one known migration. Drifted is set when the recorded
// checksum differs from the embedded up SQL.
type State struct {
	Version int64
	Name    string
	Applied bool
	Drifted bool
}

// Up applies pending migrations in version order; steps <= 0 applies all.
// It refuses to run while any applied migration has drifted.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}

	applied := 0
	err = withLock(ctx, db, func(conn *sql.Conn) error {
		recorded, err := listApplied(ctx, conn, "ASC")
		if err != nil {
			return err
		}
		checksums := make(map[int64]string, len(recorded))
		for _, item := range recorded {
			checksums[item.Version] = item.Checksum
		}
		for _, item := range migrations {
			if checksum, ok := checksums[item.Version]; ok {
				if checksum != "" && checksum != item.Checksum {
					return fmt.Errorf("migration %06d_%s: %w", item.Version, item.Name, ErrDrift)
				}
				continue
			}
			if steps > 0 && applied >= steps {
				return nil
			}
			err := runInTx(ctx, conn, item.UpSQL,
				`INSERT INTO `+migrationTable+` (version, name, checksum) VALUES ($1, $2, $3)`,
				item.Version, item.Name, item.Checksum)
			if err != nil {
				return fmt.Errorf("apply migration %06d_%s: %w", item.Version, item.Name, err)
			}
			applied++
		}
		return nil
	})
	return applied, err
}

// Down rolls back the newest applied migrations; steps <= 0 means one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}
	byVersion := make(map[int64]migration, len(migrations))
	for _, item := range migrations {
		byVersion[item.Version] = item
	}

	rolledBack := 0
	err = withLock(ctx, db, func(conn *sql.Conn) error {
		recorded, err := listApplied(ctx, conn, "DESC")
		if err != nil {
			return err
		}
		for _, applied := range recorded {
			if rolledBack >= steps {
				return nil
			}
			item, ok := byVersion[applied.Version]
			if !ok {
				return fmt.Errorf("applied migration %d is not embedded in this binary", applied.Version)
			}
			err := runInTx(ctx, conn, item.DownSQL, `DELETE FROM `+migrationTable+` WHERE version = $1`, item.Version)
			if err != nil {
				return fmt.Errorf("rollback migration %06d_%s: %w", item.Version, item.Name, err)
			}
			rolledBack++
		}
		return nil
	})
	return rolledBack, err
}

// Status lists every embedded migration in version order.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]State, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, err
	}

	var states []State
	err = withLock(ctx, db, func(conn *sql.Conn) error {
		recorded, err := listApplied(ctx, conn, "ASC")
		if err != nil {
			return err
		}
		checksums := make(map[int64]string, len(recorded))
		for _, item := range recorded {
			checksums[item.Version] = item.Checksum
		}
		states = make([]State, 0, len(migrations))
		for _, item := range migrations {
			checksum, applied := checksums[item.Version]
			states = append(states, State{
				Version: item.Version,
				Name:    item.Name,
				Applied: applied,
				Drifted: applied && checksum != "" && checksum != item.Checksum,
			})
		}
		return nil
	})
	return states, err
}

// withLock runs fn on one connection holding the migration advisory lock,
// after making sure the bookkeeping table exists.
func withLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) (err error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, unlockErr := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, advisoryLockID); unlockErr != nil && err == nil {
			err = fmt.Errorf("release migration lock: %w", unlockErr)
		}
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func ensureMigrationTable(ctx context.Context, conn *sql.Conn) error {
	for _, query := range []string{
		`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		`ALTER TABLE ` + migrationTable + ` ADD COLUMN IF NOT EXISTS name TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE ` + migrationTable + ` ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`,
	} {
		if _, err := conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("ensure migration table: %w", err)
		}
	}
	return nil
}

// runInTx executes script and its bookkeeping statement atomically.
func runInTx(ctx context.Context, conn *sql.Conn, script, bookkeeping string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("exec script: %w", err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func listApplied(ctx context.Context, conn *sql.Conn, order string) ([]appliedMigration, error) {
	if order != "ASC" && order != "DESC" {
		return nil, fmt.Errorf("invalid order %q", order)
	}
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM `+migrationTable+` ORDER BY version `+order)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var applied []appliedMigration
	for rows.Next() {
		var item appliedMigration
		if err := rows.Scan(&item.Version, &item.Checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied = append(applied, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	byVersion := map[int64]*migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationNamePattern.FindStringSubmatch(path.Base(entry.Name()))
		if matches == nil {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version of %q: %w", entry.Name(), err)
		}
		script, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item, ok := byVersion[version]
		if !ok {
			item = &migration{Version: version, Name: matches[2]}
			byVersion[version] = item
		}
		if item.Name != matches[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, item.Name, matches[2])
		}
		if matches[3] == "up" {
			item.UpSQL = string(script)
		} else {
			item.DownSQL = string(script)
		}
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, item := range byVersion {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		sum := sha256.Sum256([]byte(item.UpSQL))
		item.Checksum = hex.EncodeToString(sum[:])
		migrations = append(migrations, *item)
	}
	slices.SortFunc(migrations, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}

// Package dbmigrate establishes and verifies the bus schema. Migrations are
// ordered, stamped with the sha1 of their SQL text, and applied inside a
// transaction holding a per-schema advisory lock so that any number of
// processes can start concurrently against the same database.
package dbmigrate

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgtbus/tbus/internal/baseservice"
	"github.com/pgtbus/tbus/internal/util/hashutil"
)

// ErrHashMismatch is wrapped in the error returned when the SQL text of an
// already applied migration has changed. This is fatal at startup: the
// schema on the database no longer matches what the code expects.
var ErrHashMismatch = errors.New("migration hash mismatch")

// Migrator applies the bundled migrations for a schema.
type Migrator struct {
	baseservice.BaseService

	migrations []Migration
	schema     string
}

// New returns a migrator for the given schema.
func New(archetype *baseservice.Archetype, schema string) *Migrator {
	return baseservice.Init(archetype, &Migrator{
		migrations: migrations,
		schema:     schema,
	})
}

// Migrate validates previously applied migrations by hash and applies any
// outstanding ones, in order, in a single transaction holding the schema's
// advisory lock.
func (m *Migrator) Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	var database string
	if err := pool.QueryRow(ctx, `SELECT current_database()`).Scan(&database); err != nil {
		return fmt.Errorf("reading current database: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	lockKey := hashutil.SchemaAdvisoryLockKey(database, m.schema)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquiring migration advisory lock: %w", err)
	}

	if err := m.bootstrap(ctx, tx); err != nil {
		return err
	}

	applied, err := m.appliedMigrations(ctx, tx)
	if err != nil {
		return err
	}

	var appliedNames []string
	for _, migration := range m.migrations {
		sqlText := strings.ReplaceAll(migration.SQL, "{{schema}}", m.schema)
		hash := sha1Hex(sqlText)

		if appliedHash, ok := applied[migration.ID]; ok {
			if appliedHash != hash {
				return fmt.Errorf("%w: migration %d (%s) was applied with hash %s but its SQL now hashes to %s",
					ErrHashMismatch, migration.ID, migration.Name, appliedHash, hash)
			}
			continue
		}

		if _, err := tx.Exec(ctx, sqlText); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && isDuplicateObjectCode(pgErr.Code) {
				// Objects exist in the schema that the migrations table
				// doesn't know about, typically a schema created by other
				// tooling or a wiped migrations table.
				return fmt.Errorf("applying migration %d (%s): schema %s already contains unrecorded objects: %w",
					migration.ID, migration.Name, m.schema, err)
			}
			return fmt.Errorf("applying migration %d (%s): %w", migration.ID, migration.Name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+m.schema+`.migrations (id, name, hash) VALUES ($1, $2, $3)`,
			migration.ID, migration.Name, hash,
		); err != nil {
			return fmt.Errorf("recording migration %d (%s): %w", migration.ID, migration.Name, err)
		}
		appliedNames = append(appliedNames, migration.Name)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing migrations: %w", err)
	}

	if len(appliedNames) > 0 {
		m.Logger.InfoContext(ctx, m.Name+": Applied migrations",
			slog.String("schema", m.schema),
			slog.Any("names", appliedNames),
		)
	}

	return nil
}

// bootstrap creates the schema and migrations table. Racing bootstraps on
// the same schema are serialized by the advisory lock, but IF NOT EXISTS
// still guards against pre-existing objects from older tooling.
func (m *Migrator) bootstrap(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+m.schema); err != nil {
		return fmt.Errorf("creating schema %q: %w", m.schema, err)
	}
	if _, err := tx.Exec(ctx, `
CREATE TABLE IF NOT EXISTS `+m.schema+`.migrations (
    id integer PRIMARY KEY,
    name text NOT NULL UNIQUE,
    hash text NOT NULL,
    created_at timestamptz NOT NULL DEFAULT now()
)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	return nil
}

func isDuplicateObjectCode(code string) bool {
	switch code {
	case pgerrcode.DuplicateTable, pgerrcode.DuplicateObject, pgerrcode.DuplicateFunction:
		return true
	}
	return false
}

func (m *Migrator) appliedMigrations(ctx context.Context, tx pgx.Tx) (map[int]string, error) {
	rows, err := tx.Query(ctx, `SELECT id, hash FROM `+m.schema+`.migrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var (
			id   int
			hash string
		)
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scanning applied migration: %w", err)
		}
		applied[id] = hash
	}
	return applied, rows.Err()
}

func sha1Hex(text string) string {
	sum := sha1.Sum([]byte(text)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Package dbplans contains every parameterized SQL fragment the bus issues
// against Postgres, along with typed helpers to execute them. All table and
// function names are schema-qualified; the schema is interpolated once at
// construction.
package dbplans

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgxpool.Pool and pgx.Tx the plans execute against.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Plans binds the SQL fragments to a schema name.
type Plans struct {
	schema string
}

// New returns plans bound to the given schema.
func New(schema string) *Plans {
	return &Plans{schema: schema}
}

// Schema returns the schema the plans are bound to.
func (p *Plans) Schema() string { return p.schema }

func (p *Plans) sql(q string) string {
	return strings.ReplaceAll(q, "{{schema}}", p.schema)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

const (
	taskCreateManySQL = `SELECT {{schema}}.create_bus_tasks($1::jsonb)`

	eventCreateManySQL = `SELECT {{schema}}.create_bus_events($1::jsonb)`

	taskGetForWorkSQL = `
SELECT id, retrycount, state, data, meta_data, config, expire_in_seconds
FROM {{schema}}.get_tasks($1, $2)`

	taskResolveManySQL = `SELECT {{schema}}.resolve_tasks($1::jsonb)`

	cursorEnsureSQL = `
INSERT INTO {{schema}}.cursors (queue, "offset")
VALUES ($1, $2)
ON CONFLICT (queue) DO NOTHING`

	// The row lock only guards the acquisition itself; the soft locked flag
	// (with its TTL) is what protects the multi-statement fanout pass.
	cursorLockSQL = `
WITH candidate AS (
    SELECT id
    FROM {{schema}}.cursors
    WHERE queue = $1 AND locked = false
    FOR UPDATE SKIP LOCKED
)
UPDATE {{schema}}.cursors c
SET locked = true, expire_lock_at = now() + make_interval(secs => $2)
FROM candidate
WHERE c.id = candidate.id
RETURNING c.id, c.queue, c."offset"`

	cursorUnlockSQL = `
UPDATE {{schema}}.cursors
SET locked = false, expire_lock_at = NULL
WHERE id = $1`

	// Advancing the cursor and inserting the fanned-out tasks must commit
	// together.
	cursorAdvanceAndInsertSQL = `
WITH advanced AS (
    UPDATE {{schema}}.cursors
    SET "offset" = $2, locked = false, expire_lock_at = NULL
    WHERE id = $1
)
SELECT {{schema}}.create_bus_tasks($3::jsonb)`

	cursorReleaseStaleSQL = `
UPDATE {{schema}}.cursors
SET locked = false, expire_lock_at = NULL
WHERE locked = true AND expire_lock_at < now()`

	// pos > 0 matches the partial index; rows with pos = 0 are inserted but
	// not yet visible to fanout.
	eventsAfterSQL = `
SELECT id, event_name, event_data, pos
FROM {{schema}}.events
WHERE pos > $1 AND pos > 0
ORDER BY pos ASC
LIMIT $2`

	eventLastPosSQL = `
SELECT COALESCE(max(pos), 0)
FROM {{schema}}.events
WHERE pos > 0`

	// state = 2 is active; candidates are tasks whose wall-clock expiry has
	// passed while a worker held them.
	taskExpireCandidatesSQL = `
SELECT id, retrycount, config
FROM {{schema}}.tasks
WHERE state = 2 AND started_on + expire_in < now()
ORDER BY started_on
LIMIT $1
FOR UPDATE SKIP LOCKED`

	eventsDeleteExpiredSQL = `
DELETE FROM {{schema}}.events
WHERE expire_at < now()`

	archiveDeleteExpiredSQL = `
DELETE FROM {{schema}}.tasks_completed
WHERE keep_until < now()`
)

package dbmigrate

// Migration is one ordered, hash-stamped DDL step. The sha1 of the SQL text
// is stamped into the migrations table when applied and validated on every
// subsequent startup; editing an applied migration is a fatal startup error.
type Migration struct {
	ID   int
	Name string
	SQL  string
}

// Bundled migrations, applied in ID order. SQL text must never change once
// released; additions go in a new migration.
var migrations = []Migration{
	{
		ID:   1,
		Name: "create-core-tables",
		SQL: `
CREATE TABLE {{schema}}.cursors (
    id bigserial PRIMARY KEY,
    queue text NOT NULL UNIQUE,
    "offset" bigint NOT NULL DEFAULT 0,
    locked boolean NOT NULL DEFAULT false,
    expire_lock_at timestamptz,
    created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE {{schema}}.events (
    id bigserial PRIMARY KEY,
    event_name text NOT NULL,
    event_data json NOT NULL,
    pos bigint NOT NULL DEFAULT 0,
    created_at timestamptz NOT NULL DEFAULT now(),
    expire_at date NOT NULL DEFAULT (now() + interval '30 days')
);

CREATE TABLE {{schema}}.tasks (
    id bigserial PRIMARY KEY,
    queue text NOT NULL,
    state smallint NOT NULL DEFAULT 0,
    data json NOT NULL,
    meta_data json NOT NULL,
    config json NOT NULL,
    retrycount smallint NOT NULL DEFAULT 0,
    started_on timestamptz,
    created_on timestamptz NOT NULL DEFAULT now(),
    start_after timestamptz NOT NULL DEFAULT now(),
    expire_in interval NOT NULL DEFAULT interval '5 minutes',
    singleton_key text,
    output json
);

CREATE TABLE {{schema}}.tasks_completed (
    id bigint PRIMARY KEY,
    queue text NOT NULL,
    state smallint NOT NULL,
    data json,
    meta_data json,
    config json,
    retrycount smallint NOT NULL DEFAULT 0,
    started_on timestamptz,
    created_on timestamptz NOT NULL,
    singleton_key text,
    output json,
    completed_on timestamptz NOT NULL DEFAULT now(),
    keep_until timestamptz NOT NULL DEFAULT (now() + interval '7 days')
);
`,
	},
	{
		ID:   2,
		Name: "create-indexes",
		SQL: `
CREATE INDEX cursors_expire_lock_at_idx ON {{schema}}.cursors (expire_lock_at) WHERE locked = true;
CREATE INDEX events_expire_at_idx ON {{schema}}.events (expire_at);
CREATE INDEX events_pos_idx ON {{schema}}.events (pos) WHERE pos > 0;
CREATE INDEX tasks_pending_idx ON {{schema}}.tasks (queue, start_after) WHERE state < 2;
CREATE INDEX tasks_active_idx ON {{schema}}.tasks (state) WHERE state = 2;
CREATE UNIQUE INDEX tasks_singleton_key_idx ON {{schema}}.tasks (queue, singleton_key) WHERE state < 4 AND singleton_key IS NOT NULL;
CREATE INDEX tasks_completed_keep_until_idx ON {{schema}}.tasks_completed (keep_until);
`,
	},
	// The deferred trigger assigns pos from the dedicated sequence inside a
	// constant advisory xact lock. The lock serializes the visibility order
	// of event commits: without it, transactions could commit out of pos
	// order and an ascending pos scan could miss an earlier-pos row that
	// became visible later.
	{
		ID:   3,
		Name: "event-commit-order",
		SQL: `
CREATE SEQUENCE {{schema}}.event_order AS bigint;

CREATE FUNCTION {{schema}}.assign_event_pos() RETURNS trigger
LANGUAGE plpgsql
AS $func$
BEGIN
    PERFORM pg_advisory_xact_lock(85120023);
    UPDATE {{schema}}.events SET pos = nextval('{{schema}}.event_order') WHERE id = NEW.id;
    RETURN NULL;
END
$func$;

CREATE CONSTRAINT TRIGGER event_pos_commit_order
    AFTER INSERT ON {{schema}}.events
    DEFERRABLE INITIALLY DEFERRED
    FOR EACH ROW EXECUTE FUNCTION {{schema}}.assign_event_pos();
`,
	},
	{
		ID:   4,
		Name: "server-side-functions",
		SQL: `
CREATE FUNCTION {{schema}}.create_bus_events(events jsonb) RETURNS void
LANGUAGE sql
AS $func$
    INSERT INTO {{schema}}.events (event_name, event_data, expire_at)
    SELECT e->>'e_n',
           (e->'d')::json,
           now()::date + COALESCE((e->>'rid')::int, 30)
    FROM jsonb_array_elements(events) e
$func$;

CREATE FUNCTION {{schema}}.create_bus_tasks(tasks jsonb) RETURNS void
LANGUAGE sql
AS $func$
    INSERT INTO {{schema}}.tasks (queue, state, data, meta_data, config, singleton_key, start_after, expire_in)
    SELECT t->>'q',
           COALESCE((t->>'s')::smallint, 0),
           (t->'d')::json,
           (t->'md')::json,
           (t->'cf')::json,
           t->>'skey',
           now() + make_interval(secs => COALESCE((t->>'saf')::int, 0)),
           make_interval(secs => COALESCE((t->>'eis')::int, 300))
    FROM jsonb_array_elements(tasks) t
    ON CONFLICT DO NOTHING
$func$;

CREATE FUNCTION {{schema}}.get_tasks(target_queue text, amount integer)
RETURNS TABLE (id bigint, retrycount smallint, state smallint, data json, meta_data json, config json, expire_in_seconds integer)
LANGUAGE sql
AS $func$
    WITH next_tasks AS (
        SELECT t.id
        FROM {{schema}}.tasks t
        WHERE t.queue = target_queue AND t.state < 2 AND t.start_after <= now()
        ORDER BY t.created_on
        LIMIT amount
        FOR UPDATE SKIP LOCKED
    )
    UPDATE {{schema}}.tasks t
    SET state = 2,
        started_on = now(),
        retrycount = t.retrycount + (t.state = 1)::int
    FROM next_tasks
    WHERE t.id = next_tasks.id
    RETURNING t.id, t.retrycount, t.state, t.data, t.meta_data, t.config, (extract(epoch FROM t.expire_in))::int
$func$;

CREATE FUNCTION {{schema}}.resolve_tasks(tasks jsonb) RETURNS void
LANGUAGE sql
AS $func$
    WITH resolved AS (
        SELECT (t->>'id')::bigint AS id,
               (t->>'s')::smallint AS state,
               (t->'out')::json AS output,
               (t->>'saf')::int AS start_after_seconds
        FROM jsonb_array_elements(tasks) t
    ), archived AS (
        DELETE FROM {{schema}}.tasks t
        USING resolved r
        WHERE t.id = r.id AND t.state = 2 AND r.state > 2
        RETURNING t.id, t.queue, r.state, t.data, t.meta_data, t.config, t.retrycount,
                  t.started_on, t.created_on, t.singleton_key, r.output
    ), inserted AS (
        INSERT INTO {{schema}}.tasks_completed
            (id, queue, state, data, meta_data, config, retrycount, started_on, created_on,
             singleton_key, output, completed_on, keep_until)
        SELECT a.id, a.queue, a.state, a.data, a.meta_data, a.config, a.retrycount,
               a.started_on, a.created_on, a.singleton_key, a.output, now(),
               now() + make_interval(secs => COALESCE((a.config->>'ki_s')::int, 604800))
        FROM archived a
    )
    UPDATE {{schema}}.tasks t
    SET state = 1,
        start_after = now() + make_interval(secs => COALESCE(r.start_after_seconds, 0)),
        output = r.output
    FROM resolved r
    WHERE t.id = r.id AND t.state = 2 AND r.state = 1
$func$;
`,
	},
}

package dbplans

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pgtbus/tbus/internal/bustype"
)

// TaskCreateMany inserts tasks through the create_bus_tasks server-side
// function. Singleton conflicts are swallowed by ON CONFLICT DO NOTHING, so
// racing publishers of the same singleton key both succeed.
func (p *Plans) TaskCreateMany(ctx context.Context, db DBTX, tasks []bustype.TaskInsert) error {
	if len(tasks) == 0 {
		return nil
	}

	payload, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("marshaling tasks: %w", err)
	}

	if _, err := db.Exec(ctx, p.sql(taskCreateManySQL), string(payload)); err != nil {
		return fmt.Errorf("inserting tasks: %w", err)
	}
	return nil
}

// EventCreateMany appends events through the create_bus_events server-side
// function. Their pos is assigned by the commit-order trigger, so the rows
// only become visible to fanout once their transaction commits.
func (p *Plans) EventCreateMany(ctx context.Context, db DBTX, events []bustype.EventInsert) error {
	if len(events) == 0 {
		return nil
	}

	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshaling events: %w", err)
	}

	if _, err := db.Exec(ctx, p.sql(eventCreateManySQL), string(payload)); err != nil {
		return fmt.Errorf("inserting events: %w", err)
	}
	return nil
}

// TaskGetForWork atomically fetches up to amount runnable tasks for the queue
// and transitions them to active. The SKIP LOCKED fetch inside get_tasks is
// what guarantees at most one concurrent worker per task.
func (p *Plans) TaskGetForWork(ctx context.Context, db DBTX, queue string, amount int) ([]*bustype.TaskRow, error) {
	rows, err := db.Query(ctx, p.sql(taskGetForWorkSQL), queue, amount)
	if err != nil {
		return nil, fmt.Errorf("fetching tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*bustype.TaskRow
	for rows.Next() {
		var (
			task     bustype.TaskRow
			data     []byte
			metaData []byte
			config   []byte
		)
		if err := rows.Scan(&task.ID, &task.RetryCount, &task.State, &data, &metaData, &config, &task.ExpireInSeconds); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		task.Data = json.RawMessage(data)
		if err := json.Unmarshal(metaData, &task.Metadata); err != nil {
			return nil, fmt.Errorf("decoding task %d meta_data: %w", task.ID, err)
		}
		if err := json.Unmarshal(config, &task.Config); err != nil {
			return nil, fmt.Errorf("decoding task %d config: %w", task.ID, err)
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// TaskResolveMany applies a batch of resolutions through the resolve_tasks
// server-side function: terminal states are moved to the archive, retries are
// rescheduled in place.
func (p *Plans) TaskResolveMany(ctx context.Context, db DBTX, resolutions []bustype.TaskResolve) error {
	if len(resolutions) == 0 {
		return nil
	}

	payload, err := json.Marshal(resolutions)
	if err != nil {
		return fmt.Errorf("marshaling resolutions: %w", err)
	}

	if _, err := db.Exec(ctx, p.sql(taskResolveManySQL), string(payload)); err != nil {
		return fmt.Errorf("resolving tasks: %w", err)
	}
	return nil
}

// CursorEnsure creates the cursor row for a queue if it doesn't exist yet,
// initialized to the given offset so a newly joined queue ignores historical
// events.
func (p *Plans) CursorEnsure(ctx context.Context, db DBTX, queue string, offset int64) error {
	if _, err := db.Exec(ctx, p.sql(cursorEnsureSQL), queue, offset); err != nil {
		return fmt.Errorf("ensuring cursor for queue %q: %w", queue, err)
	}
	return nil
}

// CursorLock attempts to acquire the fanout lock on a queue's cursor. Returns
// ok=false when another worker holds it, which callers treat as "no work".
func (p *Plans) CursorLock(ctx context.Context, db DBTX, queue string, ttlSeconds int) (*bustype.Cursor, bool, error) {
	var cursor bustype.Cursor
	err := db.QueryRow(ctx, p.sql(cursorLockSQL), queue, ttlSeconds).Scan(&cursor.ID, &cursor.Queue, &cursor.Offset)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("locking cursor for queue %q: %w", queue, err)
	}
	return &cursor, true, nil
}

// CursorUnlock releases a cursor without advancing it.
func (p *Plans) CursorUnlock(ctx context.Context, db DBTX, cursorID int64) error {
	if _, err := db.Exec(ctx, p.sql(cursorUnlockSQL), cursorID); err != nil {
		return fmt.Errorf("unlocking cursor %d: %w", cursorID, err)
	}
	return nil
}

// CursorAdvanceAndInsertTasks advances the cursor to newOffset, releases the
// lock, and inserts the fanned-out tasks, all in a single statement so they
// commit atomically.
func (p *Plans) CursorAdvanceAndInsertTasks(ctx context.Context, db DBTX, cursorID, newOffset int64, tasks []bustype.TaskInsert) error {
	payload, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("marshaling tasks: %w", err)
	}
	if tasks == nil {
		payload = []byte(`[]`)
	}

	if _, err := db.Exec(ctx, p.sql(cursorAdvanceAndInsertSQL), cursorID, newOffset, string(payload)); err != nil {
		return fmt.Errorf("advancing cursor %d: %w", cursorID, err)
	}
	return nil
}

// CursorReleaseStale unlocks cursors whose lock TTL has lapsed, recovering
// from fanout workers that died mid-pass.
func (p *Plans) CursorReleaseStale(ctx context.Context, db DBTX) (int64, error) {
	tag, err := db.Exec(ctx, p.sql(cursorReleaseStaleSQL))
	if err != nil {
		return 0, fmt.Errorf("releasing stale cursor locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EventsAfter returns up to limit committed events with pos greater than
// offset, in ascending pos order.
func (p *Plans) EventsAfter(ctx context.Context, db DBTX, offset int64, limit int) ([]*bustype.EventRow, error) {
	rows, err := db.Query(ctx, p.sql(eventsAfterSQL), offset, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching events: %w", err)
	}
	defer rows.Close()

	var events []*bustype.EventRow
	for rows.Next() {
		var (
			event bustype.EventRow
			data  []byte
		)
		if err := rows.Scan(&event.ID, &event.EventName, &data, &event.Pos); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		event.EventData = json.RawMessage(data)
		events = append(events, &event)
	}
	return events, rows.Err()
}

// EventLastPos returns the highest committed event position, or zero when the
// log is empty.
func (p *Plans) EventLastPos(ctx context.Context, db DBTX) (int64, error) {
	var pos int64
	if err := db.QueryRow(ctx, p.sql(eventLastPosSQL)).Scan(&pos); err != nil {
		return 0, fmt.Errorf("reading last event pos: %w", err)
	}
	return pos, nil
}

// ExpireCandidate is an active task whose wall-clock expiry has passed.
type ExpireCandidate struct {
	ID         int64
	RetryCount int16
	Config     bustype.RetryConfig
}

// TaskExpireCandidates selects up to limit expired active tasks, locking the
// rows. Run inside a transaction and resolve through TaskResolveMany before
// committing so the locks hold for the duration.
func (p *Plans) TaskExpireCandidates(ctx context.Context, db DBTX, limit int) ([]*ExpireCandidate, error) {
	rows, err := db.Query(ctx, p.sql(taskExpireCandidatesSQL), limit)
	if err != nil {
		return nil, fmt.Errorf("fetching expire candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*ExpireCandidate
	for rows.Next() {
		var (
			candidate ExpireCandidate
			config    []byte
		)
		if err := rows.Scan(&candidate.ID, &candidate.RetryCount, &config); err != nil {
			return nil, fmt.Errorf("scanning expire candidate: %w", err)
		}
		if err := json.Unmarshal(config, &candidate.Config); err != nil {
			return nil, fmt.Errorf("decoding task %d config: %w", candidate.ID, err)
		}
		candidates = append(candidates, &candidate)
	}
	return candidates, rows.Err()
}

// EventsDeleteExpired deletes events past their retention date.
func (p *Plans) EventsDeleteExpired(ctx context.Context, db DBTX) (int64, error) {
	tag, err := db.Exec(ctx, p.sql(eventsDeleteExpiredSQL))
	if err != nil {
		return 0, fmt.Errorf("deleting expired events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ArchiveDeleteExpired deletes archived tasks past their keep_until.
func (p *Plans) ArchiveDeleteExpired(ctx context.Context, db DBTX) (int64, error) {
	tag, err := db.Exec(ctx, p.sql(archiveDeleteExpiredSQL))
	if err != nil {
		return 0, fmt.Errorf("purging archived tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

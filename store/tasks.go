package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// TaskRecord is a persisted unit of scheduler work (spec.md §4.4): its kind
// and JSON-encoded payload, its remaining retry budget, its backoff policy,
// and the time it becomes eligible to run again. The scheduler package
// reads these back in ascending id order on restart, so a crash never loses
// or reorders queued work.
type TaskRecord struct {
	Id          int64
	Kind        string
	Payload     []byte
	RetriesLeft int64 // -1 means infinite, matching scheduler.Infinite
	// Attempts counts retries already performed, strictly increasing —
	// unlike RetriesLeft, which counts down, this is what
	// BackoffPolicy.Delay's exponential growth must be computed against.
	Attempts    int64
	BackoffKind string
	BackoffSecs uint32
	BackoffMult float64
	NotBefore   time.Time
	CreatedAt   time.Time
}

var taskCols = []string{"id", "kind", "payload", "retries_left", "attempts", "backoff_kind", "backoff_secs", "backoff_mult", "not_before", "created_at"}

func taskFromRow(row *sql.Row) (*TaskRecord, error) {
	var t TaskRecord
	err := row.Scan(&t.Id, &t.Kind, &t.Payload, &t.RetriesLeft, &t.Attempts, &t.BackoffKind, &t.BackoffSecs, &t.BackoffMult, &t.NotBefore, &t.CreatedAt)
	return &t, err
}

// AppendTask inserts t with an autoincrement id (Id is ignored on input,
// the assigned id is returned), mirroring `TaskScheduler::append_task`.
func (s *SQLite3Store) AppendTask(ctx context.Context, t *TaskRecord) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO tasks (kind,payload,retries_left,attempts,backoff_kind,backoff_secs,backoff_mult,not_before,created_at) VALUES (?,?,?,?,?,?,?,?,?)",
		t.Kind, t.Payload, t.RetriesLeft, t.Attempts, t.BackoffKind, t.BackoffSecs, t.BackoffMult, t.NotBefore, t.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("INSERT tasks %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// ListDueTasks returns every task whose not_before has elapsed, ordered by
// id ascending — the scheduler's run loop consumes them in this order so
// tasks appended earlier always get a chance to execute first.
func (s *SQLite3Store) ListDueTasks(ctx context.Context, now time.Time) ([]*TaskRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE not_before<=? ORDER BY id ASC", strings.Join(taskCols, ","))
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("store.ListDueTasks: %w", err)
	}
	defer rows.Close()

	var out []*TaskRecord
	for rows.Next() {
		var t TaskRecord
		if err := rows.Scan(&t.Id, &t.Kind, &t.Payload, &t.RetriesLeft, &t.Attempts, &t.BackoffKind, &t.BackoffSecs, &t.BackoffMult, &t.NotBefore, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store.ListDueTasks: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// RemoveTask deletes a completed (or permanently failed) task.
func (s *SQLite3Store) RemoveTask(ctx context.Context, id int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id=?", id); err != nil {
		return fmt.Errorf("DELETE tasks %v", err)
	}
	return tx.Commit()
}

// RescheduleTask decrements retries_left (unless infinite), bumps attempts
// (the increasing counter BackoffPolicy.Delay's exponential growth is
// computed against), and pushes not_before out, on a failed attempt that
// still has retry budget.
func (s *SQLite3Store) RescheduleTask(ctx context.Context, id int64, retriesLeft int64, attempts int64, notBefore time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.execOne(ctx, tx, "UPDATE tasks SET retries_left=?, attempts=?, not_before=? WHERE id=?", retriesLeft, attempts, notBefore, id); err != nil {
		return fmt.Errorf("UPDATE tasks reschedule %v", err)
	}
	return tx.Commit()
}

// DeadTaskRecord is a terminally failed task (spec.md §3's
// InnerScheduledTask Failed{ts,err}/TimeoutOrPanic{ts} states), written
// once a task's retry budget is exhausted so the terminal error and
// timestamp survive a restart instead of only ever reaching the
// in-memory OnCompletion hook before the row is deleted.
type DeadTaskRecord struct {
	Id        int64
	Kind      string
	Payload   []byte
	Status    string // "Failed" or "TimeoutOrPanic"
	Err       string
	DiedAt    time.Time
	CreatedAt time.Time
}

var deadTaskCols = []string{"id", "kind", "payload", "status", "error", "died_at", "created_at"}

// WriteDeadTask persists rec, keyed by its originating tasks.id.
func (s *SQLite3Store) WriteDeadTask(ctx context.Context, rec *DeadTaskRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO dead_tasks (id,kind,payload,status,error,died_at,created_at) VALUES (?,?,?,?,?,?,?)",
		rec.Id, rec.Kind, rec.Payload, rec.Status, rec.Err, rec.DiedAt, rec.CreatedAt); err != nil {
		return fmt.Errorf("INSERT dead_tasks %v", err)
	}
	return tx.Commit()
}

// ReadDeadTask returns a terminally failed task by its original tasks.id,
// or nil if it was never marked dead.
func (s *SQLite3Store) ReadDeadTask(ctx context.Context, id int64) (*DeadTaskRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM dead_tasks WHERE id=?", strings.Join(deadTaskCols, ","))
	row := s.db.QueryRowContext(ctx, query, id)
	var t DeadTaskRecord
	err := row.Scan(&t.Id, &t.Kind, &t.Payload, &t.Status, &t.Err, &t.DiedAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &t, err
}

// ReadTask returns a single task by id, or nil if it no longer exists
// (already removed by a concurrent completion).
func (s *SQLite3Store) ReadTask(ctx context.Context, id int64) (*TaskRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE id=?", strings.Join(taskCols, ","))
	row := s.db.QueryRowContext(ctx, query, id)
	t, err := taskFromRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chhz0/inferq/types"
)

const taskColumns = `id, priority, payload, status, backend, created_at, started_at, completed_at,
	result, error_kind, error_message, batch_id, batch_size, degraded`

// sqlStore holds the queries shared by the sqlite and postgres stores.
// Timestamps are stored as unix nanoseconds.
type sqlStore struct {
	db      *sql.DB
	dollars bool
}

// bind rewrites ? placeholders to $n for drivers that need it.
func (s *sqlStore) bind(query string) string {
	if !s.dollars {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) SaveTask(ctx context.Context, task *types.Task) error {
	var errKind, errMsg sql.NullString
	if task.Error != nil {
		errKind = sql.NullString{String: string(task.Error.Kind), Valid: true}
		errMsg = sql.NullString{String: task.Error.Message, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			result = excluded.result,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			batch_id = excluded.batch_id,
			batch_size = excluded.batch_size,
			degraded = excluded.degraded`),
		task.ID, int(task.Priority), task.Payload, int(task.Status), string(task.Backend),
		task.CreatedAt.UnixNano(), nanos(task.StartedAt), nanos(task.CompletedAt),
		task.Result, errKind, errMsg, nullString(task.BatchID), task.BatchSize, task.Degraded,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *sqlStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func (s *sqlStore) GetTasksByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`
	args := []any{int(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *sqlStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *sqlStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.bind(`
		DELETE FROM tasks
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`),
		int(types.StatusCompleted), int(types.StatusFailed), int(types.StatusCancelled), before.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		t                    types.Task
		priority, status     int
		backend              string
		created              int64
		started, completed   sql.NullInt64
		errKind, errMsg, bid sql.NullString
	)
	err := row.Scan(
		&t.ID, &priority, &t.Payload, &status, &backend, &created, &started, &completed,
		&t.Result, &errKind, &errMsg, &bid, &t.BatchSize, &t.Degraded,
	)
	if err != nil {
		return nil, err
	}
	t.Priority = types.Priority(priority)
	t.Status = types.TaskStatus(status)
	t.Backend = types.BackendVariant(backend)
	t.CreatedAt = time.Unix(0, created).UTC()
	t.StartedAt = fromNanos(started)
	t.CompletedAt = fromNanos(completed)
	if errKind.Valid {
		t.Error = &types.ErrorInfo{Kind: types.ErrorKind(errKind.String), Message: errMsg.String}
	}
	t.BatchID = bid.String
	return &t, nil
}

func nanos(ts *time.Time) sql.NullInt64 {
	if ts == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts.UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(0, v.Int64).UTC()
	return &ts
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

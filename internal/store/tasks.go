package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"callbridge/internal/errors"
	"callbridge/internal/models"
)

// CreateTask inserts a pending task and its scheduled log entry in one transaction.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error) {
	if err := p.normalize(s.now()); err != nil {
		return models.Task{}, err
	}
	data, err := models.EncodePayload(p.Payload)
	if err != nil {
		return models.Task{}, err
	}

	var task models.Task
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO scheduled_calls (service, data, scheduled_at, status, priority, retry_count, max_retries, user_id)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
			RETURNING `+taskColumns,
			string(p.Payload.Service()), data, p.ScheduledAt.UTC(), string(models.StatusPending), p.Priority, p.MaxRetries, p.UserID)
		t, err := scanTask(row)
		if err != nil {
			return errors.Wrap(err, "insert task")
		}
		task = t
		return appendLog(ctx, tx, t.ID, logEntry{
			Event:    models.EventScheduled,
			Response: detail(map[string]any{"scheduled_at": t.ScheduledAt, "user_id": p.UserID}),
		})
	})
	if err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// ListTasks returns one page plus the total count of the filtered set.
func (s *Store) ListTasks(ctx context.Context, f ListFilter) ([]models.Task, int64, error) {
	f = f.Normalize()
	var w whereBuilder
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.Priority != 0 {
		w.add("priority = ?", f.Priority)
	}
	if f.DateFrom != nil {
		w.add("scheduled_at >= ?", f.DateFrom.UTC())
	}
	if f.DateTo != nil {
		w.add("scheduled_at <= ?", f.DateTo.UTC())
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_calls`+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count tasks")
	}

	args := append(w.args, f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM scheduled_calls%s ORDER BY %s %s, id %s LIMIT $%d OFFSET $%d`,
		taskColumns, w.sql(), f.SortBy, f.SortOrder, f.SortOrder, len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list tasks")
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// GetTask returns the task and its log history, newest first.
func (s *Store) GetTask(ctx context.Context, id int64) (models.Task, []models.TaskLog, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_calls WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, nil, errors.NotFoundf("scheduled task %d not found", id)
	}
	if err != nil {
		return models.Task{}, nil, errors.Wrapf(err, "get task %d", id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scheduled_call_id, event_type, event_timestamp, api_response, error_code, error_message, response_time_ms, attempt_number
		FROM call_logs WHERE scheduled_call_id = $1
		ORDER BY event_timestamp DESC, id DESC
	`, id)
	if err != nil {
		return models.Task{}, nil, errors.Wrapf(err, "list logs for task %d", id)
	}
	defer rows.Close()

	var logs []models.TaskLog
	for rows.Next() {
		var (
			l       models.TaskLog
			resp    []byte
			code    sql.NullString
			msg     sql.NullString
			elapsed sql.NullInt64
			attempt sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.TaskID, &l.EventType, &l.EventTimestamp, &resp, &code, &msg, &elapsed, &attempt); err != nil {
			return models.Task{}, nil, errors.Wrap(err, "scan log")
		}
		if len(resp) > 0 {
			l.APIResponse = resp
		}
		if code.Valid {
			l.ErrorCode = &code.String
		}
		if msg.Valid {
			l.ErrorMessage = &msg.String
		}
		if elapsed.Valid {
			l.ResponseTimeMS = models.IntPtr(int(elapsed.Int64))
		}
		if attempt.Valid {
			l.AttemptNumber = models.IntPtr(int(attempt.Int64))
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return models.Task{}, nil, errors.Wrap(err, "iterate logs")
	}
	return task, logs, nil
}

// CancelTask moves a pending or processing task to cancelled.
func (s *Store) CancelTask(ctx context.Context, id int64, reason string) error {
	if reason == "" {
		reason = DefaultCancelReason
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE scheduled_calls
			SET status = 'cancelled', last_error = $2, claimed_until = NULL, updated_at = NOW()
			WHERE id = $1 AND status IN ('pending', 'processing')
		`, id, reason)
		if err != nil {
			return errors.Wrapf(err, "cancel task %d", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NotFoundf("scheduled task %d not found or not cancellable", id)
		}
		return appendLog(ctx, tx, id, logEntry{
			Event:    models.EventCancelled,
			Response: detail(map[string]string{"reason": reason}),
		})
	})
}

// RescheduleTask returns a failed or cancelled task to pending at a new time.
func (s *Store) RescheduleTask(ctx context.Context, id int64, at time.Time, resetRetries bool) error {
	if err := models.RequireFuture(at, s.now()); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE scheduled_calls
			SET scheduled_at = $2, status = 'pending', last_error = NULL, executed_at = NULL, claimed_until = NULL,
			    retry_count = CASE WHEN $3 THEN 0 ELSE retry_count END, updated_at = NOW()
			WHERE id = $1 AND status IN ('failed', 'cancelled')
		`, id, at.UTC(), resetRetries)
		if err != nil {
			return errors.Wrapf(err, "reschedule task %d", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NotFoundf("scheduled task %d not found or not in failed/cancelled state", id)
		}
		return appendLog(ctx, tx, id, logEntry{
			Event: models.EventScheduled,
			Response: detail(map[string]any{
				"rescheduled":   true,
				"scheduled_at":  at.UTC(),
				"reset_retries": resetRetries,
			}),
		})
	})
}

// DeleteTask removes a task and, by cascade, its logs. Non-terminal tasks need force.
func (s *Store) DeleteTask(ctx context.Context, id int64, force bool) (models.Status, error) {
	var status models.Status
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT status FROM scheduled_calls WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NotFoundf("scheduled task %d not found", id)
		}
		if err != nil {
			return errors.Wrapf(err, "lock task %d", id)
		}
		status = models.Status(raw)
		if !force && !status.Terminal() {
			return errors.Invalidf("scheduled task %d is %s; use force=true to delete it", id, status)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_calls WHERE id = $1`, id); err != nil {
			return errors.Wrapf(err, "delete task %d", id)
		}
		return nil
	})
	return status, err
}

// BulkDelete deletes every task matching all given criteria.
func (s *Store) BulkDelete(ctx context.Context, c BulkDeleteCriteria) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	var w whereBuilder
	if len(c.Statuses) > 0 {
		w.add("status = ANY(?)", pq.Array(statusStrings(c.Statuses)))
	}
	if c.OlderThanDays > 0 {
		w.add("created_at < ?", s.now().AddDate(0, 0, -c.OlderThanDays).UTC())
	}
	if c.Priority != 0 {
		w.add("priority = ?", c.Priority)
	}
	if len(c.IDs) > 0 {
		w.add("id = ANY(?)", pq.Array(c.IDs))
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_calls`+w.sql(), w.args...)
	if err != nil {
		return 0, errors.Wrap(err, "bulk delete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "bulk delete rows affected")
	}
	return n, nil
}

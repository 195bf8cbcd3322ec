package store

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/lib/pq"

	"callbridge/internal/errors"
	"callbridge/internal/models"
)

// ClaimDue leases up to q.Limit due tasks. Status stays pending; the lease
// keeps other runners from picking the same rows until it lapses.
func (s *Store) ClaimDue(ctx context.Context, q DueQuery) ([]models.Task, error) {
	if len(q.Services) == 0 || q.Limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE scheduled_calls
		SET claimed_until = $2, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM scheduled_calls
			WHERE status = 'pending'
			  AND scheduled_at <= $1
			  AND retry_count < max_retries
			  AND (claimed_until IS NULL OR claimed_until < $1)
			  AND service = ANY($3)
			ORDER BY scheduled_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		q.Now.UTC(), q.Now.Add(q.Lease).UTC(), pq.Array(serviceStrings(q.Services)), q.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim due tasks")
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].ScheduledAt.Before(tasks[j].ScheduledAt) })
	return tasks, nil
}

// CompleteTask records a successful dispatch.
func (s *Store) CompleteTask(ctx context.Context, id int64, a models.Attempt) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var retries int
		err := tx.QueryRowContext(ctx, `
			UPDATE scheduled_calls
			SET status = 'completed', executed_at = $2, result = $3, last_error = NULL, claimed_until = NULL, updated_at = NOW()
			WHERE id = $1 AND status IN ('pending', 'processing')
			RETURNING retry_count
		`, id, a.At.UTC(), jsonOrNil(a.Response)).Scan(&retries)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NotFoundf("scheduled task %d is no longer pending", id)
		}
		if err != nil {
			return errors.Wrapf(err, "complete task %d", id)
		}
		return appendLog(ctx, tx, id, logEntry{
			Event:    models.EventCompleted,
			Response: a.Response,
			Elapsed:  a.Elapsed,
			Attempt:  retries + 1,
		})
	})
}

// FailAttempt increments retry_count and stores the error. The task stays
// pending; SweepExhausted finalizes it once the budget is spent.
func (s *Store) FailAttempt(ctx context.Context, id int64, a models.Attempt) (int, error) {
	var retries int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE scheduled_calls
			SET retry_count = retry_count + 1, last_error = $2, claimed_until = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'pending' AND retry_count < max_retries
			RETURNING retry_count
		`, id, a.Error).Scan(&retries)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NotFoundf("scheduled task %d is no longer retryable", id)
		}
		if err != nil {
			return errors.Wrapf(err, "record failed attempt for task %d", id)
		}
		return appendLog(ctx, tx, id, logEntry{
			Event:        models.EventFailed,
			Response:     a.Response,
			ErrorCode:    a.ErrorCode,
			ErrorMessage: a.Error,
			Elapsed:      a.Elapsed,
			Attempt:      retries,
		})
	})
	return retries, err
}

// SweepExhausted marks pending tasks that spent their retry budget as failed.
func (s *Store) SweepExhausted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		WITH swept AS (
			UPDATE scheduled_calls
			SET status = 'failed', claimed_until = NULL, updated_at = NOW()
			WHERE status = 'pending' AND retry_count >= max_retries
			RETURNING id, retry_count, last_error
		)
		INSERT INTO call_logs (scheduled_call_id, event_type, api_response, error_message, attempt_number)
		SELECT id, 'failed', '{"final": true, "reason": "max retries reached"}'::jsonb, last_error, retry_count FROM swept
	`)
	if err != nil {
		return 0, errors.Wrap(err, "sweep exhausted tasks")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "sweep rows affected")
	}
	return n, nil
}

// ExpiredTasks lists tasks past retention, oldest id first.
func (s *Store) ExpiredTasks(ctx context.Context, cutoff time.Time, statuses []models.Status, limit int) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_calls
		WHERE created_at < $1 AND status = ANY($2)
		ORDER BY id ASC
		LIMIT $3
	`, cutoff.UTC(), pq.Array(statusStrings(statuses)), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list expired tasks")
	}
	return scanTasks(rows)
}

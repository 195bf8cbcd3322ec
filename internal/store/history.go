package store

import (
	"context"

	"callbridge/internal/errors"
	"callbridge/internal/models"
)

// RecordJobRun appends a timer execution to cron_job_logs.
func (s *Store) RecordJobRun(ctx context.Context, run models.JobRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_job_logs (job_name, started_at, finished_at, status, processed, succeeded, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.JobName, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Status, run.Processed, run.Succeeded, emptyToNil(run.Error))
	if err != nil {
		return errors.Wrapf(err, "record %s run", run.JobName)
	}
	return nil
}

// RecordEvent appends an authenticated request to events_history.
func (s *Store) RecordEvent(ctx context.Context, ev models.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events_history (user_id, action, route, method, ip, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.UserID, ev.Action, ev.Route, ev.Method, ev.IP, jsonOrNil(ev.Payload))
	if err != nil {
		return errors.Wrap(err, "record event")
	}
	return nil
}

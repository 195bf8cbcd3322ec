package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"callbridge/internal/errors"
	"callbridge/internal/models"
)

// Cleanup deletes tasks created before the retention cutoff whose status is
// in p.Statuses. A dry run only reports what would go, grouped by status.
func (s *Store) Cleanup(ctx context.Context, p CleanupParams) (CleanupResult, error) {
	if err := p.normalize(); err != nil {
		return CleanupResult{}, err
	}
	cutoff := s.now().AddDate(0, 0, -p.RetentionDays).UTC()
	out := CleanupResult{DryRun: p.DryRun, Cutoff: cutoff}
	statuses := pq.Array(statusStrings(p.Statuses))

	if !p.DryRun {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM scheduled_calls WHERE created_at < $1 AND status = ANY($2)
		`, cutoff, statuses)
		if err != nil {
			return CleanupResult{}, errors.Wrap(err, "cleanup tasks")
		}
		if out.Count, err = res.RowsAffected(); err != nil {
			return CleanupResult{}, errors.Wrap(err, "cleanup rows affected")
		}
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), MIN(created_at), MAX(created_at)
		FROM scheduled_calls
		WHERE created_at < $1 AND status = ANY($2)
		GROUP BY status
		ORDER BY status
	`, cutoff, statuses)
	if err != nil {
		return CleanupResult{}, errors.Wrap(err, "cleanup preview")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			b              CleanupBucket
			status         string
			oldest, newest sql.NullTime
		)
		if err := rows.Scan(&status, &b.Count, &oldest, &newest); err != nil {
			return CleanupResult{}, errors.Wrap(err, "scan cleanup preview")
		}
		b.Status = models.Status(status)
		b.Oldest = nullTimePtr(oldest)
		b.Newest = nullTimePtr(newest)
		out.Count += b.Count
		out.Breakdown = append(out.Breakdown, b)
	}
	if err := rows.Err(); err != nil {
		return CleanupResult{}, errors.Wrap(err, "iterate cleanup preview")
	}
	return out, nil
}

// Stats aggregates tasks created inside the window.
func (s *Store) Stats(ctx context.Context, w models.Window, loc *time.Location) (models.Stats, error) {
	if loc == nil {
		loc = time.UTC
	}
	from, to := w.From.UTC(), w.To.UTC()
	out := models.Stats{Period: w.Period, From: w.From, To: w.To, ByPriority: []models.PriorityStat{}, TopFailed: []models.Task{}}

	if err := s.statsSummary(ctx, from, to, &out.Summary); err != nil {
		return models.Stats{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT priority, COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM scheduled_calls
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY priority
		ORDER BY priority
	`, from, to)
	if err != nil {
		return models.Stats{}, errors.Wrap(err, "stats by priority")
	}
	for rows.Next() {
		var ps models.PriorityStat
		if err := rows.Scan(&ps.Priority, &ps.Count, &ps.Completed, &ps.Failed); err != nil {
			rows.Close()
			return models.Stats{}, errors.Wrap(err, "scan priority stats")
		}
		out.ByPriority = append(out.ByPriority, ps)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.Stats{}, errors.Wrap(err, "iterate priority stats")
	}

	if w.HourlyBreakdown() {
		rows, err := s.db.QueryContext(ctx, `
			SELECT EXTRACT(HOUR FROM scheduled_at AT TIME ZONE $3)::int AS hour, COUNT(*),
			       COUNT(*) FILTER (WHERE status = 'completed')
			FROM scheduled_calls
			WHERE created_at >= $1 AND created_at < $2
			GROUP BY hour
			ORDER BY hour
		`, from, to, loc.String())
		if err != nil {
			return models.Stats{}, errors.Wrap(err, "stats by hour")
		}
		out.ByHour = []models.HourStat{}
		for rows.Next() {
			var hs models.HourStat
			if err := rows.Scan(&hs.Hour, &hs.Count, &hs.Completed); err != nil {
				rows.Close()
				return models.Stats{}, errors.Wrap(err, "scan hour stats")
			}
			out.ByHour = append(out.ByHour, hs)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return models.Stats{}, errors.Wrap(err, "iterate hour stats")
		}
	}

	failedRows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_calls
		WHERE status = 'failed' AND created_at >= $1 AND created_at < $2
		ORDER BY retry_count DESC, updated_at DESC
		LIMIT $3
	`, from, to, models.TopFailedLimit)
	if err != nil {
		return models.Stats{}, errors.Wrap(err, "stats top failed")
	}
	failed, err := scanTasks(failedRows)
	if err != nil {
		return models.Stats{}, err
	}
	if failed != nil {
		out.TopFailed = failed
	}
	return out, nil
}

func (s *Store) statsSummary(ctx context.Context, from, to time.Time, sum *models.StatsSummary) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(retry_count), 0), MIN(scheduled_at), MAX(scheduled_at)
		FROM scheduled_calls
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY status
	`, from, to)
	if err != nil {
		return errors.Wrap(err, "stats summary")
	}
	defer rows.Close()

	var retries int64
	for rows.Next() {
		var (
			status         string
			n, r           int64
			earliest, last sql.NullTime
		)
		if err := rows.Scan(&status, &n, &r, &earliest, &last); err != nil {
			return errors.Wrap(err, "scan stats summary")
		}
		sum.Add(models.Status(status), n)
		retries += r
		if earliest.Valid && (sum.EarliestScheduled == nil || earliest.Time.Before(*sum.EarliestScheduled)) {
			sum.EarliestScheduled = nullTimePtr(earliest)
		}
		if last.Valid && (sum.LatestScheduled == nil || last.Time.After(*sum.LatestScheduled)) {
			sum.LatestScheduled = nullTimePtr(last)
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate stats summary")
	}
	if sum.Total > 0 {
		sum.AvgRetries = float64(retries) / float64(sum.Total)
	}
	return nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

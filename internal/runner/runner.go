// Package runner executes scheduled tasks on a fixed set of timers.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"callbridge/internal/archive"
	"callbridge/internal/errors"
	"callbridge/internal/gateway"
	"callbridge/internal/logger"
	"callbridge/internal/models"
	"callbridge/internal/store"
	"callbridge/internal/telemetry"
)

// Job names, as recorded in cron_job_logs and the runner_timer_runs_total metric.
const (
	JobTokenRefresh = "token_refresh"
	JobDueTasks     = "due_tasks"
	JobRetrySweep   = "retry_sweep"
	JobRetention    = "retention"
	JobDailyReport  = "daily_report"
	JobCleanup      = "manual_cleanup"
)

const purgeBatch = 500

// TokenSource hands out the runner's own service credentials.
// credentials.Provider implements it.
type TokenSource interface {
	Token(ctx context.Context, service models.Service) (string, error)
	Refresh(ctx context.Context, service models.Service) (string, error)
	Invalidate(ctx context.Context, service models.Service) error
	RefreshAll(ctx context.Context) (int, error)
}

// Schedule holds one cron spec per timer. An empty spec disables the timer.
type Schedule struct {
	TokenRefresh string
	Due          string
	Sweep        string
	Retention    string
	Report       string
}

type Options struct {
	Schedule          Schedule
	BatchSize         int
	ClaimLease        time.Duration
	JobTimeout        time.Duration
	UpstreamTimeout   time.Duration
	RetentionDays     int
	RetentionStatuses []models.Status
	Location          *time.Location
	Archiver          *archive.Archiver
}

func (o *Options) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = 2 * time.Minute
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 4 * time.Minute
	}
	if o.UpstreamTimeout <= 0 {
		o.UpstreamTimeout = 10 * time.Second
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = store.DefaultRetentionDays
	}
	if len(o.RetentionStatuses) == 0 {
		o.RetentionStatuses = append([]models.Status(nil), models.TerminalStatuses...)
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
}

// Runner drives the periodic jobs. Overlapping firings of the same timer are
// skipped, and due tasks are leased in the store, so no task is dispatched
// twice concurrently.
type Runner struct {
	store   store.TaskRepository
	clients gateway.Registry
	tokens  TokenSource
	opts    Options
	log     *zap.SugaredLogger
	cron    *cron.Cron
	now     func() time.Time
}

func New(st store.TaskRepository, clients gateway.Registry, tokens TokenSource, log *zap.SugaredLogger, opts Options) *Runner {
	opts.withDefaults()
	cl := logger.CronAdapter{Log: log}
	return &Runner{
		store:   st,
		clients: clients,
		tokens:  tokens,
		opts:    opts,
		log:     log,
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		now: time.Now,
	}
}

// Start registers every enabled timer and starts the scheduler.
func (r *Runner) Start() error {
	timers := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{JobTokenRefresh, r.opts.Schedule.TokenRefresh, r.RefreshCredentials},
		{JobDueTasks, r.opts.Schedule.Due, func(ctx context.Context) error { _, err := r.ProcessDue(ctx); return err }},
		{JobRetrySweep, r.opts.Schedule.Sweep, func(ctx context.Context) error { _, err := r.SweepExhausted(ctx); return err }},
		{JobRetention, r.opts.Schedule.Retention, func(ctx context.Context) error { _, err := r.PurgeExpired(ctx); return err }},
		{JobDailyReport, r.opts.Schedule.Report, func(ctx context.Context) error { _, err := r.Report(ctx); return err }},
	}
	for _, t := range timers {
		if t.spec == "" {
			r.log.Infow("timer disabled", "job", t.name)
			continue
		}
		run := t.run
		if _, err := r.cron.AddFunc(t.spec, func() { _ = run(context.Background()) }); err != nil {
			return errors.Wrapf(err, "schedule %s with %q", t.name, t.spec)
		}
		r.log.Infow("timer scheduled", "job", t.name, "spec", t.spec)
	}
	r.cron.Start()
	return nil
}

// Stop halts the timers; the returned context is done once running jobs finish.
func (r *Runner) Stop() context.Context {
	return r.cron.Stop()
}

// track runs one job body under JobTimeout and records the outcome.
func (r *Runner) track(ctx context.Context, name string, body func(ctx context.Context) (processed, succeeded int64, err error)) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.JobTimeout)
	defer cancel()

	run := models.JobRun{JobName: name, StartedAt: r.now()}
	processed, succeeded, err := body(ctx)
	run.FinishedAt = r.now()
	run.Processed = processed
	run.Succeeded = succeeded
	run.Status = "success"
	if err != nil {
		run.Status = "error"
		run.Error = err.Error()
	}
	telemetry.TimerRuns.WithLabelValues(name, run.Status).Inc()

	// recorded even when the job context timed out
	recCtx, recCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer recCancel()
	if recErr := r.store.RecordJobRun(recCtx, run); recErr != nil {
		r.log.Warnw("record job run failed", "job", name, "error", recErr)
	}

	fields := []any{"job", name, "processed", processed, "succeeded", succeeded, "duration", run.FinishedAt.Sub(run.StartedAt)}
	if err != nil {
		r.log.Errorw("job failed", append(fields, "error", err)...)
		return err
	}
	r.log.Infow("job finished", fields...)
	return nil
}

// RefreshCredentials renews every service credential ahead of expiry.
func (r *Runner) RefreshCredentials(ctx context.Context) error {
	return r.track(ctx, JobTokenRefresh, func(ctx context.Context) (int64, int64, error) {
		n, err := r.tokens.RefreshAll(ctx)
		return int64(len(r.clients)), int64(n), err
	})
}

// SweepExhausted fails pending tasks that used up their retries.
func (r *Runner) SweepExhausted(ctx context.Context) (int64, error) {
	var swept int64
	err := r.track(ctx, JobRetrySweep, func(ctx context.Context) (int64, int64, error) {
		n, err := r.store.SweepExhausted(ctx)
		if err != nil {
			return 0, 0, err
		}
		swept = n
		telemetry.TasksSwept.Add(float64(n))
		return n, n, nil
	})
	return swept, err
}

// PurgeExpired removes terminal tasks past the retention window, archiving
// them first when an archiver is configured. Nothing is deleted if the
// archive write fails.
func (r *Runner) PurgeExpired(ctx context.Context) (int64, error) {
	var purged int64
	err := r.track(ctx, JobRetention, func(ctx context.Context) (int64, int64, error) {
		if r.opts.Archiver == nil {
			res, err := r.store.Cleanup(ctx, store.CleanupParams{
				RetentionDays: r.opts.RetentionDays,
				Statuses:      r.opts.RetentionStatuses,
			})
			if err != nil {
				return 0, 0, err
			}
			purged = res.Count
			telemetry.TasksPurged.Add(float64(res.Count))
			return res.Count, res.Count, nil
		}

		cutoff := r.now().AddDate(0, 0, -r.opts.RetentionDays)
		var seen int64
		for {
			tasks, err := r.store.ExpiredTasks(ctx, cutoff, r.opts.RetentionStatuses, purgeBatch)
			if err != nil {
				return seen, purged, err
			}
			if len(tasks) == 0 {
				break
			}
			seen += int64(len(tasks))
			loc, err := r.opts.Archiver.Archive(ctx, tasks, r.now())
			if err != nil {
				return seen, purged, err
			}
			ids := make([]int64, len(tasks))
			for i, t := range tasks {
				ids[i] = t.ID
			}
			n, err := r.store.BulkDelete(ctx, store.BulkDeleteCriteria{
				IDs:      ids,
				Statuses: r.opts.RetentionStatuses,
				Confirm:  true,
			})
			if err != nil {
				return seen, purged, err
			}
			purged += n
			telemetry.TasksPurged.Add(float64(n))
			r.log.Infow("expired tasks archived", "location", loc, "archived", len(tasks), "deleted", n)
			if len(tasks) < purgeBatch || n == 0 {
				break
			}
		}
		return seen, purged, nil
	})
	return purged, err
}

// Report summarizes today's tasks by status.
func (r *Runner) Report(ctx context.Context) (models.Stats, error) {
	var stats models.Stats
	err := r.track(ctx, JobDailyReport, func(ctx context.Context) (int64, int64, error) {
		w, err := models.PeriodWindow(models.PeriodToday, r.now(), r.opts.Location)
		if err != nil {
			return 0, 0, err
		}
		stats, err = r.store.Stats(ctx, w, r.opts.Location)
		if err != nil {
			return 0, 0, err
		}
		for st, n := range stats.Summary.ByStatus() {
			telemetry.TasksByStatus.WithLabelValues(string(st)).Set(float64(n))
		}
		s := stats.Summary
		r.log.Infow("daily task report",
			"from", w.From, "to", w.To,
			"total", s.Total, "pending", s.Pending, "processing", s.Processing,
			"completed", s.Completed, "failed", s.Failed, "cancelled", s.Cancelled,
			"avg_retries", s.AvgRetries)
		return s.Total, s.Completed, nil
	})
	return stats, err
}

// CycleResult summarizes one due-task poll.
type CycleResult struct {
	ID        string
	Claimed   int
	Completed int
	Failed    int
	Skipped   []models.Service

	// Deferred counts claimed tasks left for a later cycle because the
	// lease would lapse before their dispatch could finish.
	Deferred int
}

// ProcessDue claims due tasks and dispatches them one at a time, oldest
// scheduled first. A service whose credential cannot be obtained is left
// untouched for this cycle.
func (r *Runner) ProcessDue(ctx context.Context) (CycleResult, error) {
	res := CycleResult{ID: uuid.NewString()}
	err := r.track(ctx, JobDueTasks, func(ctx context.Context) (int64, int64, error) {
		tokens := make(map[models.Service]string)
		var ready []models.Service
		for _, svc := range r.clients.Services() {
			tok, err := r.tokens.Token(ctx, svc)
			if err != nil {
				r.log.Warnw("no credential, skipping service this cycle", "cycle", res.ID, "service", svc, "error", err)
				res.Skipped = append(res.Skipped, svc)
				continue
			}
			tokens[svc] = tok
			ready = append(ready, svc)
		}
		if len(ready) == 0 {
			return 0, 0, nil
		}

		claimedAt := r.now()
		tasks, err := r.store.ClaimDue(ctx, store.DueQuery{
			Now:      claimedAt,
			Limit:    r.opts.BatchSize,
			Lease:    r.opts.ClaimLease,
			Services: ready,
		})
		if err != nil {
			return 0, 0, err
		}
		res.Claimed = len(tasks)
		leaseEnd := claimedAt.Add(r.opts.ClaimLease)

		// once the lease lapses another runner may claim the same rows
		ctx, cancel := context.WithTimeout(ctx, r.opts.ClaimLease)
		defer cancel()

		c := &cycle{id: res.ID, tokens: tokens, refreshed: make(map[models.Service]bool)}
		for i, t := range tasks {
			if ctx.Err() != nil || !r.now().Add(r.opts.UpstreamTimeout).Before(leaseEnd) {
				// unprocessed leases lapse and the tasks are picked up next cycle
				res.Deferred = len(tasks) - i
				r.log.Warnw("stopping cycle before the claim lease lapses", "cycle", res.ID, "deferred", res.Deferred)
				break
			}
			if r.execute(ctx, c, t) {
				res.Completed++
			} else {
				res.Failed++
			}
		}
		return int64(res.Claimed), int64(res.Completed), nil
	})
	return res, err
}

type cycle struct {
	id        string
	tokens    map[models.Service]string
	refreshed map[models.Service]bool
}

// execute dispatches one task and records the outcome. It reports whether
// the task completed.
func (r *Runner) execute(ctx context.Context, c *cycle, t models.Task) bool {
	log := r.log.With("cycle", c.id, "task_id", t.ID, "service", t.Service, "attempt", t.RetryCount+1)
	svc := string(t.Service)

	if t.PayloadErr != nil || t.Payload == nil {
		msg := "stored payload is unreadable"
		if t.PayloadErr != nil {
			msg = t.PayloadErr.Error()
		}
		r.fail(ctx, log, t, models.Attempt{At: r.now(), ErrorCode: "invalid_payload", Error: msg})
		return false
	}

	client := r.clients[t.Service]
	callCtx, cancel := context.WithTimeout(ctx, r.opts.UpstreamTimeout)
	start := time.Now()
	result, err := client.Dispatch(callCtx, c.tokens[t.Service], t.Payload)
	elapsed := time.Since(start)
	cancel()
	telemetry.DispatchLatency.WithLabelValues(svc).Observe(elapsed.Seconds())

	attempt := models.Attempt{At: r.now(), Elapsed: elapsed}
	switch {
	case err != nil:
		attempt.ErrorCode = "transport"
		attempt.Error = err.Error()
	case result.Status == 401:
		attempt.ErrorCode = "unauthorized"
		attempt.Error = describe(t.Service, result)
		attempt.Response = result.Body
		r.renewCredential(ctx, log, c, t.Service)
	case !result.OK:
		attempt.ErrorCode = fmt.Sprintf("http_%d", result.Status)
		attempt.Error = describe(t.Service, result)
		attempt.Response = result.Body
	default:
		attempt.Response = encodeResult(result)
		wctx, wcancel := outcomeContext(ctx)
		defer wcancel()
		if err := r.store.CompleteTask(wctx, t.ID, attempt); err != nil {
			log.Warnw("dispatched but completion not recorded", "error", err)
			return false
		}
		telemetry.TaskExecutions.WithLabelValues(svc, "completed").Inc()
		log.Infow("task completed", "status", result.Status, "elapsed", elapsed)
		return true
	}
	r.fail(ctx, log, t, attempt)
	return false
}

func (r *Runner) fail(ctx context.Context, log *zap.SugaredLogger, t models.Task, a models.Attempt) {
	telemetry.TaskExecutions.WithLabelValues(string(t.Service), "failed").Inc()
	wctx, cancel := outcomeContext(ctx)
	defer cancel()
	retries, err := r.store.FailAttempt(wctx, t.ID, a)
	if err != nil {
		log.Warnw("failed attempt not recorded", "error", err, "cause", a.Error)
		return
	}
	log.Warnw("task attempt failed", "code", a.ErrorCode, "error", a.Error, "retry_count", retries, "max_retries", t.MaxRetries)
}

const outcomeWriteTimeout = 5 * time.Second

// outcomeContext detaches an outcome write from the cycle deadline. An
// upstream that already accepted the task must not see it again.
func outcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
}

// renewCredential replaces a rejected credential, at most once per service
// per cycle.
func (r *Runner) renewCredential(ctx context.Context, log *zap.SugaredLogger, c *cycle, service models.Service) {
	if c.refreshed[service] {
		return
	}
	c.refreshed[service] = true
	if err := r.tokens.Invalidate(ctx, service); err != nil {
		log.Warnw("invalidate credential failed", "error", err)
	}
	tok, err := r.tokens.Refresh(ctx, service)
	if err != nil {
		log.Warnw("credential refresh after 401 failed", "error", err)
		return
	}
	c.tokens[service] = tok
}

const maxErrorBody = 512

func describe(service models.Service, res gateway.Result) string {
	body := string(res.Body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	if body == "" {
		return fmt.Sprintf("%s returned %d", service, res.Status)
	}
	return fmt.Sprintf("%s returned %d: %s", service, res.Status, body)
}

func encodeResult(res gateway.Result) json.RawMessage {
	b, err := json.Marshal(res)
	if err != nil {
		return nil
	}
	return b
}

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge/internal/config"
	"callbridge/internal/errors"
	"callbridge/internal/models"
)

// backends returns every Repository the state rules must hold for. The
// Postgres backend runs only when TEST_POSTGRES_DSN points at a scratch
// database; its tables are truncated before each test.
func backends(t *testing.T) map[string]func(t *testing.T) Repository {
	t.Helper()
	out := map[string]func(t *testing.T) Repository{
		"memory": func(*testing.T) Repository { return NewMemory() },
	}
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		return out
	}
	out["postgres"] = func(t *testing.T) Repository {
		ctx := context.Background()
		s, err := New(ctx, config.Config{PostgresDSN: dsn, PostgresMaxConns: 4})
		require.NoError(t, err)
		t.Cleanup(s.Close)
		require.NoError(t, s.RunMigrations(ctx))
		_, err = s.db.ExecContext(ctx, `TRUNCATE call_logs, scheduled_calls, users, cron_job_logs, events_history RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
		return s
	}
	return out
}

func eventCounts(logs []models.TaskLog) map[string]int {
	out := make(map[string]int)
	for _, l := range logs {
		out[l.EventType]++
	}
	return out
}

func TestRepositoryClaimLifecycle(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			voice, err := repo.CreateTask(ctx, CreateTaskParams{Payload: voicePayload(), ScheduledAt: now.Add(time.Minute)})
			require.NoError(t, err)
			_, err = repo.CreateTask(ctx, CreateTaskParams{Payload: chatPayload(), ScheduledAt: now.Add(time.Minute)})
			require.NoError(t, err)

			due := DueQuery{Now: now.Add(2 * time.Minute), Limit: 10, Lease: time.Minute, Services: []models.Service{models.ServiceVoice}}
			claimed, err := repo.ClaimDue(ctx, due)
			require.NoError(t, err)
			require.Len(t, claimed, 1)
			assert.Equal(t, voice.ID, claimed[0].ID)
			assert.Equal(t, models.StatusPending, claimed[0].Status)

			claimed, err = repo.ClaimDue(ctx, due)
			require.NoError(t, err)
			assert.Empty(t, claimed, "a held lease hides the task")

			retries, err := repo.FailAttempt(ctx, voice.ID, models.Attempt{At: due.Now, ErrorCode: "http_500", Error: "busy"})
			require.NoError(t, err)
			assert.Equal(t, 1, retries)

			claimed, err = repo.ClaimDue(ctx, due)
			require.NoError(t, err)
			require.Len(t, claimed, 1, "a failed attempt releases the lease")

			require.NoError(t, repo.CompleteTask(ctx, voice.ID, models.Attempt{At: due.Now, Response: []byte(`{"call_id":"x"}`)}))
			err = repo.CompleteTask(ctx, voice.ID, models.Attempt{At: due.Now})
			assert.True(t, errors.Is(err, errors.ErrNotFound))

			got, logs, err := repo.GetTask(ctx, voice.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusCompleted, got.Status)
			assert.Equal(t, 1, got.RetryCount)
			assert.Equal(t, map[string]int{
				models.EventScheduled: 1,
				models.EventFailed:    1,
				models.EventCompleted: 1,
			}, eventCounts(logs))
		})
	}
}

func TestRepositorySweepAndReschedule(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			task, err := repo.CreateTask(ctx, CreateTaskParams{Payload: voicePayload(), ScheduledAt: now.Add(time.Minute), MaxRetries: 1})
			require.NoError(t, err)
			_, err = repo.FailAttempt(ctx, task.ID, models.Attempt{At: now, ErrorCode: "transport", Error: "refused"})
			require.NoError(t, err)

			_, err = repo.FailAttempt(ctx, task.ID, models.Attempt{At: now, Error: "again"})
			assert.True(t, errors.Is(err, errors.ErrNotFound), "no attempts past the budget")

			claimed, err := repo.ClaimDue(ctx, DueQuery{Now: now.Add(2 * time.Minute), Limit: 10, Lease: time.Minute, Services: []models.Service{models.ServiceVoice}})
			require.NoError(t, err)
			assert.Empty(t, claimed, "exhausted tasks are never claimed")

			n, err := repo.SweepExhausted(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			n, err = repo.SweepExhausted(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)

			got, logs, err := repo.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, got.Status)
			require.NotNil(t, got.LastError)
			assert.Equal(t, "refused", *got.LastError)
			assert.Equal(t, 2, eventCounts(logs)[models.EventFailed])

			require.NoError(t, repo.RescheduleTask(ctx, task.ID, now.Add(time.Hour), false))
			got, _, err = repo.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusPending, got.Status)
			assert.Equal(t, 1, got.RetryCount, "retries kept without reset")

			require.NoError(t, repo.CancelTask(ctx, task.ID, "operator"))
			require.NoError(t, repo.RescheduleTask(ctx, task.ID, now.Add(time.Hour), true))
			got, _, err = repo.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, 0, got.RetryCount)
			assert.Nil(t, got.LastError)

			err = repo.RescheduleTask(ctx, task.ID, now.Add(-time.Hour), true)
			assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
		})
	}
}

func TestRepositoryTenants(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()

			tenant, err := repo.CreateTenant(ctx, models.Tenant{APIKey: "key-1", CorrelationID: models.StringPtr("crm-1"), Active: true})
			require.NoError(t, err)
			_, err = repo.CreateTenant(ctx, models.Tenant{APIKey: "key-1", Active: true})
			assert.True(t, errors.Is(err, errors.ErrConflict))

			require.NoError(t, repo.UpdateTenantToken(ctx, tenant.ID, models.ServiceVoice, "voice-1"))
			require.NoError(t, repo.SetTenantActive(ctx, tenant.ID, false))

			got, err := repo.TenantByCorrelationID(ctx, "crm-1")
			require.NoError(t, err)
			assert.Equal(t, "voice-1", got.VoiceToken)
			assert.Empty(t, got.ChatToken)
			assert.False(t, got.Active)

			assert.True(t, errors.Is(repo.SetTenantActive(ctx, tenant.ID+100, true), errors.ErrNotFound))
			_, err = repo.TenantByAPIKey(ctx, "missing")
			assert.True(t, errors.Is(err, errors.ErrNotFound))
		})
	}
}

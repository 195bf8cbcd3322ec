package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge/internal/errors"
	"callbridge/internal/models"
)

type memClock struct{ now time.Time }

func (c *memClock) Now() time.Time { return c.now }

func newTestMemory(t *testing.T) (*Memory, *memClock) {
	t.Helper()
	clock := &memClock{now: fixedNow}
	m := NewMemory()
	m.SetClock(clock.Now)
	return m, clock
}

func chatPayload() *models.ChatPayload {
	return &models.ChatPayload{
		From:            "+5491100000001",
		To:              "+5491100000002",
		TemplateName:    "reminder",
		CampaignName:    "march",
		BroadcastTarget: "single",
	}
}

func mustCreate(t *testing.T, m *Memory, p models.Payload, at time.Time, priority int) models.Task {
	t.Helper()
	task, err := m.CreateTask(context.Background(), CreateTaskParams{Payload: p, ScheduledAt: at, Priority: priority})
	require.NoError(t, err)
	return task
}

func TestMemoryCreateDefaults(t *testing.T) {
	m, _ := newTestMemory(t)

	task, err := m.CreateTask(context.Background(), CreateTaskParams{Payload: voicePayload()})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.Equal(t, models.DefaultPriority, task.Priority)
	assert.Equal(t, models.DefaultMaxRetries, task.MaxRetries)
	assert.True(t, task.ScheduledAt.Equal(fixedNow.Add(models.DefaultScheduleDelay)))

	_, logs, err := m.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.EventScheduled, logs[0].EventType)
}

func TestMemoryCancelAndReschedule(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()
	task := mustCreate(t, m, voicePayload(), fixedNow.Add(time.Hour), 0)

	err := m.RescheduleTask(ctx, task.ID, fixedNow.Add(2*time.Hour), false)
	assert.True(t, errors.Is(err, errors.ErrNotFound), "pending tasks cannot be rescheduled")

	require.NoError(t, m.CancelTask(ctx, task.ID, ""))
	got, _, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, DefaultCancelReason, *got.LastError)

	err = m.CancelTask(ctx, task.ID, "again")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	err = m.RescheduleTask(ctx, task.ID, fixedNow.Add(-time.Minute), false)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))

	clock.now = fixedNow.Add(time.Minute)
	require.NoError(t, m.RescheduleTask(ctx, task.ID, fixedNow.Add(3*time.Hour), true))
	got, logs, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.LastError)
	assert.Len(t, logs, 3)
	assert.Equal(t, models.EventScheduled, logs[0].EventType)
}

func TestMemoryDeleteTask(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()
	task := mustCreate(t, m, voicePayload(), fixedNow.Add(time.Hour), 0)

	_, err := m.DeleteTask(ctx, task.ID, false)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))

	prev, err := m.DeleteTask(ctx, task.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, prev)

	_, _, err = m.GetTask(ctx, task.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestMemoryListTasks(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		mustCreate(t, m, voicePayload(), fixedNow.Add(time.Duration(i)*time.Hour), i)
	}

	tasks, total, err := m.ListTasks(ctx, ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, tasks, 2)
	assert.Equal(t, 5, tasks[0].Priority, "default order is scheduled_at DESC")

	tasks, total, err = m.ListTasks(ctx, ListFilter{Priority: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, 2, tasks[0].Priority)

	from := fixedNow.Add(3 * time.Hour)
	tasks, _, err = m.ListTasks(ctx, ListFilter{DateFrom: &from, SortBy: "priority", SortOrder: "asc", Offset: 1})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, 4, tasks[0].Priority)
}

func TestListFilterNormalize(t *testing.T) {
	f := ListFilter{Limit: 1000, Offset: -4, SortBy: "id; DROP TABLE", SortOrder: "sideways"}.Normalize()
	assert.Equal(t, MaxListLimit, f.Limit)
	assert.Equal(t, 0, f.Offset)
	assert.Equal(t, "scheduled_at", f.SortBy)
	assert.Equal(t, "DESC", f.SortOrder)
}

func TestMemoryRetryLifecycle(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()
	task, err := m.CreateTask(ctx, CreateTaskParams{Payload: chatPayload(), ScheduledAt: fixedNow.Add(time.Minute), MaxRetries: 2})
	require.NoError(t, err)

	clock.now = fixedNow.Add(2 * time.Minute)
	q := DueQuery{Now: clock.now, Limit: 10, Lease: time.Minute, Services: []models.Service{models.ServiceChat}}

	claimed, err := m.ClaimDue(ctx, q)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	again, err := m.ClaimDue(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, again, "leased task is not claimed twice")

	for attempt := 1; attempt <= 2; attempt++ {
		n, err := m.FailAttempt(ctx, task.ID, models.Attempt{At: clock.now, ErrorCode: "http_500", Error: "boom"})
		require.NoError(t, err)
		assert.Equal(t, attempt, n)
	}
	_, err = m.FailAttempt(ctx, task.ID, models.Attempt{At: clock.now, Error: "boom"})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	claimed, err = m.ClaimDue(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, claimed, "exhausted tasks are not claimed")

	swept, err := m.SweepExhausted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	got, logs, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Len(t, logs, 4)
	assert.JSONEq(t, `{"final": true, "reason": "max retries reached"}`, string(logs[0].APIResponse))
}

func TestMemoryCompleteTask(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()
	task := mustCreate(t, m, voicePayload(), fixedNow.Add(time.Minute), 0)
	clock.now = fixedNow.Add(time.Hour)

	require.NoError(t, m.CompleteTask(ctx, task.ID, models.Attempt{At: clock.now, Response: []byte(`{"call_id":"abc"}`)}))
	got, _, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.ExecutedAt)
	assert.JSONEq(t, `{"call_id":"abc"}`, string(got.Result))

	err = m.CompleteTask(ctx, task.ID, models.Attempt{At: clock.now})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestMemoryBulkDeleteAndCleanup(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()

	old := mustCreate(t, m, voicePayload(), fixedNow.Add(time.Hour), 1)
	require.NoError(t, m.CancelTask(ctx, old.ID, ""))
	oldChat := mustCreate(t, m, chatPayload(), fixedNow.Add(time.Hour), 2)
	require.NoError(t, m.CancelTask(ctx, oldChat.ID, ""))

	clock.now = fixedNow.AddDate(0, 0, 40)
	fresh := mustCreate(t, m, voicePayload(), clock.now.Add(time.Hour), 1)
	require.NoError(t, m.CancelTask(ctx, fresh.ID, ""))
	mustCreate(t, m, voicePayload(), clock.now.Add(time.Hour), 1)

	preview, err := m.Cleanup(ctx, CleanupParams{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), preview.Count)
	require.Len(t, preview.Breakdown, 1)
	assert.Equal(t, models.StatusCancelled, preview.Breakdown[0].Status)

	n, err := m.BulkDelete(ctx, BulkDeleteCriteria{Confirm: true, Priority: 1, Statuses: []models.Status{models.StatusCancelled}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	res, err := m.Cleanup(ctx, CleanupParams{RetentionDays: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Count)

	_, total, err := m.ListTasks(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestMemoryStats(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()

	a := mustCreate(t, m, voicePayload(), fixedNow.Add(time.Hour), 1)
	b := mustCreate(t, m, voicePayload(), fixedNow.Add(2*time.Hour), 1)
	mustCreate(t, m, chatPayload(), fixedNow.Add(3*time.Hour), 4)
	require.NoError(t, m.CompleteTask(ctx, a.ID, models.Attempt{At: fixedNow}))
	require.NoError(t, m.CancelTask(ctx, b.ID, "no"))

	w, err := models.PeriodWindow(models.PeriodToday, clock.now, time.UTC)
	require.NoError(t, err)
	stats, err := m.Stats(ctx, w, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Summary.Total)
	assert.Equal(t, int64(1), stats.Summary.Completed)
	assert.Equal(t, int64(1), stats.Summary.Cancelled)
	assert.Equal(t, int64(1), stats.Summary.Pending)
	require.Len(t, stats.ByPriority, 2)
	assert.Equal(t, 1, stats.ByPriority[0].Priority)
	assert.NotEmpty(t, stats.ByHour)
	assert.Empty(t, stats.TopFailed)
}

func TestMemoryTenants(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	created, err := m.CreateTenant(ctx, models.Tenant{APIKey: "k1", CorrelationID: models.StringPtr("crm-1"), Active: true})
	require.NoError(t, err)

	_, err = m.CreateTenant(ctx, models.Tenant{APIKey: "k2", CorrelationID: models.StringPtr("crm-1"), Active: true})
	assert.True(t, errors.Is(err, errors.ErrConflict))

	require.NoError(t, m.UpdateTenantToken(ctx, created.ID, models.ServiceChat, "chat-tok"))
	got, err := m.TenantByAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "chat-tok", got.Token(models.ServiceChat))

	_, err = m.TenantByCorrelationID(ctx, "nobody")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	require.NoError(t, m.SetTenantActive(ctx, created.ID, false))
	got, err = m.TenantByID(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.True(t, errors.Is(m.SetTenantActive(ctx, 404, false), errors.ErrNotFound))
}

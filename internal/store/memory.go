package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"callbridge/internal/errors"
	"callbridge/internal/models"
)

// Memory is a process-local Repository. It applies the same state rules as
// Store and backs STORE_DRIVER=memory and tests.
type Memory struct {
	mu sync.Mutex

	tasks   map[int64]*memTask
	logs    map[int64][]models.TaskLog
	tenants map[int64]models.Tenant
	runs    []models.JobRun
	events  []models.Event

	nextTaskID   int64
	nextLogID    int64
	nextTenantID int64

	now func() time.Time
}

type memTask struct {
	models.Task
	claimedUntil time.Time
}

func NewMemory() *Memory {
	return &Memory{
		tasks:   make(map[int64]*memTask),
		logs:    make(map[int64][]models.TaskLog),
		tenants: make(map[int64]models.Tenant),
		now:     time.Now,
	}
}

// SetClock overrides the wall clock used for validation and timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Close() {}

func (m *Memory) Ping(context.Context) error { return nil }

// JobRuns returns a copy of the recorded timer runs.
func (m *Memory) JobRuns() []models.JobRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobRun(nil), m.runs...)
}

// Events returns a copy of the recorded request history.
func (m *Memory) Events() []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Event(nil), m.events...)
}

func (m *Memory) appendLog(taskID int64, e logEntry) {
	m.nextLogID++
	l := models.TaskLog{
		ID:             m.nextLogID,
		TaskID:         taskID,
		EventType:      e.Event,
		EventTimestamp: m.now().UTC(),
		APIResponse:    e.Response,
		ErrorCode:      models.StringPtr(e.ErrorCode),
		ErrorMessage:   models.StringPtr(e.ErrorMessage),
	}
	if e.Elapsed > 0 {
		l.ResponseTimeMS = models.IntPtr(int(e.Elapsed.Milliseconds()))
	}
	if e.Attempt > 0 {
		l.AttemptNumber = models.IntPtr(e.Attempt)
	}
	m.logs[taskID] = append(m.logs[taskID], l)
}

// clone detaches the payload so callers cannot mutate stored state.
func clone(t *memTask) models.Task {
	out := t.Task
	if raw, err := models.EncodePayload(t.Payload); err == nil {
		out.Payload, out.PayloadErr = models.DecodePayload(t.Service, raw)
	}
	if t.LastError != nil {
		v := *t.LastError
		out.LastError = &v
	}
	if t.ExecutedAt != nil {
		v := *t.ExecutedAt
		out.ExecutedAt = &v
	}
	return out
}

func (m *Memory) CreateTask(_ context.Context, p CreateTaskParams) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if err := p.normalize(now); err != nil {
		return models.Task{}, err
	}
	raw, err := models.EncodePayload(p.Payload)
	if err != nil {
		return models.Task{}, err
	}
	payload, err := models.DecodePayload(p.Payload.Service(), raw)
	if err != nil {
		return models.Task{}, err
	}

	m.nextTaskID++
	t := &memTask{Task: models.Task{
		ID:          m.nextTaskID,
		Service:     p.Payload.Service(),
		Payload:     payload,
		ScheduledAt: p.ScheduledAt.UTC(),
		Status:      models.StatusPending,
		Priority:    p.Priority,
		MaxRetries:  p.MaxRetries,
		UserID:      p.UserID,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}}
	m.tasks[t.ID] = t
	m.appendLog(t.ID, logEntry{
		Event:    models.EventScheduled,
		Response: detail(map[string]any{"scheduled_at": t.ScheduledAt, "user_id": p.UserID}),
	})
	return clone(t), nil
}

func (m *Memory) ListTasks(_ context.Context, f ListFilter) ([]models.Task, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f = f.Normalize()
	var matched []*memTask
	for _, t := range m.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Priority != 0 && t.Priority != f.Priority {
			continue
		}
		if f.DateFrom != nil && t.ScheduledAt.Before(*f.DateFrom) {
			continue
		}
		if f.DateTo != nil && t.ScheduledAt.After(*f.DateTo) {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		c := compareBy(f.SortBy, a, b)
		if c == 0 {
			c = compareInt64(a.ID, b.ID)
		}
		if f.SortOrder == "ASC" {
			return c < 0
		}
		return c > 0
	})

	total := int64(len(matched))
	out := []models.Task{}
	for i := f.Offset; i < len(matched) && len(out) < f.Limit; i++ {
		out = append(out, clone(matched[i]))
	}
	return out, total, nil
}

func compareBy(col string, a, b *memTask) int {
	switch col {
	case "created_at":
		return a.CreatedAt.Compare(b.CreatedAt)
	case "priority":
		return compareInt64(int64(a.Priority), int64(b.Priority))
	case "status":
		switch {
		case a.Status < b.Status:
			return -1
		case a.Status > b.Status:
			return 1
		}
		return 0
	case "retry_count":
		return compareInt64(int64(a.RetryCount), int64(b.RetryCount))
	default:
		return a.ScheduledAt.Compare(b.ScheduledAt)
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (m *Memory) GetTask(_ context.Context, id int64) (models.Task, []models.TaskLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, nil, errors.NotFoundf("scheduled task %d not found", id)
	}
	src := m.logs[id]
	logs := make([]models.TaskLog, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		logs = append(logs, src[i])
	}
	return clone(t), logs, nil
}

func (m *Memory) CancelTask(_ context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reason == "" {
		reason = DefaultCancelReason
	}
	t, ok := m.tasks[id]
	if !ok || !t.Status.CanCancel() {
		return errors.NotFoundf("scheduled task %d not found or not cancellable", id)
	}
	t.Status = models.StatusCancelled
	t.LastError = &reason
	t.claimedUntil = time.Time{}
	t.UpdatedAt = m.now().UTC()
	m.appendLog(id, logEntry{Event: models.EventCancelled, Response: detail(map[string]string{"reason": reason})})
	return nil
}

func (m *Memory) RescheduleTask(_ context.Context, id int64, at time.Time, resetRetries bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := models.RequireFuture(at, m.now()); err != nil {
		return err
	}
	t, ok := m.tasks[id]
	if !ok || !t.Status.CanReschedule() {
		return errors.NotFoundf("scheduled task %d not found or not in failed/cancelled state", id)
	}
	t.ScheduledAt = at.UTC()
	t.Status = models.StatusPending
	t.LastError = nil
	t.ExecutedAt = nil
	t.claimedUntil = time.Time{}
	if resetRetries {
		t.RetryCount = 0
	}
	t.UpdatedAt = m.now().UTC()
	m.appendLog(id, logEntry{
		Event: models.EventScheduled,
		Response: detail(map[string]any{
			"rescheduled":   true,
			"scheduled_at":  t.ScheduledAt,
			"reset_retries": resetRetries,
		}),
	})
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, id int64, force bool) (models.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return "", errors.NotFoundf("scheduled task %d not found", id)
	}
	if !force && !t.Status.Terminal() {
		return t.Status, errors.Invalidf("scheduled task %d is %s; use force=true to delete it", id, t.Status)
	}
	m.deleteLocked(id)
	return t.Status, nil
}

func (m *Memory) deleteLocked(id int64) {
	delete(m.tasks, id)
	delete(m.logs, id)
}

func (m *Memory) BulkDelete(_ context.Context, c BulkDeleteCriteria) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := c.Validate(); err != nil {
		return 0, err
	}
	cutoff := m.now().AddDate(0, 0, -c.OlderThanDays)
	ids := make(map[int64]bool, len(c.IDs))
	for _, id := range c.IDs {
		ids[id] = true
	}
	var n int64
	for id, t := range m.tasks {
		if len(c.Statuses) > 0 && !containsStatus(c.Statuses, t.Status) {
			continue
		}
		if c.OlderThanDays > 0 && !t.CreatedAt.Before(cutoff) {
			continue
		}
		if c.Priority != 0 && t.Priority != c.Priority {
			continue
		}
		if len(ids) > 0 && !ids[id] {
			continue
		}
		m.deleteLocked(id)
		n++
	}
	return n, nil
}

func containsStatus(set []models.Status, s models.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (m *Memory) Cleanup(_ context.Context, p CleanupParams) (CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := p.normalize(); err != nil {
		return CleanupResult{}, err
	}
	cutoff := m.now().AddDate(0, 0, -p.RetentionDays).UTC()
	out := CleanupResult{DryRun: p.DryRun, Cutoff: cutoff}
	buckets := map[models.Status]*CleanupBucket{}
	for id, t := range m.tasks {
		if !t.CreatedAt.Before(cutoff) || !containsStatus(p.Statuses, t.Status) {
			continue
		}
		out.Count++
		if !p.DryRun {
			m.deleteLocked(id)
			continue
		}
		b, ok := buckets[t.Status]
		if !ok {
			b = &CleanupBucket{Status: t.Status}
			buckets[t.Status] = b
		}
		b.Count++
		created := t.CreatedAt
		if b.Oldest == nil || created.Before(*b.Oldest) {
			b.Oldest = &created
		}
		if b.Newest == nil || created.After(*b.Newest) {
			b.Newest = &created
		}
	}
	for _, b := range buckets {
		out.Breakdown = append(out.Breakdown, *b)
	}
	sort.Slice(out.Breakdown, func(i, j int) bool { return out.Breakdown[i].Status < out.Breakdown[j].Status })
	return out, nil
}

func (m *Memory) Stats(_ context.Context, w models.Window, loc *time.Location) (models.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if loc == nil {
		loc = time.UTC
	}
	out := models.Stats{Period: w.Period, From: w.From, To: w.To, ByPriority: []models.PriorityStat{}, TopFailed: []models.Task{}}
	var retries int64
	byPriority := map[int]*models.PriorityStat{}
	byHour := map[int]*models.HourStat{}
	var failed []*memTask

	for _, t := range m.tasks {
		if t.CreatedAt.Before(w.From) || !t.CreatedAt.Before(w.To) {
			continue
		}
		out.Summary.Add(t.Status, 1)
		retries += int64(t.RetryCount)
		at := t.ScheduledAt
		if out.Summary.EarliestScheduled == nil || at.Before(*out.Summary.EarliestScheduled) {
			v := at
			out.Summary.EarliestScheduled = &v
		}
		if out.Summary.LatestScheduled == nil || at.After(*out.Summary.LatestScheduled) {
			v := at
			out.Summary.LatestScheduled = &v
		}

		ps, ok := byPriority[t.Priority]
		if !ok {
			ps = &models.PriorityStat{Priority: t.Priority}
			byPriority[t.Priority] = ps
		}
		ps.Count++
		hour := at.In(loc).Hour()
		hs, ok := byHour[hour]
		if !ok {
			hs = &models.HourStat{Hour: hour}
			byHour[hour] = hs
		}
		hs.Count++
		switch t.Status {
		case models.StatusCompleted:
			ps.Completed++
			hs.Completed++
		case models.StatusFailed:
			ps.Failed++
			failed = append(failed, t)
		}
	}
	if out.Summary.Total > 0 {
		out.Summary.AvgRetries = float64(retries) / float64(out.Summary.Total)
	}
	for _, ps := range byPriority {
		out.ByPriority = append(out.ByPriority, *ps)
	}
	sort.Slice(out.ByPriority, func(i, j int) bool { return out.ByPriority[i].Priority < out.ByPriority[j].Priority })
	if w.HourlyBreakdown() {
		out.ByHour = []models.HourStat{}
		for _, hs := range byHour {
			out.ByHour = append(out.ByHour, *hs)
		}
		sort.Slice(out.ByHour, func(i, j int) bool { return out.ByHour[i].Hour < out.ByHour[j].Hour })
	}
	sort.Slice(failed, func(i, j int) bool {
		if failed[i].RetryCount != failed[j].RetryCount {
			return failed[i].RetryCount > failed[j].RetryCount
		}
		return failed[i].UpdatedAt.After(failed[j].UpdatedAt)
	})
	for i := 0; i < len(failed) && i < models.TopFailedLimit; i++ {
		out.TopFailed = append(out.TopFailed, clone(failed[i]))
	}
	return out, nil
}

func (m *Memory) ClaimDue(ctx context.Context, q DueQuery) ([]models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "claim due tasks")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(q.Services) == 0 || q.Limit <= 0 {
		return nil, nil
	}
	var due []*memTask
	for _, t := range m.tasks {
		if t.Status != models.StatusPending || t.ScheduledAt.After(q.Now) || t.RetryCount >= t.MaxRetries {
			continue
		}
		if !t.claimedUntil.IsZero() && !t.claimedUntil.Before(q.Now) {
			continue
		}
		if !containsService(q.Services, t.Service) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > q.Limit {
		due = due[:q.Limit]
	}
	out := make([]models.Task, 0, len(due))
	for _, t := range due {
		t.claimedUntil = q.Now.Add(q.Lease)
		out = append(out, clone(t))
	}
	return out, nil
}

func containsService(set []models.Service, s models.Service) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (m *Memory) CompleteTask(ctx context.Context, id int64, a models.Attempt) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "complete task")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || (t.Status != models.StatusPending && t.Status != models.StatusProcessing) {
		return errors.NotFoundf("scheduled task %d is no longer pending", id)
	}
	at := a.At.UTC()
	t.Status = models.StatusCompleted
	t.ExecutedAt = &at
	t.Result = append(json.RawMessage(nil), a.Response...)
	t.LastError = nil
	t.claimedUntil = time.Time{}
	t.UpdatedAt = m.now().UTC()
	m.appendLog(id, logEntry{Event: models.EventCompleted, Response: a.Response, Elapsed: a.Elapsed, Attempt: t.RetryCount + 1})
	return nil
}

func (m *Memory) FailAttempt(ctx context.Context, id int64, a models.Attempt) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(err, "record failed attempt")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.Status != models.StatusPending || t.RetryCount >= t.MaxRetries {
		return 0, errors.NotFoundf("scheduled task %d is no longer retryable", id)
	}
	t.RetryCount++
	msg := a.Error
	t.LastError = &msg
	t.claimedUntil = time.Time{}
	t.UpdatedAt = m.now().UTC()
	m.appendLog(id, logEntry{
		Event:        models.EventFailed,
		Response:     a.Response,
		ErrorCode:    a.ErrorCode,
		ErrorMessage: a.Error,
		Elapsed:      a.Elapsed,
		Attempt:      t.RetryCount,
	})
	return t.RetryCount, nil
}

func (m *Memory) SweepExhausted(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, t := range m.tasks {
		if t.Status != models.StatusPending || t.RetryCount < t.MaxRetries {
			continue
		}
		t.Status = models.StatusFailed
		t.claimedUntil = time.Time{}
		t.UpdatedAt = m.now().UTC()
		var msg string
		if t.LastError != nil {
			msg = *t.LastError
		}
		m.appendLog(id, logEntry{
			Event:        models.EventFailed,
			Response:     json.RawMessage(`{"final": true, "reason": "max retries reached"}`),
			ErrorMessage: msg,
			Attempt:      t.RetryCount,
		})
		n++
	}
	return n, nil
}

func (m *Memory) ExpiredTasks(_ context.Context, cutoff time.Time, statuses []models.Status, limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id, t := range m.tasks {
		if t.CreatedAt.Before(cutoff) && containsStatus(statuses, t.Status) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]models.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(m.tasks[id]))
	}
	return out, nil
}

func (m *Memory) RecordJobRun(_ context.Context, run models.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) RecordEvent(_ context.Context, ev models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) TenantByAPIKey(_ context.Context, apiKey string) (models.Tenant, error) {
	return m.findTenant(func(t models.Tenant) bool { return t.APIKey == apiKey }, "api_key")
}

func (m *Memory) TenantByCorrelationID(_ context.Context, correlationID string) (models.Tenant, error) {
	return m.findTenant(func(t models.Tenant) bool {
		return t.CorrelationID != nil && *t.CorrelationID == correlationID
	}, "user_crm_id")
}

func (m *Memory) TenantByID(_ context.Context, id int64) (models.Tenant, error) {
	return m.findTenant(func(t models.Tenant) bool { return t.ID == id }, "id")
}

func (m *Memory) findTenant(match func(models.Tenant) bool, column string) (models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if match(t) {
			return t, nil
		}
	}
	return models.Tenant{}, errors.Mark(errors.Newf("tenant with %s not found", column), errors.ErrNotFound)
}

func (m *Memory) CreateTenant(_ context.Context, t models.Tenant) (models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.tenants {
		if existing.APIKey == t.APIKey ||
			(t.CorrelationID != nil && existing.CorrelationID != nil && *existing.CorrelationID == *t.CorrelationID) {
			return models.Tenant{}, errors.Mark(errors.New("create tenant: duplicate key"), errors.ErrConflict)
		}
	}
	m.nextTenantID++
	now := m.now().UTC()
	t.ID = m.nextTenantID
	t.CreatedAt = now
	t.UpdatedAt = now
	m.tenants[t.ID] = t
	return t, nil
}

func (m *Memory) UpdateTenantToken(_ context.Context, id int64, service models.Service, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return errors.Mark(errors.Newf("tenant %d not found", id), errors.ErrNotFound)
	}
	t.SetToken(service, token)
	t.UpdatedAt = m.now().UTC()
	m.tenants[id] = t
	return nil
}

func (m *Memory) SetTenantActive(_ context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return errors.Mark(errors.Newf("tenant %d not found", id), errors.ErrNotFound)
	}
	t.Active = active
	t.UpdatedAt = m.now().UTC()
	m.tenants[id] = t
	return nil
}

var (
	_ Repository = (*Memory)(nil)
	_ Repository = (*Store)(nil)
)

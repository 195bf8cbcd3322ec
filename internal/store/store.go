package store

import (
	"context"
	"strings"
	"time"

	"callbridge/internal/errors"
	"callbridge/internal/models"
)

// TaskRepository is the scheduled-task store used by the API and the runner.
type TaskRepository interface {
	CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error)
	ListTasks(ctx context.Context, f ListFilter) ([]models.Task, int64, error)
	GetTask(ctx context.Context, id int64) (models.Task, []models.TaskLog, error)
	CancelTask(ctx context.Context, id int64, reason string) error
	RescheduleTask(ctx context.Context, id int64, at time.Time, resetRetries bool) error
	DeleteTask(ctx context.Context, id int64, force bool) (models.Status, error)
	BulkDelete(ctx context.Context, c BulkDeleteCriteria) (int64, error)
	Cleanup(ctx context.Context, p CleanupParams) (CleanupResult, error)
	Stats(ctx context.Context, w models.Window, loc *time.Location) (models.Stats, error)

	ClaimDue(ctx context.Context, q DueQuery) ([]models.Task, error)
	CompleteTask(ctx context.Context, id int64, a models.Attempt) error
	FailAttempt(ctx context.Context, id int64, a models.Attempt) (int, error)
	SweepExhausted(ctx context.Context) (int64, error)
	ExpiredTasks(ctx context.Context, cutoff time.Time, statuses []models.Status, limit int) ([]models.Task, error)

	RecordJobRun(ctx context.Context, run models.JobRun) error
	RecordEvent(ctx context.Context, ev models.Event) error
}

// TenantRepository is the keyed store of tenants and their upstream tokens.
type TenantRepository interface {
	TenantByAPIKey(ctx context.Context, apiKey string) (models.Tenant, error)
	TenantByCorrelationID(ctx context.Context, correlationID string) (models.Tenant, error)
	TenantByID(ctx context.Context, id int64) (models.Tenant, error)
	CreateTenant(ctx context.Context, t models.Tenant) (models.Tenant, error)
	UpdateTenantToken(ctx context.Context, id int64, service models.Service, token string) error
	// SetTenantActive is the only way a tenant leaves; rows are never deleted.
	SetTenantActive(ctx context.Context, id int64, active bool) error
}

// Repository is everything a backend provides.
type Repository interface {
	TaskRepository
	TenantRepository
	Close()
}

const DefaultCancelReason = "Cancelled by user"

// CreateTaskParams collects inputs required to insert a task.
type CreateTaskParams struct {
	Payload     models.Payload
	ScheduledAt time.Time
	Priority    int
	MaxRetries  int
	UserID      *int64
}

func (p *CreateTaskParams) normalize(now time.Time) error {
	if p.Payload == nil {
		return errors.Invalidf("payload is required")
	}
	if p.Priority == 0 {
		p.Priority = models.DefaultPriority
	}
	if p.Priority < models.MinPriority || p.Priority > models.MaxPriority {
		return errors.Invalidf("priority must be between %d and %d", models.MinPriority, models.MaxPriority)
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = models.DefaultMaxRetries
	}
	if p.MaxRetries < 1 || p.MaxRetries > models.MaxRetriesCeiling {
		return errors.Invalidf("max_retries must be between 1 and %d", models.MaxRetriesCeiling)
	}
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = now.Add(models.DefaultScheduleDelay)
	}
	return models.RequireFuture(p.ScheduledAt, now)
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

var sortColumns = map[string]string{
	"scheduled_at": "scheduled_at",
	"created_at":   "created_at",
	"priority":     "priority",
	"status":       "status",
	"retry_count":  "retry_count",
}

// ListFilter narrows ListTasks. Zero values mean "no filter".
type ListFilter struct {
	Status    models.Status
	Priority  int
	DateFrom  *time.Time
	DateTo    *time.Time
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

// Normalize applies pagination bounds and the sort allow-list.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	col, ok := sortColumns[strings.ToLower(f.SortBy)]
	if !ok {
		col = "scheduled_at"
	}
	f.SortBy = col
	switch strings.ToUpper(f.SortOrder) {
	case "ASC":
		f.SortOrder = "ASC"
	default:
		f.SortOrder = "DESC"
	}
	return f
}

// BulkDeleteCriteria is a conjunction; at least one field must be set.
type BulkDeleteCriteria struct {
	Statuses      []models.Status
	OlderThanDays int
	Priority      int
	IDs           []int64
	Confirm       bool
}

func (c BulkDeleteCriteria) Empty() bool {
	return len(c.Statuses) == 0 && c.OlderThanDays <= 0 && c.Priority == 0 && len(c.IDs) == 0
}

// Validate refuses unconfirmed or unbounded deletes.
func (c BulkDeleteCriteria) Validate() error {
	if !c.Confirm {
		return errors.Invalidf("confirm_delete must be true")
	}
	if c.Empty() {
		return errors.Invalidf("at least one criterion is required: status, older_than_days, priority or call_ids")
	}
	return nil
}

const DefaultRetentionDays = 30

// CleanupParams selects rows older than RetentionDays with a status in Statuses.
type CleanupParams struct {
	RetentionDays int
	Statuses      []models.Status
	DryRun        bool
}

func (p *CleanupParams) normalize() error {
	if p.RetentionDays == 0 {
		p.RetentionDays = DefaultRetentionDays
	}
	if p.RetentionDays < 1 {
		return errors.Invalidf("retention_days must be at least 1")
	}
	if len(p.Statuses) == 0 {
		p.Statuses = append([]models.Status(nil), models.TerminalStatuses...)
	}
	return nil
}

// CleanupBucket is one status group of a dry run.
type CleanupBucket struct {
	Status models.Status `json:"status"`
	Count  int64         `json:"count"`
	Oldest *time.Time    `json:"oldest,omitempty"`
	Newest *time.Time    `json:"newest,omitempty"`
}

type CleanupResult struct {
	DryRun    bool            `json:"dry_run"`
	Cutoff    time.Time       `json:"cutoff"`
	Count     int64           `json:"count"`
	Breakdown []CleanupBucket `json:"breakdown,omitempty"`
}

// DueQuery selects tasks for one runner cycle.
type DueQuery struct {
	Now      time.Time
	Limit    int
	Lease    time.Duration
	Services []models.Service
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func serviceStrings(in []models.Service) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

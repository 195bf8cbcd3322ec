package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"callbridge/internal/config"
	"callbridge/internal/errors"
	"callbridge/internal/models"
)

// Store persists tasks and tenants in Postgres. Queries go through
// database/sql on top of a pgx pool.
type Store struct {
	db   *sql.DB
	pool *pgxpool.Pool
	now  func() time.Time
}

// New creates a bounded, health-checked pool to Postgres.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	if cfg.PostgresMaxConns > 0 {
		poolCfg.MaxConns = cfg.PostgresMaxConns
	}
	if cfg.PostgresHealthCheck > 0 {
		poolCfg.HealthCheckPeriod = cfg.PostgresHealthCheck
	}
	if cfg.PostgresMaxConnIdle > 0 {
		poolCfg.MaxConnIdleTime = cfg.PostgresMaxConnIdle
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &Store{db: stdlib.OpenDBFromPool(pool), pool: pool, now: time.Now}, nil
}

// NewWithDB wraps an existing handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity; used by /healthz.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback() // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

const taskColumns = `id, service, data, scheduled_at, status, priority, retry_count, max_retries, last_error, executed_at, result, user_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (models.Task, error) {
	var (
		t        models.Task
		service  string
		status   string
		data     []byte
		result   []byte
		lastErr  sql.NullString
		executed sql.NullTime
		userID   sql.NullInt64
	)
	if err := row.Scan(&t.ID, &service, &data, &t.ScheduledAt, &status, &t.Priority, &t.RetryCount, &t.MaxRetries, &lastErr, &executed, &result, &userID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return models.Task{}, err
	}
	t.Service = models.Service(service)
	t.Status = models.Status(status)
	if lastErr.Valid {
		t.LastError = &lastErr.String
	}
	if executed.Valid {
		t.ExecutedAt = &executed.Time
	}
	if userID.Valid {
		t.UserID = &userID.Int64
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	t.Payload, t.PayloadErr = models.DecodePayload(t.Service, data)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]models.Task, error) {
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan task")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate tasks")
	}
	return out, nil
}

// logEntry is one call_logs insert.
type logEntry struct {
	Event        string
	Response     json.RawMessage
	ErrorCode    string
	ErrorMessage string
	Elapsed      time.Duration
	Attempt      int
}

func detail(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func appendLog(ctx context.Context, ex execer, taskID int64, e logEntry) error {
	var elapsed any
	if e.Elapsed > 0 {
		elapsed = int(e.Elapsed.Milliseconds())
	}
	var attempt any
	if e.Attempt > 0 {
		attempt = e.Attempt
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO call_logs (scheduled_call_id, event_type, api_response, error_code, error_message, response_time_ms, attempt_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, taskID, e.Event, jsonOrNil(e.Response), emptyToNil(e.ErrorCode), emptyToNil(e.ErrorMessage), elapsed, attempt)
	if err != nil {
		return errors.Wrapf(err, "append %s log for task %d", e.Event, taskID)
	}
	return nil
}

// whereBuilder numbers placeholders as clauses are added. Only the
// clause text is concatenated; values always travel as arguments.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1))
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func emptyToNil(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func jsonOrNil(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return []byte(v)
}

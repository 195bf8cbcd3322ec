package store

import (
	"context"
	"database/sql"

	"callbridge/internal/errors"
	"callbridge/internal/models"
)

const tenantColumns = `id, api_key, user_crm_id, b2_token, voice_token, activo, created_at, updated_at`

func scanTenant(row rowScanner) (models.Tenant, error) {
	var (
		t           models.Tenant
		correlation sql.NullString
		chat, voice sql.NullString
	)
	if err := row.Scan(&t.ID, &t.APIKey, &correlation, &chat, &voice, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return models.Tenant{}, err
	}
	if correlation.Valid {
		t.CorrelationID = &correlation.String
	}
	t.ChatToken = chat.String
	t.VoiceToken = voice.String
	return t, nil
}

func (s *Store) tenantBy(ctx context.Context, column string, value any) (models.Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM users WHERE `+column+` = $1`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Tenant{}, errors.Mark(errors.Newf("tenant with %s not found", column), errors.ErrNotFound)
	}
	if err != nil {
		return models.Tenant{}, errors.Wrapf(err, "get tenant by %s", column)
	}
	return t, nil
}

func (s *Store) TenantByAPIKey(ctx context.Context, apiKey string) (models.Tenant, error) {
	return s.tenantBy(ctx, "api_key", apiKey)
}

func (s *Store) TenantByCorrelationID(ctx context.Context, correlationID string) (models.Tenant, error) {
	return s.tenantBy(ctx, "user_crm_id", correlationID)
}

func (s *Store) TenantByID(ctx context.Context, id int64) (models.Tenant, error) {
	return s.tenantBy(ctx, "id", id)
}

// CreateTenant inserts a tenant. A duplicate key or correlation id is ErrConflict.
func (s *Store) CreateTenant(ctx context.Context, t models.Tenant) (models.Tenant, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (api_key, user_crm_id, b2_token, voice_token, activo)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, t.APIKey, t.CorrelationID, emptyToNil(t.ChatToken), emptyToNil(t.VoiceToken), t.Active).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if isUniqueViolation(err) {
		return models.Tenant{}, errors.Mark(errors.Wrap(err, "create tenant"), errors.ErrConflict)
	}
	if err != nil {
		return models.Tenant{}, errors.Wrap(err, "create tenant")
	}
	return t, nil
}

// UpdateTenantToken overwrites the stored token for one service. Last write wins.
func (s *Store) UpdateTenantToken(ctx context.Context, id int64, service models.Service, token string) error {
	query := `UPDATE users SET b2_token = $2, updated_at = NOW() WHERE id = $1`
	if service == models.ServiceVoice {
		query = `UPDATE users SET voice_token = $2, updated_at = NOW() WHERE id = $1`
	}
	res, err := s.db.ExecContext(ctx, query, id, token)
	if err != nil {
		return errors.Wrapf(err, "update %s token for tenant %d", service, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Mark(errors.Newf("tenant %d not found", id), errors.ErrNotFound)
	}
	return nil
}

func (s *Store) SetTenantActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET activo = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return errors.Wrapf(err, "set active=%t for tenant %d", active, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Mark(errors.Newf("tenant %d not found", id), errors.ErrNotFound)
	}
	return nil
}

package models

import "time"

// Tenant is a calling client with its cached upstream tokens (users table).
type Tenant struct {
	ID            int64     `json:"id"`
	APIKey        string    `json:"-"`
	CorrelationID *string   `json:"user_crm_id,omitempty"`
	ChatToken     string    `json:"-"`
	VoiceToken    string    `json:"-"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Token returns the stored upstream token for service.
func (t Tenant) Token(service Service) string {
	if service == ServiceVoice {
		return t.VoiceToken
	}
	return t.ChatToken
}

// SetToken overwrites the stored upstream token for service.
func (t *Tenant) SetToken(service Service, token string) {
	if service == ServiceVoice {
		t.VoiceToken = token
		return
	}
	t.ChatToken = token
}

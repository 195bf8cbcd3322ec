package access

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"callbridge/internal/errors"
	"callbridge/internal/models"
)

// APIKeyHeader carries the tenant API key in both directions: clients send
// it, and a freshly minted key is returned in it.
const APIKeyHeader = "X-API-Key"

type ctxKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal attached by Require.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// Require resolves the caller for service and attaches the Principal, or
// answers the request with the error.
func (g *Gate) Require(service models.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := PeekBody(r, g.maxBody)
			if err != nil {
				g.onError(w, r, err)
				return
			}
			p, err := g.Resolve(r.Context(), IdentityFromRequest(r, body), service)
			if err != nil {
				g.log.Infow("access denied", "path", r.URL.Path, "service", service, "error", err)
				g.onError(w, r, err)
				return
			}
			if p.Minted {
				w.Header().Set(APIKeyHeader, p.APIKey)
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// identityFields are the body keys read for identity; anything else is ignored.
type identityFields struct {
	User      json.RawMessage `json:"_user"`
	KeyAccess string          `json:"keyAccess"`
}

// IdentityFromRequest applies the fixed precedence: body, then query, then header.
func IdentityFromRequest(r *http.Request, body []byte) Identity {
	var id Identity
	var fields identityFields
	if len(body) > 0 && json.Unmarshal(body, &fields) == nil {
		id.CorrelationID = rawScalar(fields.User)
		id.APIKey = strings.TrimSpace(fields.KeyAccess)
	}
	q := r.URL.Query()
	if id.CorrelationID == "" {
		id.CorrelationID = strings.TrimSpace(q.Get("_user"))
	}
	if id.APIKey == "" {
		id.APIKey = strings.TrimSpace(q.Get("keyAccess"))
	}
	if id.APIKey == "" {
		id.APIKey = strings.TrimSpace(r.Header.Get(APIKeyHeader))
	}
	return id
}

// rawScalar accepts a JSON string or number.
func rawScalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

// PeekBody reads up to limit bytes of the body and puts them back so the
// next reader sees the full body.
func PeekBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	_ = r.Body.Close()
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, errors.Invalidf("request body exceeds %d bytes", tooLarge.Limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read request body")
	}
	if int64(len(body)) > limit {
		return nil, errors.Invalidf("request body exceeds %d bytes", limit)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, errors.ErrInvalidArgument):
		status, msg = http.StatusBadRequest, "invalid request"
	case errors.Is(err, errors.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errors.ErrUpstreamUnavailable):
		status, msg = http.StatusServiceUnavailable, "upstream service unavailable"
	}
	if hints := errors.GetAllHints(err); len(hints) > 0 && status != http.StatusInternalServerError {
		msg = hints[0]
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "msg": msg})
}

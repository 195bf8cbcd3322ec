// Package gateway wraps the two remote APIs behind one request/response
// contract: authenticate, probe, dispatch.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"callbridge/internal/errors"
	"callbridge/internal/models"
)

// maxBodyBytes caps how much of an upstream response is kept.
const maxBodyBytes = 1 << 20

// Token is a freshly issued upstream credential. ExpiresIn is zero when the
// upstream did not say.
type Token struct {
	Value     string
	ExpiresIn time.Duration
}

// Result is the normalized outcome of a dispatch.
type Result struct {
	OK     bool            `json:"ok"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Client is implemented once per service.
type Client interface {
	Service() models.Service
	Authenticate(ctx context.Context) (Token, error)
	// Probe validates token and returns it, normalized from whatever field the upstream echoed.
	Probe(ctx context.Context, token string) (string, error)
	// Dispatch only returns an error when no response was obtained.
	Dispatch(ctx context.Context, token string, payload models.Payload) (Result, error)
}

// Registry maps each service to its client.
type Registry map[models.Service]Client

func NewRegistry(clients ...Client) Registry {
	r := make(Registry, len(clients))
	for _, c := range clients {
		r[c.Service()] = c
	}
	return r
}

func (r Registry) Services() []models.Service {
	out := make([]models.Service, 0, len(r))
	for _, s := range []models.Service{models.ServiceVoice, models.ServiceChat} {
		if _, ok := r[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// NewHTTPClient bounds every upstream call by timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

type requestOption func(*http.Request)

func withBearer(token string) requestOption {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withBasicAuth(user, pass string) requestOption {
	return func(r *http.Request) { r.SetBasicAuth(user, pass) }
}

func do(ctx context.Context, hc *http.Client, service models.Service, method, url, contentType string, body io.Reader, opts ...requestOption) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Result{}, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, opt := range opts {
		opt(req)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Result{}, errors.NewUpstreamError(string(service), 0, nil, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Result{}, errors.NewUpstreamError(string(service), resp.StatusCode, nil, errors.Wrap(err, "read body"))
	}
	return Result{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Body:   normalizeBody(raw),
	}, nil
}

func doJSON(ctx context.Context, hc *http.Client, service models.Service, method, url string, payload any, opts ...requestOption) (Result, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Result{}, errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	return do(ctx, hc, service, method, url, "application/json", body, opts...)
}

// normalizeBody keeps JSON bodies as-is and wraps anything else as a JSON string.
func normalizeBody(raw []byte) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return raw
	}
	b, _ := json.Marshal(string(raw))
	return b
}

// tokenFields are the names upstreams have been seen to use for a token.
var tokenFields = []string{"access_token", "token", "b2_token"}

// extractToken finds a token in body, looking at the top level and under "data".
func extractToken(body []byte) (string, time.Duration) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", 0
	}
	var expires time.Duration
	if raw, ok := doc["expires_in"]; ok {
		var secs float64
		if json.Unmarshal(raw, &secs) == nil && secs > 0 {
			expires = time.Duration(secs * float64(time.Second))
		}
	}
	for _, f := range tokenFields {
		if raw, ok := doc[f]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				return s, expires
			}
		}
	}
	if data, ok := doc["data"]; ok {
		tok, exp := extractToken(data)
		if exp == 0 {
			exp = expires
		}
		return tok, exp
	}
	return "", expires
}

func upstreamFailure(service models.Service, res Result, what string) error {
	return errors.NewUpstreamError(string(service), res.Status, res.Body, errors.Newf("%s rejected", what))
}

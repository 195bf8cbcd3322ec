package gateway

import (
	"context"
	"net/http"
	"strings"

	"callbridge/internal/errors"
	"callbridge/internal/models"
)

// VoiceClient talks to the voice-dialing API.
type VoiceClient struct {
	baseURL  string
	email    string
	password string
	http     *http.Client
}

func NewVoiceClient(baseURL, email, password string, hc *http.Client) *VoiceClient {
	return &VoiceClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		email:    email,
		password: password,
		http:     hc,
	}
}

func (c *VoiceClient) Service() models.Service { return models.ServiceVoice }

// Authenticate logs in with the service account. The token is at data.token.
func (c *VoiceClient) Authenticate(ctx context.Context) (Token, error) {
	res, err := doJSON(ctx, c.http, models.ServiceVoice, http.MethodPost, c.baseURL+"/oauth/token", map[string]string{
		"email":    c.email,
		"password": c.password,
	})
	if err != nil {
		return Token{}, err
	}
	if !res.OK {
		return Token{}, upstreamFailure(models.ServiceVoice, res, "voice login")
	}
	tok, exp := extractToken(res.Body)
	if tok == "" {
		return Token{}, errors.NewUpstreamError(string(models.ServiceVoice), res.Status, res.Body, errors.New("login response carried no token"))
	}
	return Token{Value: tok, ExpiresIn: exp}, nil
}

// Probe accepts any non-empty token; the voice API has no lightweight check
// endpoint, so an expired token surfaces as a 401 on dispatch instead.
func (c *VoiceClient) Probe(_ context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.NewUpstreamError(string(models.ServiceVoice), http.StatusUnauthorized, nil, errors.New("no voice token"))
	}
	return token, nil
}

// Dispatch places the bridged call immediately.
func (c *VoiceClient) Dispatch(ctx context.Context, token string, payload models.Payload) (Result, error) {
	p, ok := payload.(*models.VoicePayload)
	if !ok {
		return Result{}, errors.Newf("voice client cannot dispatch %T", payload)
	}
	return doJSON(ctx, c.http, models.ServiceVoice, http.MethodPost, c.baseURL+"/calls/dial", p.DialRequest(), withBearer(token))
}

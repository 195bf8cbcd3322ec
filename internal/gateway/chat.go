package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"callbridge/internal/errors"
	"callbridge/internal/models"
)

// ChatClient talks to the chat/CRM API.
type ChatClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

func NewChatClient(baseURL, username, password string, hc *http.Client) *ChatClient {
	return &ChatClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     hc,
	}
}

func (c *ChatClient) Service() models.Service { return models.ServiceChat }

// Authenticate runs the client-credentials grant with basic auth.
func (c *ChatClient) Authenticate(ctx context.Context) (Token, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	res, err := do(ctx, c.http, models.ServiceChat, http.MethodPost, c.baseURL+"/oauth/token",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()),
		withBasicAuth(c.username, c.password))
	if err != nil {
		return Token{}, err
	}
	if !res.OK {
		return Token{}, upstreamFailure(models.ServiceChat, res, "chat token grant")
	}
	tok, exp := extractToken(res.Body)
	if tok == "" {
		return Token{}, errors.NewUpstreamError(string(models.ServiceChat), res.Status, res.Body, errors.New("token response carried no access_token"))
	}
	return Token{Value: tok, ExpiresIn: exp}, nil
}

// Probe pulls a single contact; any 2xx means the token is usable.
func (c *ChatClient) Probe(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.NewUpstreamError(string(models.ServiceChat), http.StatusUnauthorized, nil, errors.New("no chat token"))
	}
	res, err := do(ctx, c.http, models.ServiceChat, http.MethodGet, c.baseURL+"/contacts/export?limit=1&offset=1", "", nil, withBearer(token))
	if err != nil {
		return "", err
	}
	if !res.OK {
		return "", upstreamFailure(models.ServiceChat, res, "chat token probe")
	}
	if echoed, _ := extractToken(res.Body); echoed != "" {
		return echoed, nil
	}
	return token, nil
}

// Dispatch sends the templated broadcast.
func (c *ChatClient) Dispatch(ctx context.Context, token string, payload models.Payload) (Result, error) {
	p, ok := payload.(*models.ChatPayload)
	if !ok {
		return Result{}, errors.Newf("chat client cannot dispatch %T", payload)
	}
	return doJSON(ctx, c.http, models.ServiceChat, http.MethodPost, c.baseURL+"/broadcast", p, withBearer(token))
}

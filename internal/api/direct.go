package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"callbridge/internal/access"
	"callbridge/internal/errors"
	"callbridge/internal/gateway"
	"callbridge/internal/models"
)

func (s *Server) handleServerTime(w http.ResponseWriter, _ *http.Request) {
	now := s.now()
	local := now.In(s.opts.Location)
	respond(w, http.StatusOK, "Server time", map[string]any{
		"timezone": s.opts.Location.String(),
		"utc":      now.UTC().Format(time.RFC3339),
		"local":    local.Format(models.DBTimeLayout),
		"offset":   local.Format("-07:00"),
		"unix":     now.Unix(),
		"formats":  models.ScheduleFormats,
		"examples": map[string]string{
			"in_5_minutes": local.Add(5 * time.Minute).Format("2006-01-02T15:04:05"),
			"in_1_hour":    local.Add(time.Hour).Format(time.RFC3339),
			"tomorrow":     local.AddDate(0, 0, 1).Format("2006-01-02"),
		},
	})
}

func (s *Server) handleVoiceCall(w http.ResponseWriter, r *http.Request) {
	var p models.VoicePayload
	if err := decodeBody(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	s.dispatchNow(w, r, &p)
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var p models.ChatPayload
	if err := decodeBody(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	s.dispatchNow(w, r, &p)
}

// dispatchNow sends payload upstream with the caller's gated token. A
// non-2xx upstream answer is passed through with its status.
func (s *Server) dispatchNow(w http.ResponseWriter, r *http.Request, payload models.Payload) {
	if err := payload.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	p, ok := access.FromContext(r.Context())
	if !ok {
		s.fail(w, r, errors.Unauthorizedf("missing credentials"))
		return
	}
	client, ok := s.clients[payload.Service()]
	if !ok {
		s.fail(w, r, errors.Newf("no gateway for %s", payload.Service()))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.UpstreamTimeout)
	defer cancel()
	res, err := client.Dispatch(ctx, p.Token, payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !res.OK {
		s.log.Warnw("upstream rejected immediate request", "service", payload.Service(), "status", res.Status, "tenant_id", p.TenantID)
		respond(w, passThrough(res.Status), "Upstream request failed", map[string]any{"status": res.Status, "data": rawOrNil(res)})
		return
	}
	respond(w, http.StatusOK, "Request sent", map[string]any{"status": res.Status, "data": rawOrNil(res)})
}

func passThrough(status int) int {
	if status < 400 || status > 599 {
		return http.StatusBadGateway
	}
	return status
}

func rawOrNil(res gateway.Result) json.RawMessage {
	if len(res.Body) == 0 {
		return nil
	}
	return res.Body
}

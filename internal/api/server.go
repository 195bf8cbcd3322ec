// Package api is the HTTP surface: scheduling, admin and reporting over
// scheduled tasks, plus immediate voice and chat operations.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"callbridge/internal/access"
	"callbridge/internal/errors"
	"callbridge/internal/gateway"
	"callbridge/internal/models"
	"callbridge/internal/ratelimit"
	"callbridge/internal/store"
	"callbridge/internal/telemetry"
)

// Options tunes request handling.
type Options struct {
	Location          *time.Location
	MaxBodyBytes      int64
	History           bool
	DefaultMaxRetries int
	UpstreamTimeout   time.Duration
}

// Server wires HTTP handlers over the task store and the upstream gateways.
type Server struct {
	store   store.TaskRepository
	gate    *access.Gate
	clients gateway.Registry
	limiter ratelimit.Limiter
	log     *zap.SugaredLogger
	opts    Options
	now     func() time.Time
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(st store.TaskRepository, gate *access.Gate, clients gateway.Registry, limiter ratelimit.Limiter, log *zap.SugaredLogger, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 * 1024
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = models.DefaultMaxRetries
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 10 * time.Second
	}
	return &Server{
		store:   st,
		gate:    gate,
		clients: clients,
		limiter: limiter,
		log:     log,
		opts:    opts,
		now:     time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.limitBody)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	voice := s.guard(models.ServiceVoice)
	chat := s.guard(models.ServiceChat)

	r.Route("/api/scheduled-calls", func(r chi.Router) {
		r.Get("/server-time", s.handleServerTime)

		r.With(voice("schedule_voice")...).Post("/schedule/voice", s.handleScheduleVoice)
		r.With(chat("schedule_chat")...).Post("/schedule/chat", s.handleScheduleChat)
		r.With(chat("bulk_delete")...).Delete("/bulk/delete", s.handleBulkDelete)
		r.With(chat("cleanup")...).Post("/cleanup", s.handleCleanup)
		r.With(chat("stats")...).Get("/reports/stats", s.handleStats)

		r.With(voice("list")...).Get("/", s.handleList)
		r.With(voice("get")...).Get("/{id}", s.handleGet)
		r.With(voice("cancel")...).Patch("/{id}/cancel", s.handleCancel)
		r.With(voice("reschedule")...).Patch("/{id}/reschedule", s.handleReschedule)
		r.With(chat("delete")...).Delete("/{id}", s.handleDelete)
	})

	r.With(voice("voice_call")...).Post("/api/voice/call", s.handleVoiceCall)
	r.With(chat("b2_send")...).Post("/api/b2/messages/send", s.handleChatSend)
	return r
}

// guard stacks the access gate and the tenant rate limit for an
// authenticated route, plus request history when enabled.
func (s *Server) guard(service models.Service) func(action string) []func(http.Handler) http.Handler {
	return func(action string) []func(http.Handler) http.Handler {
		mw := []func(http.Handler) http.Handler{s.gate.Require(service), s.throttle}
		if s.opts.History {
			mw = append(mw, s.recordHistory(action))
		}
		return mw
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// respond writes the standard envelope: ok, msg and any extra fields.
func respond(w http.ResponseWriter, code int, msg string, fields map[string]any) {
	body := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		body[k] = v
	}
	body["ok"] = code < 400
	body["msg"] = msg
	writeJSON(w, code, body)
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errors.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var defaultMessages = map[int]string{
	http.StatusBadRequest:          "Invalid request",
	http.StatusUnauthorized:        "Unauthorized",
	http.StatusNotFound:            "Not found",
	http.StatusConflict:            "Conflict",
	http.StatusServiceUnavailable:  "Upstream service unavailable",
	http.StatusInternalServerError: "Internal server error",
}

// WriteError answers with the envelope. Internal errors never leak their
// text; other classes use the first hint as the message.
func WriteError(w http.ResponseWriter, _ *http.Request, err error) {
	code := StatusFor(err)
	msg := defaultMessages[code]
	if code != http.StatusInternalServerError {
		if hints := errors.GetAllHints(err); len(hints) > 0 {
			msg = hints[0]
		}
	}
	respond(w, code, msg, nil)
}

// fail logs server-side faults before answering.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if code := StatusFor(err); code >= 500 {
		s.log.Errorw("request failed", "request_id", middleware.GetReqID(r.Context()), "path", r.URL.Path, "status", code, "error", err)
	}
	WriteError(w, r, err)
}

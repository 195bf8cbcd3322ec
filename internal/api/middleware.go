package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"callbridge/internal/access"
	"callbridge/internal/errors"
	"callbridge/internal/models"
	"callbridge/internal/telemetry"
)

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Infow("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.Body != http.NoBody {
			r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// throttle applies the per-tenant token bucket. It must run after the gate.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := access.FromContext(r.Context())
		if s.limiter == nil || !ok {
			next.ServeHTTP(w, r)
			return
		}
		allowed, remaining, err := s.limiter.Allow(r.Context(), "tenant:"+strconv.FormatInt(p.TenantID, 10))
		if err != nil {
			s.fail(w, r, errors.Wrap(err, "rate limit"))
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(remaining)))
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			respond(w, http.StatusTooManyRequests, "Too many requests, slow down", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recordHistory writes an events_history row after the handler ran. The
// write is asynchronous; failures are only logged.
func (s *Server) recordHistory(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := access.PeekBody(r, s.opts.MaxBodyBytes)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r)

			ev := models.Event{
				Action:  action,
				Route:   r.URL.Path,
				Method:  r.Method,
				IP:      r.RemoteAddr,
				Payload: redact(body),
			}
			if p, ok := access.FromContext(r.Context()); ok {
				id := p.TenantID
				ev.UserID = &id
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := s.store.RecordEvent(ctx, ev); err != nil {
					s.log.Warnw("record request history failed", "action", action, "error", err)
				}
			}()
		})
	}
}

// redact drops the credential field from a JSON object body.
func redact(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil
	}
	delete(doc, "keyAccess")
	out, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return out
}

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"callbridge/internal/errors"
	"callbridge/internal/models"
)

// decodeBody reads an optional JSON object into dst. An empty body leaves
// dst untouched.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.Invalidf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return errors.Wrap(err, "read request body")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		if errors.Is(err, errors.ErrInvalidArgument) {
			return err
		}
		return errors.Invalidf("invalid JSON body")
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Invalidf("id must be a positive integer")
	}
	return id, nil
}

// flexBool accepts true/false, "true"/"false", 1/0.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.ToLower(string(bytes.TrimSpace(data))), `"`)
	switch s {
	case "true", "1", "yes":
		*b = true
	case "false", "0", "no", "", "null":
		*b = false
	default:
		return errors.Invalidf("expected a boolean, got %s", string(data))
	}
	return nil
}

// flexInt accepts a number or a numeric string.
type flexInt int

func (n *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return errors.Invalidf("expected an integer, got %s", string(data))
	}
	*n = flexInt(v)
	return nil
}

// stringList accepts "a", "a,b" or ["a","b"].
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var items []string
		if err := json.Unmarshal(data, &items); err != nil {
			return errors.Invalidf("expected a list of strings")
		}
		*l = items
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Invalidf("expected a string or list of strings")
	}
	*l = splitCSV(s)
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseStatuses(raw []string) ([]models.Status, error) {
	out := make([]models.Status, 0, len(raw))
	for _, v := range raw {
		st, ok := models.ParseStatus(strings.ToLower(v))
		if !ok {
			return nil, errors.Invalidf("unknown status %q", v)
		}
		out = append(out, st)
	}
	return out, nil
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Invalidf("%s must be an integer", key)
	}
	return n, nil
}

func (s *Server) queryTime(r *http.Request, key string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	t, err := models.ParseScheduleTime(raw, s.now(), s.opts.Location)
	if err != nil {
		return nil, errors.Invalidf("%s: invalid date %q", key, raw)
	}
	return &t, nil
}

// scheduleOptions are the fields shared by both scheduling endpoints.
type scheduleOptions struct {
	ScheduledAt string            `json:"scheduled_at"`
	Priority    models.FlexString `json:"priority"`
	MaxRetries  flexInt           `json:"max_retries"`
}

func (s *Server) resolve(o scheduleOptions) (time.Time, int, int, error) {
	now := s.now()
	at, err := models.ParseScheduleTime(o.ScheduledAt, now, s.opts.Location)
	if err != nil {
		return time.Time{}, 0, 0, err
	}
	if err := models.RequireFutureSchedule(o.ScheduledAt, at, now); err != nil {
		return time.Time{}, 0, 0, err
	}
	priority, err := models.ParsePriority(string(o.Priority))
	if err != nil {
		return time.Time{}, 0, 0, err
	}
	retries := int(o.MaxRetries)
	if retries == 0 {
		retries = s.opts.DefaultMaxRetries
	}
	return at, priority, retries, nil
}

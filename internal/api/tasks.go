package api

import (
	"net/http"
	"strings"
	"time"

	"callbridge/internal/access"
	"callbridge/internal/errors"
	"callbridge/internal/models"
	"callbridge/internal/runner"
	"callbridge/internal/store"
	"callbridge/internal/telemetry"
)

type scheduleVoiceRequest struct {
	models.VoicePayload
	scheduleOptions
}

type scheduleChatRequest struct {
	models.ChatPayload
	scheduleOptions
}

func (s *Server) handleScheduleVoice(w http.ResponseWriter, r *http.Request) {
	var req scheduleVoiceRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	payload := req.VoicePayload
	s.schedule(w, r, &payload, req.scheduleOptions, "Call scheduled")
}

func (s *Server) handleScheduleChat(w http.ResponseWriter, r *http.Request) {
	var req scheduleChatRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	payload := req.ChatPayload
	s.schedule(w, r, &payload, req.scheduleOptions, "Message scheduled")
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request, payload models.Payload, o scheduleOptions, msg string) {
	if err := payload.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	at, priority, retries, err := s.resolve(o)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	params := store.CreateTaskParams{
		Payload:     payload,
		ScheduledAt: at,
		Priority:    priority,
		MaxRetries:  retries,
	}
	if p, ok := access.FromContext(r.Context()); ok {
		id := p.TenantID
		params.UserID = &id
	}
	task, err := s.store.CreateTask(r.Context(), params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	telemetry.TasksScheduled.WithLabelValues(string(task.Service)).Inc()
	respond(w, http.StatusCreated, msg, map[string]any{
		"id":                 task.ID,
		"service":            task.Service,
		"scheduled_at":       task.ScheduledAt.UTC().Format(time.RFC3339),
		"scheduled_at_local": task.ScheduledAt.In(s.opts.Location).Format(models.DBTimeLayout),
		"timezone":           s.opts.Location.String(),
		"priority":           task.Priority,
		"max_retries":        task.MaxRetries,
		"status":             task.Status,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.ListFilter
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st, ok := models.ParseStatus(strings.ToLower(raw))
		if !ok {
			s.fail(w, r, errors.Invalidf("unknown status %q", raw))
			return
		}
		f.Status = st
	}
	var err error
	if f.Priority, err = queryInt(r, "priority"); err != nil {
		s.fail(w, r, err)
		return
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		s.fail(w, r, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		s.fail(w, r, err)
		return
	}
	if f.DateFrom, err = s.queryTime(r, "date_from"); err != nil {
		s.fail(w, r, err)
		return
	}
	if f.DateTo, err = s.queryTime(r, "date_to"); err != nil {
		s.fail(w, r, err)
		return
	}
	f.SortBy = q.Get("sort_by")
	f.SortOrder = q.Get("sort_order")
	f = f.Normalize()

	tasks, total, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	respond(w, http.StatusOK, "Scheduled calls", map[string]any{
		"data":       tasks,
		"total":      total,
		"limit":      f.Limit,
		"offset":     f.Offset,
		"sort_by":    f.SortBy,
		"sort_order": f.SortOrder,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	task, logs, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []models.TaskLog{}
	}
	respond(w, http.StatusOK, "Scheduled call", map[string]any{"data": task, "logs": logs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = store.DefaultCancelReason
	}
	if err := s.store.CancelTask(r.Context(), id, reason); err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "Scheduled call cancelled", map[string]any{"id": id, "reason": reason})
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		NewScheduledAt string   `json:"new_scheduled_at"`
		ResetRetries   flexBool `json:"reset_retries"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.NewScheduledAt) == "" {
		s.fail(w, r, errors.Invalidf("new_scheduled_at is required"))
		return
	}
	at, err := models.ParseScheduleTime(req.NewScheduledAt, s.now(), s.opts.Location)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.RescheduleTask(r.Context(), id, at, bool(req.ResetRetries)); err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "Scheduled call rescheduled", map[string]any{
		"id":                     id,
		"new_scheduled_at":       at.UTC().Format(time.RFC3339),
		"new_scheduled_at_local": at.In(s.opts.Location).Format(models.DBTimeLayout),
		"reset_retries":          bool(req.ResetRetries),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Force flexBool `json:"force"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	force := bool(req.Force) || queryBool(r, "force")
	prev, err := s.store.DeleteTask(r.Context(), id, force)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "Scheduled call deleted", map[string]any{"id": id, "previous_status": prev, "forced": force})
}

type bulkDeleteRequest struct {
	Confirm       flexBool   `json:"confirm_delete"`
	Status        stringList `json:"status"`
	OlderThanDays flexInt    `json:"older_than_days"`
	Priority      flexInt    `json:"priority"`
	CallIDs       []int64    `json:"call_ids"`
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	statuses, err := parseStatuses(req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c := store.BulkDeleteCriteria{
		Statuses:      statuses,
		OlderThanDays: int(req.OlderThanDays),
		Priority:      int(req.Priority),
		IDs:           req.CallIDs,
		Confirm:       bool(req.Confirm),
	}
	n, err := s.store.BulkDelete(r.Context(), c)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "Scheduled calls deleted", map[string]any{"deleted": n})
}

type cleanupRequest struct {
	RetentionDays flexInt    `json:"retention_days"`
	StatusFilter  stringList `json:"status_filter"`
	DryRun        flexBool   `json:"dry_run"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	statuses, err := parseStatuses(req.StatusFilter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	started := s.now()
	res, err := s.store.Cleanup(r.Context(), store.CleanupParams{
		RetentionDays: int(req.RetentionDays),
		Statuses:      statuses,
		DryRun:        bool(req.DryRun),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !res.DryRun {
		telemetry.TasksPurged.Add(float64(res.Count))
		run := models.JobRun{
			JobName:    runner.JobCleanup,
			StartedAt:  started,
			FinishedAt: s.now(),
			Status:     "success",
			Processed:  res.Count,
			Succeeded:  res.Count,
		}
		if err := s.store.RecordJobRun(r.Context(), run); err != nil {
			s.log.Warnw("record manual cleanup failed", "error", err)
		}
	}
	msg := "Cleanup completed"
	if res.DryRun {
		msg = "Cleanup dry run"
	}
	respond(w, http.StatusOK, msg, map[string]any{"data": res})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window, err := models.PeriodWindow(strings.ToLower(r.URL.Query().Get("period")), s.now(), s.opts.Location)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stats, err := s.store.Stats(r.Context(), window, s.opts.Location)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "Scheduled call statistics", map[string]any{"data": stats})
}

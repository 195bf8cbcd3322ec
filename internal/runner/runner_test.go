package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge/internal/archive"
	"callbridge/internal/errors"
	"callbridge/internal/gateway"
	"callbridge/internal/logger"
	"callbridge/internal/models"
	"callbridge/internal/store"
)

type fakeClient struct {
	service models.Service

	mu       sync.Mutex
	respond  func(token string) (gateway.Result, error)
	tokens   []string
	payloads []models.Payload
}

func (f *fakeClient) Service() models.Service { return f.service }

func (f *fakeClient) Authenticate(context.Context) (gateway.Token, error) {
	return gateway.Token{Value: "fresh"}, nil
}

func (f *fakeClient) Probe(_ context.Context, token string) (string, error) { return token, nil }

func (f *fakeClient) Dispatch(_ context.Context, token string, p models.Payload) (gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	f.payloads = append(f.payloads, p)
	if f.respond == nil {
		return gateway.Result{OK: true, Status: 200, Body: []byte(`{"call_id":"abc"}`)}, nil
	}
	return f.respond(token)
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

type fakeTokens struct {
	mu           sync.Mutex
	tokens       map[models.Service]string
	fail         map[models.Service]error
	refreshes    int
	invalidated  int
	refreshValue string
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{
		tokens:       map[models.Service]string{models.ServiceVoice: "voice-tok", models.ServiceChat: "chat-tok"},
		fail:         map[models.Service]error{},
		refreshValue: "renewed",
	}
}

func (f *fakeTokens) Token(_ context.Context, s models.Service) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[s]; err != nil {
		return "", err
	}
	return f.tokens[s], nil
}

func (f *fakeTokens) Refresh(_ context.Context, s models.Service) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.tokens[s] = f.refreshValue
	return f.refreshValue, nil
}

func (f *fakeTokens) Invalidate(context.Context, models.Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	return nil
}

func (f *fakeTokens) RefreshAll(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes += len(f.tokens)
	return len(f.tokens), nil
}

type harness struct {
	mem    *store.Memory
	voice  *fakeClient
	chat   *fakeClient
	tokens *fakeTokens
	runner *Runner
	now    time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		mem:    store.NewMemory(),
		voice:  &fakeClient{service: models.ServiceVoice},
		chat:   &fakeClient{service: models.ServiceChat},
		tokens: newFakeTokens(),
		now:    time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.mem.SetClock(clock)
	h.runner = New(h.mem, gateway.NewRegistry(h.voice, h.chat), h.tokens, logger.Nop(), opts)
	h.runner.now = clock
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func voicePayload() *models.VoicePayload {
	return &models.VoicePayload{FirstCallType: "ext", FirstCallID: "101", SecondCallType: "phone", SecondCallID: "3001234567", Label: "Follow up"}
}

func chatPayload() *models.ChatPayload {
	return &models.ChatPayload{From: "+573001112233", To: "+573004445566", TemplateName: "reminder", CampaignName: "march", BroadcastTarget: "single", Values: []string{"Ana"}}
}

func (h *harness) schedule(t *testing.T, p models.Payload, in time.Duration) models.Task {
	t.Helper()
	task, err := h.mem.CreateTask(context.Background(), store.CreateTaskParams{Payload: p, ScheduledAt: h.now.Add(in)})
	require.NoError(t, err)
	return task
}

func TestProcessDueCompletesVoiceTask(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	task := h.schedule(t, voicePayload(), time.Minute)

	res, err := h.runner.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed, "not due yet")

	h.advance(2 * time.Minute)
	res, err = h.runner.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Completed)
	assert.NotEmpty(t, res.ID)

	got, logs, err := h.mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.ExecutedAt)
	assert.True(t, got.ExecutedAt.Equal(h.now))
	assert.Contains(t, string(got.Result), `"call_id":"abc"`)

	require.Len(t, logs, 2)
	assert.Equal(t, models.EventCompleted, logs[0].EventType)
	assert.Equal(t, models.EventScheduled, logs[1].EventType)

	assert.Equal(t, []string{"voice-tok"}, h.voice.tokens)
	assert.Equal(t, 0, h.chat.calls())

	runs := h.mem.JobRuns()
	require.Len(t, runs, 2)
	assert.Equal(t, JobDueTasks, runs[1].JobName)
	assert.Equal(t, "success", runs[1].Status)
	assert.Equal(t, int64(1), runs[1].Processed)
	assert.Equal(t, int64(1), runs[1].Succeeded)
}

func TestProcessDueRetriesThenSweepFails(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.voice.respond = func(string) (gateway.Result, error) {
		return gateway.Result{Status: 500, Body: []byte(`{"error":"busy"}`)}, nil
	}
	task := h.schedule(t, voicePayload(), time.Minute)
	h.advance(2 * time.Minute)

	for i := 1; i <= 3; i++ {
		res, err := h.runner.ProcessDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed, "cycle %d", i)

		got, _, err := h.mem.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, i, got.RetryCount)
		require.NotNil(t, got.LastError)
		assert.Contains(t, *got.LastError, "VOICE returned 500")
		h.advance(5 * time.Minute)
	}

	res, err := h.runner.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed, "exhausted task is not polled again")
	assert.Equal(t, 3, h.voice.calls())

	swept, err := h.runner.SweepExhausted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	got, logs, err := h.mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, models.EventFailed, logs[0].EventType)
	require.NotNil(t, logs[0].AttemptNumber)
	assert.Equal(t, 3, *logs[0].AttemptNumber)

	swept, err = h.runner.SweepExhausted(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestProcessDueIsolatesFailures(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.voice.respond = func(string) (gateway.Result, error) {
		return gateway.Result{}, errors.NewUpstreamError("VOICE", 0, nil, context.DeadlineExceeded)
	}
	voice := h.schedule(t, voicePayload(), time.Minute)
	chat := h.schedule(t, chatPayload(), 2*time.Minute)
	h.advance(3 * time.Minute)

	res, err := h.runner.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Completed)

	got, logs, _ := h.mem.GetTask(ctx, voice.ID)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, logs[0].ErrorCode)
	assert.Equal(t, "transport", *logs[0].ErrorCode)

	got, _, _ = h.mem.GetTask(ctx, chat.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestProcessDueOrdersByScheduledTime(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	later := h.schedule(t, voicePayload(), 3*time.Minute)
	p := voicePayload()
	p.Label = "first"
	earlier := h.schedule(t, p, time.Minute)
	h.advance(5 * time.Minute)

	_, err := h.runner.ProcessDue(ctx)
	require.NoError(t, err)
	require.Len(t, h.voice.payloads, 2)
	assert.Equal(t, "first", h.voice.payloads[0].(*models.VoicePayload).Label)

	a, _, _ := h.mem.GetTask(ctx, earlier.ID)
	b, _, _ := h.mem.GetTask(ctx, later.ID)
	assert.Equal(t, models.StatusCompleted, a.Status)
	assert.Equal(t, models.StatusCompleted, b.Status)
}

func TestProcessDueRespectsBatchSize(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 2})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.schedule(t, chatPayload(), time.Minute)
	}
	h.advance(2 * time.Minute)

	res, err := h.runner.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)

	res, err = h.runner.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
}

func TestProcessDueSkipsServiceWithoutCredential(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.tokens.fail[models.ServiceVoice] = errors.New("auth endpoint down")
	voice := h.schedule(t, voicePayload(), time.Minute)
	chat := h.schedule(t, chatPayload(), time.Minute)
	h.advance(2 * time.Minute)

	res, err := h.runner.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Service{models.ServiceVoice}, res.Skipped)
	assert.Equal(t, 1, res.Completed)

	got, _, _ := h.mem.GetTask(ctx, voice.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount, "credential failure is not charged to the task")
	assert.Zero(t, h.voice.calls())

	got, _, _ = h.mem.GetTask(ctx, chat.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestProcessDueRenewsCredentialOnceAfter401(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.chat.respond = func(token string) (gateway.Result, error) {
		if token == "chat-tok" {
			return gateway.Result{Status: 401, Body: []byte(`{"error":"expired"}`)}, nil
		}
		return gateway.Result{OK: true, Status: 200}, nil
	}
	first := h.schedule(t, chatPayload(), time.Minute)
	second := h.schedule(t, chatPayload(), 2*time.Minute)
	third := h.schedule(t, chatPayload(), 3*time.Minute)
	h.advance(5 * time.Minute)

	res, err := h.runner.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 1, h.tokens.invalidated)
	assert.Equal(t, 1, h.tokens.refreshes)
	assert.Equal(t, []string{"chat-tok", "renewed", "renewed"}, h.chat.tokens)

	got, logs, _ := h.mem.GetTask(ctx, first.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "unauthorized", *logs[0].ErrorCode)
	for _, id := range []int64{second.ID, third.ID} {
		got, _, _ = h.mem.GetTask(ctx, id)
		assert.Equal(t, models.StatusCompleted, got.Status)
	}
}

func TestProcessDueSkipsCancelledTask(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	task := h.schedule(t, voicePayload(), time.Minute)
	require.NoError(t, h.mem.CancelTask(ctx, task.ID, "no longer needed"))
	h.advance(2 * time.Minute)

	res, err := h.runner.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Zero(t, h.voice.calls())
}

func TestProcessDueStopsBeforeLeaseLapses(t *testing.T) {
	opts := Options{ClaimLease: 2 * time.Minute, UpstreamTimeout: 30 * time.Second}
	h := newHarness(t, opts)
	ctx := context.Background()
	first := h.schedule(t, voicePayload(), time.Minute)
	second := h.schedule(t, voicePayload(), 2*time.Minute)
	third := h.schedule(t, voicePayload(), 3*time.Minute)
	h.advance(5 * time.Minute)

	// each call takes 50s, so the third would still be running when the lease lapses
	h.voice.respond = func(string) (gateway.Result, error) {
		h.advance(50 * time.Second)
		return gateway.Result{OK: true, Status: 200}, nil
	}

	other := &fakeClient{service: models.ServiceVoice}
	peer := New(h.mem, gateway.NewRegistry(other), h.tokens, logger.Nop(), opts)
	peer.now = h.runner.now

	res, err := h.runner.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 1, res.Deferred)

	h.advance(time.Minute)
	res, err = peer.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Completed)

	assert.Equal(t, 2, h.voice.calls())
	assert.Equal(t, 1, other.calls())
	for _, id := range []int64{first.ID, second.ID, third.ID} {
		got, _, err := h.mem.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status, "task %d", id)
	}
}

func TestProcessDueRecordsOutcomeAfterCancel(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.schedule(t, voicePayload(), time.Minute)
	h.advance(2 * time.Minute)

	h.voice.respond = func(string) (gateway.Result, error) {
		cancel()
		return gateway.Result{OK: true, Status: 200}, nil
	}
	res, err := h.runner.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	got, _, err := h.mem.GetTask(context.Background(), done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status, "an accepted dispatch is recorded even after cancellation")

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	failing := h.schedule(t, voicePayload(), time.Minute)
	h.advance(2 * time.Minute)
	h.voice.respond = func(string) (gateway.Result, error) {
		cancel()
		return gateway.Result{Status: 503}, nil
	}
	res, err = h.runner.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, _, err = h.mem.GetTask(context.Background(), failing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestPurgeExpiredWithoutArchive(t *testing.T) {
	h := newHarness(t, Options{RetentionDays: 30})
	ctx := context.Background()
	old := h.schedule(t, voicePayload(), time.Minute)
	keep := h.schedule(t, voicePayload(), time.Minute)
	require.NoError(t, h.mem.CancelTask(ctx, old.ID, ""))
	h.advance(31 * 24 * time.Hour)

	n, err := h.runner.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, _, err = h.mem.GetTask(ctx, old.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, _, err = h.mem.GetTask(ctx, keep.ID)
	assert.NoError(t, err, "pending tasks are never purged")
}

func TestPurgeExpiredArchivesFirst(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Options{RetentionDays: 30, Archiver: archive.NewLocal(dir)})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		task := h.schedule(t, chatPayload(), time.Minute)
		require.NoError(t, h.mem.CancelTask(ctx, task.ID, ""))
	}
	h.advance(40 * 24 * time.Hour)

	n, err := h.runner.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	files, err := filepath.Glob(filepath.Join(dir, "scheduled-calls", "*", "*", "*", "*.ndjson"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, 3, countLines(data))
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}

func TestReportSummarizesToday(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.schedule(t, voicePayload(), time.Minute)
	cancelled := h.schedule(t, chatPayload(), time.Minute)
	h.schedule(t, chatPayload(), time.Hour)
	require.NoError(t, h.mem.CancelTask(ctx, cancelled.ID, ""))
	h.advance(2 * time.Minute)
	_, err := h.runner.ProcessDue(ctx)
	require.NoError(t, err)

	stats, err := h.runner.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Summary.Total)
	assert.Equal(t, int64(1), stats.Summary.Completed)
	assert.Equal(t, int64(1), stats.Summary.Cancelled)
	assert.Equal(t, int64(1), stats.Summary.Pending)
}

func TestRefreshCredentialsRecordsRun(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.runner.RefreshCredentials(context.Background()))
	assert.Equal(t, 2, h.tokens.refreshes)

	runs := h.mem.JobRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, JobTokenRefresh, runs[0].JobName)
	assert.Equal(t, int64(2), runs[0].Succeeded)
}

func TestStartRejectsBadSpec(t *testing.T) {
	h := newHarness(t, Options{Schedule: Schedule{Due: "not a spec"}})
	err := h.runner.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobDueTasks)
}

func TestStartAndStop(t *testing.T) {
	h := newHarness(t, Options{Schedule: Schedule{
		TokenRefresh: "@every 50m",
		Due:          "@every 5m",
		Sweep:        "@every 10m",
		Retention:    "0 2 * * *",
		Report:       "0 9 * * *",
	}})
	require.NoError(t, h.runner.Start())
	assert.Len(t, h.runner.cron.Entries(), 5)
	<-h.runner.Stop().Done()
}

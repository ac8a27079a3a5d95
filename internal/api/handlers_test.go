package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/foxzi/sendlater/internal/config"
	"github.com/foxzi/sendlater/internal/dispatch"
	"github.com/foxzi/sendlater/internal/receipt"
	"github.com/foxzi/sendlater/internal/schedule"
	"github.com/foxzi/sendlater/internal/template"
)

// mockScheduler implements Scheduler for testing
type mockScheduler struct {
	mu      sync.Mutex
	running bool
	sweeps  int
}

func (m *mockScheduler) Start(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return false
	}
	m.running = true
	return true
}

func (m *mockScheduler) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return false
	}
	m.running = false
	return true
}

func (m *mockScheduler) Status() dispatch.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return dispatch.Status{Running: m.running, SweepInterval: "5s"}
}

func (m *mockScheduler) SweepOnce(ctx context.Context) dispatch.SweepResult {
	m.mu.Lock()
	m.sweeps++
	m.mu.Unlock()
	return dispatch.SweepResult{StartedAt: time.Now(), Due: 2, Issued: 2, Sent: 2}
}

type testEnv struct {
	server    *Server
	messages  *schedule.BoltStorage
	templates *template.Storage
	scheduler *mockScheduler
}

func newTestEnv(t *testing.T, configure func(opts *ServerOptions)) *testEnv {
	t.Helper()

	messages, err := schedule.NewBoltStorage(filepath.Join(t.TempDir(), "sendlater.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { messages.Close() })

	templates, err := template.NewStorage(messages.DB())
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}

	sched := &mockScheduler{running: true}
	opts := ServerOptions{
		Config:    &config.APIConfig{},
		Messages:  messages,
		Templates: templates,
		Scheduler: sched,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:   "test",
	}
	if configure != nil {
		configure(&opts)
	}

	return &testEnv{
		server:    NewServerWithOptions(opts),
		messages:  messages,
		templates: templates,
		scheduler: sched,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func future(d time.Duration) string {
	return time.Now().Add(d).UTC().Format(time.RFC3339)
}

func (e *testEnv) schedule(t *testing.T, recipient string, in time.Duration) *schedule.Message {
	t.Helper()

	rr := e.do(t, http.MethodPost, "/api/v1/schedule", ScheduleRequest{
		Recipient: recipient,
		Message:   "hello " + recipient,
		SendTime:  future(in),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("schedule status = %d, body = %s", rr.Code, rr.Body.String())
	}
	return decode[*schedule.Message](t, rr)
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	env.schedule(t, "alice", time.Hour)

	rr := env.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	resp := decode[HealthResponse](t, rr)
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %s", resp.Status)
	}
	if resp.Version != "test" {
		t.Errorf("expected version test, got %s", resp.Version)
	}
	if !resp.SchedulerRunning {
		t.Error("expected scheduler_running = true")
	}
	if resp.Messages == nil || resp.Messages.Pending != 1 {
		t.Errorf("expected 1 pending message, got %+v", resp.Messages)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, func(opts *ServerOptions) {
		opts.Config.APIKey = "secret-key"
	})

	tests := []struct {
		name       string
		header     []string
		wantStatus int
	}{
		{"no key", nil, http.StatusUnauthorized},
		{"wrong key", []string{"Authorization", "Bearer wrong"}, http.StatusUnauthorized},
		{"bearer token", []string{"Authorization", "Bearer secret-key"}, http.StatusOK},
		{"x-api-key header", []string{"X-API-Key", "secret-key"}, http.StatusOK},
		{"basic scheme", []string{"Authorization", "Basic secret-key"}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodGet, "/api/v1/schedule", nil, tt.header...)
			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
		})
	}

	if rr := env.do(t, http.MethodGet, "/health", nil); rr.Code != http.StatusOK {
		t.Errorf("health should not require auth, got %d", rr.Code)
	}
}

func TestRequestKey(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		want   string
	}{
		{"none", nil, ""},
		{"bearer", map[string]string{"Authorization": "Bearer abc "}, "abc"},
		{"other scheme", map[string]string{"Authorization": "Token abc"}, ""},
		{"api key", map[string]string{"X-API-Key": "abc"}, "abc"},
		{"bearer wins", map[string]string{"Authorization": "Bearer one", "X-API-Key": "two"}, "one"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := requestKey(req); got != tt.want {
				t.Errorf("requestKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPFilter(t *testing.T) {
	env := newTestEnv(t, func(opts *ServerOptions) {
		opts.Config.AllowedIPs = []string{"10.0.0.0/8"}
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.10:4321"
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.1.2.3:4321"
	rr = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestHandleSchedule(t *testing.T) {
	env := newTestEnv(t, nil)

	sendTime := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	rr := env.do(t, http.MethodPost, "/api/v1/schedule", ScheduleRequest{
		Recipient: "27821234567@s.whatsapp.net",
		Message:   "Meeting at 3pm",
		SendTime:  sendTime.Format(time.RFC3339),
		Metadata:  map[string]string{"source": "test"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	msg := decode[*schedule.Message](t, rr)
	if msg.ID == "" {
		t.Error("expected non-empty ID")
	}
	if msg.Status != schedule.StatusPending {
		t.Errorf("expected status pending, got %s", msg.Status)
	}
	if !msg.SendTime.Equal(sendTime) {
		t.Errorf("SendTime = %v, want %v", msg.SendTime, sendTime)
	}
	if msg.Metadata["source"] != "test" {
		t.Errorf("Metadata = %v", msg.Metadata)
	}

	stored, err := env.messages.Get(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Text != "Meeting at 3pm" {
		t.Errorf("stored text = %q", stored.Text)
	}
}

func TestHandleScheduleLocalTime(t *testing.T) {
	env := newTestEnv(t, nil)

	local := time.Now().Add(3 * time.Hour).Truncate(time.Second)
	rr := env.do(t, http.MethodPost, "/api/v1/schedule", ScheduleRequest{
		Recipient: "alice",
		Message:   "hi",
		SendTime:  local.Format("2006-01-02T15:04:05"),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	msg := decode[*schedule.Message](t, rr)
	if !msg.SendTime.Equal(local) {
		t.Errorf("SendTime = %v, want %v", msg.SendTime, local.UTC())
	}
}

func TestHandleScheduleValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "{not json"},
		{"missing recipient", ScheduleRequest{Message: "hi", SendTime: future(time.Hour)}},
		{"empty message", ScheduleRequest{Recipient: "alice", Message: "  ", SendTime: future(time.Hour)}},
		{"missing send_time", ScheduleRequest{Recipient: "alice", Message: "hi"}},
		{"unparseable send_time", ScheduleRequest{Recipient: "alice", Message: "hi", SendTime: "tomorrow"}},
		{"send_time in the past", ScheduleRequest{Recipient: "alice", Message: "hi", SendTime: future(-time.Minute)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/v1/schedule", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if resp := decode[ErrorResponse](t, rr); resp.Error == "" {
				t.Error("expected error message")
			}
		})
	}

	stats, _ := env.messages.Stats(context.Background())
	if stats.Total != 0 {
		t.Errorf("rejected requests must not be stored, total = %d", stats.Total)
	}
}

func TestHandleScheduleNormalizesRecipient(t *testing.T) {
	env := newTestEnv(t, func(opts *ServerOptions) {
		opts.NormalizeRecipients = true
		opts.CountryCode = "27"
	})

	msg := env.schedule(t, "082 123 4567", time.Hour)
	if msg.Recipient != "27821234567@s.whatsapp.net" {
		t.Errorf("Recipient = %q", msg.Recipient)
	}

	rr := env.do(t, http.MethodGet, "/api/v1/schedule?recipient=0821234567", nil)
	resp := decode[MessageListResponse](t, rr)
	if resp.Total != 1 {
		t.Errorf("expected 1 message for the normalized recipient, got %d", resp.Total)
	}
}

func TestHandleListPending(t *testing.T) {
	env := newTestEnv(t, nil)

	late := env.schedule(t, "alice", 3*time.Hour)
	early := env.schedule(t, "bob", time.Hour)
	env.schedule(t, "alice", 2*time.Hour)

	rr := env.do(t, http.MethodGet, "/api/v1/schedule", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	resp := decode[MessageListResponse](t, rr)
	if resp.Total != 3 {
		t.Fatalf("expected 3 messages, got %d", resp.Total)
	}
	if resp.Messages[0].ID != early.ID || resp.Messages[2].ID != late.ID {
		t.Error("pending messages should be ordered by send_time")
	}

	rr = env.do(t, http.MethodGet, "/api/v1/schedule?recipient=alice", nil)
	if resp := decode[MessageListResponse](t, rr); resp.Total != 2 {
		t.Errorf("expected 2 messages for alice, got %d", resp.Total)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/schedule?recipient=nobody", nil)
	if resp := decode[MessageListResponse](t, rr); resp.Messages == nil || resp.Total != 0 {
		t.Errorf("expected an empty list, got %s", rr.Body.String())
	}
}

func TestHandleHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sent := env.schedule(t, "alice", time.Hour)
	failed := env.schedule(t, "bob", time.Hour)
	canceled := env.schedule(t, "carol", time.Hour)
	env.schedule(t, "dave", time.Hour)

	if _, err := env.messages.MarkDispatched(ctx, sent.ID, schedule.Outcome{Status: schedule.StatusSent}); err != nil {
		t.Fatalf("MarkDispatched() error = %v", err)
	}
	if _, err := env.messages.MarkDispatched(ctx, failed.ID, schedule.Outcome{Status: schedule.StatusFailed, Error: "rejected"}); err != nil {
		t.Fatalf("MarkDispatched() error = %v", err)
	}
	if rr := env.do(t, http.MethodDelete, "/api/v1/schedule/"+canceled.ID, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("cancel status = %d", rr.Code)
	}

	rr := env.do(t, http.MethodGet, "/api/v1/schedule/history", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	resp := decode[MessageListResponse](t, rr)
	if resp.Total != 3 {
		t.Fatalf("expected 3 resolved messages, got %d", resp.Total)
	}
	for _, m := range resp.Messages {
		if m.Status == schedule.StatusPending {
			t.Errorf("history contains pending message %s", m.ID)
		}
	}

	rr = env.do(t, http.MethodGet, "/api/v1/schedule/history?limit=2", nil)
	if resp := decode[MessageListResponse](t, rr); resp.Total != 2 {
		t.Errorf("expected 2 messages with limit=2, got %d", resp.Total)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/schedule/history?limit=-1", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for negative limit, got %d", rr.Code)
	}
}

func TestHandleGetMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	msg := env.schedule(t, "alice", time.Hour)

	rr := env.do(t, http.MethodGet, "/api/v1/schedule/"+msg.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := decode[*schedule.Message](t, rr); got.Recipient != "alice" {
		t.Errorf("Recipient = %q", got.Recipient)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/schedule/nonexistent", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestHandleCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	msg := env.schedule(t, "alice", time.Hour)

	rr := env.do(t, http.MethodDelete, "/api/v1/schedule/"+msg.ID, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}

	stored, _ := env.messages.Get(context.Background(), msg.ID)
	if stored.Status != schedule.StatusCanceled {
		t.Errorf("expected status canceled, got %s", stored.Status)
	}

	rr = env.do(t, http.MethodDelete, "/api/v1/schedule/"+msg.ID, nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("second cancel: expected status 409, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodDelete, "/api/v1/schedule/nonexistent", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected status 404, got %d", rr.Code)
	}
}

func TestHandleCancelAfterSend(t *testing.T) {
	env := newTestEnv(t, nil)
	msg := env.schedule(t, "alice", time.Hour)

	if _, err := env.messages.MarkDispatched(context.Background(), msg.ID, schedule.Outcome{Status: schedule.StatusSent}); err != nil {
		t.Fatalf("MarkDispatched() error = %v", err)
	}

	rr := env.do(t, http.MethodDelete, "/api/v1/schedule/"+msg.ID, nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rr.Code)
	}
}

func TestHandleScheduleTemplate(t *testing.T) {
	env := newTestEnv(t, nil)

	tmpl, err := env.templates.Save(context.Background(), &template.Template{
		Name:    "greeting",
		Content: "Hi {name}, see you at {time}",
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	rr := env.do(t, http.MethodPost, "/api/v1/schedule/template", ScheduleTemplateRequest{
		Recipient:  "alice",
		TemplateID: tmpl.ID,
		Variables:  map[string]string{"name": "Alice"},
		SendTime:   future(time.Hour),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	msg := decode[*schedule.Message](t, rr)
	if msg.Text != "Hi Alice, see you at " {
		t.Errorf("Text = %q", msg.Text)
	}
	if msg.TemplateID != tmpl.ID {
		t.Errorf("TemplateID = %q, want %q", msg.TemplateID, tmpl.ID)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/schedule/template", ScheduleTemplateRequest{
		Recipient:  "alice",
		TemplateID: "missing",
		SendTime:   future(time.Hour),
	})
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown template: expected status 404, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/schedule/template", ScheduleTemplateRequest{
		Recipient: "alice",
		SendTime:  future(time.Hour),
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing template_id: expected status 400, got %d", rr.Code)
	}
}

func TestHandleReceipt(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cache := receipt.NewRedisCache(rdb, time.Hour)

	env := newTestEnv(t, func(opts *ServerOptions) {
		opts.Receipts = cache
	})
	msg := env.schedule(t, "alice", time.Hour)

	rr := env.do(t, http.MethodGet, "/api/v1/schedule/"+msg.ID+"/receipt", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404 before sending, got %d", rr.Code)
	}

	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := cache.StoreSent(context.Background(), msg.ID, "wamid.123", sentAt); err != nil {
		t.Fatalf("StoreSent() error = %v", err)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/schedule/"+msg.ID+"/receipt", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[ReceiptResponse](t, rr)
	if resp.MessageID != msg.ID || resp.Receipt == nil || resp.RemoteMessageID != "wamid.123" {
		t.Errorf("unexpected receipt %s", rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/api/v1/schedule/nonexistent/receipt", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown message: expected status 404, got %d", rr.Code)
	}
}

func TestHandleReceiptNotConfigured(t *testing.T) {
	env := newTestEnv(t, nil)
	msg := env.schedule(t, "alice", time.Hour)

	rr := env.do(t, http.MethodGet, "/api/v1/schedule/"+msg.ID+"/receipt", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestParseSendTime(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{input: "2026-03-01T12:00:00Z", want: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{input: "2026-03-01T14:00:00+02:00", want: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{input: "2026-03-01T12:00:00.5Z", want: time.Date(2026, 3, 1, 12, 0, 0, 5e8, time.UTC)},
		{input: "2026-03-01T12:00:00", want: time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local).UTC()},
		{input: "2026-03-01 12:00", want: time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local).UTC()},
		{input: "", wantErr: true},
		{input: "01/03/2026", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseSendTime(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSendTime() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("parseSendTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxzi/sendlater/internal/apperr"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStorage(t *testing.T) (*BoltStorage, *testClock) {
	t.Helper()

	storage, err := NewBoltStorage(filepath.Join(t.TempDir(), "sendlater.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	clock := &testClock{now: baseTime}
	storage.now = clock.Now
	return storage, clock
}

func mustSchedule(t *testing.T, s Store, recipient string, at time.Time) *Message {
	t.Helper()

	msg, err := s.Schedule(context.Background(), ScheduleRequest{
		Recipient: recipient,
		Text:      "hello " + recipient,
		SendTime:  at,
	})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	return msg
}

func TestBoltStorage_Schedule(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	msg, err := storage.Schedule(ctx, ScheduleRequest{
		Recipient: " 27821234567@s.whatsapp.net ",
		Text:      "Meeting at 3",
		SendTime:  baseTime.Add(time.Hour),
		Metadata:  map[string]string{"source": "api"},
	})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	if msg.ID == "" {
		t.Error("Schedule() did not set ID")
	}
	if msg.Status != StatusPending {
		t.Errorf("Schedule().Status = %v, want %v", msg.Status, StatusPending)
	}
	if msg.Recipient != "27821234567@s.whatsapp.net" {
		t.Errorf("Schedule().Recipient = %q", msg.Recipient)
	}
	if !msg.CreatedAt.Equal(baseTime) {
		t.Errorf("Schedule().CreatedAt = %v, want %v", msg.CreatedAt, baseTime)
	}

	got, err := storage.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Text != "Meeting at 3" {
		t.Errorf("Get().Text = %q", got.Text)
	}
	if got.Metadata["source"] != "api" {
		t.Errorf("Get().Metadata = %v", got.Metadata)
	}
	if got.ResolvedAt != nil {
		t.Errorf("Get().ResolvedAt = %v, want nil", got.ResolvedAt)
	}

	if _, err := storage.Get(ctx, "nonexistent"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Get(nonexistent) error = %v, want ErrNotFound", err)
	}
}

func TestBoltStorage_ScheduleValidation(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ScheduleRequest
	}{
		{"past", ScheduleRequest{Recipient: "a", Text: "x", SendTime: baseTime.Add(-time.Minute)}},
		{"equal to now", ScheduleRequest{Recipient: "a", Text: "x", SendTime: baseTime}},
		{"zero time", ScheduleRequest{Recipient: "a", Text: "x"}},
		{"empty recipient", ScheduleRequest{Text: "x", SendTime: baseTime.Add(time.Hour)}},
		{"empty message", ScheduleRequest{Recipient: "a", Text: "  ", SendTime: baseTime.Add(time.Hour)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := storage.Schedule(ctx, tt.req)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("Schedule() error = %v, want ErrValidation", err)
			}
		})
	}

	stats, _ := storage.Stats(ctx)
	if stats.Total != 0 {
		t.Errorf("Stats().Total = %d after rejected schedules, want 0", stats.Total)
	}
}

func TestBoltStorage_ListPending(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	late := mustSchedule(t, storage, "bob", baseTime.Add(3*time.Hour))
	early := mustSchedule(t, storage, "alice", baseTime.Add(time.Hour))
	mid := mustSchedule(t, storage, "bob", baseTime.Add(2*time.Hour))

	all, err := storage.ListPending(ctx, "")
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	want := []string{early.ID, mid.ID, late.ID}
	if len(all) != len(want) {
		t.Fatalf("ListPending() returned %d messages, want %d", len(all), len(want))
	}
	for i, id := range want {
		if all[i].ID != id {
			t.Errorf("ListPending()[%d].ID = %s, want %s", i, all[i].ID, id)
		}
	}

	bob, _ := storage.ListPending(ctx, "bob")
	if len(bob) != 2 || bob[0].ID != mid.ID || bob[1].ID != late.ID {
		t.Errorf("ListPending(bob) = %v", bob)
	}

	if _, err := storage.Cancel(ctx, mid.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	bob, _ = storage.ListPending(ctx, "bob")
	if len(bob) != 1 || bob[0].ID != late.ID {
		t.Errorf("ListPending(bob) after cancel = %v", bob)
	}
}

func TestBoltStorage_ListDue(t *testing.T) {
	storage, clock := newTestStorage(t)
	ctx := context.Background()

	first := mustSchedule(t, storage, "a", baseTime.Add(time.Second))
	second := mustSchedule(t, storage, "b", baseTime.Add(2*time.Second))
	mustSchedule(t, storage, "c", baseTime.Add(time.Hour))

	due, err := storage.ListDue(ctx, clock.Now(), 0)
	if err != nil {
		t.Fatalf("ListDue() error = %v", err)
	}
	if len(due) != 0 {
		t.Errorf("ListDue() before send time = %d messages, want 0", len(due))
	}

	clock.Advance(2 * time.Second)
	due, _ = storage.ListDue(ctx, clock.Now(), 0)
	if len(due) != 2 || due[0].ID != first.ID || due[1].ID != second.ID {
		t.Errorf("ListDue() = %v, want [%s %s]", due, first.ID, second.ID)
	}

	limited, _ := storage.ListDue(ctx, clock.Now(), 1)
	if len(limited) != 1 || limited[0].ID != first.ID {
		t.Errorf("ListDue(limit=1) = %v", limited)
	}
}

func TestBoltStorage_Cancel(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	msg := mustSchedule(t, storage, "a", baseTime.Add(time.Hour))

	canceled, err := storage.Cancel(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if canceled.Status != StatusCanceled {
		t.Errorf("Cancel().Status = %v, want %v", canceled.Status, StatusCanceled)
	}
	if canceled.ResolvedAt == nil {
		t.Error("Cancel() did not set ResolvedAt")
	}

	if _, err := storage.Cancel(ctx, msg.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("second Cancel() error = %v, want ErrConflict", err)
	}
	if _, err := storage.Cancel(ctx, "unknown"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Cancel(unknown) error = %v, want ErrNotFound", err)
	}

	history, _ := storage.ListHistory(ctx, 0)
	if len(history) != 1 || history[0].Status != StatusCanceled {
		t.Errorf("ListHistory() = %v", history)
	}

	// A canceled message is never due
	due, _ := storage.ListDue(ctx, baseTime.Add(2*time.Hour), 0)
	if len(due) != 0 {
		t.Errorf("ListDue() returned canceled message")
	}
}

func TestBoltStorage_CancelSentConflict(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	msg := mustSchedule(t, storage, "a", baseTime.Add(time.Hour))
	if _, err := storage.MarkDispatched(ctx, msg.ID, Outcome{Status: StatusSent, RemoteID: "wamid.1"}); err != nil {
		t.Fatalf("MarkDispatched() error = %v", err)
	}

	_, err := storage.Cancel(ctx, msg.ID)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("Cancel(sent) error = %v, want ErrConflict", err)
	}

	got, _ := storage.Get(ctx, msg.ID)
	if got.Status != StatusSent {
		t.Errorf("status after rejected cancel = %v, want %v", got.Status, StatusSent)
	}
}

func TestBoltStorage_MarkDispatched(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	msg := mustSchedule(t, storage, "a", baseTime.Add(time.Hour))

	applied, err := storage.MarkDispatched(ctx, msg.ID, Outcome{Status: StatusSent, RemoteID: "wamid.1"})
	if err != nil {
		t.Fatalf("MarkDispatched() error = %v", err)
	}
	if !applied {
		t.Fatal("MarkDispatched() applied = false, want true")
	}

	applied, err = storage.MarkDispatched(ctx, msg.ID, Outcome{Status: StatusFailed, Error: "late"})
	if err != nil {
		t.Fatalf("second MarkDispatched() error = %v", err)
	}
	if applied {
		t.Error("second MarkDispatched() applied = true, want false")
	}

	got, _ := storage.Get(ctx, msg.ID)
	if got.Status != StatusSent || got.RemoteID != "wamid.1" || got.LastError != "" {
		t.Errorf("Get() after no-op = %+v", got)
	}

	if _, err := storage.MarkDispatched(ctx, "unknown", Outcome{Status: StatusSent}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("MarkDispatched(unknown) error = %v, want ErrNotFound", err)
	}

	other := mustSchedule(t, storage, "b", baseTime.Add(time.Hour))
	if _, err := storage.MarkDispatched(ctx, other.ID, Outcome{Status: StatusCanceled}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("MarkDispatched(canceled outcome) error = %v, want ErrValidation", err)
	}
}

func TestBoltStorage_MarkDispatchedConcurrent(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	msg := mustSchedule(t, storage, "a", baseTime.Add(time.Hour))

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := StatusSent
			if i%2 == 1 {
				status = StatusFailed
			}
			ok, err := storage.MarkDispatched(ctx, msg.ID, Outcome{Status: status})
			if err != nil {
				t.Errorf("MarkDispatched() error = %v", err)
			}
			if ok {
				applied.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if applied.Load() != 1 {
		t.Errorf("applied transitions = %d, want 1", applied.Load())
	}
}

func TestBoltStorage_CancelRacesDispatch(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		msg := mustSchedule(t, storage, "a", baseTime.Add(time.Hour))

		var wg sync.WaitGroup
		var cancelErr error
		var applied bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = storage.Cancel(ctx, msg.ID)
		}()
		go func() {
			defer wg.Done()
			applied, _ = storage.MarkDispatched(ctx, msg.ID, Outcome{Status: StatusSent})
		}()
		wg.Wait()

		canceled := cancelErr == nil
		if canceled == applied {
			t.Fatalf("cancel ok = %v, dispatch applied = %v; want exactly one winner", canceled, applied)
		}
		if !canceled && !errors.Is(cancelErr, apperr.ErrConflict) {
			t.Errorf("losing Cancel() error = %v, want ErrConflict", cancelErr)
		}

		got, _ := storage.Get(ctx, msg.ID)
		if canceled && got.Status != StatusCanceled || applied && got.Status != StatusSent {
			t.Errorf("final status = %v (canceled=%v applied=%v)", got.Status, canceled, applied)
		}
	}
}

func TestBoltStorage_ListHistory(t *testing.T) {
	storage, clock := newTestStorage(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		msg := mustSchedule(t, storage, "a", baseTime.Add(time.Hour))
		clock.Advance(time.Second)
		if _, err := storage.MarkDispatched(ctx, msg.ID, Outcome{Status: StatusSent}); err != nil {
			t.Fatalf("MarkDispatched() error = %v", err)
		}
		ids = append(ids, msg.ID)
	}
	mustSchedule(t, storage, "pending", baseTime.Add(time.Hour))

	history, err := storage.ListHistory(ctx, 0)
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("ListHistory() returned %d messages, want 3", len(history))
	}
	for i := range history {
		want := ids[len(ids)-1-i]
		if history[i].ID != want {
			t.Errorf("ListHistory()[%d].ID = %s, want %s", i, history[i].ID, want)
		}
	}

	limited, _ := storage.ListHistory(ctx, 2)
	if len(limited) != 2 || limited[0].ID != ids[2] {
		t.Errorf("ListHistory(2) = %v", limited)
	}
}

func TestBoltStorage_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sendlater.db")
	ctx := context.Background()

	storage, err := NewBoltStorage(path)
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	msg, err := storage.Schedule(ctx, ScheduleRequest{
		Recipient: "a",
		Text:      "survives restart",
		SendTime:  time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	storage.Close()

	reopened, err := NewBoltStorage(path)
	if err != nil {
		t.Fatalf("NewBoltStorage() reopen error = %v", err)
	}
	defer reopened.Close()

	pending, _ := reopened.ListPending(ctx, "")
	if len(pending) != 1 || pending[0].ID != msg.ID || pending[0].Text != "survives restart" {
		t.Errorf("ListPending() after reopen = %v", pending)
	}
}

func TestBoltStorage_Stats(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	a := mustSchedule(t, storage, "a", baseTime.Add(time.Hour))
	b := mustSchedule(t, storage, "b", baseTime.Add(time.Hour))
	c := mustSchedule(t, storage, "c", baseTime.Add(time.Hour))
	mustSchedule(t, storage, "d", baseTime.Add(time.Hour))

	storage.MarkDispatched(ctx, a.ID, Outcome{Status: StatusSent})
	storage.MarkDispatched(ctx, b.ID, Outcome{Status: StatusFailed, Error: "rejected"})
	storage.Cancel(ctx, c.ID)

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	want := Stats{Pending: 1, Sent: 1, Failed: 1, Canceled: 1, Total: 4}
	if *stats != want {
		t.Errorf("Stats() = %+v, want %+v", *stats, want)
	}
}

func TestBoltStorage_CleanupHistory(t *testing.T) {
	storage, clock := newTestStorage(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		msg := mustSchedule(t, storage, "a", baseTime.Add(24*time.Hour))
		storage.MarkDispatched(ctx, msg.ID, Outcome{Status: StatusSent})
		ids = append(ids, msg.ID)
		clock.Advance(time.Hour)
	}
	pending := mustSchedule(t, storage, "p", baseTime.Add(24*time.Hour))

	// Resolved at base+0h..base+4h, now is base+5h: two are older than 3h30m
	deleted, err := storage.CleanupHistory(ctx, 3*time.Hour+30*time.Minute, 0)
	if err != nil {
		t.Fatalf("CleanupHistory() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("CleanupHistory(age) deleted = %d, want 2", deleted)
	}

	deleted, _ = storage.CleanupHistory(ctx, 0, 1)
	if deleted != 2 {
		t.Errorf("CleanupHistory(count) deleted = %d, want 2", deleted)
	}

	history, _ := storage.ListHistory(ctx, 0)
	if len(history) != 1 || history[0].ID != ids[4] {
		t.Errorf("ListHistory() after cleanup = %v", history)
	}
	if _, err := storage.Get(ctx, ids[0]); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Get(cleaned) error = %v, want ErrNotFound", err)
	}
	if _, err := storage.Get(ctx, pending.ID); err != nil {
		t.Errorf("pending message removed by cleanup: %v", err)
	}
}

func TestCleanerRunOnce(t *testing.T) {
	storage, clock := newTestStorage(t)
	ctx := context.Background()

	msg := mustSchedule(t, storage, "a", baseTime.Add(time.Hour))
	storage.MarkDispatched(ctx, msg.ID, Outcome{Status: StatusFailed, Error: "x"})
	clock.Advance(48 * time.Hour)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cleaner := NewCleaner(storage, CleanerConfig{MaxAge: 24 * time.Hour, Interval: time.Hour}, logger)

	if !cleaner.Enabled() {
		t.Fatal("Enabled() = false, want true")
	}
	if n := cleaner.RunOnce(ctx); n != 1 {
		t.Errorf("RunOnce() = %d, want 1", n)
	}
}

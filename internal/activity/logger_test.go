package activity

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/simplifia/engine/internal/domain"
	"github.com/simplifia/engine/internal/store"
)

func waitForLogs(t *testing.T, repo *store.MemoryStore, processID string, want int) []*domain.ActivityLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		logs, err := repo.ListActivityLogs(context.Background(), processID)
		if err != nil {
			t.Fatalf("ListActivityLogs failed: %v", err)
		}
		if len(logs) >= want {
			return logs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d logs for %s", want, processID)
	return nil
}

func TestLoggerWritesEntries(t *testing.T) {
	t.Parallel()

	repo := store.NewMemory()
	logger := NewLogger(repo, 16, slog.Default())
	defer logger.Close()

	logger.Record("p1", domain.LogInfo, "process started", "kind=flight_booking")
	logger.Record("p1", domain.LogSuccess, "process completed", "")

	logs := waitForLogs(t, repo, "p1", 2)
	if logs[0].Message != "process started" || logs[0].Type != domain.LogInfo {
		t.Errorf("unexpected first entry: %+v", logs[0])
	}
	if logs[1].Type != domain.LogSuccess {
		t.Errorf("unexpected second entry: %+v", logs[1])
	}
}

func TestLoggerDrainsOnClose(t *testing.T) {
	t.Parallel()

	repo := store.NewMemory()
	logger := NewLogger(repo, 64, slog.Default())
	for i := 0; i < 20; i++ {
		logger.Record("p1", domain.LogInfo, "entry", "")
	}
	logger.Close()

	logs, err := repo.ListActivityLogs(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ListActivityLogs failed: %v", err)
	}
	if len(logs) != 20 {
		t.Errorf("expected all 20 entries flushed on close, got %d", len(logs))
	}
}

// failingAppender rejects every write.
type failingAppender struct{}

func (failingAppender) AppendActivityLog(_ context.Context, _ *domain.ActivityLog) error {
	return errors.New("store unavailable")
}

func TestLoggerFallsBackWhenStoreFails(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var mu syncWriter
	mu.w = &buf
	slogger := slog.New(slog.NewJSONHandler(&mu, nil))

	logger := NewLogger(failingAppender{}, 4, slogger)
	logger.Record("p1", domain.LogError, "process failed", "step 2")
	logger.Close()

	out := mu.String()
	if !strings.Contains(out, "fallback") {
		t.Errorf("expected fallback log line, got %q", out)
	}
	if !strings.Contains(out, "process failed") {
		t.Errorf("fallback must carry the original message, got %q", out)
	}
}

func TestLoggerNeverBlocksCaller(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var mu syncWriter
	mu.w = &buf
	slogger := slog.New(slog.NewJSONHandler(&mu, nil))

	// Tiny queue plus a slow store would block a synchronous logger.
	logger := NewLogger(slowAppender{}, 1, slogger)
	defer logger.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			logger.Record("p1", domain.LogInfo, "entry", "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked the caller")
	}
}

type slowAppender struct{}

func (slowAppender) AppendActivityLog(_ context.Context, _ *domain.ActivityLog) error {
	time.Sleep(50 * time.Millisecond)
	return nil
}

// syncWriter guards a buffer shared between the worker goroutine and the test.
type syncWriter struct {
	mux sync.Mutex
	w   *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.w.Write(p)
}

func (s *syncWriter) String() string {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.w.String()
}

// countingAppender tallies successful writes.
type countingAppender struct {
	mu sync.Mutex
	n  int
}

func (c *countingAppender) AppendActivityLog(_ context.Context, _ *domain.ActivityLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *countingAppender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestLoggerAccountsForEveryEntryAroundClose(t *testing.T) {
	t.Parallel()

	const writers, perWriter = 8, 25

	var buf bytes.Buffer
	var w syncWriter
	w.w = &buf
	slogger := slog.New(slog.NewJSONHandler(&w, nil))

	store := &countingAppender{}
	logger := NewLogger(store, 4, slogger)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				logger.Record("p1", domain.LogInfo, "entry", "")
			}
		}()
	}
	// Close races the writers on purpose.
	logger.Close()
	wg.Wait()

	fallbacks := strings.Count(w.String(), "activity log degraded")
	total := store.count() + fallbacks
	if total != writers*perWriter {
		t.Errorf("accounted for %d entries (%d stored, %d fallback), want %d",
			total, store.count(), fallbacks, writers*perWriter)
	}
}

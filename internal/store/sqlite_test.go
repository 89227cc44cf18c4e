package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/simplifia/engine/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return s
}

func testMessage(id string) *domain.ChatMessage {
	return &domain.ChatMessage{
		ID:        id,
		SessionID: "sess-1",
		UserID:    "user-1",
		Role:      domain.RoleUser,
		Content:   "book a flight",
		Timestamp: time.Now(),
	}
}

func testProcess(id string) *domain.Process {
	now := time.Now()
	return &domain.Process{
		ID:        id,
		SessionID: "sess-1",
		UserID:    "user-1",
		Kind:      "flight_booking",
		Title:     "Flight booking",
		Status:    domain.StatusRunning,
		Steps: []domain.Step{
			{Index: 0, Description: "Search flights", Status: domain.StepPending},
			{Index: 1, Description: "Select a flight", Status: domain.StepPending},
		},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("m1")
	msg.Command = domain.CommandCancel
	if err := s.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	got, err := s.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected message, got nil")
	}
	if got.Content != msg.Content || got.Role != domain.RoleUser || got.Command != domain.CommandCancel {
		t.Errorf("unexpected message: %+v", got)
	}
	if got.Processed {
		t.Error("new message should be unprocessed")
	}

	missing, err := s.GetMessage(ctx, "nope")
	if err != nil {
		t.Fatalf("GetMessage for missing id failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing message, got %+v", missing)
	}
}

func TestApplyTransitionIdempotencyGuard(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertMessage(ctx, testMessage("m1")); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	if err := s.ApplyTransition(ctx, Transition{MessageID: "m1"}); err != nil {
		t.Fatalf("first transition failed: %v", err)
	}

	err := s.ApplyTransition(ctx, Transition{MessageID: "m1"})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}

	got, err := s.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if !got.Processed {
		t.Error("message should be processed")
	}
}

func TestApplyTransitionCreateAndVersionConflict(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertMessage(ctx, testMessage("m1")); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	p := testProcess("p1")
	if err := s.ApplyTransition(ctx, Transition{MessageID: "m1", Create: p}); err != nil {
		t.Fatalf("create transition failed: %v", err)
	}

	got, err := s.GetActiveProcess(ctx, "sess-1", "user-1")
	if err != nil {
		t.Fatalf("GetActiveProcess failed: %v", err)
	}
	if got == nil || got.ID != "p1" || got.Version != 1 {
		t.Fatalf("unexpected active process: %+v", got)
	}

	// Conditional update with the right version increments it.
	upd := got.Clone()
	upd.Steps[0].Status = domain.StepDone
	upd.CurrentStepIndex = 1
	upd.UpdatedAt = time.Now()
	if err := s.ApplyTransition(ctx, Transition{Update: upd, ExpectedVersion: 1}); err != nil {
		t.Fatalf("update transition failed: %v", err)
	}

	// Re-using the stale version must conflict.
	err = s.ApplyTransition(ctx, Transition{Update: upd, ExpectedVersion: 1})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, err = s.GetProcess(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProcess failed: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2 after one update, got %d", got.Version)
	}
	if got.CurrentStepIndex != 1 || got.Steps[0].Status != domain.StepDone {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestApplyTransitionRejectsSecondActiveProcess(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		if err := s.InsertMessage(ctx, testMessage(id)); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}

	if err := s.ApplyTransition(ctx, Transition{MessageID: "m1", Create: testProcess("p1")}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	err := s.ApplyTransition(ctx, Transition{MessageID: "m2", Create: testProcess("p2")})
	if !errors.Is(err, ErrActiveProcessExists) {
		t.Fatalf("expected ErrActiveProcessExists, got %v", err)
	}

	// The rejected transition must leave its message unprocessed: both
	// writes roll back together.
	msg, err := s.GetMessage(ctx, "m2")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg.Processed {
		t.Error("rejected transition must not mark the message processed")
	}
}

func TestApplyTransitionRollsBackMessageOnVersionConflict(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertMessage(ctx, testMessage("m1")); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	if err := s.ApplyTransition(ctx, Transition{Create: testProcess("p1")}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	upd := testProcess("p1")
	err := s.ApplyTransition(ctx, Transition{MessageID: "m1", Update: upd, ExpectedVersion: 99})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	msg, err := s.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg.Processed {
		t.Error("message flag must roll back with the failed process write")
	}
}

func TestCompletedProcessFreesActiveSlot(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.ApplyTransition(ctx, Transition{Create: testProcess("p1")}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	upd := testProcess("p1")
	upd.Status = domain.StatusCancelled
	if err := s.ApplyTransition(ctx, Transition{Update: upd, ExpectedVersion: 1}); err != nil {
		t.Fatalf("cancel update failed: %v", err)
	}

	active, err := s.GetActiveProcess(ctx, "sess-1", "user-1")
	if err != nil {
		t.Fatalf("GetActiveProcess failed: %v", err)
	}
	if active != nil {
		t.Errorf("cancelled process still occupies active slot: %+v", active)
	}

	// A new process may now be created for the same session.
	if err := s.ApplyTransition(ctx, Transition{Create: testProcess("p2")}); err != nil {
		t.Fatalf("create after cancel failed: %v", err)
	}
}

func TestListUnprocessedMessages(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := testMessage("m-old")
	old.Timestamp = time.Now().Add(-10 * time.Minute)
	fresh := testMessage("m-fresh")
	agent := testMessage("m-agent")
	agent.Role = domain.RoleAgent
	agent.Timestamp = old.Timestamp

	for _, msg := range []*domain.ChatMessage{old, fresh, agent} {
		if err := s.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}

	got, err := s.ListUnprocessedMessages(ctx, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("ListUnprocessedMessages failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m-old" {
		t.Errorf("expected only m-old, got %+v", got)
	}
}

func TestActivityLogsOrdered(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	entries := []*domain.ActivityLog{
		{ID: "l2", ProcessID: "p1", Type: domain.LogSuccess, Message: "done", Timestamp: base.Add(time.Second)},
		{ID: "l1", ProcessID: "p1", Type: domain.LogInfo, Message: "started", Timestamp: base},
		{ID: "l3", ProcessID: "p2", Type: domain.LogError, Message: "other", Timestamp: base},
	}
	for _, e := range entries {
		if err := s.AppendActivityLog(ctx, e); err != nil {
			t.Fatalf("AppendActivityLog failed: %v", err)
		}
	}

	logs, err := s.ListActivityLogs(ctx, "p1")
	if err != nil {
		t.Fatalf("ListActivityLogs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if logs[0].ID != "l1" || logs[1].ID != "l2" {
		t.Errorf("logs not ordered by timestamp: %v, %v", logs[0].ID, logs[1].ID)
	}
}

func TestIsBusyClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", errors.New("driver: SQLITE_BUSY (5)"), true},
		{"locked", errors.New("database is locked"), true},
		{"wrapped busy", errors.New("commit transition: SQLITE_BUSY"), true},
		{"unrelated", errors.New("UNIQUE constraint failed"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBusy(tt.err); got != tt.want {
				t.Errorf("IsBusy(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithBusyRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("recovers from contention", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := withBusyRetry(ctx, func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked")
			}
			return nil
		})
		if err != nil {
			t.Errorf("expected recovery, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 attempts, got %d", calls)
		}
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		t.Parallel()
		calls := 0
		sentinel := ErrVersionConflict
		err := withBusyRetry(ctx, func() error {
			calls++
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Errorf("expected sentinel passthrough, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected a single attempt, got %d", calls)
		}
	})

	t.Run("persistent contention surfaces the error", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := withBusyRetry(ctx, func() error {
			calls++
			return errors.New("SQLITE_BUSY")
		})
		if !IsBusy(err) {
			t.Errorf("expected busy error after budget, got %v", err)
		}
		if calls != busyRetries {
			t.Errorf("expected %d attempts, got %d", busyRetries, calls)
		}
	})
}

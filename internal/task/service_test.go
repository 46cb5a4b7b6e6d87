package task

import (
	"context"
	"testing"
	"time"

	xerrors "PCGS-CoinDB/internal/errors"
	"PCGS-CoinDB/internal/events"
)

func TestServiceEnqueueValidatesAndTrims(t *testing.T) {
	pub := events.NewMemoryPublisher()
	svc := NewService(NewMemoryStore(), pub)
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, "   "); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	id, err := svc.Enqueue(ctx, "  12345678 ")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CertNumber != "12345678" || got.Status != StatusPending {
		t.Fatalf("unexpected task: %+v", got)
	}
	if types := pub.Types(); len(types) != 1 || types[0] != events.TaskEnqueued {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestServiceEnqueueBatchSkipsBlanks(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	if _, err := svc.EnqueueBatch(ctx, []string{" ", ""}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	ids, err := svc.EnqueueBatch(ctx, []string{" a ", "", "b"})
	if err != nil {
		t.Fatalf("enqueue batch: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}
	first, _ := svc.Get(ctx, ids[0])
	second, _ := svc.Get(ctx, ids[1])
	if first.CertNumber != "a" || second.CertNumber != "b" {
		t.Fatalf("unexpected order: %s %s", first.CertNumber, second.CertNumber)
	}
}

func TestServiceLifecycleEvents(t *testing.T) {
	pub := events.NewMemoryPublisher()
	svc := NewService(NewMemoryStore(), pub)
	ctx := context.Background()

	okID, _ := svc.Enqueue(ctx, "ok")
	_, _ = svc.Enqueue(ctx, "bad")

	claimed, err := svc.ClaimNext(ctx)
	if err != nil || claimed.ID != okID {
		t.Fatalf("claim: %+v %v", claimed, err)
	}
	if err := svc.Complete(ctx, claimed, true, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	claimed, _ = svc.ClaimNext(ctx)
	if err := svc.Complete(ctx, claimed, false, "timeout"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if n, err := svc.ClearTerminal(ctx); err != nil || n != 2 {
		t.Fatalf("clear: %d %v", n, err)
	}

	want := []events.Type{
		events.TaskEnqueued, events.TaskEnqueued,
		events.TaskStarted, events.TaskCompleted,
		events.TaskStarted, events.TaskFailed,
		events.TasksCleared,
	}
	got := pub.Types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if msg := pub.Events()[5].Message; msg != "timeout" {
		t.Fatalf("failed event should carry the error, got %q", msg)
	}
}

func TestServiceRecoverOrphaned(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	_, _ = svc.Enqueue(ctx, "left-running")
	_, _ = svc.Enqueue(ctx, "still-pending")
	if _, err := svc.ClaimNext(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := svc.RecoverOrphaned(ctx, time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("a freshly claimed task must not be recovered: %d %v", n, err)
	}

	time.Sleep(5 * time.Millisecond)
	n, err = svc.RecoverOrphaned(ctx, time.Millisecond)
	if err != nil || n != 1 {
		t.Fatalf("recover: %d %v", n, err)
	}
	stats, _ := svc.Stats(ctx)
	if stats.Failed != 1 || stats.Pending != 1 || stats.Running != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestServiceDeleteMissing(t *testing.T) {
	pub := events.NewMemoryPublisher()
	svc := NewService(NewMemoryStore(), pub)
	ok, err := svc.Delete(context.Background(), 42)
	if err != nil || ok {
		t.Fatalf("delete missing: %v %v", ok, err)
	}
	if len(pub.Events()) != 0 {
		t.Fatal("no event expected for a missing task")
	}
}

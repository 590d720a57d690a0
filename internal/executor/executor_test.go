package executor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"bidline/internal/domain"
	"bidline/internal/executor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForRun(t *testing.T, p *executor.Pool, id string) executor.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, ok := p.Run(id)
		if !ok {
			t.Fatalf("run %s vanished", id)
		}
		if r.Status == executor.RunDone || r.Status == executor.RunFailed {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never finished", id)
	return executor.Run{}
}

func TestEnqueueRunsAdvanceToCompletion(t *testing.T) {
	advance := func(ctx context.Context, caseID, actorID, sessionID string) (domain.Snapshot, error) {
		return domain.Snapshot{CaseID: caseID, Stage: "gap_analysis", Status: domain.StatusAwaitingReview, Version: 4}, nil
	}
	p := executor.NewPool(2, advance, quietLogger())
	defer p.Shutdown()

	run := p.Enqueue("case-1", "alice", "sess-a")
	if run.CaseID != "case-1" || run.ID == "" {
		t.Fatalf("bad handle: %+v", run)
	}
	done := waitForRun(t, p, run.ID)
	if done.Status != executor.RunDone {
		t.Fatalf("status = %s, error = %s", done.Status, done.Error)
	}
	if done.Snapshot == nil || done.Snapshot.Stage != "gap_analysis" {
		t.Fatalf("snapshot not recorded: %+v", done.Snapshot)
	}
	if done.FinishedAt.IsZero() {
		t.Fatal("finished time not set")
	}
}

func TestEnqueueFailureRecordsError(t *testing.T) {
	advance := func(ctx context.Context, caseID, actorID, sessionID string) (domain.Snapshot, error) {
		return domain.Snapshot{}, errors.New("stage executor exploded")
	}
	p := executor.NewPool(1, advance, quietLogger())
	defer p.Shutdown()

	run := p.Enqueue("case-1", "alice", "sess-a")
	done := waitForRun(t, p, run.ID)
	if done.Status != executor.RunFailed {
		t.Fatalf("status = %s", done.Status)
	}
	if done.Error != "stage executor exploded" {
		t.Fatalf("error = %q", done.Error)
	}
	if done.Snapshot != nil {
		t.Fatalf("failed run carries a snapshot: %+v", done.Snapshot)
	}
}

func TestEnqueueDeduplicatesPerCase(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	advance := func(ctx context.Context, caseID, actorID, sessionID string) (domain.Snapshot, error) {
		once.Do(func() { close(started) })
		<-release
		return domain.Snapshot{CaseID: caseID, Status: domain.StatusCompleted}, nil
	}
	p := executor.NewPool(4, advance, quietLogger())
	defer p.Shutdown()

	first := p.Enqueue("case-1", "alice", "sess-a")
	<-started
	second := p.Enqueue("case-1", "bob", "sess-b")
	if second.ID != first.ID {
		t.Fatalf("duplicate enqueue scheduled a second run: %s vs %s", first.ID, second.ID)
	}
	// A different case is not held back by case-1's in-flight run.
	other := p.Enqueue("case-2", "alice", "sess-a")
	if other.ID == first.ID {
		t.Fatal("distinct cases shared a run handle")
	}
	close(release)
	waitForRun(t, p, first.ID)
	waitForRun(t, p, other.ID)

	// Once the first run finished, the case can be enqueued again.
	again := p.Enqueue("case-1", "alice", "sess-a")
	if again.ID == first.ID {
		t.Fatal("finished run still holds the in-flight slot")
	}
	waitForRun(t, p, again.ID)
}

func TestRunLookupUnknownID(t *testing.T) {
	p := executor.NewPool(1, func(ctx context.Context, caseID, actorID, sessionID string) (domain.Snapshot, error) {
		return domain.Snapshot{}, nil
	}, quietLogger())
	defer p.Shutdown()
	if _, ok := p.Run("no-such-run"); ok {
		t.Fatal("lookup of unknown run succeeded")
	}
}

func TestShutdownWaitsForInflight(t *testing.T) {
	finished := make(chan struct{})
	advance := func(ctx context.Context, caseID, actorID, sessionID string) (domain.Snapshot, error) {
		time.Sleep(20 * time.Millisecond)
		close(finished)
		return domain.Snapshot{CaseID: caseID}, nil
	}
	p := executor.NewPool(1, advance, quietLogger())
	p.Enqueue("case-1", "alice", "sess-a")
	time.Sleep(5 * time.Millisecond)
	p.Shutdown()
	select {
	case <-finished:
	default:
		t.Fatal("shutdown returned before the in-flight advance finished")
	}
}

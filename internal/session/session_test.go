package session_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"bidline/internal/db"
	"bidline/internal/domain"
	"bidline/internal/migrate"
	"bidline/internal/repo"
	"bidline/internal/session"
)

func newController(t *testing.T) (session.Controller, context.Context) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := repo.Repo{DB: conn, Now: func() time.Time { return now }}
	ctrl := session.Controller{Repo: r, Now: func() time.Time { return now }}
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := domain.Case{
		ID:        "case-1",
		Title:     "t",
		Stage:     "intake_analysis",
		Status:    domain.StatusNotStarted,
		Version:   1,
		CreatedAt: now.Format(time.RFC3339),
		UpdatedAt: now.Format(time.RFC3339),
	}
	if err := r.InsertCase(ctx, tx, c); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return ctrl, ctx
}

func TestGuardedUpdateStampsEditor(t *testing.T) {
	ctrl, ctx := newController(t)
	updated, err := ctrl.GuardedUpdate(ctx, "case-1", 1, "sess-a", "alice", func(tx *sql.Tx, rec *domain.Case) error {
		rec.Status = domain.StatusRunning
		return nil
	})
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if updated.LastEditorID != "alice" || updated.LastSessionID != "sess-a" {
		t.Fatalf("audit fields not stamped: %+v", updated)
	}
	if updated.Version != 2 {
		t.Fatalf("version = %d, want 2", updated.Version)
	}
}

func TestGuardedUpdateStaleVersionConflicts(t *testing.T) {
	ctrl, ctx := newController(t)
	if _, err := ctrl.GuardedUpdate(ctx, "case-1", 1, "sess-a", "alice", func(tx *sql.Tx, rec *domain.Case) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	_, err := ctrl.GuardedUpdate(ctx, "case-1", 1, "sess-b", "bob", func(tx *sql.Tx, rec *domain.Case) error {
		return nil
	})
	var vc repo.VersionConflictError
	if !errors.As(err, &vc) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if vc.CurrentEditor != "alice" {
		t.Fatalf("conflict editor = %q", vc.CurrentEditor)
	}
}

func TestCheckReportsActiveOtherSession(t *testing.T) {
	ctrl, ctx := newController(t)
	if _, err := ctrl.GuardedUpdate(ctx, "case-1", 1, "sess-a", "alice", func(tx *sql.Tx, rec *domain.Case) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	res, err := ctrl.Check(ctx, "case-1", "sess-b")
	if err != nil {
		t.Fatal(err)
	}
	if !res.InConflict || res.OtherEditor != "alice" {
		t.Fatalf("expected conflict with alice: %+v", res)
	}
	// Same session sees no conflict.
	res, err = ctrl.Check(ctx, "case-1", "sess-a")
	if err != nil {
		t.Fatal(err)
	}
	if res.InConflict {
		t.Fatalf("own session flagged: %+v", res)
	}
}

func TestCheckIgnoresStaleSession(t *testing.T) {
	ctrl, ctx := newController(t)
	if _, err := ctrl.GuardedUpdate(ctx, "case-1", 1, "sess-a", "alice", func(tx *sql.Tx, rec *domain.Case) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	ctrl.Now = func() time.Time { return time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC) }
	res, err := ctrl.Check(ctx, "case-1", "sess-b")
	if err != nil {
		t.Fatal(err)
	}
	if res.InConflict {
		t.Fatalf("hour-old session still flagged: %+v", res)
	}
}

package session

import (
	"context"
	"database/sql"
	"time"

	"bidline/internal/domain"
	"bidline/internal/repo"
)

const defaultStaleAfter = 30 * time.Minute

// Controller guards case writes. Every mutation funnels through
// GuardedUpdate so the CAS contract and editor audit fields are enforced in
// one place. Concurrent edits are never merged; the losing writer gets a
// VersionConflictError and decides what to do.
type Controller struct {
	Repo       repo.Repo
	Now        func() time.Time
	StaleAfter time.Duration
}

// CheckResult is the advisory answer to "is someone else editing this?".
type CheckResult struct {
	InConflict      bool   `json:"in_conflict"`
	OtherEditor     string `json:"other_editor,omitempty"`
	OtherSessionAge int64  `json:"other_session_age_seconds,omitempty"`
}

func (c Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Controller) staleAfter() time.Duration {
	if c.StaleAfter > 0 {
		return c.StaleAfter
	}
	return defaultStaleAfter
}

// Check is a non-blocking advisory test performed before a human starts
// editing. It never prevents a write; GuardedUpdate does that.
func (c Controller) Check(ctx context.Context, caseID, sessionID string) (CheckResult, error) {
	rec, err := c.Repo.GetCase(ctx, caseID)
	if err != nil {
		return CheckResult{}, err
	}
	if rec.LastSessionID == "" || rec.LastSessionID == sessionID {
		return CheckResult{}, nil
	}
	updated, err := time.Parse(time.RFC3339, rec.UpdatedAt)
	if err != nil {
		return CheckResult{}, err
	}
	age := c.now().UTC().Sub(updated)
	if age > c.staleAfter() {
		return CheckResult{}, nil
	}
	return CheckResult{
		InConflict:      true,
		OtherEditor:     rec.LastEditorID,
		OtherSessionAge: int64(age.Seconds()),
	}, nil
}

// GuardedUpdate wraps the record store's compare-and-swap write, stamping
// the editor and session that performed the mutation. On a stale expected
// version the repo returns a structured VersionConflictError with the
// current version and editor.
func (c Controller) GuardedUpdate(ctx context.Context, caseID string, expected int64, sessionID, editorID string, mutate func(tx *sql.Tx, rec *domain.Case) error) (domain.Case, error) {
	return c.Repo.PutIfVersion(ctx, caseID, expected, func(tx *sql.Tx, rec *domain.Case) error {
		if err := mutate(tx, rec); err != nil {
			return err
		}
		rec.LastEditorID = editorID
		rec.LastSessionID = sessionID
		return nil
	})
}

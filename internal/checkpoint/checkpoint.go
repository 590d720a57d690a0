package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	"bidline/internal/domain"
	"bidline/internal/repo"
)

// InvalidOutputError rejects a stage result that violates the citation/gap
// invariant. The orchestrator treats it as a retryable stage failure.
type InvalidOutputError struct {
	Stage  string
	Reason string
}

func (e InvalidOutputError) Error() string {
	return fmt.Sprintf("invalid output for stage %s: %s", e.Stage, e.Reason)
}

// Validate enforces the structural no-hallucination invariant: every content
// unit carries at least one citation or is explicitly marked as a gap with a
// human-readable explanation.
func Validate(res domain.StageResult) error {
	if len(res.Units) == 0 {
		return InvalidOutputError{Stage: res.Stage, Reason: "no content units"}
	}
	for i, u := range res.Units {
		if u.Gap {
			if u.GapReason == "" {
				return InvalidOutputError{Stage: res.Stage, Reason: fmt.Sprintf("unit %d marked gap without explanation", i)}
			}
			continue
		}
		if len(u.Citations) == 0 {
			return InvalidOutputError{Stage: res.Stage, Reason: fmt.Sprintf("unit %d has no citation and no gap marker", i)}
		}
		for j, c := range u.Citations {
			if c.SourceID == "" {
				return InvalidOutputError{Stage: res.Stage, Reason: fmt.Sprintf("unit %d citation %d missing source", i, j)}
			}
		}
	}
	return nil
}

// Manager reads and writes per-stage outputs for a case. Checkpoints are
// append-only; a write happens only after validation passes, inside the
// caller's guarded-update transaction.
type Manager struct {
	Repo repo.Repo
}

// Write validates the result and appends a checkpoint. Edits during review
// become a new revision for the same stage; older revisions stay in history.
func (m Manager) Write(ctx context.Context, tx *sql.Tx, caseID, stage string, stageSeq int, result domain.StageResult) (domain.Checkpoint, error) {
	if err := Validate(result); err != nil {
		return domain.Checkpoint{}, err
	}
	return m.Repo.AppendCheckpoint(ctx, tx, caseID, stage, stageSeq, result)
}

// Latest returns the most recent checkpoint for a case. On resume every
// stage up to and including it is treated as already completed.
func (m Manager) Latest(ctx context.Context, caseID string) (domain.Checkpoint, bool, error) {
	cp, err := m.Repo.LatestCheckpoint(ctx, caseID)
	if err == repo.ErrNotFound {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	return cp, true, nil
}

// LatestForStage returns the newest revision written for one stage.
func (m Manager) LatestForStage(ctx context.Context, caseID, stage string) (domain.Checkpoint, bool, error) {
	cp, err := m.Repo.LatestCheckpointForStage(ctx, caseID, stage)
	if err == repo.ErrNotFound {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	return cp, true, nil
}

// History returns the immutable audit trail in write order.
func (m Manager) History(ctx context.Context, caseID string) ([]domain.Checkpoint, error) {
	return m.Repo.ListCheckpoints(ctx, caseID)
}

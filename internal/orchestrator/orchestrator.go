// Package orchestrator drives a case through the staged pipeline: execute,
// validate, checkpoint, halt at review gates, resume after interruption.
// An Orchestrator holds no per-case state; every mutation is a guarded CAS
// write, so multiple workers can run one safely.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bidline/internal/checkpoint"
	"bidline/internal/config"
	"bidline/internal/domain"
	"bidline/internal/events"
	"bidline/internal/generate"
	"bidline/internal/pipeline"
	"bidline/internal/repo"
	"bidline/internal/session"
)

// Failure kinds recorded on a blocked case.
const (
	failTransientExhausted = "transient_exhausted"
	failPermanent          = "permanent"
	failInvalidOutput      = "invalid_output"
)

var (
	ErrNotAwaitingReview = errors.New("case is not awaiting review")
	ErrTerminal          = errors.New("case is in a terminal state")
	ErrNotBlocked        = errors.New("case is not blocked on an error")
)

type Orchestrator struct {
	Repo        repo.Repo
	Sessions    session.Controller
	Checkpoints checkpoint.Manager
	Pipeline    *pipeline.Pipeline
	Registry    *pipeline.Registry
	Events      events.Writer
	Config      *config.Config
	Renderer    generate.DocumentRenderer
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
}

// New wires an orchestrator over an open database.
func New(db *sql.DB, cfg *config.Config, p *pipeline.Pipeline, reg *pipeline.Registry) *Orchestrator {
	r := repo.Repo{DB: db}
	return &Orchestrator{
		Repo:        r,
		Sessions:    session.Controller{Repo: r},
		Checkpoints: checkpoint.Manager{Repo: r},
		Pipeline:    p,
		Registry:    reg,
		Events:      events.Writer{DB: db},
		Config:      cfg,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CreateOptions are intake parameters for a new case.
type CreateOptions struct {
	ID           string
	Title        string
	ClientName   string
	Industry     string
	ServiceTypes []string
	Technologies []string
	IntakeJSON   string
	ActorID      string
	SessionID    string
}

// CreateCase registers a case at the first pipeline stage.
func (o *Orchestrator) CreateCase(ctx context.Context, opts CreateOptions) (domain.Case, error) {
	if opts.Title == "" {
		return domain.Case{}, errors.New("title is required")
	}
	if opts.IntakeJSON != "" {
		var tmp any
		if err := json.Unmarshal([]byte(opts.IntakeJSON), &tmp); err != nil {
			return domain.Case{}, fmt.Errorf("intake json: %w", err)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := o.now().UTC().Format(time.RFC3339)
	c := domain.Case{
		ID:            id,
		Title:         opts.Title,
		ClientName:    opts.ClientName,
		Industry:      opts.Industry,
		ServiceTypes:  opts.ServiceTypes,
		Technologies:  opts.Technologies,
		IntakeJSON:    opts.IntakeJSON,
		Stage:         o.Pipeline.First().Name,
		Status:        domain.StatusNotStarted,
		Version:       1,
		LastEditorID:  opts.ActorID,
		LastSessionID: opts.SessionID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()
	if err := o.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.Case{}, err
	}
	if err := o.Events.Append(ctx, tx, "case.created", c.ID, "case", c.ID, opts.ActorID, events.EventPayload{"title": c.Title, "stage": c.Stage}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

// Status returns the caller-facing snapshot.
func (o *Orchestrator) Status(ctx context.Context, caseID string) (domain.Snapshot, error) {
	c, err := o.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.SnapshotOf(c), nil
}

// Advance is the single pipeline entry point. It executes stages from the
// case's current position until a review gate, a terminal state, or an
// error halts it. Calling it on a case already past the current stage is
// idempotent. A losing concurrent advance aborts with VersionConflictError
// instead of corrupting state.
func (o *Orchestrator) Advance(ctx context.Context, caseID, actorID, sessionID string) (domain.Snapshot, error) {
	for {
		c, err := o.Repo.GetCase(ctx, caseID)
		if err != nil {
			return domain.Snapshot{}, err
		}
		switch c.Status {
		case domain.StatusCompleted, domain.StatusCancelled,
			domain.StatusAwaitingReview, domain.StatusBlockedOnError:
			return domain.SnapshotOf(c), nil
		}
		idx, ok := o.Pipeline.IndexOf(c.Stage)
		if !ok {
			return domain.Snapshot{}, fmt.Errorf("case %s references unknown stage %s", c.ID, c.Stage)
		}
		st := o.Pipeline.StageAt(idx)

		// Resume safety: a checkpoint already written for the current
		// stage means the work is done, so apply the gate policy
		// instead of re-running the executor.
		if !c.PendingRerun {
			if _, exists, err := o.Checkpoints.LatestForStage(ctx, caseID, st.Name); err != nil {
				return domain.Snapshot{}, err
			} else if exists {
				c, err = o.settleStage(ctx, c, idx, nil, actorID, sessionID)
				if err != nil {
					return domain.Snapshot{}, err
				}
				if c.Status != domain.StatusRunning {
					return o.finish(ctx, c, actorID)
				}
				continue
			}
		}

		if c.Status != domain.StatusRunning {
			c, err = o.Sessions.GuardedUpdate(ctx, c.ID, c.Version, sessionID, actorID, func(tx *sql.Tx, rec *domain.Case) error {
				rec.Status = domain.StatusRunning
				return o.Events.Append(ctx, tx, "case.stage.started", rec.ID, "stage", st.Name, actorID, events.EventPayload{"stage": st.Name})
			})
			if err != nil {
				return domain.Snapshot{}, err
			}
		}

		in, err := o.stageInputs(ctx, c, st)
		if err != nil {
			return o.block(ctx, c, st.Name, failPermanent, err.Error(), false, actorID, sessionID)
		}
		res, execErr := o.executeWithRetry(ctx, st, in)
		if execErr != nil {
			kind, canRetry := classifyFailure(execErr)
			return o.block(ctx, c, st.Name, kind, execErr.Error(), canRetry, actorID, sessionID)
		}

		c, err = o.settleStage(ctx, c, idx, &res, actorID, sessionID)
		if err != nil {
			return domain.Snapshot{}, err
		}
		if c.Status != domain.StatusRunning {
			return o.finish(ctx, c, actorID)
		}
	}
}

// settleStage records a validated stage output (when res is non-nil) and
// applies the gate policy in a single guarded write: halt for approval,
// complete the case, or move to the next stage.
func (o *Orchestrator) settleStage(ctx context.Context, c domain.Case, idx int, res *domain.StageResult, actorID, sessionID string) (domain.Case, error) {
	st := o.Pipeline.StageAt(idx)
	return o.Sessions.GuardedUpdate(ctx, c.ID, c.Version, sessionID, actorID, func(tx *sql.Tx, rec *domain.Case) error {
		if res != nil {
			if _, err := o.Checkpoints.Write(ctx, tx, rec.ID, st.Name, idx, *res); err != nil {
				return err
			}
			if err := o.Events.Append(ctx, tx, "case.stage.completed", rec.ID, "stage", st.Name, actorID, events.EventPayload{"stage": st.Name, "units": len(res.Units)}); err != nil {
				return err
			}
		}
		rec.PendingRerun = false
		rec.LastError = nil
		rec.ProgressPercent = o.Pipeline.Progress(idx + 1)
		switch {
		case st.RequiresApproval():
			rec.Status = domain.StatusAwaitingReview
			return o.Events.Append(ctx, tx, "case.awaiting_review", rec.ID, "stage", st.Name, actorID, nil)
		case o.Pipeline.IsLast(idx):
			rec.Status = domain.StatusCompleted
			rec.ProgressPercent = 100
			return o.Events.Append(ctx, tx, "case.completed", rec.ID, "case", rec.ID, actorID, nil)
		default:
			rec.Stage = o.Pipeline.StageAt(idx + 1).Name
			rec.Status = domain.StatusRunning
			return nil
		}
	})
}

// finish runs post-terminal work (document rendering) and returns the
// snapshot.
func (o *Orchestrator) finish(ctx context.Context, c domain.Case, actorID string) (domain.Snapshot, error) {
	if c.Status == domain.StatusCompleted && o.Renderer != nil {
		final, exists, err := o.Checkpoints.LatestForStage(ctx, c.ID, o.Pipeline.StageAt(o.Pipeline.Len()-1).Name)
		if err == nil && exists {
			ref, rerr := o.Renderer.Render(ctx, c.ID, final.Result)
			payload := events.EventPayload{}
			evt := "case.rendered"
			if rerr != nil {
				evt = "case.render_failed"
				payload["error"] = rerr.Error()
			} else {
				payload["artifact"] = ref
			}
			if tx, terr := o.Repo.DB.BeginTx(ctx, nil); terr == nil {
				if aerr := o.Events.Append(ctx, tx, evt, c.ID, "case", c.ID, actorID, payload); aerr == nil {
					_ = tx.Commit()
				} else {
					_ = tx.Rollback()
				}
			}
		}
	}
	return domain.SnapshotOf(c), nil
}

func (o *Orchestrator) block(ctx context.Context, c domain.Case, stage, kind, reason string, canRetry bool, actorID, sessionID string) (domain.Snapshot, error) {
	updated, err := o.Sessions.GuardedUpdate(ctx, c.ID, c.Version, sessionID, actorID, func(tx *sql.Tx, rec *domain.Case) error {
		rec.Status = domain.StatusBlockedOnError
		rec.LastError = &domain.Failure{Stage: stage, Kind: kind, Reason: reason, CanRetry: canRetry}
		return o.Events.Append(ctx, tx, "case.blocked", rec.ID, "stage", stage, actorID, events.EventPayload{"kind": kind, "reason": reason})
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.SnapshotOf(updated), nil
}

// stageInputs loads prior outputs the stage declared as required.
func (o *Orchestrator) stageInputs(ctx context.Context, c domain.Case, st pipeline.Stage) (generate.Input, error) {
	in := generate.Input{Case: c, PriorOutputs: map[string]domain.StageResult{}}
	for _, name := range st.Inputs {
		if name == "intake" {
			continue
		}
		cp, exists, err := o.Checkpoints.LatestForStage(ctx, c.ID, name)
		if err != nil {
			return in, err
		}
		if !exists {
			return in, fmt.Errorf("stage %s requires output of %s which has no checkpoint", st.Name, name)
		}
		in.PriorOutputs[name] = cp.Result
	}
	return in, nil
}

// executeWithRetry runs the stage executor under the per-stage timeout,
// retrying transient and rate-limited failures with exponential backoff.
// Validator rejections consume attempts the same way.
func (o *Orchestrator) executeWithRetry(ctx context.Context, st pipeline.Stage, in generate.Input) (domain.StageResult, error) {
	maxAttempts := o.Config.Retry.MaxAttempts
	delay := o.Config.BaseDelay()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, o.Config.StageTimeout())
		res, err := st.Execute(cctx, in)
		cancel()
		if err == nil {
			if st.Validate != nil {
				err = st.Validate(res)
			}
			if err == nil {
				return res, nil
			}
		}
		lastErr = err
		retry, hint := retryable(err)
		if !retry || attempt == maxAttempts {
			break
		}
		wait := delay
		if hint > wait {
			wait = hint
		}
		if wait > o.Config.MaxDelay() {
			wait = o.Config.MaxDelay()
		}
		if serr := o.sleep(ctx, wait); serr != nil {
			return domain.StageResult{}, serr
		}
		delay *= 2
	}
	return domain.StageResult{}, lastErr
}

func retryable(err error) (bool, time.Duration) {
	var ioe checkpoint.InvalidOutputError
	if errors.As(err, &ioe) {
		return true, 0
	}
	return generate.Classify(err)
}

func classifyFailure(err error) (kind string, canRetry bool) {
	var ioe checkpoint.InvalidOutputError
	if errors.As(err, &ioe) {
		return failInvalidOutput, false
	}
	var ge *generate.Error
	if errors.As(err, &ge) && ge.Kind == generate.KindPermanent {
		return failPermanent, false
	}
	return failTransientExhausted, true
}

// Approve releases a review gate: the current stage's output is accepted
// and the case moves to the next stage (or completes).
func (o *Orchestrator) Approve(ctx context.Context, caseID string, expectedVersion int64, actorID, sessionID string) (domain.Snapshot, error) {
	c, err := o.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if c.Status != domain.StatusAwaitingReview {
		return domain.Snapshot{}, ErrNotAwaitingReview
	}
	idx, ok := o.Pipeline.IndexOf(c.Stage)
	if !ok {
		return domain.Snapshot{}, fmt.Errorf("unknown stage %s", c.Stage)
	}
	updated, err := o.Sessions.GuardedUpdate(ctx, caseID, expectedVersion, sessionID, actorID, func(tx *sql.Tx, rec *domain.Case) error {
		if err := o.Events.Append(ctx, tx, "case.approved", rec.ID, "stage", rec.Stage, actorID, nil); err != nil {
			return err
		}
		if o.Pipeline.IsLast(idx) {
			rec.Status = domain.StatusCompleted
			rec.ProgressPercent = 100
			return o.Events.Append(ctx, tx, "case.completed", rec.ID, "case", rec.ID, actorID, nil)
		}
		rec.Stage = o.Pipeline.StageAt(idx + 1).Name
		rec.Status = domain.StatusRunning
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return o.finish(ctx, updated, actorID)
}

// RejectWithEdits replaces the reviewed stage's output with the reviewer's
// revision and advances past the gate. The edits are appended as a new
// checkpoint revision; the prior one stays in history.
func (o *Orchestrator) RejectWithEdits(ctx context.Context, caseID string, expectedVersion int64, edits domain.StageResult, actorID, sessionID string) (domain.Snapshot, error) {
	c, err := o.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if c.Status != domain.StatusAwaitingReview {
		return domain.Snapshot{}, ErrNotAwaitingReview
	}
	idx, ok := o.Pipeline.IndexOf(c.Stage)
	if !ok {
		return domain.Snapshot{}, fmt.Errorf("unknown stage %s", c.Stage)
	}
	edits.Stage = c.Stage
	if edits.GeneratedAt == "" {
		edits.GeneratedAt = o.now().UTC().Format(time.RFC3339)
	}
	updated, err := o.Sessions.GuardedUpdate(ctx, caseID, expectedVersion, sessionID, actorID, func(tx *sql.Tx, rec *domain.Case) error {
		if _, err := o.Checkpoints.Write(ctx, tx, rec.ID, rec.Stage, idx, edits); err != nil {
			return err
		}
		if err := o.Events.Append(ctx, tx, "case.rejected.edits", rec.ID, "stage", rec.Stage, actorID, events.EventPayload{"units": len(edits.Units)}); err != nil {
			return err
		}
		if o.Pipeline.IsLast(idx) {
			rec.Status = domain.StatusCompleted
			rec.ProgressPercent = 100
			return o.Events.Append(ctx, tx, "case.completed", rec.ID, "case", rec.ID, actorID, nil)
		}
		rec.Stage = o.Pipeline.StageAt(idx + 1).Name
		rec.Status = domain.StatusRunning
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return o.finish(ctx, updated, actorID)
}

// RejectAndRerun asks for the reviewed stage to be executed again. The
// rerun intent is persisted through the same CAS write, so a crash between
// reject and the next advance still reruns exactly once.
func (o *Orchestrator) RejectAndRerun(ctx context.Context, caseID string, expectedVersion int64, actorID, sessionID string) (domain.Snapshot, error) {
	c, err := o.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if c.Status != domain.StatusAwaitingReview {
		return domain.Snapshot{}, ErrNotAwaitingReview
	}
	updated, err := o.Sessions.GuardedUpdate(ctx, caseID, expectedVersion, sessionID, actorID, func(tx *sql.Tx, rec *domain.Case) error {
		rec.PendingRerun = true
		rec.Status = domain.StatusRunning
		return o.Events.Append(ctx, tx, "case.rejected.rerun", rec.ID, "stage", rec.Stage, actorID, nil)
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.SnapshotOf(updated), nil
}

// Retry clears a blocked case for another advance attempt.
func (o *Orchestrator) Retry(ctx context.Context, caseID string, expectedVersion int64, actorID, sessionID string) (domain.Snapshot, error) {
	c, err := o.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if c.Status != domain.StatusBlockedOnError {
		return domain.Snapshot{}, ErrNotBlocked
	}
	updated, err := o.Sessions.GuardedUpdate(ctx, caseID, expectedVersion, sessionID, actorID, func(tx *sql.Tx, rec *domain.Case) error {
		rec.LastError = nil
		rec.Status = domain.StatusRunning
		return o.Events.Append(ctx, tx, "case.retry", rec.ID, "case", rec.ID, actorID, nil)
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.SnapshotOf(updated), nil
}

// Cancel is valid from any non-terminal state and is linearized against
// in-flight advances by the same CAS write; a cancel that loses the race is
// retried by the caller with the fresh version.
func (o *Orchestrator) Cancel(ctx context.Context, caseID string, expectedVersion int64, actorID, sessionID string) (domain.Snapshot, error) {
	c, err := o.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if c.Terminal() {
		return domain.Snapshot{}, ErrTerminal
	}
	updated, err := o.Sessions.GuardedUpdate(ctx, caseID, expectedVersion, sessionID, actorID, func(tx *sql.Tx, rec *domain.Case) error {
		rec.Status = domain.StatusCancelled
		return o.Events.Append(ctx, tx, "case.cancelled", rec.ID, "case", rec.ID, actorID, nil)
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.SnapshotOf(updated), nil
}

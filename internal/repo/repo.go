package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bidline/internal/domain"
)

// Repo is the record store. All case mutation goes through PutIfVersion;
// nothing else writes a case row.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

// VersionConflictError reports a lost compare-and-swap. The caller re-reads
// and retries or surfaces the conflict to the operator; writes are never
// silently overwritten.
type VersionConflictError struct {
	CaseID         string
	CurrentVersion int64
	CurrentEditor  string
}

func (e VersionConflictError) Error() string {
	return fmt.Sprintf("case %s version conflict: current version %d held by %s", e.CaseID, e.CurrentVersion, e.CurrentEditor)
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

const caseColumns = `id,title,client_name,industry,service_types_json,technologies_json,intake_json,stage,status,version,progress_percent,pending_rerun,outcome,quality_markers,last_error_json,last_editor_id,last_editor_session_id,deleted,created_at,updated_at`

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	services, err := marshalStrings(c.ServiceTypes)
	if err != nil {
		return err
	}
	techs, err := marshalStrings(c.Technologies)
	if err != nil {
		return err
	}
	lastErr, err := marshalFailure(c.LastError)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Title, nullable(c.ClientName), nullable(c.Industry), services, techs, nullable(c.IntakeJSON),
		c.Stage, c.Status, c.Version, c.ProgressPercent, boolToInt(c.PendingRerun), nullable(c.Outcome), c.QualityMarkers,
		lastErr, nullable(c.LastEditorID), nullable(c.LastSessionID), boolToInt(c.Deleted), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=? AND deleted=0`, id))
}

func (r Repo) getCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	return scanCase(tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=? AND deleted=0`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (domain.Case, error) {
	var c domain.Case
	var client, industry, services, techs, intake, outcome, lastErr, editor, session sql.NullString
	var pendingRerun, deleted int
	err := row.Scan(&c.ID, &c.Title, &client, &industry, &services, &techs, &intake, &c.Stage, &c.Status,
		&c.Version, &c.ProgressPercent, &pendingRerun, &outcome, &c.QualityMarkers, &lastErr, &editor, &session,
		&deleted, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.ClientName = client.String
	c.Industry = industry.String
	c.IntakeJSON = intake.String
	c.Outcome = outcome.String
	c.LastEditorID = editor.String
	c.LastSessionID = session.String
	c.PendingRerun = pendingRerun != 0
	c.Deleted = deleted != 0
	if services.Valid && services.String != "" {
		if err := json.Unmarshal([]byte(services.String), &c.ServiceTypes); err != nil {
			return c, fmt.Errorf("case %s service types: %w", c.ID, err)
		}
	}
	if techs.Valid && techs.String != "" {
		if err := json.Unmarshal([]byte(techs.String), &c.Technologies); err != nil {
			return c, fmt.Errorf("case %s technologies: %w", c.ID, err)
		}
	}
	if lastErr.Valid && lastErr.String != "" {
		var f domain.Failure
		if err := json.Unmarshal([]byte(lastErr.String), &f); err != nil {
			return c, fmt.Errorf("case %s last error: %w", c.ID, err)
		}
		c.LastError = &f
	}
	return c, nil
}

// PutIfVersion is the sole write path for cases. It re-reads the case inside
// a transaction, rejects stale expected versions with VersionConflictError,
// applies the mutator, bumps the version and writes the row guarded by the
// expected version. The mutator receives the transaction so callers can
// append checkpoints and events atomically with the case update.
func (r Repo) PutIfVersion(ctx context.Context, id string, expected int64, mutate func(tx *sql.Tx, c *domain.Case) error) (domain.Case, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	c, err := r.getCaseTx(ctx, tx, id)
	if err != nil {
		return domain.Case{}, err
	}
	if c.Version != expected {
		return domain.Case{}, VersionConflictError{CaseID: id, CurrentVersion: c.Version, CurrentEditor: c.LastEditorID}
	}
	if err := mutate(tx, &c); err != nil {
		return domain.Case{}, err
	}
	c.Version = expected + 1
	c.UpdatedAt = r.now().UTC().Format(time.RFC3339)

	services, err := marshalStrings(c.ServiceTypes)
	if err != nil {
		return domain.Case{}, err
	}
	techs, err := marshalStrings(c.Technologies)
	if err != nil {
		return domain.Case{}, err
	}
	lastErr, err := marshalFailure(c.LastError)
	if err != nil {
		return domain.Case{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE cases SET title=?, client_name=?, industry=?, service_types_json=?, technologies_json=?, intake_json=?, stage=?, status=?, version=?, progress_percent=?, pending_rerun=?, outcome=?, quality_markers=?, last_error_json=?, last_editor_id=?, last_editor_session_id=?, deleted=?, updated_at=? WHERE id=? AND version=?`,
		c.Title, nullable(c.ClientName), nullable(c.Industry), services, techs, nullable(c.IntakeJSON),
		c.Stage, c.Status, c.Version, c.ProgressPercent, boolToInt(c.PendingRerun), nullable(c.Outcome),
		c.QualityMarkers, lastErr, nullable(c.LastEditorID), nullable(c.LastSessionID), boolToInt(c.Deleted),
		c.UpdatedAt, c.ID, expected)
	if err != nil {
		return domain.Case{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, readErr := r.getCaseTx(ctx, tx, id)
		if readErr != nil {
			return domain.Case{}, readErr
		}
		return domain.Case{}, VersionConflictError{CaseID: id, CurrentVersion: cur.Version, CurrentEditor: cur.LastEditorID}
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

type CaseFilters struct {
	Status  string
	Stage   string
	Outcome string
	Limit   int
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	clauses := []string{"deleted=0"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome=?")
		args = append(args, f.Outcome)
	}
	query := `SELECT ` + caseColumns + ` FROM cases WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SoftDeleteCase marks a case deleted for audit without removing rows.
func (r Repo) SoftDeleteCase(ctx context.Context, id string, expected int64) error {
	_, err := r.PutIfVersion(ctx, id, expected, func(tx *sql.Tx, c *domain.Case) error {
		c.Deleted = true
		return nil
	})
	return err
}

// AppendCheckpoint adds a new checkpoint row; revisions count up per stage.
// Checkpoint rows are never updated or deleted.
func (r Repo) AppendCheckpoint(ctx context.Context, tx *sql.Tx, caseID, stage string, stageSeq int, result domain.StageResult) (domain.Checkpoint, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("marshal stage result: %w", err)
	}
	var revision int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(revision),0)+1 FROM checkpoints WHERE case_id=? AND stage=?`, caseID, stage).Scan(&revision); err != nil {
		return domain.Checkpoint{}, err
	}
	createdAt := r.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `INSERT INTO checkpoints(case_id,stage,stage_seq,revision,result_json,created_at) VALUES (?,?,?,?,?,?)`,
		caseID, stage, stageSeq, revision, string(payload), createdAt)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	id, _ := res.LastInsertId()
	return domain.Checkpoint{
		ID:        id,
		CaseID:    caseID,
		Stage:     stage,
		StageSeq:  stageSeq,
		Revision:  revision,
		Result:    result,
		CreatedAt: createdAt,
	}, nil
}

// LatestCheckpoint returns the most recent checkpoint for a case, or
// ErrNotFound when none exists.
func (r Repo) LatestCheckpoint(ctx context.Context, caseID string) (domain.Checkpoint, error) {
	return scanCheckpoint(r.DB.QueryRowContext(ctx, `SELECT id,case_id,stage,stage_seq,revision,result_json,created_at FROM checkpoints WHERE case_id=? ORDER BY id DESC LIMIT 1`, caseID))
}

// LatestCheckpointForStage returns the newest revision for one stage.
func (r Repo) LatestCheckpointForStage(ctx context.Context, caseID, stage string) (domain.Checkpoint, error) {
	return scanCheckpoint(r.DB.QueryRowContext(ctx, `SELECT id,case_id,stage,stage_seq,revision,result_json,created_at FROM checkpoints WHERE case_id=? AND stage=? ORDER BY id DESC LIMIT 1`, caseID, stage))
}

// ListCheckpoints returns the full append-only history in write order.
func (r Repo) ListCheckpoints(ctx context.Context, caseID string) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,stage,stage_seq,revision,result_json,created_at FROM checkpoints WHERE case_id=? ORDER BY id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, cp)
	}
	return res, rows.Err()
}

func scanCheckpoint(row rowScanner) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var payload string
	err := row.Scan(&cp.ID, &cp.CaseID, &cp.Stage, &cp.StageSeq, &cp.Revision, &payload, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, err
	}
	if err := json.Unmarshal([]byte(payload), &cp.Result); err != nil {
		return cp, fmt.Errorf("checkpoint %d result: %w", cp.ID, err)
	}
	return cp, nil
}

// LatestEvents returns newest-first events, optionally filtered by case.
func (r Repo) LatestEvents(ctx context.Context, limit int, caseID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if caseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, caseID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := `SELECT id,ts,type,case_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order; used by the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,case_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the highest event ID, or zero when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var caseID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &caseID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.CaseID = caseID.String
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalStrings(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalFailure(f *domain.Failure) (any, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

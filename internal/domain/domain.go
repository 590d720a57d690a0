package domain

// Case statuses.
const (
	StatusNotStarted     = "not_started"
	StatusRunning        = "running"
	StatusAwaitingReview = "awaiting_review"
	StatusBlockedOnError = "blocked_on_error"
	StatusCompleted      = "completed"
	StatusCancelled      = "cancelled"
)

// Case is one proposal response moving through the pipeline.
type Case struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	ClientName      string   `json:"client_name,omitempty"`
	Industry        string   `json:"industry,omitempty"`
	ServiceTypes    []string `json:"service_types,omitempty"`
	Technologies    []string `json:"technologies,omitempty"`
	IntakeJSON      string   `json:"intake_json,omitempty"`
	Stage           string   `json:"stage"`
	Status          string   `json:"status" enum:"not_started,running,awaiting_review,blocked_on_error,completed,cancelled"`
	Version         int64    `json:"version"`
	ProgressPercent int      `json:"progress_percent"`
	PendingRerun    bool     `json:"pending_rerun,omitempty"`
	Outcome         string   `json:"outcome,omitempty"`
	QualityMarkers  int      `json:"quality_markers,omitempty"`
	LastError       *Failure `json:"last_error,omitempty"`
	LastEditorID    string   `json:"last_editor_id,omitempty"`
	LastSessionID   string   `json:"last_editor_session_id,omitempty"`
	Deleted         bool     `json:"deleted,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

// Failure is the structured last-error attached to a blocked case.
type Failure struct {
	Stage    string `json:"stage"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
	CanRetry bool   `json:"can_retry"`
}

// Citation ties a content unit back to a source document.
type Citation struct {
	SourceID string `json:"source_id"`
	Locator  string `json:"locator,omitempty"`
}

// ContentUnit is one atomic statement in a stage output. Every unit must
// either carry at least one citation or be marked as a gap with an
// explanation; outputs violating that are rejected before checkpointing.
type ContentUnit struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations,omitempty"`
	Gap       bool       `json:"gap,omitempty"`
	GapReason string     `json:"gap_reason,omitempty"`
}

// StageResult is the validated output of one stage execution.
type StageResult struct {
	Stage       string            `json:"stage"`
	Units       []ContentUnit     `json:"units"`
	Meta        map[string]string `json:"meta,omitempty"`
	GeneratedAt string            `json:"generated_at" format:"date-time" required:"false"`
	DurationMS  int64             `json:"generator_duration_ms" required:"false"`
}

// Checkpoint is an append-only record of a completed stage output.
// Revision starts at 1 and increments when a reviewer replaces the output
// with edits; older revisions stay in history.
type Checkpoint struct {
	ID        int64       `json:"id"`
	CaseID    string      `json:"case_id"`
	Stage     string      `json:"stage"`
	StageSeq  int         `json:"stage_seq"`
	Revision  int         `json:"revision"`
	Result    StageResult `json:"result"`
	CreatedAt string      `json:"created_at" format:"date-time"`
}

// RankedCandidate is one scored historical case.
type RankedCandidate struct {
	CaseID           string  `json:"candidate_case_id"`
	VectorSimilarity float64 `json:"vector_similarity"`
	MetadataScore    float64 `json:"metadata_score"`
	QualityScore     float64 `json:"quality_score"`
	OutcomeScore     float64 `json:"win_score"`
	RecencyScore     float64 `json:"recency_score"`
	FinalScore       float64 `json:"final_score"`
}

// Event is one row of the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates non-interactive callers.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Snapshot is the caller-facing view of a case.
type Snapshot struct {
	CaseID          string   `json:"case_id"`
	Stage           string   `json:"stage"`
	Status          string   `json:"status"`
	Version         int64    `json:"version"`
	ProgressPercent int      `json:"progress_percent"`
	LastError       *Failure `json:"last_error,omitempty"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

// SnapshotOf derives the caller view from a case record.
func SnapshotOf(c Case) Snapshot {
	return Snapshot{
		CaseID:          c.ID,
		Stage:           c.Stage,
		Status:          c.Status,
		Version:         c.Version,
		ProgressPercent: c.ProgressPercent,
		LastError:       c.LastError,
		UpdatedAt:       c.UpdatedAt,
	}
}

// Terminal reports whether no further pipeline work is possible.
func (c Case) Terminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusCancelled
}

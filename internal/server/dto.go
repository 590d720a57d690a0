package server

import (
	"bidline/internal/domain"
	"bidline/internal/executor"
)

// Request payloads

type CreateCaseRequest struct {
	ID           *string        `json:"id,omitempty"`
	Title        string         `json:"title"`
	ClientName   *string        `json:"client_name,omitempty"`
	Industry     *string        `json:"industry,omitempty"`
	ServiceTypes []string       `json:"service_types,omitempty"`
	Technologies []string       `json:"technologies,omitempty"`
	Intake       map[string]any `json:"intake,omitempty"`
}

type ApproveRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

type RejectRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
	// Mode selects what happens to the gated stage output.
	Mode  string              `json:"mode" enum:"edit,rerun"`
	Edits *domain.StageResult `json:"edits,omitempty"`
}

type RetryRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

type CancelRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

// Response payloads

type CaseResponse struct {
	Case domain.Case `json:"case"`
}

type SnapshotResponse struct {
	Snapshot domain.Snapshot `json:"snapshot"`
	// LatestCheckpoint is the newest checkpointed stage output, when any
	// stage has completed.
	LatestCheckpoint *domain.Checkpoint `json:"latest_checkpoint,omitempty"`
}

type RunResponse struct {
	Run      executor.Run    `json:"run"`
	Snapshot domain.Snapshot `json:"snapshot"`
}

type CheckpointListResponse struct {
	Items []domain.Checkpoint `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type SessionCheckResponse struct {
	InConflict      bool   `json:"in_conflict"`
	OtherEditor     string `json:"other_editor,omitempty"`
	OtherSessionAge int64  `json:"other_session_age_seconds,omitempty"`
	CurrentVersion  int64  `json:"current_version"`
}

type SimilarCasesResponse struct {
	Candidates []domain.RankedCandidate `json:"candidates"`
	PoolSize   int                      `json:"pool_size"`
}

type APIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is returned once at creation and never stored in the clear.
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}

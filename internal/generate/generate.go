// Package generate declares the collaborator contracts the pipeline core
// consumes. Implementations (model providers, search, vector search,
// document rendering) live outside this module.
package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bidline/internal/domain"
)

// Error kinds reported by collaborators.
const (
	KindTransient   = "transient"
	KindPermanent   = "permanent"
	KindRateLimited = "rate_limited"
)

// Error is a classified collaborator failure. Transient and rate-limited
// errors are retried with backoff; permanent ones block the case.
type Error struct {
	Kind       string
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("generator %s error: %s", e.Kind, e.Message)
}

// Transient marks a failure worth retrying (upstream timeout, flaky provider).
func Transient(msg string) *Error {
	return &Error{Kind: KindTransient, Message: msg}
}

// Permanent marks a failure no retry can fix.
func Permanent(msg string) *Error {
	return &Error{Kind: KindPermanent, Message: msg}
}

// RateLimited marks provider throttling, carrying the retry-after hint when
// the provider supplied one.
func RateLimited(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: msg, RetryAfter: retryAfter}
}

// Classify reports whether err should be retried and any provider-supplied
// delay hint. Unclassified errors and context deadline hits count as
// transient; anything explicitly permanent does not.
func Classify(err error) (retry bool, delayHint time.Duration) {
	var ge *Error
	if errors.As(err, &ge) {
		switch ge.Kind {
		case KindPermanent:
			return false, 0
		case KindRateLimited:
			return true, ge.RetryAfter
		default:
			return true, 0
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, 0
	}
	return true, 0
}

// Input is the structured payload handed to a stage executor. Research is
// populated from the search collaborator when one is configured.
type Input struct {
	Case         domain.Case
	PriorOutputs map[string]domain.StageResult
	References   []domain.RankedCandidate
	Research     []SearchResult
}

// Generator produces one stage's structured output. Implementations must be
// idempotent-safe to retry.
type Generator interface {
	Generate(ctx context.Context, stage string, in Input) (domain.StageResult, error)
}

// SearchResult is one hit from the external search collaborator.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// SearchProvider performs external research queries. Throttling responses
// surface as rate-limited Errors.
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// VectorCandidate is one raw hit from the vector-search collaborator.
type VectorCandidate struct {
	CaseID     string  `json:"case_id"`
	Similarity float64 `json:"similarity"`
}

// VectorStore retrieves raw reuse candidates for the similarity ranker.
type VectorStore interface {
	Query(ctx context.Context, queryText string, limit int) ([]VectorCandidate, error)
}

// DocumentRenderer turns the terminal stage output into a binary artifact
// and returns its reference. Invoked only after the case completes.
type DocumentRenderer interface {
	Render(ctx context.Context, caseID string, final domain.StageResult) (string, error)
}

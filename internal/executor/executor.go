// Package executor runs pipeline advances off the request path. Callers
// enqueue a case and get a run handle back; workers report completion or
// failure asynchronously through the handle and the log.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bidline/internal/domain"
)

// Run statuses.
const (
	RunQueued  = "queued"
	RunRunning = "running"
	RunDone    = "done"
	RunFailed  = "failed"
)

// AdvanceFunc is the orchestrator entry point the pool drives.
type AdvanceFunc func(ctx context.Context, caseID, actorID, sessionID string) (domain.Snapshot, error)

// Run is the caller-facing handle for one queued advance.
type Run struct {
	ID         string           `json:"id"`
	CaseID     string           `json:"case_id"`
	Status     string           `json:"status"`
	Snapshot   *domain.Snapshot `json:"snapshot,omitempty"`
	Error      string           `json:"error,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

type job struct {
	runID     string
	caseID    string
	actorID   string
	sessionID string
}

// Pool is a bounded worker pool with at-most-one in-flight advance per
// case. In-process dedupe keeps workers from racing each other; the CAS
// write path protects against other processes.
type Pool struct {
	advance AdvanceFunc
	logger  *slog.Logger
	jobs    chan job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]string // caseID -> runID
	runs     map[string]*Run
}

// NewPool starts workers immediately.
func NewPool(workers int, advance AdvanceFunc, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		advance:  advance,
		logger:   logger,
		jobs:     make(chan job, workers*4),
		ctx:      ctx,
		cancel:   cancel,
		inflight: map[string]string{},
		runs:     map[string]*Run{},
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue schedules an advance for a case. If one is already queued or
// running for the same case the existing handle is returned instead of
// scheduling a second.
func (p *Pool) Enqueue(caseID, actorID, sessionID string) Run {
	p.mu.Lock()
	if runID, busy := p.inflight[caseID]; busy {
		existing := *p.runs[runID]
		p.mu.Unlock()
		return existing
	}
	run := &Run{
		ID:         uuid.New().String(),
		CaseID:     caseID,
		Status:     RunQueued,
		EnqueuedAt: time.Now().UTC(),
	}
	p.inflight[caseID] = run.ID
	p.runs[run.ID] = run
	p.mu.Unlock()

	p.jobs <- job{runID: run.ID, caseID: caseID, actorID: actorID, sessionID: sessionID}
	return *run
}

// Run returns the handle for a run id.
func (p *Pool) Run(id string) (Run, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.runs[id]
	if !ok {
		return Run{}, false
	}
	return *r, true
}

// Shutdown stops accepting work and waits for in-flight advances.
func (p *Pool) Shutdown() {
	p.cancel()
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.setStatus(j.runID, RunRunning, nil, "")
		snap, err := p.advance(p.ctx, j.caseID, j.actorID, j.sessionID)

		p.mu.Lock()
		delete(p.inflight, j.caseID)
		p.mu.Unlock()

		if err != nil {
			p.setStatus(j.runID, RunFailed, nil, err.Error())
			p.logger.Error("advance failed", "case_id", j.caseID, "run_id", j.runID, "error", err)
			continue
		}
		p.setStatus(j.runID, RunDone, &snap, "")
		p.logger.Info("advance finished", "case_id", j.caseID, "run_id", j.runID, "stage", snap.Stage, "status", snap.Status)
	}
}

func (p *Pool) setStatus(runID, status string, snap *domain.Snapshot, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.runs[runID]
	if !ok {
		return
	}
	r.Status = status
	r.Snapshot = snap
	r.Error = errMsg
	if status == RunDone || status == RunFailed {
		r.FinishedAt = time.Now().UTC()
	}
}

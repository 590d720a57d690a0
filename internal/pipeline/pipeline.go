// Package pipeline turns the configured stage list into executable stage
// definitions. Stage order and gates live in config, not in code, so the
// pipeline can be reshaped without touching the orchestrator.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bidline/internal/config"
	"bidline/internal/domain"
	"bidline/internal/generate"
	"bidline/internal/rank"
	"bidline/internal/repo"
)

// ReferenceRankingStage is the stage name wired to the similarity ranker
// instead of the generator collaborator.
const ReferenceRankingStage = "reference_ranking"

// Executor produces one stage's output from the case inputs.
type Executor func(ctx context.Context, in generate.Input) (domain.StageResult, error)

// Validator accepts or rejects a stage output before it is checkpointed.
type Validator func(domain.StageResult) error

// Stage is one declarative pipeline step.
type Stage struct {
	Name     string
	Inputs   []string
	Gate     string
	Execute  Executor
	Validate Validator
}

// RequiresApproval reports whether a human gate follows this stage.
func (s Stage) RequiresApproval() bool {
	return s.Gate == config.GateRequiresApproval
}

// Pipeline is the ordered stage list for one case type.
type Pipeline struct {
	stages []Stage
	index  map[string]int
}

// Registry resolves stage names to executors. Stages without a registered
// executor fall back to the generator collaborator.
type Registry struct {
	Generator   generate.Generator
	VectorStore generate.VectorStore
	Search      generate.SearchProvider
	Ranker      rank.Ranker
	Repo        repo.Repo
	custom      map[string]Executor
}

// Register overrides the executor for a named stage.
func (r *Registry) Register(name string, exec Executor) {
	if r.custom == nil {
		r.custom = map[string]Executor{}
	}
	r.custom[name] = exec
}

func (r *Registry) executorFor(name string) (Executor, error) {
	if exec, ok := r.custom[name]; ok {
		return exec, nil
	}
	if name == ReferenceRankingStage {
		if r.VectorStore == nil {
			return nil, fmt.Errorf("stage %s needs a vector store", name)
		}
		return r.rankingExecutor(), nil
	}
	if r.Generator == nil {
		return nil, fmt.Errorf("stage %s needs a generator", name)
	}
	gen := r.Generator
	search := r.Search
	return func(ctx context.Context, in generate.Input) (domain.StageResult, error) {
		started := time.Now()
		if search != nil {
			hits, err := search.Search(ctx, researchQuery(in.Case))
			if err != nil {
				return domain.StageResult{}, err
			}
			in.Research = hits
		}
		res, err := gen.Generate(ctx, name, in)
		if err != nil {
			return domain.StageResult{}, err
		}
		res.Stage = name
		if res.DurationMS == 0 {
			res.DurationMS = time.Since(started).Milliseconds()
		}
		return res, nil
	}, nil
}

// researchQuery builds the search-collaborator query from intake metadata.
func researchQuery(c domain.Case) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{c.Title, c.Industry, strings.Join(c.ServiceTypes, " ")} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// RankCandidates queries the vector store, hydrates candidate metadata from
// the record store and runs the weighted ranker. Shared by the ranking stage
// and the similar-cases endpoint.
func (r *Registry) RankCandidates(ctx context.Context, c domain.Case) (rank.Result, error) {
	raw, err := r.VectorStore.Query(ctx, c.IntakeJSON, 50)
	if err != nil {
		return rank.Result{}, err
	}
	pool := make([]rank.Candidate, 0, len(raw))
	for _, v := range raw {
		cand, err := r.Repo.GetCase(ctx, v.CaseID)
		if err == repo.ErrNotFound {
			continue
		}
		if err != nil {
			return rank.Result{}, err
		}
		completed := time.Time{}
		if t, perr := time.Parse(time.RFC3339, cand.UpdatedAt); perr == nil {
			completed = t
		}
		pool = append(pool, rank.Candidate{
			CaseID:           cand.ID,
			VectorSimilarity: v.Similarity,
			Industry:         cand.Industry,
			ServiceTypes:     cand.ServiceTypes,
			Technologies:     cand.Technologies,
			QualityMarkers:   cand.QualityMarkers,
			Outcome:          cand.Outcome,
			CompletedAt:      completed,
		})
	}
	return r.Ranker.Rank(rank.Query{
		Industry:     c.Industry,
		ServiceTypes: c.ServiceTypes,
		Technologies: c.Technologies,
	}, pool), nil
}

// rankingExecutor wraps RankCandidates; each ranked candidate becomes one
// content unit citing the candidate case itself.
func (r *Registry) rankingExecutor() Executor {
	return func(ctx context.Context, in generate.Input) (domain.StageResult, error) {
		started := time.Now()
		ranked, err := r.RankCandidates(ctx, in.Case)
		if err != nil {
			return domain.StageResult{}, err
		}
		units := make([]domain.ContentUnit, 0, len(ranked.Candidates))
		for _, c := range ranked.Candidates {
			units = append(units, domain.ContentUnit{
				Text:      fmt.Sprintf("reuse candidate %s (score %.3f)", c.CaseID, c.FinalScore),
				Citations: []domain.Citation{{SourceID: c.CaseID, Locator: "case"}},
			})
		}
		if len(units) == 0 {
			units = append(units, domain.ContentUnit{
				Text:      "no comparable past cases found",
				Gap:       true,
				GapReason: "vector search returned an empty candidate pool",
			})
		}
		return domain.StageResult{
			Stage: ReferenceRankingStage,
			Units: units,
			Meta: map[string]string{
				"pool_size": fmt.Sprintf("%d", ranked.PoolSize),
			},
			DurationMS: time.Since(started).Milliseconds(),
		}, nil
	}
}

// New builds the pipeline from config, resolving executors via the registry.
func New(cfg *config.Config, reg *Registry, validate Validator) (*Pipeline, error) {
	if len(cfg.Pipeline.Stages) == 0 {
		return nil, fmt.Errorf("pipeline has no stages")
	}
	p := &Pipeline{index: map[string]int{}}
	for i, sc := range cfg.Pipeline.Stages {
		exec, err := reg.executorFor(sc.Name)
		if err != nil {
			return nil, err
		}
		p.stages = append(p.stages, Stage{
			Name:     sc.Name,
			Inputs:   sc.Inputs,
			Gate:     sc.Gate,
			Execute:  exec,
			Validate: validate,
		})
		p.index[sc.Name] = i
	}
	return p, nil
}

// Len returns the stage count.
func (p *Pipeline) Len() int { return len(p.stages) }

// First returns the intake stage.
func (p *Pipeline) First() Stage { return p.stages[0] }

// StageAt returns the stage at position i.
func (p *Pipeline) StageAt(i int) Stage { return p.stages[i] }

// IndexOf resolves a stage name to its position.
func (p *Pipeline) IndexOf(name string) (int, bool) {
	i, ok := p.index[name]
	return i, ok
}

// IsLast reports whether position i is the terminal stage.
func (p *Pipeline) IsLast(i int) bool { return i == len(p.stages)-1 }

// Progress maps a count of completed stages to a percentage. It only grows
// while a case is not cancelled.
func (p *Pipeline) Progress(completed int) int {
	if completed <= 0 {
		return 0
	}
	if completed >= len(p.stages) {
		return 100
	}
	return completed * 100 / len(p.stages)
}

// Package rank scores historical cases for reuse against a query case.
package rank

import (
	"math"
	"sort"
	"time"

	"bidline/internal/domain"
)

// qualityNorm is the marker count at which quality_score saturates.
const qualityNorm = 5

// Weights for the blended score. They must sum to 1.0 (config validates).
type Weights struct {
	Vector   float64
	Metadata float64
	Quality  float64
	Outcome  float64
	Recency  float64
}

// Query is the case being written, reduced to its categorical metadata.
type Query struct {
	Industry     string
	ServiceTypes []string
	Technologies []string
}

// Candidate is one historical case plus its vector similarity from the
// vector-search collaborator.
type Candidate struct {
	CaseID           string
	VectorSimilarity float64
	Industry         string
	ServiceTypes     []string
	Technologies     []string
	QualityMarkers   int
	Outcome          string
	CompletedAt      time.Time
}

// Result carries the top candidates and the raw pool size for observability.
type Result struct {
	Candidates []domain.RankedCandidate `json:"candidates"`
	PoolSize   int                      `json:"pool_size"`
}

type Ranker struct {
	Weights Weights
	TopN    int
	Now     func() time.Time
}

func (r Ranker) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Rank scores every candidate and returns the top N. Ordering is
// deterministic: final score descending, then recency descending, then
// candidate id ascending.
func (r Ranker) Rank(q Query, pool []Candidate) Result {
	now := r.now().UTC()
	scored := make([]domain.RankedCandidate, 0, len(pool))
	for _, c := range pool {
		rc := domain.RankedCandidate{
			CaseID:           c.CaseID,
			VectorSimilarity: clamp01(c.VectorSimilarity),
			MetadataScore:    metadataMatch(q, c),
			QualityScore:     qualityScore(c.QualityMarkers),
			OutcomeScore:     outcomeScore(c.Outcome),
			RecencyScore:     recencyScore(now, c.CompletedAt),
		}
		rc.FinalScore = r.Weights.Vector*rc.VectorSimilarity +
			r.Weights.Metadata*rc.MetadataScore +
			r.Weights.Quality*rc.QualityScore +
			r.Weights.Outcome*rc.OutcomeScore +
			r.Weights.Recency*rc.RecencyScore
		scored = append(scored, rc)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].FinalScore != scored[j].FinalScore {
			return scored[i].FinalScore > scored[j].FinalScore
		}
		if scored[i].RecencyScore != scored[j].RecencyScore {
			return scored[i].RecencyScore > scored[j].RecencyScore
		}
		return scored[i].CaseID < scored[j].CaseID
	})
	topN := r.TopN
	if topN <= 0 || topN > len(scored) {
		topN = len(scored)
	}
	return Result{Candidates: scored[:topN], PoolSize: len(pool)}
}

// metadataMatch is the fraction of the query's categorical fields the
// candidate also has, capped at 1.0.
func metadataMatch(q Query, c Candidate) float64 {
	total := 0
	matched := 0
	if q.Industry != "" {
		total++
		if q.Industry == c.Industry {
			matched++
		}
	}
	candServices := toSet(c.ServiceTypes)
	for _, s := range q.ServiceTypes {
		total++
		if candServices[s] {
			matched++
		}
	}
	candTechs := toSet(c.Technologies)
	for _, t := range q.Technologies {
		total++
		if candTechs[t] {
			matched++
		}
	}
	if total == 0 {
		return 0
	}
	return math.Min(1.0, float64(matched)/float64(total))
}

func qualityScore(markers int) float64 {
	if markers <= 0 {
		return 0
	}
	return math.Min(1.0, float64(markers)/qualityNorm)
}

func outcomeScore(outcome string) float64 {
	switch outcome {
	case "won":
		return 1.0
	case "submitted", "pending":
		return 0.5
	default:
		return 0.3
	}
}

func recencyScore(now, completedAt time.Time) float64 {
	if completedAt.IsZero() || completedAt.After(now) {
		return 1.0
	}
	ageDays := now.Sub(completedAt).Hours() / 24
	return math.Max(0, 1-ageDays/365)
}

func toSet(in []string) map[string]bool {
	set := make(map[string]bool, len(in))
	for _, v := range in {
		set[v] = true
	}
	return set
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

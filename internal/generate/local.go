package generate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bidline/internal/domain"
	"bidline/internal/repo"
)

// LocalGenerator produces deterministic stage outputs from the intake
// fields alone. It backs the CLI and tests when no external generation
// service is wired in.
type LocalGenerator struct{}

func (LocalGenerator) Generate(_ context.Context, stage string, in Input) (domain.StageResult, error) {
	c := in.Case
	var units []domain.ContentUnit
	add := func(text, locator string) {
		units = append(units, domain.ContentUnit{
			Text:      text,
			Citations: []domain.Citation{{SourceID: "intake", Locator: locator}},
		})
	}
	gap := func(text, reason string) {
		units = append(units, domain.ContentUnit{Text: text, Gap: true, GapReason: reason})
	}

	add(fmt.Sprintf("%s: response for %q", stage, c.Title), "title")
	if c.ClientName != "" {
		add(fmt.Sprintf("Client context: %s", c.ClientName), "client_name")
	} else {
		gap("Client context", "client_name missing from intake")
	}
	if c.Industry != "" {
		add(fmt.Sprintf("Industry framing: %s", c.Industry), "industry")
	} else {
		gap("Industry framing", "industry missing from intake")
	}
	if len(c.ServiceTypes) > 0 {
		add(fmt.Sprintf("Services in scope: %s", strings.Join(c.ServiceTypes, ", ")), "service_types")
	} else {
		gap("Services in scope", "no service types declared")
	}
	if len(c.Technologies) > 0 {
		add(fmt.Sprintf("Technology baseline: %s", strings.Join(c.Technologies, ", ")), "technologies")
	}
	for _, ref := range in.References {
		add(fmt.Sprintf("Reuse candidate %s (score %.2f)", ref.CaseID, ref.FinalScore), "references")
	}
	for _, hit := range in.Research {
		units = append(units, domain.ContentUnit{
			Text:      fmt.Sprintf("Research: %s", hit.Title),
			Citations: []domain.Citation{{SourceID: hit.URL}},
		})
	}
	return domain.StageResult{
		Stage: stage,
		Units: units,
		Meta:  map[string]string{"generator": "local"},
	}, nil
}

// LexicalStore is a vector-store stand-in that scores past cases by token
// overlap of their intake text. Only completed, non-deleted cases enter
// the pool.
type LexicalStore struct {
	Repo repo.Repo
}

func (s LexicalStore) Query(ctx context.Context, queryText string, limit int) ([]VectorCandidate, error) {
	cases, err := s.Repo.ListCases(ctx, repo.CaseFilters{Status: domain.StatusCompleted})
	if err != nil {
		return nil, err
	}
	query := tokens(queryText)
	out := make([]VectorCandidate, 0, len(cases))
	for _, c := range cases {
		doc := tokens(c.Title + " " + c.Industry + " " + strings.Join(c.ServiceTypes, " ") + " " + c.IntakeJSON)
		out = append(out, VectorCandidate{CaseID: c.ID, Similarity: jaccard(query, doc)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].CaseID < out[j].CaseID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func tokens(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(tok) < 2 {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// MarkdownRenderer writes the final stage output as a markdown document
// under Dir and returns the file path.
type MarkdownRenderer struct {
	Dir string
}

func (r MarkdownRenderer) Render(_ context.Context, caseID string, final domain.StageResult) (string, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Proposal %s\n\n", caseID)
	for _, u := range final.Units {
		if u.Gap {
			fmt.Fprintf(&b, "- %s _(gap: %s)_\n", u.Text, u.GapReason)
			continue
		}
		refs := make([]string, 0, len(u.Citations))
		for _, cit := range u.Citations {
			refs = append(refs, cit.SourceID)
		}
		fmt.Fprintf(&b, "- %s [%s]\n", u.Text, strings.Join(refs, ", "))
	}
	path := filepath.Join(r.Dir, caseID+".md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

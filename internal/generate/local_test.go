package generate_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bidline/internal/checkpoint"
	"bidline/internal/db"
	"bidline/internal/domain"
	"bidline/internal/generate"
	"bidline/internal/migrate"
	"bidline/internal/repo"
)

func TestLocalGeneratorOutputPassesValidation(t *testing.T) {
	gen := generate.LocalGenerator{}
	res, err := gen.Generate(context.Background(), "outline", generate.Input{Case: domain.Case{
		ID:           "case-1",
		Title:        "Warehouse migration",
		ClientName:   "Acme",
		Industry:     "retail",
		ServiceTypes: []string{"migration"},
	}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Stage != "outline" {
		t.Fatalf("stage = %s", res.Stage)
	}
	if err := checkpoint.Validate(res); err != nil {
		t.Fatalf("output rejected: %v", err)
	}
	if res.Units[0].Citations[0].SourceID != "intake" {
		t.Fatalf("first unit citation: %+v", res.Units[0])
	}
}

func TestLocalGeneratorMarksMissingIntakeAsGaps(t *testing.T) {
	gen := generate.LocalGenerator{}
	res, err := gen.Generate(context.Background(), "gap_analysis", generate.Input{Case: domain.Case{
		ID:    "case-1",
		Title: "Bare intake",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := checkpoint.Validate(res); err != nil {
		t.Fatalf("output rejected: %v", err)
	}
	gaps := 0
	for _, u := range res.Units {
		if u.Gap {
			if u.GapReason == "" {
				t.Fatalf("gap without reason: %+v", u)
			}
			gaps++
		}
	}
	if gaps != 3 {
		t.Fatalf("gaps = %d, want 3 (client, industry, services)", gaps)
	}
}

func newLexicalStore(t *testing.T) (generate.LexicalStore, repo.Repo, context.Context) {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatal(err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: conn, Now: func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }}
	return generate.LexicalStore{Repo: r}, r, context.Background()
}

func insertCase(t *testing.T, r repo.Repo, ctx context.Context, id, title, status string) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = r.InsertCase(ctx, tx, domain.Case{
		ID:        id,
		Title:     title,
		Stage:     "final_assembly",
		Status:    status,
		Version:   1,
		CreatedAt: "2025-01-01T00:00:00Z",
		UpdatedAt: "2025-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestLexicalStoreRanksByTokenOverlap(t *testing.T) {
	store, r, ctx := newLexicalStore(t)
	insertCase(t, r, ctx, "close", "retail analytics platform", domain.StatusCompleted)
	insertCase(t, r, ctx, "far", "embedded firmware audit", domain.StatusCompleted)
	insertCase(t, r, ctx, "draft", "retail analytics platform", domain.StatusRunning)

	hits, err := store.Query(ctx, "retail analytics modernization", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// The running case never enters the pool.
	if len(hits) != 2 {
		t.Fatalf("pool = %d, want 2", len(hits))
	}
	if hits[0].CaseID != "close" || hits[0].Similarity <= hits[1].Similarity {
		t.Fatalf("order: %+v", hits)
	}
	if hits[1].Similarity != 0 {
		t.Fatalf("unrelated case scored %f", hits[1].Similarity)
	}
}

func TestLexicalStoreIsDeterministic(t *testing.T) {
	store, r, ctx := newLexicalStore(t)
	// Identical documents tie; ids break the tie.
	insertCase(t, r, ctx, "b-case", "cloud migration", domain.StatusCompleted)
	insertCase(t, r, ctx, "a-case", "cloud migration", domain.StatusCompleted)

	first, err := store.Query(ctx, "cloud migration", 10)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := store.Query(ctx, "cloud migration", 10)
		if err != nil {
			t.Fatal(err)
		}
		for j := range first {
			if again[j].CaseID != first[j].CaseID {
				t.Fatalf("run %d reordered results: %+v", i, again)
			}
		}
	}
	if first[0].CaseID != "a-case" {
		t.Fatalf("tie-break order: %+v", first)
	}
}

func TestLexicalStoreLimit(t *testing.T) {
	store, r, ctx := newLexicalStore(t)
	for _, id := range []string{"one", "two", "three"} {
		insertCase(t, r, ctx, id, "cloud migration", domain.StatusCompleted)
	}
	hits, err := store.Query(ctx, "cloud migration", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("limit ignored: %d hits", len(hits))
	}
}

func TestMarkdownRendererWritesDocument(t *testing.T) {
	dir := t.TempDir()
	r := generate.MarkdownRenderer{Dir: filepath.Join(dir, "out")}
	path, err := r.Render(context.Background(), "case-9", domain.StageResult{
		Stage: "final_assembly",
		Units: []domain.ContentUnit{
			{Text: "Executive summary", Citations: []domain.Citation{{SourceID: "intake"}}},
			{Text: "Pricing detail", Gap: true, GapReason: "rate card not provided"},
		},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "# Proposal case-9") {
		t.Fatalf("missing heading: %q", text)
	}
	if !strings.Contains(text, "[intake]") || !strings.Contains(text, "gap: rate card not provided") {
		t.Fatalf("missing body: %q", text)
	}
}

package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"bidline/internal/checkpoint"
	"bidline/internal/config"
	"bidline/internal/db"
	"bidline/internal/domain"
	"bidline/internal/generate"
	"bidline/internal/migrate"
	"bidline/internal/orchestrator"
	"bidline/internal/pipeline"
	"bidline/internal/rank"
	"bidline/internal/repo"
	"bidline/internal/server"
)

const testSecret = "test-signing-secret"

type testServer struct {
	*httptest.Server
	Orch  *orchestrator.Orchestrator
	Token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	r := repo.Repo{DB: conn}
	reg := &pipeline.Registry{
		Generator:   generate.LocalGenerator{},
		VectorStore: generate.LexicalStore{Repo: r},
		Ranker: rank.Ranker{
			Weights: rank.Weights{Vector: 0.40, Metadata: 0.20, Quality: 0.15, Outcome: 0.15, Recency: 0.10},
			TopN:    cfg.Ranker.TopN,
		},
		Repo: r,
	}
	p, err := pipeline.New(cfg, reg, checkpoint.Validate)
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	o := orchestrator.New(conn, cfg, p, reg)
	handler, err := server.New(server.Config{
		Orchestrator: o,
		BasePath:     "/v0",
		Auth:         server.AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, Orch: o, Token: signToken(t, "alice", "sess-a")}
}

func signToken(t *testing.T, subject, sessionID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"sid": sessionID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// doJSON issues a request with the given bearer token and decodes the JSON
// response into out when out is non-nil.
func (s *testServer) doJSON(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, raw, err)
		}
	}
	return res.StatusCode
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (s *testServer) createCase(t *testing.T) domain.Case {
	t.Helper()
	var created struct {
		Case domain.Case `json:"case"`
	}
	status := s.doJSON(t, http.MethodPost, "/v0/cases", s.Token, map[string]any{
		"title":         "Retail analytics platform",
		"client_name":   "Acme",
		"industry":      "retail",
		"service_types": []string{"analytics"},
		"intake":        map[string]any{"goal": "modernize reporting"},
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create case: status %d", status)
	}
	return created.Case
}

func TestHealthIsOpen(t *testing.T) {
	s := newTestServer(t)
	var body map[string]string
	if status := s.doJSON(t, http.MethodGet, "/v0/health", "", nil, &body); status != http.StatusOK {
		t.Fatalf("health status %d", status)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body: %v", body)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	s := newTestServer(t)
	var env errorEnvelope
	if status := s.doJSON(t, http.MethodGet, "/v0/cases", "", nil, &env); status != http.StatusUnauthorized {
		t.Fatalf("status %d", status)
	}
	if env.Error.Code != "unauthorized" {
		t.Fatalf("code = %s", env.Error.Code)
	}
}

func TestForgedTokenRejected(t *testing.T) {
	s := newTestServer(t)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "mallory"}).
		SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatal(err)
	}
	var env errorEnvelope
	if status := s.doJSON(t, http.MethodGet, "/v0/cases", forged, nil, &env); status != http.StatusUnauthorized {
		t.Fatalf("status %d", status)
	}
	if env.Error.Code != "invalid_credentials" {
		t.Fatalf("code = %s", env.Error.Code)
	}
}

func TestCreateAndGetCase(t *testing.T) {
	s := newTestServer(t)
	c := s.createCase(t)
	if c.ID == "" || c.Version != 1 || c.Stage != "intake_analysis" {
		t.Fatalf("created case: %+v", c)
	}
	if c.LastEditorID != "alice" {
		t.Fatalf("editor = %s", c.LastEditorID)
	}

	var got struct {
		Case domain.Case `json:"case"`
	}
	if status := s.doJSON(t, http.MethodGet, "/v0/cases/"+c.ID, s.Token, nil, &got); status != http.StatusOK {
		t.Fatalf("get status %d", status)
	}
	if got.Case.Title != c.Title {
		t.Fatalf("title = %s", got.Case.Title)
	}
}

func TestCreateCaseRequiresTitle(t *testing.T) {
	s := newTestServer(t)
	var env errorEnvelope
	status := s.doJSON(t, http.MethodPost, "/v0/cases", s.Token, map[string]any{"title": ""}, &env)
	if status != http.StatusBadRequest {
		t.Fatalf("status %d", status)
	}
}

func TestGetUnknownCaseIs404(t *testing.T) {
	s := newTestServer(t)
	var env errorEnvelope
	if status := s.doJSON(t, http.MethodGet, "/v0/cases/nope", s.Token, nil, &env); status != http.StatusNotFound {
		t.Fatalf("status %d", status)
	}
	if env.Error.Code != "not_found" {
		t.Fatalf("code = %s", env.Error.Code)
	}
}

func TestAdvanceHaltsAtReviewGate(t *testing.T) {
	s := newTestServer(t)
	c := s.createCase(t)
	var out struct {
		Run      map[string]any  `json:"run"`
		Snapshot domain.Snapshot `json:"snapshot"`
	}
	status := s.doJSON(t, http.MethodPost, "/v0/cases/"+c.ID+"/advance", s.Token, nil, &out)
	if status != http.StatusAccepted {
		t.Fatalf("advance status %d", status)
	}
	if out.Snapshot.Status != domain.StatusAwaitingReview || out.Snapshot.Stage != "gap_analysis" {
		t.Fatalf("snapshot: %+v", out.Snapshot)
	}

	var snap struct {
		Snapshot         domain.Snapshot    `json:"snapshot"`
		LatestCheckpoint *domain.Checkpoint `json:"latest_checkpoint"`
	}
	if status := s.doJSON(t, http.MethodGet, "/v0/cases/"+c.ID+"/status", s.Token, nil, &snap); status != http.StatusOK {
		t.Fatalf("status endpoint %d", status)
	}
	if snap.Snapshot.Status != domain.StatusAwaitingReview {
		t.Fatalf("status snapshot: %+v", snap.Snapshot)
	}
	if snap.LatestCheckpoint == nil || snap.LatestCheckpoint.Stage != "gap_analysis" {
		t.Fatalf("latest checkpoint: %+v", snap.LatestCheckpoint)
	}
}

func TestStatusOmitsCheckpointBeforeFirstStage(t *testing.T) {
	s := newTestServer(t)
	c := s.createCase(t)
	var snap struct {
		Snapshot         domain.Snapshot    `json:"snapshot"`
		LatestCheckpoint *domain.Checkpoint `json:"latest_checkpoint"`
	}
	if status := s.doJSON(t, http.MethodGet, "/v0/cases/"+c.ID+"/status", s.Token, nil, &snap); status != http.StatusOK {
		t.Fatalf("status endpoint %d", status)
	}
	if snap.LatestCheckpoint != nil {
		t.Fatalf("fresh case reports a checkpoint: %+v", snap.LatestCheckpoint)
	}
}

func TestApproveVersionConflict(t *testing.T) {
	s := newTestServer(t)
	c := s.createCase(t)
	var out struct {
		Snapshot domain.Snapshot `json:"snapshot"`
	}
	s.doJSON(t, http.MethodPost, "/v0/cases/"+c.ID+"/advance", s.Token, nil, &out)

	var env errorEnvelope
	status := s.doJSON(t, http.MethodPost, "/v0/cases/"+c.ID+"/approve", s.Token,
		map[string]any{"expected_version": out.Snapshot.Version - 1}, &env)
	if status != http.StatusConflict {
		t.Fatalf("status %d", status)
	}
	if env.Error.Code != "version_conflict" {
		t.Fatalf("code = %s", env.Error.Code)
	}
	if env.Error.Details["current_version"] == nil {
		t.Fatalf("details: %v", env.Error.Details)
	}
}

func TestApproveAdvancesPastGate(t *testing.T) {
	s := newTestServer(t)
	c := s.createCase(t)
	var out struct {
		Snapshot domain.Snapshot `json:"snapshot"`
	}
	s.doJSON(t, http.MethodPost, "/v0/cases/"+c.ID+"/advance", s.Token, nil, &out)

	var approved struct {
		Snapshot domain.Snapshot `json:"snapshot"`
	}
	status := s.doJSON(t, http.MethodPost, "/v0/cases/"+c.ID+"/approve", s.Token,
		map[string]any{"expected_version": out.Snapshot.Version}, &approved)
	if status != http.StatusOK {
		t.Fatalf("approve status %d", status)
	}
	if approved.Snapshot.Stage != "outline" || approved.Snapshot.Status != domain.StatusRunning {
		t.Fatalf("after approve: %+v", approved.Snapshot)
	}
}

func TestRejectRerunAndRetryGuard(t *testing.T) {
	s := newTestServer(t)
	c := s.createCase(t)
	var out struct {
		Snapshot domain.Snapshot `json:"snapshot"`
	}
	s.doJSON(t, http.MethodPost, "/v0/cases/"+c.ID+"/advance", s.Token, nil, &out)

	var env errorEnvelope
	status := s.doJSON(t, http.MethodPost, "/v0/cases/"+c.ID+"/reject", s.Token,
		map[string]any{"expected_version": out.Snapshot.Version, "mode": "rerun"}, nil)
	if status != http.StatusOK {
		t.Fatalf("rerun reject status %d", status)
	}
	status = s.doJSON(t, http.MethodPost, "/v0/cases/"+c.ID+"/retry", s.Token,
		map[string]any{"expected_version": out.Snapshot.Version}, &env)
	if status != http.StatusConflict || env.Error.Code != "not_blocked" {
		t.Fatalf("retry on running case: %d %s", status, env.Error.Code)
	}
}

func TestRejectWithEditsStoresRevision(t *testing.T) {
	s := newTestServer(t)
	c := s.createCase(t)
	var out struct {
		Snapshot domain.Snapshot `json:"snapshot"`
	}
	s.doJSON(t, http.MethodPost, "/v0/cases/"+c.ID+"/advance", s.Token, nil, &out)

	edits := map[string]any{
		"stage": "gap_analysis",
		"units": []map[string]any{{
			"text":      "reviewer replacement",
			"citations": []map[string]any{{"source_id": "ref-1"}},
		}},
	}
	var rejected struct {
		Snapshot domain.Snapshot `json:"snapshot"`
	}
	status := s.doJSON(t, http.MethodPost, "/v0/cases/"+c.ID+"/reject", s.Token,
		map[string]any{"expected_version": out.Snapshot.Version, "mode": "edit", "edits": edits}, &rejected)
	if status != http.StatusOK {
		t.Fatalf("reject status %d", status)
	}
	if rejected.Snapshot.Stage != "outline" {
		t.Fatalf("after edits: %+v", rejected.Snapshot)
	}

	var cps struct {
		Items []domain.Checkpoint `json:"items"`
	}
	if status := s.doJSON(t, http.MethodGet, "/v0/cases/"+c.ID+"/checkpoints?stage=gap_analysis", s.Token, nil, &cps); status != http.StatusOK {
		t.Fatalf("checkpoints status %d", status)
	}
	if len(cps.Items) != 2 {
		t.Fatalf("gap revisions = %d, want 2", len(cps.Items))
	}
}

func TestCancelIsTerminalOverHTTP(t *testing.T) {
	s := newTestServer(t)
	c := s.createCase(t)
	var cancelled struct {
		Snapshot domain.Snapshot `json:"snapshot"`
	}
	status := s.doJSON(t, http.MethodPost, "/v0/cases/"+c.ID+"/cancel", s.Token,
		map[string]any{"expected_version": c.Version}, &cancelled)
	if status != http.StatusOK || cancelled.Snapshot.Status != domain.StatusCancelled {
		t.Fatalf("cancel: %d %+v", status, cancelled.Snapshot)
	}

	var env errorEnvelope
	status = s.doJSON(t, http.MethodPost, "/v0/cases/"+c.ID+"/cancel", s.Token,
		map[string]any{"expected_version": cancelled.Snapshot.Version}, &env)
	if status != http.StatusConflict || env.Error.Code != "terminal_state" {
		t.Fatalf("second cancel: %d %s", status, env.Error.Code)
	}
}

func TestEventsListRecordsLifecycle(t *testing.T) {
	s := newTestServer(t)
	c := s.createCase(t)
	var events struct {
		Items []domain.Event `json:"items"`
	}
	if status := s.doJSON(t, http.MethodGet, "/v0/cases/"+c.ID+"/events", s.Token, nil, &events); status != http.StatusOK {
		t.Fatalf("events status %d", status)
	}
	if len(events.Items) == 0 || events.Items[0].Type != "case.created" {
		t.Fatalf("events: %+v", events.Items)
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	s := newTestServer(t)
	var key struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	status := s.doJSON(t, http.MethodPost, "/v0/keys", s.Token,
		map[string]any{"actor_id": "ci-bot", "name": "ci"}, &key)
	if status != http.StatusCreated {
		t.Fatalf("create key status %d", status)
	}
	if key.Key == "" {
		t.Fatal("secret not returned at creation")
	}

	req, err := http.NewRequest(http.MethodGet, s.URL+"/v0/cases", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Api-Key", key.Key)
	res, err := s.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth status %d", res.StatusCode)
	}

	req.Header.Set("X-Api-Key", "not-a-key")
	res2, err := s.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus api key status %d", res2.StatusCode)
	}
}

func TestSessionCheckReportsOtherEditor(t *testing.T) {
	s := newTestServer(t)
	c := s.createCase(t)
	other := signToken(t, "bob", "sess-b")
	var check struct {
		InConflict     bool   `json:"in_conflict"`
		OtherEditor    string `json:"other_editor"`
		CurrentVersion int64  `json:"current_version"`
	}
	status := s.doJSON(t, http.MethodGet, "/v0/cases/"+c.ID+"/session", other, nil, &check)
	if status != http.StatusOK {
		t.Fatalf("session status %d", status)
	}
	if !check.InConflict || check.OtherEditor != "alice" {
		t.Fatalf("session check: %+v", check)
	}
	if check.CurrentVersion != c.Version {
		t.Fatalf("version = %d", check.CurrentVersion)
	}
}

func TestSimilarCasesEndpoint(t *testing.T) {
	s := newTestServer(t)
	c := s.createCase(t)
	var out struct {
		Candidates []domain.RankedCandidate `json:"candidates"`
		PoolSize   int                      `json:"pool_size"`
	}
	status := s.doJSON(t, http.MethodGet, "/v0/cases/"+c.ID+"/similar", s.Token, nil, &out)
	if status != http.StatusOK {
		t.Fatalf("similar status %d", status)
	}
	// No completed cases yet, so the candidate pool is empty.
	if out.PoolSize != 0 || len(out.Candidates) != 0 {
		t.Fatalf("similar: %+v", out)
	}
}

func TestOpenAPIAndDocsServed(t *testing.T) {
	s := newTestServer(t)
	res, err := s.Client().Get(s.URL + "/v0/openapi.json")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var oas struct {
		Paths map[string]any `json:"paths"`
	}
	if err := json.NewDecoder(res.Body).Decode(&oas); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	if _, ok := oas.Paths["/v0/cases/{case_id}/advance"]; !ok {
		t.Fatalf("advance path missing from spec: %v", len(oas.Paths))
	}

	docs, err := s.Client().Get(s.URL + "/docs")
	if err != nil {
		t.Fatal(err)
	}
	defer docs.Body.Close()
	if docs.StatusCode != http.StatusOK {
		t.Fatalf("docs status %d", docs.StatusCode)
	}
}

package httpd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/capability"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/engine"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/lock"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/repository"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/retry"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/service"
)

const testSecret = "test-secret"

// stubEngine reports "running" until release is closed, then the score.
type stubEngine struct {
	release chan struct{}
	score   int
}

func (e *stubEngine) Submit(context.Context, string) (engine.Handle, error) {
	return "eng-1", nil
}

func (e *stubEngine) Poll(context.Context, engine.Handle) ([]byte, error) {
	select {
	case <-e.release:
		body, _ := json.Marshal(map[string]any{"status": "completed", "similarity_score": e.score})
		return body, nil
	default:
		return []byte(`{"status":"running"}`), nil
	}
}

type testServer struct {
	*httptest.Server
	auth   *Authenticator
	coord  *service.Coordinator
	engine *stubEngine
}

func newTestServer(t *testing.T, score int, released bool, checks map[string]HealthCheck) *testServer {
	t.Helper()

	eng := &stubEngine{release: make(chan struct{}), score: score}
	if released {
		close(eng.release)
	}

	executor := retry.NewExecutor(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, zerolog.Nop())
	coord := service.NewCoordinator(repository.NewMemoryJobRepository(), eng, executor, nil, service.CoordinatorConfig{
		PollInterval:        time.Millisecond,
		PollBudget:          5 * time.Second,
		SimilarityThreshold: 30,
	}, zerolog.Nop())
	life := service.NewLifecycle(repository.NewMemoryManuscriptRepository(), repository.NewMemoryTextRepository(),
		coord, lock.NewLocal(), nil, service.LifecycleConfig{Quorum: 1}, zerolog.Nop())
	coord.SetVerdictSink(life.OnVerdict)

	auth := NewAuthenticator(testSecret, "manuscript-service")
	router := chi.NewRouter()
	NewHandler(life, coord, auth, checks, "test", zerolog.Nop()).RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})

	return &testServer{Server: srv, auth: auth, coord: coord, engine: eng}
}

func (s *testServer) token(t *testing.T, id string, role capability.Role) string {
	t.Helper()
	tok, err := s.auth.IssueToken(id, role, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func errorField(t *testing.T, body map[string]any, key string) any {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("response has no error object: %v", body)
	}
	return e[key]
}

func dataField(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("response has no data object: %v", body)
	}
	return d
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 5, true, nil)
	expired, err := srv.auth.IssueToken("author-1", capability.RoleAuthor, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	otherIssuer, err := NewAuthenticator(testSecret, "someone-else").IssueToken("author-1", capability.RoleAuthor, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	systemRole, err := srv.auth.IssueToken("x", capability.RoleSystem, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"garbage token", "not-a-jwt"},
		{"expired token", expired},
		{"wrong issuer", otherIssuer},
		{"system role", systemRole},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			status, body := srv.do(t, http.MethodGet, "/api/v1/manuscripts", tc.token, nil)
			if status != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", status)
			}
			if code := errorField(t, body, "code"); code != "unauthenticated" {
				t.Fatalf("error code = %v, want unauthenticated", code)
			}
		})
	}
}

func TestSubmitAndReviewFlow(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 10, true, nil)
	authorTok := srv.token(t, "author-1", capability.RoleAuthor)
	reviewerTok := srv.token(t, "reviewer-1", capability.RoleReviewer)

	status, body := srv.do(t, http.MethodPost, "/api/v1/manuscripts", authorTok, map[string]any{
		"id":    "m-1",
		"title": "On Graphs",
		"text":  "An original manuscript.",
	})
	if status != http.StatusAccepted {
		t.Fatalf("submit status = %d, body = %v", status, body)
	}
	job := dataField(t, body)["job"].(map[string]any)
	if job["status"] != "queued" {
		t.Fatalf("job status = %v, want queued", job["status"])
	}
	srv.coord.Wait()

	status, body = srv.do(t, http.MethodGet, "/api/v1/manuscripts/m-1", authorTok, nil)
	if status != http.StatusOK || dataField(t, body)["status"] != "under_review" {
		t.Fatalf("get status = %d, body = %v", status, body)
	}

	// Missing comments is a validation error naming the field.
	status, body = srv.do(t, http.MethodPost, "/api/v1/manuscripts/m-1/reviews", reviewerTok, map[string]any{
		"ratings":        map[string]int{"originality": 4},
		"recommendation": "accept",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("review status = %d, want 400", status)
	}
	if cat := errorField(t, body, "category"); cat != "validation" {
		t.Fatalf("category = %v, want validation", cat)
	}
	ctxField, _ := errorField(t, body, "context").(map[string]any)
	if got := ctxField["missing"]; !reflect.DeepEqual(got, []any{"comments"}) {
		t.Fatalf("missing = %v, want [comments]", got)
	}

	status, body = srv.do(t, http.MethodPost, "/api/v1/manuscripts/m-1/reviews", reviewerTok, map[string]any{
		"ratings":        map[string]int{"originality": 4},
		"recommendation": "accept",
		"comments":       "Solid.",
	})
	if status != http.StatusCreated || dataField(t, body)["status"] != "reviewed_accept" {
		t.Fatalf("review status = %d, body = %v", status, body)
	}

	status, body = srv.do(t, http.MethodGet, "/api/v1/manuscripts/m-1/jobs", authorTok, nil)
	if status != http.StatusOK || dataField(t, body)["total"] != float64(1) {
		t.Fatalf("jobs status = %d, body = %v", status, body)
	}
}

func TestForcePublishRequiresEditor(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 80, true, nil)
	authorTok := srv.token(t, "author-1", capability.RoleAuthor)
	editorTok := srv.token(t, "editor-1", capability.RoleEditor)

	status, _ := srv.do(t, http.MethodPost, "/api/v1/manuscripts", authorTok, map[string]any{"id": "m-1", "title": "t", "text": "copied"})
	if status != http.StatusAccepted {
		t.Fatalf("submit status = %d", status)
	}
	srv.coord.Wait()

	status, body := srv.do(t, http.MethodPost, "/api/v1/manuscripts/m-1/force-publish", authorTok, map[string]any{"reason": "mine"})
	if status != http.StatusForbidden || errorField(t, body, "category") != "permission" {
		t.Fatalf("author force-publish = %d %v, want 403 permission", status, body)
	}

	status, body = srv.do(t, http.MethodPost, "/api/v1/manuscripts/m-1/force-publish", editorTok, map[string]any{"reason": "false positive"})
	if status != http.StatusOK || dataField(t, body)["status"] != "published" {
		t.Fatalf("editor force-publish = %d %v", status, body)
	}
}

func TestSecondSubmitConflicts(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 1, false, nil)
	authorTok := srv.token(t, "author-1", capability.RoleAuthor)
	req := map[string]any{"id": "m-1", "title": "t", "text": "body"}

	if status, body := srv.do(t, http.MethodPost, "/api/v1/manuscripts", authorTok, req); status != http.StatusAccepted {
		t.Fatalf("first submit = %d %v", status, body)
	}
	status, body := srv.do(t, http.MethodPost, "/api/v1/manuscripts", authorTok, req)
	if status != http.StatusConflict || errorField(t, body, "code") != "job_already_active" {
		t.Fatalf("second submit = %d %v, want 409 job_already_active", status, body)
	}

	close(srv.engine.release)
	srv.coord.Wait()
}

func TestMalformedBodyAndNotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 1, true, nil)
	tok := srv.token(t, "author-1", capability.RoleAuthor)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/manuscripts", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", resp.StatusCode)
	}

	if status, _ := srv.do(t, http.MethodGet, "/api/v1/manuscripts/missing", tok, nil); status != http.StatusNotFound {
		t.Fatalf("missing manuscript status = %d, want 404", status)
	}
	if status, _ := srv.do(t, http.MethodGet, "/api/v1/jobs/missing", tok, nil); status != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", status)
	}
	if status, _ := srv.do(t, http.MethodGet, "/api/v1/manuscripts?status=archived", tok, nil); status != http.StatusBadRequest {
		t.Fatalf("unknown status filter = %d, want 400", status)
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	healthy := newTestServer(t, 1, true, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	status, body := healthy.do(t, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("health = %d %v", status, body)
	}

	degraded := newTestServer(t, 1, true, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	status, body = degraded.do(t, http.MethodGet, "/health", "", nil)
	if status != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("degraded health = %d %v", status, body)
	}
	checks := body["checks"].(map[string]any)
	if checks["postgres"] != "ok" || checks["redis"] != "connection refused" {
		t.Fatalf("checks = %v", checks)
	}
}

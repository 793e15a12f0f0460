package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("org-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := e.InitOrg(ctx, "org-1", "Test Org", "boss"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	if err := e.GrantRole(ctx, "org-1", "mgr", "manager", "boss"); err != nil {
		t.Fatalf("grant manager: %v", err)
	}
	if err := e.GrantRole(ctx, "org-1", "eng", "engineer", "boss"); err != nil {
		t.Fatalf("grant engineer: %v", err)
	}
	stages := []engine.StageCreateOptions{
		{OrgID: "org-1", Name: "Inquiry", Order: 1, ActorID: "boss"},
		{OrgID: "org-1", Name: "Technical Review", Order: 2, ActorID: "boss"},
		{OrgID: "org-1", Name: "Quoted", Order: 3, ActorID: "boss"},
	}
	for _, opts := range stages {
		if _, err := e.CreateStage(ctx, opts); err != nil {
			t.Fatalf("create stage %s: %v", opts.Name, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asBoss(extra map[string]string) map[string]string {
	h := map[string]string{"X-Actor-Id": "boss"}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

func createProject(t *testing.T, srv *testServer, name string) ProjectResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orgs/org-1/projects", map[string]any{
		"name":     name,
		"owner_id": "boss",
	}, asBoss(nil))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orgs/org-1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestValidateThenExecuteTransition(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProject(t, srv, "Widget run")
	stageID := stageIDByName(t, srv, "Technical Review")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions/validate", map[string]any{
		"target_stage_id": stageID,
	}, asBoss(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate: %d %s", res.StatusCode, string(data))
	}
	var validation ValidationResponse
	if err := json.Unmarshal(data, &validation); err != nil {
		t.Fatalf("unmarshal validation: %v", err)
	}
	if validation.IsValid {
		t.Fatalf("expected invalid without drawing: %s", string(data))
	}

	attachRes, attachBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/documents", map[string]any{
		"type": "drawing",
		"name": "widget.dwg",
	}, asBoss(nil))
	if attachRes.StatusCode != http.StatusCreated {
		t.Fatalf("attach: %d %s", attachRes.StatusCode, string(attachBody))
	}

	execRes, execBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions", map[string]any{
		"target_stage_id": stageID,
	}, asBoss(nil))
	if execRes.StatusCode != http.StatusOK {
		t.Fatalf("execute: %d %s", execRes.StatusCode, string(execBody))
	}
	var result TransitionResultResponse
	if err := json.Unmarshal(execBody, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Project.CurrentStageID == nil || *result.Project.CurrentStageID != stageID {
		t.Fatalf("project not moved: %s", string(execBody))
	}
	if result.Record.Outcome != "completed" {
		t.Fatalf("expected completed outcome, got %s", result.Record.Outcome)
	}

	histRes, histBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/history", nil, asBoss(nil))
	if histRes.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", histRes.StatusCode, string(histBody))
	}
	var history []TransitionRecordResponse
	if err := json.Unmarshal(histBody, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected intake + transition, got %d records", len(history))
	}
}

func TestExecuteWithoutPrerequisitesIs422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv, "Widget run")
	stageID := stageIDByName(t, srv, "Technical Review")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions", map[string]any{
		"target_stage_id": stageID,
	}, map[string]string{"X-Actor-Id": "eng"})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
}

func TestBypassWithoutPermissionIs403(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv, "Widget run")
	stageID := stageIDByName(t, srv, "Technical Review")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions", map[string]any{
		"target_stage_id": stageID,
		"bypass":          true,
		"justification":   "trying anyway",
	}, map[string]string{"X-Actor-Id": "eng"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
}

func TestBypassExecutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv, "Widget run")
	stageID := stageIDByName(t, srv, "Technical Review")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions", map[string]any{
		"target_stage_id": stageID,
		"bypass":          true,
		"justification":   "urgent customer request",
	}, map[string]string{"X-Actor-Id": "mgr"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bypass execute: %d %s", res.StatusCode, string(data))
	}
	var result TransitionResultResponse
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Record.Outcome != "bypassed" {
		t.Fatalf("expected bypassed outcome, got %s", result.Record.Outcome)
	}
}

func TestStageManageForbiddenForEngineer(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orgs/org-1/stages", map[string]any{
		"name":  "Shipped",
		"order": 9,
	}, map[string]string{"X-Actor-Id": "eng"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
}

func TestAutoAdvanceEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv, "Widget run")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/auto-advance", nil, asBoss(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("auto-advance: %d %s", res.StatusCode, string(data))
	}
	var eval AutoAdvanceResponse
	if err := json.Unmarshal(data, &eval); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if eval.Available {
		t.Fatalf("missing drawing should block auto-advance: %s", string(data))
	}
}

func TestDevLoginAndJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "boss",
		"org_id":   "org-1",
	}, asBoss(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", meRes.StatusCode, string(meBody))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(meBody, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "boss" || who.OrgID != "org-1" {
		t.Fatalf("unexpected principal: %s", string(meBody))
	}
}

func stageIDByName(t *testing.T, srv *testServer, name string) string {
	t.Helper()
	stages, err := srv.Engine.Repo.ListStages(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	for _, s := range stages {
		if s.Name == name {
			return s.ID.String()
		}
	}
	t.Fatalf("stage %s not found", name)
	return ""
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type stubPackager struct{}

func (stubPackager) Package(ctx context.Context, item domain.WorkItem) (domain.ReleaseInfo, error) {
	return domain.ReleaseInfo{Branch: "wi/" + item.ID, CommitRef: "abc1234"}, nil
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, &config.Config{})
	e.Packager = stubPackager{}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:              testJWTSecret,
		AllowLegacyActorHeader: true,
	}})
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

func signToken(t *testing.T, actorID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   actorID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
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
	if headers == nil {
		req.Header.Set("X-Actor-Id", "tester")
	}
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

func createItem(t *testing.T, srv *testServer, body map[string]any) domain.WorkItem {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, data)
	}
	var w domain.WorkItem
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	return w
}

func TestFullPipelineOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	w := createItem(t, srv, map[string]any{
		"title":               "Ship feature",
		"problem_statement":   "feature missing",
		"acceptance_criteria": []string{"works"},
	})
	itemURL := srv.URL + "/v0/items/" + w.ID

	res, data := doJSON(t, client, http.MethodPost, itemURL+"/output", map[string]any{"summary": "plan"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("plan output: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, itemURL+"/output", map[string]any{"summary": "diff"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute output: %d %s", res.StatusCode, data)
	}

	// no checks configured: both gates pass vacuously
	for _, stage := range []string{"verify", "test"} {
		res, data = doJSON(t, client, http.MethodPost, itemURL+"/gate", nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s gate: %d %s", stage, res.StatusCode, data)
		}
		var gr struct {
			Item    domain.WorkItem    `json:"item"`
			Verdict domain.GateVerdict `json:"verdict"`
		}
		if err := json.Unmarshal(data, &gr); err != nil {
			t.Fatalf("unmarshal gate response: %v", err)
		}
		if !gr.Verdict.Passed {
			t.Fatalf("%s gate should pass: %s", stage, data)
		}
	}

	res, data = doJSON(t, client, http.MethodPut, itemURL+"/criteria/works", map[string]any{"satisfied": true}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set criterion: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, itemURL+"/output", map[string]any{"summary": "docs"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("document output: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, itemURL+"/output", map[string]any{"summary": "release"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("release output: %d %s", res.StatusCode, data)
	}
	var done domain.WorkItem
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal done item: %v", err)
	}
	if done.Stage != domain.StageDone || done.Status != domain.StatusComplete {
		t.Fatalf("expected done/complete, got %s/%s", done.Stage, done.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, itemURL+"/history", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, data)
	}
	var history []domain.Transition
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 6 {
		t.Fatalf("expected 6 transitions, got %d: %s", len(history), data)
	}
}

func TestInvalidTransitionMapsToConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	w := createItem(t, srv, map[string]any{"title": "Conflicted"})

	// plan has no gate
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items/"+w.ID+"/verdict", map[string]any{
		"item_id": w.ID, "stage": "plan", "passed": true, "checked_at": "2024-01-01T00:00:00Z",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition code, got %s", data)
	}
}

func TestUnknownItemMapsToNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, data)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/items", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// health stays open
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/health", nil)
	res, err = srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestJWTAndAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token := signToken(t, "jwt-actor")
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt auth: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "robot",
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, data)
	}
	var created CreateAPIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("expected plaintext key in create response")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d %s", res.StatusCode, data)
	}
	// only the hash is stored
	stored, err := srv.Engine.Repo.GetAPIKeyByHash(context.Background(), repo.HashAPIKey(created.Key))
	if err != nil {
		t.Fatalf("lookup key: %v", err)
	}
	if stored.KeyHash == created.Key {
		t.Fatalf("key stored in plaintext")
	}
}

func TestBlockingVerdictRoutesBackOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	w := createItem(t, srv, map[string]any{"title": "Exhausted"})
	itemURL := srv.URL + "/v0/items/" + w.ID
	doJSON(t, client, http.MethodPost, itemURL+"/output", map[string]any{"summary": "plan"}, nil)
	doJSON(t, client, http.MethodPost, itemURL+"/output", map[string]any{"summary": "diff"}, nil)

	blocking := map[string]any{
		"item_id": w.ID, "stage": "verify", "passed": false,
		"findings": []map[string]any{
			{"check": "lint", "severity": "blocking", "message": "unused import"},
		},
		"checked_at": "2024-01-01T00:00:00Z",
	}
	res, data := doJSON(t, client, http.MethodPost, itemURL+"/verdict", blocking, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first blocking verdict: %d %s", res.StatusCode, data)
	}
	var routed domain.WorkItem
	_ = json.Unmarshal(data, &routed)
	if routed.Stage != domain.StageExecute || routed.RetryCount != 1 {
		t.Fatalf("expected route to execute with 1 retry, got %s/%d", routed.Stage, routed.RetryCount)
	}
}

package streaminghttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ariekogan/ateam-mcp/auth"
	"github.com/ariekogan/ateam-mcp/credential"
	"github.com/ariekogan/ateam-mcp/internal/jsonrpc"
	"github.com/ariekogan/ateam-mcp/mcp"
	"github.com/ariekogan/ateam-mcp/platform"
	"github.com/ariekogan/ateam-mcp/sessions"
	"github.com/ariekogan/ateam-mcp/toolset"
)

const (
	testKey = "ateam_acme_0123456789abcdef0123456789abcdef"
	prmURL  = "https://gw.example/.well-known/oauth-protected-resource"
)

// keyVerifier accepts well-formed platform keys, like the bridge does.
var keyVerifier = auth.VerifierFunc(func(_ context.Context, tok string) (*auth.TokenInfo, error) {
	cred := credential.Parse(tok)
	if !cred.Valid {
		return nil, auth.ErrUnauthorized
	}
	return &auth.TokenInfo{Token: tok, Team: cred.TeamOrDefault("default")}, nil
})

type env struct {
	h  *Handler
	sm *sessions.Manager
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"flows":[]}`))
	}))
	t.Cleanup(backend.Close)

	sm := sessions.NewManager("default", "")
	tools := toolset.NewRegistry(platform.NewClient(backend.URL), sm, "https://gw.example")
	h, err := New(sm, tools, keyVerifier, prmURL, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return &env{h: h, sm: sm}
}

func rpcBody(t *testing.T, id any, method string, params any) string {
	t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		msg["id"] = id
	}
	if params != nil {
		msg["params"] = params
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func initializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": mcp.LatestProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0"},
	}
}

func post(e *env, body, sessionID, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func initializeSession(t *testing.T, e *env, bearer string) string {
	t.Helper()
	rec := post(e, rpcBody(t, 1, "initialize", initializeParams()), "", bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("initialize returned %d: %s", rec.Code, rec.Body.String())
	}
	sessID := rec.Header().Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("initialize response missing Mcp-Session-Id")
	}
	return sessID
}

func TestInitializeWithoutCredentialsChallenges(t *testing.T) {
	e := newEnv(t)

	rec := post(e, rpcBody(t, 1, "initialize", initializeParams()), "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d; want 401", rec.Code)
	}
	challenge := rec.Header().Get("WWW-Authenticate")
	if !strings.Contains(challenge, "Bearer") || !strings.Contains(challenge, prmURL) {
		t.Errorf("WWW-Authenticate = %q; want bearer challenge naming the metadata URL", challenge)
	}
}

func TestInitializeWithBearerBindsSession(t *testing.T) {
	e := newEnv(t)

	sessID := initializeSession(t, e, testKey)

	creds := e.sm.Credentials(sessID)
	if !creds.Explicit || creds.Team != "acme" || creds.Key != testKey {
		t.Fatalf("session credentials = %+v; want explicit acme binding", creds)
	}

	// Immediately following call runs under the bound session.
	rec := post(e, rpcBody(t, 2, "tools/list", nil), sessID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("tools/list = %d: %s", rec.Code, rec.Body.String())
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("tools/list error: %+v", resp.Error)
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tools) == 0 {
		t.Fatal("tool catalog is empty")
	}
}

func TestInvalidBearerIsRejected(t *testing.T) {
	e := newEnv(t)

	rec := post(e, rpcBody(t, 1, "initialize", initializeParams()), "", "sk-wrong-ecosystem")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d; want 401", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("WWW-Authenticate"), "invalid_token") {
		t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
	}
}

func TestUnknownSessionFallsBackToDefaults(t *testing.T) {
	e := newEnv(t)

	// No 404: the call proceeds on default credentials, and read-only tools
	// still answer.
	rec := post(e, rpcBody(t, 1, "tools/list", nil), "ghost-session", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBearerOnLaterCallReestablishesSession(t *testing.T) {
	e := newEnv(t)
	sessID := initializeSession(t, e, testKey)

	// Simulate the sweeper reclaiming the session.
	e.sm.Clear(sessID)
	if e.sm.Credentials(sessID).Explicit {
		t.Fatal("precondition: session should be gone")
	}

	rec := post(e, rpcBody(t, 2, "tools/list", nil), sessID, testKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !e.sm.Credentials(sessID).Explicit {
		t.Fatal("verified token should re-establish the session")
	}
}

func TestFallbackSeedTeam(t *testing.T) {
	e := newEnv(t, WithFallbackSeedTeam("default"))

	// Nothing cached yet: still a challenge.
	rec := post(e, rpcBody(t, 1, "initialize", initializeParams()), "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d; want 401 before any exchange", rec.Code)
	}

	// After an exchange proves a credential for the team, a fresh
	// unauthenticated session inherits it.
	e.sm.RecordFallback("default", testKey)
	sessID := initializeSession(t, e, "")
	creds := e.sm.Credentials(sessID)
	if !creds.Explicit || creds.Key != testKey {
		t.Fatalf("seeded credentials = %+v", creds)
	}
}

func TestNotificationsAccepted(t *testing.T) {
	e := newEnv(t)
	sessID := initializeSession(t, e, testKey)

	rec := post(e, rpcBody(t, nil, "notifications/initialized", nil), sessID, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d; want 202", rec.Code)
	}
}

func TestBatchRejected(t *testing.T) {
	e := newEnv(t)
	rec := post(e, `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, "s", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", rec.Code)
	}
}

func TestWrongContentType(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest("POST", "/mcp", strings.NewReader("hi"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d; want 415", rec.Code)
	}
}

func TestSecondInitializeOnSessionIsError(t *testing.T) {
	e := newEnv(t)
	sessID := initializeSession(t, e, testKey)

	rec := post(e, rpcBody(t, 2, "initialize", initializeParams()), sessID, "")
	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("response = %+v; want invalid-request error", resp)
	}
}

func TestDeleteClearsSession(t *testing.T) {
	e := newEnv(t)
	sessID := initializeSession(t, e, testKey)

	req := httptest.NewRequest("DELETE", "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessID)
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d; want 204", rec.Code)
	}
	if e.sm.Credentials(sessID).Explicit {
		t.Fatal("session should be cleared")
	}

	// Deleting again is still a 204.
	rec = httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("repeat delete = %d; want 204", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestOAuthDisabledSkipsChallenge(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(backend.Close)

	sm := sessions.NewManager("default", testKey)
	tools := toolset.NewRegistry(platform.NewClient(backend.URL), sm, "https://gw.example")
	h, err := New(sm, tools, nil, "", WithOAuthDisabled())
	if err != nil {
		t.Fatal(err)
	}
	e := &env{h: h, sm: sm}

	rec := post(e, rpcBody(t, 1, "initialize", initializeParams()), "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Mcp-Session-Id") == "" {
		t.Fatal("missing session id")
	}
}

func TestOAuthDisabledSeedsSessionFromEnvCredentials(t *testing.T) {
	var gotTeam, gotKey string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTeam = r.Header.Get("X-Team-ID")
		gotKey = r.Header.Get("X-API-Key")
		w.Write([]byte(`{"id":"run_9"}`))
	}))
	t.Cleanup(backend.Close)

	sm := sessions.NewManager("acme", testKey)
	tools := toolset.NewRegistry(platform.NewClient(backend.URL), sm, "", toolset.WithOAuthDisabled())
	h, err := New(sm, tools, nil, "", WithOAuthDisabled())
	if err != nil {
		t.Fatal(err)
	}
	e := &env{h: h, sm: sm}

	sessID := initializeSession(t, e, "")
	creds := e.sm.Credentials(sessID)
	if !creds.Explicit || creds.Team != "acme" || creds.Key != testKey {
		t.Fatalf("session credentials = %+v; want env credentials bound at initialize", creds)
	}

	// Mutating tools run in this mode: the session counts as authenticated.
	rec := post(e, rpcBody(t, 2, "tools/call", map[string]any{
		"name":      "run_flow",
		"arguments": map[string]any{"flow_id": "f1"},
	}), sessID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("tools/call = %d: %s", rec.Code, rec.Body.String())
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("tools/call error: %+v", resp.Error)
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("gated tool refused: %+v", res.Content)
	}
	if gotTeam != "acme" || gotKey != testKey {
		t.Errorf("backend credentials = (%q, %q); want env credentials injected", gotTeam, gotKey)
	}
}

func TestVerifierRequiredUnlessDisabled(t *testing.T) {
	sm := sessions.NewManager("default", "")
	tools := toolset.NewRegistry(platform.NewClient("http://localhost:0"), sm, "")
	if _, err := New(sm, tools, nil, ""); err == nil {
		t.Fatal("want error when verifier is nil and OAuth is enabled")
	}
}

package toolset

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ariekogan/ateam-mcp/mcp"
	"github.com/ariekogan/ateam-mcp/platform"
	"github.com/ariekogan/ateam-mcp/sessions"
)

const testKey = "ateam_acme_0123456789abcdef0123456789abcdef"

func newTestRegistry(t *testing.T, backend http.HandlerFunc) (*Registry, *sessions.Manager) {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	sm := sessions.NewManager("default", "")
	pc := platform.NewClient(srv.URL)
	return NewRegistry(pc, sm, "https://gw.example"), sm
}

func callArgs(t *testing.T, args map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func firstText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("result has no content")
	}
	return res.Content[0].Text
}

func TestListExposesCatalogWithSchemas(t *testing.T) {
	r, _ := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {})

	tools := r.List()
	want := map[string]bool{
		"list_flows": false, "get_flow": false, "run_flow": false,
		"get_run": false, "delete_flow": false,
	}
	for _, tool := range tools {
		if _, ok := want[tool.Name]; !ok {
			t.Errorf("unexpected tool %q", tool.Name)
			continue
		}
		want[tool.Name] = true
		if len(tool.InputSchema) == 0 {
			t.Errorf("tool %q has no input schema", tool.Name)
		}
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			t.Errorf("tool %q schema is not JSON: %v", tool.Name, err)
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("catalog missing %q", name)
		}
	}
}

func TestUnknownToolIsProtocolError(t *testing.T) {
	r, _ := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {})

	_, err := r.Call(context.Background(), "s1", &mcp.CallToolRequest{Name: "launch_missiles"})
	if err == nil || !strings.Contains(err.Error(), "unknown tool") {
		t.Fatalf("err = %v; want unknown tool error", err)
	}
}

func TestReadOnlyToolRunsOnDefaultCredentials(t *testing.T) {
	var gotPath string
	r, _ := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path + "?" + req.URL.RawQuery
		w.Write([]byte(`{"flows":[{"id":"f1"}]}`))
	})

	res, err := r.Call(context.Background(), "s1", &mcp.CallToolRequest{
		Name:      "list_flows",
		Arguments: callArgs(t, map[string]any{"query": "bill ing"}),
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", firstText(t, res))
	}
	if !strings.HasPrefix(gotPath, "/v1/flows?query=bill+ing") {
		t.Errorf("backend path = %q", gotPath)
	}
	if !strings.Contains(firstText(t, res), `"f1"`) {
		t.Errorf("result text = %q", firstText(t, res))
	}
}

func TestMutatingToolGatedWithoutExplicitSession(t *testing.T) {
	backendHit := false
	r, _ := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		backendHit = true
	})

	for _, name := range []string{"run_flow", "delete_flow"} {
		res, err := r.Call(context.Background(), "s1", &mcp.CallToolRequest{
			Name:      name,
			Arguments: callArgs(t, map[string]any{"flow_id": "f1"}),
		})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !res.IsError {
			t.Errorf("%s: want IsError result for unauthenticated session", name)
		}
		text := firstText(t, res)
		if !strings.Contains(text, "https://gw.example/authorize") {
			t.Errorf("%s: guidance %q should name the authorization endpoint", name, text)
		}
	}
	if backendHit {
		t.Error("gated call must not reach the platform")
	}
}

func TestGateGuidanceWithoutAuthorizationFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(srv.Close)

	sm := sessions.NewManager("default", "")
	r := NewRegistry(platform.NewClient(srv.URL), sm, "https://gw.example", WithOAuthDisabled())

	res, err := r.Call(context.Background(), "s1", &mcp.CallToolRequest{
		Name:      "run_flow",
		Arguments: callArgs(t, map[string]any{"flow_id": "f1"}),
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !res.IsError {
		t.Fatal("want IsError without credentials")
	}
	text := firstText(t, res)
	if strings.Contains(text, "/authorize") {
		t.Errorf("guidance %q names an authorization endpoint that is not mounted", text)
	}
	if !strings.Contains(text, "ATEAM_API_KEY") {
		t.Errorf("guidance %q should point at the environment credentials", text)
	}
}

func TestRunFlowWithExplicitSession(t *testing.T) {
	var gotTeam, gotKey, gotMethod, gotPath string
	r, sm := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		gotTeam = req.Header.Get("X-Team-ID")
		gotKey = req.Header.Get("X-API-Key")
		gotMethod = req.Method
		gotPath = req.URL.Path
		w.Write([]byte(`{"id":"run_42","status":"queued"}`))
	})
	sm.Set("s1", "acme", testKey)

	res, err := r.Call(context.Background(), "s1", &mcp.CallToolRequest{
		Name:      "run_flow",
		Arguments: callArgs(t, map[string]any{"flow_id": "f1", "input": map[string]any{"n": 1}}),
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", firstText(t, res))
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/flows/f1/runs" {
		t.Errorf("backend saw %s %s", gotMethod, gotPath)
	}
	if gotTeam != "acme" || gotKey != testKey {
		t.Errorf("backend credentials = (%q, %q)", gotTeam, gotKey)
	}

	// The run id from the response lands in the session context.
	sctx, ok := sm.Context("s1")
	if !ok {
		t.Fatal("session context missing")
	}
	if sctx.ActiveFlowID != "f1" || sctx.LastRunID != "run_42" {
		t.Errorf("session context = %+v", sctx)
	}
	if sctx.LastTool != "run_flow" {
		t.Errorf("LastTool = %q", sctx.LastTool)
	}
}

func TestPlatformErrorBecomesToolError(t *testing.T) {
	r, sm := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, `{"error":"no such flow"}`, http.StatusNotFound)
	})
	sm.Set("s1", "acme", testKey)

	res, err := r.Call(context.Background(), "s1", &mcp.CallToolRequest{
		Name:      "get_flow",
		Arguments: callArgs(t, map[string]any{"flow_id": "ghost"}),
	})
	if err != nil {
		t.Fatalf("platform failures must stay tool-level, got: %v", err)
	}
	if !res.IsError {
		t.Fatal("want IsError result")
	}
	if !strings.Contains(firstText(t, res), "404") {
		t.Errorf("result text = %q", firstText(t, res))
	}
}

func TestMissingRequiredArgument(t *testing.T) {
	r, _ := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {})

	res, err := r.Call(context.Background(), "s1", &mcp.CallToolRequest{
		Name:      "get_flow",
		Arguments: callArgs(t, map[string]any{}),
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !res.IsError || !strings.Contains(firstText(t, res), "flow_id is required") {
		t.Errorf("result = %+v", res)
	}
}

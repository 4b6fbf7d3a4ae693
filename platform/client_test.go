package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ariekogan/ateam-mcp/sessions"
)

var testCreds = sessions.Credentials{
	Team: "acme",
	Key:  "ateam_acme_0123456789abcdef0123456789abcdef",
}

func TestDoInjectsCredentialHeaders(t *testing.T) {
	var gotTeam, gotKey, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTeam = r.Header.Get("X-Team-ID")
		gotKey = r.Header.Get("X-API-Key")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`{"flows":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	body, err := c.Get(context.Background(), "/v1/flows", testCreds)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotTeam != "acme" || gotKey != testCreds.Key {
		t.Errorf("headers = (%q, %q); want credentials injected", gotTeam, gotKey)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if string(body) != `{"flows":[]}` {
		t.Errorf("body = %s", body)
	}
}

func TestPostMarshalsBody(t *testing.T) {
	var gotCT string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"run_1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	body, err := c.Post(context.Background(), "/v1/flows/f1/runs", testCreds, map[string]any{"input": map[string]any{"n": 1}})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if gotCT != "application/json" {
		t.Errorf("Content-Type = %q", gotCT)
	}
	if _, ok := gotBody["input"]; !ok {
		t.Errorf("request body missing input: %v", gotBody)
	}
	if string(body) != `{"id":"run_1"}` {
		t.Errorf("body = %s", body)
	}
}

func TestNon2xxBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"flow not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Get(context.Background(), "/v1/flows/nope", testCreds)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v; want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("Status = %d", apiErr.Status)
	}
	if !strings.Contains(apiErr.Body, "flow not found") {
		t.Errorf("Body = %q", apiErr.Body)
	}
}

func TestDNSFailureHint(t *testing.T) {
	c := NewClient("http://ateam-platform.invalid")
	_, err := c.Get(context.Background(), "/v1/flows", testCreds)
	if err == nil {
		t.Fatal("expected error for unresolvable host")
	}
	if !strings.Contains(err.Error(), "ATEAM_API_URL") {
		t.Errorf("err = %v; want ATEAM_API_URL hint", err)
	}
}

func TestConnectionRefusedHint(t *testing.T) {
	// Grab a port that is closed by starting and stopping a listener.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c := NewClient(addr)
	_, err := c.Get(context.Background(), "/v1/flows", testCreds)
	if err == nil {
		t.Fatal("expected error for refused connection")
	}
	if !strings.Contains(err.Error(), "refused") {
		t.Errorf("err = %v; want refusal hint", err)
	}
}

func TestTimeoutHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))
	_, err := c.Get(context.Background(), "/v1/flows", testCreds)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v; want timeout hint", err)
	}
}

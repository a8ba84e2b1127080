package solver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eribbey/redcarrd/work/config"
)

func TestSolveDecodesClearance(t *testing.T) {
	var gotCmd, gotURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode solve request: %v", err)
		}
		gotCmd, _ = req["cmd"].(string)
		gotURL, _ = req["url"].(string)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": "ok",
			"solution": {
				"status": 200,
				"userAgent": "solved-agent/1.0",
				"cookies": [
					{"name": "cf_clearance", "value": "tok", "domain": ".example.com", "path": "/"}
				]
			}
		}`))
	}))
	defer server.Close()

	c := New(&config.Config{SolverURL: server.URL})
	result, err := c.Solve(context.Background(), "https://embed.example.com/ch1")
	if err != nil {
		t.Fatalf("Solve returned error: %v", err)
	}

	if gotCmd != "request.get" {
		t.Errorf("solver received cmd %q, want request.get", gotCmd)
	}
	if gotURL != "https://embed.example.com/ch1" {
		t.Errorf("solver received url %q", gotURL)
	}
	if result.UserAgent != "solved-agent/1.0" {
		t.Errorf("UserAgent = %q", result.UserAgent)
	}
	if len(result.Cookies) != 1 || result.Cookies[0].Name != "cf_clearance" || result.Cookies[0].Value != "tok" {
		t.Errorf("Cookies = %+v", result.Cookies)
	}
}

func TestSolveRejectsFailureStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "error", "message": "challenge unsolvable"}`))
	}))
	defer server.Close()

	c := New(&config.Config{SolverURL: server.URL})
	if _, err := c.Solve(context.Background(), "https://embed.example.com/ch1"); err == nil {
		t.Fatal("Solve should fail when the service reports an error status")
	}
}

func TestSolveWithoutEndpoint(t *testing.T) {
	c := New(&config.Config{})
	if c.Enabled() {
		t.Fatal("client with no endpoint should report disabled")
	}
	if _, err := c.Solve(context.Background(), "https://embed.example.com/ch1"); err == nil {
		t.Fatal("Solve without an endpoint should fail")
	}
}

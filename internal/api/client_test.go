package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"commaudit/internal/model"
)

func TestClient_ErrorIncludesMessage(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"server log missing"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	_, err := c.Mismatches(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	got := err.Error()
	if want := "503"; !strings.Contains(got, want) {
		t.Fatalf("error missing status: %q", got)
	}
	if want := "server log missing"; !strings.Contains(got, want) {
		t.Fatalf("error missing body: %q", got)
	}
}

func TestClient_Mismatches(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mismatches" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"policy":"first","client_rows":3,"matched":2,"mismatches":[{"kind":"post_size","message":"POST size mismatch for w.json: client payload=10 vs server received=99"}]}`))
	}))
	defer s.Close()

	resp, err := NewClient(s.URL + "/").Mismatches(context.Background())
	if err != nil {
		t.Fatalf("Mismatches: %v", err)
	}
	if resp.ClientRows != 3 || resp.Matched != 2 || len(resp.Mismatches) != 1 {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.Mismatches[0].Kind != model.MismatchPostSize {
		t.Fatalf("kind=%q", resp.Mismatches[0].Kind)
	}
}

func TestClient_Health(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer s.Close()

	if err := NewClient(s.URL).Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

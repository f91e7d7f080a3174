package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"commaudit/internal/api"
	"commaudit/internal/audit"
	"commaudit/internal/model"
	"commaudit/internal/report"
)

const header = "timestamp,role,method,endpoint,client_id,type,file,payload_size,bytes_sent,bytes_received,latency_ms,http_code\n"

func newTestServer(t *testing.T, clientRows, serverRows string) *Server {
	t.Helper()
	dir := t.TempDir()
	opts := audit.Options{
		ClientPath: filepath.Join(dir, "comm_metrics.csv"),
		ServerPath: filepath.Join(dir, "server_comm_metrics.csv"),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if err := os.WriteFile(opts.ClientPath, []byte(header+clientRows), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if serverRows != "" {
		if err := os.WriteFile(opts.ServerPath, []byte(header+serverRows), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return New("127.0.0.1:0", opts, opts.Logger)
}

func TestHandleMismatches(t *testing.T) {
	t.Parallel()

	s := newTestServer(t,
		"18-09-2025 12:00,client,POST,/upload,c1,,weights_r1.json,2048,2100,0,30,200\n"+
			"18-09-2025 12:00,client,POST,/upload,c1,,public_key.txt,100,120,0,30,200\n",
		"18-09-2025 12:00,server,POST,/upload,c1,,weights_r1.json,0,0,2500,5,200\n",
	)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mismatches", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	var resp api.MismatchesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ClientRows != 2 || resp.Matched != 1 || len(resp.Mismatches) != 2 {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.Mismatches[0].Kind != model.MismatchPostSize || resp.Mismatches[1].Kind != model.MismatchNoServerEntry {
		t.Fatalf("kinds=%s,%s", resp.Mismatches[0].Kind, resp.Mismatches[1].Kind)
	}
	if resp.Mismatches[1].Client.Type != model.TypePubKey {
		t.Fatalf("type=%q", resp.Mismatches[1].Client.Type)
	}
}

func TestHandleReport_MissingServerLog(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "18-09-2025 12:00,client,POST,/upload,c1,,w.json,1,1,0,1,200\n", "")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleReport_Text(t *testing.T) {
	t.Parallel()

	s := newTestServer(t,
		"18-09-2025 12:00,client,POST,/upload,c1,,weights_r1.json,2048,2100,0,30,200\n",
		"18-09-2025 12:00,server,POST,/upload,c1,,weights_r1.json,0,0,2048,5,200\n",
	)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), report.AllMatched) {
		t.Fatalf("body:\n%s", rec.Body.String())
	}
}

func TestHandleRounds(t *testing.T) {
	t.Parallel()

	s := newTestServer(t,
		"18-09-2025 12:00,client,POST,/upload,c1,,weights_r1.json,2048,2100,0,30,200\n"+
			"bad,client,POST,/upload,c1,,weights_r1.json,1,1,0,30,200\n",
		"18-09-2025 12:01,server,POST,/upload,c1,,weights_r1.json,0,0,2048,5,200\n",
	)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rounds", nil))
	var resp api.RoundsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Width != "2m0s" || resp.Untimed != 1 || len(resp.Rounds) != 2 {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t,
		"18-09-2025 12:00,client,POST,/upload,c1,,weights_r1.json,2048,2100,0,30,200\n",
		"18-09-2025 12:00,server,POST,/upload,c1,,weights_r1.json,0,0,2048,5,200\n",
	)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "commaudit_matched_operations 1") {
		t.Fatalf("body:\n%s", rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "", "")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/report", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestServer(t,
		"18-09-2025 12:00,client,GET,/download,c1,,weights_r1.json,0,40,900,30,200\n",
		"18-09-2025 12:00,server,GET,/download,c1,,weights_r1.json,2048,2100,0,5,200\n",
	)
	hs := httptest.NewServer(s.Handler())
	defer hs.Close()

	c := api.NewClient(hs.URL)
	ctx := context.Background()
	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
	resp, err := c.Mismatches(ctx)
	if err != nil {
		t.Fatalf("Mismatches: %v", err)
	}
	if len(resp.Mismatches) != 1 || resp.Mismatches[0].Kind != model.MismatchGetSize {
		t.Fatalf("resp=%+v", resp)
	}
	types, err := c.Types(ctx)
	if err != nil {
		t.Fatalf("Types: %v", err)
	}
	if len(types) != 2 || types[0].Type != model.TypeWeights {
		t.Fatalf("types=%+v", types)
	}
}

func TestHandleMismatches_UntimedRowHasNullTimestamp(t *testing.T) {
	t.Parallel()

	s := newTestServer(t,
		"18-09-2025 12:00,client,POST,/upload,c1,,weights_r1.json,2048,2100,0,30,200\n"+
			"not-a-time,client,POST,/upload,c1,,lost.json,10,12,0,30,200\n",
		"18-09-2025 12:00,server,POST,/upload,c1,,weights_r1.json,0,0,2048,5,200\n",
	)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mismatches", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"timestamp":null`) || strings.Contains(body, "0001-01-01") {
		t.Fatalf("body=%s", body)
	}

	var resp api.MismatchesResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Mismatches) != 1 || resp.Mismatches[0].Client.HasTimestamp() {
		t.Fatalf("resp=%+v", resp)
	}
}

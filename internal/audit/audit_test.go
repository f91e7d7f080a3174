package audit

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"commaudit/internal/model"
)

const header = "timestamp,role,method,endpoint,client_id,type,file,payload_size,bytes_sent,bytes_received,latency_ms,http_code"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeLogs(t *testing.T, client, server []string) Options {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		ClientPath: filepath.Join(dir, "comm_metrics.csv"),
		ServerPath: filepath.Join(dir, "server_comm_metrics.csv"),
		Logger:     quietLogger(),
	}
	if client != nil {
		body := header + "\n" + strings.Join(client, "\n") + "\n"
		if err := os.WriteFile(opts.ClientPath, []byte(body), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	if server != nil {
		body := header + "\n" + strings.Join(server, "\n") + "\n"
		if err := os.WriteFile(opts.ServerPath, []byte(body), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return opts
}

func TestRun_MatchedUpload(t *testing.T) {
	t.Parallel()

	opts := writeLogs(t,
		[]string{"2025-09-18 12:00,client,POST,/upload,c1,,weights_r1.json,2048,2100,0,30,200"},
		[]string{"2025-09-18 12:00,server,POST,/upload,c1,,weights_r1.json,0,0,2048,5,200"},
	)
	res, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Mismatches()) != 0 {
		t.Fatalf("mismatches=%v", res.Reconcile.Messages())
	}

	var weights int64
	for _, ts := range res.TypesFor(model.RoleClient) {
		if ts.Type == model.TypeWeights {
			weights = ts.PayloadSize
		}
	}
	if weights != 2048 {
		t.Fatalf("client weights payload=%d types=%+v", weights, res.Types)
	}

	want := time.Date(2025, 9, 18, 12, 0, 0, 0, time.UTC)
	if len(res.Rounds) != 2 || !res.Rounds[0].Start.Equal(want) || res.Rounds[0].PayloadSize != 2048 {
		t.Fatalf("rounds=%+v", res.Rounds)
	}
	if res.Rounds[0].Start.Format("15:04") != "12:00" {
		t.Fatalf("round label=%s", res.Rounds[0].Start.Format("15:04"))
	}
}

func TestRun_PostSizeMismatchNamesFile(t *testing.T) {
	t.Parallel()

	opts := writeLogs(t,
		[]string{"2025-09-18 12:00,client,POST,/upload,c1,,weights_r1.json,2048,2100,0,30,200"},
		[]string{"2025-09-18 12:00,server,POST,/upload,c1,,weights_r1.json,0,0,2500,5,200"},
	)
	res, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	msgs := res.Reconcile.Messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "POST size mismatch") || !strings.Contains(msgs[0], "weights_r1.json") {
		t.Fatalf("messages=%v", msgs)
	}
}

func TestRun_UnmatchedClientRowIsDiagnosticOnly(t *testing.T) {
	t.Parallel()

	opts := writeLogs(t,
		[]string{
			"18-09-2025 12:00,client,POST,/upload,c1,,weights_r1.json,10,12,0,30,200",
			"18-09-2025 12:01,client,GET,/download,c1,,cc.json,0,0,300,30,200",
		},
		[]string{"18-09-2025 12:00,server,POST,/upload,c1,,weights_r1.json,0,0,10,5,200"},
	)
	res, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	mm := res.Mismatches()
	if len(mm) != 1 || mm[0].Kind != model.MismatchNoServerEntry {
		t.Fatalf("mismatches=%+v", mm)
	}
	if mm[0].Client.Type != model.TypeConfig {
		t.Fatalf("client row not classified: %+v", mm[0].Client)
	}
}

func TestRun_MissingLogIsFatal(t *testing.T) {
	t.Parallel()

	opts := writeLogs(t, []string{"18-09-2025 12:00,client,POST,/upload,c1,,w.json,1,1,0,1,200"}, nil)
	_, err := Run(context.Background(), opts)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err=%v", err)
	}
	if !strings.Contains(err.Error(), "server log") {
		t.Fatalf("err does not name the log: %v", err)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	t.Parallel()

	opts := writeLogs(t, []string{}, []string{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, opts); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

func TestAnalyze_NegativeOverheadAndUntimed(t *testing.T) {
	t.Parallel()

	client := []model.Record{
		{Role: model.RoleClient, Method: "POST", Endpoint: "/upload", File: "w.json", PayloadSize: 100, BytesSent: 90},
	}
	server := []model.Record{
		{Role: model.RoleServer, Method: "POST", Endpoint: "/upload", File: "w.json", BytesReceived: 100},
	}
	res := Analyze(client, server, Options{Logger: quietLogger()})
	if res.Overhead.Negative != 1 {
		t.Fatalf("overhead=%+v", res.Overhead)
	}
	if res.Untimed != 2 || len(res.Rounds) != 0 {
		t.Fatalf("untimed=%d rounds=%+v", res.Untimed, res.Rounds)
	}
	if len(res.Mismatches()) != 0 {
		t.Fatalf("untimed rows should match: %v", res.Reconcile.Messages())
	}
	if client[0].Type != "" {
		t.Fatalf("input mutated: %+v", client[0])
	}
}

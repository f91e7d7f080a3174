package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"commaudit/internal/model"
)

func TestWriteCSV_ReadsBack(t *testing.T) {
	t.Parallel()

	items := []model.Record{
		{
			Timestamp:   model.At(time.Date(2025, 9, 18, 12, 3, 7, 0, time.UTC)),
			Role:        model.RoleClient,
			Method:      "POST",
			Endpoint:    "/upload",
			Type:        model.TypeWeights,
			File:        "out/weights_r1.json",
			PayloadSize: 2048,
			BytesSent:   2300,
			LatencyMs:   41,
			HTTPCode:    200,
		},
		{Role: model.RoleClient, Method: "GET", Endpoint: "/cc", File: "cc.json"},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, items); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "timestamp,role,method,") {
		t.Fatalf("missing header: %q", lines[0])
	}
	if !strings.HasPrefix(lines[2], ",client,GET,") {
		t.Fatalf("null timestamp not empty: %q", lines[2])
	}

	got, stats, err := readCSV(&buf, ReadOptions{Role: model.RoleClient})
	if err != nil {
		t.Fatalf("readCSV: %v", err)
	}
	if stats.TimestampMode != TimestampPermissive {
		t.Fatalf("mode=%s", stats.TimestampMode)
	}
	if len(got) != 2 || !got[0].Timestamp.Equal(*items[0].Timestamp) {
		t.Fatalf("got=%+v", got)
	}
	if got[0].BytesSent != 2300 || got[0].File != "out/weights_r1.json" {
		t.Fatalf("row=%+v", got[0])
	}
	if got[1].HasTimestamp() {
		t.Fatalf("expected null timestamp, got %v", got[1].Timestamp)
	}
}

package metrics

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"commaudit/internal/model"
)

// Columns is the canonical column order of a communication-metrics log.
var Columns = []string{
	"timestamp",
	"role",
	"method",
	"endpoint",
	"client_id",
	"type",
	"file",
	"payload_size",
	"bytes_sent",
	"bytes_received",
	"latency_ms",
	"http_code",
}

// DefaultTimestampLayout is the layout the instrumentation writes ("18-09-2025 12:03").
const DefaultTimestampLayout = "02-01-2006 15:04"

// TimestampMode records which parser produced a source's timestamps.
type TimestampMode string

const (
	TimestampPrimary    TimestampMode = "primary"
	TimestampPermissive TimestampMode = "permissive"
)

// ReadOptions controls how one source log is normalized.
type ReadOptions struct {
	Role            model.Role
	TimestampLayout string
	Logger          *slog.Logger
}

// ParseStats summarizes the local recoveries made while normalizing a source.
type ParseStats struct {
	Rows           int
	MissingColumns []string
	BadTimestamps  int
	BadNumbers     int
	MalformedRows  int
	MalformedLines []int // 1-based source lines of MalformedRows
	TimestampMode  TimestampMode
}

// ReadCSV loads and normalizes a metrics log. A missing file is returned as an
// error wrapping fs.ErrNotExist; malformed fields never fail the read.
func ReadCSV(path string, opts ReadOptions) ([]model.Record, ParseStats, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, ParseStats{}, fmt.Errorf("metrics.ReadCSV: %w", err)
	}
	defer file.Close()

	records, stats, err := readCSV(file, opts)
	if err != nil {
		return nil, stats, fmt.Errorf("metrics.ReadCSV: %s: %w", path, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(stats.MissingColumns) > 0 {
		logger.Warn("metrics log is missing columns, using defaults",
			"path", path, "role", opts.Role, "columns", strings.Join(stats.MissingColumns, ","))
	}
	if stats.BadTimestamps > 0 {
		logger.Warn("unparsable timestamps kept without a time",
			"path", path, "role", opts.Role, "rows", stats.BadTimestamps, "mode", stats.TimestampMode)
	}
	if stats.MalformedRows > 0 {
		logger.Warn("malformed CSV rows split on commas with quotes kept literally",
			"path", path, "role", opts.Role, "rows", stats.MalformedRows, "lines", stats.MalformedLines)
	}
	if stats.BadNumbers > 0 {
		logger.Warn("non-numeric fields defaulted to 0", "path", path, "role", opts.Role, "fields", stats.BadNumbers)
	}
	logger.Debug("metrics log loaded", "path", path, "role", opts.Role, "rows", stats.Rows)
	return records, stats, nil
}

func readCSV(r io.Reader, opts ReadOptions) ([]model.Record, ParseStats, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, ParseStats{}, err
	}

	var stats ParseStats
	header := -1
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			header = i
			break
		}
	}
	if header < 0 {
		return nil, ParseStats{MissingColumns: Columns}, nil
	}

	names, ok := splitRow(strings.TrimPrefix(lines[header], "\ufeff"))
	if !ok {
		stats.MalformedRows++
		stats.MalformedLines = append(stats.MalformedLines, header+1)
	}
	index := make(map[string]int, len(names))
	for i, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	for _, col := range Columns {
		if _, ok := index[col]; !ok {
			stats.MissingColumns = append(stats.MissingColumns, col)
		}
	}

	field := func(rec []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	number := func(rec []string, col string) int64 {
		v, ok := parseNumber(field(rec, col))
		if !ok {
			stats.BadNumbers++
		}
		return v
	}

	items := make([]model.Record, 0, len(lines)-header-1)
	rawTimes := make([]string, 0, len(lines)-header-1)
	for i := header + 1; i < len(lines); i++ {
		rec, ok := splitRow(lines[i])
		if isBlank(rec) {
			continue
		}
		if !ok {
			stats.MalformedRows++
			stats.MalformedLines = append(stats.MalformedLines, i+1)
		}
		rawTimes = append(rawTimes, field(rec, "timestamp"))
		items = append(items, model.Record{
			Role:          opts.Role,
			Method:        field(rec, "method"),
			Endpoint:      field(rec, "endpoint"),
			ClientID:      field(rec, "client_id"),
			Type:          field(rec, "type"),
			File:          field(rec, "file"),
			PayloadSize:   number(rec, "payload_size"),
			BytesSent:     number(rec, "bytes_sent"),
			BytesReceived: number(rec, "bytes_received"),
			LatencyMs:     number(rec, "latency_ms"),
			HTTPCode:      int(number(rec, "http_code")),
			Line:          i + 1,
		})
	}

	layout := opts.TimestampLayout
	if layout == "" {
		layout = DefaultTimestampLayout
	}
	times, mode := ParseTimestamps(rawTimes, layout)
	for i := range items {
		items[i].Timestamp = times[i]
		if times[i] == nil {
			stats.BadTimestamps++
		}
	}
	stats.Rows = len(items)
	stats.TimestampMode = mode
	return items, stats, nil
}

// readLines splits r into physical lines without their terminators. Rows
// never span lines, so a broken quote stays confined to its own row.
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			lines = append(lines, strings.TrimRight(line, "\r\n"))
		}
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// splitRow parses one CSV line. A line the csv reader rejects (a bare or
// unterminated quote) is split on commas with quotes kept as literal
// characters, and ok is false.
func splitRow(line string) (fields []string, ok bool) {
	reader := csv.NewReader(strings.NewReader(line))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	rec, err := reader.Read()
	switch {
	case err == nil:
		return rec, true
	case errors.Is(err, io.EOF):
		return nil, true
	}
	return strings.Split(line, ","), false
}

// ParseTimestamps parses a whole source column. The primary layout is tried
// for every value; only when it parses none of them is each value re-parsed
// with the permissive parser. Values neither parser accepts stay nil.
func ParseTimestamps(values []string, layout string) ([]*time.Time, TimestampMode) {
	out := make([]*time.Time, len(values))
	parsed := 0
	for i, v := range values {
		if v == "" {
			continue
		}
		if ts, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			out[i] = model.At(ts)
			parsed++
		}
	}
	if parsed > 0 || len(values) == 0 {
		return out, TimestampPrimary
	}

	for i, v := range values {
		if v == "" {
			continue
		}
		ts, err := dateparse.ParseIn(v, time.UTC)
		if err != nil {
			continue
		}
		// Keep wall-clock time and drop any zone the value carried.
		out[i] = model.At(time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), time.UTC))
	}
	return out, TimestampPermissive
}

// parseNumber coerces a field to an integer byte/ms count. Empty fields are
// a silent 0; anything else unparsable is 0 and reported via ok=false.
// Fractions truncate toward zero and negatives are kept.
func parseNumber(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(s, 64)
	switch {
	case err != nil || math.IsInf(f, 0):
		return 0, false
	case math.IsNaN(f):
		return 0, true
	}
	return int64(f), true
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

package metrics

import (
	"encoding/csv"
	"io"
	"strconv"

	"commaudit/internal/model"
)

// ExportTimestampLayout is used when writing normalized records. It keeps
// seconds, which the instrumentation layout drops.
const ExportTimestampLayout = "2006-01-02 15:04:05"

// WriteCSV writes normalized records with the canonical column order.
// Records without a timestamp get an empty timestamp cell.
func WriteCSV(w io.Writer, items []model.Record) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(Columns); err != nil {
		return err
	}

	for _, r := range items {
		ts := ""
		if r.HasTimestamp() {
			ts = r.Timestamp.Format(ExportTimestampLayout)
		}
		record := []string{
			ts,
			string(r.Role),
			r.Method,
			r.Endpoint,
			r.ClientID,
			r.Type,
			r.File,
			strconv.FormatInt(r.PayloadSize, 10),
			strconv.FormatInt(r.BytesSent, 10),
			strconv.FormatInt(r.BytesReceived, 10),
			strconv.FormatInt(r.LatencyMs, 10),
			strconv.Itoa(r.HTTPCode),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

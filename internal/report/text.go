package report

import (
	"bufio"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"commaudit/internal/audit"
	"commaudit/internal/metrics"
	"commaudit/internal/model"
)

// RoundLayout labels round start times in the text report.
const RoundLayout = "2006-01-02 15:04:05"

// AllMatched is printed when the cross-check found nothing.
const AllMatched = "OK: All matched between client and server (within tolerance)."

// FriendlyBytes renders n with a 1024 base and two decimals ("2.00 KB").
func FriendlyBytes(n int64) string {
	v := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB", "TB"} {
		if v < 1024 {
			return fmt.Sprintf("%0.2f %s", v, unit)
		}
		v /= 1024
	}
	return fmt.Sprintf("%0.2f PB", v)
}

// WriteText renders the full human-readable audit report.
func WriteText(w io.Writer, res *audit.Result) error {
	bw := bufio.NewWriter(w)
	writeClient(bw, res)
	writeServer(bw, res)
	writeRounds(bw, res)
	WriteCrossCheck(bw, res)
	return bw.Flush()
}

func writeClient(w io.Writer, res *audit.Result) {
	t := res.ClientTotals
	o := res.Overhead
	fmt.Fprint(w, "\n================ CLIENT SUMMARY ================\n\n")
	fmt.Fprintf(w, "Client operations:                       %s\n", humanize.Comma(int64(t.Count)))
	fmt.Fprintf(w, "Total client payload (all operations):   %s\n", FriendlyBytes(t.PayloadSize))
	fmt.Fprintf(w, "Total client bytes_sent (approx):        %s\n", FriendlyBytes(t.BytesSent))
	fmt.Fprintf(w, "Total client uploads (POST payload sum): %s\n", FriendlyBytes(t.PostPayloadSize))
	fmt.Fprintf(w, "Avg client latency (ms) [all]:           %s ms\n", humanize.Comma(int64(t.AvgLatencyMs)))
	fmt.Fprintf(w, "Avg client latency (ms) [POST only]:     %s ms\n", humanize.Comma(int64(t.PostAvgLatencyMs)))
	fmt.Fprintf(w, "Average overhead (bytes) [POST only]:    %s bytes\n", humanize.Comma(int64(o.Mean)))
	fmt.Fprintf(w, "Average overhead %% [POST only]:          %.4f%%\n", o.Percent)
	writeLatency(w, "client", res.ClientLatency)
	if o.Negative > 0 {
		fmt.Fprintf(w, "WARNING: %d client POST rows have negative overhead (instrumentation mismatch).\n", o.Negative)
	}

	fmt.Fprint(w, "\nBreakdown (client) by type:\n")
	for _, ts := range res.TypesFor(model.RoleClient) {
		fmt.Fprintf(w, " - %-8s: payload=%s, sent=%s, avg_latency=%d ms\n",
			ts.Type, FriendlyBytes(ts.PayloadSize), FriendlyBytes(ts.BytesSent), int64(ts.AvgLatencyMs))
	}
}

func writeServer(w io.Writer, res *audit.Result) {
	t := res.ServerTotals
	fmt.Fprint(w, "\n================ SERVER SUMMARY ================\n\n")
	fmt.Fprintf(w, "Server operations:                            %s\n", humanize.Comma(int64(t.Count)))
	fmt.Fprintf(w, "Total server bytes_received (all operations): %s\n", FriendlyBytes(t.BytesReceived))
	fmt.Fprintf(w, "Total server payload_size (GET served):       %s\n", FriendlyBytes(t.PayloadSize))
	fmt.Fprintf(w, "Avg server latency (ms):                      %s ms\n", humanize.Comma(int64(t.AvgLatencyMs)))
	writeLatency(w, "server", res.ServerLatency)

	fmt.Fprint(w, "\nBreakdown (server) by type:\n")
	for _, ts := range res.TypesFor(model.RoleServer) {
		fmt.Fprintf(w, " - %-8s: payload=%s, received=%s, avg_latency=%d ms\n",
			ts.Type, FriendlyBytes(ts.PayloadSize), FriendlyBytes(ts.BytesReceived), int64(ts.AvgLatencyMs))
	}
}

func writeLatency(w io.Writer, role string, l metrics.LatencySummary) {
	if l.Count == 0 {
		return
	}
	fmt.Fprintf(w, "Latency %s (nonzero, n=%d): p50=%.0f ms p95=%.0f ms min=%.0f ms max=%.0f ms\n",
		role, l.Count, l.P50, l.P95, l.Min, l.Max)
}

func writeRounds(w io.Writer, res *audit.Result) {
	fmt.Fprintf(w, "\n================ PER-ROUND SUMMARY ================\n\n")
	if len(res.Rounds) == 0 {
		fmt.Fprintln(w, "No timestamped records.")
	}
	for i, r := range res.Rounds {
		if i == 0 || !r.Start.Equal(res.Rounds[i-1].Start) {
			if i > 0 {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "Round starting %s:\n", r.Start.Format(RoundLayout))
		}
		fmt.Fprintf(w, "  %-6s payload=%s, sent=%s, recv=%s\n",
			r.Role, FriendlyBytes(r.PayloadSize), FriendlyBytes(r.BytesSent), FriendlyBytes(r.BytesReceived))
	}
	if res.Untimed > 0 {
		fmt.Fprintf(w, "\n(%d records without a timestamp are not assigned to a round)\n", res.Untimed)
	}
}

// WriteCrossCheck renders only the reconciliation section.
func WriteCrossCheck(w io.Writer, res *audit.Result) {
	WriteMismatches(w, len(res.Reconcile.Matches), len(res.Client), string(res.Policy), res.Tolerance.String(), res.Mismatches())
}

// WriteMismatches renders a cross-check section from already computed counts,
// e.g. a response fetched from a remote audit service.
func WriteMismatches(w io.Writer, matched, clientRows int, policy, window string, mm []model.Mismatch) {
	fmt.Fprint(w, "\n================ CROSS-CHECK ================\n\n")
	fmt.Fprintf(w, "Matched %d of %d client operations (policy=%s, window=%s)\n",
		matched, clientRows, policy, window)
	if len(mm) == 0 {
		fmt.Fprintln(w, AllMatched)
		return
	}
	fmt.Fprintln(w, "Mismatches found:")
	for _, m := range mm {
		fmt.Fprintln(w, " -", m.Message)
	}
}

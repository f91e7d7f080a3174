// Package exporter publishes audit results as Prometheus gauges, either on a
// registry scraped over HTTP or as a node_exporter textfile.
package exporter

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"commaudit/internal/audit"
	"commaudit/internal/model"
)

var mismatchKinds = []model.MismatchKind{
	model.MismatchNoServerEntry,
	model.MismatchNoTimeMatch,
	model.MismatchPostSize,
	model.MismatchGetSize,
}

// Exporter owns a private registry holding the gauges of the latest run.
type Exporter struct {
	reg *prometheus.Registry

	records          *prometheus.GaugeVec
	matched          prometheus.Gauge
	mismatches       *prometheus.GaugeVec
	payloadBytes     *prometheus.GaugeVec
	sentBytes        *prometheus.GaugeVec
	receivedBytes    *prometheus.GaugeVec
	overheadPercent  prometheus.Gauge
	negativeOverhead prometheus.Gauge
	untimed          prometheus.Gauge
	lastRun          prometheus.Gauge
}

// New creates an Exporter with all gauges registered.
func New() *Exporter {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Exporter{
		reg: reg,
		records: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "commaudit_records",
			Help: "Normalized records per log side",
		}, []string{"role"}),
		matched: f.NewGauge(prometheus.GaugeOpts{
			Name: "commaudit_matched_operations",
			Help: "Client operations paired with a server record",
		}),
		mismatches: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "commaudit_mismatches",
			Help: "Reconciliation diagnostics by kind",
		}, []string{"kind"}),
		payloadBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "commaudit_payload_bytes",
			Help: "Sum of payload_size by role and payload type",
		}, []string{"role", "type"}),
		sentBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "commaudit_sent_bytes",
			Help: "Sum of bytes_sent by role and payload type",
		}, []string{"role", "type"}),
		receivedBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "commaudit_received_bytes",
			Help: "Sum of bytes_received by role and payload type",
		}, []string{"role", "type"}),
		overheadPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "commaudit_post_overhead_percent",
			Help: "Aggregate client POST overhead as a percentage of payload",
		}),
		negativeOverhead: f.NewGauge(prometheus.GaugeOpts{
			Name: "commaudit_negative_overhead_rows",
			Help: "Client POST rows whose bytes_sent is below payload_size",
		}),
		untimed: f.NewGauge(prometheus.GaugeOpts{
			Name: "commaudit_untimed_records",
			Help: "Records without a parsable timestamp",
		}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "commaudit_last_run_timestamp_seconds",
			Help: "Unix time of the audit these gauges describe",
		}),
	}
}

// Registry exposes the registry for promhttp.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.reg
}

// Observe replaces every gauge with the values of res.
func (e *Exporter) Observe(res *audit.Result) {
	e.records.Reset()
	e.records.WithLabelValues(string(model.RoleClient)).Set(float64(len(res.Client)))
	e.records.WithLabelValues(string(model.RoleServer)).Set(float64(len(res.Server)))

	e.matched.Set(float64(len(res.Reconcile.Matches)))

	counts := make(map[model.MismatchKind]int, len(mismatchKinds))
	for _, m := range res.Mismatches() {
		counts[m.Kind]++
	}
	e.mismatches.Reset()
	for _, k := range mismatchKinds {
		e.mismatches.WithLabelValues(string(k)).Set(float64(counts[k]))
	}

	e.payloadBytes.Reset()
	e.sentBytes.Reset()
	e.receivedBytes.Reset()
	for _, ts := range res.Types {
		e.payloadBytes.WithLabelValues(string(ts.Role), ts.Type).Set(float64(ts.PayloadSize))
		e.sentBytes.WithLabelValues(string(ts.Role), ts.Type).Set(float64(ts.BytesSent))
		e.receivedBytes.WithLabelValues(string(ts.Role), ts.Type).Set(float64(ts.BytesReceived))
	}

	e.overheadPercent.Set(res.Overhead.Percent)
	e.negativeOverhead.Set(float64(res.Overhead.Negative))
	e.untimed.Set(float64(res.Untimed))
	e.lastRun.Set(float64(res.GeneratedAt.Unix()))
}

// WriteTextfile writes the gauges for res in the text exposition format.
func WriteTextfile(path string, res *audit.Result) error {
	e := New()
	e.Observe(res)
	if err := prometheus.WriteToTextfile(path, e.reg); err != nil {
		return fmt.Errorf("exporter.WriteTextfile: %w", err)
	}
	return nil
}

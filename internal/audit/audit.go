// Package audit runs the whole reconciliation over one snapshot of the two
// communication-metrics logs. A run holds no state between invocations.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"commaudit/internal/classify"
	"commaudit/internal/config"
	"commaudit/internal/metrics"
	"commaudit/internal/model"
	"commaudit/internal/reconcile"
)

// Options selects the inputs and tuning of one run.
type Options struct {
	ClientPath      string
	ServerPath      string
	TimestampLayout string
	Tolerance       time.Duration
	RoundWidth      time.Duration
	Policy          reconcile.Policy
	Rules           []classify.Rule
	Logger          *slog.Logger
}

// OptionsFromConfig maps the audit section of a config file to Options.
func OptionsFromConfig(cfg config.AuditConfig, logger *slog.Logger) (Options, error) {
	policy, err := reconcile.ParsePolicy(cfg.MatchPolicy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		ClientPath:      cfg.ClientPath(),
		ServerPath:      cfg.ServerPath(),
		TimestampLayout: cfg.TimestampLayout,
		Tolerance:       cfg.Tolerance,
		RoundWidth:      cfg.RoundWidth,
		Policy:          policy,
		Logger:          logger,
	}, nil
}

func (o Options) withDefaults() Options {
	if o.TimestampLayout == "" {
		o.TimestampLayout = metrics.DefaultTimestampLayout
	}
	if o.Tolerance <= 0 {
		o.Tolerance = reconcile.DefaultTolerance
	}
	if o.RoundWidth <= 0 {
		o.RoundWidth = metrics.DefaultRoundWidth
	}
	if o.Policy == "" {
		o.Policy = reconcile.PolicyFirst
	}
	if o.Rules == nil {
		o.Rules = classify.DefaultRules
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Result is everything one run derived from the two logs.
type Result struct {
	GeneratedAt time.Time
	Tolerance   time.Duration
	RoundWidth  time.Duration
	Policy      reconcile.Policy

	Client      []model.Record
	Server      []model.Record
	ClientParse metrics.ParseStats
	ServerParse metrics.ParseStats

	Reconcile reconcile.Result

	ClientTotals  metrics.RoleTotals
	ServerTotals  metrics.RoleTotals
	Types         []metrics.TypeSummary
	Rounds        []metrics.RoundSummary
	Untimed       int
	Overhead      metrics.OverheadSummary
	ClientLatency metrics.LatencySummary
	ServerLatency metrics.LatencySummary
}

// Mismatches returns the reconciliation diagnostics.
func (r *Result) Mismatches() []model.Mismatch {
	return r.Reconcile.Mismatches
}

// TypesFor returns the per-type summaries of one role.
func (r *Result) TypesFor(role model.Role) []metrics.TypeSummary {
	var out []metrics.TypeSummary
	for _, t := range r.Types {
		if t.Role == role {
			out = append(out, t)
		}
	}
	return out
}

// Run loads both logs concurrently and analyzes them. A missing or
// unreadable log fails the run; everything else is reported in the Result.
func Run(ctx context.Context, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	var (
		client, server           []model.Record
		clientStats, serverStats metrics.ParseStats
	)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("audit.Run: %w", err)
	}
	var g errgroup.Group
	g.Go(func() error {
		var err error
		client, clientStats, err = metrics.ReadCSV(opts.ClientPath, metrics.ReadOptions{
			Role:            model.RoleClient,
			TimestampLayout: opts.TimestampLayout,
			Logger:          opts.Logger,
		})
		if err != nil {
			return fmt.Errorf("client log: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		server, serverStats, err = metrics.ReadCSV(opts.ServerPath, metrics.ReadOptions{
			Role:            model.RoleServer,
			TimestampLayout: opts.TimestampLayout,
			Logger:          opts.Logger,
		})
		if err != nil {
			return fmt.Errorf("server log: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("audit.Run: %w", err)
	}

	res := Analyze(client, server, opts)
	res.ClientParse = clientStats
	res.ServerParse = serverStats
	return res, nil
}

// Analyze classifies, reconciles and aggregates already-normalized records.
// The inputs are not modified.
func Analyze(client, server []model.Record, opts Options) *Result {
	opts = opts.withDefaults()

	client = classify.Apply(client, opts.Rules)
	server = classify.Apply(server, opts.Rules)

	rec := reconcile.Reconcile(client, server, reconcile.Options{
		Tolerance: opts.Tolerance,
		Policy:    opts.Policy,
	})

	all := make([]model.Record, 0, len(client)+len(server))
	all = append(all, client...)
	all = append(all, server...)
	rounds, untimed := metrics.ByRound(all, opts.RoundWidth)

	res := &Result{
		GeneratedAt:   time.Now().UTC(),
		Tolerance:     opts.Tolerance,
		RoundWidth:    opts.RoundWidth,
		Policy:        opts.Policy,
		Client:        client,
		Server:        server,
		Reconcile:     rec,
		ClientTotals:  metrics.Totals(client),
		ServerTotals:  metrics.Totals(server),
		Types:         metrics.ByType(all),
		Rounds:        rounds,
		Untimed:       untimed,
		Overhead:      metrics.Overhead(client),
		ClientLatency: metrics.Latency(client),
		ServerLatency: metrics.Latency(server),
	}

	if res.Overhead.Negative > 0 {
		opts.Logger.Warn("client POST rows with negative overhead (bytes_sent < payload_size), check instrumentation",
			"rows", res.Overhead.Negative)
	}
	if untimed > 0 {
		opts.Logger.Warn("records without timestamp left out of round aggregation", "rows", untimed)
	}
	opts.Logger.Info("audit complete",
		"client_rows", len(client), "server_rows", len(server),
		"matched", len(rec.Matches), "mismatches", len(rec.Mismatches))
	return res
}

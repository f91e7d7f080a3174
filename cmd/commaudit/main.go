package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"commaudit/internal/api"
	"commaudit/internal/audit"
	"commaudit/internal/config"
	"commaudit/internal/exporter"
	"commaudit/internal/metrics"
	"commaudit/internal/report"
	"commaudit/internal/server"
	"commaudit/internal/store"
)

const usage = `commaudit - reconcile client/server communication metrics of a training run

Usage:
  commaudit report [--config <path>] [--dir <metrics dir>] [--plots <dir>] [--no-charts] [--textfile <path>] [--history <path>]
  commaudit check [--config <path>] [--dir <metrics dir>] [--strict] [--remote http://host:9464]
  commaudit rounds [--config <path>] [--dir <metrics dir>] [--round 2m] [--remote http://host:9464]
  commaudit export csv --out <file> [--config <path>] [--dir <metrics dir>]
  commaudit history [--config <path>] [--history <path>]
  commaudit serve [--config <path>] [--listen :9464]
  commaudit config init --out <path>

Common flags:
  --client <file> --server <file> --tolerance 60s --round 2m --policy first|nearest
  --timestamp-layout <go layout> --verbose
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "report":
		handleReport(os.Args[2:])
	case "check":
		handleCheck(os.Args[2:])
	case "rounds":
		handleRounds(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	case "serve":
		handleServe(os.Args[2:])
	case "history":
		handleHistory(os.Args[2:])
	case "config":
		handleConfig(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// auditFlags are accepted by every subcommand that runs an audit.
type auditFlags struct {
	configPath *string
	dir        *string
	client     *string
	server     *string
	tolerance  *time.Duration
	round      *time.Duration
	policy     *string
	layout     *string
	verbose    *bool
}

func registerAuditFlags(fs *flag.FlagSet) auditFlags {
	return auditFlags{
		configPath: fs.String("config", "", "path to YAML config"),
		dir:        fs.String("dir", "", "metrics directory holding both logs"),
		client:     fs.String("client", "", "client log file (relative to --dir)"),
		server:     fs.String("server", "", "server log file (relative to --dir)"),
		tolerance:  fs.Duration("tolerance", 0, "max clock gap for a client/server match"),
		round:      fs.Duration("round", 0, "aggregation round width"),
		policy:     fs.String("policy", "", "candidate selection: first|nearest"),
		layout:     fs.String("timestamp-layout", "", "primary timestamp layout (Go reference time)"),
		verbose:    fs.Bool("verbose", false, "debug logging"),
	}
}

// resolve loads the config file, applies flag overrides and validates.
func (f auditFlags) resolve() config.Config {
	setupLogging(*f.verbose)

	cfg, err := loadConfig(*f.configPath)
	if err != nil {
		fatal(err)
	}
	overrideAudit(&cfg.Audit, f)
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	return cfg
}

func (f auditFlags) run(ctx context.Context) (config.Config, *audit.Result) {
	cfg := f.resolve()
	opts, err := audit.OptionsFromConfig(cfg.Audit, slog.Default())
	if err != nil {
		fatal(err)
	}
	res, err := audit.Run(ctx, opts)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fatal(fmt.Errorf("metrics file not found: %w", err))
		}
		fatal(err)
	}
	return cfg, res
}

func handleReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	af := registerAuditFlags(fs)
	plots := fs.String("plots", "", "chart output directory")
	noCharts := fs.Bool("no-charts", false, "skip chart rendering")
	textfile := fs.String("textfile", "", "write Prometheus textfile to this path")
	history := fs.String("history", "", "append a run snapshot to this YAML history file")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	cfg, res := af.run(ctx)
	if err := report.WriteText(os.Stdout, res); err != nil {
		fatal(err)
	}

	if *plots != "" {
		cfg.Audit.PlotsDir = *plots
	}
	if cfg.Audit.ChartsEnabled() && !*noCharts {
		fmt.Fprintln(os.Stdout, "\nGenerating plots in", cfg.Audit.PlotsDir)
		renderer := report.GoChart{Logger: slog.Default()}
		paths, err := renderer.Render(cfg.Audit.PlotsDir, report.NewChartData(res))
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: some charts failed: %v\n", err)
		}
		fmt.Fprintf(os.Stdout, "Plots saved: %d\n", len(paths))
	}

	if *textfile != "" {
		cfg.Audit.TextfilePath = *textfile
	}
	if cfg.Audit.TextfilePath != "" {
		if err := exporter.WriteTextfile(cfg.Audit.TextfilePath, res); err != nil {
			fatal(err)
		}
	}

	if *history != "" {
		cfg.Audit.HistoryPath = *history
	}
	if cfg.Audit.HistoryPath != "" {
		snap := store.Snapshot(res, cfg.Audit.ClientPath(), cfg.Audit.ServerPath())
		if err := store.Record(cfg.Audit.HistoryPath, snap, cfg.Audit.HistoryMaxRuns); err != nil {
			fatal(err)
		}
	}
}

func handleHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	path := fs.String("history", "", "YAML history file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if *path != "" {
		cfg.Audit.HistoryPath = *path
	}
	if cfg.Audit.HistoryPath == "" {
		fatal(errors.New("--history or audit.history_path is required"))
	}

	h, err := store.LoadHistory(cfg.Audit.HistoryPath)
	if err != nil {
		fatal(err)
	}
	if len(h.Runs) == 0 {
		fmt.Fprintln(os.Stdout, "no runs recorded")
		return
	}

	fmt.Fprintf(os.Stdout, "%-20s  %-7s  %7s  %7s  %7s  %10s  %6s\n",
		"AT", "POLICY", "CLIENT", "SERVER", "MATCHED", "MISMATCHES", "ROUNDS")
	for _, r := range h.Runs {
		fmt.Fprintf(os.Stdout, "%-20s  %-7s  %7d  %7d  %7d  %10d  %6d\n",
			r.At.Format(time.RFC3339), r.Policy, r.ClientRows, r.ServerRows, r.Matched, r.TotalMismatches(), r.Rounds)
	}
}

func handleCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	af := registerAuditFlags(fs)
	strict := fs.Bool("strict", false, "exit with status 3 when mismatches are found")
	remote := fs.String("remote", "", "base URL of a running audit service to query instead of local logs")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	var found int
	if *remote != "" {
		setupLogging(*af.verbose)
		resp, err := api.NewClient(*remote).Mismatches(ctx)
		if err != nil {
			fatal(err)
		}
		report.WriteMismatches(os.Stdout, resp.Matched, resp.ClientRows, resp.Policy, resp.Tolerance, resp.Mismatches)
		found = len(resp.Mismatches)
	} else {
		_, res := af.run(ctx)
		report.WriteCrossCheck(os.Stdout, res)
		found = len(res.Mismatches())
	}
	if *strict && found > 0 {
		os.Exit(3)
	}
}

func handleRounds(args []string) {
	fs := flag.NewFlagSet("rounds", flag.ExitOnError)
	af := registerAuditFlags(fs)
	remote := fs.String("remote", "", "base URL of a running audit service to query instead of local logs")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	var (
		rounds  []metrics.RoundSummary
		untimed int
	)
	if *remote != "" {
		setupLogging(*af.verbose)
		resp, err := api.NewClient(*remote).Rounds(ctx)
		if err != nil {
			fatal(err)
		}
		rounds, untimed = resp.Rounds, resp.Untimed
	} else {
		_, res := af.run(ctx)
		rounds, untimed = res.Rounds, res.Untimed
	}
	if len(rounds) == 0 {
		fmt.Fprintln(os.Stdout, "no timestamped records")
		return
	}

	fmt.Fprintf(os.Stdout, "%-19s  %-6s  %6s  %14s  %14s  %14s\n",
		"ROUND_START", "ROLE", "OPS", "PAYLOAD", "SENT", "RECEIVED")
	for _, r := range rounds {
		fmt.Fprintf(os.Stdout, "%-19s  %-6s  %6d  %14s  %14s  %14s\n",
			r.Start.Format(report.RoundLayout), r.Role, r.Count,
			report.FriendlyBytes(r.PayloadSize), report.FriendlyBytes(r.BytesSent), report.FriendlyBytes(r.BytesReceived))
	}
	if untimed > 0 {
		fmt.Fprintf(os.Stdout, "untimed=%d\n", untimed)
	}
}

func handleExport(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "export subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	af := registerAuditFlags(fs)
	out := fs.String("out", "", "output file")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}

	ctx, cancel := signalContext()
	defer cancel()

	_, res := af.run(ctx)
	records := append(append(res.Client[:0:0], res.Client...), res.Server...)
	if err := writeFile(*out, func(w io.Writer) error { return metrics.WriteCSV(w, records) }); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "exported %d records to %s\n", len(records), *out)
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	af := registerAuditFlags(fs)
	listen := fs.String("listen", "", "listen address")
	_ = fs.Parse(args)

	cfg := af.resolve()
	if cfg.Server == nil {
		cfg.Server = &config.ServerConfig{}
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	config.ApplyDefaults(&cfg)

	opts, err := audit.OptionsFromConfig(cfg.Audit, slog.Default())
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv := server.New(cfg.Server.Listen, opts, slog.Default())
	fatal(srv.ListenAndServe(ctx))
}

func handleConfig(args []string) {
	if len(args) == 0 || args[0] != "init" {
		fmt.Fprint(os.Stderr, "config init required\n")
		os.Exit(2)
	}
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	out := fs.String("out", "", "config file to write")
	dir := fs.String("dir", "", "metrics directory")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}
	cfg := config.Config{Audit: config.AuditConfig{MetricsDir: *dir}, Server: &config.ServerConfig{}}
	if err := config.Save(*out, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", *out)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func overrideAudit(cfg *config.AuditConfig, f auditFlags) {
	if *f.dir != "" {
		// Plots follow the metrics dir unless the config pinned them.
		if cfg.PlotsDir == "" || cfg.PlotsDir == filepath.Join(cfg.MetricsDir, config.DefaultPlotsDirName) {
			cfg.PlotsDir = filepath.Join(*f.dir, config.DefaultPlotsDirName)
		}
		cfg.MetricsDir = *f.dir
	}
	if *f.client != "" {
		cfg.ClientFile = *f.client
	}
	if *f.server != "" {
		cfg.ServerFile = *f.server
	}
	if *f.tolerance > 0 {
		cfg.Tolerance = *f.tolerance
	}
	if *f.round > 0 {
		cfg.RoundWidth = *f.round
	}
	if *f.policy != "" {
		cfg.MatchPolicy = *f.policy
	}
	if *f.layout != "" {
		cfg.TimestampLayout = *f.layout
	}
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func writeFile(dst string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := write(out); err != nil {
		return err
	}
	return out.Sync()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

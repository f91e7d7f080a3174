package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMetricsDir      = "."
	DefaultClientFile      = "comm_metrics.csv"
	DefaultServerFile      = "server_comm_metrics.csv"
	DefaultPlotsDirName    = "plots"
	DefaultTolerance       = 60 * time.Second
	DefaultRoundWidth      = 2 * time.Minute
	DefaultMatchPolicy     = "first"
	DefaultTimestampLayout = "02-01-2006 15:04"
	DefaultListen          = ":9464"
)

// Config holds audit and service settings.
type Config struct {
	Audit  AuditConfig   `yaml:"audit"`
	Server *ServerConfig `yaml:"server,omitempty"`
}

// AuditConfig controls where the two logs live and how they are reconciled.
type AuditConfig struct {
	MetricsDir      string        `yaml:"metrics_dir"`
	ClientFile      string        `yaml:"client_file"`
	ServerFile      string        `yaml:"server_file"`
	PlotsDir        string        `yaml:"plots_dir"`
	Tolerance       time.Duration `yaml:"tolerance"`
	RoundWidth      time.Duration `yaml:"round_width"`
	MatchPolicy     string        `yaml:"match_policy"` // first|nearest
	TimestampLayout string        `yaml:"timestamp_layout"`
	Charts          *bool         `yaml:"charts,omitempty"`
	TextfilePath    string        `yaml:"textfile_path"`
	HistoryPath     string        `yaml:"history_path"`
	HistoryMaxRuns  int           `yaml:"history_max_runs"`
}

// ServerConfig is used by `commaudit serve`.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config.Load: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config.Load: parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate rejects settings the audit cannot run with.
func Validate(cfg Config) error {
	a := cfg.Audit
	if a.ClientFile == "" || a.ServerFile == "" {
		return fmt.Errorf("audit.client_file and audit.server_file are required")
	}
	if a.Tolerance < 0 {
		return fmt.Errorf("audit.tolerance must not be negative")
	}
	if a.HistoryMaxRuns < 0 {
		return fmt.Errorf("audit.history_max_runs must not be negative")
	}
	if a.RoundWidth <= 0 {
		return fmt.Errorf("audit.round_width must be positive")
	}
	switch a.MatchPolicy {
	case "first", "nearest":
	default:
		return fmt.Errorf("audit.match_policy must be first or nearest, got %q", a.MatchPolicy)
	}
	if cfg.Server != nil && cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	a := &cfg.Audit
	if a.MetricsDir == "" {
		a.MetricsDir = DefaultMetricsDir
	}
	if a.ClientFile == "" {
		a.ClientFile = DefaultClientFile
	}
	if a.ServerFile == "" {
		a.ServerFile = DefaultServerFile
	}
	if a.PlotsDir == "" {
		a.PlotsDir = filepath.Join(a.MetricsDir, DefaultPlotsDirName)
	}
	if a.Tolerance == 0 {
		a.Tolerance = DefaultTolerance
	}
	if a.RoundWidth == 0 {
		a.RoundWidth = DefaultRoundWidth
	}
	if a.MatchPolicy == "" {
		a.MatchPolicy = DefaultMatchPolicy
	}
	if a.TimestampLayout == "" {
		a.TimestampLayout = DefaultTimestampLayout
	}
	if a.Charts == nil {
		enabled := true
		a.Charts = &enabled
	}

	if cfg.Server != nil && cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
}

// ClientPath returns the client log path, resolved against MetricsDir.
func (a AuditConfig) ClientPath() string {
	return resolve(a.MetricsDir, a.ClientFile)
}

// ServerPath returns the server log path, resolved against MetricsDir.
func (a AuditConfig) ServerPath() string {
	return resolve(a.MetricsDir, a.ServerFile)
}

// ChartsEnabled reports whether chart rendering is on.
func (a AuditConfig) ChartsEnabled() bool {
	return a.Charts == nil || *a.Charts
}

func resolve(dir, file string) string {
	if filepath.IsAbs(file) || dir == "" {
		return file
	}
	return filepath.Join(dir, file)
}

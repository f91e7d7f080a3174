// Package store persists a short history of audit runs so mismatch counts can
// be compared between invocations over the same training run.
package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"commaudit/internal/audit"
	"commaudit/internal/model"
)

// DefaultMaxRuns bounds the number of snapshots kept in a history file.
const DefaultMaxRuns = 50

// History is the on-disk list of past audit runs, oldest first.
type History struct {
	UpdatedAt time.Time     `yaml:"updated_at"`
	Runs      []RunSnapshot `yaml:"runs"`
}

// RunSnapshot is the summary of one audit run.
type RunSnapshot struct {
	At            time.Time                  `yaml:"at"`
	ClientPath    string                     `yaml:"client_path"`
	ServerPath    string                     `yaml:"server_path"`
	Policy        string                     `yaml:"policy"`
	ClientRows    int                        `yaml:"client_rows"`
	ServerRows    int                        `yaml:"server_rows"`
	Matched       int                        `yaml:"matched"`
	Mismatches    map[model.MismatchKind]int `yaml:"mismatches,omitempty"`
	ClientPayload int64                      `yaml:"client_payload"`
	ServerPayload int64                      `yaml:"server_payload"`
	Rounds        int                        `yaml:"rounds"`
}

// TotalMismatches sums the per-kind counts.
func (s RunSnapshot) TotalMismatches() int {
	n := 0
	for _, c := range s.Mismatches {
		n += c
	}
	return n
}

// Snapshot summarizes res. The paths are informational only.
func Snapshot(res *audit.Result, clientPath, serverPath string) RunSnapshot {
	snap := RunSnapshot{
		At:            res.GeneratedAt,
		ClientPath:    clientPath,
		ServerPath:    serverPath,
		Policy:        string(res.Policy),
		ClientRows:    len(res.Client),
		ServerRows:    len(res.Server),
		Matched:       len(res.Reconcile.Matches),
		ClientPayload: res.ClientTotals.PayloadSize,
		ServerPayload: res.ServerTotals.PayloadSize,
	}
	rounds := make(map[time.Time]struct{})
	for _, r := range res.Rounds {
		rounds[r.Start] = struct{}{}
	}
	snap.Rounds = len(rounds)

	for _, m := range res.Mismatches() {
		if snap.Mismatches == nil {
			snap.Mismatches = make(map[model.MismatchKind]int)
		}
		snap.Mismatches[m.Kind]++
	}
	return snap
}

// LoadHistory loads the history from disk. If the file is missing, returns an empty history.
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &History{}, nil
		}
		return nil, err
	}

	var h History
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, err
	}

	return &h, nil
}

// SaveHistory writes the history to disk.
func SaveHistory(path string, h *History) error {
	if h == nil {
		return nil
	}
	h.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(h)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Append adds snap and drops the oldest entries beyond maxRuns (<=0 uses DefaultMaxRuns).
func (h *History) Append(snap RunSnapshot, maxRuns int) {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	h.Runs = append(h.Runs, snap)
	if over := len(h.Runs) - maxRuns; over > 0 {
		h.Runs = append(h.Runs[:0:0], h.Runs[over:]...)
	}
}

// Record loads the history at path, appends snap and saves it back.
func Record(path string, snap RunSnapshot, maxRuns int) error {
	h, err := LoadHistory(path)
	if err != nil {
		return err
	}
	h.Append(snap, maxRuns)
	return SaveHistory(path, h)
}

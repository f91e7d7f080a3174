package api

import (
	"time"

	"commaudit/internal/metrics"
	"commaudit/internal/model"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// MismatchesResponse is the body of GET /mismatches.
type MismatchesResponse struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Policy      string           `json:"policy"`
	Tolerance   string           `json:"tolerance"`
	ClientRows  int              `json:"client_rows"`
	Matched     int              `json:"matched"`
	Mismatches  []model.Mismatch `json:"mismatches"`
}

// RoundsResponse is the body of GET /rounds.
type RoundsResponse struct {
	Width   string                 `json:"width"`
	Untimed int                    `json:"untimed"`
	Rounds  []metrics.RoundSummary `json:"rounds"`
}

// ErrorResponse is returned with any non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

package model

import "time"

// Role identifies which side of an exchange recorded a row.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Payload type labels assigned by the classifier.
const (
	TypeConfig  = "config"
	TypePubKey  = "pubkey"
	TypeReKey   = "rekey"
	TypeWeights = "weights"
	TypeUnknown = "unknown"
)

// Record is one observed network operation, as seen by one side.
// A nil Timestamp means the source value could not be parsed.
type Record struct {
	Timestamp     *time.Time `json:"timestamp"`
	Role          Role       `json:"role"`
	Method        string     `json:"method"`
	Endpoint      string     `json:"endpoint"`
	ClientID      string     `json:"client_id"`
	Type          string     `json:"type"`
	File          string     `json:"file"`
	PayloadSize   int64      `json:"payload_size"`
	BytesSent     int64      `json:"bytes_sent"`
	BytesReceived int64      `json:"bytes_received"`
	LatencyMs     int64      `json:"latency_ms"`
	HTTPCode      int        `json:"http_code"`
	Line          int        `json:"line"` // 1-based line in the source log
}

// HasTimestamp reports whether the record carries a usable timestamp.
func (r Record) HasTimestamp() bool {
	return r.Timestamp != nil
}

// At returns a timestamp value for Record.Timestamp.
func At(t time.Time) *time.Time {
	return &t
}

// MismatchKind classifies a reconciliation diagnostic.
type MismatchKind string

const (
	MismatchNoServerEntry MismatchKind = "no_server_entry"
	MismatchNoTimeMatch   MismatchKind = "no_time_match"
	MismatchPostSize      MismatchKind = "post_size"
	MismatchGetSize       MismatchKind = "get_size"
)

// Mismatch is a client operation the server log does not corroborate.
type Mismatch struct {
	Kind    MismatchKind `json:"kind"`
	Client  Record       `json:"client"`
	Server  *Record      `json:"server,omitempty"`
	Message string       `json:"message"`
}

// Match pairs a client record with the server record chosen for it.
type Match struct {
	Client Record
	Server Record
}

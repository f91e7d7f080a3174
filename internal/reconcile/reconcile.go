// Package reconcile pairs client-observed operations with the server rows
// that corroborate them and reports what it cannot pair or what disagrees.
package reconcile

import (
	"fmt"
	"math"
	"strings"
	"time"

	"commaudit/internal/model"
)

// DefaultTolerance is the widest clock gap accepted between the two sides.
const DefaultTolerance = 60 * time.Second

// Policy selects among several in-window server candidates sharing a key.
type Policy string

const (
	// PolicyFirst takes the first candidate in server-log order that is
	// inside the window. Reports produced so far rely on it.
	PolicyFirst Policy = "first"
	// PolicyNearest takes the in-window candidate closest in time.
	PolicyNearest Policy = "nearest"
)

// ParsePolicy maps a config value to a Policy. Empty means PolicyFirst.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyFirst:
		return PolicyFirst, nil
	case PolicyNearest:
		return PolicyNearest, nil
	default:
		return "", fmt.Errorf("reconcile: unknown match policy %q", s)
	}
}

// Options tunes a reconciliation. The zero value uses DefaultTolerance and
// PolicyFirst.
type Options struct {
	Tolerance time.Duration
	Policy    Policy
}

func (o Options) withDefaults() Options {
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.Policy == "" {
		o.Policy = PolicyFirst
	}
	return o
}

// Result holds every pairing made and every diagnostic raised, in client order.
type Result struct {
	Matches    []model.Match
	Mismatches []model.Mismatch
}

// Messages returns the human-readable mismatch lines.
func (r Result) Messages() []string {
	out := make([]string, 0, len(r.Mismatches))
	for _, m := range r.Mismatches {
		out = append(out, m.Message)
	}
	return out
}

// Index groups server records by Key, preserving log order within a key.
// It is built once and only read afterwards.
type Index struct {
	byKey map[string][]model.Record
}

// NewIndex indexes the full server record set.
func NewIndex(server []model.Record) *Index {
	ix := &Index{byKey: make(map[string][]model.Record)}
	for _, r := range server {
		k := Key(r.Endpoint, r.File)
		ix.byKey[k] = append(ix.byKey[k], r)
	}
	return ix
}

// Candidates returns the server records stored under key.
func (ix *Index) Candidates(key string) ([]model.Record, bool) {
	c, ok := ix.byKey[key]
	return c, ok
}

// Len returns the number of distinct keys.
func (ix *Index) Len() int {
	return len(ix.byKey)
}

// Key is the composite match key: trimmed endpoint and file basename.
func Key(endpoint, file string) string {
	return strings.TrimSpace(endpoint) + "||" + Basename(file)
}

// Basename returns the final slash-separated component of a path. Unlike
// path.Base it maps "" to "" and "dir/" to "".
func Basename(file string) string {
	return file[strings.LastIndex(file, "/")+1:]
}

// Reconcile matches each client record against the server records. A
// server record is never consumed, so several client rows may match it.
func Reconcile(client, server []model.Record, opts Options) Result {
	opts = opts.withDefaults()
	ix := NewIndex(server)

	var res Result
	for _, c := range client {
		method := strings.ToUpper(strings.TrimSpace(c.Method))
		base := Basename(c.File)
		candidates, ok := ix.Candidates(Key(c.Endpoint, c.File))
		if !ok {
			res.Mismatches = append(res.Mismatches, model.Mismatch{
				Kind:    model.MismatchNoServerEntry,
				Client:  c,
				Message: fmt.Sprintf("No server entry for client row [%s %s file=%s]", method, c.Endpoint, base),
			})
			continue
		}

		s, found := pick(c, candidates, opts)
		if !found {
			res.Mismatches = append(res.Mismatches, model.Mismatch{
				Kind:    model.MismatchNoTimeMatch,
				Client:  c,
				Message: fmt.Sprintf("No time-close server match for client [%s %s file=%s]", method, c.Endpoint, base),
			})
			continue
		}
		res.Matches = append(res.Matches, model.Match{Client: c, Server: s})

		if m, bad := compareSizes(method, base, c, s); bad {
			res.Mismatches = append(res.Mismatches, m)
		}
	}
	return res
}

// pick applies the policy to the candidates of one key. A missing timestamp
// on either side accepts the candidate without a time check.
func pick(c model.Record, candidates []model.Record, opts Options) (model.Record, bool) {
	if opts.Policy == PolicyNearest {
		return pickNearest(c, candidates, opts.Tolerance)
	}
	for _, s := range candidates {
		if !c.HasTimestamp() || !s.HasTimestamp() {
			return s, true
		}
		if absDuration(s.Timestamp.Sub(*c.Timestamp)) <= opts.Tolerance {
			return s, true
		}
	}
	return model.Record{}, false
}

// pickNearest prefers the closest timed candidate in the window, falls back
// to the first untimed one, and breaks ties by log order.
func pickNearest(c model.Record, candidates []model.Record, tolerance time.Duration) (model.Record, bool) {
	if !c.HasTimestamp() {
		return candidates[0], true
	}
	best := -1
	var bestGap time.Duration
	untimed := -1
	for i, s := range candidates {
		if !s.HasTimestamp() {
			if untimed < 0 {
				untimed = i
			}
			continue
		}
		gap := absDuration(s.Timestamp.Sub(*c.Timestamp))
		if gap > tolerance {
			continue
		}
		if best < 0 || gap < bestGap {
			best, bestGap = i, gap
		}
	}
	switch {
	case best >= 0:
		return candidates[best], true
	case untimed >= 0:
		return candidates[untimed], true
	}
	return model.Record{}, false
}

func compareSizes(method, base string, c, s model.Record) (model.Mismatch, bool) {
	switch method {
	case "POST":
		if SizeMismatch(c.PayloadSize, s.BytesReceived) {
			return model.Mismatch{
				Kind:   model.MismatchPostSize,
				Client: c,
				Server: &s,
				Message: fmt.Sprintf("POST size mismatch for %s: client payload=%d vs server received=%d",
					base, c.PayloadSize, s.BytesReceived),
			}, true
		}
	case "GET":
		if s.PayloadSize != 0 && SizeMismatch(s.PayloadSize, c.BytesReceived) {
			return model.Mismatch{
				Kind:   model.MismatchGetSize,
				Client: c,
				Server: &s,
				Message: fmt.Sprintf("GET size mismatch for %s: server payload=%d vs client received=%d",
					base, s.PayloadSize, c.BytesReceived),
			}, true
		}
	}
	return model.Mismatch{}, false
}

// Tolerance is the largest accepted byte difference for a reference size x:
// max(1, round(1% of max(1, x))).
func Tolerance(x int64) int64 {
	if x < 1 {
		x = 1
	}
	t := int64(math.Round(0.01 * float64(x)))
	if t < 1 {
		t = 1
	}
	return t
}

// SizeMismatch reports whether observed differs from reference by more than
// Tolerance(reference).
func SizeMismatch(reference, observed int64) bool {
	d := reference - observed
	if d < 0 {
		d = -d
	}
	return d > Tolerance(reference)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

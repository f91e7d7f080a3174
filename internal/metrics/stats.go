package metrics

import (
	"math"
	"sort"
	"strings"
	"time"

	"commaudit/internal/model"
)

// DefaultRoundWidth is the width of one aggregation round.
const DefaultRoundWidth = 2 * time.Minute

// RoleTotals sums one side's log.
type RoleTotals struct {
	Count            int
	PayloadSize      int64
	BytesSent        int64
	BytesReceived    int64
	AvgLatencyMs     float64
	PostCount        int
	PostPayloadSize  int64
	PostAvgLatencyMs float64
}

// TypeSummary aggregates one (role, type) group.
type TypeSummary struct {
	Role          model.Role `json:"role"`
	Type          string     `json:"type"`
	Count         int        `json:"count"`
	PayloadSize   int64      `json:"payload_size"`
	BytesSent     int64      `json:"bytes_sent"`
	BytesReceived int64      `json:"bytes_received"`
	AvgLatencyMs  float64    `json:"avg_latency_ms"`
}

// RoundSummary aggregates one (round, role) group.
type RoundSummary struct {
	Start         time.Time  `json:"start"`
	Role          model.Role `json:"role"`
	Count         int        `json:"count"`
	PayloadSize   int64      `json:"payload_size"`
	BytesSent     int64      `json:"bytes_sent"`
	BytesReceived int64      `json:"bytes_received"`
}

// OverheadSummary describes bytes_sent - payload_size over client POSTs.
type OverheadSummary struct {
	Count       int
	Negative    int
	Total       int64
	PayloadSize int64
	Mean        float64
	Percent     float64
}

// LatencySummary is a basic statistics snapshot over nonzero latencies.
type LatencySummary struct {
	Count int
	Avg   float64
	P50   float64
	P95   float64
	Min   float64
	Max   float64
}

// Totals sums a record set. Means are 0 for an empty set.
func Totals(items []model.Record) RoleTotals {
	var t RoleTotals
	var latency, postLatency int64
	for _, r := range items {
		t.Count++
		t.PayloadSize += r.PayloadSize
		t.BytesSent += r.BytesSent
		t.BytesReceived += r.BytesReceived
		latency += r.LatencyMs
		if isPost(r) {
			t.PostCount++
			t.PostPayloadSize += r.PayloadSize
			postLatency += r.LatencyMs
		}
	}
	t.AvgLatencyMs = mean(latency, t.Count)
	t.PostAvgLatencyMs = mean(postLatency, t.PostCount)
	return t
}

// ByType groups records by role and type, sorted by role then type.
// Records without a timestamp are included.
func ByType(items []model.Record) []TypeSummary {
	type key struct {
		role model.Role
		typ  string
	}
	groups := make(map[key]*TypeSummary)
	latency := make(map[key]int64)
	for _, r := range items {
		k := key{r.Role, r.Type}
		g, ok := groups[k]
		if !ok {
			g = &TypeSummary{Role: r.Role, Type: r.Type}
			groups[k] = g
		}
		g.Count++
		g.PayloadSize += r.PayloadSize
		g.BytesSent += r.BytesSent
		g.BytesReceived += r.BytesReceived
		latency[k] += r.LatencyMs
	}

	out := make([]TypeSummary, 0, len(groups))
	for k, g := range groups {
		g.AvgLatencyMs = mean(latency[k], g.Count)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// RoundStart floors t to a multiple of width counted from the Unix epoch.
func RoundStart(t time.Time, width time.Duration) time.Time {
	if width <= 0 {
		width = DefaultRoundWidth
	}
	rem := t.Sub(time.Unix(0, 0).In(t.Location())) % width
	if rem < 0 {
		rem += width
	}
	return t.Add(-rem)
}

// ByRound groups timed records by round and role, sorted by round start with
// client before server. It also returns how many records had no timestamp
// and were left out.
func ByRound(items []model.Record, width time.Duration) ([]RoundSummary, int) {
	type key struct {
		start int64
		role  model.Role
	}
	groups := make(map[key]*RoundSummary)
	untimed := 0
	for _, r := range items {
		if !r.HasTimestamp() {
			untimed++
			continue
		}
		start := RoundStart(*r.Timestamp, width)
		k := key{start.UnixNano(), r.Role}
		g, ok := groups[k]
		if !ok {
			g = &RoundSummary{Start: start, Role: r.Role}
			groups[k] = g
		}
		g.Count++
		g.PayloadSize += r.PayloadSize
		g.BytesSent += r.BytesSent
		g.BytesReceived += r.BytesReceived
	}

	out := make([]RoundSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Role < out[j].Role
	})
	return out, untimed
}

// Overhead computes bytes_sent - payload_size over the POST rows of a client
// log. Negative rows are counted, not dropped.
func Overhead(client []model.Record) OverheadSummary {
	var s OverheadSummary
	for _, r := range client {
		if !isPost(r) {
			continue
		}
		o := r.BytesSent - r.PayloadSize
		s.Count++
		s.Total += o
		s.PayloadSize += r.PayloadSize
		if o < 0 {
			s.Negative++
		}
	}
	s.Mean = mean(s.Total, s.Count)
	if s.PayloadSize != 0 {
		s.Percent = float64(s.Total) / float64(s.PayloadSize) * 100
	}
	return s
}

// LatencyValues returns the nonzero latencies of items, in log order.
func LatencyValues(items []model.Record) []float64 {
	values := make([]float64, 0, len(items))
	for _, r := range items {
		if r.LatencyMs != 0 {
			values = append(values, float64(r.LatencyMs))
		}
	}
	return values
}

// Latency summarizes the nonzero latencies of items.
func Latency(items []model.Record) LatencySummary {
	values := LatencyValues(items)
	if len(values) == 0 {
		return LatencySummary{}
	}

	sort.Float64s(values)
	var sum float64
	for _, v := range values {
		sum += v
	}
	return LatencySummary{
		Count: len(values),
		Avg:   sum / float64(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		Min:   values[0],
		Max:   values[len(values)-1],
	}
}

// Bin is one histogram bucket covering [Lo, Hi); the last bucket is closed.
type Bin struct {
	Lo    float64
	Hi    float64
	Count int
}

// HistogramEdges returns evenly spaced bucket edges over values. A
// non-positive n picks Sturges' rule.
func HistogramEdges(values []float64, n int) []float64 {
	if len(values) == 0 {
		return []float64{0, 1}
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if n <= 0 {
		n = int(math.Ceil(math.Log2(float64(len(values))))) + 1
	}
	if hi == lo {
		lo, hi = lo-0.5, hi+0.5
	}
	edges := make([]float64, n+1)
	step := (hi - lo) / float64(n)
	for i := range edges {
		edges[i] = lo + step*float64(i)
	}
	edges[n] = hi
	return edges
}

// Histogram counts values into the buckets described by edges.
func Histogram(values, edges []float64) []Bin {
	if len(edges) < 2 {
		return nil
	}
	bins := make([]Bin, len(edges)-1)
	for i := range bins {
		bins[i] = Bin{Lo: edges[i], Hi: edges[i+1]}
	}
	last := len(bins) - 1
	for _, v := range values {
		if v < edges[0] || v > edges[len(edges)-1] {
			continue
		}
		i := sort.SearchFloat64s(edges, v)
		// SearchFloat64s returns the first edge >= v; v on an inner edge
		// belongs to the bucket that starts there.
		if i < len(edges) && edges[i] == v {
			if i > last {
				i = last
			}
		} else {
			i--
		}
		bins[i].Count++
	}
	return bins
}

func isPost(r model.Record) bool {
	return strings.EqualFold(strings.TrimSpace(r.Method), "POST")
}

func mean(sum int64, n int) float64 {
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}

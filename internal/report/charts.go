package report

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/wcharczuk/go-chart/v2"

	"commaudit/internal/audit"
	"commaudit/internal/metrics"
	"commaudit/internal/model"
)

// Chart file names written into the plots directory.
const (
	StackedBytesChart = "stacked_bytes_by_type.png"
	RoundPayloadChart = "round_payloads.png"
	LatencyHistChart  = "latency_hist.png"
)

const mb = 1024.0 * 1024.0

// ChartData is the numeric input handed to a chart Renderer.
type ChartData struct {
	Types         []metrics.TypeSummary
	Rounds        []metrics.RoundSummary
	RoundWidth    time.Duration
	ClientLatency []float64
	ServerLatency []float64
}

// NewChartData extracts the chart tables from an audit result.
func NewChartData(res *audit.Result) ChartData {
	return ChartData{
		Types:         res.Types,
		Rounds:        res.Rounds,
		RoundWidth:    res.RoundWidth,
		ClientLatency: metrics.LatencyValues(res.Client),
		ServerLatency: metrics.LatencyValues(res.Server),
	}
}

// Renderer turns aggregate tables into image files under dir and returns
// the paths it wrote.
type Renderer interface {
	Render(dir string, data ChartData) ([]string, error)
}

// GoChart renders PNG charts with go-chart. A failing chart is logged and
// skipped; the others are still written.
type GoChart struct {
	Width  int
	Height int
	Logger *slog.Logger
}

// Render implements Renderer.
func (g GoChart) Render(dir string, data ChartData) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("report.Render: %w", err)
	}
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}

	charts := []struct {
		name   string
		render func(ChartData) ([]byte, error)
	}{
		{StackedBytesChart, g.stackedBytes},
		{RoundPayloadChart, g.roundPayloads},
		{LatencyHistChart, g.latencyHist},
	}

	var written []string
	var errs []error
	for _, c := range charts {
		png, err := c.render(data)
		if err == nil {
			path := filepath.Join(dir, c.name)
			if err = os.WriteFile(path, png, 0o644); err == nil {
				written = append(written, path)
				continue
			}
		}
		logger.Warn("chart failed", "chart", c.name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
	}
	return written, errors.Join(errs...)
}

func (g GoChart) size() (int, int) {
	w, h := g.Width, g.Height
	if w <= 0 {
		w = 900
	}
	if h <= 0 {
		h = 540
	}
	return w, h
}

// stackedBytes draws one bar per role with payload MB stacked by type.
func (g GoChart) stackedBytes(data ChartData) ([]byte, error) {
	byRole := map[model.Role][]chart.Value{}
	for _, ts := range data.Types {
		if ts.PayloadSize <= 0 {
			continue
		}
		byRole[ts.Role] = append(byRole[ts.Role], chart.Value{Label: ts.Type, Value: float64(ts.PayloadSize) / mb})
	}

	var bars []chart.StackedBar
	for _, role := range []model.Role{model.RoleClient, model.RoleServer} {
		if vals := byRole[role]; len(vals) > 0 {
			bars = append(bars, chart.StackedBar{Name: string(role), Values: vals})
		}
	}
	if len(bars) == 0 {
		return nil, errors.New("no payload bytes to plot")
	}

	w, h := g.size()
	sbc := chart.StackedBarChart{
		Title:      "Payload (MB) by Type and Role",
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 12, Bottom: 16}},
		Width:      w,
		Height:     h,
		BarSpacing: 60,
		Bars:       bars,
	}
	var buf bytes.Buffer
	if err := sbc.Render(chart.PNG, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// roundPayloads draws payload MB per round, one line per role. Rounds
// missing for a role count as zero.
func (g GoChart) roundPayloads(data ChartData) ([]byte, error) {
	if len(data.Rounds) == 0 {
		return nil, errors.New("no timestamped rounds to plot")
	}

	starts := map[int64]time.Time{}
	perRole := map[model.Role]map[int64]float64{
		model.RoleClient: {},
		model.RoleServer: {},
	}
	for _, r := range data.Rounds {
		k := r.Start.UnixNano()
		starts[k] = r.Start
		if perRole[r.Role] == nil {
			perRole[r.Role] = map[int64]float64{}
		}
		perRole[r.Role][k] += float64(r.PayloadSize) / mb
	}
	keys := make([]int64, 0, len(starts))
	for k := range starts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	width := data.RoundWidth
	if width <= 0 {
		width = metrics.DefaultRoundWidth
	}
	styles := map[model.Role]chart.Style{
		model.RoleClient: {StrokeColor: chart.ColorBlue, StrokeWidth: 2, DotColor: chart.ColorBlue, DotWidth: 4},
		model.RoleServer: {StrokeColor: chart.ColorGreen, StrokeWidth: 2, DotColor: chart.ColorGreen, DotWidth: 4},
	}

	var series []chart.Series
	maxY := 0.0
	for _, role := range []model.Role{model.RoleClient, model.RoleServer} {
		xs := make([]time.Time, 0, len(keys)+1)
		ys := make([]float64, 0, len(keys)+1)
		for _, k := range keys {
			xs = append(xs, starts[k])
			ys = append(ys, perRole[role][k])
			maxY = math.Max(maxY, perRole[role][k])
		}
		// A single point has a zero x-range; extend it by one round.
		if len(xs) == 1 {
			xs = append(xs, xs[0].Add(width))
			ys = append(ys, ys[0])
		}
		series = append(series, chart.TimeSeries{Name: string(role), XValues: xs, YValues: ys, Style: styles[role]})
	}
	if maxY == 0 {
		maxY = 1
	}

	w, h := g.size()
	ch := chart.Chart{
		Title:      fmt.Sprintf("Per-round payload (MB) by role (%s rounds)", width),
		Width:      w,
		Height:     h,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 12, Bottom: 16}},
		XAxis:      chart.XAxis{Name: "Round start time", ValueFormatter: chart.TimeValueFormatterWithFormat("15:04")},
		YAxis:      chart.YAxis{Name: "Payload MB", Range: &chart.ContinuousRange{Min: 0, Max: maxY * 1.1}},
		Series:     series,
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}

	var buf bytes.Buffer
	if err := ch.Render(chart.PNG, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// latencyHist draws client and server latency counts over shared buckets.
func (g GoChart) latencyHist(data ChartData) ([]byte, error) {
	all := append(append([]float64{}, data.ClientLatency...), data.ServerLatency...)
	if len(all) == 0 {
		return nil, errors.New("no nonzero latencies to plot")
	}
	n := int(math.Ceil(math.Log2(float64(len(all))))) + 1
	if n < 2 {
		n = 2
	}
	edges := metrics.HistogramEdges(all, n)

	maxY := 1.0
	var series []chart.Series
	for _, s := range []struct {
		role   model.Role
		values []float64
		color  chart.Style
	}{
		{model.RoleClient, data.ClientLatency, chart.Style{StrokeColor: chart.ColorBlue, StrokeWidth: 2}},
		{model.RoleServer, data.ServerLatency, chart.Style{StrokeColor: chart.ColorGreen, StrokeWidth: 2}},
	} {
		bins := metrics.Histogram(s.values, edges)
		xs := make([]float64, 0, len(bins))
		ys := make([]float64, 0, len(bins))
		for _, b := range bins {
			xs = append(xs, (b.Lo+b.Hi)/2)
			ys = append(ys, float64(b.Count))
			maxY = math.Max(maxY, float64(b.Count))
		}
		series = append(series, chart.ContinuousSeries{Name: string(s.role), XValues: xs, YValues: ys, Style: s.color})
	}

	w, h := g.size()
	ch := chart.Chart{
		Title:      "Latency distribution (ms)",
		Width:      w,
		Height:     h,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 12, Bottom: 16}},
		XAxis:      chart.XAxis{Name: "Latency (ms)"},
		YAxis:      chart.YAxis{Name: "Count", Range: &chart.ContinuousRange{Min: 0, Max: maxY + 1}},
		Series:     series,
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}

	var buf bytes.Buffer
	if err := ch.Render(chart.PNG, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

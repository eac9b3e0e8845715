package report

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/muonbs/internal/policy"
)

// maxScatterPoints caps the scatter series so large runs still render.
const maxScatterPoints = 5000

// WriteDashboard renders an HTML page with the per-source counts and a
// scatter of input pt against constrained pt.
func WriteDashboard(w io.Writer, entries []Entry) error {
	if len(entries) == 0 {
		return ErrNoData
	}
	s := Summarize(entries)

	sources := []policy.Source{policy.SourceBeamSpot, policy.SourceVertex, policy.SourceFallback}
	x := make([]string, 0, len(sources))
	y := make([]opts.BarData, 0, len(sources))
	for _, src := range sources {
		x = append(x, src.String())
		y = append(y, opts.BarData{Value: s.BySource[src]})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Muon constrained pt", Width: "900px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Resolution source", Subtitle: fmt.Sprintf("muons=%d constrained=%d", s.Muons, s.Constrained)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("muons", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	stride := 1
	if len(entries) > maxScatterPoints {
		stride = (len(entries) + maxScatterPoints - 1) / maxScatterPoints
	}
	series := map[policy.Source][]opts.ScatterData{}
	for i := 0; i < len(entries); i += stride {
		e := entries[i]
		series[e.Source] = append(series[e.Source], opts.ScatterData{
			Value: []interface{}{e.InputPt, e.Pt},
			Name:  fmt.Sprintf("%s #%d", e.Event, e.Index),
		})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "pt vs constrained pt", Subtitle: fmt.Sprintf("stride=%d", stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "pt (GeV)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "constrained pt (GeV)", NameLocation: "middle", NameGap: 40}),
	)
	for _, src := range sources {
		if pts, ok := series[src]; ok {
			scatter.AddSeries(src.String(), pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
		}
	}

	page := components.NewPage()
	page.AddCharts(bar, scatter)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render error: %w", err)
	}
	return nil
}

// Handler serves the dashboard for the entries returned by load.
func Handler(load func() ([]Entry, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entries, err := load()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		var buf bytes.Buffer
		if err := WriteDashboard(&buf, entries); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrNoData) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
}

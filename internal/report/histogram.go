package report

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/muonbs/internal/policy"
)

// histogramBins is the bin count for the pt shift histogram.
const histogramBins = 40

// WriteHistogram saves a PNG histogram of the relative pt shift of the
// constrained muons, one bar series per source. The format follows the
// path's extension.
func WriteHistogram(entries []Entry, path string) error {
	bySource := map[policy.Source]plotter.Values{}
	for _, e := range entries {
		if e.Source == policy.SourceFallback {
			continue
		}
		bySource[e.Source] = append(bySource[e.Source], e.Shift())
	}
	if len(bySource) == 0 {
		return ErrNoData
	}

	p := plot.New()
	p.Title.Text = "Constrained pt shift"
	p.X.Label.Text = "(pt' - pt) / pt"
	p.Y.Label.Text = "Muons"

	colors := map[policy.Source]color.Color{
		policy.SourceBeamSpot: color.RGBA{R: 31, G: 119, B: 180, A: 255},
		policy.SourceVertex:   color.RGBA{R: 255, G: 127, B: 14, A: 255},
	}
	for _, src := range []policy.Source{policy.SourceBeamSpot, policy.SourceVertex} {
		vals, ok := bySource[src]
		if !ok {
			continue
		}
		h, err := plotter.NewHist(vals, histogramBins)
		if err != nil {
			return fmt.Errorf("failed to build %s histogram: %w", src, err)
		}
		h.FillColor = colors[src]
		h.LineStyle.Width = vg.Points(0.5)
		p.Add(h)
		p.Legend.Add(src.String(), h)
	}
	p.Legend.Top = true

	if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save histogram: %w", err)
	}
	return nil
}

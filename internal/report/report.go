// Package report summarises a producer run: per-source counts, the
// distribution of the constrained pt shift, a PNG histogram and an HTML
// dashboard.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/muonbs/internal/event"
	"github.com/banshee-data/muonbs/internal/monitoring"
	"github.com/banshee-data/muonbs/internal/orchestrator"
	"github.com/banshee-data/muonbs/internal/policy"
)

// ErrNoData is returned by writers given no entries.
var ErrNoData = errors.New("report: no muons")

// Entry is one muon's input and output.
type Entry struct {
	Event      event.Key
	Index      int
	InputPt    float64
	InputPtErr float64
	Pt         float64
	PtErr      float64
	Source     policy.Source
	Chi2       float64
}

// Shift is the relative change of pt introduced by the constraint.
func (e Entry) Shift() float64 {
	if e.InputPt == 0 {
		return 0
	}
	return (e.Pt - e.InputPt) / e.InputPt
}

// Entries flattens results into per-muon entries. results must be
// index-aligned with events, as returned by orchestrator.RunEvents.
func Entries(events []event.Event, results []orchestrator.Result) ([]Entry, error) {
	if len(events) != len(results) {
		return nil, fmt.Errorf("report: %d events but %d results", len(events), len(results))
	}
	var out []Entry
	for i := range events {
		ev, res := &events[i], &results[i]
		if len(res.Resolutions) != len(ev.Muons) {
			return nil, fmt.Errorf("report: event %s has %d muons but %d resolutions",
				ev.Key, len(ev.Muons), len(res.Resolutions))
		}
		for j, m := range ev.Muons {
			r := res.Resolutions[j]
			e := Entry{
				Event:      ev.Key,
				Index:      j,
				InputPt:    m.Pt,
				InputPtErr: event.MissingValue,
				Pt:         r.Pt,
				PtErr:      r.PtErr,
				Source:     r.Source,
				Chi2:       r.Chi2,
			}
			if m.BestTrack != nil {
				e.InputPtErr = m.BestTrack.PtErr
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// Summary aggregates a run.
type Summary struct {
	Muons       int
	BySource    map[policy.Source]int
	Constrained int

	// Shift statistics over constrained muons only.
	MeanShift   float64
	StdDevShift float64
	MedianShift float64

	// Mean of constrained ptErr over the unconstrained one, for muons
	// where both are positive.
	MeanErrRatio float64
	MeanChi2     float64
}

// Summarize computes the run summary.
func Summarize(entries []Entry) Summary {
	s := Summary{Muons: len(entries), BySource: make(map[policy.Source]int)}

	var shifts, ratios, chi2s []float64
	for _, e := range entries {
		s.BySource[e.Source]++
		if e.Source == policy.SourceFallback {
			continue
		}
		shifts = append(shifts, e.Shift())
		chi2s = append(chi2s, e.Chi2)
		if e.PtErr > 0 && e.InputPtErr > 0 {
			ratios = append(ratios, e.PtErr/e.InputPtErr)
		}
	}
	s.Constrained = len(shifts)

	if len(shifts) > 0 {
		s.MeanShift, s.StdDevShift = stat.MeanStdDev(shifts, nil)
		if len(shifts) == 1 {
			s.StdDevShift = 0
		}
		sorted := append([]float64(nil), shifts...)
		sort.Float64s(sorted)
		s.MedianShift = stat.Quantile(0.5, stat.Empirical, sorted, nil)
		s.MeanChi2 = stat.Mean(chi2s, nil)
	}
	if len(ratios) > 0 {
		s.MeanErrRatio = stat.Mean(ratios, nil)
	}
	return s
}

// Log writes the summary through the package logger.
func (s Summary) Log() {
	monitoring.Logf("report: %d muons, %d constrained (beamspot=%d vertex=%d fallback=%d)",
		s.Muons, s.Constrained,
		s.BySource[policy.SourceBeamSpot], s.BySource[policy.SourceVertex], s.BySource[policy.SourceFallback])
	if s.Constrained > 0 {
		monitoring.Logf("report: pt shift mean=%.4g stddev=%.4g median=%.4g; ptErr ratio=%.4g; chi2 mean=%.4g",
			s.MeanShift, s.StdDevShift, s.MedianShift, s.MeanErrRatio, s.MeanChi2)
	}
}

// Output file names written by WriteDir.
const (
	HistogramFile = "pt_shift.png"
	DashboardFile = "dashboard.html"
)

// WriteDir writes the histogram and dashboard into dir, creating it. The
// histogram is skipped when no muon was constrained; ErrNoData is returned
// only when there are no entries at all.
func WriteDir(dir string, entries []Entry) error {
	if len(entries) == 0 {
		return ErrNoData
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	err := WriteHistogram(entries, filepath.Join(dir, HistogramFile))
	switch {
	case errors.Is(err, ErrNoData):
		monitoring.Logf("report: no constrained muons, histogram skipped")
	case err != nil:
		return err
	}

	f, err := os.Create(filepath.Join(dir, DashboardFile))
	if err != nil {
		return fmt.Errorf("failed to create dashboard: %w", err)
	}
	if err := WriteDashboard(f, entries); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

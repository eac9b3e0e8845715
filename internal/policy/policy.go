// Package policy decides, for a single muon, which constrained fit to
// attempt and what to report when it fails.
package policy

import (
	"github.com/banshee-data/muonbs/internal/constraint"
	"github.com/banshee-data/muonbs/internal/event"
	"github.com/banshee-data/muonbs/internal/refpoint"
)

// Fitter performs one constrained fit attempt. *constraint.Adapter
// satisfies it.
type Fitter interface {
	Fit(track *event.Track, ref refpoint.ReferencePoint) constraint.Outcome
}

// Source records which path produced a muon's values.
type Source int

const (
	SourceFallback Source = iota // unconstrained muon values
	SourceBeamSpot               // beam-spot constrained refit
	SourceVertex                 // best-vertex constrained refit
)

func (s Source) String() string {
	switch s {
	case SourceBeamSpot:
		return "beamspot"
	case SourceVertex:
		return "vertex"
	default:
		return "fallback"
	}
}

// Resolution is the per-muon result. Attempt holds the outcome of the
// single fit that was tried, if any.
type Resolution struct {
	Pt        float64
	PtErr     float64
	Source    Source
	Chi2      float64
	Attempted bool
	Attempt   constraint.Outcome
}

// Policy applies the per-muon branching.
type Policy struct {
	fitter Fitter
}

// New returns a Policy using fitter for constrained fits.
func New(fitter Fitter) *Policy {
	return &Policy{fitter: fitter}
}

// Resolve returns the corrected (pt, ptErr) for one muon.
//
// When the beam spot passes the quality gate only the beam-spot fit is
// attempted; otherwise only the vertex fit is. The two are exclusive: a
// beam-spot fit that fails goes straight to the unconstrained fallback
// (muon.Pt, bestTrack.PtErr) without trying the vertex.
func (p *Policy) Resolve(m event.Muon, sel refpoint.Selection) Resolution {
	if m.BestTrack == nil {
		return Resolution{Pt: m.Pt, PtErr: event.MissingValue, Source: SourceFallback}
	}

	var (
		ref    refpoint.ReferencePoint
		source Source
	)
	if sel.BeamQualityOK {
		ref, source = sel.Beam, SourceBeamSpot
	} else {
		ref, source = sel.Vertex, SourceVertex
	}

	out := p.fitter.Fit(m.BestTrack, ref)
	if out.OK && out.Track != nil {
		return Resolution{
			Pt:        out.Track.Pt,
			PtErr:     out.Track.PtErr,
			Source:    source,
			Chi2:      out.Chi2,
			Attempted: true,
			Attempt:   out,
		}
	}
	return Resolution{
		Pt:        m.Pt,
		PtErr:     m.BestTrack.PtErr,
		Source:    SourceFallback,
		Attempted: true,
		Attempt:   out,
	}
}

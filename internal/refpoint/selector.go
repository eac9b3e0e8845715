package refpoint

import (
	"math"

	"github.com/banshee-data/muonbs/internal/event"
)

// DefaultMaxRelWidthErr is the largest accepted widthError/width ratio on
// either transverse axis.
const DefaultMaxRelWidthErr = 0.3

// DefaultMinWidth is the width at or below which the ratio is not computed
// and the beam spot is treated as unreliable.
const DefaultMinWidth = 1e-12

// NoVertex is the Selection.VertexIndex value when no vertex was chosen.
const NoVertex = -1

// Selection is the per-event outcome of Select, shared by every muon.
type Selection struct {
	Beam          ReferencePoint
	Vertex        ReferencePoint
	BeamQualityOK bool
	VertexIndex   int
}

// Selector holds the beam-spot quality thresholds.
type Selector struct {
	MaxRelWidthErr float64
	MinWidth       float64
}

// NewSelector returns a Selector with the given thresholds.
func NewSelector(maxRelWidthErr, minWidth float64) Selector {
	return Selector{MaxRelWidthErr: maxRelWidthErr, MinWidth: minWidth}
}

// DefaultSelector returns a Selector with the production thresholds.
func DefaultSelector() Selector {
	return NewSelector(DefaultMaxRelWidthErr, DefaultMinWidth)
}

// Select builds both reference candidates for the event and evaluates the
// beam-spot quality gate. scores is paired with vertices by position.
func (s Selector) Select(bs event.BeamSpot, vertices []event.Vertex, scores []float64) Selection {
	sel := Selection{
		Beam:          FromBeamSpot(bs),
		BeamQualityOK: s.BeamQualityOK(bs),
		VertexIndex:   BestVertex(vertices, scores),
	}
	if sel.VertexIndex != NoVertex {
		sel.Vertex = FromVertex(vertices[sel.VertexIndex])
	}
	return sel
}

// BeamQualityOK reports whether the beam spot is valid and neither
// transverse width has a relative uncertainty above MaxRelWidthErr.
// A ratio of exactly MaxRelWidthErr passes.
func (s Selector) BeamQualityOK(bs event.BeamSpot) bool {
	if !bs.Valid {
		return false
	}
	rx, ok := s.relWidthErr(bs.WidthXError, bs.WidthX)
	if !ok || rx > s.MaxRelWidthErr {
		return false
	}
	ry, ok := s.relWidthErr(bs.WidthYError, bs.WidthY)
	if !ok || ry > s.MaxRelWidthErr {
		return false
	}
	return true
}

// relWidthErr returns widthErr/width, or ok=false when width is at or below
// MinWidth or the ratio is not a finite number.
func (s Selector) relWidthErr(widthErr, width float64) (float64, bool) {
	if !(width > s.MinWidth) {
		return 0, false
	}
	r := widthErr / width
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, false
	}
	return r, true
}

// BestVertex returns the index of the vertex with the strictly highest
// positive score, keeping the earliest on ties, or NoVertex. Vertex i is
// scored by scores[i]; vertices without a score are skipped.
func BestVertex(vertices []event.Vertex, scores []float64) int {
	best := NoVertex
	maxScore := 0.0
	for i := range vertices {
		if i >= len(scores) {
			break
		}
		if scores[i] > maxScore {
			maxScore = scores[i]
			best = i
		}
	}
	return best
}

package refpoint

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/muonbs/internal/event"
)

// Kind records where a ReferencePoint came from.
type Kind int

const (
	KindNone     Kind = iota // zero-value default, never fitted successfully
	KindBeamSpot             // built from the event beam spot
	KindVertex               // built from the best-scored primary vertex
)

func (k Kind) String() string {
	switch k {
	case KindBeamSpot:
		return "beamspot"
	case KindVertex:
		return "vertex"
	default:
		return "none"
	}
}

// ReferencePoint is a position plus its 3x3 spatial covariance. The zero
// value sits at the origin with no covariance.
type ReferencePoint struct {
	Kind     Kind
	Position r3.Vec
	Cov      *mat.SymDense
}

// FromBeamSpot builds a reference point from the beam-spot position and its
// transverse widths.
func FromBeamSpot(b event.BeamSpot) ReferencePoint {
	return ReferencePoint{
		Kind:     KindBeamSpot,
		Position: b.Position,
		Cov:      b.Covariance(),
	}
}

// FromVertex builds a reference point from a primary vertex.
func FromVertex(v event.Vertex) ReferencePoint {
	return ReferencePoint{
		Kind:     KindVertex,
		Position: v.Position,
		Cov:      v.Cov,
	}
}

// TransverseCovariance returns the (x, y) block of the covariance, or zeros
// when no covariance is set.
func (r ReferencePoint) TransverseCovariance() (xx, xy, yy float64) {
	if r.Cov == nil || r.Cov.SymmetricDim() < 2 {
		return 0, 0, 0
	}
	return r.Cov.At(0, 0), r.Cov.At(0, 1), r.Cov.At(1, 1)
}

// Degenerate reports whether the point carries no usable transverse error.
func (r ReferencePoint) Degenerate() bool {
	xx, _, yy := r.TransverseCovariance()
	return !(xx > 0) && !(yy > 0)
}

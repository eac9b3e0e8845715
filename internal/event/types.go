package event

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// MissingValue is written for outputs that cannot be computed at all, such
// as the pt error of a muon that carries no best track.
const MissingValue = -1.0

// Track parameter indices in the 3x3 transverse covariance.
const (
	ParQOverPt = iota
	ParPhi
	ParDxy
	NumTrackPars
)

// Track is a fitted charged-particle trajectory at its reference surface.
type Track struct {
	Charge int
	Pt     float64
	PtErr  float64
	Eta    float64
	Phi    float64
	PhiErr float64
	Dxy    float64 // signed transverse impact parameter w.r.t. the origin (cm)
	DxyErr float64
	Dz     float64

	// Cov is the optional covariance over (q/pt, phi, dxy). When nil,
	// Covariance builds a diagonal one from PtErr, PhiErr and DxyErr.
	Cov *mat.SymDense
}

// Sign returns the charge sign, treating a neutral or unset charge as +1.
func (t *Track) Sign() float64 {
	if t.Charge < 0 {
		return -1
	}
	return 1
}

// QOverPt returns the signed curvature parameter q/pt. Zero pt yields zero.
func (t *Track) QOverPt() float64 {
	if t.Pt == 0 {
		return 0
	}
	return t.Sign() / t.Pt
}

// Covariance returns the transverse parameter covariance.
func (t *Track) Covariance() *mat.SymDense {
	if t.Cov != nil {
		return t.Cov
	}
	var sigmaK float64
	if t.Pt != 0 {
		sigmaK = t.PtErr / (t.Pt * t.Pt)
	}
	return mat.NewSymDense(NumTrackPars, []float64{
		sigmaK * sigmaK, 0, 0,
		0, t.PhiErr * t.PhiErr, 0,
		0, 0, t.DxyErr * t.DxyErr,
	})
}

// Valid reports whether pt and ptErr are finite and pt is positive.
func (t *Track) Valid() bool {
	return t.Pt > 0 && !math.IsInf(t.Pt, 0) && !math.IsNaN(t.PtErr) && !math.IsInf(t.PtErr, 0)
}

// Muon is a physics candidate. Only the candidate pt and its best track are
// used by the producer.
type Muon struct {
	Pt        float64
	Eta       float64
	Phi       float64
	BestTrack *Track
}

// BeamSpot is the luminous-region record for the event.
type BeamSpot struct {
	Position    r3.Vec
	SigmaZ      float64
	WidthX      float64
	WidthY      float64
	WidthXError float64
	WidthYError float64
	Valid       bool
}

// Covariance returns the 3x3 spatial covariance implied by the beam widths.
func (b BeamSpot) Covariance() *mat.SymDense {
	return mat.NewSymDense(3, []float64{
		b.WidthX * b.WidthX, 0, 0,
		0, b.WidthY * b.WidthY, 0,
		0, 0, b.SigmaZ * b.SigmaZ,
	})
}

// Vertex is a reconstructed primary-vertex candidate.
type Vertex struct {
	Position r3.Vec
	Cov      *mat.SymDense // 3x3 (x, y, z)
	Chi2     float64
	NDOF     float64
}

// Key identifies an event within a dataset.
type Key struct {
	Run    uint32
	Lumi   uint32
	Number uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d:%d", k.Run, k.Lumi, k.Number)
}

// Event is one collision's worth of producer inputs. VertexScores is
// index-aligned with Vertices: score i belongs to vertex i.
type Event struct {
	Key          Key
	Muons        []Muon
	BeamSpot     BeamSpot
	Vertices     []Vertex
	VertexScores []float64
}

// ScoresAligned reports whether the score sequence has one entry per vertex.
func (e *Event) ScoresAligned() bool {
	return len(e.Vertices) == len(e.VertexScores)
}

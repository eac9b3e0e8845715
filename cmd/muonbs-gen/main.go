// Command muonbs-gen writes synthetic muon events for smoke runs of muonbs.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"os"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/muonbs/internal/event"
)

var (
	numEvents = flag.Int("n", 100, "Number of events to generate")
	seed      = flag.Uint64("seed", 1, "Random seed")
	outPath   = flag.String("o", "", "Output .json file (stdout when empty)")
	run       = flag.Uint("run", 1, "Run number stamped on every event")
	badBeam   = flag.Float64("bad-beam", 0.2, "Fraction of events whose beam-spot width errors fail the quality gate")
)

func main() {
	flag.Parse()
	if *numEvents < 0 {
		log.Fatalf("-n must be non-negative")
	}

	g := newGenerator(*seed)
	g.run = uint32(*run)
	g.badBeamFraction = *badBeam
	events := g.events(*numEvents)

	var w io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			log.Fatalf("create output: %v", err)
		}
		defer f.Close()
		w = f
	}
	if err := event.WriteEvents(w, events); err != nil {
		log.Fatalf("write events: %v", err)
	}
	if *outPath != "" {
		fmt.Fprintf(os.Stderr, "wrote %d events to %s\n", len(events), *outPath)
	}
}

// generator produces events whose tracks originate from the first (hard)
// vertex, so the constrained fits have something real to converge on.
type generator struct {
	rng             *rand.Rand
	run             uint32
	badBeamFraction float64
}

func newGenerator(seed uint64) *generator {
	return &generator{
		rng:             rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		run:             1,
		badBeamFraction: 0.2,
	}
}

const (
	eventsPerLumi = 50
	beamWidth     = 0.0015 // cm
	vertexRes     = 0.001  // cm
	phiRes        = 1e-3
	dxyRes        = 0.002 // cm
)

// Correlations between (q/pt, phi, dxy) in the generated track covariance.
var trackCorr = [3][3]float64{
	{1, 0.3, 0.2},
	{0.3, 1, -0.5},
	{0.2, -0.5, 1},
}

func (g *generator) events(n int) []event.Event {
	out := make([]event.Event, n)
	for i := range out {
		out[i] = g.event(uint64(i + 1))
	}
	return out
}

func (g *generator) event(number uint64) event.Event {
	ev := event.Event{
		Key: event.Key{Run: g.run, Lumi: uint32(1 + (number-1)/eventsPerLumi), Number: number},
	}
	ev.BeamSpot = g.beamSpot()

	nVertices := 1 + g.rng.IntN(4)
	for i := 0; i < nVertices; i++ {
		pos := r3.Vec{
			X: ev.BeamSpot.Position.X + g.rng.NormFloat64()*beamWidth,
			Y: ev.BeamSpot.Position.Y + g.rng.NormFloat64()*beamWidth,
			Z: ev.BeamSpot.Position.Z + g.rng.NormFloat64()*ev.BeamSpot.SigmaZ,
		}
		ndof := float64(2 + g.rng.IntN(40))
		ev.Vertices = append(ev.Vertices, event.Vertex{
			Position: pos,
			Cov: mat.NewSymDense(3, []float64{
				vertexRes * vertexRes, 0, 0,
				0, vertexRes * vertexRes, 0,
				0, 0, 4 * vertexRes * vertexRes,
			}),
			Chi2: ndof * (0.8 + 0.4*g.rng.Float64()),
			NDOF: ndof,
		})
	}

	// The hard vertex scores highest; one event in twenty carries no
	// positive score at all.
	ev.VertexScores = make([]float64, nVertices)
	if g.rng.Float64() >= 0.05 {
		ev.VertexScores[0] = 500 + 2000*g.rng.Float64()
		for i := 1; i < nVertices; i++ {
			ev.VertexScores[i] = 200 * g.rng.Float64()
		}
	}

	hard := ev.Vertices[0].Position
	nMuons := g.rng.IntN(4)
	for i := 0; i < nMuons; i++ {
		ev.Muons = append(ev.Muons, g.muon(hard))
	}
	return ev
}

func (g *generator) beamSpot() event.BeamSpot {
	relErr := 0.05 + 0.15*g.rng.Float64()
	if g.rng.Float64() < g.badBeamFraction {
		relErr = 0.35 + 0.5*g.rng.Float64()
	}
	return event.BeamSpot{
		Position:    r3.Vec{X: 0.01 + 0.002*g.rng.NormFloat64(), Y: 0.04 + 0.002*g.rng.NormFloat64(), Z: 0.5 * g.rng.NormFloat64()},
		SigmaZ:      3.5,
		WidthX:      beamWidth,
		WidthY:      beamWidth,
		WidthXError: beamWidth * relErr,
		WidthYError: beamWidth * (0.05 + 0.15*g.rng.Float64()),
		Valid:       g.rng.Float64() >= 0.02,
	}
}

func (g *generator) muon(origin r3.Vec) event.Muon {
	pt := 5 + g.rng.ExpFloat64()*20
	phi := math.Pi * (2*g.rng.Float64() - 1)
	eta := 2.4 * (2*g.rng.Float64() - 1)
	charge := 1
	if g.rng.IntN(2) == 0 {
		charge = -1
	}

	ptErr := pt * (0.01 + 1e-4*pt)
	sigmas := [3]float64{ptErr / (pt * pt), phiRes, dxyRes}
	data := make([]float64, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			data[i*3+j] = trackCorr[i][j] * sigmas[i] * sigmas[j]
		}
	}

	sin, cos := math.Sincos(phi)
	trueDxy := origin.Y*cos - origin.X*sin
	trk := &event.Track{
		Charge: charge,
		Pt:     pt * (1 + 0.01*g.rng.NormFloat64()),
		PtErr:  ptErr,
		Eta:    eta,
		Phi:    phi + phiRes*g.rng.NormFloat64(),
		PhiErr: phiRes,
		Dxy:    trueDxy + dxyRes*g.rng.NormFloat64(),
		DxyErr: dxyRes,
		Dz:     origin.Z + 0.01*g.rng.NormFloat64(),
		Cov:    mat.NewSymDense(3, data),
	}

	m := event.Muon{Pt: trk.Pt * (1 + 0.002*g.rng.NormFloat64()), Eta: eta, Phi: trk.Phi, BestTrack: trk}
	if g.rng.Float64() < 0.05 {
		m.BestTrack = nil
	}
	return m
}

package event

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// maxEventFileSize caps the size of an event file read by LoadEventsFile.
const maxEventFileSize = 256 * 1024 * 1024

// The JSON shapes below are the on-disk exchange format. Covariances are
// flattened row-major 3x3 matrices; only the upper triangle is read.

type trackJSON struct {
	Charge int       `json:"charge"`
	Pt     float64   `json:"pt"`
	PtErr  float64   `json:"pt_err"`
	Eta    float64   `json:"eta"`
	Phi    float64   `json:"phi"`
	PhiErr float64   `json:"phi_err,omitempty"`
	Dxy    float64   `json:"dxy"`
	DxyErr float64   `json:"dxy_err,omitempty"`
	Dz     float64   `json:"dz"`
	Cov    []float64 `json:"cov,omitempty"`
}

type muonJSON struct {
	Pt        float64    `json:"pt"`
	Eta       float64    `json:"eta"`
	Phi       float64    `json:"phi"`
	BestTrack *trackJSON `json:"best_track,omitempty"`
}

type beamSpotJSON struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
	SigmaZ      float64 `json:"sigma_z"`
	WidthX      float64 `json:"width_x"`
	WidthY      float64 `json:"width_y"`
	WidthXError float64 `json:"width_x_error"`
	WidthYError float64 `json:"width_y_error"`
	Valid       bool    `json:"valid"`
}

type vertexJSON struct {
	X    float64   `json:"x"`
	Y    float64   `json:"y"`
	Z    float64   `json:"z"`
	Cov  []float64 `json:"cov,omitempty"`
	Chi2 float64   `json:"chi2"`
	NDOF float64   `json:"ndof"`
}

type eventJSON struct {
	Run          uint32        `json:"run"`
	Lumi         uint32        `json:"lumi"`
	Event        uint64        `json:"event"`
	Muons        []muonJSON    `json:"muons"`
	BeamSpot     *beamSpotJSON `json:"beamspot,omitempty"`
	Vertices     []vertexJSON  `json:"vertices"`
	VertexScores []float64     `json:"vertex_scores"`
}

// ReadEvents decodes a JSON array of events.
func ReadEvents(r io.Reader) ([]Event, error) {
	var raw []eventJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	events := make([]Event, 0, len(raw))
	for i := range raw {
		ev, err := raw[i].toEvent()
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// LoadEventsFile reads events from a .json file on disk.
func LoadEventsFile(path string) ([]Event, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("event file must have .json extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat event file: %w", err)
	}
	if fileInfo.Size() > maxEventFileSize {
		return nil, fmt.Errorf("event file too large: %d bytes (max %d)", fileInfo.Size(), maxEventFileSize)
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	defer f.Close()
	return ReadEvents(f)
}

// WriteEvents encodes events as an indented JSON array.
func WriteEvents(w io.Writer, events []Event) error {
	raw := make([]eventJSON, len(events))
	for i := range events {
		raw[i] = fromEvent(&events[i])
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(raw); err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}
	return nil
}

func (e *eventJSON) toEvent() (Event, error) {
	ev := Event{
		Key:          Key{Run: e.Run, Lumi: e.Lumi, Number: e.Event},
		Muons:        make([]Muon, len(e.Muons)),
		Vertices:     make([]Vertex, len(e.Vertices)),
		VertexScores: e.VertexScores,
	}
	for i, m := range e.Muons {
		ev.Muons[i] = Muon{Pt: m.Pt, Eta: m.Eta, Phi: m.Phi}
		if m.BestTrack == nil {
			continue
		}
		cov, err := symFromFlat(m.BestTrack.Cov)
		if err != nil {
			return Event{}, fmt.Errorf("muon %d track covariance: %w", i, err)
		}
		t := m.BestTrack
		ev.Muons[i].BestTrack = &Track{
			Charge: t.Charge, Pt: t.Pt, PtErr: t.PtErr, Eta: t.Eta,
			Phi: t.Phi, PhiErr: t.PhiErr, Dxy: t.Dxy, DxyErr: t.DxyErr, Dz: t.Dz,
			Cov: cov,
		}
	}
	// An absent beam spot decodes as the zero value, which is invalid.
	if b := e.BeamSpot; b != nil {
		ev.BeamSpot = BeamSpot{
			Position: r3.Vec{X: b.X, Y: b.Y, Z: b.Z},
			SigmaZ:   b.SigmaZ,
			WidthX:   b.WidthX, WidthY: b.WidthY,
			WidthXError: b.WidthXError, WidthYError: b.WidthYError,
			Valid: b.Valid,
		}
	}
	for i, v := range e.Vertices {
		cov, err := symFromFlat(v.Cov)
		if err != nil {
			return Event{}, fmt.Errorf("vertex %d covariance: %w", i, err)
		}
		ev.Vertices[i] = Vertex{
			Position: r3.Vec{X: v.X, Y: v.Y, Z: v.Z},
			Cov:      cov,
			Chi2:     v.Chi2,
			NDOF:     v.NDOF,
		}
	}
	return ev, nil
}

func fromEvent(ev *Event) eventJSON {
	out := eventJSON{
		Run:          ev.Key.Run,
		Lumi:         ev.Key.Lumi,
		Event:        ev.Key.Number,
		Muons:        make([]muonJSON, len(ev.Muons)),
		Vertices:     make([]vertexJSON, len(ev.Vertices)),
		VertexScores: ev.VertexScores,
	}
	for i, m := range ev.Muons {
		out.Muons[i] = muonJSON{Pt: m.Pt, Eta: m.Eta, Phi: m.Phi}
		if t := m.BestTrack; t != nil {
			out.Muons[i].BestTrack = &trackJSON{
				Charge: t.Charge, Pt: t.Pt, PtErr: t.PtErr, Eta: t.Eta,
				Phi: t.Phi, PhiErr: t.PhiErr, Dxy: t.Dxy, DxyErr: t.DxyErr, Dz: t.Dz,
				Cov: flatFromSym(t.Cov),
			}
		}
	}
	b := ev.BeamSpot
	out.BeamSpot = &beamSpotJSON{
		X: b.Position.X, Y: b.Position.Y, Z: b.Position.Z,
		SigmaZ: b.SigmaZ, WidthX: b.WidthX, WidthY: b.WidthY,
		WidthXError: b.WidthXError, WidthYError: b.WidthYError,
		Valid: b.Valid,
	}
	for i, v := range ev.Vertices {
		out.Vertices[i] = vertexJSON{
			X: v.Position.X, Y: v.Position.Y, Z: v.Position.Z,
			Cov: flatFromSym(v.Cov), Chi2: v.Chi2, NDOF: v.NDOF,
		}
	}
	return out
}

// symFromFlat builds a 3x3 symmetric matrix from a row-major slice. An empty
// slice yields nil.
func symFromFlat(data []float64) (*mat.SymDense, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) != 9 {
		return nil, fmt.Errorf("expected 9 covariance entries, got %d", len(data))
	}
	cp := make([]float64, 9)
	copy(cp, data)
	return mat.NewSymDense(3, cp), nil
}

// FlatCovariance returns the row-major entries of a 3x3 symmetric matrix,
// or nil when m is nil.
func FlatCovariance(m *mat.SymDense) []float64 {
	return flatFromSym(m)
}

// CovarianceFromFlat is the inverse of FlatCovariance.
func CovarianceFromFlat(data []float64) (*mat.SymDense, error) {
	return symFromFlat(data)
}

func flatFromSym(m *mat.SymDense) []float64 {
	if m == nil {
		return nil
	}
	n := m.SymmetricDim()
	out := make([]float64, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}

package event

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = `[
  {
    "run": 367100, "lumi": 12, "event": 998877,
    "muons": [
      {"pt": 50.0, "eta": 0.4, "phi": 1.1,
       "best_track": {"charge": -1, "pt": 49.8, "pt_err": 1.2, "phi": 1.1, "dxy": 0.002,
                      "cov": [1e-8, 0, 1e-9, 0, 1e-8, 0, 1e-9, 0, 1e-6]}},
      {"pt": 7.5}
    ],
    "beamspot": {"x": 0.01, "y": -0.02, "z": 0.5, "sigma_z": 3.5,
                 "width_x": 0.01, "width_y": 0.01, "width_x_error": 0.001, "width_y_error": 0.001,
                 "valid": true},
    "vertices": [{"x": 0.01, "y": -0.02, "z": 1.0, "cov": [1e-6, 0, 0, 0, 1e-6, 0, 0, 0, 1e-5]}],
    "vertex_scores": [123.4]
  },
  {"run": 367100, "lumi": 12, "event": 998878, "muons": [], "vertices": [], "vertex_scores": []}
]`

func TestReadEvents(t *testing.T) {
	events, err := ReadEvents(strings.NewReader(fixture))
	require.NoError(t, err)
	require.Len(t, events, 2)

	ev := events[0]
	assert.Equal(t, Key{Run: 367100, Lumi: 12, Number: 998877}, ev.Key)
	require.Len(t, ev.Muons, 2)
	require.NotNil(t, ev.Muons[0].BestTrack)
	assert.Equal(t, -1, ev.Muons[0].BestTrack.Charge)
	assert.InDelta(t, 1e-9, ev.Muons[0].BestTrack.Covariance().At(ParQOverPt, ParDxy), 1e-24)
	assert.Nil(t, ev.Muons[1].BestTrack)

	assert.True(t, ev.BeamSpot.Valid)
	assert.InDelta(t, -0.02, ev.BeamSpot.Position.Y, 1e-15)
	require.Len(t, ev.Vertices, 1)
	require.NotNil(t, ev.Vertices[0].Cov)
	assert.InDelta(t, 1e-5, ev.Vertices[0].Cov.At(2, 2), 1e-20)
	assert.Equal(t, []float64{123.4}, ev.VertexScores)

	// A missing beam spot decodes as invalid.
	assert.False(t, events[1].BeamSpot.Valid)
	assert.Empty(t, events[1].Muons)
}

func TestReadEvents_BadCovariance(t *testing.T) {
	_, err := ReadEvents(strings.NewReader(`[{"vertices": [{"cov": [1, 2]}]}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vertex 0 covariance")
}

func TestReadEvents_Malformed(t *testing.T) {
	_, err := ReadEvents(strings.NewReader(`{not json`))
	require.Error(t, err)
}

func TestWriteEventsReadBack(t *testing.T) {
	events, err := ReadEvents(strings.NewReader(fixture))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteEvents(&buf, events))

	again, err := ReadEvents(&buf)
	require.NoError(t, err)
	require.Len(t, again, len(events))
	assert.Equal(t, events[0].Key, again[0].Key)
	assert.Equal(t, events[0].Muons[0].BestTrack.Pt, again[0].Muons[0].BestTrack.Pt)
	assert.Equal(t, FlatCovariance(events[0].Vertices[0].Cov), FlatCovariance(again[0].Vertices[0].Cov))
}

func TestLoadEventsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.json")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0644))

	events, err := LoadEventsFile(path)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	_, err = LoadEventsFile(filepath.Join(dir, "events.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".json extension")

	_, err = LoadEventsFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestCovarianceFromFlat(t *testing.T) {
	m, err := CovarianceFromFlat(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = CovarianceFromFlat([]float64{1, 0, 0, 0, 2, 0, 0, 0, 3})
	require.NoError(t, err)
	assert.Equal(t, 2.0, m.At(1, 1))
	assert.Nil(t, FlatCovariance(nil))
}

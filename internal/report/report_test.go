package report

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/muonbs/internal/event"
	"github.com/banshee-data/muonbs/internal/orchestrator"
	"github.com/banshee-data/muonbs/internal/policy"
)

func sampleEntries() []Entry {
	k := event.Key{Run: 1, Lumi: 1, Number: 1}
	return []Entry{
		{Event: k, Index: 0, InputPt: 50, InputPtErr: 2, Pt: 51, PtErr: 1, Source: policy.SourceBeamSpot, Chi2: 1},
		{Event: k, Index: 1, InputPt: 20, InputPtErr: 1, Pt: 19, PtErr: 0.5, Source: policy.SourceBeamSpot, Chi2: 3},
		{Event: k, Index: 2, InputPt: 10, InputPtErr: 1, Pt: 10.5, PtErr: 0.8, Source: policy.SourceVertex, Chi2: 2},
		{Event: k, Index: 3, InputPt: 30, InputPtErr: 2, Pt: 30, PtErr: 2, Source: policy.SourceFallback},
	}
}

func TestEntries(t *testing.T) {
	events := []event.Event{
		{
			Key: event.Key{Run: 1, Lumi: 2, Number: 3},
			Muons: []event.Muon{
				{Pt: 40, BestTrack: &event.Track{Pt: 40, PtErr: 1.5}},
				{Pt: 15},
			},
		},
		{Key: event.Key{Run: 1, Lumi: 2, Number: 4}},
	}
	results := []orchestrator.Result{
		{
			Key: events[0].Key,
			Resolutions: []policy.Resolution{
				{Pt: 41, PtErr: 1, Source: policy.SourceVertex, Chi2: 0.7},
				{Pt: 15, PtErr: event.MissingValue, Source: policy.SourceFallback},
			},
		},
		{Key: events[1].Key},
	}

	got, err := Entries(events, results)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Entry{Event: events[0].Key, Index: 0, InputPt: 40, InputPtErr: 1.5, Pt: 41, PtErr: 1, Source: policy.SourceVertex, Chi2: 0.7}, got[0])
	assert.Equal(t, event.MissingValue, got[1].InputPtErr)
	assert.Equal(t, 1, got[1].Index)
}

func TestEntries_Misaligned(t *testing.T) {
	_, err := Entries([]event.Event{{}}, nil)
	assert.Error(t, err)

	_, err = Entries(
		[]event.Event{{Muons: []event.Muon{{Pt: 1}}}},
		[]orchestrator.Result{{}},
	)
	assert.Error(t, err)
}

func TestEntry_Shift(t *testing.T) {
	assert.InDelta(t, 0.02, Entry{InputPt: 50, Pt: 51}.Shift(), 1e-12)
	assert.Equal(t, 0.0, Entry{InputPt: 0, Pt: 5}.Shift())
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleEntries())

	assert.Equal(t, 4, s.Muons)
	assert.Equal(t, 3, s.Constrained)
	assert.Equal(t, 2, s.BySource[policy.SourceBeamSpot])
	assert.Equal(t, 1, s.BySource[policy.SourceVertex])
	assert.Equal(t, 1, s.BySource[policy.SourceFallback])

	// shifts: 0.02, -0.05, 0.05
	assert.InDelta(t, 0.02/3, s.MeanShift, 1e-12)
	assert.InDelta(t, 0.02, s.MedianShift, 1e-12)
	assert.Greater(t, s.StdDevShift, 0.0)
	assert.InDelta(t, (0.5+0.5+0.8)/3, s.MeanErrRatio, 1e-12)
	assert.InDelta(t, 2.0, s.MeanChi2, 1e-12)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.Muons)
	assert.Zero(t, s.Constrained)
	assert.Zero(t, s.MeanShift)
}

func TestSummarize_SingleConstrained(t *testing.T) {
	s := Summarize(sampleEntries()[:1])
	assert.Equal(t, 0.0, s.StdDevShift)
	assert.InDelta(t, 0.02, s.MeanShift, 1e-12)
}

func TestWriteHistogram(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shift.png")
	require.NoError(t, WriteHistogram(sampleEntries(), path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestWriteHistogram_NoConstrained(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shift.png")
	err := WriteHistogram(sampleEntries()[3:], path)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestWriteDashboard(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDashboard(&buf, sampleEntries()))

	html := buf.String()
	assert.True(t, strings.Contains(html, "Resolution source"))
	assert.True(t, strings.Contains(html, "pt vs constrained pt"))

	assert.ErrorIs(t, WriteDashboard(&buf, nil), ErrNoData)
}

func TestWriteDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "report")
	require.NoError(t, WriteDir(dir, sampleEntries()))

	for _, name := range []string{HistogramFile, DashboardFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestWriteDir_OnlyFallbacks(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDir(dir, sampleEntries()[3:]))

	_, err := os.Stat(filepath.Join(dir, HistogramFile))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, DashboardFile))
	assert.NoError(t, err)

	assert.ErrorIs(t, WriteDir(dir, nil), ErrNoData)
}

func TestHandler(t *testing.T) {
	h := Handler(func() ([]Entry, error) { return sampleEntries(), nil })
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/report", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))

	empty := Handler(func() ([]Entry, error) { return nil, nil })
	w = httptest.NewRecorder()
	empty.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/report", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

package db

import (
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/muonbs/internal/event"
	"github.com/banshee-data/muonbs/internal/monitoring"
	"github.com/banshee-data/muonbs/internal/timeutil"
	"github.com/banshee-data/muonbs/internal/valuemap"
)

var symComparer = cmp.Comparer(func(a, b *mat.SymDense) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return mat.Equal(a, b)
})

func openTestDB(t *testing.T) *DB {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	db, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleEvents() []event.Event {
	cov := mat.NewSymDense(3, []float64{
		1e-6, 0, 2e-8,
		0, 1e-6, 0,
		2e-8, 0, 4e-6,
	})
	return []event.Event{
		{
			Key: event.Key{Run: 1, Lumi: 2, Number: 3},
			Muons: []event.Muon{
				{Pt: 50, Eta: 0.4, Phi: 1.1, BestTrack: &event.Track{
					Charge: -1, Pt: 50.2, PtErr: 1.5, Eta: 0.4, Phi: 1.1, PhiErr: 1e-3,
					Dxy: 0.002, DxyErr: 0.001, Dz: 0.3, Cov: cov,
				}},
				{Pt: 12, Eta: -1.2, Phi: -0.5},
			},
			BeamSpot: event.BeamSpot{
				Position: r3.Vec{X: 0.01, Y: -0.02, Z: 0.5}, SigmaZ: 3.5,
				WidthX: 0.001, WidthY: 0.001, WidthXError: 0.0001, WidthYError: 0.0002, Valid: true,
			},
			Vertices: []event.Vertex{
				{Position: r3.Vec{X: 0.01, Y: -0.02, Z: 0.4}, Cov: cov, Chi2: 12, NDOF: 10},
				{Position: r3.Vec{X: 0.02, Y: 0.01, Z: -3}, Chi2: 4, NDOF: 3},
			},
			VertexScores: []float64{12.5, 3},
		},
		{
			Key: event.Key{Run: 1, Lumi: 2, Number: 4},
			Muons: []event.Muon{
				{Pt: 7, BestTrack: &event.Track{Charge: 1, Pt: 7, PtErr: 0.2, PhiErr: 1e-3, DxyErr: 0.002}},
			},
		},
	}
}

func TestOpenDB_MigratesToLatest(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
	assert.False(t, dirty)

	for _, table := range []string{"events", "muons", "vertices", "vertex_scores", "fit_runs", "constrained_muons", "fit_run_events"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestOpenDB_Reopen(t *testing.T) {
	monitoring.SetLogger(nil)
	path := filepath.Join(t.TempDir(), "reopen.db")

	db, err := OpenDB(path)
	require.NoError(t, err)
	_, err = db.InsertEvents(sampleEvents())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenDB(path)
	require.NoError(t, err)
	defer db.Close()
	n, err := db.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, path, db.Path())
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.MigrateDown(MigrationsFS()))

	version, _, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='fit_run_events'").Scan(&name)
	assert.Error(t, err)
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='fit_runs'").Scan(&name)
	assert.NoError(t, err)
}

func TestInsertAndLoadEvents(t *testing.T) {
	db := openTestDB(t)
	events := sampleEvents()

	n, err := db.InsertEvents(events)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := db.LoadEvents()
	require.NoError(t, err)
	if diff := cmp.Diff(events, got, symComparer); diff != "" {
		t.Errorf("LoadEvents mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertEvents_SkipsDuplicates(t *testing.T) {
	db := openTestDB(t)
	events := sampleEvents()

	_, err := db.InsertEvents(events)
	require.NoError(t, err)
	n, err := db.InsertEvents(events)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := db.LoadEvents()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[0].Muons, 2, "duplicate import must not append muons")
}

func TestLoadEvents_Empty(t *testing.T) {
	db := openTestDB(t)
	got, err := db.LoadEvents()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRunsAndConstrainedProducts(t *testing.T) {
	db := openTestDB(t)

	runID, err := db.CreateRun(map[string]string{"src": "muons"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	k1 := event.Key{Run: 1, Lumi: 1, Number: 1}
	k2 := event.Key{Run: 1, Lumi: 1, Number: 2}
	rows := []ConstrainedMuon{
		{Event: k2, Index: 0, Pt: 30, PtErr: 0.5, Source: "vertex", Chi2: 1.2},
		{Event: k1, Index: 1, Pt: 20, PtErr: 0.4, Source: "fallback"},
		{Event: k1, Index: 0, Pt: 50.3, PtErr: 0.9, Source: "beamspot", Chi2: 0.3},
	}
	require.NoError(t, db.StoreConstrained(runID, []event.Key{k1, k2}, rows))
	require.NoError(t, db.FinishRun(runID, 2, 3))

	loaded, err := db.LoadConstrained(runID)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, rows[2], loaded[0])
	assert.Equal(t, rows[1], loaded[1])
	assert.Equal(t, rows[0], loaded[2])

	products, err := db.ConstrainedProducts(runID)
	require.NoError(t, err)
	assert.Equal(t, valuemap.LabelPt, products.Pt.Label)
	assert.Equal(t, []float64{50.3, 20}, products.Pt.Values(k1))
	assert.Equal(t, []float64{0.9, 0.4}, products.PtErr.Values(k1))
	assert.Equal(t, []float64{30}, products.Pt.Values(k2))
	assert.Equal(t, 3, products.PtErr.Len())

	runs, err := db.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].RunID)
	assert.Equal(t, 2, runs[0].NEvents)
	assert.Equal(t, 3, runs[0].NMuons)
	assert.NotNil(t, runs[0].FinishedAt)
	assert.JSONEq(t, `{"src":"muons"}`, runs[0].ConfigJSON)
}

func TestStoreConstrained_RejectsDuplicateMuon(t *testing.T) {
	db := openTestDB(t)
	runID, err := db.CreateRun(struct{}{})
	require.NoError(t, err)

	k := event.Key{Run: 9, Lumi: 9, Number: 9}
	err = db.StoreConstrained(runID, []event.Key{k}, []ConstrainedMuon{
		{Event: k, Index: 0, Pt: 1, PtErr: 1, Source: "fallback"},
		{Event: k, Index: 0, Pt: 2, PtErr: 2, Source: "fallback"},
	})
	assert.Error(t, err)

	loaded, err := db.LoadConstrained(runID)
	require.NoError(t, err)
	assert.Empty(t, loaded, "failed transaction must not leave partial rows")
	keys, err := db.RunEvents(runID)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestConstrainedProducts_ZeroMuonEvent(t *testing.T) {
	db := openTestDB(t)
	runID, err := db.CreateRun(struct{}{})
	require.NoError(t, err)

	empty := event.Key{Run: 1, Lumi: 1, Number: 4}
	k := event.Key{Run: 1, Lumi: 1, Number: 5}
	want := valuemap.NewProducts()
	require.NoError(t, want.Fill(empty, []float64{}, []float64{}))
	require.NoError(t, want.Fill(k, []float64{7}, []float64{0.1}))

	require.NoError(t, db.StoreConstrained(runID, []event.Key{empty, k}, []ConstrainedMuon{
		{Event: k, Index: 0, Pt: 7, PtErr: 0.1, Source: "beamspot"},
	}))

	got, err := db.ConstrainedProducts(runID)
	require.NoError(t, err)
	assert.Equal(t, want.Pt.Events(), got.Pt.Events())
	assert.Equal(t, want.Pt.Values(empty), got.Pt.Values(empty))
	assert.Equal(t, want.PtErr.Values(empty), got.PtErr.Values(empty))
	assert.NotNil(t, got.Pt.Values(empty))
	assert.Equal(t, []float64{7}, got.Pt.Values(k))

	keys, err := db.RunEvents(runID)
	require.NoError(t, err)
	assert.Equal(t, []event.Key{empty, k}, keys)

	var nMuons int
	require.NoError(t, db.QueryRow(`SELECT n_muons FROM fit_run_events WHERE run_id = ? AND event = 4`, runID).Scan(&nMuons))
	assert.Zero(t, nMuons)
}

func TestConstrainedProducts_RowOutsideRun(t *testing.T) {
	db := openTestDB(t)
	runID, err := db.CreateRun(struct{}{})
	require.NoError(t, err)

	require.NoError(t, db.StoreConstrained(runID, nil, []ConstrainedMuon{
		{Event: event.Key{Run: 2, Lumi: 1, Number: 1}, Index: 0, Pt: 3, PtErr: 0.1, Source: "fallback"},
	}))
	_, err = db.ConstrainedProducts(runID)
	assert.Error(t, err)
}

func TestEventNumberRange(t *testing.T) {
	db := openTestDB(t)

	ev := sampleEvents()[1]
	ev.Key.Number = math.MaxInt64
	n, err := db.InsertEvents([]event.Event{ev})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := db.LoadEvents()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(math.MaxInt64), got[0].Key.Number)

	ev.Key.Number = math.MaxInt64 + 1
	_, err = db.InsertEvents([]event.Event{ev})
	assert.Error(t, err)

	runID, err := db.CreateRun(struct{}{})
	require.NoError(t, err)
	assert.Error(t, db.StoreConstrained(runID, []event.Key{ev.Key}, nil))
}

func TestConstrainedProducts_IndexGap(t *testing.T) {
	db := openTestDB(t)
	runID, err := db.CreateRun(struct{}{})
	require.NoError(t, err)

	k := event.Key{Run: 1, Lumi: 1, Number: 1}
	require.NoError(t, db.StoreConstrained(runID, []event.Key{k}, []ConstrainedMuon{
		{Event: k, Index: 0, Pt: 1, PtErr: 1, Source: "fallback"},
		{Event: k, Index: 2, Pt: 2, PtErr: 2, Source: "fallback"},
	}))

	_, err = db.ConstrainedProducts(runID)
	assert.Error(t, err)
}

func TestFinishRun_Unknown(t *testing.T) {
	db := openTestDB(t)
	assert.Error(t, db.FinishRun("no-such-run", 0, 0))
}

func TestAttachAdminRoutes(t *testing.T) {
	db := openTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	for _, path := range []string{"/debug/tailsql/", "/debug/backup"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			// Registered routes answer 200 or 403 depending on debug access.
			assert.NotEqual(t, http.StatusNotFound, w.Code)
		})
	}
}

func TestRuns_OrderedByStartTime(t *testing.T) {
	db := openTestDB(t)
	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	db.SetClock(clock)

	first, err := db.CreateRun(struct{}{})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	require.NoError(t, db.FinishRun(first, 1, 1))
	clock.Set(start.Add(time.Hour))
	second, err := db.CreateRun(struct{}{})
	require.NoError(t, err)

	runs, err := db.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].RunID)
	assert.Equal(t, first, runs[1].RunID)
	assert.Equal(t, start, runs[1].StartedAt)
	require.NotNil(t, runs[1].FinishedAt)
	assert.Equal(t, start.Add(time.Minute), *runs[1].FinishedAt)
	assert.Nil(t, runs[0].FinishedAt)
	assert.Equal(t, start.Add(time.Hour), runs[0].StartedAt)
}

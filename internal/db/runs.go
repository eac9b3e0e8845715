package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/muonbs/internal/event"
	"github.com/banshee-data/muonbs/internal/valuemap"
)

// FitRun is one execution of the producer over the stored events.
type FitRun struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt *time.Time
	ConfigJSON string
	NEvents    int
	NMuons     int
}

// ConstrainedMuon is the stored output for one muon.
type ConstrainedMuon struct {
	Event  event.Key
	Index  int
	Pt     float64
	PtErr  float64
	Source string
	Chi2   float64
}

// CreateRun records the start of a producer run and returns its id. cfg
// is stored as JSON for provenance.
func (db *DB) CreateRun(cfg any) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run config: %w", err)
	}
	runID := uuid.NewString()
	if _, err := db.Exec(`INSERT INTO fit_runs (run_id, started_unix_nanos, config_json) VALUES (?, ?, ?)`,
		runID, db.clock.Now().UnixNano(), string(b),
	); err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return runID, nil
}

// FinishRun stamps the run's completion time and totals.
func (db *DB) FinishRun(runID string, nEvents, nMuons int) error {
	res, err := db.Exec(`UPDATE fit_runs SET finished_unix_nanos = ?, n_events = ?, n_muons = ? WHERE run_id = ?`,
		db.clock.Now().UnixNano(), nEvents, nMuons, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// StoreConstrained writes the run's processed events and per-muon rows in
// a single transaction. Every event is recorded, including those without
// muons, so ConstrainedProducts can restore their empty entries.
func (db *DB) StoreConstrained(runID string, events []event.Key, rows []ConstrainedMuon) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	counts := make(map[event.Key]int, len(events))
	for _, r := range rows {
		counts[r.Event]++
	}

	evStmt, err := tx.Prepare(`INSERT INTO fit_run_events (run_id, run, lumi, event, n_muons)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer evStmt.Close()

	for _, k := range events {
		number, err := eventNumber(k)
		if err != nil {
			return err
		}
		if _, err := evStmt.Exec(runID, k.Run, k.Lumi, number, counts[k]); err != nil {
			return fmt.Errorf("event %s: %w", k, err)
		}
	}

	stmt, err := tx.Prepare(`INSERT INTO constrained_muons
		(run_id, run, lumi, event, muon_index, pt, pt_err, source, chi2)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		number, err := eventNumber(r.Event)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(runID, r.Event.Run, r.Event.Lumi, number, r.Index,
			r.Pt, r.PtErr, r.Source, r.Chi2,
		); err != nil {
			return fmt.Errorf("event %s muon %d: %w", r.Event, r.Index, err)
		}
	}
	return tx.Commit()
}

// RunEvents returns the event keys processed by runID in identity order.
func (db *DB) RunEvents(runID string) ([]event.Key, error) {
	rows, err := db.Query(`SELECT run, lumi, event FROM fit_run_events
		WHERE run_id = ? ORDER BY run, lumi, event`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var out []event.Key
	for rows.Next() {
		var k event.Key
		if err := rows.Scan(&k.Run, &k.Lumi, &k.Number); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// LoadConstrained returns the rows stored for runID ordered by muon identity.
func (db *DB) LoadConstrained(runID string) ([]ConstrainedMuon, error) {
	rows, err := db.Query(`SELECT run, lumi, event, muon_index, pt, pt_err, source, chi2
		FROM constrained_muons WHERE run_id = ?
		ORDER BY run, lumi, event, muon_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("query constrained muons: %w", err)
	}
	defer rows.Close()

	var out []ConstrainedMuon
	for rows.Next() {
		var r ConstrainedMuon
		if err := rows.Scan(&r.Event.Run, &r.Event.Lumi, &r.Event.Number, &r.Index,
			&r.Pt, &r.PtErr, &r.Source, &r.Chi2,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ConstrainedProducts rebuilds the pt and ptErr value maps stored for
// runID. Events processed without muons get empty entries.
func (db *DB) ConstrainedProducts(runID string) (valuemap.Products, error) {
	products := valuemap.NewProducts()
	keys, err := db.RunEvents(runID)
	if err != nil {
		return products, err
	}
	rows, err := db.LoadConstrained(runID)
	if err != nil {
		return products, err
	}

	byEvent := make(map[event.Key][]ConstrainedMuon, len(keys))
	for _, k := range keys {
		byEvent[k] = nil
	}
	for _, r := range rows {
		if _, ok := byEvent[r.Event]; !ok {
			return products, fmt.Errorf("event %s: muon rows stored for an event outside the run", r.Event)
		}
		byEvent[r.Event] = append(byEvent[r.Event], r)
	}

	for _, k := range keys {
		muons := byEvent[k]
		pt := make([]float64, 0, len(muons))
		ptErr := make([]float64, 0, len(muons))
		for i, r := range muons {
			if r.Index != i {
				return products, fmt.Errorf("event %s: muon index %d out of sequence", k, r.Index)
			}
			pt = append(pt, r.Pt)
			ptErr = append(ptErr, r.PtErr)
		}
		if err := products.Fill(k, pt, ptErr); err != nil {
			return products, err
		}
	}
	return products, nil
}

// Runs lists producer runs, most recent first.
func (db *DB) Runs() ([]FitRun, error) {
	rows, err := db.Query(`SELECT run_id, started_unix_nanos, finished_unix_nanos, config_json, n_events, n_muons
		FROM fit_runs ORDER BY started_unix_nanos DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []FitRun
	for rows.Next() {
		var (
			r        FitRun
			started  int64
			finished *int64
		)
		if err := rows.Scan(&r.RunID, &started, &finished, &r.ConfigJSON, &r.NEvents, &r.NMuons); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started).UTC()
		if finished != nil {
			t := time.Unix(0, *finished).UTC()
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

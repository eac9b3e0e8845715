package db

import (
	"database/sql"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/muonbs/internal/event"
)

// InsertEvents stores events in one transaction. Events whose
// (run, lumi, event) key is already present are skipped; the number of
// newly inserted events is returned.
func (db *DB) InsertEvents(events []event.Event) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for i := range events {
		ok, err := insertEvent(tx, &events[i])
		if err != nil {
			return 0, fmt.Errorf("event %s: %w", events[i].Key, err)
		}
		if ok {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit events: %w", err)
	}
	return inserted, nil
}

func insertEvent(tx *sql.Tx, ev *event.Event) (bool, error) {
	number, err := eventNumber(ev.Key)
	if err != nil {
		return false, err
	}
	b := ev.BeamSpot
	res, err := tx.Exec(`INSERT INTO events (
			run, lumi, event, bs_x, bs_y, bs_z, bs_sigma_z,
			bs_width_x, bs_width_y, bs_width_x_error, bs_width_y_error, bs_valid
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run, lumi, event) DO NOTHING`,
		ev.Key.Run, ev.Key.Lumi, number,
		b.Position.X, b.Position.Y, b.Position.Z, b.SigmaZ,
		b.WidthX, b.WidthY, b.WidthXError, b.WidthYError, boolToInt(b.Valid),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return false, err
	}

	for i, m := range ev.Muons {
		var (
			t   event.Track
			has bool
		)
		if m.BestTrack != nil {
			t, has = *m.BestTrack, true
		}
		cov, err := marshalFloats(event.FlatCovariance(t.Cov))
		if err != nil {
			return false, fmt.Errorf("muon %d covariance: %w", i, err)
		}
		if _, err := tx.Exec(`INSERT INTO muons (
				event_id, muon_index, pt, eta, phi, has_track, charge,
				trk_pt, trk_pt_err, trk_eta, trk_phi, trk_phi_err, trk_dxy, trk_dxy_err, trk_dz, trk_cov_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eventID, i, m.Pt, m.Eta, m.Phi, boolToInt(has), t.Charge,
			t.Pt, t.PtErr, t.Eta, t.Phi, t.PhiErr, t.Dxy, t.DxyErr, t.Dz, cov,
		); err != nil {
			return false, fmt.Errorf("insert muon %d: %w", i, err)
		}
	}

	for i, v := range ev.Vertices {
		cov, err := marshalFloats(event.FlatCovariance(v.Cov))
		if err != nil {
			return false, fmt.Errorf("vertex %d covariance: %w", i, err)
		}
		if _, err := tx.Exec(`INSERT INTO vertices (event_id, vertex_index, x, y, z, cov_json, chi2, ndof)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			eventID, i, v.Position.X, v.Position.Y, v.Position.Z, cov, v.Chi2, v.NDOF,
		); err != nil {
			return false, fmt.Errorf("insert vertex %d: %w", i, err)
		}
	}

	for i, s := range ev.VertexScores {
		if _, err := tx.Exec(`INSERT INTO vertex_scores (event_id, score_index, score) VALUES (?, ?, ?)`,
			eventID, i, s,
		); err != nil {
			return false, fmt.Errorf("insert vertex score %d: %w", i, err)
		}
	}
	return true, nil
}

// LoadEvents returns every stored event in import order with its muons,
// vertices and scores in their original positional order.
func (db *DB) LoadEvents() ([]event.Event, error) {
	rows, err := db.Query(`SELECT event_id, run, lumi, event, bs_x, bs_y, bs_z, bs_sigma_z,
			bs_width_x, bs_width_y, bs_width_x_error, bs_width_y_error, bs_valid
		FROM events ORDER BY event_id`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	var (
		events []event.Event
		ids    []int64
	)
	for rows.Next() {
		var (
			id    int64
			ev    event.Event
			b     event.BeamSpot
			valid int
		)
		if err := rows.Scan(&id, &ev.Key.Run, &ev.Key.Lumi, &ev.Key.Number,
			&b.Position.X, &b.Position.Y, &b.Position.Z, &b.SigmaZ,
			&b.WidthX, &b.WidthY, &b.WidthXError, &b.WidthYError, &valid,
		); err != nil {
			rows.Close()
			return nil, err
		}
		b.Valid = valid != 0
		ev.BeamSpot = b
		events = append(events, ev)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	index := make(map[int64]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	if err := db.loadMuons(events, index); err != nil {
		return nil, err
	}
	if err := db.loadVertices(events, index); err != nil {
		return nil, err
	}
	if err := db.loadScores(events, index); err != nil {
		return nil, err
	}
	return events, nil
}

func (db *DB) loadMuons(events []event.Event, index map[int64]int) error {
	rows, err := db.Query(`SELECT event_id, pt, eta, phi, has_track, charge,
			trk_pt, trk_pt_err, trk_eta, trk_phi, trk_phi_err, trk_dxy, trk_dxy_err, trk_dz, trk_cov_json
		FROM muons ORDER BY event_id, muon_index`)
	if err != nil {
		return fmt.Errorf("query muons: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			eventID int64
			m       event.Muon
			t       event.Track
			has     int
			covJSON sql.NullString
		)
		if err := rows.Scan(&eventID, &m.Pt, &m.Eta, &m.Phi, &has, &t.Charge,
			&t.Pt, &t.PtErr, &t.Eta, &t.Phi, &t.PhiErr, &t.Dxy, &t.DxyErr, &t.Dz, &covJSON,
		); err != nil {
			return err
		}
		if has != 0 {
			flat, err := unmarshalFloats(covJSON)
			if err != nil {
				return fmt.Errorf("muon covariance: %w", err)
			}
			if t.Cov, err = event.CovarianceFromFlat(flat); err != nil {
				return fmt.Errorf("muon covariance: %w", err)
			}
			m.BestTrack = &t
		}
		i, ok := index[eventID]
		if !ok {
			continue
		}
		events[i].Muons = append(events[i].Muons, m)
	}
	return rows.Err()
}

func (db *DB) loadVertices(events []event.Event, index map[int64]int) error {
	rows, err := db.Query(`SELECT event_id, x, y, z, cov_json, chi2, ndof
		FROM vertices ORDER BY event_id, vertex_index`)
	if err != nil {
		return fmt.Errorf("query vertices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			eventID int64
			v       event.Vertex
			pos     r3.Vec
			covJSON sql.NullString
		)
		if err := rows.Scan(&eventID, &pos.X, &pos.Y, &pos.Z, &covJSON, &v.Chi2, &v.NDOF); err != nil {
			return err
		}
		v.Position = pos
		flat, err := unmarshalFloats(covJSON)
		if err != nil {
			return fmt.Errorf("vertex covariance: %w", err)
		}
		if v.Cov, err = event.CovarianceFromFlat(flat); err != nil {
			return fmt.Errorf("vertex covariance: %w", err)
		}
		if i, ok := index[eventID]; ok {
			events[i].Vertices = append(events[i].Vertices, v)
		}
	}
	return rows.Err()
}

func (db *DB) loadScores(events []event.Event, index map[int64]int) error {
	rows, err := db.Query(`SELECT event_id, score FROM vertex_scores ORDER BY event_id, score_index`)
	if err != nil {
		return fmt.Errorf("query vertex scores: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			eventID int64
			score   float64
		)
		if err := rows.Scan(&eventID, &score); err != nil {
			return err
		}
		if i, ok := index[eventID]; ok {
			events[i].VertexScores = append(events[i].VertexScores, score)
		}
	}
	return rows.Err()
}

// CountEvents returns the number of stored events.
func (db *DB) CountEvents() (int, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

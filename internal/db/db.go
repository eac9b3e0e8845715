package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/muonbs/internal/event"
	"github.com/banshee-data/muonbs/internal/monitoring"
	"github.com/banshee-data/muonbs/internal/timeutil"
)

// pragmas applied to every connection opened by the pool.
const pragmas = "_pragma=busy_timeout(5000)" +
	"&_pragma=journal_mode(WAL)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_pragma=temp_store(MEMORY)" +
	"&_pragma=foreign_keys(1)"

// DB is the producer's sqlite store: imported events on the input side,
// constrained per-muon values on the output side.
type DB struct {
	*sql.DB
	path  string
	clock timeutil.Clock
}

// OpenDB opens (creating if needed) the database at path and applies the
// embedded schema migrations.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?"+pragmas)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: sqlDB, path: path, clock: timeutil.RealClock{}}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		sqlDB.Close()
		return nil, err
	}

	monitoring.Logf("opened producer database %s", path)
	return db, nil
}

// SetClock replaces the clock used to stamp runs.
func (db *DB) SetClock(c timeutil.Clock) {
	db.clock = c
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

func marshalFloats(v []float64) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalFloats(s sql.NullString) ([]float64, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out []float64
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// eventNumber converts the event number for storage. sqlite integers are
// signed 64-bit, so numbers at or above 2^63 are rejected.
func eventNumber(k event.Key) (int64, error) {
	if k.Number > math.MaxInt64 {
		return 0, fmt.Errorf("event %s: number exceeds the storable range", k)
	}
	return int64(k.Number), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

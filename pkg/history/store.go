// Package history persists per-second samples into an embedded SQLite
// database (WAL journaling) and serves downsampled range queries and weekly
// energy reports for the web API.
package history

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"pdu-bridge/pkg/errors"
	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/pdu"
)

const (
	// commitEvery batches inserts to amortize fsync cost
	commitEvery = 10
	// reopenAfterErrors triggers a close/reopen cycle to recover from a
	// wedged journal lock
	reopenAfterErrors = 10
)

const schema = `
CREATE TABLE IF NOT EXISTS bank_samples (
	ts INTEGER NOT NULL,
	bank INTEGER NOT NULL,
	voltage REAL, current REAL, power REAL, apparent REAL, pf REAL,
	device_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_bank_device_ts ON bank_samples(device_id, ts);

CREATE TABLE IF NOT EXISTS outlet_samples (
	ts INTEGER NOT NULL,
	outlet INTEGER NOT NULL,
	state TEXT,
	current REAL, power REAL, energy REAL,
	device_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_outlet_device_ts ON outlet_samples(device_id, ts);

CREATE TABLE IF NOT EXISTS environment_samples (
	ts INTEGER NOT NULL,
	temperature REAL, humidity REAL,
	contact_1 INTEGER, contact_2 INTEGER, contact_3 INTEGER, contact_4 INTEGER,
	device_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_env_device_ts ON environment_samples(device_id, ts);

CREATE TABLE IF NOT EXISTS energy_reports (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	week_start TEXT NOT NULL,
	week_end TEXT NOT NULL,
	created_at TEXT NOT NULL,
	data TEXT NOT NULL,
	device_id TEXT NOT NULL DEFAULT '',
	UNIQUE(week_start, device_id)
);
`

// Store is the shared history database. One Store serves every poller;
// access is serialized on the mutex and readers go through the same handle
// (WAL keeps web-API reads from blocking the writer).
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string

	retentionDays   int
	houseMonthlyKWh float64

	tx           *sql.Tx // open batch transaction
	pendingRows  int
	writeErrors  int64
	consecErrors int

	now func() time.Time // test hook
}

// Open opens (creating if needed) the history database
func Open(path string, retentionDays int, houseMonthlyKWh float64) (*Store, error) {
	s := &Store{
		path:            path,
		retentionDays:   retentionDays,
		houseMonthlyKWh: houseMonthlyKWh,
		now:             time.Now,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	logger.LogInfo("History database ready at %s (retention %d days)", path, retentionDays)
	return s, nil
}

func (s *Store) open() error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return errors.NewStoreError("open", err, "")
	}
	// single writer; queries share the handle
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		db.Close()
		return errors.NewStoreError("pragma", err, "")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return errors.NewStoreError("schema", err, "")
	}
	s.db = db
	return nil
}

// Record inserts one row per bank, one per outlet and an environment row
// when a sensor is present. Rows accumulate in a transaction committed every
// tenth record. Errors never propagate to the poll loop — they are counted
// and the connection is recycled after ten consecutive failures.
func (s *Store) Record(snap *pdu.Snapshot, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recordLocked(snap, deviceID); err != nil {
		s.noteErrorLocked(err)
		return err
	}
	s.consecErrors = 0
	return nil
}

func (s *Store) recordLocked(snap *pdu.Snapshot, deviceID string) error {
	if s.tx == nil {
		tx, err := s.db.Begin()
		if err != nil {
			return errors.NewStoreError("begin", err, "")
		}
		s.tx = tx
	}
	ts := s.now().Unix()

	for _, b := range snap.Banks {
		_, err := s.tx.Exec(
			`INSERT INTO bank_samples (ts, bank, voltage, current, power, apparent, pf, device_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ts, b.Number, b.Voltage, b.Current, b.Power, b.ApparentPower, b.PowerFactor, deviceID)
		if err != nil {
			s.rollbackLocked()
			return errors.NewStoreError("insert", err, "bank_samples")
		}
	}
	for _, o := range snap.Outlets {
		_, err := s.tx.Exec(
			`INSERT INTO outlet_samples (ts, outlet, state, current, power, energy, device_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ts, o.Number, o.State, o.Current, o.Power, o.Energy, deviceID)
		if err != nil {
			s.rollbackLocked()
			return errors.NewStoreError("insert", err, "outlet_samples")
		}
	}
	if env := snap.Environment; env != nil && env.SensorPresent {
		_, err := s.tx.Exec(
			`INSERT INTO environment_samples
			 (ts, temperature, humidity, contact_1, contact_2, contact_3, contact_4, device_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ts, env.Temperature, env.Humidity,
			boolInt(env.Contacts[1]), boolInt(env.Contacts[2]),
			boolInt(env.Contacts[3]), boolInt(env.Contacts[4]), deviceID)
		if err != nil {
			s.rollbackLocked()
			return errors.NewStoreError("insert", err, "environment_samples")
		}
	}

	s.pendingRows++
	if s.pendingRows >= commitEvery {
		if err := s.tx.Commit(); err != nil {
			s.tx = nil
			s.pendingRows = 0
			return errors.NewStoreError("commit", err, "")
		}
		s.tx = nil
		s.pendingRows = 0
	}
	return nil
}

func (s *Store) rollbackLocked() {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
		s.pendingRows = 0
	}
}

func (s *Store) noteErrorLocked(err error) {
	s.writeErrors++
	s.consecErrors++
	if s.writeErrors <= 3 || s.writeErrors%60 == 0 {
		logger.LogError("History write error #%d: %v", s.writeErrors, err)
	}
	if s.consecErrors >= reopenAfterErrors {
		logger.LogWarn("History: %d consecutive write errors, reopening database", s.consecErrors)
		s.rollbackLocked()
		_ = s.db.Close()
		if reopenErr := s.open(); reopenErr != nil {
			logger.LogError("History reopen failed: %v", reopenErr)
			return
		}
		s.consecErrors = 0
	}
}

// Flush commits any open batch transaction
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		if err := s.tx.Commit(); err != nil {
			logger.LogWarn("History flush: %v", err)
		}
		s.tx = nil
		s.pendingRows = 0
	}
}

// Healthy reports whether the store is writable (no climbing error streak)
func (s *Store) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil && s.consecErrors < reopenAfterErrors
}

// Cleanup deletes samples older than the retention window. Reports are
// kept indefinitely.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackIdleLocked()

	cutoff := s.now().Unix() - int64(s.retentionDays)*86400
	total := int64(0)
	for _, table := range []string{"bank_samples", "outlet_samples", "environment_samples"} {
		res, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE ts < ?", table), cutoff)
		if err != nil {
			logger.LogWarn("History cleanup of %s: %v", table, err)
			continue
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	if total > 0 {
		logger.LogInfo("History cleanup removed %d old sample(s)", total)
	}
}

// rollbackIdleLocked commits the open batch so bulk statements see all rows
func (s *Store) rollbackIdleLocked() {
	if s.tx != nil {
		if err := s.tx.Commit(); err != nil {
			_ = s.tx.Rollback()
		}
		s.tx = nil
		s.pendingRows = 0
	}
}

// Close commits pending data and closes the database. Errors are swallowed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		_ = s.tx.Commit()
		s.tx = nil
	}
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

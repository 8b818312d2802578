package history

import (
	"pdu-bridge/pkg/errors"
)

// BucketFor picks the downsampling interval (seconds) for a query span when
// the caller does not supply one.
func BucketFor(spanSeconds int64) int64 {
	switch {
	case spanSeconds <= 3600:
		return 1
	case spanSeconds <= 21600:
		return 10
	case spanSeconds <= 86400:
		return 60
	case spanSeconds <= 604800:
		return 300
	case spanSeconds <= 2592000:
		return 900
	default:
		return 1800
	}
}

// BankPoint is one downsampled bank sample bucket
type BankPoint struct {
	TS       int64    `json:"ts"`
	Bank     int      `json:"bank"`
	Voltage  *float64 `json:"voltage"`
	Current  *float64 `json:"current"`
	Power    *float64 `json:"power"`
	Apparent *float64 `json:"apparent"`
	PF       *float64 `json:"pf"`
}

// OutletPoint is one downsampled outlet sample bucket. Energy is the bucket
// maximum (monotonic counter); the rest are averages.
type OutletPoint struct {
	TS      int64    `json:"ts"`
	Outlet  int      `json:"outlet"`
	Current *float64 `json:"current"`
	Power   *float64 `json:"power"`
	Energy  *float64 `json:"energy"`
}

// EnvPoint is one downsampled environment sample bucket
type EnvPoint struct {
	TS          int64    `json:"ts"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
}

// QueryBanks returns bank samples in [start,end], bucketed by interval
// (auto-picked when interval <= 0). Empty deviceID spans all devices.
func (s *Store) QueryBanks(start, end, interval int64, deviceID string) ([]BankPoint, error) {
	if interval <= 0 {
		interval = BucketFor(end - start)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackIdleLocked()

	query := `SELECT (ts / ?) * ? AS bucket, bank,
		AVG(voltage), AVG(current), AVG(power), AVG(apparent), AVG(pf)
		FROM bank_samples WHERE ts >= ? AND ts <= ?`
	args := []interface{}{interval, interval, start, end}
	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	query += " GROUP BY bucket, bank ORDER BY bucket, bank"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.NewStoreError("query_banks", err, "bank_samples")
	}
	defer rows.Close()

	var out []BankPoint
	for rows.Next() {
		var p BankPoint
		if err := rows.Scan(&p.TS, &p.Bank, &p.Voltage, &p.Current, &p.Power, &p.Apparent, &p.PF); err != nil {
			return nil, errors.NewStoreError("scan", err, "bank_samples")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// QueryOutlets returns outlet samples in [start,end], bucketed by interval
// (auto-picked when interval <= 0). Empty deviceID spans all devices.
func (s *Store) QueryOutlets(start, end, interval int64, deviceID string) ([]OutletPoint, error) {
	if interval <= 0 {
		interval = BucketFor(end - start)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackIdleLocked()

	query := `SELECT (ts / ?) * ? AS bucket, outlet,
		AVG(current), AVG(power), MAX(energy)
		FROM outlet_samples WHERE ts >= ? AND ts <= ?`
	args := []interface{}{interval, interval, start, end}
	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	query += " GROUP BY bucket, outlet ORDER BY bucket, outlet"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.NewStoreError("query_outlets", err, "outlet_samples")
	}
	defer rows.Close()

	var out []OutletPoint
	for rows.Next() {
		var p OutletPoint
		if err := rows.Scan(&p.TS, &p.Outlet, &p.Current, &p.Power, &p.Energy); err != nil {
			return nil, errors.NewStoreError("scan", err, "outlet_samples")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// QueryEnvironment returns environment samples in [start,end]
func (s *Store) QueryEnvironment(start, end, interval int64, deviceID string) ([]EnvPoint, error) {
	if interval <= 0 {
		interval = BucketFor(end - start)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackIdleLocked()

	query := `SELECT (ts / ?) * ? AS bucket, AVG(temperature), AVG(humidity)
		FROM environment_samples WHERE ts >= ? AND ts <= ?`
	args := []interface{}{interval, interval, start, end}
	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	query += " GROUP BY bucket ORDER BY bucket"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.NewStoreError("query_environment", err, "environment_samples")
	}
	defer rows.Close()

	var out []EnvPoint
	for rows.Next() {
		var p EnvPoint
		if err := rows.Scan(&p.TS, &p.Temperature, &p.Humidity); err != nil {
			return nil, errors.NewStoreError("scan", err, "environment_samples")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

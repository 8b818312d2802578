package history

import (
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	"pdu-bridge/pkg/errors"
	"pdu-bridge/pkg/logger"
)

// ReportMeta is one row of the report listing
type ReportMeta struct {
	ID        int64  `json:"id"`
	WeekStart string `json:"week_start"`
	WeekEnd   string `json:"week_end"`
	CreatedAt string `json:"created_at"`
	DeviceID  string `json:"device_id"`
}

// Report is a full stored report. Data is the decoded JSON payload; a
// corrupt payload yields an empty Data, never an error.
type Report struct {
	ReportMeta
	Data map[string]interface{} `json:"data"`
}

type outletAgg struct {
	powers []float64
}

// GenerateWeeklyReport computes and stores the report for the most recent
// complete Monday-through-Sunday week, if one is not already stored for
// (week_start, device_id). Returns the report data, or nil when it already
// exists or the week has no samples.
//
// The week selection deliberately keeps the historical day arithmetic:
// early Monday morning (before 01:00) targets the week before last.
func (s *Store) GenerateWeeklyReport(deviceID string) (map[string]interface{}, error) {
	now := s.now()
	daysSinceMonday := (int(now.Weekday()) + 6) % 7
	var lastMonday time.Time
	if daysSinceMonday == 0 && now.Hour() < 1 {
		lastMonday = now.AddDate(0, 0, -(7 + daysSinceMonday))
	} else {
		lastMonday = now.AddDate(0, 0, -daysSinceMonday)
	}
	weekEnd := time.Date(lastMonday.Year(), lastMonday.Month(), lastMonday.Day(),
		0, 0, 0, 0, lastMonday.Location())
	weekStart := weekEnd.AddDate(0, 0, -7)

	weekStartStr := weekStart.Format("2006-01-02")
	weekEndStr := weekEnd.Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackIdleLocked()

	var existing int64
	err := s.db.QueryRow(
		"SELECT id FROM energy_reports WHERE week_start = ? AND device_id = ?",
		weekStartStr, deviceID).Scan(&existing)
	if err == nil {
		return nil, nil // already generated
	}
	if err != sql.ErrNoRows {
		return nil, errors.NewStoreError("report_lookup", err, "energy_reports")
	}

	startTS, endTS := weekStart.Unix(), weekEnd.Unix()

	// Sum bank power per timestamp; samples are 1 second apart, so
	// kWh = sum(W) / 3600 / 1000.
	totalPower := make(map[int64]float64)
	rows, err := s.db.Query(
		`SELECT ts, power FROM bank_samples
		 WHERE ts >= ? AND ts < ? AND device_id = ? ORDER BY ts`,
		startTS, endTS, deviceID)
	if err != nil {
		return nil, errors.NewStoreError("report_banks", err, "bank_samples")
	}
	for rows.Next() {
		var ts int64
		var power sql.NullFloat64
		if err := rows.Scan(&ts, &power); err != nil {
			rows.Close()
			return nil, errors.NewStoreError("scan", err, "bank_samples")
		}
		if power.Valid {
			totalPower[ts] += power.Float64
		} else {
			totalPower[ts] += 0
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreError("report_banks", err, "bank_samples")
	}

	outlets := make(map[int]*outletAgg)
	rows, err = s.db.Query(
		`SELECT outlet, power FROM outlet_samples
		 WHERE ts >= ? AND ts < ? AND device_id = ? ORDER BY ts`,
		startTS, endTS, deviceID)
	if err != nil {
		return nil, errors.NewStoreError("report_outlets", err, "outlet_samples")
	}
	for rows.Next() {
		var outlet int
		var power sql.NullFloat64
		if err := rows.Scan(&outlet, &power); err != nil {
			rows.Close()
			return nil, errors.NewStoreError("scan", err, "outlet_samples")
		}
		agg := outlets[outlet]
		if agg == nil {
			agg = &outletAgg{}
			outlets[outlet] = agg
		}
		if power.Valid {
			agg.powers = append(agg.powers, power.Float64)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreError("report_outlets", err, "outlet_samples")
	}

	if len(totalPower) == 0 && len(outlets) == 0 {
		return nil, nil // no data for this week
	}

	var totalSum, peak float64
	var positives []float64
	for _, w := range totalPower {
		totalSum += w
		if w > 0 {
			positives = append(positives, w)
			if w > peak {
				peak = w
			}
		}
	}
	totalKWh := totalSum / 3600.0 / 1000.0
	avg := 0.0
	if len(positives) > 0 {
		for _, w := range positives {
			avg += w
		}
		avg /= float64(len(positives))
	}

	perOutlet := make(map[string]interface{}, len(outlets))
	for o, agg := range outlets {
		var sum, oPeak float64
		for _, w := range agg.powers {
			sum += w
			if w > oPeak {
				oPeak = w
			}
		}
		oAvg := 0.0
		if len(agg.powers) > 0 {
			oAvg = sum / float64(len(agg.powers))
		}
		perOutlet[strconv.Itoa(o)] = map[string]interface{}{
			"kwh":        round3(sum / 3600.0 / 1000.0),
			"avg_power":  round1(oAvg),
			"peak_power": round1(oPeak),
		}
	}

	// daily breakdown in local time
	daily := make(map[string][]float64)
	for ts, w := range totalPower {
		day := time.Unix(ts, 0).Format("2006-01-02")
		daily[day] = append(daily[day], w)
	}
	days := make([]string, 0, len(daily))
	for day := range daily {
		days = append(days, day)
	}
	sort.Strings(days)
	dailyBreakdown := make(map[string]interface{}, len(days))
	for _, day := range days {
		powers := daily[day]
		var sum, dPeak float64
		for _, w := range powers {
			sum += w
			if w > dPeak {
				dPeak = w
			}
		}
		dailyBreakdown[day] = map[string]interface{}{
			"kwh":        round3(sum / 3600.0 / 1000.0),
			"avg_power":  round1(sum / float64(len(powers))),
			"peak_power": round1(dPeak),
		}
	}

	data := map[string]interface{}{
		"week_start":   weekStartStr,
		"week_end":     weekEndStr,
		"total_kwh":    round3(totalKWh),
		"peak_power_w": round1(peak),
		"avg_power_w":  round1(avg),
		"per_outlet":   perOutlet,
		"daily":        dailyBreakdown,
		"sample_count": len(totalPower),
	}
	if s.houseMonthlyKWh > 0 {
		weeklyHouse := s.houseMonthlyKWh * 7 / 30
		data["house_pct"] = round1(totalKWh / weeklyHouse * 100)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, errors.NewStoreError("report_marshal", err, "energy_reports")
	}
	_, err = s.db.Exec(
		`INSERT INTO energy_reports (week_start, week_end, created_at, data, device_id)
		 VALUES (?, ?, ?, ?, ?)`,
		weekStartStr, weekEndStr, s.now().Format(time.RFC3339), string(payload), deviceID)
	if err != nil {
		return nil, errors.NewStoreError("report_insert", err, "energy_reports")
	}
	logger.LogInfo("Generated weekly report %s..%s for %s: %.1f kWh",
		weekStartStr, weekEndStr, deviceID, totalKWh)
	return data, nil
}

// ListReports returns report metadata newest-first. Empty deviceID lists all.
func (s *Store) ListReports(deviceID string) ([]ReportMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackIdleLocked()

	query := "SELECT id, week_start, week_end, created_at, device_id FROM energy_reports"
	var args []interface{}
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY week_start DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.NewStoreError("list_reports", err, "energy_reports")
	}
	defer rows.Close()
	var out []ReportMeta
	for rows.Next() {
		var m ReportMeta
		if err := rows.Scan(&m.ID, &m.WeekStart, &m.WeekEnd, &m.CreatedAt, &m.DeviceID); err != nil {
			return nil, errors.NewStoreError("scan", err, "energy_reports")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetReport fetches one report by id; nil when absent
func (s *Store) GetReport(id int64) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackIdleLocked()
	return s.scanReport(s.db.QueryRow(
		`SELECT id, week_start, week_end, created_at, data, device_id
		 FROM energy_reports WHERE id = ?`, id))
}

// LatestReport fetches the newest report, optionally for one device
func (s *Store) LatestReport(deviceID string) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackIdleLocked()
	if deviceID != "" {
		return s.scanReport(s.db.QueryRow(
			`SELECT id, week_start, week_end, created_at, data, device_id
			 FROM energy_reports WHERE device_id = ? ORDER BY week_start DESC LIMIT 1`, deviceID))
	}
	return s.scanReport(s.db.QueryRow(
		`SELECT id, week_start, week_end, created_at, data, device_id
		 FROM energy_reports ORDER BY week_start DESC LIMIT 1`))
}

func (s *Store) scanReport(row *sql.Row) (*Report, error) {
	var r Report
	var raw string
	err := row.Scan(&r.ID, &r.WeekStart, &r.WeekEnd, &r.CreatedAt, &raw, &r.DeviceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewStoreError("get_report", err, "energy_reports")
	}
	// corrupt payloads read back as empty data, not as an error
	if err := json.Unmarshal([]byte(raw), &r.Data); err != nil {
		logger.LogWarn("Report %d has corrupt data payload: %v", r.ID, err)
		r.Data = map[string]interface{}{}
	}
	return &r, nil
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

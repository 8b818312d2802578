package history

import (
	"path/filepath"
	"testing"
	"time"

	"pdu-bridge/pkg/pdu"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), 60, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func sampleSnapshot(power float64) *pdu.Snapshot {
	return &pdu.Snapshot{
		Outlets: map[int]*pdu.OutletData{
			1: {Number: 1, State: pdu.OutletOn, Current: pdu.Float(1.2),
				Power: pdu.Float(power), Energy: pdu.Float(10)},
		},
		Banks: map[int]*pdu.BankData{
			1: {Number: 1, Voltage: pdu.Float(120), Current: pdu.Float(1.2),
				Power: pdu.Float(power), ApparentPower: pdu.Float(power + 5),
				PowerFactor: pdu.Float(0.98)},
		},
		Environment: &pdu.EnvironmentData{
			Temperature:   pdu.Float(74),
			Humidity:      pdu.Float(40),
			Contacts:      map[int]bool{1: false, 2: true},
			SensorPresent: true,
		},
	}
}

func TestBucketForBoundaries(t *testing.T) {
	cases := []struct {
		span int64
		want int64
	}{
		{3600, 1},
		{3601, 10},
		{21600, 10},
		{21601, 60},
		{86400, 60},
		{86401, 300},
		{604800, 300},
		{604801, 900},
		{2592000, 900},
		{2592001, 1800},
	}
	for _, tc := range cases {
		if got := BucketFor(tc.span); got != tc.want {
			t.Errorf("BucketFor(%d) = %d, want %d", tc.span, got, tc.want)
		}
	}
}

func TestRecordAndQueryRoundTrip(t *testing.T) {
	s := testStore(t)
	base := time.Now().Add(-time.Minute).Truncate(time.Second)
	clock := base
	s.now = func() time.Time { return clock }

	// 20 records cross two batch commits
	for i := 0; i < 20; i++ {
		clock = base.Add(time.Duration(i) * time.Second)
		if err := s.Record(sampleSnapshot(100), "p1"); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	s.Flush()

	banks, err := s.QueryBanks(base.Unix()-1, base.Unix()+30, 1, "p1")
	if err != nil {
		t.Fatalf("QueryBanks: %v", err)
	}
	if len(banks) != 20 {
		t.Fatalf("expected 20 bank buckets, got %d", len(banks))
	}
	if banks[0].Power == nil || *banks[0].Power != 100 {
		t.Errorf("bank power mismatch: %+v", banks[0])
	}

	outlets, err := s.QueryOutlets(base.Unix()-1, base.Unix()+30, 1, "p1")
	if err != nil {
		t.Fatalf("QueryOutlets: %v", err)
	}
	if len(outlets) != 20 {
		t.Fatalf("expected 20 outlet buckets, got %d", len(outlets))
	}

	envs, err := s.QueryEnvironment(base.Unix()-1, base.Unix()+30, 1, "p1")
	if err != nil {
		t.Fatalf("QueryEnvironment: %v", err)
	}
	if len(envs) != 20 {
		t.Fatalf("expected 20 environment buckets, got %d", len(envs))
	}
}

func TestQueryFiltersByDevice(t *testing.T) {
	s := testStore(t)
	now := time.Now().Unix()

	if err := s.Record(sampleSnapshot(100), "p1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(sampleSnapshot(200), "p2"); err != nil {
		t.Fatal(err)
	}
	s.Flush()

	only, err := s.QueryBanks(now-60, now+60, 1, "p1")
	if err != nil {
		t.Fatalf("QueryBanks: %v", err)
	}
	for _, p := range only {
		if p.Power != nil && *p.Power != 100 {
			t.Errorf("p1 query returned foreign power %v", *p.Power)
		}
	}

	all, err := s.QueryBanks(now-60, now+60, 1, "")
	if err != nil {
		t.Fatalf("QueryBanks all: %v", err)
	}
	if len(all) < len(only) {
		t.Errorf("all-device query should be a superset: %d < %d", len(all), len(only))
	}
}

func TestDownsampleAveragesAndEnergyMax(t *testing.T) {
	s := testStore(t)
	base := time.Unix(time.Now().Unix()/10*10, 0) // bucket-aligned
	clock := base
	s.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		clock = base.Add(time.Duration(i) * time.Second)
		snap := sampleSnapshot(float64(100 + i*10))
		snap.Outlets[1].Energy = pdu.Float(float64(10 + i))
		if err := s.Record(snap, "p1"); err != nil {
			t.Fatal(err)
		}
	}
	s.Flush()

	points, err := s.QueryOutlets(base.Unix(), base.Unix()+9, 10, "p1")
	if err != nil {
		t.Fatalf("QueryOutlets: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected one 10s bucket, got %d", len(points))
	}
	if points[0].Energy == nil || *points[0].Energy != 19 {
		t.Errorf("energy should be the bucket maximum 19, got %v", points[0].Energy)
	}
	// power average of 100..190 is 145
	if points[0].Power == nil || *points[0].Power != 145 {
		t.Errorf("power should average to 145, got %v", points[0].Power)
	}
}

func TestCleanupRemovesOldSamples(t *testing.T) {
	s := testStore(t)
	old := time.Now().AddDate(0, 0, -90)
	clock := old
	s.now = func() time.Time { return clock }
	if err := s.Record(sampleSnapshot(100), "p1"); err != nil {
		t.Fatal(err)
	}
	clock = time.Now()
	if err := s.Record(sampleSnapshot(100), "p1"); err != nil {
		t.Fatal(err)
	}
	s.Flush()

	s.Cleanup() // retention 60 days

	points, err := s.QueryBanks(old.Unix()-10, time.Now().Unix()+10, 1, "p1")
	if err != nil {
		t.Fatalf("QueryBanks: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("cleanup should leave only the fresh sample, got %d", len(points))
	}
}

func TestWeeklyReportGeneratedOnce(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), 60, 300)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)

	// pick a Wednesday noon so the completed week is unambiguous
	now := time.Date(2026, 8, 19, 12, 0, 0, 0, time.Local)

	// one sample inside the completed week (Mon 2026-08-10 .. Mon 2026-08-17)
	inWeek := time.Date(2026, 8, 12, 10, 0, 0, 0, time.Local)
	clock := inWeek
	s.now = func() time.Time { return clock }
	for i := 0; i < 5; i++ {
		clock = inWeek.Add(time.Duration(i) * time.Second)
		if err := s.Record(sampleSnapshot(3600), "p1"); err != nil {
			t.Fatal(err)
		}
	}
	s.Flush()

	s.now = func() time.Time { return now }
	data, err := s.GenerateWeeklyReport("p1")
	if err != nil {
		t.Fatalf("GenerateWeeklyReport: %v", err)
	}
	if data == nil {
		t.Fatal("expected a report")
	}
	if data["week_start"] != "2026-08-10" {
		t.Errorf("week_start = %v, want 2026-08-10", data["week_start"])
	}
	// 5 one-second samples at 3600 W = 5 Wh = 0.005 kWh
	if got := data["total_kwh"].(float64); got != 0.005 {
		t.Errorf("total_kwh = %v, want 0.005", got)
	}
	if _, ok := data["house_pct"]; !ok {
		t.Error("house_pct should be present when house_monthly_kwh > 0")
	}

	// second call is a no-op (unique per week_start+device)
	again, err := s.GenerateWeeklyReport("p1")
	if err != nil {
		t.Fatalf("second GenerateWeeklyReport: %v", err)
	}
	if again != nil {
		t.Error("report must be generated once per week per device")
	}

	// a different device still gets its own report row
	perDevice, err := s.GenerateWeeklyReport("p2")
	if err != nil {
		t.Fatalf("p2 GenerateWeeklyReport: %v", err)
	}
	if perDevice != nil {
		t.Error("p2 has no samples, expected nil report")
	}

	reports, err := s.ListReports("p1")
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected one stored report, got %d", len(reports))
	}

	latest, err := s.LatestReport("p1")
	if err != nil || latest == nil {
		t.Fatalf("LatestReport: %v %v", latest, err)
	}
	if latest.Data["week_start"] != "2026-08-10" {
		t.Errorf("stored report data mismatch: %v", latest.Data["week_start"])
	}

	byID, err := s.GetReport(latest.ID)
	if err != nil || byID == nil {
		t.Fatalf("GetReport: %v %v", byID, err)
	}
}

func TestCorruptReportDataReadsEmpty(t *testing.T) {
	s := testStore(t)
	_, err := s.db.Exec(
		`INSERT INTO energy_reports (week_start, week_end, created_at, data, device_id)
		 VALUES ('2026-08-10', '2026-08-17', '2026-08-19T12:00:00Z', '{broken', 'p1')`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	r, err := s.LatestReport("p1")
	if err != nil {
		t.Fatalf("LatestReport: %v", err)
	}
	if r == nil {
		t.Fatal("expected the seeded report")
	}
	if len(r.Data) != 0 {
		t.Errorf("corrupt payload should read as empty data, got %v", r.Data)
	}
}

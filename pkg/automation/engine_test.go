package automation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pdu-bridge/pkg/pdu"
)

// commandRecorder captures commander invocations
type commandRecorder struct {
	calls []string
	fail  bool
}

func (c *commandRecorder) command(outlet int, action string) bool {
	c.calls = append(c.calls, fmt.Sprintf("%d:%s", outlet, action))
	return !c.fail
}

func testEngine(t *testing.T, rec *commandRecorder) *Engine {
	t.Helper()
	e := NewEngine(filepath.Join(t.TempDir(), "rules.json"), rec.command)
	return e
}

func voltageRule(delay float64, restore bool) *Rule {
	return &Rule{
		Name:      "input-a-fail",
		Input:     1,
		Condition: CondVoltageBelow,
		Threshold: Threshold{Number: 10},
		Outlet:    3,
		Action:    pdu.ActionOff,
		Restore:   restore,
		Delay:     delay,
	}
}

func snapshotWithVoltages(a, b float64, current int) *pdu.Snapshot {
	return &pdu.Snapshot{
		SourceA:          &pdu.SourceData{Voltage: pdu.Float(a), VoltageStatus: "normal"},
		SourceB:          &pdu.SourceData{Voltage: pdu.Float(b), VoltageStatus: "normal"},
		ATSCurrentSource: pdu.Int(current),
	}
}

func TestVoltageRuleFiresOnSourceFailure(t *testing.T) {
	rec := &commandRecorder{}
	e := testEngine(t, rec)
	if err := e.Create(voltageRule(0, true)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	e.Evaluate(snapshotWithVoltages(0, 120, 2))

	if len(rec.calls) != 1 || rec.calls[0] != "3:off" {
		t.Errorf("expected one off command for outlet 3, got %v", rec.calls)
	}
	events := e.Events()
	if len(events) < 1 || events[0].Type != EventTriggered {
		t.Errorf("expected triggered event first, got %+v", events)
	}
	if !e.states["input-a-fail"].triggered {
		t.Error("rule should be triggered after successful command")
	}
}

func TestVoltageRuleIgnoresBankVoltage(t *testing.T) {
	rec := &commandRecorder{}
	e := testEngine(t, rec)
	if err := e.Create(voltageRule(0, false)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// bank voltage present but no per-source data: condition must be false
	snap := &pdu.Snapshot{
		Banks: map[int]*pdu.BankData{1: {Number: 1, Voltage: pdu.Float(5)}},
	}
	e.Evaluate(snap)

	if len(rec.calls) != 0 {
		t.Errorf("rule must not fire without source data, got %v", rec.calls)
	}
}

func TestRestoreOnRecovery(t *testing.T) {
	rec := &commandRecorder{}
	e := testEngine(t, rec)
	if err := e.Create(voltageRule(0, true)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	e.Evaluate(snapshotWithVoltages(0, 120, 2))
	e.Evaluate(snapshotWithVoltages(120, 120, 1))

	if len(rec.calls) != 2 || rec.calls[1] != "3:on" {
		t.Errorf("expected restore command on, got %v", rec.calls)
	}
	if e.states["input-a-fail"].triggered {
		t.Error("rule should not be triggered after restore")
	}
	events := e.Events()
	if events[0].Type != EventRestored {
		t.Errorf("newest event should be restored, got %s", events[0].Type)
	}
}

func TestNoRestoreWhenDisabled(t *testing.T) {
	rec := &commandRecorder{}
	e := testEngine(t, rec)
	if err := e.Create(voltageRule(0, false)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	e.Evaluate(snapshotWithVoltages(0, 120, 2))
	e.Evaluate(snapshotWithVoltages(120, 120, 1))

	if len(rec.calls) != 1 {
		t.Errorf("expected only the trigger command, got %v", rec.calls)
	}
	if !e.states["input-a-fail"].triggered {
		t.Error("rule should stay triggered without restore")
	}
}

func TestDelayGating(t *testing.T) {
	rec := &commandRecorder{}
	e := testEngine(t, rec)
	rule := voltageRule(5, false)
	if err := e.Create(rule); err != nil {
		t.Fatalf("Create: %v", err)
	}

	base := time.Now()
	clock := base
	e.now = func() time.Time { return clock }

	e.Evaluate(snapshotWithVoltages(0, 120, 2)) // t=0
	if len(rec.calls) != 0 {
		t.Fatalf("must not fire at t=0, got %v", rec.calls)
	}
	if e.states[rule.Name].conditionSince == nil {
		t.Fatal("condition_since should be set at t=0")
	}

	clock = base.Add(3 * time.Second)
	e.Evaluate(snapshotWithVoltages(0, 120, 2)) // t=3
	if len(rec.calls) != 0 {
		t.Fatalf("must not fire at t=3, got %v", rec.calls)
	}

	clock = base.Add(6 * time.Second)
	e.Evaluate(snapshotWithVoltages(0, 120, 2)) // t=6
	if len(rec.calls) != 1 {
		t.Fatalf("must fire at t=6, got %v", rec.calls)
	}

	st := e.states[rule.Name]
	if st.firedAt == nil || st.conditionSince == nil {
		t.Fatal("fired rule must keep condition_since and fired_at")
	}
	if st.firedAt.Sub(*st.conditionSince) < 5*time.Second {
		t.Errorf("delay not honored: %v", st.firedAt.Sub(*st.conditionSince))
	}
}

func TestConditionClearedWhenNotMet(t *testing.T) {
	rec := &commandRecorder{}
	e := testEngine(t, rec)
	if err := e.Create(voltageRule(60, false)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	e.Evaluate(snapshotWithVoltages(0, 120, 2))
	if e.states["input-a-fail"].conditionSince == nil {
		t.Fatal("condition_since should be set")
	}
	e.Evaluate(snapshotWithVoltages(120, 120, 1))
	if e.states["input-a-fail"].conditionSince != nil {
		t.Error("condition_since should clear when condition drops")
	}
}

func TestFailedCommandRetriesNextTick(t *testing.T) {
	rec := &commandRecorder{fail: true}
	e := testEngine(t, rec)
	if err := e.Create(voltageRule(0, false)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	e.Evaluate(snapshotWithVoltages(0, 120, 2))
	if e.states["input-a-fail"].triggered {
		t.Error("failed command must not set triggered")
	}
	if e.states["input-a-fail"].conditionSince != nil {
		t.Error("failed command must clear condition_since for retry")
	}

	rec.fail = false
	e.Evaluate(snapshotWithVoltages(0, 120, 2))
	if !e.states["input-a-fail"].triggered {
		t.Error("retry should fire and set triggered")
	}
	if len(rec.calls) != 2 {
		t.Errorf("expected two command attempts, got %v", rec.calls)
	}
}

func TestNoRefireWhileTriggered(t *testing.T) {
	rec := &commandRecorder{}
	e := testEngine(t, rec)
	if err := e.Create(voltageRule(0, true)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 5; i++ {
		e.Evaluate(snapshotWithVoltages(0, 120, 2))
	}
	if len(rec.calls) != 1 {
		t.Errorf("rule must fire once while condition holds, got %v", rec.calls)
	}
}

func TestATSConditions(t *testing.T) {
	snapOnB := &pdu.Snapshot{
		ATSPreferredSource: pdu.Int(1),
		ATSCurrentSource:   pdu.Int(2),
	}
	snapOnA := &pdu.Snapshot{
		ATSPreferredSource: pdu.Int(1),
		ATSCurrentSource:   pdu.Int(1),
	}
	snapUnknown := &pdu.Snapshot{}

	cases := []struct {
		name string
		rule *Rule
		snap *pdu.Snapshot
		want bool
	}{
		{"source_is_2 on B", &Rule{Condition: CondATSSourceIs, Threshold: Threshold{Number: 2}}, snapOnB, true},
		{"source_is_2 on A", &Rule{Condition: CondATSSourceIs, Threshold: Threshold{Number: 2}}, snapOnA, false},
		{"source_is null", &Rule{Condition: CondATSSourceIs, Threshold: Threshold{Number: 1}}, snapUnknown, false},
		{"preferred_lost on B", &Rule{Condition: CondATSPreferredLost}, snapOnB, true},
		{"preferred_lost on A", &Rule{Condition: CondATSPreferredLost}, snapOnA, false},
		{"preferred_lost unknown", &Rule{Condition: CondATSPreferredLost}, snapUnknown, false},
	}
	for _, tc := range cases {
		got, err := evalCondition(tc.rule, tc.snap, time.Now())
		if err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %t, want %t", tc.name, got, tc.want)
		}
	}
}

func TestTimeBetweenMidnightWrap(t *testing.T) {
	rule := &Rule{Condition: CondTimeBetween, Threshold: Threshold{Text: "22:00-06:00", IsText: true}}

	for minute := 0; minute < 1440; minute++ {
		at := time.Date(2026, 8, 20, minute/60, minute%60, 0, 0, time.Local)
		got, err := evalCondition(rule, &pdu.Snapshot{}, at)
		if err != nil {
			t.Fatalf("minute %d: %v", minute, err)
		}
		want := minute < 360 || minute >= 1320
		if got != want {
			t.Fatalf("minute %d: got %t, want %t", minute, got, want)
		}
	}
}

func TestTimeAfterBefore(t *testing.T) {
	at := time.Date(2026, 8, 20, 8, 30, 0, 0, time.Local)
	after := &Rule{Condition: CondTimeAfter, Threshold: Threshold{Text: "08:30", IsText: true}}
	before := &Rule{Condition: CondTimeBefore, Threshold: Threshold{Text: "08:30", IsText: true}}

	if got, _ := evalCondition(after, &pdu.Snapshot{}, at); !got {
		t.Error("time_after should include the boundary minute")
	}
	if got, _ := evalCondition(before, &pdu.Snapshot{}, at); got {
		t.Error("time_before must exclude the boundary minute")
	}
}

func TestEventRingCapped(t *testing.T) {
	rec := &commandRecorder{}
	e := testEngine(t, rec)

	for i := 0; i < 150; i++ {
		e.mu.Lock()
		e.appendEventLocked(Event{Rule: fmt.Sprintf("r%d", i), Type: EventCreated})
		e.mu.Unlock()
	}

	events := e.Events()
	if len(events) != 100 {
		t.Fatalf("ring must cap at 100, got %d", len(events))
	}
	// newest-first: the last appended comes first
	if events[0].Rule != "r149" {
		t.Errorf("newest event should be r149, got %s", events[0].Rule)
	}
	if events[99].Rule != "r50" {
		t.Errorf("oldest kept event should be r50, got %s", events[99].Rule)
	}
}

func TestLoadSkipsInvalidRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	rules := []*Rule{
		voltageRule(0, true),
		{Name: "broken", Condition: "no_such_condition", Outlet: 1, Action: "off"},
	}
	data, _ := json.Marshal(rules)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(path, nil)
	e.Load()
	if len(e.List()) != 1 {
		t.Errorf("invalid rule should be skipped, got %d rules", len(e.List()))
	}
}

func TestLoadMalformedFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(path, nil)
	e.Load()
	if len(e.List()) != 0 {
		t.Errorf("malformed file should start empty, got %d rules", len(e.List()))
	}
}

func TestToggleDisablesEvaluation(t *testing.T) {
	rec := &commandRecorder{}
	e := testEngine(t, rec)
	if err := e.Create(voltageRule(0, false)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	enabled, err := e.Toggle("input-a-fail")
	if err != nil || enabled {
		t.Fatalf("Toggle: enabled=%t err=%v", enabled, err)
	}
	e.Evaluate(snapshotWithVoltages(0, 120, 2))
	if len(rec.calls) != 0 {
		t.Errorf("disabled rule must not fire, got %v", rec.calls)
	}

	enabled, err = e.Toggle("input-a-fail")
	if err != nil || !enabled {
		t.Fatalf("Toggle back: enabled=%t err=%v", enabled, err)
	}
	e.Evaluate(snapshotWithVoltages(0, 120, 2))
	if len(rec.calls) != 1 {
		t.Errorf("re-enabled rule should fire, got %v", rec.calls)
	}
}

func TestThresholdRoundTrip(t *testing.T) {
	in := `{"name":"night","input":0,"condition":"time_between","threshold":"22:00-06:00","outlet":1,"action":"off","restore":true,"delay":0}`
	var r Rule
	if err := json.Unmarshal([]byte(in), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !r.Threshold.IsText || r.Threshold.Text != "22:00-06:00" {
		t.Errorf("string threshold not preserved: %+v", r.Threshold)
	}
	out, err := json.Marshal(&r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Rule
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if back.Threshold.Text != r.Threshold.Text {
		t.Errorf("threshold changed in round-trip: %q vs %q", back.Threshold.Text, r.Threshold.Text)
	}
}

func TestValidateRejectsBadRules(t *testing.T) {
	bad := []*Rule{
		{Name: "", Condition: CondVoltageBelow, Input: 1, Outlet: 1, Action: "off"},
		{Name: "x", Condition: CondVoltageBelow, Input: 3, Outlet: 1, Action: "off"},
		{Name: "x", Condition: CondVoltageBelow, Input: 1, Outlet: 0, Action: "off"},
		{Name: "x", Condition: CondVoltageBelow, Input: 1, Outlet: 1, Action: "reboot"},
		{Name: "x", Condition: CondATSSourceIs, Threshold: Threshold{Number: 3}, Outlet: 1, Action: "off"},
		{Name: "x", Condition: CondTimeAfter, Threshold: Threshold{Text: "25:00", IsText: true}, Outlet: 1, Action: "off"},
		{Name: "x", Condition: CondTimeBetween, Threshold: Threshold{Text: "22:00", IsText: true}, Outlet: 1, Action: "off"},
		{Name: "x", Condition: "bogus", Outlet: 1, Action: "off"},
		{Name: "x", Condition: CondVoltageBelow, Input: 1, Outlet: 1, Action: "off", Delay: -1},
	}
	for i, r := range bad {
		if err := r.Validate(); err == nil {
			t.Errorf("rule %d should fail validation: %+v", i, r)
		}
	}
}

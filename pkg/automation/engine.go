package automation

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"pdu-bridge/pkg/atomicfile"
	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/pdu"
)

// eventRingSize caps the in-memory event log
const eventRingSize = 100

// Event types in the rule event log
const (
	EventCreated   = "created"
	EventUpdated   = "updated"
	EventDeleted   = "deleted"
	EventTriggered = "triggered"
	EventRestored  = "restored"
)

// Event is one entry in the bounded rule event log
type Event struct {
	Rule    string `json:"rule"`
	Type    string `json:"type"`
	Details string `json:"details"`
	TS      int64  `json:"ts"`
}

// Notifier receives every appended event (MQTT automation/event publishes)
type Notifier func(Event)

// Engine owns one device's rules, their runtime state and the event ring.
// Evaluate runs on the poller goroutine; CRUD comes in from web handlers,
// so the engine is mutex-guarded.
type Engine struct {
	mu        sync.Mutex
	path      string
	commander OutletCommander
	notify    Notifier

	rules  []*Rule // insertion order drives evaluation order
	states map[string]*ruleState

	events     [eventRingSize]Event
	eventHead  int
	eventCount int

	now func() time.Time // test hook
}

// NewEngine creates a rule engine backed by the given JSON file
func NewEngine(path string, commander OutletCommander) *Engine {
	return &Engine{
		path:      path,
		commander: commander,
		states:    make(map[string]*ruleState),
		now:       time.Now,
	}
}

// SetNotifier installs the event listener. Pass nil to clear.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = n
}

// Load reads the rules file. Tolerant: a malformed file or an invalid rule
// is logged and skipped, never fatal — the engine starts with what parses.
func (e *Engine) Load() {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := os.ReadFile(e.path) // #nosec G304
	if err != nil {
		if !os.IsNotExist(err) {
			logger.LogWarn("Cannot read rules file %s: %v", e.path, err)
		}
		return
	}
	var loaded []*Rule
	if err := json.Unmarshal(data, &loaded); err != nil {
		logger.LogWarn("Malformed rules file %s, starting empty: %v", e.path, err)
		return
	}
	for _, r := range loaded {
		if err := r.Validate(); err != nil {
			logger.LogWarn("Skipping invalid rule in %s: %v", e.path, err)
			continue
		}
		if e.findLocked(r.Name) != nil {
			logger.LogWarn("Skipping duplicate rule %q in %s", r.Name, e.path)
			continue
		}
		e.rules = append(e.rules, r)
		e.states[r.Name] = &ruleState{}
	}
	logger.LogInfo("Loaded %d rule(s) from %s", len(e.rules), e.path)
}

func (e *Engine) saveLocked() error {
	data, err := json.MarshalIndent(e.rules, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(e.path, data)
}

func (e *Engine) findLocked(name string) *Rule {
	for _, r := range e.rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// List returns the rules in insertion order
func (e *Engine) List() []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Get returns a rule by name, or nil
func (e *Engine) Get(name string) *Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.findLocked(name)
}

// Create adds a rule and persists. Duplicate names are rejected.
func (e *Engine) Create(r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.findLocked(r.Name) != nil {
		return fmt.Errorf("rule %q already exists", r.Name)
	}
	e.rules = append(e.rules, r)
	e.states[r.Name] = &ruleState{}
	e.appendEventLocked(Event{Rule: r.Name, Type: EventCreated,
		Details: fmt.Sprintf("%s outlet %d", r.Condition, r.Outlet)})
	return e.saveLocked()
}

// Update replaces an existing rule in place, resetting its runtime state
func (e *Engine) Update(name string, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.rules {
		if existing.Name != name {
			continue
		}
		if r.Name != name && e.findLocked(r.Name) != nil {
			return fmt.Errorf("rule %q already exists", r.Name)
		}
		e.rules[i] = r
		delete(e.states, name)
		e.states[r.Name] = &ruleState{}
		e.appendEventLocked(Event{Rule: r.Name, Type: EventUpdated,
			Details: fmt.Sprintf("%s outlet %d", r.Condition, r.Outlet)})
		return e.saveLocked()
	}
	return fmt.Errorf("unknown rule %q", name)
}

// Delete removes a rule and persists
func (e *Engine) Delete(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.Name != name {
			continue
		}
		e.rules = append(e.rules[:i], e.rules[i+1:]...)
		delete(e.states, name)
		e.appendEventLocked(Event{Rule: name, Type: EventDeleted})
		return e.saveLocked()
	}
	return fmt.Errorf("unknown rule %q", name)
}

// Toggle flips a rule's enabled flag and persists. A disabled rule keeps
// its definition but is skipped by Evaluate; its runtime state is cleared.
func (e *Engine) Toggle(name string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.findLocked(name)
	if r == nil {
		return false, fmt.Errorf("unknown rule %q", name)
	}
	enabled := !r.IsEnabled()
	r.Enabled = &enabled
	if !enabled {
		e.states[name] = &ruleState{}
	}
	e.appendEventLocked(Event{Rule: name, Type: EventUpdated,
		Details: fmt.Sprintf("enabled=%t", enabled)})
	return enabled, e.saveLocked()
}

// appendEventLocked adds to the ring, displacing the oldest when full
func (e *Engine) appendEventLocked(ev Event) {
	if ev.TS == 0 {
		ev.TS = e.now().Unix()
	}
	if e.eventCount < eventRingSize {
		e.events[(e.eventHead+e.eventCount)%eventRingSize] = ev
		e.eventCount++
	} else {
		e.events[e.eventHead] = ev
		e.eventHead = (e.eventHead + 1) % eventRingSize
	}
	if e.notify != nil {
		e.notify(ev)
	}
}

// Events returns the event log newest-first
func (e *Engine) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, e.eventCount)
	for i := 0; i < e.eventCount; i++ {
		// newest is the last written slot
		idx := (e.eventHead + e.eventCount - 1 - i) % eventRingSize
		out[i] = e.events[idx]
	}
	return out
}

// Evaluate runs every enabled rule against one snapshot. Rules run in
// insertion order; each rule's command completes before the next rule is
// considered. A condition that cannot be evaluated (bad time string, missing
// data) is treated as not met without touching the rule's state.
func (e *Engine) Evaluate(snap *pdu.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for _, r := range e.rules {
		if !r.IsEnabled() {
			continue
		}
		met, err := evalCondition(r, snap, now)
		if err != nil {
			logger.LogWarn("Rule %q condition error: %v", r.Name, err)
			continue // state preserved unchanged
		}
		e.applyLocked(r, met, now)
	}
}

func (e *Engine) applyLocked(r *Rule, met bool, now time.Time) {
	st := e.states[r.Name]
	if st == nil {
		st = &ruleState{}
		e.states[r.Name] = st
	}

	if !st.triggered {
		if !met {
			st.conditionSince = nil
			return
		}
		if st.conditionSince == nil {
			t := now
			st.conditionSince = &t
		}
		if now.Sub(*st.conditionSince).Seconds() < r.Delay {
			return
		}
		e.appendEventLocked(Event{
			Rule: r.Name, Type: EventTriggered, TS: now.Unix(),
			Details: fmt.Sprintf("outlet %d %s (%s)", r.Outlet, r.Action, r.Condition),
		})
		logger.LogInfo("Rule %q triggered: outlet %d %s", r.Name, r.Outlet, r.Action)
		if e.commander != nil && e.commander(r.Outlet, r.Action) {
			st.triggered = true
			t := now
			st.firedAt = &t
		} else {
			// retry next tick
			logger.LogWarn("Rule %q command failed, will retry", r.Name)
			st.conditionSince = nil
		}
		return
	}

	// triggered
	if met {
		return // no re-fire
	}
	if !r.Restore {
		return
	}
	inverse := InverseAction(r.Action)
	e.appendEventLocked(Event{
		Rule: r.Name, Type: EventRestored, TS: now.Unix(),
		Details: fmt.Sprintf("outlet %d %s", r.Outlet, inverse),
	})
	logger.LogInfo("Rule %q restored: outlet %d %s", r.Name, r.Outlet, inverse)
	if e.commander != nil {
		e.commander(r.Outlet, inverse)
	}
	// cleared regardless of the restore command outcome
	st.triggered = false
	st.conditionSince = nil
	st.firedAt = nil
}

func evalCondition(r *Rule, snap *pdu.Snapshot, now time.Time) (bool, error) {
	switch r.Condition {
	case CondVoltageBelow, CondVoltageAbove:
		// Only per-source voltages reflect real input health on ATS
		// models; the bank voltage shows the output bus regardless.
		var src *pdu.SourceData
		if r.Input == 1 {
			src = snap.SourceA
		} else if r.Input == 2 {
			src = snap.SourceB
		}
		if src == nil || src.Voltage == nil {
			return false, nil
		}
		if r.Condition == CondVoltageBelow {
			return *src.Voltage < r.Threshold.Number, nil
		}
		return *src.Voltage > r.Threshold.Number, nil

	case CondATSSourceIs:
		if snap.ATSCurrentSource == nil {
			return false, nil
		}
		return *snap.ATSCurrentSource == int(r.Threshold.Number), nil

	case CondATSPreferredLost:
		if snap.ATSCurrentSource == nil || snap.ATSPreferredSource == nil {
			return false, nil
		}
		return *snap.ATSCurrentSource != *snap.ATSPreferredSource, nil

	case CondTimeAfter, CondTimeBefore:
		threshold, err := parseHHMM(r.Threshold.Text)
		if err != nil {
			return false, err
		}
		minute := now.Hour()*60 + now.Minute()
		if r.Condition == CondTimeAfter {
			return minute >= threshold, nil
		}
		return minute < threshold, nil

	case CondTimeBetween:
		start, end, err := parseRange(r.Threshold.Text)
		if err != nil {
			return false, err
		}
		minute := now.Hour()*60 + now.Minute()
		if start <= end {
			return minute >= start && minute < end, nil
		}
		// midnight wrap: [start,1440) U [0,end)
		return minute >= start || minute < end, nil
	}
	return false, fmt.Errorf("unknown condition %q", r.Condition)
}

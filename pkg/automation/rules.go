// Package automation implements per-device automation rules: persisted rule
// definitions, per-process trigger state with delay/restore hysteresis, and a
// bounded event log. The engine is fed one snapshot per poll tick and crosses
// back into the transport through an OutletCommander when a rule fires.
package automation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pdu-bridge/pkg/pdu"
)

// Valid rule conditions
const (
	CondVoltageBelow     = "voltage_below"
	CondVoltageAbove     = "voltage_above"
	CondATSSourceIs      = "ats_source_is"
	CondATSPreferredLost = "ats_preferred_lost"
	CondTimeAfter        = "time_after"
	CondTimeBefore       = "time_before"
	CondTimeBetween      = "time_between"
)

// OutletCommander executes an outlet action for the engine's device.
// Returns false on failure; a failed trigger is retried next tick.
type OutletCommander func(outlet int, action string) bool

// Threshold is a rule threshold: a number for voltage/source conditions or
// an "HH:MM" / "HH:MM-HH:MM" string for time conditions. It round-trips
// through JSON as whichever form the rule was written with.
type Threshold struct {
	Number float64
	Text   string
	IsText bool
}

// UnmarshalJSON accepts either a JSON number or string
func (t *Threshold) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.Text = s
		t.IsText = true
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("threshold must be a number or a string: %s", data)
	}
	t.Number = n
	t.IsText = false
	return nil
}

// MarshalJSON writes the form the threshold was parsed from
func (t Threshold) MarshalJSON() ([]byte, error) {
	if t.IsText {
		return json.Marshal(t.Text)
	}
	return json.Marshal(t.Number)
}

// Rule is one persisted automation rule
type Rule struct {
	Name      string    `json:"name"`
	Input     int       `json:"input"` // 1=A, 2=B, 0=time rule
	Condition string    `json:"condition"`
	Threshold Threshold `json:"threshold"`
	Outlet    int       `json:"outlet"`
	Action    string    `json:"action"` // on or off
	Restore   bool      `json:"restore"`
	Delay     float64   `json:"delay"`             // seconds the condition must hold
	Enabled   *bool     `json:"enabled,omitempty"` // nil means enabled
}

// IsEnabled treats a missing flag as enabled so old rule files keep working
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Validate checks a rule definition
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name must not be empty")
	}
	if r.Outlet < 1 {
		return fmt.Errorf("rule %q: outlet must be >= 1", r.Name)
	}
	if r.Action != pdu.ActionOn && r.Action != pdu.ActionOff {
		return fmt.Errorf("rule %q: action must be on or off, got %q", r.Name, r.Action)
	}
	if r.Delay < 0 {
		return fmt.Errorf("rule %q: delay must be >= 0", r.Name)
	}
	switch r.Condition {
	case CondVoltageBelow, CondVoltageAbove:
		if r.Input != 1 && r.Input != 2 {
			return fmt.Errorf("rule %q: voltage rules need input 1 or 2", r.Name)
		}
		if r.Threshold.IsText {
			return fmt.Errorf("rule %q: voltage threshold must be numeric", r.Name)
		}
	case CondATSSourceIs:
		if r.Threshold.IsText || (int(r.Threshold.Number) != 1 && int(r.Threshold.Number) != 2) {
			return fmt.Errorf("rule %q: ats_source_is threshold must be 1 or 2", r.Name)
		}
	case CondATSPreferredLost:
		// no threshold
	case CondTimeAfter, CondTimeBefore:
		if _, err := parseHHMM(r.Threshold.Text); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	case CondTimeBetween:
		if _, _, err := parseRange(r.Threshold.Text); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	default:
		return fmt.Errorf("rule %q: unknown condition %q", r.Name, r.Condition)
	}
	return nil
}

func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad time %q, want HH:MM", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad time %q, want HH:MM", s)
	}
	return h*60 + m, nil
}

func parseRange(s string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad time range %q, want HH:MM-HH:MM", s)
	}
	start, err := parseHHMM(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err := parseHHMM(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// InverseAction maps on<->off for restore firing
func InverseAction(action string) string {
	if action == pdu.ActionOn {
		return pdu.ActionOff
	}
	return pdu.ActionOn
}

// ruleState is the per-process trigger state, never persisted
type ruleState struct {
	triggered      bool
	conditionSince *time.Time
	firedAt        *time.Time
}

// Package pdu holds the data model shared by every subsystem: the immutable
// snapshot a transport produces on each poll, the device identity, and the
// CyberPower ePDU MIB constants the SNMP transport and discovery scanner use.
package pdu

import "fmt"

// OutletState values as exposed on MQTT and the web API
const (
	OutletOn      = "on"
	OutletOff     = "off"
	OutletUnknown = "unknown"
)

// Outlet command actions understood by transports. A transport may support
// only a subset; CommandOutlet returns false for the rest.
const (
	ActionOn       = "on"
	ActionOff      = "off"
	ActionReboot   = "reboot"
	ActionDelayOn  = "delayon"
	ActionDelayOff = "delayoff"
	ActionCancel   = "cancel"
)

// OutletData is the per-outlet slice of a snapshot
type OutletData struct {
	Number         int      `json:"number"`
	Name           string   `json:"name"`
	State          string   `json:"state"`   // on, off, unknown
	Current        *float64 `json:"current"` // amps
	Power          *float64 `json:"power"`   // watts
	Energy         *float64 `json:"energy"`  // kWh
	BankAssignment int      `json:"bank_assignment,omitempty"`
	MaxLoad        *float64 `json:"max_load,omitempty"` // amps
}

// BankData is the per-bank slice of a snapshot
type BankData struct {
	Number        int      `json:"number"`
	Voltage       *float64 `json:"voltage"`          // volts
	Current       *float64 `json:"current"`          // amps
	Power         *float64 `json:"power"`            // watts (active)
	ApparentPower *float64 `json:"apparent_power"`   // VA
	PowerFactor   *float64 `json:"power_factor"`     // 0-1
	LoadState     string   `json:"load_state"`       // normal, low, nearOverload, overload, unknown
	Energy        *float64 `json:"energy,omitempty"` // kWh
	LastUpdate    string   `json:"last_update,omitempty"`
}

// SourceData is the per-input source data from the ePDU2 Source Status table.
// On ATS models only these voltages reflect real input health; the bank
// voltage always shows the output bus (~120V) even when an input is dead.
type SourceData struct {
	Voltage       *float64 `json:"voltage"`        // volts
	Frequency     *float64 `json:"frequency"`      // Hz
	VoltageStatus string   `json:"voltage_status"` // normal, overVoltage, underVoltage, unknown
}

// EnvironmentData is the optional attached sensor reading
type EnvironmentData struct {
	Temperature   *float64     `json:"temperature"`
	Unit          string       `json:"unit"` // C or F
	Humidity      *float64     `json:"humidity"`
	Contacts      map[int]bool `json:"contacts"` // 1..4 -> closed
	SensorPresent bool         `json:"sensor_present"`
}

// Identity is the immutable per-device metadata discovered once at startup.
// Serial is the primary unique key across the fleet.
type Identity struct {
	Serial      string `json:"serial"`
	Model       string `json:"model"`
	Firmware    string `json:"firmware"`
	OutletCount int    `json:"outlet_count"`
	PhaseCount  int    `json:"phase_count"`
	MAC         string `json:"mac"`
	SysUptime   int64  `json:"sys_uptime"` // hundredths of a second since agent start
}

// Snapshot is the complete result of one Transport.Poll(). Immutable once
// produced; the poller fans it out to MQTT, history, web cache and rules.
type Snapshot struct {
	DeviceName     string              `json:"device_name"`
	OutletCount    int                 `json:"outlet_count"`
	PhaseCount     int                 `json:"phase_count"`
	InputVoltage   *float64            `json:"input_voltage"`
	InputFrequency *float64            `json:"input_frequency"`
	Outlets        map[int]*OutletData `json:"outlets"`
	Banks          map[int]*BankData   `json:"banks"`

	// ATS fields
	ATSPreferredSource *int  `json:"ats_preferred_source"` // 1=A, 2=B
	ATSCurrentSource   *int  `json:"ats_current_source"`   // 1=A, 2=B
	ATSAutoTransfer    bool  `json:"ats_auto_transfer"`
	RedundancyOK       *bool `json:"redundancy_ok"`

	SourceA *SourceData `json:"source_a"`
	SourceB *SourceData `json:"source_b"`

	Identity    *Identity        `json:"identity,omitempty"`
	Environment *EnvironmentData `json:"environment,omitempty"`

	SysUptime int64 `json:"sys_uptime,omitempty"`
}

// TotalPower sums active power across banks
func (s *Snapshot) TotalPower() float64 {
	var total float64
	for _, b := range s.Banks {
		if b.Power != nil {
			total += *b.Power
		}
	}
	return total
}

// ActiveOutlets counts outlets in the on state
func (s *Snapshot) ActiveOutlets() int {
	n := 0
	for _, o := range s.Outlets {
		if o.State == OutletOn {
			n++
		}
	}
	return n
}

// ATSSourceLabel maps a source number to its front-panel label
func ATSSourceLabel(src *int) string {
	if src == nil {
		return "?"
	}
	switch *src {
	case 1:
		return "A"
	case 2:
		return "B"
	}
	return "?"
}

// BankLoadState maps raw SNMP load-state integers
func BankLoadState(raw int) string {
	switch raw {
	case 1:
		return "normal"
	case 2:
		return "low"
	case 3:
		return "nearOverload"
	case 4:
		return "overload"
	}
	return "unknown"
}

// SourceVoltageStatus maps raw SNMP source-status integers
func SourceVoltageStatus(raw int) string {
	switch raw {
	case 1:
		return "normal"
	case 2:
		return "overVoltage"
	case 3:
		return "underVoltage"
	}
	return "unknown"
}

// Float returns a pointer to v, for building optional snapshot fields
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v
func Int(v int) *int { return &v }

// Bool returns a pointer to v
func Bool(v bool) *bool { return &v }

// ValidateDeviceID rejects MQTT-unsafe device ids. The id is used as a topic
// segment, so the wildcard and separator characters are forbidden.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("device_id must not be empty")
	}
	for _, c := range id {
		switch c {
		case '/', '#', '+', ' ':
			return fmt.Errorf("device_id contains invalid MQTT character %q: %s", c, id)
		}
	}
	return nil
}

package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"

	"pdu-bridge/pkg/automation"
	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/pdu"
)

// PublishSnapshot fans one snapshot out to the per-device topic tree: the
// retained JSON status plus one retained scalar per metric.
func (h *Handler) PublishSnapshot(deviceID string, snap *pdu.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshalling snapshot for %s: %w", deviceID, err)
	}
	base := "pdu/" + deviceID
	h.publish(base+"/status", string(data), 0, true)

	if snap.InputVoltage != nil {
		h.publish(base+"/input/voltage", num(*snap.InputVoltage), 0, true)
	}
	if snap.InputFrequency != nil {
		h.publish(base+"/input/frequency", num(*snap.InputFrequency), 0, true)
	}

	for n, o := range snap.Outlets {
		ob := fmt.Sprintf("%s/outlet/%d", base, n)
		h.publish(ob+"/state", o.State, 0, true)
		h.publish(ob+"/name", o.Name, 0, true)
		if o.Current != nil {
			h.publish(ob+"/current", num(*o.Current), 0, true)
		}
		if o.Power != nil {
			h.publish(ob+"/power", num(*o.Power), 0, true)
		}
		if o.Energy != nil {
			h.publish(ob+"/energy", num(*o.Energy), 0, true)
		}
	}

	for n, b := range snap.Banks {
		bb := fmt.Sprintf("%s/bank/%d", base, n)
		if b.Voltage != nil {
			h.publish(bb+"/voltage", num(*b.Voltage), 0, true)
		}
		if b.Current != nil {
			h.publish(bb+"/current", num(*b.Current), 0, true)
		}
		if b.Power != nil {
			h.publish(bb+"/power", num(*b.Power), 0, true)
		}
		if b.ApparentPower != nil {
			h.publish(bb+"/apparent_power", num(*b.ApparentPower), 0, true)
		}
		if b.PowerFactor != nil {
			h.publish(bb+"/power_factor", num(*b.PowerFactor), 0, true)
		}
		h.publish(bb+"/load_state", b.LoadState, 0, true)
	}

	h.publish(base+"/ats/preferred_source", pdu.ATSSourceLabel(snap.ATSPreferredSource), 0, true)
	h.publish(base+"/ats/current_source", pdu.ATSSourceLabel(snap.ATSCurrentSource), 0, true)
	if snap.RedundancyOK != nil {
		h.publish(base+"/ats/redundancy_ok", strconv.FormatBool(*snap.RedundancyOK), 0, true)
	}
	if snap.SourceA != nil && snap.SourceA.Voltage != nil {
		h.publish(base+"/ats/source_a_voltage", num(*snap.SourceA.Voltage), 0, true)
	}
	if snap.SourceB != nil && snap.SourceB.Voltage != nil {
		h.publish(base+"/ats/source_b_voltage", num(*snap.SourceB.Voltage), 0, true)
	}

	h.publish(base+"/total/power", num(snap.TotalPower()), 0, true)
	h.publish(base+"/total/active_outlets", strconv.Itoa(snap.ActiveOutlets()), 0, true)

	if env := snap.Environment; env != nil && env.SensorPresent {
		if env.Temperature != nil {
			h.publish(base+"/environment/temperature", num(*env.Temperature), 0, true)
		}
		if env.Humidity != nil {
			h.publish(base+"/environment/humidity", num(*env.Humidity), 0, true)
		}
		for c, closed := range env.Contacts {
			h.publish(fmt.Sprintf("%s/environment/contact_%d", base, c),
				strconv.FormatBool(closed), 0, true)
		}
	}
	return nil
}

// PublishAutomationStatus publishes the retained rule-list snapshot
func (h *Handler) PublishAutomationStatus(deviceID string, rules []*automation.Rule) {
	data, err := json.Marshal(rules)
	if err != nil {
		logger.LogWarn("Marshalling rules for %s: %v", deviceID, err)
		return
	}
	h.publish("pdu/"+deviceID+"/automation/status", string(data), 0, true)
}

// PublishAutomationEvent publishes one rule event, QoS 1, not retained
func (h *Handler) PublishAutomationEvent(deviceID string, ev automation.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.publish("pdu/"+deviceID+"/automation/event", string(data), 1, false)
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

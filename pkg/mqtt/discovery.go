package mqtt

import (
	"encoding/json"
	"fmt"

	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/pdu"
)

// haDevice is the shared device block in every discovery payload
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// PublishHADiscovery emits the retained Home Assistant discovery configs for
// one device: a switch per outlet plus the interesting sensors. Idempotent
// per device per process — repeat calls are no-ops.
func (h *Handler) PublishHADiscovery(deviceID string, identity *pdu.Identity, outletCount int) {
	h.mu.Lock()
	if h.haSent[deviceID] {
		h.mu.Unlock()
		return
	}
	h.haSent[deviceID] = true
	h.mu.Unlock()

	uid := "cyberpdu_" + deviceID
	if identity != nil && identity.Serial != "" {
		uid = "cyberpdu_" + identity.Serial
	}
	device := haDevice{
		Identifiers:  []string{uid},
		Name:         "PDU " + deviceID,
		Manufacturer: "CyberPower",
	}
	if identity != nil {
		device.Model = identity.Model
		device.SWVersion = identity.Firmware
	}
	base := "pdu/" + deviceID

	for n := 1; n <= outletCount; n++ {
		h.publishDiscovery("switch", fmt.Sprintf("%s_outlet_%d", uid, n), map[string]interface{}{
			"name":          fmt.Sprintf("Outlet %d", n),
			"unique_id":     fmt.Sprintf("%s_outlet_%d", uid, n),
			"state_topic":   fmt.Sprintf("%s/outlet/%d/state", base, n),
			"command_topic": fmt.Sprintf("%s/outlet/%d/command", base, n),
			"payload_on":    "on",
			"payload_off":   "off",
			"state_on":      "on",
			"state_off":     "off",
			"device":        device,
		})
		h.publishDiscovery("sensor", fmt.Sprintf("%s_outlet_%d_power", uid, n), map[string]interface{}{
			"name":                fmt.Sprintf("Outlet %d Power", n),
			"unique_id":           fmt.Sprintf("%s_outlet_%d_power", uid, n),
			"state_topic":         fmt.Sprintf("%s/outlet/%d/power", base, n),
			"unit_of_measurement": "W",
			"device_class":        "power",
			"state_class":         "measurement",
			"device":              device,
		})
	}

	sensors := []struct {
		key, name, topic, unit, class string
	}{
		{"input_voltage", "Input Voltage", base + "/input/voltage", "V", "voltage"},
		{"total_power", "Total Power", base + "/total/power", "W", "power"},
		{"source_a_voltage", "Source A Voltage", base + "/ats/source_a_voltage", "V", "voltage"},
		{"source_b_voltage", "Source B Voltage", base + "/ats/source_b_voltage", "V", "voltage"},
		{"ats_source", "ATS Active Source", base + "/ats/current_source", "", ""},
		{"temperature", "Temperature", base + "/environment/temperature", "°F", "temperature"},
	}
	for _, s := range sensors {
		payload := map[string]interface{}{
			"name":        s.name,
			"unique_id":   uid + "_" + s.key,
			"state_topic": s.topic,
			"device":      device,
		}
		if s.unit != "" {
			payload["unit_of_measurement"] = s.unit
			payload["state_class"] = "measurement"
		}
		if s.class != "" {
			payload["device_class"] = s.class
		}
		h.publishDiscovery("sensor", uid+"_"+s.key, payload)
	}

	h.publishDiscovery("binary_sensor", uid+"_bridge", map[string]interface{}{
		"name":         "Bridge Online",
		"unique_id":    uid + "_bridge",
		"state_topic":  StatusTopic(deviceID),
		"payload_on":   "online",
		"payload_off":  "offline",
		"device_class": "connectivity",
		"device":       device,
	})

	logger.LogInfo("Published Home Assistant discovery for %s (%d outlets)", deviceID, outletCount)
}

func (h *Handler) publishDiscovery(component, objectID string, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.LogWarn("Marshalling discovery config %s: %v", objectID, err)
		return
	}
	topic := fmt.Sprintf("homeassistant/%s/%s/config", component, objectID)
	h.publish(topic, string(data), 0, true)
}

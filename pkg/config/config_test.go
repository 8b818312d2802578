package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearBridgeEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PDU_HOST", "PDU_SNMP_PORT", "PDU_DEVICE_ID",
		"MQTT_BROKER", "MQTT_PORT",
		"BRIDGE_POLL_INTERVAL", "BRIDGE_SNMP_TIMEOUT", "BRIDGE_SNMP_RETRIES",
		"BRIDGE_WEB_PORT", "HISTORY_RETENTION_DAYS", "HOUSE_MONTHLY_KWH",
	} {
		if _, ok := os.LookupEnv(key); ok {
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
	t.Setenv("BRIDGE_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
}

func TestLoadDefaults(t *testing.T) {
	clearBridgeEnv(t)
	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.PDUSNMPPort != 161 || s.MQTTPort != 1883 || s.PollInterval != 1.0 {
		t.Errorf("unexpected defaults: port=%d mqtt=%d interval=%g",
			s.PDUSNMPPort, s.MQTTPort, s.PollInterval)
	}
	if s.CommunityRead != "public" || s.CommunityWrite != "private" {
		t.Errorf("unexpected community defaults: %q/%q", s.CommunityRead, s.CommunityWrite)
	}
	if s.RetentionDays != 60 {
		t.Errorf("retention default = %d, want 60", s.RetentionDays)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("PDU_HOST", "192.168.1.50")
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("BRIDGE_POLL_INTERVAL", "2.5")
	t.Setenv("BRIDGE_MOCK_MODE", "true")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.PDUHost != "192.168.1.50" {
		t.Errorf("PDUHost = %q", s.PDUHost)
	}
	if s.MQTTPort != 8883 {
		t.Errorf("MQTTPort = %d", s.MQTTPort)
	}
	if s.PollInterval != 2.5 {
		t.Errorf("PollInterval = %g", s.PollInterval)
	}
	if !s.MockMode {
		t.Error("MockMode should be true")
	}
}

func TestYAMLFileOverlaidByEnv(t *testing.T) {
	clearBridgeEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "mqtt_broker: broker.local\npoll_interval: 5\nweb_port: 9090\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BRIDGE_CONFIG_FILE", path)
	t.Setenv("BRIDGE_POLL_INTERVAL", "3") // env wins over the file

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.MQTTBroker != "broker.local" {
		t.Errorf("MQTTBroker = %q", s.MQTTBroker)
	}
	if s.WebPort != 9090 {
		t.Errorf("WebPort = %d", s.WebPort)
	}
	if s.PollInterval != 3 {
		t.Errorf("PollInterval = %g, env must override the file", s.PollInterval)
	}
}

func TestValidationRejectsOutOfRange(t *testing.T) {
	cases := map[string]string{
		"BRIDGE_POLL_INTERVAL":   "0.01",
		"BRIDGE_SNMP_TIMEOUT":    "99",
		"BRIDGE_SNMP_RETRIES":    "10",
		"BRIDGE_WEB_PORT":        "70000",
		"HISTORY_RETENTION_DAYS": "0",
		"HOUSE_MONTHLY_KWH":      "-5",
		"PDU_SNMP_PORT":          "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearBridgeEnv(t)
			t.Setenv(key, value)
			_, err := Load()
			if err == nil {
				t.Fatalf("%s=%s must fail validation", key, value)
			}
			if !strings.Contains(err.Error(), key) {
				t.Errorf("error should name %s, got: %v", key, err)
			}
		})
	}
}

func TestNonNumericEnvRejected(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("MQTT_PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Fatal("non-numeric MQTT_PORT must fail")
	}
}

func TestDeviceIDRejectsTopicCharacters(t *testing.T) {
	for _, bad := range []string{"a/b", "a#b", "a+b", "a b", ""} {
		clearBridgeEnv(t)
		t.Setenv("PDU_DEVICE_ID", bad)
		if _, err := Load(); err == nil {
			t.Errorf("device id %q must be rejected", bad)
		}
	}
}

func TestPerDevicePaths(t *testing.T) {
	s := &Settings{
		RulesFile:       "/data/rules.json",
		OutletNamesFile: "/data/outlet_names.json",
	}
	if got := s.RulesFileFor("rack1"); got != "/data/rules_rack1.json" {
		t.Errorf("RulesFileFor = %q", got)
	}
	if got := s.OutletNamesFileFor("rack1"); got != "/data/outlet_names_rack1.json" {
		t.Errorf("OutletNamesFileFor = %q", got)
	}
}

func pduSettings(t *testing.T) *Settings {
	t.Helper()
	return &Settings{
		PDUsFile: filepath.Join(t.TempDir(), "pdus.json"),
	}
}

func TestLoadPDUsFromFile(t *testing.T) {
	s := pduSettings(t)
	body := `{"pdus": [
		{"device_id": "rack1", "host": "10.0.0.10", "enabled": true},
		{"device_id": "rack2", "host": "10.0.0.11", "enabled": false}
	]}`
	if err := os.WriteFile(s.PDUsFile, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := LoadPDUs(s)
	if err != nil {
		t.Fatalf("LoadPDUs: %v", err)
	}
	if len(store.All()) != 2 {
		t.Fatalf("expected 2 PDUs, got %d", len(store.All()))
	}
	p := store.Get("rack1")
	if p.SNMPPort != 161 || p.CommunityRead != "public" || p.NumBanks != 2 {
		t.Errorf("defaults not applied: %+v", p)
	}
}

func TestLoadPDUsRejectsDuplicateEnabled(t *testing.T) {
	s := pduSettings(t)
	body := `{"pdus": [
		{"device_id": "rack1", "host": "10.0.0.10", "enabled": true},
		{"device_id": "rack1", "host": "10.0.0.11", "enabled": true}
	]}`
	if err := os.WriteFile(s.PDUsFile, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPDUs(s); err == nil {
		t.Fatal("duplicate enabled device_id must be rejected")
	}
}

func TestLoadPDUsSingleFromEnvSettings(t *testing.T) {
	s := pduSettings(t)
	s.PDUHost = "10.0.0.20"
	s.PDUSNMPPort = 1161
	s.DeviceID = "solo"
	s.CommunityRead = "public"
	s.CommunityWrite = "private"

	store, err := LoadPDUs(s)
	if err != nil {
		t.Fatalf("LoadPDUs: %v", err)
	}
	p := store.Get("solo")
	if p == nil || p.Host != "10.0.0.20" || p.SNMPPort != 1161 || !p.Enabled {
		t.Fatalf("unexpected single PDU: %+v", p)
	}
}

func TestLoadPDUsNoConfigFails(t *testing.T) {
	if _, err := LoadPDUs(pduSettings(t)); err == nil {
		t.Fatal("no PDU source must be an error")
	}
}

func TestSerialSurvivesSaveReload(t *testing.T) {
	s := pduSettings(t)
	s.PDUHost = "10.0.0.20"
	s.DeviceID = "solo"
	s.PDUSNMPPort = 161

	store, err := LoadPDUs(s)
	if err != nil {
		t.Fatalf("LoadPDUs: %v", err)
	}
	// first discovery persists the serial
	if err := store.Update("solo", func(p *PDUConfig) { p.Serial = "SN42" }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reloaded, err := LoadPDUs(s)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Get("solo").Serial; got != "SN42" {
		t.Errorf("serial lost across restart: %q", got)
	}
}

func TestStoreAddRejectsDuplicate(t *testing.T) {
	s := pduSettings(t)
	s.PDUHost = "10.0.0.20"
	s.DeviceID = "solo"
	s.PDUSNMPPort = 161
	store, err := LoadPDUs(s)
	if err != nil {
		t.Fatal(err)
	}

	err = store.Add(&PDUConfig{DeviceID: "solo", Host: "10.0.0.30"})
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Errorf("duplicate Add should fail, got %v", err)
	}
	if err := store.Add(&PDUConfig{DeviceID: "rack2", Host: "10.0.0.30"}); err != nil {
		t.Errorf("fresh Add should succeed: %v", err)
	}
}

func TestStoreSnapshotIsDetachedCopy(t *testing.T) {
	s := pduSettings(t)
	s.PDUHost = "10.0.0.20"
	s.DeviceID = "solo"
	s.PDUSNMPPort = 161
	store, err := LoadPDUs(s)
	if err != nil {
		t.Fatal(err)
	}

	snap, ok := store.Snapshot("solo")
	if !ok {
		t.Fatal("Snapshot should find the device")
	}
	snap.Host = "changed-locally"
	if got := store.Get("solo").Host; got != "10.0.0.20" {
		t.Errorf("mutating a snapshot must not touch the store, got %s", got)
	}

	if err := store.Update("solo", func(c *PDUConfig) { c.Host = "10.0.0.99" }); err != nil {
		t.Fatal(err)
	}
	if after, _ := store.Snapshot("solo"); after.Host != "10.0.0.99" {
		t.Errorf("snapshot should see the update, got %s", after.Host)
	}

	if _, ok := store.Snapshot("ghost"); ok {
		t.Error("unknown device must report !ok")
	}
}

func TestStoreRemoveUnknown(t *testing.T) {
	s := pduSettings(t)
	s.PDUHost = "10.0.0.20"
	s.DeviceID = "solo"
	s.PDUSNMPPort = 161
	store, err := LoadPDUs(s)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Remove("ghost"); err == nil {
		t.Error("removing an unknown device must fail")
	}
	if err := store.Remove("solo"); err != nil {
		t.Errorf("Remove: %v", err)
	}
	if store.Get("solo") != nil {
		t.Error("removed device should be gone")
	}
}

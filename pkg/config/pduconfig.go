package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"pdu-bridge/pkg/atomicfile"
	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/pdu"
)

// PDUConfig is the persisted configuration for a single PDU device
type PDUConfig struct {
	DeviceID       string `json:"device_id"` // MQTT topic key, e.g. "rack1-pdu"
	Host           string `json:"host"`
	SNMPPort       int    `json:"snmp_port"`
	CommunityRead  string `json:"community_read"`
	CommunityWrite string `json:"community_write"`
	Label          string `json:"label,omitempty"`
	Enabled        bool   `json:"enabled"`
	NumBanks       int    `json:"num_banks"`                 // default; overridden by discovery
	Serial         string `json:"serial,omitempty"`          // persisted on first discovery
	RecoverySubnet string `json:"recovery_subnet,omitempty"` // override auto-detected /24
}

// Validate checks a single PDU config
func (p *PDUConfig) Validate() error {
	if err := pdu.ValidateDeviceID(p.DeviceID); err != nil {
		return err
	}
	if p.Host == "" {
		return fmt.Errorf("PDU %q has no host configured", p.DeviceID)
	}
	if p.SNMPPort < 1 || p.SNMPPort > 65535 {
		return fmt.Errorf("PDU %q snmp_port out of range: %d", p.DeviceID, p.SNMPPort)
	}
	return nil
}

func (p *PDUConfig) applyDefaults() {
	if p.SNMPPort == 0 {
		p.SNMPPort = 161
	}
	if p.CommunityRead == "" {
		p.CommunityRead = "public"
	}
	if p.CommunityWrite == "" {
		p.CommunityWrite = "private"
	}
	if p.NumBanks == 0 {
		p.NumBanks = 2
	}
}

// PDUStore owns the persisted PDU list. Mutations go through the store so
// every caller (serial discovery, IP recovery, web API) persists atomically.
type PDUStore struct {
	path string
	mu   sync.Mutex
	pdus []*PDUConfig
}

type pdusFile struct {
	PDUs []*PDUConfig `json:"pdus"`
}

// LoadPDUs loads the PDU list with backward compatibility:
//  1. pdus.json if it exists
//  2. a single PDU from the bridge settings (existing .env works unchanged)
//  3. mock mode generates a mock config
func LoadPDUs(s *Settings) (*PDUStore, error) {
	store := &PDUStore{path: s.PDUsFile}

	if data, err := os.ReadFile(s.PDUsFile); err == nil { // #nosec G304
		var f pdusFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", s.PDUsFile, err)
		}
		seen := make(map[string]bool)
		for _, p := range f.PDUs {
			p.applyDefaults()
			if err := p.Validate(); err != nil {
				return nil, err
			}
			if p.Enabled && seen[p.DeviceID] {
				return nil, fmt.Errorf("duplicate device_id %q in %s", p.DeviceID, s.PDUsFile)
			}
			if p.Enabled {
				seen[p.DeviceID] = true
			}
			store.pdus = append(store.pdus, p)
		}
		if len(store.pdus) > 0 {
			logger.LogInfo("Loaded %d PDU(s) from %s", len(store.pdus), s.PDUsFile)
			return store, nil
		}
		logger.LogWarn("%s exists but lists no PDUs, falling back to env vars", s.PDUsFile)
	}

	if s.MockMode {
		logger.LogInfo("Mock mode — using simulated PDU config")
		store.pdus = []*PDUConfig{{
			DeviceID: s.DeviceID,
			Host:     "127.0.0.1",
			SNMPPort: 161,
			Label:    "Mock PDU",
			Enabled:  true,
			NumBanks: 2,
		}}
		return store, nil
	}

	if s.PDUHost != "" {
		p := &PDUConfig{
			DeviceID:       s.DeviceID,
			Host:           s.PDUHost,
			SNMPPort:       s.PDUSNMPPort,
			CommunityRead:  s.CommunityRead,
			CommunityWrite: s.CommunityWrite,
			Enabled:        true,
			NumBanks:       2,
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		logger.LogInfo("Using single PDU from env vars: %s via SNMP %s:%d",
			p.DeviceID, p.Host, p.SNMPPort)
		store.pdus = []*PDUConfig{p}
		return store, nil
	}

	return nil, fmt.Errorf("no PDU configuration found: create %s, set PDU_HOST, "+
		"or enable BRIDGE_MOCK_MODE=true", s.PDUsFile)
}

// Save persists the current list atomically (temp file + rename)
func (st *PDUStore) Save() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.saveLocked()
}

func (st *PDUStore) saveLocked() error {
	data, err := json.MarshalIndent(pdusFile{PDUs: st.pdus}, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicfile.WriteFile(st.path, data); err != nil {
		logger.LogError("Failed to save PDU configs: %v", err)
		return err
	}
	logger.LogInfo("Saved %d PDU config(s) to %s", len(st.pdus), st.path)
	return nil
}

// All returns value copies of every config. Mutations go through Update so
// concurrent readers never observe a half-written config.
func (st *PDUStore) All() []PDUConfig {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]PDUConfig, len(st.pdus))
	for i, p := range st.pdus {
		out[i] = *p
	}
	return out
}

// Snapshot returns a value copy of one device's config. Pollers read their
// config through here; the copy is taken under the store lock so runtime
// edits (web API, IP recovery) never race a reader.
func (st *PDUStore) Snapshot(deviceID string) (PDUConfig, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, p := range st.pdus {
		if p.DeviceID == deviceID {
			return *p, true
		}
	}
	return PDUConfig{}, false
}

// Get returns the config for a device id, or nil
func (st *PDUStore) Get(deviceID string) *PDUConfig {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, p := range st.pdus {
		if p.DeviceID == deviceID {
			return p
		}
	}
	return nil
}

// Add registers a new PDU and persists. Duplicate device ids are rejected.
func (st *PDUStore) Add(p *PDUConfig) error {
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, existing := range st.pdus {
		if existing.DeviceID == p.DeviceID {
			return fmt.Errorf("device_id %q already registered", p.DeviceID)
		}
	}
	st.pdus = append(st.pdus, p)
	return st.saveLocked()
}

// Update mutates an existing config in place and persists
func (st *PDUStore) Update(deviceID string, mutate func(*PDUConfig)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, p := range st.pdus {
		if p.DeviceID == deviceID {
			mutate(p)
			return st.saveLocked()
		}
	}
	return fmt.Errorf("unknown device_id %q", deviceID)
}

// Remove unregisters a PDU and persists
func (st *PDUStore) Remove(deviceID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, p := range st.pdus {
		if p.DeviceID == deviceID {
			st.pdus = append(st.pdus[:i], st.pdus[i+1:]...)
			return st.saveLocked()
		}
	}
	return fmt.Errorf("unknown device_id %q", deviceID)
}

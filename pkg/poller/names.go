package poller

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"pdu-bridge/pkg/atomicfile"
	"pdu-bridge/pkg/logger"
)

// NameStore holds one device's outlet-name overrides, persisted as a JSON
// object mapping outlet-number string to name. Overrides are applied to
// every snapshot before fan-out, so MQTT, history, web and rules all see
// the same names.
type NameStore struct {
	mu    sync.Mutex
	path  string
	names map[int]string
}

// NewNameStore loads the override file; a missing or malformed file just
// means no overrides.
func NewNameStore(path string) *NameStore {
	s := &NameStore{path: path, names: make(map[int]string)}
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return s
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.LogWarn("Malformed outlet names file %s: %v", path, err)
		return s
	}
	for k, v := range raw {
		if n, err := strconv.Atoi(k); err == nil && n >= 1 {
			s.names[n] = v
		}
	}
	if len(s.names) > 0 {
		logger.LogInfo("Loaded %d outlet name override(s) from %s", len(s.names), path)
	}
	return s
}

// Get returns the override for an outlet, or ""
func (s *NameStore) Get(outlet int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[outlet]
}

// All returns a copy of the override map
func (s *NameStore) All() map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]string, len(s.names))
	for k, v := range s.names {
		out[k] = v
	}
	return out
}

// Set stores an override and persists; an empty name deletes the override
func (s *NameStore) Set(outlet int, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		delete(s.names, outlet)
	} else {
		s.names[outlet] = name
	}
	raw := make(map[string]string, len(s.names))
	for k, v := range s.names {
		raw[strconv.Itoa(k)] = v
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(s.path, data)
}

package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pdu-bridge/pkg/automation"
	"pdu-bridge/pkg/config"
	"pdu-bridge/pkg/pdu"
)

// handleHealth is the aggregate liveness probe: 200 only when every device
// has fresh data, MQTT is up and the history store is writable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var issues []string

	for _, id := range s.deviceIDs() {
		d := s.device(id)
		if d == nil {
			continue
		}
		if d.Mismatched() {
			issues = append(issues, fmt.Sprintf("%s: serial mismatch", id))
			continue
		}
		_, age, ok := s.cache.Get(id)
		if !ok {
			issues = append(issues, fmt.Sprintf("%s: no data yet", id))
		} else if age > freshWithin {
			issues = append(issues, fmt.Sprintf("%s: data %.0fs old", id, age.Seconds()))
		}
	}
	if !s.mqtt.IsConnected() {
		issues = append(issues, "mqtt disconnected")
	}
	if s.history != nil && !s.history.Healthy() {
		issues = append(issues, "history store unhealthy")
	}

	if len(issues) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded", "issues": issues,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	d := s.resolveDevice(w, r)
	if d == nil {
		return
	}
	snap, age, ok := s.cache.Get(d.DeviceID())
	resp := map[string]interface{}{
		"device_id":      d.DeviceID(),
		"mqtt_connected": s.mqtt.IsConnected(),
		"health":         d.Health(),
	}
	if ok {
		resp["snapshot"] = snap
		resp["data_age_seconds"] = age.Seconds()
	} else {
		resp["snapshot"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListPDUs(w http.ResponseWriter, r *http.Request) {
	type pduInfo struct {
		config.PDUConfig
		Status string `json:"status"`
	}
	var out []pduInfo
	for _, p := range s.store.All() {
		status := "no_data"
		if d := s.device(p.DeviceID); d != nil {
			if _, age, ok := s.cache.Get(p.DeviceID); ok && age <= freshWithin && !d.Mismatched() {
				status = "healthy"
			} else if _, _, ok := s.cache.Get(p.DeviceID); ok || d.Mismatched() {
				status = "degraded"
			}
		}
		out = append(out, pduInfo{PDUConfig: p, Status: status})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pdus": out})
}

func (s *Server) handleAddPDU(w http.ResponseWriter, r *http.Request) {
	var cfg config.PDUConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if s.hooks.AddPDU == nil {
		writeError(w, http.StatusServiceUnavailable, "registration unavailable")
		return
	}
	if err := s.hooks.AddPDU(&cfg); err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "already registered") {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &cfg)
}

func (s *Server) handleUpdatePDU(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in config.PDUConfig
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	err := s.store.Update(id, func(c *config.PDUConfig) {
		if in.Host != "" {
			c.Host = in.Host
		}
		if in.SNMPPort != 0 {
			c.SNMPPort = in.SNMPPort
		}
		if in.CommunityRead != "" {
			c.CommunityRead = in.CommunityRead
		}
		if in.CommunityWrite != "" {
			c.CommunityWrite = in.CommunityWrite
		}
		if in.Label != "" {
			c.Label = in.Label
		}
		if in.RecoverySubnet != "" {
			c.RecoverySubnet = in.RecoverySubnet
		}
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	updated, _ := s.store.Snapshot(id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePDU(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.hooks.RemovePDU == nil {
		writeError(w, http.StatusServiceUnavailable, "unregistration unavailable")
		return
	}
	if err := s.hooks.RemovePDU(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if s.hooks.Discover == nil {
		writeError(w, http.StatusServiceUnavailable, "discovery unavailable")
		return
	}
	found := s.hooks.Discover(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"found": found})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	interval := s.settings.PollInterval
	if s.hooks.GetInterval != nil {
		interval = s.hooks.GetInterval()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"poll_interval": interval})
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PollInterval float64 `json:"poll_interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if in.PollInterval < 1 {
		writeError(w, http.StatusBadRequest, "poll_interval must be >= 1 second")
		return
	}
	if s.hooks.SetInterval != nil {
		s.hooks.SetInterval(in.PollInterval)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"poll_interval": in.PollInterval})
}

func (s *Server) handleDeviceField(field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := s.resolveDevice(w, r)
		if d == nil {
			return
		}
		var in struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if in.Value == "" {
			writeError(w, http.StatusBadRequest, "value must not be empty")
			return
		}
		if !d.SetDeviceField(field, in.Value) {
			writeError(w, http.StatusServiceUnavailable, "device rejected the update")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{field: in.Value})
	}
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	d := s.resolveDevice(w, r)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": d.Engine().List()})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	d := s.resolveDevice(w, r)
	if d == nil {
		return
	}
	var rule automation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := d.Engine().Create(&rule); err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "already exists") {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	d := s.resolveDevice(w, r)
	if d == nil {
		return
	}
	name := chi.URLParam(r, "name")
	var rule automation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if rule.Name == "" {
		rule.Name = name
	}
	if err := d.Engine().Update(name, &rule); err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "unknown rule") {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	d := s.resolveDevice(w, r)
	if d == nil {
		return
	}
	name := chi.URLParam(r, "name")
	if err := d.Engine().Delete(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	d := s.resolveDevice(w, r)
	if d == nil {
		return
	}
	name := chi.URLParam(r, "name")
	enabled, err := d.Engine().Toggle(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "enabled": enabled})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	d := s.resolveDevice(w, r)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": d.Engine().Events()})
}

func (s *Server) handleOutletCommand(w http.ResponseWriter, r *http.Request) {
	d := s.resolveDevice(w, r)
	if d == nil {
		return
	}
	outlet, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || outlet < 1 {
		writeError(w, http.StatusBadRequest, "outlet must be a positive integer")
		return
	}
	var in struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	action := strings.ToLower(strings.TrimSpace(in.Action))
	switch action {
	case pdu.ActionOn, pdu.ActionOff, pdu.ActionReboot:
	default:
		writeError(w, http.StatusBadRequest, "action must be on, off or reboot")
		return
	}
	start := time.Now()
	ok := d.Command(outlet, action)
	// same response topic regardless of whether the command arrived over
	// MQTT or REST, so topic subscribers see every outcome
	s.mqtt.PublishCommandResponse(d.DeviceID(), outlet, action, ok)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"outlet":     outlet,
		"action":     action,
		"success":    ok,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleGetOutletName(w http.ResponseWriter, r *http.Request) {
	d := s.resolveDevice(w, r)
	if d == nil {
		return
	}
	outlet, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || outlet < 1 {
		writeError(w, http.StatusBadRequest, "outlet must be a positive integer")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"outlet": outlet,
		"name":   d.Names().Get(outlet),
	})
}

func (s *Server) handlePutOutletName(w http.ResponseWriter, r *http.Request) {
	d := s.resolveDevice(w, r)
	if d == nil {
		return
	}
	outlet, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || outlet < 1 {
		writeError(w, http.StatusBadRequest, "outlet must be a positive integer")
		return
	}
	var in struct {
		Name string `json:"name"`
	}
	// an empty body (or empty name) deletes the override
	_ = json.NewDecoder(r.Body).Decode(&in)
	if err := d.Names().Set(outlet, strings.TrimSpace(in.Name)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"outlet": outlet,
		"name":   in.Name,
	})
}

func (s *Server) handleOutletNames(w http.ResponseWriter, r *http.Request) {
	d := s.resolveDevice(w, r)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"names": d.Names().All()})
}

// Package web serves the REST API shared by every device: cached status,
// PDU registry management, automation rules, history queries and reports,
// plus Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"pdu-bridge/pkg/automation"
	"pdu-bridge/pkg/cache"
	"pdu-bridge/pkg/config"
	"pdu-bridge/pkg/discovery"
	"pdu-bridge/pkg/history"
	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/metrics"
	"pdu-bridge/pkg/poller"
)

// freshWithin is the data-age bound for /api/health
const freshWithin = 30 * time.Second

// Device is the per-poller control surface the handlers need
type Device interface {
	DeviceID() string
	Command(outlet int, action string) bool
	SetDeviceField(field, value string) bool
	Engine() *automation.Engine
	Names() *poller.NameStore
	Health() map[string]interface{}
	State() poller.HealthState
	Mismatched() bool
}

// Broker is the MQTT surface the handlers need: connectivity for health
// checks, and the shared command-response publisher so REST-issued outlet
// commands answer on the same topic as MQTT-issued ones.
type Broker interface {
	IsConnected() bool
	PublishCommandResponse(deviceID string, outlet int, action string, success bool)
}

// Hooks are the manager callbacks behind the mutating endpoints
type Hooks struct {
	AddPDU      func(*config.PDUConfig) error
	RemovePDU   func(deviceID string) error
	Discover    func(ctx context.Context) []*discovery.Found
	SetInterval func(seconds float64)
	GetInterval func() float64
}

// Server is the shared HTTP API
type Server struct {
	settings *config.Settings
	store    *config.PDUStore
	cache    *cache.Cache
	history  *history.Store
	mqtt     Broker
	hooks    Hooks

	mu      sync.RWMutex
	devices map[string]Device
	order   []string

	srv *http.Server
}

// NewServer wires the API. Devices register afterwards as pollers start.
func NewServer(settings *config.Settings, store *config.PDUStore, c *cache.Cache,
	h *history.Store, mqtt Broker, hooks Hooks) *Server {
	s := &Server{
		settings: settings,
		store:    store,
		cache:    c,
		history:  h,
		mqtt:     mqtt,
		hooks:    hooks,
		devices:  make(map[string]Device),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)

	r.Get("/api/pdus", s.handleListPDUs)
	r.Post("/api/pdus", s.handleAddPDU)
	r.Put("/api/pdus/{id}", s.handleUpdatePDU)
	r.Delete("/api/pdus/{id}", s.handleDeletePDU)
	r.Post("/api/pdus/discover", s.handleDiscover)

	r.Get("/api/config", s.handleGetConfig)
	r.Put("/api/config", s.handlePutConfig)
	r.Put("/api/device/name", s.handleDeviceField("name"))
	r.Put("/api/device/location", s.handleDeviceField("location"))

	r.Get("/api/rules", s.handleListRules)
	r.Post("/api/rules", s.handleCreateRule)
	r.Put("/api/rules/{name}", s.handleUpdateRule)
	r.Delete("/api/rules/{name}", s.handleDeleteRule)
	r.Post("/api/rules/{name}/toggle", s.handleToggleRule)
	r.Get("/api/events", s.handleEvents)

	r.Post("/api/outlets/{n}/command", s.handleOutletCommand)
	r.Get("/api/outlets/{n}/name", s.handleGetOutletName)
	r.Put("/api/outlets/{n}/name", s.handlePutOutletName)
	r.Get("/api/outlet-names", s.handleOutletNames)

	r.Get("/api/history/banks", s.handleHistoryBanks(false))
	r.Get("/api/history/banks.csv", s.handleHistoryBanks(true))
	r.Get("/api/history/outlets", s.handleHistoryOutlets(false))
	r.Get("/api/history/outlets.csv", s.handleHistoryOutlets(true))

	r.Get("/api/reports", s.handleListReports)
	r.Get("/api/reports/latest", s.handleLatestReport)
	r.Get("/api/reports/{id}", s.handleGetReport)

	r.Handle("/metrics", metrics.Handler())

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", settings.WebPort),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Register adds a device's control surface (called as each poller starts)
func (s *Server) Register(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := d.DeviceID()
	if _, exists := s.devices[id]; !exists {
		s.order = append(s.order, id)
	}
	s.devices[id] = d
}

// Unregister forgets a device (DELETE /api/pdus)
func (s *Server) Unregister(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
	for i, id := range s.order {
		if id == deviceID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Run serves until ctx is cancelled, then drains with a 5 s grace
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.LogInfo("🌐 Web API listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutCtx)
	}
}

// resolveDevice applies the ?device_id contract: explicit id wins, a single
// registered device is auto-selected, anything else is a 400 listing the
// available devices. Returns nil after writing the error response.
func (s *Server) resolveDevice(w http.ResponseWriter, r *http.Request) Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := r.URL.Query().Get("device_id")
	if id != "" {
		d, ok := s.devices[id]
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown device_id %q", id))
			return nil
		}
		return d
	}
	if len(s.order) == 1 {
		return s.devices[s.order[0]]
	}
	available := make([]string, len(s.order))
	copy(available, s.order)
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":             "device_id required",
		"available_devices": available,
	})
	return nil
}

func (s *Server) deviceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Server) device(id string) Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[id]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.LogDebug("Encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

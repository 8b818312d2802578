// Package bridge assembles the daemon: one shared history store, MQTT
// handler and web server, plus one poller per enabled PDU, and owns the
// startup/shutdown ordering.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pdu-bridge/pkg/automation"
	"pdu-bridge/pkg/cache"
	"pdu-bridge/pkg/config"
	"pdu-bridge/pkg/discovery"
	"pdu-bridge/pkg/history"
	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/metrics"
	"pdu-bridge/pkg/mqtt"
	"pdu-bridge/pkg/poller"
	"pdu-bridge/pkg/transport"
	"pdu-bridge/pkg/web"
)

const (
	// startStagger spaces poller launches to avoid a thundering herd on
	// the broker and the database
	startStagger = 100 * time.Millisecond
	// maintenanceEvery paces weekly-report generation and history cleanup
	maintenanceEvery = time.Hour
)

// Manager owns the shared subsystems and the poller fleet
type Manager struct {
	settings *config.Settings
	store    *config.PDUStore
	cache    *cache.Cache
	history  *history.Store
	mqtt     *mqtt.Handler
	web      *web.Server

	mu      sync.Mutex
	pollers map[string]*poller.Poller
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	pollerCtx context.Context
}

// New loads the PDU list and builds the shared subsystems
func New(settings *config.Settings) (*Manager, error) {
	store, err := config.LoadPDUs(settings)
	if err != nil {
		return nil, err
	}

	enabled := enabledPDUs(store)
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no enabled PDUs configured")
	}

	hist, err := history.Open(settings.HistoryDB, settings.RetentionDays, settings.HouseMonthlyKWh)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		settings: settings,
		store:    store,
		cache:    cache.New(),
		history:  hist,
		pollers:  make(map[string]*poller.Poller),
		cancels:  make(map[string]context.CancelFunc),
	}

	m.mqtt = mqtt.NewHandler(settings, enabled[0].DeviceID)
	m.web = web.NewServer(settings, store, m.cache, hist, m.mqtt, web.Hooks{
		AddPDU:      m.addPDU,
		RemovePDU:   m.removePDU,
		Discover:    m.discover,
		SetInterval: m.setPollInterval,
		GetInterval: m.getPollInterval,
	})
	return m, nil
}

func enabledPDUs(store *config.PDUStore) []config.PDUConfig {
	var out []config.PDUConfig
	for _, p := range store.All() {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Run starts everything and blocks until ctx is cancelled, then shuts down
// in order: pollers, web, MQTT, history.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.mqtt.Connect(ctx); err != nil {
		return err
	}

	mqttCtx, stopMQTT := context.WithCancel(context.Background())
	defer stopMQTT()
	go m.mqtt.Run(mqttCtx)

	pollerCtx, stopPollers := context.WithCancel(context.Background())
	m.mu.Lock()
	m.pollerCtx = pollerCtx
	m.mu.Unlock()

	for i, cfg := range enabledPDUs(m.store) {
		if i > 0 {
			time.Sleep(startStagger)
		}
		m.startPoller(cfg)
	}

	maintCtx, stopMaint := context.WithCancel(context.Background())
	go m.maintenanceLoop(maintCtx)

	webCtx, stopWeb := context.WithCancel(context.Background())
	webDone := make(chan error, 1)
	go func() { webDone <- m.web.Run(webCtx) }()

	logger.LogInfo("🚀 Bridge running with %d poller(s)", len(m.pollers))

	select {
	case <-ctx.Done():
	case err := <-webDone:
		// listener failure is fatal
		stopMaint()
		stopPollers()
		stopWeb()
		m.wg.Wait()
		m.mqtt.Close()
		m.history.Close()
		return fmt.Errorf("web server: %w", err)
	}

	logger.LogInfo("Shutting down...")
	stopMaint()
	stopPollers()
	m.wg.Wait()
	stopWeb()
	<-webDone
	m.mqtt.Close()
	m.history.Flush()
	m.history.Close()
	logger.LogInfo("Shutdown complete")
	return nil
}

// startPoller wires and launches one poller. Caller holds no locks.
func (m *Manager) startPoller(cfg config.PDUConfig) {
	id := cfg.DeviceID

	var p *poller.Poller
	engine := automation.NewEngine(m.settings.RulesFileFor(id), func(outlet int, action string) bool {
		if p == nil {
			return false
		}
		return p.Command(outlet, action)
	})
	engine.Load()
	engine.SetNotifier(func(ev automation.Event) {
		if ev.Type == automation.EventTriggered || ev.Type == automation.EventRestored {
			metrics.RuleTriggers.WithLabelValues(id, ev.Type).Inc()
		}
		m.mqtt.PublishAutomationEvent(id, ev)
	})

	p = poller.New(poller.Options{
		DeviceID:  cfg.DeviceID,
		Settings:  m.settings,
		Store:     m.store,
		Transport: m.newTransport(cfg),
		Engine:    engine,
		Publisher: m.mqtt,
		Recorder:  m.history,
		Cache:     m.cache,
		Names:     poller.NewNameStore(m.settings.OutletNamesFileFor(id)),
		Scanner:   discovery.FindBySerial,
	})

	m.mqtt.RegisterCommander(id, p.Command)
	m.web.Register(p)

	m.mu.Lock()
	runCtx, cancel := context.WithCancel(m.pollerCtx)
	m.pollers[id] = p
	m.cancels[id] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		p.Run(runCtx)
	}()
}

func (m *Manager) newTransport(cfg config.PDUConfig) transport.Transport {
	if m.settings.MockMode {
		return transport.NewMockTransport(cfg.DeviceID)
	}
	return transport.NewSNMPTransport(transport.SNMPOptions{
		DeviceID:       cfg.DeviceID,
		Host:           cfg.Host,
		Port:           cfg.SNMPPort,
		CommunityRead:  cfg.CommunityRead,
		CommunityWrite: cfg.CommunityWrite,
		Timeout:        time.Duration(m.settings.SNMPTimeout * float64(time.Second)),
		Retries:        m.settings.SNMPRetries,
		NumBanks:       cfg.NumBanks,
	})
}

// addPDU registers a new device at runtime (POST /api/pdus)
func (m *Manager) addPDU(cfg *config.PDUConfig) error {
	cfg.Enabled = true
	if err := m.store.Add(cfg); err != nil {
		return err
	}
	m.startPoller(*cfg)
	logger.LogInfo("Registered new PDU %s at %s", cfg.DeviceID, cfg.Host)
	return nil
}

// removePDU stops and forgets a device (DELETE /api/pdus)
func (m *Manager) removePDU(deviceID string) error {
	m.mu.Lock()
	cancel, ok := m.cancels[deviceID]
	delete(m.cancels, deviceID)
	delete(m.pollers, deviceID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
	m.web.Unregister(deviceID)
	m.mqtt.UnregisterDevice(deviceID)
	m.cache.Forget(deviceID)
	return m.store.Remove(deviceID)
}

// discover sweeps the first device's subnet (POST /api/pdus/discover)
func (m *Manager) discover(ctx context.Context) []*discovery.Found {
	enabled := enabledPDUs(m.store)
	if len(enabled) == 0 {
		return nil
	}
	first := enabled[0]
	subnet, err := discovery.SubnetFor(first.Host, first.RecoverySubnet)
	if err != nil {
		logger.LogWarn("Discovery subnet detection: %v", err)
		return nil
	}
	return discovery.ScanSubnet(ctx, subnet, first.SNMPPort, first.CommunityRead)
}

func (m *Manager) setPollInterval(seconds float64) {
	d := time.Duration(seconds * float64(time.Second))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pollers {
		p.SetPollInterval(d)
	}
	logger.LogInfo("Poll interval set to %v", d)
}

func (m *Manager) getPollInterval() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pollers {
		return p.PollInterval().Seconds()
	}
	return m.settings.PollInterval
}

// maintenanceLoop generates weekly reports and prunes old samples hourly
func (m *Manager) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, cfg := range enabledPDUs(m.store) {
				if _, err := m.history.GenerateWeeklyReport(cfg.DeviceID); err != nil {
					logger.LogWarn("Weekly report for %s: %v", cfg.DeviceID, err)
				}
			}
			m.history.Cleanup()
		}
	}
}

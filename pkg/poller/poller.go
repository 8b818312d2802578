// Package poller drives one PDU: startup identity discovery, the poll loop
// with its four isolated fan-out subsystems, the transport health state
// machine and DHCP recovery scanning.
package poller

import (
	"context"
	"sync"
	"time"

	"pdu-bridge/pkg/automation"
	"pdu-bridge/pkg/cache"
	"pdu-bridge/pkg/config"
	"pdu-bridge/pkg/errors"
	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/metrics"
	"pdu-bridge/pkg/pdu"
	"pdu-bridge/pkg/transport"
)

const (
	// mismatchIdleSleep paces the idle loop after a serial mismatch latch
	mismatchIdleSleep = 10 * time.Second
	// lostSleep replaces the poll interval while the device is LOST
	lostSleep = 30 * time.Second
	// summaryEvery paces the periodic poll-statistics log line
	summaryEvery = 30 * time.Second
)

// Publisher is the MQTT surface the poller needs
type Publisher interface {
	PublishSnapshot(deviceID string, snap *pdu.Snapshot) error
	PublishHADiscovery(deviceID string, identity *pdu.Identity, outletCount int)
	PublishAutomationStatus(deviceID string, rules []*automation.Rule)
}

// Recorder is the history surface the poller needs
type Recorder interface {
	Record(snap *pdu.Snapshot, deviceID string) error
}

// Scanner finds a PDU's current address by hardware serial, returning ""
// when the sweep comes up empty.
type Scanner func(ctx context.Context, subnet, serial string, port int, community string) string

// Options wires a poller's collaborators
type Options struct {
	DeviceID  string
	Settings  *config.Settings
	Store     *config.PDUStore
	Transport transport.Transport
	Engine    *automation.Engine
	Publisher Publisher
	Recorder  Recorder
	Cache     *cache.Cache
	Names     *NameStore
	Scanner   Scanner
}

// Poller owns exactly one transport and one rule engine. Its persisted
// config lives in the store; the poller reads it via Snapshot so runtime
// edits from the web API never race the poll loop.
type Poller struct {
	deviceID  string
	settings  *config.Settings
	store     *config.PDUStore
	transport transport.Transport
	engine    *automation.Engine
	publisher Publisher
	recorder  Recorder
	cache     *cache.Cache
	names     *NameStore
	scanner   Scanner

	mu           sync.Mutex
	pollInterval time.Duration
	state        HealthState
	mismatch     bool
	identity     *pdu.Identity
	outletCount  int
	banks        map[int]int
	maxLoads     map[int]float64
	prevUptime   int64

	failedScans int
	lastScanAt  time.Time

	polls    int64
	pollErrs int64

	pubIso   *isolator
	histIso  *isolator
	cacheIso *isolator
	ruleIso  *isolator
}

// New creates a poller; Run does the rest
func New(o Options) *Poller {
	p := &Poller{
		deviceID:     o.DeviceID,
		settings:     o.Settings,
		store:        o.Store,
		transport:    o.Transport,
		engine:       o.Engine,
		publisher:    o.Publisher,
		recorder:     o.Recorder,
		cache:        o.Cache,
		names:        o.Names,
		scanner:      o.Scanner,
		pollInterval: time.Duration(o.Settings.PollInterval * float64(time.Second)),
		state:        StateHealthy,
	}
	p.pubIso = newIsolator(o.DeviceID, "mqtt")
	p.histIso = newIsolator(o.DeviceID, "history")
	p.cacheIso = newIsolator(o.DeviceID, "cache")
	p.ruleIso = newIsolator(o.DeviceID, "rules")
	return p
}

// DeviceID returns the poller's device id
func (p *Poller) DeviceID() string { return p.deviceID }

// Engine exposes the rule engine for web/MQTT wiring
func (p *Poller) Engine() *automation.Engine { return p.engine }

// Names exposes the outlet-name store for the web API
func (p *Poller) Names() *NameStore { return p.names }

// SetPollInterval adjusts the loop pace at runtime (web API)
func (p *Poller) SetPollInterval(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollInterval = d
}

// PollInterval returns the current loop pace
func (p *Poller) PollInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pollInterval
}

// State returns the health FSM state
func (p *Poller) State() HealthState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Mismatched reports whether the serial-mismatch latch is set
func (p *Poller) Mismatched() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mismatch
}

// Identity returns the discovered identity (nil before startup completes)
func (p *Poller) Identity() *pdu.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

// Health assembles the poller's health block for the web API
func (p *Poller) Health() map[string]interface{} {
	p.mu.Lock()
	out := map[string]interface{}{
		"state":           p.state.String(),
		"serial_mismatch": p.mismatch,
		"polls":           p.polls,
		"poll_errors":     p.pollErrs,
	}
	p.mu.Unlock()
	for k, v := range p.transport.GetHealth() {
		out[k] = v
	}
	return out
}

// Command executes an outlet action through the transport. This is the
// commander handed to MQTT, the web API and the rule engine.
func (p *Poller) Command(outlet int, action string) bool {
	if !transport.Supports(action) {
		logger.LogWarn("Rejecting unknown outlet action %q for %s", action, p.deviceID)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok := p.transport.CommandOutlet(ctx, outlet, action)
	if ok {
		logger.LogInfo("Outlet %d %s on %s", outlet, action, p.deviceID)
	}
	return ok
}

// SetDeviceField delegates a name/location SET to the transport (web API)
func (p *Poller) SetDeviceField(field, value string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.transport.SetDeviceField(ctx, field, value)
}

// Run is the poller main loop; returns when ctx is cancelled
func (p *Poller) Run(ctx context.Context) {
	defer p.transport.Close()

	if err := p.transport.Connect(ctx); err != nil {
		logger.LogWarn("Initial connect for %s: %v", p.deviceID, err)
	}
	if !p.startup(ctx) {
		// mismatch latch or cancellation: idle until shutdown
		p.idleLoop(ctx)
		return
	}

	logger.LogInfo("🚀 Poller for %s running (every %v)", p.deviceID, p.PollInterval())
	lastSummary := time.Now()

	for ctx.Err() == nil {
		if p.Mismatched() {
			p.sleep(ctx, mismatchIdleSleep)
			continue
		}

		snap, err := p.transport.Poll(ctx)
		p.mu.Lock()
		p.polls++
		if err != nil {
			p.pollErrs++
		}
		p.mu.Unlock()

		if err != nil {
			metrics.PollsTotal.WithLabelValues(p.deviceID, metrics.ResultError).Inc()
			logger.LogDebug("Poll failed for %s: %v", p.deviceID, err)
		} else {
			metrics.PollsTotal.WithLabelValues(p.deviceID, metrics.ResultOK).Inc()
			p.applyNames(snap)
			p.detectReboot(snap)
			p.fanOut(snap)
		}

		p.updateHealth(ctx)

		if time.Since(lastSummary) >= summaryEvery {
			p.logSummary()
			lastSummary = time.Now()
		}

		if p.State() == StateLost {
			p.sleep(ctx, lostSleep)
		} else {
			p.sleep(ctx, p.PollInterval())
		}
	}
	logger.LogInfo("Poller for %s stopped", p.deviceID)
}

// startup performs identity discovery and the one-time startup queries.
// Returns false when the poller must idle (serial mismatch or shutdown).
func (p *Poller) startup(ctx context.Context) bool {
	var identity *pdu.Identity
	for ctx.Err() == nil {
		id, err := p.transport.GetIdentity(ctx)
		if err == nil {
			identity = id
			break
		}
		logger.LogWarn("Identity query for %s failed: %v", p.deviceID, err)
		p.updateHealth(ctx)
		p.sleep(ctx, p.PollInterval())
	}
	if identity == nil {
		return false
	}

	if !p.verifyIdentity(identity) {
		return false
	}

	p.mu.Lock()
	p.identity = identity
	p.outletCount = identity.OutletCount
	p.prevUptime = identity.SysUptime
	p.mu.Unlock()

	if n, err := p.transport.DiscoverNumBanks(ctx); err == nil {
		logger.LogInfo("%s reports %d bank(s)", p.deviceID, n)
	}
	banks, maxLoads, err := p.transport.QueryStartupData(ctx, identity.OutletCount)
	if err != nil {
		logger.LogWarn("Startup data query for %s: %v", p.deviceID, err)
	} else {
		p.mu.Lock()
		p.banks = banks
		p.maxLoads = maxLoads
		p.mu.Unlock()
	}

	logger.LogInfo("📇 %s: model %s serial %s firmware %s, %d outlets",
		p.deviceID, identity.Model, identity.Serial, identity.Firmware, identity.OutletCount)
	p.publisher.PublishHADiscovery(p.deviceID, identity, identity.OutletCount)
	return true
}

// verifyIdentity enforces the serial contract: first discovery persists the
// serial, any later disagreement latches the poller.
func (p *Poller) verifyIdentity(identity *pdu.Identity) bool {
	cfg, ok := p.store.Snapshot(p.deviceID)
	if !ok || cfg.Serial == "" {
		if identity.Serial != "" {
			if err := p.store.Update(p.deviceID, func(c *config.PDUConfig) {
				c.Serial = identity.Serial
			}); err != nil {
				logger.LogWarn("Persisting serial for %s: %v", p.deviceID, err)
			}
		}
		return true
	}
	if identity.Serial != cfg.Serial {
		mismatch := &errors.SerialMismatchError{
			DeviceID: p.deviceID,
			Want:     cfg.Serial,
			Got:      identity.Serial,
		}
		logger.LogError("❌ %v — idling", mismatch)
		p.mu.Lock()
		p.mismatch = true
		p.mu.Unlock()
		return false
	}
	return true
}

func (p *Poller) idleLoop(ctx context.Context) {
	for ctx.Err() == nil {
		p.sleep(ctx, mismatchIdleSleep)
	}
}

// applyNames overlays outlet-name overrides before any fan-out
func (p *Poller) applyNames(snap *pdu.Snapshot) {
	if p.names == nil {
		return
	}
	for n, o := range snap.Outlets {
		if name := p.names.Get(n); name != "" {
			o.Name = name
		}
	}
	// merge cached startup data into every snapshot
	p.mu.Lock()
	for n, bank := range p.banks {
		if o := snap.Outlets[n]; o != nil {
			o.BankAssignment = bank
		}
	}
	for n, load := range p.maxLoads {
		if o := snap.Outlets[n]; o != nil {
			l := load
			o.MaxLoad = &l
		}
	}
	snap.Identity = p.identity
	p.mu.Unlock()
}

// detectReboot logs when the agent uptime goes backwards
func (p *Poller) detectReboot(snap *pdu.Snapshot) {
	p.mu.Lock()
	prev := p.prevUptime
	p.prevUptime = snap.SysUptime
	p.mu.Unlock()
	if prev > 0 && snap.SysUptime > 0 && snap.SysUptime < prev {
		logger.LogWarn("⚠️ %s appears to have rebooted (uptime %d -> %d)",
			p.deviceID, prev, snap.SysUptime)
	}
}

// fanOut delivers one snapshot to the four subsystems, each isolated
func (p *Poller) fanOut(snap *pdu.Snapshot) {
	p.pubIso.do(func() error {
		return p.publisher.PublishSnapshot(p.deviceID, snap)
	})
	p.histIso.do(func() error {
		if err := p.recorder.Record(snap, p.deviceID); err != nil {
			metrics.HistoryWriteErrors.Inc()
			return err
		}
		return nil
	})
	p.cacheIso.do(func() error {
		p.cache.Update(p.deviceID, snap)
		metrics.TotalPowerWatts.WithLabelValues(p.deviceID).Set(snap.TotalPower())
		metrics.ActiveOutlets.WithLabelValues(p.deviceID).Set(float64(snap.ActiveOutlets()))
		return nil
	})
	p.ruleIso.do(func() error {
		p.engine.Evaluate(snap)
		p.publisher.PublishAutomationStatus(p.deviceID, p.engine.List())
		return nil
	})
}

func (p *Poller) logSummary() {
	p.mu.Lock()
	polls, errs, state := p.polls, p.pollErrs, p.state
	p.mu.Unlock()
	logger.LogInfo("📊 %s: %d polls (%d errors), state %s, subsystem errors mqtt=%d history=%d rules=%d",
		p.deviceID, polls, errs, state,
		p.pubIso.count(), p.histIso.count(), p.ruleIso.count())
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

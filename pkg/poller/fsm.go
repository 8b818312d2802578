package poller

import (
	"context"
	"time"

	"pdu-bridge/pkg/config"
	"pdu-bridge/pkg/discovery"
	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/metrics"
)

// HealthState is the per-poller transport health state machine
type HealthState int

const (
	StateHealthy HealthState = iota
	StateDegraded
	StateRecovering
	StateLost
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateRecovering:
		return "recovering"
	case StateLost:
		return "lost"
	}
	return "unknown"
}

const (
	degradedAfter   = 10 // consecutive failures
	recoveringAfter = 30
	lostAfterScans  = 5 // failed recovery scans
	lostScanGap     = 300 * time.Second
)

// updateHealth advances the FSM from the transport's consecutive-failure
// counter and drives recovery scans in the RECOVERING and LOST states.
func (p *Poller) updateHealth(ctx context.Context) {
	failures := p.transport.ConsecutiveFailures()

	p.mu.Lock()
	prev := p.state
	switch {
	case failures == 0:
		p.state = StateHealthy
		p.failedScans = 0
	case prev == StateHealthy && failures >= degradedAfter:
		p.state = StateDegraded
	case prev == StateDegraded && failures >= recoveringAfter:
		p.state = StateRecovering
		p.failedScans = 0
	}
	state := p.state
	p.mu.Unlock()

	if state != prev {
		logger.LogWarn("🏥 %s health: %s -> %s (%d consecutive failures)",
			p.deviceID, prev, state, failures)
	}
	metrics.HealthState.WithLabelValues(p.deviceID).Set(float64(state))

	switch state {
	case StateRecovering:
		p.attemptRecovery(ctx)
		p.mu.Lock()
		if p.failedScans >= lostAfterScans {
			p.state = StateLost
			logger.LogError("❌ %s is LOST after %d failed recovery scans", p.deviceID, p.failedScans)
		}
		p.mu.Unlock()
	case StateLost:
		p.mu.Lock()
		due := time.Since(p.lastScanAt) >= lostScanGap
		p.mu.Unlock()
		if due {
			p.attemptRecovery(ctx)
		}
	}
}

// attemptRecovery runs one find-by-serial sweep. Preconditions: recovery
// enabled, a saved serial and a derivable subnet; missing any of them the
// scan is counted as failed so the FSM still reaches LOST.
func (p *Poller) attemptRecovery(ctx context.Context) {
	p.mu.Lock()
	p.lastScanAt = time.Now()
	p.mu.Unlock()

	fail := func(reason string) {
		p.mu.Lock()
		p.failedScans++
		n := p.failedScans
		p.mu.Unlock()
		logger.LogWarn("Recovery scan %d for %s failed: %s", n, p.deviceID, reason)
	}

	if !p.settings.RecoveryEnabled {
		fail("recovery disabled")
		return
	}
	cfg, ok := p.store.Snapshot(p.deviceID)
	if !ok {
		fail("device no longer configured")
		return
	}
	if cfg.Serial == "" {
		fail("no saved serial")
		return
	}
	if p.scanner == nil {
		fail("no scanner")
		return
	}
	subnet, err := discovery.SubnetFor(cfg.Host, cfg.RecoverySubnet)
	if err != nil {
		fail(err.Error())
		return
	}

	logger.LogInfo("🔍 Scanning %s.0/24 for %s (serial %s)", subnet, p.deviceID, cfg.Serial)
	host := p.scanner(ctx, subnet, cfg.Serial, cfg.SNMPPort, cfg.CommunityRead)
	if host == "" {
		fail("serial not found on subnet")
		return
	}

	if host == cfg.Host {
		// same address: the device simply came back
		logger.LogInfo("✅ %s answered at its configured address %s", p.deviceID, host)
		p.transport.ResetHealth()
		p.mu.Lock()
		p.state = StateHealthy
		p.failedScans = 0
		p.mu.Unlock()
		return
	}

	logger.LogInfo("✅ %s moved: %s -> %s, updating config", p.deviceID, cfg.Host, host)
	if err := p.store.Update(p.deviceID, func(c *config.PDUConfig) {
		c.Host = host
	}); err != nil {
		fail("persisting new host: " + err.Error())
		return
	}
	p.transport.UpdateTarget(host, 0)
	p.transport.ResetHealth()

	// re-verify identity at the new address; a mismatch latches as at startup
	identity, err := p.transport.GetIdentity(ctx)
	if err != nil {
		fail("identity re-verify: " + err.Error())
		return
	}
	if !p.verifyIdentity(identity) {
		return
	}
	p.mu.Lock()
	p.state = StateHealthy
	p.failedScans = 0
	p.mu.Unlock()
}

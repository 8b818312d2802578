package transport

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"pdu-bridge/pkg/errors"
	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/pdu"
)

// MockTransport simulates a 10-outlet, 2-bank ATS PDU for development
// without hardware (BRIDGE_MOCK_MODE=true) and for tests. Readings drift
// sinusoidally so dashboards show movement; commands flip outlet state on
// the next poll like the real device does.
type MockTransport struct {
	healthTracker

	mu       sync.Mutex
	deviceID string
	serial   string
	started  time.Time

	outletStates map[int]string
	preferred    int
	current      int

	// Test hooks. FailNext makes the next N operations fail; SerialOverride
	// swaps the reported serial to exercise mismatch handling.
	FailNext       int
	SerialOverride string
	PollCount      int
}

const (
	mockOutletCount = 10
	mockNumBanks    = 2
)

// NewMockTransport creates a simulated PDU transport
func NewMockTransport(deviceID string) *MockTransport {
	states := make(map[int]string, mockOutletCount)
	for n := 1; n <= mockOutletCount; n++ {
		states[n] = pdu.OutletOn
	}
	return &MockTransport{
		deviceID:     deviceID,
		serial:       "MOCK" + deviceID,
		started:      time.Now(),
		outletStates: states,
		preferred:    1,
		current:      1,
	}
}

func (t *MockTransport) failInjected(op string) error {
	if t.FailNext > 0 {
		t.FailNext--
		err := errors.NewTransportError(op, fmt.Errorf("injected failure"), t.deviceID, "mock")
		t.recordFailure(err)
		return err
	}
	return nil
}

// Connect is a no-op for the mock
func (t *MockTransport) Connect(ctx context.Context) error { return nil }

// GetIdentity returns the simulated identity
func (t *MockTransport) GetIdentity(ctx context.Context) (*pdu.Identity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failInjected("get_identity"); err != nil {
		return nil, err
	}
	t.recordSuccess()
	serial := t.serial
	if t.SerialOverride != "" {
		serial = t.SerialOverride
	}
	return &pdu.Identity{
		Serial:      serial,
		Model:       "PDU44005 (mock)",
		Firmware:    "1.2.3",
		OutletCount: mockOutletCount,
		PhaseCount:  1,
		MAC:         "00:0c:15:00:00:01",
		SysUptime:   int64(time.Since(t.started) / (10 * time.Millisecond)),
	}, nil
}

// DiscoverNumBanks always reports two banks
func (t *MockTransport) DiscoverNumBanks(ctx context.Context) (int, error) {
	return mockNumBanks, nil
}

// QueryStartupData returns alternating bank assignments and a 12A max load
func (t *MockTransport) QueryStartupData(ctx context.Context, outletCount int) (map[int]int, map[int]float64, error) {
	banks := make(map[int]int, outletCount)
	maxLoads := make(map[int]float64, outletCount)
	for n := 1; n <= outletCount; n++ {
		banks[n] = (n-1)%mockNumBanks + 1
		maxLoads[n] = 12.0
	}
	return banks, maxLoads, nil
}

// Poll returns a full simulated snapshot
func (t *MockTransport) Poll(ctx context.Context) (*pdu.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failInjected("poll"); err != nil {
		return nil, err
	}
	t.recordSuccess()
	t.PollCount++

	phase := time.Since(t.started).Seconds() / 30.0
	wobble := func(base, amp float64) *float64 {
		return pdu.Float(base + amp*math.Sin(phase))
	}

	snap := &pdu.Snapshot{
		DeviceName:         "Mock PDU",
		OutletCount:        mockOutletCount,
		PhaseCount:         1,
		InputVoltage:       wobble(120.3, 0.8),
		InputFrequency:     pdu.Float(60.0),
		Outlets:            make(map[int]*pdu.OutletData, mockOutletCount),
		Banks:              make(map[int]*pdu.BankData, mockNumBanks),
		ATSPreferredSource: pdu.Int(t.preferred),
		ATSCurrentSource:   pdu.Int(t.current),
		ATSAutoTransfer:    true,
		RedundancyOK:       pdu.Bool(true),
		SourceA: &pdu.SourceData{
			Voltage: wobble(121.0, 1.0), Frequency: pdu.Float(60.0), VoltageStatus: "normal",
		},
		SourceB: &pdu.SourceData{
			Voltage: wobble(119.5, 1.0), Frequency: pdu.Float(60.0), VoltageStatus: "normal",
		},
		Environment: &pdu.EnvironmentData{
			Temperature:   wobble(74.0, 1.5),
			Unit:          "F",
			Humidity:      wobble(42.0, 3.0),
			Contacts:      map[int]bool{1: false, 2: false, 3: false, 4: false},
			SensorPresent: true,
		},
		SysUptime: int64(time.Since(t.started) / (10 * time.Millisecond)),
	}

	bankCurrent := make(map[int]float64, mockNumBanks)
	for n := 1; n <= mockOutletCount; n++ {
		state := t.outletStates[n]
		outlet := &pdu.OutletData{
			Number: n,
			Name:   fmt.Sprintf("Outlet %d", n),
			State:  state,
		}
		if state == pdu.OutletOn {
			amps := 0.3 + 0.1*float64(n) + 0.05*math.Sin(phase+float64(n))
			outlet.Current = pdu.Float(amps)
			outlet.Power = pdu.Float(amps * 120.0)
			outlet.Energy = pdu.Float(float64(n) * 1.5)
			bankCurrent[(n-1)%mockNumBanks+1] += amps
		} else {
			outlet.Current = pdu.Float(0)
			outlet.Power = pdu.Float(0)
			outlet.Energy = pdu.Float(float64(n) * 1.5)
		}
		snap.Outlets[n] = outlet
	}
	for idx := 1; idx <= mockNumBanks; idx++ {
		amps := bankCurrent[idx]
		snap.Banks[idx] = &pdu.BankData{
			Number:        idx,
			Voltage:       wobble(120.3, 0.8),
			Current:       pdu.Float(amps),
			Power:         pdu.Float(amps * 120.0 * 0.98),
			ApparentPower: pdu.Float(amps * 120.0),
			PowerFactor:   pdu.Float(0.98),
			LoadState:     "normal",
			Energy:        pdu.Float(100.0 + float64(idx)),
		}
	}
	return snap, nil
}

// CommandOutlet flips the simulated outlet state
func (t *MockTransport) CommandOutlet(ctx context.Context, outlet int, action string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if outlet < 1 || outlet > mockOutletCount {
		return false
	}
	if err := t.failInjected("command"); err != nil {
		return false
	}
	switch action {
	case pdu.ActionOn, pdu.ActionReboot:
		t.outletStates[outlet] = pdu.OutletOn
	case pdu.ActionOff:
		t.outletStates[outlet] = pdu.OutletOff
	default:
		return false
	}
	t.recordSuccess()
	logger.LogInfo("Mock outlet %d -> %s", outlet, action)
	return true
}

// SetDeviceField pretends to succeed for known fields
func (t *MockTransport) SetDeviceField(ctx context.Context, field, value string) bool {
	return pdu.FieldOID(field) != ""
}

// UpdateTarget is a no-op for the mock
func (t *MockTransport) UpdateTarget(host string, port int) {}

// Close is a no-op for the mock
func (t *MockTransport) Close() {}

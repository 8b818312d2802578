package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"pdu-bridge/pkg/errors"
	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/pdu"
)

// enviroProbeLimit bounds startup probing for the optional ENVIROSENSOR:
// after this many polls with no sensor response the OIDs are dropped from
// the poll set for the life of the process.
const enviroProbeLimit = 3

// SNMPTransport implements Transport over SNMP v1 using gosnmp. SNMP is
// connectionless so Connect only opens the UDP socket; every operation is
// an independent request/response with the configured timeout and retries.
type SNMPTransport struct {
	healthTracker

	mu             sync.Mutex // serializes SNMP operations and retargeting
	client         *gosnmp.GoSNMP
	deviceID       string
	communityRead  string
	communityWrite string

	numBanks    int // configured default until discovery overrides it
	outletCount int

	enviroSupported bool
	enviroResolved  bool
	enviroProbes    int
}

// SNMPOptions configures a new SNMP transport
type SNMPOptions struct {
	DeviceID       string
	Host           string
	Port           int
	CommunityRead  string
	CommunityWrite string
	Timeout        time.Duration
	Retries        int
	NumBanks       int
}

// NewSNMPTransport creates an SNMP transport for one PDU
func NewSNMPTransport(opts SNMPOptions) *SNMPTransport {
	client := &gosnmp.GoSNMP{
		Target:    opts.Host,
		Port:      uint16(opts.Port),
		Community: opts.CommunityRead,
		Version:   gosnmp.Version1,
		Timeout:   opts.Timeout,
		Retries:   opts.Retries,
		MaxOids:   gosnmp.MaxOids,
	}
	numBanks := opts.NumBanks
	if numBanks < 1 {
		numBanks = 2
	}
	return &SNMPTransport{
		client:         client,
		deviceID:       opts.DeviceID,
		communityRead:  opts.CommunityRead,
		communityWrite: opts.CommunityWrite,
		numBanks:       numBanks,
	}
}

// Connect opens the UDP socket. Idempotent.
func (t *SNMPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client.Conn != nil {
		return nil
	}
	if err := t.client.Connect(); err != nil {
		terr := errors.NewTransportError("connect", err, t.deviceID, t.client.Target)
		t.recordFailure(terr)
		return terr
	}
	return nil
}

// getMany fetches a list of OIDs in MaxOids-sized chunks. Missing instances
// are simply absent from the result map; a request-level failure aborts.
func (t *SNMPTransport) getMany(ctx context.Context, oids []string) (map[string]interface{}, error) {
	values := make(map[string]interface{}, len(oids))
	for start := 0; start < len(oids); start += t.client.MaxOids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + t.client.MaxOids
		if end > len(oids) {
			end = len(oids)
		}
		result, err := t.client.Get(oids[start:end])
		if err != nil {
			return nil, err
		}
		for _, v := range result.Variables {
			if v.Type == gosnmp.NoSuchObject || v.Type == gosnmp.NoSuchInstance || v.Type == gosnmp.Null {
				continue
			}
			values[strings.TrimPrefix(v.Name, ".")] = parsePDU(v)
		}
	}
	return values, nil
}

func parsePDU(v gosnmp.SnmpPDU) interface{} {
	switch v.Type {
	case gosnmp.OctetString:
		if b, ok := v.Value.([]byte); ok {
			return string(b)
		}
		return fmt.Sprintf("%v", v.Value)
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Counter64,
		gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(v.Value).Int64()
	case gosnmp.ObjectIdentifier, gosnmp.IPAddress:
		return fmt.Sprintf("%v", v.Value)
	}
	return v.Value
}

func getInt(values map[string]interface{}, oid string) (int64, bool) {
	v, ok := values[oid]
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}

func getStr(values map[string]interface{}, oid string) string {
	v, ok := values[oid]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimSpace(s)
}

// tenths converts a raw reading in tenths to a float pointer
func tenths(values map[string]interface{}, oid string) *float64 {
	if raw, ok := getInt(values, oid); ok {
		return pdu.Float(float64(raw) / 10.0)
	}
	return nil
}

// GetIdentity queries serial, model, firmware, outlet/phase counts and MAC
func (t *SNMPTransport) GetIdentity(ctx context.Context) (*pdu.Identity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	values, err := t.getMany(ctx, []string{
		pdu.OIDSerialHW, pdu.OIDModelNumber, pdu.OIDFirmwareRev,
		pdu.OIDOutletCount, pdu.OIDPhaseCount,
		pdu.OIDIfPhysAddr, pdu.OIDSysUptime,
	})
	if err != nil {
		terr := errors.NewTransportError("get_identity", err, t.deviceID, t.client.Target)
		t.recordFailure(terr)
		return nil, terr
	}
	t.recordSuccess()

	identity := &pdu.Identity{
		Serial:   getStr(values, pdu.OIDSerialHW),
		Model:    getStr(values, pdu.OIDModelNumber),
		Firmware: getStr(values, pdu.OIDFirmwareRev),
		MAC:      getStr(values, pdu.OIDIfPhysAddr),
	}
	if n, ok := getInt(values, pdu.OIDOutletCount); ok {
		identity.OutletCount = int(n)
	}
	if n, ok := getInt(values, pdu.OIDPhaseCount); ok {
		identity.PhaseCount = int(n)
	}
	if n, ok := getInt(values, pdu.OIDSysUptime); ok {
		identity.SysUptime = n
	}
	t.outletCount = identity.OutletCount
	return identity, nil
}

// DiscoverNumBanks reads the bank table size, falling back to the default
func (t *SNMPTransport) DiscoverNumBanks(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	values, err := t.getMany(ctx, []string{pdu.OIDNumBankEntries})
	if err != nil {
		terr := errors.NewTransportError("discover_num_banks", err, t.deviceID, t.client.Target)
		t.recordFailure(terr)
		return t.numBanks, terr
	}
	t.recordSuccess()

	if n, ok := getInt(values, pdu.OIDNumBankEntries); ok && n >= 1 {
		t.numBanks = int(n)
	}
	return t.numBanks, nil
}

// QueryStartupData fetches per-outlet bank assignments and max loads
func (t *SNMPTransport) QueryStartupData(ctx context.Context, outletCount int) (map[int]int, map[int]float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var oids []string
	for n := 1; n <= outletCount; n++ {
		oids = append(oids, pdu.OIDOutletBank(n), pdu.OIDOutletMaxLoad(n))
	}
	values, err := t.getMany(ctx, oids)
	if err != nil {
		terr := errors.NewTransportError("query_startup_data", err, t.deviceID, t.client.Target)
		t.recordFailure(terr)
		return nil, nil, terr
	}
	t.recordSuccess()

	banks := make(map[int]int)
	maxLoads := make(map[int]float64)
	for n := 1; n <= outletCount; n++ {
		if v, ok := getInt(values, pdu.OIDOutletBank(n)); ok {
			banks[n] = int(v)
		}
		if v, ok := getInt(values, pdu.OIDOutletMaxLoad(n)); ok {
			maxLoads[n] = float64(v) / 10.0
		}
	}
	return banks, maxLoads, nil
}

// Poll fetches every monitored OID and assembles a snapshot
func (t *SNMPTransport) Poll(ctx context.Context) (*pdu.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	outletCount := t.outletCount
	oids := []string{
		pdu.OIDDeviceName, pdu.OIDOutletCount, pdu.OIDPhaseCount,
		pdu.OIDInputVoltage, pdu.OIDInputFrequency,
		pdu.OIDATSPreferredSource, pdu.OIDATSCurrentSource, pdu.OIDATSAutoTransfer,
		pdu.OIDSourceAVoltage, pdu.OIDSourceBVoltage,
		pdu.OIDSourceAFreq, pdu.OIDSourceBFreq,
		pdu.OIDSourceAStatus, pdu.OIDSourceBStatus,
		pdu.OIDSourceRedundant,
		pdu.OIDSysUptime,
	}
	for n := 1; n <= outletCount; n++ {
		oids = append(oids,
			pdu.OIDOutletName(n), pdu.OIDOutletState(n),
			pdu.OIDOutletCurrent(n), pdu.OIDOutletPower(n), pdu.OIDOutletEnergy(n))
	}
	for idx := 1; idx <= t.numBanks; idx++ {
		oids = append(oids,
			pdu.OIDBankCurrent(idx), pdu.OIDBankLoadState(idx), pdu.OIDBankVoltage(idx),
			pdu.OIDBankPower(idx), pdu.OIDBankApparent(idx), pdu.OIDBankPF(idx),
			pdu.OIDBankEnergy(idx), pdu.OIDBankTimestamp(idx))
	}
	probeEnviro := t.enviroSupported || (!t.enviroResolved && t.enviroProbes < enviroProbeLimit)
	if probeEnviro {
		oids = append(oids,
			pdu.OIDEnviroTemp, pdu.OIDEnviroTempUnit, pdu.OIDEnviroHumidity,
			pdu.OIDEnviroContact1, pdu.OIDEnviroContact2,
			pdu.OIDEnviroContact3, pdu.OIDEnviroContact4)
	}

	values, err := t.getMany(ctx, oids)
	if err != nil {
		terr := errors.NewTransportError("poll", err, t.deviceID, t.client.Target)
		t.recordFailure(terr)
		return nil, terr
	}
	t.recordSuccess()

	snap := t.parseSnapshot(values, outletCount)
	if probeEnviro {
		t.parseEnvironment(values, snap)
	}
	return snap, nil
}

func (t *SNMPTransport) parseSnapshot(values map[string]interface{}, outletCount int) *pdu.Snapshot {
	snap := &pdu.Snapshot{
		DeviceName:      getStr(values, pdu.OIDDeviceName),
		OutletCount:     outletCount,
		PhaseCount:      1,
		InputVoltage:    tenths(values, pdu.OIDInputVoltage),
		InputFrequency:  tenths(values, pdu.OIDInputFrequency),
		Outlets:         make(map[int]*pdu.OutletData, outletCount),
		Banks:           make(map[int]*pdu.BankData, t.numBanks),
		ATSAutoTransfer: true,
	}
	if n, ok := getInt(values, pdu.OIDOutletCount); ok && n > 0 {
		snap.OutletCount = int(n)
	}
	if n, ok := getInt(values, pdu.OIDPhaseCount); ok && n > 0 {
		snap.PhaseCount = int(n)
	}
	if n, ok := getInt(values, pdu.OIDSysUptime); ok {
		snap.SysUptime = n
	}

	for n := 1; n <= outletCount; n++ {
		outlet := &pdu.OutletData{
			Number: n,
			Name:   getStr(values, pdu.OIDOutletName(n)),
			State:  pdu.OutletUnknown,
		}
		if raw, ok := getInt(values, pdu.OIDOutletState(n)); ok {
			switch raw {
			case pdu.OutletStateOn:
				outlet.State = pdu.OutletOn
			case pdu.OutletStateOff:
				outlet.State = pdu.OutletOff
			}
		}
		// Metering floor: the PDU reports 0.2A / 1W for idle outlets
		if raw, ok := getInt(values, pdu.OIDOutletCurrent(n)); ok {
			if raw <= 2 {
				outlet.Current = pdu.Float(0)
			} else {
				outlet.Current = pdu.Float(float64(raw) / 10.0)
			}
		}
		if raw, ok := getInt(values, pdu.OIDOutletPower(n)); ok {
			if raw <= 1 {
				outlet.Power = pdu.Float(0)
			} else {
				outlet.Power = pdu.Float(float64(raw))
			}
		}
		if raw, ok := getInt(values, pdu.OIDOutletEnergy(n)); ok {
			outlet.Energy = pdu.Float(float64(raw) / 10.0)
		}
		snap.Outlets[n] = outlet
	}

	for idx := 1; idx <= t.numBanks; idx++ {
		bank := &pdu.BankData{
			Number:     idx,
			Current:    tenths(values, pdu.OIDBankCurrent(idx)),
			Voltage:    tenths(values, pdu.OIDBankVoltage(idx)),
			LoadState:  "unknown",
			LastUpdate: getStr(values, pdu.OIDBankTimestamp(idx)),
		}
		if raw, ok := getInt(values, pdu.OIDBankPower(idx)); ok {
			bank.Power = pdu.Float(float64(raw))
		}
		if raw, ok := getInt(values, pdu.OIDBankApparent(idx)); ok {
			bank.ApparentPower = pdu.Float(float64(raw))
		}
		if raw, ok := getInt(values, pdu.OIDBankPF(idx)); ok {
			bank.PowerFactor = pdu.Float(float64(raw) / 100.0)
		}
		if raw, ok := getInt(values, pdu.OIDBankEnergy(idx)); ok {
			bank.Energy = pdu.Float(float64(raw) / 10.0)
		}
		if raw, ok := getInt(values, pdu.OIDBankLoadState(idx)); ok {
			bank.LoadState = pdu.BankLoadState(int(raw))
		}
		snap.Banks[idx] = bank
	}

	if raw, ok := getInt(values, pdu.OIDATSPreferredSource); ok {
		snap.ATSPreferredSource = pdu.Int(int(raw))
	}
	if raw, ok := getInt(values, pdu.OIDATSCurrentSource); ok {
		snap.ATSCurrentSource = pdu.Int(int(raw))
	}
	if raw, ok := getInt(values, pdu.OIDATSAutoTransfer); ok {
		snap.ATSAutoTransfer = raw == 1
	}
	if raw, ok := getInt(values, pdu.OIDSourceRedundant); ok {
		snap.RedundancyOK = pdu.Bool(raw == 2)
	}

	snap.SourceA = parseSource(values, pdu.OIDSourceAVoltage, pdu.OIDSourceAFreq, pdu.OIDSourceAStatus)
	snap.SourceB = parseSource(values, pdu.OIDSourceBVoltage, pdu.OIDSourceBFreq, pdu.OIDSourceBStatus)
	return snap
}

func parseSource(values map[string]interface{}, voltOID, freqOID, statusOID string) *pdu.SourceData {
	src := &pdu.SourceData{
		Voltage:       tenths(values, voltOID),
		Frequency:     tenths(values, freqOID),
		VoltageStatus: "unknown",
	}
	if raw, ok := getInt(values, statusOID); ok {
		src.VoltageStatus = pdu.SourceVoltageStatus(int(raw))
	}
	return src
}

func (t *SNMPTransport) parseEnvironment(values map[string]interface{}, snap *pdu.Snapshot) {
	_, hasTemp := getInt(values, pdu.OIDEnviroTemp)
	if !hasTemp {
		if !t.enviroResolved {
			t.enviroProbes++
			if t.enviroProbes >= enviroProbeLimit {
				t.enviroResolved = true
				t.enviroSupported = false
				logger.LogInfo("No environment sensor on %s after %d probes, skipping",
					t.deviceID, enviroProbeLimit)
			}
		}
		return
	}
	if !t.enviroResolved {
		t.enviroResolved = true
		t.enviroSupported = true
		logger.LogInfo("Environment sensor detected on %s", t.deviceID)
	}

	env := &pdu.EnvironmentData{
		Temperature:   tenths(values, pdu.OIDEnviroTemp),
		Unit:          "F",
		Contacts:      make(map[int]bool, 4),
		SensorPresent: true,
	}
	if raw, ok := getInt(values, pdu.OIDEnviroTempUnit); ok && raw == 1 {
		env.Unit = "C"
	}
	if raw, ok := getInt(values, pdu.OIDEnviroHumidity); ok {
		env.Humidity = pdu.Float(float64(raw))
	}
	contactOIDs := []string{
		pdu.OIDEnviroContact1, pdu.OIDEnviroContact2,
		pdu.OIDEnviroContact3, pdu.OIDEnviroContact4,
	}
	for i, oid := range contactOIDs {
		if raw, ok := getInt(values, oid); ok {
			env.Contacts[i+1] = raw == 1
		}
	}
	snap.Environment = env
}

// CommandOutlet issues an SNMP SET on the outlet command OID using the
// write community. Delayed actions are serial-console only.
func (t *SNMPTransport) CommandOutlet(ctx context.Context, outlet int, action string) bool {
	cmd := pdu.OutletCommandValue(action)
	if cmd == 0 {
		logger.LogWarn("SNMP transport does not support outlet action %q", action)
		return false
	}
	return t.set(ctx, pdu.OIDOutletCommand(outlet), cmd)
}

// SetDeviceField sets a writable device field (name, location)
func (t *SNMPTransport) SetDeviceField(ctx context.Context, field, value string) bool {
	oid := pdu.FieldOID(field)
	if oid == "" {
		logger.LogWarn("Unknown device field %q", field)
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setLocked(oid, gosnmp.SnmpPDU{
		Name: oid, Type: gosnmp.OctetString, Value: value,
	})
}

func (t *SNMPTransport) set(ctx context.Context, oid string, value int) bool {
	if err := ctx.Err(); err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setLocked(oid, gosnmp.SnmpPDU{
		Name: oid, Type: gosnmp.Integer, Value: value,
	})
}

func (t *SNMPTransport) setLocked(oid string, pkt gosnmp.SnmpPDU) bool {
	// SETs use the write community; restore the read community afterwards
	t.client.Community = t.communityWrite
	defer func() { t.client.Community = t.communityRead }()

	result, err := t.client.Set([]gosnmp.SnmpPDU{pkt})
	if err != nil {
		t.recordFailure(errors.NewTransportError("set", err, t.deviceID, t.client.Target))
		return false
	}
	if result.Error != gosnmp.NoError {
		t.recordFailure(errors.NewTransportError("set",
			fmt.Errorf("SNMP error %v on %s", result.Error, oid), t.deviceID, t.client.Target))
		return false
	}
	t.recordSuccess()
	return true
}

// UpdateTarget repoints the transport after DHCP recovery. The socket is
// reopened lazily on the next request.
func (t *SNMPTransport) UpdateTarget(host string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client.Conn != nil {
		_ = t.client.Conn.Close()
		t.client.Conn = nil
	}
	t.client.Target = host
	if port > 0 {
		t.client.Port = uint16(port)
	}
	if err := t.client.Connect(); err != nil {
		logger.LogWarn("Reconnect to %s:%d failed: %v", host, t.client.Port, err)
	}
	logger.LogInfo("Transport %s retargeted to %s:%d", t.deviceID, host, t.client.Port)
}

// Close releases the UDP socket
func (t *SNMPTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client.Conn != nil {
		_ = t.client.Conn.Close()
		t.client.Conn = nil
	}
}

package pdu

import "fmt"

// CyberPower ePDU MIB base
const BaseOID = "1.3.6.1.4.1.3808.1.1.3"

// Device identity
const (
	OIDDeviceName  = BaseOID + ".1.1.0"
	OIDFirmwareRev = BaseOID + ".1.3.0"
	OIDModelNumber = BaseOID + ".1.5.0"
	OIDSerialHW    = BaseOID + ".1.6.0"
	OIDOutletCount = BaseOID + ".1.8.0"
	OIDPhaseCount  = BaseOID + ".1.9.0"
)

// MIB-II system group and interface table (identity extras)
const (
	OIDSysUptime   = "1.3.6.1.2.1.1.3.0"
	OIDSysName     = "1.3.6.1.2.1.1.5.0"
	OIDSysLocation = "1.3.6.1.2.1.1.6.0"
	OIDIfPhysAddr  = "1.3.6.1.2.1.2.2.1.6.1"
)

// Input (bus/output — NOT per-source on ATS models), tenths
const (
	OIDInputVoltage   = BaseOID + ".5.7.0"
	OIDInputFrequency = BaseOID + ".5.8.0"
)

// Transfer switch (ATS)
const (
	OIDATSPreferredSource = BaseOID + ".4.1.1.0" // 1=A, 2=B
	OIDATSCurrentSource   = BaseOID + ".4.1.2.0" // 1=A, 2=B
	OIDATSAutoTransfer    = BaseOID + ".4.1.3.0" // 1=enabled, 2=disabled
)

// ePDU2 Source Status — per-input voltage and status
const (
	epdu2SourceEntry   = "1.3.6.1.4.1.3808.1.1.6.9.4.1"
	OIDSourceAVoltage  = epdu2SourceEntry + ".5.1"  // 0.1V
	OIDSourceBVoltage  = epdu2SourceEntry + ".6.1"  // 0.1V
	OIDSourceAFreq     = epdu2SourceEntry + ".7.1"  // 0.1Hz
	OIDSourceBFreq     = epdu2SourceEntry + ".8.1"  // 0.1Hz
	OIDSourceAStatus   = epdu2SourceEntry + ".9.1"  // 1=normal,2=over,3=under
	OIDSourceBStatus   = epdu2SourceEntry + ".10.1" // 1=normal,2=over,3=under
	OIDSourceRedundant = epdu2SourceEntry + ".16.1" // 1=lost,2=redundant
)

// Bank table size
const OIDNumBankEntries = BaseOID + ".2.1.0"

// Environment sensor (ENVIROSENSOR accessory)
const (
	enviroBase        = "1.3.6.1.4.1.3808.1.1.4"
	OIDEnviroTemp     = enviroBase + ".2.1.0" // tenths, in configured unit
	OIDEnviroTempUnit = enviroBase + ".2.5.0" // 1=C, 2=F
	OIDEnviroHumidity = enviroBase + ".3.1.0" // percent
	OIDEnviroContact1 = enviroBase + ".4.1.1.2.1"
	OIDEnviroContact2 = enviroBase + ".4.1.1.2.2"
	OIDEnviroContact3 = enviroBase + ".4.1.1.2.3"
	OIDEnviroContact4 = enviroBase + ".4.1.1.2.4"
)

// Outlet command values on the wire
const (
	OutletCmdOn     = 1
	OutletCmdOff    = 2
	OutletCmdReboot = 3
)

// Outlet state values on the wire
const (
	OutletStateOn  = 1
	OutletStateOff = 2
)

// OutletCommandValue maps an action string to its SNMP SET value. Returns 0
// for actions SNMP cannot express (delayed commands are serial-console only).
func OutletCommandValue(action string) int {
	switch action {
	case ActionOn:
		return OutletCmdOn
	case ActionOff:
		return OutletCmdOff
	case ActionReboot:
		return OutletCmdReboot
	}
	return 0
}

func OIDOutletName(n int) string    { return fmt.Sprintf("%s.3.3.1.1.2.%d", BaseOID, n) }
func OIDOutletCommand(n int) string { return fmt.Sprintf("%s.3.3.1.1.4.%d", BaseOID, n) }
func OIDOutletBank(n int) string    { return fmt.Sprintf("%s.3.3.1.1.5.%d", BaseOID, n) }
func OIDOutletMaxLoad(n int) string { return fmt.Sprintf("%s.3.3.1.1.6.%d", BaseOID, n) }
func OIDOutletState(n int) string   { return fmt.Sprintf("%s.3.5.1.1.4.%d", BaseOID, n) }
func OIDOutletCurrent(n int) string { return fmt.Sprintf("%s.3.5.1.1.5.%d", BaseOID, n) }
func OIDOutletPower(n int) string   { return fmt.Sprintf("%s.3.5.1.1.6.%d", BaseOID, n) }
func OIDOutletEnergy(n int) string  { return fmt.Sprintf("%s.3.5.1.1.7.%d", BaseOID, n) }

func OIDBankCurrent(idx int) string   { return fmt.Sprintf("%s.2.3.1.1.2.%d", BaseOID, idx) }
func OIDBankLoadState(idx int) string { return fmt.Sprintf("%s.2.3.1.1.3.%d", BaseOID, idx) }
func OIDBankVoltage(idx int) string   { return fmt.Sprintf("%s.2.3.1.1.6.%d", BaseOID, idx) }
func OIDBankPower(idx int) string     { return fmt.Sprintf("%s.2.3.1.1.7.%d", BaseOID, idx) }
func OIDBankApparent(idx int) string  { return fmt.Sprintf("%s.2.3.1.1.8.%d", BaseOID, idx) }
func OIDBankPF(idx int) string        { return fmt.Sprintf("%s.2.3.1.1.9.%d", BaseOID, idx) }
func OIDBankEnergy(idx int) string    { return fmt.Sprintf("%s.2.3.1.1.10.%d", BaseOID, idx) }
func OIDBankTimestamp(idx int) string { return fmt.Sprintf("%s.2.3.1.1.11.%d", BaseOID, idx) }

// Device field SET targets for the web API (name, location)
const (
	FieldName     = "name"
	FieldLocation = "location"
)

// FieldOID maps a settable device field to its OID; empty if unknown.
func FieldOID(field string) string {
	switch field {
	case FieldName:
		return OIDSysName
	case FieldLocation:
		return OIDSysLocation
	}
	return ""
}

// Package transport defines the PDU access contract and its SNMP and mock
// implementations. The poller owns exactly one Transport and serializes all
// access to it; implementations never panic on failure — they count it.
package transport

import (
	"context"

	"pdu-bridge/pkg/pdu"
)

// Transport is the contract every PDU back-end satisfies. Failures return a
// typed error (or false for commands), increment the consecutive-failure
// counter, and record a last-error string; a successful call zeroes the
// counter. Safe for single-goroutine use only.
type Transport interface {
	// Connect establishes the connection. Idempotent; a no-op for
	// connectionless transports such as SNMP.
	Connect(ctx context.Context) error

	// GetIdentity queries the device identity. Called once at startup.
	GetIdentity(ctx context.Context) (*pdu.Identity, error)

	// DiscoverNumBanks detects the number of load banks, falling back to
	// the configured default when the device does not report it.
	DiscoverNumBanks(ctx context.Context) (int, error)

	// QueryStartupData fetches startup-only per-outlet data:
	// bank assignments and max loads. Either map may be empty.
	QueryStartupData(ctx context.Context, outletCount int) (map[int]int, map[int]float64, error)

	// Poll returns one snapshot.
	Poll(ctx context.Context) (*pdu.Snapshot, error)

	// CommandOutlet executes an outlet action. Returns false for
	// unsupported actions or on failure.
	CommandOutlet(ctx context.Context, outlet int, action string) bool

	// SetDeviceField sets a writable device field (name, location).
	SetDeviceField(ctx context.Context, field, value string) bool

	// ConsecutiveFailures returns the current failure streak.
	ConsecutiveFailures() int

	// ResetHealth zeroes the failure counters.
	ResetHealth()

	// GetHealth returns transport health metrics for the web API.
	GetHealth() map[string]interface{}

	// UpdateTarget repoints an IP-based transport after DHCP recovery.
	// Port <= 0 keeps the current port.
	UpdateTarget(host string, port int)

	// Close releases the transport.
	Close()
}

// Supports reports whether an action is one a transport could ever execute.
// Delayed commands exist only on the serial console; the SNMP and mock
// transports reject them via CommandOutlet returning false.
func Supports(action string) bool {
	switch action {
	case pdu.ActionOn, pdu.ActionOff, pdu.ActionReboot,
		pdu.ActionDelayOn, pdu.ActionDelayOff, pdu.ActionCancel:
		return true
	}
	return false
}

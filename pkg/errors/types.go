package errors

import (
	"fmt"
)

// ErrorSeverity defines the severity level of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the string representation of the severity
func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// BridgeError is the base error type for all bridge errors
type BridgeError struct {
	Op       string        // Operation that failed
	Err      error         // Underlying error
	Severity ErrorSeverity // Error severity
}

// Error implements the error interface
func (e *BridgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Severity, e.Op, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Severity, e.Op)
}

// Unwrap returns the underlying error
func (e *BridgeError) Unwrap() error {
	return e.Err
}

// TransportError represents a failed PDU transport operation (SNMP timeout,
// packet loss, unreachable host). Transient by definition: it feeds the
// consecutive-failure counter and never aborts a poller.
type TransportError struct {
	BridgeError
	Host     string
	DeviceID string
}

// NewTransportError creates a new transport error
func NewTransportError(op string, err error, deviceID, host string) *TransportError {
	return &TransportError{
		BridgeError: BridgeError{Op: op, Err: err, Severity: SeverityWarning},
		Host:        host,
		DeviceID:    deviceID,
	}
}

// Error implements the error interface
func (e *TransportError) Error() string {
	return fmt.Sprintf("[%s] %s (%s@%s): %v", e.Severity, e.Op, e.DeviceID, e.Host, e.Err)
}

// SerialMismatchError is the permanent transport mismatch: the device at the
// configured address reports a different hardware serial than the one saved.
type SerialMismatchError struct {
	DeviceID string
	Want     string
	Got      string
}

func (e *SerialMismatchError) Error() string {
	return fmt.Sprintf("serial mismatch for %s: config has %q, device reports %q",
		e.DeviceID, e.Want, e.Got)
}

// StoreError represents a history database failure
type StoreError struct {
	BridgeError
	Table string
}

// NewStoreError creates a new store error
func NewStoreError(op string, err error, table string) *StoreError {
	return &StoreError{
		BridgeError: BridgeError{Op: op, Err: err, Severity: SeverityError},
		Table:       table,
	}
}

// PublishError represents an MQTT publish failure
type PublishError struct {
	BridgeError
	Topic    string
	Retained bool
}

// NewPublishError creates a new publish error
func NewPublishError(op string, err error, topic string, retained bool) *PublishError {
	return &PublishError{
		BridgeError: BridgeError{Op: op, Err: err, Severity: SeverityWarning},
		Topic:       topic,
		Retained:    retained,
	}
}

// ConfigError represents an invalid configuration value. Fails startup.
type ConfigError struct {
	BridgeError
	Key string
}

// NewConfigError creates a new configuration error
func NewConfigError(key string, err error) *ConfigError {
	return &ConfigError{
		BridgeError: BridgeError{Op: "config " + key, Err: err, Severity: SeverityCritical},
		Key:         key,
	}
}

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestTransportErrorCarriesContext(t *testing.T) {
	cause := fmt.Errorf("timeout")
	err := NewTransportError("poll", cause, "rack1", "10.0.0.5")

	msg := err.Error()
	for _, want := range []string{"WARNING", "poll", "rack1", "10.0.0.5", "timeout"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
	if !stderrors.Is(err, cause) {
		t.Error("transport error should unwrap to its cause")
	}
}

func TestSerialMismatchErrorMessage(t *testing.T) {
	err := &SerialMismatchError{DeviceID: "rack1", Want: "SN123", Got: "SN999"}
	msg := err.Error()
	if !strings.Contains(msg, `config has "SN123"`) || !strings.Contains(msg, `device reports "SN999"`) {
		t.Errorf("message %q should name both serials", msg)
	}
}

func TestConfigErrorIsCritical(t *testing.T) {
	err := NewConfigError("BRIDGE_WEB_PORT", fmt.Errorf("must be 1-65535, got 0"))
	if err.Severity != SeverityCritical {
		t.Errorf("severity = %s, want CRITICAL", err.Severity)
	}
	if !strings.Contains(err.Error(), "BRIDGE_WEB_PORT") {
		t.Errorf("message %q should name the key", err.Error())
	}
}

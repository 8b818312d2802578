package poller

import (
	"fmt"
	"sync/atomic"

	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/metrics"
)

// isolator wraps one fan-out subsystem: failures are counted and logged
// (first three, then every 30th) but never reach the poll loop.
type isolator struct {
	deviceID  string
	subsystem string
	failures  int64
}

func newIsolator(deviceID, subsystem string) *isolator {
	return &isolator{deviceID: deviceID, subsystem: subsystem}
}

func (i *isolator) do(fn func() error) {
	err := i.run(fn)
	if err == nil {
		return
	}
	n := atomic.AddInt64(&i.failures, 1)
	metrics.SubsystemErrors.WithLabelValues(i.deviceID, i.subsystem).Inc()
	if n <= 3 || n%30 == 0 {
		logger.LogWarn("Subsystem %s failure #%d on %s: %v", i.subsystem, n, i.deviceID, err)
	}
}

// run converts a panic inside the subsystem into an error so one bad
// snapshot cannot take the poller down.
func (i *isolator) run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (i *isolator) count() int64 {
	return atomic.LoadInt64(&i.failures)
}

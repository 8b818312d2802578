// Package discovery implements the subnet sweep used for DHCP recovery:
// when a PDU stops answering (or answers with the wrong serial), the scanner
// probes the /24 for devices speaking the CyberPower MIB and matches them by
// hardware serial.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/pdu"
)

// scanWorkers bounds concurrent probes so a sweep of 254 hosts does not
// open 254 sockets at once.
const scanWorkers = 32

// probeTimeout is deliberately short: most of the subnet will not answer
// and a full sweep should finish in a few seconds.
const probeTimeout = 1 * time.Second

// Found is one PDU discovered on the subnet
type Found struct {
	Host   string `json:"host"`
	Serial string `json:"serial"`
	Model  string `json:"model"`
	Name   string `json:"name"`
}

// SubnetFor derives the /24 to sweep from a device address. An explicit
// override (CIDR or bare prefix) from the PDU config wins.
func SubnetFor(host, override string) (string, error) {
	if override != "" {
		return normalizeSubnet(override)
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("cannot resolve %s for subnet detection: %w", host, err)
	}
	return normalizeSubnet(addrs[0])
}

func normalizeSubnet(s string) (string, error) {
	if strings.Contains(s, "/") {
		ip, _, err := net.ParseCIDR(s)
		if err != nil {
			return "", fmt.Errorf("bad recovery subnet %q: %w", s, err)
		}
		s = ip.String()
	}
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return "", fmt.Errorf("recovery subnet %q is not IPv4", s)
	}
	return fmt.Sprintf("%d.%d.%d", ip[0], ip[1], ip[2]), nil
}

// probe asks one host for serial, model and device name. Any error means
// "not a PDU we care about" — the sweep does not distinguish.
func probe(ctx context.Context, host string, port int, community string) (*Found, bool) {
	client := &gosnmp.GoSNMP{
		Target:    host,
		Port:      uint16(port),
		Community: community,
		Version:   gosnmp.Version1,
		Timeout:   probeTimeout,
		Retries:   0,
		Context:   ctx,
	}
	if err := client.Connect(); err != nil {
		return nil, false
	}
	defer client.Conn.Close()

	result, err := client.Get([]string{pdu.OIDSerialHW, pdu.OIDModelNumber, pdu.OIDDeviceName})
	if err != nil {
		return nil, false
	}
	found := &Found{Host: host}
	for _, v := range result.Variables {
		b, ok := v.Value.([]byte)
		if !ok {
			continue
		}
		val := strings.TrimSpace(string(b))
		switch strings.TrimPrefix(v.Name, ".") {
		case pdu.OIDSerialHW:
			found.Serial = val
		case pdu.OIDModelNumber:
			found.Model = val
		case pdu.OIDDeviceName:
			found.Name = val
		}
	}
	if found.Serial == "" {
		return nil, false
	}
	return found, true
}

// ScanSubnet sweeps prefix.1 through prefix.254 and returns every
// responding PDU. prefix is the first three octets ("192.168.1").
func ScanSubnet(ctx context.Context, prefix string, port int, community string) []*Found {
	start := time.Now()
	hosts := make(chan string, 254)
	results := make(chan *Found, 254)

	var wg sync.WaitGroup
	for i := 0; i < scanWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for host := range hosts {
				if ctx.Err() != nil {
					continue // drain without probing
				}
				if f, ok := probe(ctx, host, port, community); ok {
					results <- f
				}
			}
		}()
	}
	for n := 1; n <= 254; n++ {
		hosts <- fmt.Sprintf("%s.%d", prefix, n)
	}
	close(hosts)
	wg.Wait()
	close(results)

	var found []*Found
	for f := range results {
		found = append(found, f)
	}
	logger.LogInfo("Subnet scan of %s.0/24 found %d PDU(s) in %.1fs",
		prefix, len(found), time.Since(start).Seconds())
	return found
}

// FindBySerial sweeps the subnet for the PDU with the given hardware
// serial. Returns its current address, or "" when the sweep comes up empty.
func FindBySerial(ctx context.Context, prefix, serial string, port int, community string) string {
	for _, f := range ScanSubnet(ctx, prefix, port, community) {
		if f.Serial == serial {
			logger.LogInfo("Found serial %s at %s", serial, f.Host)
			return f.Host
		}
	}
	return ""
}

// Package config loads bridge settings from an optional YAML file overlaid
// by environment variables, and owns the persisted per-PDU config list.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"pdu-bridge/pkg/errors"
	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/pdu"
)

// Settings is the complete bridge configuration. YAML tags serve the
// optional settings file; every value can be overridden by environment.
type Settings struct {
	PDUHost        string `yaml:"pdu_host"`
	PDUSNMPPort    int    `yaml:"pdu_snmp_port"`
	CommunityRead  string `yaml:"community_read"`
	CommunityWrite string `yaml:"community_write"`
	DeviceID       string `yaml:"device_id"`

	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTPort     int    `yaml:"mqtt_port"`
	MQTTUsername string `yaml:"mqtt_username"`
	MQTTPassword string `yaml:"mqtt_password"`

	PollInterval    float64 `yaml:"poll_interval"` // seconds
	MockMode        bool    `yaml:"mock_mode"`
	SNMPTimeout     float64 `yaml:"snmp_timeout"` // seconds
	SNMPRetries     int     `yaml:"snmp_retries"`
	RecoveryEnabled bool    `yaml:"recovery_enabled"`

	RulesFile       string `yaml:"rules_file"`
	PDUsFile        string `yaml:"pdus_file"`
	OutletNamesFile string `yaml:"outlet_names_file"`

	WebPort int `yaml:"web_port"`

	HistoryDB       string  `yaml:"history_db"`
	RetentionDays   int     `yaml:"retention_days"`
	HouseMonthlyKWh float64 `yaml:"house_monthly_kwh"`

	Logging logger.LoggingConfig `yaml:"logging"`
}

func defaults() *Settings {
	return &Settings{
		PDUSNMPPort:     161,
		CommunityRead:   "public",
		CommunityWrite:  "private",
		DeviceID:        "pdu44001",
		MQTTBroker:      "mosquitto",
		MQTTPort:        1883,
		PollInterval:    1.0,
		SNMPTimeout:     2.0,
		SNMPRetries:     1,
		RecoveryEnabled: true,
		RulesFile:       "/data/rules.json",
		PDUsFile:        "/data/pdus.json",
		OutletNamesFile: "/data/outlet_names.json",
		WebPort:         8080,
		HistoryDB:       "/data/history.db",
		RetentionDays:   60,
		Logging:         logger.LoggingConfig{Level: "info"},
	}
}

// Load builds Settings from the optional YAML file plus environment
// variables. Out-of-range values fail with a ConfigError naming the key.
func Load() (*Settings, error) {
	s := defaults()

	// Optional settings file, probed at known locations
	paths := []string{
		os.Getenv("BRIDGE_CONFIG_FILE"),
		"/etc/pdu-bridge/config.yaml",
		"./config.yaml",
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path) // #nosec G304 - hardcoded probe list
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, errors.NewConfigError("BRIDGE_CONFIG_FILE",
				fmt.Errorf("parsing %s: %w", path, err))
		}
		logger.LogStartup("Loaded settings file %s", path)
		break
	}

	if err := s.applyEnv(); err != nil {
		return nil, err
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyEnv() error {
	var err error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = errors.NewConfigError(key, fmt.Errorf("not an integer: %q", v))
				return
			}
			*dst = n
		}
	}
	fnum := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			f, perr := strconv.ParseFloat(v, 64)
			if perr != nil {
				err = errors.NewConfigError(key, fmt.Errorf("not a number: %q", v))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}

	str("PDU_HOST", &s.PDUHost)
	num("PDU_SNMP_PORT", &s.PDUSNMPPort)
	str("PDU_COMMUNITY_READ", &s.CommunityRead)
	str("PDU_COMMUNITY_WRITE", &s.CommunityWrite)
	str("PDU_DEVICE_ID", &s.DeviceID)

	str("MQTT_BROKER", &s.MQTTBroker)
	num("MQTT_PORT", &s.MQTTPort)
	str("MQTT_USERNAME", &s.MQTTUsername)
	str("MQTT_PASSWORD", &s.MQTTPassword)

	fnum("BRIDGE_POLL_INTERVAL", &s.PollInterval)
	boolean("BRIDGE_MOCK_MODE", &s.MockMode)
	fnum("BRIDGE_SNMP_TIMEOUT", &s.SNMPTimeout)
	num("BRIDGE_SNMP_RETRIES", &s.SNMPRetries)
	boolean("BRIDGE_RECOVERY_ENABLED", &s.RecoveryEnabled)

	str("BRIDGE_RULES_FILE", &s.RulesFile)
	str("BRIDGE_PDUS_FILE", &s.PDUsFile)
	str("BRIDGE_OUTLET_NAMES_FILE", &s.OutletNamesFile)
	num("BRIDGE_WEB_PORT", &s.WebPort)

	str("BRIDGE_HISTORY_DB", &s.HistoryDB)
	num("HISTORY_RETENTION_DAYS", &s.RetentionDays)
	fnum("HOUSE_MONTHLY_KWH", &s.HouseMonthlyKWh)

	str("BRIDGE_LOG_LEVEL", &s.Logging.Level)
	str("BRIDGE_LOG_FILE", &s.Logging.File)

	return err
}

func (s *Settings) validate() error {
	check := func(ok bool, key, msg string) error {
		if !ok {
			return errors.NewConfigError(key, fmt.Errorf("%s", msg))
		}
		return nil
	}

	if err := check(s.PDUSNMPPort >= 1 && s.PDUSNMPPort <= 65535,
		"PDU_SNMP_PORT", fmt.Sprintf("must be 1-65535, got %d", s.PDUSNMPPort)); err != nil {
		return err
	}
	if err := pdu.ValidateDeviceID(s.DeviceID); err != nil {
		return errors.NewConfigError("PDU_DEVICE_ID", err)
	}
	if err := check(s.PollInterval >= 0.1 && s.PollInterval <= 300,
		"BRIDGE_POLL_INTERVAL", fmt.Sprintf("must be 0.1-300 seconds, got %g", s.PollInterval)); err != nil {
		return err
	}
	if err := check(s.SNMPTimeout >= 0.5 && s.SNMPTimeout <= 30,
		"BRIDGE_SNMP_TIMEOUT", fmt.Sprintf("must be 0.5-30 seconds, got %g", s.SNMPTimeout)); err != nil {
		return err
	}
	if err := check(s.SNMPRetries >= 0 && s.SNMPRetries <= 5,
		"BRIDGE_SNMP_RETRIES", fmt.Sprintf("must be 0-5, got %d", s.SNMPRetries)); err != nil {
		return err
	}
	if err := check(s.WebPort >= 1 && s.WebPort <= 65535,
		"BRIDGE_WEB_PORT", fmt.Sprintf("must be 1-65535, got %d", s.WebPort)); err != nil {
		return err
	}
	if err := check(s.RetentionDays >= 1 && s.RetentionDays <= 365,
		"HISTORY_RETENTION_DAYS", fmt.Sprintf("must be 1-365, got %d", s.RetentionDays)); err != nil {
		return err
	}
	if err := check(s.HouseMonthlyKWh >= 0,
		"HOUSE_MONTHLY_KWH", fmt.Sprintf("must be >= 0, got %g", s.HouseMonthlyKWh)); err != nil {
		return err
	}
	return nil
}

// RulesFileFor returns the per-device rules file path. The configured path
// keeps backward compatibility for the first device; extra devices get a
// rules_<device_id>.json sibling.
func (s *Settings) RulesFileFor(deviceID string) string {
	return perDevicePath(s.RulesFile, "rules", deviceID)
}

// OutletNamesFileFor returns the per-device outlet-name override file path
func (s *Settings) OutletNamesFileFor(deviceID string) string {
	return perDevicePath(s.OutletNamesFile, "outlet_names", deviceID)
}

func perDevicePath(base, stem, deviceID string) string {
	dir := "."
	if i := strings.LastIndex(base, "/"); i >= 0 {
		dir = base[:i]
	}
	return fmt.Sprintf("%s/%s_%s.json", dir, stem, deviceID)
}

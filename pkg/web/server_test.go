package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"pdu-bridge/pkg/automation"
	"pdu-bridge/pkg/cache"
	"pdu-bridge/pkg/config"
	"pdu-bridge/pkg/history"
	"pdu-bridge/pkg/pdu"
	"pdu-bridge/pkg/poller"
)

type outletCall struct {
	outlet int
	action string
}

// fakeDevice backs the handlers with a real engine and name store
type fakeDevice struct {
	id         string
	engine     *automation.Engine
	names      *poller.NameStore
	mismatched bool
	commandOK  bool
	commands   []outletCall
	fields     map[string]string
}

func (d *fakeDevice) DeviceID() string { return d.id }
func (d *fakeDevice) Command(outlet int, action string) bool {
	d.commands = append(d.commands, outletCall{outlet, action})
	return d.commandOK
}
func (d *fakeDevice) SetDeviceField(field, value string) bool {
	d.fields[field] = value
	return true
}
func (d *fakeDevice) Engine() *automation.Engine { return d.engine }
func (d *fakeDevice) Names() *poller.NameStore   { return d.names }
func (d *fakeDevice) Health() map[string]interface{} {
	return map[string]interface{}{"state": "healthy"}
}
func (d *fakeDevice) State() poller.HealthState { return poller.StateHealthy }
func (d *fakeDevice) Mismatched() bool          { return d.mismatched }

type responseRecord struct {
	deviceID string
	outlet   int
	action   string
	success  bool
}

type fakeMQTT struct {
	connected bool
	responses []responseRecord
}

func (m *fakeMQTT) IsConnected() bool { return m.connected }
func (m *fakeMQTT) PublishCommandResponse(deviceID string, outlet int, action string, success bool) {
	m.responses = append(m.responses, responseRecord{deviceID, outlet, action, success})
}

type fixture struct {
	server  *Server
	cache   *cache.Cache
	history *history.Store
	mqtt    *fakeMQTT
	hooks   *hookRecorder
}

type hookRecorder struct {
	addErr   error
	interval float64
}

func newDevice(t *testing.T, id string) *fakeDevice {
	t.Helper()
	dir := t.TempDir()
	return &fakeDevice{
		id:        id,
		engine:    automation.NewEngine(filepath.Join(dir, "rules.json"), nil),
		names:     poller.NewNameStore(filepath.Join(dir, "names.json")),
		commandOK: true,
		fields:    map[string]string{},
	}
}

func newFixture(t *testing.T, devices ...*fakeDevice) *fixture {
	t.Helper()
	settings := &config.Settings{
		WebPort:      8080,
		PollInterval: 1,
		PDUsFile:     filepath.Join(t.TempDir(), "pdus.json"),
		PDUHost:      "10.0.0.5",
		PDUSNMPPort:  161,
		DeviceID:     "p1",
	}
	store, err := config.LoadPDUs(settings)
	if err != nil {
		t.Fatalf("LoadPDUs: %v", err)
	}
	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"), 60, 0)
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(hist.Close)

	f := &fixture{
		cache:   cache.New(),
		history: hist,
		mqtt:    &fakeMQTT{connected: true},
		hooks:   &hookRecorder{},
	}
	f.server = NewServer(settings, store, f.cache, hist, f.mqtt, Hooks{
		AddPDU:      func(*config.PDUConfig) error { return f.hooks.addErr },
		SetInterval: func(s float64) { f.hooks.interval = s },
		GetInterval: func() float64 { return settings.PollInterval },
	})
	for _, d := range devices {
		f.server.Register(d)
	}
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestAmbiguousDeviceListsAvailable(t *testing.T) {
	f := newFixture(t, newDevice(t, "p1"), newDevice(t, "p2"))

	rec := f.do(t, "GET", "/api/rules", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decode(t, rec)
	avail, _ := body["available_devices"].([]interface{})
	if len(avail) != 2 || avail[0] != "p1" || avail[1] != "p2" {
		t.Errorf("available_devices = %v", avail)
	}
}

func TestUnknownDeviceIs404(t *testing.T) {
	f := newFixture(t, newDevice(t, "p1"))
	rec := f.do(t, "GET", "/api/rules?device_id=ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSingleDeviceAutoSelected(t *testing.T) {
	f := newFixture(t, newDevice(t, "p1"))
	rec := f.do(t, "GET", "/api/rules", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthReportsIssues(t *testing.T) {
	d := newDevice(t, "p1")
	f := newFixture(t, d)

	// no data yet
	rec := f.do(t, "GET", "/api/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	f.cache.Update("p1", &pdu.Snapshot{})
	rec = f.do(t, "GET", "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh data should be ok, got %d: %s", rec.Code, rec.Body.String())
	}

	f.mqtt.connected = false
	rec = f.do(t, "GET", "/api/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("mqtt down should be 503, got %d", rec.Code)
	}
	f.mqtt.connected = true

	d.mismatched = true
	rec = f.do(t, "GET", "/api/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("serial mismatch should be 503, got %d", rec.Code)
	}
	body := decode(t, rec)
	issues, _ := body["issues"].([]interface{})
	if len(issues) != 1 || !strings.Contains(issues[0].(string), "serial mismatch") {
		t.Errorf("issues = %v", issues)
	}
}

func TestStatusIncludesSnapshotAndAge(t *testing.T) {
	f := newFixture(t, newDevice(t, "p1"))
	f.cache.Update("p1", &pdu.Snapshot{OutletCount: 10})

	rec := f.do(t, "GET", "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["device_id"] != "p1" || body["snapshot"] == nil {
		t.Errorf("unexpected body: %v", body)
	}
	if _, ok := body["data_age_seconds"]; !ok {
		t.Error("data_age_seconds missing")
	}
}

func TestRuleLifecycleOverAPI(t *testing.T) {
	f := newFixture(t, newDevice(t, "p1"))

	rule := `{"name":"shed-load","input":1,"condition":"voltage_below",
		"threshold":100,"outlet":4,"action":"off","restore":true,"delay":5}`
	rec := f.do(t, "POST", "/api/rules", rule)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}

	// duplicate name conflicts
	rec = f.do(t, "POST", "/api/rules", rule)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate = %d, want 409", rec.Code)
	}

	// unknown rule on update is 404
	rec = f.do(t, "PUT", "/api/rules/nope", rule)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("update unknown = %d, want 404", rec.Code)
	}

	rec = f.do(t, "POST", "/api/rules/shed-load/toggle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle = %d", rec.Code)
	}
	if body := decode(t, rec); body["enabled"] != false {
		t.Errorf("first toggle should disable: %v", body)
	}

	rec = f.do(t, "DELETE", "/api/rules/shed-load", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = f.do(t, "GET", "/api/rules", "")
	body := decode(t, rec)
	if rules, _ := body["rules"].([]interface{}); len(rules) != 0 {
		t.Errorf("rules should be empty after delete: %v", rules)
	}
}

func TestOutletCommandValidation(t *testing.T) {
	d := newDevice(t, "p1")
	f := newFixture(t, d)

	rec := f.do(t, "POST", "/api/outlets/3/command", `{"action":"explode"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad action = %d, want 400", rec.Code)
	}
	if len(d.commands) != 0 {
		t.Fatalf("rejected action must not reach the device: %v", d.commands)
	}

	rec = f.do(t, "POST", "/api/outlets/3/command", `{"action":" On "}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("command = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["success"] != true || body["action"] != "on" {
		t.Errorf("unexpected body: %v", body)
	}
	if _, ok := body["elapsed_ms"]; !ok {
		t.Error("elapsed_ms missing")
	}
	if len(d.commands) != 1 || d.commands[0] != (outletCall{3, "on"}) {
		t.Errorf("device saw %v", d.commands)
	}

	rec = f.do(t, "POST", "/api/outlets/zero/command", `{"action":"on"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-integer outlet = %d, want 400", rec.Code)
	}
}

func TestOutletCommandPublishesResponse(t *testing.T) {
	d := newDevice(t, "p1")
	f := newFixture(t, d)

	rec := f.do(t, "POST", "/api/outlets/4/command", `{"action":"reboot"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("command = %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.mqtt.responses) != 1 {
		t.Fatalf("response publishes = %d, want 1", len(f.mqtt.responses))
	}
	if got := f.mqtt.responses[0]; got != (responseRecord{"p1", 4, "reboot", true}) {
		t.Errorf("response = %+v", got)
	}

	// a failed command still answers, with success=false
	d.commandOK = false
	rec = f.do(t, "POST", "/api/outlets/5/command", `{"action":"off"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed command = %d", rec.Code)
	}
	if got := f.mqtt.responses[1]; got != (responseRecord{"p1", 5, "off", false}) {
		t.Errorf("response = %+v", got)
	}

	// rejected input never reaches the broker
	f.do(t, "POST", "/api/outlets/5/command", `{"action":"explode"}`)
	if len(f.mqtt.responses) != 2 {
		t.Errorf("rejected action must not publish a response: %+v", f.mqtt.responses)
	}
}

func TestOutletNameOverrides(t *testing.T) {
	f := newFixture(t, newDevice(t, "p1"))

	rec := f.do(t, "PUT", "/api/outlets/2/name", `{"name":"NAS"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put name = %d", rec.Code)
	}
	rec = f.do(t, "GET", "/api/outlets/2/name", "")
	if body := decode(t, rec); body["name"] != "NAS" {
		t.Errorf("name = %v", body["name"])
	}
	rec = f.do(t, "GET", "/api/outlet-names", "")
	body := decode(t, rec)
	names, _ := body["names"].(map[string]interface{})
	if names["2"] != "NAS" {
		t.Errorf("names = %v", names)
	}

	// empty name clears the override
	rec = f.do(t, "PUT", "/api/outlets/2/name", `{"name":""}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear name = %d", rec.Code)
	}
	rec = f.do(t, "GET", "/api/outlets/2/name", "")
	if body := decode(t, rec); body["name"] != "" {
		t.Errorf("cleared name = %v", body["name"])
	}
}

func TestPollIntervalValidation(t *testing.T) {
	f := newFixture(t, newDevice(t, "p1"))

	rec := f.do(t, "PUT", "/api/config", `{"poll_interval":0.5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("sub-second interval = %d, want 400", rec.Code)
	}
	if f.hooks.interval != 0 {
		t.Error("rejected interval must not reach the hook")
	}

	rec = f.do(t, "PUT", "/api/config", `{"poll_interval":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put config = %d", rec.Code)
	}
	if f.hooks.interval != 5 {
		t.Errorf("hook got %g, want 5", f.hooks.interval)
	}
}

func TestAddPDUConflict(t *testing.T) {
	f := newFixture(t, newDevice(t, "p1"))
	f.hooks.addErr = errAlreadyRegistered{}

	rec := f.do(t, "POST", "/api/pdus", `{"device_id":"p1","host":"10.0.0.9"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate add = %d, want 409", rec.Code)
	}
}

type errAlreadyRegistered struct{}

func (errAlreadyRegistered) Error() string { return `device_id "p1" already registered` }

func TestHistoryRangeValidation(t *testing.T) {
	f := newFixture(t, newDevice(t, "p1"))

	rec := f.do(t, "GET", "/api/history/banks?range=2h", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown range = %d, want 400", rec.Code)
	}

	rec = f.do(t, "GET", "/api/history/banks?range=1h", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("named range = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "GET", "/api/history/banks?start=100&end=50", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("inverted window = %d, want 400", rec.Code)
	}
}

func TestHistoryCSVExport(t *testing.T) {
	f := newFixture(t, newDevice(t, "p1"))
	snap := &pdu.Snapshot{
		Banks: map[int]*pdu.BankData{
			1: {Number: 1, Voltage: pdu.Float(120), Power: pdu.Float(150)},
		},
	}
	if err := f.history.Record(snap, "p1"); err != nil {
		t.Fatal(err)
	}
	f.history.Flush()

	rec := f.do(t, "GET", "/api/history/banks.csv?range=1h", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("csv = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if lines[0] != "ts,bank,voltage,current,power,apparent,pf" {
		t.Errorf("header = %q", lines[0])
	}
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines", len(lines))
	}
	if !strings.Contains(lines[1], ",120,") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestReportsEmptyIs404(t *testing.T) {
	f := newFixture(t, newDevice(t, "p1"))

	rec := f.do(t, "GET", "/api/reports/latest", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("latest with no reports = %d, want 404", rec.Code)
	}
	rec = f.do(t, "GET", "/api/reports/99", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing id = %d, want 404", rec.Code)
	}
	rec = f.do(t, "GET", "/api/reports", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
}

func TestListPDUsReportsStatus(t *testing.T) {
	f := newFixture(t, newDevice(t, "p1"))

	rec := f.do(t, "GET", "/api/pdus", "")
	body := decode(t, rec)
	pdus, _ := body["pdus"].([]interface{})
	if len(pdus) != 1 {
		t.Fatalf("pdus = %v", pdus)
	}
	first := pdus[0].(map[string]interface{})
	if first["status"] != "no_data" {
		t.Errorf("status = %v, want no_data", first["status"])
	}

	f.cache.Update("p1", &pdu.Snapshot{})
	rec = f.do(t, "GET", "/api/pdus", "")
	body = decode(t, rec)
	first = body["pdus"].([]interface{})[0].(map[string]interface{})
	if first["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", first["status"])
	}
}

// Package mqtt owns the broker connection shared by every poller: snapshot
// publishing, Home Assistant discovery, the outlet command subscription and
// the retained-message retry queue.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"pdu-bridge/pkg/config"
	"pdu-bridge/pkg/errors"
	"pdu-bridge/pkg/logger"
	"pdu-bridge/pkg/metrics"
)

// pendingLimit bounds the retained-message retry queue. When full, new
// retained publishes are dropped and counted; queued ones keep their slot.
const pendingLimit = 100

// Commander executes an outlet action for one device. Wired per device by
// the bridge manager; the MQTT router never sees a transport directly.
type Commander func(outlet int, action string) bool

// Command is one routed outlet command awaiting dispatch
type Command struct {
	DeviceID string
	Outlet   int
	Action   string
}

type queuedMsg struct {
	topic   string
	payload string
}

// Handler is the shared MQTT client. Safe for concurrent use; the paho
// network loop runs on its own goroutines and callbacks hand command work
// to the dispatch channel instead of touching transports.
type Handler struct {
	client paho.Client
	cfg    *config.Settings

	mu         sync.Mutex
	commanders map[string]Commander
	devices    []string // registration order; index 0 carries the will
	pending    []queuedMsg
	haSent     map[string]bool
	dropped    int64

	commands chan Command
}

// NewHandler builds the client. firstDeviceID seeds the client id and the
// Last-Will topic; it must be the first registered device.
func NewHandler(cfg *config.Settings, firstDeviceID string) *Handler {
	h := &Handler{
		cfg:        cfg,
		commanders: make(map[string]Commander),
		haSent:     make(map[string]bool),
		commands:   make(chan Command, 32),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID("pdu-bridge-" + firstDeviceID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(1 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWill(StatusTopic(firstDeviceID), "offline", 1, true)

	opts.SetOnConnectHandler(func(client paho.Client) {
		logger.LogInfo("✅ Connected to MQTT broker %s:%d", cfg.MQTTBroker, cfg.MQTTPort)
		metrics.MQTTConnected.Set(1)
		h.onConnect(client)
	})
	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		logger.LogWarn("⚠️ MQTT connection lost: %v", err)
		metrics.MQTTConnected.Set(0)
	})

	h.client = paho.NewClient(opts)
	return h
}

// Connect dials the broker with infinite retry until ctx is cancelled
func (h *Handler) Connect(ctx context.Context) error {
	attempt := 1
	for {
		logger.LogDebug("🔄 Connecting to MQTT broker (attempt %d)...", attempt)
		if token := h.client.Connect(); token.Wait() && token.Error() != nil {
			logger.LogError("❌ MQTT connection failed (attempt %d): %v", attempt, token.Error())
			select {
			case <-ctx.Done():
				return fmt.Errorf("MQTT connection cancelled: %w", ctx.Err())
			case <-time.After(5 * time.Second):
				attempt++
				continue
			}
		}
		logger.LogInfo("MQTT connected after %d attempt(s)", attempt)
		return nil
	}
}

// IsConnected reports broker connectivity for /api/health
func (h *Handler) IsConnected() bool {
	return h.client.IsConnectionOpen()
}

// RegisterCommander wires a device's command callback into the router
func (h *Handler) RegisterCommander(deviceID string, c Commander) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.commanders[deviceID]; !exists {
		h.devices = append(h.devices, deviceID)
	}
	h.commanders[deviceID] = c
}

// UnregisterDevice forgets a device's commander and discovery state
func (h *Handler) UnregisterDevice(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.commanders, deviceID)
	delete(h.haSent, deviceID)
	for i, d := range h.devices {
		if d == deviceID {
			h.devices = append(h.devices[:i], h.devices[i+1:]...)
			break
		}
	}
}

// onConnect publishes online status for every device, resubscribes the
// command wildcard, and drains the retained retry queue in FIFO order.
func (h *Handler) onConnect(client paho.Client) {
	h.mu.Lock()
	devices := make([]string, len(h.devices))
	copy(devices, h.devices)
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, d := range devices {
		if token := client.Publish(StatusTopic(d), 1, true, "online"); token.Wait() && token.Error() != nil {
			logger.LogWarn("Publishing online status for %s: %v", d, token.Error())
		}
	}

	if token := client.Subscribe("pdu/+/outlet/+/command", 1, h.onCommand); token.Wait() && token.Error() != nil {
		logger.LogError("❌ Command subscription failed: %v", token.Error())
	} else {
		logger.LogInfo("Subscribed to outlet command topics")
	}

	for _, m := range pending {
		if token := client.Publish(m.topic, 1, true, m.payload); token.Wait() && token.Error() != nil {
			logger.LogWarn("Replaying queued publish to %s: %v", m.topic, token.Error())
			h.queueRetained(m.topic, m.payload)
		}
	}
	if len(pending) > 0 {
		logger.LogInfo("Replayed %d queued retained message(s)", len(pending))
	}
}

// onCommand routes pdu/<D>/outlet/<N>/command. Unknown devices and
// non-integer outlets are logged and dropped. Runs on the paho network
// goroutine, so the work is handed to the dispatch channel.
func (h *Handler) onCommand(client paho.Client, msg paho.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 5 {
		return
	}
	deviceID := parts[1]
	outlet, err := strconv.Atoi(parts[3])
	if err != nil {
		logger.LogWarn("Ignoring command with non-integer outlet: %s", msg.Topic())
		return
	}
	action := strings.ToLower(strings.TrimSpace(string(msg.Payload())))

	h.mu.Lock()
	_, known := h.commanders[deviceID]
	h.mu.Unlock()
	if !known {
		logger.LogWarn("Ignoring command for unknown device %q", deviceID)
		return
	}

	select {
	case h.commands <- Command{DeviceID: deviceID, Outlet: outlet, Action: action}:
	default:
		logger.LogWarn("Command channel full, dropping %s outlet %d %s", deviceID, outlet, action)
	}
}

// Run drains the command channel until ctx is cancelled, invoking the
// matching commander and publishing a response per command.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.mu.Lock()
			commander := h.commanders[cmd.DeviceID]
			h.mu.Unlock()
			if commander == nil {
				continue // unregistered between routing and dispatch
			}
			ok := commander(cmd.Outlet, cmd.Action)
			result := metrics.ResultOK
			if !ok {
				result = metrics.ResultError
			}
			metrics.CommandsTotal.WithLabelValues(cmd.DeviceID, cmd.Action, result).Inc()
			h.PublishCommandResponse(cmd.DeviceID, cmd.Outlet, cmd.Action, ok)
		}
	}
}

// PublishCommandResponse reports an outlet command outcome on the device's
// response topic. Both command paths (MQTT and REST) answer here so
// subscribers see one consistent stream.
func (h *Handler) PublishCommandResponse(deviceID string, outlet int, action string, success bool) {
	payload, _ := json.Marshal(map[string]interface{}{
		"outlet":  outlet,
		"action":  action,
		"success": success,
		"ts":      time.Now().Unix(),
	})
	topic := fmt.Sprintf("pdu/%s/outlet/%d/command/response", deviceID, outlet)
	if token := h.client.Publish(topic, 1, false, string(payload)); token.Wait() && token.Error() != nil {
		logger.LogWarn("Publishing command response: %v", token.Error())
	}
}

// publish sends one message; failed retained publishes go to the retry
// queue, failed non-retained ones are dropped and counted.
func (h *Handler) publish(topic, payload string, qos byte, retained bool) {
	token := h.client.Publish(topic, qos, retained, payload)
	if token.Wait() && token.Error() == nil {
		metrics.MQTTPublishes.WithLabelValues(metrics.ResultOK).Inc()
		return
	}
	err := errors.NewPublishError("publish", token.Error(), topic, retained)
	if retained {
		h.queueRetained(topic, payload)
	} else {
		h.mu.Lock()
		h.dropped++
		n := h.dropped
		h.mu.Unlock()
		metrics.MQTTPublishes.WithLabelValues(metrics.ResultDropped).Inc()
		if n <= 3 || n%30 == 0 {
			logger.LogWarn("Dropped non-retained publish #%d: %v", n, err)
		}
	}
}

func (h *Handler) queueRetained(topic, payload string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) >= pendingLimit {
		h.dropped++
		metrics.MQTTPublishes.WithLabelValues(metrics.ResultDropped).Inc()
		if h.dropped <= 3 || h.dropped%30 == 0 {
			logger.LogWarn("Retained queue full (%d), dropping publish to %s", pendingLimit, topic)
		}
		return
	}
	h.pending = append(h.pending, queuedMsg{topic: topic, payload: payload})
	metrics.MQTTPublishes.WithLabelValues(metrics.ResultQueued).Inc()
}

// PendingCount reports the retry-queue depth (tests, health)
func (h *Handler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Close publishes offline for every device, then disconnects
func (h *Handler) Close() {
	h.mu.Lock()
	devices := make([]string, len(h.devices))
	copy(devices, h.devices)
	h.mu.Unlock()

	for _, d := range devices {
		if token := h.client.Publish(StatusTopic(d), 1, true, "offline"); token.Wait() && token.Error() != nil {
			logger.LogWarn("Publishing offline status for %s: %v", d, token.Error())
		}
	}
	h.client.Disconnect(250)
	logger.LogInfo("MQTT disconnected")
}

// StatusTopic is the bridge online/offline topic for a device
func StatusTopic(deviceID string) string {
	return fmt.Sprintf("pdu/%s/bridge/status", deviceID)
}

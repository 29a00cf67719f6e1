package decora

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// defaultCommandTimeout bounds one command's write and confirmation
	// read, including a reconnect-free margin over the GATT timeouts.
	defaultCommandTimeout = 20 * time.Second

	// defaultPairRequestTimeout bounds a pairing request end to end: the
	// connect plus the 30 s the device allows for the pairing read.
	defaultPairRequestTimeout = 45 * time.Second

	// discoveryTTL drops unpaired devices from the discovery list after
	// this long without an advertisement.
	discoveryTTL = 5 * time.Minute
)

// Bridge orchestrates bidirectional translation between Decora BLE devices
// and MQTT. It handles:
//   - Receiving commands from MQTT and driving device sessions
//   - Publishing device state, availability, and discovery to MQTT
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg       *Config
	mqtt      MQTTClient
	registry  *SessionRegistry
	scanner   *Scanner          // Optional; nil disables presence and discovery
	store     DeviceStore       // Optional paired-device persistence
	telemetry TelemetryRecorder // Optional time-series recording
	health    *HealthReporter
	version   string

	// Unpaired vendor devices heard advertising, for discovery publishes.
	discoveredMu sync.Mutex
	discovered   map[string]DiscoveredDevice
	discoveredAt map[string]time.Time

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	commandsProcessed atomic.Uint64
	statusEvents      atomic.Uint64
	errorsTotal       atomic.Uint64

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// Disconnect closes the connection gracefully.
	Disconnect(quiesce uint)
}

// DeviceStore persists paired devices and their last known state.
// This interface is satisfied by *device.Repository (via adapter in main).
// It is optional - if nil, the bridge runs from configuration alone.
type DeviceStore interface {
	// ListDevices returns all stored devices.
	ListDevices(ctx context.Context) ([]StoredDevice, error)

	// SaveDevice inserts or updates a device record keyed by address.
	SaveDevice(ctx context.Context, dev StoredDevice) error

	// DeleteDevice removes a device record.
	DeleteDevice(ctx context.Context, address string) error

	// SetDeviceState persists the last confirmed light state.
	SetDeviceState(ctx context.Context, address string, state LightState) error

	// SetDeviceAvailability persists the availability flag.
	SetDeviceAvailability(ctx context.Context, address string, available bool) error
}

// StoredDevice is the persisted record for a paired device.
type StoredDevice struct {
	Address  string
	Name     string
	APIKey   string // hex, empty when not yet paired
	Dimmable bool
	Model    string
}

// TelemetryRecorder records device telemetry to a time-series store.
// This is optional - if nil, the bridge operates without recording.
type TelemetryRecorder interface {
	// RecordLightState records a confirmed light state.
	RecordLightState(address string, state LightState)

	// RecordLinkEvent records a connectivity event ("online", "offline",
	// "lost").
	RecordLinkEvent(address string, event string)

	// RecordRSSI records advertisement signal strength.
	RecordRSSI(address string, rssi int16)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the loaded bridge configuration.
	Config *Config

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Registry owns the device sessions.
	Registry *SessionRegistry

	// Scanner is the optional advertisement watcher. If nil, the bridge
	// runs without presence tracking or discovery.
	Scanner *Scanner

	// Store is optional paired-device persistence.
	Store DeviceStore

	// Telemetry is optional time-series recording.
	Telemetry TelemetryRecorder

	// Logger is optional structured logger.
	Logger Logger

	// Version is the bridge software version for health messages.
	Version string
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	// Bridge-level context so in-flight commands abort on shutdown
	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:          opts.Config,
		mqtt:         opts.MQTTClient,
		registry:     opts.Registry,
		scanner:      opts.Scanner,   // May be nil (optional)
		store:        opts.Store,     // May be nil (optional)
		telemetry:    opts.Telemetry, // May be nil (optional)
		version:      version,
		discovered:   make(map[string]DiscoveredDevice),
		discoveredAt: make(map[string]time.Time),
		done:         make(chan struct{}),
		ctx:          ctx,
		ctxCancel:    ctxCancel,
		logger:       opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.Config.Bridge.ID,
		Version:   version,
		Interval:  opts.Config.GetHealthInterval(),
		Publisher: opts.MQTTClient,
		Snapshot:  b.snapshot,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start begins bridge operation.
// This loads paired devices, wires the scanner, subscribes to MQTT topics,
// and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.registry.SetOnStateChanged(b.handleStateChanged)
	b.registry.SetOnAvailabilityChanged(b.handleAvailabilityChanged)

	b.loadDevices(ctx)

	if b.scanner != nil {
		b.scanner.SetOnSeen(b.handleDeviceSeen)
		b.scanner.SetOnLost(b.handleDeviceLost)
		b.scanner.SetOnDiscovered(b.handleDiscovered)
		if err := b.scanner.Start(); err != nil {
			return fmt.Errorf("start scanner: %w", err)
		}
	}

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := RequestSubscribeTopic()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish healthy status", err)
	}

	b.logInfo("bridge started",
		"bridge_id", b.cfg.Bridge.ID,
		"devices", b.registry.Count(),
		"scanning", b.scanner != nil)

	return nil
}

// Stop gracefully shuts down the bridge.
// Sessions land in Disconnected and publish their offline availability
// before the health reporter announces "stopping".
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)

		// Abort in-flight commands
		b.ctxCancel()

		if b.scanner != nil {
			b.scanner.Stop()
		}
		b.registry.StopAll()
		b.health.Stop()

		b.wg.Wait()
		b.logInfo("bridge stopped")
	})
}

// LWTTopic returns the Last Will topic for the MQTT connection.
func (b *Bridge) LWTTopic() string {
	return b.health.GetLWTTopic()
}

// LWTPayload returns the Last Will payload for the MQTT connection.
func (b *Bridge) LWTPayload() ([]byte, error) {
	return b.health.GetLWTPayload()
}

// loadDevices builds sessions for every known device: records from the
// store first, then configured devices not yet stored. Stored keys win
// over configured keys so a re-pair survives a stale config file.
func (b *Bridge) loadDevices(ctx context.Context) {
	type seed struct {
		name     string
		key      ApiKey
		dimmable bool
	}
	seeds := make(map[string]seed)

	for _, dc := range b.cfg.Devices {
		key, err := ParseAPIKey(dc.APIKey)
		if err != nil {
			b.logError("skipping configured device with bad key",
				fmt.Errorf("device %s: %w", dc.Address, err))
			continue
		}
		addr := NormalizeAddress(dc.Address)
		seeds[addr] = seed{name: dc.Name, key: key, dimmable: !dc.Switch}
	}

	if b.store != nil {
		stored, err := b.store.ListDevices(ctx)
		if err != nil {
			b.logError("failed to load devices from store", err)
		}
		for _, dev := range stored {
			addr := NormalizeAddress(dev.Address)
			key, err := ParseAPIKey(dev.APIKey)
			if err != nil {
				b.logError("stored device has bad key",
					fmt.Errorf("device %s: %w", addr, err))
				continue
			}
			s := seeds[addr]
			if dev.Name != "" {
				s.name = dev.Name
			}
			if !key.IsZero() {
				s.key = key
			}
			s.dimmable = dev.Dimmable
			seeds[addr] = s
		}
	}

	loaded := 0
	for addr, s := range seeds {
		identity, err := ParseDeviceIdentity(addr)
		if err != nil {
			b.logError("skipping device with invalid address",
				fmt.Errorf("%s: %w", addr, err))
			continue
		}

		dimmable := s.dimmable
		if _, err := b.registry.Upsert(SessionOptions{
			Identity: identity,
			Key:      s.key,
			Dimmable: &dimmable,
		}); err != nil {
			b.logError("failed to create session",
				fmt.Errorf("device %s: %w", addr, err))
			continue
		}
		if b.scanner != nil {
			b.scanner.Track(addr)
		}
		loaded++

		// Seed the store so devices declared only in config show up in
		// the persisted inventory.
		if b.store != nil {
			if err := b.store.SaveDevice(ctx, StoredDevice{
				Address:  addr,
				Name:     s.name,
				APIKey:   s.key.Hex(),
				Dimmable: s.dimmable,
			}); err != nil {
				b.logDebug("device store seed skipped", "device", addr, "reason", err.Error())
			}
		}
	}

	if loaded > 0 {
		b.logInfo("loaded devices", "count", loaded)
	}
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	messageType := parts[1] // command, request

	switch messageType {
	case "command":
		b.handleCommand(parts[2], payload)
	case "request":
		b.handleRequest(payload)
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", messageType))
	}
}

// handleCommand processes a command message addressed to one device.
// Execution happens off the MQTT callback goroutine because a BLE
// round-trip can take seconds.
func (b *Bridge) handleCommand(address string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.errorsTotal.Add(1)
		b.logError("failed to parse command", err)
		return
	}

	addr := NormalizeAddress(address)
	b.logInfo("received command",
		"command_id", cmd.ID,
		"device", addr,
		"command", cmd.Command)

	session, ok := b.registry.Get(addr)
	if !ok {
		b.publishAckError(cmd, addr, ErrCodeUnknownDevice,
			fmt.Sprintf("device %s is not paired", addr))
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.executeCommand(addr, session, cmd)
	}()
}

// executeCommand drives one session and acknowledges the outcome. The ack
// for an accepted command carries the device-confirmed state.
func (b *Bridge) executeCommand(address string, session *Session, cmd CommandMessage) {
	b.commandsProcessed.Add(1)

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.GetCommandTimeout())
	defer cancel()

	var err error
	switch cmd.Command {
	case "on":
		err = session.SetPower(ctx, true)
	case "off":
		err = session.SetPower(ctx, false)
	case "dim":
		err = b.executeDim(ctx, session, cmd)
	default:
		b.publishAckError(cmd, address, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", cmd.Command))
		return
	}

	if err != nil {
		b.publishAckError(cmd, address, ackCodeFor(err), err.Error())
		return
	}

	ack := NewAckMessage(cmd, AckAccepted, address)
	state := session.Light()
	ack.State = &state
	b.publishAck(ack)
}

// executeDim validates dim parameters and runs the brightness command.
func (b *Bridge) executeDim(ctx context.Context, session *Session, cmd CommandMessage) error {
	levelAny, ok := cmd.Parameters["level"]
	if !ok {
		return fmt.Errorf("%w: missing 'level' parameter", errInvalidParameters)
	}
	level, ok := levelAny.(float64)
	if !ok {
		return fmt.Errorf("%w: 'level' must be a number", errInvalidParameters)
	}
	if level < 0 || level > maxLevel {
		return fmt.Errorf("%w: 'level' must be 0-100, got %.2f", errInvalidParameters, level)
	}

	var fade time.Duration
	if tsAny, ok := cmd.Parameters["transition_seconds"]; ok {
		ts, ok := tsAny.(float64)
		if !ok || ts < 0 {
			return fmt.Errorf("%w: 'transition_seconds' must be a non-negative number", errInvalidParameters)
		}
		fade = time.Duration(ts * float64(time.Second))
	}

	return session.SetBrightnessWithTransition(ctx, int(level), fade)
}

// errInvalidParameters marks command parameter errors for ack code mapping.
var errInvalidParameters = errors.New("invalid parameters")

// ackCodeFor maps an error to the ack error code surfaced over MQTT.
func ackCodeFor(err error) string {
	switch {
	case errors.Is(err, errInvalidParameters):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrSessionStopped):
		return ErrCodeNotReady
	case errors.Is(err, ErrBadKey), errors.Is(err, ErrAuthTimeout):
		return ErrCodeAuthFailed
	case errors.Is(err, ErrNotInPairingMode), errors.Is(err, ErrPairingTimeout):
		return ErrCodeNotInPairingMode
	case errors.Is(err, ErrIoTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, ErrDeviceUnreachable), errors.Is(err, ErrConnectTimeout),
		errors.Is(err, ErrConnectedElsewhere), errors.Is(err, ErrLinkDropped),
		errors.Is(err, ErrNotConnected):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrInvalidKey):
		return ErrCodeInvalidParameters
	default:
		return ErrCodeBridgeError
	}
}

// publishAck publishes a command acknowledgment.
func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}

	topic := AckTopic(ack.Address)
	if err := b.mqtt.Publish(topic, payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// publishAckError publishes a failed command acknowledgment.
func (b *Bridge) publishAckError(cmd CommandMessage, address, code, message string) {
	b.errorsTotal.Add(1)
	b.publishAck(NewAckError(cmd, address, code, message))

	b.logError("command failed",
		fmt.Errorf("device=%s code=%s message=%s", address, code, message))
}

// handleRequest processes a request message.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.errorsTotal.Add(1)
		b.logError("failed to parse request", err)
		return
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action,
		"device", req.Address)

	// Requests run off the callback goroutine: pairing holds a BLE
	// connection for tens of seconds.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		var resp ResponseMessage
		switch req.Action {
		case "read_state":
			resp = b.handleReadState(req)
		case "pair":
			resp = b.handlePair(req)
		case "forget":
			resp = b.handleForget(req)
		default:
			resp = requestError(req, ErrCodeInvalidCommand,
				fmt.Sprintf("unknown action: %s", req.Action))
		}

		respPayload, err := json.Marshal(resp)
		if err != nil {
			b.logError("failed to marshal response", err)
			return
		}
		respTopic := ResponseTopic(req.RequestID)
		if err := b.mqtt.Publish(respTopic, respPayload, 1, false); err != nil {
			b.logError("failed to publish response", err)
		}
	}()
}

// handleReadState reads a device's state directly and returns it.
func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	if req.Address == "" {
		return requestError(req, ErrCodeInvalidParameters, "address is required")
	}
	addr := NormalizeAddress(req.Address)

	session, ok := b.registry.Get(addr)
	if !ok {
		return requestError(req, ErrCodeUnknownDevice,
			fmt.Sprintf("device %s is not paired", addr))
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.GetCommandTimeout())
	defer cancel()

	state, err := session.ReadState(ctx)
	if err != nil {
		return requestError(req, ackCodeFor(err), err.Error())
	}

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"address": addr,
			"state":   state,
		},
	}
}

// handlePair retrieves the API key from a device in hardware pairing mode
// and persists it.
func (b *Bridge) handlePair(req RequestMessage) ResponseMessage {
	if req.Address == "" {
		return requestError(req, ErrCodeInvalidParameters, "address is required")
	}

	identity, err := ParseDeviceIdentity(req.Address)
	if err != nil {
		return requestError(req, ErrCodeInvalidParameters, err.Error())
	}
	addr := identity.Address

	session, ok := b.registry.Get(addr)
	if !ok {
		// New device: a keyless session stays Disconnected, which is
		// exactly the state pairing needs.
		session, err = b.registry.Upsert(SessionOptions{Identity: identity})
		if err != nil {
			return requestError(req, ErrCodeBridgeError, err.Error())
		}
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.GetPairRequestTimeout())
	defer cancel()

	key, err := session.RetrieveAPIKey(ctx)
	if err != nil {
		return requestError(req, ackCodeFor(err), err.Error())
	}

	name, _ := req.Parameters["name"].(string)
	if b.store != nil {
		if err := b.store.SaveDevice(b.ctx, StoredDevice{
			Address:  addr,
			Name:     name,
			APIKey:   key.Hex(),
			Dimmable: true,
		}); err != nil {
			b.logError("failed to persist paired device", err)
		}
	}

	if b.scanner != nil {
		b.scanner.Track(addr)
	}
	b.forgetDiscovery(addr)

	// The session already holds the key; connect now.
	session.Retry()

	b.logInfo("device paired", "device", addr)
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"address": addr,
			"api_key": key.Hex(),
		},
	}
}

// handleForget removes a device: session, store record, and retained
// topics.
func (b *Bridge) handleForget(req RequestMessage) ResponseMessage {
	if req.Address == "" {
		return requestError(req, ErrCodeInvalidParameters, "address is required")
	}
	addr := NormalizeAddress(req.Address)

	b.registry.Remove(addr)
	if b.scanner != nil {
		b.scanner.Untrack(addr)
	}
	if b.store != nil {
		if err := b.store.DeleteDevice(b.ctx, addr); err != nil {
			b.logError("failed to delete stored device", err)
		}
	}

	// Clear retained state and availability so consumers drop the device.
	if err := b.mqtt.Publish(StateTopic(addr), nil, 1, true); err != nil {
		b.logError("failed to clear retained state", err)
	}
	if err := b.mqtt.Publish(AvailabilityTopic(addr), []byte(PayloadOffline), 1, true); err != nil {
		b.logError("failed to publish offline availability", err)
	}

	b.logInfo("device forgotten", "device", addr)
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      map[string]any{"address": addr},
	}
}

func requestError(req RequestMessage, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error: &ResponseError{
			Code:    code,
			Message: message,
		},
	}
}

// handleStateChanged publishes a session's state event and persists it.
func (b *Bridge) handleStateChanged(id DeviceIdentity, state LightState) {
	b.statusEvents.Add(1)

	msg := NewStateMessage(id.Address, state)
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}
	if err := b.mqtt.Publish(StateTopic(id.Address), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
	}

	// Provisional states are UI feedback only; persist confirmed values.
	if !state.Provisional {
		if b.store != nil {
			if err := b.store.SetDeviceState(b.ctx, id.Address, state); err != nil {
				b.logDebug("store state update skipped",
					"device", id.Address, "reason", err.Error())
			}
		}
		if b.telemetry != nil {
			b.telemetry.RecordLightState(id.Address, state)
		}
	}
}

// handleAvailabilityChanged publishes a session's availability edge.
func (b *Bridge) handleAvailabilityChanged(id DeviceIdentity, available bool) {
	payload := PayloadOffline
	event := "offline"
	if available {
		payload = PayloadOnline
		event = "online"
	}

	if err := b.mqtt.Publish(AvailabilityTopic(id.Address), []byte(payload), 1, true); err != nil {
		b.logError("failed to publish availability", err)
	}

	if b.store != nil {
		if err := b.store.SetDeviceAvailability(b.ctx, id.Address, available); err != nil {
			b.logDebug("store availability update skipped",
				"device", id.Address, "reason", err.Error())
		}
	}
	if b.telemetry != nil {
		b.telemetry.RecordLinkEvent(id.Address, event)
	}

	b.logInfo("device availability changed", "device", id.Address, "available", available)
}

// handleDeviceSeen routes an advertisement to the device's session.
func (b *Bridge) handleDeviceSeen(address string, rssi int16) {
	b.registry.DeviceSeen(address, rssi)
	if b.telemetry != nil {
		b.telemetry.RecordRSSI(address, rssi)
	}
}

// handleDeviceLost routes an absence signal to the device's session.
func (b *Bridge) handleDeviceLost(address string) {
	b.registry.DeviceLost(address)
	if b.telemetry != nil {
		b.telemetry.RecordLinkEvent(address, "lost")
	}
}

// handleDiscovered folds an unpaired vendor device into the discovery list
// and publishes the current list.
func (b *Bridge) handleDiscovered(adv Advertisement) {
	addr := NormalizeAddress(adv.Address)
	now := time.Now()

	b.discoveredMu.Lock()
	b.discovered[addr] = DiscoveredDevice{
		Address: addr,
		Name:    adv.LocalName,
		RSSI:    adv.RSSI,
	}
	b.discoveredAt[addr] = now

	// Prune devices that stopped advertising.
	cutoff := now.Add(-discoveryTTL)
	for a, seen := range b.discoveredAt {
		if seen.Before(cutoff) {
			delete(b.discovered, a)
			delete(b.discoveredAt, a)
		}
	}

	devices := make([]DiscoveredDevice, 0, len(b.discovered))
	for _, d := range b.discovered {
		devices = append(devices, d)
	}
	b.discoveredMu.Unlock()

	msg := DiscoveryMessage{
		Timestamp: now.UTC(),
		Bridge:    b.cfg.Bridge.ID,
		Devices:   devices,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal discovery", err)
		return
	}
	if err := b.mqtt.Publish(DiscoveryTopic(), payload, 1, false); err != nil {
		b.logError("failed to publish discovery", err)
	}
}

// forgetDiscovery drops an address from the discovery list after pairing.
func (b *Bridge) forgetDiscovery(address string) {
	b.discoveredMu.Lock()
	delete(b.discovered, address)
	delete(b.discoveredAt, address)
	b.discoveredMu.Unlock()
}

// snapshot assembles the health reporter's view of the bridge.
func (b *Bridge) snapshot() HealthSnapshot {
	ready := 0
	sessions := b.registry.List()
	for _, s := range sessions {
		if s.State() == StateReady {
			ready++
		}
	}

	var advertisements uint64
	if b.scanner != nil {
		advertisements = b.scanner.Advertisements()
	}

	return HealthSnapshot{
		DevicesManaged:    len(sessions),
		DevicesReady:      ready,
		CommandsProcessed: b.commandsProcessed.Load(),
		StatusEvents:      b.statusEvents.Load(),
		Advertisements:    advertisements,
		Errors:            b.errorsTotal.Load(),
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

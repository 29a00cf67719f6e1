package decora

import (
	"encoding/json"
	"fmt"
	"time"
)

// MQTT message types for the Decora bridge. Device-scoped topics carry the
// device's Bluetooth address as the last level; addresses are normalized
// to uppercase colon form and contain no MQTT-reserved characters.

// CommandMessage is received on decora/command/{address} to drive a device.
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acks.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the caller's identifier for the device, echoed in the
	// ack. Optional; the topic address is authoritative.
	DeviceID string `json:"device_id,omitempty"`

	// Command is the command name: "on", "off", or "dim".
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"level": 50} for dim
	//   {"level": 50, "transition_seconds": 2} for a fade
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the device confirmed the command.
	AckAccepted AckStatus = "accepted"

	// AckQueued indicates the command was received but is waiting on the
	// device.
	AckQueued AckStatus = "queued"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the device did not respond within the timeout.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is published on decora/ack/{address} to acknowledge a command.
type AckMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	// Timestamp is when the acknowledgment was sent (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID echoes the command's device identifier, if any.
	DeviceID string `json:"device_id,omitempty"`

	// Status indicates the acknowledgment status.
	Status AckStatus `json:"status"`

	// Address is the device's Bluetooth address.
	Address string `json:"address"`

	// State carries the confirmed device state for accepted commands.
	State *LightState `json:"state,omitempty"`

	// Error contains details if status is "failed" or "timeout".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g., "DEVICE_UNREACHABLE", "NOT_READY").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeNotReady          = "NOT_READY"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeAuthFailed        = "AUTH_FAILED"
	ErrCodeNotInPairingMode  = "NOT_IN_PAIRING_MODE"
	ErrCodeUnknownDevice     = "UNKNOWN_DEVICE"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is published on decora/state/{address} when device state
// changes.
// QoS: 1, Retained: Yes
type StateMessage struct {
	// Address is the device's Bluetooth address.
	Address string `json:"address"`

	// Timestamp is when the state was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// State is the current light state.
	State LightState `json:"state"`
}

// Availability payloads for decora/availability/{address}.
// QoS: 1, Retained: Yes
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is running but some devices
	// are unavailable or the adapter is struggling.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the bridge is not operating correctly.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published on decora/health/decora.
// QoS: 1, Retained: Yes
// Interval: every 30 seconds
type HealthMessage struct {
	// Bridge is the configured bridge instance identifier.
	Bridge string `json:"bridge"`

	// Timestamp is when the health status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status indicates the current operational status.
	Status HealthStatus `json:"status"`

	// Version is the bridge software version.
	Version string `json:"version,omitempty"`

	// UptimeSeconds is how long the bridge has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// DevicesManaged is the number of devices with sessions.
	DevicesManaged int `json:"devices_managed"`

	// DevicesReady is the number of sessions currently Ready.
	DevicesReady int `json:"devices_ready"`

	// Statistics contains operational metrics.
	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// BridgeStatistics contains aggregate operational metrics.
type BridgeStatistics struct {
	// CommandsProcessed is the total number of MQTT commands handled.
	CommandsProcessed uint64 `json:"commands_processed"`

	// StatusEvents is the total number of device state events published.
	StatusEvents uint64 `json:"status_events"`

	// Advertisements is the total number of BLE advertisements seen.
	Advertisements uint64 `json:"advertisements"`

	// Errors is the total number of errors encountered.
	Errors uint64 `json:"errors"`
}

// RequestMessage is received on decora/request/{request_id} for
// request/response operations.
type RequestMessage struct {
	// RequestID uniquely identifies this request for correlation.
	RequestID string `json:"request_id"`

	// Timestamp is when the request was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Action is the requested operation.
	// Values: "read_state", "pair", "forget"
	Action string `json:"action"`

	// Address is the target device's Bluetooth address.
	Address string `json:"address,omitempty"`

	// Parameters contains action-specific values.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage is published on decora/response/{request_id}.
type ResponseMessage struct {
	// RequestID is the ID from the original request.
	RequestID string `json:"request_id"`

	// Timestamp is when the response was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Success indicates whether the request succeeded.
	Success bool `json:"success"`

	// Data contains the response payload (if successful).
	Data map[string]any `json:"data,omitempty"`

	// Error contains error details (if failed).
	Error *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	// Code is the error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// DiscoveryMessage is published on decora/discovery/decora when unpaired
// vendor devices are heard advertising.
type DiscoveryMessage struct {
	// Timestamp is when discovery was performed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Bridge is the bridge identifier.
	Bridge string `json:"bridge"`

	// Devices contains the discovered devices.
	Devices []DiscoveredDevice `json:"devices"`
}

// DiscoveredDevice represents an advertising device not yet paired.
type DiscoveredDevice struct {
	// Address is the device's Bluetooth address.
	Address string `json:"address"`

	// Name is the advertised local name, if any.
	Name string `json:"name,omitempty"`

	// RSSI is the signal strength of the last advertisement.
	RSSI int16 `json:"rssi"`
}

// JSON marshalling helpers

// MarshalJSON marshals a CommandMessage to JSON.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON unmarshals a CommandMessage from JSON.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage creates an acknowledgment for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, address string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Address:   address,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, address, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Address:   address,
		Error: &AckError{
			Code:    code,
			Message: message,
		},
	}
}

// NewStateMessage creates a state message for a device.
func NewStateMessage(address string, state LightState) StateMessage {
	return StateMessage{
		Address:   address,
		Timestamp: time.Now().UTC(),
		State:     state,
	}
}

// NewLWTMessage creates the Last Will and Testament message, published by
// the broker if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

const (
	// TopicPrefix is the base topic for all bridge messages.
	TopicPrefix = "decora"

	// BridgeID identifies this bridge in health and discovery topics.
	BridgeID = "decora"
)

// CommandTopic returns the MQTT topic for commands to a device.
// Example: decora/command/C4:0D:96:11:22:33
func CommandTopic(address string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, address)
}

// AckTopic returns the MQTT topic for command acknowledgments.
func AckTopic(address string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, address)
}

// StateTopic returns the MQTT topic for state updates.
func StateTopic(address string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, address)
}

// AvailabilityTopic returns the MQTT topic for per-device availability.
func AvailabilityTopic(address string) string {
	return fmt.Sprintf("%s/availability/%s", TopicPrefix, address)
}

// HealthTopic returns the MQTT topic for bridge health.
// Example: decora/health/decora
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, BridgeID)
}

// RequestTopic returns the MQTT topic for a request.
// Example: decora/request/req-123
func RequestTopic(requestID string) string {
	return fmt.Sprintf("%s/request/%s", TopicPrefix, requestID)
}

// ResponseTopic returns the MQTT topic for a response.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s", TopicPrefix, requestID)
}

// DiscoveryTopic returns the MQTT topic for device discovery.
func DiscoveryTopic() string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefix, BridgeID)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/+", TopicPrefix)
}

// RequestSubscribeTopic returns the subscription pattern for all requests.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/+", TopicPrefix)
}

// Package decora implements the Leviton Decora BLE protocol bridge.
//
// This package provides connectivity to Decora Bluetooth Smart dimmers and
// switches (DDL06, DDS15, and kin). It speaks the devices' vendor GATT
// protocol directly and translates between device state and MQTT.
//
// # Architecture
//
// The bridge operates as a translator between MQTT and a set of BLE links:
//
//	┌─────────────────┐          ┌─────────────────┐
//	│  Home Assistant │   MQTT   │  Decora Bridge  │   BLE
//	│   / consumers   │◄────────►│   (this pkg)    │◄────────► dimmers
//	└─────────────────┘          └─────────────────┘
//
// Each paired device gets a Session that owns its connection lifecycle:
// connect, unlock with the stored API key, subscribe to status
// notifications, and reconnect with jittered backoff when the link drops.
// The Scanner watches advertisements to short-circuit reconnect delays and
// to surface unpaired devices for pairing.
//
// # Key Responsibilities
//
//   - Maintain one authenticated GATT connection per paired device
//   - Run the API key challenge/response unlock after every connect
//   - Retrieve API keys from devices in hardware pairing mode
//   - Translate MQTT commands to COMMAND frames and confirm via STATUS
//   - Publish state, availability, discovery, and health to MQTT
//
// # Wire Protocol
//
// Devices expose a vendor service with two characteristics: a state
// characteristic carrying 2-byte STATUS and 3-byte COMMAND frames, and an
// event characteristic carrying the key handshake. Values are raw bytes,
// no framing beyond the GATT value itself:
//
//	STATUS   [power, level]        device → host
//	COMMAND  [power, level, fade]  host → device
//
// See DecodeFrame and Frame.Encode for the event frame layouts.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
// Per-device GATT operations are serialized by the owning Session.
//
// # References
//
//   - Bluetooth Core Specification: https://www.bluetooth.com/specifications
//   - tinygo bluetooth: https://github.com/tinygo-org/bluetooth
package decora

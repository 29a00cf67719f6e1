package decora

import "errors"

// Domain errors for the Decora bridge package.
var (
	// ErrMalformedFrame is returned when a received GATT payload cannot be
	// decoded: too short, or an unknown leading discriminator byte.
	ErrMalformedFrame = errors.New("decora: malformed frame")

	// ErrDeviceUnreachable is returned when a connection attempt fails
	// because the device did not answer or the adapter refused the link.
	ErrDeviceUnreachable = errors.New("decora: device unreachable")

	// ErrConnectTimeout is returned when a connection attempt exceeds the
	// configured connect budget.
	ErrConnectTimeout = errors.New("decora: connect timed out")

	// ErrConnectedElsewhere is returned when the device already holds a
	// link to another controller. Decora devices accept one central at a
	// time; the connection is refused until that link drops.
	ErrConnectedElsewhere = errors.New("decora: device connected to another controller")

	// ErrBadKey is returned when the device rejects the unlock handshake.
	// The stored API key is wrong; retrying with the same key cannot
	// succeed.
	ErrBadKey = errors.New("decora: api key rejected")

	// ErrAuthTimeout is returned when the device stops responding mid
	// unlock handshake.
	ErrAuthTimeout = errors.New("decora: authentication timed out")

	// ErrNotInPairingMode is returned by key retrieval when the device
	// answers with the unpaired sentinel instead of releasing its key.
	// The physical pairing button has not been held.
	ErrNotInPairingMode = errors.New("decora: device not in pairing mode")

	// ErrPairingTimeout is returned when key retrieval receives no reply
	// within the pairing budget.
	ErrPairingTimeout = errors.New("decora: pairing timed out")

	// ErrIoTimeout is returned when a single GATT operation exceeds the
	// operation timeout. The link may still be alive.
	ErrIoTimeout = errors.New("decora: gatt operation timed out")

	// ErrLinkDropped is returned when the BLE link fails mid-operation or
	// the peripheral disconnects.
	ErrLinkDropped = errors.New("decora: link dropped")

	// ErrNotReady is returned when a command is issued to a session that
	// is not in the Ready state.
	ErrNotReady = errors.New("decora: session not ready")

	// ErrNotConnected is returned when a link operation requires a live
	// connection but none is held.
	ErrNotConnected = errors.New("decora: not connected")

	// ErrSessionStopped is returned when an operation is issued to a
	// session after Stop.
	ErrSessionStopped = errors.New("decora: session stopped")

	// ErrInvalidAddress is returned when a device address string cannot
	// be parsed. Unlike transient connect failures this is permanent:
	// retrying the same address cannot succeed.
	ErrInvalidAddress = errors.New("decora: invalid device address")

	// ErrInvalidKey is returned when an API key string is not exactly
	// four hex-encoded bytes.
	ErrInvalidKey = errors.New("decora: invalid api key")
)

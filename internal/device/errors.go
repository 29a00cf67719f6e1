package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when no record matches the given ID or address.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device whose ID or address is already stored.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidAddress is returned when an address is not a parseable hardware address.
	ErrInvalidAddress = errors.New("device: invalid address")

	// ErrInvalidAPIKey is returned when an API key is not hex-encoded key material.
	ErrInvalidAPIKey = errors.New("device: invalid api key")

	// ErrInvalidLevel is returned when a brightness level is outside 0-100.
	ErrInvalidLevel = errors.New("device: invalid level")
)

package device

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength = 100

	// apiKeyBytes is the pairing key length. Decora controllers exchange a
	// fixed 4-byte key during the unlock handshake.
	apiKeyBytes = 4

	// maxLevel is the highest brightness level a device reports.
	maxLevel = 100
)

// NormalizeAddress parses a hardware address and returns its canonical
// uppercase colon-separated form. It accepts any format net.ParseMAC
// accepts, including lowercase and dash-separated variants.
func NormalizeAddress(addr string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(addr))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return strings.ToUpper(hw.String()), nil
}

// ValidateDevice performs validation on a device record.
// Returns an error describing the first validation failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if err := ValidateAddress(d.Address); err != nil {
		return err
	}
	if err := ValidateAPIKey(d.APIKey); err != nil {
		return err
	}
	return ValidateLevel(d.Level)
}

// ValidateName checks if a device name is valid.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateAddress checks that an address is in canonical form.
// Callers that accept free-form input should run NormalizeAddress first.
func ValidateAddress(addr string) error {
	canonical, err := NormalizeAddress(addr)
	if err != nil {
		return err
	}
	if canonical != addr {
		return fmt.Errorf("%w: %q is not canonical (want %q)", ErrInvalidAddress, addr, canonical)
	}
	return nil
}

// ValidateAPIKey checks that a key is empty (not yet paired) or exactly
// 4 hex-encoded bytes.
func ValidateAPIKey(key string) error {
	if key == "" {
		return nil
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("%w: not hex encoded", ErrInvalidAPIKey)
	}
	if len(raw) != apiKeyBytes {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidAPIKey, len(raw), apiKeyBytes)
	}
	return nil
}

// ValidateLevel checks that a brightness level is within 0-100.
func ValidateLevel(level int) error {
	if level < 0 || level > maxLevel {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	return nil
}

// GenerateID creates a new UUID for a device.
func GenerateID() string {
	return uuid.New().String()
}

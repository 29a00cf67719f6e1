package decora

import (
	"fmt"
	"net"
	"strings"
)

// DeviceIdentity identifies one physical Decora device by its BLE address.
//
// The address is stored in canonical form (uppercase, colon-separated) and
// acts as the registry key. Identities are immutable values.
type DeviceIdentity struct {
	Address string
}

// ParseDeviceIdentity parses and canonicalizes a BLE device address.
//
// Accepts the usual MAC notations ("a4:c1:38:1d:2e:3f", "a4-c1-38-1d-2e-3f")
// and returns the colon-separated uppercase form.
//
// Returns ErrInvalidAddress if the string is not a valid hardware address.
func ParseDeviceIdentity(s string) (DeviceIdentity, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return DeviceIdentity{Address: strings.ToUpper(hw.String())}, nil
}

// String returns the canonical address.
func (d DeviceIdentity) String() string {
	return d.Address
}

// IsValid reports whether the identity carries a parseable address.
func (d DeviceIdentity) IsValid() bool {
	_, err := net.ParseMAC(d.Address)
	return err == nil
}

package device

import (
	"encoding/json"
	"fmt"
	"time"
)

// Device is a paired Decora device record.
//
// Address is the canonical uppercase colon-separated MAC form (see
// NormalizeAddress) and is unique across the store. APIKey holds the 4-byte
// pairing key hex encoded; it is empty for devices that are configured but
// not yet paired.
//
// On and Level mirror the last confirmed light state so the bridge can seed
// retained MQTT state before the first BLE connection completes. Model,
// Manufacturer, SoftwareRevision and SystemID come from the Device
// Information Service and are captured during pairing.
type Device struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Address          string     `json:"address"`
	APIKey           string     `json:"api_key,omitempty"`
	Model            string     `json:"model,omitempty"`
	Manufacturer     string     `json:"manufacturer,omitempty"`
	SoftwareRevision string     `json:"software_revision,omitempty"`
	SystemID         string     `json:"system_id,omitempty"`
	Dimmable         bool       `json:"dimmable"`
	On               bool       `json:"on"`
	Level            int        `json:"level"`
	Available        bool       `json:"available"`
	LastSeen         *time.Time `json:"last_seen,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Paired reports whether the device has an API key stored.
func (d *Device) Paired() bool {
	return d.APIKey != ""
}

// DeepCopy creates a complete independent copy of the Device.
// This is essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	out := *d
	if d.LastSeen != nil {
		seen := *d.LastSeen
		out.LastSeen = &seen
	}
	return &out
}

// String implements fmt.Stringer, redacting the API key.
func (d Device) String() string {
	key := ""
	if d.APIKey != "" {
		key = "[REDACTED]"
	}
	return fmt.Sprintf("Device{ID:%q, Name:%q, Address:%q, APIKey:%s, Dimmable:%t}",
		d.ID, d.Name, d.Address, key, d.Dimmable)
}

// MarshalJSON implements json.Marshaler to redact the API key in JSON
// output. This prevents accidental key exposure in logs or API responses.
// The raw key is read and written only by the repository.
func (d Device) MarshalJSON() ([]byte, error) {
	type redacted Device
	safe := redacted(d)
	if safe.APIKey != "" {
		safe.APIKey = "[REDACTED]"
	}
	return json.Marshal(safe)
}

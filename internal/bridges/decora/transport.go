package decora

import (
	"context"
	"fmt"
)

// Decora GATT identifiers. The vendor service exposes two characteristics:
// the event characteristic carries the key handshake, the state
// characteristic carries status reads, command writes, and notifications.
// The remaining UUIDs are the standard Device Information Service entries
// the firmware populates.
const (
	ServiceUUID   = "0000ff00-0000-1000-8000-00805f9b34fb"
	EventCharUUID = "0000ff01-0000-1000-8000-00805f9b34fb"
	StateCharUUID = "0000ff02-0000-1000-8000-00805f9b34fb"

	DeviceInfoServiceUUID    = "0000180a-0000-1000-8000-00805f9b34fb"
	SystemIDCharUUID         = "00002a23-0000-1000-8000-00805f9b34fb"
	ModelNumberCharUUID      = "00002a24-0000-1000-8000-00805f9b34fb"
	SoftwareRevisionCharUUID = "00002a28-0000-1000-8000-00805f9b34fb"
	ManufacturerNameCharUUID = "00002a29-0000-1000-8000-00805f9b34fb"
)

// LevitonManufacturerID is Leviton's Bluetooth SIG company identifier,
// present in the manufacturer data of every Decora advertisement.
const LevitonManufacturerID uint16 = 0x05BC

// Characteristic names a GATT characteristic the bridge reads or writes.
// The transport implementation maps each name to its service and UUID, so
// everything above the transport stays free of BLE identifiers.
type Characteristic int

// Characteristics used by the bridge.
const (
	// CharState is the vendor state characteristic: STATUS reads and
	// notifications, COMMAND writes.
	CharState Characteristic = iota

	// CharEvent is the vendor event characteristic: the key handshake.
	CharEvent

	// CharSystemID is the Device Information Service system ID.
	CharSystemID

	// CharModelNumber is the Device Information Service model number.
	CharModelNumber

	// CharSoftwareRevision is the Device Information Service software
	// revision string.
	CharSoftwareRevision

	// CharManufacturerName is the Device Information Service manufacturer
	// name string.
	CharManufacturerName
)

// String returns the characteristic name for logging.
func (c Characteristic) String() string {
	switch c {
	case CharState:
		return "state"
	case CharEvent:
		return "event"
	case CharSystemID:
		return "system_id"
	case CharModelNumber:
		return "model_number"
	case CharSoftwareRevision:
		return "software_revision"
	case CharManufacturerName:
		return "manufacturer_name"
	default:
		return fmt.Sprintf("characteristic(%d)", int(c))
	}
}

// Advertisement is one BLE advertisement report seen during a scan.
type Advertisement struct {
	// Address is the advertiser's address in the platform's string form.
	Address string

	// LocalName is the advertised device name, if present.
	LocalName string

	// RSSI is the received signal strength in dBm.
	RSSI int16

	// CompanyIDs lists the manufacturer identifiers present in the
	// advertisement's manufacturer data.
	CompanyIDs []uint16
}

// HasManufacturer reports whether the advertisement carries manufacturer
// data for the given company identifier.
func (a Advertisement) HasManufacturer(id uint16) bool {
	for _, c := range a.CompanyIDs {
		if c == id {
			return true
		}
	}
	return false
}

// Transport abstracts the platform BLE stack so sessions and the scanner
// can run against a mock in tests.
type Transport interface {
	// Enable powers on the adapter. Must be called once before any other
	// operation.
	Enable() error

	// Scan streams advertisement reports to fn until ctx is cancelled or
	// StopScan is called. Blocking; fn is invoked from the scan loop and
	// must not block.
	Scan(ctx context.Context, fn func(Advertisement)) error

	// StopScan aborts a running Scan.
	StopScan() error

	// Connect establishes a GATT connection to the device at address and
	// discovers the Decora characteristics. The returned Conn is owned by
	// the caller and must be disconnected when done.
	Connect(ctx context.Context, address string) (Conn, error)
}

// Conn is one live GATT connection.
//
// Operations block without an internal deadline; the link layer bounds them.
// A dropped link makes every subsequent operation fail.
type Conn interface {
	// Read reads the characteristic's current value.
	Read(c Characteristic) ([]byte, error)

	// Write writes data to the characteristic.
	Write(c Characteristic, data []byte) error

	// Subscribe registers fn for notifications on the characteristic,
	// replacing any previous registration.
	Subscribe(c Characteristic, fn func(data []byte)) error

	// OnDisconnect registers a callback fired once when the link drops,
	// whether by Disconnect or by the peripheral going away.
	OnDisconnect(fn func())

	// Disconnect tears the link down. Idempotent; safe on a broken link.
	Disconnect() error
}

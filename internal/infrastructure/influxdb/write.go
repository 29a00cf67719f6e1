package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteLightState writes a confirmed light state report to InfluxDB.
//
// This is the primary method for recording device telemetry. Points are
// written on every state report from a device, so the series shows actual
// switch behaviour rather than commanded behaviour.
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - address: Canonical device address (e.g., "C4:0D:96:11:22:33")
//   - on: Whether the load is powered
//   - level: Brightness percentage (0-100, dimmers only)
//
// Example:
//
//	client.WriteLightState("C4:0D:96:11:22:33", true, 80)
func (c *Client) WriteLightState(address string, on bool, level int) {
	if !c.IsConnected() {
		return
	}

	onValue := 0
	if on {
		onValue = 1
	}

	point := write.NewPoint(
		"light_state",
		map[string]string{
			"address": address,
		},
		map[string]interface{}{
			"on":    onValue,
			"level": level,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteLinkEvent writes a BLE link transition for a device.
//
// Used for tracking connection stability. The event tag distinguishes
// clean transitions ("online", "offline") from dropped links ("lost").
//
// Parameters:
//   - address: Device address
//   - event: Link event name ("online", "offline", "lost")
func (c *Client) WriteLinkEvent(address string, event string) {
	if !c.IsConnected() {
		return
	}

	online := 0
	if event == "online" {
		online = 1
	}

	point := write.NewPoint(
		"ble_link",
		map[string]string{
			"address": address,
			"event":   event,
		},
		map[string]interface{}{
			"online": online,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteRSSI writes a received signal strength sample for a device.
//
// Samples come from scan advertisements, so cadence depends on how
// chatty the device is rather than on a fixed interval.
//
// Parameters:
//   - address: Device address
//   - rssi: Signal strength in dBm (typically -30 to -100)
func (c *Client) WriteRSSI(address string, rssi int16) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"ble_link",
		map[string]string{
			"address": address,
		},
		map[string]interface{}{
			"rssi": int(rssi),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("bridge_stats",
//	    map[string]string{"bridge": "decora"},
//	    map[string]interface{}{"commands_processed": 1234, "errors": 2})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}

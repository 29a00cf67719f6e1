package decora

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// readBufferSize covers the largest value the bridge reads: Device
// Information Service strings. Vendor frames are under 8 bytes.
const readBufferSize = 256

// charUUIDs maps characteristic names to their GATT UUIDs, grouped by the
// service that owns them.
var charUUIDs = map[Characteristic]struct {
	service string
	char    string
}{
	CharState:            {ServiceUUID, StateCharUUID},
	CharEvent:            {ServiceUUID, EventCharUUID},
	CharSystemID:         {DeviceInfoServiceUUID, SystemIDCharUUID},
	CharModelNumber:      {DeviceInfoServiceUUID, ModelNumberCharUUID},
	CharSoftwareRevision: {DeviceInfoServiceUUID, SoftwareRevisionCharUUID},
	CharManufacturerName: {DeviceInfoServiceUUID, ManufacturerNameCharUUID},
}

// BluetoothTransport implements Transport on tinygo.org/x/bluetooth,
// backed by BlueZ on Linux.
type BluetoothTransport struct {
	adapter *bluetooth.Adapter

	// mu protects conns, keyed by normalized address, so the
	// adapter-level disconnect handler can route drops to the right
	// connection.
	mu    sync.Mutex
	conns map[string]*bluetoothConn
}

// NewBluetoothTransport creates a transport on the platform's default
// adapter.
func NewBluetoothTransport() *BluetoothTransport {
	return &BluetoothTransport{
		adapter: bluetooth.DefaultAdapter,
		conns:   make(map[string]*bluetoothConn),
	}
}

// Enable powers on the adapter and registers the disconnect handler.
func (t *BluetoothTransport) Enable() error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("decora: enable adapter: %w", err)
	}

	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := NormalizeAddress(device.Address.String())
		t.mu.Lock()
		conn, ok := t.conns[addr]
		delete(t.conns, addr)
		t.mu.Unlock()
		if ok {
			conn.dropped()
		}
	})

	return nil
}

// Scan streams advertisement reports until ctx is cancelled or StopScan is
// called.
func (t *BluetoothTransport) Scan(ctx context.Context, fn func(Advertisement)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.adapter.StopScan()
		case <-done:
		}
	}()

	err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := Advertisement{
			Address:   NormalizeAddress(result.Address.String()),
			LocalName: result.LocalName(),
			RSSI:      result.RSSI,
		}
		for _, m := range result.ManufacturerData() {
			adv.CompanyIDs = append(adv.CompanyIDs, m.CompanyID)
		}
		fn(adv)
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("decora: scan: %w", err)
	}
	return nil
}

// StopScan aborts a running Scan.
func (t *BluetoothTransport) StopScan() error {
	return t.adapter.StopScan()
}

// Connect establishes a GATT connection and discovers the vendor and
// Device Information services. The underlying connect call cannot be
// cancelled; on ctx expiry the attempt is abandoned and any late-arriving
// connection is torn down.
func (t *BluetoothTransport) Connect(ctx context.Context, address string) (Conn, error) {
	var addr bluetooth.Address
	addr.Set(address)

	type connectResult struct {
		conn *bluetoothConn
		err  error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			ch <- connectResult{err: err}
			return
		}
		conn := &bluetoothConn{
			transport: t,
			address:   NormalizeAddress(address),
			device:    device,
		}
		if err := conn.discover(); err != nil {
			device.Disconnect()
			ch <- connectResult{err: err}
			return
		}
		ch <- connectResult{conn: conn}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.device.Disconnect()
			}
		}()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, address)
		}
		return nil, fmt.Errorf("decora: connect %s: %w", address, ctx.Err())

	case r := <-ch:
		if r.err != nil {
			return nil, classifyConnectError(address, r.err)
		}
		t.mu.Lock()
		t.conns[r.conn.address] = r.conn
		t.mu.Unlock()
		return r.conn, nil
	}
}

// classifyConnectError maps BlueZ failure text onto the connect error
// taxonomy. Decora devices hold a single central; BlueZ reports the refusal
// as a busy/in-progress condition.
func classifyConnectError(address string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "busy") || strings.Contains(msg, "in progress") ||
		strings.Contains(msg, "already connected") {
		return fmt.Errorf("%w: %s: %v", ErrConnectedElsewhere, address, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrDeviceUnreachable, address, err)
}

// Compile-time check that BluetoothTransport implements Transport.
var _ Transport = (*BluetoothTransport)(nil)

type bluetoothConn struct {
	transport *BluetoothTransport
	address   string
	device    bluetooth.Device
	chars     map[Characteristic]*bluetooth.DeviceCharacteristic

	mu           sync.Mutex
	onDisconnect func()
	dropOnce     sync.Once
}

// discover resolves the characteristics the bridge uses. The vendor event
// and state characteristics are required; Device Information entries are
// optional and simply absent when the firmware omits them.
func (c *bluetoothConn) discover() error {
	vendorUUID, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return fmt.Errorf("decora: parse service UUID: %w", err)
	}
	disUUID, err := bluetooth.ParseUUID(DeviceInfoServiceUUID)
	if err != nil {
		return fmt.Errorf("decora: parse service UUID: %w", err)
	}

	services, err := c.device.DiscoverServices([]bluetooth.UUID{vendorUUID, disUUID})
	if err != nil {
		return fmt.Errorf("decora: discover services on %s: %w", c.address, err)
	}

	c.chars = make(map[Characteristic]*bluetooth.DeviceCharacteristic)
	for i := range services {
		svcUUID := services[i].UUID().String()
		chars, err := services[i].DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("decora: discover characteristics on %s: %w", c.address, err)
		}
		for j := range chars {
			charUUID := chars[j].UUID().String()
			for name, ids := range charUUIDs {
				if strings.EqualFold(ids.service, svcUUID) && strings.EqualFold(ids.char, charUUID) {
					c.chars[name] = &chars[j]
				}
			}
		}
	}

	if _, ok := c.chars[CharEvent]; !ok {
		return fmt.Errorf("%w: %s missing event characteristic", ErrDeviceUnreachable, c.address)
	}
	if _, ok := c.chars[CharState]; !ok {
		return fmt.Errorf("%w: %s missing state characteristic", ErrDeviceUnreachable, c.address)
	}
	return nil
}

func (c *bluetoothConn) characteristic(name Characteristic) (*bluetooth.DeviceCharacteristic, error) {
	ch, ok := c.chars[name]
	if !ok {
		return nil, fmt.Errorf("decora: %s characteristic not available on %s", name, c.address)
	}
	return ch, nil
}

func (c *bluetoothConn) Read(name Characteristic) ([]byte, error) {
	ch, err := c.characteristic(name)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, readBufferSize)
	n, err := ch.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("decora: read %s on %s: %w", name, c.address, err)
	}
	return buf[:n], nil
}

func (c *bluetoothConn) Write(name Characteristic, data []byte) error {
	ch, err := c.characteristic(name)
	if err != nil {
		return err
	}
	if _, err := ch.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("decora: write %s on %s: %w", name, c.address, err)
	}
	return nil
}

func (c *bluetoothConn) Subscribe(name Characteristic, fn func([]byte)) error {
	ch, err := c.characteristic(name)
	if err != nil {
		return err
	}
	if err := ch.EnableNotifications(fn); err != nil {
		return fmt.Errorf("decora: subscribe %s on %s: %w", name, c.address, err)
	}
	return nil
}

func (c *bluetoothConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

func (c *bluetoothConn) Disconnect() error {
	c.transport.mu.Lock()
	delete(c.transport.conns, c.address)
	c.transport.mu.Unlock()

	err := c.device.Disconnect()
	c.dropped()
	return err
}

// dropped fires the disconnect callback exactly once, whether the drop came
// from the peripheral or a local Disconnect.
func (c *bluetoothConn) dropped() {
	c.dropOnce.Do(func() {
		c.mu.Lock()
		fn := c.onDisconnect
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

// NormalizeAddress canonicalizes a BLE address for use as a registry key.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

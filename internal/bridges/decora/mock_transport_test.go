package decora

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// Test doubles for the Transport and Conn interfaces. fakeDevice models
// one physical dimmer: persistent key, state, and pairing behavior shared
// across connections, while unlock state lives per connection like the
// real hardware.

var errNotPermitted = errors.New("read not permitted")

type fakeDevice struct {
	mu sync.Mutex

	key       [keyValueSize]byte
	challenge []byte // nil: legacy firmware that never sends one
	state     []byte // current STATUS payload
	info      map[Characteristic][]byte

	// pairingReply is returned by event characteristic reads. Configure
	// with a KEY_CHALLENGE reply carrying the key (pairing mode) or the
	// FF-sentinel (not in pairing mode).
	pairingReply []byte

	// Injectable faults.
	writeStateErr error
	readStateErr  error
	readDelay     time.Duration

	stateWrites [][]byte
	eventWrites [][]byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		key:       [keyValueSize]byte{0x27, 0xB1, 0x04, 0x55},
		challenge: []byte{0x3A, 0xF0, 0x12, 0x9C},
		state:     []byte{0x01, 0x32}, // on, level 50
		info: map[Characteristic][]byte{
			CharSystemID:         {0xC4, 0x0D, 0x96, 0x00, 0x00, 0x11, 0x22, 0x33},
			CharModelNumber:      []byte("DDL06-1LZ"),
			CharSoftwareRevision: []byte("2.4.16"),
			CharManufacturerName: []byte("Leviton"),
		},
	}
}

func (d *fakeDevice) deviceKey() ApiKey {
	return APIKeyFromBytes(d.key)
}

func (d *fakeDevice) setState(on bool, level uint8) {
	d.mu.Lock()
	d.state = []byte{powerByte(on), level}
	d.mu.Unlock()
}

func (d *fakeDevice) lastStateWrite() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stateWrites) == 0 {
		return nil
	}
	return d.stateWrites[len(d.stateWrites)-1]
}

type fakeConn struct {
	dev *fakeDevice

	mu           sync.Mutex
	unlocked     bool
	closed       bool
	stateSubs    []func([]byte)
	eventSubs    []func([]byte)
	onDisconnect func()
	dropOnce     sync.Once
}

func newFakeConn(dev *fakeDevice) *fakeConn {
	return &fakeConn{dev: dev}
}

func (c *fakeConn) Read(char Characteristic) ([]byte, error) {
	c.dev.mu.Lock()
	delay := c.dev.readDelay
	c.dev.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()

	switch char {
	case CharState:
		if c.dev.readStateErr != nil {
			return nil, c.dev.readStateErr
		}
		c.mu.Lock()
		unlocked := c.unlocked
		c.mu.Unlock()
		if !unlocked {
			return nil, errNotPermitted
		}
		out := make([]byte, len(c.dev.state))
		copy(out, c.dev.state)
		return out, nil

	case CharEvent:
		if c.dev.pairingReply == nil {
			return nil, errNotPermitted
		}
		out := make([]byte, len(c.dev.pairingReply))
		copy(out, c.dev.pairingReply)
		return out, nil

	default:
		data, ok := c.dev.info[char]
		if !ok {
			return nil, errors.New("characteristic not available")
		}
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
}

func (c *fakeConn) Write(char Characteristic, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	switch char {
	case CharState:
		c.dev.mu.Lock()
		if c.dev.writeStateErr != nil {
			err := c.dev.writeStateErr
			c.dev.mu.Unlock()
			return err
		}
		c.dev.stateWrites = append(c.dev.stateWrites, buf)
		if len(buf) == commandFrameSize {
			// Apply immediately; fades are invisible to these tests.
			c.dev.state = []byte{buf[0], buf[1]}
		}
		c.dev.mu.Unlock()
		return nil

	case CharEvent:
		c.dev.mu.Lock()
		c.dev.eventWrites = append(c.dev.eventWrites, buf)
		challenge := c.dev.challenge
		key := c.dev.key
		c.dev.mu.Unlock()

		if len(buf) == keyRequestFrameSize && buf[0] == leadKeyChallenge {
			if challenge != nil {
				reply := make([]byte, 0, keyReplyFrameSize)
				reply = append(reply, leadKeyChallenge, eventTag)
				reply = append(reply, challenge...)
				go func() {
					time.Sleep(5 * time.Millisecond)
					c.notifyEvent(reply)
				}()
			}
			return nil
		}

		if len(buf) == keyResponseFrameSize && buf[0] == leadKeyResponse {
			var expected [keyValueSize]byte
			for i := 0; i < keyValueSize; i++ {
				expected[i] = key[i]
				if challenge != nil {
					expected[i] ^= challenge[i]
				}
			}
			match := true
			for i := 0; i < keyValueSize; i++ {
				if buf[2+i] != expected[i] {
					match = false
					break
				}
			}
			if match {
				c.mu.Lock()
				c.unlocked = true
				c.mu.Unlock()
			}
			return nil
		}
		return nil

	default:
		return errors.New("characteristic not writable")
	}
}

func (c *fakeConn) Subscribe(char Characteristic, fn func(data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch char {
	case CharState:
		c.stateSubs = append(c.stateSubs, fn)
	case CharEvent:
		c.eventSubs = append(c.eventSubs, fn)
	default:
		return errors.New("characteristic does not notify")
	}
	return nil
}

func (c *fakeConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.fireDisconnect()
	return nil
}

// drop simulates the device side closing the link.
func (c *fakeConn) drop() {
	c.fireDisconnect()
}

// forceUnlock marks the connection authorized without running the
// handshake, for tests that exercise the link layer directly.
func (c *fakeConn) forceUnlock() {
	c.mu.Lock()
	c.unlocked = true
	c.mu.Unlock()
}

func (c *fakeConn) fireDisconnect() {
	c.dropOnce.Do(func() {
		c.mu.Lock()
		fn := c.onDisconnect
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (c *fakeConn) notifyState(data []byte) {
	c.mu.Lock()
	subs := make([]func([]byte), len(c.stateSubs))
	copy(subs, c.stateSubs)
	c.mu.Unlock()
	for _, fn := range subs {
		buf := make([]byte, len(data))
		copy(buf, data)
		fn(buf)
	}
}

func (c *fakeConn) notifyEvent(data []byte) {
	c.mu.Lock()
	subs := make([]func([]byte), len(c.eventSubs))
	copy(subs, c.eventSubs)
	c.mu.Unlock()
	for _, fn := range subs {
		buf := make([]byte, len(data))
		copy(buf, data)
		fn(buf)
	}
}

type fakeTransport struct {
	mu          sync.Mutex
	dev         *fakeDevice
	conns       []*fakeConn
	connectErrs []error
	connects    int

	advCh chan Advertisement
}

func newFakeTransport(dev *fakeDevice) *fakeTransport {
	return &fakeTransport{
		dev:   dev,
		advCh: make(chan Advertisement, 16),
	}
}

// failNextConnect queues errors returned by upcoming Connect calls, in
// order, before connects succeed again.
func (t *fakeTransport) failNextConnect(errs ...error) {
	t.mu.Lock()
	t.connectErrs = append(t.connectErrs, errs...)
	t.mu.Unlock()
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) Enable() error { return nil }

func (t *fakeTransport) Scan(ctx context.Context, fn func(Advertisement)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case adv := <-t.advCh:
			fn(adv)
		}
	}
}

func (t *fakeTransport) StopScan() error { return nil }

func (t *fakeTransport) advertise(adv Advertisement) {
	t.advCh <- adv
}

func (t *fakeTransport) Connect(ctx context.Context, address string) (Conn, error) {
	t.mu.Lock()
	t.connects++
	if len(t.connectErrs) > 0 {
		err := t.connectErrs[0]
		t.connectErrs = t.connectErrs[1:]
		t.mu.Unlock()
		return nil, err
	}
	conn := newFakeConn(t.dev)
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
	return conn, nil
}

var _ Transport = (*fakeTransport)(nil)
var _ Conn = (*fakeConn)(nil)

// waitFor polls a condition until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// testAddress is a valid device address used across tests.
const testAddress = "C4:0D:96:11:22:33"

func testIdentity(t *testing.T) DeviceIdentity {
	t.Helper()
	id, err := ParseDeviceIdentity(testAddress)
	if err != nil {
		t.Fatalf("ParseDeviceIdentity(%q) failed: %v", testAddress, err)
	}
	return id
}

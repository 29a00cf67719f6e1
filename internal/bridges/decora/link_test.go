package decora

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestLink(t *testing.T) (*Link, *fakeTransport, *fakeDevice) {
	t.Helper()
	dev := newFakeDevice()
	transport := newFakeTransport(dev)
	mgr := NewLinkManager(transport, LinkOptions{})

	link, err := mgr.Connect(context.Background(), testIdentity(t))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { link.Disconnect() })
	return link, transport, dev
}

func TestLinkManagerDefaults(t *testing.T) {
	if defaultConnectTimeout != 10*time.Second {
		t.Errorf("defaultConnectTimeout = %v, want 10s", defaultConnectTimeout)
	}
	if defaultOperationTimeout != 10*time.Second {
		t.Errorf("defaultOperationTimeout = %v, want 10s", defaultOperationTimeout)
	}
	if defaultPairingTimeout != 30*time.Second {
		t.Errorf("defaultPairingTimeout = %v, want 30s", defaultPairingTimeout)
	}

	mgr := NewLinkManager(newFakeTransport(newFakeDevice()), LinkOptions{})
	if mgr.connectTimeout != defaultConnectTimeout {
		t.Errorf("connectTimeout = %v, want %v", mgr.connectTimeout, defaultConnectTimeout)
	}
	if mgr.opTimeout != defaultOperationTimeout {
		t.Errorf("opTimeout = %v, want %v", mgr.opTimeout, defaultOperationTimeout)
	}
}

func TestLinkManagerConnectErrors(t *testing.T) {
	tests := []struct {
		name       string
		address    string
		connectErr error
		wantErr    error
	}{
		{
			name:    "invalid address",
			address: "not-a-mac",
			wantErr: ErrInvalidAddress,
		},
		{
			name:       "unclassified failure becomes unreachable",
			address:    testAddress,
			connectErr: errors.New("le connection abort"),
			wantErr:    ErrDeviceUnreachable,
		},
		{
			name:       "classified error passes through",
			address:    testAddress,
			connectErr: fmt.Errorf("%w: busy", ErrConnectedElsewhere),
			wantErr:    ErrConnectedElsewhere,
		},
		{
			name:       "context deadline becomes connect timeout",
			address:    testAddress,
			connectErr: context.DeadlineExceeded,
			wantErr:    ErrConnectTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := newFakeTransport(newFakeDevice())
			if tt.connectErr != nil {
				transport.failNextConnect(tt.connectErr)
			}
			mgr := NewLinkManager(transport, LinkOptions{})

			identity := DeviceIdentity{Address: tt.address}
			if tt.address == testAddress {
				identity = testIdentity(t)
			}

			_, err := mgr.Connect(context.Background(), identity)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Connect error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLinkReadWrite(t *testing.T) {
	link, transport, dev := newTestLink(t)
	transport.lastConn().forceUnlock()

	data, err := link.Read(context.Background(), CharState)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if f.Kind != FrameStatus || !f.On || f.Level != 50 {
		t.Errorf("status = %v, want on at level 50", f)
	}

	cmd := NewCommandFrame(true, 75, 2)
	if err := link.WriteFrame(context.Background(), CharState, cmd); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got := dev.lastStateWrite()
	want := []byte{0x01, 75, 2}
	if len(got) != len(want) {
		t.Fatalf("wrote %d bytes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write byte %d = 0x%02X, want 0x%02X", i, got[i], want[i])
		}
	}
}

func TestLinkReadTimeout(t *testing.T) {
	dev := newFakeDevice()
	dev.readDelay = 500 * time.Millisecond
	transport := newFakeTransport(dev)
	mgr := NewLinkManager(transport, LinkOptions{OperationTimeout: 30 * time.Millisecond})

	link, err := mgr.Connect(context.Background(), testIdentity(t))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer link.Disconnect()
	transport.lastConn().forceUnlock()

	_, err = link.Read(context.Background(), CharState)
	if !errors.Is(err, ErrIoTimeout) {
		t.Errorf("Read error = %v, want ErrIoTimeout", err)
	}
}

func TestLinkDroppedFailsOperations(t *testing.T) {
	link, transport, _ := newTestLink(t)
	conn := transport.lastConn()
	conn.forceUnlock()

	if !link.IsAlive() {
		t.Fatal("link should start alive")
	}

	conn.drop()

	select {
	case <-link.Dropped():
	case <-time.After(time.Second):
		t.Fatal("Dropped() not closed after connection drop")
	}
	if link.IsAlive() {
		t.Error("IsAlive() = true after drop")
	}

	if _, err := link.Read(context.Background(), CharState); !errors.Is(err, ErrLinkDropped) {
		t.Errorf("Read error = %v, want ErrLinkDropped", err)
	}
	if err := link.Write(context.Background(), CharState, []byte{0x01, 50, 0}); !errors.Is(err, ErrLinkDropped) {
		t.Errorf("Write error = %v, want ErrLinkDropped", err)
	}
	if _, err := link.Subscribe(context.Background(), CharState); !errors.Is(err, ErrLinkDropped) {
		t.Errorf("Subscribe error = %v, want ErrLinkDropped", err)
	}
}

func TestLinkDisconnectIdempotent(t *testing.T) {
	link, transport, _ := newTestLink(t)

	if err := link.Disconnect(); err != nil {
		t.Fatalf("first Disconnect failed: %v", err)
	}
	if err := link.Disconnect(); err != nil {
		t.Fatalf("second Disconnect failed: %v", err)
	}

	conn := transport.lastConn()
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("underlying connection not closed")
	}

	if _, err := link.Read(context.Background(), CharState); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Read after Disconnect = %v, want ErrNotConnected", err)
	}
}

func TestLinkSubscribeDeliversNotifications(t *testing.T) {
	link, transport, _ := newTestLink(t)

	events, err := link.Subscribe(context.Background(), CharState)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	transport.lastConn().notifyState([]byte{0x01, 80})

	select {
	case data := <-events:
		f, err := DecodeFrame(data)
		if err != nil {
			t.Fatalf("DecodeFrame failed: %v", err)
		}
		if !f.On || f.Level != 80 {
			t.Errorf("notification = %v, want on at level 80", f)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestLinkSubscribeDropsWhenQueueFull(t *testing.T) {
	link, transport, _ := newTestLink(t)

	if _, err := link.Subscribe(context.Background(), CharState); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	conn := transport.lastConn()
	for i := 0; i < notifyQueueSize+5; i++ {
		conn.notifyState([]byte{0x01, byte(i)})
	}

	if got := link.NotificationsDropped(); got != 5 {
		t.Errorf("NotificationsDropped() = %d, want 5", got)
	}
}

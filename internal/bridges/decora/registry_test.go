package decora

import (
	"sync"
	"testing"
	"time"
)

func newRegistryFixture(t *testing.T, dev *fakeDevice) (*SessionRegistry, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport(dev)
	mgr := NewLinkManager(transport, LinkOptions{OperationTimeout: 2 * time.Second})
	auth := NewAuthenticator(AuthenticatorOptions{Timeout: 2 * time.Second})

	registry, err := NewSessionRegistry(mgr, auth, SessionRegistryOptions{
		Backoff: BackoffOptions{
			Initial:    20 * time.Millisecond,
			Max:        100 * time.Millisecond,
			Multiplier: 2.0,
			Jitter:     -1,
		},
	})
	if err != nil {
		t.Fatalf("NewSessionRegistry failed: %v", err)
	}
	t.Cleanup(registry.StopAll)
	return registry, transport
}

func TestRegistryUpsert(t *testing.T) {
	dev := newFakeDevice()
	registry, _ := newRegistryFixture(t, dev)

	session, err := registry.Upsert(SessionOptions{
		Identity: testIdentity(t),
		Key:      dev.deviceKey(),
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if registry.Count() != 1 {
		t.Errorf("Count() = %d, want 1", registry.Count())
	}

	// Upserting the same address returns the existing session.
	again, err := registry.Upsert(SessionOptions{Identity: testIdentity(t)})
	if err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	if again != session {
		t.Error("second Upsert returned a different session")
	}
	if registry.Count() != 1 {
		t.Errorf("Count() = %d after re-upsert, want 1", registry.Count())
	}

	waitFor(t, 5*time.Second, func() bool {
		return session.State() == StateReady
	}, "session ready")
}

func TestRegistryUpsertInvalidAddress(t *testing.T) {
	registry, _ := newRegistryFixture(t, newFakeDevice())
	if _, err := registry.Upsert(SessionOptions{Identity: DeviceIdentity{Address: "nope"}}); err == nil {
		t.Error("Upsert succeeded with invalid address")
	}
}

func TestRegistryUpsertReplacesKey(t *testing.T) {
	dev := newFakeDevice()
	registry, _ := newRegistryFixture(t, dev)

	session, err := registry.Upsert(SessionOptions{Identity: testIdentity(t)})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if !session.getKey().IsZero() {
		t.Fatal("session unexpectedly has a key")
	}

	if _, err := registry.Upsert(SessionOptions{
		Identity: testIdentity(t),
		Key:      dev.deviceKey(),
	}); err != nil {
		t.Fatalf("re-Upsert failed: %v", err)
	}
	if session.getKey().Hex() != dev.deviceKey().Hex() {
		t.Error("re-Upsert did not replace the key")
	}
}

func TestRegistryGetNormalizesAddress(t *testing.T) {
	dev := newFakeDevice()
	registry, _ := newRegistryFixture(t, dev)

	if _, err := registry.Upsert(SessionOptions{Identity: testIdentity(t)}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if _, ok := registry.Get("c4:0d:96:11:22:33"); !ok {
		t.Error("Get with lowercase address missed")
	}
	if _, ok := registry.Get("FF:FF:FF:FF:FF:FF"); ok {
		t.Error("Get found a session for an unknown address")
	}
}

func TestRegistryEventsReachLateCallbacks(t *testing.T) {
	dev := newFakeDevice()
	registry, _ := newRegistryFixture(t, dev)

	// Session first, callbacks second: events must still arrive.
	if _, err := registry.Upsert(SessionOptions{Identity: testIdentity(t), Key: dev.deviceKey()}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	var mu sync.Mutex
	var gotState bool
	var gotAvailable bool
	registry.SetOnStateChanged(func(id DeviceIdentity, state LightState) {
		mu.Lock()
		gotState = true
		mu.Unlock()
	})
	registry.SetOnAvailabilityChanged(func(id DeviceIdentity, available bool) {
		mu.Lock()
		gotAvailable = available
		mu.Unlock()
	})

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotState && gotAvailable
	}, "registry callbacks")
}

func TestRegistryDeviceSeenRouting(t *testing.T) {
	dev := newFakeDevice()
	registry, _ := newRegistryFixture(t, dev)

	if _, err := registry.Upsert(SessionOptions{Identity: testIdentity(t), Key: dev.deviceKey()}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if !registry.DeviceSeen("c4:0d:96:11:22:33", -62) {
		t.Error("DeviceSeen = false for a managed address")
	}
	if registry.DeviceSeen("FF:FF:FF:FF:FF:FF", -62) {
		t.Error("DeviceSeen = true for an unknown address")
	}

	session, _ := registry.Get(testAddress)
	waitFor(t, 2*time.Second, func() bool {
		return session.Stats().RSSI == -62
	}, "rssi recorded")
}

func TestRegistryRemove(t *testing.T) {
	dev := newFakeDevice()
	registry, _ := newRegistryFixture(t, dev)

	session, err := registry.Upsert(SessionOptions{Identity: testIdentity(t), Key: dev.deviceKey()})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return session.State() == StateReady
	}, "session ready")

	registry.Remove(testAddress)

	if registry.Count() != 0 {
		t.Errorf("Count() = %d after Remove, want 0", registry.Count())
	}
	if got := session.State(); got != StateDisconnected {
		t.Errorf("removed session state = %v, want Disconnected", got)
	}
	registry.Remove(testAddress) // unknown address is a no-op
}

func TestRegistryStats(t *testing.T) {
	dev := newFakeDevice()
	registry, _ := newRegistryFixture(t, dev)

	session, err := registry.Upsert(SessionOptions{Identity: testIdentity(t), Key: dev.deviceKey()})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return session.State() == StateReady
	}, "session ready")

	stats := registry.Stats()
	st, ok := stats[testAddress]
	if !ok {
		t.Fatalf("Stats() missing %s: %v", testAddress, stats)
	}
	if st.State != StateReady {
		t.Errorf("stats state = %v, want Ready", st.State)
	}
	if st.ConnectsTotal != 1 {
		t.Errorf("stats connects = %d, want 1", st.ConnectsTotal)
	}
}

func TestRegistryStopAll(t *testing.T) {
	dev := newFakeDevice()
	registry, _ := newRegistryFixture(t, dev)

	session, err := registry.Upsert(SessionOptions{Identity: testIdentity(t), Key: dev.deviceKey()})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return session.State() == StateReady
	}, "session ready")

	registry.StopAll()

	if registry.Count() != 0 {
		t.Errorf("Count() = %d after StopAll, want 0", registry.Count())
	}
	if got := session.State(); got != StateDisconnected {
		t.Errorf("session state after StopAll = %v, want Disconnected", got)
	}
}

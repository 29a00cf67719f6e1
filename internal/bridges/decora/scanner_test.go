package decora

import (
	"sync"
	"testing"
	"time"
)

type scanEvents struct {
	mu         sync.Mutex
	seen       []string
	seenRSSI   []int16
	lost       []string
	discovered []Advertisement
}

func (e *scanEvents) onSeen(address string, rssi int16) {
	e.mu.Lock()
	e.seen = append(e.seen, address)
	e.seenRSSI = append(e.seenRSSI, rssi)
	e.mu.Unlock()
}

func (e *scanEvents) onLost(address string) {
	e.mu.Lock()
	e.lost = append(e.lost, address)
	e.mu.Unlock()
}

func (e *scanEvents) onDiscovered(adv Advertisement) {
	e.mu.Lock()
	e.discovered = append(e.discovered, adv)
	e.mu.Unlock()
}

func (e *scanEvents) seenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seen)
}

func (e *scanEvents) lostCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lost)
}

func (e *scanEvents) discoveredCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.discovered)
}

func newScannerFixture(t *testing.T, opts ScannerOptions) (*Scanner, *fakeTransport, *scanEvents) {
	t.Helper()
	transport := newFakeTransport(newFakeDevice())
	scanner := NewScanner(transport, opts)
	events := &scanEvents{}
	scanner.SetOnSeen(events.onSeen)
	scanner.SetOnLost(events.onLost)
	scanner.SetOnDiscovered(events.onDiscovered)
	t.Cleanup(scanner.Stop)
	return scanner, transport, events
}

func TestScannerDefaults(t *testing.T) {
	if defaultAbsenceWindow != 90*time.Second {
		t.Errorf("defaultAbsenceWindow = %v, want 90s", defaultAbsenceWindow)
	}
	if defaultSweepInterval != 15*time.Second {
		t.Errorf("defaultSweepInterval = %v, want 15s", defaultSweepInterval)
	}
	if defaultSeenDebounce != 5*time.Second {
		t.Errorf("defaultSeenDebounce = %v, want 5s", defaultSeenDebounce)
	}

	s := NewScanner(newFakeTransport(newFakeDevice()), ScannerOptions{})
	if s.absenceWindow != defaultAbsenceWindow {
		t.Errorf("absenceWindow = %v, want default", s.absenceWindow)
	}
	if s.sweepInterval != defaultSweepInterval {
		t.Errorf("sweepInterval = %v, want default", s.sweepInterval)
	}
	if s.seenDebounce != defaultSeenDebounce {
		t.Errorf("seenDebounce = %v, want default", s.seenDebounce)
	}
}

func TestScannerSeenForTrackedDevice(t *testing.T) {
	scanner, transport, events := newScannerFixture(t, ScannerOptions{
		SeenDebounce: time.Millisecond,
	})
	scanner.Track("c4:0d:96:11:22:33") // canonicalized on the way in
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	transport.advertise(Advertisement{Address: "c4:0d:96:11:22:33", RSSI: -58})

	waitFor(t, 2*time.Second, func() bool {
		return events.seenCount() == 1
	}, "seen signal")

	events.mu.Lock()
	defer events.mu.Unlock()
	if events.seen[0] != testAddress {
		t.Errorf("seen address = %q, want %q", events.seen[0], testAddress)
	}
	if events.seenRSSI[0] != -58 {
		t.Errorf("seen rssi = %d, want -58", events.seenRSSI[0])
	}
	if len(events.discovered) != 0 {
		t.Errorf("discovered = %v, want none for a tracked device", events.discovered)
	}
}

func TestScannerDebouncesSeen(t *testing.T) {
	scanner, transport, events := newScannerFixture(t, ScannerOptions{
		SeenDebounce: time.Hour,
	})
	scanner.Track(testAddress)
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		transport.advertise(Advertisement{Address: testAddress, RSSI: -60})
	}

	waitFor(t, 2*time.Second, func() bool {
		return scanner.Advertisements() == 5
	}, "advertisements processed")

	if got := events.seenCount(); got != 1 {
		t.Errorf("seen signals = %d, want 1 after debounce", got)
	}
}

func TestScannerSweepDeclaresLostOnce(t *testing.T) {
	scanner, transport, events := newScannerFixture(t, ScannerOptions{
		AbsenceWindow: 30 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		SeenDebounce:  time.Millisecond,
	})
	scanner.Track(testAddress)
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return events.lostCount() == 1
	}, "lost signal")

	events.mu.Lock()
	if events.lost[0] != testAddress {
		t.Errorf("lost address = %q, want %q", events.lost[0], testAddress)
	}
	events.mu.Unlock()

	// Lost is edge-triggered; silence does not repeat it.
	time.Sleep(50 * time.Millisecond)
	if got := events.lostCount(); got != 1 {
		t.Errorf("lost signals = %d, want still 1", got)
	}

	// An advertisement revives the device and re-arms the sweep.
	transport.advertise(Advertisement{Address: testAddress, RSSI: -70})
	waitFor(t, 2*time.Second, func() bool {
		return events.seenCount() >= 1
	}, "seen after revival")
	waitFor(t, 2*time.Second, func() bool {
		return events.lostCount() == 2
	}, "second lost signal")
}

func TestScannerDiscoversUntrackedVendorDevices(t *testing.T) {
	scanner, transport, events := newScannerFixture(t, ScannerOptions{
		SeenDebounce: time.Millisecond,
	})
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Manufacturer data match.
	transport.advertise(Advertisement{
		Address:    "A4:C1:38:00:00:01",
		CompanyIDs: []uint16{LevitonManufacturerID},
		RSSI:       -66,
	})
	// Name prefix match.
	transport.advertise(Advertisement{
		Address:   "A4:C1:38:00:00:02",
		LocalName: "Leviton DW6HD",
		RSSI:      -71,
	})
	// Neither: ignored.
	transport.advertise(Advertisement{
		Address:   "A4:C1:38:00:00:03",
		LocalName: "Tile",
		RSSI:      -80,
	})

	waitFor(t, 2*time.Second, func() bool {
		return scanner.Advertisements() == 3
	}, "advertisements processed")

	if got := events.discoveredCount(); got != 2 {
		t.Errorf("discovered = %d, want 2", got)
	}
	if got := events.seenCount(); got != 0 {
		t.Errorf("seen signals = %d, want 0 for untracked devices", got)
	}
}

func TestScannerUntrack(t *testing.T) {
	scanner, transport, events := newScannerFixture(t, ScannerOptions{
		SeenDebounce: time.Millisecond,
	})
	scanner.Track(testAddress)
	scanner.Untrack(testAddress)
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	transport.advertise(Advertisement{
		Address:    testAddress,
		CompanyIDs: []uint16{LevitonManufacturerID},
		RSSI:       -55,
	})

	waitFor(t, 2*time.Second, func() bool {
		return scanner.Advertisements() == 1
	}, "advertisement processed")

	if got := events.seenCount(); got != 0 {
		t.Errorf("seen signals = %d, want 0 after Untrack", got)
	}
	// Untracked vendor devices fall through to discovery.
	if got := events.discoveredCount(); got != 1 {
		t.Errorf("discovered = %d, want 1", got)
	}
}

func TestScannerStopIdempotent(t *testing.T) {
	scanner, _, _ := newScannerFixture(t, ScannerOptions{})
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	scanner.Stop()
	scanner.Stop()
}

func TestIsVendorAdvertisement(t *testing.T) {
	tests := []struct {
		name string
		adv  Advertisement
		want bool
	}{
		{
			name: "manufacturer id",
			adv:  Advertisement{CompanyIDs: []uint16{0x004C, LevitonManufacturerID}},
			want: true,
		},
		{
			name: "name prefix",
			adv:  Advertisement{LocalName: "Leviton DDL06"},
			want: true,
		},
		{
			name: "other vendor",
			adv:  Advertisement{LocalName: "Hue Lamp", CompanyIDs: []uint16{0x004C}},
			want: false,
		},
		{
			name: "empty",
			adv:  Advertisement{},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isVendorAdvertisement(tt.adv); got != tt.want {
				t.Errorf("isVendorAdvertisement() = %t, want %t", got, tt.want)
			}
		})
	}
}

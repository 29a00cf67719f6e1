package decora

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Scanner timing.
const (
	// defaultAbsenceWindow is how long a tracked device may go unseen
	// before it is declared lost.
	defaultAbsenceWindow = 90 * time.Second

	// defaultSweepInterval is how often the absence sweep runs.
	defaultSweepInterval = 15 * time.Second

	// defaultSeenDebounce rate-limits per-device seen and discovery
	// signals; advertisements arrive several times a second.
	defaultSeenDebounce = 5 * time.Second

	// scanRestartDelay paces scan restarts after the radio reports an
	// error.
	scanRestartDelay = 2 * time.Second

	// levitonNamePrefix identifies the vendor's devices when the
	// advertisement carries a name but no manufacturer data.
	levitonNamePrefix = "Leviton"
)

// ScannerOptions configures the advertisement watcher.
type ScannerOptions struct {
	// AbsenceWindow declares a tracked device lost after this long
	// without an advertisement.
	AbsenceWindow time.Duration

	// SweepInterval is the absence check period.
	SweepInterval time.Duration

	// SeenDebounce is the minimum spacing between signals for the same
	// device.
	SeenDebounce time.Duration
}

// Scanner watches BLE advertisements and turns them into presence signals.
//
// Tracked addresses get seen/lost signals; untracked advertisements that
// look like the vendor's devices surface through the discovery callback so
// new devices can be offered for pairing.
type Scanner struct {
	transport Transport

	absenceWindow time.Duration
	sweepInterval time.Duration
	seenDebounce  time.Duration

	mu         sync.Mutex
	tracked    map[string]bool      // address -> currently present
	lastSeen   map[string]time.Time // address -> last advertisement
	lastSignal map[string]time.Time // address -> last callback fired

	cbMu         sync.RWMutex
	onSeen       func(address string, rssi int16)
	onLost       func(address string)
	onDiscovered func(adv Advertisement)

	done   *closeOnce
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool

	advertisements atomic.Uint64
	discoveries    atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// NewScanner creates a scanner over a transport. Zero option fields take
// defaults.
func NewScanner(transport Transport, opts ScannerOptions) *Scanner {
	absence := opts.AbsenceWindow
	if absence <= 0 {
		absence = defaultAbsenceWindow
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	debounce := opts.SeenDebounce
	if debounce <= 0 {
		debounce = defaultSeenDebounce
	}
	return &Scanner{
		transport:     transport,
		absenceWindow: absence,
		sweepInterval: sweep,
		seenDebounce:  debounce,
		tracked:       make(map[string]bool),
		lastSeen:      make(map[string]time.Time),
		lastSignal:    make(map[string]time.Time),
		done:          newCloseOnce(),
	}
}

// SetLogger sets the logger for scanner diagnostics.
func (s *Scanner) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// SetOnSeen registers the callback fired when a tracked device advertises.
// Debounced per device.
func (s *Scanner) SetOnSeen(fn func(address string, rssi int16)) {
	s.cbMu.Lock()
	s.onSeen = fn
	s.cbMu.Unlock()
}

// SetOnLost registers the callback fired once when a tracked device has
// been silent past the absence window.
func (s *Scanner) SetOnLost(fn func(address string)) {
	s.cbMu.Lock()
	s.onLost = fn
	s.cbMu.Unlock()
}

// SetOnDiscovered registers the callback fired for vendor advertisements
// from untracked devices. Debounced per device.
func (s *Scanner) SetOnDiscovered(fn func(adv Advertisement)) {
	s.cbMu.Lock()
	s.onDiscovered = fn
	s.cbMu.Unlock()
}

// Track adds an address to presence tracking.
func (s *Scanner) Track(address string) {
	addr := NormalizeAddress(address)
	s.mu.Lock()
	if _, ok := s.tracked[addr]; !ok {
		// Assume present until the first sweep proves otherwise, so a
		// device that is simply quiet at startup is not declared lost
		// immediately.
		s.tracked[addr] = true
		s.lastSeen[addr] = time.Now()
	}
	s.mu.Unlock()
}

// Untrack stops presence tracking for an address.
func (s *Scanner) Untrack(address string) {
	addr := NormalizeAddress(address)
	s.mu.Lock()
	delete(s.tracked, addr)
	delete(s.lastSeen, addr)
	delete(s.lastSignal, addr)
	s.mu.Unlock()
}

// Start begins scanning and the absence sweep. Safe to call once.
func (s *Scanner) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.scanLoop()
	go s.sweepLoop()

	s.logInfo("scanner started",
		"absence_window", s.absenceWindow.String(),
		"sweep_interval", s.sweepInterval.String())
	return nil
}

// Stop halts scanning. Idempotent; blocks until both loops exit.
func (s *Scanner) Stop() {
	s.done.Close()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Advertisements returns the total advertisements handled.
func (s *Scanner) Advertisements() uint64 {
	return s.advertisements.Load()
}

// scanLoop keeps the radio scanning, restarting after transient errors.
func (s *Scanner) scanLoop() {
	defer s.wg.Done()
	for {
		err := s.transport.Scan(s.ctx, s.handleAdvertisement)
		if s.isClosed() || s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logWarn("scan stopped, restarting", "error", err)
		}
		select {
		case <-s.done.Done():
			return
		case <-time.After(scanRestartDelay):
		}
	}
}

func (s *Scanner) handleAdvertisement(adv Advertisement) {
	s.advertisements.Add(1)
	addr := NormalizeAddress(adv.Address)
	now := time.Now()

	s.mu.Lock()
	_, isTracked := s.tracked[addr]
	if isTracked {
		s.tracked[addr] = true
		s.lastSeen[addr] = now
	}
	last := s.lastSignal[addr]
	debounced := now.Sub(last) < s.seenDebounce
	if !debounced {
		s.lastSignal[addr] = now
	}
	s.mu.Unlock()

	if debounced {
		return
	}

	if isTracked {
		s.cbMu.RLock()
		fn := s.onSeen
		s.cbMu.RUnlock()
		if fn != nil {
			fn(addr, adv.RSSI)
		}
		return
	}

	if !isVendorAdvertisement(adv) {
		return
	}
	s.discoveries.Add(1)
	s.logDebug("vendor device discovered", "device", addr,
		"name", adv.LocalName, "rssi", adv.RSSI)

	s.cbMu.RLock()
	fn := s.onDiscovered
	s.cbMu.RUnlock()
	if fn != nil {
		fn(adv)
	}
}

// sweepLoop periodically declares tracked devices lost after the absence
// window.
func (s *Scanner) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Scanner) sweep(now time.Time) {
	cutoff := now.Add(-s.absenceWindow)

	var lost []string
	s.mu.Lock()
	for addr, present := range s.tracked {
		if present && s.lastSeen[addr].Before(cutoff) {
			s.tracked[addr] = false
			lost = append(lost, addr)
		}
	}
	s.mu.Unlock()

	if len(lost) == 0 {
		return
	}
	s.cbMu.RLock()
	fn := s.onLost
	s.cbMu.RUnlock()
	for _, addr := range lost {
		s.logInfo("device lost", "device", addr, "absence_window", s.absenceWindow.String())
		if fn != nil {
			fn(addr)
		}
	}
}

func (s *Scanner) isClosed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

// isVendorAdvertisement reports whether an advertisement looks like one of
// the vendor's devices, by manufacturer ID or advertised name.
func isVendorAdvertisement(adv Advertisement) bool {
	if adv.HasManufacturer(LevitonManufacturerID) {
		return true
	}
	return strings.HasPrefix(adv.LocalName, levitonNamePrefix)
}

func (s *Scanner) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func (s *Scanner) logDebug(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (s *Scanner) logInfo(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (s *Scanner) logWarn(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

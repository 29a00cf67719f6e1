package decora

import (
	"errors"
	"sync"
	"time"
)

// SessionRegistryOptions carries the per-session defaults applied to every
// session the registry creates.
type SessionRegistryOptions struct {
	// Backoff paces reconnect attempts.
	Backoff BackoffOptions

	// OfflineLimit is the absence window after which sessions suspend
	// reconnection. Zero uses the session default; negative disables.
	OfflineLimit time.Duration
}

// SessionRegistry owns the live sessions, keyed by device address.
//
// It fans scanner signals out to the right session and fans session events
// in to a single pair of callbacks, so the bridge deals with one event
// stream instead of one per device.
//
// All methods are safe for concurrent use.
type SessionRegistry struct {
	links *LinkManager
	auth  *Authenticator
	opts  SessionRegistryOptions

	mu       sync.RWMutex
	sessions map[string]*Session

	cbMu                  sync.RWMutex
	onStateChanged        func(DeviceIdentity, LightState)
	onAvailabilityChanged func(DeviceIdentity, bool)

	logger   Logger
	loggerMu sync.RWMutex
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(links *LinkManager, auth *Authenticator, opts SessionRegistryOptions) (*SessionRegistry, error) {
	if links == nil {
		return nil, errors.New("decora: registry requires a link manager")
	}
	if auth == nil {
		return nil, errors.New("decora: registry requires an authenticator")
	}
	return &SessionRegistry{
		links:    links,
		auth:     auth,
		opts:     opts,
		sessions: make(map[string]*Session),
	}, nil
}

// SetLogger sets the logger handed to sessions created afterwards.
func (r *SessionRegistry) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// SetOnStateChanged registers the callback receiving every session's state
// events. Applies to existing sessions too.
func (r *SessionRegistry) SetOnStateChanged(fn func(DeviceIdentity, LightState)) {
	r.cbMu.Lock()
	r.onStateChanged = fn
	r.cbMu.Unlock()
}

// SetOnAvailabilityChanged registers the callback receiving every
// session's availability edges. Applies to existing sessions too.
func (r *SessionRegistry) SetOnAvailabilityChanged(fn func(DeviceIdentity, bool)) {
	r.cbMu.Lock()
	r.onAvailabilityChanged = fn
	r.cbMu.Unlock()
}

// Upsert returns the session for a device, creating and starting one if
// needed. An existing session gets its key replaced when the given options
// carry one.
func (r *SessionRegistry) Upsert(opts SessionOptions) (*Session, error) {
	if !opts.Identity.IsValid() {
		return nil, ErrInvalidAddress
	}
	addr := opts.Identity.Address

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[addr]; ok {
		if !opts.Key.IsZero() {
			existing.SetAPIKey(opts.Key)
		}
		return existing, nil
	}

	if opts.OfflineLimit == 0 {
		opts.OfflineLimit = r.opts.OfflineLimit
	}
	if (opts.Backoff == BackoffOptions{}) {
		opts.Backoff = r.opts.Backoff
	}

	session, err := NewSession(r.links, r.auth, opts)
	if err != nil {
		return nil, err
	}
	session.SetLogger(r.getLogger())
	session.SetOnStateChanged(r.emitState)
	session.SetOnAvailabilityChanged(r.emitAvailability)

	if err := session.Start(); err != nil {
		return nil, err
	}

	r.sessions[addr] = session
	r.logInfo("session registered", "device", addr, "has_key", !opts.Key.IsZero())
	return session, nil
}

// Get returns the session for an address, normalized before lookup.
func (r *SessionRegistry) Get(address string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[NormalizeAddress(address)]
	return s, ok
}

// List returns the live sessions in no particular order.
func (r *SessionRegistry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove stops a session and forgets it, for devices that were unpaired.
func (r *SessionRegistry) Remove(address string) {
	addr := NormalizeAddress(address)

	r.mu.Lock()
	session, ok := r.sessions[addr]
	delete(r.sessions, addr)
	r.mu.Unlock()

	if ok {
		session.Stop()
		r.logInfo("session removed", "device", addr)
	}
}

// DeviceSeen routes an advertisement to the matching session. Returns
// false for addresses the registry does not manage.
func (r *SessionRegistry) DeviceSeen(address string, rssi int16) bool {
	session, ok := r.Get(address)
	if !ok {
		return false
	}
	session.DeviceSeen(rssi)
	return true
}

// DeviceLost routes an absence signal to the matching session.
func (r *SessionRegistry) DeviceLost(address string) {
	if session, ok := r.Get(address); ok {
		session.DeviceLost()
	}
}

// Stats returns per-device counters keyed by address.
func (r *SessionRegistry) Stats() map[string]SessionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]SessionStats, len(r.sessions))
	for addr, s := range r.sessions {
		out[addr] = s.Stats()
	}
	return out
}

// StopAll stops every session and waits for them to land.
func (r *SessionRegistry) StopAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
	r.logInfo("all sessions stopped", "count", len(sessions))
}

func (r *SessionRegistry) emitState(id DeviceIdentity, state LightState) {
	r.cbMu.RLock()
	fn := r.onStateChanged
	r.cbMu.RUnlock()
	if fn != nil {
		fn(id, state)
	}
}

func (r *SessionRegistry) emitAvailability(id DeviceIdentity, available bool) {
	r.cbMu.RLock()
	fn := r.onAvailabilityChanged
	r.cbMu.RUnlock()
	if fn != nil {
		fn(id, available)
	}
}

func (r *SessionRegistry) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

func (r *SessionRegistry) logInfo(msg string, keysAndValues ...any) {
	if l := r.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

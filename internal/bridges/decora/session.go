package decora

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Session tuning.
const (
	// requestQueueSize buffers command submissions so callers are not
	// lock-stepped with the session goroutine.
	requestQueueSize = 8

	// maxLevel is the device's brightness ceiling.
	maxLevel = 100

	// defaultOfflineLimit is how long a device may stay lost (per the
	// scanner) before the session suspends reconnection and parks in
	// Disconnected until it is seen again. Zero disables the limit.
	defaultOfflineLimit = 5 * time.Minute

	// defaultSeenSpacing is the minimum gap between connect attempts
	// triggered by advertisements. Rediscovery storms otherwise hammer a
	// device that is refusing connections.
	defaultSeenSpacing = 5 * time.Second
)

// ConnectionState is the session's position in the connection lifecycle.
type ConnectionState int32

// Session states.
const (
	// StateDisconnected is the initial state: no link, no retry timer.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a connect attempt is in flight.
	StateConnecting

	// StateAuthenticating means the link is up and the key handshake is
	// running.
	StateAuthenticating

	// StateReady means the device accepts commands and streams status
	// notifications.
	StateReady

	// StateReconnecting means the session is waiting out a backoff delay
	// before the next connect attempt.
	StateReconnecting

	// StateFailed is terminal until an explicit Retry: the stored key was
	// rejected or the address is unusable.
	StateFailed
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// LightState is the last known device state.
//
// Provisional marks an optimistic local update that the device has not
// confirmed yet; it is cleared by the confirming STATUS frame or reverted
// if the command fails.
type LightState struct {
	On          bool `json:"on"`
	Level       int  `json:"level"`
	Dimmable    bool `json:"dimmable"`
	Provisional bool `json:"provisional,omitempty"`
}

// SessionStats holds per-device operational counters.
type SessionStats struct {
	State           ConnectionState
	ConnectsTotal   uint64
	ReconnectsTotal uint64
	CommandsSent    uint64
	StatusReceived  uint64
	FramesDropped   uint64
	LastSeen        time.Time
	RSSI            int16
}

// SessionOptions configures a device session.
type SessionOptions struct {
	// Identity is the device address. Required.
	Identity DeviceIdentity

	// Key is the stored API key. A session without a key stays in
	// Disconnected until one is set or retrieved.
	Key ApiKey

	// Dimmable is the initial belief about the device's dimming
	// capability; the model read after the first unlock corrects it.
	// Defaults to true.
	Dimmable *bool

	// ConnectOnStart makes Start move straight to Connecting when a key
	// is present, rather than waiting for the first advertisement.
	// Defaults to true.
	ConnectOnStart *bool

	// OfflineLimit suspends reconnection after the device has been lost
	// for this long. Zero uses the default; negative disables.
	OfflineLimit time.Duration

	// Backoff customizes reconnect pacing.
	Backoff BackoffOptions
}

type requestKind int

const (
	reqCommand requestKind = iota
	reqReadState
	reqRetrieveKey
)

type sessionRequest struct {
	kind  requestKind
	ctx   context.Context
	frame Frame
	reply chan sessionReply
}

type sessionReply struct {
	err   error
	state LightState
	key   ApiKey
}

// Session drives one device through the connection lifecycle and owns its
// state.
//
// All device I/O runs on a single session goroutine, so GATT operations for
// one device never interleave. Commands, signals, and accessors are safe
// for concurrent use; state and availability events are delivered in order
// from the session goroutine.
type Session struct {
	identity DeviceIdentity

	links *LinkManager
	auth  *Authenticator

	keyMu sync.RWMutex
	key   ApiKey

	connectOnStart bool
	offlineLimit   time.Duration
	seenSpacing    time.Duration
	backoff        *backoff

	// Actor plumbing.
	requests chan sessionRequest
	seen     chan struct{}
	lost     chan struct{}
	retrySig chan struct{}

	started atomic.Bool
	done    *closeOnce
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	// Owned by the session goroutine between states.
	link          *Link
	notifications <-chan []byte
	summaryLoaded bool
	lostSignaled  bool
	lastAttempt   time.Time

	stateVal atomic.Int32

	// mu guards light, confirmed, summary, dimmable, lastErr.
	mu        sync.RWMutex
	light     LightState
	confirmed LightState
	summary   DeviceSummary
	dimmable  bool
	lastErr   error

	callbackMu            sync.RWMutex
	onStateChanged        func(DeviceIdentity, LightState)
	onAvailabilityChanged func(DeviceIdentity, bool)

	logger   Logger
	loggerMu sync.RWMutex

	connectsTotal   atomic.Uint64
	reconnectsTotal atomic.Uint64
	commandsSent    atomic.Uint64
	statusReceived  atomic.Uint64
	framesDropped   atomic.Uint64
	lastSeenUnix    atomic.Int64
	lastRSSI        atomic.Int32
}

// NewSession creates a session for one device.
//
// Parameters:
//   - links: Link Manager shared across sessions
//   - auth: Authenticator shared across sessions
//   - opts: Device identity, key, and pacing
//
// Returns:
//   - *Session: Session in Disconnected; call Start to begin
//   - error: If a collaborator is missing or the identity is invalid
func NewSession(links *LinkManager, auth *Authenticator, opts SessionOptions) (*Session, error) {
	if links == nil {
		return nil, errors.New("decora: session requires a link manager")
	}
	if auth == nil {
		return nil, errors.New("decora: session requires an authenticator")
	}
	if !opts.Identity.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, opts.Identity.Address)
	}

	dimmable := true
	if opts.Dimmable != nil {
		dimmable = *opts.Dimmable
	}
	connectOnStart := true
	if opts.ConnectOnStart != nil {
		connectOnStart = *opts.ConnectOnStart
	}
	offlineLimit := opts.OfflineLimit
	if offlineLimit == 0 {
		offlineLimit = defaultOfflineLimit
	}
	if offlineLimit < 0 {
		offlineLimit = 0
	}

	s := &Session{
		identity:       opts.Identity,
		links:          links,
		auth:           auth,
		key:            opts.Key,
		connectOnStart: connectOnStart,
		offlineLimit:   offlineLimit,
		seenSpacing:    defaultSeenSpacing,
		backoff:        newBackoff(opts.Backoff),
		requests:       make(chan sessionRequest, requestQueueSize),
		seen:           make(chan struct{}, 1),
		lost:           make(chan struct{}, 1),
		retrySig:       make(chan struct{}, 1),
		done:           newCloseOnce(),
		dimmable:       dimmable,
	}
	s.light = LightState{Dimmable: dimmable}
	s.confirmed = s.light
	return s, nil
}

// Identity returns the device this session controls.
func (s *Session) Identity() DeviceIdentity {
	return s.identity
}

// SetLogger sets the logger for session diagnostics.
func (s *Session) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// SetOnStateChanged registers the state event callback. Events are
// delivered in order from the session goroutine; the callback must not
// call Stop.
func (s *Session) SetOnStateChanged(fn func(DeviceIdentity, LightState)) {
	s.callbackMu.Lock()
	s.onStateChanged = fn
	s.callbackMu.Unlock()
}

// SetOnAvailabilityChanged registers the availability event callback,
// fired exactly once per transition into or out of Ready.
func (s *Session) SetOnAvailabilityChanged(fn func(DeviceIdentity, bool)) {
	s.callbackMu.Lock()
	s.onAvailabilityChanged = fn
	s.callbackMu.Unlock()
}

// Start launches the session goroutine. Safe to call once; a stopped
// session cannot be restarted.
func (s *Session) Start() error {
	if s.isClosed() {
		return ErrSessionStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.lastSeenUnix.Store(time.Now().Unix())

	if s.connectOnStart && !s.getKey().IsZero() {
		s.signal(s.seen)
	}

	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop shuts the session down from any state and lands in Disconnected.
//
// Idempotent; blocks until the session goroutine has exited and the link
// is released. Must not be called from a session callback.
func (s *Session) Stop() {
	s.done.Close()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.stateVal.Store(int32(StateDisconnected))
}

// DeviceSeen tells the session the device was just observed advertising.
// In Reconnecting this short-circuits the remaining backoff delay.
// Attempts triggered this way stay at least five seconds apart.
func (s *Session) DeviceSeen(rssi int16) {
	s.lastSeenUnix.Store(time.Now().Unix())
	s.lastRSSI.Store(int32(rssi))
	s.signal(s.seen)
}

// DeviceLost tells the session the device has not advertised for the
// scanner's absence window.
func (s *Session) DeviceLost() {
	s.signal(s.lost)
}

// Retry asks a Failed session to attempt connecting again, typically after
// SetAPIKey.
func (s *Session) Retry() {
	s.signal(s.retrySig)
}

// SetAPIKey replaces the stored key. Takes effect on the next handshake.
func (s *Session) SetAPIKey(key ApiKey) {
	s.keyMu.Lock()
	s.key = key
	s.keyMu.Unlock()
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	return ConnectionState(s.stateVal.Load())
}

// Available reports whether the session is Ready.
func (s *Session) Available() bool {
	return s.State() == StateReady
}

// Light returns the last known light state, provisional or confirmed.
func (s *Session) Light() LightState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.light
}

// Summary returns the device information read after the first unlock.
// Zero until the first Ready.
func (s *Session) Summary() DeviceSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

// LastError returns the error that put the session into Failed, if any.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Stats returns operational counters for health reporting.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		State:           s.State(),
		ConnectsTotal:   s.connectsTotal.Load(),
		ReconnectsTotal: s.reconnectsTotal.Load(),
		CommandsSent:    s.commandsSent.Load(),
		StatusReceived:  s.statusReceived.Load(),
		FramesDropped:   s.framesDropped.Load(),
		LastSeen:        time.Unix(s.lastSeenUnix.Load(), 0),
		RSSI:            int16(s.lastRSSI.Load()),
	}
}

// SetPower turns the device on or off. Turning on restores the last
// confirmed level, or full brightness when none is known.
func (s *Session) SetPower(ctx context.Context, on bool) error {
	level := s.confirmedLevel()
	if on && level == 0 {
		level = maxLevel
	}
	return s.sendCommand(ctx, on, level, 0)
}

// SetBrightness sets the brightness level (0-100, clamped). Level zero
// turns the device off; anything else turns it on.
func (s *Session) SetBrightness(ctx context.Context, level int) error {
	return s.SetBrightnessWithTransition(ctx, level, 0)
}

// SetBrightnessWithTransition sets the brightness with a fade time.
// The device fades in whole seconds; fractions round to the nearest
// second and zero applies immediately.
func (s *Session) SetBrightnessWithTransition(ctx context.Context, level int, fade time.Duration) error {
	return s.sendCommand(ctx, level > 0, level, fadeSeconds(fade))
}

func (s *Session) sendCommand(ctx context.Context, on bool, level int, fade uint8) error {
	level = clampLevel(level)
	if !s.isDimmable() && on {
		level = maxLevel
	}
	req := sessionRequest{
		kind:  reqCommand,
		ctx:   ctx,
		frame: NewCommandFrame(on, uint8(level), fade),
		reply: make(chan sessionReply, 1),
	}
	r, err := s.submit(ctx, req)
	if err != nil {
		return err
	}
	return r.err
}

// ReadState reads the device state directly, bypassing the cache. Valid
// only in Ready.
func (s *Session) ReadState(ctx context.Context) (LightState, error) {
	req := sessionRequest{
		kind:  reqReadState,
		ctx:   ctx,
		reply: make(chan sessionReply, 1),
	}
	r, err := s.submit(ctx, req)
	if err != nil {
		return LightState{}, err
	}
	return r.state, r.err
}

// RetrieveAPIKey connects to the device, retrieves its key, and
// disconnects. Valid only while the session is Disconnected or Failed;
// the device must be in hardware pairing mode. The retrieved key is
// stored on the session.
func (s *Session) RetrieveAPIKey(ctx context.Context) (ApiKey, error) {
	req := sessionRequest{
		kind:  reqRetrieveKey,
		ctx:   ctx,
		reply: make(chan sessionReply, 1),
	}
	r, err := s.submit(ctx, req)
	if err != nil {
		return ApiKey{}, err
	}
	return r.key, r.err
}

func (s *Session) submit(ctx context.Context, req sessionRequest) (sessionReply, error) {
	if !s.started.Load() {
		return sessionReply{}, fmt.Errorf("%w: session not started", ErrNotReady)
	}
	select {
	case <-s.done.Done():
		return sessionReply{}, ErrSessionStopped
	case <-ctx.Done():
		return sessionReply{}, ctx.Err()
	case s.requests <- req:
	}
	select {
	case <-s.done.Done():
		return sessionReply{}, ErrSessionStopped
	case <-ctx.Done():
		return sessionReply{}, ctx.Err()
	case r := <-req.reply:
		return r, nil
	}
}

// run is the session goroutine: a loop over state handlers, each of which
// blocks until it decides the next state.
func (s *Session) run() {
	defer s.wg.Done()
	defer s.teardownLink()

	state := StateDisconnected
	for {
		if s.isClosed() {
			s.setState(StateDisconnected)
			return
		}
		s.setState(state)

		switch state {
		case StateDisconnected:
			state = s.stateDisconnected()
		case StateConnecting:
			state = s.stateConnecting()
		case StateAuthenticating:
			state = s.stateAuthenticating()
		case StateReady:
			state = s.stateReady()
		case StateReconnecting:
			state = s.stateReconnecting()
		case StateFailed:
			state = s.stateFailed()
		}
	}
}

// stateDisconnected waits for a reason to connect: an advertisement or an
// explicit retry. Without a key the session stays put, since connecting
// could only end in a failed handshake.
func (s *Session) stateDisconnected() ConnectionState {
	for {
		select {
		case <-s.done.Done():
			return StateDisconnected
		case <-s.seen:
			s.lostSignaled = false
			if s.getKey().IsZero() {
				s.logDebug("device seen but no key stored, staying disconnected",
					"device", s.identity.Address)
				continue
			}
			if !s.attemptAllowed() {
				continue
			}
			return StateConnecting
		case <-s.retrySig:
			if s.getKey().IsZero() {
				continue
			}
			return StateConnecting
		case <-s.lost:
			s.lostSignaled = true
		case req := <-s.requests:
			if req.kind == reqRetrieveKey {
				s.handlePairing(req)
				continue
			}
			s.reject(req, StateDisconnected)
		}
	}
}

func (s *Session) stateConnecting() ConnectionState {
	s.lastAttempt = time.Now()

	link, err := s.links.Connect(s.ctx, s.identity)
	if err != nil {
		if s.isClosed() || errors.Is(err, context.Canceled) {
			return StateDisconnected
		}
		if errors.Is(err, ErrInvalidAddress) {
			s.fail(err)
			return StateFailed
		}
		s.logWarn("connect failed", "device", s.identity.Address, "error", err)
		return StateReconnecting
	}

	s.link = link
	s.connectsTotal.Add(1)
	s.logInfo("connected", "device", s.identity.Address)
	return StateAuthenticating
}

func (s *Session) stateAuthenticating() ConnectionState {
	status, err := s.auth.Unlock(s.ctx, s.link, s.getKey())
	if err != nil {
		if s.isClosed() || errors.Is(err, context.Canceled) {
			return StateDisconnected
		}
		if errors.Is(err, ErrBadKey) {
			s.logError("api key rejected", "device", s.identity.Address, "error", err)
			s.fail(err)
			return StateFailed
		}
		s.logWarn("authentication failed", "device", s.identity.Address, "error", err)
		return StateReconnecting
	}

	notifications, err := s.link.Subscribe(s.ctx, CharState)
	if err != nil {
		if s.isClosed() || errors.Is(err, context.Canceled) {
			return StateDisconnected
		}
		s.logWarn("status subscription failed", "device", s.identity.Address, "error", err)
		return StateReconnecting
	}
	s.notifications = notifications

	s.applyStatus(status)
	s.loadSummary()
	s.backoff.reset()
	return StateReady
}

// stateReady serves commands and status notifications until the link drops
// or the session stops.
func (s *Session) stateReady() ConnectionState {
	for {
		select {
		case <-s.done.Done():
			return StateDisconnected

		case <-s.link.Dropped():
			s.logWarn("link dropped", "device", s.identity.Address)
			return StateReconnecting

		case data := <-s.notifications:
			s.handleNotification(data)

		case <-s.seen:
			s.lostSignaled = false

		case <-s.lost:
			// The scanner can miss advertisements from a device we hold a
			// connection to; the live link outranks the absence sweep.
			s.lostSignaled = true

		case req := <-s.requests:
			if next, ok := s.handleReady(req); !ok {
				return next
			}
		}
	}
}

// handleReady executes one request in Ready. Returns ok=false with the
// next state when the link gave out.
func (s *Session) handleReady(req sessionRequest) (ConnectionState, bool) {
	switch req.kind {
	case reqCommand:
		err := s.executeCommand(req)
		if isLinkFault(err) {
			return StateReconnecting, false
		}
		return StateReady, true

	case reqReadState:
		state, err := s.readDeviceState(req.ctx)
		req.reply <- sessionReply{state: state, err: err}
		if isLinkFault(err) {
			return StateReconnecting, false
		}
		return StateReady, true

	case reqRetrieveKey:
		req.reply <- sessionReply{err: fmt.Errorf("%w: pairing requires a disconnected session", ErrNotReady)}
		return StateReady, true

	default:
		req.reply <- sessionReply{err: fmt.Errorf("decora: unknown request kind %d", req.kind)}
		return StateReady, true
	}
}

// executeCommand runs the optimistic-then-reconcile write cycle.
//
// The provisional state is published immediately. The device's answer (the
// read-back STATUS) is the truth: it confirms, adjusts, or effectively
// reverts the provisional value. On a failed write or read the last
// confirmed state is restored.
func (s *Session) executeCommand(req sessionRequest) error {
	prev := s.getConfirmed()

	provisional := LightState{
		On:          req.frame.On,
		Level:       int(req.frame.Level),
		Dimmable:    s.isDimmable(),
		Provisional: true,
	}
	s.publishLight(provisional)

	err := s.link.WriteFrame(req.ctx, CharState, req.frame)
	if err == nil {
		var status LightState
		status, err = s.readDeviceState(req.ctx)
		if err == nil {
			s.commandsSent.Add(1)
			req.reply <- sessionReply{state: status}
			return nil
		}
	}

	// Revert to the last confirmed state so consumers never keep a
	// provisional value that the device did not take.
	s.publishLight(prev)
	s.logWarn("command failed", "device", s.identity.Address,
		"frame", req.frame.String(), "error", err)
	req.reply <- sessionReply{err: err}
	return err
}

// readDeviceState reads and applies the device's current STATUS.
func (s *Session) readDeviceState(ctx context.Context) (LightState, error) {
	data, err := s.link.Read(ctx, CharState)
	if err != nil {
		return LightState{}, err
	}
	f, err := DecodeFrame(data)
	if err != nil {
		s.framesDropped.Add(1)
		s.logWarn("dropping malformed status read", "device", s.identity.Address,
			"data", fmt.Sprintf("%X", data), "error", err)
		return LightState{}, err
	}
	switch f.Kind {
	case FrameStatus:
		return s.applyStatus(f), nil
	case FrameError:
		return LightState{}, fmt.Errorf("decora: device error 0x%02X from %s", f.Code, s.identity)
	default:
		return LightState{}, fmt.Errorf("%w: unexpected %s on state read", ErrMalformedFrame, f.Kind)
	}
}

// handleNotification processes one frame from the status subscription.
// Malformed frames are logged and dropped, never fatal.
func (s *Session) handleNotification(data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		s.framesDropped.Add(1)
		s.logWarn("dropping malformed notification", "device", s.identity.Address,
			"data", fmt.Sprintf("%X", data), "error", err)
		return
	}
	switch f.Kind {
	case FrameStatus:
		s.applyStatus(f)
	case FrameError:
		s.logWarn("device reported error", "device", s.identity.Address, "code", f.Code)
	default:
		s.logDebug("ignoring frame on status stream", "device", s.identity.Address, "kind", f.Kind.String())
	}
}

// applyStatus folds a STATUS frame into the confirmed state and publishes
// it.
func (s *Session) applyStatus(f Frame) LightState {
	s.statusReceived.Add(1)
	state := LightState{
		On:       f.On,
		Level:    int(f.Level),
		Dimmable: s.isDimmable(),
	}
	s.mu.Lock()
	s.confirmed = state
	s.mu.Unlock()
	s.publishLight(state)
	return state
}

func (s *Session) stateReconnecting() ConnectionState {
	s.teardownLink()
	s.reconnectsTotal.Add(1)

	if s.givenUp() {
		s.logInfo("device absent past offline limit, suspending reconnection",
			"device", s.identity.Address)
		return StateDisconnected
	}

	delay := s.backoff.next()
	s.logInfo("reconnecting after backoff", "device", s.identity.Address,
		"delay", delay.String(), "attempt", s.backoff.attemptCount())

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-s.done.Done():
			return StateDisconnected
		case <-timer.C:
			return StateConnecting
		case <-s.seen:
			s.lostSignaled = false
			if !s.attemptAllowed() {
				// Too soon after the last attempt; the backoff timer
				// stands.
				continue
			}
			// The device is back; skip the remaining delay.
			return StateConnecting
		case <-s.lost:
			s.lostSignaled = true
			if s.givenUp() {
				return StateDisconnected
			}
		case req := <-s.requests:
			s.reject(req, StateReconnecting)
		}
	}
}

// attemptAllowed reports whether enough time has passed since the last
// connect attempt for an advertisement to trigger another one.
func (s *Session) attemptAllowed() bool {
	return s.seenSpacing <= 0 || time.Since(s.lastAttempt) >= s.seenSpacing
}

// givenUp reports whether the device has been lost longer than the offline
// limit. Only an explicit lost signal arms the check, so deployments
// without a scanner never give up.
func (s *Session) givenUp() bool {
	if s.offlineLimit <= 0 || !s.lostSignaled {
		return false
	}
	lastSeen := time.Unix(s.lastSeenUnix.Load(), 0)
	return time.Since(lastSeen) > s.offlineLimit
}

func (s *Session) stateFailed() ConnectionState {
	for {
		select {
		case <-s.done.Done():
			return StateDisconnected
		case <-s.retrySig:
			return StateConnecting
		case <-s.seen:
			// Seen alone never leaves Failed: the key is still wrong.
			s.lostSignaled = false
		case <-s.lost:
			s.lostSignaled = true
		case req := <-s.requests:
			if req.kind == reqRetrieveKey {
				s.handlePairing(req)
				continue
			}
			s.reject(req, StateFailed)
		}
	}
}

// handlePairing runs the key retrieval flow: connect, retrieve,
// disconnect. The session stays in its current state.
func (s *Session) handlePairing(req sessionRequest) {
	link, err := s.links.Connect(req.ctx, s.identity)
	if err != nil {
		req.reply <- sessionReply{err: err}
		return
	}
	defer func() { _ = link.Disconnect() }()

	key, err := s.auth.RetrieveKey(req.ctx, link)
	if err != nil {
		req.reply <- sessionReply{err: err}
		return
	}

	s.SetAPIKey(key)
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
	req.reply <- sessionReply{key: key}
}

func (s *Session) reject(req sessionRequest, state ConnectionState) {
	req.reply <- sessionReply{err: fmt.Errorf("%w: session is %s", ErrNotReady, state)}
}

// loadSummary reads the Device Information Service once per session and
// corrects the dimmable flag from the model number.
func (s *Session) loadSummary() {
	if s.summaryLoaded {
		return
	}
	summary, err := ReadDeviceSummary(s.ctx, s.link)
	if err != nil {
		s.logWarn("device info read failed", "device", s.identity.Address, "error", err)
		return
	}
	s.summaryLoaded = true

	dimmable := summary.IsDimmable()
	s.mu.Lock()
	s.summary = summary
	changed := s.dimmable != dimmable
	s.dimmable = dimmable
	confirmed := s.confirmed
	confirmed.Dimmable = dimmable
	s.confirmed = confirmed
	s.mu.Unlock()

	s.logInfo("device information loaded", "device", s.identity.Address,
		"model", summary.Model, "firmware", summary.SoftwareRevision, "dimmable", dimmable)
	if changed {
		s.publishLight(confirmed)
	}
}

// teardownLink releases the link and its subscription, if any.
func (s *Session) teardownLink() {
	if s.link != nil {
		_ = s.link.Disconnect()
		s.link = nil
		s.notifications = nil
	}
}

// fail records the terminal error before entering Failed.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.teardownLink()
}

// setState records a transition and emits availability edges.
func (s *Session) setState(next ConnectionState) {
	prev := ConnectionState(s.stateVal.Swap(int32(next)))
	if prev == next {
		return
	}
	s.logDebug("state transition", "device", s.identity.Address,
		"from", prev.String(), "to", next.String())

	wasReady := prev == StateReady
	isReady := next == StateReady
	if wasReady != isReady {
		s.emitAvailability(isReady)
	}
}

// publishLight stores and emits a light state if it differs from the
// current one.
func (s *Session) publishLight(state LightState) {
	s.mu.Lock()
	changed := s.light != state
	s.light = state
	s.mu.Unlock()
	if changed {
		s.emitState(state)
	}
}

func (s *Session) emitState(state LightState) {
	s.callbackMu.RLock()
	fn := s.onStateChanged
	s.callbackMu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logError("state callback panic", "device", s.identity.Address, "panic", r)
		}
	}()
	fn(s.identity, state)
}

func (s *Session) emitAvailability(available bool) {
	s.callbackMu.RLock()
	fn := s.onAvailabilityChanged
	s.callbackMu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logError("availability callback panic", "device", s.identity.Address, "panic", r)
		}
	}()
	fn(s.identity, available)
}

func (s *Session) getKey() ApiKey {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	return s.key
}

func (s *Session) getConfirmed() LightState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmed
}

func (s *Session) confirmedLevel() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmed.Level
}

func (s *Session) isDimmable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimmable
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

func (s *Session) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// isLinkFault reports whether an error means the link is unusable and the
// session should reconnect.
func isLinkFault(err error) bool {
	return errors.Is(err, ErrLinkDropped) || errors.Is(err, ErrIoTimeout) ||
		errors.Is(err, ErrNotConnected)
}

func clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > maxLevel {
		return maxLevel
	}
	return level
}

// fadeSeconds converts a duration to the wire's whole-second fade field.
func fadeSeconds(d time.Duration) uint8 {
	if d <= 0 {
		return 0
	}
	secs := int64((d + time.Second/2) / time.Second)
	if secs > 255 {
		return 255
	}
	return uint8(secs)
}

func (s *Session) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func (s *Session) logDebug(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (s *Session) logInfo(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (s *Session) logWarn(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (s *Session) logError(msg string, keysAndValues ...any) {
	if l := s.getLogger(); l != nil {
		l.Error(msg, keysAndValues...)
	}
}

package decora

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts for GATT operations.
const (
	// defaultConnectTimeout is the maximum time to wait for a connection
	// plus service discovery.
	defaultConnectTimeout = 10 * time.Second

	// defaultOperationTimeout bounds every read, write, and subscribe on
	// a live link. BLE operations can hang indefinitely when a device
	// drops off mid-exchange; the bound turns that into ErrIoTimeout.
	defaultOperationTimeout = 10 * time.Second

	// defaultPairingTimeout is the larger budget for the key retrieval
	// read. The device only answers after its pairing window opens, which
	// takes noticeably longer than a normal GATT read.
	defaultPairingTimeout = 30 * time.Second

	// notifyQueueSize is the buffer size of a subscription channel.
	// Status notifications are small and rare; a full queue means the
	// consumer stalled and further frames are dropped.
	notifyQueueSize = 16

	// subscribeAttempts and subscribeRetryDelay govern notification
	// registration. Decora firmware intermittently rejects the CCCD
	// write right after connecting; a short retry settles it.
	subscribeAttempts   = 3
	subscribeRetryDelay = 400 * time.Millisecond
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// LinkOptions holds Link Manager configuration.
type LinkOptions struct {
	// ConnectTimeout is the maximum time for connect plus discovery.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// OperationTimeout bounds individual GATT operations.
	// Default: 10 seconds.
	OperationTimeout time.Duration
}

// LinkManager opens exclusive GATT links on a Transport.
//
// Thread Safety: all methods are safe for concurrent use. Each returned
// Link is owned by a single session and is not shared.
type LinkManager struct {
	transport      Transport
	connectTimeout time.Duration
	opTimeout      time.Duration

	logger   Logger
	loggerMu sync.RWMutex
}

// NewLinkManager creates a Link Manager on the given transport.
func NewLinkManager(transport Transport, opts LinkOptions) *LinkManager {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.OperationTimeout == 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}
	return &LinkManager{
		transport:      transport,
		connectTimeout: opts.ConnectTimeout,
		opTimeout:      opts.OperationTimeout,
	}
}

// SetLogger sets the logger for the manager and links it opens.
func (m *LinkManager) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
}

func (m *LinkManager) getLogger() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

// Connect opens an exclusive link to the device.
//
// Failures are classified for the session state machine: ErrInvalidAddress
// is permanent, ErrConnectTimeout / ErrDeviceUnreachable /
// ErrConnectedElsewhere are transient.
//
// Parameters:
//   - ctx: Context for cancellation; the connect budget is applied on top
//   - identity: Device to connect to
//
// Returns:
//   - *Link: Live link owned by the caller
//   - error: Classified connect error
func (m *LinkManager) Connect(ctx context.Context, identity DeviceIdentity) (*Link, error) {
	if !identity.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, identity.Address)
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	conn, err := m.transport.Connect(connectCtx, identity.Address)
	if err != nil {
		return nil, classifyLinkError(identity, err)
	}

	l := &Link{
		conn:      conn,
		identity:  identity,
		opTimeout: m.opTimeout,
		logger:    m.getLogger(),
		dropped:   newCloseOnce(),
	}
	conn.OnDisconnect(func() {
		l.dropped.Close()
	})
	return l, nil
}

// classifyLinkError maps a transport connect failure onto the taxonomy,
// passing through errors the transport already classified.
func classifyLinkError(identity DeviceIdentity, err error) error {
	switch {
	case errors.Is(err, ErrConnectTimeout),
		errors.Is(err, ErrDeviceUnreachable),
		errors.Is(err, ErrConnectedElsewhere),
		errors.Is(err, ErrInvalidAddress):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrConnectTimeout, identity)
	default:
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnreachable, identity, err)
	}
}

// Link is one live exclusive GATT connection.
//
// Every operation is bounded: by the operation timeout, by the caller's
// context, and by link drop detection, whichever fires first. A Link that
// reported ErrLinkDropped once never recovers; the session reconnects.
type Link struct {
	conn      Conn
	identity  DeviceIdentity
	opTimeout time.Duration
	logger    Logger

	// dropped is closed when the connection is gone, whether by the
	// peripheral or by Disconnect.
	dropped *closeOnce

	// closed marks an explicit local Disconnect.
	closed atomic.Bool

	notifyDropped atomic.Uint64
}

// Identity returns the device this link is connected to.
func (l *Link) Identity() DeviceIdentity {
	return l.identity
}

// Dropped returns a channel closed when the link is gone.
func (l *Link) Dropped() <-chan struct{} {
	return l.dropped.ch
}

// IsAlive reports whether the link is still up.
func (l *Link) IsAlive() bool {
	select {
	case <-l.dropped.Done():
		return false
	default:
		return true
	}
}

// checkUsable returns the error to surface for an operation on a dead link.
func (l *Link) checkUsable() error {
	if l.closed.Load() {
		return fmt.Errorf("%w: %s", ErrNotConnected, l.identity)
	}
	if !l.IsAlive() {
		return fmt.Errorf("%w: %s", ErrLinkDropped, l.identity)
	}
	return nil
}

// Read reads a characteristic under the operation timeout.
func (l *Link) Read(ctx context.Context, c Characteristic) ([]byte, error) {
	return l.read(ctx, c, l.opTimeout)
}

// ReadWithTimeout reads a characteristic under an explicit budget. Used
// for the pairing retrieval read, which needs more than the uniform
// operation timeout.
func (l *Link) ReadWithTimeout(ctx context.Context, c Characteristic, timeout time.Duration) ([]byte, error) {
	return l.read(ctx, c, timeout)
}

func (l *Link) read(ctx context.Context, c Characteristic, timeout time.Duration) ([]byte, error) {
	if err := l.checkUsable(); err != nil {
		return nil, err
	}

	type readResult struct {
		data []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		data, err := l.conn.Read(c)
		ch <- readResult{data, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.dropped.Done():
		return nil, fmt.Errorf("%w: %s", ErrLinkDropped, l.identity)
	case <-ctx.Done():
		return nil, l.ctxError(ctx, "read", c)
	case <-timer.C:
		return nil, fmt.Errorf("%w: read %s on %s", ErrIoTimeout, c, l.identity)
	case r := <-ch:
		if r.err != nil && !l.IsAlive() {
			return nil, fmt.Errorf("%w: %s", ErrLinkDropped, l.identity)
		}
		return r.data, r.err
	}
}

// Write writes data to a characteristic under the operation timeout.
func (l *Link) Write(ctx context.Context, c Characteristic, data []byte) error {
	if err := l.checkUsable(); err != nil {
		return err
	}

	ch := make(chan error, 1)
	go func() {
		ch <- l.conn.Write(c, data)
	}()

	timer := time.NewTimer(l.opTimeout)
	defer timer.Stop()

	select {
	case <-l.dropped.Done():
		return fmt.Errorf("%w: %s", ErrLinkDropped, l.identity)
	case <-ctx.Done():
		return l.ctxError(ctx, "write", c)
	case <-timer.C:
		return fmt.Errorf("%w: write %s on %s", ErrIoTimeout, c, l.identity)
	case err := <-ch:
		if err != nil && !l.IsAlive() {
			return fmt.Errorf("%w: %s", ErrLinkDropped, l.identity)
		}
		return err
	}
}

// WriteFrame encodes and writes a frame to a characteristic.
func (l *Link) WriteFrame(ctx context.Context, c Characteristic, f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return l.Write(ctx, c, data)
}

// Subscribe registers for notifications on a characteristic and returns
// the notification stream.
//
// The stream never closes; consumers should select on Dropped() alongside
// it. Re-subscribing after a drop requires a fresh link. Registration is
// retried a few times because the firmware sporadically rejects it right
// after connect.
func (l *Link) Subscribe(ctx context.Context, c Characteristic) (<-chan []byte, error) {
	if err := l.checkUsable(); err != nil {
		return nil, err
	}

	out := make(chan []byte, notifyQueueSize)
	handler := func(data []byte) {
		// The transport reuses its buffer across callbacks.
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case out <- buf:
		default:
			n := l.notifyDropped.Add(1)
			l.logWarn("notification queue full, dropping frame",
				"device", l.identity.Address, "characteristic", c.String(), "dropped_total", n)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= subscribeAttempts; attempt++ {
		lastErr = l.trySubscribe(ctx, c, handler)
		if lastErr == nil {
			return out, nil
		}
		if errors.Is(lastErr, ErrLinkDropped) || ctx.Err() != nil {
			return nil, lastErr
		}
		l.logWarn("notification subscribe failed, retrying",
			"device", l.identity.Address, "characteristic", c.String(),
			"attempt", attempt, "error", lastErr)

		timer := time.NewTimer(subscribeRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, l.ctxError(ctx, "subscribe", c)
		case <-l.dropped.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s", ErrLinkDropped, l.identity)
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("decora: subscribe %s on %s after %d attempts: %w",
		c, l.identity, subscribeAttempts, lastErr)
}

func (l *Link) trySubscribe(ctx context.Context, c Characteristic, handler func([]byte)) error {
	ch := make(chan error, 1)
	go func() {
		ch <- l.conn.Subscribe(c, handler)
	}()

	timer := time.NewTimer(l.opTimeout)
	defer timer.Stop()

	select {
	case <-l.dropped.Done():
		return fmt.Errorf("%w: %s", ErrLinkDropped, l.identity)
	case <-ctx.Done():
		return l.ctxError(ctx, "subscribe", c)
	case <-timer.C:
		return fmt.Errorf("%w: subscribe %s on %s", ErrIoTimeout, c, l.identity)
	case err := <-ch:
		return err
	}
}

// ctxError maps a context expiry onto the error taxonomy: a deadline is an
// I/O timeout, a cancellation propagates as-is.
func (l *Link) ctxError(ctx context.Context, op string, c Characteristic) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s on %s", ErrIoTimeout, op, c, l.identity)
	}
	return fmt.Errorf("decora: %s %s on %s: %w", op, c, l.identity, ctx.Err())
}

// NotificationsDropped returns the count of notifications discarded
// because the subscription queue was full.
func (l *Link) NotificationsDropped() uint64 {
	return l.notifyDropped.Load()
}

// Disconnect tears the link down and releases the device for other
// controllers. Idempotent; safe on an already-broken link.
func (l *Link) Disconnect() error {
	if l.closed.Swap(true) {
		return nil
	}
	// Conn.Disconnect fires the drop callback, which closes l.dropped.
	if err := l.conn.Disconnect(); err != nil {
		l.logWarn("disconnect failed", "device", l.identity.Address, "error", err)
	}
	l.dropped.Close()
	return nil
}

func (l *Link) logWarn(msg string, keysAndValues ...any) {
	if l.logger != nil {
		l.logger.Warn(msg, keysAndValues...)
	}
}

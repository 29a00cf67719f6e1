package decora

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Authentication timing.
const (
	// challengeWindow is how long Unlock waits for a challenge
	// notification before assuming legacy firmware. Legacy devices skip
	// the challenge entirely; the zero challenge then reduces the
	// response to the raw key write those devices expect.
	challengeWindow = 2 * time.Second

	// unlockSettleDelay is the pause between writing the key response and
	// the verification read. The firmware applies the unlock
	// asynchronously; reading too early gets refused even with a good key.
	unlockSettleDelay = 500 * time.Millisecond
)

// unpairedSentinel is the value the device returns in a key challenge reply
// when it holds no retrievable key, i.e. the pairing button is not held.
var unpairedSentinel = [keyValueSize]byte{0xFF, 0xFF, 0xFF, 0xFF}

// apiKeyHexLen is the length of a hex-encoded API key string.
const apiKeyHexLen = 2 * keyValueSize

// ApiKey is the 4-byte device secret proving authorization to control a
// Decora device.
//
// Keys are retrieved once while the device is in pairing mode and then
// persisted hex-encoded. The zero value means "no key". String and JSON
// renderings are redacted; use Hex only when persisting.
type ApiKey struct {
	value [keyValueSize]byte
	set   bool
}

// ParseAPIKey parses a hex-encoded API key ("27b10455").
//
// Returns ErrInvalidKey unless the string is exactly four hex-encoded
// bytes. An empty string yields the zero key and no error, so optional
// config fields can pass through.
func ParseAPIKey(s string) (ApiKey, error) {
	if s == "" {
		return ApiKey{}, nil
	}
	if len(s) != apiKeyHexLen {
		return ApiKey{}, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidKey, apiKeyHexLen, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ApiKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var k ApiKey
	copy(k.value[:], raw)
	k.set = true
	return k, nil
}

// APIKeyFromBytes builds a key from raw device bytes.
func APIKeyFromBytes(b [keyValueSize]byte) ApiKey {
	return ApiKey{value: b, set: true}
}

// IsZero reports whether no key is set.
func (k ApiKey) IsZero() bool {
	return !k.set
}

// Hex returns the full key hex-encoded, for persistence only.
func (k ApiKey) Hex() string {
	if !k.set {
		return ""
	}
	return hex.EncodeToString(k.value[:])
}

// String returns a redacted rendering. The key never appears in logs.
func (k ApiKey) String() string {
	if !k.set {
		return "(none)"
	}
	return "****"
}

// MarshalJSON redacts the key, mirroring String.
func (k ApiKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Respond computes the unlock response for a device challenge: a byte-wise
// XOR of challenge and key. A zero challenge yields the key itself, which
// is the unlock write legacy firmware expects.
func (k ApiKey) Respond(challenge [keyValueSize]byte) [keyValueSize]byte {
	var response [keyValueSize]byte
	for i := range k.value {
		response[i] = challenge[i] ^ k.value[i]
	}
	return response
}

// AuthenticatorOptions configures handshake timing.
type AuthenticatorOptions struct {
	// Timeout bounds the unlock handshake steps. Default: 10 seconds.
	Timeout time.Duration

	// PairingTimeout bounds the key retrieval read. Default: 30 seconds.
	PairingTimeout time.Duration
}

// Authenticator runs the Decora key handshake on a live link.
//
// It proves possession of the API key (Unlock) and retrieves a fresh key
// from a device in pairing mode (RetrieveKey). It never retries a failed
// handshake: a repeated failure may be a genuinely wrong key, and retry
// policy belongs to the session.
type Authenticator struct {
	timeout        time.Duration
	pairingTimeout time.Duration

	logger   Logger
	loggerMu sync.RWMutex
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(opts AuthenticatorOptions) *Authenticator {
	if opts.Timeout == 0 {
		opts.Timeout = defaultOperationTimeout
	}
	if opts.PairingTimeout == 0 {
		opts.PairingTimeout = defaultPairingTimeout
	}
	return &Authenticator{
		timeout:        opts.Timeout,
		pairingTimeout: opts.PairingTimeout,
	}
}

// SetLogger sets the logger for handshake diagnostics.
func (a *Authenticator) SetLogger(logger Logger) {
	a.loggerMu.Lock()
	a.logger = logger
	a.loggerMu.Unlock()
}

// Unlock proves possession of the key to the device.
//
// Sequence: subscribe to the event characteristic, write the challenge
// request, await the device challenge (falling back to the zero challenge
// for legacy firmware), write the XOR response, settle, then confirm with
// a read of the state characteristic. The device refuses that read on an
// unauthorized link, which is how a wrong key surfaces.
//
// The caller is blocked until the handshake resolves; no commands may be
// interleaved. On success the confirming STATUS frame is returned so the
// session can seed its state without another read.
//
// Errors: ErrBadKey (wrong key, permanent), ErrAuthTimeout (device went
// quiet), ErrLinkDropped (link died mid-handshake).
func (a *Authenticator) Unlock(ctx context.Context, link *Link, key ApiKey) (Frame, error) {
	if key.IsZero() {
		return Frame{}, fmt.Errorf("%w: no key configured for %s", ErrBadKey, link.Identity())
	}

	events, err := link.Subscribe(ctx, CharEvent)
	if err != nil {
		return Frame{}, a.mapHandshakeError("subscribe", link, err)
	}

	if err := link.WriteFrame(ctx, CharEvent, NewKeyChallengeRequest()); err != nil {
		return Frame{}, a.mapHandshakeError("challenge request", link, err)
	}

	challenge, err := a.awaitChallenge(ctx, link, events)
	if err != nil {
		return Frame{}, err
	}

	if err := link.WriteFrame(ctx, CharEvent, NewKeyResponseFrame(key.Respond(challenge))); err != nil {
		return Frame{}, a.mapHandshakeError("key response", link, err)
	}

	if err := sleepCtx(ctx, unlockSettleDelay); err != nil {
		return Frame{}, err
	}

	return a.verifyUnlock(ctx, link)
}

// awaitChallenge waits for the device's challenge reply. Malformed frames
// are logged and dropped; a quiet device within the challenge window means
// legacy firmware and yields the zero challenge.
func (a *Authenticator) awaitChallenge(ctx context.Context, link *Link, events <-chan []byte) ([keyValueSize]byte, error) {
	var zero [keyValueSize]byte

	timer := time.NewTimer(challengeWindow)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return zero, a.mapHandshakeError("challenge wait", link, ctx.Err())

		case <-link.Dropped():
			return zero, fmt.Errorf("%w: %s", ErrLinkDropped, link.Identity())

		case <-timer.C:
			a.logDebug("no challenge within window, assuming legacy firmware",
				"device", link.Identity().Address)
			return zero, nil

		case data := <-events:
			f, err := DecodeFrame(data)
			if err != nil {
				a.logWarn("dropping malformed frame during handshake",
					"device", link.Identity().Address, "data", fmt.Sprintf("%X", data), "error", err)
				continue
			}
			switch {
			case f.Kind == FrameKeyChallenge && !f.IsRequest:
				return f.Value, nil
			case f.Kind == FrameError:
				return zero, fmt.Errorf("%w: device error 0x%02X during handshake", ErrBadKey, f.Code)
			default:
				// Stale status or echoed request; not ours to handle.
				continue
			}
		}
	}
}

// verifyUnlock confirms the unlock took effect by reading the state
// characteristic.
func (a *Authenticator) verifyUnlock(ctx context.Context, link *Link) (Frame, error) {
	data, err := link.ReadWithTimeout(ctx, CharState, a.timeout)
	if err != nil {
		switch {
		case errors.Is(err, ErrIoTimeout):
			return Frame{}, fmt.Errorf("%w: verification read on %s", ErrAuthTimeout, link.Identity())
		case errors.Is(err, ErrLinkDropped), errors.Is(err, ErrNotConnected):
			return Frame{}, err
		default:
			// The firmware refuses state reads on an unauthorized link.
			return Frame{}, fmt.Errorf("%w: %s: %v", ErrBadKey, link.Identity(), err)
		}
	}

	f, err := DecodeFrame(data)
	if err != nil {
		a.logWarn("garbled verification read", "device", link.Identity().Address,
			"data", fmt.Sprintf("%X", data), "error", err)
		return Frame{}, fmt.Errorf("%w: %s: garbled verification read", ErrBadKey, link.Identity())
	}

	switch f.Kind {
	case FrameStatus:
		return f, nil
	case FrameError:
		return Frame{}, fmt.Errorf("%w: %s: device error 0x%02X", ErrBadKey, link.Identity(), f.Code)
	default:
		return Frame{}, fmt.Errorf("%w: %s: unexpected %s on verification", ErrBadKey, link.Identity(), f.Kind)
	}
}

// RetrieveKey reads the device's API key while it is in pairing mode.
//
// The challenge request doubles as the retrieval trigger: a device whose
// pairing button is held answers the read-back with its key, everything
// else answers with the unpaired sentinel.
//
// Errors: ErrNotInPairingMode (sentinel or refusal), ErrPairingTimeout
// (no reply within the pairing budget), ErrLinkDropped.
func (a *Authenticator) RetrieveKey(ctx context.Context, link *Link) (ApiKey, error) {
	if err := link.WriteFrame(ctx, CharEvent, NewKeyChallengeRequest()); err != nil {
		return ApiKey{}, a.mapPairingError(link, err)
	}

	data, err := link.ReadWithTimeout(ctx, CharEvent, a.pairingTimeout)
	if err != nil {
		return ApiKey{}, a.mapPairingError(link, err)
	}

	f, err := DecodeFrame(data)
	if err != nil {
		return ApiKey{}, fmt.Errorf("decora: key retrieval reply from %s: %w", link.Identity(), err)
	}

	switch {
	case f.Kind == FrameKeyChallenge && !f.IsRequest:
		if f.Value == unpairedSentinel {
			return ApiKey{}, fmt.Errorf("%w: %s", ErrNotInPairingMode, link.Identity())
		}
		a.logInfo("api key retrieved", "device", link.Identity().Address)
		return APIKeyFromBytes(f.Value), nil
	case f.Kind == FrameError:
		return ApiKey{}, fmt.Errorf("%w: %s: device error 0x%02X", ErrNotInPairingMode, link.Identity(), f.Code)
	default:
		return ApiKey{}, fmt.Errorf("decora: key retrieval reply from %s: unexpected %s", link.Identity(), f.Kind)
	}
}

// mapHandshakeError folds link failures into the auth taxonomy.
func (a *Authenticator) mapHandshakeError(step string, link *Link, err error) error {
	switch {
	case errors.Is(err, ErrIoTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s on %s", ErrAuthTimeout, step, link.Identity())
	case errors.Is(err, ErrLinkDropped), errors.Is(err, ErrNotConnected):
		return err
	default:
		return fmt.Errorf("decora: %s on %s: %w", step, link.Identity(), err)
	}
}

// mapPairingError folds link failures into the pairing taxonomy.
func (a *Authenticator) mapPairingError(link *Link, err error) error {
	switch {
	case errors.Is(err, ErrIoTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrPairingTimeout, link.Identity())
	case errors.Is(err, ErrLinkDropped), errors.Is(err, ErrNotConnected):
		return err
	default:
		return fmt.Errorf("decora: key retrieval on %s: %w", link.Identity(), err)
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (a *Authenticator) getLogger() Logger {
	a.loggerMu.RLock()
	defer a.loggerMu.RUnlock()
	return a.logger
}

func (a *Authenticator) logDebug(msg string, keysAndValues ...any) {
	if l := a.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (a *Authenticator) logInfo(msg string, keysAndValues ...any) {
	if l := a.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (a *Authenticator) logWarn(msg string, keysAndValues ...any) {
	if l := a.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

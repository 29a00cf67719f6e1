package decora

import "fmt"

// Wire discriminators. The first byte of every frame identifies its kind;
// frames on the state characteristic lead with the power byte, frames on the
// event characteristic lead with an opcode followed by the 0x53 tag.
const (
	// leadKeyResponse opens a KEY_RESPONSE frame (controller → device).
	leadKeyResponse byte = 0x11

	// leadKeyChallenge opens both directions of the KEY_CHALLENGE exchange.
	// A 7-byte frame is the controller's request, a 6-byte frame is the
	// device's reply carrying the challenge or key value.
	leadKeyChallenge byte = 0x22

	// leadError opens an ERROR frame sent by the device.
	leadError byte = 0xFF

	// eventTag is the second byte of every event-characteristic frame.
	eventTag byte = 0x53
)

// Frame sizes. All layouts are fixed-width; decode uses the size together
// with the lead byte to pick the kind.
const (
	statusFrameSize       = 2 // power + level
	errorFrameSize        = 2 // 0xFF + code
	commandFrameSize      = 3 // power + level + fade
	keyReplyFrameSize     = 6 // 0x22 0x53 + value(4)
	keyResponseFrameSize  = 6 // 0x11 0x53 + response(4)
	keyRequestFrameSize   = 7 // 0x22 0x53 + zero padding(5)
	keyValueSize          = 4
	maxPowerByte          = 0x01
)

// FrameKind identifies the shape and meaning of a Frame.
type FrameKind byte

// Frame kinds.
const (
	// FrameStatus is the device's 2-byte state report: power and level.
	// Read from, or notified by, the state characteristic.
	FrameStatus FrameKind = iota

	// FrameCommand is the controller's 3-byte state write: power, level,
	// and fade time in seconds. Written to the state characteristic.
	FrameCommand

	// FrameKeyChallenge covers both halves of the challenge exchange on
	// the event characteristic: the controller's zero-padded request and
	// the device's 4-byte value reply. IsRequest tells them apart.
	FrameKeyChallenge

	// FrameKeyResponse is the controller's 4-byte unlock response on the
	// event characteristic.
	FrameKeyResponse

	// FrameError is the device's 2-byte error report.
	FrameError
)

// String returns the kind name for logging.
func (k FrameKind) String() string {
	switch k {
	case FrameStatus:
		return "STATUS"
	case FrameCommand:
		return "COMMAND"
	case FrameKeyChallenge:
		return "KEY_CHALLENGE"
	case FrameKeyResponse:
		return "KEY_RESPONSE"
	case FrameError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(k))
	}
}

// Frame is one decoded GATT payload.
//
// Only the fields for the frame's kind are meaningful; the rest stay zero.
// Frames are plain values: decode never retains the input slice, and encode
// never mutates the frame.
type Frame struct {
	// Kind selects the wire layout.
	Kind FrameKind

	// On is the power field of STATUS and COMMAND frames.
	On bool

	// Level is the brightness field of STATUS and COMMAND frames.
	// Commands use 0-100; the device reports within the same range.
	Level uint8

	// Fade is the COMMAND transition time in whole seconds. Zero applies
	// the level immediately.
	Fade uint8

	// Value is the 4-byte payload of KEY_CHALLENGE replies (challenge
	// nonce, key, or the unpaired sentinel) and KEY_RESPONSE frames.
	Value [keyValueSize]byte

	// IsRequest marks the controller-sent half of a KEY_CHALLENGE
	// exchange, which carries no value.
	IsRequest bool

	// Code is the ERROR frame's device-defined reason byte.
	Code uint8
}

// DecodeFrame parses a raw GATT payload into a Frame.
//
// Layouts (all single-byte fields):
//
//	STATUS         [power, level]                    2 bytes, state char
//	COMMAND        [power, level, fade]              3 bytes, state char
//	KEY_CHALLENGE  [0x22, 0x53, 0, 0, 0, 0, 0]       7 bytes, request
//	KEY_CHALLENGE  [0x22, 0x53, v0, v1, v2, v3]      6 bytes, reply
//	KEY_RESPONSE   [0x11, 0x53, r0, r1, r2, r3]      6 bytes
//	ERROR          [0xFF, code]                      2 bytes
//
// A bad length or an unknown lead byte fails with ErrMalformedFrame.
// Field values are never range-checked here: a device that rejects a value
// answers with an ERROR frame, which decodes as such.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < statusFrameSize {
		return Frame{}, fmt.Errorf("%w: too short (%d bytes, need at least %d)",
			ErrMalformedFrame, len(data), statusFrameSize)
	}

	switch lead := data[0]; {
	case lead <= maxPowerByte:
		switch len(data) {
		case statusFrameSize:
			return Frame{Kind: FrameStatus, On: lead == 0x01, Level: data[1]}, nil
		case commandFrameSize:
			return Frame{Kind: FrameCommand, On: lead == 0x01, Level: data[1], Fade: data[2]}, nil
		default:
			return Frame{}, fmt.Errorf("%w: state frame of %d bytes", ErrMalformedFrame, len(data))
		}

	case lead == leadKeyChallenge:
		if data[1] != eventTag {
			return Frame{}, fmt.Errorf("%w: key challenge tag 0x%02X", ErrMalformedFrame, data[1])
		}
		switch len(data) {
		case keyRequestFrameSize:
			return Frame{Kind: FrameKeyChallenge, IsRequest: true}, nil
		case keyReplyFrameSize:
			f := Frame{Kind: FrameKeyChallenge}
			copy(f.Value[:], data[2:])
			return f, nil
		default:
			return Frame{}, fmt.Errorf("%w: key challenge of %d bytes", ErrMalformedFrame, len(data))
		}

	case lead == leadKeyResponse:
		if len(data) != keyResponseFrameSize || data[1] != eventTag {
			return Frame{}, fmt.Errorf("%w: key response of %d bytes", ErrMalformedFrame, len(data))
		}
		f := Frame{Kind: FrameKeyResponse}
		copy(f.Value[:], data[2:])
		return f, nil

	case lead == leadError:
		if len(data) != errorFrameSize {
			return Frame{}, fmt.Errorf("%w: error frame of %d bytes", ErrMalformedFrame, len(data))
		}
		return Frame{Kind: FrameError, Code: data[1]}, nil

	default:
		return Frame{}, fmt.Errorf("%w: unknown lead byte 0x%02X", ErrMalformedFrame, lead)
	}
}

// Encode serializes the frame to its wire layout.
//
// The layouts mirror DecodeFrame; encoding then decoding any valid frame
// yields the frame back unchanged.
func (f Frame) Encode() ([]byte, error) {
	switch f.Kind {
	case FrameStatus:
		return []byte{powerByte(f.On), f.Level}, nil

	case FrameCommand:
		return []byte{powerByte(f.On), f.Level, f.Fade}, nil

	case FrameKeyChallenge:
		if f.IsRequest {
			return []byte{leadKeyChallenge, eventTag, 0x00, 0x00, 0x00, 0x00, 0x00}, nil
		}
		buf := make([]byte, keyReplyFrameSize)
		buf[0] = leadKeyChallenge
		buf[1] = eventTag
		copy(buf[2:], f.Value[:])
		return buf, nil

	case FrameKeyResponse:
		buf := make([]byte, keyResponseFrameSize)
		buf[0] = leadKeyResponse
		buf[1] = eventTag
		copy(buf[2:], f.Value[:])
		return buf, nil

	case FrameError:
		return []byte{leadError, f.Code}, nil

	default:
		return nil, fmt.Errorf("%w: cannot encode kind %d", ErrMalformedFrame, f.Kind)
	}
}

func powerByte(on bool) byte {
	if on {
		return 0x01
	}
	return 0x00
}

// String returns a human-readable representation of the frame. Key material
// in Value is shown in full only for challenge nonces; callers logging
// frames that may carry keys should rely on ApiKey redaction instead.
func (f Frame) String() string {
	switch f.Kind {
	case FrameStatus:
		return fmt.Sprintf("Frame{STATUS on:%t level:%d}", f.On, f.Level)
	case FrameCommand:
		return fmt.Sprintf("Frame{COMMAND on:%t level:%d fade:%ds}", f.On, f.Level, f.Fade)
	case FrameKeyChallenge:
		if f.IsRequest {
			return "Frame{KEY_CHALLENGE request}"
		}
		return fmt.Sprintf("Frame{KEY_CHALLENGE reply %X}", f.Value)
	case FrameKeyResponse:
		return "Frame{KEY_RESPONSE}"
	case FrameError:
		return fmt.Sprintf("Frame{ERROR code:0x%02X}", f.Code)
	default:
		return fmt.Sprintf("Frame{kind:%d}", f.Kind)
	}
}

// NewStatusFrame builds a device state report.
func NewStatusFrame(on bool, level uint8) Frame {
	return Frame{Kind: FrameStatus, On: on, Level: level}
}

// NewCommandFrame builds a state write. Level is the target brightness
// (0-100) and fade the transition time in whole seconds; fade 0 applies
// immediately.
func NewCommandFrame(on bool, level, fade uint8) Frame {
	return Frame{Kind: FrameCommand, On: on, Level: level, Fade: fade}
}

// NewKeyChallengeRequest builds the controller's challenge request.
func NewKeyChallengeRequest() Frame {
	return Frame{Kind: FrameKeyChallenge, IsRequest: true}
}

// NewKeyChallengeReply builds the device-side challenge reply. Used by
// tests and tooling that emulate a device.
func NewKeyChallengeReply(value [keyValueSize]byte) Frame {
	return Frame{Kind: FrameKeyChallenge, Value: value}
}

// NewKeyResponseFrame builds the controller's unlock response.
func NewKeyResponseFrame(response [keyValueSize]byte) Frame {
	return Frame{Kind: FrameKeyResponse, Value: response}
}

// NewErrorFrame builds a device error report. Used by tests and tooling
// that emulate a device.
func NewErrorFrame(code uint8) Frame {
	return Frame{Kind: FrameError, Code: code}
}

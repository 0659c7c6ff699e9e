// Package controlframe implements the fixed 16-byte binary frame carrying one
// sample of input-device state from the Controller to the Car.
//
// Layout (all multi-byte fields big-endian):
//
//	bytes 0-3   sequence number (u32, wraps)
//	bytes 4-7   capture timestamp, low 32 bits of ms since epoch (u32)
//	bytes 8-9   throttle, i16 = round(clamp(v, -1, 1) * 32767)
//	bytes 10-11 steering, same quantization
//	bytes 12-13 button bitmask (u16, bit i = button i pressed)
//	byte  14    flags (fixed protocol marker for frame version 2)
//	byte  15    reserved, must be zero
//
// This is the one bit-exact compatibility surface shared with the in-vehicle
// consumer; keep it in sync with any reimplementation on the receiving end.
package controlframe

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// FrameSize is the exact encoded length of a control frame.
	FrameSize = 16

	// FlagsFrameV2 is the fixed marker byte identifying frame version 2.
	FlagsFrameV2 byte = 0x02

	// DefaultDeadzone is the axis magnitude below which input maps to zero.
	DefaultDeadzone = 0.1

	axisScale = 32767
)

// Button bit positions carried in the bitmask. Producers must drop buttons
// beyond index 15; they are not representable.
const (
	ButtonDeadman        = 0 // must be held for throttle to apply
	ButtonEmergencyBrake = 1 // hold to brake
	ButtonPowerLimit     = 2 // hold to cap throttle magnitude
)

type decodeErrorCode string

const (
	decodeErrorBadLength decodeErrorCode = "bad_length"
)

// MalformedFrameError reports why a control frame failed to decode. The
// receiver drops malformed frames and continues; frames are stateless and
// rate-bounded, so there is no retry.
type MalformedFrameError struct {
	Code    decodeErrorCode
	Message string
}

func (e *MalformedFrameError) Error() string {
	return e.Message
}

// Frame is one decoded sample of input-device state.
type Frame struct {
	Sequence    uint32
	TimestampMS uint32
	Throttle    float64
	Steering    float64
	Buttons     uint16
	Flags       byte
	Reserved    byte
}

// Pressed reports whether button i (0-15) is held.
func (f Frame) Pressed(i int) bool {
	if i < 0 || i > 15 {
		return false
	}
	return f.Buttons&(1<<uint(i)) != 0
}

// Encode writes one frame. The caller increments sequence before each encode
// (wrapping modulo 2^32) and passes the capture time in milliseconds since
// epoch; only the low 32 bits go on the wire.
func Encode(throttle, steering float64, buttons uint16, sequence uint32, nowMillis int64) [FrameSize]byte {
	var out [FrameSize]byte
	binary.BigEndian.PutUint32(out[0:4], sequence)
	binary.BigEndian.PutUint32(out[4:8], uint32(nowMillis))
	binary.BigEndian.PutUint16(out[8:10], uint16(quantizeAxis(throttle)))
	binary.BigEndian.PutUint16(out[10:12], uint16(quantizeAxis(steering)))
	binary.BigEndian.PutUint16(out[12:14], buttons)
	out[14] = FlagsFrameV2
	out[15] = 0
	return out
}

// Decode is the exact inverse of Encode. It fails with MalformedFrameError
// unless the input is exactly FrameSize bytes.
func Decode(data []byte) (Frame, error) {
	if len(data) != FrameSize {
		return Frame{}, &MalformedFrameError{
			Code:    decodeErrorBadLength,
			Message: fmt.Sprintf("control frame must be %d bytes, got %d", FrameSize, len(data)),
		}
	}

	return Frame{
		Sequence:    binary.BigEndian.Uint32(data[0:4]),
		TimestampMS: binary.BigEndian.Uint32(data[4:8]),
		Throttle:    float64(int16(binary.BigEndian.Uint16(data[8:10]))) / axisScale,
		Steering:    float64(int16(binary.BigEndian.Uint16(data[10:12]))) / axisScale,
		Buttons:     binary.BigEndian.Uint16(data[12:14]),
		Flags:       data[14],
		Reserved:    data[15],
	}, nil
}

// ApplyDeadzone filters a raw axis value: magnitudes below deadzone map to
// exactly zero, and the remaining range is rescaled so output still spans the
// full -1..+1 range.
func ApplyDeadzone(v, deadzone float64) float64 {
	if deadzone <= 0 {
		return clampAxis(v)
	}
	if deadzone >= 1 {
		return 0
	}

	v = clampAxis(v)
	mag := math.Abs(v)
	if mag < deadzone {
		return 0
	}
	scaled := (mag - deadzone) / (1 - deadzone)
	return math.Copysign(scaled, v)
}

func quantizeAxis(v float64) int16 {
	return int16(math.Round(clampAxis(v) * axisScale))
}

func clampAxis(v float64) float64 {
	switch {
	case v < -1:
		return -1
	case v > 1:
		return 1
	case math.IsNaN(v):
		return 0
	default:
		return v
	}
}

package controlframe

import (
	"math"
	"testing"
)

func TestEncodeDecode_Roundtrip(t *testing.T) {
	captureMillis := int64(1700000000123)
	wire := Encode(0.25, -0.10, 0b0000000000000101, 1, captureMillis)

	frame, err := Decode(wire[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if frame.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", frame.Sequence)
	}
	if frame.TimestampMS != uint32(captureMillis) {
		t.Fatalf("timestamp = %d, want low 32 bits of capture time", frame.TimestampMS)
	}
	if math.Abs(frame.Throttle-0.25) > 1.0/axisScale {
		t.Fatalf("throttle = %v, want 0.25 within quantization error", frame.Throttle)
	}
	if math.Abs(frame.Steering-(-0.10)) > 1.0/axisScale {
		t.Fatalf("steering = %v, want -0.10 within quantization error", frame.Steering)
	}
	if frame.Buttons != 5 {
		t.Fatalf("buttons = %d, want 5", frame.Buttons)
	}
	if frame.Flags != FlagsFrameV2 {
		t.Fatalf("flags = %#02x, want protocol marker %#02x", frame.Flags, FlagsFrameV2)
	}
	if frame.Reserved != 0 {
		t.Fatalf("reserved = %d, want 0", frame.Reserved)
	}
}

func TestEncode_ClampsAxes(t *testing.T) {
	wire := Encode(2.5, -7.0, 0, 0, 0)
	frame, err := Decode(wire[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Throttle != 1.0 {
		t.Fatalf("throttle = %v, want clamp to 1.0", frame.Throttle)
	}
	if frame.Steering != -1.0 {
		t.Fatalf("steering = %v, want clamp to -1.0", frame.Steering)
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, n := range []int{0, 1, 15, 17, 64} {
		_, err := Decode(make([]byte, n))
		if err == nil {
			t.Fatalf("expected error for %d-byte input", n)
		}
		var malformed *MalformedFrameError
		if !asMalformed(err, &malformed) {
			t.Fatalf("expected MalformedFrameError, got %T", err)
		}
	}
}

func asMalformed(err error, target **MalformedFrameError) bool {
	m, ok := err.(*MalformedFrameError)
	if ok {
		*target = m
	}
	return ok
}

func TestPressed(t *testing.T) {
	frame := Frame{Buttons: 1<<ButtonDeadman | 1<<ButtonPowerLimit}
	if !frame.Pressed(ButtonDeadman) {
		t.Fatalf("expected deadman pressed")
	}
	if frame.Pressed(ButtonEmergencyBrake) {
		t.Fatalf("expected emergency brake released")
	}
	if !frame.Pressed(ButtonPowerLimit) {
		t.Fatalf("expected power limit pressed")
	}
	if frame.Pressed(16) || frame.Pressed(-1) {
		t.Fatalf("out-of-range buttons must read as released")
	}
}

func TestApplyDeadzone(t *testing.T) {
	tests := []struct {
		name     string
		in       float64
		deadzone float64
		want     float64
	}{
		{"inside deadzone", 0.05, 0.1, 0},
		{"negative inside deadzone", -0.09, 0.1, 0},
		{"rescaled", 0.55, 0.1, 0.5},
		{"negative rescaled", -0.55, 0.1, -0.5},
		{"full deflection", 1.0, 0.1, 1.0},
		{"negative full deflection", -1.0, 0.1, -1.0},
		{"zero deadzone passthrough", 0.3, 0, 0.3},
		{"overdeflection clamped", 1.7, 0.1, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyDeadzone(tt.in, tt.deadzone)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("ApplyDeadzone(%v, %v) = %v, want %v", tt.in, tt.deadzone, got, tt.want)
			}
		})
	}
}

func TestSequenceWraps(t *testing.T) {
	wire := Encode(0, 0, 0, math.MaxUint32, 0)
	frame, err := Decode(wire[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Sequence != math.MaxUint32 {
		t.Fatalf("sequence = %d, want max", frame.Sequence)
	}

	next := frame.Sequence + 1 // wraps modulo 2^32
	if next != 0 {
		t.Fatalf("expected wraparound, got %d", next)
	}
}

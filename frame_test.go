package reactor

import (
	"bytes"
	"testing"
)

func TestDecodeNextFrame(t *testing.T) {
	tests := []struct {
		name         string
		input        []byte
		wantStatus   DecodeStatus
		wantOpcode   Opcode
		wantFin      bool
		wantPay      []byte
		wantConsumed int
	}{
		{
			name:       "unmasked_text_is_protocol_error",
			input:      []byte{0x81, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f},
			wantStatus: DecodeError,
		},
		{
			name:         "masked_text_hello",
			input:        []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58},
			wantStatus:   DecodeOK,
			wantOpcode:   OpcodeText,
			wantFin:      true,
			wantPay:      []byte("Hello"),
			wantConsumed: 11,
		},
		{
			name:         "masked_ping_hello",
			input:        maskedFrame(0x89, []byte("Hello")),
			wantStatus:   DecodeOK,
			wantOpcode:   OpcodePing,
			wantFin:      true,
			wantPay:      []byte("Hello"),
			wantConsumed: 11,
		},
		{
			name:         "masked_binary_three_bytes",
			input:        maskedFrame(0x82, []byte{0x00, 0x01, 0x02}),
			wantStatus:   DecodeOK,
			wantOpcode:   OpcodeBinary,
			wantFin:      true,
			wantPay:      []byte{0x00, 0x01, 0x02},
			wantConsumed: 9,
		},
		{
			name:       "truncated_frame_reports_incomplete_and_consumes_nothing",
			input:      []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f},
			wantStatus: DecodeIncomplete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, frame, consumed := DecodeNextFrame(tt.input)
			if status != tt.wantStatus {
				t.Fatalf("status = %v, want %v", status, tt.wantStatus)
			}
			if status != DecodeOK {
				if consumed != 0 {
					t.Errorf("consumed = %d, want 0", consumed)
				}
				return
			}
			if frame.Opcode != tt.wantOpcode {
				t.Errorf("opcode = %v, want %v", frame.Opcode, tt.wantOpcode)
			}
			if frame.Fin != tt.wantFin {
				t.Errorf("fin = %v, want %v", frame.Fin, tt.wantFin)
			}
			if !bytes.Equal(frame.Payload, tt.wantPay) {
				t.Errorf("payload = %v, want %v", frame.Payload, tt.wantPay)
			}
			if consumed != tt.wantConsumed {
				t.Errorf("consumed = %d, want %d", consumed, tt.wantConsumed)
			}
		})
	}
}

func TestDecodeNextFrameExtendedLengths(t *testing.T) {
	for _, size := range []int{256, 65536} {
		size := size
		t.Run("", func(t *testing.T) {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i)
			}
			input := maskedFrame(0x82, payload)
			status, frame, consumed := DecodeNextFrame(input)
			if status != DecodeOK {
				t.Fatalf("status = %v, want DecodeOK", status)
			}
			if !bytes.Equal(frame.Payload, payload) {
				t.Fatalf("payload mismatch for size %d", size)
			}
			if consumed != len(input) {
				t.Fatalf("consumed = %d, want %d", consumed, len(input))
			}
		})
	}
}

func TestDecodeNextFrameConcatenatedMessages(t *testing.T) {
	first := maskedFrame(0x81, []byte("one"))
	second := maskedFrame(0x81, []byte("two"))
	buf := append(append([]byte{}, first...), second...)

	status, frame, consumed := DecodeNextFrame(buf)
	if status != DecodeOK || string(frame.Payload) != "one" {
		t.Fatalf("first message: status=%v payload=%q", status, frame.Payload)
	}
	buf = buf[consumed:]

	status, frame, consumed = DecodeNextFrame(buf)
	if status != DecodeOK || string(frame.Payload) != "two" {
		t.Fatalf("second message: status=%v payload=%q", status, frame.Payload)
	}
	if consumed != len(second) {
		t.Fatalf("consumed = %d, want %d", consumed, len(second))
	}
}

func TestDecodeNextFrameRejectsReservedBits(t *testing.T) {
	frame := maskedFrame(0x81, []byte("hi"))
	frame[0] |= bit2 // set RSV2
	status, _, _ := DecodeNextFrame(frame)
	if status != DecodeError {
		t.Fatalf("status = %v, want DecodeError", status)
	}
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	payload := []byte("pong")
	encoded := EncodeFrame(OpcodeText, payload, false)
	if encoded[0]&bit0 == 0 {
		t.Fatalf("FIN bit not set")
	}
	if encoded[0]&bit1 != 0 {
		t.Fatalf("RSV1 unexpectedly set")
	}
	if encoded[1]&bit0 != 0 {
		t.Fatalf("server-encoded frame must not set the mask bit")
	}
	if int(encoded[1]&bits1to7) != len(payload) {
		t.Fatalf("length byte = %d, want %d", encoded[1]&bits1to7, len(payload))
	}
	if !bytes.Equal(encoded[2:], payload) {
		t.Fatalf("payload = %v, want %v", encoded[2:], payload)
	}
}

func TestEncodeFrameExtendedLengthForms(t *testing.T) {
	medium := EncodeFrame(OpcodeBinary, make([]byte, 300), false)
	if medium[1] != len16bits {
		t.Fatalf("expected 16-bit length marker, got %d", medium[1])
	}
	large := EncodeFrame(OpcodeBinary, make([]byte, 70000), false)
	if large[1] != len64bits {
		t.Fatalf("expected 64-bit length marker, got %d", large[1])
	}
}

// maskedFrame builds a client-style masked frame with a fixed mask key,
// mirroring what DecodeNextFrame expects to receive from a real client.
func maskedFrame(firstByte byte, payload []byte) []byte {
	key := []byte{0x12, 0x34, 0x56, 0x78}
	masked := append([]byte{}, payload...)
	unmask(masked, key)

	var header []byte
	n := len(masked)
	switch {
	case n <= len7bits:
		header = []byte{firstByte, bit0 | byte(n)}
	case n <= 0xFFFF:
		header = []byte{firstByte, bit0 | len16bits, byte(n >> 8), byte(n)}
	default:
		header = []byte{firstByte, bit0 | len64bits, 0, 0, 0, 0, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	}

	out := append([]byte{}, header...)
	out = append(out, key...)
	out = append(out, masked...)
	return out
}

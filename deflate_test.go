package reactor

import (
	"bytes"
	"testing"
)

func TestDeflateContextRoundTrip(t *testing.T) {
	sender := newDeflateContext()
	receiver := newDeflateContext()

	messages := [][]byte{
		[]byte("hello"),
		[]byte("hello again, with more repeated text to compress: hello hello hello"),
		[]byte(""),
	}

	for _, msg := range messages {
		compressed, err := sender.deflateMessage(msg)
		if err != nil {
			t.Fatalf("deflateMessage(%q): %v", msg, err)
		}
		decompressed, err := receiver.inflateMessage(compressed)
		if err != nil {
			t.Fatalf("inflateMessage: %v", err)
		}
		if !bytes.Equal(decompressed, msg) {
			t.Fatalf("round trip mismatch: got %q, want %q", decompressed, msg)
		}
	}
}

func TestDeflateMessageEmptyPayloadProducesSingleZeroByte(t *testing.T) {
	dc := newDeflateContext()
	out, err := dc.deflateMessage(nil)
	if err != nil {
		t.Fatalf("deflateMessage: %v", err)
	}
	if len(out) != 1 || out[0] != 0x00 {
		t.Fatalf("deflateMessage(nil) = %v, want a single 0x00 byte", out)
	}
}

package reactor

import "testing"

func TestHybiAcceptKey(t *testing.T) {
	got := hybiAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("hybiAcceptKey() = %q, want %q", got, want)
	}
}

func TestHixieKeyNumber(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    uint32
		wantErr bool
	}{
		{name: "single_space_divisor", header: "1 2", want: 12},
		{name: "digits_and_letters_with_two_spaces", header: "1a 2b 4", want: 62},
		{name: "no_spaces_is_error", header: "12345", wantErr: true},
		{name: "no_digits_is_error", header: "   ", wantErr: true},
		{name: "nonzero_remainder_is_error", header: "1 2 3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := hixieKeyNumber(tt.header)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got key %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("hixieKeyNumber: %v", err)
			}
			if got != tt.want {
				t.Errorf("hixieKeyNumber() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHixieResponseProducesSixteenByteDigest(t *testing.T) {
	digest := hixieResponse(777007543, 114997259, []byte("^n:ds[4U"))
	if len(digest) != 16 {
		t.Fatalf("digest length = %d, want 16", len(digest))
	}
}

func TestParsePreambleWaitsForBlankLine(t *testing.T) {
	_, _, _, ok := parsePreamble([]byte("GET / HTTP/1.1\r\nHost: x\r\n"))
	if ok {
		t.Fatalf("expected ok=false while headers are incomplete")
	}
}

func TestParsePreambleParsesRequestLineAndHeaders(t *testing.T) {
	raw := "GET /a/b?x=1 HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"
	pre, headerEnd, perr, ok := parsePreamble([]byte(raw))
	if !ok || perr != nil {
		t.Fatalf("parsePreamble: ok=%v err=%v", ok, perr)
	}
	if pre.method != MethodGet {
		t.Errorf("method = %v, want MethodGet", pre.method)
	}
	if pre.target != "/a/b?x=1" {
		t.Errorf("target = %q", pre.target)
	}
	if pre.headers.Get("Host") != "example.com" {
		t.Errorf("Host header = %q", pre.headers.Get("Host"))
	}
	if headerEnd != len(raw) {
		t.Errorf("headerEnd = %d, want %d", headerEnd, len(raw))
	}
}

func TestParsePreambleRejectsUnsupportedVersion(t *testing.T) {
	_, _, perr, ok := parsePreamble([]byte("GET / HTTP/1.0\r\n\r\n"))
	if !ok || perr != errUnsupportedVersion {
		t.Fatalf("perr = %v, want errUnsupportedVersion", perr)
	}
}

func TestParsePreambleRejectsMalformedRequestLine(t *testing.T) {
	_, _, perr, ok := parsePreamble([]byte("garbage\r\n\r\n"))
	if !ok || perr != errMalformedRequest {
		t.Fatalf("perr = %v, want errMalformedRequest", perr)
	}
}

func TestIsWebSocketUpgrade(t *testing.T) {
	h := newHeader()
	h.Add("Connection", "Upgrade")
	h.Add("Upgrade", "websocket")
	if !isWebSocketUpgrade(h) {
		t.Errorf("expected upgrade request to be detected")
	}

	plain := newHeader()
	plain.Add("Connection", "keep-alive")
	if isWebSocketUpgrade(plain) {
		t.Errorf("unexpected upgrade detected for plain request")
	}
}

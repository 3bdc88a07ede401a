package reactor

import "testing"

// recordingWriter is a ResponseWriter test double that records every
// call instead of touching a real Connection.
type recordingWriter struct {
	begun    bool
	code     int
	encoding Encoding
	headers  map[string]string
	payloads [][]byte
	finished bool
	keepOpen bool
	active   bool
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{headers: map[string]string{}, active: true}
}

func (w *recordingWriter) Begin(code int, encoding Encoding) {
	w.begun = true
	w.code = code
	w.encoding = encoding
}
func (w *recordingWriter) Header(k, v string)          { w.headers[k] = v }
func (w *recordingWriter) Payload(data []byte, _ bool) { w.payloads = append(w.payloads, data) }
func (w *recordingWriter) Finish(keepOpen bool)        { w.finished = true; w.keepOpen = keepOpen }
func (w *recordingWriter) Error(code int, _ string)    { w.begun = true; w.code = code }
func (w *recordingWriter) IsActive() bool              { return w.active }

func TestRespondDrivesWriterOnce(t *testing.T) {
	w := newRecordingWriter()
	resp := Respond(200, "text/plain", []byte("hi"))
	resp.Handle(w)

	if !w.begun || w.code != 200 {
		t.Fatalf("Begin not called with code 200: %+v", w)
	}
	if w.headers["Content-Type"] != "text/plain" {
		t.Errorf("Content-Type = %q", w.headers["Content-Type"])
	}
	if len(w.payloads) != 1 || string(w.payloads[0]) != "hi" {
		t.Errorf("payloads = %v", w.payloads)
	}
	if !w.finished || !w.keepOpen {
		t.Errorf("expected Finish(true): finished=%v keepOpen=%v", w.finished, w.keepOpen)
	}
}

func TestWithHeaderAndWithKeepAliveClone(t *testing.T) {
	base := Respond(200, "text/plain", nil)
	withHdr := WithHeader(base, "X-Test", "1")
	withKA := WithKeepAlive(withHdr, false)

	w := newRecordingWriter()
	withKA.Handle(w)

	if w.headers["X-Test"] != "1" {
		t.Errorf("expected cloned header to survive, got %v", w.headers)
	}
	if w.keepOpen {
		t.Errorf("expected keep-alive override to false")
	}

	// The original response must be untouched by either clone.
	w2 := newRecordingWriter()
	base.Handle(w2)
	if w2.headers["X-Test"] != "" || !w2.keepOpen {
		t.Errorf("base response was mutated by WithHeader/WithKeepAlive")
	}
}

func TestUnhandledSentinel(t *testing.T) {
	if !IsUnhandled(Unhandled) {
		t.Errorf("Unhandled must report IsUnhandled")
	}
	if IsUnhandled(Respond(200, "", nil)) {
		t.Errorf("a concrete response must not report IsUnhandled")
	}
	w := newRecordingWriter()
	Unhandled.Handle(w)
	if w.begun {
		t.Errorf("Unhandled must never drive the writer")
	}
}

func TestErrorResponse(t *testing.T) {
	w := newRecordingWriter()
	ErrorResponse(404, "nope").Handle(w)
	if w.code != 404 {
		t.Errorf("code = %d, want 404", w.code)
	}
}

func TestStreamResponseInvokesRunAndCancel(t *testing.T) {
	var ran, cancelled bool
	resp := Stream(func(w ResponseWriter) { ran = true }, func() { cancelled = true })

	resp.Handle(newRecordingWriter())
	if !ran {
		t.Errorf("expected run to be invoked by Handle")
	}

	resp.Cancel()
	if !cancelled {
		t.Errorf("expected cancel callback to be invoked by Cancel")
	}
}

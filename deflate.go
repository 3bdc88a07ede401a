package reactor

import (
	"bytes"
	"compress/flate"
	"io"
)

// deflateTail is the 4-byte marker permessage-deflate appends after
// every message's compressed bytes (the trailer produced by a
// Z_SYNC_FLUSH in zlib terms) and that a sender must strip before
// putting the result on the wire.
var deflateTail = []byte{0x00, 0x00, 0xff, 0xff}

// deflateContext is a connection's permessage-deflate state: one
// compressor and one decompressor, each with context takeover, meaning
// the sliding window's history persists across messages rather than
// resetting to empty on every call.
type deflateContext struct {
	writer *flate.Writer
	outBuf bytes.Buffer

	reader  io.ReadCloser
	inSrc   *chunkReader
	inDict  []byte // trailing decompressed window, carried across messages
}

// chunkReader feeds a single finite byte slice to a flate.Reader and
// then reports io.EOF, so the reader can be handed fresh bytes on every
// message without allocating a new flate.Reader (which would discard
// the decompression dictionary flate.Resetter needs for takeover).
type chunkReader struct {
	data []byte
	pos  int
}

func (c *chunkReader) reset(data []byte) { c.data = data; c.pos = 0 }

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.pos >= len(c.data) {
		return 0, io.EOF
	}
	n := copy(p, c.data[c.pos:])
	c.pos += n
	return n, nil
}

func newDeflateContext() *deflateContext {
	dc := &deflateContext{inSrc: &chunkReader{}}
	dc.writer, _ = flate.NewWriter(&dc.outBuf, flate.DefaultCompression)
	dc.reader = flate.NewReader(dc.inSrc)
	return dc
}

// deflateMessage compresses payload as a single permessage-deflate
// message: flush the raw DEFLATE stream, strip the trailing 00 00 ff ff,
// and fall back to a single 0x00 byte if nothing is left after that.
func (dc *deflateContext) deflateMessage(payload []byte) ([]byte, error) {
	dc.outBuf.Reset()
	if _, err := dc.writer.Write(payload); err != nil {
		return nil, err
	}
	if err := dc.writer.Flush(); err != nil {
		return nil, err
	}

	out := dc.outBuf.Bytes()
	if bytes.HasSuffix(out, deflateTail) {
		out = out[:len(out)-len(deflateTail)]
	}
	if len(out) == 0 {
		out = []byte{0x00}
	}

	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// inflateMessage reverses deflateMessage: it appends the tail back on,
// resets the persistent flate.Reader onto the new bytes while priming it
// with the previous call's trailing window (the Resetter.Reset dict
// argument), and drains it fully.
func (dc *deflateContext) inflateMessage(payload []byte) ([]byte, error) {
	full := make([]byte, 0, len(payload)+len(deflateTail))
	full = append(full, payload...)
	full = append(full, deflateTail...)
	dc.inSrc.reset(full)

	resetter := dc.reader.(flate.Resetter)
	if err := resetter.Reset(dc.inSrc, dc.inDict); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := dc.reader.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err != nil {
			// A sync-flush point with no final-block bit set makes
			// compress/flate report (Unexpected)EOF once our
			// deliberately-truncated source is drained; both mean
			// "that's everything this message produced".
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
	}

	dc.inDict = trailingWindow(dc.inDict, out.Bytes(), 32*1024)
	return out.Bytes(), nil
}

func trailingWindow(prevDict, data []byte, max int) []byte {
	combined := make([]byte, 0, len(prevDict)+len(data))
	combined = append(combined, prevDict...)
	combined = append(combined, data...)
	if len(combined) > max {
		combined = combined[len(combined)-max:]
	}
	return combined
}

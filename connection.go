package reactor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// connState is a Connection's position in the per-socket protocol state
// machine.
type connState int

const (
	StateInvalid connState = iota
	StateReadingHeaders
	StateReadingWebSocketKey3
	StateBufferingPostData
	StateAwaitingResponseBegin
	StateSendingResponseHeaders
	StateSendingResponseBody
	StateHandlingHixieWebSocket
	StateHandlingHybiWebSocket
)

// Connection is one accepted socket's full protocol state. Every field
// is touched only from the reactor goroutine; the only cross-goroutine
// access is through a connResponseWriter/WSConnection handle, which
// never dereferences a Connection directly.
type Connection struct {
	server     *Server
	fd         int
	id         string
	generation uint64
	peer       net.Addr
	acceptTime time.Time

	state connState

	inBuf          []byte
	outBuf         []byte
	bytesReceived  int64
	bytesSent      int64
	closeWhenEmpty bool
	shutdownCalled bool

	// Pending request-in-progress fields, valid between header parse
	// and finishRequest.
	pendingMethod        Method
	pendingTarget        string
	pendingHeaders       *Header
	pendingContentLength int
	pendingHixieHeaders  *Header
	wsEntry              *wsHandlerEntry

	request           *Request
	response          Response
	writer            *connResponseWriter
	responseEncoding  Encoding

	// WebSocket state, valid once state is one of the WebSocket states.
	wsHandler     *wsHandlerEntry
	wsConn        *WSConnection
	wsDeflate     *deflateContext
	wsFragActive  bool
	wsFragType    Opcode
	wsFragDeflate bool
	wsFragBuf     []byte
}

func newConnection(server *Server, fd int, peer net.Addr, now time.Time) *Connection {
	return &Connection{
		server:     server,
		fd:         fd,
		id:         newConnectionID(),
		generation: server.nextGeneration(),
		peer:       peer,
		acceptTime: now,
		state:      StateReadingHeaders,
	}
}

// onReadable drains the socket into inBuf until EAGAIN or a short read,
// then drives the state machine as far as it can go with what's buffered.
func (c *Connection) onReadable() {
	buf := make([]byte, 16*1024)
	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.inBuf = append(c.inBuf, buf[:n]...)
			c.bytesReceived += int64(n)
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				break
			}
			c.closeInternal()
			return
		}
		if n == 0 {
			c.closeInternal()
			return
		}
		if n < len(buf) {
			break
		}
	}
	c.handleNewData()
}

// onWritable retries a buffered write once the descriptor reports
// writability again.
func (c *Connection) onWritable() {
	c.flushOutput()
}

func (c *Connection) handleNewData() {
	for {
		progressed, stop := c.stepOnce()
		if stop || !progressed {
			return
		}
	}
}

func (c *Connection) stepOnce() (progressed, stop bool) {
	switch c.state {
	case StateReadingHeaders:
		pre, headerEnd, perr, ok := parsePreamble(c.inBuf)
		if !ok {
			return false, true
		}
		if perr != nil {
			c.handlePreambleError(perr)
			return false, true
		}
		c.inBuf = c.inBuf[headerEnd:]
		return c.dispatchPreamble(pre), false

	case StateBufferingPostData:
		if len(c.inBuf) < c.pendingContentLength {
			return false, true
		}
		body := append([]byte{}, c.inBuf[:c.pendingContentLength]...)
		c.inBuf = c.inBuf[c.pendingContentLength:]
		return c.finishRequest(body), false

	case StateReadingWebSocketKey3:
		if len(c.inBuf) < 8 {
			return false, true
		}
		key3 := append([]byte{}, c.inBuf[:8]...)
		c.inBuf = c.inBuf[8:]
		return c.completeHixieUpgrade(key3), false

	case StateHandlingHixieWebSocket:
		return c.stepHixieFrames()

	case StateHandlingHybiWebSocket:
		return c.stepHybiFrames()

	default:
		return false, true
	}
}

func (c *Connection) handlePreambleError(perr error) {
	c.beginErrorWriter()
	switch {
	case errors.Is(perr, errUnsupportedVersion), errors.Is(perr, errPreambleTooLarge):
		c.wError(501, perr.Error())
	default:
		c.wError(400, "malformed request")
	}
	c.closeWhenEmpty = true
}

// beginErrorWriter sets StateAwaitingResponseBegin and installs a fresh
// writer handle. finishRequest calls it before every resolved response,
// and the error paths call it before emitting a one-shot error that
// doesn't go through resolveResponse/invokeHandler.
func (c *Connection) beginErrorWriter() {
	c.state = StateAwaitingResponseBegin
	c.writer = &connResponseWriter{server: c.server, connID: c.id, gen: c.generation}
}

func (c *Connection) dispatchPreamble(pre preamble) bool {
	if isWebSocketUpgrade(pre.headers) {
		return c.dispatchUpgrade(pre)
	}

	contentLength := 0
	if cl := pre.headers.Get("Content-Length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n >= 0 {
			contentLength = n
		}
	}

	c.pendingMethod = pre.method
	c.pendingTarget = pre.target
	c.pendingHeaders = pre.headers
	c.pendingContentLength = contentLength

	if contentLength > 0 {
		c.state = StateBufferingPostData
		return true
	}
	return c.finishRequest(nil)
}

func (c *Connection) finishRequest(body []byte) bool {
	req := &Request{
		Method:        c.pendingMethod,
		RequestURI:    c.pendingTarget,
		Peer:          c.peer,
		Headers:       c.pendingHeaders,
		Body:          body,
		ContentLength: c.pendingContentLength,
	}
	if c.server.authenticator != nil {
		req.Credentials = c.server.authenticator(req)
	}
	c.request = req

	c.beginErrorWriter() // sets StateAwaitingResponseBegin + fresh writer
	resp := c.resolveResponse(req)
	c.response = resp
	c.invokeHandler(resp)
	return true
}

// resolveResponse picks the Response for req: first registered page
// handler that claims it, then the synthetic /_livestats.js endpoint,
// then the static file pipeline, then the embedded assets, then 404. A panicking page handler becomes a 500 here,
// the same containment invokeHandler applies to Response.Handle.
func (c *Connection) resolveResponse(req *Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = ErrorResponse(500, panicMessage(r))
		}
	}()

	if req.Method == MethodInvalid {
		return ErrorResponse(400, "unrecognized method")
	}

	if resp := c.server.handlers.dispatchPage(req); !IsUnhandled(resp) {
		return resp
	}

	target := stripQuery(req.RequestURI)
	if target == "/_livestats.js" {
		return Respond(200, "application/javascript", c.server.liveStatsJS())
	}

	if fullPath := resolveStaticPath(c.server.staticRoot, req.RequestURI); fullPath != "" {
		if info, err := os.Stat(fullPath); err == nil && !info.IsDir() {
			return newStaticResponse(fullPath, req.Headers.Get("Range"))
		}
	}
	// Built-in assets back up the static root, never shadow it.
	if data, ok := lookupEmbedded(target); ok {
		return Respond(200, contentTypeFor(target), data)
	}
	return ErrorResponse(404, "not found: "+req.RequestURI)
}

func (c *Connection) invokeHandler(resp Response) {
	defer func() {
		if r := recover(); r != nil {
			c.wError(500, panicMessage(r))
		}
	}()
	resp.Handle(c.writer)
}

func panicMessage(r any) string {
	switch v := r.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return "(unknown)"
	}
}

// dispatchUpgrade handles a request whose Connection/Upgrade headers
// identify it as a WebSocket handshake.
func (c *Connection) dispatchUpgrade(pre preamble) bool {
	if pre.method != MethodGet {
		c.beginErrorWriter()
		c.wError(400, "WebSocket upgrade must use GET")
		return true
	}

	entry, ok := c.server.handlers.lookupWebSocket(pre.target)
	if !ok {
		c.beginErrorWriter()
		c.wError(404, "no WebSocket handler for "+stripQuery(pre.target))
		return true
	}

	host := pre.headers.Get("Host")
	origin := pre.headers.Get("Origin")
	if !entry.allowCrossOrigin && origin != "" && origin != "http://"+host {
		c.beginErrorWriter()
		c.wError(403, "cross-origin WebSocket request rejected")
		return true
	}

	if isHixie76(pre.headers) {
		if !c.server.hixie76Enabled {
			c.beginErrorWriter()
			c.wError(426, "Hixie-76 handshake disabled")
			return true
		}
		c.pendingHixieHeaders = pre.headers
		c.pendingTarget = pre.target
		entryCopy := entry
		c.wsEntry = &entryCopy
		c.state = StateReadingWebSocketKey3
		return true
	}

	return c.completeHybiUpgrade(pre, entry, origin, host)
}

func (c *Connection) completeHixieUpgrade(key3 []byte) bool {
	headers := c.pendingHixieHeaders
	k1, err1 := hixieKeyNumber(headers.Get("Sec-WebSocket-Key1"))
	k2, err2 := hixieKeyNumber(headers.Get("Sec-WebSocket-Key2"))
	if err1 != nil || err2 != nil {
		c.beginErrorWriter()
		c.wError(400, "malformed Hixie-76 keys")
		return true
	}
	digest := hixieResponse(k1, k2, key3)

	origin := headers.Get("Origin")
	host := headers.Get("Host")
	c.appendOutput([]byte("HTTP/1.1 101 WebSocket Protocol Handshake\r\n"))
	c.appendOutput([]byte("Upgrade: WebSocket\r\n"))
	c.appendOutput([]byte("Connection: Upgrade\r\n"))
	c.appendOutput([]byte(fmt.Sprintf("Sec-WebSocket-Origin: %s\r\n", origin)))
	c.appendOutput([]byte(fmt.Sprintf("Sec-WebSocket-Location: ws://%s%s\r\n", host, c.pendingTarget)))
	c.appendOutput([]byte("\r\n"))
	c.appendOutput(digest[:])
	c.flushOutput()

	req := &Request{Method: MethodWebSocket, RequestURI: c.pendingTarget, Peer: c.peer, Headers: headers}
	c.completeWebSocketCommon(c.wsEntry, req)
	c.state = StateHandlingHixieWebSocket
	return true
}

func (c *Connection) completeHybiUpgrade(pre preamble, entry wsHandlerEntry, origin, host string) bool {
	key := pre.headers.Get("Sec-WebSocket-Key")
	if key == "" {
		c.beginErrorWriter()
		c.wError(400, "missing Sec-WebSocket-Key")
		return true
	}
	version := pre.headers.Get("Sec-WebSocket-Version")
	if version != "13" && version != "8" {
		c.beginErrorWriter()
		c.wError(426, "unsupported WebSocket version")
		return true
	}

	deflateNegotiated := false
	if c.server.perMessageDeflate {
		for _, v := range pre.headers.Values("Sec-WebSocket-Extensions") {
			for _, part := range strings.Split(v, ",") {
				if strings.HasPrefix(strings.TrimSpace(part), "permessage-deflate") {
					deflateNegotiated = true
				}
			}
		}
	}

	var protocols []string
	for _, v := range pre.headers.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protocols = append(protocols, p)
			}
		}
	}
	selected := -1
	if entry.handler != nil && len(protocols) > 0 {
		selected = entry.handler.ChooseProtocol(protocols)
	}

	accept := hybiAcceptKey(key)
	c.appendOutput([]byte("HTTP/1.1 101 Switching Protocols\r\n"))
	c.appendOutput([]byte("Upgrade: websocket\r\n"))
	c.appendOutput([]byte("Connection: Upgrade\r\n"))
	c.appendOutput([]byte(fmt.Sprintf("Sec-WebSocket-Accept: %s\r\n", accept)))
	if deflateNegotiated {
		c.appendOutput([]byte("Sec-WebSocket-Extensions: permessage-deflate\r\n"))
	}
	if selected >= 0 && selected < len(protocols) {
		c.appendOutput([]byte(fmt.Sprintf("Sec-WebSocket-Protocol: %s\r\n", protocols[selected])))
	}
	if entry.allowCrossOrigin && origin != "" {
		c.appendOutput([]byte(fmt.Sprintf("Sec-WebSocket-Origin: %s\r\n", origin)))
	} else if !entry.allowCrossOrigin {
		c.appendOutput([]byte(fmt.Sprintf("Sec-WebSocket-Origin: http://%s\r\n", host)))
	}
	c.appendOutput([]byte("\r\n"))
	c.flushOutput()

	if deflateNegotiated {
		c.wsDeflate = newDeflateContext()
	}
	req := &Request{Method: MethodWebSocket, RequestURI: pre.target, Peer: c.peer, Headers: pre.headers}
	c.completeWebSocketCommon(&entry, req)
	c.state = StateHandlingHybiWebSocket
	return true
}

func (c *Connection) completeWebSocketCommon(entry *wsHandlerEntry, req *Request) {
	c.request = req
	c.wsHandler = entry
	c.wsConn = &WSConnection{server: c.server, connID: c.id, gen: c.generation}
	if entry != nil && entry.handler != nil {
		entry.handler.OnConnect(c.wsConn)
	}
}

// stepHixieFrames consumes one legacy 0x00 ... 0xFF delimited text
// frame, if a complete one is buffered.
func (c *Connection) stepHixieFrames() (progressed, stop bool) {
	if len(c.inBuf) == 0 {
		return false, true
	}
	if c.inBuf[0] != 0x00 {
		c.closeInternal()
		return false, true
	}
	end := bytes.IndexByte(c.inBuf[1:], 0xFF)
	if end < 0 {
		return false, true
	}
	payload := append([]byte{}, c.inBuf[1:1+end]...)
	c.inBuf = c.inBuf[1+end+1:]
	if c.wsHandler != nil && c.wsHandler.handler != nil {
		c.wsHandler.handler.OnData(c.wsConn, OpcodeText, payload)
	}
	return true, false
}

// stepHybiFrames decodes and dispatches exactly one Hybi frame,
// reassembling fragmented messages across calls.
func (c *Connection) stepHybiFrames() (progressed, stop bool) {
	status, frame, consumed := DecodeNextFrame(c.inBuf)
	switch status {
	case DecodeIncomplete:
		return false, true
	case DecodeError:
		c.sendWSControlFrame(OpcodeClose, encodeCloseStatus(1002, "protocol error"))
		c.closeWhenEmpty = true
		return false, true
	}
	c.inBuf = c.inBuf[consumed:]

	switch frame.Opcode {
	case OpcodeClose:
		c.sendWSControlFrame(OpcodeClose, frame.Payload)
		c.closeWhenEmpty = true
		return false, true

	case OpcodePing:
		c.sendWSControlFrame(OpcodePong, frame.Payload)

	case OpcodePong:
		// Unsolicited pongs are allowed and ignored.

	case OpcodeText, OpcodeBinary:
		if !frame.Fin {
			// RSV1 is only present on a message's first frame; inflation
			// waits until the final fragment completes the message.
			c.wsFragActive = true
			c.wsFragType = frame.Opcode
			c.wsFragDeflate = frame.Deflate
			c.wsFragBuf = append([]byte{}, frame.Payload...)
		} else {
			c.deliverWSMessage(frame.Opcode, frame.Payload, frame.Deflate)
		}

	case OpcodeContinuation:
		if c.wsFragActive {
			c.wsFragBuf = append(c.wsFragBuf, frame.Payload...)
			if frame.Fin {
				payload, deflate := c.wsFragBuf, c.wsFragDeflate
				c.wsFragActive = false
				c.wsFragBuf = nil
				c.deliverWSMessage(c.wsFragType, payload, deflate)
			}
		}
	}
	return true, false
}

func (c *Connection) deliverWSMessage(opcode Opcode, payload []byte, deflate bool) {
	if deflate && c.wsDeflate != nil {
		inflated, err := c.wsDeflate.inflateMessage(payload)
		if err != nil {
			c.sendWSControlFrame(OpcodeClose, encodeCloseStatus(1007, "inflate error"))
			c.closeWhenEmpty = true
			return
		}
		payload = inflated
	}
	if c.wsHandler != nil && c.wsHandler.handler != nil {
		c.wsHandler.handler.OnData(c.wsConn, opcode, payload)
	}
}

func (c *Connection) sendWSMessage(opcode Opcode, payload []byte) {
	if c.state == StateHandlingHixieWebSocket {
		// Legacy framing: 0x00 <utf-8 text> 0xFF. Hixie-76 has no
		// binary frame type, so anything else is dropped.
		if opcode == OpcodeText {
			out := make([]byte, 0, len(payload)+2)
			out = append(out, 0x00)
			out = append(out, payload...)
			out = append(out, 0xFF)
			c.appendOutput(out)
			c.flushOutput()
		}
		return
	}

	deflate := false
	if c.wsDeflate != nil && (opcode == OpcodeText || opcode == OpcodeBinary) {
		if compressed, err := c.wsDeflate.deflateMessage(payload); err == nil {
			payload = compressed
			deflate = true
		}
	}
	c.appendOutput(EncodeFrame(opcode, payload, deflate))
	c.flushOutput()
}

func (c *Connection) sendWSControlFrame(opcode Opcode, payload []byte) {
	c.appendOutput(EncodeFrame(opcode, payload, false))
	c.flushOutput()
}

func encodeCloseStatus(code int, reason string) []byte {
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf[:2], uint16(code))
	copy(buf[2:], reason)
	return buf
}

// --- ResponseWriter plumbing -------------------------------------------

func (c *Connection) wBegin(code int, encoding Encoding) {
	if c.state != StateAwaitingResponseBegin {
		return
	}
	c.responseEncoding = encoding
	c.state = StateSendingResponseHeaders
	c.appendOutput([]byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n", code, http.StatusText(code))))
	c.wHeader("Server", "reactor")
	c.wHeader("Date", time.Now().UTC().Format(http.TimeFormat))
	c.wHeader("Access-Control-Allow-Origin", "*")
	if encoding == EncodingChunked {
		c.wHeader("Transfer-Encoding", "chunked")
	}
}

func (c *Connection) wHeader(key, value string) {
	if c.state != StateSendingResponseHeaders {
		return
	}
	c.appendOutput([]byte(fmt.Sprintf("%s: %s\r\n", key, value)))
}

func (c *Connection) wPayload(data []byte, flush bool) {
	if c.state == StateSendingResponseHeaders {
		c.appendOutput([]byte("\r\n"))
		c.state = StateSendingResponseBody
	}
	if c.state != StateSendingResponseBody {
		return
	}
	if c.responseEncoding == EncodingChunked {
		c.appendOutput([]byte(fmt.Sprintf("%x\r\n", len(data))))
		c.appendOutput(data)
		c.appendOutput([]byte("\r\n"))
	} else {
		c.appendOutput(data)
	}
	if flush {
		c.flushOutput()
	}
}

func (c *Connection) wFinish(keepOpen bool) {
	if c.state == StateSendingResponseHeaders {
		c.appendOutput([]byte("\r\n"))
		c.state = StateSendingResponseBody
	}
	if c.state != StateSendingResponseBody {
		return
	}
	if c.responseEncoding == EncodingChunked {
		c.appendOutput([]byte("0\r\n\r\n"))
	}
	c.flushOutput()
	c.response = nil

	if keepOpen {
		c.state = StateReadingHeaders
		c.request = nil
		c.handleNewData()
	} else {
		c.closeWhenEmpty = true
		c.maybeCloseNow()
	}
}

func (c *Connection) wError(code int, body string) {
	if c.state == StateAwaitingResponseBegin {
		c.wBegin(code, EncodingRaw)
	}
	c.wHeader("Content-Type", "text/html")
	page := embeddedErrorPage(code, http.StatusText(code), body)
	c.wPayload(page, true)
	c.wFinish(false)
}

// --- I/O plumbing --------------------------------------------------------

func (c *Connection) appendOutput(b []byte) {
	c.outBuf = append(c.outBuf, b...)
}

func (c *Connection) flushOutput() {
	if len(c.outBuf) == 0 {
		c.server.unwatchWritable(c)
		c.maybeCloseNow()
		return
	}

	n, err := unix.Write(c.fd, c.outBuf)
	if n > 0 {
		c.bytesSent += int64(n)
		c.outBuf = c.outBuf[n:]
	}
	if err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
		c.server.log.Log(LevelWarning, "connection "+c.id+": write error: "+err.Error())
		c.closeInternal()
		return
	}

	if len(c.outBuf) == 0 {
		c.server.unwatchWritable(c)
		c.maybeCloseNow()
		return
	}
	if len(c.outBuf) > c.server.clientBufferSize {
		c.server.log.Log(LevelWarning, "connection "+c.id+": slow consumer, closing")
		c.closeInternal()
		return
	}
	c.server.watchWritable(c)
}

func (c *Connection) maybeCloseNow() {
	if c.closeWhenEmpty && len(c.outBuf) == 0 {
		c.closeInternal()
	}
}

// closeInternal shuts down both directions of the socket immediately
// but leaves the file descriptor open until destroy() runs at the end
// of the current reactor tick, so lingering socket state is cleaned up
// together with the Connection record.
func (c *Connection) closeInternal() {
	if c.shutdownCalled {
		return
	}
	c.shutdownCalled = true
	_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	c.server.scheduleDestroy(c)
}

func (c *Connection) destroy() {
	if c.response != nil {
		c.response.Cancel()
		c.response = nil
	}
	if c.wsHandler != nil && c.wsHandler.handler != nil && c.wsConn != nil {
		c.wsHandler.handler.OnDisconnect(c.wsConn)
	}
	_ = unix.Close(c.fd)
}

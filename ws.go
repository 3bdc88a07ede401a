package reactor

// WSConnection is the handle a WebSocketHandler uses to talk back to a
// single upgraded connection. Like connResponseWriter, it never holds a
// direct *Connection pointer — every call looks the connection back up
// by id and generation, so a handler that keeps a WSConnection around
// after OnDisconnect fires simply gets inert no-ops.
type WSConnection struct {
	server *Server
	connID string
	gen    uint64
}

// conn resolves the handle back to its live Connection, or nil once it
// is gone. Like connResponseWriter, a call from off the reactor thread
// panics: handlers that want to push data from another goroutine must
// go through Server.Execute.
func (w *WSConnection) conn() *Connection {
	w.server.checkReactorThread()
	c := w.server.lookupConn(w.connID)
	if c == nil || c.generation != w.gen {
		return nil
	}
	return c
}

// ID returns the connection's short diagnostic id, as minted at accept
// time and reported in the stats feed.
func (w *WSConnection) ID() string { return w.connID }

// IsActive reports whether the underlying connection is still alive.
func (w *WSConnection) IsActive() bool { return w.conn() != nil }

// Request returns the HTTP request that produced the handshake.
func (w *WSConnection) Request() *Request {
	c := w.conn()
	if c == nil {
		return nil
	}
	return c.request
}

// Send queues a text or binary message for delivery, applying
// permessage-deflate if it was negotiated for this connection.
func (w *WSConnection) Send(opcode Opcode, data []byte) {
	if c := w.conn(); c != nil {
		c.sendWSMessage(opcode, data)
	}
}

// Close requests that the connection be shut down after its output
// buffer drains.
func (w *WSConnection) Close() {
	if c := w.conn(); c != nil {
		c.closeWhenEmpty = true
		c.maybeCloseNow()
	}
}

// WebSocketHandler is the collaborator bound to a single registered
// WebSocket endpoint.
type WebSocketHandler interface {
	OnConnect(c *WSConnection)
	OnData(c *WSConnection, opcode Opcode, payload []byte)
	OnDisconnect(c *WSConnection)
	// ChooseProtocol returns the index into protocols to select as the
	// negotiated Sec-WebSocket-Protocol, or -1 to select none.
	ChooseProtocol(protocols []string) int
}

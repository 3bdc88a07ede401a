// Package reactor is a single-threaded, embeddable HTTP/1.1 and WebSocket
// server meant to be dropped into an existing application to expose a
// small web UI, streaming telemetry, or a bidirectional control channel.
//
// The hard engineering lives in three tightly-coupled pieces:
//
//  1. A readiness-notification event loop (Linux epoll) that multiplexes
//     a listening socket, a cross-goroutine wakeup descriptor, and every
//     client connection on a single dedicated goroutine.
//  2. A per-connection HTTP/WebSocket state machine that parses request
//     headers, routes to static content or application handlers, and
//     speaks both the legacy Hixie-76 handshake and the current Hybi
//     (RFC 6455) framing protocol, including permessage-deflate and
//     fragmentation.
//  3. A response pipeline: a writer abstraction usable for raw or chunked
//     transfer encoding, static file range requests, and streaming
//     responses whose lifetime may outlive a closed connection.
//
// Every Connection, Request, Response, and ResponseWriter method is only
// ever safe to call from the reactor's own goroutine, except [Server.Execute]
// and [Server.Terminate], which are the sole bridge for other goroutines.
package reactor

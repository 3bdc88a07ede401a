package reactor

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Authenticator is an optional hook run once per request, immediately
// after headers (and any body) are parsed but before the request is
// handed to any PageHandler. Its return value is baked into the
// immutable Request.Credentials field; Request itself is never mutated
// after the fact, so this is the only place credentials can be set.
type Authenticator func(r *Request) Credentials

// readyEvent is the portable shape every poller implementation (epoll
// today, a stub everywhere else) reports one readiness notification as.
type readyEvent struct {
	fd       int
	readable bool
	writable bool
	hupOrErr bool
}

const (
	defaultLameConnectionTimeout = 10 * time.Second
	defaultClientBufferSize      = 16 * 1024 * 1024
	defaultPollTimeout           = 500 * time.Millisecond
)

// Server is the process-wide reactor: it owns the listen descriptor,
// the readiness set, every accepted Connection, the handler registries,
// and the deferred-task queue other goroutines post work through. Every
// field besides taskMu/tasks and terminate is touched only from the
// single goroutine running Loop/Poll.
type Server struct {
	log Logger

	staticRoot            string
	authenticator         Authenticator
	hixie76Enabled        bool
	perMessageDeflate     bool
	clientBufferSize      int
	lameConnectionTimeout time.Duration
	maxKeepAliveDrops     int
	pollTimeout           time.Duration

	handlers *handlerRegistry

	epfd      int
	wakeupFD  int
	listenFD  int
	listening bool

	connsByFD  map[int]*Connection
	generation uint64

	toDelete []*Connection

	taskMu sync.Mutex
	tasks  []func()

	terminate  int32
	reactorTID int64 // OS thread id latched by the first Loop/Poll call; 0 = unlatched

	nextReapDeadline time.Time
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger installs the collaborator Logger every component's
// diagnostics are routed through. Without this option a small
// zerolog-backed default is used so a zero-configuration Server still
// logs something sensible.
func WithLogger(l Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithStaticRoot sets the filesystem root the static file responder
// resolves request paths against. An empty root (the default) serves
// only the embedded assets.
func WithStaticRoot(root string) Option {
	return func(s *Server) { s.staticRoot = root }
}

// WithAuthenticator installs a hook that runs once per request, before
// handler dispatch, and produces the Credentials baked into the
// Request value handed to PageHandlers.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.authenticator = a }
}

// WithHixie76 enables the legacy Hixie-76 (draft version 0) WebSocket
// handshake, off by default. Current browsers never need it, so it is
// opt-in.
func WithHixie76(enabled bool) Option {
	return func(s *Server) { s.hixie76Enabled = enabled }
}

// WithPerMessageDeflate enables negotiating the permessage-deflate
// WebSocket extension, off by default.
func WithPerMessageDeflate(enabled bool) Option {
	return func(s *Server) { s.perMessageDeflate = enabled }
}

// WithClientBufferSize sets the per-connection output buffer cap past
// which a connection is treated as a slow consumer and closed.
func WithClientBufferSize(bytes int) Option {
	return func(s *Server) { s.clientBufferSize = bytes }
}

// WithLameConnectionTimeout sets how long a connection may sit accepted
// without sending any bytes before the idle reaper destroys it.
func WithLameConnectionTimeout(d time.Duration) Option {
	return func(s *Server) { s.lameConnectionTimeout = d }
}

// WithMaxKeepAliveDrops enables TCP keepalive probing at 1-second
// intervals on accepted connections, dropping the connection after this
// many missed probes. Zero (the default) disables TCP keepalive.
func WithMaxKeepAliveDrops(n int) Option {
	return func(s *Server) { s.maxKeepAliveDrops = n }
}

// WithPollTimeout bounds how long a single Poll/Loop tick blocks waiting
// for readiness before running its periodic housekeeping regardless.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Server) { s.pollTimeout = d }
}

// NewServer constructs a Server and initializes its readiness
// primitive. It does not yet listen on any socket; call Listen or
// ListenUnix before Loop/Poll to accept connections (a Server with no
// listener still serves Execute-driven work, which is occasionally
// useful in tests as a plain task-draining reactor).
func NewServer(opts ...Option) (*Server, error) {
	s := &Server{
		clientBufferSize:      defaultClientBufferSize,
		lameConnectionTimeout: defaultLameConnectionTimeout,
		pollTimeout:           defaultPollTimeout,
		handlers:              newHandlerRegistry(),
		listenFD:              -1,
		connsByFD:             make(map[int]*Connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = newDefaultLogger()
	}
	if err := s.initPoller(); err != nil {
		return nil, fmt.Errorf("reactor: %w", err)
	}
	return s, nil
}

// AddPageHandler registers h at the end of the page-handler chain.
func (s *Server) AddPageHandler(h PageHandler) {
	s.handlers.addPageHandler(h)
}

// AddWebSocketHandler registers h for WebSocket upgrade requests whose
// target (query string stripped) equals endpoint.
func (s *Server) AddWebSocketHandler(endpoint string, h WebSocketHandler, allowCrossOrigin bool) {
	s.handlers.addWebSocketHandler(endpoint, h, allowCrossOrigin)
}

// Listen opens a non-blocking IPv4 TCP listen socket on address
// ("host:port") and registers it with the reactor.
func (s *Server) Listen(address string) error {
	if s.listening {
		return errors.New("reactor: already listening")
	}
	if err := s.listenTCP(address); err != nil {
		return err
	}
	s.listening = true
	diagLog.Info().Str("addr", address).Msg("listening")
	return nil
}

// ListenUnix opens a non-blocking Unix-domain stream listen socket at
// path and registers it with the reactor.
func (s *Server) ListenUnix(path string) error {
	if s.listening {
		return errors.New("reactor: already listening")
	}
	if err := s.listenUnix(path); err != nil {
		return err
	}
	s.listening = true
	diagLog.Info().Str("path", path).Msg("listening")
	return nil
}

// Execute enqueues fn to run on the reactor goroutine at the top of its
// next tick and wakes the reactor if it's blocked in the readiness
// wait. It is the only goroutine-safe way to touch Connection or
// ResponseWriter state from outside the reactor goroutine.
func (s *Server) Execute(fn func()) {
	s.taskMu.Lock()
	s.tasks = append(s.tasks, fn)
	s.taskMu.Unlock()
	s.pollerWake()
}

// Terminate requests that Loop return at the end of its current tick.
// Best-effort: connections already in flight are closed with a linger
// timeout rather than forcibly reset.
func (s *Server) Terminate() {
	atomic.StoreInt32(&s.terminate, 1)
	diagLog.Debug().Msg("terminate requested")
	s.pollerWake()
}

func (s *Server) terminated() bool {
	return atomic.LoadInt32(&s.terminate) != 0
}

func (s *Server) nextGeneration() uint64 {
	s.generation++
	return s.generation
}

func (s *Server) lookupConn(id string) *Connection {
	for _, c := range s.connsByFD {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (s *Server) watchWritable(c *Connection) {
	if err := s.pollerWatchWrite(c.fd); err != nil {
		s.log.Log(LevelWarning, "reactor: watch-writable failed for "+c.id+": "+err.Error())
	}
}

func (s *Server) unwatchWritable(c *Connection) {
	if err := s.pollerUnwatchWrite(c.fd); err != nil {
		s.log.Log(LevelWarning, "reactor: unwatch-writable failed for "+c.id+": "+err.Error())
	}
}

// scheduleDestroy marks c for teardown at the end of the current tick,
// so peers in the same readiness batch never observe a half-destroyed
// Connection.
func (s *Server) scheduleDestroy(c *Connection) {
	s.toDelete = append(s.toDelete, c)
}

func (s *Server) reapDeleted() {
	for _, c := range s.toDelete {
		if _, ok := s.connsByFD[c.fd]; !ok {
			continue
		}
		_ = s.pollerRemove(c.fd)
		delete(s.connsByFD, c.fd)
		c.destroy()
	}
	s.toDelete = s.toDelete[:0]
}

func (s *Server) drainTasks() {
	s.taskMu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.taskMu.Unlock()

	for _, fn := range tasks {
		fn()
	}
}

func (s *Server) reapLameConnections(now time.Time) {
	if !now.After(s.nextReapDeadline) {
		return
	}
	for _, c := range s.connsByFD {
		if c.bytesReceived == 0 && now.Sub(c.acceptTime) > s.lameConnectionTimeout {
			s.log.Log(LevelWarning, "connection "+c.id+": lame connection, closing")
			c.closeInternal()
		}
	}
	s.nextReapDeadline = now
}

// Loop pins the calling goroutine as the reactor goroutine and runs
// ticks until Terminate is called. It is the long-running entry point
// most embedders use; Poll is the alternative for embedding a single
// tick inside another event loop.
func (s *Server) Loop() error {
	if !s.pinReactorGoroutine() {
		return errors.New("reactor: Loop/Poll already latched to a different thread")
	}

	for !s.terminated() {
		if err := s.tick(s.pollTimeout); err != nil {
			return err
		}
	}
	s.drainTasks()
	s.shutdownAll()
	return nil
}

// Poll runs a single reactor tick, for embedding inside another event
// loop. The first call latches the calling thread as the reactor
// thread (via runtime.LockOSThread); repeated calls from that thread
// keep working, while a call from any other thread fails fast rather
// than silently corrupting state shared with the first.
func (s *Server) Poll(timeout time.Duration) error {
	if !s.pinReactorGoroutine() {
		return errors.New("reactor: Loop/Poll already latched to a different thread")
	}
	if s.terminated() {
		s.drainTasks()
		s.shutdownAll()
		return nil
	}
	return s.tick(timeout)
}

// pinReactorGoroutine locks the current goroutine to its OS thread and
// latches that thread's id as the reactor's identity. Once latched, only
// the same thread may ever drive the loop again; checkReactorThread
// compares against the same latch.
func (s *Server) pinReactorGoroutine() bool {
	runtime.LockOSThread()
	tid := pollerThreadID()
	if atomic.CompareAndSwapInt64(&s.reactorTID, 0, tid) {
		return true
	}
	if atomic.LoadInt64(&s.reactorTID) == tid {
		return true
	}
	runtime.UnlockOSThread()
	return false
}

// checkReactorThread panics if called from any thread other than the
// one latched by Loop/Poll. Connection, ResponseWriter, and
// WSConnection methods call this at every public entry point: a
// violation is a programmer error (the caller should have gone through
// Execute), not a recoverable condition. Before the loop first runs the
// check passes everywhere, which keeps single-goroutine use trivial.
func (s *Server) checkReactorThread() {
	tid := atomic.LoadInt64(&s.reactorTID)
	if tid != 0 && tid != pollerThreadID() {
		panic("reactor: method called off the reactor thread; use Server.Execute")
	}
}

func (s *Server) tick(timeout time.Duration) error {
	s.drainTasks()
	s.reapLameConnections(time.Now())

	events, err := s.pollerWaitTick(int(timeout / time.Millisecond))
	if err != nil {
		s.log.Log(LevelSevere, "reactor: poll wait failed: "+err.Error())
		atomic.StoreInt32(&s.terminate, 1)
		return fmt.Errorf("reactor: poll wait: %w", err)
	}

	for _, ev := range events {
		s.dispatchEvent(ev)
	}
	s.reapDeleted()
	return nil
}

func (s *Server) dispatchEvent(ev readyEvent) {
	if ev.hupOrErr && (ev.fd == s.listenFD || ev.fd == s.wakeupFD) {
		s.log.Log(LevelSevere, "reactor: error on listen or wakeup descriptor")
		atomic.StoreInt32(&s.terminate, 1)
		return
	}
	switch {
	case ev.fd == s.listenFD:
		s.acceptLoop()
	case ev.fd == s.wakeupFD:
		s.pollerDrainWakeup()
	default:
		c, ok := s.connsByFD[ev.fd]
		if !ok {
			return
		}
		if ev.hupOrErr {
			c.closeInternal()
			return
		}
		if ev.writable {
			c.onWritable()
		}
		if ev.readable {
			c.onReadable()
		}
	}
}

// acceptLoop drains every pending connection off the listen socket in
// one tick, since a single readiness notification may represent
// several queued accepts.
func (s *Server) acceptLoop() {
	for {
		fd, addr, err := s.acceptOne()
		if err != nil {
			return
		}
		now := time.Now()
		c := newConnection(s, fd, addr, now)
		if err := s.pollerAddRead(fd); err != nil {
			s.log.Log(LevelWarning, "reactor: register accepted fd failed: "+err.Error())
			closeRawFD(fd)
			continue
		}
		s.connsByFD[fd] = c
		s.log.Log(LevelDebug, "accepted connection "+c.id+" from "+addrString(addr))
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// shutdownAll closes every remaining connection and tears down the
// readiness primitive; each socket lingers briefly so in-flight output
// gets a chance to drain.
func (s *Server) shutdownAll() {
	for fd, c := range s.connsByFD {
		s.pollerSetLinger(fd, 1)
		c.closeInternal()
		delete(s.connsByFD, fd)
		c.destroy()
	}
	if s.listenFD >= 0 {
		_ = s.pollerRemove(s.listenFD)
	}
	_ = s.pollerClose()
}

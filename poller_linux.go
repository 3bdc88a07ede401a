//go:build linux

package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// initPoller creates the epoll instance and the eventfd wakeup
// descriptor, and registers the latter for readability.
func (s *Server) initPoller() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	wakeupFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return fmt.Errorf("eventfd: %w", err)
	}
	s.epfd = epfd
	s.wakeupFD = wakeupFD
	return s.pollerAddRead(wakeupFD)
}

func (s *Server) pollerAddRead(fd int) error {
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)})
}

func (s *Server) pollerWatchWrite(fd int) error {
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(fd)})
}

func (s *Server) pollerUnwatchWrite(fd int) error {
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)})
}

func (s *Server) pollerRemove(fd int) error {
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (s *Server) pollerWake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(s.wakeupFD, buf[:])
}

func (s *Server) pollerDrainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(s.wakeupFD, buf[:]); err != nil {
			break
		}
	}
}

// pollerWaitTick blocks for up to timeoutMS and translates raw epoll
// events into the portable readyEvent shape the rest of the reactor
// consumes.
func (s *Server) pollerWaitTick(timeoutMS int) ([]readyEvent, error) {
	raw := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(s.epfd, raw, timeoutMS)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}
	events := make([]readyEvent, n)
	for i := 0; i < n; i++ {
		events[i] = readyEvent{
			fd:       int(raw[i].Fd),
			readable: raw[i].Events&unix.EPOLLIN != 0,
			writable: raw[i].Events&unix.EPOLLOUT != 0,
			hupOrErr: raw[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		}
	}
	return events, nil
}

func (s *Server) pollerClose() error {
	_ = unix.Close(s.wakeupFD)
	return unix.Close(s.epfd)
}

// pollerThreadID identifies the calling OS thread, for the reactor's
// thread-affinity latch. Only meaningful while the caller holds
// runtime.LockOSThread, or when comparing against a thread that does.
func pollerThreadID() int64 {
	return int64(unix.Gettid())
}

func closeRawFD(fd int) {
	_ = unix.Close(fd)
}

// pollerSetLinger sets SO_LINGER so the eventual close() of fd gives
// queued bytes up to seconds to flush before the connection is reset.
func (s *Server) pollerSetLinger(fd, seconds int) {
	_ = unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: int32(seconds)})
}

// acceptOne accepts one pending connection off the listen socket,
// already non-blocking and close-on-exec.
func (s *Server) acceptOne() (int, net.Addr, error) {
	fd, sa, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if s.maxKeepAliveDrops > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 1)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 1)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, s.maxKeepAliveDrops)
	}
	return fd, sockaddrToAddr(sa), nil
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: a.Name, Net: "unix"}
	default:
		return nil
	}
}

// listenTCP opens a non-blocking IPv4 TCP listen socket on address
// ("host:port").
func (s *Server) listenTCP(address string) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", address)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", address, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	var sa unix.SockaddrInet4
	sa.Port = tcpAddr.Port
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, &sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bind %q: %w", address, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}

	s.listenFD = fd
	return s.pollerAddRead(fd)
}

// listenUnix opens a non-blocking Unix domain stream listen socket.
func (s *Server) listenUnix(path string) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bind %q: %w", path, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}

	s.listenFD = fd
	return s.pollerAddRead(fd)
}

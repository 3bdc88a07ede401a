//go:build !linux

package reactor

import (
	"errors"
	"net"
)

// errLinuxOnly is returned by every poller operation on non-Linux
// platforms: epoll and eventfd are Linux kernel facilities. NewServer
// fails fast via initPoller rather than silently falling back to a
// different I/O model.
var errLinuxOnly = errors.New("reactor: epoll/eventfd reactor is only supported on linux")

func (s *Server) initPoller() error                                { return errLinuxOnly }
func (s *Server) pollerAddRead(int) error                          { return errLinuxOnly }
func (s *Server) pollerWatchWrite(int) error                       { return errLinuxOnly }
func (s *Server) pollerUnwatchWrite(int) error                     { return errLinuxOnly }
func (s *Server) pollerRemove(int) error                           { return errLinuxOnly }
func (s *Server) pollerWake()                                      {}
func (s *Server) pollerDrainWakeup()                               {}
func (s *Server) pollerWaitTick(int) ([]readyEvent, error)         { return nil, errLinuxOnly }
func (s *Server) pollerClose() error                                { return errLinuxOnly }
func (s *Server) acceptOne() (int, net.Addr, error)                 { return -1, nil, errLinuxOnly }
func (s *Server) listenTCP(string) error                            { return errLinuxOnly }
func (s *Server) listenUnix(string) error                           { return errLinuxOnly }
func (s *Server) pollerSetLinger(int, int)                          {}

func pollerThreadID() int64 { return 0 }

func closeRawFD(int) {}

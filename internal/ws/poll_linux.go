//go:build linux

package ws

import (
	"errors"
	"net"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const waitTimeoutMs = 100

// poller registers sockets with epoll so idle connections cost no goroutine.
type poller struct {
	fd     int
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{fd: fd, events: make([]unix.EpollEvent, 128)}, nil
}

func (p *poller) watch(_ *Server, c *Connection) error {
	if c.Fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
	})
}

func (p *poller) unwatch(c *Connection) error {
	if c.Fd < 0 {
		return nil
	}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
}

// wait returns the descriptors of readable sockets. It gives up after
// waitTimeoutMs so the event loop notices shutdown.
func (p *poller) wait() ([]int, error) {
	n, err := unix.EpollWait(p.fd, p.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}
	fds := make([]int, n)
	for i := 0; i < n; i++ {
		fds[i] = int(p.events[i].Fd)
	}
	return fds, nil
}

func (p *poller) close() error {
	return unix.Close(p.fd)
}

// runEventLoop dispatches readable connections until the server stops.
func (s *Server) runEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		fds, err := s.poller.wait()
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}
			log.Error().Str("module", "ws").Err(err).Msg("epoll wait")
			continue
		}

		for _, fd := range fds {
			if c := s.conns.GetByFd(fd); c != nil {
				s.dispatch(c)
			}
		}
	}
}

// socketFD returns the descriptor of a TCP connection without duplicating it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) { fd = int(sfd) })
	return fd
}

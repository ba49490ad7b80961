//go:build !linux

package ws

import "net"

// poller on non-Linux platforms gives each connection a blocking reader
// goroutine. It exists so the server runs on developer machines.
type poller struct{}

func newPoller() (*poller, error) { return &poller{}, nil }

func (p *poller) watch(s *Server, c *Connection) error {
	go func() {
		for s.readFrame(c) {
			select {
			case <-s.done:
				return
			default:
			}
		}
	}()
	return nil
}

func (p *poller) unwatch(*Connection) error { return nil }
func (p *poller) close() error              { return nil }

func (s *Server) runEventLoop() {}

func socketFD(net.Conn) int { return -1 }

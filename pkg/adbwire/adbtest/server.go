// Package adbtest provides a scripted adb daemon for tests.
package adbtest

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Conn is a connection accepted by the fake daemon.
type Conn struct {
	net.Conn
	// Serial is the device selected with host:transport, if any.
	Serial string
}

// Okay writes the OKAY response.
func (c *Conn) Okay() error {
	_, err := io.WriteString(c, "OKAY")
	return err
}

// Fail writes a FAIL response followed by msg.
func (c *Conn) Fail(msg string) error {
	_, err := fmt.Fprintf(c, "FAIL%04X%s", len(msg), msg)
	return err
}

// Send writes a length-prefixed payload.
func (c *Conn) Send(payload string) error {
	_, err := fmt.Fprintf(c, "%04X%s", len(payload), payload)
	return err
}

// Handler serves one request. The connection is closed when it returns.
type Handler func(c *Conn, req string)

// Server is a fake daemon listening on a loopback port.
type Server struct {
	ln net.Listener

	mu       sync.Mutex
	handlers []route
	requests []string
	rejected map[string]string
	conns    map[net.Conn]struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type route struct {
	pattern string
	h       Handler
}

// NewServer starts a fake daemon. It is closed when the test ends.
func NewServer(t testing.TB) *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{ln: ln, rejected: map[string]string{}, conns: map[net.Conn]struct{}{}, done: make(chan struct{})}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Port returns the port the daemon listens on.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Addr returns the address the daemon listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Handle registers h for requests equal to pattern, or starting with it if
// pattern ends with '*'. Later registrations take precedence.
func (s *Server) Handle(pattern string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append([]route{{pattern, h}}, s.handlers...)
}

// HandleOkay answers OKAY followed by the length-prefixed payload to
// requests matching pattern.
func (s *Server) HandleOkay(pattern, payload string) {
	s.Handle(pattern, func(c *Conn, req string) {
		c.Okay()
		c.Send(payload)
	})
}

// HandleStream answers OKAY to requests matching pattern and then sends
// every value received from updates as a length-prefixed payload. The
// connection is dropped when updates is closed.
func (s *Server) HandleStream(pattern string, updates <-chan string) {
	s.Handle(pattern, func(c *Conn, req string) {
		c.Okay()
		for {
			select {
			case u, ok := <-updates:
				if !ok {
					return
				}
				if err := c.Send(u); err != nil {
					return
				}
			case <-s.done:
				return
			}
		}
	})
}

// HandleConn answers OKAY to requests matching pattern and hands the raw
// stream to f.
func (s *Server) HandleConn(pattern string, f func(c *Conn)) {
	s.Handle(pattern, func(c *Conn, req string) {
		c.Okay()
		f(c)
	})
}

// Done is closed when the daemon shuts down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// RejectTransport makes host:transport:<serial> fail with msg.
func (s *Server) RejectTransport(serial, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[serial] = msg
}

// Requests returns every request received so far, in order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Count returns how many requests equal req.
func (s *Server) Count(req string) int {
	n := 0
	for _, r := range s.Requests() {
		if r == req {
			n++
		}
	}
	return n
}

// Close stops the daemon and drops every open connection.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.serveConn(&Conn{Conn: conn})
		}()
	}
}

func (s *Server) serveConn(c *Conn) {
	for {
		req, err := readRequest(c)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		if serial, ok := strings.CutPrefix(req, "host:transport:"); ok {
			s.mu.Lock()
			msg, rejected := s.rejected[serial]
			s.mu.Unlock()
			if rejected {
				c.Fail(msg)
				return
			}
			c.Serial = serial
			c.Okay()
			continue
		}

		h := s.lookup(req)
		if h == nil {
			c.Fail("unknown command " + req)
			return
		}
		h(c, req)
		return
	}
}

func (s *Server) lookup(req string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.handlers {
		if p, ok := strings.CutSuffix(r.pattern, "*"); ok {
			if strings.HasPrefix(req, p) {
				return r.h
			}
		} else if r.pattern == req {
			return r.h
		}
	}
	return nil
}

func readRequest(r io.Reader) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(hdr[:]), 16, 16)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

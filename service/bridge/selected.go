package bridge

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-delve/ddmbridge/pkg/logflags"
)

// selectedRelay accepts debuggers on a fixed port and splices each one to
// the debugger proxy of the selected client.
type selectedRelay struct {
	b        *Bridge
	listener net.Listener
	stopChan chan struct{}
	log      logflags.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func listenSelected(b *Bridge, port int) (*selectedRelay, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	r := &selectedRelay{
		b:        b,
		listener: listener,
		stopChan: make(chan struct{}),
		log:      logflags.BridgeLogger().WithField("port", port),
		conns:    map[net.Conn]struct{}{},
	}
	r.wg.Add(1)
	go r.acceptLoop()
	return r, nil
}

func (r *selectedRelay) addr() net.Addr { return r.listener.Addr() }

func (r *selectedRelay) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.stopChan:
			default:
				r.log.Errorf("accept: %v", err)
			}
			return
		}
		c := r.b.SelectedClient()
		if c == nil || c.DebuggerPort() == 0 {
			r.log.Infof("no client selected, closing connection from %s", conn.RemoteAddr())
			conn.Close()
			continue
		}
		target, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(c.DebuggerPort())), r.b.config.Timeout)
		if err != nil {
			r.log.Warnf("could not reach debugger port of %s: %v", c, err)
			conn.Close()
			continue
		}
		r.log.Debugf("relaying %s to client %d", conn.RemoteAddr(), c.Pid())
		r.track(conn, target)
		r.wg.Add(2)
		go r.pump(conn, target)
		go r.pump(target, conn)
	}
}

func (r *selectedRelay) track(conns ...net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range conns {
		r.conns[c] = struct{}{}
	}
}

// pump copies src to dst, then closes both so that the opposite pump
// stops too.
func (r *selectedRelay) pump(dst, src net.Conn) {
	defer r.wg.Done()
	io.Copy(dst, src)
	r.mu.Lock()
	delete(r.conns, src)
	delete(r.conns, dst)
	r.mu.Unlock()
	src.Close()
	dst.Close()
}

func (r *selectedRelay) close() error {
	close(r.stopChan)
	err := r.listener.Close()
	r.mu.Lock()
	for c := range r.conns {
		c.SetDeadline(time.Now())
		c.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()
	return err
}

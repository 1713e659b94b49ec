package client

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-delve/ddmbridge/pkg/adbwire"
	"github.com/go-delve/ddmbridge/pkg/ddm"
	"github.com/go-delve/ddmbridge/pkg/jdwp"
	"github.com/go-delve/ddmbridge/pkg/logflags"
)

// MaxPendingPackets bounds the packets queued for a debugger.
const MaxPendingPackets = 256

// Debugger is the proxy an external debugger connects to in order to
// reach a client. It accepts one debugger at a time on a loopback port.
type Debugger struct {
	client   *Client
	listener net.Listener
	port     int
	log      logflags.Logger

	mu sync.Mutex
	// conn is the connected debugger, out is set once its handshake has
	// been answered.
	conn net.Conn
	out  *outbox
	// pending holds the packets for the debugger, written by the outbox
	// writer once attached.
	pending []*jdwp.Packet
	closed  bool

	startOnce sync.Once
	wg        sync.WaitGroup
}

// outbox is the write side of an attached debugger. Packets are written
// by its own goroutine so a slow debugger never blocks the client.
type outbox struct {
	conn net.Conn
	wake chan struct{}
	stop chan struct{}
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func listenDebugger(c *Client, port int) (*Debugger, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	d := &Debugger{
		client:   c,
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
		log:      logflags.DebuggerLogger().WithFields(logflags.Fields{"pid": c.pid, "port": port}),
	}
	return d, nil
}

func (d *Debugger) start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.acceptLoop()
	})
}

// Port returns the port the proxy listens on.
func (d *Debugger) Port() int { return d.port }

// Addr returns the address the proxy listens on.
func (d *Debugger) Addr() net.Addr { return d.listener.Addr() }

// Attached reports whether a debugger completed its handshake.
func (d *Debugger) Attached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out != nil
}

// Pending returns the number of packets waiting for a debugger.
func (d *Debugger) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Debugger) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !d.isClosed() {
				d.log.Errorf("accept: %v", err)
			}
			return
		}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			conn.Close()
			return
		}
		if d.conn != nil {
			d.mu.Unlock()
			d.log.Warnf("rejecting debugger from %s, one is already attached", conn.RemoteAddr())
			conn.Close()
			continue
		}
		d.conn = conn
		d.mu.Unlock()
		d.log.Debugf("debugger connected from %s", conn.RemoteAddr())
		d.wg.Add(1)
		go d.serve(conn)
	}
}

func (d *Debugger) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// serve answers the handshake of a debugger, flushes the packets that
// arrived before it and relays everything it sends to the client.
func (d *Debugger) serve(conn net.Conn) {
	defer d.wg.Done()
	defer d.detach(conn)

	buf := jdwp.NewBuffer(d.client.maxBuf)
	if d.client.timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(d.client.timeout))
	}
	for {
		_, err := buf.ReadFrom(conn)
		res := jdwp.ParseHandshake(buf.Bytes())
		if res == jdwp.HandshakeBad {
			d.log.Warnf("bad handshake from debugger: %q", buf.Bytes()[:jdwp.HandshakeLen])
			return
		}
		if res == jdwp.HandshakeGood {
			break
		}
		if err != nil {
			d.log.Debugf("debugger went away during handshake: %v", err)
			return
		}
	}
	buf.Consume(jdwp.HandshakeLen)
	conn.SetReadDeadline(time.Time{})

	if err := adbwire.Write(conn, []byte(jdwp.Handshake), d.client.timeout); err != nil {
		d.log.Debugf("writing to debugger: %v", err)
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	o := &outbox{conn: conn, wake: make(chan struct{}, 1), stop: make(chan struct{})}
	d.out = o
	if len(d.pending) > 0 {
		o.signal()
	}
	d.wg.Add(1)
	go d.writeLoop(o)
	d.mu.Unlock()

	d.setStatus(ddm.DebuggerAttached)
	for {
		for {
			p, err := buf.NextPacket()
			if err != nil {
				d.log.Warnf("bad packet from debugger: %v", err)
				return
			}
			if p == nil {
				break
			}
			if logflags.Debugger() {
				d.log.Debugf("-> %s", p)
			}
			if err := d.client.sendRaw(p); err != nil {
				d.log.Debugf("relaying to client: %v", err)
				return
			}
		}
		if _, err := buf.ReadFrom(conn); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				d.log.Debugf("debugger disconnected: %v", err)
			}
			return
		}
	}
}

// detach forgets conn and goes back to waiting for a debugger.
func (d *Debugger) detach(conn net.Conn) {
	conn.Close()
	d.mu.Lock()
	wasAttached := false
	if d.conn == conn {
		d.conn = nil
		if d.out != nil {
			wasAttached = true
			close(d.out.stop)
			d.out = nil
			d.pending = nil
		}
	}
	closed := d.closed
	d.mu.Unlock()
	if wasAttached && !closed {
		d.setStatus(ddm.DebuggerDefault)
	}
}

func (d *Debugger) setStatus(s ddm.DebuggerStatus) {
	if d.client.data.SetDebuggerStatus(s) {
		d.client.Changed(ddm.ChangeDebuggerStatus)
	}
}

// forward queues a packet from the client for the debugger. Before a
// debugger attaches the oldest packet is dropped when the queue is full;
// an attached debugger that falls that far behind is disconnected.
func (d *Debugger) forward(p *jdwp.Packet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if len(d.pending) >= MaxPendingPackets {
		if d.out != nil {
			d.log.Warnf("debugger is not reading, disconnecting it")
			d.out.conn.Close()
			d.pending = nil
			return
		}
		d.log.Debugf("pending queue full, dropping %s", d.pending[0])
		d.pending = d.pending[1:]
	}
	d.pending = append(d.pending, p)
	if d.out != nil {
		d.out.signal()
	}
}

// writeLoop writes queued packets to the debugger of o until it detaches.
func (d *Debugger) writeLoop(o *outbox) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if d.out != o {
			d.mu.Unlock()
			return
		}
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()

		for _, p := range batch {
			if logflags.Debugger() {
				d.log.Debugf("<- %s", p)
			}
			if err := adbwire.Write(o.conn, p.Bytes(), d.client.timeout); err != nil {
				d.log.Debugf("writing to debugger: %v", err)
				o.conn.Close()
				return
			}
		}
		select {
		case <-o.wake:
		case <-o.stop:
			return
		}
	}
}

// Close stops listening and disconnects the debugger.
func (d *Debugger) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	conn := d.conn
	if d.out != nil {
		close(d.out.stop)
		d.out = nil
	}
	d.pending = nil
	d.mu.Unlock()

	d.listener.Close()
	if conn != nil {
		conn.Close()
	}
	d.wg.Wait()
}

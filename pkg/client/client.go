// Package client implements the per-process JDWP session ("client") and
// the debugger proxy that lets an external debugger attach through it.
//
// A Client owns the pass-through socket to a debuggable process. It
// performs the JDWP handshake, bootstraps the DDM protocol, dispatches DDM
// chunks to the registry and relays every other packet to the attached
// debugger. Each Client runs one goroutine reading its socket; packets are
// processed in the order they were received.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-delve/ddmbridge/pkg/adbwire"
	"github.com/go-delve/ddmbridge/pkg/ddm"
	"github.com/go-delve/ddmbridge/pkg/jdwp"
	"github.com/go-delve/ddmbridge/pkg/logflags"
)

// State is the connection state of a client.
type State int

const (
	// StateInit is the state before the handshake is sent.
	StateInit State = iota
	// StateAwaitShake waits for the handshake of the process.
	StateAwaitShake
	// StateNeedDDMPkt waits for the first DDM packet.
	StateNeedDDMPkt
	// StateNotJDWP means the process answered with a bad handshake and
	// will not be retried.
	StateNotJDWP
	// StateReady means the process speaks DDM.
	StateReady
	// StateError means the session hit a protocol or resource error.
	StateError
	// StateDisconnected means the socket was closed.
	StateDisconnected
	// StateNotDDM means the process speaks plain JDWP only.
	StateNotDDM
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitShake:
		return "await-shake"
	case StateNeedDDMPkt:
		return "need-ddm-pkt"
	case StateNotJDWP:
		return "not-jdwp"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateDisconnected:
		return "disconnected"
	case StateNotDDM:
		return "not-ddm"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// terminal reports whether no transition leaves s.
func (s State) terminal() bool {
	return s == StateNotJDWP || s == StateError || s == StateDisconnected
}

var (
	// ErrClosed is returned when sending on a dropped client.
	ErrClosed = errors.New("client closed")
	// ErrBadHandshake is the drop reason of a process that answered the
	// handshake with something else.
	ErrBadHandshake = errors.New("bad JDWP handshake")
)

// Owner is notified of the events of a client. Calls are made from the
// client's goroutines and must not block.
type Owner interface {
	// ClientChanged reports a change of the client data.
	ClientChanged(c *Client, mask ddm.ChangeMask)
	// ClientDropped reports that the client closed its socket. If reopen
	// is true the owner should create a new session for the same process.
	ClientDropped(c *Client, reopen bool)
}

// Config describes a new client.
type Config struct {
	// Serial identifies the device, it is the only reference a client
	// keeps to it.
	Serial string
	Pid    int
	// Conn is the pass-through connection to the process.
	Conn net.Conn
	// Registry dispatches DDM chunks.
	Registry *ddm.Registry
	// DebuggerPort is the port the debugger proxy listens on, 0 disables
	// the proxy.
	DebuggerPort int
	// Timeout bounds writes and the wait for the handshake.
	Timeout time.Duration
	// MaxReadBuffer is the ceiling of the read buffer, 0 means unlimited.
	MaxReadBuffer int
	// RetryOnBadHandshake asks the owner to reopen a client whose
	// handshake did not match, instead of marking it StateNotJDWP.
	RetryOnBadHandshake bool
	Owner               Owner
}

// Client is a JDWP session with one process of a device.
type Client struct {
	serial   string
	pid      int
	conn     net.Conn
	registry *ddm.Registry
	owner    Owner
	timeout  time.Duration
	maxBuf   int
	retryBad bool
	data     *ddm.ClientData
	log      logflags.Logger

	mu          sync.Mutex
	state       State
	outstanding map[uint32]ddm.Handler
	ready       bool
	reopen      bool
	// helloID is the id of the bootstrap hello request.
	helloID uint32

	// writeMu serializes writes to conn so packets never interleave.
	writeMu sync.Mutex

	debugger *Debugger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a client and binds its debugger proxy. A proxy that cannot
// be bound is reported through the debugger status, the session itself
// still works.
func New(cfg Config) *Client {
	c := &Client{
		serial:      cfg.Serial,
		pid:         cfg.Pid,
		conn:        cfg.Conn,
		registry:    cfg.Registry,
		owner:       cfg.Owner,
		timeout:     cfg.Timeout,
		maxBuf:      cfg.MaxReadBuffer,
		retryBad:    cfg.RetryOnBadHandshake,
		data:        ddm.NewClientData(cfg.Pid),
		outstanding: make(map[uint32]ddm.Handler),
		done:        make(chan struct{}),
		log:         logflags.JDWPLogger().WithFields(logflags.Fields{"serial": cfg.Serial, "pid": cfg.Pid}),
	}
	if cfg.DebuggerPort > 0 {
		d, err := listenDebugger(c, cfg.DebuggerPort)
		if err != nil {
			c.log.Warnf("could not bind debugger port %d: %v", cfg.DebuggerPort, err)
			c.data.SetDebuggerStatus(ddm.DebuggerError)
		} else {
			c.debugger = d
		}
	}
	return c
}

// Start sends the handshake and starts reading the socket.
func (c *Client) Start() error {
	if err := c.write([]byte(jdwp.Handshake)); err != nil {
		c.drop(fmt.Errorf("sending handshake: %w", err), false)
		return err
	}
	c.setState(StateAwaitShake)
	if c.timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	c.wg.Add(1)
	go c.run()
	if c.debugger != nil {
		c.debugger.start()
	}
	return nil
}

// Pid returns the process id.
func (c *Client) Pid() int { return c.pid }

// Serial returns the serial number of the device running the process.
func (c *Client) Serial() string { return c.serial }

// Data returns the data accumulated from DDM chunks.
func (c *Client) Data() *ddm.ClientData { return c.data }

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsReady reports whether the client completed the DDM handshake.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// ReopenScheduled reports whether the client was dropped with a request
// to be recreated.
func (c *Client) ReopenScheduled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reopen
}

// DebuggerPort returns the port the debugger proxy listens on, or 0.
func (c *Client) DebuggerPort() int {
	if c.debugger == nil {
		return 0
	}
	return c.debugger.Port()
}

// Debugger returns the debugger proxy, nil if none could be bound.
func (c *Client) Debugger() *Debugger {
	return c.debugger
}

// Done is closed when the client is dropped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) String() string {
	return fmt.Sprintf("client %s/%d [%s]", c.serial, c.pid, c.State())
}

// Changed forwards a change notification to the owner.
func (c *Client) Changed(mask ddm.ChangeMask) {
	if c.owner != nil {
		c.owner.ClientChanged(c, mask)
	}
}

// Close drops the client, closing its socket and debugger proxy, and
// waits for its goroutines. Closing a dropped client is a no-op.
func (c *Client) Close() {
	c.drop(nil, false)
	c.wg.Wait()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() {
		return
	}
	c.log.Debugf("state %s -> %s", c.state, s)
	c.state = s
}

func (c *Client) run() {
	defer c.wg.Done()
	buf := jdwp.NewBuffer(c.maxBuf)
	for {
		n, err := buf.ReadFrom(c.conn)
		if n > 0 {
			if perr := c.process(buf); perr != nil {
				c.fail(perr)
				return
			}
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

// fail drops the client after a read or protocol error. A client that
// fails before completing the handshake is offered for reopening when
// RetryOnBadHandshake is set.
func (c *Client) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	if c.State() != StateAwaitShake {
		c.drop(err, false)
		return
	}
	var terr net.Error
	if errors.As(err, &terr) && terr.Timeout() {
		err = fmt.Errorf("%w: none received in %v", ErrBadHandshake, c.timeout)
	}
	switch {
	case c.retryBad:
		c.log.Debugf("handshake failed: %v, scheduling reopen", err)
		c.drop(err, true)
	case errors.Is(err, ErrBadHandshake):
		c.setState(StateNotJDWP)
		c.drop(err, false)
	default:
		c.drop(err, false)
	}
}

// process consumes every complete handshake or packet in buf.
func (c *Client) process(buf *jdwp.Buffer) error {
	for {
		if c.State() == StateAwaitShake {
			switch jdwp.ParseHandshake(buf.Bytes()) {
			case jdwp.HandshakeNotYet:
				return nil
			case jdwp.HandshakeBad:
				return fmt.Errorf("%w: %q", ErrBadHandshake, buf.Bytes()[:jdwp.HandshakeLen])
			case jdwp.HandshakeGood:
				buf.Consume(jdwp.HandshakeLen)
				c.conn.SetReadDeadline(time.Time{})
				c.setState(StateNeedDDMPkt)
				helloID, err := ddm.Bootstrap(c, c.registry)
				c.mu.Lock()
				c.helloID = helloID
				c.mu.Unlock()
				if err != nil {
					return err
				}
			}
			continue
		}
		p, err := buf.NextPacket()
		if err != nil {
			return err
		}
		if p == nil {
			return nil
		}
		c.handlePacket(p)
	}
}

func (c *Client) handlePacket(p *jdwp.Packet) {
	if logflags.JDWP() {
		c.log.Debugf("-> %s", p)
	}
	if p.IsReply() {
		h, ok := c.takeOutstanding(p.ID)
		if !ok {
			c.forward(p)
			return
		}
		if p.IsError() {
			c.mu.Lock()
			notDDM := c.state == StateNeedDDMPkt && p.ID == c.helloID
			if notDDM {
				c.state = StateNotDDM
			}
			c.mu.Unlock()
			if notDDM {
				c.log.Debugf("error %d replying to DDM bootstrap, plain JDWP client", p.ErrorCode)
			}
		}
		c.registry.DispatchReply(c, p, h)
		return
	}
	if p.IsDDM() {
		c.mu.Lock()
		first := c.state == StateNeedDDMPkt
		if first {
			c.state = StateReady
			c.ready = true
		}
		c.mu.Unlock()
		if first {
			c.log.Debugf("state %s -> %s", StateNeedDDMPkt, StateReady)
			c.registry.BroadcastReady(c)
		}
		c.registry.Dispatch(c, p)
		return
	}
	c.forward(p)
}

// forward hands a packet that is not ours to the debugger proxy.
func (c *Client) forward(p *jdwp.Packet) {
	if c.debugger == nil {
		c.log.Debugf("discarding %s, no debugger proxy", p)
		return
	}
	c.debugger.forward(p)
}

func (c *Client) takeOutstanding(id uint32) (ddm.Handler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.outstanding[id]
	if ok {
		delete(c.outstanding, id)
	}
	return h, ok
}

// Outstanding returns the number of requests waiting for a reply.
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstanding)
}

// SendChunk sends a DDM request whose reply goes to h.
func (c *Client) SendChunk(tag jdwp.Tag, body []byte, h ddm.Handler) (uint32, error) {
	p := jdwp.NewChunkPacket(tag, body)
	if err := c.sendRequest(p, h); err != nil {
		return 0, err
	}
	return p.ID, nil
}

// sendRequest registers p as outstanding before writing it, so that a
// reply racing the write always finds its handler.
func (c *Client) sendRequest(p *jdwp.Packet, h ddm.Handler) error {
	c.mu.Lock()
	if c.state.terminal() {
		c.mu.Unlock()
		return ErrClosed
	}
	c.outstanding[p.ID] = h
	c.mu.Unlock()

	if logflags.JDWP() {
		c.log.Debugf("<- %s", p)
	}
	if err := c.write(p.Bytes()); err != nil {
		c.takeOutstanding(p.ID)
		return err
	}
	return nil
}

// sendRaw writes a packet coming from the debugger.
func (c *Client) sendRaw(p *jdwp.Packet) error {
	return c.write(p.Bytes())
}

func (c *Client) write(b []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := adbwire.Write(c.conn, b, c.timeout); err != nil {
		// A partial write leaves the stream unusable.
		go c.drop(fmt.Errorf("write: %w", err), false)
		return err
	}
	return nil
}

// RequestHeapInfo asks the process for heap summaries.
func (c *Client) RequestHeapInfo(when byte) error {
	return ddm.RequestHeapInfo(c, c.registry, when)
}

// ExecuteGC asks the process to collect garbage.
func (c *Client) ExecuteGC() error {
	return ddm.RequestGC(c, c.registry)
}

// RequestProfilingStatus asks the process for its method profiling state.
func (c *Client) RequestProfilingStatus() error {
	return ddm.RequestProfilingStatus(c, c.registry)
}

const (
	cmdSetVirtualMachine  = 1
	cmdVirtualMachineExit = 10
)

// Kill asks the VM to exit with the given status.
func (c *Client) Kill(status int) error {
	data := []byte{byte(status >> 24), byte(status >> 16), byte(status >> 8), byte(status)}
	return c.sendRequest(jdwp.NewCommandPacket(cmdSetVirtualMachine, cmdVirtualMachineExit, data), nil)
}

// drop closes the client. Only the first call has an effect.
func (c *Client) drop(reason error, reopen bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasReady := c.ready
		c.reopen = reopen
		if !reopen && !c.state.terminal() {
			if errors.Is(reason, jdwp.ErrBufferOverflow) || errors.Is(reason, jdwp.ErrBadLength) {
				c.state = StateError
			} else {
				c.state = StateDisconnected
			}
		}
		c.outstanding = make(map[uint32]ddm.Handler)
		state := c.state
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()
		if c.debugger != nil {
			c.debugger.Close()
		}
		if reason != nil {
			c.log.Debugf("dropped in state %s: %v", state, reason)
		} else {
			c.log.Debugf("closed in state %s", state)
		}
		if wasReady {
			c.registry.BroadcastDisconnected(c)
		}
		if c.owner != nil {
			c.owner.ClientDropped(c, reopen)
		}
	})
}

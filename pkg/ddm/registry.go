// Package ddm implements dispatching of DDM chunks, the private debug
// monitor protocol multiplexed inside JDWP command packets, and the
// handlers for the chunks the bridge itself needs.
package ddm

import (
	"fmt"
	"sync"

	"github.com/go-delve/ddmbridge/pkg/jdwp"
	"github.com/go-delve/ddmbridge/pkg/logflags"
)

// Client is the view of a client session that handlers work with.
type Client interface {
	// Pid is the process id on the device.
	Pid() int
	// Serial identifies the device the process runs on.
	Serial() string
	// Data holds the state accumulated from DDM chunks.
	Data() *ClientData
	// SendChunk sends a DDM request. The reply is delivered to h, and to
	// no other handler. It returns the id of the request packet.
	SendChunk(tag jdwp.Tag, body []byte, h Handler) (uint32, error)
	// Changed reports a change of the client to listeners.
	Changed(mask ChangeMask)
}

// Handler processes chunks of one or more types.
// Implementations must be comparable (usually a pointer) since the registry
// deduplicates handlers registered under several tags.
type Handler interface {
	// ClientReady is called once, when the first DDM packet of a client
	// is seen.
	ClientReady(c Client) error
	// ClientDisconnected is called when a client that was ready goes away.
	ClientDisconnected(c Client)
	// HandleChunk processes a chunk. isReply is true for replies to a
	// request sent with Client.SendChunk, id is the packet id.
	HandleChunk(c Client, tag jdwp.Tag, body []byte, isReply bool, id uint32)
}

// Registry maps chunk tags to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[jdwp.Tag]Handler
	log      logflags.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[jdwp.Tag]Handler),
		log:      logflags.DDMLogger(),
	}
}

// Register associates tag with h, replacing any previous handler.
func (r *Registry) Register(tag jdwp.Tag, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.handlers[tag]; ok && old != h {
		r.log.Debugf("replacing handler for %s", tag)
	}
	r.handlers[tag] = h
}

// Handler returns the handler registered for tag, or nil.
func (r *Registry) Handler(tag jdwp.Tag) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[tag]
}

// Send sends a request for tag, with its reply routed to the handler
// registered for tag.
func (r *Registry) Send(c Client, tag jdwp.Tag, body []byte) (uint32, error) {
	h := r.Handler(tag)
	if h == nil {
		return 0, fmt.Errorf("no handler registered for %s", tag)
	}
	return c.SendChunk(tag, body, h)
}

// distinct returns every registered handler once.
func (r *Registry) distinct() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[Handler]struct{}, len(r.handlers))
	hs := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hs = append(hs, h)
	}
	return hs
}

// Dispatch hands every chunk of a DDM command packet to its handler.
// Chunks with no handler are logged and dropped.
func (r *Registry) Dispatch(c Client, p *jdwp.Packet) {
	chunks, err := p.Chunks()
	if err != nil {
		r.log.Warnf("pid %d: bad DDM packet %s: %v", c.Pid(), p, err)
	}
	for _, ch := range chunks {
		if ch.Tag == TagFAIL {
			r.logFailure(c, ch.Body)
			continue
		}
		h := r.Handler(ch.Tag)
		if h == nil {
			r.log.Debugf("pid %d: dropping chunk %s with no handler", c.Pid(), ch.Tag)
			continue
		}
		r.call(c, h, ch.Tag, ch.Body, false, p.ID)
	}
}

// DispatchReply hands the chunks of a reply to h, the handler the request
// was sent with.
func (r *Registry) DispatchReply(c Client, p *jdwp.Packet, h Handler) {
	if p.IsError() {
		r.log.Debugf("pid %d: request %#x failed with JDWP error %d", c.Pid(), p.ID, p.ErrorCode)
		return
	}
	if p.IsEmpty() || h == nil {
		return
	}
	chunks, err := p.Chunks()
	if err != nil {
		r.log.Warnf("pid %d: bad DDM reply %s: %v", c.Pid(), p, err)
	}
	for _, ch := range chunks {
		if ch.Tag == TagFAIL {
			r.logFailure(c, ch.Body)
			continue
		}
		r.call(c, h, ch.Tag, ch.Body, true, p.ID)
	}
}

func (r *Registry) logFailure(c Client, body []byte) {
	r.log.Warnf("pid %d: %v", c.Pid(), ParseFail(body))
}

func (r *Registry) call(c Client, h Handler, tag jdwp.Tag, body []byte, isReply bool, id uint32) {
	defer func() {
		if ierr := recover(); ierr != nil {
			r.log.Errorf("pid %d: handler for %s panicked: %v", c.Pid(), tag, ierr)
		}
	}()
	h.HandleChunk(c, tag, body, isReply, id)
}

// BroadcastReady calls ClientReady on every distinct handler. A failing
// handler is logged and does not prevent the others from being notified.
func (r *Registry) BroadcastReady(c Client) {
	for _, h := range r.distinct() {
		r.ready(c, h)
	}
}

func (r *Registry) ready(c Client, h Handler) {
	defer func() {
		if ierr := recover(); ierr != nil {
			r.log.Errorf("pid %d: ClientReady panicked: %v", c.Pid(), ierr)
		}
	}()
	if err := h.ClientReady(c); err != nil {
		r.log.Warnf("pid %d: ClientReady: %v", c.Pid(), err)
	}
}

// BroadcastDisconnected calls ClientDisconnected on every distinct handler.
func (r *Registry) BroadcastDisconnected(c Client) {
	for _, h := range r.distinct() {
		r.disconnected(c, h)
	}
}

func (r *Registry) disconnected(c Client, h Handler) {
	defer func() {
		if ierr := recover(); ierr != nil {
			r.log.Errorf("pid %d: ClientDisconnected panicked: %v", c.Pid(), ierr)
		}
	}()
	h.ClientDisconnected(c)
}

// RegisterDefaults registers the handlers the bridge relies on.
func RegisterDefaults(r *Registry) {
	hello := &Hello{}
	r.Register(TagHELO, hello)
	r.Register(TagFEAT, hello)
	heap := &Heap{}
	r.Register(TagHPIF, heap)
	r.Register(TagHPGC, heap)
	r.Register(TagMPRQ, &Profiling{})
}

// Bootstrap sends the requests issued as soon as a client completes the
// JDWP handshake: protocol hello, feature query and profiling status.
// It returns the packet id of the hello request.
func Bootstrap(c Client, r *Registry) (uint32, error) {
	helloID, err := r.Send(c, TagHELO, HelloRequest())
	if err != nil {
		return 0, err
	}
	if _, err := r.Send(c, TagFEAT, nil); err != nil {
		return helloID, err
	}
	_, err = r.Send(c, TagMPRQ, nil)
	return helloID, err
}
